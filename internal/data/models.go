// internal/data/models.go
package data

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // Register the postgres dialect with goqu.
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"

	"github.com/aoideee/library-api/internal/validator"
)

const (
	dialectPostgres = "postgres"
	queryTimeout    = 3 * time.Second
)

// Models is a top-level container that groups all database model types together.
// It is passed around the application via applicationDependencies so every handler
// has access to the database without importing sqlx directly.
type Models struct {
	Authors  AuthorModel
	Genres   GenreModel
	Books    BookModel
	Students StudentModel
	Loans    LoanModel
}

// NewModels constructs a Models value wired up to the given database connection pool.
func NewModels(db *sqlx.DB) Models {
	return Models{
		Authors:  AuthorModel{DB: db},
		Genres:   GenreModel{DB: db},
		Books:    BookModel{DB: db},
		Students: StudentModel{DB: db},
		Loans:    LoanModel{DB: db},
	}
}

var (
	// ErrRecordNotFound is returned when a query finds no matching row.
	ErrRecordNotFound = errors.New("record not found")

	// ErrEditConflict is returned when an optimistic update matched no row
	// because the version changed (or the row vanished) since it was read.
	ErrEditConflict = errors.New("edit conflict")

	// ErrActiveLoanExists is returned when the one-active-loan-per-book index rejects an insert.
	ErrActiveLoanExists = errors.New("book already has an active loan")

	// ErrNoCopies is returned when a loan is inserted for a book whose quantity is zero.
	ErrNoCopies = errors.New("book has no copies")

	// ErrQuantityBelowActive is returned when a book update would leave fewer
	// copies than there are active loans.
	ErrQuantityBelowActive = errors.New("quantity is lower than the number of active loans")

	// ErrHasDependents is returned when a delete is blocked by rows referencing the record.
	ErrHasDependents = errors.New("record has dependent records")

	// ErrDuplicate is matched by every *DuplicateError.
	ErrDuplicate = errors.New("duplicate value")

	// ErrBuildingQueryFailed wraps goqu ToSQL failures.
	ErrBuildingQueryFailed = errors.New("building query failed")
)

// DuplicateError reports which input field collided with a unique index.
type DuplicateError struct {
	Field string
}

func (e *DuplicateError) Error() string {
	return "duplicate value for " + e.Field
}

// Is makes errors.Is(err, ErrDuplicate) succeed for any DuplicateError.
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// Filters holds pagination and sorting parameters extracted from URL query strings.
type Filters struct {
	Page         int      // Current page number (1-indexed)
	PageSize     int      // Number of records per page
	Sort         string   // Column name to sort by (prefix with "-" for DESC)
	SortSafeList []string // Allowed sort columns to prevent SQL injection
}

// ValidateFilters checks the page bounds and that Sort is on the safelist.
func ValidateFilters(v *validator.Validator, f Filters) {
	v.Check(f.Page > 0, "page", "must be greater than zero")
	v.Check(f.Page <= 10_000_000, "page", "must be a maximum of 10 million")
	v.Check(f.PageSize > 0, "page_size", "must be greater than zero")
	v.Check(f.PageSize <= 100, "page_size", "must be a maximum of 100")
	v.Check(validator.In(f.Sort, f.SortSafeList...), "sort", "invalid sort value")
}

// sortColumn returns the validated column name for ORDER BY, or fallback
// when Sort is not on the safelist.
func (f Filters) sortColumn(fallback string) string {
	for _, safe := range f.SortSafeList {
		if f.Sort == safe {
			return strings.TrimPrefix(f.Sort, "-")
		}
	}
	return fallback
}

// orderBy returns the ORDER BY expressions: the requested column first, then
// the primary key so paging is stable.
func (f Filters) orderBy(table, primaryKey string) []exp.OrderedExpression {
	col := goqu.T(table).Col(f.sortColumn(primaryKey))
	first := col.Asc()
	if strings.HasPrefix(f.Sort, "-") {
		first = col.Desc()
	}
	return []exp.OrderedExpression{first, goqu.T(table).Col(primaryKey).Asc()}
}

// limit returns the SQL LIMIT value derived from PageSize.
func (f Filters) limit() uint { return uint(f.PageSize) }

// offset returns the SQL OFFSET value derived from Page and PageSize.
func (f Filters) offset() uint { return uint((f.Page - 1) * f.PageSize) }

// Metadata contains pagination information returned alongside list responses.
type Metadata struct {
	CurrentPage  int `json:"current_page,omitempty"`
	PageSize     int `json:"page_size,omitempty"`
	FirstPage    int `json:"first_page,omitempty"`
	LastPage     int `json:"last_page,omitempty"`
	TotalRecords int `json:"total_records,omitempty"`
}

// calculateMetadata computes page metadata from total record count and filter values.
func calculateMetadata(totalRecords, page, pageSize int) Metadata {
	if totalRecords == 0 {
		return Metadata{}
	}
	return Metadata{
		CurrentPage:  page,
		PageSize:     pageSize,
		FirstPage:    1,
		LastPage:     int(math.Ceil(float64(totalRecords) / float64(pageSize))),
		TotalRecords: totalRecords,
	}
}

// totalCount is selected as count(*) OVER() so one round-trip returns both
// the page and the total.
var totalCount = goqu.L("count(*) OVER()").As("total_records")

// paginate applies ORDER BY, LIMIT and OFFSET and renders the statement with
// positional placeholders.
func paginate(ds *goqu.SelectDataset, f Filters, table, primaryKey string) (string, []any, error) {
	query, args, err := ds.
		Order(f.orderBy(table, primaryKey)...).
		Limit(f.limit()).
		Offset(f.offset()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return "", nil, errors.Join(ErrBuildingQueryFailed, err)
	}
	return query, args, nil
}

// selectPage runs a paginated query built by paginate and scans it into dst,
// a pointer to a slice of structs carrying a total_records column.
func selectPage(ctx context.Context, db *sqlx.DB, dst any, query string, args []any) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return db.SelectContext(ctx, dst, query, args...)
}

// likePattern escapes LIKE metacharacters and wraps s for a contains-match.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}
