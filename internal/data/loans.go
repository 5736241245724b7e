package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"
)

// Loan statuses. Every loan is in exactly one of them at any instant.
const (
	LoanStatusActive   = "active"
	LoanStatusReturned = "returned"
	LoanStatusOverdue  = "overdue"
)

// LoanStatuses lists the values accepted by the status filter.
var LoanStatuses = []string{LoanStatusActive, LoanStatusReturned, LoanStatusOverdue}

// Loan represents a row in the "loans" table joined with the book title and
// student name for display. A nil ReturnDate means the loan is active.
type Loan struct {
	ID          int64      `json:"loan_id"      db:"loan_id"`
	BookID      int64      `json:"book_id"      db:"book_id"`
	BookTitle   string     `json:"book_title"   db:"book_title"`
	StudentID   int64      `json:"student_id"   db:"student_id"`
	StudentName string     `json:"student_name" db:"student_name"`
	LoanDate    time.Time  `json:"loan_date"    db:"loan_date"`
	DueDate     time.Time  `json:"due_date"     db:"due_date"`
	ReturnDate  *time.Time `json:"return_date"  db:"return_date"`
	Version     int        `json:"version"      db:"version"`
	CreatedAt   time.Time  `json:"created_at"   db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"   db:"updated_at"`
}

// IsReturned reports whether the loan reached its terminal state.
func (l *Loan) IsReturned() bool {
	return l.ReturnDate != nil
}

// IsLate reports whether the loan is still out after its due date.
func (l *Loan) IsLate(now time.Time) bool {
	return !l.IsReturned() && now.After(l.DueDate)
}

// Status classifies the loan at now. The three outcomes partition all loans.
func (l *Loan) Status(now time.Time) string {
	switch {
	case l.IsReturned():
		return LoanStatusReturned
	case l.IsLate(now):
		return LoanStatusOverdue
	default:
		return LoanStatusActive
	}
}

// LoanView is the JSON shape of a loan with its derived fields evaluated at a given instant.
type LoanView struct {
	*Loan
	IsReturned bool   `json:"is_returned"`
	IsLate     bool   `json:"is_late"`
	Status     string `json:"status"`
}

// View evaluates the derived fields at now.
func (l *Loan) View(now time.Time) LoanView {
	return LoanView{
		Loan:       l,
		IsReturned: l.IsReturned(),
		IsLate:     l.IsLate(now),
		Status:     l.Status(now),
	}
}

// CreateLoanInput is the request body for POST /v1/loans.
// LoanDate defaults to the current time when omitted.
type CreateLoanInput struct {
	BookID    int64      `json:"book_id"`
	StudentID int64      `json:"student_id"`
	LoanDate  *time.Time `json:"loan_date"`
	DueDate   *time.Time `json:"due_date"`
}

// UpdateLoanInput is the request body for PATCH /v1/loans/:id. Only the due date can change.
type UpdateLoanInput struct {
	DueDate *time.Time `json:"due_date"`
}

// LoanFilter narrows Query. Status is evaluated against Now, never against stored state.
type LoanFilter struct {
	Status    string
	BookID    int64
	StudentID int64
	Now       time.Time
}

// LoanStats holds loan counts per status at a given instant.
type LoanStats struct {
	Total    int `json:"total"    db:"total"`
	Active   int `json:"active"   db:"active"`
	Returned int `json:"returned" db:"returned"`
	Overdue  int `json:"overdue"  db:"overdue"`
}

const (
	tableLoans = "loans"
	colLoanID  = "loan_id"
)

var (
	colReturnDate = goqu.I("loans.return_date")
	colDueDate    = goqu.I("loans.due_date")
)

// statusCondition returns the WHERE expression selecting loans in status at now.
// ok is false for an unknown status.
func statusCondition(status string, now time.Time) (exp.Expression, bool) {
	switch status {
	case LoanStatusActive:
		return goqu.And(colReturnDate.IsNull(), colDueDate.Gte(now)), true
	case LoanStatusReturned:
		return colReturnDate.IsNotNull(), true
	case LoanStatusOverdue:
		return goqu.And(colReturnDate.IsNull(), colDueDate.Lt(now)), true
	}
	return nil, false
}

// conditions returns the WHERE expressions for the filter.
func (f LoanFilter) conditions() []exp.Expression {
	var where []exp.Expression
	if cond, ok := statusCondition(f.Status, f.Now); ok {
		where = append(where, cond)
	}
	if f.BookID > 0 {
		where = append(where, goqu.I("loans.book_id").Eq(f.BookID))
	}
	if f.StudentID > 0 {
		where = append(where, goqu.I("loans.student_id").Eq(f.StudentID))
	}
	return where
}

// loanSelect is the shared projection for every loan read.
func loanSelect() *goqu.SelectDataset {
	return goqu.Dialect(dialectPostgres).
		From(tableLoans).
		Join(goqu.T("books"), goqu.On(goqu.Ex{"books.book_id": goqu.I("loans.book_id")})).
		Join(goqu.T("students"), goqu.On(goqu.Ex{"students.student_id": goqu.I("loans.student_id")})).
		Select(
			goqu.I("loans.loan_id"),
			goqu.I("loans.book_id"),
			goqu.I("books.title").As("book_title"),
			goqu.I("loans.student_id"),
			goqu.I("students.name").As("student_name"),
			goqu.I("loans.loan_date"),
			goqu.I("loans.due_date"),
			goqu.I("loans.return_date"),
			goqu.I("loans.version"),
			goqu.I("loans.created_at"),
			goqu.I("loans.updated_at"),
		)
}

// buildStatsQuery counts loans per status at now in one pass.
func buildStatsQuery(now time.Time) (string, []any, error) {
	query, args, err := goqu.Dialect(dialectPostgres).
		From(tableLoans).
		Select(
			goqu.COUNT(goqu.Star()).As("total"),
			goqu.L("count(*) FILTER (WHERE ?)", goqu.And(colReturnDate.IsNull(), colDueDate.Gte(now))).As("active"),
			goqu.L("count(*) FILTER (WHERE ?)", colReturnDate.IsNotNull()).As("returned"),
			goqu.L("count(*) FILTER (WHERE ?)", goqu.And(colReturnDate.IsNull(), colDueDate.Lt(now))).As("overdue"),
		).
		Prepared(true).
		ToSQL()
	if err != nil {
		return "", nil, errors.Join(ErrBuildingQueryFailed, err)
	}
	return query, args, nil
}

// LoanModel is the PostgreSQL loan repository used by the ledger.
type LoanModel struct {
	DB *sqlx.DB
}

// Insert stores a new active loan. The book row is share-locked so a
// concurrent quantity change waits for this insert, and the partial unique
// index loans_one_active_per_book rejects a second active loan with
// ErrActiveLoanExists no matter how the callers interleave.
func (m LoanModel) Insert(ctx context.Context, loan *Loan) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := m.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	var quantity int
	err = tx.GetContext(ctx, &quantity, `SELECT quantity FROM books WHERE book_id = $1 FOR SHARE`, loan.BookID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRecordNotFound
		}
		return err
	}
	if err := checkCopies(quantity); err != nil {
		return err
	}

	query := `
		INSERT INTO loans (book_id, student_id, loan_date, due_date)
		VALUES ($1, $2, $3, $4)
		RETURNING loan_id, version, created_at, updated_at`

	err = tx.QueryRowxContext(ctx, query, loan.BookID, loan.StudentID, loan.LoanDate, loan.DueDate).
		Scan(&loan.ID, &loan.Version, &loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		return translateWriteError(err)
	}

	return tx.Commit()
}

// checkCopies refuses to lend a book that has no copies.
func checkCopies(quantity int) error {
	if quantity < 1 {
		return ErrNoCopies
	}
	return nil
}

// Get retrieves a single loan with its book title and student name.
func (m LoanModel) Get(ctx context.Context, id int64) (*Loan, error) {
	if id < 1 {
		return nil, ErrRecordNotFound
	}

	query, args, err := loanSelect().Where(goqu.I("loans.loan_id").Eq(id)).Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.Join(ErrBuildingQueryFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var loan Loan
	err = m.DB.GetContext(ctx, &loan, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &loan, nil
}

// Update writes the mutable columns (due_date, return_date) if the version
// still matches, and bumps the version. Returns ErrEditConflict when no row
// matched; the caller decides whether the loan vanished or was modified.
func (m LoanModel) Update(ctx context.Context, loan *Loan) error {
	query := `
		UPDATE loans
		SET due_date = $1, return_date = $2, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE loan_id = $3 AND version = $4
		RETURNING version, updated_at`

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	err := m.DB.QueryRowxContext(ctx, query, loan.DueDate, loan.ReturnDate, loan.ID, loan.Version).
		Scan(&loan.Version, &loan.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrEditConflict
	}
	return err
}

// Delete removes the loan if its version still matches.
func (m LoanModel) Delete(ctx context.Context, loan *Loan) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := m.DB.ExecContext(ctx,
		`DELETE FROM loans WHERE loan_id = $1 AND version = $2`, loan.ID, loan.Version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrEditConflict
	}
	return nil
}

// ExistsActiveForBook reports whether bookID has a loan without a return date.
func (m LoanModel) ExistsActiveForBook(ctx context.Context, bookID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var exists bool
	err := m.DB.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM loans WHERE book_id = $1 AND return_date IS NULL)`, bookID)
	return exists, err
}

// CountActiveForBook returns the number of loans on bookID without a return date.
func (m LoanModel) CountActiveForBook(ctx context.Context, bookID int64) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var count int
	err := m.DB.GetContext(ctx, &count,
		`SELECT count(*) FROM loans WHERE book_id = $1 AND return_date IS NULL`, bookID)
	return count, err
}

// Query returns a page of loans matching filter.
func (m LoanModel) Query(ctx context.Context, filter LoanFilter, filters Filters) ([]*Loan, Metadata, error) {
	ds := loanSelect().SelectAppend(totalCount).Where(filter.conditions()...)

	query, args, err := paginate(ds, filters, tableLoans, colLoanID)
	if err != nil {
		return nil, Metadata{}, err
	}

	var rows []struct {
		TotalRecords int `db:"total_records"`
		Loan
	}
	if err := selectPage(ctx, m.DB, &rows, query, args); err != nil {
		return nil, Metadata{}, err
	}

	totalRecords := 0
	loans := make([]*Loan, 0, len(rows))
	for i := range rows {
		totalRecords = rows[i].TotalRecords
		loans = append(loans, &rows[i].Loan)
	}
	return loans, calculateMetadata(totalRecords, filters.Page, filters.PageSize), nil
}

// Stats counts loans per status at now.
func (m LoanModel) Stats(ctx context.Context, now time.Time) (LoanStats, error) {
	query, args, err := buildStatsQuery(now)
	if err != nil {
		return LoanStats{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var stats LoanStats
	err = m.DB.GetContext(ctx, &stats, query, args...)
	return stats, err
}
