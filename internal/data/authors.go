package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"

	"github.com/aoideee/library-api/internal/validator"
)

// Author represents a row in the "authors" table.
type Author struct {
	ID          int64     `json:"author_id"             db:"author_id"`
	Name        string    `json:"name"                  db:"name"`
	Nationality string    `json:"nationality,omitempty" db:"nationality"`
	BirthYear   int       `json:"birth_year,omitempty"  db:"birth_year"`
	Version     int       `json:"version"               db:"version"`
	CreatedAt   time.Time `json:"created_at"            db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"            db:"updated_at"`
}

// AuthorInput is used for both create and partial update; nil fields are left unchanged.
type AuthorInput struct {
	Name        *string `json:"name"`
	Nationality *string `json:"nationality"`
	BirthYear   *int    `json:"birth_year"`
}

// Apply copies the provided fields onto a.
func (in AuthorInput) Apply(a *Author) {
	if in.Name != nil {
		a.Name = *in.Name
	}
	if in.Nationality != nil {
		a.Nationality = *in.Nationality
	}
	if in.BirthYear != nil {
		a.BirthYear = *in.BirthYear
	}
}

func ValidateAuthor(v *validator.Validator, a *Author) {
	v.Check(validator.NotBlank(a.Name), "name", "must be provided")
	v.Check(validator.MaxChars(a.Name, 200), "name", "must not be more than 200 characters long")
	v.Check(validator.MaxChars(a.Nationality, 100), "nationality", "must not be more than 100 characters long")
	v.Check(a.BirthYear >= 0, "birth_year", "must not be negative")
	v.Check(a.BirthYear <= time.Now().Year(), "birth_year", "must not be in the future")
}

const (
	tableAuthors = "authors"
	colAuthorID  = "author_id"
)

type AuthorModel struct {
	DB *sqlx.DB
}

func (m AuthorModel) Insert(ctx context.Context, a *Author) error {
	query := `
		INSERT INTO authors (name, nationality, birth_year)
		VALUES ($1, $2, $3)
		RETURNING author_id, version, created_at, updated_at`

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	err := m.DB.QueryRowxContext(ctx, query, a.Name, a.Nationality, a.BirthYear).
		Scan(&a.ID, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	return translateWriteError(err)
}

func (m AuthorModel) Get(ctx context.Context, id int64) (*Author, error) {
	if id < 1 {
		return nil, ErrRecordNotFound
	}

	query := `
		SELECT author_id, name, nationality, birth_year, version, created_at, updated_at
		FROM authors
		WHERE author_id = $1`

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var a Author
	err := m.DB.GetContext(ctx, &a, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &a, nil
}

// GetAll lists authors whose name contains name (case-insensitive); an empty name matches all.
func (m AuthorModel) GetAll(ctx context.Context, name string, filters Filters) ([]*Author, Metadata, error) {
	ds := goqu.Dialect(dialectPostgres).
		From(tableAuthors).
		Select("author_id", "name", "nationality", "birth_year", "version", "created_at", "updated_at", totalCount)
	if name != "" {
		ds = ds.Where(goqu.C("name").ILike(likePattern(name)))
	}

	query, args, err := paginate(ds, filters, tableAuthors, colAuthorID)
	if err != nil {
		return nil, Metadata{}, err
	}

	var rows []struct {
		TotalRecords int `db:"total_records"`
		Author
	}
	if err := selectPage(ctx, m.DB, &rows, query, args); err != nil {
		return nil, Metadata{}, err
	}

	totalRecords := 0
	authors := make([]*Author, 0, len(rows))
	for i := range rows {
		totalRecords = rows[i].TotalRecords
		authors = append(authors, &rows[i].Author)
	}
	return authors, calculateMetadata(totalRecords, filters.Page, filters.PageSize), nil
}

// Update writes a back if its version still matches. Returns ErrEditConflict otherwise.
func (m AuthorModel) Update(ctx context.Context, a *Author) error {
	query := `
		UPDATE authors
		SET name = $1, nationality = $2, birth_year = $3, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE author_id = $4 AND version = $5
		RETURNING version, updated_at`

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	err := m.DB.QueryRowxContext(ctx, query, a.Name, a.Nationality, a.BirthYear, a.ID, a.Version).
		Scan(&a.Version, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrEditConflict
	}
	return translateWriteError(err)
}

// Delete fails with ErrHasDependents while any book references the author.
func (m AuthorModel) Delete(ctx context.Context, id int64) error {
	return deleteByID(ctx, m.DB, tableAuthors, colAuthorID, id)
}
