package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"

	"github.com/aoideee/library-api/internal/validator"
)

// Book represents a single row in the "books" table.
// AvailableQuantity is never stored; every read computes it from the loans table.
type Book struct {
	ID                int64     `json:"book_id"              db:"book_id"`
	Title             string    `json:"title"                db:"title"`
	ISBN              string    `json:"isbn"                 db:"isbn"`
	PublicationYear   int       `json:"publication_year"     db:"publication_year"`
	Quantity          int       `json:"quantity"             db:"quantity"`
	AvailableQuantity int       `json:"available_quantity"   db:"available_quantity"`
	AuthorID          int64     `json:"author_id"            db:"author_id"`
	AuthorName        string    `json:"author_name,omitempty" db:"author_name"`
	GenreID           int64     `json:"genre_id"             db:"genre_id"`
	GenreName         string    `json:"genre_name,omitempty" db:"genre_name"`
	Version           int       `json:"version"              db:"version"`
	CreatedAt         time.Time `json:"created_at"           db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"           db:"updated_at"`
}

// CreateBookInput holds the fields a client must supply when creating a new book.
type CreateBookInput struct {
	Title           string `json:"title"`
	ISBN            string `json:"isbn"`
	PublicationYear int    `json:"publication_year"`
	Quantity        int    `json:"quantity"`
	AuthorID        int64  `json:"author_id"`
	GenreID         int64  `json:"genre_id"`
}

// UpdateBookInput holds the fields a client may supply when partially updating a book.
// Every field is a pointer so nil means "not provided, leave as-is".
type UpdateBookInput struct {
	Title           *string `json:"title"`
	ISBN            *string `json:"isbn"`
	PublicationYear *int    `json:"publication_year"`
	Quantity        *int    `json:"quantity"`
	AuthorID        *int64  `json:"author_id"`
	GenreID         *int64  `json:"genre_id"`
}

// BookFilter narrows GetAll. Zero values mean "no constraint".
type BookFilter struct {
	Title         string
	AuthorID      int64
	GenreID       int64
	AvailableOnly bool
}

// ValidateBook checks a book before it is inserted or updated.
func ValidateBook(v *validator.Validator, book *Book) {
	v.Check(validator.NotBlank(book.Title), "title", "must be provided")
	v.Check(validator.MaxChars(book.Title, 500), "title", "must not be more than 500 characters long")

	v.Check(book.ISBN != "", "isbn", "must be provided")
	v.Check(validator.Matches(book.ISBN, validator.ISBNRX), "isbn", "must be a valid ISBN-10 or ISBN-13")

	v.Check(book.PublicationYear > 0, "publication_year", "must be provided")
	v.Check(book.PublicationYear <= time.Now().Year(), "publication_year", "must not be in the future")

	v.Check(book.Quantity >= 0, "quantity", "must not be negative")

	v.Check(book.AuthorID > 0, "author_id", "must be provided")
	v.Check(book.GenreID > 0, "genre_id", "must be provided")
}

const (
	tableBooks = "books"
	colBookID  = "book_id"
)

// activeLoansForBook counts loans on b.book_id that have not been returned.
var activeLoansForBook = goqu.L(
	"(SELECT count(*) FROM loans l WHERE l.book_id = books.book_id AND l.return_date IS NULL)",
)

// bookSelect is the shared projection for every book read.
func bookSelect() *goqu.SelectDataset {
	return goqu.Dialect(dialectPostgres).
		From(tableBooks).
		Join(goqu.T("authors"), goqu.On(goqu.Ex{"authors.author_id": goqu.I("books.author_id")})).
		Join(goqu.T("genres"), goqu.On(goqu.Ex{"genres.genre_id": goqu.I("books.genre_id")})).
		Select(
			goqu.I("books.book_id"),
			goqu.I("books.title"),
			goqu.I("books.isbn"),
			goqu.I("books.publication_year"),
			goqu.I("books.quantity"),
			goqu.L("books.quantity - ?", activeLoansForBook).As("available_quantity"),
			goqu.I("books.author_id"),
			goqu.I("authors.name").As("author_name"),
			goqu.I("books.genre_id"),
			goqu.I("genres.name").As("genre_name"),
			goqu.I("books.version"),
			goqu.I("books.created_at"),
			goqu.I("books.updated_at"),
		)
}

// conditions returns the WHERE expressions for the filter.
func (f BookFilter) conditions() []exp.Expression {
	var where []exp.Expression
	if f.Title != "" {
		where = append(where, goqu.I("books.title").ILike(likePattern(f.Title)))
	}
	if f.AuthorID > 0 {
		where = append(where, goqu.I("books.author_id").Eq(f.AuthorID))
	}
	if f.GenreID > 0 {
		where = append(where, goqu.I("books.genre_id").Eq(f.GenreID))
	}
	if f.AvailableOnly {
		where = append(where, goqu.L("books.quantity - ? > 0", activeLoansForBook))
	}
	return where
}

// BookModel wraps a *sqlx.DB connection and provides methods for
// creating, reading, updating, and deleting book records.
type BookModel struct {
	DB *sqlx.DB
}

// Insert adds a new book record. The database-assigned id, version and
// timestamps are written back into book; AvailableQuantity starts at Quantity.
func (m BookModel) Insert(ctx context.Context, book *Book) error {
	query := `
		INSERT INTO books (title, isbn, publication_year, quantity, author_id, genre_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING book_id, version, created_at, updated_at`

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	err := m.DB.QueryRowxContext(ctx, query,
		book.Title, book.ISBN, book.PublicationYear, book.Quantity, book.AuthorID, book.GenreID,
	).Scan(&book.ID, &book.Version, &book.CreatedAt, &book.UpdatedAt)
	if err != nil {
		return translateWriteError(err)
	}

	book.AvailableQuantity = book.Quantity
	return nil
}

// Get retrieves a single book by its primary key.
// Returns ErrRecordNotFound if no book with the given id exists.
func (m BookModel) Get(ctx context.Context, id int64) (*Book, error) {
	if id < 1 {
		return nil, ErrRecordNotFound
	}

	query, args, err := bookSelect().Where(goqu.I("books.book_id").Eq(id)).Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.Join(ErrBuildingQueryFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var book Book
	err = m.DB.GetContext(ctx, &book, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &book, nil
}

// GetAll retrieves a filtered, paginated, sorted list of books.
func (m BookModel) GetAll(ctx context.Context, filter BookFilter, filters Filters) ([]*Book, Metadata, error) {
	ds := bookSelect().SelectAppend(totalCount).Where(filter.conditions()...)

	query, args, err := paginate(ds, filters, tableBooks, colBookID)
	if err != nil {
		return nil, Metadata{}, err
	}

	var rows []struct {
		TotalRecords int `db:"total_records"`
		Book
	}
	if err := selectPage(ctx, m.DB, &rows, query, args); err != nil {
		return nil, Metadata{}, err
	}

	totalRecords := 0
	books := make([]*Book, 0, len(rows))
	for i := range rows {
		totalRecords = rows[i].TotalRecords
		books = append(books, &rows[i].Book)
	}

	return books, calculateMetadata(totalRecords, filters.Page, filters.PageSize), nil
}

// Update saves the modified fields of book. It locks the row, checks the
// version the client read and refuses to drop Quantity below the number of
// active loans. Returns ErrEditConflict, ErrRecordNotFound or ErrQuantityBelowActive.
func (m BookModel) Update(ctx context.Context, book *Book) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := m.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	var version int
	err = tx.GetContext(ctx, &version, `SELECT version FROM books WHERE book_id = $1 FOR UPDATE`, book.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRecordNotFound
		}
		return err
	}
	if version != book.Version {
		return ErrEditConflict
	}

	var active int
	err = tx.GetContext(ctx, &active,
		`SELECT count(*) FROM loans WHERE book_id = $1 AND return_date IS NULL`, book.ID)
	if err != nil {
		return err
	}
	if err := checkQuantity(book.Quantity, active); err != nil {
		return err
	}

	query := `
		UPDATE books
		SET title = $1, isbn = $2, publication_year = $3, quantity = $4,
		    author_id = $5, genre_id = $6, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE book_id = $7
		RETURNING version, updated_at`

	err = tx.QueryRowxContext(ctx, query,
		book.Title, book.ISBN, book.PublicationYear, book.Quantity,
		book.AuthorID, book.GenreID, book.ID,
	).Scan(&book.Version, &book.UpdatedAt)
	if err != nil {
		return translateWriteError(err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	book.AvailableQuantity = book.Quantity - active
	return nil
}

// checkQuantity refuses a quantity that would leave fewer copies than active loans.
func checkQuantity(quantity, active int) error {
	if quantity < active {
		return ErrQuantityBelowActive
	}
	return nil
}

// Delete removes the book with the given id.
// Returns ErrRecordNotFound if it does not exist and ErrHasDependents if any loan references it.
func (m BookModel) Delete(ctx context.Context, id int64) error {
	return deleteByID(ctx, m.DB, tableBooks, colBookID, id)
}

// deleteByID is shared by every model whose delete is guarded by foreign keys.
func deleteByID(ctx context.Context, db *sqlx.DB, table, primaryKey string, id int64) error {
	if id < 1 {
		return ErrRecordNotFound
	}

	query, args, err := goqu.Dialect(dialectPostgres).
		Delete(table).
		Where(goqu.C(primaryKey).Eq(id)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return errors.Join(ErrBuildingQueryFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return translateDeleteError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrRecordNotFound
	}

	return nil
}
