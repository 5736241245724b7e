package data

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// PostgreSQL SQLSTATE codes the models translate into sentinel errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Constraint names from the migrations that carry meaning for callers.
const (
	constraintOneActiveLoanPerBook = "loans_one_active_per_book"
	constraintBooksISBN            = "books_isbn_key"
	constraintGenresName           = "genres_name_key"
	constraintStudentsEmail        = "students_email_key"
	constraintStudentsEnrollment   = "students_enrollment_number_key"
)

// duplicateFields maps unique constraints to the input field that caused them.
var duplicateFields = map[string]string{
	constraintBooksISBN:          "isbn",
	constraintGenresName:         "name",
	constraintStudentsEmail:      "email",
	constraintStudentsEnrollment: "enrollment_number",
}

// pgError extracts the SQLSTATE code and constraint name from either driver's
// error type. ok is false for errors that did not come from the server.
func pgError(err error) (code, constraint string, ok bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Constraint, true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName, true
	}

	return "", "", false
}

// translateWriteError converts constraint violations raised by INSERT/UPDATE
// into the package's sentinel errors. Other errors are returned unchanged.
func translateWriteError(err error) error {
	code, constraint, ok := pgError(err)
	if !ok {
		return err
	}

	switch code {
	case pgUniqueViolation:
		if constraint == constraintOneActiveLoanPerBook {
			return ErrActiveLoanExists
		}
		if field, found := duplicateFields[constraint]; found {
			return &DuplicateError{Field: field}
		}
		return errors.Join(ErrDuplicate, err)
	case pgForeignKeyViolation:
		// A referenced parent row is missing.
		return errors.Join(ErrRecordNotFound, err)
	}

	return err
}

// translateDeleteError converts a foreign key violation raised by DELETE into
// ErrHasDependents.
func translateDeleteError(err error) error {
	if code, _, ok := pgError(err); ok && code == pgForeignKeyViolation {
		return ErrHasDependents
	}
	return err
}
