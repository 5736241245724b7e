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

// Student represents a row in the "students" table.
// Only existence matters to the loan ledger; the rest is contact data.
type Student struct {
	ID               int64     `json:"student_id"        db:"student_id"`
	Name             string    `json:"name"              db:"name"`
	Email            string    `json:"email"             db:"email"`
	Phone            string    `json:"phone,omitempty"   db:"phone"`
	EnrollmentNumber string    `json:"enrollment_number" db:"enrollment_number"`
	Version          int       `json:"version"           db:"version"`
	CreatedAt        time.Time `json:"created_at"        db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"        db:"updated_at"`
}

type StudentInput struct {
	Name             *string `json:"name"`
	Email            *string `json:"email"`
	Phone            *string `json:"phone"`
	EnrollmentNumber *string `json:"enrollment_number"`
}

func (in StudentInput) Apply(s *Student) {
	if in.Name != nil {
		s.Name = *in.Name
	}
	if in.Email != nil {
		s.Email = *in.Email
	}
	if in.Phone != nil {
		s.Phone = *in.Phone
	}
	if in.EnrollmentNumber != nil {
		s.EnrollmentNumber = *in.EnrollmentNumber
	}
}

func ValidateStudent(v *validator.Validator, s *Student) {
	v.Check(validator.NotBlank(s.Name), "name", "must be provided")
	v.Check(validator.MaxChars(s.Name, 200), "name", "must not be more than 200 characters long")

	v.Check(s.Email != "", "email", "must be provided")
	v.Check(validator.Matches(s.Email, validator.EmailRX), "email", "must be a valid email address")

	if s.Phone != "" {
		v.Check(validator.Matches(s.Phone, validator.PhoneRX), "phone", "must be a valid phone number")
	}

	v.Check(validator.NotBlank(s.EnrollmentNumber), "enrollment_number", "must be provided")
	v.Check(validator.MaxChars(s.EnrollmentNumber, 50), "enrollment_number", "must not be more than 50 characters long")
}

const (
	tableStudents = "students"
	colStudentID  = "student_id"
)

type StudentModel struct {
	DB *sqlx.DB
}

func (m StudentModel) Insert(ctx context.Context, s *Student) error {
	query := `
		INSERT INTO students (name, email, phone, enrollment_number)
		VALUES (:name, :email, :phone, :enrollment_number)
		RETURNING student_id, version, created_at, updated_at`

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	stmt, err := m.DB.PrepareNamedContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	err = stmt.QueryRowxContext(ctx, s).Scan(&s.ID, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	return translateWriteError(err)
}

func (m StudentModel) Get(ctx context.Context, id int64) (*Student, error) {
	if id < 1 {
		return nil, ErrRecordNotFound
	}

	query := `
		SELECT student_id, name, email, phone, enrollment_number, version, created_at, updated_at
		FROM students
		WHERE student_id = $1`

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var s Student
	err := m.DB.GetContext(ctx, &s, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &s, nil
}

// GetAll lists students whose name, email or enrollment number contains q.
func (m StudentModel) GetAll(ctx context.Context, q string, filters Filters) ([]*Student, Metadata, error) {
	ds := goqu.Dialect(dialectPostgres).
		From(tableStudents).
		Select("student_id", "name", "email", "phone", "enrollment_number", "version", "created_at", "updated_at", totalCount)
	if q != "" {
		pattern := likePattern(q)
		ds = ds.Where(goqu.Or(
			goqu.C("name").ILike(pattern),
			goqu.C("email").ILike(pattern),
			goqu.C("enrollment_number").ILike(pattern),
		))
	}

	query, args, err := paginate(ds, filters, tableStudents, colStudentID)
	if err != nil {
		return nil, Metadata{}, err
	}

	var rows []struct {
		TotalRecords int `db:"total_records"`
		Student
	}
	if err := selectPage(ctx, m.DB, &rows, query, args); err != nil {
		return nil, Metadata{}, err
	}

	totalRecords := 0
	students := make([]*Student, 0, len(rows))
	for i := range rows {
		totalRecords = rows[i].TotalRecords
		students = append(students, &rows[i].Student)
	}
	return students, calculateMetadata(totalRecords, filters.Page, filters.PageSize), nil
}

func (m StudentModel) Update(ctx context.Context, s *Student) error {
	query := `
		UPDATE students
		SET name = :name, email = :email, phone = :phone, enrollment_number = :enrollment_number,
		    version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE student_id = :student_id AND version = :version
		RETURNING version, updated_at`

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	stmt, err := m.DB.PrepareNamedContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	err = stmt.QueryRowxContext(ctx, s).Scan(&s.Version, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrEditConflict
	}
	return translateWriteError(err)
}

// Delete fails with ErrHasDependents while the student has loan history.
func (m StudentModel) Delete(ctx context.Context, id int64) error {
	return deleteByID(ctx, m.DB, tableStudents, colStudentID, id)
}
