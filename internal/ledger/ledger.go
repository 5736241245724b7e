// Package ledger owns the loan lifecycle: lending a book to a student,
// returning it, moving the due date and removing finished loans, together with
// the availability accounting those transitions affect.
//
// A book is lent as a single unit: at most one loan per book is active at any
// time, and a book needs a quantity of at least one to be lent. The available
// quantity (quantity minus active loans) therefore stays within [0, quantity].
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aoideee/library-api/internal/data"
)

const (
	logMsgLoanCreated        = "loan created"
	logMsgLoanReturned       = "loan returned"
	logMsgLoanDueDateChanged = "loan due date changed"
	logMsgLoanDeleted        = "loan deleted"
	logMsgConflict           = "loan changed concurrently"
	logMsgNegativeAvailable  = "available quantity is negative"
	logAttrLoanID            = "loan_id"
	logAttrBookID            = "book_id"
	logAttrStudentID         = "student_id"
	logAttrDueDate           = "due_date"
	logAttrAttempts          = "attempts"
	logAttrAvailable         = "available"
)

// BookRepository is the subset of book storage the ledger needs.
type BookRepository interface {
	Get(ctx context.Context, id int64) (*data.Book, error)
}

// StudentRepository is the subset of student storage the ledger needs.
type StudentRepository interface {
	Get(ctx context.Context, id int64) (*data.Student, error)
}

// LoanRepository persists loans. Insert must reject a second active loan for
// the same book with data.ErrActiveLoanExists; Update and Delete must apply
// only when the stored version equals loan.Version and report
// data.ErrEditConflict otherwise.
type LoanRepository interface {
	Insert(ctx context.Context, loan *data.Loan) error
	Get(ctx context.Context, id int64) (*data.Loan, error)
	Update(ctx context.Context, loan *data.Loan) error
	Delete(ctx context.Context, loan *data.Loan) error
	ExistsActiveForBook(ctx context.Context, bookID int64) (bool, error)
	CountActiveForBook(ctx context.Context, bookID int64) (int, error)
	Query(ctx context.Context, filter data.LoanFilter, filters data.Filters) ([]*data.Loan, data.Metadata, error)
	Stats(ctx context.Context, now time.Time) (data.LoanStats, error)
}

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Ledger applies the loan rules on top of the repositories.
type Ledger struct {
	books    BookRepository
	students StudentRepository
	loans    LoanRepository
	locks    *keyedMutex
	now      func() time.Time
	logger   Logger
	retry    retryConfig
}

// Option configures a Ledger.
type Option func(*Ledger) error

// WithLogger sets the logger for loan transitions and conflicts.
func WithLogger(logger Logger) Option {
	return func(l *Ledger) error {
		l.logger = logger
		return nil
	}
}

// WithClock replaces time.Now as the source of "now" for loan dates,
// return dates and overdue classification.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) error {
		if now == nil {
			return ErrNilClock
		}
		l.now = now
		return nil
	}
}

// WithRetryOptions configures how often an update that lost an optimistic
// concurrency race is re-read and re-applied.
func WithRetryOptions(opts ...RetryOption) Option {
	return func(l *Ledger) error {
		config, err := newRetryConfig(opts...)
		if err != nil {
			return err
		}
		l.retry = config
		return nil
	}
}

// New creates a Ledger over the given repositories.
func New(books BookRepository, students StudentRepository, loans LoanRepository, options ...Option) (*Ledger, error) {
	if books == nil || students == nil || loans == nil {
		return nil, ErrNilRepository
	}

	retry, _ := newRetryConfig()

	l := &Ledger{
		books:    books,
		students: students,
		loans:    loans,
		locks:    newKeyedMutex(),
		now:      time.Now,
		retry:    retry,
	}

	for _, option := range options {
		if err := option(l); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// Now returns the ledger's current time. Handlers use it to evaluate derived
// loan fields against the same clock the ledger uses.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// CreateLoanParams are the inputs of CreateLoan. A nil LoanDate means now.
type CreateLoanParams struct {
	BookID    int64
	StudentID int64
	LoanDate  *time.Time
	DueDate   time.Time
}

// CreateLoan lends a book to a student.
//
// Checks, in order: the book exists, the student exists, the due date follows
// the loan date, the book has at least one copy, and the book has no active
// loan. The last two checks and the insert run under a per-book lock, and the
// repository enforces the single active loan at the storage level as well.
func (l *Ledger) CreateLoan(ctx context.Context, p CreateLoanParams) (*data.Loan, error) {
	book, err := l.books.Get(ctx, p.BookID)
	if err != nil {
		return nil, notFoundAs(err, ErrBookNotFound)
	}

	student, err := l.students.Get(ctx, p.StudentID)
	if err != nil {
		return nil, notFoundAs(err, ErrStudentNotFound)
	}

	loanDate := l.now()
	if p.LoanDate != nil {
		loanDate = *p.LoanDate
	}
	if !p.DueDate.After(loanDate) {
		return nil, ErrDueDateNotAfterLoan
	}

	unlock := l.locks.Lock(book.ID)
	defer unlock()

	if book.Quantity < 1 {
		return nil, ErrBookHasNoCopies
	}

	active, err := l.loans.ExistsActiveForBook(ctx, book.ID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrBookAlreadyLoaned
	}

	loan := &data.Loan{
		BookID:      book.ID,
		BookTitle:   book.Title,
		StudentID:   student.ID,
		StudentName: student.Name,
		LoanDate:    loanDate,
		DueDate:     p.DueDate,
	}

	err = l.loans.Insert(ctx, loan)
	switch {
	case err == nil:
	case errors.Is(err, data.ErrActiveLoanExists):
		return nil, ErrBookAlreadyLoaned
	case errors.Is(err, data.ErrNoCopies):
		return nil, ErrBookHasNoCopies
	case errors.Is(err, data.ErrRecordNotFound):
		// One of the referenced rows was deleted after it was read.
		if _, getErr := l.books.Get(ctx, book.ID); errors.Is(getErr, data.ErrRecordNotFound) {
			return nil, ErrBookNotFound
		}
		return nil, ErrStudentNotFound
	default:
		return nil, err
	}

	l.logInfo(logMsgLoanCreated,
		logAttrLoanID, loan.ID,
		logAttrBookID, loan.BookID,
		logAttrStudentID, loan.StudentID,
		logAttrDueDate, loan.DueDate,
	)

	return loan, nil
}

// ReturnLoan moves an active loan to Returned, stamping the return date with
// now. Returning an already returned loan fails with ErrLoanAlreadyReturned.
func (l *Ledger) ReturnLoan(ctx context.Context, id int64) (*data.Loan, error) {
	var loan *data.Loan

	err := l.mutate(ctx, id, func(current *data.Loan) error {
		if current.IsReturned() {
			return ErrLoanAlreadyReturned
		}

		returnedAt := l.now()
		current.ReturnDate = &returnedAt

		if err := l.loans.Update(ctx, current); err != nil {
			return err
		}

		loan = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logInfo(logMsgLoanReturned, logAttrLoanID, loan.ID, logAttrBookID, loan.BookID)

	return loan, nil
}

// UpdateDueDate replaces the due date of an active loan. Returned loans are
// finalized and reject the change with ErrLoanFinalized.
func (l *Ledger) UpdateDueDate(ctx context.Context, id int64, dueDate time.Time) (*data.Loan, error) {
	var loan *data.Loan

	err := l.mutate(ctx, id, func(current *data.Loan) error {
		if current.IsReturned() {
			return ErrLoanFinalized
		}
		if !dueDate.After(current.LoanDate) {
			return ErrDueDateNotAfterLoan
		}

		current.DueDate = dueDate

		if err := l.loans.Update(ctx, current); err != nil {
			return err
		}

		loan = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logInfo(logMsgLoanDueDateChanged, logAttrLoanID, loan.ID, logAttrDueDate, loan.DueDate)

	return loan, nil
}

// DeleteLoan removes a returned loan. Active loans are refused with
// ErrLoanActive so a delete can never free a book that is still out.
func (l *Ledger) DeleteLoan(ctx context.Context, id int64) error {
	var bookID int64

	err := l.mutate(ctx, id, func(current *data.Loan) error {
		if !current.IsReturned() {
			return ErrLoanActive
		}

		bookID = current.BookID
		return l.loans.Delete(ctx, current)
	})
	if err != nil {
		return err
	}

	l.logInfo(logMsgLoanDeleted, logAttrLoanID, id, logAttrBookID, bookID)

	return nil
}

// mutate loads the loan, locks its book and runs apply. When apply reports
// data.ErrEditConflict the loan is re-read: a vanished loan becomes
// ErrLoanNotFound, a modified one is retried with backoff and surfaces as
// ErrConcurrencyConflict once the attempts are used up.
func (l *Ledger) mutate(ctx context.Context, id int64, apply func(current *data.Loan) error) error {
	attempts, err := l.retry.retry(ctx, func(ctx context.Context) error {
		current, err := l.loans.Get(ctx, id)
		if err != nil {
			return notFoundAs(err, ErrLoanNotFound)
		}

		unlock := l.locks.Lock(current.BookID)
		defer unlock()

		err = apply(current)
		if !errors.Is(err, data.ErrEditConflict) {
			return err
		}

		if _, getErr := l.loans.Get(ctx, id); getErr != nil {
			return notFoundAs(getErr, ErrLoanNotFound)
		}
		return ErrConcurrencyConflict
	})

	if errors.Is(err, ErrConcurrencyConflict) {
		l.logWarn(logMsgConflict, logAttrLoanID, id, logAttrAttempts, attempts)
	}

	return err
}

// GetLoan returns a single loan.
func (l *Ledger) GetLoan(ctx context.Context, id int64) (*data.Loan, error) {
	loan, err := l.loans.Get(ctx, id)
	if err != nil {
		return nil, notFoundAs(err, ErrLoanNotFound)
	}
	return loan, nil
}

// SearchLoans returns a page of loans. The status filter is evaluated against
// the ledger's clock at call time.
func (l *Ledger) SearchLoans(ctx context.Context, filter data.LoanFilter, filters data.Filters) ([]*data.Loan, data.Metadata, error) {
	filter.Now = l.now()
	return l.loans.Query(ctx, filter, filters)
}

// OverdueLoans returns a page of active loans whose due date has passed.
func (l *Ledger) OverdueLoans(ctx context.Context, filters data.Filters) ([]*data.Loan, data.Metadata, error) {
	return l.SearchLoans(ctx, data.LoanFilter{Status: data.LoanStatusOverdue}, filters)
}

// Stats counts loans per status as of now.
func (l *Ledger) Stats(ctx context.Context) (data.LoanStats, error) {
	return l.loans.Stats(ctx, l.now())
}

// AvailableQuantity returns the book's quantity minus its active loans,
// computed from current state on every call. A negative result means stored
// state breaks the lending rules and is reported as ErrNegativeAvailability.
func (l *Ledger) AvailableQuantity(ctx context.Context, bookID int64) (int, error) {
	book, err := l.books.Get(ctx, bookID)
	if err != nil {
		return 0, notFoundAs(err, ErrBookNotFound)
	}

	active, err := l.loans.CountActiveForBook(ctx, book.ID)
	if err != nil {
		return 0, err
	}

	available := book.Quantity - active
	if available < 0 {
		l.logError(logMsgNegativeAvailable, logAttrBookID, book.ID, logAttrAvailable, available)
		return 0, fmt.Errorf("%w: book %d has %d copies and %d active loans",
			ErrNegativeAvailability, book.ID, book.Quantity, active)
	}

	return available, nil
}

// notFoundAs maps the data layer's ErrRecordNotFound onto the ledger's
// specific not-found error and passes any other error through.
func notFoundAs(err, notFound error) error {
	if errors.Is(err, data.ErrRecordNotFound) {
		return notFound
	}
	return err
}

func (l *Ledger) logInfo(msg string, args ...any) {
	if l.logger != nil {
		l.logger.Info(msg, args...)
	}
}

func (l *Ledger) logWarn(msg string, args ...any) {
	if l.logger != nil {
		l.logger.Warn(msg, args...)
	}
}

func (l *Ledger) logError(msg string, args ...any) {
	if l.logger != nil {
		l.logger.Error(msg, args...)
	}
}
