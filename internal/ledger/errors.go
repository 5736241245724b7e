package ledger

import "errors"

// Error kinds. Every error the ledger returns for a rejected operation
// matches exactly one of them with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrBusinessRule        = errors.New("business rule violation")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// Specific failures, each matching its kind.
var (
	ErrBookNotFound    = kindError{kind: ErrNotFound, msg: "book not found"}
	ErrStudentNotFound = kindError{kind: ErrNotFound, msg: "student not found"}
	ErrLoanNotFound    = kindError{kind: ErrNotFound, msg: "loan not found"}

	ErrBookHasNoCopies     = kindError{kind: ErrBusinessRule, msg: "book has no copies to lend"}
	ErrBookAlreadyLoaned   = kindError{kind: ErrBusinessRule, msg: "book is already loaned"}
	ErrLoanAlreadyReturned = kindError{kind: ErrBusinessRule, msg: "loan has already been returned"}
	ErrLoanFinalized       = kindError{kind: ErrBusinessRule, msg: "loan is finalized and can no longer be changed"}
	ErrLoanActive          = kindError{kind: ErrBusinessRule, msg: "loan is active; return the book before deleting the loan"}
	ErrDueDateNotAfterLoan = kindError{kind: ErrBusinessRule, msg: "due date must be after the loan date"}
)

// ErrNegativeAvailability reports stored state with more active loans than
// copies. It matches none of the kinds above.
var ErrNegativeAvailability = errors.New("available quantity is negative")

// Construction errors.
var (
	ErrNilRepository       = errors.New("repository must not be nil")
	ErrNilClock            = errors.New("clock must not be nil")
	ErrInvalidMaxAttempts  = errors.New("max attempts must be positive")
	ErrNegativeBaseDelay   = errors.New("base delay must not be negative")
	ErrInvalidJitterFactor = errors.New("jitter factor must be between 0.0 and 1.0")
)

type kindError struct {
	kind error
	msg  string
}

func (e kindError) Error() string { return e.msg }

func (e kindError) Is(target error) bool { return target == e.kind }
