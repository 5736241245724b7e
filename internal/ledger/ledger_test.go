package ledger_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoideee/library-api/internal/data"
	"github.com/aoideee/library-api/internal/ledger"
)

const (
	bookID    = int64(1)
	studentX  = int64(10)
	studentY  = int64(11)
	missingID = int64(404)
)

var fixedNow = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memStore
	ledger *ledger.Ledger
	now    time.Time
}

func newFixture(t *testing.T, quantity int, options ...ledger.Option) *fixture {
	t.Helper()

	f := &fixture{store: newMemStore(), now: fixedNow}
	f.store.addBook(bookID, quantity)
	f.store.addStudent(studentX, "Ana")
	f.store.addStudent(studentY, "Ben")

	options = append([]ledger.Option{
		ledger.WithClock(func() time.Time { return f.now }),
		ledger.WithRetryOptions(ledger.WithBaseDelay(time.Millisecond)),
	}, options...)

	l, err := ledger.New(memBooks{f.store}, memStudents{f.store}, memLoans{f.store}, options...)
	require.NoError(t, err)
	f.ledger = l

	return f
}

func (f *fixture) lend(t *testing.T, student int64) *data.Loan {
	t.Helper()

	loan, err := f.ledger.CreateLoan(context.Background(), ledger.CreateLoanParams{
		BookID:    bookID,
		StudentID: student,
		DueDate:   f.now.Add(7 * 24 * time.Hour),
	})
	require.NoError(t, err)

	return loan
}

func Test_New_RejectsInvalidArguments(t *testing.T) {
	store := newMemStore()

	_, err := ledger.New(nil, memStudents{store}, memLoans{store})
	assert.ErrorIs(t, err, ledger.ErrNilRepository)

	_, err = ledger.New(memBooks{store}, memStudents{store}, memLoans{store}, ledger.WithClock(nil))
	assert.ErrorIs(t, err, ledger.ErrNilClock)

	_, err = ledger.New(memBooks{store}, memStudents{store}, memLoans{store},
		ledger.WithRetryOptions(ledger.WithMaxAttempts(0)))
	assert.ErrorIs(t, err, ledger.ErrInvalidMaxAttempts)
}

func Test_Scenario_SingleCopyLentReturnedAndLentAgain(t *testing.T) {
	// arrange
	f := newFixture(t, 1)
	ctx := context.Background()
	due := f.now.Add(7 * 24 * time.Hour)

	// act + assert
	first, err := f.ledger.CreateLoan(ctx, ledger.CreateLoanParams{BookID: bookID, StudentID: studentX, DueDate: due})
	require.NoError(t, err)
	assert.Equal(t, data.LoanStatusActive, first.Status(f.now))
	assert.Equal(t, "Ana", first.StudentName)

	_, err = f.ledger.CreateLoan(ctx, ledger.CreateLoanParams{BookID: bookID, StudentID: studentY, DueDate: due})
	assert.ErrorIs(t, err, ledger.ErrBookAlreadyLoaned)
	assert.ErrorIs(t, err, ledger.ErrBusinessRule)

	returned, err := f.ledger.ReturnLoan(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, returned.IsReturned())

	second, err := f.ledger.CreateLoan(ctx, ledger.CreateLoanParams{BookID: bookID, StudentID: studentY, DueDate: due})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func Test_CreateLoan_PreconditionsInOrder(t *testing.T) {
	due := fixedNow.Add(time.Hour)

	tests := []struct {
		name    string
		params  ledger.CreateLoanParams
		wantErr error
		kind    error
	}{
		{
			name:    "book_and_student_missing_reports_book",
			params:  ledger.CreateLoanParams{BookID: missingID, StudentID: missingID, DueDate: due},
			wantErr: ledger.ErrBookNotFound,
			kind:    ledger.ErrNotFound,
		},
		{
			name:    "student_missing",
			params:  ledger.CreateLoanParams{BookID: bookID, StudentID: missingID, DueDate: due},
			wantErr: ledger.ErrStudentNotFound,
			kind:    ledger.ErrNotFound,
		},
		{
			name:    "book_missing_and_due_date_invalid_reports_book",
			params:  ledger.CreateLoanParams{BookID: missingID, StudentID: studentX, DueDate: fixedNow.Add(-time.Hour)},
			wantErr: ledger.ErrBookNotFound,
			kind:    ledger.ErrNotFound,
		},
		{
			name:    "student_missing_and_due_date_invalid_reports_student",
			params:  ledger.CreateLoanParams{BookID: bookID, StudentID: missingID, DueDate: fixedNow.Add(-time.Hour)},
			wantErr: ledger.ErrStudentNotFound,
			kind:    ledger.ErrNotFound,
		},
		{
			name:    "due_date_equal_to_loan_date",
			params:  ledger.CreateLoanParams{BookID: bookID, StudentID: studentX, DueDate: fixedNow},
			wantErr: ledger.ErrDueDateNotAfterLoan,
			kind:    ledger.ErrBusinessRule,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1)

			loan, err := f.ledger.CreateLoan(context.Background(), tt.params)

			assert.Nil(t, loan)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, tt.kind)
			assert.Zero(t, f.store.activeFor(bookID))
		})
	}
}

func Test_CreateLoan_BookWithoutCopies(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.ledger.CreateLoan(context.Background(), ledger.CreateLoanParams{
		BookID: bookID, StudentID: studentX, DueDate: f.now.Add(time.Hour),
	})

	assert.ErrorIs(t, err, ledger.ErrBookHasNoCopies)

	available, err := f.ledger.AvailableQuantity(context.Background(), bookID)
	require.NoError(t, err)
	assert.Zero(t, available)
}

func Test_CreateLoan_LoanDateDefaultsToNow(t *testing.T) {
	f := newFixture(t, 1)

	loan := f.lend(t, studentX)

	assert.Equal(t, f.now, loan.LoanDate)
	assert.Nil(t, loan.ReturnDate)
}

func Test_CreateLoan_KeepsSuppliedLoanDate(t *testing.T) {
	f := newFixture(t, 1)
	loanDate := f.now.Add(-48 * time.Hour)

	loan, err := f.ledger.CreateLoan(context.Background(), ledger.CreateLoanParams{
		BookID: bookID, StudentID: studentX, LoanDate: &loanDate, DueDate: f.now.Add(-time.Hour),
	})

	require.NoError(t, err)
	assert.Equal(t, loanDate, loan.LoanDate)
	assert.Equal(t, data.LoanStatusOverdue, loan.Status(f.now))
}

func Test_CreateLoan_MapsStorageErrors(t *testing.T) {
	tests := []struct {
		name      string
		insertErr error
		wantErr   error
	}{
		{"unique_index", data.ErrActiveLoanExists, ledger.ErrBookAlreadyLoaned},
		{"no_copies", data.ErrNoCopies, ledger.ErrBookHasNoCopies},
		{"student_deleted_meanwhile", data.ErrRecordNotFound, ledger.ErrStudentNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1)
			f.store.insertErr = tt.insertErr

			_, err := f.ledger.CreateLoan(context.Background(), ledger.CreateLoanParams{
				BookID: bookID, StudentID: studentX, DueDate: f.now.Add(time.Hour),
			})

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func Test_CreateLoan_ConcurrentCallsLeaveOneActiveLoan(t *testing.T) {
	// arrange
	f := newFixture(t, 3)
	f.store.insertDelay = 2 * time.Millisecond

	const callers = 25
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		succeeded atomic.Int32
		rejected  atomic.Int32
	)

	// act
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			student := studentX
			if i%2 == 1 {
				student = studentY
			}

			_, err := f.ledger.CreateLoan(context.Background(), ledger.CreateLoanParams{
				BookID: bookID, StudentID: student, DueDate: f.now.Add(time.Hour),
			})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ledger.ErrBookAlreadyLoaned):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	// assert
	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(callers-1), rejected.Load())
	assert.Equal(t, 1, f.store.activeFor(bookID))
}

func Test_ReturnLoan_IsNotIdempotent(t *testing.T) {
	f := newFixture(t, 1)
	loan := f.lend(t, studentX)
	f.now = f.now.Add(2 * time.Hour)

	returned, err := f.ledger.ReturnLoan(context.Background(), loan.ID)
	require.NoError(t, err)
	require.NotNil(t, returned.ReturnDate)
	assert.Equal(t, f.now, *returned.ReturnDate)

	_, err = f.ledger.ReturnLoan(context.Background(), loan.ID)
	assert.ErrorIs(t, err, ledger.ErrLoanAlreadyReturned)
	assert.ErrorIs(t, err, ledger.ErrBusinessRule)
}

func Test_ReturnLoan_NotFound(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.ledger.ReturnLoan(context.Background(), missingID)

	assert.ErrorIs(t, err, ledger.ErrLoanNotFound)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func Test_UpdateDueDate(t *testing.T) {
	f := newFixture(t, 1)
	loan := f.lend(t, studentX)
	newDue := f.now.Add(14 * 24 * time.Hour)

	updated, err := f.ledger.UpdateDueDate(context.Background(), loan.ID, newDue)
	require.NoError(t, err)
	assert.Equal(t, newDue, updated.DueDate)
	assert.Equal(t, loan.Version+1, updated.Version)

	_, err = f.ledger.UpdateDueDate(context.Background(), loan.ID, loan.LoanDate.Add(-time.Minute))
	assert.ErrorIs(t, err, ledger.ErrDueDateNotAfterLoan)

	_, err = f.ledger.UpdateDueDate(context.Background(), missingID, newDue)
	assert.ErrorIs(t, err, ledger.ErrLoanNotFound)
}

func Test_FinalizedLoanIsImmutable(t *testing.T) {
	f := newFixture(t, 1)
	loan := f.lend(t, studentX)
	_, err := f.ledger.ReturnLoan(context.Background(), loan.ID)
	require.NoError(t, err)

	_, err = f.ledger.UpdateDueDate(context.Background(), loan.ID, f.now.Add(30*24*time.Hour))
	assert.ErrorIs(t, err, ledger.ErrLoanFinalized)
	assert.ErrorIs(t, err, ledger.ErrBusinessRule)

	_, err = f.ledger.ReturnLoan(context.Background(), loan.ID)
	assert.ErrorIs(t, err, ledger.ErrBusinessRule)
}

func Test_DeleteLoan_OnlyReturnedLoans(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	loan := f.lend(t, studentX)

	err := f.ledger.DeleteLoan(ctx, loan.ID)
	assert.ErrorIs(t, err, ledger.ErrLoanActive)
	assert.Equal(t, 1, f.store.activeFor(bookID))

	_, err = f.ledger.ReturnLoan(ctx, loan.ID)
	require.NoError(t, err)

	require.NoError(t, f.ledger.DeleteLoan(ctx, loan.ID))

	_, err = f.ledger.GetLoan(ctx, loan.ID)
	assert.ErrorIs(t, err, ledger.ErrLoanNotFound)

	assert.ErrorIs(t, f.ledger.DeleteLoan(ctx, loan.ID), ledger.ErrLoanNotFound)
}

func Test_Mutation_RetriesOnEditConflict(t *testing.T) {
	f := newFixture(t, 1)
	loan := f.lend(t, studentX)

	var calls atomic.Int32
	f.store.updateHook = func(*data.Loan) error {
		if calls.Add(1) == 1 {
			return data.ErrEditConflict
		}
		return nil
	}

	returned, err := f.ledger.ReturnLoan(context.Background(), loan.ID)

	require.NoError(t, err)
	assert.True(t, returned.IsReturned())
	assert.Equal(t, int32(2), calls.Load())
}

func Test_Mutation_SurfacesConflictAfterRetries(t *testing.T) {
	f := newFixture(t, 1, ledger.WithRetryOptions(ledger.WithMaxAttempts(3), ledger.WithBaseDelay(0)))
	loan := f.lend(t, studentX)

	var calls atomic.Int32
	f.store.updateHook = func(*data.Loan) error {
		calls.Add(1)
		return data.ErrEditConflict
	}

	_, err := f.ledger.UpdateDueDate(context.Background(), loan.ID, f.now.Add(48*time.Hour))

	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)
	assert.NotErrorIs(t, err, ledger.ErrNotFound)
	assert.Equal(t, int32(3), calls.Load())
}

func Test_Mutation_ConflictCausedByDeleteIsNotFound(t *testing.T) {
	f := newFixture(t, 1)
	loan := f.lend(t, studentX)

	f.store.updateHook = func(l *data.Loan) error {
		f.store.mu.Lock()
		delete(f.store.loans, l.ID)
		f.store.mu.Unlock()
		return data.ErrEditConflict
	}

	_, err := f.ledger.ReturnLoan(context.Background(), loan.ID)

	assert.ErrorIs(t, err, ledger.ErrLoanNotFound)
}

func Test_AvailableQuantity_StaysWithinBounds(t *testing.T) {
	const quantity = 2
	f := newFixture(t, quantity)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	var open []int64
	for range 200 {
		if rng.Intn(2) == 0 {
			loan, err := f.ledger.CreateLoan(ctx, ledger.CreateLoanParams{
				BookID: bookID, StudentID: studentX, DueDate: f.now.Add(time.Hour),
			})
			if err == nil {
				open = append(open, loan.ID)
			} else {
				require.ErrorIs(t, err, ledger.ErrBookAlreadyLoaned)
			}
		} else if len(open) > 0 {
			_, err := f.ledger.ReturnLoan(ctx, open[0])
			require.NoError(t, err)
			open = open[1:]
		}

		available, err := f.ledger.AvailableQuantity(ctx, bookID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, available, 0)
		assert.LessOrEqual(t, available, quantity)
		assert.Equal(t, quantity-len(open), available)
	}
}

func Test_AvailableQuantity_UnknownBook(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.ledger.AvailableQuantity(context.Background(), missingID)

	assert.ErrorIs(t, err, ledger.ErrBookNotFound)
}

func Test_AvailableQuantity_RefusesNegativeResult(t *testing.T) {
	f := newFixture(t, 1)
	f.lend(t, studentX)

	// Quantity lowered underneath the ledger, bypassing the book model's guard.
	f.store.mu.Lock()
	f.store.books[bookID].Quantity = 0
	f.store.mu.Unlock()

	available, err := f.ledger.AvailableQuantity(context.Background(), bookID)

	assert.Zero(t, available)
	assert.ErrorIs(t, err, ledger.ErrNegativeAvailability)
	assert.NotErrorIs(t, err, ledger.ErrBusinessRule)
	assert.NotErrorIs(t, err, ledger.ErrNotFound)
}

func Test_OverdueAndStatsFollowTheClock(t *testing.T) {
	// arrange
	f := newFixture(t, 1)
	ctx := context.Background()
	page := data.Filters{Page: 1, PageSize: 10}
	f.store.addBook(2, 1)

	loan := f.lend(t, studentX)
	second, err := f.ledger.CreateLoan(ctx, ledger.CreateLoanParams{BookID: 2, StudentID: studentY, DueDate: f.now.Add(time.Hour)})
	require.NoError(t, err)
	_, err = f.ledger.ReturnLoan(ctx, second.ID)
	require.NoError(t, err)

	overdue, _, err := f.ledger.OverdueLoans(ctx, page)
	require.NoError(t, err)
	assert.Empty(t, overdue)

	// act: move past the due date without touching any loan
	f.now = loan.DueDate.Add(time.Second)

	// assert
	overdue, md, err := f.ledger.OverdueLoans(ctx, page)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, loan.ID, overdue[0].ID)
	assert.Equal(t, 1, md.TotalRecords)

	stats, err := f.ledger.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, data.LoanStats{Total: 2, Active: 0, Returned: 1, Overdue: 1}, stats)
	assert.Equal(t, stats.Total, stats.Active+stats.Returned+stats.Overdue)

	active, _, err := f.ledger.SearchLoans(ctx, data.LoanFilter{Status: data.LoanStatusActive}, page)
	require.NoError(t, err)
	assert.Empty(t, active)
}
