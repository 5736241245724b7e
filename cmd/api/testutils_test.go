package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aoideee/library-api/internal/data"
	"github.com/aoideee/library-api/internal/ledger"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeStore backs the ledger with maps so the loan routes can run without PostgreSQL.
type fakeStore struct {
	mu       sync.Mutex
	books    map[int64]*data.Book
	students map[int64]*data.Student
	loans    map[int64]*data.Loan
	nextID   int64
}

type fakeBooks struct{ s *fakeStore }

func (f fakeBooks) Get(_ context.Context, id int64) (*data.Book, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	b, ok := f.s.books[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *b
	return &cp, nil
}

type fakeStudents struct{ s *fakeStore }

func (f fakeStudents) Get(_ context.Context, id int64) (*data.Student, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	st, ok := f.s.students[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *st
	return &cp, nil
}

type fakeLoans struct{ s *fakeStore }

func (f fakeLoans) Insert(_ context.Context, loan *data.Loan) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.nextID++
	loan.ID = f.s.nextID
	loan.Version = 1
	cp := *loan
	f.s.loans[loan.ID] = &cp
	return nil
}

func (f fakeLoans) Get(_ context.Context, id int64) (*data.Loan, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	loan, ok := f.s.loans[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *loan
	return &cp, nil
}

func (f fakeLoans) Update(_ context.Context, loan *data.Loan) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	stored, ok := f.s.loans[loan.ID]
	if !ok || stored.Version != loan.Version {
		return data.ErrEditConflict
	}
	loan.Version++
	cp := *loan
	f.s.loans[loan.ID] = &cp
	return nil
}

func (f fakeLoans) Delete(_ context.Context, loan *data.Loan) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	stored, ok := f.s.loans[loan.ID]
	if !ok || stored.Version != loan.Version {
		return data.ErrEditConflict
	}
	delete(f.s.loans, loan.ID)
	return nil
}

func (f fakeLoans) ExistsActiveForBook(ctx context.Context, bookID int64) (bool, error) {
	n, err := f.CountActiveForBook(ctx, bookID)
	return n > 0, err
}

func (f fakeLoans) CountActiveForBook(_ context.Context, bookID int64) (int, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	n := 0
	for _, loan := range f.s.loans {
		if loan.BookID == bookID && !loan.IsReturned() {
			n++
		}
	}
	return n, nil
}

func (f fakeLoans) Query(_ context.Context, filter data.LoanFilter, filters data.Filters) ([]*data.Loan, data.Metadata, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	loans := []*data.Loan{}
	for _, loan := range f.s.loans {
		if filter.Status != "" && loan.Status(filter.Now) != filter.Status {
			continue
		}
		if filter.BookID > 0 && loan.BookID != filter.BookID {
			continue
		}
		if filter.StudentID > 0 && loan.StudentID != filter.StudentID {
			continue
		}
		cp := *loan
		loans = append(loans, &cp)
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].ID < loans[j].ID })

	md := data.Metadata{}
	if len(loans) > 0 {
		md = data.Metadata{CurrentPage: 1, PageSize: filters.PageSize, FirstPage: 1, LastPage: 1, TotalRecords: len(loans)}
	}
	return loans, md, nil
}

func (f fakeLoans) Stats(_ context.Context, now time.Time) (data.LoanStats, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var stats data.LoanStats
	for _, loan := range f.s.loans {
		stats.Total++
		switch loan.Status(now) {
		case data.LoanStatusActive:
			stats.Active++
		case data.LoanStatusReturned:
			stats.Returned++
		case data.LoanStatusOverdue:
			stats.Overdue++
		}
	}
	return stats, nil
}

// newTestApplication returns an application whose ledger runs over an
// in-memory store holding book 1 (one copy), book 2 (no copies) and student 7.
func newTestApplication(t *testing.T) *applicationDependencies {
	t.Helper()

	store := &fakeStore{
		books: map[int64]*data.Book{
			1: {ID: 1, Title: "Dune", Quantity: 1, Version: 1},
			2: {ID: 2, Title: "Emma", Quantity: 0, Version: 1},
		},
		students: map[int64]*data.Student{
			7: {ID: 7, Name: "Ana", Version: 1},
		},
		loans: map[int64]*data.Loan{},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	l, err := ledger.New(fakeBooks{store}, fakeStudents{store}, fakeLoans{store},
		ledger.WithLogger(logger),
		ledger.WithClock(func() time.Time { return testNow }),
	)
	require.NoError(t, err)

	var cfg serverConfig
	cfg.environment = "testing"

	return &applicationDependencies{config: cfg, logger: logger, ledger: l}
}

// do sends a request through the full middleware chain and decodes the JSON body.
func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var decoded map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded))
	}
	return rr, decoded
}
