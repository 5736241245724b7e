package ledger_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aoideee/library-api/internal/data"
)

// memStore is an in-memory stand-in for the PostgreSQL models. By default it
// does not enforce the one-active-loan index, so tests see what the ledger
// guarantees on its own.
type memStore struct {
	mu       sync.Mutex
	books    map[int64]*data.Book
	students map[int64]*data.Student
	loans    map[int64]*data.Loan
	nextID   int64

	enforceUniqueActive bool
	insertDelay         time.Duration
	insertErr           error
	updateHook          func(loan *data.Loan) error
}

func newMemStore() *memStore {
	return &memStore{
		books:    make(map[int64]*data.Book),
		students: make(map[int64]*data.Student),
		loans:    make(map[int64]*data.Loan),
	}
}

func (s *memStore) addBook(id int64, quantity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[id] = &data.Book{ID: id, Title: "Book", Quantity: quantity, Version: 1}
}

func (s *memStore) addStudent(id int64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.students[id] = &data.Student{ID: id, Name: name, Version: 1}
}

func (s *memStore) activeFor(bookID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, loan := range s.loans {
		if loan.BookID == bookID && loan.ReturnDate == nil {
			n++
		}
	}
	return n
}

type memBooks struct{ s *memStore }

func (r memBooks) Get(_ context.Context, id int64) (*data.Book, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.books[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *b
	return &cp, nil
}

type memStudents struct{ s *memStore }

func (r memStudents) Get(_ context.Context, id int64) (*data.Student, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.students[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *st
	return &cp, nil
}

type memLoans struct{ s *memStore }

func (r memLoans) Insert(_ context.Context, loan *data.Loan) error {
	if r.s.insertDelay > 0 {
		time.Sleep(r.s.insertDelay)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.insertErr != nil {
		return r.s.insertErr
	}
	if r.s.enforceUniqueActive {
		for _, existing := range r.s.loans {
			if existing.BookID == loan.BookID && existing.ReturnDate == nil {
				return data.ErrActiveLoanExists
			}
		}
	}

	r.s.nextID++
	loan.ID = r.s.nextID
	loan.Version = 1
	cp := *loan
	r.s.loans[loan.ID] = &cp
	return nil
}

func (r memLoans) Get(_ context.Context, id int64) (*data.Loan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	loan, ok := r.s.loans[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *loan
	return &cp, nil
}

func (r memLoans) Update(_ context.Context, loan *data.Loan) error {
	if r.s.updateHook != nil {
		if err := r.s.updateHook(loan); err != nil {
			return err
		}
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.loans[loan.ID]
	if !ok || stored.Version != loan.Version {
		return data.ErrEditConflict
	}
	loan.Version++
	cp := *loan
	r.s.loans[loan.ID] = &cp
	return nil
}

func (r memLoans) Delete(_ context.Context, loan *data.Loan) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.loans[loan.ID]
	if !ok || stored.Version != loan.Version {
		return data.ErrEditConflict
	}
	delete(r.s.loans, loan.ID)
	return nil
}

func (r memLoans) ExistsActiveForBook(ctx context.Context, bookID int64) (bool, error) {
	n, err := r.CountActiveForBook(ctx, bookID)
	return n > 0, err
}

func (r memLoans) CountActiveForBook(_ context.Context, bookID int64) (int, error) {
	return r.s.activeFor(bookID), nil
}

func (r memLoans) Query(_ context.Context, filter data.LoanFilter, filters data.Filters) ([]*data.Loan, data.Metadata, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var matched []*data.Loan
	for _, loan := range r.s.loans {
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
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	total := len(matched)
	start := min((filters.Page-1)*filters.PageSize, total)
	end := min(start+filters.PageSize, total)

	md := data.Metadata{}
	if total > 0 {
		md = data.Metadata{
			CurrentPage:  filters.Page,
			PageSize:     filters.PageSize,
			FirstPage:    1,
			LastPage:     (total + filters.PageSize - 1) / filters.PageSize,
			TotalRecords: total,
		}
	}
	return matched[start:end], md, nil
}

func (r memLoans) Stats(_ context.Context, now time.Time) (data.LoanStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var stats data.LoanStats
	for _, loan := range r.s.loans {
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
