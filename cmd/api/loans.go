// cmd/api/loans.go
// Handlers for the loans resource. Every state change goes through the ledger;
// responses carry is_returned, is_late and status evaluated at response time.
package main

import (
	"net/http"

	"github.com/aoideee/library-api/internal/data"
	"github.com/aoideee/library-api/internal/ledger"
	"github.com/aoideee/library-api/internal/validator"
)

var loanSortColumns = []string{"loan_id", "loan_date", "due_date", "return_date"}

// loanViews evaluates the derived fields of every loan against one instant.
func (app *applicationDependencies) loanViews(loans []*data.Loan) []data.LoanView {
	now := app.ledger.Now()
	views := make([]data.LoanView, 0, len(loans))
	for _, loan := range loans {
		views = append(views, loan.View(now))
	}
	return views
}

// createLoanHandler handles POST /v1/loans.
func (app *applicationDependencies) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var input data.CreateLoanInput
	err := app.readJSON(w, r, &input)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	v := validator.New()
	v.Check(input.BookID > 0, "book_id", "must be provided")
	v.Check(input.StudentID > 0, "student_id", "must be provided")
	v.Check(input.DueDate != nil, "due_date", "must be provided")
	if !v.Valid() {
		app.failedValidationResponse(w, r, v.Errors)
		return
	}

	loan, err := app.ledger.CreateLoan(r.Context(), ledger.CreateLoanParams{
		BookID:    input.BookID,
		StudentID: input.StudentID,
		LoanDate:  input.LoanDate,
		DueDate:   *input.DueDate,
	})
	if err != nil {
		app.ledgerErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusCreated, envelope{"loan": loan.View(app.ledger.Now())}, location("/v1/loans/%d", loan.ID))
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// showLoanHandler handles GET /v1/loans/:id.
func (app *applicationDependencies) showLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := app.readIDParam(r)
	if err != nil {
		app.notFoundResponse(w, r)
		return
	}

	loan, err := app.ledger.GetLoan(r.Context(), id)
	if err != nil {
		app.ledgerErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"loan": loan.View(app.ledger.Now())}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// listLoansHandler handles GET /v1/loans?status=&book_id=&student_id=.
func (app *applicationDependencies) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	v := validator.New()

	filter := data.LoanFilter{
		Status:    app.readString(qs, "status", ""),
		BookID:    app.readID(qs, "book_id", v),
		StudentID: app.readID(qs, "student_id", v),
	}
	if filter.Status != "" {
		v.Check(validator.PermittedValue(filter.Status, data.LoanStatuses...), "status", "must be one of active, returned or overdue")
	}
	filters := app.readFilters(qs, "-loan_date", loanSortColumns, v)
	if !v.Valid() {
		app.failedValidationResponse(w, r, v.Errors)
		return
	}

	loans, metadata, err := app.ledger.SearchLoans(r.Context(), filter, filters)
	if err != nil {
		app.serverErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"loans": app.loanViews(loans), "metadata": metadata}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// listOverdueLoansHandler handles GET /v1/overdue-loans.
func (app *applicationDependencies) listOverdueLoansHandler(w http.ResponseWriter, r *http.Request) {
	v := validator.New()
	filters := app.readFilters(r.URL.Query(), "due_date", loanSortColumns, v)
	if !v.Valid() {
		app.failedValidationResponse(w, r, v.Errors)
		return
	}

	loans, metadata, err := app.ledger.OverdueLoans(r.Context(), filters)
	if err != nil {
		app.serverErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"loans": app.loanViews(loans), "metadata": metadata}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// loanStatsHandler handles GET /v1/stats/loans.
func (app *applicationDependencies) loanStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := app.ledger.Stats(r.Context())
	if err != nil {
		app.serverErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"stats": stats}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// updateLoanHandler handles PATCH /v1/loans/:id. Only due_date may change.
func (app *applicationDependencies) updateLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := app.readIDParam(r)
	if err != nil {
		app.notFoundResponse(w, r)
		return
	}

	var input data.UpdateLoanInput
	err = app.readJSON(w, r, &input)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	v := validator.New()
	v.Check(input.DueDate != nil, "due_date", "must be provided")
	if !v.Valid() {
		app.failedValidationResponse(w, r, v.Errors)
		return
	}

	loan, err := app.ledger.UpdateDueDate(r.Context(), id, *input.DueDate)
	if err != nil {
		app.ledgerErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"loan": loan.View(app.ledger.Now())}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// returnLoanHandler handles PUT /v1/loans/:id/return.
func (app *applicationDependencies) returnLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := app.readIDParam(r)
	if err != nil {
		app.notFoundResponse(w, r)
		return
	}

	loan, err := app.ledger.ReturnLoan(r.Context(), id)
	if err != nil {
		app.ledgerErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"loan": loan.View(app.ledger.Now())}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// deleteLoanHandler handles DELETE /v1/loans/:id. Only returned loans can be deleted.
func (app *applicationDependencies) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := app.readIDParam(r)
	if err != nil {
		app.notFoundResponse(w, r)
		return
	}

	err = app.ledger.DeleteLoan(r.Context(), id)
	if err != nil {
		app.ledgerErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"message": "loan successfully deleted"}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}
