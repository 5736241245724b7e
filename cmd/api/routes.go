// cmd/api/routes.go
package main

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// routes registers all HTTP endpoints and returns the configured router
// wrapped in the middleware chain.
//
// Middleware chain (outermost → innermost):
//
//	requestID → recoverPanic → rateLimit → router
func (app *applicationDependencies) routes() http.Handler {
	router := httprouter.New()

	// Override the default httprouter error handlers to return JSON responses.
	router.NotFound = http.HandlerFunc(app.notFoundResponse)
	router.MethodNotAllowed = http.HandlerFunc(app.methodNotAllowedResponse)

	router.HandlerFunc(http.MethodGet, "/v1/healthcheck", app.healthcheckHandler)

	router.HandlerFunc(http.MethodPost, "/v1/authors", app.createAuthorHandler)
	router.HandlerFunc(http.MethodGet, "/v1/authors", app.listAuthorsHandler)
	router.HandlerFunc(http.MethodGet, "/v1/authors/:id", app.showAuthorHandler)
	router.HandlerFunc(http.MethodPatch, "/v1/authors/:id", app.updateAuthorHandler)
	router.HandlerFunc(http.MethodDelete, "/v1/authors/:id", app.deleteAuthorHandler)

	router.HandlerFunc(http.MethodPost, "/v1/genres", app.createGenreHandler)
	router.HandlerFunc(http.MethodGet, "/v1/genres", app.listGenresHandler)
	router.HandlerFunc(http.MethodGet, "/v1/genres/:id", app.showGenreHandler)
	router.HandlerFunc(http.MethodPatch, "/v1/genres/:id", app.updateGenreHandler)
	router.HandlerFunc(http.MethodDelete, "/v1/genres/:id", app.deleteGenreHandler)

	router.HandlerFunc(http.MethodPost, "/v1/books", app.createBookHandler)
	router.HandlerFunc(http.MethodGet, "/v1/books", app.listBooksHandler)
	router.HandlerFunc(http.MethodGet, "/v1/books/:id", app.showBookHandler)
	router.HandlerFunc(http.MethodGet, "/v1/books/:id/availability", app.showBookAvailabilityHandler)
	router.HandlerFunc(http.MethodPatch, "/v1/books/:id", app.updateBookHandler)
	router.HandlerFunc(http.MethodDelete, "/v1/books/:id", app.deleteBookHandler)

	router.HandlerFunc(http.MethodPost, "/v1/students", app.createStudentHandler)
	router.HandlerFunc(http.MethodGet, "/v1/students", app.listStudentsHandler)
	router.HandlerFunc(http.MethodGet, "/v1/students/:id", app.showStudentHandler)
	router.HandlerFunc(http.MethodPatch, "/v1/students/:id", app.updateStudentHandler)
	router.HandlerFunc(http.MethodDelete, "/v1/students/:id", app.deleteStudentHandler)

	router.HandlerFunc(http.MethodPost, "/v1/loans", app.createLoanHandler)
	router.HandlerFunc(http.MethodGet, "/v1/loans", app.listLoansHandler)
	router.HandlerFunc(http.MethodGet, "/v1/loans/:id", app.showLoanHandler)
	router.HandlerFunc(http.MethodPatch, "/v1/loans/:id", app.updateLoanHandler)
	router.HandlerFunc(http.MethodPut, "/v1/loans/:id/return", app.returnLoanHandler)
	router.HandlerFunc(http.MethodDelete, "/v1/loans/:id", app.deleteLoanHandler)
	router.HandlerFunc(http.MethodGet, "/v1/overdue-loans", app.listOverdueLoansHandler)
	router.HandlerFunc(http.MethodGet, "/v1/stats/loans", app.loanStatsHandler)

	return app.requestID(app.recoverPanic(app.rateLimit(router)))
}
