// cmd/api/books.go
// Handlers for the books resource and its availability sub-resource.
package main

import (
	"net/http"

	"github.com/aoideee/library-api/internal/data"
	"github.com/aoideee/library-api/internal/validator"
)

// createBookHandler handles POST /v1/books.
// Unknown author or genre ids are reported as validation errors.
func (app *applicationDependencies) createBookHandler(w http.ResponseWriter, r *http.Request) {
	var input data.CreateBookInput
	err := app.readJSON(w, r, &input)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	book := &data.Book{
		Title:           input.Title,
		ISBN:            input.ISBN,
		PublicationYear: input.PublicationYear,
		Quantity:        input.Quantity,
		AuthorID:        input.AuthorID,
		GenreID:         input.GenreID,
	}

	v := validator.New()
	data.ValidateBook(v, book)
	if err := app.checkReferences(r, v, book.AuthorID, book.GenreID); err != nil {
		app.serverErrorResponse(w, r, err)
		return
	}
	if !v.Valid() {
		app.failedValidationResponse(w, r, v.Errors)
		return
	}

	err = app.models.Books.Insert(r.Context(), book)
	if err != nil {
		app.modelErrorResponse(w, r, err)
		return
	}

	// Re-read for the joined author and genre names.
	created, err := app.models.Books.Get(r.Context(), book.ID)
	if err == nil {
		book = created
	}

	err = app.writeJSON(w, http.StatusCreated, envelope{"book": book}, location("/v1/books/%d", book.ID))
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// showBookHandler handles GET /v1/books/:id.
func (app *applicationDependencies) showBookHandler(w http.ResponseWriter, r *http.Request) {
	id, err := app.readIDParam(r)
	if err != nil {
		app.notFoundResponse(w, r)
		return
	}

	book, err := app.models.Books.Get(r.Context(), id)
	if err != nil {
		app.modelErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"book": book}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// showBookAvailabilityHandler handles GET /v1/books/:id/availability.
func (app *applicationDependencies) showBookAvailabilityHandler(w http.ResponseWriter, r *http.Request) {
	id, err := app.readIDParam(r)
	if err != nil {
		app.notFoundResponse(w, r)
		return
	}

	available, err := app.ledger.AvailableQuantity(r.Context(), id)
	if err != nil {
		app.ledgerErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"book_id": id, "available_quantity": available}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// listBooksHandler handles GET /v1/books.
// Supported filters: title, author_id, genre_id, available=true.
func (app *applicationDependencies) listBooksHandler(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	v := validator.New()

	filter := data.BookFilter{
		Title:         app.readString(qs, "title", ""),
		AuthorID:      app.readID(qs, "author_id", v),
		GenreID:       app.readID(qs, "genre_id", v),
		AvailableOnly: app.readBool(qs, "available", v),
	}
	filters := app.readFilters(qs, "book_id", []string{"book_id", "title", "publication_year", "quantity"}, v)
	if !v.Valid() {
		app.failedValidationResponse(w, r, v.Errors)
		return
	}

	books, metadata, err := app.models.Books.GetAll(r.Context(), filter, filters)
	if err != nil {
		app.serverErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"books": books, "metadata": metadata}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// updateBookHandler handles PATCH /v1/books/:id.
// Lowering quantity below the number of active loans is refused.
func (app *applicationDependencies) updateBookHandler(w http.ResponseWriter, r *http.Request) {
	id, err := app.readIDParam(r)
	if err != nil {
		app.notFoundResponse(w, r)
		return
	}

	book, err := app.models.Books.Get(r.Context(), id)
	if err != nil {
		app.modelErrorResponse(w, r, err)
		return
	}

	var input data.UpdateBookInput
	err = app.readJSON(w, r, &input)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	if input.Title != nil {
		book.Title = *input.Title
	}
	if input.ISBN != nil {
		book.ISBN = *input.ISBN
	}
	if input.PublicationYear != nil {
		book.PublicationYear = *input.PublicationYear
	}
	if input.Quantity != nil {
		book.Quantity = *input.Quantity
	}
	var authorID, genreID int64
	if input.AuthorID != nil {
		book.AuthorID = *input.AuthorID
		authorID = book.AuthorID
	}
	if input.GenreID != nil {
		book.GenreID = *input.GenreID
		genreID = book.GenreID
	}

	v := validator.New()
	data.ValidateBook(v, book)
	if err := app.checkReferences(r, v, authorID, genreID); err != nil {
		app.serverErrorResponse(w, r, err)
		return
	}
	if !v.Valid() {
		app.failedValidationResponse(w, r, v.Errors)
		return
	}

	err = app.models.Books.Update(r.Context(), book)
	if err != nil {
		app.modelErrorResponse(w, r, err)
		return
	}

	if updated, err := app.models.Books.Get(r.Context(), book.ID); err == nil {
		book = updated
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"book": book}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// deleteBookHandler handles DELETE /v1/books/:id. Books with loan history are kept.
func (app *applicationDependencies) deleteBookHandler(w http.ResponseWriter, r *http.Request) {
	id, err := app.readIDParam(r)
	if err != nil {
		app.notFoundResponse(w, r)
		return
	}

	err = app.models.Books.Delete(r.Context(), id)
	if err != nil {
		app.modelErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"message": "book successfully deleted"}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}
