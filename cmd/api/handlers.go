// cmd/api/handlers.go
// This file contains the HTTP request handlers for the healthcheck and the
// books resource. Each handler is a method on *applicationDependencies so it
// has access to the logger and storage models.
package main

import (
	"fmt"
	"net/http"

	"github.com/aoideee/library-lending/internal/data"
	"github.com/aoideee/library-lending/internal/validator"
)

// healthcheckHandler handles GET /healthcheck.
func (app *applicationDependencies) healthcheckHandler(w http.ResponseWriter, r *http.Request) {
	env := envelope{
		"status": "available",
		"system_info": map[string]string{
			"environment": app.config.environment,
			"storage":     app.config.storage,
			"version":     appVersion,
		},
	}

	err := app.writeJSON(w, http.StatusOK, env, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// createBookHandler handles POST /books.
// It reads a JSON body containing the new book's details, validates it, stores
// the record, and responds with the created book and a 201 Created status.
func (app *applicationDependencies) createBookHandler(w http.ResponseWriter, r *http.Request) {
	var input data.CreateBookInput

	// readJSON enforces a 1MB limit, rejects unknown fields, and ensures a single value.
	err := app.readJSON(w, r, &input)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	// Copy the decoded values into a Book; stock has no sensible default.
	book := &data.Book{
		Title:    input.Title,
		Author:   input.Author,
		Category: input.Category,
	}

	// Validate before touching the database.
	v := validator.New()
	v.Check(input.Stock != nil, "stock", "must be provided")
	if input.Stock != nil {
		book.Stock = *input.Stock
	}
	if data.ValidateBook(v, book); !v.Valid() {
		app.failedValidationResponse(w, r, v.Errors)
		return
	}

	// Insert() also writes the generated ID and timestamps back into book.
	err = app.models.Books.Insert(r.Context(), book)
	if err != nil {
		app.serverErrorResponse(w, r, err)
		return
	}

	// Point the client at the new resource.
	headers := make(http.Header)
	headers.Set("Location", fmt.Sprintf("/books/%d", book.ID))

	err = app.writeJSON(w, http.StatusCreated, envelope{"book": book}, headers)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// showBookHandler handles GET /books/:id.
func (app *applicationDependencies) showBookHandler(w http.ResponseWriter, r *http.Request) {
	id, err := app.readIDParam(r)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	book, err := app.models.Books.Get(r.Context(), id)
	if err != nil {
		app.storeErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"book": book}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// listBooksHandler handles GET /books.
// Supported query parameters: search, category, sort, page, page_size.
func (app *applicationDependencies) listBooksHandler(w http.ResponseWriter, r *http.Request) {
	var filters data.BookFilters

	v := validator.New()
	qs := r.URL.Query()

	// Read the query string, falling back to defaults for anything absent.
	filters.Search = app.readString(qs, "search", "")
	filters.Category = app.readString(qs, "category", "")
	filters.Page = app.readInt(qs, "page", 1, v)
	filters.PageSize = app.readInt(qs, "page_size", 20, v)
	filters.Sort = app.readString(qs, "sort", "id")
	filters.SortSafeList = data.BookSortSafeList

	if data.ValidateFilters(v, filters.Filters); !v.Valid() {
		app.failedValidationResponse(w, r, v.Errors)
		return
	}

	books, metadata, err := app.models.Books.GetAll(r.Context(), filters)
	if err != nil {
		app.serverErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"books": books, "metadata": metadata}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// replaceBookHandler handles PUT /books/:id. Every field must be supplied.
func (app *applicationDependencies) replaceBookHandler(w http.ResponseWriter, r *http.Request) {
	app.saveBook(w, r, true)
}

// updateBookHandler handles PATCH /books/:id. Only the supplied fields change.
func (app *applicationDependencies) updateBookHandler(w http.ResponseWriter, r *http.Request) {
	app.saveBook(w, r, false)
}

// saveBook reads an UpdateBookInput, finds the existing book, applies only the
// non-nil fields and saves the result. A full replacement additionally
// requires every field to be present. Stock is only written when the client
// sent it, and only if no loan moved it since the book was read.
func (app *applicationDependencies) saveBook(w http.ResponseWriter, r *http.Request, full bool) {
	id, err := app.readIDParam(r)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	// Fetch the current record; a missing book is a 404.
	book, err := app.models.Books.Get(r.Context(), id)
	if err != nil {
		app.storeErrorResponse(w, r, err)
		return
	}

	// Decode the incoming JSON body into the pointer-field input struct.
	var input data.UpdateBookInput
	err = app.readJSON(w, r, &input)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	// Remember the stock level this update is based on before overwriting it.
	stock := input.StockChange(book.Stock)

	v := validator.New()
	if full {
		input.Complete(v)
	}
	input.Apply(book)
	if data.ValidateBook(v, book); !v.Valid() {
		app.failedValidationResponse(w, r, v.Errors)
		return
	}

	// Persist the changes; book.Stock comes back as the stored level.
	err = app.models.Books.Update(r.Context(), book, stock)
	if err != nil {
		app.storeErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"book": book}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// deleteBookHandler handles DELETE /books/:id.
// A book that appears on any borrowing cannot be deleted.
func (app *applicationDependencies) deleteBookHandler(w http.ResponseWriter, r *http.Request) {
	id, err := app.readIDParam(r)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	err = app.models.Books.Delete(r.Context(), id)
	if err != nil {
		app.storeErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"message": "book successfully deleted"}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}
