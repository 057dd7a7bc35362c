package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/aoideee/library-lending/internal/data"
	"github.com/aoideee/library-lending/internal/lending"
	"github.com/aoideee/library-lending/internal/validator"
)

// createBorrowingHandler handles POST /borrowings.
// Body: member_id, book_ids, and optionally borrow_date and due_date (RFC 3339).
func (app *applicationDependencies) createBorrowingHandler(w http.ResponseWriter, r *http.Request) {
	// Decode the request; missing dates are filled in by the service.
	var input lending.BorrowInput

	err := app.readJSON(w, r, &input)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	// Borrow reserves every book and records the loan in one step.
	loan, err := app.lending.Borrow(r.Context(), input)
	if err != nil {
		app.storeErrorResponse(w, r, err)
		return
	}

	headers := make(http.Header)
	headers.Set("Location", fmt.Sprintf("/borrowings/%d", loan.ID))

	err = app.writeJSON(w, http.StatusCreated, envelope{"borrowing": loan}, headers)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// showBorrowingHandler handles GET /borrowings/:id.
func (app *applicationDependencies) showBorrowingHandler(w http.ResponseWriter, r *http.Request) {
	id, err := app.readIDParam(r)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	loan, err := app.lending.Get(r.Context(), id)
	if err != nil {
		app.storeErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"borrowing": loan}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// returnBorrowingHandler handles POST /borrowings/:id/return.
// The body is optional; without a return_date the loan is returned now.
func (app *applicationDependencies) returnBorrowingHandler(w http.ResponseWriter, r *http.Request) {
	id, err := app.readIDParam(r)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	// An empty body is allowed here.
	var input lending.ReturnInput
	err = app.readJSON(w, r, &input)
	if err != nil && !errors.Is(err, errEmptyBody) {
		app.badRequestResponse(w, r, err)
		return
	}

	loan, err := app.lending.Return(r.Context(), id, input)
	if err != nil {
		app.storeErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"borrowing": loan}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// listBorrowingsHandler handles GET /borrowings.
// Supported query parameters: status, member_id, search, sort, page, page_size.
// The response carries per-status counts next to the page of results.
func (app *applicationDependencies) listBorrowingsHandler(w http.ResponseWriter, r *http.Request) {
	v := validator.New()
	qs := r.URL.Query()

	filters := app.readLoanFilters(qs, v)
	filters.MemberID = app.readID(qs, "member_id", v)
	if !v.Valid() {
		app.failedValidationResponse(w, r, v.Errors)
		return
	}

	// Statuses are derived at the time of this request.
	loans, metadata, summary, err := app.lending.List(r.Context(), filters)
	if err != nil {
		app.serverErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"borrowings": loans, "metadata": metadata, "summary": summary}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// listMemberBorrowingsHandler handles GET /members/:id/borrowings.
func (app *applicationDependencies) listMemberBorrowingsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := app.readIDParam(r)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	v := validator.New()
	filters := app.readLoanFilters(r.URL.Query(), v)
	if !v.Valid() {
		app.failedValidationResponse(w, r, v.Errors)
		return
	}

	loans, metadata, summary, err := app.lending.ListForMember(r.Context(), id, filters)
	if err != nil {
		app.storeErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"borrowings": loans, "metadata": metadata, "summary": summary}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// readLoanFilters reads the query parameters shared by both borrowing listings.
func (app *applicationDependencies) readLoanFilters(qs url.Values, v *validator.Validator) data.LoanFilters {
	var filters data.LoanFilters

	status := app.readString(qs, "status", "")
	v.Check(status == "" || validator.In(status, data.LoanStatuses...), "status", "must be one of: borrowed, returned, overdue")
	filters.Status = data.LoanStatus(status)

	filters.Search = app.readString(qs, "search", "")
	filters.Page = app.readInt(qs, "page", 1, v)
	filters.PageSize = app.readInt(qs, "page_size", 20, v)
	filters.Sort = app.readString(qs, "sort", "-borrow_date")
	filters.SortSafeList = data.LoanSortSafeList

	data.ValidateFilters(v, filters.Filters)
	return filters
}
