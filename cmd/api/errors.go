// cmd/api/errors.go
// This file contains all error-response helpers for the application.
// Keeping error helpers in a dedicated file makes them easy to find and extend.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aoideee/library-lending/internal/data"
	"github.com/aoideee/library-lending/internal/validator"
)

// logError logs an internal error at ERROR level with the request method, URL and id for context.
func (app *applicationDependencies) logError(r *http.Request, err error) {
	app.logger.Error(err.Error(),
		slog.String("request_method", r.Method),
		slog.String("request_url", r.URL.String()),
		slog.String("request_id", requestIDFromContext(r.Context())),
	)
}

// errorResponse sends a JSON error envelope with the given status code and message.
// It is the low-level building block used by all the specific error helpers below.
func (app *applicationDependencies) errorResponse(w http.ResponseWriter, r *http.Request, status int, message any) {
	data := envelope{"error": message}
	err := app.writeJSON(w, status, data, nil)
	if err != nil {
		app.logError(r, err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// serverErrorResponse logs a 500-level error and sends a generic message to the client.
// We never expose internal error details to the client for security reasons.
func (app *applicationDependencies) serverErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	app.logError(r, err)
	app.errorResponse(w, r, http.StatusInternalServerError, "the server encountered a problem and could not process your request")
}

// notFoundResponse sends a 404 Not Found error.
func (app *applicationDependencies) notFoundResponse(w http.ResponseWriter, r *http.Request) {
	app.errorResponse(w, r, http.StatusNotFound, "the requested resource could not be found")
}

// methodNotAllowedResponse sends a 405 Method Not Allowed error.
func (app *applicationDependencies) methodNotAllowedResponse(w http.ResponseWriter, r *http.Request) {
	message := "the " + r.Method + " method is not supported for this resource"
	app.errorResponse(w, r, http.StatusMethodNotAllowed, message)
}

// badRequestResponse sends a 400 Bad Request error with the error message from the caller.
func (app *applicationDependencies) badRequestResponse(w http.ResponseWriter, r *http.Request, err error) {
	app.errorResponse(w, r, http.StatusBadRequest, err.Error())
}

// failedValidationResponse sends a 422 Unprocessable Entity response containing
// the field-level validation errors collected by a Validator.
func (app *applicationDependencies) failedValidationResponse(w http.ResponseWriter, r *http.Request, errors map[string]string) {
	app.errorResponse(w, r, http.StatusUnprocessableEntity, errors)
}

// rateLimitExceededResponse sends a 429 Too Many Requests error.
func (app *applicationDependencies) rateLimitExceededResponse(w http.ResponseWriter, r *http.Request) {
	app.errorResponse(w, r, http.StatusTooManyRequests, "rate limit exceeded")
}

// outOfStockResponse sends a 409 Conflict naming the book that had no copy left.
func (app *applicationDependencies) outOfStockResponse(w http.ResponseWriter, r *http.Request, oos *data.OutOfStockError) {
	body := envelope{
		"error":   fmt.Sprintf("book %d is out of stock", oos.BookID),
		"book_id": oos.BookID,
	}
	err := app.writeJSON(w, http.StatusConflict, body, nil)
	if err != nil {
		app.logError(r, err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// alreadyReturnedResponse sends a 409 Conflict for a second return of the same loan.
func (app *applicationDependencies) alreadyReturnedResponse(w http.ResponseWriter, r *http.Request) {
	app.errorResponse(w, r, http.StatusConflict, "this borrowing has already been returned")
}

// editConflictResponse sends a 409 Conflict with the given message.
func (app *applicationDependencies) editConflictResponse(w http.ResponseWriter, r *http.Request, message string) {
	app.errorResponse(w, r, http.StatusConflict, message)
}

// storeErrorResponse maps an error from the stores or the borrowing service
// onto the matching response. Anything unrecognised is a 500.
func (app *applicationDependencies) storeErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *validator.ValidationError
		outOfStockErr *data.OutOfStockError
	)

	switch {
	case errors.As(err, &validationErr):
		app.failedValidationResponse(w, r, validationErr.Errors)
	case errors.As(err, &outOfStockErr):
		app.outOfStockResponse(w, r, outOfStockErr)
	case errors.Is(err, data.ErrAlreadyReturned):
		app.alreadyReturnedResponse(w, r)
	case errors.Is(err, data.ErrDuplicateEmail):
		app.failedValidationResponse(w, r, map[string]string{"email": "a member with this email address already exists"})
	case errors.Is(err, data.ErrEditConflict):
		app.editConflictResponse(w, r, "unable to update the record due to an edit conflict, please try again")
	case errors.Is(err, data.ErrRecordInUse):
		app.editConflictResponse(w, r, "the record is referenced by a borrowing and cannot be deleted")
	case errors.Is(err, data.ErrRecordNotFound):
		if err == data.ErrRecordNotFound {
			app.notFoundResponse(w, r)
			return
		}
		// Wrapped errors name the missing member or book.
		app.errorResponse(w, r, http.StatusNotFound, err.Error())
	default:
		app.serverErrorResponse(w, r, err)
	}
}
