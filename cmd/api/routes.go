// cmd/api/routes.go
package main

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// routes registers all HTTP endpoints and returns the configured router wrapped
// in the middleware chain.
//
// Middleware chain (outermost → innermost):
//
//	recoverPanic → requestID → logRequest → enableCORS → rateLimit → router
func (app *applicationDependencies) routes() http.Handler {
	router := httprouter.New()

	// Override the default httprouter error handlers to return JSON responses.
	router.NotFound = http.HandlerFunc(app.notFoundResponse)
	router.MethodNotAllowed = http.HandlerFunc(app.methodNotAllowedResponse)

	router.HandlerFunc(http.MethodGet, "/healthcheck", app.healthcheckHandler)

	// Book CRUD routes
	router.HandlerFunc(http.MethodGet, "/books", app.listBooksHandler)
	router.HandlerFunc(http.MethodPost, "/books", app.createBookHandler)
	router.HandlerFunc(http.MethodGet, "/books/:id", app.showBookHandler)
	router.HandlerFunc(http.MethodPut, "/books/:id", app.replaceBookHandler)
	router.HandlerFunc(http.MethodPatch, "/books/:id", app.updateBookHandler)
	router.HandlerFunc(http.MethodDelete, "/books/:id", app.deleteBookHandler)

	// Member CRUD routes
	router.HandlerFunc(http.MethodGet, "/members", app.listMembersHandler)
	router.HandlerFunc(http.MethodPost, "/members", app.createMemberHandler)
	router.HandlerFunc(http.MethodGet, "/members/:id", app.showMemberHandler)
	router.HandlerFunc(http.MethodPut, "/members/:id", app.replaceMemberHandler)
	router.HandlerFunc(http.MethodPatch, "/members/:id", app.updateMemberHandler)
	router.HandlerFunc(http.MethodDelete, "/members/:id", app.deleteMemberHandler)
	router.HandlerFunc(http.MethodGet, "/members/:id/borrowings", app.listMemberBorrowingsHandler)

	// Borrowing workflow
	router.HandlerFunc(http.MethodGet, "/borrowings", app.listBorrowingsHandler)
	router.HandlerFunc(http.MethodPost, "/borrowings", app.createBorrowingHandler)
	router.HandlerFunc(http.MethodGet, "/borrowings/:id", app.showBorrowingHandler)
	router.HandlerFunc(http.MethodPost, "/borrowings/:id/return", app.returnBorrowingHandler)

	// recoverPanic is outermost so it catches panics from every other layer.
	return app.recoverPanic(app.requestID(app.logRequest(app.enableCORS(app.rateLimit(router)))))
}
