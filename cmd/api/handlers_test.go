package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoideee/library-lending/internal/data"
	"github.com/aoideee/library-lending/internal/events"
	"github.com/aoideee/library-lending/internal/lending"
)

type testApp struct {
	*applicationDependencies
	handler   http.Handler
	published *events.Recorder
}

func newTestApplication(t *testing.T, configure ...func(*serverConfig)) *testApp {
	t.Helper()

	var cfg serverConfig
	cfg.environment = "testing"
	cfg.storage = "memory"
	for _, fn := range configure {
		fn(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	models := data.NewMemoryModels()
	published := &events.Recorder{}

	app := &applicationDependencies{
		config:  cfg,
		logger:  logger,
		models:  models,
		lending: lending.New(models, published, logger),
	}
	return &testApp{applicationDependencies: app, handler: app.routes(), published: published}
}

type response struct {
	code   int
	header http.Header
	body   map[string]any
}

func (ta *testApp) do(t *testing.T, method, path, body string) response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	ta.handler.ServeHTTP(rr, req)

	res := response{code: rr.Code, header: rr.Header()}
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res.body), rr.Body.String())
	}
	return res
}

func (r response) object(t *testing.T, key string) map[string]any {
	t.Helper()
	obj, ok := r.body[key].(map[string]any)
	require.True(t, ok, "response has no %q object: %v", key, r.body)
	return obj
}

func (r response) list(t *testing.T, key string) []any {
	t.Helper()
	items, ok := r.body[key].([]any)
	require.True(t, ok, "response has no %q list: %v", key, r.body)
	return items
}

func Test_Healthcheck(t *testing.T) {
	app := newTestApplication(t)

	res := app.do(t, http.MethodGet, "/healthcheck", "")

	assert.Equal(t, http.StatusOK, res.code)
	assert.Equal(t, "available", res.body["status"])
	info := res.object(t, "system_info")
	assert.Equal(t, appVersion, info["version"])
	assert.Equal(t, "memory", info["storage"])
}

func Test_Books_CRUD(t *testing.T) {
	app := newTestApplication(t)

	res := app.do(t, http.MethodPost, "/books", `{"title":"Belajar React","author":"Developer A","category":"Programming","stock":5}`)
	require.Equal(t, http.StatusCreated, res.code, res.body)
	assert.Equal(t, "/books/1", res.header.Get("Location"))
	book := res.object(t, "book")
	assert.Equal(t, float64(1), book["id"])
	assert.Equal(t, float64(5), book["stock"])

	res = app.do(t, http.MethodGet, "/books/1", "")
	require.Equal(t, http.StatusOK, res.code)
	assert.Equal(t, "Belajar React", res.object(t, "book")["title"])

	res = app.do(t, http.MethodPatch, "/books/1", `{"stock":0}`)
	require.Equal(t, http.StatusOK, res.code, res.body)
	book = res.object(t, "book")
	assert.Equal(t, float64(0), book["stock"])
	assert.Equal(t, "Developer A", book["author"])

	res = app.do(t, http.MethodPut, "/books/1", `{"title":"Belajar Go"}`)
	require.Equal(t, http.StatusUnprocessableEntity, res.code)
	errs := res.object(t, "error")
	assert.Equal(t, "must be provided", errs["author"])
	assert.Equal(t, "must be provided", errs["stock"])

	res = app.do(t, http.MethodPut, "/books/1", `{"title":"Belajar Go","author":"Developer G","category":"Programming","stock":3}`)
	require.Equal(t, http.StatusOK, res.code, res.body)
	assert.Equal(t, "Belajar Go", res.object(t, "book")["title"])

	res = app.do(t, http.MethodGet, "/books?search=belajar&sort=-title", "")
	require.Equal(t, http.StatusOK, res.code)
	assert.Len(t, res.list(t, "books"), 1)
	assert.Equal(t, float64(1), res.object(t, "metadata")["total_records"])

	res = app.do(t, http.MethodDelete, "/books/1", "")
	require.Equal(t, http.StatusOK, res.code)

	res = app.do(t, http.MethodGet, "/books/1", "")
	assert.Equal(t, http.StatusNotFound, res.code)
}

func Test_Books_UpdateWhileOnLoan(t *testing.T) {
	app := newTestApplication(t)
	seedBorrowingFixtures(t, app)

	res := app.do(t, http.MethodPost, "/borrowings", `{"member_id":1,"book_ids":[1]}`)
	require.Equal(t, http.StatusCreated, res.code, res.body)

	res = app.do(t, http.MethodPatch, "/books/1", `{"title":"Database MySQL, 2nd ed."}`)
	require.Equal(t, http.StatusOK, res.code, res.body)
	book := res.object(t, "book")
	assert.Equal(t, "Database MySQL, 2nd ed.", book["title"])
	assert.Equal(t, float64(0), book["stock"])

	res = app.do(t, http.MethodPost, "/borrowings/1/return", "")
	require.Equal(t, http.StatusOK, res.code, res.body)

	res = app.do(t, http.MethodGet, "/books/1", "")
	assert.Equal(t, float64(1), res.object(t, "book")["stock"])
}

// conflictingBooks fails every update as if a loan had moved the stock.
type conflictingBooks struct {
	data.BookStore
}

func (conflictingBooks) Update(context.Context, *data.Book, *data.StockChange) error {
	return data.ErrEditConflict
}

func Test_Books_UpdateEditConflict(t *testing.T) {
	app := newTestApplication(t)
	seedBorrowingFixtures(t, app)
	app.models.Books = conflictingBooks{BookStore: app.models.Books}
	app.handler = app.routes()

	res := app.do(t, http.MethodPatch, "/books/1", `{"stock":7}`)

	assert.Equal(t, http.StatusConflict, res.code)
	assert.Equal(t, "unable to update the record due to an edit conflict, please try again", res.body["error"])
}

func Test_Books_BadRequests(t *testing.T) {
	app := newTestApplication(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
		field  string
	}{
		{"missing title", http.MethodPost, "/books", `{"author":"A","category":"Fiction","stock":1}`, http.StatusUnprocessableEntity, "title"},
		{"missing stock", http.MethodPost, "/books", `{"title":"T","author":"A","category":"Fiction"}`, http.StatusUnprocessableEntity, "stock"},
		{"negative stock", http.MethodPost, "/books", `{"title":"T","author":"A","category":"Fiction","stock":-1}`, http.StatusUnprocessableEntity, "stock"},
		{"stock too large", http.MethodPost, "/books", `{"title":"T","author":"A","category":"Fiction","stock":10000}`, http.StatusUnprocessableEntity, "stock"},
		{"long category", http.MethodPost, "/books", `{"title":"T","author":"A","category":"` + strings.Repeat("c", 21) + `","stock":1}`, http.StatusUnprocessableEntity, "category"},
		{"malformed json", http.MethodPost, "/books", `{"title": }`, http.StatusBadRequest, ""},
		{"unknown field", http.MethodPost, "/books", `{"title":"T","isbn":"123"}`, http.StatusBadRequest, ""},
		{"two values", http.MethodPost, "/books", `{"title":"T"} {"title":"U"}`, http.StatusBadRequest, ""},
		{"empty body", http.MethodPost, "/books", ``, http.StatusBadRequest, ""},
		{"bad id", http.MethodGet, "/books/abc", ``, http.StatusBadRequest, ""},
		{"zero id", http.MethodDelete, "/books/0", ``, http.StatusBadRequest, ""},
		{"bad page size", http.MethodGet, "/books?page_size=500", ``, http.StatusUnprocessableEntity, "page_size"},
		{"bad page", http.MethodGet, "/books?page=x", ``, http.StatusUnprocessableEntity, "page"},
		{"bad sort", http.MethodGet, "/books?sort=isbn", ``, http.StatusUnprocessableEntity, "sort"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := app.do(t, tt.method, tt.path, tt.body)

			assert.Equal(t, tt.code, res.code, res.body)
			if tt.field != "" {
				assert.Contains(t, res.object(t, "error"), tt.field)
			} else {
				assert.NotEmpty(t, res.body["error"])
			}
		})
	}
}

func Test_Members(t *testing.T) {
	app := newTestApplication(t)

	res := app.do(t, http.MethodPost, "/members", `{"name":"John Doe","email":"john@example.com"}`)
	require.Equal(t, http.StatusCreated, res.code, res.body)
	assert.Equal(t, "MBR001", res.object(t, "member")["member_code"])

	res = app.do(t, http.MethodPost, "/members", `{"name":"Jane Smith","email":"jane@example.com"}`)
	require.Equal(t, http.StatusCreated, res.code, res.body)
	assert.Equal(t, "MBR002", res.object(t, "member")["member_code"])

	res = app.do(t, http.MethodPost, "/members", `{"name":"John Again","email":"John@Example.com"}`)
	require.Equal(t, http.StatusUnprocessableEntity, res.code)
	assert.Equal(t, "a member with this email address already exists", res.object(t, "error")["email"])

	res = app.do(t, http.MethodPost, "/members", `{"name":"","email":"not-an-email"}`)
	require.Equal(t, http.StatusUnprocessableEntity, res.code)
	errs := res.object(t, "error")
	assert.Equal(t, "must be provided", errs["name"])
	assert.Equal(t, "must be a valid email address", errs["email"])

	res = app.do(t, http.MethodPost, "/members", `{"name":"Rogue","email":"rogue@example.com","member_code":"MBR777"}`)
	assert.Equal(t, http.StatusBadRequest, res.code)

	res = app.do(t, http.MethodPut, "/members/1", `{"name":"Johnny Doe","email":"johnny@example.com"}`)
	require.Equal(t, http.StatusOK, res.code, res.body)
	member := res.object(t, "member")
	assert.Equal(t, "Johnny Doe", member["name"])
	assert.Equal(t, "MBR001", member["member_code"])

	res = app.do(t, http.MethodPatch, "/members/2", `{"email":"johnny@example.com"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, res.code)

	res = app.do(t, http.MethodGet, "/members?search=jane", "")
	require.Equal(t, http.StatusOK, res.code)
	assert.Len(t, res.list(t, "members"), 1)

	res = app.do(t, http.MethodDelete, "/members/2", "")
	assert.Equal(t, http.StatusOK, res.code)
	res = app.do(t, http.MethodGet, "/members/2", "")
	assert.Equal(t, http.StatusNotFound, res.code)
}

func seedBorrowingFixtures(t *testing.T, app *testApp) {
	t.Helper()
	res := app.do(t, http.MethodPost, "/members", `{"name":"John Doe","email":"john@example.com"}`)
	require.Equal(t, http.StatusCreated, res.code)
	res = app.do(t, http.MethodPost, "/books", `{"title":"Database MySQL","author":"Developer C","category":"Database","stock":1}`)
	require.Equal(t, http.StatusCreated, res.code)
	res = app.do(t, http.MethodPost, "/books", `{"title":"PHP untuk Pemula","author":"Developer B","category":"Programming","stock":3}`)
	require.Equal(t, http.StatusCreated, res.code)
}

func Test_Borrowings_Workflow(t *testing.T) {
	app := newTestApplication(t)
	seedBorrowingFixtures(t, app)

	res := app.do(t, http.MethodPost, "/borrowings", `{"member_id":1,"book_ids":[1,2]}`)
	require.Equal(t, http.StatusCreated, res.code, res.body)
	assert.Equal(t, "/borrowings/1", res.header.Get("Location"))
	loan := res.object(t, "borrowing")
	assert.Equal(t, "borrowed", loan["status"])
	assert.Equal(t, "John Doe", loan["member_name"])
	assert.Nil(t, loan["return_date"])
	assert.Len(t, loan["books"], 2)

	borrowDate, err := time.Parse(time.RFC3339, loan["borrow_date"].(string))
	require.NoError(t, err)
	dueDate, err := time.Parse(time.RFC3339, loan["due_date"].(string))
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, dueDate.Sub(borrowDate))

	res = app.do(t, http.MethodPost, "/borrowings", `{"member_id":1,"book_ids":[1]}`)
	require.Equal(t, http.StatusConflict, res.code)
	assert.Equal(t, float64(1), res.body["book_id"])

	res = app.do(t, http.MethodGet, "/books/1", "")
	assert.Equal(t, float64(0), res.object(t, "book")["stock"])

	res = app.do(t, http.MethodPost, "/borrowings/1/return", "")
	require.Equal(t, http.StatusOK, res.code, res.body)
	loan = res.object(t, "borrowing")
	assert.Equal(t, "returned", loan["status"])
	assert.NotNil(t, loan["return_date"])

	res = app.do(t, http.MethodPost, "/borrowings/1/return", "")
	assert.Equal(t, http.StatusConflict, res.code)

	res = app.do(t, http.MethodGet, "/books/1", "")
	assert.Equal(t, float64(1), res.object(t, "book")["stock"])
	res = app.do(t, http.MethodGet, "/books/2", "")
	assert.Equal(t, float64(3), res.object(t, "book")["stock"])

	res = app.do(t, http.MethodGet, "/borrowings/1", "")
	require.Equal(t, http.StatusOK, res.code)
	assert.Equal(t, "returned", res.object(t, "borrowing")["status"])

	res = app.do(t, http.MethodGet, "/borrowings", "")
	require.Equal(t, http.StatusOK, res.code)
	assert.Len(t, res.list(t, "borrowings"), 1)
	summary := res.object(t, "summary")
	assert.Equal(t, float64(1), summary["total"])
	assert.Equal(t, float64(1), summary["returned"])

	res = app.do(t, http.MethodGet, "/members/1/borrowings", "")
	require.Equal(t, http.StatusOK, res.code)
	assert.Len(t, res.list(t, "borrowings"), 1)

	res = app.do(t, http.MethodGet, "/members/9/borrowings", "")
	assert.Equal(t, http.StatusNotFound, res.code)

	// Books and members with history stay put.
	res = app.do(t, http.MethodDelete, "/books/1", "")
	assert.Equal(t, http.StatusConflict, res.code)
	res = app.do(t, http.MethodDelete, "/members/1", "")
	assert.Equal(t, http.StatusConflict, res.code)

	published := app.published.Events()
	require.Len(t, published, 2)
	assert.Equal(t, events.LoanCreated, published[0].Type)
	assert.Equal(t, events.LoanReturned, published[1].Type)
}

func Test_Borrowings_Errors(t *testing.T) {
	app := newTestApplication(t)
	seedBorrowingFixtures(t, app)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
		field  string
	}{
		{"unknown member", http.MethodPost, "/borrowings", `{"member_id":9,"book_ids":[1]}`, http.StatusNotFound, ""},
		{"unknown book", http.MethodPost, "/borrowings", `{"member_id":1,"book_ids":[99]}`, http.StatusNotFound, ""},
		{"no books", http.MethodPost, "/borrowings", `{"member_id":1,"book_ids":[]}`, http.StatusUnprocessableEntity, "book_ids"},
		{"duplicate books", http.MethodPost, "/borrowings", `{"member_id":1,"book_ids":[2,2]}`, http.StatusUnprocessableEntity, "book_ids"},
		{"due before borrow", http.MethodPost, "/borrowings", `{"member_id":1,"book_ids":[2],"borrow_date":"2025-07-20T10:00:00Z","due_date":"2025-07-19T10:00:00Z"}`, http.StatusUnprocessableEntity, "due_date"},
		{"bad date", http.MethodPost, "/borrowings", `{"member_id":1,"book_ids":[2],"due_date":"next week"}`, http.StatusBadRequest, ""},
		{"unknown loan", http.MethodGet, "/borrowings/42", ``, http.StatusNotFound, ""},
		{"return unknown loan", http.MethodPost, "/borrowings/42/return", ``, http.StatusNotFound, ""},
		{"bad status filter", http.MethodGet, "/borrowings?status=lost", ``, http.StatusUnprocessableEntity, "status"},
		{"bad member filter", http.MethodGet, "/borrowings?member_id=-1", ``, http.StatusUnprocessableEntity, "member_id"},
		{"bad sort", http.MethodGet, "/borrowings?sort=member_id", ``, http.StatusUnprocessableEntity, "sort"},
		{"method not allowed", http.MethodDelete, "/borrowings/1", ``, http.StatusMethodNotAllowed, ""},
		{"unknown route", http.MethodGet, "/loans", ``, http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := app.do(t, tt.method, tt.path, tt.body)

			assert.Equal(t, tt.code, res.code, res.body)
			if tt.field != "" {
				assert.Contains(t, res.object(t, "error"), tt.field)
			}
		})
	}

	res := app.do(t, http.MethodGet, "/books/2", "")
	assert.Equal(t, float64(3), res.object(t, "book")["stock"])
}

func Test_Borrowings_ReturnDateBeforeBorrowDate(t *testing.T) {
	app := newTestApplication(t)
	seedBorrowingFixtures(t, app)

	res := app.do(t, http.MethodPost, "/borrowings", `{"member_id":1,"book_ids":[2],"borrow_date":"2025-07-20T10:00:00Z","due_date":"2025-07-27T10:00:00Z"}`)
	require.Equal(t, http.StatusCreated, res.code, res.body)

	res = app.do(t, http.MethodPost, "/borrowings/1/return", `{"return_date":"2025-07-19T10:00:00Z"}`)
	require.Equal(t, http.StatusUnprocessableEntity, res.code)
	assert.Contains(t, res.object(t, "error"), "return_date")

	res = app.do(t, http.MethodPost, "/borrowings/1/return", `{"return_date":"2025-07-21T14:30:00Z"}`)
	require.Equal(t, http.StatusOK, res.code)
	assert.Equal(t, "2025-07-21T14:30:00Z", res.object(t, "borrowing")["return_date"])
}

func Test_Borrowings_OverdueFromSeed(t *testing.T) {
	app := newTestApplication(t)
	// Anchoring an hour ahead keeps the overdue loan just under seven days late.
	_, err := data.Seed(context.Background(), app.models, time.Now().Add(time.Hour))
	require.NoError(t, err)

	res := app.do(t, http.MethodGet, "/borrowings?status=overdue", "")
	require.Equal(t, http.StatusOK, res.code)
	loans := res.list(t, "borrowings")
	require.Len(t, loans, 1)
	loan := loans[0].(map[string]any)
	assert.Equal(t, "overdue", loan["status"])
	assert.Equal(t, "Bob Johnson", loan["member_name"])
	assert.Equal(t, float64(7), loan["days_overdue"])

	summary := res.object(t, "summary")
	assert.Equal(t, map[string]any{"total": float64(3), "borrowed": float64(1), "returned": float64(1), "overdue": float64(1)}, summary)

	res = app.do(t, http.MethodGet, "/borrowings?search=developer+a&sort=due_date", "")
	require.Equal(t, http.StatusOK, res.code)
	assert.Len(t, res.list(t, "borrowings"), 1)
}

func Test_RateLimit(t *testing.T) {
	app := newTestApplication(t, func(cfg *serverConfig) {
		cfg.limiter.enabled = true
		cfg.limiter.rps = 1
		cfg.limiter.burst = 1
	})

	assert.Equal(t, http.StatusOK, app.do(t, http.MethodGet, "/healthcheck", "").code)
	res := app.do(t, http.MethodGet, "/healthcheck", "")
	assert.Equal(t, http.StatusTooManyRequests, res.code)
	assert.Equal(t, "rate limit exceeded", res.body["error"])
}

func Test_RequestID(t *testing.T) {
	app := newTestApplication(t)

	res := app.do(t, http.MethodGet, "/healthcheck", "")
	assert.Len(t, res.header.Get(requestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	req.Header.Set(requestIDHeader, "trace-123")
	rr := httptest.NewRecorder()
	app.handler.ServeHTTP(rr, req)
	assert.Equal(t, "trace-123", rr.Header().Get(requestIDHeader))
}

func Test_CORS(t *testing.T) {
	app := newTestApplication(t, func(cfg *serverConfig) {
		cfg.cors.trustedOrigins = []string{"http://localhost:5173"}
	})

	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rr := httptest.NewRecorder()
	app.handler.ServeHTTP(rr, req)
	assert.Equal(t, "http://localhost:5173", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr = httptest.NewRecorder()
	app.handler.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func Test_RecoverPanic(t *testing.T) {
	app := newTestApplication(t)
	handler := app.recoverPanic(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "close", rr.Header().Get("Connection"))
}
