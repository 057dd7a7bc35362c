// Package data provides the data models and storage logic
// for the library lending service.
package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // Registers the postgres dialect.
	"github.com/jmoiron/sqlx"

	"github.com/aoideee/library-lending/internal/validator"
)

const dialectPostgres = "postgres"

// Book represents a single book title and its available copies.
// It maps directly to a row in the "books" table.
type Book struct {
	ID        int64     `json:"id" db:"id"`                                       // Unique identifier assigned by the database
	Title     string    `json:"title" db:"title" validate:"required,max=255"`     // Title of the book
	Author    string    `json:"author" db:"author" validate:"required,max=255"`   // Author name
	Category  string    `json:"category" db:"category" validate:"required,max=20"` // Short category label
	Stock     int       `json:"stock" db:"stock" validate:"gte=0,lte=9999"`       // Copies currently available for lending
	CreatedAt time.Time `json:"created_at" db:"created_at"`                       // Timestamp when the record was created
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`                       // Timestamp when the record was last modified
}

// CreateBookInput holds the fields a client must supply when creating a new book.
type CreateBookInput struct {
	Title    string `json:"title"`
	Author   string `json:"author"`
	Category string `json:"category"`
	Stock    *int   `json:"stock"`
}

// UpdateBookInput holds the fields a client may supply when updating a book.
// Every field is a pointer so we can distinguish between "not provided" (nil)
// and "intentionally set to zero/empty". Only non-nil fields are applied.
type UpdateBookInput struct {
	Title    *string `json:"title"`
	Author   *string `json:"author"`
	Category *string `json:"category"`
	Stock    *int    `json:"stock"`
}

// Complete reports which fields are missing for a full (PUT) replacement.
func (in UpdateBookInput) Complete(v *validator.Validator) {
	v.Check(in.Title != nil, "title", "must be provided")
	v.Check(in.Author != nil, "author", "must be provided")
	v.Check(in.Category != nil, "category", "must be provided")
	v.Check(in.Stock != nil, "stock", "must be provided")
}

// Apply copies every provided field onto book.
func (in UpdateBookInput) Apply(book *Book) {
	if in.Title != nil {
		book.Title = *in.Title
	}
	if in.Author != nil {
		book.Author = *in.Author
	}
	if in.Category != nil {
		book.Category = *in.Category
	}
	if in.Stock != nil {
		book.Stock = *in.Stock
	}
}

// StockChange sets a book's stock level to To, provided the stored level is
// still From. Loans move stock between the read and the write of an update,
// so the level is never written back blindly.
type StockChange struct {
	From int
	To   int
}

// StockChange returns the stock write requested by the input, or nil when the
// client left stock alone. current is the level the update was based on.
func (in UpdateBookInput) StockChange(current int) *StockChange {
	if in.Stock == nil {
		return nil
	}
	return &StockChange{From: current, To: *in.Stock}
}

// ValidateBook checks the field rules of a book about to be written.
func ValidateBook(v *validator.Validator, book *Book) {
	v.Struct(book)
}

// BookFilters narrows a book listing.
type BookFilters struct {
	Search   string // Matches title or author, case-insensitive
	Category string // Exact category match
	Filters
}

// BookSortSafeList holds the sort values accepted by GET /books.
var BookSortSafeList = []string{"id", "title", "author", "category", "stock", "-id", "-title", "-author", "-category", "-stock"}

// BookModel wraps a *sqlx.DB connection and provides methods for
// creating, reading, updating and deleting book records, plus the stock ledger.
type BookModel struct {
	DB *sqlx.DB // Shared database connection pool
}

// Insert adds a new book record to the database.
// After a successful insert, the database-assigned id, created_at, and
// updated_at values are written back into the book struct.
func (m BookModel) Insert(ctx context.Context, book *Book) error {
	query := `
        INSERT INTO books (title, author, category, stock)
        VALUES ($1, $2, $3, $4)
        RETURNING id, created_at, updated_at`

	return m.DB.QueryRowxContext(ctx, query, book.Title, book.Author, book.Category, book.Stock).
		Scan(&book.ID, &book.CreatedAt, &book.UpdatedAt)
}

// Get retrieves a single book by its primary key.
// Returns ErrRecordNotFound if no book with the given id exists.
func (m BookModel) Get(ctx context.Context, id int64) (*Book, error) {
	if id < 1 {
		return nil, ErrRecordNotFound
	}

	query := `
		SELECT id, title, author, category, stock, created_at, updated_at
		FROM books
		WHERE id = $1`

	var book Book
	err := m.DB.GetContext(ctx, &book, query, id)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, ErrRecordNotFound
		default:
			return nil, err
		}
	}
	return &book, nil
}

// bookRow carries the COUNT(*) OVER() window value alongside each book.
type bookRow struct {
	Total int `db:"total"`
	Book
}

// GetAll retrieves a filtered, paginated and sorted list of books.
// It uses a COUNT(*) OVER() window function so only one round-trip is needed.
func (m BookModel) GetAll(ctx context.Context, filters BookFilters) ([]*Book, Metadata, error) {
	ds := goqu.Dialect(dialectPostgres).
		From("books").
		Select(
			goqu.L("count(*) OVER()").As("total"),
			"id", "title", "author", "category", "stock", "created_at", "updated_at",
		)

	if filters.Search != "" {
		pattern := "%" + filters.Search + "%"
		ds = ds.Where(goqu.Or(
			goqu.I("title").ILike(pattern),
			goqu.I("author").ILike(pattern),
		))
	}
	if filters.Category != "" {
		ds = ds.Where(goqu.I("category").Eq(filters.Category))
	}

	order := goqu.I(filters.sortColumn()).Asc()
	if filters.sortDescending() {
		order = goqu.I(filters.sortColumn()).Desc()
	}

	query, args, err := ds.
		Order(order, goqu.I("id").Asc()).
		Limit(uint(filters.limit())).
		Offset(uint(filters.offset())).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("build book list query: %w", err)
	}

	var rows []bookRow
	if err := m.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, Metadata{}, err
	}

	totalRecords := 0
	books := make([]*Book, 0, len(rows))
	for i := range rows {
		totalRecords = rows[i].Total
		books = append(books, &rows[i].Book)
	}

	return books, calculateMetadata(totalRecords, filters.Page, filters.PageSize), nil
}

// Update saves the descriptive fields of book. Stock is only written when
// stock is non-nil, and only if the row still holds stock.From; otherwise
// ErrEditConflict is returned. The current stock level and the refreshed
// updated_at timestamp are scanned back into the struct.
func (m BookModel) Update(ctx context.Context, book *Book, stock *StockChange) error {
	query, args, err := bookUpdateQuery(book, stock)
	if err != nil {
		return err
	}

	err = m.DB.QueryRowxContext(ctx, query, args...).Scan(&book.Stock, &book.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if stock != nil {
			return m.missingOrConflict(ctx, book.ID)
		}
		return ErrRecordNotFound
	}
	return err
}

func bookUpdateQuery(book *Book, stock *StockChange) (string, []any, error) {
	record := goqu.Record{
		"title":      book.Title,
		"author":     book.Author,
		"category":   book.Category,
		"updated_at": goqu.L("NOW()"),
	}
	where := []exp.Expression{goqu.C("id").Eq(book.ID)}
	if stock != nil {
		record["stock"] = stock.To
		where = append(where, goqu.C("stock").Eq(stock.From))
	}

	return goqu.Dialect(dialectPostgres).
		Update("books").
		Set(record).
		Where(where...).
		Returning("stock", "updated_at").
		Prepared(true).
		ToSQL()
}

// missingOrConflict tells a deleted book apart from one whose stock moved.
func (m BookModel) missingOrConflict(ctx context.Context, id int64) error {
	var exists bool
	err := m.DB.QueryRowxContext(ctx, `SELECT EXISTS(SELECT 1 FROM books WHERE id = $1)`, id).Scan(&exists)
	switch {
	case err != nil:
		return err
	case !exists:
		return ErrRecordNotFound
	default:
		return ErrEditConflict
	}
}

// Delete removes the book with the given id from the database.
// Returns ErrRecordNotFound if no matching record exists and ErrRecordInUse
// if a loan still references it.
func (m BookModel) Delete(ctx context.Context, id int64) error {
	if id < 1 {
		return ErrRecordNotFound
	}

	result, err := m.DB.ExecContext(ctx, `DELETE FROM books WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrRecordInUse
		}
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrRecordNotFound
	}

	return nil
}

// Reserve takes qty copies of a book out of stock and returns the new level.
func (m BookModel) Reserve(ctx context.Context, id int64, qty int) (int, error) {
	return reserveStock(ctx, m.DB, id, qty)
}

// Release puts qty copies of a book back into stock and returns the new level.
func (m BookModel) Release(ctx context.Context, id int64, qty int) (int, error) {
	return releaseStock(ctx, m.DB, id, qty)
}

// reserveStock is a compare-and-decrement: the guard in the WHERE clause makes
// the check and the write a single statement, so concurrent callers can never
// both take the last copy. It runs against the pool or inside a loan transaction.
func reserveStock(ctx context.Context, q sqlx.QueryerContext, id int64, qty int) (int, error) {
	if qty < 1 {
		return 0, invalidQuantity()
	}

	query := `
		UPDATE books
		SET stock = stock - $2, updated_at = NOW()
		WHERE id = $1 AND stock >= $2
		RETURNING stock`

	var stock int
	err := q.QueryRowxContext(ctx, query, id, qty).Scan(&stock)
	if err == nil {
		return stock, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	// Nothing matched: either the book is missing or the guard failed.
	var available int
	err = q.QueryRowxContext(ctx, `SELECT stock FROM books WHERE id = $1`, id).Scan(&available)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("book %d: %w", id, ErrRecordNotFound)
	case err != nil:
		return 0, err
	}

	return 0, &OutOfStockError{BookID: id, Requested: qty, Available: available}
}

// releaseStock increments stock with no upper bound.
func releaseStock(ctx context.Context, q sqlx.QueryerContext, id int64, qty int) (int, error) {
	if qty < 1 {
		return 0, invalidQuantity()
	}

	query := `
		UPDATE books
		SET stock = stock + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING stock`

	var stock int
	err := q.QueryRowxContext(ctx, query, id, qty).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("book %d: %w", id, ErrRecordNotFound)
	}
	return stock, err
}

func invalidQuantity() error {
	v := validator.New()
	v.AddError("qty", "must be greater than zero")
	return v.Err()
}
