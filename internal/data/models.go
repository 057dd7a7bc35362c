// internal/data/models.go
package data

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aoideee/library-lending/internal/validator"
)

// Models is a top-level container that groups all storage types together.
// It is passed around the application via applicationDependencies so every handler
// has access to storage without knowing which backend sits behind it.
type Models struct {
	Books   BookStore   // Books and the stock ledger
	Members MemberStore // Members and member code generation
	Loans   LoanStore   // Borrowing transactions
}

// NewModels constructs a Models value wired up to the given PostgreSQL connection pool.
// Call this once during application startup and store the result in applicationDependencies.
func NewModels(db *sqlx.DB) Models {
	return Models{
		Books:   BookModel{DB: db},
		Members: MemberModel{DB: db},
		Loans:   LoanModel{DB: db},
	}
}

// BookStore is the storage contract for books. Reserve and Release make up the
// stock ledger: Reserve is a compare-and-decrement that never lets stock drop below zero.
type BookStore interface {
	Insert(ctx context.Context, book *Book) error
	Get(ctx context.Context, id int64) (*Book, error)
	GetAll(ctx context.Context, filters BookFilters) ([]*Book, Metadata, error)
	Update(ctx context.Context, book *Book, stock *StockChange) error
	Delete(ctx context.Context, id int64) error
	Reserve(ctx context.Context, id int64, qty int) (int, error)
	Release(ctx context.Context, id int64, qty int) (int, error)
}

// MemberStore is the storage contract for members.
type MemberStore interface {
	Insert(ctx context.Context, member *Member) error
	Get(ctx context.Context, id int64) (*Member, error)
	GetAll(ctx context.Context, filters MemberFilters) ([]*Member, Metadata, error)
	Update(ctx context.Context, member *Member) error
	Delete(ctx context.Context, id int64) error
}

// LoanStore is the loan record store. Create and MarkReturned adjust the stock
// ledger atomically with the loan record they write.
type LoanStore interface {
	Create(ctx context.Context, req LoanRequest) (*Loan, error)
	MarkReturned(ctx context.Context, id int64, returnDate time.Time) (*Loan, error)
	Get(ctx context.Context, id int64) (*Loan, error)
	GetAll(ctx context.Context, filters LoanFilters, now time.Time) ([]*Loan, Metadata, error)
	Summary(ctx context.Context, memberID int64, now time.Time) (LoanSummary, error)
	MarkOverdue(ctx context.Context, ids []int64) error
}

var (
	// ErrRecordNotFound is returned when a query finds no matching row.
	ErrRecordNotFound = errors.New("record not found")

	// ErrOutOfStock is matched by every *OutOfStockError.
	ErrOutOfStock = errors.New("out of stock")

	// ErrAlreadyReturned is returned when a loan that is already returned is returned again.
	ErrAlreadyReturned = errors.New("loan already returned")

	// ErrDuplicateEmail is returned when a member email is already taken.
	ErrDuplicateEmail = errors.New("duplicate email")

	// ErrRecordInUse is returned when deleting a book or member that loans still reference.
	ErrRecordInUse = errors.New("record is referenced by a loan")

	// ErrEditConflict is returned when a guarded update finds the row changed
	// since it was read.
	ErrEditConflict = errors.New("edit conflict")
)

// OutOfStockError names the book whose reservation failed.
type OutOfStockError struct {
	BookID    int64
	Requested int
	Available int
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("book %d is out of stock (requested %d, available %d)", e.BookID, e.Requested, e.Available)
}

// Is lets callers match with errors.Is(err, ErrOutOfStock).
func (e *OutOfStockError) Is(target error) bool {
	return target == ErrOutOfStock
}

// Filters holds pagination and sorting parameters extracted from URL query strings.
type Filters struct {
	Page         int      // Current page number (1-indexed)
	PageSize     int      // Number of records per page
	Sort         string   // Column name to sort by (prefix with "-" for DESC)
	SortSafeList []string // Allowed sort columns to prevent SQL injection
}

// ValidateFilters checks paging bounds and that Sort is on the safe list.
func ValidateFilters(v *validator.Validator, f Filters) {
	v.Check(f.Page > 0, "page", "must be greater than zero")
	v.Check(f.Page <= 10_000_000, "page", "must be a maximum of 10 million")
	v.Check(f.PageSize > 0, "page_size", "must be greater than zero")
	v.Check(f.PageSize <= 100, "page_size", "must be a maximum of 100")
	v.Check(validator.In(f.Sort, f.SortSafeList...), "sort", "invalid sort value")
}

// sortColumn returns the validated column name for ORDER BY, defaulting to id.
func (f Filters) sortColumn() string {
	for _, safe := range f.SortSafeList {
		if f.Sort == safe {
			return strings.TrimPrefix(f.Sort, "-")
		}
	}
	return "id" // safe fallback
}

// sortDescending reports whether the Sort value carries the "-" prefix.
func (f Filters) sortDescending() bool {
	return strings.HasPrefix(f.Sort, "-")
}

// limit returns the SQL LIMIT value derived from PageSize.
func (f Filters) limit() int { return f.PageSize }

// offset returns the SQL OFFSET value derived from Page and PageSize.
func (f Filters) offset() int { return (f.Page - 1) * f.PageSize }

// Metadata contains pagination information returned alongside list responses.
type Metadata struct {
	CurrentPage  int `json:"current_page,omitempty"`
	PageSize     int `json:"page_size,omitempty"`
	FirstPage    int `json:"first_page,omitempty"`
	LastPage     int `json:"last_page,omitempty"`
	TotalRecords int `json:"total_records,omitempty"`
}

// calculateMetadata computes page metadata from total record count and filter values.
func calculateMetadata(totalRecords, page, pageSize int) Metadata {
	if totalRecords == 0 {
		return Metadata{}
	}
	return Metadata{
		CurrentPage:  page,
		PageSize:     pageSize,
		FirstPage:    1,
		LastPage:     int(math.Ceil(float64(totalRecords) / float64(pageSize))),
		TotalRecords: totalRecords,
	}
}

// paginate slices an already filtered and sorted result the same way LIMIT/OFFSET would.
func paginate[T any](items []T, f Filters) ([]T, Metadata) {
	total := len(items)
	start := min(f.offset(), total)
	end := min(start+f.limit(), total)
	return items[start:end], calculateMetadata(total, f.Page, f.PageSize)
}
