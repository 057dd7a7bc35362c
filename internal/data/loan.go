package data

import (
	"math"
	"time"

	"github.com/aoideee/library-lending/internal/validator"
)

// LoanStatus is the lifecycle state of a loan.
type LoanStatus string

const (
	StatusBorrowed LoanStatus = "borrowed"
	StatusReturned LoanStatus = "returned"
	StatusOverdue  LoanStatus = "overdue"
)

// LoanStatuses lists every valid status, in lifecycle order.
var LoanStatuses = []string{string(StatusBorrowed), string(StatusReturned), string(StatusOverdue)}

// LoanBook is the short form of a book attached to a loan.
type LoanBook struct {
	ID     int64  `json:"id" db:"id"`
	Title  string `json:"title" db:"title"`
	Author string `json:"author" db:"author"`
}

// Loan is one borrowing transaction: a member taking one or more books for a
// bounded time window. Status holds whatever the store last persisted; call
// Project to replace it with the status derived from the clock.
type Loan struct {
	ID          int64      `json:"id" db:"id"`
	MemberID    int64      `json:"member_id" db:"member_id"`
	MemberName  string     `json:"member_name" db:"member_name"`
	MemberEmail string     `json:"member_email" db:"member_email"`
	Books       []LoanBook `json:"books" db:"-"`
	BorrowDate  time.Time  `json:"borrow_date" db:"borrow_date"`
	DueDate     time.Time  `json:"due_date" db:"due_date"`
	ReturnDate  *time.Time `json:"return_date" db:"return_date"`
	Status      LoanStatus `json:"status" db:"status"`
	DaysOverdue int        `json:"days_overdue" db:"-"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// StatusAt derives the status of the loan at the given instant. A returned
// loan is always returned, even if it came back late.
func (l *Loan) StatusAt(now time.Time) LoanStatus {
	switch {
	case l.ReturnDate != nil:
		return StatusReturned
	case now.After(l.DueDate):
		return StatusOverdue
	default:
		return StatusBorrowed
	}
}

// DaysOverdueAt counts started days past the due date, or 0 when the loan is
// not overdue at now.
func (l *Loan) DaysOverdueAt(now time.Time) int {
	if l.StatusAt(now) != StatusOverdue {
		return 0
	}
	return int(math.Ceil(now.Sub(l.DueDate).Hours() / 24))
}

// BookIDs returns the ids of the books on the loan.
func (l *Loan) BookIDs() []int64 {
	ids := make([]int64, len(l.Books))
	for i, b := range l.Books {
		ids[i] = b.ID
	}
	return ids
}

// Project overwrites Status and DaysOverdue with their values at now. It
// reports whether the persisted status was lagging behind and needs a refresh.
func (l *Loan) Project(now time.Time) (stale bool) {
	derived := l.StatusAt(now)
	stale = l.Status == StatusBorrowed && derived == StatusOverdue
	l.Status = derived
	l.DaysOverdue = l.DaysOverdueAt(now)
	return stale
}

// LoanRequest is everything needed to open a loan. The borrowing service fills
// in default dates before the request reaches a store.
type LoanRequest struct {
	MemberID   int64     `json:"member_id" validate:"required,gt=0"`
	BookIDs    []int64   `json:"book_ids" validate:"required,min=1,unique,dive,gt=0"`
	BorrowDate time.Time `json:"borrow_date" validate:"required"`
	DueDate    time.Time `json:"due_date" validate:"required,gtfield=BorrowDate"`
}

// ValidateLoanRequest checks the request rules shared by every store.
func ValidateLoanRequest(v *validator.Validator, req LoanRequest) {
	v.Struct(req)
}

// validateReturnDate rejects a return that predates the loan itself.
func validateReturnDate(borrowDate, returnDate time.Time) error {
	v := validator.New()
	v.Check(!returnDate.Before(borrowDate), "return_date", "must not be earlier than borrow_date")
	return v.Err()
}

// LoanFilters narrows a loan listing. Status is matched against the derived
// status, not the persisted one.
type LoanFilters struct {
	Status   LoanStatus
	MemberID int64
	Search   string // Matches member name/email or any book title/author
	Filters
}

// LoanSortSafeList holds the sort values accepted by GET /borrowings.
var LoanSortSafeList = []string{
	"id", "borrow_date", "due_date", "return_date",
	"-id", "-borrow_date", "-due_date", "-return_date",
}

// LoanSummary counts loans per derived status.
type LoanSummary struct {
	Total    int `json:"total" db:"total"`
	Borrowed int `json:"borrowed" db:"borrowed"`
	Returned int `json:"returned" db:"returned"`
	Overdue  int `json:"overdue" db:"overdue"`
}
