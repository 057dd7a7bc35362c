// Package lending implements the borrowing workflow on top of the data stores:
// opening loans, returning them and reporting their current status.
package lending

import (
	"context"
	"log/slog"
	"time"

	"github.com/aoideee/library-lending/internal/data"
	"github.com/aoideee/library-lending/internal/events"
	"github.com/aoideee/library-lending/internal/validator"
)

// DefaultLoanPeriod is the due date offset applied when a borrow request has none.
const DefaultLoanPeriod = 7 * 24 * time.Hour

const publishTimeout = 5 * time.Second

// Service is the borrowing service. It owns the clock: every status it reports
// is derived from the loan dates at the moment of the call.
type Service struct {
	members    data.MemberStore
	loans      data.LoanStore
	publisher  events.Publisher
	logger     *slog.Logger
	loanPeriod time.Duration
	now        func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLoanPeriod sets the default time between borrow and due date.
func WithLoanPeriod(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.loanPeriod = d
		}
	}
}

// New builds a Service over the given stores. A nil publisher disables events.
func New(models data.Models, publisher events.Publisher, logger *slog.Logger, opts ...Option) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	s := &Service{
		members:    models.Members,
		loans:      models.Loans,
		publisher:  publisher,
		logger:     logger,
		loanPeriod: DefaultLoanPeriod,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoanPeriod reports the default loan length.
func (s *Service) LoanPeriod() time.Duration { return s.loanPeriod }

// BorrowInput is a borrow request as received from a client. Missing dates
// default to now and now plus the loan period.
type BorrowInput struct {
	MemberID   int64      `json:"member_id"`
	BookIDs    []int64    `json:"book_ids"`
	BorrowDate *time.Time `json:"borrow_date"`
	DueDate    *time.Time `json:"due_date"`
}

// ReturnInput is a return request. A missing date means now.
type ReturnInput struct {
	ReturnDate *time.Time `json:"return_date"`
}

// LoanPayload is the body of loan events.
type LoanPayload struct {
	LoanID     int64           `json:"loan_id"`
	MemberID   int64           `json:"member_id"`
	BookIDs    []int64         `json:"book_ids"`
	BorrowDate time.Time       `json:"borrow_date"`
	DueDate    time.Time       `json:"due_date"`
	ReturnDate *time.Time      `json:"return_date,omitempty"`
	Status     data.LoanStatus `json:"status"`
}

// Borrow opens a loan for one member and one or more books. It fails with a
// *validator.ValidationError, data.ErrRecordNotFound or a *data.OutOfStockError
// and in every failure case leaves stock untouched.
func (s *Service) Borrow(ctx context.Context, in BorrowInput) (*data.Loan, error) {
	now := s.now()

	// Loan dates are stored with second precision, so they are compared at
	// that precision too.
	borrowDate := now
	if in.BorrowDate != nil {
		borrowDate = *in.BorrowDate
	}
	borrowDate = borrowDate.Truncate(time.Second)
	dueDate := borrowDate.Add(s.loanPeriod)
	if in.DueDate != nil {
		dueDate = in.DueDate.Truncate(time.Second)
	}

	req := data.LoanRequest{
		MemberID:   in.MemberID,
		BookIDs:    in.BookIDs,
		BorrowDate: borrowDate,
		DueDate:    dueDate,
	}

	v := validator.New()
	data.ValidateLoanRequest(v, req)
	if err := v.Err(); err != nil {
		return nil, err
	}

	loan, err := s.loans.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	s.project(ctx, now, loan)
	s.publish(ctx, events.LoanCreated, loan, now)
	return loan, nil
}

// Return closes a loan, overdue or not, and puts its books back in stock.
func (s *Service) Return(ctx context.Context, id int64, in ReturnInput) (*data.Loan, error) {
	now := s.now()

	returnDate := now
	if in.ReturnDate != nil {
		returnDate = *in.ReturnDate
	}
	returnDate = returnDate.Truncate(time.Second)

	loan, err := s.loans.MarkReturned(ctx, id, returnDate)
	if err != nil {
		return nil, err
	}

	loan.Project(now)
	s.publish(ctx, events.LoanReturned, loan, now)
	return loan, nil
}

// Get returns one loan with its derived status.
func (s *Service) Get(ctx context.Context, id int64) (*data.Loan, error) {
	loan, err := s.loans.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.project(ctx, s.now(), loan)
	return loan, nil
}

// List returns one page of loans together with per-status counts over the
// whole filtered member scope.
func (s *Service) List(ctx context.Context, filters data.LoanFilters) ([]*data.Loan, data.Metadata, data.LoanSummary, error) {
	now := s.now()

	loans, metadata, err := s.loans.GetAll(ctx, filters, now)
	if err != nil {
		return nil, data.Metadata{}, data.LoanSummary{}, err
	}

	summary, err := s.loans.Summary(ctx, filters.MemberID, now)
	if err != nil {
		return nil, data.Metadata{}, data.LoanSummary{}, err
	}

	s.project(ctx, now, loans...)
	return loans, metadata, summary, nil
}

// ListForMember is List scoped to one member, who must exist.
func (s *Service) ListForMember(ctx context.Context, memberID int64, filters data.LoanFilters) ([]*data.Loan, data.Metadata, data.LoanSummary, error) {
	if _, err := s.members.Get(ctx, memberID); err != nil {
		return nil, data.Metadata{}, data.LoanSummary{}, err
	}
	filters.MemberID = memberID
	return s.List(ctx, filters)
}

// project derives the status of every loan at now and writes back the overdue
// status of loans whose stored status lags. A failed write-back is logged and
// otherwise ignored: the derived status is already correct.
func (s *Service) project(ctx context.Context, now time.Time, loans ...*data.Loan) {
	var stale []int64
	for _, l := range loans {
		if l.Project(now) {
			stale = append(stale, l.ID)
		}
	}
	if len(stale) == 0 {
		return
	}

	if err := s.loans.MarkOverdue(ctx, stale); err != nil {
		s.logger.Warn("refresh overdue status", "loan_ids", stale, "error", err)
	}
}

// publish sends a loan event once the change is committed. Delivery failures
// are logged; the loan itself already stands.
func (s *Service) publish(ctx context.Context, eventType string, loan *data.Loan, now time.Time) {
	payload := LoanPayload{
		LoanID:     loan.ID,
		MemberID:   loan.MemberID,
		BookIDs:    loan.BookIDs(),
		BorrowDate: loan.BorrowDate,
		DueDate:    loan.DueDate,
		ReturnDate: loan.ReturnDate,
		Status:     loan.Status,
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	event := events.New(eventType, payload, now)
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("publish loan event", "event_type", eventType, "event_id", event.ID, "loan_id", loan.ID, "error", err)
	}
}
