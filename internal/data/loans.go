package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"

	"github.com/aoideee/library-lending/internal/validator"
)

// LoanModel is the PostgreSQL loan record store. Every write runs in a single
// transaction together with the stock changes it implies.
type LoanModel struct {
	DB *sqlx.DB
}

// Create opens a loan. The member must exist and every book must have a copy
// available; on any failure the transaction is rolled back, so no stock is
// taken and no loan row is left behind. Books are reserved in id order so two
// overlapping requests always lock rows in the same sequence.
func (m LoanModel) Create(ctx context.Context, req LoanRequest) (*Loan, error) {
	if err := checkLoanRequest(req); err != nil {
		return nil, err
	}

	tx, err := m.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists bool
	err = tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM members WHERE id = $1)`, req.MemberID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("member %d: %w", req.MemberID, ErrRecordNotFound)
	}

	bookIDs := slices.Clone(req.BookIDs)
	slices.Sort(bookIDs)
	for _, id := range bookIDs {
		if _, err := reserveStock(ctx, tx, id, 1); err != nil {
			return nil, err
		}
	}

	query := `
		INSERT INTO loans (member_id, borrow_date, due_date, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	var loanID int64
	err = tx.QueryRowxContext(ctx, query, req.MemberID, req.BorrowDate, req.DueDate, string(StatusBorrowed)).Scan(&loanID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("member %d: %w", req.MemberID, ErrRecordNotFound)
		}
		return nil, err
	}

	rows := make([]any, len(bookIDs))
	for i, id := range bookIDs {
		rows[i] = goqu.Record{"loan_id": loanID, "book_id": id}
	}
	insert, args, err := goqu.Dialect(dialectPostgres).
		Insert("loan_books").
		Rows(rows...).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build loan_books insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return m.Get(ctx, loanID)
}

// MarkReturned closes a loan and puts each of its books back in stock exactly
// once. The loan row is locked first, so of two concurrent returns the second
// sees the return date written by the first and fails with ErrAlreadyReturned.
func (m LoanModel) MarkReturned(ctx context.Context, id int64, returnDate time.Time) (*Loan, error) {
	if id < 1 {
		return nil, ErrRecordNotFound
	}

	tx, err := m.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var current struct {
		BorrowDate time.Time  `db:"borrow_date"`
		ReturnDate *time.Time `db:"return_date"`
	}
	err = tx.GetContext(ctx, &current, `SELECT borrow_date, return_date FROM loans WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	if current.ReturnDate != nil {
		return nil, ErrAlreadyReturned
	}
	if err := validateReturnDate(current.BorrowDate, returnDate); err != nil {
		return nil, err
	}

	query := `
		UPDATE loans
		SET return_date = $2, status = $3, updated_at = NOW()
		WHERE id = $1`

	if _, err := tx.ExecContext(ctx, query, id, returnDate, string(StatusReturned)); err != nil {
		return nil, err
	}

	var bookIDs []int64
	err = tx.SelectContext(ctx, &bookIDs, `SELECT book_id FROM loan_books WHERE loan_id = $1 ORDER BY book_id`, id)
	if err != nil {
		return nil, err
	}
	for _, bookID := range bookIDs {
		if _, err := releaseStock(ctx, tx, bookID, 1); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return m.Get(ctx, id)
}

// Get returns one loan with its member and books. Status is the persisted value.
func (m LoanModel) Get(ctx context.Context, id int64) (*Loan, error) {
	if id < 1 {
		return nil, ErrRecordNotFound
	}

	query, args, err := loanSelect().
		Where(goqu.I("l.id").Eq(id)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build loan query: %w", err)
	}

	var loan Loan
	if err := m.DB.GetContext(ctx, &loan, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	if err := m.attachBooks(ctx, []*Loan{&loan}); err != nil {
		return nil, err
	}
	return &loan, nil
}

type loanRow struct {
	Total int `db:"total"`
	Loan
}

// GetAll lists loans. The status filter is evaluated against now, so a loan
// whose persisted status still says borrowed is found under overdue.
func (m LoanModel) GetAll(ctx context.Context, filters LoanFilters, now time.Time) ([]*Loan, Metadata, error) {
	ds := loanSelect().SelectAppend(goqu.L("count(*) OVER()").As("total"))

	if filters.MemberID > 0 {
		ds = ds.Where(goqu.I("l.member_id").Eq(filters.MemberID))
	}
	if filters.Status != "" {
		ds = ds.Where(loanStatusCondition(filters.Status, now))
	}
	if filters.Search != "" {
		pattern := "%" + filters.Search + "%"
		matchingBooks := goqu.Dialect(dialectPostgres).
			From(goqu.T("loan_books").As("lb")).
			Join(goqu.T("books").As("b"), goqu.On(goqu.I("b.id").Eq(goqu.I("lb.book_id")))).
			Select(goqu.I("lb.loan_id")).
			Where(goqu.Or(
				goqu.I("b.title").ILike(pattern),
				goqu.I("b.author").ILike(pattern),
			))
		ds = ds.Where(goqu.Or(
			goqu.I("m.name").ILike(pattern),
			goqu.I("m.email").ILike(pattern),
			goqu.I("l.id").In(matchingBooks),
		))
	}

	column := goqu.I("l." + filters.sortColumn())
	order := column.Asc().NullsLast()
	if filters.sortDescending() {
		order = column.Desc().NullsLast()
	}

	query, args, err := ds.
		Order(order, goqu.I("l.id").Asc()).
		Limit(uint(filters.limit())).
		Offset(uint(filters.offset())).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("build loan list query: %w", err)
	}

	var rows []loanRow
	if err := m.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, Metadata{}, err
	}

	totalRecords := 0
	loans := make([]*Loan, 0, len(rows))
	for i := range rows {
		totalRecords = rows[i].Total
		loans = append(loans, &rows[i].Loan)
	}

	if err := m.attachBooks(ctx, loans); err != nil {
		return nil, Metadata{}, err
	}

	return loans, calculateMetadata(totalRecords, filters.Page, filters.PageSize), nil
}

// Summary counts loans per derived status at now. memberID 0 counts every loan.
func (m LoanModel) Summary(ctx context.Context, memberID int64, now time.Time) (LoanSummary, error) {
	ds := goqu.Dialect(dialectPostgres).
		From("loans").
		Select(
			goqu.COUNT(goqu.Star()).As("total"),
			goqu.L("count(*) FILTER (WHERE return_date IS NULL AND due_date >= ?)", now).As("borrowed"),
			goqu.L("count(*) FILTER (WHERE return_date IS NOT NULL)").As("returned"),
			goqu.L("count(*) FILTER (WHERE return_date IS NULL AND due_date < ?)", now).As("overdue"),
		)
	if memberID > 0 {
		ds = ds.Where(goqu.I("member_id").Eq(memberID))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return LoanSummary{}, fmt.Errorf("build loan summary query: %w", err)
	}

	var summary LoanSummary
	err = m.DB.GetContext(ctx, &summary, query, args...)
	return summary, err
}

// MarkOverdue persists the overdue status of open loans that are still
// recorded as borrowed. Returned loans are never touched.
func (m LoanModel) MarkOverdue(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := goqu.Dialect(dialectPostgres).
		Update("loans").
		Set(goqu.Record{"status": string(StatusOverdue), "updated_at": goqu.L("NOW()")}).
		Where(
			goqu.I("id").In(ids),
			goqu.I("status").Eq(string(StatusBorrowed)),
			goqu.I("return_date").IsNull(),
		).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build overdue update: %w", err)
	}

	_, err = m.DB.ExecContext(ctx, query, args...)
	return err
}

// attachBooks loads the books of every loan in one query.
func (m LoanModel) attachBooks(ctx context.Context, loans []*Loan) error {
	if len(loans) == 0 {
		return nil
	}

	byID := make(map[int64]*Loan, len(loans))
	ids := make([]int64, 0, len(loans))
	for _, l := range loans {
		l.Books = []LoanBook{}
		byID[l.ID] = l
		ids = append(ids, l.ID)
	}

	query, args, err := goqu.Dialect(dialectPostgres).
		From(goqu.T("loan_books").As("lb")).
		Join(goqu.T("books").As("b"), goqu.On(goqu.I("b.id").Eq(goqu.I("lb.book_id")))).
		Select(goqu.I("lb.loan_id"), goqu.I("b.id"), goqu.I("b.title"), goqu.I("b.author")).
		Where(goqu.I("lb.loan_id").In(ids)).
		Order(goqu.I("lb.loan_id").Asc(), goqu.I("b.id").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build loan books query: %w", err)
	}

	var rows []struct {
		LoanID int64 `db:"loan_id"`
		LoanBook
	}
	if err := m.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return err
	}

	for _, row := range rows {
		if l, ok := byID[row.LoanID]; ok {
			l.Books = append(l.Books, row.LoanBook)
		}
	}
	return nil
}

// loanSelect is the base query for the loan read model.
func loanSelect() *goqu.SelectDataset {
	return goqu.Dialect(dialectPostgres).
		From(goqu.T("loans").As("l")).
		Join(goqu.T("members").As("m"), goqu.On(goqu.I("m.id").Eq(goqu.I("l.member_id")))).
		Select(
			goqu.I("l.id"),
			goqu.I("l.member_id"),
			goqu.I("m.name").As("member_name"),
			goqu.I("m.email").As("member_email"),
			goqu.I("l.borrow_date"),
			goqu.I("l.due_date"),
			goqu.I("l.return_date"),
			goqu.I("l.status"),
			goqu.I("l.created_at"),
			goqu.I("l.updated_at"),
		)
}

// loanStatusCondition matches the derived status rather than the stored column.
func loanStatusCondition(status LoanStatus, now time.Time) exp.Expression {
	switch status {
	case StatusReturned:
		return goqu.I("l.return_date").IsNotNull()
	case StatusOverdue:
		return goqu.And(goqu.I("l.return_date").IsNull(), goqu.I("l.due_date").Lt(now))
	default:
		return goqu.And(goqu.I("l.return_date").IsNull(), goqu.I("l.due_date").Gte(now))
	}
}

// checkLoanRequest applies the request rules every store enforces itself.
func checkLoanRequest(req LoanRequest) error {
	v := validator.New()
	ValidateLoanRequest(v, req)
	return v.Err()
}
