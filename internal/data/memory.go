package data

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// NewMemoryModels returns a Models value backed by process memory. It serves
// the mock-data mode of the API and the test suite; nothing is persisted.
//
// Locking: mu guards the book and member maps, loansMu guards the loans.
// Whenever both are needed mu is taken first. Stock lives in an atomic
// counter per book so reservations only ever need mu for reading.
func NewMemoryModels() Models {
	db := &memoryDB{
		books:   make(map[int64]*memoryBook),
		members: make(map[int64]*Member),
		emails:  make(map[string]int64),
		loans:   make(map[int64]*memoryLoan),
		clock:   time.Now,
	}
	return Models{
		Books:   memoryBooks{db},
		Members: memoryMembers{db},
		Loans:   memoryLoans{db},
	}
}

type memoryBook struct {
	Book // Stock field unused; see stock
	stock atomic.Int64
}

func (b *memoryBook) snapshot() *Book {
	book := b.Book
	book.Stock = int(b.stock.Load())
	return &book
}

type memoryLoan struct {
	Loan // MemberName, MemberEmail and Books are filled in on read
	bookIDs []int64
}

type memoryDB struct {
	mu         sync.RWMutex
	books      map[int64]*memoryBook
	members    map[int64]*Member
	emails     map[string]int64
	lastBookID int64
	lastMember int64
	memberSeq  atomic.Int64

	loansMu    sync.Mutex
	loans      map[int64]*memoryLoan
	lastLoanID int64

	clock func() time.Time
}

func (db *memoryDB) now() time.Time {
	return db.clock().UTC().Truncate(time.Second)
}

// referencedLocked reports whether any loan, open or closed, points at the
// book or member. Callers hold mu and loansMu.
func (db *memoryDB) referencedLocked(match func(*memoryLoan) bool) bool {
	for _, l := range db.loans {
		if match(l) {
			return true
		}
	}
	return false
}

// reserveLocked is a CAS loop on the book's counter. Callers hold mu for reading.
func (db *memoryDB) reserveLocked(id int64, qty int) (int, error) {
	if qty < 1 {
		return 0, invalidQuantity()
	}
	b, ok := db.books[id]
	if !ok {
		return 0, fmt.Errorf("book %d: %w", id, ErrRecordNotFound)
	}
	for {
		current := b.stock.Load()
		if current < int64(qty) {
			return 0, &OutOfStockError{BookID: id, Requested: qty, Available: int(current)}
		}
		if b.stock.CompareAndSwap(current, current-int64(qty)) {
			return int(current) - qty, nil
		}
	}
}

func (db *memoryDB) releaseLocked(id int64, qty int) (int, error) {
	if qty < 1 {
		return 0, invalidQuantity()
	}
	b, ok := db.books[id]
	if !ok {
		return 0, fmt.Errorf("book %d: %w", id, ErrRecordNotFound)
	}
	return int(b.stock.Add(int64(qty))), nil
}

// loanViewLocked builds the read model of l. Callers hold mu and loansMu.
func (db *memoryDB) loanViewLocked(l *memoryLoan) *Loan {
	loan := l.Loan
	if m, ok := db.members[l.MemberID]; ok {
		loan.MemberName = m.Name
		loan.MemberEmail = m.Email
	}
	if l.ReturnDate != nil {
		rd := *l.ReturnDate
		loan.ReturnDate = &rd
	}
	loan.Books = make([]LoanBook, 0, len(l.bookIDs))
	for _, id := range l.bookIDs {
		if b, ok := db.books[id]; ok {
			loan.Books = append(loan.Books, LoanBook{ID: id, Title: b.Title, Author: b.Author})
		}
	}
	return &loan
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// sortRecords orders items by the filter's sort value, ties broken by id.
func sortRecords[T any](items []T, f Filters, keys map[string]func(a, b T) int, id func(T) int64) {
	compare, ok := keys[f.sortColumn()]
	if !ok {
		compare = func(a, b T) int { return cmp.Compare(id(a), id(b)) }
	}
	desc := f.sortDescending()
	slices.SortStableFunc(items, func(a, b T) int {
		c := compare(a, b)
		if desc {
			c = -c
		}
		if c == 0 {
			c = cmp.Compare(id(a), id(b))
		}
		return c
	})
}

type memoryBooks struct{ db *memoryDB }

func (s memoryBooks) Insert(_ context.Context, book *Book) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	now := s.db.now()
	s.db.lastBookID++
	book.ID = s.db.lastBookID
	book.CreatedAt = now
	book.UpdatedAt = now

	b := &memoryBook{Book: *book}
	b.stock.Store(int64(book.Stock))
	s.db.books[book.ID] = b
	return nil
}

func (s memoryBooks) Get(_ context.Context, id int64) (*Book, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	b, ok := s.db.books[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return b.snapshot(), nil
}

var bookSortKeys = map[string]func(a, b *Book) int{
	"title":    func(a, b *Book) int { return cmp.Compare(a.Title, b.Title) },
	"author":   func(a, b *Book) int { return cmp.Compare(a.Author, b.Author) },
	"category": func(a, b *Book) int { return cmp.Compare(a.Category, b.Category) },
	"stock":    func(a, b *Book) int { return cmp.Compare(a.Stock, b.Stock) },
}

func (s memoryBooks) GetAll(_ context.Context, filters BookFilters) ([]*Book, Metadata, error) {
	s.db.mu.RLock()
	books := make([]*Book, 0, len(s.db.books))
	for _, b := range s.db.books {
		book := b.snapshot()
		if filters.Search != "" && !containsFold(book.Title, filters.Search) && !containsFold(book.Author, filters.Search) {
			continue
		}
		if filters.Category != "" && book.Category != filters.Category {
			continue
		}
		books = append(books, book)
	}
	s.db.mu.RUnlock()

	sortRecords(books, filters.Filters, bookSortKeys, func(b *Book) int64 { return b.ID })
	page, metadata := paginate(books, filters.Filters)
	return page, metadata, nil
}

// Update writes stock as a CAS against the level the caller read, so a loan
// that moved stock in between turns the update into ErrEditConflict.
func (s memoryBooks) Update(_ context.Context, book *Book, stock *StockChange) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	b, ok := s.db.books[book.ID]
	if !ok {
		return ErrRecordNotFound
	}
	if stock != nil && !b.stock.CompareAndSwap(int64(stock.From), int64(stock.To)) {
		return ErrEditConflict
	}

	b.Title = book.Title
	b.Author = book.Author
	b.Category = book.Category
	b.UpdatedAt = s.db.now()

	book.CreatedAt = b.CreatedAt
	book.UpdatedAt = b.UpdatedAt
	book.Stock = int(b.stock.Load())
	return nil
}

func (s memoryBooks) Delete(_ context.Context, id int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, ok := s.db.books[id]; !ok {
		return ErrRecordNotFound
	}

	s.db.loansMu.Lock()
	inUse := s.db.referencedLocked(func(l *memoryLoan) bool { return slices.Contains(l.bookIDs, id) })
	s.db.loansMu.Unlock()
	if inUse {
		return ErrRecordInUse
	}

	delete(s.db.books, id)
	return nil
}

func (s memoryBooks) Reserve(_ context.Context, id int64, qty int) (int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return s.db.reserveLocked(id, qty)
}

func (s memoryBooks) Release(_ context.Context, id int64, qty int) (int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return s.db.releaseLocked(id, qty)
}

type memoryMembers struct{ db *memoryDB }

func (s memoryMembers) Insert(_ context.Context, member *Member) error {
	member.Email = normalizeEmail(member.Email)

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, taken := s.db.emails[member.Email]; taken {
		return ErrDuplicateEmail
	}

	now := s.db.now()
	s.db.lastMember++
	member.ID = s.db.lastMember
	member.MemberCode = FormatMemberCode(s.db.memberSeq.Add(1))
	member.CreatedAt = now
	member.UpdatedAt = now

	stored := *member
	s.db.members[member.ID] = &stored
	s.db.emails[member.Email] = member.ID
	return nil
}

func (s memoryMembers) Get(_ context.Context, id int64) (*Member, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	m, ok := s.db.members[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	member := *m
	return &member, nil
}

var memberSortKeys = map[string]func(a, b *Member) int{
	"name":        func(a, b *Member) int { return cmp.Compare(a.Name, b.Name) },
	"email":       func(a, b *Member) int { return cmp.Compare(a.Email, b.Email) },
	"member_code": func(a, b *Member) int { return cmp.Compare(a.ID, b.ID) }, // codes follow creation order
}

func (s memoryMembers) GetAll(_ context.Context, filters MemberFilters) ([]*Member, Metadata, error) {
	s.db.mu.RLock()
	members := make([]*Member, 0, len(s.db.members))
	for _, m := range s.db.members {
		if filters.Search != "" && !containsFold(m.Name, filters.Search) &&
			!containsFold(m.Email, filters.Search) && !containsFold(m.MemberCode, filters.Search) {
			continue
		}
		member := *m
		members = append(members, &member)
	}
	s.db.mu.RUnlock()

	sortRecords(members, filters.Filters, memberSortKeys, func(m *Member) int64 { return m.ID })
	page, metadata := paginate(members, filters.Filters)
	return page, metadata, nil
}

func (s memoryMembers) Update(_ context.Context, member *Member) error {
	member.Email = normalizeEmail(member.Email)

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	current, ok := s.db.members[member.ID]
	if !ok {
		return ErrRecordNotFound
	}
	if owner, taken := s.db.emails[member.Email]; taken && owner != member.ID {
		return ErrDuplicateEmail
	}

	delete(s.db.emails, current.Email)
	s.db.emails[member.Email] = member.ID

	current.Name = member.Name
	current.Email = member.Email
	current.UpdatedAt = s.db.now()

	member.MemberCode = current.MemberCode
	member.CreatedAt = current.CreatedAt
	member.UpdatedAt = current.UpdatedAt
	return nil
}

func (s memoryMembers) Delete(_ context.Context, id int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	m, ok := s.db.members[id]
	if !ok {
		return ErrRecordNotFound
	}

	s.db.loansMu.Lock()
	inUse := s.db.referencedLocked(func(l *memoryLoan) bool { return l.MemberID == id })
	s.db.loansMu.Unlock()
	if inUse {
		return ErrRecordInUse
	}

	delete(s.db.emails, m.Email)
	delete(s.db.members, id)
	return nil
}

type memoryLoans struct{ db *memoryDB }

// Create reserves every book, undoing earlier reservations of the same request
// when a later one fails, and only then records the loan.
func (s memoryLoans) Create(_ context.Context, req LoanRequest) (*Loan, error) {
	if err := checkLoanRequest(req); err != nil {
		return nil, err
	}

	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	if _, ok := s.db.members[req.MemberID]; !ok {
		return nil, fmt.Errorf("member %d: %w", req.MemberID, ErrRecordNotFound)
	}

	bookIDs := slices.Clone(req.BookIDs)
	slices.Sort(bookIDs)
	for i, id := range bookIDs {
		if _, err := s.db.reserveLocked(id, 1); err != nil {
			for _, reserved := range bookIDs[:i] {
				s.db.releaseLocked(reserved, 1)
			}
			return nil, err
		}
	}

	s.db.loansMu.Lock()
	defer s.db.loansMu.Unlock()

	now := s.db.now()
	s.db.lastLoanID++
	l := &memoryLoan{
		Loan: Loan{
			ID:         s.db.lastLoanID,
			MemberID:   req.MemberID,
			BorrowDate: req.BorrowDate,
			DueDate:    req.DueDate,
			Status:     StatusBorrowed,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		bookIDs: bookIDs,
	}
	s.db.loans[l.ID] = l

	return s.db.loanViewLocked(l), nil
}

func (s memoryLoans) MarkReturned(_ context.Context, id int64, returnDate time.Time) (*Loan, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	s.db.loansMu.Lock()
	defer s.db.loansMu.Unlock()

	l, ok := s.db.loans[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if l.ReturnDate != nil {
		return nil, ErrAlreadyReturned
	}
	if err := validateReturnDate(l.BorrowDate, returnDate); err != nil {
		return nil, err
	}

	rd := returnDate
	l.ReturnDate = &rd
	l.Status = StatusReturned
	l.UpdatedAt = s.db.now()

	// Referenced books cannot be deleted, so every release finds its book.
	for _, bookID := range l.bookIDs {
		if _, err := s.db.releaseLocked(bookID, 1); err != nil {
			return nil, err
		}
	}

	return s.db.loanViewLocked(l), nil
}

func (s memoryLoans) Get(_ context.Context, id int64) (*Loan, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	s.db.loansMu.Lock()
	defer s.db.loansMu.Unlock()

	l, ok := s.db.loans[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return s.db.loanViewLocked(l), nil
}

var loanSortKeys = map[string]func(a, b *Loan) int{
	"borrow_date": func(a, b *Loan) int { return a.BorrowDate.Compare(b.BorrowDate) },
	"due_date":    func(a, b *Loan) int { return a.DueDate.Compare(b.DueDate) },
	"return_date": func(a, b *Loan) int {
		switch {
		case a.ReturnDate == nil && b.ReturnDate == nil:
			return 0
		case a.ReturnDate == nil:
			return 1
		case b.ReturnDate == nil:
			return -1
		}
		return a.ReturnDate.Compare(*b.ReturnDate)
	},
}

// matchesLoan applies the member, status and search filters to the read model.
func matchesLoan(l *Loan, filters LoanFilters, now time.Time) bool {
	if filters.MemberID > 0 && l.MemberID != filters.MemberID {
		return false
	}
	if filters.Status != "" && l.StatusAt(now) != filters.Status {
		return false
	}
	if filters.Search == "" {
		return true
	}
	if containsFold(l.MemberName, filters.Search) || containsFold(l.MemberEmail, filters.Search) {
		return true
	}
	for _, b := range l.Books {
		if containsFold(b.Title, filters.Search) || containsFold(b.Author, filters.Search) {
			return true
		}
	}
	return false
}

func (s memoryLoans) GetAll(_ context.Context, filters LoanFilters, now time.Time) ([]*Loan, Metadata, error) {
	s.db.mu.RLock()
	s.db.loansMu.Lock()
	loans := make([]*Loan, 0, len(s.db.loans))
	for _, l := range s.db.loans {
		view := s.db.loanViewLocked(l)
		if matchesLoan(view, filters, now) {
			loans = append(loans, view)
		}
	}
	s.db.loansMu.Unlock()
	s.db.mu.RUnlock()

	sortRecords(loans, filters.Filters, loanSortKeys, func(l *Loan) int64 { return l.ID })
	page, metadata := paginate(loans, filters.Filters)
	return page, metadata, nil
}

func (s memoryLoans) Summary(_ context.Context, memberID int64, now time.Time) (LoanSummary, error) {
	s.db.loansMu.Lock()
	defer s.db.loansMu.Unlock()

	var summary LoanSummary
	for _, l := range s.db.loans {
		if memberID > 0 && l.MemberID != memberID {
			continue
		}
		summary.Total++
		switch l.StatusAt(now) {
		case StatusBorrowed:
			summary.Borrowed++
		case StatusReturned:
			summary.Returned++
		case StatusOverdue:
			summary.Overdue++
		}
	}
	return summary, nil
}

func (s memoryLoans) MarkOverdue(_ context.Context, ids []int64) error {
	s.db.loansMu.Lock()
	defer s.db.loansMu.Unlock()

	now := s.db.now()
	for _, id := range ids {
		l, ok := s.db.loans[id]
		if !ok || l.ReturnDate != nil || l.Status != StatusBorrowed {
			continue
		}
		l.Status = StatusOverdue
		l.UpdatedAt = now
	}
	return nil
}
