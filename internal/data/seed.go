package data

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAlreadySeeded is returned by Seed when the store already holds books.
var ErrAlreadySeeded = errors.New("store already contains data")

// SeedResult counts the records Seed created.
type SeedResult struct {
	Books   int
	Members int
	Loans   int
}

var seedBooks = []Book{
	{Title: "Belajar React", Author: "Developer A", Category: "Programming", Stock: 5},
	{Title: "PHP untuk Pemula", Author: "Developer B", Category: "Programming", Stock: 3},
	{Title: "Database MySQL", Author: "Developer C", Category: "Database", Stock: 4},
	{Title: "Pemrograman Laravel", Author: "Developer D", Category: "Programming", Stock: 2},
	{Title: "Test Book", Author: "Test Author", Category: "Fiction", Stock: 10},
}

var seedMembers = []Member{
	{Name: "John Doe", Email: "john@example.com"},
	{Name: "Jane Smith", Email: "jane@example.com"},
	{Name: "Bob Johnson", Email: "bob@example.com"},
}

// seedLoan offsets are days relative to the seeding time so the sample keeps
// one loan of each status however late it is loaded.
type seedLoan struct {
	member   int   // index into seedMembers
	books    []int // indexes into seedBooks
	borrow   int
	due      int
	returned *int
}

func daysPtr(d int) *int { return &d }

var seedLoans = []seedLoan{
	{member: 0, books: []int{0, 1}, borrow: -2, due: 5},
	{member: 1, books: []int{2}, borrow: -7, due: 0, returned: daysPtr(-1)},
	{member: 2, books: []int{3}, borrow: -14, due: -7},
}

// Seed loads the sample catalogue, members and loans through the regular store
// operations, so stock levels reflect the open loans. The overdue sample loan
// is persisted as overdue.
func Seed(ctx context.Context, models Models, now time.Time) (SeedResult, error) {
	var result SeedResult

	_, metadata, err := models.Books.GetAll(ctx, BookFilters{
		Filters: Filters{Page: 1, PageSize: 1, Sort: "id", SortSafeList: BookSortSafeList},
	})
	if err != nil {
		return result, err
	}
	if metadata.TotalRecords > 0 {
		return result, ErrAlreadySeeded
	}

	bookIDs := make([]int64, len(seedBooks))
	for i := range seedBooks {
		book := seedBooks[i]
		if err := models.Books.Insert(ctx, &book); err != nil {
			return result, fmt.Errorf("seed book %q: %w", book.Title, err)
		}
		bookIDs[i] = book.ID
		result.Books++
	}

	memberIDs := make([]int64, len(seedMembers))
	for i := range seedMembers {
		member := seedMembers[i]
		if err := models.Members.Insert(ctx, &member); err != nil {
			return result, fmt.Errorf("seed member %q: %w", member.Email, err)
		}
		memberIDs[i] = member.ID
		result.Members++
	}

	day := 24 * time.Hour
	var overdue []int64
	for _, sl := range seedLoans {
		req := LoanRequest{
			MemberID:   memberIDs[sl.member],
			BorrowDate: now.Add(time.Duration(sl.borrow) * day),
			DueDate:    now.Add(time.Duration(sl.due) * day),
		}
		for _, b := range sl.books {
			req.BookIDs = append(req.BookIDs, bookIDs[b])
		}

		loan, err := models.Loans.Create(ctx, req)
		if err != nil {
			return result, fmt.Errorf("seed loan: %w", err)
		}
		result.Loans++

		if sl.returned != nil {
			if _, err := models.Loans.MarkReturned(ctx, loan.ID, now.Add(time.Duration(*sl.returned)*day)); err != nil {
				return result, fmt.Errorf("seed return: %w", err)
			}
			continue
		}
		if loan.StatusAt(now) == StatusOverdue {
			overdue = append(overdue, loan.ID)
		}
	}

	return result, models.Loans.MarkOverdue(ctx, overdue)
}
