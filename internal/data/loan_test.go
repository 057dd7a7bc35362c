package data_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aoideee/library-lending/internal/data"
)

func Test_Loan_StatusAt(t *testing.T) {
	borrow := time.Date(2025, 7, 20, 10, 0, 0, 0, time.UTC)
	due := borrow.Add(7 * 24 * time.Hour)
	onDue := due
	late := due.Add(3 * 24 * time.Hour)

	tests := []struct {
		name         string
		returnDate   *time.Time
		now          time.Time
		expected     data.LoanStatus
		expectedDays int
	}{
		{"open before due", nil, borrow.Add(time.Hour), data.StatusBorrowed, 0},
		{"open exactly at due", nil, due, data.StatusBorrowed, 0},
		{"open one second late", nil, due.Add(time.Second), data.StatusOverdue, 1},
		{"open three days late", nil, due.Add(72 * time.Hour), data.StatusOverdue, 3},
		{"open partly into fourth day", nil, due.Add(73 * time.Hour), data.StatusOverdue, 4},
		{"returned on due date", &onDue, due.Add(30 * 24 * time.Hour), data.StatusReturned, 0},
		{"returned late", &late, late.Add(time.Hour), data.StatusReturned, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loan := &data.Loan{BorrowDate: borrow, DueDate: due, ReturnDate: tt.returnDate}

			assert.Equal(t, tt.expected, loan.StatusAt(tt.now))
			assert.Equal(t, tt.expectedDays, loan.DaysOverdueAt(tt.now))
		})
	}
}

func Test_Loan_Project(t *testing.T) {
	due := time.Date(2025, 7, 27, 10, 0, 0, 0, time.UTC)
	now := due.Add(48 * time.Hour)

	lagging := &data.Loan{DueDate: due, Status: data.StatusBorrowed}
	assert.True(t, lagging.Project(now))
	assert.Equal(t, data.StatusOverdue, lagging.Status)
	assert.Equal(t, 2, lagging.DaysOverdue)

	persisted := &data.Loan{DueDate: due, Status: data.StatusOverdue}
	assert.False(t, persisted.Project(now))

	returnDate := now
	returned := &data.Loan{DueDate: due, ReturnDate: &returnDate, Status: data.StatusReturned}
	assert.False(t, returned.Project(now.Add(time.Hour)))
	assert.Equal(t, data.StatusReturned, returned.Status)
	assert.Zero(t, returned.DaysOverdue)
}

func Test_Loan_BookIDs(t *testing.T) {
	loan := &data.Loan{Books: []data.LoanBook{{ID: 3}, {ID: 1}}}
	assert.Equal(t, []int64{3, 1}, loan.BookIDs())
}

func Test_FormatMemberCode(t *testing.T) {
	tests := []struct {
		n        int64
		expected string
	}{
		{1, "MBR001"},
		{2, "MBR002"},
		{42, "MBR042"},
		{999, "MBR999"},
		{1000, "MBR1000"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, data.FormatMemberCode(tt.n))
	}
}
