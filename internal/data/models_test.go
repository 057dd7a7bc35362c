package data

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aoideee/library-lending/internal/validator"
)

func Test_ValidateFilters(t *testing.T) {
	tests := []struct {
		name    string
		filters Filters
		field   string
	}{
		{"valid", Filters{Page: 1, PageSize: 20, Sort: "-title", SortSafeList: BookSortSafeList}, ""},
		{"zero page", Filters{Page: 0, PageSize: 20, Sort: "id", SortSafeList: BookSortSafeList}, "page"},
		{"huge page", Filters{Page: 10_000_001, PageSize: 20, Sort: "id", SortSafeList: BookSortSafeList}, "page"},
		{"page size too large", Filters{Page: 1, PageSize: 101, Sort: "id", SortSafeList: BookSortSafeList}, "page_size"},
		{"unsafe sort", Filters{Page: 1, PageSize: 20, Sort: "title; DROP TABLE books", SortSafeList: BookSortSafeList}, "sort"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := validator.New()
			ValidateFilters(v, tt.filters)

			if tt.field == "" {
				assert.True(t, v.Valid())
				return
			}
			assert.Contains(t, v.Errors, tt.field)
		})
	}
}

func Test_Filters_SortColumn(t *testing.T) {
	f := Filters{Sort: "-due_date", SortSafeList: LoanSortSafeList}
	assert.Equal(t, "due_date", f.sortColumn())
	assert.True(t, f.sortDescending())

	f.Sort = "member_id"
	assert.Equal(t, "id", f.sortColumn())
}

func Test_Paginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	page, metadata := paginate(items, Filters{Page: 2, PageSize: 2})
	assert.Equal(t, []int{3, 4}, page)
	assert.Equal(t, Metadata{CurrentPage: 2, PageSize: 2, FirstPage: 1, LastPage: 3, TotalRecords: 5}, metadata)

	page, _ = paginate(items, Filters{Page: 4, PageSize: 2})
	assert.Empty(t, page)

	page, metadata = paginate([]int{}, Filters{Page: 1, PageSize: 2})
	assert.Empty(t, page)
	assert.Equal(t, Metadata{}, metadata)
}

func Test_OutOfStockError_Is(t *testing.T) {
	err := fmt.Errorf("borrow: %w", &OutOfStockError{BookID: 7, Requested: 1})

	assert.True(t, errors.Is(err, ErrOutOfStock))
	assert.False(t, errors.Is(err, ErrRecordNotFound))
	assert.EqualError(t, err, "borrow: book 7 is out of stock (requested 1, available 0)")
}
