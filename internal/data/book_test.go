package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_bookUpdateQuery(t *testing.T) {
	book := &Book{ID: 1, Title: "Dune", Author: "Frank Herbert", Category: "Fiction", Stock: 9}

	t.Run("stock untouched", func(t *testing.T) {
		query, args, err := bookUpdateQuery(book, nil)

		require.NoError(t, err)
		assert.NotContains(t, query, `"stock"=`)
		assert.NotContains(t, query, `"stock" =`)
		assert.Contains(t, query, `RETURNING "stock", "updated_at"`)
		assert.Equal(t, []any{"Frank Herbert", "Fiction", "Dune", int64(1)}, args)
	})

	t.Run("stock guarded by the level it was read at", func(t *testing.T) {
		query, args, err := bookUpdateQuery(book, &StockChange{From: 2, To: 5})

		require.NoError(t, err)
		assert.Contains(t, query, `("id" = $5)`)
		assert.Contains(t, query, `("stock" = $6)`)
		assert.Equal(t, []any{"Frank Herbert", "Fiction", 5, "Dune", int64(1), 2}, args)
	})
}

func Test_UpdateBookInput_StockChange(t *testing.T) {
	assert.Nil(t, UpdateBookInput{}.StockChange(3))

	stock := 7
	assert.Equal(t, &StockChange{From: 3, To: 7}, UpdateBookInput{Stock: &stock}.StockChange(3))
}
