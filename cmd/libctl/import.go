package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aoideee/library-lending/internal/data"
	"github.com/aoideee/library-lending/internal/validator"
)

var bookColumns = []string{"title", "author", "category", "stock"}

type rowError struct {
	Line int
	Err  error
}

type importReport struct {
	Books  []*data.Book
	Errors []rowError
}

// importBooks reads a CSV catalogue and inserts every valid row. Columns are
// located by header name, so their order does not matter. A row that fails
// validation is recorded and skipped; a store failure aborts the import.
func importBooks(ctx context.Context, store data.BookStore, r io.Reader) (importReport, error) {
	var report importReport

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return report, errors.New("csv file is empty")
		}
		return report, err
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range bookColumns {
		if _, ok := index[col]; !ok {
			return report, fmt.Errorf("csv header is missing the %q column", col)
		}
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return report, err
			}
			report.Errors = append(report.Errors, rowError{Line: parseErr.StartLine, Err: parseErr.Err})
			continue
		}
		line, _ := reader.FieldPos(0)

		book, err := parseBookRecord(record, index)
		if err != nil {
			report.Errors = append(report.Errors, rowError{Line: line, Err: err})
			continue
		}

		if err := store.Insert(ctx, book); err != nil {
			return report, fmt.Errorf("line %d: %w", line, err)
		}
		report.Books = append(report.Books, book)
	}

	return report, nil
}

func parseBookRecord(record []string, index map[string]int) (*data.Book, error) {
	field := func(col string) string {
		i := index[col]
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	v := validator.New()
	book := &data.Book{
		Title:    field("title"),
		Author:   field("author"),
		Category: field("category"),
	}

	stock, err := strconv.Atoi(field("stock"))
	if err != nil {
		v.AddError("stock", "must be an integer value")
	}
	book.Stock = stock

	data.ValidateBook(v, book)
	return book, v.Err()
}
