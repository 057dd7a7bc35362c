package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aoideee/library-lending/internal/data"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStorage(cmd, func(ctx context.Context, s *storage) error {
				applied, err := s.migrate(ctx)
				if err != nil {
					return err
				}
				for _, name := range applied {
					c.logger.Info("migration applied", "file", name)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Schema up to date (%d migrations)\n", len(applied))
				return nil
			})
		},
	}
}

func (c *cli) seedCmd() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the sample books, members and borrowings",
		Long: "Load the sample books, members and borrowings. Loan dates are relative to now,\n" +
			"so one borrowing is open, one is returned and one is overdue.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStorage(cmd, func(ctx context.Context, s *storage) error {
				res, err := data.Seed(ctx, s.models, time.Now())
				if errors.Is(err, data.ErrAlreadySeeded) && !strict {
					c.logger.Warn("database already holds books, nothing seeded")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d books, %d members, %d borrowings\n", res.Books, res.Members, res.Loans)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Fail when the database already holds books")
	return cmd
}

func (c *cli) importBooksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-books FILE",
		Short: "Import books from a CSV file",
		Long: "Import books from a CSV file with the header title,author,category,stock.\n" +
			"Rows that fail validation are reported and skipped.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			return c.withStorage(cmd, func(ctx context.Context, s *storage) error {
				out := cmd.OutOrStdout()
				report, err := importBooks(ctx, s.models.Books, f)
				if err != nil {
					return err
				}

				for _, rowErr := range report.Errors {
					c.logger.Warn("row skipped", "line", rowErr.Line, "error", rowErr.Err)
				}

				fmt.Fprintf(out, "Imported: %d books\n", len(report.Books))
				fmt.Fprintf(out, "Errors: %d\n", len(report.Errors))
				if len(report.Books) > 0 {
					fmt.Fprintf(out, "\n%-5s %-40s %-30s %5s\n", "ID", "Title", "Author", "Stock")
					fmt.Fprintln(out, strings.Repeat("-", 83))
					for _, b := range report.Books {
						fmt.Fprintf(out, "%-5d %-40s %-30s %5d\n", b.ID, truncate(b.Title, 40), truncate(b.Author, 30), b.Stock)
					}
				}
				return nil
			})
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
