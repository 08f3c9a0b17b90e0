package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jnesss/pgcpu-recorder/database"
	"github.com/jnesss/pgcpu-recorder/record"
)

func newReportCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "report [file]",
		Short: "Summarize a record stream by database, user and origin",
		Long: `report reads a record stream (a file, or stdin when no file or - is
given) and prints CPU milliseconds, share of the total and record count per
database, per user and per client origin. The two aggregate postmaster rows
are reported separately and left out of the totals.

With --db the records are read from a sqlite file written by 'track --db'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				summary *record.Summary
				err     error
			)
			if dbPath != "" {
				summary, err = summarizeDB(dbPath)
			} else {
				summary, err = summarizeFile(args, cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			if err := summary.Print(cmd.OutOrStdout()); err != nil {
				return err
			}
			if summary.Skipped > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipped %d malformed lines\n", summary.Skipped)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Read records from this sqlite file")
	return cmd
}

func summarizeFile(args []string, stdin io.Reader) (*record.Summary, error) {
	if len(args) == 0 || args[0] == "-" {
		return record.Summarize(stdin)
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to open record file: %w", err)
	}
	defer f.Close()
	return record.Summarize(f)
}

func summarizeDB(path string) (*record.Summary, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open record database: %w", err)
	}
	db, err := database.NewDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	summary := record.NewSummary()
	if err := db.EachRecord(summary.Add); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return summary, nil
}
