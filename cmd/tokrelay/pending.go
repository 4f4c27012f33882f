package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/blackmichael/tokrelay/internal/domain"
	"github.com/blackmichael/tokrelay/internal/sqlite"
)

func newPendingCmd() *cobra.Command {
	var creator string

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List downloaded posts that have not been delivered yet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ledger, err := sqlite.Open(cmd.Context(), cfg.Settings.DatabasePath, logger)
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer ledger.Close()

			records, err := ledger.GetIncomplete(cmd.Context(), creator)
			if err != nil {
				return err
			}
			printPending(cmd.OutOrStdout(), records)
			return nil
		},
	}

	cmd.Flags().StringVar(&creator, "creator", "", "only list posts of this creator")
	return cmd
}

func printPending(w io.Writer, records []domain.Record) {
	cyan := color.New(color.FgCyan).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()

	if len(records) == 0 {
		fmt.Fprintln(w, green("✓ no pending uploads"))
		return
	}

	fmt.Fprintln(w, yellow(fmt.Sprintf("%d pending upload(s):", len(records))))
	for _, r := range records {
		downloaded := "unknown"
		if r.DownloadedAt != nil {
			downloaded = r.DownloadedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "  %s  @%s  %-9s  %d file(s)  %s\n",
			cyan(r.PostID), r.Creator, r.Kind, len(r.Media.Files()), downloaded)
	}
}
