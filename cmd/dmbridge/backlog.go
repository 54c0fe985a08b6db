package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/TPE1314/T/internal/clifmt"
	"github.com/TPE1314/T/internal/logutil"
	"github.com/TPE1314/T/internal/statepaths"
	"github.com/TPE1314/T/ledger"
	"github.com/spf13/cobra"
)

func newBacklogCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "backlog",
		Short: "List messages with zero replies, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			store, err := ledger.Open(statepaths.LedgerDir(), ledger.StoreOptions{Logger: logger})
			if err != nil {
				return err
			}
			defer store.Close()

			messages, err := store.Unreplied()
			if err != nil {
				return err
			}
			if outputJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(messages)
			}
			rows := make([]clifmt.NameDetailRow, 0, len(messages))
			for _, m := range messages {
				detail := fmt.Sprintf("%s %s from %s", m.CreatedAt.Format("2006-01-02 15:04:05"), m.Kind, m.UserID)
				if m.Content != "" {
					detail += ": " + m.Content
				}
				rows = append(rows, clifmt.NameDetailRow{Name: fmt.Sprintf("#%d", m.ID), Detail: detail})
			}
			clifmt.PrintNameDetailTable(cmd.OutOrStdout(), clifmt.NameDetailTableOptions{
				Title:        "Unreplied messages",
				Rows:         rows,
				EmptyText:    "No unreplied messages.",
				NameHeader:   "MSG",
				DetailHeader: "DETAILS",
			})
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print registry and ledger statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			svc, err := brokerFromViper(cmd.Context(), logger)
			if err != nil {
				return err
			}
			store, err := ledger.Open(statepaths.LedgerDir(), ledger.StoreOptions{Logger: logger})
			if err != nil {
				return err
			}
			defer store.Close()

			ledgerStats, err := store.Stats()
			if err != nil {
				return err
			}
			out := map[string]any{
				"registry": svc.Stats(),
				"ledger":   ledgerStats,
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	return cmd
}
