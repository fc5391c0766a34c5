package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ctfleet/internal/config"
	"ctfleet/internal/loglist"
	"ctfleet/internal/statestore"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the resolved log list and persisted per-log cursor state",
	Long: `Status resolves the current CT log list (applying the configured
acceptance policy) and reports, for each log, whether a cursor has been
persisted in the state store and what its value is.

This is the monitor's read-only counterpart: it never polls a log itself,
only the log list document and the on-disk state file.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type logStatusRow struct {
	URL      string `json:"url"`
	Operator string `json:"operator"`
	State    string `json:"state"`
	Known    bool   `json:"known"`
	Cursor   uint64 `json:"cursor"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	store := statestore.New(cfg.StatePath, rootLog)
	if err := store.Load(); err != nil {
		return fmt.Errorf("status: loading state store: %w", err)
	}

	resolver := loglist.New(cfg.LogListURL)
	policy := loglist.AcceptancePolicy{
		IncludeReadonly: cfg.IncludeReadonly,
		IncludePending:  cfg.IncludePending,
		IncludeAll:      cfg.IncludeAll,
	}
	logs, err := resolver.Resolve(context.Background(), policy, cfg.AdditionalLogs, cfg.MaxConcurrentLogs)
	if err != nil {
		return fmt.Errorf("status: resolving log list: %w", err)
	}

	snapshot := store.Snapshot()
	rows := make([]logStatusRow, 0, len(logs))
	for _, l := range logs {
		cursor, known := snapshot[l.URL]
		rows = append(rows, logStatusRow{
			URL:      l.URL,
			Operator: l.Operator,
			State:    string(l.StateTag),
			Known:    known,
			Cursor:   cursor,
		})
	}

	if viper.GetString("output") == "table" {
		printStatusTable(rows)
		return nil
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printStatusTable(rows []logStatusRow) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LOG\tOPERATOR\tSTATE\tCURSOR")
	fmt.Fprintln(w, "---\t--------\t-----\t------")
	for _, r := range rows {
		cursor := "never polled"
		if r.Known {
			cursor = fmt.Sprintf("%d", r.Cursor)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.URL, r.Operator, r.State, cursor)
	}
	w.Flush()
}
