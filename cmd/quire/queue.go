package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/quire/internal/config"
	"github.com/hyperengineering/quire/internal/queue"
	"github.com/hyperengineering/quire/internal/store"
	"github.com/hyperengineering/quire/pkg/clock"
	"github.com/hyperengineering/quire/pkg/protocol"
)

var (
	queueJSONOutput    bool
	queueUserFilter    string
	queueRetentionDays int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the server operation queue",
	Long:  "Show queue statistics, recover expired leases, and remove old operations without running the server.",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-user queue statistics",
	Args:  cobra.NoArgs,
	RunE:  runQueueStats,
}

var queueRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Return operations with expired leases to pending",
	Args:  cobra.NoArgs,
	RunE:  runQueueRecover,
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished operations past retention",
	Args:  cobra.NoArgs,
	RunE:  runQueueCleanup,
}

func init() {
	queueCmd.PersistentFlags().BoolVar(&queueJSONOutput, "json", false, "Output in JSON format")
	queueStatsCmd.Flags().StringVar(&queueUserFilter, "user", "", "Only show this user")
	queueCleanupCmd.Flags().IntVar(&queueRetentionDays, "retention-days", 0,
		"Retention in days (overrides config and QUIRE_RETENTION_DAYS)")

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueRecoverCmd)
	queueCmd.AddCommand(queueCleanupCmd)
}

// openQueue loads configuration and opens the queue over the configured
// database.
func openQueue() (*queue.Service, *config.Config, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	return queue.NewService(db, clock.New(), nil, queueOptions(cfg.Queue)), cfg, db.Close, nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	q, _, closeFn, err := openQueue()
	if err != nil {
		return err
	}
	defer closeFn()

	users := []string{queueUserFilter}
	if queueUserFilter == "" {
		if users, err = q.Users(ctx, false); err != nil {
			return err
		}
	}

	stats := make([]protocol.QueueStats, 0, len(users))
	for _, u := range users {
		s, err := q.Stats(ctx, u)
		if err != nil {
			return err
		}
		stats = append(stats, s)
	}

	out := cmd.OutOrStdout()
	if queueJSONOutput {
		return printJSON(out, stats)
	}
	if len(stats) == 0 {
		fmt.Fprintln(out, "No queued operations.")
		return nil
	}

	tw := newTabWriter(out)
	fmt.Fprintln(tw, "USER\tPENDING\tPROCESSING\tCOMPLETED\tFAILED\tFAILURE RATE")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.1f%%\n",
			s.UserID, s.Pending, s.Processing, s.Completed, s.Failed, s.FailureRate*100)
	}
	return tw.Flush()
}

func runQueueRecover(cmd *cobra.Command, args []string) error {
	q, _, closeFn, err := openQueue()
	if err != nil {
		return err
	}
	defer closeFn()

	pending, err := q.RecoverQueue(cmd.Context(), "")
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if queueJSONOutput {
		return printJSON(out, map[string]any{"pending": len(pending)})
	}
	fmt.Fprintf(out, "Recovery complete: %d operations pending.\n", len(pending))
	return nil
}

func runQueueCleanup(cmd *cobra.Command, args []string) error {
	q, cfg, closeFn, err := openQueue()
	if err != nil {
		return err
	}
	defer closeFn()

	days := cfg.Queue.RetentionDays
	if queueRetentionDays > 0 {
		days = queueRetentionDays
	}

	removed, err := q.CleanupOldOperations(cmd.Context(), days)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if queueJSONOutput {
		return printJSON(out, map[string]any{"removed": removed, "retention_days": days})
	}
	fmt.Fprintf(out, "Removed %d operations older than %d days.\n", removed, days)
	return nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
