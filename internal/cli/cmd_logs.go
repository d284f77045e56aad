package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/echelon-run/echelon/internal/eventindex"
)

// newLogsCmd creates the logs command
func newLogsCmd() *cobra.Command {
	var (
		taskID string
		evType string
		since  string
		where  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Filter the run's structured event log",
		Long: `Query the run's append-only event log through its SQLite index.

The JSONL log beside the registry stays the source of truth; the index is
rebuilt from it on every invocation, so it is always current and safe to
delete.

Filters:
  --task    events for one task ID
  --type    one event type (task.claimed, task.completed, task.failed,
            task.requeued, worker.checkpoint, ...)
  --since   a duration back from now (e.g. 30m, 2h) or an RFC3339 timestamp
  --where   a JSON path filter against the raw event, either path=value
            or a bare path for existence (e.g. task_id=T1). The
            events the registry appends carry id, type, task_id and time;
            they have no data payload.

Examples:
  echelon logs --task T1
  echelon logs --type task.failed --since 1h
  echelon logs --where type=task.requeued --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			q := eventindex.Query{TaskID: taskID, Type: evType, Where: where, Limit: limit}
			if since != "" {
				q.Since, err = parseSince(since)
				if err != nil {
					return err
				}
			}

			ix, err := eventindex.Open(indexPath(cfg))
			if err != nil {
				return err
			}
			defer ix.Close()

			if _, err := ix.Rebuild(cmd.Context(), cfg.EventLogPath()); err != nil {
				return err
			}

			recs, err := ix.Select(cmd.Context(), q)
			if err != nil {
				return err
			}

			if jsonOut {
				for _, r := range recs {
					fmt.Fprintln(os.Stdout, r.Raw)
				}
				return nil
			}

			if len(recs) == 0 {
				fmt.Println("no matching events")
				return nil
			}
			width := termWidth()
			for _, r := range recs {
				line := fmt.Sprintf("%s  %-18s  %s", r.Time.Format(time.RFC3339), r.Type, r.TaskID)
				if verbose {
					line += "  " + r.Raw
				}
				if !verbose && len(line) > width {
					line = line[:width]
				}
				fmt.Fprintln(os.Stdout, line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "filter by task ID")
	cmd.Flags().StringVar(&evType, "type", "", "filter by event type")
	cmd.Flags().StringVar(&since, "since", "", "only events after a duration ago (30m) or timestamp (RFC3339)")
	cmd.Flags().StringVar(&where, "where", "", "JSON path filter: path=value or bare path")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "stop after N events (0 = unlimited)")

	return cmd
}

// parseSince accepts either a relative duration ("90s", "1h") or an
// absolute RFC3339 timestamp.
func parseSince(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("--since %q: want a duration (30m) or RFC3339 timestamp", s)
}
