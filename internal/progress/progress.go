// Package progress renders a human-readable view of an orchestrator run for
// the status CLI command.
package progress

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/echelon-run/echelon/internal/orchestrator"
	"github.com/echelon-run/echelon/internal/registry"
)

// Display renders a Snapshot to an io.Writer, in either a decorated
// (terminal, emoji-prefixed) or plain form.
type Display struct {
	quiet bool
	plain bool
}

// New creates a Display. quiet suppresses everything but the summary line
// and failures; plain disables emoji/unicode prefixes for terminals that
// don't render them well.
func New(quiet, plain bool) *Display {
	return &Display{quiet: quiet, plain: plain}
}

func (d *Display) icon(emoji, fallback string) string {
	if d.plain {
		return fallback
	}
	return emoji
}

// Summary writes the one-line run status used at the top of `echelon status`
// and echoed at the end of `echelon rush`.
func (d *Display) Summary(w io.Writer, snap *orchestrator.Snapshot) {
	icon := d.icon("🚀", "[running]")
	switch snap.Status {
	case orchestrator.StatusDone:
		icon = d.icon("✅", "[done]")
	case orchestrator.StatusHalted:
		icon = d.icon("⛔", "[halted]")
	case orchestrator.StatusStopped:
		icon = d.icon("⏹", "[stopped]")
	}

	fmt.Fprintf(w, "%s %s — level %d/%d\n", icon, snap.Status, snap.CurrentLevel, snap.MaxLevel)
	if snap.HaltReason != "" {
		fmt.Fprintf(w, "  %s %s\n", d.icon("⚠️", "!"), snap.HaltReason)
	}
}

// Tasks writes a table of task status grouped by level.
func (d *Display) Tasks(w io.Writer, tasks []*registry.TaskRecord) {
	if d.quiet {
		return
	}
	byLevel := map[int][]*registry.TaskRecord{}
	for _, t := range tasks {
		byLevel[t.Level] = append(byLevel[t.Level], t)
	}
	levels := make([]int, 0, len(byLevel))
	for lvl := range byLevel {
		levels = append(levels, lvl)
	}
	sort.Ints(levels)

	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "LEVEL\tTASK\tSTATUS\tWORKER\tATTEMPTS\tERROR")
	for _, lvl := range levels {
		recs := byLevel[lvl]
		sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
		for _, r := range recs {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
				lvl, r.ID, d.statusLabel(r.Status), dash(r.Worker), r.Attempts, dash(r.Error))
		}
	}
	tw.Flush()
}

// Workers writes a table of current worker state.
func (d *Display) Workers(w io.Writer, workers []*registry.WorkerRecord) {
	if d.quiet || len(workers) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tSTATE\tTASK\tUPDATED")
	sorted := append([]*registry.WorkerRecord(nil), workers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, wk := range sorted {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			wk.ID, wk.State, dash(wk.CurrentTask), wk.UpdatedAt.Format(time.Kitchen))
	}
	tw.Flush()
}

func (d *Display) statusLabel(s registry.Status) string {
	if d.plain {
		return string(s)
	}
	switch s {
	case registry.StatusCompleted:
		return "✅ " + string(s)
	case registry.StatusFailed, registry.StatusBlocked:
		return "❌ " + string(s)
	case registry.StatusRunning, registry.StatusVerifying:
		return "⏳ " + string(s)
	default:
		return string(s)
	}
}

// LevelMerged announces a level's merge outcome during a live run.
func (d *Display) LevelMerged(w io.Writer, level int, promoted bool, conflictBranch string) {
	if d.quiet {
		return
	}
	if promoted {
		fmt.Fprintf(w, "%s level %d merged and promoted\n", d.icon("✅", "[ok]"), level)
		return
	}
	fmt.Fprintf(w, "%s level %d merge failed (conflict on %s)\n", d.icon("❌", "[fail]"), level, conflictBranch)
}

// Error always prints, even in quiet mode.
func (d *Display) Error(w io.Writer, msg string) {
	fmt.Fprintf(w, "%s %s\n", d.icon("❌", "error:"), msg)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
