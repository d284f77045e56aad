// Package levelctl holds the pure predicate functions the orchestrator uses
// to decide when a level is complete and the next one may start: plain
// functions over a registry snapshot rather than a stateful type.
package levelctl

import "github.com/echelon-run/echelon/internal/registry"

// LevelComplete reports whether every task at level is in a terminal,
// successful state (completed). A single failed or blocked task means the
// level (and therefore the whole rush) cannot advance until resolved.
func LevelComplete(records []*registry.TaskRecord, level int) bool {
	found := false
	for _, r := range records {
		if r.Level != level {
			continue
		}
		found = true
		if r.Status != registry.StatusCompleted {
			return false
		}
	}
	return found
}

// LevelBlocked reports whether any task at level has failed out of its
// retry budget (Status == Failed) or is explicitly Blocked, which halts the
// run at this level.
func LevelBlocked(records []*registry.TaskRecord, level int, maxAttempts int) bool {
	for _, r := range records {
		if r.Level != level {
			continue
		}
		if r.Status == registry.StatusBlocked {
			return true
		}
		if r.Status == registry.StatusFailed && r.Attempts >= maxAttempts {
			return true
		}
	}
	return false
}

// ReadyTasks returns the IDs, in document order, of every pending task at
// level: the set a worker may legally claim from right now.
func ReadyTasks(records []*registry.TaskRecord, level int) []string {
	var out []string
	for _, r := range records {
		if r.Level == level && r.Status == registry.StatusPending {
			out = append(out, r.ID)
		}
	}
	return out
}

// LowestIncompleteLevel returns the lowest level that is not yet complete,
// or -1 if every task across all levels is completed.
func LowestIncompleteLevel(records []*registry.TaskRecord) int {
	maxLevel := -1
	present := make(map[int]bool)
	for _, r := range records {
		present[r.Level] = true
		if r.Level > maxLevel {
			maxLevel = r.Level
		}
	}
	for level := 0; level <= maxLevel; level++ {
		if present[level] && !LevelComplete(records, level) {
			return level
		}
	}
	return -1
}

// AllComplete reports whether every task in the snapshot is completed.
func AllComplete(records []*registry.TaskRecord) bool {
	if len(records) == 0 {
		return false
	}
	for _, r := range records {
		if r.Status != registry.StatusCompleted {
			return false
		}
	}
	return true
}
