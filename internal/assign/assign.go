// Package assign computes the static worker-to-task assignment for a level.
// The exclusive-file-ownership invariant already guarantees no two tasks at
// a level can conflict, so assignment needs no runtime reordering: a
// deterministic round-robin over level-sorted task IDs is sufficient and,
// unlike work-stealing, reproducible across runs.
package assign

import (
	"sort"
	"strconv"
)

// Plan maps each worker to the ordered list of task IDs it owns for a level.
type Plan struct {
	Level     int
	ByWorker  map[string][]string
	WorkerIDs []string
}

// Compute assigns taskIDs round-robin across workerCount workers, after
// sorting the task IDs for determinism. Worker IDs are "w0".."w(n-1)".
func Compute(level int, taskIDs []string, workerCount int) Plan {
	sorted := append([]string(nil), taskIDs...)
	sort.Strings(sorted)

	if workerCount < 1 {
		workerCount = 1
	}
	if workerCount > len(sorted) && len(sorted) > 0 {
		workerCount = len(sorted)
	}

	plan := Plan{Level: level, ByWorker: make(map[string][]string, workerCount)}
	for i := 0; i < workerCount; i++ {
		id := workerID(i)
		plan.WorkerIDs = append(plan.WorkerIDs, id)
		plan.ByWorker[id] = nil
	}
	for i, taskID := range sorted {
		w := plan.WorkerIDs[i%workerCount]
		plan.ByWorker[w] = append(plan.ByWorker[w], taskID)
	}
	return plan
}

func workerID(i int) string {
	return "w" + strconv.Itoa(i)
}
