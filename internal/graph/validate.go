package graph

import (
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	echerrors "github.com/echelon-run/echelon/internal/errors"
)

// Validate checks the graph for schema consistency, cycle-freedom, level
// ordering, and the exclusive-file-ownership invariant.
func Validate(g *Graph) error {
	if len(g.Tasks) == 0 {
		return echerrors.ErrSchemaInvalid("graph has no tasks")
	}

	seen := make(map[string]*Task, len(g.Tasks))
	for _, t := range g.Tasks {
		if t.ID == "" {
			return echerrors.ErrSchemaInvalid("a task is missing an id")
		}
		if _, dup := seen[t.ID]; dup {
			return echerrors.ErrSchemaInvalid(fmt.Sprintf("duplicate task id %q", t.ID))
		}
		if t.Level < 0 {
			return echerrors.ErrSchemaInvalid(fmt.Sprintf("task %s: level must be >= 0", t.ID))
		}
		if len(t.Run) == 0 {
			return echerrors.ErrSchemaInvalid(fmt.Sprintf("task %s: run is required", t.ID))
		}
		seen[t.ID] = t
	}

	for _, t := range g.Tasks {
		for _, dep := range t.DependsOn {
			dt, ok := seen[dep]
			if !ok {
				return echerrors.ErrSchemaInvalid(fmt.Sprintf("task %s depends on unknown task %q", t.ID, dep))
			}
			// A prerequisite may sit at a strictly lower level, or at the
			// same level when a topological order exists among the
			// same-level tasks; the cycle check below rejects the cases
			// where no such order exists.
			if dt.Level > t.Level {
				return echerrors.ErrSchemaInvalid(fmt.Sprintf(
					"task %s (level %d) depends on %s (level %d): prerequisite may not be at a higher level",
					t.ID, t.Level, dep, dt.Level))
			}
		}
	}

	if cycle := findCycle(g); cycle != nil {
		return echerrors.ErrCycleDetected(cycle)
	}

	return validateOwnership(g)
}

// findCycle runs Kahn's algorithm over the depends_on edges and returns a
// representative cycle (sorted task IDs with in-degree never reaching zero),
// or nil if the graph is acyclic. The unprocessed set is reported as the
// cycle rather than reconstructing an exact path.
func findCycle(g *Graph) []string {
	inDegree := make(map[string]int, len(g.Tasks))
	adjacency := make(map[string][]string, len(g.Tasks))

	for _, t := range g.Tasks {
		if _, ok := inDegree[t.ID]; !ok {
			inDegree[t.ID] = 0
		}
		for _, dep := range t.DependsOn {
			adjacency[dep] = append(adjacency[dep], t.ID)
			inDegree[t.ID]++
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++

		next := append([]string(nil), adjacency[id]...)
		sort.Strings(next)
		for _, dependent := range next {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if processed == len(inDegree) {
		return nil
	}

	var remaining []string
	for id, deg := range inDegree {
		if deg > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	return remaining
}

// validateOwnership enforces that no two tasks at the same level declare
// overlapping file glob patterns, using doublestar so a task that owns
// "internal/**/*.go" is caught colliding with one that owns "internal/foo.go".
func validateOwnership(g *Graph) error {
	for level := 0; level <= g.MaxLevel(); level++ {
		tasks := g.TasksAtLevel(level)
		for i := 0; i < len(tasks); i++ {
			for j := i + 1; j < len(tasks); j++ {
				if path, ok := overlaps(tasks[i].Files.Paths(), tasks[j].Files.Paths()); ok {
					return echerrors.ErrOwnershipViolation(tasks[i].ID, tasks[j].ID, path)
				}
			}
		}
	}
	return nil
}

// overlaps reports whether any pattern in a matches any literal-looking
// pattern in b (or vice versa), and whether two glob patterns could ever
// match a common literal by testing each as a literal string against the
// other pattern.
func overlaps(a, b []string) (string, bool) {
	for _, pa := range a {
		for _, pb := range b {
			if pa == pb {
				return pa, true
			}
			if ok, _ := doublestar.Match(pa, pb); ok {
				return pb, true
			}
			if ok, _ := doublestar.Match(pb, pa); ok {
				return pa, true
			}
		}
	}
	return "", false
}
