// Package port allocates ephemeral TCP ports for workers by bind-probing a
// configured range, serialized so two concurrent allocations never race on
// the same candidate port. Candidate probing itself runs concurrently via
// golang.org/x/sync/errgroup to keep allocation latency flat as the worker
// count grows.
package port

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	echerrors "github.com/echelon-run/echelon/internal/errors"
)

// Allocator hands out free ports from [Start, End], tracking which ports it
// has already handed out so a still-listening worker's port is never reused
// even after the probe succeeds for someone else in between.
type Allocator struct {
	mu       sync.Mutex
	start    int
	end      int
	inUse    map[int]bool
}

// New constructs an Allocator over the inclusive range [start, end].
func New(start, end int) *Allocator {
	return &Allocator{start: start, end: end, inUse: make(map[int]bool)}
}

// Allocate reserves a single free port.
func (a *Allocator) Allocate() (int, error) {
	ports, err := a.AllocateN(1)
	if err != nil {
		return 0, err
	}
	return ports[0], nil
}

// AllocateN reserves n distinct free ports in one pass, probing candidates
// concurrently and returning the first n that bind successfully, in
// ascending order for deterministic assignment.
func (a *Allocator) AllocateN(n int) ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	candidates := make([]int, 0, a.end-a.start+1)
	for p := a.start; p <= a.end; p++ {
		if !a.inUse[p] {
			candidates = append(candidates, p)
		}
	}

	free, err := probeFree(candidates)
	if err != nil {
		return nil, err
	}
	if len(free) < n {
		return nil, echerrors.ErrPortExhausted(a.start, a.end)
	}

	out := free[:n]
	for _, p := range out {
		a.inUse[p] = true
	}
	return out, nil
}

// Release returns a previously allocated port to the pool.
func (a *Allocator) Release(p int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, p)
}

// probeFree binds and immediately closes a listener on each candidate,
// concurrently, returning the ones that succeeded in ascending order.
func probeFree(candidates []int) ([]int, error) {
	results := make([]bool, len(candidates))

	g := new(errgroup.Group)
	g.SetLimit(32)
	for i, p := range candidates {
		i, p := i, p
		g.Go(func() error {
			results[i] = canBind(p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("probe ports: %w", err)
	}

	var free []int
	for i, ok := range results {
		if ok {
			free = append(free, candidates[i])
		}
	}
	return free, nil
}

func canBind(p int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
