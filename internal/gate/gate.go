// Package gate runs the merge coordinator's quality-gate pipeline: a
// sequential list of named shell commands, each classified PASS, FAIL, SKIP,
// TIMEOUT, or ERROR. ctx.Err() is checked before the exit-code path so
// infra failures are never mistaken for a deliberate non-zero-exit verdict.
package gate

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	echconfig "github.com/echelon-run/echelon/internal/config"
)

// Verdict is the classification of one gate's run.
type Verdict string

const (
	Pass    Verdict = "pass"
	Fail    Verdict = "fail"
	Skip    Verdict = "skip"
	Timeout Verdict = "timeout"
	Error   Verdict = "error"
)

// Result is one gate's outcome.
type Result struct {
	Name     string
	Verdict  Verdict
	ExitCode int
	Output   string
	Duration time.Duration
	Err      error
}

// RunPipeline runs every configured gate in order against dir. Unlike a
// fail-fast pipeline, every required gate still runs even after an earlier
// one fails, so the report handed back to the operator is complete; an
// optional gate is skipped once a required gate it would otherwise run
// alongside has already failed, since its result can no longer change the
// promotion decision.
func RunPipeline(ctx context.Context, dir string, gates []echconfig.GateConfig) []Result {
	results := make([]Result, 0, len(gates))
	requiredFailed := false
	for _, g := range gates {
		if g.Optional && requiredFailed {
			results = append(results, Result{Name: g.Name, Verdict: Skip})
			continue
		}
		r := runOne(ctx, dir, g)
		results = append(results, r)
		if !g.Optional && r.Verdict != Pass && r.Verdict != Skip {
			requiredFailed = true
		}
	}
	return results
}

func runOne(ctx context.Context, dir string, g echconfig.GateConfig) Result {
	if g.Skip {
		return Result{Name: g.Name, Verdict: Skip}
	}
	if len(g.Command) == 0 {
		return Result{Name: g.Name, Verdict: Error, Err: fmt.Errorf("gate %s: no command configured", g.Name)}
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, g.Command[0], g.Command[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	duration := time.Since(start)

	// Infra/timeout errors take priority over the exit-code path: a
	// non-zero exit that is actually the context deadline firing is a
	// TIMEOUT, not a deliberate FAIL verdict.
	if runCtx.Err() == context.DeadlineExceeded {
		return Result{Name: g.Name, Verdict: Timeout, Output: buf.String(), Duration: duration}
	}

	if err == nil {
		return Result{Name: g.Name, Verdict: Pass, ExitCode: 0, Output: buf.String(), Duration: duration}
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		return Result{Name: g.Name, Verdict: Fail, ExitCode: exitErr.ExitCode(), Output: buf.String(), Duration: duration}
	}

	return Result{Name: g.Name, Verdict: Error, Output: buf.String(), Duration: duration, Err: err}
}

// AllPassed reports whether every gate in results passed or was skipped. It
// ignores a failed verdict for any gate at the same index marked Optional in
// gates, since only required gates can block promotion.
func AllPassed(results []Result, gates []echconfig.GateConfig) bool {
	for i, r := range results {
		if r.Verdict == Pass || r.Verdict == Skip {
			continue
		}
		if i < len(gates) && gates[i].Optional {
			continue
		}
		return false
	}
	return true
}
