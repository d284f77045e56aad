// Package errors provides structured error types for echelon, covering the
// taxonomy a rush run can surface: schema errors, ownership violations,
// merge conflicts, launcher failures, registry corruption, and gate
// rejections.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

const (
	CodeSchemaInvalid      Code = "GRAPH_SCHEMA_INVALID"
	CodeCycleDetected      Code = "GRAPH_CYCLE_DETECTED"
	CodeOwnershipViolation Code = "GRAPH_OWNERSHIP_VIOLATION"
	CodeLevelOrderInvalid  Code = "GRAPH_LEVEL_ORDER_INVALID"

	CodeTaskNotFound    Code = "TASK_NOT_FOUND"
	CodeTaskNotClaimed  Code = "TASK_NOT_CLAIMED"
	CodeClaimConflict   Code = "TASK_CLAIM_CONFLICT"
	CodeRegistryLocked  Code = "REGISTRY_LOCKED"
	CodeRegistryCorrupt Code = "REGISTRY_CORRUPT"

	CodeVerifyFailed  Code = "VERIFY_FAILED"
	CodeVerifyTimeout Code = "VERIFY_TIMEOUT"

	CodeGateFailed  Code = "GATE_FAILED"
	CodeGateTimeout Code = "GATE_TIMEOUT"
	CodeGateError   Code = "GATE_ERROR"

	CodeLauncherUnavailable Code = "LAUNCHER_UNAVAILABLE"
	CodeLauncherSpawnFailed Code = "LAUNCHER_SPAWN_FAILED"
	CodeLauncherNotReady    Code = "LAUNCHER_NOT_READY"

	CodeMergeConflict Code = "MERGE_CONFLICT"
	CodeMergeAborted  Code = "MERGE_ABORTED"

	CodePortExhausted Code = "PORT_RANGE_EXHAUSTED"

	CodeConfigInvalid Code = "CONFIG_INVALID"
)

// Category groups error codes for exit-code and retry-policy mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

var codeCategories = map[Code]Category{
	CodeSchemaInvalid:       CategoryBadRequest,
	CodeCycleDetected:       CategoryBadRequest,
	CodeOwnershipViolation:  CategoryBadRequest,
	CodeLevelOrderInvalid:   CategoryBadRequest,
	CodeTaskNotFound:        CategoryNotFound,
	CodeTaskNotClaimed:      CategoryConflict,
	CodeClaimConflict:       CategoryConflict,
	CodeRegistryLocked:      CategoryUnavailable,
	CodeRegistryCorrupt:     CategoryInternal,
	CodeVerifyFailed:        CategoryBadRequest,
	CodeVerifyTimeout:       CategoryTimeout,
	CodeGateFailed:          CategoryBadRequest,
	CodeGateTimeout:         CategoryTimeout,
	CodeGateError:           CategoryInternal,
	CodeLauncherUnavailable: CategoryUnavailable,
	CodeLauncherSpawnFailed: CategoryInternal,
	CodeLauncherNotReady:    CategoryTimeout,
	CodeMergeConflict:       CategoryConflict,
	CodeMergeAborted:        CategoryConflict,
	CodePortExhausted:       CategoryUnavailable,
	CodeConfigInvalid:       CategoryBadRequest,
}

// ExitCode returns the process exit code a CLI command should use for this category.
func (c Category) ExitCode() int {
	switch c {
	case CategoryNotFound, CategoryBadRequest:
		return 2
	default:
		return 1
	}
}

// Error is the structured error type for echelon.
type Error struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// UserMessage renders a multi-line operator-facing message, matching the
// what/why/fix layout the CLI prints for any command failure.
func (e *Error) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

func (e *Error) ExitCode() int { return e.Category().ExitCode() }

func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{alias: (*alias)(e)}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause attached.
func (e *Error) WithCause(err error) *Error {
	return &Error{Code: e.Code, What: e.What, Why: e.Why, Fix: e.Fix, Cause: err}
}

// --- Constructors ---

func ErrSchemaInvalid(reason string) *Error {
	return &Error{Code: CodeSchemaInvalid, What: "task graph document failed schema validation", Why: reason,
		Fix: "fix the offending field in the graph document and re-run 'echelon validate'"}
}

func ErrCycleDetected(cycle []string) *Error {
	return &Error{Code: CodeCycleDetected, What: "task graph contains a dependency cycle",
		Why: "cycle: " + strings.Join(cycle, " -> "),
		Fix: "break the cycle by removing or reordering a prerequisite"}
}

func ErrOwnershipViolation(taskA, taskB, path string) *Error {
	return &Error{Code: CodeOwnershipViolation, What: fmt.Sprintf("tasks %s and %s both touch %s", taskA, taskB, path),
		Why: "two tasks in the same level may not own overlapping files",
		Fix: "move one task to a later level or narrow its file list"}
}

func ErrTaskNotFound(id string) *Error {
	return &Error{Code: CodeTaskNotFound, What: fmt.Sprintf("task %s not found", id),
		Why: "no task with this ID exists in the registry", Fix: "check 'echelon status' for valid task IDs"}
}

func ErrClaimConflict(id string) *Error {
	return &Error{Code: CodeClaimConflict, What: fmt.Sprintf("task %s was claimed by another worker", id),
		Why: "the compare-and-swap claim lost a race", Fix: "pick the next ready task instead"}
}

func ErrRegistryLocked(path string) *Error {
	return &Error{Code: CodeRegistryLocked, What: "registry is locked by another process",
		Why: fmt.Sprintf("could not acquire advisory lock on %s", path),
		Fix: "retry after a short backoff; if the lock is stale, check for a dead process holding it"}
}

func ErrRegistryCorrupt(path string, cause error) *Error {
	return (&Error{Code: CodeRegistryCorrupt, What: fmt.Sprintf("registry file %s is corrupt", path),
		Why: "failed to parse the primary registry file and its .bak fallback",
		Fix: "restore from the event log or a manual backup"}).WithCause(cause)
}

func ErrVerifyFailed(taskID string, exitCode int) *Error {
	return &Error{Code: CodeVerifyFailed, What: fmt.Sprintf("verification failed for task %s (exit %d)", taskID, exitCode),
		Why: "the task's verification command returned a non-zero exit code",
		Fix: "inspect the task's captured output and fix the underlying issue"}
}

func ErrVerifyTimeout(taskID string) *Error {
	return &Error{Code: CodeVerifyTimeout, What: fmt.Sprintf("verification timed out for task %s", taskID),
		Fix: "increase the task's verify timeout or speed up the command"}
}

func ErrGateFailed(name, reason string) *Error {
	return &Error{Code: CodeGateFailed, What: fmt.Sprintf("gate %q failed", name), Why: reason,
		Fix: "fix the condition the gate checks for and retry the merge"}
}

func ErrGateTimeout(name string) *Error {
	return &Error{Code: CodeGateTimeout, What: fmt.Sprintf("gate %q timed out", name)}
}

func ErrGateError(name string, cause error) *Error {
	return (&Error{Code: CodeGateError, What: fmt.Sprintf("gate %q errored", name),
		Why: "the gate command could not be run at all (not a gate failure)"}).WithCause(cause)
}

func ErrLauncherUnavailable(backend string) *Error {
	return &Error{Code: CodeLauncherUnavailable, What: fmt.Sprintf("launcher backend %q is unavailable", backend),
		Why: "the backend was explicitly requested but its runtime is unreachable",
		Fix: "start the required runtime, or select a different backend"}
}

func ErrLauncherSpawnFailed(backend, workerID string, cause error) *Error {
	return (&Error{Code: CodeLauncherSpawnFailed, What: fmt.Sprintf("failed to spawn worker %s via %s", workerID, backend)}).WithCause(cause)
}

func ErrLauncherNotReady(workerID string) *Error {
	return &Error{Code: CodeLauncherNotReady, What: fmt.Sprintf("worker %s did not become ready in time", workerID)}
}

func ErrMergeConflict(branch string, files []string) *Error {
	return &Error{Code: CodeMergeConflict, What: fmt.Sprintf("merging %s produced conflicts", branch),
		Why: "conflicting files: " + strings.Join(files, ", "),
		Fix: "resolve conflicts manually on the staging branch, or re-run the worker's task"}
}

func ErrMergeAborted(reason string) *Error {
	return &Error{Code: CodeMergeAborted, What: "merge coordinator rolled back", Why: reason}
}

func ErrPortExhausted(rangeStart, rangeEnd int) *Error {
	return &Error{Code: CodePortExhausted, What: fmt.Sprintf("no free port in range %d-%d", rangeStart, rangeEnd),
		Fix: "widen the configured port range or stop other listeners"}
}

func ErrConfigInvalid(field, reason string) *Error {
	return &Error{Code: CodeConfigInvalid, What: fmt.Sprintf("invalid configuration: %s", field), Why: reason,
		Fix: "fix the field in .echelon/config.yaml"}
}

// As reports whether err (or anything it wraps) is an *Error, writing it into target.
func As(err error, target **Error) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok {
		*target = e
		return true
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return As(u.Unwrap(), target)
	}
	return false
}

// Wrap wraps a generic error into an *Error with an unknown code.
func Wrap(err error, what string) *Error {
	return &Error{Code: Code("UNKNOWN"), What: what, Cause: err}
}
