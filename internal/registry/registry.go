// Package registry is the durable, crash-safe store of task state: the
// source of truth every worker's claim race is arbitrated against. Every
// mutation is one read-modify-write cycle under a cross-process advisory
// lock, persisted by write-new-temp-then-rename with a one-generation
// backup, so claim is a true compare-and-swap across worker processes.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	echerrors "github.com/echelon-run/echelon/internal/errors"
	"github.com/echelon-run/echelon/internal/events"
	"github.com/echelon-run/echelon/internal/lock"
	"github.com/echelon-run/echelon/internal/util"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusClaimed     Status = "claimed"
	StatusRunning     Status = "running"
	StatusVerifying   Status = "verifying"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusBlocked     Status = "blocked"
	StatusCheckpointed Status = "checkpointed"
)

// WorkerState is a worker process's lifecycle state, independent of any one
// task's status.
type WorkerState string

const (
	WorkerStarting WorkerState = "starting"
	WorkerReady    WorkerState = "ready"
	WorkerRunning  WorkerState = "running"
	WorkerIdle     WorkerState = "idle"
	WorkerChecking WorkerState = "checkpointing"
	WorkerStopped  WorkerState = "stopped"
	WorkerCrashed  WorkerState = "crashed"
)

// WorkerRecord is one worker's durable state, written by the orchestrator
// (spawn/teardown) and by the worker itself (self-reported heartbeats).
type WorkerRecord struct {
	ID          string      `json:"id"`
	State       WorkerState `json:"state"`
	CurrentTask string      `json:"current_task,omitempty"`
	ExitCode    *int        `json:"exit_code,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// LevelStatus is one level's position in the merge lifecycle.
type LevelStatus string

const (
	LevelPending  LevelStatus = "pending"
	LevelRunning  LevelStatus = "running"
	LevelMerging  LevelStatus = "merging"
	LevelComplete LevelStatus = "complete"
	LevelFailed   LevelStatus = "failed"
)

// LevelRecord is one level's durable state.
type LevelRecord struct {
	Level       int         `json:"level"`
	Status      LevelStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	MergeRef    string      `json:"merge_ref,omitempty"`
}

// TaskRecord is one task's durable state. Deps is copied from the graph at
// registration so the claim path can verify prerequisites without reaching
// back into the graph document.
type TaskRecord struct {
	ID          string     `json:"id"`
	Level       int        `json:"level"`
	Deps        []string   `json:"deps,omitempty"`
	Status      Status     `json:"status"`
	ClaimToken  string     `json:"claim_token,omitempty"`
	Worker      string     `json:"worker,omitempty"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// document is the on-disk shape of the registry file.
type document struct {
	Generation int                      `json:"generation"`
	Tasks      map[string]*TaskRecord   `json:"tasks"`
	Workers    map[string]*WorkerRecord `json:"workers"`
	Levels     map[int]*LevelRecord     `json:"levels"`
}

// Registry is the file-backed task store. All mutating methods take the
// advisory file lock for the duration of a single read-modify-write cycle,
// making claim a true compare-and-swap across worker processes.
type Registry struct {
	path      string
	lockPath  string
	eventPath string

	mu        sync.Mutex
	publisher events.Publisher
}

// Open loads (or creates) the registry at path. Corrupted primary files fall
// back to the retained ".bak" generation before giving up.
func Open(path string, publisher events.Publisher) (*Registry, error) {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	r := &Registry{
		path:      path,
		lockPath:  path + ".lock",
		eventPath: path + ".events.jsonl",
		publisher: publisher,
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		doc := &document{
			Tasks:   map[string]*TaskRecord{},
			Workers: map[string]*WorkerRecord{},
			Levels:  map[int]*LevelRecord{},
		}
		if err := r.write(doc); err != nil {
			return nil, err
		}
		return r, nil
	}

	if _, err := r.read(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) read() (*document, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		bakData, bakErr := os.ReadFile(r.path + ".bak")
		if bakErr != nil {
			return nil, echerrors.ErrRegistryCorrupt(r.path, err)
		}
		var bak document
		if err := json.Unmarshal(bakData, &bak); err != nil {
			return nil, echerrors.ErrRegistryCorrupt(r.path, err)
		}
		normalize(&bak)
		return &bak, nil
	}
	normalize(&doc)
	return &doc, nil
}

// normalize ensures every map in a freshly decoded document is non-nil, so
// callers never need a nil check before indexing into it.
func normalize(doc *document) {
	if doc.Tasks == nil {
		doc.Tasks = map[string]*TaskRecord{}
	}
	if doc.Workers == nil {
		doc.Workers = map[string]*WorkerRecord{}
	}
	if doc.Levels == nil {
		doc.Levels = map[int]*LevelRecord{}
	}
}

func (r *Registry) write(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	return util.AtomicWriteFileWithBackup(r.path, data, 0644)
}

// withLock runs fn while holding the cross-process advisory lock, covering
// exactly one read-modify-write cycle.
func (r *Registry) withLock(fn func(doc *document) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fl, err := lock.Acquire(r.lockPath)
	if err != nil {
		return echerrors.ErrRegistryLocked(r.lockPath)
	}
	defer fl.Release()

	doc, err := r.read()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	doc.Generation++
	return r.write(doc)
}

// Register adds tasks.Pending entries for every task ID not already present,
// used once at rush startup to seed the registry from the parsed graph.
// depsOf carries each task's prerequisite IDs; Claim refuses a task until
// every one of them is Completed.
func (r *Registry) Register(ids []string, levelOf map[string]int, depsOf map[string][]string) error {
	return r.withLock(func(doc *document) error {
		for _, id := range ids {
			if _, exists := doc.Tasks[id]; exists {
				continue
			}
			doc.Tasks[id] = &TaskRecord{ID: id, Level: levelOf[id], Deps: depsOf[id], Status: StatusPending}
		}
		return nil
	})
}

// Claim atomically transitions a pending (or checkpointed) task to claimed
// for workerID, returning a fresh claim token the worker must present to
// Complete/Fail. It succeeds only when every registered prerequisite is
// Completed, so a same-level dependency chain serializes through the claim
// race itself. A Checkpointed task is claimable like a Pending one; that
// is precisely how a respawned worker resumes a task its predecessor left
// mid-flight with a WIP commit. Losing the race (task owned by someone else,
// or already terminal) returns ErrClaimConflict.
func (r *Registry) Claim(taskID, workerID string) (string, error) {
	token := uuid.NewString()
	err := r.withLock(func(doc *document) error {
		rec, ok := doc.Tasks[taskID]
		if !ok {
			return echerrors.ErrTaskNotFound(taskID)
		}
		if rec.Status != StatusPending && rec.Status != StatusCheckpointed {
			return echerrors.ErrClaimConflict(taskID)
		}
		for _, dep := range rec.Deps {
			dr, ok := doc.Tasks[dep]
			if !ok || dr.Status != StatusCompleted {
				return echerrors.ErrClaimConflict(taskID)
			}
		}
		now := time.Now()
		rec.Status = StatusClaimed
		rec.Worker = workerID
		rec.ClaimToken = token
		rec.ClaimedAt = &now
		rec.Attempts++
		return nil
	})
	if err != nil {
		return "", err
	}
	r.publish(events.TypeTaskClaimed, taskID, map[string]any{"worker": workerID, "attempt": 0})
	r.appendEvent(events.TypeTaskClaimed, taskID)
	return token, nil
}

// Checkpoint records that a worker exited voluntarily under context
// pressure while taskID was in progress: the task becomes Checkpointed
// (re-claimable, not terminal) and reason/percentComplete are recorded for
// the operator and for the worker that eventually reclaims it.
func (r *Registry) Checkpoint(taskID, token, reason string, percentComplete int) error {
	err := r.withLock(func(doc *document) error {
		rec, ok := doc.Tasks[taskID]
		if !ok {
			return echerrors.ErrTaskNotFound(taskID)
		}
		if rec.ClaimToken != token {
			return echerrors.ErrClaimConflict(taskID)
		}
		rec.Status = StatusCheckpointed
		rec.Error = reason
		return nil
	})
	if err != nil {
		return err
	}
	r.publish(events.TypeWorkerCheckpoint, taskID, map[string]any{"reason": reason, "percent_complete": percentComplete})
	r.appendEvent(events.TypeWorkerCheckpoint, taskID)
	return nil
}

// SetRunning marks a claimed task as actively executing.
func (r *Registry) SetRunning(taskID, token string) error {
	return r.transition(taskID, token, StatusRunning, "")
}

// SetVerifying marks a task as undergoing verification.
func (r *Registry) SetVerifying(taskID, token string) error {
	return r.transition(taskID, token, StatusVerifying, "")
}

// Complete marks a task completed, closing out its claim.
func (r *Registry) Complete(taskID, token string) error {
	err := r.withLock(func(doc *document) error {
		rec, ok := doc.Tasks[taskID]
		if !ok {
			return echerrors.ErrTaskNotFound(taskID)
		}
		if rec.ClaimToken != token {
			return echerrors.ErrClaimConflict(taskID)
		}
		now := time.Now()
		rec.Status = StatusCompleted
		rec.CompletedAt = &now
		rec.Error = ""
		return nil
	})
	if err != nil {
		return err
	}
	r.publish(events.TypeTaskCompleted, taskID, nil)
	r.appendEvent(events.TypeTaskCompleted, taskID)
	return nil
}

// Fail marks a task failed with reason, retaining the claim token so a
// subsequent Requeue can be audited against it.
func (r *Registry) Fail(taskID, token, reason string) error {
	err := r.transition(taskID, token, StatusFailed, reason)
	if err != nil {
		return err
	}
	r.publish(events.TypeTaskFailed, taskID, map[string]any{"reason": reason})
	r.appendEvent(events.TypeTaskFailed, taskID)
	return nil
}

// Block marks a task blocked after its retries are exhausted, a terminal
// state distinct from Failed: a blocked task will never be retried
// automatically and halts its level until an operator intervenes.
func (r *Registry) Block(taskID, token, reason string) error {
	err := r.transition(taskID, token, StatusBlocked, reason)
	if err != nil {
		return err
	}
	r.publish(events.TypeTaskFailed, taskID, map[string]any{"reason": reason, "blocked": true})
	r.appendEvent(events.TypeTaskFailed, taskID)
	return nil
}

func (r *Registry) transition(taskID, token string, status Status, errMsg string) error {
	return r.withLock(func(doc *document) error {
		rec, ok := doc.Tasks[taskID]
		if !ok {
			return echerrors.ErrTaskNotFound(taskID)
		}
		if rec.ClaimToken != token {
			return echerrors.ErrClaimConflict(taskID)
		}
		rec.Status = status
		if errMsg != "" {
			rec.Error = errMsg
		}
		return nil
	})
}

// Requeue resets a failed or blocked task back to pending, clearing its
// claim, for a worker's retry loop to pick up again.
func (r *Registry) Requeue(taskID string) error {
	err := r.withLock(func(doc *document) error {
		rec, ok := doc.Tasks[taskID]
		if !ok {
			return echerrors.ErrTaskNotFound(taskID)
		}
		rec.Status = StatusPending
		rec.ClaimToken = ""
		rec.Worker = ""
		rec.ClaimedAt = nil
		return nil
	})
	if err != nil {
		return err
	}
	r.publish(events.TypeTaskRequeued, taskID, nil)
	r.appendEvent(events.TypeTaskRequeued, taskID)
	return nil
}

// Reap handles a worker that is no longer alive while still owning a
// non-terminal task: the orchestrator's crash-recovery path. It has no
// claim token (a crashed worker can't present one) so it is an
// administrative transition, not a CAS. The retry counter already
// incremented by Claim is preserved; the task returns to Pending if budget
// remains, else Blocked. A task already in a terminal or unclaimed state is
// left untouched and its current status returned, making Reap idempotent
// against a crash detector that double-reports the same dead worker.
func (r *Registry) Reap(taskID, reason string, maxAttempts int) (Status, error) {
	var final Status
	reaped := false
	err := r.withLock(func(doc *document) error {
		rec, ok := doc.Tasks[taskID]
		if !ok {
			return echerrors.ErrTaskNotFound(taskID)
		}
		switch rec.Status {
		case StatusClaimed, StatusRunning, StatusVerifying:
		default:
			final = rec.Status
			return nil
		}
		reaped = true
		if rec.Attempts >= maxAttempts {
			rec.Status = StatusBlocked
			rec.Error = reason
		} else {
			rec.Status = StatusPending
			rec.ClaimToken = ""
			rec.Worker = ""
			rec.ClaimedAt = nil
			rec.Error = reason
		}
		final = rec.Status
		return nil
	})
	if err != nil {
		return "", err
	}
	if !reaped {
		return final, nil
	}
	r.publish(events.TypeTaskFailed, taskID, map[string]any{"reason": reason, "crash": true})
	r.appendEvent(events.TypeTaskFailed, taskID)
	if final == StatusPending {
		r.publish(events.TypeTaskRequeued, taskID, map[string]any{"reason": reason})
		r.appendEvent(events.TypeTaskRequeued, taskID)
	}
	return final, nil
}

// Get returns a copy of a single task's record.
func (r *Registry) Get(taskID string) (*TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	rec, ok := doc.Tasks[taskID]
	if !ok {
		return nil, echerrors.ErrTaskNotFound(taskID)
	}
	cp := *rec
	return &cp, nil
}

// Snapshot returns every task record, sorted by ID, for the level controller
// and status display to reason over consistently.
func (r *Registry) Snapshot() ([]*TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	out := make([]*TaskRecord, 0, len(doc.Tasks))
	for _, rec := range doc.Tasks {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetWorker records a worker's self-reported (or orchestrator-observed)
// lifecycle state. Both the orchestrator (spawn/teardown, crash detection)
// and the worker itself (heartbeats) call this.
func (r *Registry) SetWorker(workerID string, state WorkerState, currentTask string) error {
	err := r.withLock(func(doc *document) error {
		rec, ok := doc.Workers[workerID]
		if !ok {
			rec = &WorkerRecord{ID: workerID}
			doc.Workers[workerID] = rec
		}
		rec.State = state
		rec.CurrentTask = currentTask
		rec.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return err
	}
	r.publish(events.TypeWorkerExited, workerID, map[string]any{"state": string(state)})
	return nil
}

// MarkWorkerExited records a worker's terminal exit code or crash reason.
func (r *Registry) MarkWorkerExited(workerID string, exitCode int, reason string) error {
	return r.withLock(func(doc *document) error {
		rec, ok := doc.Workers[workerID]
		if !ok {
			rec = &WorkerRecord{ID: workerID}
			doc.Workers[workerID] = rec
		}
		if reason != "" {
			rec.State = WorkerCrashed
			rec.Reason = reason
		} else {
			rec.State = WorkerStopped
			code := exitCode
			rec.ExitCode = &code
		}
		rec.UpdatedAt = time.Now()
		return nil
	})
}

// WorkerSnapshot returns every worker record, sorted by ID.
func (r *Registry) WorkerSnapshot() ([]*WorkerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	out := make([]*WorkerRecord, 0, len(doc.Workers))
	for _, rec := range doc.Workers {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetLevelState writes level L's merge-pipeline status, exclusively an
// orchestrator operation (the level controller and merge coordinator never
// write the registry directly; the orchestrator does on their behalf).
func (r *Registry) SetLevelState(level int, status LevelStatus, mergeRef string) error {
	return r.withLock(func(doc *document) error {
		rec, ok := doc.Levels[level]
		if !ok {
			rec = &LevelRecord{Level: level}
			doc.Levels[level] = rec
		}
		now := time.Now()
		if rec.Status != status {
			switch status {
			case LevelRunning:
				rec.StartedAt = &now
			case LevelComplete, LevelFailed:
				rec.CompletedAt = &now
			}
		}
		rec.Status = status
		if mergeRef != "" {
			rec.MergeRef = mergeRef
		}
		return nil
	})
}

// LevelState returns level L's current record, or a zero-value Pending
// record if it has never been written.
func (r *Registry) LevelState(level int) (*LevelRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	if rec, ok := doc.Levels[level]; ok {
		cp := *rec
		return &cp, nil
	}
	return &LevelRecord{Level: level, Status: LevelPending}, nil
}

func (r *Registry) publish(t events.Type, taskID string, data map[string]any) {
	r.publisher.Publish(events.New(uuid.NewString(), t, taskID, data))
}

// appendEvent appends one line to the durable event log, independent of the
// registry file's own atomic-rename cycle since the log is append-only and
// never rewritten wholesale.
func (r *Registry) appendEvent(t events.Type, taskID string) {
	f, err := os.OpenFile(r.eventPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	e := events.New(uuid.NewString(), t, taskID, nil)
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = f.Write(line)
	_ = f.Sync()
}
