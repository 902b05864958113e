// Package queue implements the durable offline action queue: a FIFO of
// mutations buffered while the device has no connectivity, replayed strictly
// in enqueue order once it returns.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"valora/internal/domain"
	"valora/internal/engine/auth"
	"valora/internal/events"
	"valora/internal/repo"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// ErrReplayInProgress is returned when a second replay is attempted while one
// is draining; ordering requires a single replay task.
var ErrReplayInProgress = errors.New("queue replay already in progress")

// CorruptError indicates an unparseable queue. The queue has been cleared by
// the time this is returned; unsynced work may be lost.
type CorruptError struct {
	ActionID string
	Dropped  int64
	Err      error
}

func (e CorruptError) Error() string {
	return fmt.Sprintf("action queue corrupt at %s, %d queued actions dropped: %v", e.ActionID, e.Dropped, e.Err)
}

func (e CorruptError) Unwrap() error { return e.Err }

var validTargets = map[string]bool{
	"sessions":       true,
	"eq5d_responses": true,
	"tto_responses":  true,
	"dce_responses":  true,
	"demographics":   true,
	"session_notes":  true,
}

// Applier applies a single replayed action against the store. The engine
// implements this.
type Applier interface {
	Apply(ctx context.Context, a domain.PendingAction) error
}

type Queue struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time

	mu        sync.Mutex
	replaying bool
}

func New(db *sql.DB) *Queue {
	return &Queue{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Enqueue persists the action durably before any network attempt. A missing
// id gets a fresh client id; the id is what makes replay idempotent.
func (q *Queue) Enqueue(ctx context.Context, a domain.PendingAction) (domain.PendingAction, error) {
	switch a.Type {
	case ActionCreate, ActionUpdate, ActionDelete:
	default:
		return a, fmt.Errorf("unknown action type %q", a.Type)
	}
	if !validTargets[a.TargetTable] {
		return a, fmt.Errorf("unknown target table %q", a.TargetTable)
	}
	if a.SessionID == "" {
		return a, errors.New("session id required")
	}
	if !json.Valid([]byte(a.PayloadJSON)) {
		return a, fmt.Errorf("payload for %s is not valid JSON", a.TargetTable)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.EnqueuedAt == "" {
		a.EnqueuedAt = q.now().UTC().Format(time.RFC3339)
	}
	if err := q.Repo.InsertPendingAction(ctx, a); err != nil {
		return a, err
	}
	return a, nil
}

// ReplayResult summarizes a drain pass.
type ReplayResult struct {
	Applied  int
	Skipped  int
	Rejected []string
}

// Replay drains the queue in enqueue order. Exactly one replay runs at a
// time. Each action id is applied at most once: ids already in the applied
// ledger are skipped, so retry or duplicate delivery converges on the same
// end state. Actions rejected with a PermissionError are discarded and
// recorded; any other failure stops the drain with the remainder still
// queued.
func (q *Queue) Replay(ctx context.Context, apply Applier) (ReplayResult, error) {
	q.mu.Lock()
	if q.replaying {
		q.mu.Unlock()
		return ReplayResult{}, ErrReplayInProgress
	}
	q.replaying = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.replaying = false
		q.mu.Unlock()
	}()

	actions, err := q.Repo.ListPendingActions(ctx, "")
	if err != nil {
		return ReplayResult{}, err
	}
	var res ReplayResult
	for _, a := range actions {
		if !json.Valid([]byte(a.PayloadJSON)) {
			dropped, resetErr := q.reset(ctx, "corrupt payload")
			if resetErr != nil {
				return res, resetErr
			}
			return res, CorruptError{ActionID: a.ID, Dropped: dropped, Err: errors.New("payload is not valid JSON")}
		}
		applied, err := q.Repo.ActionApplied(ctx, a.ID)
		if err != nil {
			return res, err
		}
		if applied {
			if err := q.settle(ctx, a, "duplicate", nil); err != nil {
				return res, err
			}
			res.Skipped++
			continue
		}
		if err := apply.Apply(ctx, a); err != nil {
			var pe auth.PermissionError
			if errors.As(err, &pe) {
				if err := q.settle(ctx, a, "rejected_permission", events.EventPayload{"reason": pe.Error()}); err != nil {
					return res, err
				}
				res.Rejected = append(res.Rejected, a.ID)
				continue
			}
			return res, fmt.Errorf("replay action %s: %w", a.ID, err)
		}
		if err := q.settle(ctx, a, "applied", nil); err != nil {
			return res, err
		}
		res.Applied++
	}
	return res, nil
}

// settle records the action outcome in the applied ledger and removes it from
// the pending queue, atomically.
func (q *Queue) settle(ctx context.Context, a domain.PendingAction, outcome string, extra events.EventPayload) error {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := q.now().UTC().Format(time.RFC3339)
	if err := q.Repo.MarkActionAppliedTx(ctx, tx, a.ID, outcome, now); err != nil {
		return err
	}
	if err := q.Repo.DeletePendingActionTx(ctx, tx, a.ID); err != nil {
		return err
	}
	payload := events.EventPayload{"outcome": outcome, "target": a.TargetTable, "type": a.Type}
	for k, v := range extra {
		payload[k] = v
	}
	if err := q.Events.Append(ctx, tx, "queue.action.settled", "", "pending_action", a.ID, "system", payload); err != nil {
		return err
	}
	return tx.Commit()
}

// Reset clears the queue outright. Callers must warn the user: this is the
// one place unsynced work is dropped by design.
func (q *Queue) Reset(ctx context.Context, reason string) (int64, error) {
	return q.reset(ctx, reason)
}

func (q *Queue) reset(ctx context.Context, reason string) (int64, error) {
	dropped, err := q.Repo.ClearPendingActions(ctx)
	if err != nil {
		return 0, err
	}
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return dropped, err
	}
	defer tx.Rollback()
	if err := q.Events.Append(ctx, tx, "queue.reset", "", "pending_action", "", "system", events.EventPayload{
		"reason":  reason,
		"dropped": dropped,
	}); err != nil {
		return dropped, err
	}
	return dropped, tx.Commit()
}

// Depth returns the number of queued actions.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.Repo.CountPendingActions(ctx)
}
