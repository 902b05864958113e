package queue_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"valora/internal/db"
	"valora/internal/domain"
	"valora/internal/engine/auth"
	"valora/internal/migrate"
	"valora/internal/queue"
)

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return queue.New(conn)
}

// fakeApplier records applied action ids and fails on demand.
type fakeApplier struct {
	applied []string
	failOn  map[string]error
}

func (f *fakeApplier) Apply(_ context.Context, a domain.PendingAction) error {
	if err, ok := f.failOn[a.ID]; ok {
		return err
	}
	f.applied = append(f.applied, a.ID)
	return nil
}

func enqueue(t *testing.T, q *queue.Queue, id string) domain.PendingAction {
	t.Helper()
	a, err := q.Enqueue(context.Background(), domain.PendingAction{
		ID:          id,
		SessionID:   "sess-1",
		Type:        queue.ActionCreate,
		TargetTable: "session_notes",
		PayloadJSON: fmt.Sprintf(`{"id":%q}`, id),
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
	return a
}

func TestEnqueueValidates(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	cases := []domain.PendingAction{
		{SessionID: "s", Type: "upsert", TargetTable: "session_notes", PayloadJSON: `{}`},
		{SessionID: "s", Type: queue.ActionCreate, TargetTable: "studies", PayloadJSON: `{}`},
		{Type: queue.ActionCreate, TargetTable: "session_notes", PayloadJSON: `{}`},
		{SessionID: "s", Type: queue.ActionCreate, TargetTable: "session_notes", PayloadJSON: `{broken`},
	}
	for i, a := range cases {
		if _, err := q.Enqueue(ctx, a); err == nil {
			t.Fatalf("case %d accepted", i)
		}
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Fatalf("depth = %d after rejected enqueues", depth)
	}
}

func TestEnqueueAssignsID(t *testing.T) {
	q := newQueue(t)
	a, err := q.Enqueue(context.Background(), domain.PendingAction{
		SessionID: "sess-1", Type: queue.ActionCreate, TargetTable: "session_notes", PayloadJSON: `{}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == "" || a.EnqueuedAt == "" {
		t.Fatalf("missing id or timestamp: %+v", a)
	}
}

func TestReplayDrainsInEnqueueOrder(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	want := []string{"a-1", "a-2", "a-3"}
	for _, id := range want {
		enqueue(t, q, id)
	}
	applier := &fakeApplier{}
	res, err := q.Replay(ctx, applier)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Applied != 3 {
		t.Fatalf("applied = %d", res.Applied)
	}
	if len(applier.applied) != 3 {
		t.Fatalf("applier saw %d actions", len(applier.applied))
	}
	for i, id := range want {
		if applier.applied[i] != id {
			t.Fatalf("position %d: got %s, want %s", i, applier.applied[i], id)
		}
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Fatalf("depth = %d after drain", depth)
	}
}

func TestReplayIsIdempotentPerActionID(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	enqueue(t, q, "a-1")
	applier := &fakeApplier{}
	if _, err := q.Replay(ctx, applier); err != nil {
		t.Fatal(err)
	}
	// The same action id delivered again must not re-apply.
	enqueue(t, q, "a-1")
	res, err := q.Replay(ctx, applier)
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied != 0 || res.Skipped != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(applier.applied) != 1 {
		t.Fatalf("applier called %d times", len(applier.applied))
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Fatalf("duplicate left queued, depth = %d", depth)
	}
}

func TestReplayStopsOnFailureKeepingRemainder(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	enqueue(t, q, "a-1")
	enqueue(t, q, "a-2")
	enqueue(t, q, "a-3")
	applier := &fakeApplier{failOn: map[string]error{"a-2": errors.New("store unavailable")}}
	res, err := q.Replay(ctx, applier)
	if err == nil {
		t.Fatal("expected replay error")
	}
	if res.Applied != 1 {
		t.Fatalf("applied = %d", res.Applied)
	}
	// a-2 and a-3 stay queued for the next drain.
	if depth, _ := q.Depth(ctx); depth != 2 {
		t.Fatalf("depth = %d", depth)
	}
	applier.failOn = nil
	res, err = q.Replay(ctx, applier)
	if err != nil || res.Applied != 2 {
		t.Fatalf("second drain = %+v (%v)", res, err)
	}
}

func TestReplayDiscardsPermissionRejects(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	enqueue(t, q, "a-1")
	enqueue(t, q, "a-2")
	applier := &fakeApplier{failOn: map[string]error{
		"a-1": auth.PermissionError{Role: auth.RoleInterviewer, Operation: "update sessions.quality_status"},
	}}
	res, err := q.Replay(ctx, applier)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(res.Rejected) != 1 || res.Rejected[0] != "a-1" {
		t.Fatalf("rejected = %v", res.Rejected)
	}
	if res.Applied != 1 {
		t.Fatalf("applied = %d", res.Applied)
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Fatalf("depth = %d", depth)
	}
}

func TestCorruptQueueResets(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	// Corruption cannot enter through Enqueue; write the row directly.
	if err := q.Repo.InsertPendingAction(ctx, domain.PendingAction{
		ID: "bad-1", SessionID: "sess-1", Type: "create", TargetTable: "session_notes",
		PayloadJSON: `{broken`, EnqueuedAt: "2026-03-01T09:00:00Z",
	}); err != nil {
		t.Fatalf("seed corrupt row: %v", err)
	}
	enqueue(t, q, "a-2")
	_, err := q.Replay(ctx, &fakeApplier{})
	var cerr queue.CorruptError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v", err)
	}
	if cerr.ActionID != "bad-1" || cerr.Dropped != 2 {
		t.Fatalf("corrupt error = %+v", cerr)
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Fatalf("queue not cleared, depth = %d", depth)
	}
}

// nestedApplier proves only one drain runs at a time by re-entering Replay.
type nestedApplier struct {
	q   *queue.Queue
	err error
}

func (n *nestedApplier) Apply(ctx context.Context, _ domain.PendingAction) error {
	_, n.err = n.q.Replay(ctx, n)
	return nil
}

func TestReplaySingleFlight(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	enqueue(t, q, "a-1")
	applier := &nestedApplier{q: q}
	if _, err := q.Replay(ctx, applier); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !errors.Is(applier.err, queue.ErrReplayInProgress) {
		t.Fatalf("nested replay error = %v", applier.err)
	}
}
