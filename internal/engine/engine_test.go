package engine_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"valora/internal/config"
	"valora/internal/db"
	"valora/internal/domain"
	"valora/internal/engine"
	"valora/internal/engine/auth"
	"valora/internal/migrate"
	"valora/internal/notify"
	"valora/internal/protocol"
)

var (
	ivy = auth.Actor{ID: "ivy", Role: auth.RoleInterviewer}
	ada = auth.Actor{ID: "ada", Role: auth.RoleAdmin}
)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (r *alertRecorder) Notify(_ context.Context, a notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *alertRecorder) count(alertType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.AlertType == alertType {
			n++
		}
	}
	return n
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Alerts *alertRecorder
	Online *bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("study-1")
	cfg.Protocol.TTOTasks = 3
	cfg.Protocol.DCEPairs = 2
	eng := engine.New(conn, cfg, nil)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	online := true
	eng.Online = func() bool { return online }
	rec := &alertRecorder{}
	eng.Notify = &notify.Dispatcher{Notifiers: []notify.Notifier{rec}}
	ctx := context.Background()
	if _, err := eng.InitStudy(ctx, engine.StudyInitOptions{ID: "study-1", Name: "Pilot valuation"}, cfg, ada); err != nil {
		t.Fatalf("init study: %v", err)
	}
	return &testEnv{Engine: eng, Ctx: ctx, Alerts: rec, Online: &online}
}

func (env *testEnv) start(t *testing.T, code string) domain.Session {
	t.Helper()
	s, err := env.Engine.StartSession(env.Ctx, engine.SessionStartOptions{RespondentCode: code}, ivy)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return s
}

func (env *testEnv) advance(t *testing.T, id, from string) domain.Session {
	t.Helper()
	s, err := env.Engine.AdvanceStep(env.Ctx, engine.StepAdvanceOptions{SessionID: id, From: from}, ivy)
	if err != nil {
		t.Fatalf("advance from %s: %v", from, err)
	}
	return s
}

func (env *testEnv) recordEQ5D(t *testing.T, id string) {
	t.Helper()
	_, err := env.Engine.RecordEQ5D(env.Ctx, engine.EQ5DRecordOptions{
		SessionID: id, Mobility: 1, SelfCare: 2, Activities: 1, Pain: 3, Anxiety: 2, VASScore: 70,
	}, ivy)
	if err != nil {
		t.Fatalf("record eq5d: %v", err)
	}
}

func (env *testEnv) recordTTO(t *testing.T, id string, task int, years float64) domain.TTOResponse {
	t.Helper()
	rec, err := env.Engine.RecordTTO(env.Ctx, engine.TTORecordOptions{
		SessionID: id, TaskNumber: task, Years: years, MovesCount: 3, TimeSpentSeconds: 30,
	}, ivy)
	if err != nil {
		t.Fatalf("record tto task %d: %v", task, err)
	}
	return rec
}

// walkToTTO advances a fresh session to the first TTO task.
func (env *testEnv) walkToTTO(t *testing.T, id string) domain.Session {
	t.Helper()
	env.advance(t, id, "consent")
	env.recordEQ5D(t, id)
	env.advance(t, id, "warmup")
	return env.advance(t, id, "practice")
}

// complete walks a session through the whole protocol with the given slider
// positions, one per TTO task.
func (env *testEnv) complete(t *testing.T, id string, years []float64) domain.Session {
	t.Helper()
	s := env.walkToTTO(t, id)
	for i, y := range years {
		env.recordTTO(t, id, i+1, y)
		s = env.advance(t, id, "tto")
	}
	if s.CurrentStep != "feedback" {
		t.Fatalf("after tto block at %s", s.CurrentStep)
	}
	env.advance(t, id, "feedback")
	for pair := 1; pair <= 2; pair++ {
		if _, err := env.Engine.RecordDCE(env.Ctx, engine.DCERecordOptions{
			SessionID: id, PairNumber: pair, HealthStateA: "21111", HealthStateB: "34244", Choice: "a",
		}, ivy); err != nil {
			t.Fatalf("record dce pair %d: %v", pair, err)
		}
	}
	env.advance(t, id, "dce")
	if _, err := env.Engine.RecordDemographics(env.Ctx, engine.DemographicsRecordOptions{
		SessionID: id, AgeBand: "35-44", Gender: "female",
	}, ivy); err != nil {
		t.Fatalf("record demographics: %v", err)
	}
	return env.advance(t, id, "demographics")
}

func TestStartSessionValidation(t *testing.T) {
	env := newTestEnv(t)
	var verr engine.ValidationError
	if _, err := env.Engine.StartSession(env.Ctx, engine.SessionStartOptions{RespondentCode: "a!"}, ivy); !errors.As(err, &verr) {
		t.Fatalf("bad code: got %v", err)
	}
	env.start(t, "R-001")
	if _, err := env.Engine.StartSession(env.Ctx, engine.SessionStartOptions{RespondentCode: "R-001"}, ivy); !errors.As(err, &verr) {
		t.Fatalf("duplicate code: got %v", err)
	}
	// Another interviewer may reuse the code.
	other := auth.Actor{ID: "omar", Role: auth.RoleInterviewer}
	if _, err := env.Engine.StartSession(env.Ctx, engine.SessionStartOptions{RespondentCode: "R-001"}, other); err != nil {
		t.Fatalf("same code, other interviewer: %v", err)
	}
}

func TestInterviewerScoping(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "R-001")
	other := auth.Actor{ID: "omar", Role: auth.RoleInterviewer}
	if _, err := env.Engine.ResumeSession(env.Ctx, s.ID, other); err == nil {
		t.Fatal("foreign session visible to other interviewer")
	}
	if _, err := env.Engine.ResumeSession(env.Ctx, s.ID, ada); err != nil {
		t.Fatalf("admin resume: %v", err)
	}
}

func TestStandardValuation(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "R-001")
	env.walkToTTO(t, s.ID)
	rec := env.recordTTO(t, s.ID, 1, 7.5)
	if rec.FinalValue != 0.75 {
		t.Fatalf("final value = %v, want 0.75", rec.FinalValue)
	}
	if rec.WorseThanDeath || rec.LeadTimeValue != nil {
		t.Fatalf("standard branch marked worse than death: %+v", rec)
	}
	if rec.Flagged {
		t.Fatalf("unexpected flag %v", rec.FlagReason)
	}
	if rec.HealthState != "21111" {
		t.Fatalf("health state = %q", rec.HealthState)
	}
}

func TestWorseThanDeathValuation(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "R-001")
	env.walkToTTO(t, s.ID)
	rec, err := env.Engine.RecordTTO(env.Ctx, engine.TTORecordOptions{
		SessionID: s.ID, TaskNumber: 1, WorseThanDeath: true, Years: 3, MovesCount: 4, TimeSpentSeconds: 45,
	}, ivy)
	if err != nil {
		t.Fatalf("record wtd: %v", err)
	}
	if math.Abs(rec.FinalValue-(-0.30)) > 1e-9 {
		t.Fatalf("final value = %v, want -0.30", rec.FinalValue)
	}
	if !rec.WorseThanDeath {
		t.Fatal("not marked worse than death")
	}
	if rec.LeadTimeValue == nil || *rec.LeadTimeValue != 3 {
		t.Fatalf("lead time = %v, want 3", rec.LeadTimeValue)
	}
}

func TestWorseThanDeathFlagMatchesSign(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "R-001")
	env.walkToTTO(t, s.ID)
	// Lead time zero means indifference with death, not a negative value.
	rec, err := env.Engine.RecordTTO(env.Ctx, engine.TTORecordOptions{
		SessionID: s.ID, TaskNumber: 1, WorseThanDeath: true, Years: 0, MovesCount: 2, TimeSpentSeconds: 25,
	}, ivy)
	if err != nil {
		t.Fatalf("record wtd zero: %v", err)
	}
	if rec.FinalValue != 0 || rec.WorseThanDeath || rec.LeadTimeValue != nil {
		t.Fatalf("zero lead time valued as %+v", rec)
	}
	env.advance(t, s.ID, "tto")
	if _, err := env.Engine.RecordTTO(env.Ctx, engine.TTORecordOptions{
		SessionID: s.ID, TaskNumber: 2, WorseThanDeath: true, Years: 3, MovesCount: 2, TimeSpentSeconds: 25,
	}, ivy); err != nil {
		t.Fatalf("record wtd: %v", err)
	}
	stored, err := env.Engine.Repo.ListTTOResponses(env.Ctx, s.ID)
	if err != nil || len(stored) != 2 {
		t.Fatalf("stored rows = %d (%v)", len(stored), err)
	}
	for _, row := range stored {
		if row.WorseThanDeath != (row.FinalValue < 0) {
			t.Fatalf("task %d: worse_than_death=%v with final_value=%v", row.TaskNumber, row.WorseThanDeath, row.FinalValue)
		}
	}
}

func TestLeadTimeLimitFromConfig(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Protocol.LeadTimeYears = 4
	s := env.start(t, "R-001")
	env.walkToTTO(t, s.ID)
	var verr protocol.ValueError
	if _, err := env.Engine.RecordTTO(env.Ctx, engine.TTORecordOptions{
		SessionID: s.ID, TaskNumber: 1, WorseThanDeath: true, Years: 5, MovesCount: 2, TimeSpentSeconds: 25,
	}, ivy); !errors.As(err, &verr) {
		t.Fatalf("lead time over configured limit: got %v", err)
	}
	if _, err := env.Engine.RecordTTO(env.Ctx, engine.TTORecordOptions{
		SessionID: s.ID, TaskNumber: 1, WorseThanDeath: true, Years: 4, MovesCount: 2, TimeSpentSeconds: 25,
	}, ivy); err != nil {
		t.Fatalf("lead time at configured limit: %v", err)
	}
}

func TestNoSliderMovementFlagWins(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "R-001")
	env.walkToTTO(t, s.ID)
	// Both heuristics hit: 4s is under the 10s floor and zero moves.
	rec, err := env.Engine.RecordTTO(env.Ctx, engine.TTORecordOptions{
		SessionID: s.ID, TaskNumber: 1, Years: 5, MovesCount: 0, TimeSpentSeconds: 4,
	}, ivy)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !rec.Flagged || rec.FlagReason == nil || *rec.FlagReason != protocol.FlagNoSliderMovement {
		t.Fatalf("flag = %v %v, want %s", rec.Flagged, rec.FlagReason, protocol.FlagNoSliderMovement)
	}
}

func TestAdvanceGatedOnResponses(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "R-001")
	env.advance(t, s.ID, "consent")
	var verr engine.ValidationError
	if _, err := env.Engine.AdvanceStep(env.Ctx, engine.StepAdvanceOptions{SessionID: s.ID, From: "warmup"}, ivy); !errors.As(err, &verr) {
		t.Fatalf("warmup advance without eq5d: got %v", err)
	}
	env.recordEQ5D(t, s.ID)
	env.advance(t, s.ID, "warmup")
	env.advance(t, s.ID, "practice")
	if _, err := env.Engine.AdvanceStep(env.Ctx, engine.StepAdvanceOptions{SessionID: s.ID, From: "tto"}, ivy); !errors.As(err, &verr) {
		t.Fatalf("tto advance without response: got %v", err)
	}
}

func TestStaleAdvanceRejected(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "R-001")
	env.advance(t, s.ID, "consent")
	var terr protocol.InvalidTransitionError
	_, err := env.Engine.AdvanceStep(env.Ctx, engine.StepAdvanceOptions{SessionID: s.ID, From: "consent"}, ivy)
	if !errors.As(err, &terr) {
		t.Fatalf("stale from: got %v", err)
	}
	if terr.Current != protocol.StepWarmup {
		t.Fatalf("current = %s", terr.Current)
	}
}

func TestRecordTTOOutOfOrder(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "R-001")
	env.walkToTTO(t, s.ID)
	var verr engine.ValidationError
	if _, err := env.Engine.RecordTTO(env.Ctx, engine.TTORecordOptions{
		SessionID: s.ID, TaskNumber: 2, Years: 5, MovesCount: 2, TimeSpentSeconds: 20,
	}, ivy); !errors.As(err, &verr) {
		t.Fatalf("out-of-order task: got %v", err)
	}
	env.recordTTO(t, s.ID, 1, 5)
	if _, err := env.Engine.RecordTTO(env.Ctx, engine.TTORecordOptions{
		SessionID: s.ID, TaskNumber: 1, Years: 4, MovesCount: 2, TimeSpentSeconds: 20,
	}, ivy); !errors.As(err, &verr) {
		t.Fatalf("duplicate task: got %v", err)
	}
}

func TestBackKeepsResponsesAndCursor(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "R-001")
	env.walkToTTO(t, s.ID)
	env.recordTTO(t, s.ID, 1, 7.5)
	s = env.advance(t, s.ID, "tto")
	if s.TTOTaskCursor != 2 {
		t.Fatalf("cursor = %d", s.TTOTaskCursor)
	}
	s, err := env.Engine.BackStep(env.Ctx, engine.StepBackOptions{SessionID: s.ID, To: "warmup"}, ivy)
	if err != nil {
		t.Fatalf("back: %v", err)
	}
	if s.CurrentStep != "warmup" || s.TTOTaskCursor != 2 {
		t.Fatalf("after back: step=%s cursor=%d", s.CurrentStep, s.TTOTaskCursor)
	}
	view, err := env.Engine.SessionDetail(env.Ctx, s.ID, ivy)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if view.EQ5D == nil || len(view.TTO) != 1 {
		t.Fatalf("responses lost on back: eq5d=%v tto=%d", view.EQ5D != nil, len(view.TTO))
	}
	// Back never goes forward.
	if _, err := env.Engine.BackStep(env.Ctx, engine.StepBackOptions{SessionID: s.ID, To: "dce"}, ivy); err == nil {
		t.Fatal("back to later step allowed")
	}
}

func TestCompletionIsOneShot(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "R-001")
	s = env.complete(t, s.ID, []float64{7.5, 5, 2.5})
	if s.Status != "completed" || s.CompletedAt == nil {
		t.Fatalf("session not finalized: %+v", s)
	}
	if s.QualityStatus != "pending" {
		t.Fatalf("quality status = %s", s.QualityStatus)
	}
	if n := env.Alerts.count(notify.AlertSessionCompleted); n != 1 {
		t.Fatalf("completion alerts = %d", n)
	}
	// Advancing a completed session is a no-op and never re-notifies.
	again, err := env.Engine.AdvanceStep(env.Ctx, engine.StepAdvanceOptions{SessionID: s.ID, From: "complete"}, ivy)
	if err != nil {
		t.Fatalf("advance from complete: %v", err)
	}
	if again.Status != "completed" {
		t.Fatalf("status = %s", again.Status)
	}
	if n := env.Alerts.count(notify.AlertSessionCompleted); n != 1 {
		t.Fatalf("completion alerts after retry = %d", n)
	}
	if n := env.Alerts.count(notify.AlertSessionFlagged); n != 0 {
		t.Fatalf("unexpected flag alerts = %d", n)
	}
}

func TestInvariantResponsesFlaggedAtCompletion(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "R-001")
	s = env.complete(t, s.ID, []float64{5, 5, 5})
	if s.Status != "completed" {
		t.Fatalf("status = %s", s.Status)
	}
	if n := env.Alerts.count(notify.AlertSessionFlagged); n != 1 {
		t.Fatalf("flag alerts = %d", n)
	}
	// Auto-flagging is advisory: the admin decision is still open.
	if s.QualityStatus != "pending" {
		t.Fatalf("quality status = %s", s.QualityStatus)
	}
}

func TestAbandonSession(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "R-001")
	env.advance(t, s.ID, "consent")
	s, err := env.Engine.AbandonSession(env.Ctx, s.ID, ivy)
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if s.Status != "abandoned" {
		t.Fatalf("status = %s", s.Status)
	}
	var verr engine.ValidationError
	if _, err := env.Engine.AdvanceStep(env.Ctx, engine.StepAdvanceOptions{SessionID: s.ID, From: "warmup"}, ivy); !errors.As(err, &verr) {
		t.Fatalf("advance after abandon: got %v", err)
	}
}

func TestOfflineReplayAppliesInOrder(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "R-001")
	env.walkToTTO(t, s.ID)

	*env.Online = false
	years := []float64{7.5, 5, 2.5}
	for i, y := range years {
		env.recordTTO(t, s.ID, i+1, y)
		env.advance(t, s.ID, "tto")
	}
	depth, err := env.Engine.Queue.Depth(env.Ctx)
	if err != nil || depth != 6 {
		t.Fatalf("queue depth = %d (%v), want 6", depth, err)
	}
	// The store has not moved: everything is still queued.
	stored, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil || stored.TTOTaskCursor != 1 {
		t.Fatalf("stored cursor = %d (%v)", stored.TTOTaskCursor, err)
	}
	// The device still reads its own writes.
	overlaid, err := env.Engine.ResumeSession(env.Ctx, s.ID, ivy)
	if err != nil || overlaid.CurrentStep != "feedback" {
		t.Fatalf("overlaid step = %s (%v)", overlaid.CurrentStep, err)
	}

	*env.Online = true
	res, err := env.Engine.ReplayQueue(env.Ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Applied != 6 || res.Skipped != 0 || len(res.Rejected) != 0 {
		t.Fatalf("replay result = %+v", res)
	}
	stored, err = env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.CurrentStep != "feedback" || stored.TTOTaskCursor != 3 {
		t.Fatalf("after replay: step=%s cursor=%d", stored.CurrentStep, stored.TTOTaskCursor)
	}
	ttos, err := env.Engine.Repo.ListTTOResponses(env.Ctx, s.ID)
	if err != nil || len(ttos) != 3 {
		t.Fatalf("tto rows = %d (%v)", len(ttos), err)
	}
	for i, rec := range ttos {
		if rec.TaskNumber != i+1 {
			t.Fatalf("row %d has task %d", i, rec.TaskNumber)
		}
	}
	// Draining again is a no-op.
	res, err = env.Engine.ReplayQueue(env.Ctx)
	if err != nil || res.Applied != 0 {
		t.Fatalf("second replay = %+v (%v)", res, err)
	}
}

func TestOfflineCompletionNotifiesOnceOnReplay(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "R-001")
	env.walkToTTO(t, s.ID)
	*env.Online = false
	for i, y := range []float64{7.5, 5, 2.5} {
		env.recordTTO(t, s.ID, i+1, y)
		env.advance(t, s.ID, "tto")
	}
	env.advance(t, s.ID, "feedback")
	for pair := 1; pair <= 2; pair++ {
		if _, err := env.Engine.RecordDCE(env.Ctx, engine.DCERecordOptions{
			SessionID: s.ID, PairNumber: pair, HealthStateA: "21111", HealthStateB: "34244", Choice: "b",
		}, ivy); err != nil {
			t.Fatalf("record dce offline: %v", err)
		}
	}
	env.advance(t, s.ID, "dce")
	if _, err := env.Engine.RecordDemographics(env.Ctx, engine.DemographicsRecordOptions{
		SessionID: s.ID, AgeBand: "25-34",
	}, ivy); err != nil {
		t.Fatalf("record demographics offline: %v", err)
	}
	s = env.advance(t, s.ID, "demographics")
	// The optimistic return already reads as completed.
	if s.CurrentStep != "complete" || s.Status != "completed" || s.CompletedAt == nil {
		t.Fatalf("offline completion returned %+v", s)
	}
	if n := env.Alerts.count(notify.AlertSessionCompleted); n != 0 {
		t.Fatalf("alerts before replay = %d", n)
	}

	*env.Online = true
	if _, err := env.Engine.ReplayQueue(env.Ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}
	stored, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil || stored.Status != "completed" {
		t.Fatalf("status after replay = %s (%v)", stored.Status, err)
	}
	if n := env.Alerts.count(notify.AlertSessionCompleted); n != 1 {
		t.Fatalf("completion alerts = %d", n)
	}
}

func TestDirectWritesBlockedWhilePending(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "R-001")
	env.walkToTTO(t, s.ID)
	*env.Online = false
	env.recordTTO(t, s.ID, 1, 5)
	*env.Online = true
	var verr engine.ValidationError
	if _, err := env.Engine.AdvanceStep(env.Ctx, engine.StepAdvanceOptions{SessionID: s.ID, From: "tto"}, ivy); !errors.As(err, &verr) {
		t.Fatalf("direct write with pending queue: got %v", err)
	}
	if _, err := env.Engine.ReplayQueue(env.Ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}
	env.advance(t, s.ID, "tto")
}

func TestReplayRejectsQualityFields(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "R-001")
	a, err := env.Engine.Queue.Enqueue(env.Ctx, domain.PendingAction{
		SessionID:   s.ID,
		Type:        "update",
		TargetTable: "sessions",
		PayloadJSON: `{"quality_status":"approved"}`,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res, err := env.Engine.ReplayQueue(env.Ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(res.Rejected) != 1 || res.Rejected[0] != a.ID {
		t.Fatalf("rejected = %v", res.Rejected)
	}
	stored, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil || stored.QualityStatus != "pending" {
		t.Fatalf("quality status = %s (%v)", stored.QualityStatus, err)
	}
	if depth, _ := env.Engine.Queue.Depth(env.Ctx); depth != 0 {
		t.Fatalf("rejected action left queued, depth = %d", depth)
	}
}
