// Package engine orchestrates interview sessions: it validates protocol
// moves against the store, wraps every mutation in a transaction with its
// event, and routes mutations through the offline queue when the sync link
// is down.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"valora/internal/config"
	"valora/internal/domain"
	"valora/internal/engine/auth"
	"valora/internal/events"
	"valora/internal/notify"
	"valora/internal/protocol"
	"valora/internal/queue"
	"valora/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Queue  *queue.Queue
	Notify *notify.Dispatcher
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
	// Online reports sync-link reachability. Nil means always online;
	// offline mutations are buffered in the queue instead of written.
	Online func() bool
}

func New(db *sql.DB, cfg *config.Config, logger *log.Logger) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Queue:  queue.New(db),
		Notify: notify.FromConfig(cfg, logger),
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) online() bool {
	return e.Online == nil || e.Online()
}

func (e Engine) taskCount() int {
	if e.Config != nil && e.Config.Protocol.TTOTasks > 0 {
		return e.Config.Protocol.TTOTasks
	}
	return 10
}

func (e Engine) sequencer() protocol.Sequencer {
	return protocol.Sequencer{TaskCount: e.taskCount()}
}

func (e Engine) leadLimit() float64 {
	if e.Config != nil {
		return e.Config.Protocol.LeadTimeYears
	}
	return 0
}

func (e Engine) rules() protocol.QualityRules {
	if e.Config == nil {
		return protocol.DefaultQualityRules()
	}
	r := protocol.QualityRules{
		MinTimeSeconds:     e.Config.Quality.MinTimeSeconds,
		MinMoves:           e.Config.Quality.MinMoves,
		InvariantThreshold: e.Config.Quality.InvariantThreshold,
	}
	if r.MinTimeSeconds == 0 && r.MinMoves == 0 && r.InvariantThreshold == 0 {
		return protocol.DefaultQualityRules()
	}
	return r
}

// --- study ---

type StudyInitOptions struct {
	ID          string
	Name        string
	Description string
}

// InitStudy creates a study and stores its protocol config. A nil cfg gets
// the defaults.
func (e Engine) InitStudy(ctx context.Context, opts StudyInitOptions, cfg *config.Config, actor auth.Actor) (domain.Study, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Study{}, ValidationError{Field: "name", Reason: "required"}
	}
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if cfg == nil {
		cfg = config.Default(opts.ID)
	}
	s := domain.Study{
		ID:          opts.ID,
		Name:        opts.Name,
		Status:      "active",
		Description: opts.Description,
		CreatedAt:   e.ts(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Study{}, err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actor); err != nil {
		return domain.Study{}, err
	}
	if err := e.Repo.InsertStudyTx(ctx, tx, s); err != nil {
		return domain.Study{}, PersistenceError{Op: "study create", Err: err}
	}
	if err := e.Repo.UpsertStudyConfigTx(ctx, tx, s.ID, cfg); err != nil {
		return domain.Study{}, err
	}
	if err := e.Events.Append(ctx, tx, "study.created", s.ID, "study", s.ID, actor.ID, events.EventPayload{"name": s.Name}); err != nil {
		return domain.Study{}, err
	}
	return s, tx.Commit()
}

// --- sessions ---

var respondentCodePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{2,31}$`)

type SessionStartOptions struct {
	ID             string
	StudyID        string
	RespondentCode string
	Language       string
	InterviewerID  string
}

// StartSession opens a new interview at the consent step. The respondent
// code must be unique per interviewer so the same paper code cannot be
// double-entered on one device.
func (e Engine) StartSession(ctx context.Context, opts SessionStartOptions, actor auth.Actor) (domain.Session, error) {
	code := strings.TrimSpace(opts.RespondentCode)
	if !respondentCodePattern.MatchString(code) {
		return domain.Session{}, ValidationError{Field: "respondent_code", Reason: "must be 3-32 chars: letters, digits, dash, underscore"}
	}
	interviewer := opts.InterviewerID
	if interviewer == "" {
		interviewer = actor.ID
	}
	if interviewer == "" {
		return domain.Session{}, ValidationError{Field: "interviewer_id", Reason: "required"}
	}
	studyID := opts.StudyID
	if studyID == "" {
		study, err := e.Repo.SingleStudy(ctx)
		if err != nil {
			return domain.Session{}, err
		}
		studyID = study.ID
	} else if _, err := e.Repo.GetStudy(ctx, studyID); err != nil {
		return domain.Session{}, err
	}
	exists, err := e.Repo.RespondentCodeExists(ctx, interviewer, code)
	if err != nil {
		return domain.Session{}, err
	}
	if exists {
		return domain.Session{}, ValidationError{Field: "respondent_code", Reason: fmt.Sprintf("%q already used by interviewer %s", code, interviewer)}
	}
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	now := e.ts()
	s := domain.Session{
		ID:             opts.ID,
		StudyID:        studyID,
		RespondentCode: code,
		InterviewerID:  interviewer,
		Language:       opts.Language,
		Status:         "in_progress",
		CurrentStep:    string(protocol.StepConsent),
		TTOTaskCursor:  0,
		StartedAt:      now,
		QualityStatus:  "pending",
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, auth.Actor{ID: interviewer, Role: auth.RoleInterviewer}); err != nil {
		return domain.Session{}, err
	}
	if err := e.Repo.InsertSessionTx(ctx, tx, s); err != nil {
		return domain.Session{}, PersistenceError{Op: "session create", Err: err}
	}
	if err := e.Events.Append(ctx, tx, "session.started", s.StudyID, "session", s.ID, actor.ID, events.EventPayload{
		"respondent_code": s.RespondentCode,
		"interviewer_id":  s.InterviewerID,
	}); err != nil {
		return domain.Session{}, err
	}
	return s, tx.Commit()
}

// ResumeSession returns a session for continued work, with any queued
// offline patches overlaid. Interviewers only see their own sessions; a
// foreign and an unknown id both read as not found.
func (e Engine) ResumeSession(ctx context.Context, sessionID string, actor auth.Actor) (domain.Session, error) {
	s, _, err := e.loadSession(ctx, sessionID, actor)
	return s, err
}

// ListSessions returns sessions, scoped to the caller's own sessions unless
// the caller is an admin.
func (e Engine) ListSessions(ctx context.Context, f domain.SessionFilter, actor auth.Actor) ([]domain.Session, error) {
	if actor.Role != auth.RoleAdmin {
		f.InterviewerID = actor.ID
	}
	return e.Repo.ListSessions(ctx, f)
}

// SessionView bundles a session with everything recorded under it.
type SessionView struct {
	Session      domain.Session
	EQ5D         *domain.EQ5DResponse
	TTO          []domain.TTOResponse
	DCE          []domain.DCEResponse
	Demographics *domain.Demographics
	Notes        []domain.SessionNote
}

// SessionDetail loads the full session view.
func (e Engine) SessionDetail(ctx context.Context, sessionID string, actor auth.Actor) (SessionView, error) {
	s, err := e.ResumeSession(ctx, sessionID, actor)
	if err != nil {
		return SessionView{}, err
	}
	view := SessionView{Session: s}
	if eq, err := e.Repo.GetEQ5D(ctx, s.ID); err == nil {
		view.EQ5D = &eq
	} else if err != repo.ErrNotFound {
		return SessionView{}, err
	}
	if view.TTO, err = e.Repo.ListTTOResponses(ctx, s.ID); err != nil {
		return SessionView{}, err
	}
	if view.DCE, err = e.Repo.ListDCEResponses(ctx, s.ID); err != nil {
		return SessionView{}, err
	}
	if d, err := e.Repo.GetDemographics(ctx, s.ID); err == nil {
		view.Demographics = &d
	} else if err != repo.ErrNotFound {
		return SessionView{}, err
	}
	if view.Notes, err = e.Repo.ListNotes(ctx, s.ID); err != nil {
		return SessionView{}, err
	}
	return view, nil
}

// --- step transitions ---

type StepAdvanceOptions struct {
	SessionID string
	// From is the step the client believes it is leaving. A mismatch with
	// the persisted step means the client is stale and must re-sync.
	From string
}

// AdvanceStep moves the session forward one position. Steps that collect
// data refuse to advance until the corresponding response row exists.
// Reaching the terminal step finalizes the session: exactly one completion
// per session, with its notification, no matter how often completion is
// retried.
func (e Engine) AdvanceStep(ctx context.Context, opts StepAdvanceOptions, actor auth.Actor) (domain.Session, error) {
	s, pending, err := e.loadSession(ctx, opts.SessionID, actor)
	if err != nil {
		return domain.Session{}, err
	}
	if err := e.requireDrained(pending); err != nil {
		return domain.Session{}, err
	}
	if s.Status != "in_progress" {
		return domain.Session{}, ValidationError{Field: "session", Reason: "not in progress"}
	}
	cur := protocol.Position{Step: protocol.Step(s.CurrentStep), TaskCursor: s.TTOTaskCursor}
	next, err := e.sequencer().Advance(cur, protocol.Step(opts.From))
	if err != nil {
		return domain.Session{}, err
	}
	if next == cur {
		// Advancing from complete is a no-op.
		return s, nil
	}
	if err := e.checkStepData(ctx, s, cur, pending); err != nil {
		return domain.Session{}, err
	}

	if !e.online() {
		step := string(next.Step)
		cursor := next.TaskCursor
		patch := repo.SessionPatch{CurrentStep: &step, TTOTaskCursor: &cursor}
		if next.Step == protocol.StepComplete {
			status := "completed"
			at := e.ts()
			patch.Status = &status
			patch.CompletedAt = &at
		}
		if err := e.enqueuePatch(ctx, s.ID, patch); err != nil {
			return domain.Session{}, err
		}
		// Return what a subsequent overlaid read would show.
		s.CurrentStep = string(next.Step)
		s.TTOTaskCursor = next.TaskCursor
		if patch.Status != nil {
			s.Status = *patch.Status
		}
		if patch.CompletedAt != nil {
			s.CompletedAt = patch.CompletedAt
		}
		return s, nil
	}

	now := e.ts()
	var alerts []notify.Alert
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateSessionStepTx(ctx, tx, s.ID, string(next.Step), next.TaskCursor, s.UpdatedAt, now)
	if err != nil {
		return domain.Session{}, PersistenceError{Op: "step advance", Err: err}
	}
	if !ok {
		return domain.Session{}, ConflictError{SessionID: s.ID}
	}
	if err := e.Events.Append(ctx, tx, "session.step.advanced", s.StudyID, "session", s.ID, actor.ID, events.EventPayload{
		"from":   s.CurrentStep,
		"to":     string(next.Step),
		"cursor": next.TaskCursor,
	}); err != nil {
		return domain.Session{}, err
	}
	if next.Step == protocol.StepComplete {
		alerts, err = e.finalizeTx(ctx, tx, s, now, actor.ID)
		if err != nil {
			return domain.Session{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, PersistenceError{Op: "step advance", Err: err}
	}
	for _, a := range alerts {
		e.Notify.Dispatch(ctx, a)
	}
	return e.Repo.GetSession(ctx, s.ID)
}

// finalizeTx completes the session inside the caller's transaction and
// returns the alerts to dispatch after commit. The guarded status update in
// FinalizeSessionTx is what makes completion one-shot.
func (e Engine) finalizeTx(ctx context.Context, tx *sql.Tx, s domain.Session, now, actorID string) ([]notify.Alert, error) {
	ttos, err := e.Repo.ListTTOResponses(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	if err := checkTTOComplete(ttos, e.taskCount()); err != nil {
		return nil, err
	}
	if err := e.Repo.FinalizeSessionTx(ctx, tx, s.ID, now); err != nil {
		if err == repo.ErrNotFound {
			return nil, ConflictError{SessionID: s.ID}
		}
		return nil, PersistenceError{Op: "session finalize", Err: err}
	}
	if err := e.Events.Append(ctx, tx, "session.completed", s.StudyID, "session", s.ID, actorID, nil); err != nil {
		return nil, err
	}
	alerts := []notify.Alert{{
		SessionID:      s.ID,
		RespondentCode: s.RespondentCode,
		InterviewerID:  s.InterviewerID,
		Message:        fmt.Sprintf("session %s completed by %s", s.RespondentCode, s.InterviewerID),
		AlertType:      notify.AlertSessionCompleted,
	}}
	values := make([]float64, len(ttos))
	for i, t := range ttos {
		values[i] = t.FinalValue
	}
	if flagged, reason := e.rules().FlagSession(values); flagged {
		if err := e.Events.Append(ctx, tx, "session.autoflagged", s.StudyID, "session", s.ID, "system", events.EventPayload{"reason": reason}); err != nil {
			return nil, err
		}
		alerts = append(alerts, notify.Alert{
			SessionID:      s.ID,
			RespondentCode: s.RespondentCode,
			InterviewerID:  s.InterviewerID,
			Message:        fmt.Sprintf("session %s flagged: %s", s.RespondentCode, reason),
			AlertType:      notify.AlertSessionFlagged,
		})
	}
	return alerts, nil
}

func checkTTOComplete(ttos []domain.TTOResponse, want int) error {
	if len(ttos) != want {
		return ValidationError{Field: "tto", Reason: fmt.Sprintf("%d of %d tasks recorded", len(ttos), want)}
	}
	for i, t := range ttos {
		if t.TaskNumber != i+1 {
			return ValidationError{Field: "tto", Reason: fmt.Sprintf("task %d missing", i+1)}
		}
	}
	return nil
}

// checkStepData gates advancing past a data-collecting step on the child
// write being acknowledged. A durable enqueue counts as the ack while
// offline; replay applies the child write before the step patch because the
// queue preserves enqueue order.
func (e Engine) checkStepData(ctx context.Context, s domain.Session, cur protocol.Position, pending []domain.PendingAction) error {
	if !protocol.CollectsData(cur.Step) {
		return nil
	}
	switch cur.Step {
	case protocol.StepWarmup:
		if _, err := e.Repo.GetEQ5D(ctx, s.ID); err == repo.ErrNotFound {
			if !hasPendingCreate(pending, "eq5d_responses") {
				return ValidationError{Field: "warmup", Reason: "eq5d response not recorded"}
			}
		} else if err != nil {
			return err
		}
	case protocol.StepTTO:
		if _, err := e.Repo.GetTTOResponse(ctx, s.ID, cur.TaskCursor); err == repo.ErrNotFound {
			if !pendingHasTTOTask(pending, cur.TaskCursor) {
				return ValidationError{Field: "tto", Reason: fmt.Sprintf("task %d not recorded", cur.TaskCursor)}
			}
		} else if err != nil {
			return err
		}
	case protocol.StepDCE:
		responses, err := e.Repo.ListDCEResponses(ctx, s.ID)
		if err != nil {
			return err
		}
		want := 1
		if e.Config != nil && e.Config.Protocol.DCEPairs > 0 {
			want = e.Config.Protocol.DCEPairs
		}
		if len(responses)+countPendingCreates(pending, "dce_responses") < want {
			return ValidationError{Field: "dce", Reason: fmt.Sprintf("%d of %d pairs recorded", len(responses), want)}
		}
	case protocol.StepDemographics:
		if _, err := e.Repo.GetDemographics(ctx, s.ID); err == repo.ErrNotFound {
			if !hasPendingCreate(pending, "demographics") {
				return ValidationError{Field: "demographics", Reason: "not recorded"}
			}
		} else if err != nil {
			return err
		}
	}
	return nil
}

type StepBackOptions struct {
	SessionID string
	To        string
}

// BackStep moves to an earlier step for review. Collected responses and the
// task cursor are untouched.
func (e Engine) BackStep(ctx context.Context, opts StepBackOptions, actor auth.Actor) (domain.Session, error) {
	s, pending, err := e.loadSession(ctx, opts.SessionID, actor)
	if err != nil {
		return domain.Session{}, err
	}
	if err := e.requireDrained(pending); err != nil {
		return domain.Session{}, err
	}
	if s.Status != "in_progress" {
		return domain.Session{}, ValidationError{Field: "session", Reason: "not in progress"}
	}
	cur := protocol.Position{Step: protocol.Step(s.CurrentStep), TaskCursor: s.TTOTaskCursor}
	next, err := e.sequencer().Back(cur, protocol.Step(opts.To))
	if err != nil {
		return domain.Session{}, err
	}
	if !e.online() {
		step := string(next.Step)
		cursor := next.TaskCursor
		if err := e.enqueuePatch(ctx, s.ID, repo.SessionPatch{CurrentStep: &step, TTOTaskCursor: &cursor}); err != nil {
			return domain.Session{}, err
		}
		s.CurrentStep = string(next.Step)
		return s, nil
	}
	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateSessionStepTx(ctx, tx, s.ID, string(next.Step), next.TaskCursor, s.UpdatedAt, now)
	if err != nil {
		return domain.Session{}, PersistenceError{Op: "step back", Err: err}
	}
	if !ok {
		return domain.Session{}, ConflictError{SessionID: s.ID}
	}
	if err := e.Events.Append(ctx, tx, "session.step.back", s.StudyID, "session", s.ID, actor.ID, events.EventPayload{
		"from": s.CurrentStep,
		"to":   string(next.Step),
	}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return e.Repo.GetSession(ctx, s.ID)
}

// AbandonSession ends an interview without completion. Responses collected
// so far are kept for partial analysis.
func (e Engine) AbandonSession(ctx context.Context, sessionID string, actor auth.Actor) (domain.Session, error) {
	s, pending, err := e.loadSession(ctx, sessionID, actor)
	if err != nil {
		return domain.Session{}, err
	}
	if err := e.requireDrained(pending); err != nil {
		return domain.Session{}, err
	}
	if s.Status != "in_progress" {
		return domain.Session{}, ValidationError{Field: "session", Reason: "not in progress"}
	}
	if !e.online() {
		status := "abandoned"
		if err := e.enqueuePatch(ctx, s.ID, repo.SessionPatch{Status: &status}); err != nil {
			return domain.Session{}, err
		}
		s.Status = status
		return s, nil
	}
	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.AbandonSessionTx(ctx, tx, s.ID, now); err != nil {
		if err == repo.ErrNotFound {
			return domain.Session{}, ConflictError{SessionID: s.ID}
		}
		return domain.Session{}, PersistenceError{Op: "session abandon", Err: err}
	}
	if err := e.Events.Append(ctx, tx, "session.abandoned", s.StudyID, "session", s.ID, actor.ID, nil); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return e.Repo.GetSession(ctx, s.ID)
}

// --- responses ---

type EQ5DRecordOptions struct {
	SessionID  string
	Mobility   int
	SelfCare   int
	Activities int
	Pain       int
	Anxiety    int
	VASScore   int
}

// RecordEQ5D stores the warm-up self-report. One per session.
func (e Engine) RecordEQ5D(ctx context.Context, opts EQ5DRecordOptions, actor auth.Actor) (domain.EQ5DResponse, error) {
	s, pending, err := e.loadSession(ctx, opts.SessionID, actor)
	if err != nil {
		return domain.EQ5DResponse{}, err
	}
	if err := e.requireDrained(pending); err != nil {
		return domain.EQ5DResponse{}, err
	}
	if err := e.requireStep(s, protocol.StepWarmup); err != nil {
		return domain.EQ5DResponse{}, err
	}
	for _, dim := range []struct {
		name  string
		level int
	}{
		{"mobility", opts.Mobility},
		{"self_care", opts.SelfCare},
		{"usual_activities", opts.Activities},
		{"pain_discomfort", opts.Pain},
		{"anxiety_depression", opts.Anxiety},
	} {
		if dim.level < 1 || dim.level > 5 {
			return domain.EQ5DResponse{}, ValidationError{Field: dim.name, Reason: "level must be 1-5"}
		}
	}
	if opts.VASScore < 0 || opts.VASScore > 100 {
		return domain.EQ5DResponse{}, ValidationError{Field: "vas_score", Reason: "must be 0-100"}
	}
	if _, err := e.Repo.GetEQ5D(ctx, s.ID); err == nil {
		return domain.EQ5DResponse{}, ValidationError{Field: "eq5d", Reason: "already recorded"}
	} else if err != repo.ErrNotFound {
		return domain.EQ5DResponse{}, err
	}
	if hasPendingCreate(pending, "eq5d_responses") {
		return domain.EQ5DResponse{}, ValidationError{Field: "eq5d", Reason: "already recorded"}
	}
	rec := domain.EQ5DResponse{
		SessionID:  s.ID,
		Mobility:   opts.Mobility,
		SelfCare:   opts.SelfCare,
		Activities: opts.Activities,
		Pain:       opts.Pain,
		Anxiety:    opts.Anxiety,
		VASScore:   opts.VASScore,
		RecordedAt: e.ts(),
	}
	if !e.online() {
		return rec, e.enqueueCreate(ctx, s.ID, "eq5d_responses", rec)
	}
	return rec, e.applyEQ5D(ctx, s.StudyID, rec, actor.ID)
}

func (e Engine) applyEQ5D(ctx context.Context, studyID string, rec domain.EQ5DResponse, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEQ5DTx(ctx, tx, rec); err != nil {
		return PersistenceError{Op: "eq5d record", Err: err}
	}
	if err := e.Events.Append(ctx, tx, "response.eq5d.recorded", studyID, "eq5d_response", rec.SessionID, actorID, events.EventPayload{
		"vas_score": rec.VASScore,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

type TTORecordOptions struct {
	SessionID        string
	TaskNumber       int
	HealthState      string
	WorseThanDeath   bool
	Years            float64
	MovesCount       int
	TimeSpentSeconds int
}

// RecordTTO confirms one TTO task: the slider position is valued, the
// quality heuristics run, and the response is stored immutably. Tasks must
// be confirmed in cursor order.
func (e Engine) RecordTTO(ctx context.Context, opts TTORecordOptions, actor auth.Actor) (domain.TTOResponse, error) {
	s, pending, err := e.loadSession(ctx, opts.SessionID, actor)
	if err != nil {
		return domain.TTOResponse{}, err
	}
	if err := e.requireDrained(pending); err != nil {
		return domain.TTOResponse{}, err
	}
	if err := e.requireStep(s, protocol.StepTTO); err != nil {
		return domain.TTOResponse{}, err
	}
	if opts.TaskNumber != s.TTOTaskCursor {
		return domain.TTOResponse{}, ValidationError{Field: "task_number", Reason: fmt.Sprintf("session is at task %d, got %d", s.TTOTaskCursor, opts.TaskNumber)}
	}
	if _, err := e.Repo.GetTTOResponse(ctx, s.ID, opts.TaskNumber); err == nil {
		return domain.TTOResponse{}, ValidationError{Field: "task_number", Reason: fmt.Sprintf("task %d already recorded", opts.TaskNumber)}
	} else if err != repo.ErrNotFound {
		return domain.TTOResponse{}, err
	}
	if pendingHasTTOTask(pending, opts.TaskNumber) {
		return domain.TTOResponse{}, ValidationError{Field: "task_number", Reason: fmt.Sprintf("task %d already recorded", opts.TaskNumber)}
	}
	years := opts.Years
	if e.Config != nil && e.Config.Protocol.SliderStep > 0 {
		years = protocol.SnapToStep(years, e.Config.Protocol.SliderStep)
	}
	val, err := protocol.Value(opts.WorseThanDeath, years, e.leadLimit())
	if err != nil {
		return domain.TTOResponse{}, err
	}
	state := opts.HealthState
	if state == "" && e.Config != nil {
		state = e.Config.HealthStateForTask(opts.TaskNumber)
	}
	if state == "" {
		return domain.TTOResponse{}, ValidationError{Field: "health_state", Reason: "required"}
	}
	flagged, reason := e.rules().FlagResponse(protocol.ResponseSample{
		FinalValue:       val.FinalValue,
		MovesCount:       opts.MovesCount,
		TimeSpentSeconds: opts.TimeSpentSeconds,
	})
	rec := domain.TTOResponse{
		ID:               uuid.New().String(),
		SessionID:        s.ID,
		TaskNumber:       opts.TaskNumber,
		HealthState:      state,
		FinalValue:       val.FinalValue,
		WorseThanDeath:   val.WorseThanDeath,
		LeadTimeValue:    val.LeadTimeValue,
		Flagged:          flagged,
		MovesCount:       opts.MovesCount,
		TimeSpentSeconds: opts.TimeSpentSeconds,
		RecordedAt:       e.ts(),
	}
	if reason != "" {
		rec.FlagReason = &reason
	}
	if !e.online() {
		return rec, e.enqueueCreate(ctx, s.ID, "tto_responses", rec)
	}
	return rec, e.applyTTO(ctx, s.StudyID, rec, actor.ID)
}

func (e Engine) applyTTO(ctx context.Context, studyID string, rec domain.TTOResponse, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTTOTx(ctx, tx, rec); err != nil {
		return PersistenceError{Op: "tto record", Err: err}
	}
	payload := events.EventPayload{
		"task_number":         rec.TaskNumber,
		"health_state":        rec.HealthState,
		"final_value":         rec.FinalValue,
		"is_worse_than_death": rec.WorseThanDeath,
	}
	if rec.Flagged && rec.FlagReason != nil {
		payload["flag_reason"] = *rec.FlagReason
	}
	if err := e.Events.Append(ctx, tx, "response.tto.recorded", studyID, "tto_response", rec.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

type DCERecordOptions struct {
	SessionID    string
	PairNumber   int
	HealthStateA string
	HealthStateB string
	Choice       string
}

// RecordDCE stores one discrete-choice pair.
func (e Engine) RecordDCE(ctx context.Context, opts DCERecordOptions, actor auth.Actor) (domain.DCEResponse, error) {
	s, pending, err := e.loadSession(ctx, opts.SessionID, actor)
	if err != nil {
		return domain.DCEResponse{}, err
	}
	if err := e.requireDrained(pending); err != nil {
		return domain.DCEResponse{}, err
	}
	if err := e.requireStep(s, protocol.StepDCE); err != nil {
		return domain.DCEResponse{}, err
	}
	if opts.PairNumber < 1 {
		return domain.DCEResponse{}, ValidationError{Field: "pair_number", Reason: "must be positive"}
	}
	if opts.Choice != "a" && opts.Choice != "b" {
		return domain.DCEResponse{}, ValidationError{Field: "choice", Reason: `must be "a" or "b"`}
	}
	if opts.HealthStateA == "" || opts.HealthStateB == "" {
		return domain.DCEResponse{}, ValidationError{Field: "health_state", Reason: "both states required"}
	}
	existing, err := e.Repo.ListDCEResponses(ctx, s.ID)
	if err != nil {
		return domain.DCEResponse{}, err
	}
	for _, d := range existing {
		if d.PairNumber == opts.PairNumber {
			return domain.DCEResponse{}, ValidationError{Field: "pair_number", Reason: fmt.Sprintf("pair %d already recorded", opts.PairNumber)}
		}
	}
	if pendingHasDCEPair(pending, opts.PairNumber) {
		return domain.DCEResponse{}, ValidationError{Field: "pair_number", Reason: fmt.Sprintf("pair %d already recorded", opts.PairNumber)}
	}
	rec := domain.DCEResponse{
		ID:           uuid.New().String(),
		SessionID:    s.ID,
		PairNumber:   opts.PairNumber,
		HealthStateA: opts.HealthStateA,
		HealthStateB: opts.HealthStateB,
		Choice:       opts.Choice,
		RecordedAt:   e.ts(),
	}
	if !e.online() {
		return rec, e.enqueueCreate(ctx, s.ID, "dce_responses", rec)
	}
	return rec, e.applyDCE(ctx, s.StudyID, rec, actor.ID)
}

func (e Engine) applyDCE(ctx context.Context, studyID string, rec domain.DCEResponse, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDCETx(ctx, tx, rec); err != nil {
		return PersistenceError{Op: "dce record", Err: err}
	}
	if err := e.Events.Append(ctx, tx, "response.dce.recorded", studyID, "dce_response", rec.ID, actorID, events.EventPayload{
		"pair_number": rec.PairNumber,
		"choice":      rec.Choice,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

type DemographicsRecordOptions struct {
	SessionID        string
	AgeBand          string
	Gender           string
	EducationLevel   string
	EmploymentStatus string
	Region           *string
}

// RecordDemographics stores the closing questionnaire. Re-recording
// overwrites: corrections before completion are expected.
func (e Engine) RecordDemographics(ctx context.Context, opts DemographicsRecordOptions, actor auth.Actor) (domain.Demographics, error) {
	s, pending, err := e.loadSession(ctx, opts.SessionID, actor)
	if err != nil {
		return domain.Demographics{}, err
	}
	if err := e.requireDrained(pending); err != nil {
		return domain.Demographics{}, err
	}
	if err := e.requireStep(s, protocol.StepDemographics); err != nil {
		return domain.Demographics{}, err
	}
	rec := domain.Demographics{
		SessionID:        s.ID,
		AgeBand:          opts.AgeBand,
		Gender:           opts.Gender,
		EducationLevel:   opts.EducationLevel,
		EmploymentStatus: opts.EmploymentStatus,
		Region:           opts.Region,
		RecordedAt:       e.ts(),
	}
	if !e.online() {
		return rec, e.enqueueCreate(ctx, s.ID, "demographics", rec)
	}
	return rec, e.applyDemographics(ctx, s.StudyID, rec, actor.ID)
}

func (e Engine) applyDemographics(ctx context.Context, studyID string, rec domain.Demographics, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertDemographicsTx(ctx, tx, rec); err != nil {
		return PersistenceError{Op: "demographics record", Err: err}
	}
	if err := e.Events.Append(ctx, tx, "demographics.recorded", studyID, "demographics", rec.SessionID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

type NoteAddOptions struct {
	SessionID string
	Note      string
}

// AddNote attaches a free-text interviewer note. Notes are allowed on any
// session status; context written after completion is still useful to
// reviewers.
func (e Engine) AddNote(ctx context.Context, opts NoteAddOptions, actor auth.Actor) (domain.SessionNote, error) {
	if strings.TrimSpace(opts.Note) == "" {
		return domain.SessionNote{}, ValidationError{Field: "note", Reason: "required"}
	}
	s, pending, err := e.loadSession(ctx, opts.SessionID, actor)
	if err != nil {
		return domain.SessionNote{}, err
	}
	if err := e.requireDrained(pending); err != nil {
		return domain.SessionNote{}, err
	}
	rec := domain.SessionNote{
		ID:        uuid.New().String(),
		SessionID: s.ID,
		AuthorID:  actor.ID,
		Note:      opts.Note,
		CreatedAt: e.ts(),
	}
	if !e.online() {
		return rec, e.enqueueCreate(ctx, s.ID, "session_notes", rec)
	}
	return rec, e.applyNote(ctx, s.StudyID, rec, actor.ID)
}

func (e Engine) applyNote(ctx context.Context, studyID string, rec domain.SessionNote, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertNoteTx(ctx, tx, rec); err != nil {
		return PersistenceError{Op: "note add", Err: err}
	}
	if err := e.Events.Append(ctx, tx, "note.added", studyID, "session_note", rec.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) requireStep(s domain.Session, step protocol.Step) error {
	if s.Status != "in_progress" {
		return ValidationError{Field: "session", Reason: "not in progress"}
	}
	if protocol.Step(s.CurrentStep) != step {
		return ValidationError{Field: "step", Reason: fmt.Sprintf("session at %s, operation requires %s", s.CurrentStep, step)}
	}
	return nil
}

// --- offline queue plumbing ---

func (e Engine) enqueueCreate(ctx context.Context, sessionID, table string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = e.Queue.Enqueue(ctx, domain.PendingAction{
		SessionID:   sessionID,
		Type:        queue.ActionCreate,
		TargetTable: table,
		PayloadJSON: string(data),
	})
	return err
}

func (e Engine) enqueuePatch(ctx context.Context, sessionID string, patch repo.SessionPatch) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	_, err = e.Queue.Enqueue(ctx, domain.PendingAction{
		SessionID:   sessionID,
		Type:        queue.ActionUpdate,
		TargetTable: "sessions",
		PayloadJSON: string(data),
	})
	return err
}

// ReplayQueue drains the offline queue through this engine.
func (e Engine) ReplayQueue(ctx context.Context) (queue.ReplayResult, error) {
	if e.Queue == nil {
		return queue.ReplayResult{}, errors.New("no queue configured")
	}
	return e.Queue.Replay(ctx, e)
}
