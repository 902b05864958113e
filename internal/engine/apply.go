package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"valora/internal/domain"
	"valora/internal/engine/auth"
	"valora/internal/events"
	"valora/internal/notify"
	"valora/internal/queue"
	"valora/internal/repo"
)

// actorOffline marks writes that arrive through queue replay rather than a
// live actor.
const actorOffline = "offline"

// adminOnlyFields are session columns carrying administrator authority. A
// queued action naming any of them is rejected: the queue only ever holds
// interviewer work.
var adminOnlyFields = []string{
	"quality_status",
	"quality_reviewed_by",
	"quality_reviewed_at",
	"quality_notes",
}

// Apply replays one queued action against the store. It implements
// queue.Applier; idempotence across retries is the queue's job, so Apply
// assumes each action id reaches it at most once.
func (e Engine) Apply(ctx context.Context, a domain.PendingAction) error {
	s, err := e.Repo.GetSession(ctx, a.SessionID)
	if err != nil {
		return fmt.Errorf("session %s: %w", a.SessionID, err)
	}
	switch a.TargetTable {
	case "sessions":
		if a.Type != queue.ActionUpdate {
			return fmt.Errorf("unsupported %s action on sessions", a.Type)
		}
		return e.applySessionPatch(ctx, s, a.PayloadJSON)
	case "eq5d_responses":
		var rec domain.EQ5DResponse
		if err := json.Unmarshal([]byte(a.PayloadJSON), &rec); err != nil {
			return err
		}
		rec.SessionID = s.ID
		return e.applyEQ5D(ctx, s.StudyID, rec, actorOffline)
	case "tto_responses":
		var rec domain.TTOResponse
		if err := json.Unmarshal([]byte(a.PayloadJSON), &rec); err != nil {
			return err
		}
		rec.SessionID = s.ID
		return e.applyTTO(ctx, s.StudyID, rec, actorOffline)
	case "dce_responses":
		var rec domain.DCEResponse
		if err := json.Unmarshal([]byte(a.PayloadJSON), &rec); err != nil {
			return err
		}
		rec.SessionID = s.ID
		return e.applyDCE(ctx, s.StudyID, rec, actorOffline)
	case "demographics":
		var rec domain.Demographics
		if err := json.Unmarshal([]byte(a.PayloadJSON), &rec); err != nil {
			return err
		}
		rec.SessionID = s.ID
		return e.applyDemographics(ctx, s.StudyID, rec, actorOffline)
	case "session_notes":
		var rec domain.SessionNote
		if err := json.Unmarshal([]byte(a.PayloadJSON), &rec); err != nil {
			return err
		}
		rec.SessionID = s.ID
		return e.applyNote(ctx, s.StudyID, rec, actorOffline)
	}
	return fmt.Errorf("unknown target table %q", a.TargetTable)
}

// applySessionPatch replays a session update last-write-wins. A patch that
// completes the session goes through the guarded finalize so completion
// stays one-shot even when the same transition was already applied online.
func (e Engine) applySessionPatch(ctx context.Context, s domain.Session, payload string) error {
	if field, found := adminFieldIn(payload); found {
		return auth.PermissionError{ActorID: actorOffline, Role: auth.RoleInterviewer, Operation: "update sessions." + field}
	}
	var patch repo.SessionPatch
	if err := json.Unmarshal([]byte(payload), &patch); err != nil {
		return err
	}
	if patch.Empty() {
		return fmt.Errorf("empty session patch for %s", s.ID)
	}
	now := e.ts()
	completing := patch.Status != nil && *patch.Status == "completed"
	if completing {
		// Finalize separately; the rest of the patch stays LWW.
		patch.Status = nil
		patch.CompletedAt = nil
	}

	var alerts []notify.Alert
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if !patch.Empty() {
		if err := e.Repo.ApplySessionPatchTx(ctx, tx, s.ID, patch, now); err != nil {
			return err
		}
	}
	if completing {
		alerts, err = e.finalizeTx(ctx, tx, s, now, actorOffline)
		if err != nil {
			if _, ok := err.(ConflictError); ok {
				// Already completed through another path; converge silently.
				alerts = nil
			} else {
				return err
			}
		}
	}
	if patch.Status != nil && *patch.Status == "abandoned" {
		if err := e.Events.Append(ctx, tx, "session.abandoned", s.StudyID, "session", s.ID, actorOffline, nil); err != nil {
			return err
		}
	}
	fields := events.EventPayload{}
	if patch.CurrentStep != nil {
		fields["current_step"] = *patch.CurrentStep
	}
	if patch.TTOTaskCursor != nil {
		fields["tto_task_cursor"] = *patch.TTOTaskCursor
	}
	if patch.Status != nil {
		fields["status"] = *patch.Status
	}
	if completing {
		fields["status"] = "completed"
	}
	if err := e.Events.Append(ctx, tx, "session.synced", s.StudyID, "session", s.ID, actorOffline, fields); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, alert := range alerts {
		e.Notify.Dispatch(ctx, alert)
	}
	return nil
}

// adminFieldIn scans the raw payload keys so a rejected action can name the
// offending field without trusting the unmarshaled shape.
func adminFieldIn(payload string) (string, bool) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &keys); err != nil {
		return "", false
	}
	for _, f := range adminOnlyFields {
		if _, ok := keys[f]; ok {
			return f, true
		}
	}
	return "", false
}
