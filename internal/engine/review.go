package engine

import (
	"context"
	"fmt"

	"valora/internal/domain"
	"valora/internal/engine/auth"
	"valora/internal/events"
	"valora/internal/notify"
)

var qualityStatuses = map[string]bool{
	"pending":  true,
	"approved": true,
	"flagged":  true,
	"rejected": true,
}

type QualityReviewOptions struct {
	SessionID string
	Status    string
	Notes     *string
}

// SetQualityStatus records an admin review decision. Any status may move to
// any other; a later decision overwrites the earlier reviewer, timestamp and
// notes. Setting the status a session already has only refreshes the notes
// and emits no notification. Every actual transition notifies exactly once.
func (e Engine) SetQualityStatus(ctx context.Context, opts QualityReviewOptions, actor auth.Actor) (domain.Session, error) {
	if err := auth.RequireAdmin(actor, "quality_status.update"); err != nil {
		return domain.Session{}, err
	}
	if !qualityStatuses[opts.Status] {
		return domain.Session{}, ValidationError{Field: "quality_status", Reason: fmt.Sprintf("unknown status %q", opts.Status)}
	}
	s, err := e.Repo.GetSession(ctx, opts.SessionID)
	if err != nil {
		return domain.Session{}, err
	}
	now := e.ts()
	transition := s.QualityStatus != opts.Status

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actor); err != nil {
		return domain.Session{}, err
	}
	if transition {
		if err := e.Repo.UpdateSessionQualityTx(ctx, tx, s.ID, opts.Status, actor.ID, now, opts.Notes); err != nil {
			return domain.Session{}, PersistenceError{Op: "quality review", Err: err}
		}
		if err := e.Events.Append(ctx, tx, "review.status.changed", s.StudyID, "session", s.ID, actor.ID, events.EventPayload{
			"from": s.QualityStatus,
			"to":   opts.Status,
		}); err != nil {
			return domain.Session{}, err
		}
	} else {
		// Same status: keep the original reviewer and timestamp, refresh
		// the notes.
		reviewer := actor.ID
		reviewedAt := now
		if s.QualityReviewer != nil {
			reviewer = *s.QualityReviewer
		}
		if s.QualityReviewedAt != nil {
			reviewedAt = *s.QualityReviewedAt
		}
		if err := e.Repo.UpdateSessionQualityTx(ctx, tx, s.ID, opts.Status, reviewer, reviewedAt, opts.Notes); err != nil {
			return domain.Session{}, PersistenceError{Op: "quality review", Err: err}
		}
		if err := e.Events.Append(ctx, tx, "review.notes.updated", s.StudyID, "session", s.ID, actor.ID, nil); err != nil {
			return domain.Session{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	if transition {
		e.Notify.Dispatch(ctx, notify.Alert{
			SessionID:      s.ID,
			RespondentCode: s.RespondentCode,
			InterviewerID:  s.InterviewerID,
			Message:        fmt.Sprintf("quality status of %s changed from %s to %s", s.RespondentCode, s.QualityStatus, opts.Status),
			AlertType:      notify.AlertQualityStatusChanged,
		})
	}
	return e.Repo.GetSession(ctx, s.ID)
}

// PendingReview lists sessions awaiting an admin decision.
func (e Engine) PendingReview(ctx context.Context, studyID string, actor auth.Actor) ([]domain.Session, error) {
	if err := auth.RequireAdmin(actor, "quality_status.list"); err != nil {
		return nil, err
	}
	return e.Repo.ListSessions(ctx, domain.SessionFilter{
		StudyID:       studyID,
		Status:        "completed",
		QualityStatus: "pending",
	})
}
