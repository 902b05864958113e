package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"valora/internal/domain"
	"valora/internal/engine/auth"
	"valora/internal/queue"
	"valora/internal/repo"
)

// loadSession reads a session together with its queued offline actions and
// overlays the queued patches, so an offline device reads its own writes.
func (e Engine) loadSession(ctx context.Context, id string, actor auth.Actor) (domain.Session, []domain.PendingAction, error) {
	s, err := e.Repo.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, nil, err
	}
	if actor.Role != auth.RoleAdmin && s.InterviewerID != actor.ID {
		return domain.Session{}, nil, repo.ErrNotFound
	}
	pending, err := e.Repo.ListPendingActions(ctx, s.ID)
	if err != nil {
		return domain.Session{}, nil, err
	}
	return overlayPending(s, pending), pending, nil
}

// requireDrained refuses direct writes while replayable work is still
// queued: applying new state ahead of the queue would let an older queued
// patch overwrite it last-write-wins.
func (e Engine) requireDrained(pending []domain.PendingAction) error {
	if e.online() && len(pending) > 0 {
		return ValidationError{Field: "queue", Reason: fmt.Sprintf("%d offline actions pending; replay before new writes", len(pending))}
	}
	return nil
}

func overlayPending(s domain.Session, pending []domain.PendingAction) domain.Session {
	for _, a := range pending {
		if a.TargetTable != "sessions" || a.Type != queue.ActionUpdate {
			continue
		}
		var p repo.SessionPatch
		if err := json.Unmarshal([]byte(a.PayloadJSON), &p); err != nil {
			continue
		}
		if p.CurrentStep != nil {
			s.CurrentStep = *p.CurrentStep
		}
		if p.TTOTaskCursor != nil {
			s.TTOTaskCursor = *p.TTOTaskCursor
		}
		if p.Status != nil {
			s.Status = *p.Status
		}
		if p.CompletedAt != nil {
			s.CompletedAt = p.CompletedAt
		}
		if p.Language != nil {
			s.Language = *p.Language
		}
	}
	return s
}

func hasPendingCreate(pending []domain.PendingAction, table string) bool {
	return countPendingCreates(pending, table) > 0
}

func countPendingCreates(pending []domain.PendingAction, table string) int {
	n := 0
	for _, a := range pending {
		if a.TargetTable == table && a.Type == queue.ActionCreate {
			n++
		}
	}
	return n
}

func pendingHasTTOTask(pending []domain.PendingAction, taskNumber int) bool {
	for _, a := range pending {
		if a.TargetTable != "tto_responses" || a.Type != queue.ActionCreate {
			continue
		}
		var rec struct {
			TaskNumber int `json:"task_number"`
		}
		if err := json.Unmarshal([]byte(a.PayloadJSON), &rec); err != nil {
			continue
		}
		if rec.TaskNumber == taskNumber {
			return true
		}
	}
	return false
}

func pendingHasDCEPair(pending []domain.PendingAction, pairNumber int) bool {
	for _, a := range pending {
		if a.TargetTable != "dce_responses" || a.Type != queue.ActionCreate {
			continue
		}
		var rec struct {
			PairNumber int `json:"pair_number"`
		}
		if err := json.Unmarshal([]byte(a.PayloadJSON), &rec); err != nil {
			continue
		}
		if rec.PairNumber == pairNumber {
			return true
		}
	}
	return false
}
