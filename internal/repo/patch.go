package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// SessionPatch is a partial session update replayed from the offline queue.
// Nil fields are left untouched; set fields win last-write-wins. The
// quality_* columns are deliberately absent: those carry administrator
// authority and never travel through the queue.
type SessionPatch struct {
	CurrentStep   *string `json:"current_step,omitempty"`
	TTOTaskCursor *int    `json:"tto_task_cursor,omitempty"`
	Status        *string `json:"status,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
	Language      *string `json:"language,omitempty"`
}

// Empty reports whether the patch sets nothing.
func (p SessionPatch) Empty() bool {
	return p.CurrentStep == nil && p.TTOTaskCursor == nil && p.Status == nil && p.CompletedAt == nil && p.Language == nil
}

// ApplySessionPatchTx applies a replayed patch without an updated_at guard:
// replay is last-write-wins by definition.
func (r Repo) ApplySessionPatchTx(ctx context.Context, tx *sql.Tx, id string, p SessionPatch, updatedAt string) error {
	if p.Empty() {
		return errors.New("empty session patch")
	}
	var (
		sets []string
		args []any
	)
	if p.CurrentStep != nil {
		sets = append(sets, "current_step=?")
		args = append(args, *p.CurrentStep)
	}
	if p.TTOTaskCursor != nil {
		sets = append(sets, "tto_task_cursor=?")
		args = append(args, *p.TTOTaskCursor)
	}
	if p.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, *p.Status)
	}
	if p.CompletedAt != nil {
		sets = append(sets, "completed_at=?")
		args = append(args, *p.CompletedAt)
	}
	if p.Language != nil {
		sets = append(sets, "language=?")
		args = append(args, nullable(*p.Language))
	}
	sets = append(sets, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
