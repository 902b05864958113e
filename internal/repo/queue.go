package repo

import (
	"context"
	"database/sql"

	"valora/internal/domain"
)

// Pending actions are the durable half of the offline queue: enqueued before
// any network attempt, drained strictly in seq order, removed on successful
// replay. applied_actions is the idempotence ledger.

func (r Repo) InsertPendingAction(ctx context.Context, a domain.PendingAction) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO pending_actions(id,session_id,type,target_table,payload_json,enqueued_at)
VALUES (?,?,?,?,?,?)`,
		a.ID, a.SessionID, a.Type, a.TargetTable, a.PayloadJSON, a.EnqueuedAt)
	return err
}

func (r Repo) ListPendingActions(ctx context.Context, sessionID string) ([]domain.PendingAction, error) {
	query := `SELECT seq,id,session_id,type,target_table,payload_json,enqueued_at FROM pending_actions`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id=?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY seq ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PendingAction
	for rows.Next() {
		var a domain.PendingAction
		if err := rows.Scan(&a.Seq, &a.ID, &a.SessionID, &a.Type, &a.TargetTable, &a.PayloadJSON, &a.EnqueuedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CountPendingActions(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_actions`).Scan(&n)
	return n, err
}

func (r Repo) DeletePendingActionTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM pending_actions WHERE id=?`, id)
	return err
}

// ClearPendingActions drops the whole queue. Only the corrupt-queue recovery
// path calls this.
func (r Repo) ClearPendingActions(ctx context.Context) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM pending_actions`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) MarkActionAppliedTx(ctx context.Context, tx *sql.Tx, id, outcome, appliedAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO applied_actions(id,outcome,applied_at) VALUES (?,?,?)`, id, outcome, appliedAt)
	return err
}

func (r Repo) ActionApplied(ctx context.Context, id string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM applied_actions WHERE id=? LIMIT 1`, id)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
