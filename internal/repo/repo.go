package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"valora/internal/config"
	"valora/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- studies ---

func (r Repo) InsertStudyTx(ctx context.Context, tx *sql.Tx, s domain.Study) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO studies(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.Name, s.Status, nullable(s.Description), s.CreatedAt)
	return err
}

func (r Repo) GetStudy(ctx context.Context, id string) (domain.Study, error) {
	var s domain.Study
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,description,created_at FROM studies WHERE id=?`, id).
		Scan(&s.ID, &s.Name, &s.Status, &desc, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if desc.Valid {
		s.Description = desc.String
	}
	return s, err
}

func (r Repo) SingleStudy(ctx context.Context) (domain.Study, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,''),created_at FROM studies`)
	if err != nil {
		return domain.Study{}, err
	}
	defer rows.Close()
	var studies []domain.Study
	for rows.Next() {
		var s domain.Study
		if err := rows.Scan(&s.ID, &s.Name, &s.Status, &s.Description, &s.CreatedAt); err != nil {
			return domain.Study{}, err
		}
		studies = append(studies, s)
	}
	if len(studies) == 0 {
		return domain.Study{}, ErrNotFound
	}
	if len(studies) > 1 {
		return domain.Study{}, fmt.Errorf("multiple studies exist; specify --study")
	}
	return studies[0], nil
}

func (r Repo) ListStudies(ctx context.Context) ([]domain.Study, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,''),created_at FROM studies ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Study
	for rows.Next() {
		var s domain.Study
		if err := rows.Scan(&s.ID, &s.Name, &s.Status, &s.Description, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- study config ---

func (r Repo) UpsertStudyConfig(ctx context.Context, studyID string, cfg *config.Config) error {
	return upsertStudyConfig(ctx, r.DB, nil, studyID, cfg)
}

func (r Repo) UpsertStudyConfigTx(ctx context.Context, tx *sql.Tx, studyID string, cfg *config.Config) error {
	return upsertStudyConfig(ctx, nil, tx, studyID, cfg)
}

func upsertStudyConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, studyID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Study.ID = studyID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := marshalConfig(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO study_configs(study_id,config_yaml,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(study_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, studyID, payload, now, now)
	return err
}

func (r Repo) GetStudyConfig(ctx context.Context, studyID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM study_configs WHERE study_id=?`, studyID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromYAML([]byte(payload))
	if err != nil {
		return nil, err
	}
	if cfg.Study.ID == "" {
		cfg.Study.ID = studyID
	}
	return cfg, nil
}

// --- sessions ---

const sessionColumns = `id,study_id,respondent_code,interviewer_id,language,status,current_step,tto_task_cursor,
started_at,completed_at,quality_status,quality_reviewed_by,quality_reviewed_at,quality_notes,updated_at`

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var s domain.Session
	var lang, completedAt, reviewer, reviewedAt, notes sql.NullString
	err := scan(&s.ID, &s.StudyID, &s.RespondentCode, &s.InterviewerID, &lang, &s.Status, &s.CurrentStep, &s.TTOTaskCursor,
		&s.StartedAt, &completedAt, &s.QualityStatus, &reviewer, &reviewedAt, &notes, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if lang.Valid {
		s.Language = lang.String
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	if reviewer.Valid {
		s.QualityReviewer = &reviewer.String
	}
	if reviewedAt.Valid {
		s.QualityReviewedAt = &reviewedAt.String
	}
	if notes.Valid {
		s.QualityNotes = &notes.String
	}
	return s, nil
}

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,study_id,respondent_code,interviewer_id,language,status,current_step,tto_task_cursor,started_at,quality_status,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.StudyID, s.RespondentCode, s.InterviewerID, nullable(s.Language), s.Status, s.CurrentStep, s.TTOTaskCursor, s.StartedAt, s.QualityStatus, s.UpdatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

// RespondentCodeExists reports whether the interviewer already used the code.
func (r Repo) RespondentCodeExists(ctx context.Context, interviewerID, code string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE interviewer_id=? AND respondent_code=? LIMIT 1`, interviewerID, code)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// UpdateSessionStepTx moves current_step/cursor, guarded by the previously
// read updated_at so a stale resume surfaces as zero rows affected.
func (r Repo) UpdateSessionStepTx(ctx context.Context, tx *sql.Tx, id, step string, cursor int, prevUpdatedAt, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET current_step=?, tto_task_cursor=?, updated_at=? WHERE id=? AND updated_at=?`,
		step, cursor, updatedAt, id, prevUpdatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) FinalizeSessionTx(ctx context.Context, tx *sql.Tx, id, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status='completed', completed_at=?, updated_at=? WHERE id=? AND status='in_progress'`,
		completedAt, completedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AbandonSessionTx(ctx context.Context, tx *sql.Tx, id, at string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status='abandoned', updated_at=? WHERE id=? AND status='in_progress'`, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionQualityTx writes the administrator-authority fields. These
// columns are disjoint from interviewer step/response writes, so review never
// races an in-progress interview.
func (r Repo) UpdateSessionQualityTx(ctx context.Context, tx *sql.Tx, id, status, reviewerID, reviewedAt string, notes *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET quality_status=?, quality_reviewed_by=?, quality_reviewed_at=?, quality_notes=? WHERE id=?`,
		status, reviewerID, reviewedAt, nullableStringPtr(notes), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListSessions(ctx context.Context, f domain.SessionFilter) ([]domain.Session, error) {
	var (
		clauses []string
		args    []any
	)
	if f.StudyID != "" {
		clauses = append(clauses, "study_id=?")
		args = append(args, f.StudyID)
	}
	if f.InterviewerID != "" {
		clauses = append(clauses, "interviewer_id=?")
		args = append(args, f.InterviewerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.QualityStatus != "" {
		clauses = append(clauses, "quality_status=?")
		args = append(args, f.QualityStatus)
	}
	if f.From != "" {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		clauses = append(clauses, "started_at <= ?")
		args = append(args, f.To)
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountSessionsByStatus(ctx context.Context, studyID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM sessions WHERE study_id=? GROUP BY status`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- events ---

func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, studyID string) ([]domain.Event, error) {
	clauses := []string{"id > ?"}
	args := []any{afterID}
	if studyID != "" {
		clauses = append(clauses, "study_id=?")
		args = append(args, studyID)
	}
	query := `SELECT id,ts,type,COALESCE(study_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.StudyID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context, studyID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if studyID != "" {
		query += ` WHERE study_id=?`
		args = append(args, studyID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}

// --- helpers ---

func marshalConfig(cfg *config.Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
