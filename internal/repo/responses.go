package repo

import (
	"context"
	"database/sql"

	"valora/internal/domain"
)

// --- EQ-5D warm-up ---

func (r Repo) InsertEQ5DTx(ctx context.Context, tx *sql.Tx, e domain.EQ5DResponse) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO eq5d_responses(session_id,mobility,self_care,usual_activities,pain_discomfort,anxiety_depression,vas_score,recorded_at)
VALUES (?,?,?,?,?,?,?,?)`,
		e.SessionID, e.Mobility, e.SelfCare, e.Activities, e.Pain, e.Anxiety, e.VASScore, e.RecordedAt)
	return err
}

func (r Repo) GetEQ5D(ctx context.Context, sessionID string) (domain.EQ5DResponse, error) {
	var e domain.EQ5DResponse
	err := r.DB.QueryRowContext(ctx, `SELECT session_id,mobility,self_care,usual_activities,pain_discomfort,anxiety_depression,vas_score,recorded_at
FROM eq5d_responses WHERE session_id=?`, sessionID).
		Scan(&e.SessionID, &e.Mobility, &e.SelfCare, &e.Activities, &e.Pain, &e.Anxiety, &e.VASScore, &e.RecordedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

// --- TTO tasks ---

func (r Repo) InsertTTOTx(ctx context.Context, tx *sql.Tx, t domain.TTOResponse) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tto_responses(id,session_id,task_number,health_state,final_value,is_worse_than_death,lead_time_value,flagged,flag_reason,moves_count,time_spent_seconds,recorded_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.SessionID, t.TaskNumber, t.HealthState, t.FinalValue, boolInt(t.WorseThanDeath), nullableFloatPtr(t.LeadTimeValue),
		boolInt(t.Flagged), nullableStringPtr(t.FlagReason), t.MovesCount, t.TimeSpentSeconds, t.RecordedAt)
	return err
}

func scanTTO(scan func(dest ...any) error) (domain.TTOResponse, error) {
	var t domain.TTOResponse
	var wtd, flagged int
	var leadTime sql.NullFloat64
	var reason sql.NullString
	err := scan(&t.ID, &t.SessionID, &t.TaskNumber, &t.HealthState, &t.FinalValue, &wtd, &leadTime, &flagged, &reason, &t.MovesCount, &t.TimeSpentSeconds, &t.RecordedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.WorseThanDeath = wtd != 0
	t.Flagged = flagged != 0
	if leadTime.Valid {
		t.LeadTimeValue = &leadTime.Float64
	}
	if reason.Valid {
		t.FlagReason = &reason.String
	}
	return t, nil
}

const ttoColumns = `id,session_id,task_number,health_state,final_value,is_worse_than_death,lead_time_value,flagged,flag_reason,moves_count,time_spent_seconds,recorded_at`

func (r Repo) GetTTOResponse(ctx context.Context, sessionID string, taskNumber int) (domain.TTOResponse, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ttoColumns+` FROM tto_responses WHERE session_id=? AND task_number=?`, sessionID, taskNumber)
	return scanTTO(row.Scan)
}

func (r Repo) ListTTOResponses(ctx context.Context, sessionID string) ([]domain.TTOResponse, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ttoColumns+` FROM tto_responses WHERE session_id=? ORDER BY task_number ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TTOResponse
	for rows.Next() {
		t, err := scanTTO(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTTOFlagsTx mutates only the advisory flag fields; everything else on
// a confirmed response is immutable.
func (r Repo) UpdateTTOFlagsTx(ctx context.Context, tx *sql.Tx, id string, flagged bool, reason *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tto_responses SET flagged=?, flag_reason=? WHERE id=?`,
		boolInt(flagged), nullableStringPtr(reason), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- DCE pairs ---

func (r Repo) InsertDCETx(ctx context.Context, tx *sql.Tx, d domain.DCEResponse) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dce_responses(id,session_id,pair_number,health_state_a,health_state_b,choice,recorded_at)
VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.SessionID, d.PairNumber, d.HealthStateA, d.HealthStateB, d.Choice, d.RecordedAt)
	return err
}

func (r Repo) ListDCEResponses(ctx context.Context, sessionID string) ([]domain.DCEResponse, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,pair_number,health_state_a,health_state_b,choice,recorded_at
FROM dce_responses WHERE session_id=? ORDER BY pair_number ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DCEResponse
	for rows.Next() {
		var d domain.DCEResponse
		if err := rows.Scan(&d.ID, &d.SessionID, &d.PairNumber, &d.HealthStateA, &d.HealthStateB, &d.Choice, &d.RecordedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- demographics ---

func (r Repo) UpsertDemographicsTx(ctx context.Context, tx *sql.Tx, d domain.Demographics) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO demographics(session_id,age_band,gender,education_level,employment_status,region,recorded_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(session_id) DO UPDATE SET age_band=excluded.age_band, gender=excluded.gender, education_level=excluded.education_level,
employment_status=excluded.employment_status, region=excluded.region, recorded_at=excluded.recorded_at`,
		d.SessionID, nullable(d.AgeBand), nullable(d.Gender), nullable(d.EducationLevel), nullable(d.EmploymentStatus), nullableStringPtr(d.Region), d.RecordedAt)
	return err
}

func (r Repo) GetDemographics(ctx context.Context, sessionID string) (domain.Demographics, error) {
	var d domain.Demographics
	var age, gender, edu, emp, region sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT session_id,age_band,gender,education_level,employment_status,region,recorded_at
FROM demographics WHERE session_id=?`, sessionID).
		Scan(&d.SessionID, &age, &gender, &edu, &emp, &region, &d.RecordedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.AgeBand = age.String
	d.Gender = gender.String
	d.EducationLevel = edu.String
	d.EmploymentStatus = emp.String
	if region.Valid {
		d.Region = &region.String
	}
	return d, nil
}

// --- notes ---

func (r Repo) InsertNoteTx(ctx context.Context, tx *sql.Tx, n domain.SessionNote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO session_notes(id,session_id,author_id,note,created_at) VALUES (?,?,?,?,?)`,
		n.ID, n.SessionID, n.AuthorID, n.Note, n.CreatedAt)
	return err
}

func (r Repo) ListNotes(ctx context.Context, sessionID string) ([]domain.SessionNote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,author_id,note,created_at FROM session_notes WHERE session_id=? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SessionNote
	for rows.Next() {
		var n domain.SessionNote
		if err := rows.Scan(&n.ID, &n.SessionID, &n.AuthorID, &n.Note, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
