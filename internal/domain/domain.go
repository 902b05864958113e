package domain

type Study struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"active,closed"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Session struct {
	ID                string  `json:"id"`
	StudyID           string  `json:"study_id"`
	RespondentCode    string  `json:"respondent_code"`
	InterviewerID     string  `json:"interviewer_id"`
	Language          string  `json:"language,omitempty"`
	Status            string  `json:"status" enum:"in_progress,completed,abandoned"`
	CurrentStep       string  `json:"current_step" enum:"consent,warmup,practice,tto,feedback,dce,demographics,complete"`
	TTOTaskCursor     int     `json:"tto_task_cursor"`
	StartedAt         string  `json:"started_at" format:"date-time"`
	CompletedAt       *string `json:"completed_at,omitempty" format:"date-time"`
	QualityStatus     string  `json:"quality_status" enum:"pending,approved,flagged,rejected"`
	QualityReviewer   *string `json:"quality_reviewed_by,omitempty"`
	QualityReviewedAt *string `json:"quality_reviewed_at,omitempty" format:"date-time"`
	QualityNotes      *string `json:"quality_notes,omitempty"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

type EQ5DResponse struct {
	SessionID  string `json:"session_id"`
	Mobility   int    `json:"mobility" minimum:"1" maximum:"5"`
	SelfCare   int    `json:"self_care" minimum:"1" maximum:"5"`
	Activities int    `json:"usual_activities" minimum:"1" maximum:"5"`
	Pain       int    `json:"pain_discomfort" minimum:"1" maximum:"5"`
	Anxiety    int    `json:"anxiety_depression" minimum:"1" maximum:"5"`
	VASScore   int    `json:"vas_score" minimum:"0" maximum:"100"`
	RecordedAt string `json:"recorded_at" format:"date-time"`
}

type TTOResponse struct {
	ID               string   `json:"id"`
	SessionID        string   `json:"session_id"`
	TaskNumber       int      `json:"task_number"`
	HealthState      string   `json:"health_state"`
	FinalValue       float64  `json:"final_value" minimum:"-1" maximum:"1"`
	WorseThanDeath   bool     `json:"is_worse_than_death"`
	LeadTimeValue    *float64 `json:"lead_time_value,omitempty"`
	Flagged          bool     `json:"flagged"`
	FlagReason       *string  `json:"flag_reason,omitempty"`
	MovesCount       int      `json:"moves_count"`
	TimeSpentSeconds int      `json:"time_spent_seconds"`
	RecordedAt       string   `json:"recorded_at" format:"date-time"`
}

type DCEResponse struct {
	ID           string `json:"id"`
	SessionID    string `json:"session_id"`
	PairNumber   int    `json:"pair_number"`
	HealthStateA string `json:"health_state_a"`
	HealthStateB string `json:"health_state_b"`
	Choice       string `json:"choice" enum:"a,b"`
	RecordedAt   string `json:"recorded_at" format:"date-time"`
}

type Demographics struct {
	SessionID        string  `json:"session_id"`
	AgeBand          string  `json:"age_band,omitempty"`
	Gender           string  `json:"gender,omitempty"`
	EducationLevel   string  `json:"education_level,omitempty"`
	EmploymentStatus string  `json:"employment_status,omitempty"`
	Region           *string `json:"region,omitempty"`
	RecordedAt       string  `json:"recorded_at" format:"date-time"`
}

type SessionNote struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	AuthorID  string `json:"author_id"`
	Note      string `json:"note"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// PendingAction is a queued offline mutation awaiting replay.
type PendingAction struct {
	ID          string `json:"id"`
	Seq         int64  `json:"seq"`
	SessionID   string `json:"session_id"`
	Type        string `json:"type" enum:"create,update,delete"`
	TargetTable string `json:"target_table"`
	PayloadJSON string `json:"payload_json"`
	EnqueuedAt  string `json:"enqueued_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	StudyID    string `json:"study_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// SessionFilter narrows session range queries.
type SessionFilter struct {
	StudyID       string
	InterviewerID string
	Status        string
	QualityStatus string
	From          string
	To            string
	Limit         int
}
