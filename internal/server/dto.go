package server

import (
	"valora/internal/domain"
	"valora/internal/engine"
)

// Request payloads

type CreateStudyRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// ConfigYAML holds the full protocol config; omitted means defaults.
	ConfigYAML string `json:"config_yaml,omitempty"`
}

type StartSessionRequest struct {
	ID             string `json:"id,omitempty"`
	StudyID        string `json:"study_id,omitempty"`
	RespondentCode string `json:"respondent_code"`
	Language       string `json:"language,omitempty"`
	InterviewerID  string `json:"interviewer_id,omitempty"`
}

type AdvanceStepRequest struct {
	From string `json:"from" enum:"consent,warmup,practice,tto,feedback,dce,demographics,complete"`
}

type BackStepRequest struct {
	To string `json:"to" enum:"consent,warmup,practice,tto,feedback,dce,demographics"`
}

type RecordEQ5DRequest struct {
	Mobility   int `json:"mobility" minimum:"1" maximum:"5"`
	SelfCare   int `json:"self_care" minimum:"1" maximum:"5"`
	Activities int `json:"usual_activities" minimum:"1" maximum:"5"`
	Pain       int `json:"pain_discomfort" minimum:"1" maximum:"5"`
	Anxiety    int `json:"anxiety_depression" minimum:"1" maximum:"5"`
	VASScore   int `json:"vas_score" minimum:"0" maximum:"100"`
}

type RecordTTORequest struct {
	TaskNumber       int     `json:"task_number" minimum:"1"`
	HealthState      string  `json:"health_state,omitempty"`
	WorseThanDeath   bool    `json:"is_worse_than_death"`
	Years            float64 `json:"years"`
	MovesCount       int     `json:"moves_count"`
	TimeSpentSeconds int     `json:"time_spent_seconds"`
}

type RecordDCERequest struct {
	PairNumber   int    `json:"pair_number" minimum:"1"`
	HealthStateA string `json:"health_state_a"`
	HealthStateB string `json:"health_state_b"`
	Choice       string `json:"choice" enum:"a,b"`
}

type RecordDemographicsRequest struct {
	AgeBand          string  `json:"age_band,omitempty"`
	Gender           string  `json:"gender,omitempty"`
	EducationLevel   string  `json:"education_level,omitempty"`
	EmploymentStatus string  `json:"employment_status,omitempty"`
	Region           *string `json:"region,omitempty"`
}

type AddNoteRequest struct {
	Note string `json:"note"`
}

type QualityReviewRequest struct {
	Status string  `json:"status" enum:"pending,approved,flagged,rejected"`
	Notes  *string `json:"notes,omitempty"`
}

// Response payloads

type SessionDetailResponse struct {
	Session      domain.Session       `json:"session"`
	EQ5D         *domain.EQ5DResponse `json:"eq5d,omitempty"`
	TTO          []domain.TTOResponse `json:"tto,omitempty"`
	DCE          []domain.DCEResponse `json:"dce,omitempty"`
	Demographics *domain.Demographics `json:"demographics,omitempty"`
	Notes        []domain.SessionNote `json:"notes,omitempty"`
}

func sessionDetailResponse(v engine.SessionView) SessionDetailResponse {
	return SessionDetailResponse{
		Session:      v.Session,
		EQ5D:         v.EQ5D,
		TTO:          v.TTO,
		DCE:          v.DCE,
		Demographics: v.Demographics,
		Notes:        v.Notes,
	}
}

type StudyStatusResponse struct {
	StudyID       string         `json:"study_id"`
	Status        string         `json:"status"`
	SessionCounts map[string]int `json:"session_counts"`
	QueueDepth    int            `json:"queue_depth"`
}

type QueueStatusResponse struct {
	Depth   int                    `json:"depth"`
	Pending []domain.PendingAction `json:"pending,omitempty"`
}

type ReplayResponse struct {
	Applied  int      `json:"applied"`
	Skipped  int      `json:"skipped"`
	Rejected []string `json:"rejected,omitempty"`
}

type QueueResetResponse struct {
	Dropped int64 `json:"dropped"`
}
