// Package valorasdk is a minimal client for the Valora sync API.
package valorasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Valora HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Session represents the API session model (partial).
type Session struct {
	ID             string  `json:"id"`
	StudyID        string  `json:"study_id"`
	RespondentCode string  `json:"respondent_code"`
	InterviewerID  string  `json:"interviewer_id"`
	Status         string  `json:"status"`
	CurrentStep    string  `json:"current_step"`
	TTOTaskCursor  int     `json:"tto_task_cursor"`
	CompletedAt    *string `json:"completed_at,omitempty"`
	QualityStatus  string  `json:"quality_status"`
}

// TTOResponse represents one confirmed time trade-off task.
type TTOResponse struct {
	ID             string   `json:"id"`
	SessionID      string   `json:"session_id"`
	TaskNumber     int      `json:"task_number"`
	HealthState    string   `json:"health_state"`
	FinalValue     float64  `json:"final_value"`
	WorseThanDeath bool     `json:"is_worse_than_death"`
	LeadTimeValue  *float64 `json:"lead_time_value,omitempty"`
	Flagged        bool     `json:"flagged"`
	FlagReason     *string  `json:"flag_reason,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	StudyID    string `json:"study_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Payload    string `json:"payload_json"`
}

// ReplayResult summarizes a queue drain.
type ReplayResult struct {
	Applied  int      `json:"applied"`
	Skipped  int      `json:"skipped"`
	Rejected []string `json:"rejected,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartSession opens an interview for a respondent code.
func (c *Client) StartSession(ctx context.Context, studyID, respondentCode, language string) (Session, error) {
	body := map[string]any{
		"study_id":        studyID,
		"respondent_code": respondentCode,
		"language":        language,
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions", body, &resp)
	return resp, err
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var resp struct {
		Session Session `json:"session"`
	}
	err := c.do(ctx, http.MethodGet, "v0/sessions/"+url.PathEscape(id), nil, &resp)
	return resp.Session, err
}

// AdvanceStep moves the session forward from the given step.
func (c *Client) AdvanceStep(ctx context.Context, sessionID, from string) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("v0/sessions/%s/advance", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"from": from}, &resp)
	return resp, err
}

// RecordTTO confirms one TTO task.
func (c *Client) RecordTTO(ctx context.Context, sessionID string, taskNumber int, worseThanDeath bool, years float64, moves, seconds int) (TTOResponse, error) {
	body := map[string]any{
		"task_number":         taskNumber,
		"is_worse_than_death": worseThanDeath,
		"years":               years,
		"moves_count":         moves,
		"time_spent_seconds":  seconds,
	}
	var resp TTOResponse
	endpoint := fmt.Sprintf("v0/sessions/%s/tto", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SetQualityStatus sets the review status on a completed session.
func (c *Client) SetQualityStatus(ctx context.Context, sessionID, status string, notes *string) (Session, error) {
	body := map[string]any{"status": status}
	if notes != nil {
		body["notes"] = *notes
	}
	var resp Session
	endpoint := fmt.Sprintf("v0/sessions/%s/quality", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// ReplayQueue drains the server-side offline queue.
func (c *Client) ReplayQueue(ctx context.Context) (ReplayResult, error) {
	var resp ReplayResult
	err := c.do(ctx, http.MethodPost, "v0/queue/replay", nil, &resp)
	return resp, err
}

// Events returns events after the given id.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if after > 0 {
		params.Set("after", fmt.Sprint(after))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
