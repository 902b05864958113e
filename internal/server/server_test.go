package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"valora/internal/config"
	"valora/internal/db"
	"valora/internal/domain"
	"valora/internal/engine"
	"valora/internal/engine/auth"
	"valora/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("study-1")
	cfg.Protocol.TTOTasks = 2
	cfg.Protocol.DCEPairs = 1
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, nil)
	if _, err := e.InitStudy(context.Background(), engine.StudyInitOptions{
		ID:   "study-1",
		Name: "Valuation pilot",
	}, cfg, auth.Actor{ID: "ada", Role: auth.RoleAdmin}); err != nil {
		t.Fatalf("init study: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var asIvy = map[string]string{"X-Actor-Id": "ivy"}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
}

func TestSessionFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"respondent_code": "R-100",
	}, asIvy)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start session status %d: %s", res.StatusCode, string(data))
	}
	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if s.CurrentStep != "consent" || s.InterviewerID != "ivy" {
		t.Fatalf("unexpected session: %+v", s)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/advance", map[string]any{
		"from": "consent",
	}, asIvy)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &s)
	if s.CurrentStep != "warmup" {
		t.Fatalf("step after consent = %s", s.CurrentStep)
	}

	// Warmup gates on the EQ-5D response.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/advance", map[string]any{
		"from": "warmup",
	}, asIvy)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected gate at warmup, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/eq5d", map[string]any{
		"mobility": 2, "self_care": 1, "usual_activities": 1, "pain_discomfort": 2, "anxiety_depression": 1,
		"vas_score": 80,
	}, asIvy)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("record eq5d status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/advance", map[string]any{
		"from": "warmup",
	}, asIvy)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance past warmup status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &s)
	if s.CurrentStep != "practice" {
		t.Fatalf("step after warmup = %s", s.CurrentStep)
	}

	detailRes, detailBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+s.ID, nil, asIvy)
	if detailRes.StatusCode != http.StatusOK {
		t.Fatalf("detail status %d: %s", detailRes.StatusCode, string(detailBody))
	}
	var detail SessionDetailResponse
	if err := json.Unmarshal(detailBody, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.EQ5D == nil || detail.EQ5D.VASScore != 80 {
		t.Fatalf("detail missing eq5d: %+v", detail.EQ5D)
	}
}

func TestStaleAdvanceConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"respondent_code": "R-101",
	}, asIvy)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start session: %d %s", res.StatusCode, string(data))
	}
	var s domain.Session
	_ = json.Unmarshal(data, &s)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/advance", map[string]any{
		"from": "warmup",
	}, asIvy)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("error code = %s", envelope.Error.Code)
	}
}

func TestSessionScopingOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"respondent_code": "R-102",
	}, asIvy)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start session: %d %s", res.StatusCode, string(data))
	}
	var s domain.Session
	_ = json.Unmarshal(data, &s)

	// A different interviewer reads the foreign session as not found.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+s.ID, nil, map[string]string{"X-Actor-Id": "noa"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign session, got %d: %s", res.StatusCode, string(data))
	}

	// The admin sees it.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+s.ID, nil, map[string]string{"X-Actor-Id": "ada"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin read status %d: %s", res.StatusCode, string(data))
	}
}

func TestQualityReviewAuthority(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"respondent_code": "R-103",
	}, asIvy)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start session: %d %s", res.StatusCode, string(data))
	}
	var s domain.Session
	_ = json.Unmarshal(data, &s)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/sessions/"+s.ID+"/quality", map[string]any{
		"status": "approved",
	}, asIvy)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("interviewer review: expected 403, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/sessions/"+s.ID+"/quality", map[string]any{
		"status": "excellent",
	}, map[string]string{"X-Actor-Id": "ada"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown status: expected 400, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/sessions/"+s.ID+"/quality", map[string]any{
		"status": "flagged",
		"notes":  "spot check",
	}, map[string]string{"X-Actor-Id": "ada"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin review status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &s)
	if s.QualityStatus != "flagged" || s.QualityReviewer == nil || *s.QualityReviewer != "ada" {
		t.Fatalf("after review: %+v", s)
	}
}

func TestQueueEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/queue", nil, asIvy)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("queue status %d: %s", res.StatusCode, string(data))
	}
	var status QueueStatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal queue status: %v", err)
	}
	if status.Depth != 0 {
		t.Fatalf("depth = %d", status.Depth)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/queue/reset", nil, asIvy)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("reset as interviewer: expected 403, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/queue/replay", nil, asIvy)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replay status %d: %s", res.StatusCode, string(data))
	}
	var replay ReplayResponse
	if err := json.Unmarshal(data, &replay); err != nil {
		t.Fatalf("unmarshal replay: %v", err)
	}
	if replay.Applied != 0 {
		t.Fatalf("applied = %d on empty queue", replay.Applied)
	}
}
