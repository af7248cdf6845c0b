package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"threadline/internal/config"
	"threadline/internal/db"
	"threadline/internal/ledger"
	"threadline/internal/migrate"
	"threadline/internal/orchestrator"
	"threadline/internal/tracker"
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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("id-1")
	handler, err := New(Config{
		Ledger:   ledger.New(conn, cfg),
		Tracker:  tracker.New(conn, cfg),
		Orch:     orchestrator.New(cfg),
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyIdentityHeader: true},
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
	req.Header.Set("X-Identity-Id", "id-1")
	req.Header.Set("X-User-Id", "tester")
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

func createThread(t *testing.T, srv *testServer, intent string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/threads", map[string]any{
		"title":           "work",
		"founding_intent": intent,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create thread status %d: %s", res.StatusCode, string(data))
	}
	var thread ThreadResponse
	if err := json.Unmarshal(data, &thread); err != nil {
		t.Fatalf("unmarshal thread: %v", err)
	}
	return thread.ID
}

func TestSensitiveActionBlockedWithCheckpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	threadID := createThread(t, srv, "clean up old data")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/threads/"+threadID+"/actions", map[string]any{
		"action_type": "delete_dataspace",
		"impact":      "high",
		"title":       "drop the archive",
	}, nil)
	if res.StatusCode != http.StatusLocked {
		t.Fatalf("expected 423, got %d: %s", res.StatusCode, string(data))
	}
	checkpointID := res.Header.Get("X-Checkpoint-Id")
	if checkpointID == "" {
		t.Fatalf("missing X-Checkpoint-Id header")
	}
	var blocked struct {
		Checkpoint struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"checkpoint"`
	}
	if err := json.Unmarshal(data, &blocked); err != nil {
		t.Fatalf("unmarshal blocked body: %v", err)
	}
	if blocked.Checkpoint.ID != checkpointID || blocked.Checkpoint.Status != "pending" {
		t.Fatalf("checkpoint body: %+v", blocked)
	}

	// the gate surfaces as a decision point too
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/points?active=true", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list points: %d %s", res.StatusCode, string(data))
	}
	var points struct {
		Items []struct {
			PointType string `json:"point_type"`
			RefID     string `json:"ref_id"`
		} `json:"items"`
	}
	_ = json.Unmarshal(data, &points)
	if len(points.Items) != 1 || points.Items[0].PointType != "checkpoint" || points.Items[0].RefID != checkpointID {
		t.Fatalf("checkpoint point not opened: %+v", points.Items)
	}

	// approve wins, reject then conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/checkpoints/"+checkpointID+"/approve", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	var approved struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(data, &approved)
	if approved.Status != "approved" {
		t.Fatalf("approve status: %s", approved.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/checkpoints/"+checkpointID+"/reject", map[string]any{
		"reason": "too risky",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on late reject, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "checkpoint_resolved" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}
}

func TestIdentityBoundaryForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	threadID := createThread(t, srv, "private work")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/threads/"+threadID, nil, map[string]string{
		"X-Identity-Id": "id-other",
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "identity_boundary" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/threads", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	// health stays open
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v0/health", nil)
	health, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", health.StatusCode)
	}
}

func TestAppendAndListEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	threadID := createThread(t, srv, "journal")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/threads/"+threadID+"/events", map[string]any{
		"type":    "note.added",
		"payload": map[string]any{"text": "hello"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("append: %d %s", res.StatusCode, string(data))
	}
	var appended struct {
		Event struct {
			SequenceNumber int64 `json:"sequence_number"`
		} `json:"event"`
	}
	_ = json.Unmarshal(data, &appended)
	if appended.Event.SequenceNumber != 3 {
		t.Fatalf("sequence %d", appended.Event.SequenceNumber)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/threads/"+threadID+"/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var page struct {
		Items []struct {
			Type string `json:"type"`
		} `json:"items"`
		Total int64 `json:"total"`
	}
	_ = json.Unmarshal(data, &page)
	if page.Total != 3 || len(page.Items) != 3 {
		t.Fatalf("page: %+v", page)
	}
	if page.Items[0].Type != "thread.created" {
		t.Fatalf("first event %s", page.Items[0].Type)
	}
}

func TestSignalFeedsDecision(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	threadID := createThread(t, srv, "governed work")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/signals", map[string]any{
		"level":      "CORRECT",
		"criterion":  "consistency",
		"confidence": 0.7,
		"origin":     "checker",
	}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("signal: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orchestrator/decide", map[string]any{
		"thread_id": threadID,
		"scores":    map[string]any{"criticality": 0.4},
		"budgets":   map[string]any{"cost_remaining": 10000, "latency_budget_ms": 60000, "mode": "ASYNC"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide: %d %s", res.StatusCode, string(data))
	}
	var decision struct {
		Intervention    string `json:"intervention"`
		ConsumedSignals int    `json:"consumed_signals"`
		Patch           *struct {
			Constraint string `json:"constraint"`
		} `json:"patch"`
	}
	_ = json.Unmarshal(data, &decision)
	if decision.Intervention != "patch" || decision.ConsumedSignals != 1 || decision.Patch == nil {
		t.Fatalf("decision: %+v", decision)
	}

	// the decision landed in the thread log
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/threads/"+threadID+"/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page struct {
		Items []struct {
			Type string `json:"type"`
		} `json:"items"`
	}
	_ = json.Unmarshal(data, &page)
	var sawDecision, sawPatch bool
	for _, e := range page.Items {
		switch e.Type {
		case "orch_decision_made":
			sawDecision = true
		case "patch_instruction_applied":
			sawPatch = true
		}
	}
	if !sawDecision || !sawPatch {
		t.Fatalf("decision events missing: %+v", page.Items)
	}
}

func TestDecisionSchemasCoexist(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	threadID := createThread(t, srv, "two decision shapes")

	// the ledger decision body
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/threads/"+threadID+"/decisions", map[string]any{
		"title":   "use sqlite",
		"outcome": "accepted",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("record decision: %d %s", res.StatusCode, string(data))
	}
	var recorded struct {
		ID      string `json:"id"`
		Outcome string `json:"outcome"`
	}
	_ = json.Unmarshal(data, &recorded)
	if recorded.ID == "" || recorded.Outcome != "accepted" {
		t.Fatalf("recorded decision: %+v", recorded)
	}

	// the orchestrator decision body, served by the same handler
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orchestrator/decide", map[string]any{
		"thread_id": threadID,
		"scores":    map[string]any{},
		"budgets":   map[string]any{"cost_remaining": 10000, "latency_budget_ms": 60000, "mode": "ASYNC"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide: %d %s", res.StatusCode, string(data))
	}
	var decided struct {
		Intervention string `json:"intervention"`
	}
	_ = json.Unmarshal(data, &decided)
	if decided.Intervention != "proceed" {
		t.Fatalf("intervention %q", decided.Intervention)
	}

	// both schemas appear under distinct component names
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
	var oas struct {
		Components struct {
			Schemas map[string]json.RawMessage `json:"schemas"`
		} `json:"components"`
	}
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if _, ok := oas.Components.Schemas["Decision"]; !ok {
		t.Fatalf("missing Decision schema")
	}
	if _, ok := oas.Components.Schemas["GovernanceDecision"]; !ok {
		t.Fatalf("missing GovernanceDecision schema")
	}
}

func TestDoubleCompleteConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	threadID := createThread(t, srv, "actions")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/threads/"+threadID+"/actions", map[string]any{
		"action_type": "write_summary",
		"impact":      "low",
		"title":       "summarize",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create action: %d %s", res.StatusCode, string(data))
	}
	var created struct {
		Action struct {
			ID string `json:"id"`
		} `json:"action"`
	}
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+created.Action.ID+"/complete", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+created.Action.ID+"/complete", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 on double complete, got %d: %s", res.StatusCode, string(data))
	}
}
