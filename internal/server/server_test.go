package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"vigil/internal/config"
	"vigil/internal/db"
	"vigil/internal/domain"
	"vigil/internal/engine"
	"vigil/internal/migrate"
	"vigil/internal/repo"
)

const testAPIKey = "vgl_test_key"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
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
	e := engine.New(conn, config.Default())
	ctx := context.Background()
	if _, err := e.CreateProject(ctx, "proj-1", "Platform revamp", "", nil, nil, "tester"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := e.Repo.InsertAPIKey(ctx, domain.APIKey{
		ID:        "key-1",
		ActorID:   "agent-1",
		Name:      "test key",
		KeyHash:   repo.HashAPIKey(testAPIKey),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	handler, err := New(Config{Engine: e, Auth: AuthConfig{JWTSecret: "test-secret", DevLogin: true}})
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.close)
	return testSrv
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
	req.Header.Set("X-Api-Key", testAPIKey)
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

func TestEscalationLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/escalations", map[string]any{
		"project_id": "proj-1",
		"type":       "manual",
		"severity":   "high",
		"reason":     "deployment needs sign-off",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, data)
	}
	var esc domain.Escalation
	if err := json.Unmarshal(data, &esc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if esc.Status != "open" {
		t.Fatalf("expected open, got %s", esc.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/escalations/"+esc.ID+"/acknowledge", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("acknowledge status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/escalations/"+esc.ID+"/resolve", map[string]any{
		"notes": "signed off",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/escalations/"+esc.ID+"/resolve", map[string]any{
		"notes": "signed off again",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second resolve status %d, want 409: %s", res.StatusCode, data)
	}
	var envelope struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Code != "conflict" {
		t.Fatalf("error code %q, want conflict", envelope.Code)
	}
}

func TestApprovalIrreversibleConfirmOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/approvals", map[string]any{
		"title":        "wipe staging data",
		"sensitivity":  "critical",
		"irreversible": true,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, data)
	}
	var req domain.ApprovalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/approvals/"+req.ID+"/process", map[string]any{
		"approve": true,
		"notes":   "wipe is safe now",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("approve without confirm status %d, want 400: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/approvals/"+req.ID+"/process", map[string]any{
		"approve": true,
		"confirm": true,
		"notes":   "wipe is safe now",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve with confirm status %d: %s", res.StatusCode, data)
	}
	var processed ProcessApprovalResponse
	if err := json.Unmarshal(data, &processed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if processed.Request.Status != "approved" {
		t.Fatalf("expected approved, got %s", processed.Request.Status)
	}
}

func TestExpiredApprovalReturnsGone(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	// seed a request whose deadline already passed
	ctx := context.Background()
	tx, err := srv.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	req := domain.ApprovalRequest{
		ID:          "appr-expired",
		Title:       "old request",
		Sensitivity: "critical",
		Status:      "pending",
		RequestedBy: "agent-1",
		CreatedAt:   now.Add(-10 * time.Hour).Format(time.RFC3339),
		ExpiresAt:   now.Add(-6 * time.Hour).Format(time.RFC3339),
	}
	if err := srv.Engine.Repo.InsertApproval(ctx, tx, req); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/approvals/"+req.ID+"/process", map[string]any{
		"approve": true,
		"notes":   "still relevant",
	}, nil)
	if res.StatusCode != http.StatusGone {
		t.Fatalf("process expired status %d, want 410: %s", res.StatusCode, data)
	}
}

func TestTaskEventTriggersRules(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/rules", map[string]any{
		"name":     "any blocked task",
		"metric":   "blocked_count",
		"operator": ">=",
		"value":    1,
		"severity": "high",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create rule status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/events/task", map[string]any{
		"event": "task.created",
		"task": map[string]any{
			"project_id": "proj-1",
			"title":      "stuck integration",
			"status":     "blocked",
		},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("task event status %d: %s", res.StatusCode, data)
	}
	var evt TaskEventResponse
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Task.ID == "" || evt.Task.Status != "blocked" {
		t.Fatalf("unexpected task: %+v", evt.Task)
	}
	if evt.RulesFired != 1 {
		t.Fatalf("expected one rule firing, got %d", evt.RulesFired)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/escalations?type=rule", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list escalations status %d: %s", res.StatusCode, data)
	}
	var listed paginatedEscalations
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listed.Items) != 1 {
		t.Fatalf("expected one rule escalation, got %d", len(listed.Items))
	}
}

func TestRequestsWithoutCredentialsRejected(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/escalations", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.StatusCode)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)

	res, err := srv.Client().Get(srv.URL + "/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", res.StatusCode)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/auth/dev/login",
		bytes.NewReader([]byte(`{"actor_id":"manager-1","roles":["manager"]}`)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	req, err = http.NewRequest(http.MethodGet, srv.URL+"/v1/escalations", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+login.Token)
	res, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authed list status %d, want 200", res.StatusCode)
	}
}
