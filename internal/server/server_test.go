package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"drdflow/internal/config"
	"drdflow/internal/db"
	"drdflow/internal/domain"
	"drdflow/internal/engine"
	"drdflow/internal/migrate"
)

const projectID = "proj-1"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestEngine(t *testing.T, cfg *config.Config) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), engine.ProjectInput{ID: cfg.Project.ID, Config: cfg}, "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return e
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	e := newTestEngine(t, config.Default(projectID))
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL + "/v0", Engine: e, client: srv.Client()}
}

// do sends body as JSON acting as actor. An empty actor sends no credentials.
func (s *testServer) do(t *testing.T, actor, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	res, err := s.client.Do(req)
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

func (s *testServer) expect(t *testing.T, status int, actor, method, path string, body, out any) {
	t.Helper()
	res, data := s.do(t, actor, method, path, body)
	if res.StatusCode != status {
		t.Fatalf("%s %s: expected %d, got %d %s", method, path, status, res.StatusCode, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("unmarshal %s: %v", string(data), err)
		}
	}
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func (s *testServer) expectError(t *testing.T, status int, code, actor, method, path string, body any) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	s.expect(t, status, actor, method, path, body, &env)
	if env.Error.Code != code {
		t.Fatalf("%s %s: expected code %s, got %+v", method, path, code, env.Error)
	}
	return env
}

func (s *testServer) createAssessment(t *testing.T) AssessmentResponse {
	t.Helper()
	var a AssessmentResponse
	s.expect(t, http.StatusCreated, "tester", http.MethodPost, "/projects/"+projectID+"/assessments", map[string]any{
		"title":   "Baseline maturity",
		"content": map[string]any{"scores": map[string]any{"strategy": 2}},
	}, &a)
	return a
}

func TestHealthIsOpen(t *testing.T) {
	srv := newTestServer(t)
	srv.expect(t, http.StatusOK, "", http.MethodGet, "/health", nil, nil)
	srv.expectError(t, http.StatusUnauthorized, "unauthorized", "", http.MethodGet, "/projects/"+projectID, nil)
}

func TestAssessmentApprovalFlow(t *testing.T) {
	srv := newTestServer(t)
	a := srv.createAssessment(t)
	if a.Workflow == nil || a.Workflow.Status != domain.StatusDraft || a.Workflow.CurrentVersion != 1 {
		t.Fatalf("unexpected new assessment: %+v", a.Workflow)
	}
	base := "/assessments/" + a.ID

	var st domain.WorkflowStatus
	srv.expect(t, http.StatusOK, "tester", http.MethodPost, base+"/submit", map[string]any{
		"reviewers": []map[string]any{{"user_id": "rev-1"}},
	}, &st)
	if st.Status != domain.StatusInReview || st.TotalReviews != 1 {
		t.Fatalf("expected IN_REVIEW with one review, got %+v", st)
	}

	var queue []domain.ReviewAssignment
	srv.expect(t, http.StatusOK, "rev-1", http.MethodGet, "/reviewers/rev-1/reviews?open=true", nil, &queue)
	if len(queue) != 1 {
		t.Fatalf("expected one open review, got %d", len(queue))
	}
	srv.expectError(t, http.StatusForbidden, "forbidden", "rev-2", http.MethodGet, "/reviewers/rev-1/reviews", nil)

	reviewID := queue[0].ID
	srv.expect(t, http.StatusOK, "rev-1", http.MethodPost, "/reviews/"+reviewID+"/start", nil, nil)
	var rv domain.ReviewAssignment
	srv.expect(t, http.StatusOK, "rev-1", http.MethodPost, "/reviews/"+reviewID+"/complete", map[string]any{
		"recommendation": "approve",
		"comments":       "solid baseline",
		"rating":         4,
	}, &rv)
	if rv.Status != domain.ReviewCompleted {
		t.Fatalf("expected COMPLETED, got %s", rv.Status)
	}

	var progress domain.ReviewProgress
	srv.expect(t, http.StatusOK, "tester", http.MethodGet, base+"/reviews/progress", nil, &progress)
	if progress.Percentage != 100 {
		t.Fatalf("expected 100%%, got %v", progress.Percentage)
	}

	srv.expect(t, http.StatusOK, "tester", http.MethodGet, base+"/workflow", nil, &st)
	if st.Status != domain.StatusAwaitingApproval || !st.CanApprove {
		t.Fatalf("expected AWAITING_APPROVAL, got %+v", st)
	}

	env := srv.expectError(t, http.StatusForbidden, "forbidden", "rev-1", http.MethodPost, base+"/approve", map[string]any{})
	if env.Error.Details["permission"] != "workflow.approve" {
		t.Fatalf("expected permission detail, got %+v", env.Error.Details)
	}
	srv.expect(t, http.StatusOK, "tester", http.MethodPost, base+"/approve", map[string]any{"notes": "go"}, &st)
	if st.Status != domain.StatusApproved || st.ApprovalNotes != "go" {
		t.Fatalf("expected APPROVED, got %+v", st)
	}
	srv.expect(t, http.StatusOK, "tester", http.MethodPost, base+"/archive", nil, &st)
	if st.Status != domain.StatusArchived {
		t.Fatalf("expected ARCHIVED, got %s", st.Status)
	}
}

func TestInvalidTransitionIsConflict(t *testing.T) {
	srv := newTestServer(t)
	a := srv.createAssessment(t)
	env := srv.expectError(t, http.StatusConflict, "invalid_transition", "tester", http.MethodPost, "/assessments/"+a.ID+"/approve", map[string]any{})
	if env.Error.Details["from"] != "DRAFT" || env.Error.Details["event"] != "approve" {
		t.Fatalf("unexpected details: %+v", env.Error.Details)
	}
	srv.expectError(t, http.StatusConflict, "invalid_transition", "tester", http.MethodPost, "/assessments/"+a.ID+"/submit", map[string]any{})
}

func TestVersionsEndpoints(t *testing.T) {
	srv := newTestServer(t)
	a := srv.createAssessment(t)
	base := "/assessments/" + a.ID

	var v VersionResponse
	srv.expect(t, http.StatusCreated, "tester", http.MethodPost, base+"/versions", map[string]any{
		"content": map[string]any{"scores": map[string]any{"strategy": 3}},
	}, &v)
	if v.Version != 2 {
		t.Fatalf("expected version 2, got %d", v.Version)
	}

	var list []VersionResponse
	srv.expect(t, http.StatusOK, "tester", http.MethodGet, base+"/versions", nil, &list)
	if len(list) != 2 || list[0].Version != 2 {
		t.Fatalf("expected newest first, got %+v", list)
	}

	srv.expect(t, http.StatusCreated, "tester", http.MethodPost, base+"/versions/1/restore", nil, &v)
	if v.Version != 3 || v.RestoredFrom == nil || *v.RestoredFrom != 1 {
		t.Fatalf("unexpected restored version: %+v", v)
	}
	srv.expectError(t, http.StatusNotFound, "not_found", "tester", http.MethodGet, base+"/versions/9", nil)
	srv.expectError(t, http.StatusNotFound, "not_found", "tester", http.MethodGet, "/assessments/missing", nil)
}

func TestPermissionsAreProjectScoped(t *testing.T) {
	srv := newTestServer(t)
	a := srv.createAssessment(t)
	srv.expectError(t, http.StatusForbidden, "forbidden", "stranger", http.MethodGet, "/assessments/"+a.ID, nil)
	srv.expectError(t, http.StatusForbidden, "forbidden", "stranger", http.MethodPost, "/projects/"+projectID+"/assessments", map[string]any{"title": "x"})

	srv.expect(t, http.StatusNoContent, "tester", http.MethodPost, "/projects/"+projectID+"/rbac/roles/assign", map[string]any{
		"actor_id": "stranger",
		"role_id":  "assessor",
	}, nil)
	srv.expect(t, http.StatusOK, "stranger", http.MethodGet, "/assessments/"+a.ID, nil, nil)

	var who WhoAmIResponse
	srv.expect(t, http.StatusOK, "stranger", http.MethodGet, "/projects/"+projectID+"/me/permissions", nil, &who)
	if len(who.Roles) != 1 || who.Roles[0] != "assessor" {
		t.Fatalf("unexpected roles: %+v", who.Roles)
	}
}

func TestGateEndpoints(t *testing.T) {
	srv := newTestServer(t)
	gates := "/projects/" + projectID + "/gates/"

	var gs domain.GateStatus
	srv.expect(t, http.StatusOK, "tester", http.MethodGet, gates+"next", nil, &gs)
	if gs.GateType != domain.ReadinessGate || gs.Status != domain.GateNotReady || len(gs.MissingElements) != 2 {
		t.Fatalf("unexpected next gate: %+v", gs)
	}

	env := srv.expectError(t, http.StatusUnprocessableEntity, "gate_rejected", "tester", http.MethodPost, gates+"READINESS_GATE/pass", map[string]any{})
	missing, _ := env.Error.Details["missing_elements"].([]any)
	if len(missing) != 2 {
		t.Fatalf("expected two missing elements, got %+v", env.Error.Details)
	}
	srv.expectError(t, http.StatusConflict, "out_of_order", "tester", http.MethodGet, gates+"DESIGN_GATE", nil)
	srv.expectError(t, http.StatusBadRequest, "unknown_value", "tester", http.MethodGet, gates+"LAUNCH_GATE", nil)
	srv.expectError(t, http.StatusBadRequest, "invalid_argument", "tester", http.MethodPut, gates+"readiness/criteria/nope", map[string]any{"is_met": true})

	for _, id := range []string{"context.stakeholders", "context.scope"} {
		srv.expect(t, http.StatusOK, "tester", http.MethodPut, gates+"readiness/criteria/"+id, map[string]any{
			"is_met":   true,
			"evidence": "workshop minutes",
		}, nil)
	}
	var p ProjectResponse
	srv.expect(t, http.StatusOK, "tester", http.MethodPost, gates+"READINESS_GATE/pass", map[string]any{"notes": "kickoff done"}, &p)
	if p.CurrentPhase != domain.PhaseAssessment || p.NextGate != string(domain.DesignGate) {
		t.Fatalf("unexpected project after pass: %+v", p)
	}

	var passages []domain.GatePassage
	srv.expect(t, http.StatusOK, "tester", http.MethodGet, "/projects/"+projectID+"/gates", nil, &passages)
	if len(passages) != 1 || passages[0].PassedBy != "tester" {
		t.Fatalf("unexpected passages: %+v", passages)
	}
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t)
	for i := 0; i < 3; i++ {
		srv.createAssessment(t)
	}
	var page paginatedEvents
	srv.expect(t, http.StatusOK, "tester", http.MethodGet, "/projects/"+projectID+"/events?type=assessment.created&limit=2", nil, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	srv.expect(t, http.StatusOK, "tester", http.MethodGet, "/projects/"+projectID+"/events?type=assessment.created&limit=2&cursor="+page.NextCursor, nil, &page)
	if len(page.Items) != 1 || page.NextCursor != "" {
		t.Fatalf("unexpected second page: %+v", page)
	}
	srv.expectError(t, http.StatusBadRequest, "bad_request", "tester", http.MethodGet, "/projects/"+projectID+"/events?cursor=abc", nil)
}

func TestDevLoginToken(t *testing.T) {
	srv := newTestServer(t)
	var login DevLoginResponse
	srv.expect(t, http.StatusOK, "", http.MethodPost, "/auth/dev/login", map[string]any{
		"actor_id":    "jwt-user",
		"permissions": []string{"project.read"},
	}, &login)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/me", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	res, err := srv.client.Do(req)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	defer res.Body.Close()
	var who WhoAmIResponse
	if err := json.NewDecoder(res.Body).Decode(&who); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.StatusCode != http.StatusOK || who.ActorID != "jwt-user" || len(who.Permissions) != 1 {
		t.Fatalf("unexpected whoami %d: %+v", res.StatusCode, who)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	res2, err := srv.client.Do(req)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	res2.Body.Close()
	if res2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res2.StatusCode)
	}
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		sigs     []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		sigs = append(sigs, r.Header.Get("X-Drdflow-Signature"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := config.Default(projectID)
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"workflow.*"}, Secret: "s3cret"}}
	e := newTestEngine(t, cfg)
	d := newWebhookDispatcher(e, nil)
	if d == nil {
		t.Fatal("expected dispatcher")
	}
	ctx := context.Background()
	d.dispatchAll(ctx)

	a, err := e.CreateAssessment(ctx, engine.CreateAssessmentInput{ProjectID: projectID, Title: "Hooked", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create assessment: %v", err)
	}
	if _, err := e.SubmitForReview(ctx, engine.SubmitInput{
		AssessmentID: a.ID,
		Reviewers:    []engine.ReviewerInput{{UserID: "rev-1"}},
		ActorID:      "tester",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one delivery, got %d: %+v", len(received), received)
	}
	if received[0].Type != "workflow.submitted" || received[0].EntityID != a.ID {
		t.Fatalf("unexpected delivery: %+v", received[0])
	}
	if sigs[0] == "" || sigs[0][:7] != "sha256=" {
		t.Fatalf("expected signature header, got %q", sigs[0])
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"gate.passed", "workflow.*"})
	for evt, want := range map[string]bool{
		"gate.passed":             true,
		"gate.criterion_recorded": false,
		"workflow.approved":       true,
		"assessment.created":      false,
	} {
		if got := f.match(evt); got != want {
			t.Errorf("match(%q) = %v, want %v", evt, got, want)
		}
	}
	if !newEventFilter(nil).match("anything") {
		t.Error("empty filter should match all")
	}
}

func TestUnknownStoredValueIsDataQuality(t *testing.T) {
	srv := newTestServer(t)
	if _, err := srv.Engine.DB.Exec(`UPDATE projects SET current_phase='NOWHERE' WHERE id=?`, projectID); err != nil {
		t.Fatalf("corrupt phase: %v", err)
	}
	env := srv.expectError(t, http.StatusInternalServerError, "data_quality", "tester", http.MethodGet, "/projects/"+projectID, nil)
	if env.Error.Details["entity"] != "project" || env.Error.Details["value"] != "NOWHERE" {
		t.Fatalf("unexpected details %+v", env.Error.Details)
	}
}

func TestCompleteBeforeSubmitConflicts(t *testing.T) {
	srv := newTestServer(t)
	a := srv.createAssessment(t)
	var assigned []domain.ReviewAssignment
	srv.expect(t, http.StatusCreated, "tester", http.MethodPost, "/assessments/"+a.ID+"/reviews", map[string]any{
		"reviewers": []map[string]any{{"user_id": "rev-1"}},
	}, &assigned)
	if len(assigned) != 1 {
		t.Fatalf("expected one assignment, got %+v", assigned)
	}
	srv.expectError(t, http.StatusConflict, "invalid_state", "rev-1", http.MethodPost, "/reviews/"+assigned[0].ID+"/complete", map[string]any{
		"recommendation": "approve",
	})
}
