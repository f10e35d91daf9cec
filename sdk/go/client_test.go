package drdflowsdk_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drdflow/internal/config"
	"drdflow/internal/db"
	"drdflow/internal/engine"
	"drdflow/internal/migrate"
	"drdflow/internal/server"
	drdflowsdk "drdflow/sdk/go"
)

func newClient(t *testing.T, actor string) (*drdflowsdk.Client, func(actor string) *drdflowsdk.Client) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(conn)
	require.NoError(t, err)

	cfg := config.Default("sdk")
	e := engine.New(conn, cfg)
	_, err = e.InitProject(context.Background(), engine.ProjectInput{ID: "sdk", Config: cfg}, "owner-1")
	require.NoError(t, err)

	handler, err := server.New(server.Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     server.AuthConfig{AllowLegacyActorHeader: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	as := func(actor string) *drdflowsdk.Client {
		c := drdflowsdk.New(srv.URL+"/v0", "sdk")
		c.ActorID = actor
		return c
	}
	return as(actor), as
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	owner, as := newClient(t, "owner-1")

	a, err := owner.CreateAssessment(ctx, "Baseline", "rapid-lean", map[string]any{"pillar": "ops"})
	require.NoError(t, err)
	assert.Equal(t, "RAPIDLEAN", a.Framework)
	require.NotNil(t, a.Workflow)
	assert.Equal(t, "DRAFT", a.Workflow.Status)

	st, err := owner.SubmitForReview(ctx, a.ID, []drdflowsdk.Reviewer{{UserID: "rev-1"}})
	require.NoError(t, err)
	assert.Equal(t, "IN_REVIEW", st.Status)

	reviewer := as("rev-1")
	queue, err := reviewer.MyReviews(ctx, "rev-1", true)
	require.NoError(t, err)
	require.Len(t, queue, 1)

	rating := 5
	rv, err := reviewer.CompleteReview(ctx, queue[0].ID, "APPROVE", "", &rating)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", rv.Status)

	st, err = owner.Reject(ctx, a.ID, "missing evidence")
	require.NoError(t, err)
	assert.Equal(t, "REJECTED", st.Status)
	assert.Equal(t, "missing evidence", st.RejectionReason)

	versions, err := owner.ListVersions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "ops", versions[0].Content["pillar"])
}

func TestClientDecodesAPIError(t *testing.T) {
	ctx := context.Background()
	owner, _ := newClient(t, "owner-1")

	a, err := owner.CreateAssessment(ctx, "Draft", "", nil)
	require.NoError(t, err)
	_, err = owner.Approve(ctx, a.ID, "")
	var apiErr *drdflowsdk.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, 409, apiErr.StatusCode)
	assert.Equal(t, "invalid_transition", apiErr.Code)
	assert.Equal(t, "DRAFT", apiErr.Details["from"])

	_, err = owner.PassGate(ctx, "READINESS_GATE", "")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "gate_rejected", apiErr.Code)

	gs, err := owner.NextGate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "NOT_READY", gs.Status)
	for _, c := range gs.CompletionCriteria {
		_, err := owner.RecordCriterion(ctx, gs.GateType, c.ID, true, "minutes")
		require.NoError(t, err)
	}
	p, err := owner.PassGate(ctx, gs.GateType, "ok")
	require.NoError(t, err)
	assert.Equal(t, "ASSESSMENT", p.CurrentPhase)
}
