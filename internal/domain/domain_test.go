package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
		ok   bool
	}{
		{raw: "DRAFT", want: StatusDraft, ok: true},
		{raw: "  draft ", want: StatusDraft, ok: true},
		{raw: "pending-review", want: StatusInReview, ok: true},
		{raw: "In Review", want: StatusInReview, ok: true},
		{raw: "pending_approval", want: StatusAwaitingApproval, ok: true},
		{raw: "Approved", want: StatusApproved, ok: true},
		{raw: "archived", want: StatusArchived, ok: true},
		{raw: "published", want: StatusUnknown},
		{raw: "", want: StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseStatus(tt.raw)
			assert.Equal(t, tt.want, got)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var uv *UnknownValueError
			require.ErrorAs(t, err, &uv)
			assert.Equal(t, "status", uv.Field)
			assert.Equal(t, CodeUnknownValue, CodeOf(err))
		})
	}
}

func TestParseRecommendationAndReviewStatus(t *testing.T) {
	r, err := ParseRecommendation("approve-with-changes")
	require.NoError(t, err)
	assert.Equal(t, RecommendApproveWithChanges, r)

	r, err = ParseRecommendation("maybe")
	assert.Error(t, err)
	assert.Equal(t, RecommendUnknown, r)

	s, err := ParseReviewStatus("in-progress")
	require.NoError(t, err)
	assert.Equal(t, ReviewInProgress, s)

	s, err = ParseReviewStatus("lost")
	assert.Error(t, err)
	assert.Equal(t, ReviewUnknown, s)

	f, err := ParseFramework("Rapid-Lean")
	require.NoError(t, err)
	assert.Equal(t, FrameworkRapidLean, f)
}

func TestGateTable(t *testing.T) {
	want := map[GateType][2]Phase{
		ReadinessGate: {PhaseContext, PhaseAssessment},
		DesignGate:    {PhaseAssessment, PhaseInitiatives},
		PlanningGate:  {PhaseInitiatives, PhaseRoadmap},
		ExecutionGate: {PhaseRoadmap, PhaseExecution},
		ClosureGate:   {PhaseExecution, PhaseStabilization},
	}
	require.Len(t, GateTypes, len(want))
	for i, g := range GateTypes {
		from, to, err := g.Transition()
		require.NoError(t, err)
		assert.Equal(t, want[g][0], from)
		assert.Equal(t, want[g][1], to)
		// adjacent phases, in order
		assert.Equal(t, i, from.Index())
		assert.Equal(t, i+1, to.Index())

		back, ok := GateFrom(from)
		require.True(t, ok)
		assert.Equal(t, g, back)
	}
	_, ok := GateFrom(PhaseStabilization)
	assert.False(t, ok)

	_, _, err := GateType("BOGUS").Transition()
	assert.Equal(t, CodeUnknownValue, CodeOf(err))
}

func TestParseGateTypeAndPhase(t *testing.T) {
	g, err := ParseGateType("readiness")
	require.NoError(t, err)
	assert.Equal(t, ReadinessGate, g)

	g, err = ParseGateType("closure_gate")
	require.NoError(t, err)
	assert.Equal(t, ClosureGate, g)

	_, err = ParseGateType("launch")
	assert.Error(t, err)

	p, err := ParsePhase("initiatives")
	require.NoError(t, err)
	assert.Equal(t, PhaseInitiatives, p)

	p, err = ParsePhase("warmup")
	assert.Error(t, err)
	assert.Equal(t, PhaseUnknown, p)
}

func TestErrorCodes(t *testing.T) {
	nf := fmt.Errorf("load: %w", &NotFoundError{Kind: "assessment", ID: "a1"})
	assert.True(t, errors.Is(nf, ErrNotFound))
	assert.Equal(t, CodeNotFound, CodeOf(nf))
	assert.Equal(t, CodeNotFound, CodeOf(fmt.Errorf("x: %w", ErrNotFound)))

	it := &InvalidTransitionError{From: string(StatusDraft), Event: ActionApprove}
	assert.Equal(t, "invalid transition: approve from DRAFT", it.Error())
	assert.True(t, IsCode(it, CodeInvalidTransition))

	rej := &RejectedError{GateType: DesignGate, MissingElements: []string{"a", "b"}}
	assert.Contains(t, rej.Error(), "missing a, b")
	assert.Equal(t, CodeGateRejected, CodeOf(rej))

	assert.Equal(t, CodeUnknown, CodeOf(errors.New("boom")))
}

func TestReviewOverdue(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour).Format(time.RFC3339)
	future := now.Add(time.Hour).Format(time.RFC3339)

	assert.True(t, ReviewAssignment{Status: ReviewPending, DueDate: &past}.Overdue(now))
	assert.True(t, ReviewAssignment{Status: ReviewInProgress, DueDate: &past}.Overdue(now))
	assert.False(t, ReviewAssignment{Status: ReviewCompleted, DueDate: &past}.Overdue(now))
	assert.False(t, ReviewAssignment{Status: ReviewSkipped, DueDate: &past}.Overdue(now))
	assert.False(t, ReviewAssignment{Status: ReviewPending, DueDate: &future}.Overdue(now))
	assert.False(t, ReviewAssignment{Status: ReviewPending}.Overdue(now))
}
