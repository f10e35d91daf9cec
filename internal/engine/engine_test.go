package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"drdflow/internal/db"
	"drdflow/internal/domain"
	"drdflow/internal/engine"
	"drdflow/internal/engine/auth"
	"drdflow/internal/events"
	"drdflow/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, nil)
	eng.Now = func() time.Time { return fixedNow }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, engine.ProjectInput{ID: "proj-1", Name: "test"}, "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) newAssessment(t *testing.T) domain.Assessment {
	t.Helper()
	a, err := env.Engine.CreateAssessment(env.Ctx, engine.CreateAssessmentInput{
		ProjectID: "proj-1",
		Title:     "Baseline",
		Content:   json.RawMessage(`{"score":1}`),
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create assessment: %v", err)
	}
	return a
}

func reviewers(ids ...string) []engine.ReviewerInput {
	out := make([]engine.ReviewerInput, 0, len(ids))
	for _, id := range ids {
		out = append(out, engine.ReviewerInput{UserID: id, Role: "reviewer"})
	}
	return out
}

// submitted creates an assessment and submits it to the given reviewers.
func (env testEnv) submitted(t *testing.T, ids ...string) (domain.Assessment, []domain.ReviewAssignment) {
	t.Helper()
	a := env.newAssessment(t)
	st, err := env.Engine.SubmitForReview(env.Ctx, engine.SubmitInput{AssessmentID: a.ID, Reviewers: reviewers(ids...), ActorID: "tester"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if st.Status != domain.StatusInReview {
		t.Fatalf("expected IN_REVIEW, got %s", st.Status)
	}
	rvs, err := env.Engine.ListReviews(env.Ctx, a.ID, st.CurrentVersion)
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	return a, rvs
}

func (env testEnv) completeAll(t *testing.T, rvs []domain.ReviewAssignment) {
	t.Helper()
	for _, rv := range rvs {
		if _, err := env.Engine.CompleteReview(env.Ctx, engine.CompleteInput{ReviewID: rv.ID, Recommendation: "approve", ActorID: rv.ReviewerID}); err != nil {
			t.Fatalf("complete review %s: %v", rv.ID, err)
		}
	}
}

func (env testEnv) status(t *testing.T, id string) domain.WorkflowStatus {
	t.Helper()
	st, err := env.Engine.WorkflowStatus(env.Ctx, id)
	if err != nil {
		t.Fatalf("workflow status: %v", err)
	}
	return st
}

func TestCreateAssessmentStartsDraftAtVersionOne(t *testing.T) {
	env := newTestEnv(t)
	a := env.newAssessment(t)
	if a.Framework != domain.FrameworkDRD {
		t.Fatalf("expected default framework DRD, got %s", a.Framework)
	}
	st := env.status(t, a.ID)
	if st.Status != domain.StatusDraft || st.CurrentVersion != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
	if !st.CanSubmitForReview || st.CanApprove {
		t.Fatalf("unexpected predicates %+v", st)
	}
	v, err := env.Engine.GetVersion(env.Ctx, a.ID, 1)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if string(v.Content) != `{"score":1}` {
		t.Fatalf("unexpected content %s", v.Content)
	}
}

func TestCreateAssessmentValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateAssessment(env.Ctx, engine.CreateAssessmentInput{ProjectID: "proj-1", Title: "x", Framework: "astrology", ActorID: "tester"})
	if !domain.IsCode(err, domain.CodeUnknownValue) {
		t.Fatalf("expected unknown value, got %v", err)
	}
	_, err = env.Engine.CreateAssessment(env.Ctx, engine.CreateAssessmentInput{ProjectID: "missing", Title: "x", ActorID: "tester"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestVersionsAreAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	a := env.newAssessment(t)
	for i := 2; i <= 3; i++ {
		v, err := env.Engine.CreateVersion(env.Ctx, a.ID, json.RawMessage(fmt.Sprintf(`{"score":%d}`, i)), "tester")
		if err != nil {
			t.Fatalf("create version: %v", err)
		}
		if v.Version != i {
			t.Fatalf("expected version %d, got %d", i, v.Version)
		}
	}
	if st := env.status(t, a.ID); st.CurrentVersion != 3 {
		t.Fatalf("draft pointer should follow latest version, got %d", st.CurrentVersion)
	}
	if _, err := env.Engine.CreateVersion(env.Ctx, a.ID, json.RawMessage(`{not json`), "tester"); !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for bad json, got %v", err)
	}
	list, err := env.Engine.ListVersions(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(list) != 3 || list[0].Version != 3 {
		t.Fatalf("unexpected versions %+v", list)
	}
	v1, err := env.Engine.GetVersion(env.Ctx, a.ID, 1)
	if err != nil || string(v1.Content) != `{"score":1}` {
		t.Fatalf("version 1 changed: %s %v", v1.Content, err)
	}
}

func TestVersionCreatedDuringReviewKeepsPointer(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.submitted(t, "alice")
	if _, err := env.Engine.CreateVersion(env.Ctx, a.ID, json.RawMessage(`{"score":9}`), "tester"); err != nil {
		t.Fatalf("create version: %v", err)
	}
	st := env.status(t, a.ID)
	if st.Status != domain.StatusInReview || st.CurrentVersion != 1 {
		t.Fatalf("pointer moved during review: %+v", st)
	}
}

func TestSubmitRequiresReviewer(t *testing.T) {
	env := newTestEnv(t)
	a := env.newAssessment(t)
	_, err := env.Engine.SubmitForReview(env.Ctx, engine.SubmitInput{AssessmentID: a.ID, ActorID: "tester"})
	var ite *domain.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if st := env.status(t, a.ID); st.Status != domain.StatusDraft {
		t.Fatalf("status changed on failed submit: %s", st.Status)
	}
	_, err = env.Engine.SubmitForReview(env.Ctx, engine.SubmitInput{AssessmentID: a.ID, Reviewers: reviewers("alice", "alice"), ActorID: "tester"})
	if !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for duplicate reviewer, got %v", err)
	}
}

func TestHappyPathToApproved(t *testing.T) {
	env := newTestEnv(t)
	a, rvs := env.submitted(t, "alice", "bob")
	if len(rvs) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(rvs))
	}
	if _, err := env.Engine.StartReview(env.Ctx, rvs[0].ID, rvs[0].ReviewerID); err != nil {
		t.Fatalf("start review: %v", err)
	}
	// Starting twice is harmless.
	if _, err := env.Engine.StartReview(env.Ctx, rvs[0].ID, rvs[0].ReviewerID); err != nil {
		t.Fatalf("restart review: %v", err)
	}
	env.completeAll(t, rvs[:1])
	if st := env.status(t, a.ID); st.Status != domain.StatusInReview || st.CompletedReviews != 1 || st.TotalReviews != 2 {
		t.Fatalf("unexpected mid-review status %+v", st)
	}
	p, err := env.Engine.ReviewProgress(env.Ctx, a.ID, 0)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Percentage != 50 {
		t.Fatalf("expected 50%%, got %v", p.Percentage)
	}
	env.completeAll(t, rvs[1:])
	st := env.status(t, a.ID)
	if st.Status != domain.StatusAwaitingApproval || !st.CanApprove {
		t.Fatalf("expected AWAITING_APPROVAL, got %+v", st)
	}
	st, err = env.Engine.Approve(env.Ctx, a.ID, "ship it", "tester")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if st.Status != domain.StatusApproved || st.ApprovalNotes != "ship it" || st.DecidedBy != "tester" {
		t.Fatalf("unexpected approved status %+v", st)
	}
	if _, err := env.Engine.Archive(env.Ctx, a.ID, "tester"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if st := env.status(t, a.ID); st.Status != domain.StatusArchived {
		t.Fatalf("expected ARCHIVED, got %s", st.Status)
	}
}

func TestCompletingClosedReviewFails(t *testing.T) {
	env := newTestEnv(t)
	_, rvs := env.submitted(t, "alice")
	env.completeAll(t, rvs)
	_, err := env.Engine.CompleteReview(env.Ctx, engine.CompleteInput{ReviewID: rvs[0].ID, Recommendation: "reject", ActorID: "alice"})
	if !domain.IsCode(err, domain.CodeInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	_, err = env.Engine.StartReview(env.Ctx, rvs[0].ID, "alice")
	if !domain.IsCode(err, domain.CodeInvalidTransition) {
		t.Fatalf("expected invalid transition on start, got %v", err)
	}
}

func TestCompleteReviewValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	_, rvs := env.submitted(t, "alice")
	bad := 6
	_, err := env.Engine.CompleteReview(env.Ctx, engine.CompleteInput{ReviewID: rvs[0].ID, Recommendation: "approve", Rating: &bad, ActorID: "alice"})
	if !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for rating, got %v", err)
	}
	_, err = env.Engine.CompleteReview(env.Ctx, engine.CompleteInput{ReviewID: rvs[0].ID, Recommendation: "maybe", ActorID: "alice"})
	if !domain.IsCode(err, domain.CodeUnknownValue) {
		t.Fatalf("expected unknown value for recommendation, got %v", err)
	}
	_, err = env.Engine.CompleteReview(env.Ctx, engine.CompleteInput{ReviewID: "nope", Recommendation: "approve", ActorID: "alice"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentCompletionsAwaitApprovalOnce(t *testing.T) {
	env := newTestEnv(t)
	ids := []string{"r1", "r2", "r3", "r4", "r5", "r6"}
	a, rvs := env.submitted(t, ids...)

	var wg sync.WaitGroup
	errs := make(chan error, len(rvs))
	for _, rv := range rvs {
		wg.Add(1)
		go func(rv domain.ReviewAssignment) {
			defer wg.Done()
			_, err := env.Engine.CompleteReview(env.Ctx, engine.CompleteInput{ReviewID: rv.ID, Recommendation: "approve", ActorID: rv.ReviewerID})
			errs <- err
		}(rv)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("complete review: %v", err)
		}
	}
	if st := env.status(t, a.ID); st.Status != domain.StatusAwaitingApproval {
		t.Fatalf("expected AWAITING_APPROVAL, got %s", st.Status)
	}
	n, err := env.Engine.Repo.CountEvents(env.Ctx, events.WorkflowAwaitingApproval, a.ID)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one awaiting_approval event, got %d", n)
	}
}

func TestSkipReviewRequiresAdminAndCountsAsResolved(t *testing.T) {
	env := newTestEnv(t)
	a, rvs := env.submitted(t, "alice", "bob")
	_, err := env.Engine.SkipReview(env.Ctx, rvs[1].ID, "on leave", "mallory")
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	env.completeAll(t, rvs[:1])
	if _, err := env.Engine.SkipReview(env.Ctx, rvs[1].ID, "on leave", "tester"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if st := env.status(t, a.ID); st.Status != domain.StatusAwaitingApproval {
		t.Fatalf("expected AWAITING_APPROVAL after skip, got %s", st.Status)
	}
}

func TestApproveFromDraftIsInvalidTransition(t *testing.T) {
	env := newTestEnv(t)
	a := env.newAssessment(t)
	for _, actor := range []string{"tester", "mallory"} {
		_, err := env.Engine.Approve(env.Ctx, a.ID, "", actor)
		if !domain.IsCode(err, domain.CodeInvalidTransition) {
			t.Fatalf("%s: expected invalid transition, got %v", actor, err)
		}
	}
	if st := env.status(t, a.ID); st.Status != domain.StatusDraft {
		t.Fatalf("status changed: %s", st.Status)
	}
}

func TestApproveRequiresApproverRole(t *testing.T) {
	env := newTestEnv(t)
	a, rvs := env.submitted(t, "alice")
	env.completeAll(t, rvs)
	_, err := env.Engine.Approve(env.Ctx, a.ID, "", "mallory")
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if domain.IsCode(err, domain.CodeInvalidTransition) {
		t.Fatalf("forbidden must not be reported as invalid transition")
	}
	if err := env.Engine.AssignRole(env.Ctx, "proj-1", "tester", "mallory", "approver"); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, a.ID, "", "mallory"); err != nil {
		t.Fatalf("approve after role grant: %v", err)
	}
}

type stubRoles bool

func (s stubRoles) HasAnyRole(context.Context, string, string, ...string) (bool, error) {
	return bool(s), nil
}

func TestApproveUsesRoleChecker(t *testing.T) {
	env := newTestEnv(t)
	a, rvs := env.submitted(t, "alice")
	env.completeAll(t, rvs)
	env.Engine.Roles = stubRoles(false)
	if _, err := env.Engine.Approve(env.Ctx, a.ID, "", "tester"); err == nil {
		t.Fatalf("expected forbidden from role checker")
	}
	env.Engine.Roles = stubRoles(true)
	if _, err := env.Engine.Approve(env.Ctx, a.ID, "", "anyone"); err != nil {
		t.Fatalf("approve: %v", err)
	}
}

func TestRejectAndResubmit(t *testing.T) {
	env := newTestEnv(t)
	a, rvs := env.submitted(t, "alice")
	env.completeAll(t, rvs)

	_, err := env.Engine.Reject(env.Ctx, a.ID, "  ", "tester")
	if !domain.IsCode(err, domain.CodeInvalidTransition) {
		t.Fatalf("expected invalid transition for empty reason, got %v", err)
	}
	st, err := env.Engine.Reject(env.Ctx, a.ID, "needs data", "tester")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if st.Status != domain.StatusRejected || st.RejectionReason != "needs data" {
		t.Fatalf("unexpected rejected status %+v", st)
	}
	if !st.CanSubmitForReview {
		t.Fatalf("rejected assessment should be resubmittable")
	}

	st, err = env.Engine.SubmitForReview(env.Ctx, engine.SubmitInput{AssessmentID: a.ID, Reviewers: reviewers("carol"), ActorID: "tester"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if st.Status != domain.StatusInReview || st.CurrentVersion != 2 || st.RejectionReason != "" {
		t.Fatalf("unexpected resubmitted status %+v", st)
	}
	if st.TotalReviews != 1 || st.CompletedReviews != 0 {
		t.Fatalf("expected fresh review round, got %+v", st)
	}
	v2, err := env.Engine.GetVersion(env.Ctx, a.ID, 2)
	if err != nil || string(v2.Content) != `{"score":1}` {
		t.Fatalf("resubmitted version should copy content: %s %v", v2.Content, err)
	}
}

func TestResubmitCarriesOpenAssignments(t *testing.T) {
	env := newTestEnv(t)
	a, rvs := env.submitted(t, "alice", "bob")
	env.completeAll(t, rvs[:1])
	if _, err := env.Engine.SkipReview(env.Ctx, rvs[1].ID, "", "tester"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if _, err := env.Engine.Reject(env.Ctx, a.ID, "rework", "tester"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	late, err := env.Engine.AssignReviewers(env.Ctx, engine.AssignInput{AssessmentID: a.ID, Reviewers: reviewers("dave"), ActorID: "tester"})
	if err != nil {
		t.Fatalf("assign after reject: %v", err)
	}
	if _, err := env.Engine.SubmitForReview(env.Ctx, engine.SubmitInput{AssessmentID: a.ID, Reviewers: reviewers("alice"), ActorID: "tester"}); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	round, err := env.Engine.ListReviews(env.Ctx, a.ID, 2)
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	got := map[string]domain.ReviewStatus{}
	for _, rv := range round {
		got[rv.ReviewerID] = rv.Status
	}
	if len(got) != 2 || got["alice"] != domain.ReviewPending || got["dave"] != domain.ReviewPending {
		t.Fatalf("unexpected second round %v", got)
	}
	old, err := env.Engine.GetReview(env.Ctx, late[0].ID)
	if err != nil {
		t.Fatalf("get review: %v", err)
	}
	if old.Status != domain.ReviewSkipped {
		t.Fatalf("carried assignment should be closed on the rejected version, got %s", old.Status)
	}
}

func TestReviewerWorkRequiresActiveReview(t *testing.T) {
	env := newTestEnv(t)
	a := env.newAssessment(t)
	rvs, err := env.Engine.AssignReviewers(env.Ctx, engine.AssignInput{AssessmentID: a.ID, Version: 1, Reviewers: reviewers("alice"), ActorID: "tester"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.Engine.StartReview(env.Ctx, rvs[0].ID, "alice"); !domain.IsCode(err, domain.CodeInvalidState) {
		t.Fatalf("expected invalid state starting in DRAFT, got %v", err)
	}
	_, err = env.Engine.CompleteReview(env.Ctx, engine.CompleteInput{ReviewID: rvs[0].ID, Recommendation: "approve", ActorID: "alice"})
	if !domain.IsCode(err, domain.CodeInvalidState) {
		t.Fatalf("expected invalid state completing in DRAFT, got %v", err)
	}
	st, err := env.Engine.SubmitForReview(env.Ctx, engine.SubmitInput{AssessmentID: a.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if st.Status != domain.StatusInReview || st.CompletedReviews != 0 {
		t.Fatalf("expected IN_REVIEW with nothing resolved, got %+v", st)
	}
	env.completeAll(t, rvs)
	if st := env.status(t, a.ID); st.Status != domain.StatusAwaitingApproval {
		t.Fatalf("expected AWAITING_APPROVAL, got %s", st.Status)
	}
}

func TestSubmitCountsOnlyOpenAssignments(t *testing.T) {
	env := newTestEnv(t)
	a := env.newAssessment(t)
	rvs, err := env.Engine.AssignReviewers(env.Ctx, engine.AssignInput{AssessmentID: a.ID, Reviewers: reviewers("alice"), ActorID: "tester"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.Engine.SkipReview(env.Ctx, rvs[0].ID, "unavailable", "tester"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	_, err = env.Engine.SubmitForReview(env.Ctx, engine.SubmitInput{AssessmentID: a.ID, ActorID: "tester"})
	if !domain.IsCode(err, domain.CodeInvalidTransition) {
		t.Fatalf("expected invalid transition with only skipped assignments, got %v", err)
	}
	if st := env.status(t, a.ID); st.Status != domain.StatusDraft {
		t.Fatalf("status changed on failed submit: %s", st.Status)
	}
	if _, err := env.Engine.SubmitForReview(env.Ctx, engine.SubmitInput{AssessmentID: a.ID, Reviewers: reviewers("alice"), ActorID: "tester"}); err != nil {
		t.Fatalf("submit with skipped reviewer re-added: %v", err)
	}
	queue, err := env.Engine.ListReviewsForReviewer(env.Ctx, "alice", true)
	if err != nil || len(queue) != 1 || queue[0].ID == rvs[0].ID {
		t.Fatalf("expected one fresh open assignment, got %+v %v", queue, err)
	}
}

func TestDraftVersionCarriesOpenAssignments(t *testing.T) {
	env := newTestEnv(t)
	a := env.newAssessment(t)
	first, err := env.Engine.AssignReviewers(env.Ctx, engine.AssignInput{AssessmentID: a.ID, Reviewers: reviewers("alice"), ActorID: "tester"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.Engine.CreateVersion(env.Ctx, a.ID, json.RawMessage(`{"score":2}`), "tester"); err != nil {
		t.Fatalf("create version: %v", err)
	}
	old, err := env.Engine.GetReview(env.Ctx, first[0].ID)
	if err != nil {
		t.Fatalf("get review: %v", err)
	}
	if old.Status != domain.ReviewSkipped {
		t.Fatalf("assignment on the replaced version should be closed, got %s", old.Status)
	}
	queue, err := env.Engine.ListReviewsForReviewer(env.Ctx, "alice", true)
	if err != nil || len(queue) != 1 || queue[0].Version != 2 {
		t.Fatalf("expected alice reassigned to version 2, got %+v %v", queue, err)
	}
	if queue[0].DueDate == nil || old.DueDate == nil || *queue[0].DueDate != *old.DueDate {
		t.Fatalf("due date not carried: %v vs %v", queue[0].DueDate, old.DueDate)
	}

	if _, err := env.Engine.SubmitForReview(env.Ctx, engine.SubmitInput{AssessmentID: a.ID, Reviewers: reviewers("bob"), ActorID: "tester"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	round, err := env.Engine.ListReviews(env.Ctx, a.ID, 2)
	if err != nil || len(round) != 2 {
		t.Fatalf("expected alice and bob on version 2, got %+v %v", round, err)
	}
	env.completeAll(t, round)
	if _, err := env.Engine.Approve(env.Ctx, a.ID, "", "tester"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	_, err = env.Engine.CompleteReview(env.Ctx, engine.CompleteInput{ReviewID: first[0].ID, Recommendation: "approve", ActorID: "alice"})
	if !domain.IsCode(err, domain.CodeInvalidTransition) {
		t.Fatalf("expected invalid transition completing a superseded review, got %v", err)
	}
	queue, err = env.Engine.ListReviewsForReviewer(env.Ctx, "alice", true)
	if err != nil || len(queue) != 0 {
		t.Fatalf("expected empty queue after approval, got %+v %v", queue, err)
	}
}

func TestReviewProgressCountsSkippedAsCompleted(t *testing.T) {
	env := newTestEnv(t)
	empty := env.newAssessment(t)
	p, err := env.Engine.ReviewProgress(env.Ctx, empty.ID, 0)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Total != 0 || p.Completed != 0 || p.Percentage != 0 {
		t.Fatalf("expected empty progress, got %+v", p)
	}

	a, rvs := env.submitted(t, "alice", "bob")
	env.completeAll(t, rvs[:1])
	if _, err := env.Engine.SkipReview(env.Ctx, rvs[1].ID, "on leave", "tester"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	p, err = env.Engine.ReviewProgress(env.Ctx, a.ID, 0)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Completed != 2 || p.Skipped != 1 || p.Total != 2 || p.Percentage != 100 {
		t.Fatalf("unexpected progress %+v", p)
	}
	if st := env.status(t, a.ID); st.CompletedReviews != p.Completed || st.TotalReviews != p.Total {
		t.Fatalf("progress %+v disagrees with status %+v", p, st)
	}
}

func TestUnknownStoredPhaseIsDataQuality(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE projects SET current_phase='NOWHERE' WHERE id=?`, "proj-1"); err != nil {
		t.Fatalf("corrupt phase: %v", err)
	}
	_, err := env.Engine.GetProject(env.Ctx, "proj-1")
	if !domain.IsCode(err, domain.CodeDataQuality) {
		t.Fatalf("expected data quality error, got %v", err)
	}
	var uv *domain.UnknownValueError
	if !errors.As(err, &uv) || uv.Value != "NOWHERE" {
		t.Fatalf("expected unknown value NOWHERE, got %v", err)
	}
}

func TestAssignReviewersGuards(t *testing.T) {
	env := newTestEnv(t)
	a := env.newAssessment(t)
	_, err := env.Engine.AssignReviewers(env.Ctx, engine.AssignInput{AssessmentID: a.ID, Version: 7, Reviewers: reviewers("alice"), ActorID: "tester"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for missing version, got %v", err)
	}
	if _, err := env.Engine.AssignReviewers(env.Ctx, engine.AssignInput{AssessmentID: a.ID, Reviewers: reviewers("alice"), ActorID: "tester"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	_, err = env.Engine.AssignReviewers(env.Ctx, engine.AssignInput{AssessmentID: a.ID, Reviewers: reviewers("alice"), ActorID: "tester"})
	if !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for reassign, got %v", err)
	}
	if _, err := env.Engine.SubmitForReview(env.Ctx, engine.SubmitInput{AssessmentID: a.ID, ActorID: "tester"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = env.Engine.AssignReviewers(env.Ctx, engine.AssignInput{AssessmentID: a.ID, Reviewers: reviewers("bob"), ActorID: "tester"})
	if !domain.IsCode(err, domain.CodeInvalidState) {
		t.Fatalf("expected invalid state while in review, got %v", err)
	}
}

func TestOverdueIsDerivedAtRead(t *testing.T) {
	env := newTestEnv(t)
	a := env.newAssessment(t)
	past := "2023-12-01T00:00:00Z"
	rvs, err := env.Engine.AssignReviewers(env.Ctx, engine.AssignInput{
		AssessmentID: a.ID,
		Reviewers: []engine.ReviewerInput{
			{UserID: "alice", DueDate: &past},
			{UserID: "bob"},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.Engine.SubmitForReview(env.Ctx, engine.SubmitInput{AssessmentID: a.ID, ActorID: "tester"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	list, err := env.Engine.ListReviews(env.Ctx, a.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	overdue := map[string]bool{}
	for _, rv := range list {
		overdue[rv.ReviewerID] = rv.IsOverdue
	}
	if !overdue["alice"] || overdue["bob"] {
		t.Fatalf("unexpected overdue flags %v", overdue)
	}
	env.completeAll(t, rvs[:1])
	rv, err := env.Engine.GetReview(env.Ctx, rvs[0].ID)
	if err != nil {
		t.Fatalf("get review: %v", err)
	}
	if rv.IsOverdue {
		t.Fatalf("completed review should not be overdue")
	}
	queue, err := env.Engine.ListReviewsForReviewer(env.Ctx, "bob", true)
	if err != nil || len(queue) != 1 {
		t.Fatalf("unexpected queue %+v %v", queue, err)
	}
}

func TestRestoreVersionTwice(t *testing.T) {
	env := newTestEnv(t)
	a := env.newAssessment(t)
	if _, err := env.Engine.CreateVersion(env.Ctx, a.ID, json.RawMessage(`{"score":2}`), "tester"); err != nil {
		t.Fatalf("create version: %v", err)
	}
	if _, err := env.Engine.SubmitForReview(env.Ctx, engine.SubmitInput{AssessmentID: a.ID, Reviewers: reviewers("alice"), ActorID: "tester"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	first, err := env.Engine.RestoreVersion(env.Ctx, a.ID, 1, "tester")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	second, err := env.Engine.RestoreVersion(env.Ctx, a.ID, 1, "tester")
	if err != nil {
		t.Fatalf("restore again: %v", err)
	}
	if first.Version != 3 || second.Version != 4 {
		t.Fatalf("expected versions 3 and 4, got %d and %d", first.Version, second.Version)
	}
	if second.RestoredFrom == nil || *second.RestoredFrom != 1 {
		t.Fatalf("expected restored_from 1, got %v", second.RestoredFrom)
	}
	if string(second.Content) != `{"score":1}` {
		t.Fatalf("unexpected restored content %s", second.Content)
	}
	st := env.status(t, a.ID)
	if st.Status != domain.StatusDraft || st.CurrentVersion != 4 {
		t.Fatalf("unexpected status after restore %+v", st)
	}
	old, err := env.Engine.ListReviews(env.Ctx, a.ID, 2)
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	if len(old) != 1 || old[0].Status != domain.ReviewSkipped {
		t.Fatalf("open reviews of the replaced version should be closed, got %+v", old)
	}
	_, err = env.Engine.RestoreVersion(env.Ctx, a.ID, 42, "tester")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPermittedActions(t *testing.T) {
	cases := map[domain.Status][]domain.Action{
		domain.StatusDraft:            {domain.ActionSubmitForReview, domain.ActionRestoreVersion},
		domain.StatusInReview:         {domain.ActionRestoreVersion},
		domain.StatusAwaitingApproval: {domain.ActionApprove, domain.ActionReject, domain.ActionRestoreVersion},
		domain.StatusApproved:         {domain.ActionArchive, domain.ActionRestoreVersion},
		domain.StatusRejected:         {domain.ActionSubmitForReview, domain.ActionRestoreVersion},
		domain.StatusArchived:         {domain.ActionRestoreVersion},
	}
	for status, want := range cases {
		got := engine.PermittedActions(status)
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Fatalf("%s: expected %v, got %v", status, want, got)
		}
	}
	if got := engine.PermittedActions(domain.StatusUnknown); len(got) != 0 {
		t.Fatalf("unknown status should permit nothing, got %v", got)
	}
}

func TestArchiveOnlyFromApproved(t *testing.T) {
	env := newTestEnv(t)
	a := env.newAssessment(t)
	if _, err := env.Engine.Archive(env.Ctx, a.ID, "tester"); !domain.IsCode(err, domain.CodeInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}
