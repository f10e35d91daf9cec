package engine

import (
	"context"
	"database/sql"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"drdflow/internal/config"
	"drdflow/internal/domain"
	"drdflow/internal/engine/auth"
	"drdflow/internal/events"
)

// ReviewerInput names one reviewer to assign. DueDate is RFC3339; when nil the
// project's default review window applies.
type ReviewerInput struct {
	UserID  string
	Role    string
	DueDate *string
}

// AssignInput are parameters for AssignReviewers.
type AssignInput struct {
	AssessmentID string
	Version      int
	Reviewers    []ReviewerInput
	ActorID      string
}

func validateReviewers(in []ReviewerInput, required bool) error {
	if required && len(in) == 0 {
		return &domain.InvalidArgumentError{Field: "reviewers", Reason: "at least one reviewer required"}
	}
	seen := map[string]bool{}
	for _, r := range in {
		id := strings.TrimSpace(r.UserID)
		if id == "" {
			return &domain.InvalidArgumentError{Field: "reviewers.user_id", Reason: "required"}
		}
		if seen[id] {
			return &domain.InvalidArgumentError{Field: "reviewers", Reason: "duplicate reviewer " + id}
		}
		seen[id] = true
		if r.DueDate != nil {
			if _, err := time.Parse(time.RFC3339, *r.DueDate); err != nil {
				return &domain.InvalidArgumentError{Field: "reviewers.due_date", Reason: "must be RFC3339"}
			}
		}
	}
	return nil
}

// assessmentConfig loads an assessment and its project's config outside any transaction.
func (e Engine) assessmentConfig(ctx context.Context, assessmentID string) (*config.Config, domain.Assessment, error) {
	a, err := e.Repo.GetAssessment(ctx, nil, assessmentID)
	if err != nil {
		return nil, a, err
	}
	cfg, err := e.projectConfig(ctx, nil, a.ProjectID)
	if err != nil {
		return nil, a, err
	}
	return cfg, a, nil
}

func (e Engine) insertAssignments(ctx context.Context, tx *sql.Tx, a domain.Assessment, version int, reviewers []ReviewerInput, dueDays int, actorID string) ([]domain.ReviewAssignment, error) {
	now := e.now().UTC()
	out := make([]domain.ReviewAssignment, 0, len(reviewers))
	for _, r := range reviewers {
		due := r.DueDate
		if due == nil && dueDays > 0 {
			due = strPtr(now.AddDate(0, 0, dueDays).Format(time.RFC3339))
		}
		role := strings.TrimSpace(r.Role)
		if role == "" {
			role = "reviewer"
		}
		rv := domain.ReviewAssignment{
			ID:           uuid.NewString(),
			AssessmentID: a.ID,
			Version:      version,
			ReviewerID:   strings.TrimSpace(r.UserID),
			Role:         role,
			Status:       domain.ReviewPending,
			DueDate:      due,
			CreatedAt:    now.Format(time.RFC3339),
		}
		if err := e.Repo.InsertReview(ctx, tx, rv); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, events.ReviewAssigned, a.ProjectID, "review", rv.ID, actorID, events.EventPayload{
			"assessment_id": a.ID,
			"version":       version,
			"reviewer_id":   rv.ReviewerID,
			"role":          rv.Role,
		}); err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, nil
}

// supersedeOpenReviews closes the open assignments of a version as SKIPPED and
// returns them as they were before closing.
func (e Engine) supersedeOpenReviews(ctx context.Context, tx *sql.Tx, a domain.Assessment, version int, actorID, reason string) ([]domain.ReviewAssignment, error) {
	reviews, err := e.Repo.ListReviews(ctx, tx, a.ID, version)
	if err != nil {
		return nil, err
	}
	ts := e.ts()
	var open []domain.ReviewAssignment
	for _, rv := range reviews {
		if rv.Closed() {
			continue
		}
		open = append(open, rv)
		closed := rv
		closed.Status = domain.ReviewSkipped
		closed.Comments = reason
		closed.CompletedAt = strPtr(ts)
		closed.CompletedBy = strPtr(actorID)
		if err := e.Repo.UpdateReview(ctx, tx, closed); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, events.ReviewSkipped, a.ProjectID, "review", rv.ID, actorID, events.EventPayload{
			"assessment_id": a.ID,
			"version":       version,
			"reason":        reason,
		}); err != nil {
			return nil, err
		}
	}
	return open, nil
}

// AssignReviewers adds reviewers to the current version of an assessment that
// is still being edited.
func (e Engine) AssignReviewers(ctx context.Context, in AssignInput) (out []domain.ReviewAssignment, err error) {
	ctx, span := startSpan(ctx, "AssignReviewers", attribute.String("assessment_id", in.AssessmentID), attribute.Int("version", in.Version))
	defer func() { endSpan(span, err) }()

	if err := validateReviewers(in.Reviewers, true); err != nil {
		return nil, err
	}
	unlock := e.lockAssessment(in.AssessmentID)
	defer unlock()

	cfg, a, err := e.assessmentConfig(ctx, in.AssessmentID)
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	wf, err := e.Repo.GetWorkflow(ctx, tx, a.ID)
	if err != nil {
		return nil, err
	}
	if !CanSubmitForReview(wf.Status) {
		return nil, &domain.InvalidStateError{Entity: "assessment", ID: a.ID, State: string(wf.Status), Op: "assign reviewers"}
	}
	if in.Version == 0 {
		in.Version = wf.CurrentVersion
	}
	if _, err := e.Repo.GetVersion(ctx, tx, a.ID, in.Version); err != nil {
		return nil, err
	}
	if in.Version != wf.CurrentVersion {
		return nil, &domain.InvalidStateError{Entity: "version", ID: a.ID, State: "not current", Op: "assign reviewers"}
	}
	existing, err := e.Repo.ListReviews(ctx, tx, a.ID, in.Version)
	if err != nil {
		return nil, err
	}
	for _, rv := range existing {
		if rv.Closed() {
			continue
		}
		for _, r := range in.Reviewers {
			if strings.TrimSpace(r.UserID) == rv.ReviewerID {
				return nil, &domain.InvalidArgumentError{Field: "reviewers", Reason: "reviewer " + rv.ReviewerID + " already assigned"}
			}
		}
	}
	out, err = e.insertAssignments(ctx, tx, a, in.Version, in.Reviewers, cfg.Reviews.DefaultDueDays, in.ActorID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.log().Info("reviewers assigned", "assessment_id", a.ID, "version", in.Version, "count", len(out))
	return out, nil
}

// reviewTx loads a review and its assessment, takes the assessment lock and
// opens a transaction. The review is re-read inside the transaction.
func (e Engine) reviewTx(ctx context.Context, reviewID string) (*sql.Tx, domain.ReviewAssignment, domain.Assessment, func(), error) {
	rv, err := e.Repo.GetReview(ctx, nil, reviewID)
	if err != nil {
		return nil, rv, domain.Assessment{}, nil, err
	}
	a, err := e.Repo.GetAssessment(ctx, nil, rv.AssessmentID)
	if err != nil {
		return nil, rv, a, nil, err
	}
	unlock := e.lockAssessment(a.ID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		unlock()
		return nil, rv, a, nil, err
	}
	rv, err = e.Repo.GetReview(ctx, tx, reviewID)
	if err != nil {
		_ = tx.Rollback()
		unlock()
		return nil, rv, a, nil, err
	}
	return tx, rv, a, func() {
		_ = tx.Rollback()
		unlock()
	}, nil
}

// requireUnderReview rejects reviewer work unless the assessment is IN_REVIEW
// and the assignment belongs to its current version.
func (e Engine) requireUnderReview(ctx context.Context, tx *sql.Tx, a domain.Assessment, rv domain.ReviewAssignment, op string) error {
	wf, err := e.Repo.GetWorkflow(ctx, tx, a.ID)
	if err != nil {
		return err
	}
	switch {
	case wf.Status != domain.StatusInReview:
		return &domain.InvalidStateError{Entity: "assessment", ID: a.ID, State: string(wf.Status), Op: op}
	case rv.Version != wf.CurrentVersion:
		return &domain.InvalidStateError{Entity: "review", ID: rv.ID, State: "version not current", Op: op}
	}
	return nil
}

// StartReview marks a PENDING assignment IN_PROGRESS. Starting an assignment
// already in progress is a no-op.
func (e Engine) StartReview(ctx context.Context, reviewID, actorID string) (rv domain.ReviewAssignment, err error) {
	ctx, span := startSpan(ctx, "StartReview", attribute.String("review_id", reviewID))
	defer func() { endSpan(span, err) }()

	tx, rv, a, done, err := e.reviewTx(ctx, reviewID)
	if err != nil {
		return rv, err
	}
	defer done()

	if !rv.Closed() {
		if err := e.requireUnderReview(ctx, tx, a, rv, "start review"); err != nil {
			return rv, err
		}
	}
	switch rv.Status {
	case domain.ReviewInProgress:
		return e.withOverdue(rv), nil
	case domain.ReviewPending:
	default:
		return rv, &domain.InvalidTransitionError{From: string(rv.Status), Event: domain.ActionStartReview}
	}
	rv.Status = domain.ReviewInProgress
	rv.StartedAt = strPtr(e.ts())
	if err := e.Repo.UpdateReview(ctx, tx, rv); err != nil {
		return rv, err
	}
	if err := e.Events.Append(ctx, tx, events.ReviewStarted, a.ProjectID, "review", rv.ID, actorID, events.EventPayload{
		"assessment_id": a.ID,
		"version":       rv.Version,
	}); err != nil {
		return rv, err
	}
	if err := tx.Commit(); err != nil {
		return rv, err
	}
	return e.withOverdue(rv), nil
}

// CompleteInput are parameters for CompleteReview.
type CompleteInput struct {
	ReviewID       string
	Recommendation string
	Comments       string
	Rating         *int
	ActorID        string
}

// CompleteReview records a reviewer's verdict. When it resolves the last open
// assignment of the version under review the workflow moves to AWAITING_APPROVAL
// in the same transaction.
func (e Engine) CompleteReview(ctx context.Context, in CompleteInput) (rv domain.ReviewAssignment, err error) {
	ctx, span := startSpan(ctx, "CompleteReview", attribute.String("review_id", in.ReviewID))
	defer func() { endSpan(span, err) }()

	rec, err := domain.ParseRecommendation(in.Recommendation)
	if err != nil {
		return rv, err
	}
	if in.Rating != nil && (*in.Rating < 1 || *in.Rating > 5) {
		return rv, &domain.InvalidArgumentError{Field: "rating", Reason: "must be between 1 and 5"}
	}

	tx, rv, a, done, err := e.reviewTx(ctx, in.ReviewID)
	if err != nil {
		return rv, err
	}
	defer done()

	if rv.Closed() {
		return rv, &domain.InvalidTransitionError{From: string(rv.Status), Event: domain.ActionCompleteReview}
	}
	if err := e.requireUnderReview(ctx, tx, a, rv, "complete review"); err != nil {
		return rv, err
	}
	ts := e.ts()
	if rv.StartedAt == nil {
		rv.StartedAt = strPtr(ts)
	}
	rv.Status = domain.ReviewCompleted
	rv.Recommendation = &rec
	rv.Comments = in.Comments
	rv.Rating = in.Rating
	rv.CompletedAt = strPtr(ts)
	rv.CompletedBy = strPtr(in.ActorID)
	if err := e.Repo.UpdateReview(ctx, tx, rv); err != nil {
		return rv, err
	}
	if err := e.Events.Append(ctx, tx, events.ReviewCompleted, a.ProjectID, "review", rv.ID, in.ActorID, events.EventPayload{
		"assessment_id":  a.ID,
		"version":        rv.Version,
		"recommendation": rec,
	}); err != nil {
		return rv, err
	}
	if _, err := e.maybeAwaitApproval(ctx, tx, a, in.ActorID); err != nil {
		return rv, err
	}
	if err := tx.Commit(); err != nil {
		return rv, err
	}
	e.log().Info("review completed", "review_id", rv.ID, "assessment_id", a.ID, "recommendation", rec)
	return e.withOverdue(rv), nil
}

// SkipReview closes an open assignment without a verdict. Only holders of a
// workflow admin role may skip.
func (e Engine) SkipReview(ctx context.Context, reviewID, reason, actorID string) (rv domain.ReviewAssignment, err error) {
	ctx, span := startSpan(ctx, "SkipReview", attribute.String("review_id", reviewID))
	defer func() { endSpan(span, err) }()

	pre, err := e.Repo.GetReview(ctx, nil, reviewID)
	if err != nil {
		return rv, err
	}
	cfg, a, err := e.assessmentConfig(ctx, pre.AssessmentID)
	if err != nil {
		return rv, err
	}
	ok, err := e.roles().HasAnyRole(ctx, a.ProjectID, actorID, cfg.Workflow.AdminRoles...)
	if err != nil {
		return rv, err
	}
	if !ok {
		e.log().Warn("mutation blocked: admin role required", "review_id", reviewID, "actor_id", actorID)
		return rv, auth.ForbiddenError{Permission: "review.skip", Roles: cfg.Workflow.AdminRoles}
	}

	tx, rv, a, done, err := e.reviewTx(ctx, reviewID)
	if err != nil {
		return rv, err
	}
	defer done()

	if rv.Closed() {
		return rv, &domain.InvalidTransitionError{From: string(rv.Status), Event: domain.ActionSkipReview}
	}
	rv.Status = domain.ReviewSkipped
	rv.Comments = strings.TrimSpace(reason)
	rv.CompletedAt = strPtr(e.ts())
	rv.CompletedBy = strPtr(actorID)
	if err := e.Repo.UpdateReview(ctx, tx, rv); err != nil {
		return rv, err
	}
	if err := e.Events.Append(ctx, tx, events.ReviewSkipped, a.ProjectID, "review", rv.ID, actorID, events.EventPayload{
		"assessment_id": a.ID,
		"version":       rv.Version,
		"reason":        rv.Comments,
	}); err != nil {
		return rv, err
	}
	if _, err := e.maybeAwaitApproval(ctx, tx, a, actorID); err != nil {
		return rv, err
	}
	if err := tx.Commit(); err != nil {
		return rv, err
	}
	return e.withOverdue(rv), nil
}

func (e Engine) GetReview(ctx context.Context, reviewID string) (domain.ReviewAssignment, error) {
	rv, err := e.Repo.GetReview(ctx, nil, reviewID)
	if err != nil {
		return rv, err
	}
	return e.withOverdue(rv), nil
}

// ListReviews returns assignments of an assessment; version 0 lists every version.
func (e Engine) ListReviews(ctx context.Context, assessmentID string, version int) ([]domain.ReviewAssignment, error) {
	if _, err := e.Repo.GetAssessment(ctx, nil, assessmentID); err != nil {
		return nil, err
	}
	reviews, err := e.Repo.ListReviews(ctx, nil, assessmentID, version)
	if err != nil {
		return nil, err
	}
	return e.markOverdue(reviews), nil
}

// ListReviewsForReviewer is the reviewer's queue, open assignments first.
func (e Engine) ListReviewsForReviewer(ctx context.Context, reviewerID string, openOnly bool) ([]domain.ReviewAssignment, error) {
	reviews, err := e.Repo.ListReviewsForReviewer(ctx, reviewerID, openOnly)
	if err != nil {
		return nil, err
	}
	return e.markOverdue(reviews), nil
}

// ReviewProgress aggregates assignments of a version; version 0 means the current one.
func (e Engine) ReviewProgress(ctx context.Context, assessmentID string, version int) (domain.ReviewProgress, error) {
	if _, err := e.Repo.GetAssessment(ctx, nil, assessmentID); err != nil {
		return domain.ReviewProgress{}, err
	}
	if version == 0 {
		wf, err := e.Repo.GetWorkflow(ctx, nil, assessmentID)
		if err != nil {
			return domain.ReviewProgress{}, err
		}
		version = wf.CurrentVersion
	}
	counts, err := e.Repo.CountReviews(ctx, nil, assessmentID, version)
	if err != nil {
		return domain.ReviewProgress{}, err
	}
	p := domain.ReviewProgress{
		AssessmentID: assessmentID,
		Version:      version,
		Completed:    counts.Resolved(),
		Skipped:      counts.Skipped,
		Total:        counts.Total,
	}
	if p.Total > 0 {
		p.Percentage = math.Round(float64(p.Completed)/float64(p.Total)*10000) / 100
	}
	return p, nil
}

func (e Engine) withOverdue(rv domain.ReviewAssignment) domain.ReviewAssignment {
	rv.IsOverdue = rv.Overdue(e.now())
	return rv
}

func (e Engine) markOverdue(reviews []domain.ReviewAssignment) []domain.ReviewAssignment {
	now := e.now()
	for i := range reviews {
		reviews[i].IsOverdue = reviews[i].Overdue(now)
	}
	return reviews
}
