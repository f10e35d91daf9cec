package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"drdflow/internal/domain"
	"drdflow/internal/engine/auth"
	"drdflow/internal/events"
	"drdflow/internal/repo"
)

// transitions is the complete assessment state machine. restore_version is
// accepted from every state and handled separately.
var transitions = map[domain.Status]map[domain.Action]domain.Status{
	domain.StatusDraft: {
		domain.ActionSubmitForReview: domain.StatusInReview,
	},
	domain.StatusInReview: {
		domain.ActionReviewsResolved: domain.StatusAwaitingApproval,
	},
	domain.StatusAwaitingApproval: {
		domain.ActionApprove: domain.StatusApproved,
		domain.ActionReject:  domain.StatusRejected,
	},
	domain.StatusRejected: {
		domain.ActionSubmitForReview: domain.StatusInReview,
	},
	domain.StatusApproved: {
		domain.ActionArchive: domain.StatusArchived,
	},
	domain.StatusArchived: {},
}

// callerActions are the events a user may request, in display order.
var callerActions = []domain.Action{
	domain.ActionSubmitForReview,
	domain.ActionApprove,
	domain.ActionReject,
	domain.ActionArchive,
	domain.ActionRestoreVersion,
}

func nextStatus(from domain.Status, action domain.Action) (domain.Status, error) {
	if action == domain.ActionRestoreVersion {
		if _, ok := transitions[from]; ok {
			return domain.StatusDraft, nil
		}
	}
	if to, ok := transitions[from][action]; ok {
		return to, nil
	}
	return domain.StatusUnknown, &domain.InvalidTransitionError{From: string(from), Event: action}
}

// PermittedActions lists the caller events accepted from status. Role guards are not applied.
func PermittedActions(status domain.Status) []domain.Action {
	out := []domain.Action{}
	for _, a := range callerActions {
		if _, err := nextStatus(status, a); err == nil {
			out = append(out, a)
		}
	}
	return out
}

func CanSubmitForReview(status domain.Status) bool {
	return status == domain.StatusDraft || status == domain.StatusRejected
}

func CanApprove(status domain.Status) bool {
	return status == domain.StatusAwaitingApproval
}

// CreateAssessmentInput are parameters for CreateAssessment.
type CreateAssessmentInput struct {
	ID        string
	ProjectID string
	Title     string
	Framework string
	Content   json.RawMessage
	ActorID   string
}

// CreateAssessment registers an assessment with version 1 and a DRAFT workflow.
func (e Engine) CreateAssessment(ctx context.Context, in CreateAssessmentInput) (a domain.Assessment, err error) {
	ctx, span := startSpan(ctx, "CreateAssessment", attribute.String("project_id", in.ProjectID))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(in.Title) == "" {
		return a, &domain.InvalidArgumentError{Field: "title", Reason: "required"}
	}
	framework := domain.FrameworkDRD
	if strings.TrimSpace(in.Framework) != "" {
		framework, err = domain.ParseFramework(in.Framework)
		if err != nil {
			return a, err
		}
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	unlock := e.lockAssessment(in.ID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProject(ctx, tx, in.ProjectID); err != nil {
		return a, err
	}
	a = domain.Assessment{
		ID:        in.ID,
		ProjectID: in.ProjectID,
		Title:     strings.TrimSpace(in.Title),
		Framework: framework,
		CreatedBy: in.ActorID,
		CreatedAt: e.ts(),
	}
	if err := e.Repo.InsertAssessment(ctx, tx, a); err != nil {
		return a, fmt.Errorf("insert assessment: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.AssessmentCreated, a.ProjectID, "assessment", a.ID, in.ActorID, events.EventPayload{
		"title":     a.Title,
		"framework": a.Framework,
	}); err != nil {
		return a, err
	}
	v, err := e.appendVersion(ctx, tx, a, in.Content, in.ActorID, nil)
	if err != nil {
		return a, err
	}
	if err := e.Repo.InsertWorkflow(ctx, tx, repo.WorkflowRow{
		AssessmentID:   a.ID,
		Status:         domain.StatusDraft,
		CurrentVersion: v.Version,
		UpdatedAt:      a.CreatedAt,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func (e Engine) GetAssessment(ctx context.Context, assessmentID string) (domain.Assessment, error) {
	return e.Repo.GetAssessment(ctx, nil, assessmentID)
}

func (e Engine) ListAssessments(ctx context.Context, projectID string) ([]domain.Assessment, error) {
	if _, err := e.Repo.GetProject(ctx, nil, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListAssessments(ctx, projectID)
}

// SubmitInput are parameters for SubmitForReview.
type SubmitInput struct {
	AssessmentID string
	Reviewers    []ReviewerInput
	ActorID      string
}

// SubmitForReview moves DRAFT or REJECTED to IN_REVIEW. From REJECTED a new
// version carrying the current content is created first and open assignments
// of the rejected version are carried onto it. Reviewers already assigned to
// the submitted version and still open are kept; the combined set must not be
// empty.
func (e Engine) SubmitForReview(ctx context.Context, in SubmitInput) (st domain.WorkflowStatus, err error) {
	ctx, span := startSpan(ctx, "SubmitForReview", attribute.String("assessment_id", in.AssessmentID))
	defer func() { endSpan(span, err) }()

	if err := validateReviewers(in.Reviewers, false); err != nil {
		return st, err
	}
	unlock := e.lockAssessment(in.AssessmentID)
	defer unlock()

	cfg, a, err := e.assessmentConfig(ctx, in.AssessmentID)
	if err != nil {
		return st, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return st, err
	}
	defer tx.Rollback()

	wf, err := e.Repo.GetWorkflow(ctx, tx, a.ID)
	if err != nil {
		return st, err
	}
	to, err := nextStatus(wf.Status, domain.ActionSubmitForReview)
	if err != nil {
		e.blocked(a.ID, wf.Status, domain.ActionSubmitForReview, err)
		return st, err
	}
	prev := wf.Status
	version := wf.CurrentVersion
	var carried []domain.ReviewAssignment
	if prev == domain.StatusRejected {
		cur, err := e.Repo.GetVersion(ctx, tx, a.ID, wf.CurrentVersion)
		if err != nil {
			return st, err
		}
		nv, err := e.appendVersion(ctx, tx, a, cur.Content, in.ActorID, nil)
		if err != nil {
			return st, err
		}
		carried, err = e.supersedeOpenReviews(ctx, tx, a, wf.CurrentVersion, in.ActorID, fmt.Sprintf("superseded by version %d", nv.Version))
		if err != nil {
			return st, err
		}
		version = nv.Version
	}

	existing, err := e.Repo.ListReviews(ctx, tx, a.ID, version)
	if err != nil {
		return st, err
	}
	// Only open assignments count toward the reviewer set; a skipped
	// reviewer may be assigned again.
	assigned := map[string]bool{}
	open := 0
	for _, rv := range existing {
		if !rv.Closed() {
			assigned[rv.ReviewerID] = true
			open++
		}
	}
	var toAssign []ReviewerInput
	for _, old := range carried {
		if !assigned[old.ReviewerID] {
			assigned[old.ReviewerID] = true
			toAssign = append(toAssign, ReviewerInput{UserID: old.ReviewerID, Role: old.Role, DueDate: old.DueDate})
		}
	}
	for _, r := range in.Reviewers {
		if !assigned[r.UserID] {
			assigned[r.UserID] = true
			toAssign = append(toAssign, r)
		}
	}
	if open+len(toAssign) == 0 {
		err := &domain.InvalidTransitionError{From: string(prev), Event: domain.ActionSubmitForReview, Reason: "at least one reviewer required"}
		e.blocked(a.ID, prev, domain.ActionSubmitForReview, err)
		return st, err
	}
	if _, err := e.insertAssignments(ctx, tx, a, version, toAssign, cfg.Reviews.DefaultDueDays, in.ActorID); err != nil {
		return st, err
	}

	wf.Status = to
	wf.CurrentVersion = version
	wf.RejectionReason = ""
	wf.ApprovalNotes = ""
	wf.DecidedBy = ""
	wf.UpdatedAt = e.ts()
	if err := e.updateWorkflow(ctx, tx, prev, wf); err != nil {
		return st, err
	}
	if err := e.Events.Append(ctx, tx, events.WorkflowSubmitted, a.ProjectID, "assessment", a.ID, in.ActorID, events.EventPayload{
		"from":      prev,
		"to":        to,
		"version":   version,
		"reviewers": open + len(toAssign),
	}); err != nil {
		return st, err
	}
	if err := tx.Commit(); err != nil {
		return st, err
	}
	e.log().Info("workflow transition", "assessment_id", a.ID, "from", prev, "to", to, "version", version)
	return e.WorkflowStatus(ctx, a.ID)
}

// maybeAwaitApproval moves IN_REVIEW to AWAITING_APPROVAL when every
// assignment of the current version is resolved. It must run inside the
// transaction that resolved the last assignment, under the assessment lock.
func (e Engine) maybeAwaitApproval(ctx context.Context, tx *sql.Tx, a domain.Assessment, actorID string) (bool, error) {
	wf, err := e.Repo.GetWorkflow(ctx, tx, a.ID)
	if err != nil {
		return false, err
	}
	if wf.Status != domain.StatusInReview {
		return false, nil
	}
	counts, err := e.Repo.CountReviews(ctx, tx, a.ID, wf.CurrentVersion)
	if err != nil {
		return false, err
	}
	if counts.Total == 0 || counts.Resolved() < counts.Total {
		return false, nil
	}
	to, err := nextStatus(wf.Status, domain.ActionReviewsResolved)
	if err != nil {
		return false, err
	}
	wf.Status = to
	wf.UpdatedAt = e.ts()
	ok, err := e.Repo.UpdateWorkflow(ctx, tx, domain.StatusInReview, wf)
	if err != nil || !ok {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, events.WorkflowAwaitingApproval, a.ProjectID, "assessment", a.ID, actorID, events.EventPayload{
		"version":   wf.CurrentVersion,
		"completed": counts.Completed,
		"skipped":   counts.Skipped,
		"total":     counts.Total,
	}); err != nil {
		return false, err
	}
	e.log().Info("workflow transition", "assessment_id", a.ID, "from", domain.StatusInReview, "to", to, "version", wf.CurrentVersion)
	return true, nil
}

// Approve moves AWAITING_APPROVAL to APPROVED. The state is checked before the
// caller's approver role so that approving a DRAFT is always an invalid transition.
func (e Engine) Approve(ctx context.Context, assessmentID, notes, actorID string) (st domain.WorkflowStatus, err error) {
	ctx, span := startSpan(ctx, "Approve", attribute.String("assessment_id", assessmentID))
	defer func() { endSpan(span, err) }()

	unlock := e.lockAssessment(assessmentID)
	defer unlock()

	cfg, a, err := e.assessmentConfig(ctx, assessmentID)
	if err != nil {
		return st, err
	}
	wf, err := e.Repo.GetWorkflow(ctx, nil, assessmentID)
	if err != nil {
		return st, err
	}
	if _, err := nextStatus(wf.Status, domain.ActionApprove); err != nil {
		e.blocked(assessmentID, wf.Status, domain.ActionApprove, err)
		return st, err
	}
	ok, err := e.roles().HasAnyRole(ctx, a.ProjectID, actorID, cfg.Workflow.ApproverRoles...)
	if err != nil {
		return st, err
	}
	if !ok {
		e.log().Warn("mutation blocked: approver role required", "assessment_id", assessmentID, "actor_id", actorID)
		return st, auth.ForbiddenError{Permission: "workflow.approve", Roles: cfg.Workflow.ApproverRoles}
	}
	return e.decide(ctx, a, domain.ActionApprove, actorID, func(wf *repo.WorkflowRow) events.EventPayload {
		wf.ApprovalNotes = notes
		wf.RejectionReason = ""
		return events.EventPayload{"notes": notes}
	})
}

// Reject moves AWAITING_APPROVAL to REJECTED with a mandatory reason.
func (e Engine) Reject(ctx context.Context, assessmentID, reason, actorID string) (st domain.WorkflowStatus, err error) {
	ctx, span := startSpan(ctx, "Reject", attribute.String("assessment_id", assessmentID))
	defer func() { endSpan(span, err) }()

	unlock := e.lockAssessment(assessmentID)
	defer unlock()

	a, err := e.Repo.GetAssessment(ctx, nil, assessmentID)
	if err != nil {
		return st, err
	}
	reason = strings.TrimSpace(reason)
	return e.decide(ctx, a, domain.ActionReject, actorID, func(wf *repo.WorkflowRow) events.EventPayload {
		wf.RejectionReason = reason
		wf.ApprovalNotes = ""
		return events.EventPayload{"reason": reason}
	}, func(domain.Status) error {
		if reason == "" {
			return &domain.InvalidTransitionError{From: string(domain.StatusAwaitingApproval), Event: domain.ActionReject, Reason: "rejection reason required"}
		}
		return nil
	})
}

// Archive retires an APPROVED assessment once it has been superseded.
func (e Engine) Archive(ctx context.Context, assessmentID, actorID string) (st domain.WorkflowStatus, err error) {
	ctx, span := startSpan(ctx, "Archive", attribute.String("assessment_id", assessmentID))
	defer func() { endSpan(span, err) }()

	unlock := e.lockAssessment(assessmentID)
	defer unlock()

	a, err := e.Repo.GetAssessment(ctx, nil, assessmentID)
	if err != nil {
		return st, err
	}
	return e.decide(ctx, a, domain.ActionArchive, actorID, func(*repo.WorkflowRow) events.EventPayload { return nil })
}

var decisionEvents = map[domain.Action]string{
	domain.ActionApprove: events.WorkflowApproved,
	domain.ActionReject:  events.WorkflowRejected,
	domain.ActionArchive: events.WorkflowArchived,
}

// decide applies a single-step transition in one transaction. Callers hold the assessment lock.
func (e Engine) decide(ctx context.Context, a domain.Assessment, action domain.Action, actorID string,
	apply func(*repo.WorkflowRow) events.EventPayload, guards ...func(domain.Status) error) (domain.WorkflowStatus, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowStatus{}, err
	}
	defer tx.Rollback()

	wf, err := e.Repo.GetWorkflow(ctx, tx, a.ID)
	if err != nil {
		return domain.WorkflowStatus{}, err
	}
	to, err := nextStatus(wf.Status, action)
	if err != nil {
		e.blocked(a.ID, wf.Status, action, err)
		return domain.WorkflowStatus{}, err
	}
	for _, g := range guards {
		if err := g(wf.Status); err != nil {
			e.blocked(a.ID, wf.Status, action, err)
			return domain.WorkflowStatus{}, err
		}
	}
	prev := wf.Status
	payload := apply(&wf)
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"] = prev
	payload["to"] = to
	payload["version"] = wf.CurrentVersion
	wf.Status = to
	wf.DecidedBy = actorID
	wf.UpdatedAt = e.ts()
	if err := e.updateWorkflow(ctx, tx, prev, wf); err != nil {
		return domain.WorkflowStatus{}, err
	}
	if err := e.Events.Append(ctx, tx, decisionEvents[action], a.ProjectID, "assessment", a.ID, actorID, payload); err != nil {
		return domain.WorkflowStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowStatus{}, err
	}
	e.log().Info("workflow transition", "assessment_id", a.ID, "from", prev, "to", to, "actor_id", actorID)
	return e.WorkflowStatus(ctx, a.ID)
}

// RestoreVersion copies version v into a new version and returns the
// workflow to DRAFT from any state. Version v itself is never modified.
func (e Engine) RestoreVersion(ctx context.Context, assessmentID string, version int, actorID string) (v domain.AssessmentVersion, err error) {
	ctx, span := startSpan(ctx, "RestoreVersion", attribute.String("assessment_id", assessmentID), attribute.Int("version", version))
	defer func() { endSpan(span, err) }()

	unlock := e.lockAssessment(assessmentID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return v, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAssessment(ctx, tx, assessmentID)
	if err != nil {
		return v, err
	}
	src, err := e.Repo.GetVersion(ctx, tx, assessmentID, version)
	if err != nil {
		return v, err
	}
	wf, err := e.Repo.GetWorkflow(ctx, tx, assessmentID)
	if err != nil {
		return v, err
	}
	to, err := nextStatus(wf.Status, domain.ActionRestoreVersion)
	if err != nil {
		e.blocked(a.ID, wf.Status, domain.ActionRestoreVersion, err)
		return v, err
	}
	from := src.Version
	v, err = e.appendVersion(ctx, tx, a, src.Content, actorID, &from)
	if err != nil {
		return v, err
	}
	if _, err := e.supersedeOpenReviews(ctx, tx, a, wf.CurrentVersion, actorID, fmt.Sprintf("superseded by restore of version %d", from)); err != nil {
		return v, err
	}
	prev := wf.Status
	wf.Status = to
	wf.CurrentVersion = v.Version
	wf.RejectionReason = ""
	wf.ApprovalNotes = ""
	wf.DecidedBy = ""
	wf.UpdatedAt = v.CreatedAt
	if err := e.updateWorkflow(ctx, tx, prev, wf); err != nil {
		return v, err
	}
	if err := e.Events.Append(ctx, tx, events.WorkflowRestored, a.ProjectID, "assessment", a.ID, actorID, events.EventPayload{
		"from":          prev,
		"to":            to,
		"restored_from": from,
		"version":       v.Version,
	}); err != nil {
		return v, err
	}
	if err := tx.Commit(); err != nil {
		return v, err
	}
	e.log().Info("version restored", "assessment_id", a.ID, "restored_from", from, "version", v.Version)
	return v, nil
}

// WorkflowStatus reports the live status, review counts for the current
// version and the derived UI predicates.
func (e Engine) WorkflowStatus(ctx context.Context, assessmentID string) (domain.WorkflowStatus, error) {
	a, err := e.Repo.GetAssessment(ctx, nil, assessmentID)
	if err != nil {
		return domain.WorkflowStatus{}, err
	}
	wf, err := e.Repo.GetWorkflow(ctx, nil, assessmentID)
	if err != nil {
		return domain.WorkflowStatus{}, err
	}
	counts, err := e.Repo.CountReviews(ctx, nil, assessmentID, wf.CurrentVersion)
	if err != nil {
		return domain.WorkflowStatus{}, err
	}
	return domain.WorkflowStatus{
		AssessmentID:       a.ID,
		ProjectID:          a.ProjectID,
		Status:             wf.Status,
		CurrentVersion:     wf.CurrentVersion,
		CompletedReviews:   counts.Resolved(),
		TotalReviews:       counts.Total,
		RejectionReason:    wf.RejectionReason,
		ApprovalNotes:      wf.ApprovalNotes,
		DecidedBy:          wf.DecidedBy,
		UpdatedAt:          wf.UpdatedAt,
		CanSubmitForReview: CanSubmitForReview(wf.Status),
		CanApprove:         CanApprove(wf.Status),
		PermittedActions:   PermittedActions(wf.Status),
	}, nil
}

func (e Engine) blocked(assessmentID string, from domain.Status, action domain.Action, err error) {
	e.log().Warn("mutation blocked: invalid transition", "assessment_id", assessmentID, "from", from, "event", action, "err", err)
}
