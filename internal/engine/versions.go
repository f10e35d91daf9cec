package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"drdflow/internal/domain"
	"drdflow/internal/events"
	"drdflow/internal/repo"
)

// CreateVersion appends a content snapshot. While the assessment is being
// edited (DRAFT or REJECTED) the workflow pointer follows the new version and
// open assignments are reassigned to it; otherwise history grows but the
// version under review or approved stays current.
func (e Engine) CreateVersion(ctx context.Context, assessmentID string, content json.RawMessage, authorID string) (v domain.AssessmentVersion, err error) {
	ctx, span := startSpan(ctx, "CreateVersion", attribute.String("assessment_id", assessmentID))
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
	wf, err := e.Repo.GetWorkflow(ctx, tx, assessmentID)
	if err != nil {
		return v, err
	}
	v, err = e.appendVersion(ctx, tx, a, content, authorID, nil)
	if err != nil {
		return v, err
	}
	if wf.Status == domain.StatusDraft || wf.Status == domain.StatusRejected {
		// Open assignments follow the pointer to the new version.
		carried, err := e.supersedeOpenReviews(ctx, tx, a, wf.CurrentVersion, authorID, fmt.Sprintf("superseded by version %d", v.Version))
		if err != nil {
			return v, err
		}
		again := make([]ReviewerInput, 0, len(carried))
		for _, old := range carried {
			again = append(again, ReviewerInput{UserID: old.ReviewerID, Role: old.Role, DueDate: old.DueDate})
		}
		if _, err := e.insertAssignments(ctx, tx, a, v.Version, again, 0, authorID); err != nil {
			return v, err
		}
		prev := wf.Status
		wf.CurrentVersion = v.Version
		wf.UpdatedAt = v.CreatedAt
		if err := e.updateWorkflow(ctx, tx, prev, wf); err != nil {
			return v, err
		}
	}
	if err := tx.Commit(); err != nil {
		return v, err
	}
	return v, nil
}

// appendVersion writes version max+1 and its audit event inside tx.
func (e Engine) appendVersion(ctx context.Context, tx *sql.Tx, a domain.Assessment, content json.RawMessage, authorID string, restoredFrom *int) (domain.AssessmentVersion, error) {
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	if !json.Valid(content) {
		return domain.AssessmentVersion{}, &domain.InvalidArgumentError{Field: "content", Reason: "must be valid JSON"}
	}
	next, err := e.Repo.NextVersion(ctx, tx, a.ID)
	if err != nil {
		return domain.AssessmentVersion{}, err
	}
	v := domain.AssessmentVersion{
		AssessmentID: a.ID,
		Version:      next,
		Content:      append(json.RawMessage(nil), content...),
		CreatedAt:    e.ts(),
		CreatedBy:    authorID,
		RestoredFrom: restoredFrom,
	}
	if err := e.Repo.InsertVersion(ctx, tx, v); err != nil {
		return domain.AssessmentVersion{}, err
	}
	payload := events.EventPayload{"version": v.Version}
	if restoredFrom != nil {
		payload["restored_from"] = *restoredFrom
	}
	if err := e.Events.Append(ctx, tx, events.VersionCreated, a.ProjectID, "assessment", a.ID, authorID, payload); err != nil {
		return domain.AssessmentVersion{}, err
	}
	return v, nil
}

func (e Engine) GetVersion(ctx context.Context, assessmentID string, version int) (domain.AssessmentVersion, error) {
	if _, err := e.Repo.GetAssessment(ctx, nil, assessmentID); err != nil {
		return domain.AssessmentVersion{}, err
	}
	return e.Repo.GetVersion(ctx, nil, assessmentID, version)
}

// ListVersions returns every version of an assessment, newest first.
func (e Engine) ListVersions(ctx context.Context, assessmentID string) ([]domain.AssessmentVersion, error) {
	if _, err := e.Repo.GetAssessment(ctx, nil, assessmentID); err != nil {
		return nil, err
	}
	return e.Repo.ListVersions(ctx, assessmentID)
}

// updateWorkflow writes wf if its status is still expected. A lost race is
// reported as an invalid transition from whatever status is now stored.
func (e Engine) updateWorkflow(ctx context.Context, tx *sql.Tx, expected domain.Status, wf repo.WorkflowRow) error {
	ok, err := e.Repo.UpdateWorkflow(ctx, tx, expected, wf)
	if err != nil {
		return err
	}
	if !ok {
		cur, err := e.Repo.GetWorkflow(ctx, tx, wf.AssessmentID)
		if err != nil {
			return err
		}
		return &domain.InvalidTransitionError{From: string(cur.Status), Event: "update", Reason: "status changed concurrently"}
	}
	return nil
}
