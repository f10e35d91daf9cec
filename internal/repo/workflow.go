package repo

import (
	"context"
	"database/sql"

	"drdflow/internal/domain"
)

// WorkflowRow is the persisted per-assessment workflow record.
type WorkflowRow struct {
	AssessmentID    string
	Status          domain.Status
	CurrentVersion  int
	RejectionReason string
	ApprovalNotes   string
	DecidedBy       string
	UpdatedAt       string
}

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, w WorkflowRow) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO workflow_status(assessment_id,status,current_version,rejection_reason,approval_notes,decided_by,updated_at) VALUES (?,?,?,?,?,?,?)`,
		w.AssessmentID, string(w.Status), w.CurrentVersion, nullable(w.RejectionReason), nullable(w.ApprovalNotes), nullable(w.DecidedBy), w.UpdatedAt)
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, tx *sql.Tx, assessmentID string) (WorkflowRow, error) {
	var w WorkflowRow
	var status string
	err := r.q(tx).QueryRowContext(ctx, `SELECT assessment_id,status,current_version,COALESCE(rejection_reason,''),COALESCE(approval_notes,''),COALESCE(decided_by,''),updated_at
FROM workflow_status WHERE assessment_id=?`, assessmentID).Scan(&w.AssessmentID, &status, &w.CurrentVersion, &w.RejectionReason, &w.ApprovalNotes, &w.DecidedBy, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, &domain.NotFoundError{Kind: "workflow", ID: assessmentID}
	}
	if err != nil {
		return w, err
	}
	if w.Status, err = domain.ParseStatus(status); err != nil {
		return w, domain.Stored("workflow", assessmentID, err)
	}
	return w, nil
}

// UpdateWorkflow overwrites the record only while it still holds expected status.
// It reports false when the status moved underneath the caller.
func (r Repo) UpdateWorkflow(ctx context.Context, tx *sql.Tx, expected domain.Status, w WorkflowRow) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE workflow_status SET status=?, current_version=?, rejection_reason=?, approval_notes=?, decided_by=?, updated_at=?
WHERE assessment_id=? AND status=?`,
		string(w.Status), w.CurrentVersion, nullable(w.RejectionReason), nullable(w.ApprovalNotes), nullable(w.DecidedBy), w.UpdatedAt,
		w.AssessmentID, string(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
