package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"drdflow/internal/domain"
)

func (r Repo) InsertAssessment(ctx context.Context, tx *sql.Tx, a domain.Assessment) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO assessments(id,project_id,title,framework,created_by,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.Title, string(a.Framework), a.CreatedBy, a.CreatedAt)
	return err
}

const assessmentColumns = `id,project_id,title,framework,created_by,created_at`

func scanAssessment(row interface{ Scan(...any) error }) (domain.Assessment, error) {
	var a domain.Assessment
	var framework string
	if err := row.Scan(&a.ID, &a.ProjectID, &a.Title, &framework, &a.CreatedBy, &a.CreatedAt); err != nil {
		return a, err
	}
	fw, err := domain.ParseFramework(framework)
	if err != nil {
		return a, domain.Stored("assessment", a.ID, err)
	}
	a.Framework = fw
	return a, nil
}

func (r Repo) GetAssessment(ctx context.Context, tx *sql.Tx, id string) (domain.Assessment, error) {
	a, err := scanAssessment(r.q(tx).QueryRowContext(ctx, `SELECT `+assessmentColumns+` FROM assessments WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return a, &domain.NotFoundError{Kind: "assessment", ID: id}
	}
	return a, err
}

func (r Repo) ListAssessments(ctx context.Context, projectID string) ([]domain.Assessment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assessmentColumns+` FROM assessments WHERE project_id=? ORDER BY created_at DESC, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// NextVersion returns max(version)+1, or 1 for an assessment without versions.
func (r Repo) NextVersion(ctx context.Context, tx *sql.Tx, assessmentID string) (int, error) {
	var next int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0)+1 FROM assessment_versions WHERE assessment_id=?`, assessmentID).Scan(&next)
	return next, err
}

// InsertVersion appends a snapshot. Versions have no update or delete path;
// the primary key rejects a reused version number.
func (r Repo) InsertVersion(ctx context.Context, tx *sql.Tx, v domain.AssessmentVersion) error {
	if !json.Valid(v.Content) {
		return &domain.InvalidArgumentError{Field: "content", Reason: "must be valid JSON"}
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO assessment_versions(assessment_id,version,content_json,created_by,created_at,restored_from) VALUES (?,?,?,?,?,?)`,
		v.AssessmentID, v.Version, string(v.Content), v.CreatedBy, v.CreatedAt, nullableIntPtr(v.RestoredFrom))
	if err != nil {
		return fmt.Errorf("insert version %d: %w", v.Version, err)
	}
	return nil
}

const versionColumns = `assessment_id,version,content_json,created_by,created_at,restored_from`

func scanVersion(row interface{ Scan(...any) error }) (domain.AssessmentVersion, error) {
	var v domain.AssessmentVersion
	var content string
	var restored sql.NullInt64
	if err := row.Scan(&v.AssessmentID, &v.Version, &content, &v.CreatedBy, &v.CreatedAt, &restored); err != nil {
		return v, err
	}
	v.Content = json.RawMessage(content)
	if restored.Valid {
		n := int(restored.Int64)
		v.RestoredFrom = &n
	}
	return v, nil
}

func (r Repo) GetVersion(ctx context.Context, tx *sql.Tx, assessmentID string, version int) (domain.AssessmentVersion, error) {
	v, err := scanVersion(r.q(tx).QueryRowContext(ctx, `SELECT `+versionColumns+` FROM assessment_versions WHERE assessment_id=? AND version=?`, assessmentID, version))
	if err == sql.ErrNoRows {
		return v, &domain.NotFoundError{Kind: "version", ID: assessmentID + "@" + strconv.Itoa(version)}
	}
	return v, err
}

// ListVersions returns versions newest first.
func (r Repo) ListVersions(ctx context.Context, assessmentID string) ([]domain.AssessmentVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+versionColumns+` FROM assessment_versions WHERE assessment_id=? ORDER BY version DESC`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssessmentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
