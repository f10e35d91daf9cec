package repo

import (
	"context"
	"database/sql"

	"drdflow/internal/domain"
)

const reviewColumns = `id,assessment_id,version,reviewer_id,role,status,recommendation,COALESCE(comments,''),rating,due_date,started_at,completed_at,completed_by,created_at`

func scanReview(row interface{ Scan(...any) error }) (domain.ReviewAssignment, error) {
	var rv domain.ReviewAssignment
	var status string
	var rec, due, started, completed, completedBy sql.NullString
	var rating sql.NullInt64
	if err := row.Scan(&rv.ID, &rv.AssessmentID, &rv.Version, &rv.ReviewerID, &rv.Role, &status, &rec, &rv.Comments,
		&rating, &due, &started, &completed, &completedBy, &rv.CreatedAt); err != nil {
		return rv, err
	}
	st, err := domain.ParseReviewStatus(status)
	if err != nil {
		return rv, domain.Stored("review", rv.ID, err)
	}
	rv.Status = st
	if rec.Valid && rec.String != "" {
		r, err := domain.ParseRecommendation(rec.String)
		if err != nil {
			return rv, domain.Stored("review", rv.ID, err)
		}
		rv.Recommendation = &r
	}
	if rating.Valid {
		n := int(rating.Int64)
		rv.Rating = &n
	}
	rv.DueDate = stringPtr(due)
	rv.StartedAt = stringPtr(started)
	rv.CompletedAt = stringPtr(completed)
	rv.CompletedBy = stringPtr(completedBy)
	return rv, nil
}

func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, rv domain.ReviewAssignment) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO review_assignments(id,assessment_id,version,reviewer_id,role,status,due_date,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		rv.ID, rv.AssessmentID, rv.Version, rv.ReviewerID, rv.Role, string(rv.Status), nullableStringPtr(rv.DueDate), rv.CreatedAt)
	return err
}

// UpdateReview writes the mutable lifecycle fields of an assignment.
func (r Repo) UpdateReview(ctx context.Context, tx *sql.Tx, rv domain.ReviewAssignment) error {
	var rec any
	if rv.Recommendation != nil {
		rec = string(*rv.Recommendation)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE review_assignments SET status=?, recommendation=?, comments=?, rating=?, started_at=?, completed_at=?, completed_by=? WHERE id=?`,
		string(rv.Status), rec, nullable(rv.Comments), nullableIntPtr(rv.Rating), nullableStringPtr(rv.StartedAt),
		nullableStringPtr(rv.CompletedAt), nullableStringPtr(rv.CompletedBy), rv.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.NotFoundError{Kind: "review", ID: rv.ID}
	}
	return nil
}

func (r Repo) GetReview(ctx context.Context, tx *sql.Tx, id string) (domain.ReviewAssignment, error) {
	rv, err := scanReview(r.q(tx).QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_assignments WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return rv, &domain.NotFoundError{Kind: "review", ID: id}
	}
	return rv, err
}

// ListReviews returns assignments for an assessment; version 0 means all versions.
func (r Repo) ListReviews(ctx context.Context, tx *sql.Tx, assessmentID string, version int) ([]domain.ReviewAssignment, error) {
	query := `SELECT ` + reviewColumns + ` FROM review_assignments WHERE assessment_id=?`
	args := []any{assessmentID}
	if version > 0 {
		query += ` AND version=?`
		args = append(args, version)
	}
	query += ` ORDER BY version DESC, created_at, id`
	return r.queryReviews(ctx, tx, query, args...)
}

// ListReviewsForReviewer returns a reviewer's assignments, open ones first.
func (r Repo) ListReviewsForReviewer(ctx context.Context, reviewerID string, openOnly bool) ([]domain.ReviewAssignment, error) {
	query := `SELECT ` + reviewColumns + ` FROM review_assignments WHERE reviewer_id=?`
	if openOnly {
		query += ` AND status IN ('PENDING','IN_PROGRESS')`
	}
	query += ` ORDER BY CASE WHEN status IN ('PENDING','IN_PROGRESS') THEN 0 ELSE 1 END, COALESCE(due_date,'9999'), created_at, id`
	return r.queryReviews(ctx, nil, query, reviewerID)
}

func (r Repo) queryReviews(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.ReviewAssignment, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewAssignment
	for rows.Next() {
		rv, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}

// ReviewCounts tallies assignments of one version by status.
type ReviewCounts struct {
	Total     int
	Completed int
	Skipped   int
}

// Resolved counts assignments that no longer block approval.
func (c ReviewCounts) Resolved() int { return c.Completed + c.Skipped }

func (r Repo) CountReviews(ctx context.Context, tx *sql.Tx, assessmentID string, version int) (ReviewCounts, error) {
	var c ReviewCounts
	err := r.q(tx).QueryRowContext(ctx, `SELECT
  COUNT(*),
  COALESCE(SUM(CASE WHEN status='COMPLETED' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status='SKIPPED' THEN 1 ELSE 0 END),0)
FROM review_assignments WHERE assessment_id=? AND version=?`, assessmentID, version).Scan(&c.Total, &c.Completed, &c.Skipped)
	return c, err
}
