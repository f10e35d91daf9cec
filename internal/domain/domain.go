package domain

import (
	"encoding/json"
	"time"
)

type Project struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	CurrentPhase Phase  `json:"current_phase" enum:"CONTEXT,ASSESSMENT,INITIATIVES,ROADMAP,EXECUTION,STABILIZATION"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Assessment struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Framework Framework `json:"framework" enum:"DRD,RAPIDLEAN,SIRI,ADMA,CMMI,GENERIC"`
	CreatedBy string    `json:"created_by"`
	CreatedAt string    `json:"created_at" format:"date-time"`
}

// AssessmentVersion is an immutable content snapshot. Content is opaque to the engine.
type AssessmentVersion struct {
	AssessmentID string          `json:"assessment_id"`
	Version      int             `json:"version"`
	Content      json.RawMessage `json:"content"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	CreatedBy    string          `json:"created_by"`
	RestoredFrom *int            `json:"restored_from,omitempty"`
}

type ReviewAssignment struct {
	ID             string          `json:"id"`
	AssessmentID   string          `json:"assessment_id"`
	Version        int             `json:"version"`
	ReviewerID     string          `json:"reviewer_id"`
	Role           string          `json:"role"`
	Status         ReviewStatus    `json:"status" enum:"PENDING,IN_PROGRESS,COMPLETED,SKIPPED"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
	Comments       string          `json:"comments,omitempty"`
	Rating         *int            `json:"rating,omitempty"`
	DueDate        *string         `json:"due_date,omitempty" format:"date-time"`
	IsOverdue      bool            `json:"is_overdue"`
	StartedAt      *string         `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string         `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy    *string         `json:"completed_by,omitempty"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
}

// Closed reports whether the assignment no longer blocks the approval step.
func (r ReviewAssignment) Closed() bool {
	return r.Status == ReviewCompleted || r.Status == ReviewSkipped
}

// Overdue is computed at read time; it never changes stored state.
func (r ReviewAssignment) Overdue(now time.Time) bool {
	if r.DueDate == nil || r.Closed() {
		return false
	}
	due, err := time.Parse(time.RFC3339, *r.DueDate)
	if err != nil {
		return false
	}
	return now.After(due)
}

// ReviewProgress counts assignments of one version. Completed includes the
// Skipped ones, matching WorkflowStatus.CompletedReviews.
type ReviewProgress struct {
	AssessmentID string  `json:"assessment_id"`
	Version      int     `json:"version"`
	Completed    int     `json:"completed"`
	Skipped      int     `json:"skipped"`
	Total        int     `json:"total"`
	Percentage   float64 `json:"percentage"`
}

type WorkflowStatus struct {
	AssessmentID       string   `json:"assessment_id"`
	ProjectID          string   `json:"project_id"`
	Status             Status   `json:"status" enum:"DRAFT,IN_REVIEW,AWAITING_APPROVAL,APPROVED,REJECTED,ARCHIVED"`
	CurrentVersion     int      `json:"current_version"`
	CompletedReviews   int      `json:"completed_reviews"`
	TotalReviews       int      `json:"total_reviews"`
	RejectionReason    string   `json:"rejection_reason,omitempty"`
	ApprovalNotes      string   `json:"approval_notes,omitempty"`
	DecidedBy          string   `json:"decided_by,omitempty"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
	CanSubmitForReview bool     `json:"can_submit_for_review"`
	CanApprove         bool     `json:"can_approve"`
	PermittedActions   []Action `json:"permitted_actions"`
}

type Criterion struct {
	ID        string `json:"id"`
	Criterion string `json:"criterion"`
	IsMet     bool   `json:"is_met"`
	Evidence  string `json:"evidence,omitempty"`
}

type GateStatus struct {
	ProjectID          string        `json:"project_id"`
	GateType           GateType      `json:"gate_type"`
	FromPhase          Phase         `json:"from_phase"`
	ToPhase            Phase         `json:"to_phase"`
	CompletionCriteria []Criterion   `json:"completion_criteria"`
	Status             GateReadiness `json:"status" enum:"READY,NOT_READY"`
	MissingElements    []string      `json:"missing_elements"`
	EvaluatedAt        string        `json:"evaluated_at" format:"date-time"`
}

type GatePassage struct {
	ProjectID string   `json:"project_id"`
	GateType  GateType `json:"gate_type"`
	FromPhase Phase    `json:"from_phase"`
	ToPhase   Phase    `json:"to_phase"`
	Notes     string   `json:"notes,omitempty"`
	PassedBy  string   `json:"passed_by"`
	PassedAt  string   `json:"passed_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
