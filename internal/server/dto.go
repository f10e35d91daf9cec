package server

import (
	"encoding/json"
	"sort"

	"drdflow/internal/config"
	"drdflow/internal/domain"
	"drdflow/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateAssessmentRequest struct {
	ID        *string        `json:"id,omitempty"`
	Title     string         `json:"title"`
	Framework string         `json:"framework,omitempty" example:"DRD"`
	Content   map[string]any `json:"content,omitempty"`
}

type CreateVersionRequest struct {
	Content map[string]any `json:"content"`
}

type ReviewerRequest struct {
	UserID  string  `json:"user_id"`
	Role    string  `json:"role,omitempty" example:"reviewer"`
	DueDate *string `json:"due_date,omitempty" format:"date-time"`
}

type AssignReviewersRequest struct {
	Version   int               `json:"version,omitempty"`
	Reviewers []ReviewerRequest `json:"reviewers"`
}

type SubmitRequest struct {
	Reviewers []ReviewerRequest `json:"reviewers,omitempty"`
}

type ApproveRequest struct {
	Notes string `json:"notes,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type CompleteReviewRequest struct {
	Recommendation string `json:"recommendation" example:"APPROVE"`
	Comments       string `json:"comments,omitempty"`
	Rating         *int   `json:"rating,omitempty" minimum:"1" maximum:"5"`
}

type SkipReviewRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RecordCriterionRequest struct {
	IsMet    bool   `json:"is_met"`
	Evidence string `json:"evidence,omitempty"`
}

type PassGateRequest struct {
	Notes string `json:"notes,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Responses

type ProjectResponse struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	CurrentPhase domain.Phase `json:"current_phase"`
	NextGate     string       `json:"next_gate,omitempty"`
	CreatedAt    string       `json:"created_at" format:"date-time"`
}

type AssessmentResponse struct {
	domain.Assessment
	Workflow *domain.WorkflowStatus `json:"workflow,omitempty"`
}

type VersionResponse struct {
	AssessmentID string         `json:"assessment_id"`
	Version      int            `json:"version"`
	Content      map[string]any `json:"content"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	CreatedBy    string         `json:"created_by"`
	RestoredFrom *int           `json:"restored_from,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ProjectConfigResponse struct {
	Workflow struct {
		ApproverRoles []string `json:"approver_roles"`
		AdminRoles    []string `json:"admin_roles"`
	} `json:"workflow"`
	Reviews struct {
		DefaultDueDays int `json:"default_due_days"`
	} `json:"reviews"`
	Gates map[domain.GateType][]config.CriterionConfig `json:"gates"`
	Roles []string                                     `json:"roles"`
}

func projectResponse(p domain.Project) ProjectResponse {
	res := ProjectResponse{
		ID:           p.ID,
		Name:         p.Name,
		Description:  p.Description,
		CurrentPhase: p.CurrentPhase,
		CreatedAt:    p.CreatedAt,
	}
	if g, ok := domain.GateFrom(p.CurrentPhase); ok {
		res.NextGate = string(g)
	}
	return res
}

func versionResponse(v domain.AssessmentVersion) VersionResponse {
	return VersionResponse{
		AssessmentID: v.AssessmentID,
		Version:      v.Version,
		Content:      decodeJSONMap(v.Content),
		CreatedAt:    v.CreatedAt,
		CreatedBy:    v.CreatedBy,
		RestoredFrom: v.RestoredFrom,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(json.RawMessage(e.Payload)),
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	var res ProjectConfigResponse
	res.Workflow.ApproverRoles = nonNilSlice(cfg.Workflow.ApproverRoles)
	res.Workflow.AdminRoles = nonNilSlice(cfg.Workflow.AdminRoles)
	res.Reviews.DefaultDueDays = cfg.Reviews.DefaultDueDays
	res.Gates = map[domain.GateType][]config.CriterionConfig{}
	for _, g := range domain.GateTypes {
		res.Gates[g] = nonNilSlice(cfg.Criteria(g))
	}
	res.Roles = []string{}
	for id := range cfg.RBAC.Roles {
		res.Roles = append(res.Roles, id)
	}
	sort.Strings(res.Roles)
	return res
}

func reviewerInputs(in []ReviewerRequest) []engine.ReviewerInput {
	out := make([]engine.ReviewerInput, 0, len(in))
	for _, r := range in {
		out = append(out, engine.ReviewerInput{UserID: r.UserID, Role: r.Role, DueDate: r.DueDate})
	}
	return out
}

// JSON helpers

func decodeJSONMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

func encodeContent(content map[string]any) (json.RawMessage, error) {
	if content == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(content)
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
