package drdflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal drdflow HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set; servers
	// accept it only in development mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v0.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

type Project struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	CurrentPhase string `json:"current_phase"`
	NextGate     string `json:"next_gate,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type Assessment struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	Title     string          `json:"title"`
	Framework string          `json:"framework"`
	CreatedBy string          `json:"created_by"`
	CreatedAt string          `json:"created_at"`
	Workflow  *WorkflowStatus `json:"workflow,omitempty"`
}

type Version struct {
	AssessmentID string         `json:"assessment_id"`
	Version      int            `json:"version"`
	Content      map[string]any `json:"content"`
	CreatedAt    string         `json:"created_at"`
	CreatedBy    string         `json:"created_by"`
	RestoredFrom *int           `json:"restored_from,omitempty"`
}

type WorkflowStatus struct {
	AssessmentID       string   `json:"assessment_id"`
	ProjectID          string   `json:"project_id"`
	Status             string   `json:"status"`
	CurrentVersion     int      `json:"current_version"`
	CompletedReviews   int      `json:"completed_reviews"`
	TotalReviews       int      `json:"total_reviews"`
	RejectionReason    string   `json:"rejection_reason,omitempty"`
	ApprovalNotes      string   `json:"approval_notes,omitempty"`
	DecidedBy          string   `json:"decided_by,omitempty"`
	UpdatedAt          string   `json:"updated_at"`
	CanSubmitForReview bool     `json:"can_submit_for_review"`
	CanApprove         bool     `json:"can_approve"`
	PermittedActions   []string `json:"permitted_actions"`
}

// Reviewer names one assignment in SubmitForReview or AssignReviewers.
type Reviewer struct {
	UserID  string  `json:"user_id"`
	Role    string  `json:"role,omitempty"`
	DueDate *string `json:"due_date,omitempty"`
}

type Review struct {
	ID             string  `json:"id"`
	AssessmentID   string  `json:"assessment_id"`
	Version        int     `json:"version"`
	ReviewerID     string  `json:"reviewer_id"`
	Role           string  `json:"role"`
	Status         string  `json:"status"`
	Recommendation *string `json:"recommendation,omitempty"`
	Comments       string  `json:"comments,omitempty"`
	Rating         *int    `json:"rating,omitempty"`
	DueDate        *string `json:"due_date,omitempty"`
	IsOverdue      bool    `json:"is_overdue"`
	CompletedAt    *string `json:"completed_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

type ReviewProgress struct {
	AssessmentID string  `json:"assessment_id"`
	Version      int     `json:"version"`
	Completed    int     `json:"completed"`
	Skipped      int     `json:"skipped"`
	Total        int     `json:"total"`
	Percentage   float64 `json:"percentage"`
}

type Criterion struct {
	ID        string `json:"id"`
	Criterion string `json:"criterion"`
	IsMet     bool   `json:"is_met"`
	Evidence  string `json:"evidence,omitempty"`
}

type GateStatus struct {
	ProjectID          string      `json:"project_id"`
	GateType           string      `json:"gate_type"`
	FromPhase          string      `json:"from_phase"`
	ToPhase            string      `json:"to_phase"`
	CompletionCriteria []Criterion `json:"completion_criteria"`
	Status             string      `json:"status"`
	MissingElements    []string    `json:"missing_elements"`
	EvaluatedAt        string      `json:"evaluated_at"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code carries the server error code, e.g.
// invalid_transition or gate_rejected, when the body is a drdflow error.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) GetProject(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &resp)
	return resp, err
}

// CreateAssessment creates an assessment with content as version 1.
func (c *Client) CreateAssessment(ctx context.Context, title, framework string, content map[string]any) (Assessment, error) {
	body := map[string]any{"title": title}
	if framework != "" {
		body["framework"] = framework
	}
	if content != nil {
		body["content"] = content
	}
	var resp Assessment
	err := c.do(ctx, http.MethodPost, c.projectPath("assessments"), body, &resp)
	return resp, err
}

func (c *Client) GetAssessment(ctx context.Context, id string) (Assessment, error) {
	var resp Assessment
	err := c.do(ctx, http.MethodGet, assessmentPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) ListAssessments(ctx context.Context) ([]Assessment, error) {
	var resp []Assessment
	err := c.do(ctx, http.MethodGet, c.projectPath("assessments"), nil, &resp)
	return resp, err
}

func (c *Client) CreateVersion(ctx context.Context, assessmentID string, content map[string]any) (Version, error) {
	var resp Version
	err := c.do(ctx, http.MethodPost, assessmentPath(assessmentID, "versions"), map[string]any{"content": content}, &resp)
	return resp, err
}

// ListVersions returns versions newest first.
func (c *Client) ListVersions(ctx context.Context, assessmentID string) ([]Version, error) {
	var resp []Version
	err := c.do(ctx, http.MethodGet, assessmentPath(assessmentID, "versions"), nil, &resp)
	return resp, err
}

func (c *Client) RestoreVersion(ctx context.Context, assessmentID string, version int) (Version, error) {
	var resp Version
	err := c.do(ctx, http.MethodPost, assessmentPath(assessmentID, fmt.Sprintf("versions/%d/restore", version)), nil, &resp)
	return resp, err
}

func (c *Client) Workflow(ctx context.Context, assessmentID string) (WorkflowStatus, error) {
	var resp WorkflowStatus
	err := c.do(ctx, http.MethodGet, assessmentPath(assessmentID, "workflow"), nil, &resp)
	return resp, err
}

func (c *Client) SubmitForReview(ctx context.Context, assessmentID string, reviewers []Reviewer) (WorkflowStatus, error) {
	var resp WorkflowStatus
	err := c.do(ctx, http.MethodPost, assessmentPath(assessmentID, "submit"), map[string]any{"reviewers": reviewers}, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, assessmentID, notes string) (WorkflowStatus, error) {
	var resp WorkflowStatus
	err := c.do(ctx, http.MethodPost, assessmentPath(assessmentID, "approve"), map[string]any{"notes": notes}, &resp)
	return resp, err
}

func (c *Client) Reject(ctx context.Context, assessmentID, reason string) (WorkflowStatus, error) {
	var resp WorkflowStatus
	err := c.do(ctx, http.MethodPost, assessmentPath(assessmentID, "reject"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) Archive(ctx context.Context, assessmentID string) (WorkflowStatus, error) {
	var resp WorkflowStatus
	err := c.do(ctx, http.MethodPost, assessmentPath(assessmentID, "archive"), nil, &resp)
	return resp, err
}

// AssignReviewers assigns reviewers to version; 0 means the current version.
func (c *Client) AssignReviewers(ctx context.Context, assessmentID string, version int, reviewers []Reviewer) ([]Review, error) {
	body := map[string]any{"reviewers": reviewers}
	if version > 0 {
		body["version"] = version
	}
	var resp []Review
	err := c.do(ctx, http.MethodPost, assessmentPath(assessmentID, "reviews"), body, &resp)
	return resp, err
}

// ListReviews lists assignments; version 0 lists every version.
func (c *Client) ListReviews(ctx context.Context, assessmentID string, version int) ([]Review, error) {
	endpoint := assessmentPath(assessmentID, "reviews")
	if version > 0 {
		endpoint = fmt.Sprintf("%s?version=%d", endpoint, version)
	}
	var resp []Review
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) ReviewProgress(ctx context.Context, assessmentID string) (ReviewProgress, error) {
	var resp ReviewProgress
	err := c.do(ctx, http.MethodGet, assessmentPath(assessmentID, "reviews/progress"), nil, &resp)
	return resp, err
}

func (c *Client) StartReview(ctx context.Context, reviewID string) (Review, error) {
	var resp Review
	err := c.do(ctx, http.MethodPost, reviewPath(reviewID, "start"), nil, &resp)
	return resp, err
}

// CompleteReview records a recommendation. rating is optional (1-5).
func (c *Client) CompleteReview(ctx context.Context, reviewID, recommendation, comments string, rating *int) (Review, error) {
	body := map[string]any{"recommendation": recommendation}
	if comments != "" {
		body["comments"] = comments
	}
	if rating != nil {
		body["rating"] = *rating
	}
	var resp Review
	err := c.do(ctx, http.MethodPost, reviewPath(reviewID, "complete"), body, &resp)
	return resp, err
}

func (c *Client) SkipReview(ctx context.Context, reviewID, reason string) (Review, error) {
	var resp Review
	err := c.do(ctx, http.MethodPost, reviewPath(reviewID, "skip"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// MyReviews lists the reviewer queue of the calling actor.
func (c *Client) MyReviews(ctx context.Context, reviewerID string, openOnly bool) ([]Review, error) {
	endpoint := fmt.Sprintf("reviewers/%s/reviews", url.PathEscape(reviewerID))
	if openOnly {
		endpoint += "?open=true"
	}
	var resp []Review
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// NextGate evaluates the gate leaving the project's current phase.
func (c *Client) NextGate(ctx context.Context) (GateStatus, error) {
	var resp GateStatus
	err := c.do(ctx, http.MethodGet, c.projectPath("gates/next"), nil, &resp)
	return resp, err
}

func (c *Client) EvaluateGate(ctx context.Context, gateType string) (GateStatus, error) {
	var resp GateStatus
	err := c.do(ctx, http.MethodGet, c.projectPath("gates/"+url.PathEscape(gateType)), nil, &resp)
	return resp, err
}

func (c *Client) RecordCriterion(ctx context.Context, gateType, criterionID string, met bool, evidence string) (Criterion, error) {
	body := map[string]any{"is_met": met}
	if evidence != "" {
		body["evidence"] = evidence
	}
	var resp Criterion
	endpoint := c.projectPath(fmt.Sprintf("gates/%s/criteria/%s", url.PathEscape(gateType), url.PathEscape(criterionID)))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// PassGate advances the project one phase. A gate that is not READY fails
// with an APIError whose Code is gate_rejected.
func (c *Client) PassGate(ctx context.Context, gateType, notes string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("gates/"+url.PathEscape(gateType)+"/pass"), map[string]any{"notes": notes}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader = http.NoBody
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	if p == "" {
		return "projects/" + project
	}
	return fmt.Sprintf("projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func assessmentPath(id, p string) string {
	if p == "" {
		return "assessments/" + url.PathEscape(id)
	}
	return fmt.Sprintf("assessments/%s/%s", url.PathEscape(id), p)
}

func reviewPath(id, action string) string {
	return fmt.Sprintf("reviews/%s/%s", url.PathEscape(id), action)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
