package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"drdflow/internal/domain"
	"drdflow/internal/engine"
)

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

// assessmentScope loads the assessment and checks perm on its project.
func assessmentScope(ctx context.Context, e engine.Engine, id, perm string) (domain.Assessment, error) {
	a, err := e.GetAssessment(ctx, id)
	if err != nil {
		return a, err
	}
	if err := requirePermission(ctx, e, a.ProjectID, perm); err != nil {
		return a, err
	}
	return a, nil
}

type workflowOutput struct {
	Body domain.WorkflowStatus `json:"body"`
}

func registerAssessments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-assessment",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/assessments",
		Summary:       "Create assessment",
		Description:   "Creates an assessment with version 1 in DRAFT.",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Body      CreateAssessmentRequest `json:"body"`
	}) (*struct {
		Body AssessmentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, input.ProjectID, "assessment.write"); err != nil {
			return nil, handleError(err)
		}
		content, err := encodeContent(input.Body.Content)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid content", nil)
		}
		in := engine.CreateAssessmentInput{
			ProjectID: input.ProjectID,
			Title:     input.Body.Title,
			Framework: input.Body.Framework,
			Content:   content,
			ActorID:   actorID,
		}
		if input.Body.ID != nil {
			in.ID = *input.Body.ID
		}
		a, err := e.CreateAssessment(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := e.WorkflowStatus(ctx, a.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentResponse `json:"body"`
		}{Body: AssessmentResponse{Assessment: a, Workflow: &st}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assessments",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/assessments",
		Summary:     "List assessments",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.Assessment `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "assessment.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListAssessments(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Assessment `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assessment",
		Method:      http.MethodGet,
		Path:        "/assessments/{id}",
		Summary:     "Get assessment",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AssessmentResponse `json:"body"`
	}, error) {
		a, err := assessmentScope(ctx, e, input.ID, "assessment.read")
		if err != nil {
			return nil, handleError(err)
		}
		st, err := e.WorkflowStatus(ctx, a.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentResponse `json:"body"`
		}{Body: AssessmentResponse{Assessment: a, Workflow: &st}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/assessments/{id}/workflow",
		Summary:     "Workflow status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*workflowOutput, error) {
		if _, err := assessmentScope(ctx, e, input.ID, "assessment.read"); err != nil {
			return nil, handleError(err)
		}
		st, err := e.WorkflowStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: st}, nil
	})
}

func registerVersions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-version",
		Method:        http.MethodPost,
		Path:          "/assessments/{id}/versions",
		Summary:       "Create version",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body CreateVersionRequest `json:"body"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := assessmentScope(ctx, e, input.ID, "assessment.write"); err != nil {
			return nil, handleError(err)
		}
		content, err := encodeContent(input.Body.Content)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid content", nil)
		}
		v, err := e.CreateVersion(ctx, input.ID, content, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: versionResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/assessments/{id}/versions",
		Summary:     "List versions, newest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []VersionResponse `json:"body"`
	}, error) {
		if _, err := assessmentScope(ctx, e, input.ID, "assessment.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListVersions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]VersionResponse, 0, len(items))
		for _, v := range items {
			res = append(res, versionResponse(v))
		}
		return &struct {
			Body []VersionResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/assessments/{id}/versions/{version}",
		Summary:     "Get version",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Version int    `path:"version"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		if _, err := assessmentScope(ctx, e, input.ID, "assessment.read"); err != nil {
			return nil, handleError(err)
		}
		v, err := e.GetVersion(ctx, input.ID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: versionResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "restore-version",
		Method:        http.MethodPost,
		Path:          "/assessments/{id}/versions/{version}/restore",
		Summary:       "Restore version",
		Description:   "Copies the version into a new version and returns the workflow to DRAFT.",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Version int    `path:"version"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := assessmentScope(ctx, e, input.ID, "assessment.write"); err != nil {
			return nil, handleError(err)
		}
		v, err := e.RestoreVersion(ctx, input.ID, input.Version, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: versionResponse(v)}, nil
	})
}

func registerWorkflow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-for-review",
		Method:      http.MethodPost,
		Path:        "/assessments/{id}/submit",
		Summary:     "Submit for review",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body SubmitRequest `json:"body"`
	}) (*workflowOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := assessmentScope(ctx, e, input.ID, "assessment.write"); err != nil {
			return nil, handleError(err)
		}
		st, err := e.SubmitForReview(ctx, engine.SubmitInput{
			AssessmentID: input.ID,
			Reviewers:    reviewerInputs(input.Body.Reviewers),
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: st}, nil
	})

	// Approval guards run in the engine so that an invalid state is reported
	// before a missing role.
	huma.Register(api, huma.Operation{
		OperationID: "approve",
		Method:      http.MethodPost,
		Path:        "/assessments/{id}/approve",
		Summary:     "Approve assessment",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ApproveRequest `json:"body"`
	}) (*workflowOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.Approve(ctx, input.ID, input.Body.Notes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject",
		Method:      http.MethodPost,
		Path:        "/assessments/{id}/reject",
		Summary:     "Reject assessment",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body RejectRequest `json:"body"`
	}) (*workflowOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cur, err := e.WorkflowStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if cur.CanApprove {
			if err := requirePermission(ctx, e, cur.ProjectID, "workflow.approve"); err != nil {
				return nil, handleError(err)
			}
		}
		st, err := e.Reject(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive",
		Method:      http.MethodPost,
		Path:        "/assessments/{id}/archive",
		Summary:     "Archive approved assessment",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*workflowOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := assessmentScope(ctx, e, input.ID, "assessment.write"); err != nil {
			return nil, handleError(err)
		}
		st, err := e.Archive(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: st}, nil
	})
}

func registerReviews(api huma.API, e engine.Engine) {
	type reviewOutput struct {
		Body domain.ReviewAssignment `json:"body"`
	}
	type reviewsOutput struct {
		Body []domain.ReviewAssignment `json:"body"`
	}

	// reviewScope lets the assigned reviewer act on their own assignment and
	// otherwise requires perm on the project.
	reviewScope := func(ctx context.Context, reviewID, perm string) (string, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return "", authErr
		}
		rv, err := e.GetReview(ctx, reviewID)
		if err != nil {
			return "", err
		}
		if rv.ReviewerID == actorID {
			return actorID, nil
		}
		a, err := e.GetAssessment(ctx, rv.AssessmentID)
		if err != nil {
			return "", err
		}
		return actorID, requirePermission(ctx, e, a.ProjectID, perm)
	}

	huma.Register(api, huma.Operation{
		OperationID:   "assign-reviewers",
		Method:        http.MethodPost,
		Path:          "/assessments/{id}/reviews",
		Summary:       "Assign reviewers",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body AssignReviewersRequest `json:"body"`
	}) (*reviewsOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := assessmentScope(ctx, e, input.ID, "assessment.write"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.AssignReviewers(ctx, engine.AssignInput{
			AssessmentID: input.ID,
			Version:      input.Body.Version,
			Reviewers:    reviewerInputs(input.Body.Reviewers),
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &reviewsOutput{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/assessments/{id}/reviews",
		Summary:     "List review assignments",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Version int    `query:"version" doc:"0 lists every version"`
	}) (*reviewsOutput, error) {
		if _, err := assessmentScope(ctx, e, input.ID, "assessment.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListReviews(ctx, input.ID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &reviewsOutput{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-progress",
		Method:      http.MethodGet,
		Path:        "/assessments/{id}/reviews/progress",
		Summary:     "Review progress",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Version int    `query:"version" doc:"defaults to the current version"`
	}) (*struct {
		Body domain.ReviewProgress `json:"body"`
	}, error) {
		if _, err := assessmentScope(ctx, e, input.ID, "assessment.read"); err != nil {
			return nil, handleError(err)
		}
		p, err := e.ReviewProgress(ctx, input.ID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewProgress `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{review_id}/start",
		Summary:     "Start review",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ReviewID string `path:"review_id"`
	}) (*reviewOutput, error) {
		actorID, err := reviewScope(ctx, input.ReviewID, "review.write")
		if err != nil {
			return nil, handleError(err)
		}
		rv, err := e.StartReview(ctx, input.ReviewID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &reviewOutput{Body: rv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{review_id}/complete",
		Summary:     "Complete review",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ReviewID string                `path:"review_id"`
		Body     CompleteReviewRequest `json:"body"`
	}) (*reviewOutput, error) {
		actorID, err := reviewScope(ctx, input.ReviewID, "review.write")
		if err != nil {
			return nil, handleError(err)
		}
		rv, err := e.CompleteReview(ctx, engine.CompleteInput{
			ReviewID:       input.ReviewID,
			Recommendation: input.Body.Recommendation,
			Comments:       input.Body.Comments,
			Rating:         input.Body.Rating,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &reviewOutput{Body: rv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{review_id}/skip",
		Summary:     "Skip review",
		Description: "Closes an open assignment without a verdict. Requires a workflow admin role.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ReviewID string            `path:"review_id"`
		Body     SkipReviewRequest `json:"body"`
	}) (*reviewOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := e.SkipReview(ctx, input.ReviewID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &reviewOutput{Body: rv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reviewer-queue",
		Method:      http.MethodGet,
		Path:        "/reviewers/{reviewer_id}/reviews",
		Summary:     "Reviewer queue",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ReviewerID string `path:"reviewer_id"`
		Open       bool   `query:"open"`
	}) (*reviewsOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actorID != input.ReviewerID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "reviewers may only list their own queue", nil)
		}
		items, err := e.ListReviewsForReviewer(ctx, input.ReviewerID, input.Open)
		if err != nil {
			return nil, handleError(err)
		}
		return &reviewsOutput{Body: nonNilSlice(items)}, nil
	})
}
