package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"drdflow/internal/domain"
	"drdflow/internal/engine"
)

type gateStatusOutput struct {
	Body domain.GateStatus `json:"body"`
}

func registerGates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "next-gate",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/gates/next",
		Summary:     "Evaluate the gate leaving the current phase",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*gateStatusOutput, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "gate.read"); err != nil {
			return nil, handleError(err)
		}
		gs, ok, err := e.NextGate(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "project is in its final phase", nil)
		}
		return &gateStatusOutput{Body: gs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-gate",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/gates/{gate_type}",
		Summary:     "Evaluate gate",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		GateType  string `path:"gate_type" example:"READINESS_GATE"`
	}) (*gateStatusOutput, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "gate.read"); err != nil {
			return nil, handleError(err)
		}
		gate, err := domain.ParseGateType(input.GateType)
		if err != nil {
			return nil, handleError(err)
		}
		gs, err := e.EvaluateGate(ctx, input.ProjectID, gate)
		if err != nil {
			return nil, handleError(err)
		}
		return &gateStatusOutput{Body: gs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-criterion",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/gates/{gate_type}/criteria/{criterion_id}",
		Summary:     "Record criterion evidence",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID   string                 `path:"project_id"`
		GateType    string                 `path:"gate_type"`
		CriterionID string                 `path:"criterion_id"`
		Body        RecordCriterionRequest `json:"body"`
	}) (*struct {
		Body domain.Criterion `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, input.ProjectID, "gate.write"); err != nil {
			return nil, handleError(err)
		}
		gate, err := domain.ParseGateType(input.GateType)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.RecordCriterion(ctx, engine.RecordCriterionInput{
			ProjectID:   input.ProjectID,
			GateType:    gate,
			CriterionID: input.CriterionID,
			Met:         input.Body.IsMet,
			Evidence:    input.Body.Evidence,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Criterion `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pass-gate",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/gates/{gate_type}/pass",
		Summary:     "Pass gate",
		Description: "Re-evaluates the gate and advances the project one phase when it is READY.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		GateType  string          `path:"gate_type"`
		Body      PassGateRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, input.ProjectID, "gate.pass"); err != nil {
			return nil, handleError(err)
		}
		gate, err := domain.ParseGateType(input.GateType)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.PassGate(ctx, engine.PassGateInput{
			ProjectID: input.ProjectID,
			GateType:  gate,
			Notes:     input.Body.Notes,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gate-passages",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/gates",
		Summary:     "Gate passage history",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.GatePassage `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "gate.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListGatePassages(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.GatePassage `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}
