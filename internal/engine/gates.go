package engine

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"drdflow/internal/domain"
	"drdflow/internal/events"
	"drdflow/internal/repo"
)

// EvaluateGate checks a gate against the project's current phase and the
// live checklist. It never writes.
func (e Engine) EvaluateGate(ctx context.Context, projectID string, gate domain.GateType) (gs domain.GateStatus, err error) {
	ctx, span := startSpan(ctx, "EvaluateGate", attribute.String("project_id", projectID), attribute.String("gate_type", string(gate)))
	defer func() { endSpan(span, err) }()

	from, to, err := gate.Transition()
	if err != nil {
		return gs, err
	}
	p, err := e.Repo.GetProject(ctx, nil, projectID)
	if err != nil {
		return gs, err
	}
	if p.CurrentPhase != from {
		return gs, &domain.OutOfOrderError{GateType: gate, CurrentPhase: p.CurrentPhase, RequiredPhase: from}
	}
	criteria, err := e.criteria().Criteria(ctx, projectID, gate)
	if err != nil {
		return gs, fmt.Errorf("load criteria for %s: %w", gate, err)
	}
	gs = domain.GateStatus{
		ProjectID:          projectID,
		GateType:           gate,
		FromPhase:          from,
		ToPhase:            to,
		CompletionCriteria: criteria,
		Status:             domain.GateReady,
		MissingElements:    []string{},
		EvaluatedAt:        e.ts(),
	}
	if gs.CompletionCriteria == nil {
		gs.CompletionCriteria = []domain.Criterion{}
	}
	for _, c := range criteria {
		if c.IsMet {
			continue
		}
		name := strings.TrimSpace(c.Criterion)
		if name == "" {
			name = c.ID
		}
		gs.MissingElements = append(gs.MissingElements, name)
	}
	if len(gs.MissingElements) > 0 {
		gs.Status = domain.GateNotReady
	}
	return gs, nil
}

// NextGate evaluates the gate leaving the project's current phase. It reports
// false once the project has reached the final phase.
func (e Engine) NextGate(ctx context.Context, projectID string) (domain.GateStatus, bool, error) {
	p, err := e.Repo.GetProject(ctx, nil, projectID)
	if err != nil {
		return domain.GateStatus{}, false, err
	}
	gate, ok := domain.GateFrom(p.CurrentPhase)
	if !ok {
		return domain.GateStatus{}, false, nil
	}
	gs, err := e.EvaluateGate(ctx, projectID, gate)
	return gs, err == nil, err
}

// PassGateInput are parameters for PassGate.
type PassGateInput struct {
	ProjectID string
	GateType  domain.GateType
	Notes     string
	ActorID   string
}

// PassGate re-evaluates the gate with fresh criteria and advances the project
// one phase when it is READY.
func (e Engine) PassGate(ctx context.Context, in PassGateInput) (p domain.Project, err error) {
	ctx, span := startSpan(ctx, "PassGate", attribute.String("project_id", in.ProjectID), attribute.String("gate_type", string(in.GateType)))
	defer func() { endSpan(span, err) }()

	unlock := e.lockProject(in.ProjectID)
	defer unlock()

	gs, err := e.EvaluateGate(ctx, in.ProjectID, in.GateType)
	if err != nil {
		return p, err
	}
	if gs.Status != domain.GateReady {
		e.log().Warn("gate rejected", "project_id", in.ProjectID, "gate_type", in.GateType, "missing", strings.Join(gs.MissingElements, "; "))
		return p, &domain.RejectedError{GateType: in.GateType, MissingElements: gs.MissingElements}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.AdvancePhase(ctx, tx, in.ProjectID, gs.FromPhase, gs.ToPhase)
	if err != nil {
		return p, err
	}
	if !ok {
		cur, err := e.Repo.GetProject(ctx, tx, in.ProjectID)
		if err != nil {
			return p, err
		}
		return p, &domain.OutOfOrderError{GateType: in.GateType, CurrentPhase: cur.CurrentPhase, RequiredPhase: gs.FromPhase}
	}
	passage := domain.GatePassage{
		ProjectID: in.ProjectID,
		GateType:  in.GateType,
		FromPhase: gs.FromPhase,
		ToPhase:   gs.ToPhase,
		Notes:     in.Notes,
		PassedBy:  in.ActorID,
		PassedAt:  e.ts(),
	}
	if err := e.Repo.InsertGatePassage(ctx, tx, passage); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, events.GatePassed, in.ProjectID, "gate", string(in.GateType), in.ActorID, events.EventPayload{
		"from_phase": gs.FromPhase,
		"to_phase":   gs.ToPhase,
		"criteria":   len(gs.CompletionCriteria),
		"notes":      in.Notes,
	}); err != nil {
		return p, err
	}
	p, err = e.Repo.GetProject(ctx, tx, in.ProjectID)
	if err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	e.log().Info("gate passed", "project_id", in.ProjectID, "gate_type", in.GateType, "from", gs.FromPhase, "to", gs.ToPhase)
	return p, nil
}

// RecordCriterionInput are parameters for RecordCriterion.
type RecordCriterionInput struct {
	ProjectID   string
	GateType    domain.GateType
	CriterionID string
	Met         bool
	Evidence    string
	ActorID     string
}

// RecordCriterion stores evidence for one checklist item of the project config.
func (e Engine) RecordCriterion(ctx context.Context, in RecordCriterionInput) (c domain.Criterion, err error) {
	ctx, span := startSpan(ctx, "RecordCriterion", attribute.String("project_id", in.ProjectID), attribute.String("criterion_id", in.CriterionID))
	defer func() { endSpan(span, err) }()

	if _, _, err := in.GateType.Transition(); err != nil {
		return c, err
	}
	unlock := e.lockProject(in.ProjectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProject(ctx, tx, in.ProjectID); err != nil {
		return c, err
	}
	cfg, err := e.projectConfig(ctx, tx, in.ProjectID)
	if err != nil {
		return c, err
	}
	var found bool
	for _, item := range cfg.Criteria(in.GateType) {
		if item.ID == in.CriterionID {
			c = domain.Criterion{ID: item.ID, Criterion: item.Description}
			found = true
			break
		}
	}
	if !found {
		return c, &domain.InvalidArgumentError{Field: "criterion_id", Reason: fmt.Sprintf("%q is not a criterion of %s", in.CriterionID, in.GateType)}
	}
	if err := e.Repo.UpsertEvidence(ctx, tx, repo.Evidence{
		ProjectID:   in.ProjectID,
		GateType:    in.GateType,
		CriterionID: in.CriterionID,
		IsMet:       in.Met,
		Evidence:    in.Evidence,
		RecordedBy:  in.ActorID,
		RecordedAt:  e.ts(),
	}); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, events.GateCriterionRecorded, in.ProjectID, "gate", string(in.GateType), in.ActorID, events.EventPayload{
		"criterion_id": in.CriterionID,
		"is_met":       in.Met,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	c.IsMet = in.Met
	c.Evidence = in.Evidence
	return c, nil
}

func (e Engine) ListGatePassages(ctx context.Context, projectID string) ([]domain.GatePassage, error) {
	if _, err := e.Repo.GetProject(ctx, nil, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListGatePassages(ctx, projectID)
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
