package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"drdflow/internal/domain"
	"drdflow/internal/engine"
)

func TestDefaultGateNeedsEvidence(t *testing.T) {
	env := newTestEnv(t)
	gs, err := env.Engine.EvaluateGate(env.Ctx, "proj-1", domain.ReadinessGate)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if gs.Status != domain.GateNotReady || len(gs.MissingElements) != 2 {
		t.Fatalf("unexpected gate status %+v", gs)
	}
	if gs.FromPhase != domain.PhaseContext || gs.ToPhase != domain.PhaseAssessment {
		t.Fatalf("unexpected phases %s -> %s", gs.FromPhase, gs.ToPhase)
	}
	_, err = env.Engine.PassGate(env.Ctx, engine.PassGateInput{ProjectID: "proj-1", GateType: domain.ReadinessGate, ActorID: "tester"})
	var rej *domain.RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("expected gate rejected, got %v", err)
	}

	for _, c := range gs.CompletionCriteria {
		if _, err := env.Engine.RecordCriterion(env.Ctx, engine.RecordCriterionInput{
			ProjectID: "proj-1", GateType: domain.ReadinessGate, CriterionID: c.ID, Met: true, Evidence: "kickoff notes", ActorID: "tester",
		}); err != nil {
			t.Fatalf("record %s: %v", c.ID, err)
		}
	}
	p, err := env.Engine.PassGate(env.Ctx, engine.PassGateInput{ProjectID: "proj-1", GateType: domain.ReadinessGate, Notes: "go", ActorID: "tester"})
	if err != nil {
		t.Fatalf("pass gate: %v", err)
	}
	if p.CurrentPhase != domain.PhaseAssessment {
		t.Fatalf("expected ASSESSMENT, got %s", p.CurrentPhase)
	}
	passages, err := env.Engine.ListGatePassages(env.Ctx, "proj-1")
	if err != nil || len(passages) != 1 || passages[0].Notes != "go" {
		t.Fatalf("unexpected passages %+v %v", passages, err)
	}
}

func TestRecordCriterionRejectsUnknownItem(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RecordCriterion(env.Ctx, engine.RecordCriterionInput{
		ProjectID: "proj-1", GateType: domain.ReadinessGate, CriterionID: "nope", Met: true, ActorID: "tester",
	})
	if !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestGatesMustBePassedInOrder(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Criteria = engine.StaticCriteria{}
	_, err := env.Engine.EvaluateGate(env.Ctx, "proj-1", domain.DesignGate)
	var ooe *domain.OutOfOrderError
	if !errors.As(err, &ooe) {
		t.Fatalf("expected out of order, got %v", err)
	}
	if ooe.CurrentPhase != domain.PhaseContext || ooe.RequiredPhase != domain.PhaseAssessment {
		t.Fatalf("unexpected error detail %+v", ooe)
	}

	// An empty checklist is ready.
	for _, g := range domain.GateTypes {
		if _, err := env.Engine.PassGate(env.Ctx, engine.PassGateInput{ProjectID: "proj-1", GateType: g, ActorID: "tester"}); err != nil {
			t.Fatalf("pass %s: %v", g, err)
		}
	}
	p, err := env.Engine.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.CurrentPhase != domain.PhaseStabilization {
		t.Fatalf("expected STABILIZATION, got %s", p.CurrentPhase)
	}
	if _, err := env.Engine.PassGate(env.Ctx, engine.PassGateInput{ProjectID: "proj-1", GateType: domain.ReadinessGate, ActorID: "tester"}); !domain.IsCode(err, domain.CodeOutOfOrder) {
		t.Fatalf("expected out of order on repeat pass, got %v", err)
	}
	if _, ok, err := env.Engine.NextGate(env.Ctx, "proj-1"); err != nil || ok {
		t.Fatalf("final phase should have no next gate, ok=%v err=%v", ok, err)
	}
}

// flipCriteria reports the checklist met on the first call only.
type flipCriteria struct {
	mu    sync.Mutex
	calls int
}

func (f *flipCriteria) Criteria(context.Context, string, domain.GateType) ([]domain.Criterion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return []domain.Criterion{{ID: "signoff", Criterion: "Sponsor sign-off", IsMet: f.calls == 1}}, nil
}

func TestPassGateRevalidatesCriteria(t *testing.T) {
	env := newTestEnv(t)
	provider := &flipCriteria{}
	env.Engine.Criteria = provider

	gs, err := env.Engine.EvaluateGate(env.Ctx, "proj-1", domain.ReadinessGate)
	if err != nil || gs.Status != domain.GateReady {
		t.Fatalf("expected READY on first evaluation, got %+v %v", gs, err)
	}
	_, err = env.Engine.PassGate(env.Ctx, engine.PassGateInput{ProjectID: "proj-1", GateType: domain.ReadinessGate, ActorID: "tester"})
	var rej *domain.RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("expected gate rejected, got %v", err)
	}
	if len(rej.MissingElements) != 1 || rej.MissingElements[0] != "Sponsor sign-off" {
		t.Fatalf("unexpected missing elements %v", rej.MissingElements)
	}
	p, err := env.Engine.GetProject(env.Ctx, "proj-1")
	if err != nil || p.CurrentPhase != domain.PhaseContext {
		t.Fatalf("phase must not advance, got %s %v", p.CurrentPhase, err)
	}
}

func TestMissingElementsFallBackToID(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Criteria = engine.StaticCriteria{
		domain.ReadinessGate: {{ID: "budget"}, {ID: "scope", Criterion: "Scope agreed", IsMet: true}},
	}
	gs, err := env.Engine.EvaluateGate(env.Ctx, "proj-1", domain.ReadinessGate)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if gs.Status != domain.GateNotReady || len(gs.MissingElements) != 1 || gs.MissingElements[0] != "budget" {
		t.Fatalf("unexpected status %+v", gs)
	}
}

func TestConcurrentPassGateAdvancesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Criteria = engine.StaticCriteria{}
	var wg sync.WaitGroup
	var mu sync.Mutex
	passed := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.PassGate(env.Ctx, engine.PassGateInput{ProjectID: "proj-1", GateType: domain.ReadinessGate, ActorID: "tester"})
			if err == nil {
				mu.Lock()
				passed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if passed != 1 {
		t.Fatalf("expected exactly one pass, got %d", passed)
	}
}
