package engine

import (
	"context"
	"errors"

	"drdflow/internal/config"
	"drdflow/internal/domain"
	"drdflow/internal/repo"
)

// CriteriaProvider supplies the current checklist for a gate. Results are
// read fresh on every call; the gate evaluator never caches them.
type CriteriaProvider interface {
	Criteria(ctx context.Context, projectID string, gate domain.GateType) ([]domain.Criterion, error)
}

// ConfigCriteria joins the checklist from the project config with the
// evidence recorded against it.
type ConfigCriteria struct {
	Repo     repo.Repo
	Fallback *config.Config
}

func (c ConfigCriteria) Criteria(ctx context.Context, projectID string, gate domain.GateType) ([]domain.Criterion, error) {
	cfg, err := c.Repo.GetProjectConfig(ctx, nil, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		cfg, err = c.Fallback, nil
		if cfg == nil || cfg.Project.ID != projectID {
			cfg = config.Default(projectID)
		}
	}
	if err != nil {
		return nil, err
	}
	evidence, err := c.Repo.ListEvidence(ctx, nil, projectID, gate)
	if err != nil {
		return nil, err
	}
	items := cfg.Criteria(gate)
	out := make([]domain.Criterion, 0, len(items))
	for _, item := range items {
		cr := domain.Criterion{ID: item.ID, Criterion: item.Description}
		if ev, ok := evidence[item.ID]; ok {
			cr.IsMet = ev.IsMet
			cr.Evidence = ev.Evidence
		}
		out = append(out, cr)
	}
	return out, nil
}

// StaticCriteria serves a fixed checklist per gate.
type StaticCriteria map[domain.GateType][]domain.Criterion

func (s StaticCriteria) Criteria(_ context.Context, _ string, gate domain.GateType) ([]domain.Criterion, error) {
	return append([]domain.Criterion(nil), s[gate]...), nil
}
