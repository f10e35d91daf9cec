package repo

import (
	"context"
	"database/sql"

	"drdflow/internal/domain"
)

// Evidence is one recorded answer for a gate checklist item.
type Evidence struct {
	ProjectID   string
	GateType    domain.GateType
	CriterionID string
	IsMet       bool
	Evidence    string
	RecordedBy  string
	RecordedAt  string
}

func (r Repo) UpsertEvidence(ctx context.Context, tx *sql.Tx, ev Evidence) error {
	met := 0
	if ev.IsMet {
		met = 1
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO gate_evidence(project_id,gate_type,criterion_id,is_met,evidence,recorded_by,recorded_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(project_id,gate_type,criterion_id) DO UPDATE SET is_met=excluded.is_met, evidence=excluded.evidence, recorded_by=excluded.recorded_by, recorded_at=excluded.recorded_at`,
		ev.ProjectID, string(ev.GateType), ev.CriterionID, met, nullable(ev.Evidence), ev.RecordedBy, ev.RecordedAt)
	return err
}

// ListEvidence returns recorded evidence for a gate keyed by criterion id.
func (r Repo) ListEvidence(ctx context.Context, tx *sql.Tx, projectID string, gate domain.GateType) (map[string]Evidence, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT criterion_id,is_met,COALESCE(evidence,''),recorded_by,recorded_at FROM gate_evidence WHERE project_id=? AND gate_type=?`,
		projectID, string(gate))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]Evidence{}
	for rows.Next() {
		ev := Evidence{ProjectID: projectID, GateType: gate}
		var met int
		if err := rows.Scan(&ev.CriterionID, &met, &ev.Evidence, &ev.RecordedBy, &ev.RecordedAt); err != nil {
			return nil, err
		}
		ev.IsMet = met != 0
		res[ev.CriterionID] = ev
	}
	return res, rows.Err()
}

func (r Repo) InsertGatePassage(ctx context.Context, tx *sql.Tx, p domain.GatePassage) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO gate_passages(project_id,gate_type,from_phase,to_phase,notes,passed_by,passed_at) VALUES (?,?,?,?,?,?,?)`,
		p.ProjectID, string(p.GateType), string(p.FromPhase), string(p.ToPhase), nullable(p.Notes), p.PassedBy, p.PassedAt)
	return err
}

// ListGatePassages returns passages in the order they happened.
func (r Repo) ListGatePassages(ctx context.Context, projectID string) ([]domain.GatePassage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,gate_type,from_phase,to_phase,COALESCE(notes,''),passed_by,passed_at FROM gate_passages WHERE project_id=? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GatePassage
	for rows.Next() {
		var p domain.GatePassage
		var gate, from, to string
		if err := rows.Scan(&p.ProjectID, &gate, &from, &to, &p.Notes, &p.PassedBy, &p.PassedAt); err != nil {
			return nil, err
		}
		var err error
		if p.GateType, err = domain.ParseGateType(gate); err != nil {
			return nil, domain.Stored("gate passage", projectID, err)
		}
		if p.FromPhase, err = domain.ParsePhase(from); err != nil {
			return nil, domain.Stored("gate passage", projectID, err)
		}
		if p.ToPhase, err = domain.ParsePhase(to); err != nil {
			return nil, domain.Stored("gate passage", projectID, err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
