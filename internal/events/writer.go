package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the audit log.
const (
	ProjectInit           = "project.init"
	ProjectConfigImported = "project.config_imported"

	AssessmentCreated = "assessment.created"
	VersionCreated    = "version.created"

	ReviewAssigned  = "review.assigned"
	ReviewStarted   = "review.started"
	ReviewCompleted = "review.completed"
	ReviewSkipped   = "review.skipped"

	WorkflowSubmitted        = "workflow.submitted"
	WorkflowAwaitingApproval = "workflow.awaiting_approval"
	WorkflowApproved         = "workflow.approved"
	WorkflowRejected         = "workflow.rejected"
	WorkflowArchived         = "workflow.archived"
	WorkflowRestored         = "workflow.restored"

	GateCriterionRecorded = "gate.criterion_recorded"
	GatePassed            = "gate.passed"

	RoleAssigned  = "rbac.role_assigned"
	RoleRevoked   = "rbac.role_revoked"
	APIKeyCreated = "apikey.created"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside the caller's transaction so the audit row
// commits or rolls back with the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if tx == nil {
		return fmt.Errorf("append %s: transaction required", evtType)
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
