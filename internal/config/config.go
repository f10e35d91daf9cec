package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"drdflow/internal/domain"
)

// Config models drdflow.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"project" json:"project"`
	Workflow struct {
		ApproverRoles []string `yaml:"approver_roles" json:"approver_roles"`
		AdminRoles    []string `yaml:"admin_roles" json:"admin_roles"`
	} `yaml:"workflow" json:"workflow"`
	Reviews struct {
		DefaultDueDays int `yaml:"default_due_days" json:"default_due_days"`
	} `yaml:"reviews" json:"reviews"`
	Gates map[domain.GateType]GateConfig `yaml:"gates" json:"gates"`
	RBAC  struct {
		Roles map[string]RBACRole `yaml:"roles" json:"roles"`
	} `yaml:"rbac" json:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type GateConfig struct {
	Criteria []CriterionConfig `yaml:"criteria" json:"criteria"`
}

type CriterionConfig struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description" json:"description"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with drd project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Reviews.DefaultDueDays < 0 {
		return fmt.Errorf("config.reviews.default_due_days must not be negative")
	}
	for gate, gc := range c.Gates {
		if _, _, err := gate.Transition(); err != nil {
			return fmt.Errorf("config.gates: %w", err)
		}
		seen := map[string]bool{}
		for _, crit := range gc.Criteria {
			if crit.ID == "" {
				return fmt.Errorf("gate %s has criterion with empty id", gate)
			}
			if seen[crit.ID] {
				return fmt.Errorf("gate %s has duplicate criterion %s", gate, crit.ID)
			}
			seen[crit.ID] = true
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
		for _, list := range [][]string{c.Workflow.ApproverRoles, c.Workflow.AdminRoles} {
			for _, roleID := range list {
				if _, ok := c.RBAC.Roles[roleID]; !ok {
					return fmt.Errorf("workflow role %s not defined in config.rbac.roles", roleID)
				}
			}
		}
	}
	if len(c.Workflow.ApproverRoles) == 0 {
		return fmt.Errorf("config.workflow.approver_roles is required")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Criteria returns the configured checklist for a gate, in order.
func (c *Config) Criteria(gate domain.GateType) []CriterionConfig {
	if c == nil || c.Gates == nil {
		return nil
	}
	return c.Gates[gate].Criteria
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "drdflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  name: Digital transformation programme

workflow:
  approver_roles: [approver, owner]
  admin_roles: [owner]

reviews:
  default_due_days: 14

gates:
  READINESS_GATE:
    criteria:
      - id: context.stakeholders
        description: "Sponsor and key stakeholders identified"
      - id: context.scope
        description: "Assessment scope and business units agreed"
  DESIGN_GATE:
    criteria:
      - id: assessment.approved
        description: "Maturity assessment approved"
      - id: assessment.gaps
        description: "Priority capability gaps documented"
  PLANNING_GATE:
    criteria:
      - id: initiatives.generated
        description: "Initiatives generated from assessment gaps"
      - id: initiatives.prioritized
        description: "Initiatives prioritized and owners assigned"
  EXECUTION_GATE:
    criteria:
      - id: roadmap.sequenced
        description: "Roadmap waves sequenced with dependencies"
      - id: roadmap.budget
        description: "Budget and resourcing confirmed"
  CLOSURE_GATE:
    criteria:
      - id: execution.kpis
        description: "Target KPIs measured against baseline"
      - id: execution.handover
        description: "Operational handover completed"

rbac:
  roles:
    owner:
      description: "Programme owner"
      permissions:
        - project.read
        - project.manage
        - assessment.read
        - assessment.write
        - review.write
        - workflow.approve
        - gate.read
        - gate.write
        - gate.pass
    assessor:
      description: "Prepares assessments"
      permissions: [project.read, assessment.read, assessment.write, gate.read]
    reviewer:
      description: "Reviews assessment versions"
      permissions: [project.read, assessment.read, review.write]
    approver:
      description: "Approves assessments and passes gates"
      permissions: [project.read, assessment.read, workflow.approve, gate.read, gate.write, gate.pass]
`
