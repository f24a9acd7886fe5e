package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/reachstack/fabric/internal/protocol"
)

// WorkflowFile is the TOML form of one execution request as submitted by
// the CLI.
type WorkflowFile struct {
	RunID    string            `toml:"run_id"`
	Workflow WorkflowSpec      `toml:"workflow"`
	Controls ControlsSpec      `toml:"controls"`
	Policy   PolicySpec        `toml:"policy"`
	Metadata map[string]string `toml:"metadata"`
}

type WorkflowSpec struct {
	Name    string     `toml:"name"`
	Version string     `toml:"version"`
	Steps   []StepSpec `toml:"steps"`
}

type StepSpec struct {
	ID        string         `toml:"id"`
	Type      string         `toml:"type"`
	Config    map[string]any `toml:"config"`
	DependsOn []string       `toml:"depends_on"`
}

type ControlsSpec struct {
	MaxSteps          uint32 `toml:"max_steps"`
	StepTimeoutUs     int64  `toml:"step_timeout_us"`
	RunTimeoutUs      int64  `toml:"run_timeout_us"`
	BudgetLimitUsd    string `toml:"budget_limit_usd"`
	MinStepIntervalUs int64  `toml:"min_step_interval_us"`
	Seed              string `toml:"seed"`
}

type PolicySpec struct {
	DefaultDecision string     `toml:"default_decision"`
	Rules           []RuleSpec `toml:"rules"`
}

type RuleSpec struct {
	Name      string         `toml:"name"`
	Condition map[string]any `toml:"condition"`
	Decision  string         `toml:"decision"`
}

// LoadWorkflow reads a workflow file and builds the request. A missing
// run_id gets a fresh uuid so repeated submissions stay distinguishable;
// replay runs should pin run_id explicitly.
func LoadWorkflow(path string) (protocol.ExecRequest, error) {
	var wf WorkflowFile
	if err := loadToml(path, &wf); err != nil {
		return protocol.ExecRequest{}, err
	}
	if strings.TrimSpace(wf.Workflow.Name) == "" {
		return protocol.ExecRequest{}, fmt.Errorf("workflow file missing workflow.name (%s)", path)
	}
	if wf.RunID == "" {
		wf.RunID = "run-" + uuid.NewString()
	}

	req := protocol.ExecRequest{
		RunID: wf.RunID,
		Workflow: protocol.Workflow{
			Name:    wf.Workflow.Name,
			Version: wf.Workflow.Version,
			Steps:   make([]protocol.WorkflowStep, len(wf.Workflow.Steps)),
		},
		Controls: protocol.ExecutionControls{
			MaxSteps:          wf.Controls.MaxSteps,
			StepTimeoutUs:     wf.Controls.StepTimeoutUs,
			RunTimeoutUs:      wf.Controls.RunTimeoutUs,
			BudgetLimitUsd:    wf.Controls.BudgetLimitUsd,
			MinStepIntervalUs: wf.Controls.MinStepIntervalUs,
			Seed:              wf.Controls.Seed,
		},
		Policy: protocol.Policy{
			DefaultDecision: protocol.Decision(wf.Policy.DefaultDecision),
			Rules:           make([]protocol.PolicyRule, len(wf.Policy.Rules)),
		},
		Metadata: wf.Metadata,
	}
	for i, step := range wf.Workflow.Steps {
		req.Workflow.Steps[i] = protocol.WorkflowStep{
			ID:        step.ID,
			Type:      protocol.StepType(step.Type),
			Config:    step.Config,
			DependsOn: step.DependsOn,
		}
	}
	for i, rule := range wf.Policy.Rules {
		req.Policy.Rules[i] = protocol.PolicyRule{
			Name:      rule.Name,
			Condition: rule.Condition,
			Decision:  protocol.Decision(rule.Decision),
		}
	}
	if err := req.Validate(); err != nil {
		return protocol.ExecRequest{}, fmt.Errorf("workflow file invalid (%s): %w", path, err)
	}
	return req, nil
}
