package protocol

import (
	"fmt"
	"strings"
)

// Hello is the first client message on a connection.
type Hello struct {
	ClientName        string       `cbor:"client_name" json:"client_name"`
	ClientVersion     string       `cbor:"client_version" json:"client_version"`
	SupportedVersions []Version    `cbor:"supported_versions" json:"supported_versions"`
	PreferredEncoding Encoding     `cbor:"preferred_encoding" json:"preferred_encoding"`
	Capabilities      Capabilities `cbor:"capabilities" json:"capabilities"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.ClientName) == "" {
		return fmt.Errorf("%w: client_name", ErrMissingField)
	}
	if strings.TrimSpace(h.ClientVersion) == "" {
		return fmt.Errorf("%w: client_version", ErrMissingField)
	}
	if len(h.SupportedVersions) == 0 {
		return fmt.Errorf("%w: supported_versions", ErrMissingField)
	}
	switch h.PreferredEncoding {
	case EncodingCBOR, EncodingJSON:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEncoding, h.PreferredEncoding)
	}
	return nil
}

// HelloAck is the engine's handshake reply.
type HelloAck struct {
	SelectedVersion Version      `cbor:"selected_version" json:"selected_version"`
	Capabilities    Capabilities `cbor:"capabilities" json:"capabilities"`
	EngineVersion   string       `cbor:"engine_version" json:"engine_version"`
	ContractVersion string       `cbor:"contract_version" json:"contract_version"`
	HashVersion     string       `cbor:"hash_version" json:"hash_version"`
	CASVersion      string       `cbor:"cas_version" json:"cas_version"`
	SessionID       string       `cbor:"session_id" json:"session_id"`
}

func (a HelloAck) Validate() error {
	for field, value := range map[string]string{
		"engine_version":   a.EngineVersion,
		"contract_version": a.ContractVersion,
		"hash_version":     a.HashVersion,
		"cas_version":      a.CASVersion,
		"session_id":       a.SessionID,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, field)
		}
	}
	return nil
}

// StepType enumerates workflow step kinds.
type StepType string

const (
	StepToolCall     StepType = "tool_call"
	StepEmitArtifact StepType = "emit_artifact"
	StepDecision     StepType = "decision"
	StepPause        StepType = "pause"
)

// WorkflowStep is one node in a workflow definition.
type WorkflowStep struct {
	ID        string         `cbor:"id" json:"id"`
	Type      StepType       `cbor:"type" json:"type"`
	Config    map[string]any `cbor:"config,omitempty" json:"config,omitempty"`
	DependsOn []string       `cbor:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// Workflow is the canonical workflow shape carried on ExecRequest.
type Workflow struct {
	Name    string         `cbor:"name" json:"name"`
	Version string         `cbor:"version" json:"version"`
	Steps   []WorkflowStep `cbor:"steps" json:"steps"`
}

// ExecutionControls bound a run.
type ExecutionControls struct {
	MaxSteps          uint32 `cbor:"max_steps,omitempty" json:"max_steps,omitempty"`
	StepTimeoutUs     int64  `cbor:"step_timeout_us,omitempty" json:"step_timeout_us,omitempty"`
	RunTimeoutUs      int64  `cbor:"run_timeout_us,omitempty" json:"run_timeout_us,omitempty"`
	BudgetLimitUsd    string `cbor:"budget_limit_usd,omitempty" json:"budget_limit_usd,omitempty"`
	MinStepIntervalUs int64  `cbor:"min_step_interval_us,omitempty" json:"min_step_interval_us,omitempty"`
	Seed              string `cbor:"seed,omitempty" json:"seed,omitempty"`
}

// Decision is a policy outcome.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionDeny   Decision = "deny"
	DecisionPrompt Decision = "prompt"
)

// PolicyRule matches a condition to a decision. Condition semantics are
// the engine's business; this layer carries them opaquely.
type PolicyRule struct {
	Name      string         `cbor:"name" json:"name"`
	Condition map[string]any `cbor:"condition" json:"condition"`
	Decision  Decision       `cbor:"decision" json:"decision"`
}

// Policy configures run-time policy evaluation.
type Policy struct {
	Rules           []PolicyRule `cbor:"rules" json:"rules"`
	DefaultDecision Decision     `cbor:"default_decision" json:"default_decision"`
}

// ExecRequest asks the engine to run one workflow.
type ExecRequest struct {
	CorrelationID uint64            `cbor:"correlation_id" json:"correlation_id"`
	RunID         string            `cbor:"run_id" json:"run_id"`
	Workflow      Workflow          `cbor:"workflow" json:"workflow"`
	Controls      ExecutionControls `cbor:"controls" json:"controls"`
	Policy        Policy            `cbor:"policy" json:"policy"`
	Metadata      map[string]string `cbor:"metadata,omitempty" json:"metadata,omitempty"`
}

func (r ExecRequest) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return fmt.Errorf("%w: run_id", ErrMissingField)
	}
	if strings.TrimSpace(r.Workflow.Name) == "" {
		return fmt.Errorf("%w: workflow.name", ErrMissingField)
	}
	for i, step := range r.Workflow.Steps {
		if strings.TrimSpace(step.ID) == "" {
			return fmt.Errorf("%w: workflow.steps[%d].id", ErrMissingField, i)
		}
	}
	return nil
}

// RunStatus is the terminal state of one run.
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// RunEvent is one entry in the execution trace.
type RunEvent struct {
	EventID     string         `cbor:"event_id" json:"event_id"`
	EventType   string         `cbor:"event_type" json:"event_type"`
	TimestampUs int64          `cbor:"timestamp_us" json:"timestamp_us"`
	Payload     map[string]any `cbor:"payload,omitempty" json:"payload,omitempty"`
}

// Action is the final action emitted by a run, if any.
type Action struct {
	Type     string         `cbor:"type" json:"type"`
	StepID   string         `cbor:"step_id,omitempty" json:"step_id,omitempty"`
	ToolName string         `cbor:"tool_name,omitempty" json:"tool_name,omitempty"`
	Input    map[string]any `cbor:"input,omitempty" json:"input,omitempty"`
}

// Histogram carries latency bucket boundaries (microseconds) and counts.
// len(Counts) == len(Boundaries)+1; the last bucket is overflow.
type Histogram struct {
	Boundaries []int64  `cbor:"boundaries" json:"boundaries"`
	Counts     []uint64 `cbor:"counts" json:"counts"`
}

// ExecutionMetrics summarizes one run.
type ExecutionMetrics struct {
	StepsExecuted    uint32    `cbor:"steps_executed" json:"steps_executed"`
	ElapsedUs        int64     `cbor:"elapsed_us" json:"elapsed_us"`
	BudgetSpentUsd   string    `cbor:"budget_spent_usd" json:"budget_spent_usd"`
	Throughput       int64     `cbor:"throughput" json:"throughput"`
	CasHitRatePpm    int64     `cbor:"cas_hit_rate_ppm" json:"cas_hit_rate_ppm"`
	LatencyP50Us     int64     `cbor:"latency_p50_us" json:"latency_p50_us"`
	LatencyP95Us     int64     `cbor:"latency_p95_us" json:"latency_p95_us"`
	LatencyP99Us     int64     `cbor:"latency_p99_us" json:"latency_p99_us"`
	LatencyHistogram Histogram `cbor:"latency_histogram" json:"latency_histogram"`
}

// ExecResult reports one run's outcome.
type ExecResult struct {
	CorrelationID uint64           `cbor:"correlation_id" json:"correlation_id"`
	RunID         string           `cbor:"run_id" json:"run_id"`
	Status        RunStatus        `cbor:"status" json:"status"`
	ResultDigest  string           `cbor:"result_digest" json:"result_digest"`
	Events        []RunEvent       `cbor:"events" json:"events"`
	FinalAction   *Action          `cbor:"final_action,omitempty" json:"final_action,omitempty"`
	Metrics       ExecutionMetrics `cbor:"metrics" json:"metrics"`
	SessionID     string           `cbor:"session_id" json:"session_id"`
}

func (r ExecResult) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return fmt.Errorf("%w: run_id", ErrMissingField)
	}
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
	default:
		return fmt.Errorf("%w: invalid status %q", ErrInvalidPayload, r.Status)
	}
	if strings.TrimSpace(r.ResultDigest) == "" {
		return fmt.Errorf("%w: result_digest", ErrMissingField)
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("%w: session_id", ErrMissingField)
	}
	return nil
}

// Cancel asks the engine to stop work for one in-flight request. A local
// client timeout never implies this; it must be sent explicitly.
type Cancel struct {
	CorrelationID uint64 `cbor:"correlation_id" json:"correlation_id"`
	RunID         string `cbor:"run_id,omitempty" json:"run_id,omitempty"`
	Reason        string `cbor:"reason,omitempty" json:"reason,omitempty"`
}

// ErrorCode classifies engine-reported failures: protocol 1xx,
// execution 2xx, system 3xx.
type ErrorCode uint32

const (
	CodeInvalidMessage     ErrorCode = 100
	CodeUnsupportedVersion ErrorCode = 101
	CodeEncodingError      ErrorCode = 102

	CodeExecutionFailed ErrorCode = 200
	CodeBudgetExceeded  ErrorCode = 201
	CodeTimeout         ErrorCode = 202
	CodePolicyDenied    ErrorCode = 203

	CodeInternalError     ErrorCode = 300
	CodeResourceExhausted ErrorCode = 301
	CodeUnavailable       ErrorCode = 302
)

// ErrorMessage is the engine's structured failure reply.
type ErrorMessage struct {
	CorrelationID uint64            `cbor:"correlation_id" json:"correlation_id"`
	Code          ErrorCode         `cbor:"code" json:"code"`
	Message       string            `cbor:"message" json:"message"`
	Details       map[string]string `cbor:"details,omitempty" json:"details,omitempty"`
}
