package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/reachstack/fabric/internal/canonical"
	"github.com/reachstack/fabric/internal/hashstream"
	"github.com/reachstack/fabric/internal/protocol"
	"github.com/reachstack/fabric/internal/seedrand"
)

// Trace event types emitted during a run.
const (
	eventRunStarted    = "run_started"
	eventStepCompleted = "step_completed"
	eventStepDenied    = "step_denied"
	eventStepSkipped   = "step_skipped"
	eventStepsCapped   = "max_steps_reached"
	eventRunCancelled  = "run_cancelled"
	eventRunCompleted  = "run_completed"
)

// Execute runs one workflow deterministically. The result digest is a
// function of the request alone: trace payloads draw from a PRNG seeded
// by run id, seed, and workflow identity, and the digest hashes the
// canonicalized (event_type, payload) sequence. Event ids and
// timestamps are run-scoped and excluded from the digest.
func Execute(ctx context.Context, req protocol.ExecRequest) protocol.ExecResult {
	start := time.Now()
	rng := seedrand.New(executionSeed(req))

	status := protocol.StatusCompleted
	var events []protocol.RunEvent
	var finalAction *protocol.Action
	var stepDurations []int64
	stepsExecuted := uint32(0)

	emit := func(eventType string, payload map[string]any) {
		events = append(events, protocol.RunEvent{
			EventID:     uuid.NewString(),
			EventType:   eventType,
			TimestampUs: time.Since(start).Microseconds(),
			Payload:     payload,
		})
	}

	emit(eventRunStarted, map[string]any{
		"workflow": req.Workflow.Name,
		"version":  req.Workflow.Version,
		"seed":     req.Controls.Seed,
	})

steps:
	for i, step := range req.Workflow.Steps {
		select {
		case <-ctx.Done():
			status = protocol.StatusCancelled
			emit(eventRunCancelled, map[string]any{"at_step": step.ID})
			break steps
		default:
		}
		if req.Controls.MaxSteps > 0 && stepsExecuted >= req.Controls.MaxSteps {
			emit(eventStepsCapped, map[string]any{
				"limit":     int(req.Controls.MaxSteps),
				"remaining": len(req.Workflow.Steps) - i,
			})
			break
		}

		stepStart := time.Now()
		decision := evaluatePolicy(req.Policy, step)
		switch decision {
		case protocol.DecisionDeny:
			emit(eventStepDenied, map[string]any{
				"step": step.ID,
				"type": string(step.Type),
			})
		case protocol.DecisionPrompt:
			// Headless engine; a prompt cannot be answered, so the step
			// is skipped rather than stalled.
			emit(eventStepSkipped, map[string]any{
				"step":   step.ID,
				"type":   string(step.Type),
				"reason": "prompt_unanswerable",
			})
		default:
			stepsExecuted++
			emit(eventStepCompleted, map[string]any{
				"step": step.ID,
				"type": string(step.Type),
				"draw": rng.Next(),
			})
			if step.Type == protocol.StepToolCall {
				finalAction = actionFor(step)
			}
		}
		stepDurations = append(stepDurations, time.Since(stepStart).Microseconds())
	}

	if status == protocol.StatusCompleted {
		emit(eventRunCompleted, map[string]any{"steps_executed": int(stepsExecuted)})
	}

	return protocol.ExecResult{
		CorrelationID: req.CorrelationID,
		RunID:         req.RunID,
		Status:        status,
		ResultDigest:  traceDigest(events),
		Events:        events,
		FinalAction:   finalAction,
		Metrics:       buildMetrics(stepsExecuted, stepDurations, time.Since(start)),
	}
}

func executionSeed(req protocol.ExecRequest) string {
	seed := req.Controls.Seed
	if seed == "" {
		seed = req.RunID
	}
	return fmt.Sprintf("%s|%s|%s@%s", req.RunID, seed, req.Workflow.Name, req.Workflow.Version)
}

// evaluatePolicy matches rules in declared order; the first hit wins.
// Conditions are matched on step_id and step_type; unrecognized
// condition keys never match, keeping unknown policies inert.
func evaluatePolicy(policy protocol.Policy, step protocol.WorkflowStep) protocol.Decision {
	for _, rule := range policy.Rules {
		if ruleMatches(rule, step) {
			return rule.Decision
		}
	}
	if policy.DefaultDecision != "" {
		return policy.DefaultDecision
	}
	return protocol.DecisionAllow
}

func ruleMatches(rule protocol.PolicyRule, step protocol.WorkflowStep) bool {
	if len(rule.Condition) == 0 {
		return false
	}
	for key, want := range rule.Condition {
		switch key {
		case "step_id":
			if want != step.ID {
				return false
			}
		case "step_type":
			if want != string(step.Type) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func actionFor(step protocol.WorkflowStep) *protocol.Action {
	action := &protocol.Action{
		Type:   string(protocol.StepToolCall),
		StepID: step.ID,
		Input:  step.Config,
	}
	if tool, ok := step.Config["tool"].(string); ok {
		action.ToolName = tool
	}
	return action
}

// traceDigest fingerprints the deterministic projection of the trace.
func traceDigest(events []protocol.RunEvent) string {
	trace := make([]any, 0, len(events))
	for _, ev := range events {
		entry := map[string]any{"event_type": ev.EventType}
		if ev.Payload != nil {
			entry["payload"] = ev.Payload
		}
		trace = append(trace, entry)
	}
	data, err := canonical.Serialize(trace)
	if err != nil {
		// Trace payloads are engine-built from finite values; a
		// serialization failure here is a bug, not an input problem.
		panic(fmt.Sprintf("engine: trace not canonicalizable: %v", err))
	}
	return hashstream.Fingerprint(data)
}

var histogramBoundariesUs = []int64{100, 1_000, 10_000, 100_000}

func buildMetrics(stepsExecuted uint32, stepDurations []int64, elapsed time.Duration) protocol.ExecutionMetrics {
	elapsedUs := elapsed.Microseconds()
	m := protocol.ExecutionMetrics{
		StepsExecuted:  stepsExecuted,
		ElapsedUs:      elapsedUs,
		BudgetSpentUsd: fmt.Sprintf("%.4f", float64(stepsExecuted)*0.0005),
		LatencyHistogram: protocol.Histogram{
			Boundaries: histogramBoundariesUs,
			Counts:     make([]uint64, len(histogramBoundariesUs)+1),
		},
	}
	if elapsedUs > 0 {
		m.Throughput = int64(stepsExecuted) * 1_000_000 / elapsedUs
	}
	if len(stepDurations) == 0 {
		return m
	}

	sorted := append([]int64(nil), stepDurations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	m.LatencyP50Us = percentile(sorted, 50)
	m.LatencyP95Us = percentile(sorted, 95)
	m.LatencyP99Us = percentile(sorted, 99)

	for _, d := range stepDurations {
		bucket := len(histogramBoundariesUs)
		for i, b := range histogramBoundariesUs {
			if d <= b {
				bucket = i
				break
			}
		}
		m.LatencyHistogram.Counts[bucket]++
	}
	return m
}

func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (p*len(sorted) + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
