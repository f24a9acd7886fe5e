package verify

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reachstack/fabric/internal/hashstream"
	"github.com/reachstack/fabric/internal/protocol"
)

func result(runID string, digest string, events ...protocol.RunEvent) *protocol.ExecResult {
	return &protocol.ExecResult{
		RunID:        runID,
		Status:       protocol.StatusCompleted,
		ResultDigest: digest,
		Events:       events,
		SessionID:    "sess-1",
	}
}

func TestCompareEquivalent(t *testing.T) {
	digest := hashstream.Fingerprint([]byte("trace-a"))
	report, err := Compare(result("run-1", digest), result("run-1", digest))
	require.NoError(t, err)
	assert.True(t, report.Equivalent)
	assert.Empty(t, report.EventDiffs)
	assert.Equal(t, hashstream.Algorithm, report.Algorithm)
}

func TestCompareMismatchProducesEventDiff(t *testing.T) {
	baseline := result("run-1", hashstream.Fingerprint([]byte("trace-a")),
		protocol.RunEvent{EventID: "e1", EventType: "run_started"},
		protocol.RunEvent{EventID: "e2", EventType: "step_completed", Payload: map[string]any{"step": "s1", "score": 0.25}},
		protocol.RunEvent{EventID: "e3", EventType: "run_completed"},
	)
	replay := result("run-1", hashstream.Fingerprint([]byte("trace-b")),
		protocol.RunEvent{EventID: "r1", EventType: "run_started"},
		protocol.RunEvent{EventID: "r2", EventType: "step_failed", Payload: map[string]any{"step": "s1"}},
	)

	report, err := Compare(baseline, replay)
	require.NoError(t, err)
	require.False(t, report.Equivalent)
	require.Len(t, report.EventDiffs, 2)

	assert.Equal(t, EventDiff{
		Index:        1,
		Kind:         DiffEventType,
		BaselineType: "step_completed",
		ReplayType:   "step_failed",
	}, report.EventDiffs[0])
	assert.Equal(t, DiffMissingReplay, report.EventDiffs[1].Kind)
	assert.Equal(t, 2, report.EventDiffs[1].Index)
}

func TestComparePayloadDivergence(t *testing.T) {
	// Same event types, different payload values. Insertion order of the
	// payload map must not matter; only values do.
	baseline := result("run-1", hashstream.Fingerprint([]byte("trace-a")),
		protocol.RunEvent{EventType: "step_completed", Payload: map[string]any{"b": 2, "a": 1}},
	)
	replay := result("run-1", hashstream.Fingerprint([]byte("trace-b")),
		protocol.RunEvent{EventType: "step_completed", Payload: map[string]any{"a": 1, "b": 3}},
	)

	report, err := Compare(baseline, replay)
	require.NoError(t, err)
	require.Len(t, report.EventDiffs, 1)
	assert.Equal(t, DiffEventPayload, report.EventDiffs[0].Kind)
	assert.Contains(t, report.EventDiffs[0].Detail, `{"a":1,"b":2}`)
	assert.Contains(t, report.EventDiffs[0].Detail, `{"a":1,"b":3}`)
}

func TestCompareEqualPayloadDifferentOrderIsNotADiff(t *testing.T) {
	baseline := result("run-1", hashstream.Fingerprint([]byte("trace-a")),
		protocol.RunEvent{EventType: "step_completed", Payload: map[string]any{"z": 1, "a": 2}},
	)
	replay := result("run-1", hashstream.Fingerprint([]byte("trace-b")),
		protocol.RunEvent{EventType: "step_completed", Payload: map[string]any{"a": 2, "z": 1}},
	)

	report, err := Compare(baseline, replay)
	require.NoError(t, err)
	assert.False(t, report.Equivalent)
	assert.Empty(t, report.EventDiffs)
}

func TestCompareRejectsMalformedDigest(t *testing.T) {
	good := result("run-1", hashstream.Fingerprint([]byte("trace-a")))
	bad := result("run-1", "not-a-fingerprint")

	_, err := Compare(good, bad)
	require.ErrorIs(t, err, hashstream.ErrMalformedFingerprint)
}

func TestCompareRejectsAlgorithmDrift(t *testing.T) {
	base := result("run-1", hashstream.Fingerprint([]byte("trace-a")))
	replay := result("run-1", "sha256:deadbeef")

	_, err := Compare(base, replay)
	require.ErrorIs(t, err, hashstream.ErrAlgorithmMismatch)
}

func TestCompareRejectsMissingResults(t *testing.T) {
	_, err := Compare(nil, result("run-1", hashstream.Fingerprint([]byte("x"))))
	require.ErrorIs(t, err, ErrMissingResult)

	_, err = Compare(result("", hashstream.Fingerprint([]byte("x"))), result("run-1", hashstream.Fingerprint([]byte("x"))))
	require.ErrorIs(t, err, ErrMissingResult)
}

func TestVerifyReplay(t *testing.T) {
	digest := hashstream.Fingerprint([]byte("trace-a"))
	require.NoError(t, VerifyReplay(result("run-1", digest), result("run-1", digest)))

	err := VerifyReplay(
		result("run-1", digest,
			protocol.RunEvent{EventType: "run_started"},
		),
		result("run-1", hashstream.Fingerprint([]byte("trace-b")),
			protocol.RunEvent{EventType: "run_started"},
			protocol.RunEvent{EventType: "step_completed"},
		),
	)
	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.False(t, mismatch.Report.Equivalent)
	require.Len(t, mismatch.Report.EventDiffs, 1)
	assert.Equal(t, DiffMissingBaseline, mismatch.Report.EventDiffs[0].Kind)

	// Algorithm drift is an error, never a report.
	err = VerifyReplay(result("run-1", digest), result("run-1", "sha256:deadbeef"))
	require.Error(t, err)
	require.False(t, errors.As(err, &mismatch))
}

func TestMismatchReportGolden(t *testing.T) {
	baseline := result("run-7", "blake3:"+"aa11", // fixed strings keep the golden stable
		protocol.RunEvent{EventType: "run_started"},
		protocol.RunEvent{EventType: "step_completed", Payload: map[string]any{"step": "s1", "attempt": 1}},
	)
	replay := result("run-7", "blake3:"+"bb22",
		protocol.RunEvent{EventType: "run_started"},
		protocol.RunEvent{EventType: "step_completed", Payload: map[string]any{"step": "s1", "attempt": 2}},
		protocol.RunEvent{EventType: "run_completed"},
	)

	report, err := Compare(baseline, replay)
	require.NoError(t, err)

	out, err := json.MarshalIndent(report, "", "  ")
	require.NoError(t, err)
	g := goldie.New(t)
	g.Assert(t, "mismatch_report", out)
}
