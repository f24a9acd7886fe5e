// Package verify checks replay equivalence: two results for logically
// equivalent inputs must carry byte-identical result digests. Comparison
// works on parsed frame-level fields, never on printed text, and a
// mismatch produces a position-indexed event diff rather than a bare
// boolean.
package verify

import (
	"errors"
	"fmt"

	"github.com/reachstack/fabric/internal/canonical"
	"github.com/reachstack/fabric/internal/hashstream"
	"github.com/reachstack/fabric/internal/protocol"
)

var (
	ErrMissingResult = errors.New("verify: missing result")
	ErrRunMismatch   = errors.New("verify: results are not replays of the same workflow")
)

// DiffKind classifies one divergence in the event trace.
type DiffKind string

const (
	DiffMissingBaseline DiffKind = "missing_in_baseline"
	DiffMissingReplay   DiffKind = "missing_in_replay"
	DiffEventType       DiffKind = "event_type_mismatch"
	DiffEventPayload    DiffKind = "event_payload_mismatch"
)

// EventDiff is one position-indexed divergence between two traces.
type EventDiff struct {
	Index        int      `json:"index"`
	Kind         DiffKind `json:"kind"`
	BaselineType string   `json:"baseline_type,omitempty"`
	ReplayType   string   `json:"replay_type,omitempty"`
	Detail       string   `json:"detail,omitempty"`
}

// Report is the outcome of one replay comparison.
type Report struct {
	Equivalent     bool        `json:"equivalent"`
	Algorithm      string      `json:"algorithm"`
	BaselineDigest string      `json:"baseline_digest"`
	ReplayDigest   string      `json:"replay_digest"`
	EventDiffs     []EventDiff `json:"event_diffs,omitempty"`
}

// Compare verifies that replay reproduced baseline. Digest parse or
// algorithm problems are returned as errors, never folded into a
// non-equivalent report; a determinism failure must stay loud.
func Compare(baseline, replay *protocol.ExecResult) (*Report, error) {
	if baseline == nil || replay == nil {
		return nil, ErrMissingResult
	}
	if baseline.RunID == "" || replay.RunID == "" {
		return nil, fmt.Errorf("%w: empty run_id", ErrMissingResult)
	}

	baseAlg, _, err := hashstream.ParseFingerprint(baseline.ResultDigest)
	if err != nil {
		return nil, fmt.Errorf("baseline digest: %w", err)
	}
	replayAlg, _, err := hashstream.ParseFingerprint(replay.ResultDigest)
	if err != nil {
		return nil, fmt.Errorf("replay digest: %w", err)
	}
	if baseAlg != replayAlg {
		return nil, fmt.Errorf("%w: baseline %q vs replay %q",
			hashstream.ErrAlgorithmMismatch, baseAlg, replayAlg)
	}

	report := &Report{
		Algorithm:      baseAlg,
		BaselineDigest: baseline.ResultDigest,
		ReplayDigest:   replay.ResultDigest,
	}
	if baseline.ResultDigest == replay.ResultDigest {
		report.Equivalent = true
		return report, nil
	}
	report.EventDiffs = diffEvents(baseline.Events, replay.Events)
	return report, nil
}

// diffEvents walks both traces by position. Event ids and timestamps are
// run-scoped and excluded; type and canonicalized payload are what
// determinism promises to reproduce.
func diffEvents(baseline, replay []protocol.RunEvent) []EventDiff {
	var diffs []EventDiff
	n := len(baseline)
	if len(replay) > n {
		n = len(replay)
	}
	for i := 0; i < n; i++ {
		switch {
		case i >= len(baseline):
			diffs = append(diffs, EventDiff{
				Index:      i,
				Kind:       DiffMissingBaseline,
				ReplayType: replay[i].EventType,
			})
		case i >= len(replay):
			diffs = append(diffs, EventDiff{
				Index:        i,
				Kind:         DiffMissingReplay,
				BaselineType: baseline[i].EventType,
			})
		case baseline[i].EventType != replay[i].EventType:
			diffs = append(diffs, EventDiff{
				Index:        i,
				Kind:         DiffEventType,
				BaselineType: baseline[i].EventType,
				ReplayType:   replay[i].EventType,
			})
		default:
			if d, ok := payloadDiff(baseline[i].Payload, replay[i].Payload); ok {
				diffs = append(diffs, EventDiff{
					Index:        i,
					Kind:         DiffEventPayload,
					BaselineType: baseline[i].EventType,
					ReplayType:   replay[i].EventType,
					Detail:       d,
				})
			}
		}
	}
	return diffs
}

func payloadDiff(baseline, replay map[string]any) (string, bool) {
	b, berr := canonicalPayload(baseline)
	r, rerr := canonicalPayload(replay)
	if berr != nil || rerr != nil {
		return fmt.Sprintf("payload not canonicalizable: baseline=%v replay=%v", berr, rerr), true
	}
	if b == r {
		return "", false
	}
	return fmt.Sprintf("baseline=%s replay=%s", b, r), true
}

func canonicalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "", nil
	}
	b, err := canonical.Serialize(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifyReplay is the strict form: a parse error, algorithm drift, or a
// digest mismatch all surface as errors. Used where non-determinism must
// halt the caller.
func VerifyReplay(baseline, replay *protocol.ExecResult) error {
	report, err := Compare(baseline, replay)
	if err != nil {
		return err
	}
	if !report.Equivalent {
		return &MismatchError{Report: report}
	}
	return nil
}

// MismatchError carries the structured diff out of VerifyReplay.
type MismatchError struct {
	Report *Report
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("verify: digest mismatch %s vs %s (%d event divergences)",
		e.Report.BaselineDigest, e.Report.ReplayDigest, len(e.Report.EventDiffs))
}
