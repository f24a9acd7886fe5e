package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/reachstack/fabric/internal/protocol"
	"github.com/reachstack/fabric/internal/testutil/testlog"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadClientConfig(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "client.toml", `
endpoint = "127.0.0.1:7420"
client_name = "ops-cli"
preferred_encoding = "cbor"
max_connect_attempts = 4

[timeouts]
request_ms = 2500

[backoff]
initial_delay_ms = 100
multiplier = 2.0
max_delay_ms = 3000
jitter = true

[breaker]
failure_threshold = 3
cooldown_ms = 5000
`)
	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}

	opts := cfg.ClientOptions()
	if opts.Endpoint != "127.0.0.1:7420" || opts.ClientName != "ops-cli" {
		t.Fatalf("options: %+v", opts)
	}
	if opts.Session.RequestTimeout != 2500*time.Millisecond {
		t.Fatalf("request timeout = %s", opts.Session.RequestTimeout)
	}
	if opts.Session.Backoff.InitialDelay != 100*time.Millisecond || opts.Session.Backoff.MaxDelay != 3*time.Second {
		t.Fatalf("backoff: %+v", opts.Session.Backoff)
	}
	if opts.Breaker.FailureThreshold != 3 || opts.Breaker.Cooldown != 5*time.Second {
		t.Fatalf("breaker: %+v", opts.Breaker)
	}
	// Unset fields keep their defaults.
	if opts.Session.ConnectTimeout != 5*time.Second {
		t.Fatalf("connect timeout = %s", opts.Session.ConnectTimeout)
	}
}

func TestLoadClientConfigRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	if _, err := LoadClientConfig(writeFile(t, "client.toml", `client_name = "x"`)); err == nil {
		t.Fatal("missing endpoint accepted")
	}
	if _, err := LoadClientConfig(writeFile(t, "client.toml", `
endpoint = "127.0.0.1:7420"
preferred_encoding = "xml"
`)); err == nil {
		t.Fatal("unknown encoding accepted")
	}
	if _, err := LoadClientConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestLoadEngineConfig(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "engine.toml", `
listen_addr = "0.0.0.0:7420"
engine_version = "1.1.0"
allow_json_debug = true
idle_read_ms = 10000
`)
	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("LoadEngineConfig: %v", err)
	}
	opts := cfg.EngineOptions()
	if opts.ListenAddr != "0.0.0.0:7420" || opts.EngineVersion != "1.1.0" {
		t.Fatalf("options: %+v", opts)
	}
	if !opts.AllowJSONDebug || opts.IdleReadTimeout != 10*time.Second {
		t.Fatalf("options: %+v", opts)
	}
}

func TestLoadEngineConfigDefaultsListenAddr(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadEngineConfig(writeFile(t, "engine.toml", `engine_version = "1.0.0"`))
	if err != nil {
		t.Fatalf("LoadEngineConfig: %v", err)
	}
	if cfg.ListenAddr == "" {
		t.Fatal("listen addr not defaulted")
	}
}

func TestLoadWorkflow(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "workflow.toml", `
run_id = "run-42"

[workflow]
name = "ingest"
version = "2.0.0"

[[workflow.steps]]
id = "fetch"
type = "tool_call"
[workflow.steps.config]
tool = "http_get"

[[workflow.steps]]
id = "decide"
type = "decision"

[controls]
max_steps = 5
seed = "replay-seed"

[policy]
default_decision = "allow"

[[policy.rules]]
name = "no-prod-writes"
decision = "deny"
[policy.rules.condition]
step_type = "emit_artifact"

[metadata]
origin = "cli"
`)
	req, err := LoadWorkflow(path)
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}
	if req.RunID != "run-42" || req.Workflow.Name != "ingest" {
		t.Fatalf("request: %+v", req)
	}
	if len(req.Workflow.Steps) != 2 || req.Workflow.Steps[0].Type != protocol.StepToolCall {
		t.Fatalf("steps: %+v", req.Workflow.Steps)
	}
	if req.Controls.Seed != "replay-seed" || req.Controls.MaxSteps != 5 {
		t.Fatalf("controls: %+v", req.Controls)
	}
	if len(req.Policy.Rules) != 1 || req.Policy.Rules[0].Decision != protocol.DecisionDeny {
		t.Fatalf("policy: %+v", req.Policy)
	}
	if req.Metadata["origin"] != "cli" {
		t.Fatalf("metadata: %+v", req.Metadata)
	}
}

func TestLoadWorkflowGeneratesRunID(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "workflow.toml", `
[workflow]
name = "ping"
version = "1.0.0"

[[workflow.steps]]
id = "p1"
type = "decision"
`)
	a, err := LoadWorkflow(path)
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}
	b, err := LoadWorkflow(path)
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}
	if a.RunID == "" || a.RunID == b.RunID {
		t.Fatalf("run ids not unique: %q vs %q", a.RunID, b.RunID)
	}
}

func TestLoadWorkflowRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	if _, err := LoadWorkflow(writeFile(t, "workflow.toml", `
[workflow]
version = "1.0.0"
`)); err == nil {
		t.Fatal("missing workflow name accepted")
	}
	if _, err := LoadWorkflow(writeFile(t, "workflow.toml", `
[workflow]
name = "x"
[[workflow.steps]]
type = "decision"
`)); err == nil {
		t.Fatal("step without id accepted")
	}
}
