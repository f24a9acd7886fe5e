package session

import (
	"errors"
	"testing"
	"time"

	"github.com/reachstack/fabric/internal/protocol"
	"github.com/reachstack/fabric/internal/testutil/testlog"
)

func clientHello() protocol.Hello {
	return protocol.Hello{
		ClientName:        "fabricctl",
		ClientVersion:     "0.3.0",
		SupportedVersions: []protocol.Version{{Major: 1, Minor: 0}},
		PreferredEncoding: protocol.EncodingCBOR,
		Capabilities:      protocol.CapBinaryProtocol | protocol.CapCBOREncoding,
	}
}

func engineAck() protocol.HelloAck {
	return protocol.HelloAck{
		SelectedVersion: protocol.Version{Major: 1, Minor: 0},
		Capabilities:    protocol.CapBinaryProtocol | protocol.CapCBOREncoding,
		EngineVersion:   "1.4.2",
		ContractVersion: "1.0.0",
		HashVersion:     "blake3",
		CASVersion:      "1",
		SessionID:       "sess-0001",
	}
}

func TestNegotiateSuccess(t *testing.T) {
	testlog.Start(t)
	s, err := Negotiate(clientHello(), engineAck())
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if !s.Ready() {
		t.Fatalf("expected ready session, state=%s", s.State)
	}
	if s.ID != "sess-0001" {
		t.Fatalf("unexpected session id %q", s.ID)
	}
	if s.HashPrimitive != "blake3" {
		t.Fatalf("unexpected hash primitive %q", s.HashPrimitive)
	}
	if s.Encoding != protocol.EncodingCBOR {
		t.Fatalf("unexpected encoding %q", s.Encoding)
	}
}

func TestNegotiateRejectsForeignHashPrimitive(t *testing.T) {
	testlog.Start(t)
	ack := engineAck()
	ack.HashVersion = "sha256"
	s, err := Negotiate(clientHello(), ack)
	if !errors.Is(err, ErrHashPrimitiveMismatch) {
		t.Fatalf("expected ErrHashPrimitiveMismatch, got %v", err)
	}
	if s != nil {
		t.Fatalf("session must not be created on mismatch")
	}
}

func TestNegotiateRejectsUnsupportedVersion(t *testing.T) {
	testlog.Start(t)
	ack := engineAck()
	ack.SelectedVersion = protocol.Version{Major: 2, Minor: 0}
	_, err := Negotiate(clientHello(), ack)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestNegotiateRejectsContractMajorMismatch(t *testing.T) {
	testlog.Start(t)
	ack := engineAck()
	ack.ContractVersion = "2.0.0"
	_, err := Negotiate(clientHello(), ack)
	if !errors.Is(err, ErrContractMismatch) {
		t.Fatalf("expected ErrContractMismatch, got %v", err)
	}
}

func TestNegotiateAcceptsContractMinorDrift(t *testing.T) {
	testlog.Start(t)
	ack := engineAck()
	ack.ContractVersion = "1.7.3"
	if _, err := Negotiate(clientHello(), ack); err != nil {
		t.Fatalf("minor drift should pass: %v", err)
	}
}

func TestNegotiateRejectsMissingFields(t *testing.T) {
	testlog.Start(t)
	for _, mutate := range []func(*protocol.HelloAck){
		func(a *protocol.HelloAck) { a.SessionID = "" },
		func(a *protocol.HelloAck) { a.HashVersion = " " },
		func(a *protocol.HelloAck) { a.ContractVersion = "" },
		func(a *protocol.HelloAck) { a.EngineVersion = "" },
		func(a *protocol.HelloAck) { a.CASVersion = "" },
	} {
		ack := engineAck()
		mutate(&ack)
		if _, err := Negotiate(clientHello(), ack); !errors.Is(err, ErrMissingField) {
			t.Fatalf("expected ErrMissingField, got %v", err)
		}
	}
}

func TestNegotiateJSONDebugEncoding(t *testing.T) {
	testlog.Start(t)
	hello := clientHello()
	hello.PreferredEncoding = protocol.EncodingJSON
	s, err := Negotiate(hello, engineAck())
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if s.Encoding != protocol.EncodingJSON {
		t.Fatalf("debug encoding not honored: %q", s.Encoding)
	}
}

func TestRequireReady(t *testing.T) {
	testlog.Start(t)
	var nilSession *Session
	if err := nilSession.RequireReady(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("nil session should not be ready")
	}
	s := &Session{State: StateNegotiating}
	if err := s.RequireReady(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("negotiating session should not be ready")
	}
	s.State = StateReady
	if err := s.RequireReady(); err != nil {
		t.Fatalf("ready session rejected: %v", err)
	}
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelaySeededJitterReproducible(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	a := NewSeededJitter("ci-jitter")
	b := NewSeededJitter("ci-jitter")
	for attempt := 2; attempt <= 6; attempt++ {
		da := NextBackoffDelay(cfg, attempt, a)
		db := NextBackoffDelay(cfg, attempt, b)
		if da != db {
			t.Fatalf("attempt %d: %v != %v", attempt, da, db)
		}
		if da <= 0 {
			t.Fatalf("attempt %d: non-positive delay %v", attempt, da)
		}
	}
}
