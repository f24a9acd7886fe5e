package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/reachstack/fabric/internal/hashstream"
	"github.com/reachstack/fabric/internal/protocol"
)

var (
	ErrVersionMismatch       = errors.New("session: version mismatch")
	ErrContractMismatch      = errors.New("session: contract mismatch")
	ErrHashPrimitiveMismatch = errors.New("session: hash primitive mismatch")
	ErrMissingField          = errors.New("session: missing required field")
	ErrNotReady              = errors.New("session: not ready")
)

// State is the session lifecycle phase.
type State string

const (
	StateConnecting  State = "connecting"
	StateNegotiating State = "negotiating"
	StateReady       State = "ready"
	StateDraining    State = "draining"
	StateClosed      State = "closed"
	StateFailed      State = "failed"
)

// Session is the negotiated contract for one connection. HashPrimitive
// is immutable once set; the session id is bound for the connection's
// lifetime and attached to all correlation and audit records.
type Session struct {
	State           State
	ID              string
	SelectedVersion protocol.Version
	Capabilities    protocol.Capabilities
	EngineVersion   string
	ContractVersion string
	HashPrimitive   string
	CASVersion      string
	Encoding        protocol.Encoding
}

// Ready reports whether requests may be submitted on this session.
func (s *Session) Ready() bool {
	return s != nil && s.State == StateReady
}

// RequireReady gates request submission on the Ready state.
func (s *Session) RequireReady() error {
	if !s.Ready() {
		if s == nil {
			return ErrNotReady
		}
		return fmt.Errorf("%w: state=%s", ErrNotReady, s.State)
	}
	return nil
}

// Negotiate applies the acceptance algorithm to an engine's HelloAck.
// Every check must pass, in order; the first failure aborts negotiation
// and the connection never reaches Ready.
func Negotiate(hello protocol.Hello, ack protocol.HelloAck) (*Session, error) {
	if err := ack.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingField, err)
	}

	supported := false
	for _, v := range hello.SupportedVersions {
		if v == ack.SelectedVersion {
			supported = true
			break
		}
	}
	if !supported {
		return nil, fmt.Errorf("%w: engine selected %s, client supports %s",
			ErrVersionMismatch, ack.SelectedVersion, versionList(hello.SupportedVersions))
	}

	if major := contractMajor(ack.ContractVersion); major != contractMajor(protocol.ContractVersion) {
		return nil, fmt.Errorf("%w: engine contract %q, client contract %q",
			ErrContractMismatch, ack.ContractVersion, protocol.ContractVersion)
	}

	// Not negotiable. Accepting any other primitive here would make
	// every downstream fingerprint comparison meaningless.
	if ack.HashVersion != hashstream.Algorithm {
		return nil, fmt.Errorf("%w: engine offered %q, required %q",
			ErrHashPrimitiveMismatch, ack.HashVersion, hashstream.Algorithm)
	}

	encoding := protocol.EncodingCBOR
	if hello.PreferredEncoding == protocol.EncodingJSON {
		// JSON is debug-only; it is honored only when the client asked
		// for it explicitly. Production stays CBOR.
		encoding = protocol.EncodingJSON
	}

	return &Session{
		State:           StateReady,
		ID:              ack.SessionID,
		SelectedVersion: ack.SelectedVersion,
		Capabilities:    ack.Capabilities,
		EngineVersion:   ack.EngineVersion,
		ContractVersion: ack.ContractVersion,
		HashPrimitive:   ack.HashVersion,
		CASVersion:      ack.CASVersion,
		Encoding:        encoding,
	}, nil
}

func contractMajor(version string) string {
	major, _, _ := strings.Cut(strings.TrimSpace(version), ".")
	return major
}

func versionList(versions []protocol.Version) string {
	parts := make([]string, len(versions))
	for i, v := range versions {
		parts[i] = v.String()
	}
	return strings.Join(parts, ",")
}
