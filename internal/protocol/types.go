package protocol

import "fmt"

// Protocol version compiled into this client.
const (
	VersionMajor uint16 = 1
	VersionMinor uint16 = 0
)

// ContractVersion is the execution contract this build understands.
// Only the major component participates in handshake acceptance.
const ContractVersion = "1.0.0"

// MessageType is the one-byte frame type. The set is closed; decode
// rejects anything else instead of skipping it.
type MessageType uint8

const (
	TypeHeartbeat   MessageType = 0x00
	TypeHello       MessageType = 0x01
	TypeHelloAck    MessageType = 0x02
	TypeExecRequest MessageType = 0x10
	TypeExecResult  MessageType = 0x11
	TypeCancel      MessageType = 0x12
	TypeError       MessageType = 0xFF
)

// KnownMessageType reports whether t is part of the closed type set.
func KnownMessageType(t MessageType) bool {
	switch t {
	case TypeHeartbeat, TypeHello, TypeHelloAck, TypeExecRequest, TypeExecResult, TypeCancel, TypeError:
		return true
	default:
		return false
	}
}

func (t MessageType) String() string {
	switch t {
	case TypeHeartbeat:
		return "heartbeat"
	case TypeHello:
		return "hello"
	case TypeHelloAck:
		return "hello_ack"
	case TypeExecRequest:
		return "exec_request"
	case TypeExecResult:
		return "exec_result"
	case TypeCancel:
		return "cancel"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02X)", uint8(t))
	}
}

// Version is one protocol version as carried on the wire.
type Version struct {
	_     struct{} `cbor:",toarray"`
	Major uint16
	Minor uint16
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Capability bitflags negotiated on Hello/HelloAck.
type Capabilities uint64

const (
	CapBinaryProtocol Capabilities = 1 << 0
	CapCBOREncoding   Capabilities = 1 << 1
	CapCompression    Capabilities = 1 << 2
	CapSandbox        Capabilities = 1 << 3
	CapFixedPoint     Capabilities = 1 << 4
	CapStreaming      Capabilities = 1 << 5
)

func (c Capabilities) Has(flag Capabilities) bool {
	return c&flag != 0
}

// Encoding selects the payload codec.
type Encoding string

const (
	EncodingCBOR Encoding = "cbor"
	EncodingJSON Encoding = "json"
)
