package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Canonical CBOR on the wire: sorted map keys, shortest encodings. The
// payload codec must never be a source of byte instability.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v with the given payload encoding.
func Marshal(enc Encoding, v any) ([]byte, error) {
	switch enc {
	case EncodingCBOR:
		return cborEnc.Marshal(v)
	case EncodingJSON:
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
}

// Unmarshal decodes data into v with the given payload encoding.
func Unmarshal(enc Encoding, data []byte, v any) error {
	switch enc {
	case EncodingCBOR:
		if err := cborDec.Unmarshal(data, v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return nil
	case EncodingJSON:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
}

// Heartbeat has no payload; it exists so decode stays exhaustive.
type Heartbeat struct{}

// DecodeMessage decodes a frame payload into its typed message. The type
// switch is exhaustive over the closed message set; anything else is
// ErrUnknownMessageType, never silently skipped.
func DecodeMessage(t MessageType, enc Encoding, payload []byte) (any, error) {
	switch t {
	case TypeHeartbeat:
		return Heartbeat{}, nil
	case TypeHello:
		var m Hello
		if err := Unmarshal(enc, payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeHelloAck:
		var m HelloAck
		if err := Unmarshal(enc, payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeExecRequest:
		var m ExecRequest
		if err := Unmarshal(enc, payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeExecResult:
		var m ExecResult
		if err := Unmarshal(enc, payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeCancel:
		var m Cancel
		if err := Unmarshal(enc, payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeError:
		var m ErrorMessage
		if err := Unmarshal(enc, payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownMessageType, uint8(t))
	}
}

// MessageTypeOf maps a message value to its frame type byte.
func MessageTypeOf(msg any) (MessageType, error) {
	switch msg.(type) {
	case Heartbeat, *Heartbeat:
		return TypeHeartbeat, nil
	case Hello, *Hello:
		return TypeHello, nil
	case HelloAck, *HelloAck:
		return TypeHelloAck, nil
	case ExecRequest, *ExecRequest:
		return TypeExecRequest, nil
	case ExecResult, *ExecResult:
		return TypeExecResult, nil
	case Cancel, *Cancel:
		return TypeCancel, nil
	case ErrorMessage, *ErrorMessage:
		return TypeError, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
	}
}
