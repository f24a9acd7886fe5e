package protocol

import "errors"

var (
	ErrUnknownMessageType  = errors.New("protocol: unknown message type")
	ErrUnsupportedEncoding = errors.New("protocol: unsupported encoding")
	ErrMissingField        = errors.New("protocol: missing required field")
	ErrInvalidPayload      = errors.New("protocol: invalid payload")
)
