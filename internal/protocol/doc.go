// Package protocol defines the client<->engine wire contract: message
// types, payload shapes, and the CBOR/JSON payload codec.
//
// One frame carries exactly one message. Payloads are CBOR in
// production; JSON exists as a debug aid and is only used when both
// peers advertised it during the handshake.
package protocol
