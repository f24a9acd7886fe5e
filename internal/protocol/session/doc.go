// Package session owns the HELLO/HELLO-ACK handshake and the session
// state machine. Negotiation fails closed: any version, contract, or
// hash-primitive mismatch aborts the connection before it reaches Ready,
// because a silently accepted divergence would invalidate every
// fingerprint comparison downstream.
package session
