// Package hashstream owns the fabric's hash primitive. Every digest and
// fingerprint in the system comes from here; the primitive is blake3 and
// is not negotiable on a live session (the handshake enforces that).
package hashstream

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"lukechampine.com/blake3"
)

// Algorithm is the production hash primitive name carried in fingerprint
// prefixes and in HelloAck.hash_version.
const Algorithm = "blake3"

const digestSize = 32

var (
	ErrAlreadyFinalized     = errors.New("hashstream: already finalized")
	ErrMalformedFingerprint = errors.New("hashstream: malformed fingerprint")
	ErrAlgorithmMismatch    = errors.New("hashstream: fingerprint algorithm mismatch")
)

// Primitive names a hash construction. SHA256 exists for local test rigs
// only; substituting it on a live session is rejected during negotiation,
// never silently accepted.
type Primitive struct {
	Name    string
	NewHash func() hash.Hash
}

var Blake3 = Primitive{
	Name:    Algorithm,
	NewHash: func() hash.Hash { return blake3.New(digestSize, nil) },
}

var SHA256 = Primitive{
	Name:    "sha256",
	NewHash: sha256.New,
}

// Stream is an incremental hash accumulator. Update after Finalize fails
// with ErrAlreadyFinalized; chunk boundaries do not affect the digest.
type Stream struct {
	h         hash.Hash
	finalized bool
}

func New() *Stream {
	return NewWith(Blake3)
}

func NewWith(p Primitive) *Stream {
	return &Stream{h: p.NewHash()}
}

func (s *Stream) Update(p []byte) error {
	if s.finalized {
		return ErrAlreadyFinalized
	}
	_, _ = s.h.Write(p)
	return nil
}

func (s *Stream) UpdateString(str string) error {
	return s.Update([]byte(str))
}

// Finalize returns the hex digest and seals the stream.
func (s *Stream) Finalize() (string, error) {
	if s.finalized {
		return "", ErrAlreadyFinalized
	}
	s.finalized = true
	return hex.EncodeToString(s.h.Sum(nil)), nil
}

// HashString is single-chunk Update+Finalize sugar.
func HashString(str string) string {
	return HashBytes([]byte(str))
}

func HashBytes(p []byte) string {
	sum := blake3.Sum256(p)
	return hex.EncodeToString(sum[:])
}

// CombineHashes digests the ordered concatenation of hashes. It is
// order-sensitive; callers needing order independence sort first.
func CombineHashes(hashes []string) string {
	s := New()
	for _, h := range hashes {
		_ = s.Update([]byte(h))
	}
	digest, _ := s.Finalize()
	return digest
}

// Fingerprint renders data's digest in the "<algorithm>:<hex>" wire form.
func Fingerprint(data []byte) string {
	return Algorithm + ":" + HashBytes(data)
}

// ParseFingerprint splits "<algorithm>:<hex>" and validates its shape.
func ParseFingerprint(fp string) (algorithm, digest string, err error) {
	algorithm, digest, ok := strings.Cut(fp, ":")
	if !ok || algorithm == "" || digest == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedFingerprint, fp)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", "", fmt.Errorf("%w: non-hex digest in %q", ErrMalformedFingerprint, fp)
	}
	return algorithm, digest, nil
}

// VerifyAlgorithm checks a fingerprint's prefix against want.
func VerifyAlgorithm(fp, want string) error {
	algorithm, _, err := ParseFingerprint(fp)
	if err != nil {
		return err
	}
	if algorithm != want {
		return fmt.Errorf("%w: got %q want %q", ErrAlgorithmMismatch, algorithm, want)
	}
	return nil
}
