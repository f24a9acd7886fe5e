// Package frame implements the length-prefixed wire unit. One frame is
// [u32 big-endian payload length][u8 message type][payload]; the length
// limit holds on both send and receive paths.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/reachstack/fabric/internal/protocol"
)

// MaxFrameBytes caps the declared payload length (64 MiB). Anything
// larger is refused before allocation on receive and before any byte is
// written on send.
const MaxFrameBytes = 64 * 1024 * 1024

const headerLen = 5

var (
	ErrFrameTooLarge     = errors.New("frame: frame too large")
	ErrProtocolViolation = errors.New("frame: protocol violation")
	ErrUnknownFrameType  = errors.New("frame: unknown frame type")
	ErrTimeout           = errors.New("frame: read timeout")
	ErrClosed            = errors.New("frame: connection closed")
)

// Frame is one complete wire message.
type Frame struct {
	Type    protocol.MessageType
	Payload []byte
}

// Write validates and emits a frame. Oversize frames fail with
// ErrFrameTooLarge before any bytes leave the process; there is no
// partial write for an invalid frame.
func Write(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxFrameBytes {
		return fmt.Errorf("%w: payload %d bytes exceeds %d", ErrFrameTooLarge, len(f.Payload), MaxFrameBytes)
	}
	if !protocol.KnownMessageType(f.Type) {
		return fmt.Errorf("%w: 0x%02X", ErrUnknownFrameType, uint8(f.Type))
	}
	var head [headerLen]byte
	binary.BigEndian.PutUint32(head[0:4], uint32(len(f.Payload)))
	head[4] = uint8(f.Type)
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	if len(f.Payload) == 0 {
		return nil
	}
	_, err := w.Write(f.Payload)
	return err
}

// Read assembles one full frame, buffering partial reads. A declared
// length over the limit or an unknown type byte is a protocol violation;
// no partial state is surfaced to the caller.
func Read(r io.Reader) (Frame, error) {
	var head [headerLen]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Frame{}, mapReadErr(err, false)
	}
	length := binary.BigEndian.Uint32(head[0:4])
	if length > MaxFrameBytes {
		return Frame{}, fmt.Errorf("%w: declared length %d exceeds %d", ErrProtocolViolation, length, MaxFrameBytes)
	}
	t := protocol.MessageType(head[4])
	if !protocol.KnownMessageType(t) {
		return Frame{}, fmt.Errorf("%w: 0x%02X", ErrUnknownFrameType, head[4])
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, mapReadErr(err, true)
		}
	}
	return Frame{Type: t, Payload: payload}, nil
}

func mapReadErr(err error, midFrame bool) error {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, io.EOF) && !midFrame:
		return ErrClosed
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		// Peer vanished mid-frame: truncated payload.
		return fmt.Errorf("%w: truncated frame", ErrProtocolViolation)
	default:
		return err
	}
}

// Reader reads frames off a net.Conn with an idle-read timeout so a
// silent peer surfaces as ErrTimeout instead of a protocol error.
type Reader struct {
	conn        net.Conn
	buf         *bufio.Reader
	idleTimeout time.Duration
}

func NewReader(conn net.Conn, idleTimeout time.Duration) *Reader {
	return &Reader{
		conn:        conn,
		buf:         bufio.NewReader(conn),
		idleTimeout: idleTimeout,
	}
}

func (r *Reader) Read() (Frame, error) {
	if r.idleTimeout > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.idleTimeout)); err != nil {
			return Frame{}, err
		}
	}
	return Read(r.buf)
}
