package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/reachstack/fabric/internal/protocol"
	"github.com/reachstack/fabric/internal/testutil/testlog"
)

func TestWriteReadRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := []byte("canonical-payload")
	var buf bytes.Buffer
	if err := Write(&buf, Frame{Type: protocol.TypeExecRequest, Payload: payload}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if got.Type != protocol.TypeExecRequest {
		t.Fatalf("type mismatch: %v", got.Type)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteEmptyPayload(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := Write(&buf, Frame{Type: protocol.TypeHeartbeat}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	if got.Type != protocol.TypeHeartbeat || len(got.Payload) != 0 {
		t.Fatalf("unexpected frame: %+v", got)
	}
}

// oversize send must fail before a single byte is written.
func TestWriteFrameTooLargeWritesNothing(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	big := make([]byte, MaxFrameBytes+1)
	err := Write(&buf, Frame{Type: protocol.TypeExecRequest, Payload: big})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("bytes escaped before validation: %d", buf.Len())
	}
}

func TestReadRejectsOversizeDeclaredLength(t *testing.T) {
	testlog.Start(t)
	var head [5]byte
	binary.BigEndian.PutUint32(head[0:4], MaxFrameBytes+1)
	head[4] = uint8(protocol.TypeExecResult)
	_, err := Read(bytes.NewReader(head[:]))
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestReadRejectsUnknownType(t *testing.T) {
	testlog.Start(t)
	var head [5]byte
	binary.BigEndian.PutUint32(head[0:4], 0)
	head[4] = 0x7E
	_, err := Read(bytes.NewReader(head[:]))
	if !errors.Is(err, ErrUnknownFrameType) {
		t.Fatalf("expected ErrUnknownFrameType, got %v", err)
	}
}

func TestReadTruncatedPayload(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(10))
	buf.WriteByte(uint8(protocol.TypeExecResult))
	buf.WriteString("short")
	_, err := Read(&buf)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation for truncated payload, got %v", err)
	}
}

func TestReadCleanCloseAtBoundary(t *testing.T) {
	testlog.Start(t)
	_, err := Read(bytes.NewReader(nil))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestReadPartialHeaderIsViolation(t *testing.T) {
	testlog.Start(t)
	_, err := Read(bytes.NewReader([]byte{0, 0, 1}))
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

// frames split across many small reads still assemble.
func TestReadAcrossPartialReads(t *testing.T) {
	testlog.Start(t)
	var wire bytes.Buffer
	if err := Write(&wire, Frame{Type: protocol.TypeHello, Payload: []byte("hello-payload")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Read(iotest(wire.Bytes()))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got.Payload) != "hello-payload" {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}
}

// iotest returns a reader that yields one byte at a time.
func iotest(data []byte) io.Reader {
	return &oneByteReader{data: data}
}

type oneByteReader struct {
	data []byte
	pos  int
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	p[0] = r.data[r.pos]
	r.pos++
	return 1, nil
}

func TestReaderIdleTimeout(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := NewReader(client, 30*time.Millisecond)
	_, err := r.Read()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestReaderDeliversFrameFromConn(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = Write(server, Frame{Type: protocol.TypeHelloAck, Payload: []byte("ack")})
	}()

	r := NewReader(client, time.Second)
	got, err := r.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != protocol.TypeHelloAck || string(got.Payload) != "ack" {
		t.Fatalf("unexpected frame: %+v", got)
	}
}
