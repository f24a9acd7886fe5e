package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reachstack/fabric/internal/observability"
	"github.com/reachstack/fabric/internal/protocol"
	"github.com/reachstack/fabric/internal/protocol/frame"
)

// sessionConn serves one negotiated connection. Frame writes funnel
// through the out channel so concurrent runs never interleave bytes.
type sessionConn struct {
	srv  *Server
	conn net.Conn

	sessionID string
	encoding  protocol.Encoding

	out    chan frame.Frame
	closed chan struct{}

	mu   sync.Mutex
	runs map[uint64]liveRun
	wg   sync.WaitGroup
}

// liveRun is one in-flight execution, keyed in the table by the
// correlation id the client assigned to its request.
type liveRun struct {
	runID  string
	cancel context.CancelFunc
}

func newSessionConn(srv *Server, conn net.Conn) *sessionConn {
	return &sessionConn{
		srv:      srv,
		conn:     conn,
		encoding: protocol.EncodingCBOR,
		out:      make(chan frame.Frame, srv.cfg.SendQueueDepth),
		closed:   make(chan struct{}),
		runs:     make(map[uint64]liveRun),
	}
}

func (c *sessionConn) serve() {
	defer c.conn.Close()

	if err := c.handshake(); err != nil {
		log.Warn().Str("remote", c.conn.RemoteAddr().String()).Err(err).Msg("handshake failed")
		return
	}
	log.Info().
		Str("remote", c.conn.RemoteAddr().String()).
		Str("session_id", c.sessionID).
		Str("encoding", string(c.encoding)).
		Msg("session established")

	go c.writeLoop()
	c.readLoop()

	close(c.closed)
	c.cancelAll()
	c.wg.Wait()
}

// handshake reads the Hello and answers before any request may flow.
// The Hello payload encoding is sniffed: JSON objects open with '{',
// CBOR maps never do.
func (c *sessionConn) handshake() error {
	_ = c.conn.SetDeadline(time.Now().Add(c.srv.cfg.HandshakeTimeout))
	defer c.conn.SetDeadline(time.Time{})

	fr, err := frame.Read(c.conn)
	if err != nil {
		return err
	}
	if fr.Type != protocol.TypeHello {
		return fmt.Errorf("%w: expected hello, got %s", frame.ErrProtocolViolation, fr.Type)
	}

	helloEnc := protocol.EncodingCBOR
	if len(fr.Payload) > 0 && fr.Payload[0] == '{' {
		helloEnc = protocol.EncodingJSON
	}
	msg, err := protocol.DecodeMessage(protocol.TypeHello, helloEnc, fr.Payload)
	if err != nil {
		c.rejectHandshake(helloEnc, protocol.CodeInvalidMessage, err.Error())
		return err
	}
	hello := msg.(*protocol.Hello)
	if err := hello.Validate(); err != nil {
		c.rejectHandshake(helloEnc, protocol.CodeInvalidMessage, err.Error())
		return err
	}

	selected, ok := selectVersion(hello.SupportedVersions)
	if !ok {
		c.rejectHandshake(helloEnc, protocol.CodeUnsupportedVersion,
			fmt.Sprintf("no common version; engine speaks %d.%d", protocol.VersionMajor, protocol.VersionMinor))
		return fmt.Errorf("engine: no common protocol version in %v", hello.SupportedVersions)
	}

	c.encoding = protocol.EncodingCBOR
	if hello.PreferredEncoding == protocol.EncodingJSON && c.srv.cfg.AllowJSONDebug {
		c.encoding = protocol.EncodingJSON
	}
	c.sessionID = sessionID()

	ack := protocol.HelloAck{
		SelectedVersion: selected,
		Capabilities:    hello.Capabilities & (protocol.CapBinaryProtocol | protocol.CapCBOREncoding | protocol.CapSandbox),
		EngineVersion:   c.srv.cfg.EngineVersion,
		ContractVersion: protocol.ContractVersion,
		HashVersion:     c.srv.cfg.HashVersion,
		CASVersion:      c.srv.cfg.CASVersion,
		SessionID:       c.sessionID,
	}
	payload, err := protocol.Marshal(c.encoding, ack)
	if err != nil {
		return err
	}
	return frame.Write(c.conn, frame.Frame{Type: protocol.TypeHelloAck, Payload: payload})
}

func selectVersion(supported []protocol.Version) (protocol.Version, bool) {
	for _, v := range supported {
		if v.Major == protocol.VersionMajor && v.Minor <= protocol.VersionMinor {
			return v, true
		}
	}
	return protocol.Version{}, false
}

// rejectHandshake best-effort reports why negotiation failed; the
// connection is going down either way.
func (c *sessionConn) rejectHandshake(enc protocol.Encoding, code protocol.ErrorCode, msg string) {
	payload, err := protocol.Marshal(enc, protocol.ErrorMessage{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = frame.Write(c.conn, frame.Frame{Type: protocol.TypeError, Payload: payload})
}

func (c *sessionConn) readLoop() {
	r := frame.NewReader(c.conn, c.srv.cfg.IdleReadTimeout)
	for {
		fr, err := r.Read()
		if err != nil {
			if errors.Is(err, frame.ErrTimeout) {
				c.send(frame.Frame{Type: protocol.TypeHeartbeat})
				continue
			}
			if !errors.Is(err, frame.ErrClosed) {
				log.Warn().Str("session_id", c.sessionID).Err(err).Msg("read failed")
			}
			return
		}
		observability.RecordFrameReceived(c.srv.cfg.ListenAddr, fr.Type.String())
		if !c.dispatch(fr) {
			return
		}
	}
}

// dispatch handles one frame; false tears the connection down.
func (c *sessionConn) dispatch(fr frame.Frame) bool {
	msg, err := protocol.DecodeMessage(fr.Type, c.encoding, fr.Payload)
	if err != nil {
		c.sendError(0, protocol.CodeInvalidMessage, err.Error())
		return false
	}
	switch m := msg.(type) {
	case protocol.Heartbeat:
		return true
	case *protocol.ExecRequest:
		c.startRun(*m)
		return true
	case *protocol.Cancel:
		c.cancelRun(m)
		return true
	default:
		c.sendError(0, protocol.CodeInvalidMessage,
			fmt.Sprintf("unexpected %s after handshake", fr.Type))
		return false
	}
}

func (c *sessionConn) startRun(req protocol.ExecRequest) {
	if err := req.Validate(); err != nil {
		c.sendError(req.CorrelationID, protocol.CodeInvalidMessage, err.Error())
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	for id, run := range c.runs {
		if run.runID == req.RunID {
			// A resubmitted run id supersedes the older execution.
			run.cancel()
			delete(c.runs, id)
		}
	}
	c.runs[req.CorrelationID] = liveRun{runID: req.RunID, cancel: cancel}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.runs, req.CorrelationID)
			c.mu.Unlock()
		}()

		result := Execute(ctx, req)
		result.SessionID = c.sessionID
		payload, err := protocol.Marshal(c.encoding, result)
		if err != nil {
			c.sendError(req.CorrelationID, protocol.CodeInternalError, err.Error())
			return
		}
		if len(payload) > frame.MaxFrameBytes {
			c.sendError(req.CorrelationID, protocol.CodeResourceExhausted, "result exceeds frame limit")
			return
		}
		c.send(frame.Frame{Type: protocol.TypeExecResult, Payload: payload})
		log.Debug().
			Str("session_id", c.sessionID).
			Str("run_id", req.RunID).
			Str("status", string(result.Status)).
			Str("digest", result.ResultDigest).
			Msg("run finished")
	}()
}

// cancelRun resolves the target by correlation id first, falling back
// to run id for callers that only know the run.
func (c *sessionConn) cancelRun(req *protocol.Cancel) {
	c.mu.Lock()
	run, ok := c.runs[req.CorrelationID]
	if !ok && req.RunID != "" {
		for _, r := range c.runs {
			if r.runID == req.RunID {
				run, ok = r, true
				break
			}
		}
	}
	c.mu.Unlock()
	if ok {
		log.Info().
			Str("session_id", c.sessionID).
			Uint64("correlation_id", req.CorrelationID).
			Str("run_id", run.runID).
			Msg("run cancelled")
		run.cancel()
	}
}

func (c *sessionConn) cancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, run := range c.runs {
		run.cancel()
	}
}

func (c *sessionConn) sendError(correlationID uint64, code protocol.ErrorCode, msg string) {
	payload, err := protocol.Marshal(c.encoding, protocol.ErrorMessage{
		CorrelationID: correlationID,
		Code:          code,
		Message:       msg,
	})
	if err != nil {
		return
	}
	c.send(frame.Frame{Type: protocol.TypeError, Payload: payload})
}

func (c *sessionConn) send(fr frame.Frame) {
	select {
	case c.out <- fr:
	case <-c.closed:
	}
}

func (c *sessionConn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case fr := <-c.out:
			if c.srv.cfg.WriteTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			}
			if err := frame.Write(c.conn, fr); err != nil {
				log.Warn().Str("session_id", c.sessionID).Err(err).Msg("write failed")
				return
			}
			observability.RecordFrameSent(c.srv.cfg.ListenAddr, fr.Type.String())
		}
	}
}
