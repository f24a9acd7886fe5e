// Package client is the connection adapter: it dials an engine,
// negotiates a session, and multiplexes pipelined execution requests
// over one framed connection. Frame I/O and the pending-request table
// are owned by a single run loop; callers hand off through channels.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reachstack/fabric/internal/observability"
	"github.com/reachstack/fabric/internal/protocol"
	"github.com/reachstack/fabric/internal/protocol/frame"
	"github.com/reachstack/fabric/internal/protocol/session"
)

var (
	ErrEndpointRequired = errors.New("client: endpoint required")
	ErrBusy             = errors.New("client: send queue full")
	ErrTimeout          = errors.New("client: request timeout")
	ErrEngineRejected   = errors.New("client: engine rejected request")
	ErrConnectionClosed = errors.New("client: connection closed")
	ErrDigestPrimitive  = errors.New("client: result digest primitive mismatch")
)

// Config configures one engine connection.
type Config struct {
	Endpoint           string
	ClientName         string
	ClientVersion      string
	PreferredEncoding  protocol.Encoding
	Capabilities       protocol.Capabilities
	Session            session.Config
	Breaker            BreakerConfig
	MaxConnectAttempts int
	// Jitter spreads reconnect backoff. Leave nil for entropy; tests
	// install a seeded source.
	Jitter session.Jitter
}

func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:          endpoint,
		ClientName:        "fabricctl",
		ClientVersion:     "0.3.0",
		PreferredEncoding: protocol.EncodingCBOR,
		Capabilities:      protocol.CapBinaryProtocol | protocol.CapCBOREncoding,
		Session:           session.DefaultConfig(),
		Breaker:           DefaultBreakerConfig(),
	}
}

type outcome struct {
	result *protocol.ExecResult
	err    error
}

// pendingRequest is one in-flight correlation entry. The table holding
// these is touched only by the run loop.
type pendingRequest struct {
	correlationID uint64
	runID         string
	deadline      time.Time
	resultCh      chan outcome
}

// Conn is one live, negotiated connection.
type Conn struct {
	cfg     Config
	netConn net.Conn
	sess    *session.Session
	breaker *Breaker

	sendQ   chan frame.Frame
	ops     chan func()
	frames  chan frame.Frame
	connErr chan error

	pending  map[uint64]*pendingRequest
	nextCorr atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	failed    atomic.Bool

	stateMu sync.Mutex
}

// Connect dials the engine and performs the handshake, retrying dial
// failures with jittered backoff. Negotiation failures are fatal and
// never retried; the engine's answer will not change.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, ErrEndpointRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.PreferredEncoding == "" {
		cfg.PreferredEncoding = protocol.EncodingCBOR
	}
	if cfg.Jitter == nil {
		cfg.Jitter = session.NewJitter()
	}

	var attempt int
	for {
		attempt++
		conn, err := dial(ctx, cfg)
		if err != nil {
			log.Warn().Int("attempt", attempt).Str("endpoint", cfg.Endpoint).Err(err).Msg("client dial failed")
			observability.RecordRetry(cfg.Endpoint, "dial")
			if !shouldRetry(cfg, attempt) {
				return nil, err
			}
			if err := sleepBackoff(ctx, cfg, attempt); err != nil {
				return nil, err
			}
			continue
		}

		c, err := handshake(conn, cfg)
		if err == nil {
			log.Info().Str("endpoint", cfg.Endpoint).Str("session_id", c.sess.ID).Msg("session ready")
			return c, nil
		}
		_ = conn.Close()
		if isNegotiationError(err) || !shouldRetry(cfg, attempt) {
			return nil, err
		}
		observability.RecordRetry(cfg.Endpoint, "handshake")
		if err := sleepBackoff(ctx, cfg, attempt); err != nil {
			return nil, err
		}
	}
}

func dial(ctx context.Context, cfg Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.Session.ConnectTimeout}
	return dialer.DialContext(ctx, "tcp", cfg.Endpoint)
}

func shouldRetry(cfg Config, attempt int) bool {
	if cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < cfg.MaxConnectAttempts
}

func sleepBackoff(ctx context.Context, cfg Config, attempt int) error {
	delay := session.NextBackoffDelay(cfg.Session.Backoff, attempt, cfg.Jitter)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isNegotiationError(err error) bool {
	return errors.Is(err, session.ErrVersionMismatch) ||
		errors.Is(err, session.ErrContractMismatch) ||
		errors.Is(err, session.ErrHashPrimitiveMismatch) ||
		errors.Is(err, session.ErrMissingField)
}

// handshake sends Hello and validates the HelloAck before any request
// may flow. On any failure the connection never reaches Ready.
func handshake(conn net.Conn, cfg Config) (*Conn, error) {
	_ = conn.SetDeadline(time.Now().Add(cfg.Session.HandshakeTimeout))

	hello := protocol.Hello{
		ClientName:        cfg.ClientName,
		ClientVersion:     cfg.ClientVersion,
		SupportedVersions: []protocol.Version{{Major: protocol.VersionMajor, Minor: protocol.VersionMinor}},
		PreferredEncoding: cfg.PreferredEncoding,
		Capabilities:      cfg.Capabilities,
	}
	if err := hello.Validate(); err != nil {
		return nil, err
	}
	payload, err := protocol.Marshal(cfg.PreferredEncoding, hello)
	if err != nil {
		return nil, err
	}
	if err := frame.Write(conn, frame.Frame{Type: protocol.TypeHello, Payload: payload}); err != nil {
		return nil, err
	}

	reply, err := frame.Read(conn)
	if err != nil {
		return nil, err
	}
	switch reply.Type {
	case protocol.TypeHelloAck:
	case protocol.TypeError:
		msg, derr := protocol.DecodeMessage(protocol.TypeError, cfg.PreferredEncoding, reply.Payload)
		if derr != nil {
			return nil, derr
		}
		e := msg.(*protocol.ErrorMessage)
		return nil, fmt.Errorf("%w: code=%d %s", ErrEngineRejected, e.Code, e.Message)
	default:
		return nil, fmt.Errorf("%w: expected hello_ack, got %s", frame.ErrProtocolViolation, reply.Type)
	}

	decoded, err := protocol.DecodeMessage(protocol.TypeHelloAck, cfg.PreferredEncoding, reply.Payload)
	if err != nil {
		return nil, err
	}
	ack := decoded.(*protocol.HelloAck)
	sess, err := session.Negotiate(hello, *ack)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	c := &Conn{
		cfg:     cfg,
		netConn: conn,
		sess:    sess,
		breaker: NewBreaker(cfg.Endpoint, cfg.Breaker),
		sendQ:   make(chan frame.Frame, cfg.Session.SendQueueDepth),
		ops:     make(chan func()),
		frames:  make(chan frame.Frame),
		connErr: make(chan error, 2),
		pending: make(map[uint64]*pendingRequest),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	go c.runLoop()
	return c, nil
}

// Session returns the negotiated session snapshot.
func (c *Conn) Session() session.Session {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return *c.sess
}

func (c *Conn) setState(s session.State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.sess.State = s
}

func (c *Conn) requireReady() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.sess.RequireReady()
}

// Close drains nothing: in-flight requests fail with
// ErrConnectionClosed and the socket shuts.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.failed.Store(true)
		close(c.done)
		_ = c.netConn.Close()
	})
	return nil
}

func (c *Conn) readLoop() {
	r := frame.NewReader(c.netConn, c.cfg.Session.IdleReadTimeout)
	for {
		select {
		case <-c.done:
			return
		default:
		}
		fr, err := r.Read()
		if err != nil {
			if errors.Is(err, frame.ErrTimeout) {
				// Idle, not broken. Nudge the engine and keep reading.
				c.enqueueHeartbeat()
				continue
			}
			select {
			case c.connErr <- err:
			case <-c.done:
			}
			return
		}
		observability.RecordFrameReceived(c.cfg.Endpoint, fr.Type.String())
		select {
		case c.frames <- fr:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case fr := <-c.sendQ:
			if c.cfg.Session.WriteTimeout > 0 {
				_ = c.netConn.SetWriteDeadline(time.Now().Add(c.cfg.Session.WriteTimeout))
			}
			if err := frame.Write(c.netConn, fr); err != nil {
				select {
				case c.connErr <- err:
				case <-c.done:
				}
				return
			}
			observability.RecordFrameSent(c.cfg.Endpoint, fr.Type.String())
		}
	}
}

// runLoop exclusively owns the pending-request table.
func (c *Conn) runLoop() {
	for {
		select {
		case <-c.done:
			c.failPending(ErrConnectionClosed)
			c.setState(session.StateClosed)
			return
		case op := <-c.ops:
			op()
		case err := <-c.connErr:
			log.Error().Str("endpoint", c.cfg.Endpoint).Err(err).Msg("connection failed")
			c.failPending(err)
			c.setState(session.StateFailed)
			// Close releases writeLoop and any caller parked in runOp.
			_ = c.Close()
			return
		case fr := <-c.frames:
			if err := c.handleFrame(fr); err != nil {
				log.Error().Str("endpoint", c.cfg.Endpoint).Err(err).Msg("protocol violation")
				c.failPending(err)
				c.setState(session.StateFailed)
				_ = c.Close()
				return
			}
		}
	}
}

func (c *Conn) handleFrame(fr frame.Frame) error {
	msg, err := protocol.DecodeMessage(fr.Type, c.sess.Encoding, fr.Payload)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case protocol.Heartbeat:
		return nil
	case *protocol.ExecResult:
		c.resolve(m.CorrelationID, outcome{result: m})
		return nil
	case *protocol.ErrorMessage:
		c.resolve(m.CorrelationID, outcome{
			err: fmt.Errorf("%w: code=%d %s", ErrEngineRejected, m.Code, m.Message),
		})
		return nil
	default:
		// Hello/HelloAck/ExecRequest have no business arriving on an
		// established client connection.
		return fmt.Errorf("%w: unexpected %s after handshake", frame.ErrProtocolViolation, fr.Type)
	}
}

func (c *Conn) resolve(correlationID uint64, out outcome) {
	p, ok := c.pending[correlationID]
	if !ok {
		// Late completion for a timed-out or cancelled request.
		log.Debug().Uint64("correlation_id", correlationID).Msg("no pending entry for completion")
		return
	}
	delete(c.pending, correlationID)
	p.resultCh <- out
}

func (c *Conn) failPending(err error) {
	for id, p := range c.pending {
		delete(c.pending, id)
		p.resultCh <- outcome{err: err}
	}
}

// runOp hands fn to the run loop and waits for it to execute.
func (c *Conn) runOp(fn func()) error {
	donech := make(chan struct{})
	select {
	case c.ops <- func() { fn(); close(donech) }:
	case <-c.done:
		return ErrConnectionClosed
	}
	select {
	case <-donech:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	}
}

func (c *Conn) enqueueHeartbeat() {
	select {
	case c.sendQ <- frame.Frame{Type: protocol.TypeHeartbeat}:
	default:
		// Queue full; the next idle tick will try again.
	}
}
