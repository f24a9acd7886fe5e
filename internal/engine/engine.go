// Package engine is the reference execution engine: it accepts framed
// connections, answers the handshake, and runs workflows deterministically
// so that byte-identical requests always reproduce the same result digest.
package engine

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/reachstack/fabric/internal/hashstream"
	"github.com/reachstack/fabric/internal/observability"
)

var ErrAlreadyStarted = errors.New("engine: already started")

// Config configures the engine listener.
type Config struct {
	ListenAddr       string
	EngineVersion    string
	CASVersion       string
	HandshakeTimeout time.Duration
	IdleReadTimeout  time.Duration
	WriteTimeout     time.Duration
	SendQueueDepth   int

	// HashVersion is advertised in HelloAck. It defaults to the
	// production primitive; test rigs override it to exercise the
	// client's fail-closed path.
	HashVersion string

	// AllowJSONDebug permits the JSON payload encoding when the client
	// asked for it. CBOR stays the production default either way.
	AllowJSONDebug bool
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       "127.0.0.1:7420",
		EngineVersion:    "0.3.0",
		CASVersion:       "1",
		HandshakeTimeout: 5 * time.Second,
		IdleReadTimeout:  30 * time.Second,
		WriteTimeout:     15 * time.Second,
		SendQueueDepth:   64,
		HashVersion:      hashstream.Algorithm,
		AllowJSONDebug:   false,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.EngineVersion == "" {
		c.EngineVersion = def.EngineVersion
	}
	if c.CASVersion == "" {
		c.CASVersion = def.CASVersion
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.IdleReadTimeout <= 0 {
		c.IdleReadTimeout = def.IdleReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.SendQueueDepth <= 0 {
		c.SendQueueDepth = def.SendQueueDepth
	}
	if c.HashVersion == "" {
		c.HashVersion = def.HashVersion
	}
	return c
}

// Server owns the accept loop. One goroutine per connection.
type Server struct {
	cfg Config

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup

	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *Server {
	observability.RegisterMetrics()
	return &Server{
		cfg:  cfg.withDefaults(),
		done: make(chan struct{}),
	}
}

// Start binds the listener and spawns the accept loop.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return ErrAlreadyStarted
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("engine: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	log.Info().Str("addr", ln.Addr().String()).Str("engine_version", s.cfg.EngineVersion).Msg("engine listening")

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr reports the bound address; useful when ListenAddr used port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops accepting and waits for in-flight sessions to wind down.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.ln != nil {
			_ = s.ln.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			log.Warn().Err(err).Msg("accept failed")
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSessionConn(s, conn).serve()
		}()
	}
}

// sessionID mints the identifier bound to one connection's lifetime.
func sessionID() string {
	return "sess-" + uuid.NewString()
}
