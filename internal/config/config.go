// Package config loads the TOML configuration for the engine daemon and
// the client CLI.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/reachstack/fabric/internal/client"
	"github.com/reachstack/fabric/internal/engine"
	"github.com/reachstack/fabric/internal/protocol"
	"github.com/reachstack/fabric/internal/protocol/session"
)

type ClientConfig struct {
	Endpoint           string        `toml:"endpoint"`
	ClientName         string        `toml:"client_name"`
	ClientVersion      string        `toml:"client_version"`
	PreferredEncoding  string        `toml:"preferred_encoding"`
	MaxConnectAttempts int           `toml:"max_connect_attempts"`
	Timeouts           TimeoutConfig `toml:"timeouts"`
	Backoff            BackoffConfig `toml:"backoff"`
	Breaker            BreakerConfig `toml:"breaker"`
	SendQueueDepth     int           `toml:"send_queue_depth"`
}

type TimeoutConfig struct {
	ConnectMs   int64 `toml:"connect_ms"`
	HandshakeMs int64 `toml:"handshake_ms"`
	IdleReadMs  int64 `toml:"idle_read_ms"`
	WriteMs     int64 `toml:"write_ms"`
	RequestMs   int64 `toml:"request_ms"`
}

type BackoffConfig struct {
	InitialDelayMs int64   `toml:"initial_delay_ms"`
	Multiplier     float64 `toml:"multiplier"`
	MaxDelayMs     int64   `toml:"max_delay_ms"`
	Jitter         bool    `toml:"jitter"`
}

type BreakerConfig struct {
	FailureThreshold int   `toml:"failure_threshold"`
	CooldownMs       int64 `toml:"cooldown_ms"`
}

type EngineConfig struct {
	ListenAddr     string `toml:"listen_addr"`
	EngineVersion  string `toml:"engine_version"`
	CASVersion     string `toml:"cas_version"`
	IdleReadMs     int64  `toml:"idle_read_ms"`
	WriteMs        int64  `toml:"write_ms"`
	HandshakeMs    int64  `toml:"handshake_ms"`
	SendQueueDepth int    `toml:"send_queue_depth"`
	AllowJSONDebug bool   `toml:"allow_json_debug"`
}

func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := loadToml(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func LoadEngineConfig(path string) (EngineConfig, error) {
	var cfg EngineConfig
	if err := loadToml(path, &cfg); err != nil {
		return EngineConfig{}, err
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = engine.DefaultConfig().ListenAddr
	}
	if err := ValidateEngineConfig(cfg); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	if _, err := toml.DecodeFile(path, out); err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return fmt.Errorf("client config missing endpoint")
	}
	switch cfg.PreferredEncoding {
	case "", string(protocol.EncodingCBOR), string(protocol.EncodingJSON):
	default:
		return fmt.Errorf("client config unknown preferred_encoding %q", cfg.PreferredEncoding)
	}
	if cfg.Backoff.Multiplier != 0 && cfg.Backoff.Multiplier < 1 {
		return fmt.Errorf("client config backoff multiplier must be >= 1")
	}
	return nil
}

func ValidateEngineConfig(cfg EngineConfig) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("engine config missing listen_addr")
	}
	return nil
}

// ClientOptions converts the file form into the client's runtime config.
// Zero fields fall through to the client package defaults.
func (cfg ClientConfig) ClientOptions() client.Config {
	out := client.DefaultConfig(cfg.Endpoint)
	if cfg.ClientName != "" {
		out.ClientName = cfg.ClientName
	}
	if cfg.ClientVersion != "" {
		out.ClientVersion = cfg.ClientVersion
	}
	if cfg.PreferredEncoding != "" {
		out.PreferredEncoding = protocol.Encoding(cfg.PreferredEncoding)
	}
	if cfg.MaxConnectAttempts > 0 {
		out.MaxConnectAttempts = cfg.MaxConnectAttempts
	}
	if cfg.SendQueueDepth > 0 {
		out.Session.SendQueueDepth = cfg.SendQueueDepth
	}
	applyTimeouts(&out.Session, cfg.Timeouts)
	if cfg.Backoff.InitialDelayMs > 0 {
		out.Session.Backoff = session.BackoffConfig{
			InitialDelay: ms(cfg.Backoff.InitialDelayMs),
			Multiplier:   cfg.Backoff.Multiplier,
			MaxDelay:     ms(cfg.Backoff.MaxDelayMs),
			Jitter:       cfg.Backoff.Jitter,
		}
	}
	if cfg.Breaker.FailureThreshold > 0 {
		out.Breaker.FailureThreshold = cfg.Breaker.FailureThreshold
	}
	if cfg.Breaker.CooldownMs > 0 {
		out.Breaker.Cooldown = ms(cfg.Breaker.CooldownMs)
	}
	return out
}

// EngineOptions converts the file form into the engine's runtime config.
func (cfg EngineConfig) EngineOptions() engine.Config {
	out := engine.DefaultConfig()
	out.ListenAddr = cfg.ListenAddr
	if cfg.EngineVersion != "" {
		out.EngineVersion = cfg.EngineVersion
	}
	if cfg.CASVersion != "" {
		out.CASVersion = cfg.CASVersion
	}
	if cfg.IdleReadMs > 0 {
		out.IdleReadTimeout = ms(cfg.IdleReadMs)
	}
	if cfg.WriteMs > 0 {
		out.WriteTimeout = ms(cfg.WriteMs)
	}
	if cfg.HandshakeMs > 0 {
		out.HandshakeTimeout = ms(cfg.HandshakeMs)
	}
	if cfg.SendQueueDepth > 0 {
		out.SendQueueDepth = cfg.SendQueueDepth
	}
	out.AllowJSONDebug = cfg.AllowJSONDebug
	return out
}

func applyTimeouts(s *session.Config, t TimeoutConfig) {
	if t.ConnectMs > 0 {
		s.ConnectTimeout = ms(t.ConnectMs)
	}
	if t.HandshakeMs > 0 {
		s.HandshakeTimeout = ms(t.HandshakeMs)
	}
	if t.IdleReadMs > 0 {
		s.IdleReadTimeout = ms(t.IdleReadMs)
	}
	if t.WriteMs > 0 {
		s.WriteTimeout = ms(t.WriteMs)
	}
	if t.RequestMs > 0 {
		s.RequestTimeout = ms(t.RequestMs)
	}
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}
