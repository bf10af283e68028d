// Package relay implements the real-time access-notification relay: a
// presence registry mapping users to live WebSocket connections, a gateway
// that keeps it in step with the connection lifecycle, and a dispatcher that
// pushes events to a user's connection.
//
// A Relay is process-lifetime state. It is constructed once by the server,
// shared by the WebSocket endpoint and the API services, and shut down on
// exit. Tests construct fresh instances.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/suptocoder/VitaCare/internal/platform/telemetry"
	"github.com/suptocoder/VitaCare/pkg/events"
)

// Config tunes the relay transport.
type Config struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	AllowedOrigins []string

	// TokenSecret enables the announce token endpoint. With
	// RequireSignedAnnounce the gateway only accepts identities carried in a
	// valid token.
	TokenSecret           []byte
	TokenTTL              time.Duration
	RequireSignedAnnounce bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SendBuffer:     64,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 4096,
		TokenTTL:       time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = d.TokenTTL
	}
}

// Notifier is the single call the API layer makes after committing a state
// change. The result is informational only.
type Notifier interface {
	Deliver(userID string, e events.Event) bool
}

// Stats is a point-in-time view of relay presence.
type Stats struct {
	Running     bool `json:"running"`
	OnlineUsers int  `json:"online_users"`
	Connections int  `json:"connections"`
}

// Relay owns the registry, gateway and dispatcher.
type Relay struct {
	cfg        Config
	registry   *Registry
	gateway    *Gateway
	dispatcher *Dispatcher
	tokens     *AnnounceTokens
	logger     zerolog.Logger

	mu      sync.RWMutex
	running bool
}

var _ Notifier = (*Relay)(nil)

// New wires a relay. It accepts no connections until Start is called.
func New(cfg Config, metrics *telemetry.Metrics, logger zerolog.Logger) *Relay {
	cfg.applyDefaults()
	logger = logger.With().Str("component", "relay").Logger()

	var tokens *AnnounceTokens
	if len(cfg.TokenSecret) > 0 {
		tokens = NewAnnounceTokens(cfg.TokenSecret, cfg.TokenTTL)
	}
	var verifier AnnounceVerifier
	if cfg.RequireSignedAnnounce && tokens != nil {
		verifier = tokens
	}

	registry := NewRegistry()
	gateway := NewGateway(cfg, registry, verifier, metrics, logger)
	r := &Relay{
		cfg:        cfg,
		registry:   registry,
		gateway:    gateway,
		dispatcher: NewDispatcher(registry, gateway, metrics, logger),
		tokens:     tokens,
		logger:     logger,
	}

	metrics.SetGaugeFunc("relay_online_users", func() int64 { return int64(registry.Len()) })
	metrics.SetGaugeFunc("relay_open_connections", func() int64 { return int64(gateway.ConnectionCount()) })
	return r
}

// Start marks the relay ready to accept connections and deliver events. A
// relay that has been shut down cannot be started again.
func (r *Relay) Start() {
	if r.gateway.Closing() {
		r.logger.Warn().Msg("relay already shut down; not starting")
		return
	}
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	r.logger.Info().Bool("signed_announce", r.gateway.verifier != nil).Msg("relay started")
}

// Running reports whether Start has been called and Shutdown has not.
func (r *Relay) Running() bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Shutdown stops accepting deliveries and connections and closes every open
// connection.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	err := r.gateway.CloseAll(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("relay shutdown did not drain all connections")
	} else {
		r.logger.Info().Msg("relay stopped")
	}
	return err
}

// Deliver implements Notifier. A nil or stopped relay reports false.
func (r *Relay) Deliver(userID string, e events.Event) bool {
	if !r.Running() {
		r.warnUninitialized(userID)
		return false
	}
	return r.dispatcher.Deliver(userID, e)
}

func (r *Relay) warnUninitialized(userID string) {
	if r == nil {
		return
	}
	r.logger.Warn().Str("user_id", userID).Msg("relay not running; notification skipped")
	r.dispatcher.metrics.Inc("relay_deliveries_total", "outcome", OutcomeUninitialized)
}

// Stats reports current presence counts.
func (r *Relay) Stats() Stats {
	return Stats{
		Running:     r.Running(),
		OnlineUsers: r.registry.Len(),
		Connections: r.gateway.ConnectionCount(),
	}
}

// Registry exposes the presence registry.
func (r *Relay) Registry() *Registry { return r.registry }

// Gateway exposes the connection gateway.
func (r *Relay) Gateway() *Gateway { return r.gateway }

// Tokens returns the announce token authority, or nil when no secret is
// configured.
func (r *Relay) Tokens() *AnnounceTokens { return r.tokens }
