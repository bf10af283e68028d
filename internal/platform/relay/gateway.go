package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/suptocoder/VitaCare/internal/platform/telemetry"
	"github.com/suptocoder/VitaCare/pkg/events"
)

// AnnounceVerifier turns a signed announce token into a user identity.
type AnnounceVerifier interface {
	Verify(token string) (userID string, err error)
}

// Gateway terminates client connections, binds each to an announced user
// identity and keeps the Registry in step with the connection lifecycle.
type Gateway struct {
	cfg      Config
	registry *Registry
	verifier AnnounceVerifier // nil: identities are self-asserted
	metrics  *telemetry.Metrics
	logger   zerolog.Logger

	mu      sync.RWMutex
	conns   map[string]*Conn
	closing bool // set by CloseAll; no connection is admitted afterwards
	wg      sync.WaitGroup
}

// NewGateway creates a Gateway writing presence into registry. When verifier
// is non-nil every announce must carry a token it accepts.
func NewGateway(cfg Config, registry *Registry, verifier AnnounceVerifier, metrics *telemetry.Metrics, logger zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		registry: registry,
		verifier: verifier,
		metrics:  metrics,
		logger:   logger,
		conns:    make(map[string]*Conn),
	}
}

// Serve registers t as a new connection and starts its read and write pumps.
// Once CloseAll has begun the connection is refused: it is shut down and the
// transport closed before any pump starts.
func (g *Gateway) Serve(t Transport) *Conn {
	c := newConn(t, g.cfg.SendBuffer, g.logger)
	if !g.admit(c, true) {
		c.shutdown()
		t.Close()
		return c
	}

	go func() {
		defer g.wg.Done()
		c.writePump(g.cfg)
	}()
	go func() {
		defer g.wg.Done()
		c.readPump(g.cfg, g.handleMessage, g.OnDisconnect)
	}()
	return c
}

// OnConnect tracks a freshly accepted connection. The user is not known
// until the client announces itself. It reports false, and shuts c down,
// when the gateway is closing.
func (g *Gateway) OnConnect(c *Conn) bool {
	if !g.admit(c, false) {
		c.shutdown()
		return false
	}
	return true
}

// admit records c unless the gateway is closing. The pump count is added
// under the same lock CloseAll takes, so Wait never races with Add.
func (g *Gateway) admit(c *Conn, pumps bool) bool {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		g.metrics.Inc("relay_connections_refused_total")
		c.logger.Debug().Msg("refusing connection during shutdown")
		return false
	}
	g.conns[c.ID()] = c
	if pumps {
		g.wg.Add(2)
	}
	g.mu.Unlock()

	g.metrics.Inc("relay_connections_total")
	c.logger.Debug().Msg("client connected")
	return true
}

// OnAnnounce binds userID to c and makes c the user's live connection.
// Empty identities are dropped and leave c unassociated. Re-announcing
// overwrites; if c previously announced a different user, that user's entry
// is released when it still points at c.
func (g *Gateway) OnAnnounce(c *Conn, userID string) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		g.metrics.Inc("relay_announces_total", "outcome", "malformed")
		c.logger.Debug().Msg("dropping announce with empty identity")
		return false
	}

	prev, ok := c.setUserID(userID)
	if !ok {
		g.metrics.Inc("relay_announces_total", "outcome", "closed")
		return false
	}
	if prev != "" && prev != userID {
		g.registry.DeleteIfMatches(prev, c.ID())
	}
	g.registry.Set(userID, c.ID())
	if c.Closed() {
		// lost a race with OnDisconnect
		g.registry.DeleteIfMatches(userID, c.ID())
		return false
	}

	g.metrics.Inc("relay_announces_total", "outcome", "accepted")
	c.logger.Info().Str("user_id", userID).Msg("user announced")
	return true
}

// OnDisconnect forgets c and removes its presence entry, but only when the
// registry still maps the announced user to c. A newer connection for the
// same user is never evicted by an older one closing late.
func (g *Gateway) OnDisconnect(c *Conn) {
	g.mu.Lock()
	delete(g.conns, c.ID())
	g.mu.Unlock()

	if userID := c.UserID(); userID != "" {
		if g.registry.DeleteIfMatches(userID, c.ID()) {
			c.logger.Info().Str("user_id", userID).Msg("user went offline")
		}
	}
	c.shutdown()
	c.logger.Debug().Msg("client disconnected")
}

// Lookup returns the tracked connection with the given id.
func (g *Gateway) Lookup(connID string) (*Conn, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.conns[connID]
	return c, ok
}

// Closing reports whether CloseAll has been called.
func (g *Gateway) Closing() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closing
}

// ConnectionCount returns the number of open connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// CloseAll stops admitting connections, shuts every open one down and waits
// for their pumps to exit or for ctx to expire. A closed gateway stays closed.
func (g *Gateway) CloseAll(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleMessage decodes an inbound control message. Anything other than a
// well-formed announce is ignored.
func (g *Gateway) handleMessage(c *Conn, raw []byte) {
	var msg events.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.metrics.Inc("relay_announces_total", "outcome", "malformed")
		c.logger.Debug().Err(err).Msg("ignoring malformed client message")
		return
	}
	if msg.Action != events.ActionAnnounce {
		c.logger.Debug().Str("action", msg.Action).Msg("ignoring unknown client action")
		return
	}

	userID := msg.UserID
	if g.verifier != nil {
		verified, err := g.verifier.Verify(msg.Token)
		if err != nil {
			g.metrics.Inc("relay_announces_total", "outcome", "rejected")
			c.logger.Warn().Err(err).Msg("announce token rejected")
			return
		}
		userID = verified
	}
	g.OnAnnounce(c, userID)
}
