package relay

import (
	"net/http"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// Handler exposes the relay over HTTP: the WebSocket endpoint, the announce
// token endpoint and a presence health check.
type Handler struct {
	relay    *Relay
	upgrader gorillawebsocket.Upgrader
}

// NewHandler creates a Handler for r. Browser upgrades are accepted only
// from the configured origins; "*" allows any origin.
func NewHandler(r *Relay) *Handler {
	return &Handler{
		relay: r,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(r.cfg.AllowedOrigins),
		},
	}
}

// RegisterRoutes registers the WebSocket endpoint on the relay listener.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
	g.GET("/health/relay", h.Health)
}

// RegisterTokenRoute registers the announce token endpoint on an
// authenticated API group. It is a no-op when no token secret is configured.
func (h *Handler) RegisterTokenRoute(api *echo.Group) {
	if h.relay.tokens == nil {
		return
	}
	api.GET("/relay/token", TokenHandler(h.relay.tokens))
}

// HandleConnect upgrades the request to a WebSocket and hands it to the
// gateway.
func (h *Handler) HandleConnect(c echo.Context) error {
	if !h.relay.Running() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "relay not running")
	}
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written an error response
		return nil
	}
	h.relay.gateway.Serve(ws)
	return nil
}

// Health reports relay presence counts.
func (h *Handler) Health(c echo.Context) error {
	stats := h.relay.Stats()
	status := http.StatusOK
	if !stats.Running {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, stats)
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] {
			return true
		}
		return set[origin]
	}
}
