package relay

import (
	"github.com/rs/zerolog"

	"github.com/suptocoder/VitaCare/internal/platform/telemetry"
	"github.com/suptocoder/VitaCare/pkg/events"
)

// Delivery outcomes, recorded as the "outcome" label of relay_deliveries_total.
const (
	OutcomeDelivered     = "delivered"
	OutcomeOffline       = "offline"
	OutcomeStale         = "stale"
	OutcomeDropped       = "dropped"
	OutcomeUninitialized = "uninitialized"
)

// Dispatcher pushes events to the live connection of a user. Delivery is
// at-most-once and best-effort: no acknowledgement, retry or queueing.
type Dispatcher struct {
	registry *Registry
	gateway  *Gateway
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

// NewDispatcher creates a Dispatcher resolving users through registry and
// connections through gateway.
func NewDispatcher(registry *Registry, gateway *Gateway, metrics *telemetry.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, gateway: gateway, metrics: metrics, logger: logger}
}

// Deliver sends e to userID and reports whether it was handed to a live
// connection. It never blocks on the network and never panics; every failure
// is reported as false so the calling mutation is unaffected.
func (d *Dispatcher) Deliver(userID string, e events.Event) bool {
	if d == nil || d.registry == nil || d.gateway == nil {
		return false
	}
	outcome := d.deliver(userID, e)
	d.metrics.Inc("relay_deliveries_total", "outcome", outcome)
	return outcome == OutcomeDelivered
}

func (d *Dispatcher) deliver(userID string, e events.Event) string {
	log := d.logger.With().Str("user_id", userID).Str("event_type", string(e.Type)).Logger()

	connID, ok := d.registry.Get(userID)
	if !ok {
		log.Debug().Msg("user is not online")
		return OutcomeOffline
	}

	conn, ok := d.gateway.Lookup(connID)
	if !ok || conn.Closed() {
		log.Debug().Str("conn_id", connID).Msg("presence entry is stale")
		return OutcomeStale
	}

	payload, err := e.Encode()
	if err != nil {
		log.Error().Err(err).Msg("failed to encode event")
		return OutcomeDropped
	}

	switch err := conn.enqueue(userID, payload); err {
	case nil:
		log.Debug().Str("conn_id", connID).Msg("notification sent")
		return OutcomeDelivered
	case errConnClosed, errConnReassigned:
		log.Debug().Err(err).Str("conn_id", connID).Msg("presence entry is stale")
		return OutcomeStale
	default:
		log.Warn().Err(err).Str("conn_id", connID).Msg("notification dropped")
		return OutcomeDropped
	}
}
