package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	errConnClosed     = errors.New("relay: connection closed")
	errConnReassigned = errors.New("relay: connection announced another user")
	errSendBufferFull = errors.New("relay: send buffer full")
)

// Transport abstracts a WebSocket connection for testability.
// *gorilla/websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Conn is one live client connection. It is owned by the Gateway: created on
// upgrade and closed on transport disconnect or relay shutdown.
type Conn struct {
	id        string
	transport Transport
	send      chan []byte
	done      chan struct{}
	logger    zerolog.Logger

	mu     sync.Mutex
	closed bool
	userID string
}

func newConn(t Transport, sendBuffer int, logger zerolog.Logger) *Conn {
	id := uuid.New().String()
	return &Conn{
		id:        id,
		transport: t,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		logger:    logger.With().Str("conn_id", id).Logger(),
	}
}

// ID returns the opaque connection identity.
func (c *Conn) ID() string { return c.id }

// UserID returns the announced user identity, or "" if none was announced.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Closed reports whether the connection has been shut down.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed once the connection has been shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) setUserID(userID string) (prev string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", false
	}
	prev = c.userID
	c.userID = userID
	return prev, true
}

// enqueue appends msg to the send queue without blocking, provided c is
// still bound to userID. Messages enqueued on one connection are written in
// enqueue order.
func (c *Conn) enqueue(userID string, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if c.userID != userID {
		return errConnReassigned
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errSendBufferFull
	}
}

// shutdown marks the connection closed and stops the write pump, which in
// turn closes the transport. Safe to call more than once.
func (c *Conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	close(c.done)
}

// readPump reads control messages until the transport fails, then hands the
// connection to onClose. It must run on its own goroutine.
func (c *Conn) readPump(cfg Config, onMessage func(*Conn, []byte), onClose func(*Conn)) {
	defer func() {
		onClose(c)
		c.transport.Close()
	}()

	c.transport.SetReadLimit(cfg.MaxMessageSize)
	c.transport.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.transport.SetPongHandler(func(string) error {
		return c.transport.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, message, err := c.transport.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseNormalClosure, gorillawebsocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("connection read failed")
			}
			return
		}
		onMessage(c, message)
	}
}

// writePump drains the send queue onto the transport and keeps the peer
// alive with pings. It is the only writer of the transport.
func (c *Conn) writePump(cfg Config) {
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.transport.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.transport.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				c.transport.WriteMessage(gorillawebsocket.CloseMessage,
					gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, ""))
				return
			}
			if err := c.transport.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("connection write failed")
				return
			}
		case <-ticker.C:
			c.transport.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.transport.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
