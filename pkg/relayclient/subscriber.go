// Package relayclient is the client side of the notification relay. A
// Subscriber keeps one connection open for a session, announces the user on
// every (re)connect and fans inbound events out to subscribed handlers.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/suptocoder/VitaCare/pkg/events"
)

// ErrClosed is returned when connecting a Subscriber that was closed.
var ErrClosed = errors.New("relayclient: subscriber closed")

// Handler receives events. Handlers run synchronously on the reader
// goroutine and must not block for long.
type Handler func(events.Event)

// TokenSource returns a fresh announce token. It is called before every
// announce, so short-lived tokens are fine.
type TokenSource func(ctx context.Context) (string, error)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uint64
	handler Handler
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option { return func(s *Subscriber) { s.dialer = d } }

// WithHeader sets handshake headers, e.g. the session cookie and Origin.
func WithHeader(h http.Header) Option { return func(s *Subscriber) { s.header = h } }

// WithTokenSource makes every announce carry a signed token.
func WithTokenSource(ts TokenSource) Option { return func(s *Subscriber) { s.tokenSource = ts } }

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(min, max time.Duration) Option {
	return func(s *Subscriber) { s.minBackoff, s.maxBackoff = min, max }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Subscriber) { s.logger = l } }

// Subscriber maintains a session's relay connection.
type Subscriber struct {
	url         string
	userID      string
	dialer      *websocket.Dialer
	header      http.Header
	tokenSource TokenSource
	minBackoff  time.Duration
	maxBackoff  time.Duration
	logger      zerolog.Logger

	mu       sync.Mutex
	subs     []*Subscription
	nextID   uint64
	received []events.Event
	conn     *websocket.Conn
	connects int
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Subscriber for userID against the relay at url
// (e.g. ws://localhost:3001/ws). Nothing is dialled until Connect.
func New(url, userID string, opts ...Option) *Subscriber {
	s := &Subscriber{
		url:        url,
		userID:     userID,
		dialer:     websocket.DefaultDialer,
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 10 * time.Second,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "relayclient").Str("user_id", userID).Logger()
	return s
}

// Connect dials the relay and announces the user. On success a background
// loop reads events and reconnects (re-announcing) after transport loss
// until ctx is cancelled or Close is called.
func (s *Subscriber) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.done != nil {
		s.mu.Unlock()
		return errors.New("relayclient: already connected")
	}
	s.mu.Unlock()

	conn, err := s.dialAndAnnounce(ctx)
	if err != nil {
		return err
	}

	// Close may have run since dialAndAnnounce; the loop is only started
	// while the subscriber is still open, so Close always sees cancel and done.
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed || s.done != nil {
		closed := s.closed
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		cancel()
		conn.Close()
		if closed {
			return ErrClosed
		}
		return errors.New("relayclient: already connected")
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	go s.run(runCtx, conn)
	return nil
}

func (s *Subscriber) dialAndAnnounce(ctx context.Context) (*websocket.Conn, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	var token string
	if s.tokenSource != nil {
		t, err := s.tokenSource(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch announce token: %w", err)
		}
		token = t
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	if err := conn.WriteJSON(events.Announce(s.userID, token)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("announce: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	s.conn = conn
	s.connects++
	s.mu.Unlock()
	s.logger.Debug().Msg("connected and announced")
	return conn, nil
}

func (s *Subscriber) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)
	for {
		s.readLoop(conn)

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		s.logger.Info().Msg("relay connection lost; reconnecting")
		if conn = s.reconnect(ctx); conn == nil {
			return
		}
	}
}

func (s *Subscriber) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		e, err := events.Decode(msg)
		if err != nil {
			s.logger.Warn().Err(err).Msg("ignoring malformed event")
			continue
		}
		s.dispatch(e)
	}
}

func (s *Subscriber) reconnect(ctx context.Context) *websocket.Conn {
	delay := s.minBackoff
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		conn, err := s.dialAndAnnounce(ctx)
		if err == nil {
			return conn
		}
		if errors.Is(err, ErrClosed) {
			return nil
		}
		s.logger.Debug().Err(err).Dur("retry_in", delay).Msg("reconnect failed")

		delay *= 2
		if delay > s.maxBackoff {
			delay = s.maxBackoff
		}
	}
}

// dispatch appends e to the session log and calls every handler that is
// subscribed at this moment, in subscription order.
func (s *Subscriber) dispatch(e events.Event) {
	s.mu.Lock()
	s.received = append(s.received, e)
	subs := make([]*Subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.handler(e)
	}
}

// Subscribe registers h for subsequent events.
func (s *Subscriber) Subscribe(h Handler) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sub := &Subscription{id: s.nextID, handler: h}
	s.subs = append(s.subs, sub)
	return sub
}

// Unsubscribe removes sub. Unknown or nil subscriptions are ignored.
func (s *Subscriber) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.subs {
		if existing.id == sub.id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// Events returns every event received during the session, oldest first.
func (s *Subscriber) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.received))
	copy(out, s.received)
	return out
}

func (s *Subscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Connected reports whether a relay connection is currently open.
func (s *Subscriber) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Connects returns how many times the subscriber connected and announced.
func (s *Subscriber) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Close ends the session: the connection is closed with a normal closure
// frame and no further reconnects happen.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn, cancel, done := s.conn, s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}
