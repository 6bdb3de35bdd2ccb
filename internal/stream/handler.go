// Package stream exposes the broadcast as a WebSocket endpoint. Every
// accepted connection becomes a [broadcast.Subscriber] receiving each frame
// as one binary message of interleaved s16le stereo PCM.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/loopcast/internal/broadcast"
	"github.com/MrWong99/loopcast/internal/observe"
)

// Broker admits and removes subscribers. Subscribe fails while no session
// is running.
type Broker interface {
	Subscribe(sub broadcast.Subscriber) error
	Unsubscribe(sub broadcast.Subscriber) bool
}

// Option configures the handler.
type Option func(*handler)

// WithOriginPatterns allows cross-origin upgrades from hosts matching the
// given patterns (see [websocket.AcceptOptions]).
func WithOriginPatterns(patterns ...string) Option {
	return func(h *handler) { h.originPatterns = patterns }
}

// WithLogger sets the logger connection events go to. Defaults to
// [slog.Default] at request time.
func WithLogger(l *slog.Logger) Option {
	return func(h *handler) { h.logger = l }
}

type handler struct {
	broker         Broker
	originPatterns []string
	logger         *slog.Logger
}

// Handler returns the WebSocket endpoint. Connections are rejected with
// [websocket.StatusTryAgainLater] while the broker refuses subscriptions.
func Handler(b Broker, opts ...Option) http.Handler {
	h := &handler{broker: b}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	base := h.logger
	if base == nil {
		base = slog.Default()
	}
	log := observe.LoggerFrom(r.Context(), base).With("remote", r.RemoteAddr)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		log.Debug("stream: upgrade failed", "origin", r.Header.Get("Origin"), "err", err)
		return
	}

	sub := newSubscriber(conn)
	log = log.With("subscriber", sub.id)

	if err := h.broker.Subscribe(sub); err != nil {
		log.Info("stream: connection rejected", "err", err)
		conn.Close(websocket.StatusTryAgainLater, "no active stream")
		return
	}
	defer h.broker.Unsubscribe(sub)
	log.Info("stream: subscriber connected")

	readErr := make(chan error, 1)
	go func() { readErr <- discardInbound(r.Context(), conn) }()

	select {
	case err := <-readErr:
		status := websocket.CloseStatus(err)
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			log.Info("stream: subscriber disconnected")
		} else {
			log.Info("stream: subscriber connection lost", "err", err)
		}
		conn.CloseNow()
	case <-sub.closed:
		log.Info("stream: subscriber closed", "reason", sub.reason())
		conn.Close(websocket.StatusGoingAway, sub.reason())
	}
}

// discardInbound reads and drops every inbound message so that control
// frames are processed, returning when the connection ends.
func discardInbound(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, rd, err := conn.Reader(ctx)
		if err != nil {
			return err
		}
		if _, err := io.Copy(io.Discard, rd); err != nil {
			return err
		}
	}
}

// subscriber adapts a WebSocket connection to [broadcast.Subscriber].
type subscriber struct {
	id   string
	conn *websocket.Conn

	mu          sync.Mutex
	closeReason string
	closeOnce   sync.Once
	closed      chan struct{}
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	return &subscriber{
		id:     uuid.NewString(),
		conn:   conn,
		closed: make(chan struct{}),
	}
}

func (s *subscriber) ID() string { return s.id }

// Send writes data as one binary message. The connection is closed by the
// websocket library if ctx expires mid-write.
func (s *subscriber) Send(ctx context.Context, data []byte) error {
	select {
	case <-s.closed:
		return errSubscriberClosed
	default:
	}
	return s.conn.Write(ctx, websocket.MessageBinary, data)
}

// Close signals the serving goroutine to close the connection with reason.
func (s *subscriber) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		s.mu.Unlock()
		close(s.closed)
	})
}

func (s *subscriber) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

var errSubscriberClosed = errors.New("stream: subscriber closed")
