// Package mock provides a recording implementation of
// [broadcast.Subscriber] for use in unit tests.
//
// Typical usage:
//
//	sub := mock.NewSubscriber("a")
//	sub.Stall() // every Send now blocks until its context is done
//	...
//	if got := sub.Sent(); len(got) != 3 { ... }
package mock

import (
	"context"
	"sync"
)

// Subscriber is a mock implementation of [broadcast.Subscriber]. It is safe
// for concurrent use.
type Subscriber struct {
	id string

	mu sync.Mutex

	// SendError is returned by Send when set.
	SendError error

	// SendFunc, when set, overrides the default Send behaviour.
	SendFunc func(ctx context.Context, data []byte) error

	sent    [][]byte
	stalled bool
	reasons []string
	closed  chan struct{}
	once    sync.Once
}

// NewSubscriber returns a Subscriber with the given ID.
func NewSubscriber(id string) *Subscriber {
	return &Subscriber{id: id, closed: make(chan struct{})}
}

// ID implements [broadcast.Subscriber].
func (s *Subscriber) ID() string { return s.id }

// Stall makes every subsequent Send block until its context is done.
func (s *Subscriber) Stall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = true
}

// Send implements [broadcast.Subscriber]. Successful sends record a copy of
// data.
func (s *Subscriber) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	fn, err, stalled := s.SendFunc, s.SendError, s.stalled
	s.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, data); err != nil {
			return err
		}
	} else if stalled {
		<-ctx.Done()
		return ctx.Err()
	} else if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

// Close implements [broadcast.Subscriber]. Every call's reason is recorded.
func (s *Subscriber) Close(reason string) {
	s.mu.Lock()
	s.reasons = append(s.reasons, reason)
	s.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
}

// Sent returns copies of every successfully sent payload, in order.
func (s *Subscriber) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// CloseReasons returns the reason of every Close call, in order.
func (s *Subscriber) CloseReasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.reasons))
	copy(out, s.reasons)
	return out
}

// Closed is closed after the first Close call.
func (s *Subscriber) Closed() <-chan struct{} { return s.closed }
