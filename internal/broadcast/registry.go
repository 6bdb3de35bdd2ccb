// Package broadcast fans captured audio frames out to a dynamic set of
// subscribers.
//
// A [Registry] holds the current subscribers and publishes immutable
// snapshots of them. A [Dispatcher] takes each frame handed to it by the
// capture loop, sends it to every subscriber in the current snapshot with a
// per-send deadline, and evicts subscribers that miss it.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/loopcast/internal/observe"
)

// Subscriber is an output endpoint receiving frames.
//
// Send is called from at most one goroutine at a time and must return once
// ctx is done. Close tells the remote side to disconnect; it must not block
// on the network and must be safe to call more than once.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, data []byte) error
	Close(reason string)
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithRegistryMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithRegistryMetrics(m *observe.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// Registry is the set of connected subscribers, keyed by ID. Writers are
// serialized; readers use [Registry.Snapshot] without locking.
type Registry struct {
	mu      sync.Mutex
	members map[string]Subscriber
	snap    atomic.Pointer[[]Subscriber]
	metrics *observe.Metrics
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{members: make(map[string]Subscriber)}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	r.snap.Store(&[]Subscriber{})
	return r
}

// Register adds sub. It reports false if a subscriber with the same ID is
// already registered.
func (r *Registry) Register(sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[sub.ID()]; ok {
		return false
	}
	r.members[sub.ID()] = sub
	r.publish()
	r.metrics.ActiveSubscribers.Add(context.Background(), 1)
	return true
}

// Unregister removes sub and reports whether it was present.
func (r *Registry) Unregister(sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.members[sub.ID()]
	if !ok || cur != sub {
		return false
	}
	delete(r.members, sub.ID())
	r.publish()
	r.metrics.ActiveSubscribers.Add(context.Background(), -1)
	return true
}

// Snapshot returns the current members. The slice is shared and must not be
// modified; later membership changes never affect a returned snapshot.
func (r *Registry) Snapshot() []Subscriber {
	return *r.snap.Load()
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	return len(r.Snapshot())
}

// Clear removes every subscriber and tells each to disconnect with reason.
// It returns the number of subscribers removed.
func (r *Registry) Clear(reason string) int {
	r.mu.Lock()
	old := r.Snapshot()
	clear(r.members)
	r.publish()
	r.metrics.ActiveSubscribers.Add(context.Background(), -int64(len(old)))
	r.mu.Unlock()

	for _, sub := range old {
		sub.Close(reason)
	}
	if len(old) > 0 {
		slog.Debug("broadcast: registry cleared", "subscribers", len(old), "reason", reason)
	}
	return len(old)
}

// publish swaps in a fresh snapshot. Caller must hold r.mu.
func (r *Registry) publish() {
	s := make([]Subscriber, 0, len(r.members))
	for _, sub := range r.members {
		s = append(s, sub)
	}
	r.snap.Store(&s)
}
