package broadcast_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/loopcast/internal/broadcast"
	"github.com/MrWong99/loopcast/internal/broadcast/mock"
	"github.com/MrWong99/loopcast/internal/observe"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newRegistry(t *testing.T) *broadcast.Registry {
	t.Helper()
	return broadcast.NewRegistry(broadcast.WithRegistryMetrics(testMetrics(t)))
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	a := mock.NewSubscriber("a")

	if !r.Register(a) {
		t.Fatal("first Register = false, want true")
	}
	if r.Register(a) {
		t.Error("second Register = true, want false")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_UnregisterReportsPresence(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	a := mock.NewSubscriber("a")
	r.Register(a)

	if !r.Unregister(a) {
		t.Error("Unregister(present) = false, want true")
	}
	if r.Unregister(a) {
		t.Error("Unregister(absent) = true, want false")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistry_UnregisterIgnoresImpostor(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	r.Register(mock.NewSubscriber("a"))

	if r.Unregister(mock.NewSubscriber("a")) {
		t.Error("Unregister removed a different subscriber with the same ID")
	}
}

func TestRegistry_SnapshotIsStable(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	a, b := mock.NewSubscriber("a"), mock.NewSubscriber("b")
	r.Register(a)

	snap := r.Snapshot()
	r.Register(b)
	r.Unregister(a)

	if len(snap) != 1 || snap[0].ID() != "a" {
		t.Errorf("old snapshot changed: %v", snap)
	}
	now := r.Snapshot()
	if len(now) != 1 || now[0].ID() != "b" {
		t.Errorf("new snapshot = %v, want [b]", now)
	}
}

func TestRegistry_ClearDisconnectsEveryone(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	subs := []*mock.Subscriber{mock.NewSubscriber("a"), mock.NewSubscriber("b"), mock.NewSubscriber("c")}
	for _, s := range subs {
		r.Register(s)
	}

	if n := r.Clear("bye"); n != 3 {
		t.Errorf("Clear = %d, want 3", n)
	}
	if r.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", r.Len())
	}
	for _, s := range subs {
		if got := s.CloseReasons(); len(got) != 1 || got[0] != "bye" {
			t.Errorf("%s close reasons = %v, want [bye]", s.ID(), got)
		}
	}
	if n := r.Clear("again"); n != 0 {
		t.Errorf("second Clear = %d, want 0", n)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := mock.NewSubscriber(fmt.Sprintf("s%d", i))
			r.Register(s)
			if i%2 == 0 {
				r.Unregister(s)
			}
		}()
		go func() {
			defer wg.Done()
			for _, s := range r.Snapshot() {
				_ = s.ID()
			}
		}()
	}
	wg.Wait()

	if r.Len() != 8 {
		t.Errorf("Len = %d, want 8", r.Len())
	}
}
