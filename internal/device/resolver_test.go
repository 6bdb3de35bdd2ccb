package device

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/loopcast/pkg/audio"
	"github.com/MrWong99/loopcast/pkg/audio/mock"
)

func newBackend() *mock.Backend {
	return &mock.Backend{
		DefaultResult: audio.DeviceDescriptor{ID: "out-1", Index: 1, Name: "Headphones (USB)", IsDefault: true},
		DevicesResult: []audio.DeviceDescriptor{
			{ID: "lb-0", Index: 4, Name: "Speakers (Realtek) [Loopback]", Channels: 2, SampleRate: 48000, Loopback: true},
			{ID: "lb-1", Index: 5, Name: "Headphones (USB) [Loopback]", Channels: 1, SampleRate: 44100, Loopback: true},
			{ID: "mic", Index: 6, Name: "Microphone", Channels: 1, SampleRate: 16000},
			{ID: "lb-6", Index: 7, Name: "HDMI 5.1 [Loopback]", Channels: 6, SampleRate: 48000, Loopback: true},
		},
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		selection string
		wantID    string
		wantErr   error
	}{
		{name: "default matches by name", selection: "default", wantID: "lb-1"},
		{name: "empty means default", selection: "", wantID: "lb-1"},
		{name: "default is case insensitive", selection: "DEFAULT", wantID: "lb-1"},
		{name: "explicit id", selection: "lb-0", wantID: "lb-0"},
		{name: "explicit index", selection: "4", wantID: "lb-0"},
		{name: "unknown id", selection: "nope", wantErr: ErrDeviceNotFound},
		{name: "unknown index", selection: "42", wantErr: ErrDeviceNotFound},
		{name: "not loopback capable", selection: "mic", wantErr: ErrDeviceNotFound},
		{name: "unsupported layout", selection: "lb-6", wantErr: audio.ErrUnsupportedChannelLayout},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := NewResolver(newBackend())
			got, err := r.Resolve(context.Background(), tc.selection)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got.ID != tc.wantID {
				t.Errorf("ID = %q, want %q", got.ID, tc.wantID)
			}
		})
	}
}

func TestResolve_DefaultWithoutMatchingLoopback(t *testing.T) {
	t.Parallel()

	b := newBackend()
	b.DefaultResult = audio.DeviceDescriptor{Name: "Bluetooth Speaker"}
	_, err := NewResolver(b).Resolve(context.Background(), "default")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("err = %v, want ErrDeviceNotFound", err)
	}
}

func TestResolve_QueryFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("subsystem down")

	t.Run("enumeration", func(t *testing.T) {
		t.Parallel()
		b := newBackend()
		b.DevicesError = boom
		_, err := NewResolver(b).Resolve(context.Background(), "lb-0")
		if !errors.Is(err, ErrDeviceQueryFailed) || !errors.Is(err, boom) {
			t.Fatalf("err = %v, want ErrDeviceQueryFailed wrapping cause", err)
		}
	})

	t.Run("default output", func(t *testing.T) {
		t.Parallel()
		b := newBackend()
		b.DefaultError = boom
		_, err := NewResolver(b).Resolve(context.Background(), "default")
		if !errors.Is(err, ErrDeviceQueryFailed) {
			t.Fatalf("err = %v, want ErrDeviceQueryFailed", err)
		}
	})
}

func TestResolve_NeverOpens(t *testing.T) {
	t.Parallel()

	b := newBackend()
	r := NewResolver(b)
	_, _ = r.Resolve(context.Background(), "default")
	_, _ = r.Resolve(context.Background(), "nope")
	if n := len(b.OpenCalls()); n != 0 {
		t.Errorf("Open called %d times during resolution", n)
	}
}

func TestList(t *testing.T) {
	t.Parallel()

	devs, err := NewResolver(newBackend()).List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(devs) != 4 {
		t.Errorf("got %d devices, want 4", len(devs))
	}
}
