// Package device maps a logical device selection to a concrete loopback
// capture device.
package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/loopcast/pkg/audio"
)

// SelectDefault selects the loopback device of the system's current default
// output.
const SelectDefault = "default"

var (
	// ErrDeviceNotFound is returned when no loopback-capable device matches
	// the selection.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceQueryFailed is returned when the audio subsystem cannot be
	// queried.
	ErrDeviceQueryFailed = errors.New("device: query failed")
)

// Resolver resolves selections against an [audio.Backend]. Resolution is a
// read-only query; it never opens a device.
type Resolver struct {
	backend audio.Backend
}

// NewResolver returns a Resolver backed by b.
func NewResolver(b audio.Backend) *Resolver {
	return &Resolver{backend: b}
}

// List returns every loopback-capable device.
func (r *Resolver) List(ctx context.Context) ([]audio.DeviceDescriptor, error) {
	devs, err := r.backend.LoopbackDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s loopback devices: %w", ErrDeviceQueryFailed, r.backend.Name(), err)
	}
	return devs, nil
}

// Resolve maps selection to a device descriptor.
//
// "default" (or the empty string) picks the loopback device whose name
// contains the name of the current default output device. Any other value
// is matched against device IDs first and then, if numeric, against native
// indices. The device's channel layout must be normalizable to stereo.
func (r *Resolver) Resolve(ctx context.Context, selection string) (audio.DeviceDescriptor, error) {
	selection = strings.TrimSpace(selection)

	devs, err := r.List(ctx)
	if err != nil {
		return audio.DeviceDescriptor{}, err
	}

	var (
		dev   audio.DeviceDescriptor
		found bool
	)
	if selection == "" || strings.EqualFold(selection, SelectDefault) {
		dev, found, err = r.matchDefault(ctx, devs)
		if err != nil {
			return audio.DeviceDescriptor{}, err
		}
	} else {
		dev, found = matchExplicit(devs, selection)
	}
	if !found {
		if selection == "" {
			selection = SelectDefault
		}
		return audio.DeviceDescriptor{}, fmt.Errorf("%w: no loopback device for selection %q on %s", ErrDeviceNotFound, selection, r.backend.Name())
	}
	if err := audio.CheckChannels(dev.Channels); err != nil {
		return audio.DeviceDescriptor{}, fmt.Errorf("device: %q: %w", dev.Name, err)
	}
	return dev, nil
}

func (r *Resolver) matchDefault(ctx context.Context, devs []audio.DeviceDescriptor) (audio.DeviceDescriptor, bool, error) {
	out, err := r.backend.DefaultOutput(ctx)
	if err != nil {
		return audio.DeviceDescriptor{}, false, fmt.Errorf("%w: default output on %s: %w", ErrDeviceQueryFailed, r.backend.Name(), err)
	}
	if out.Name == "" {
		return audio.DeviceDescriptor{}, false, nil
	}
	for _, d := range devs {
		if d.Loopback && strings.Contains(d.Name, out.Name) {
			return d, true, nil
		}
	}
	return audio.DeviceDescriptor{}, false, nil
}

func matchExplicit(devs []audio.DeviceDescriptor, selection string) (audio.DeviceDescriptor, bool) {
	for _, d := range devs {
		if d.Loopback && d.ID == selection {
			return d, true
		}
	}
	idx, err := strconv.Atoi(selection)
	if err != nil {
		return audio.DeviceDescriptor{}, false
	}
	for _, d := range devs {
		if d.Loopback && d.Index == idx {
			return d, true
		}
	}
	return audio.DeviceDescriptor{}, false
}
