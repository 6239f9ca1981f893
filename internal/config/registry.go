package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voicewire/voicewire/pkg/audio"
)

// ErrDeviceNotRegistered is returned by Create* methods when no factory has
// been registered under the requested device name.
var ErrDeviceNotRegistered = errors.New("config: device not registered")

// Registry maps device names to their constructor functions. The binary
// registers its built-in devices (tone generator, null sink, platform
// backends) at startup and the [DevicesConfig] entries select among them.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	capture map[string]func(DeviceEntry) (audio.CaptureDevice, error)
	output  map[string]func(DeviceEntry) (audio.OutputDevice, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture: make(map[string]func(DeviceEntry) (audio.CaptureDevice, error)),
		output:  make(map[string]func(DeviceEntry) (audio.OutputDevice, error)),
	}
}

// RegisterCapture registers a capture device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory func(DeviceEntry) (audio.CaptureDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterOutput registers an output device factory under name.
func (r *Registry) RegisterOutput(name string, factory func(DeviceEntry) (audio.OutputDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateCapture instantiates a capture device using the factory registered
// under entry.Name. Returns [ErrDeviceNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateCapture(entry DeviceEntry) (audio.CaptureDevice, error) {
	r.mu.RLock()
	factory, ok := r.capture[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrDeviceNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateOutput instantiates an output device using the factory registered
// under entry.Name.
func (r *Registry) CreateOutput(entry DeviceEntry) (audio.OutputDevice, error) {
	r.mu.RLock()
	factory, ok := r.output[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrDeviceNotRegistered, entry.Name)
	}
	return factory(entry)
}

// OptInt extracts an integer from a device Options map. YAML decodes numbers
// as int; other types (or a missing key) return the fallback.
func OptInt(opts map[string]any, key string, fallback int) int {
	if opts == nil {
		return fallback
	}
	v, ok := opts[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return fallback
}

// OptFloat extracts a float from a device Options map, falling back for a
// missing key or a non-numeric value.
func OptFloat(opts map[string]any, key string, fallback float64) float64 {
	if opts == nil {
		return fallback
	}
	v, ok := opts[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return fallback
}
