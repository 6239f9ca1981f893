package audio

import (
	"context"
	"errors"
)

// ErrDeviceUnavailable reports that no capture or output device could be
// opened. Starting a conversation fails fast with this error before any
// state transition occurs.
var ErrDeviceUnavailable = errors.New("audio: no device available")

// CaptureDevice is the collaborator that delivers microphone samples to the
// pipeline. Implementations wrap a platform audio API (or a test fixture) and
// push interleaved float32 frames at the declared sample rate. Multi-channel
// input is downmixed to mono by the pipeline before any further processing.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// SampleRate returns the device capture rate in Hz.
	SampleRate() int

	// Channels returns the number of interleaved channels per frame.
	Channels() int

	// Start begins capture and invokes push for every device-driven frame.
	// The callback runs on the device's timing domain: it must not block and
	// must not allocate. The samples slice is only valid for the duration of
	// the call. Returns [ErrDeviceUnavailable] if no device can be opened.
	Start(ctx context.Context, push func(samples []float32)) error

	// Stop halts capture. Idempotent.
	Stop() error
}

// OutputDevice is the collaborator that plays agent audio. Each device tick
// it invokes the pull callback with a buffer it expects to be filled
// completely with interleaved samples; the pipeline fills it from the
// playback ring buffer, substituting silence on underrun.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// SampleRate returns the live output rate in Hz.
	SampleRate() int

	// Channels returns the number of interleaved output channels.
	Channels() int

	// Start begins playback and invokes pull once per device tick. The
	// callback must fill the whole buffer without blocking. Returns
	// [ErrDeviceUnavailable] if no device can be opened.
	Start(ctx context.Context, pull func(out []float32)) error

	// Stop halts playback. Idempotent.
	Stop() error
}
