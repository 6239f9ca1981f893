// Package mock provides in-memory mock implementations of the
// [audio.CaptureDevice] and [audio.OutputDevice] interfaces for use in unit
// tests and the diagnostic client.
//
// All mocks are safe for concurrent use. They record call counts so tests can
// assert on lifecycle behaviour, and they expose Push/Tick methods that let
// the test act as the device clock instead of real hardware.
//
// Typical usage:
//
//	cap := mock.NewCapture(44100, 1)
//	out := mock.NewOutput(48000, 2)
//	// ... start the pipeline with cap and out ...
//	cap.Push(tone)          // deliver a capture frame
//	block := out.Tick(960)  // pull one playback block
package mock

import (
	"context"
	"math"
	"sync"

	"github.com/voicewire/voicewire/pkg/audio"
)

// Compile-time interface assertions.
var _ audio.CaptureDevice = (*Capture)(nil)
var _ audio.OutputDevice = (*Output)(nil)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock [audio.CaptureDevice]. The test drives it by calling
// [Capture.Push]; pushed frames are forwarded to the callback registered via
// Start. Pushes before Start or after Stop are dropped.
type Capture struct {
	mu        sync.Mutex
	rate      int
	ch        int
	push      func([]float32)
	tonePhase float64

	// StartErr, when non-nil, is returned by Start. Set it to
	// audio.ErrDeviceUnavailable to simulate a missing microphone.
	StartErr error

	// CallCountStart and CallCountStop record lifecycle calls.
	CallCountStart int
	CallCountStop  int
}

// NewCapture creates a mock capture device with the given declared format.
func NewCapture(sampleRate, channels int) *Capture {
	return &Capture{rate: sampleRate, ch: channels}
}

// SampleRate implements [audio.CaptureDevice].
func (c *Capture) SampleRate() int { return c.rate }

// Channels implements [audio.CaptureDevice].
func (c *Capture) Channels() int { return c.ch }

// Start implements [audio.CaptureDevice].
func (c *Capture) Start(_ context.Context, push func(samples []float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	if c.StartErr != nil {
		return c.StartErr
	}
	c.push = push
	return nil
}

// Stop implements [audio.CaptureDevice].
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStop++
	c.push = nil
	return nil
}

// Push delivers one interleaved frame to the registered callback, as the
// hardware would on its own timing. It is a no-op when capture is stopped.
func (c *Capture) Push(samples []float32) {
	c.mu.Lock()
	push := c.push
	c.mu.Unlock()
	if push != nil {
		push(samples)
	}
}

// PushTone generates and pushes n mono samples of a sine wave at freq Hz,
// continuing the phase across calls.
func (c *Capture) PushTone(freq float64, n int) {
	c.mu.Lock()
	rate := c.rate
	phase := c.tonePhase
	c.mu.Unlock()

	buf := make([]float32, n)
	step := 2 * math.Pi * freq / float64(rate)
	for i := range buf {
		buf[i] = float32(0.5 * math.Sin(phase))
		phase += step
	}

	c.mu.Lock()
	c.tonePhase = math.Mod(phase, 2*math.Pi)
	c.mu.Unlock()

	c.Push(buf)
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock [audio.OutputDevice]. The test drives the device clock by
// calling [Output.Tick], which invokes the registered pull callback and
// returns the filled block. Ticks before Start or after Stop return silence.
type Output struct {
	mu   sync.Mutex
	rate int
	ch   int
	pull func([]float32)

	// StartErr, when non-nil, is returned by Start.
	StartErr error

	// CallCountStart and CallCountStop record lifecycle calls.
	CallCountStart int
	CallCountStop  int
}

// NewOutput creates a mock output device with the given live format.
func NewOutput(sampleRate, channels int) *Output {
	return &Output{rate: sampleRate, ch: channels}
}

// SampleRate implements [audio.OutputDevice].
func (o *Output) SampleRate() int { return o.rate }

// Channels implements [audio.OutputDevice].
func (o *Output) Channels() int { return o.ch }

// Start implements [audio.OutputDevice].
func (o *Output) Start(_ context.Context, pull func(out []float32)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountStart++
	if o.StartErr != nil {
		return o.StartErr
	}
	o.pull = pull
	return nil
}

// Stop implements [audio.OutputDevice].
func (o *Output) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountStop++
	o.pull = nil
	return nil
}

// Tick requests one block of n interleaved samples from the pipeline, as the
// hardware would each device tick. When playback is stopped it returns a
// zeroed block.
func (o *Output) Tick(n int) []float32 {
	o.mu.Lock()
	pull := o.pull
	o.mu.Unlock()

	block := make([]float32, n)
	if pull != nil {
		pull(block)
	}
	return block
}
