package main

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/pkg/audio"
)

// deviceTick is the clock period of the built-in devices. 20 ms matches the
// default detector frame size so tone capture exercises the same cadence a
// hardware microphone would.
const deviceTick = 20 * time.Millisecond

// registerBuiltinDevices wires the devices that ship with the binary into
// the registry. Platform audio backends register themselves the same way
// from their own build-tagged files.
func registerBuiltinDevices(reg *config.Registry) {
	reg.RegisterCapture("tone", func(entry config.DeviceEntry) (audio.CaptureDevice, error) {
		return &toneCapture{
			rate: config.OptInt(entry.Options, "sample_rate", 16000),
			freq: config.OptFloat(entry.Options, "frequency", 440),
			amp:  config.OptFloat(entry.Options, "amplitude", 0.25),
		}, nil
	})
	reg.RegisterOutput("null", func(entry config.DeviceEntry) (audio.OutputDevice, error) {
		return &nullOutput{
			rate: config.OptInt(entry.Options, "sample_rate", 48000),
			ch:   config.OptInt(entry.Options, "channels", 2),
		}, nil
	})
}

// toneCapture synthesizes a continuous sine wave on its own clock, standing
// in for a microphone on machines without audio hardware.
type toneCapture struct {
	rate int
	freq float64
	amp  float64

	mu   sync.Mutex
	stop context.CancelFunc
}

func (c *toneCapture) SampleRate() int { return c.rate }
func (c *toneCapture) Channels() int   { return 1 }

func (c *toneCapture) Start(ctx context.Context, push func(samples []float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return errors.New("tone capture already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.stop = cancel

	go func() {
		ticker := time.NewTicker(deviceTick)
		defer ticker.Stop()

		n := int(deviceTick.Seconds() * float64(c.rate))
		buf := make([]float32, n)
		step := 2 * math.Pi * c.freq / float64(c.rate)
		var phase float64

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for i := range buf {
					buf[i] = float32(c.amp * math.Sin(phase))
					phase += step
				}
				phase = math.Mod(phase, 2*math.Pi)
				push(buf)
			}
		}
	}()
	return nil
}

func (c *toneCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
	return nil
}

// nullOutput pulls playback blocks at device cadence and discards them, so
// the rest of the pipeline behaves exactly as it would with a sound card.
type nullOutput struct {
	rate int
	ch   int

	mu   sync.Mutex
	stop context.CancelFunc
}

func (o *nullOutput) SampleRate() int { return o.rate }
func (o *nullOutput) Channels() int   { return o.ch }

func (o *nullOutput) Start(ctx context.Context, pull func(out []float32)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stop != nil {
		return errors.New("null output already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	o.stop = cancel

	go func() {
		ticker := time.NewTicker(deviceTick)
		defer ticker.Stop()

		buf := make([]float32, int(deviceTick.Seconds()*float64(o.rate))*o.ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pull(buf)
			}
		}
	}()
	return nil
}

func (o *nullOutput) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stop != nil {
		o.stop()
		o.stop = nil
	}
	return nil
}
