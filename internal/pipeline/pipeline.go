// Package pipeline moves audio between local devices and a streaming
// session.
//
// The outbound half drains microphone samples from a ring buffer on a fixed
// chunk interval, resamples them to the wire rate, encodes PCM16, and hands
// the chunk to the session. The inbound half decodes agent audio from the
// session, resamples it to the output device rate, and feeds a playback ring
// that the output device pulls from in exact-size blocks.
//
// The hot paths reuse scratch buffers across ticks, so after warmup neither
// direction allocates per chunk.
//
// This package is internal because it encapsulates application-private audio
// plumbing and is not intended for import by external code.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/session"
)

// Sender is the outbound side of a streaming session. *session.Session
// satisfies it.
type Sender interface {
	SendAudio(pcm []byte) error
}

// Compile-time assertion that the session type satisfies Sender.
var _ Sender = (*session.Session)(nil)

// Config holds the pipeline parameters.
type Config struct {
	// CaptureRate is the sample rate of the capture device in Hz. Required.
	CaptureRate int

	// OutputRate is the sample rate of the output device in Hz. Required.
	OutputRate int

	// OutputChannels is the channel count of the output device. Default 1.
	OutputChannels int

	// WireRate is the sample rate of audio on the wire in Hz. Default 16000.
	WireRate int

	// ChunkInterval is the outbound chunking period. Default 100 ms.
	// Values between 50 and 250 ms balance latency against per-message
	// overhead.
	ChunkInterval time.Duration

	// CaptureBuffer is the capture ring capacity as a duration. Default 2 s.
	CaptureBuffer time.Duration

	// PlaybackBuffer is the playback ring capacity as a duration. Default 5 s.
	PlaybackBuffer time.Duration

	// PlaybackPreroll is how much audio must accumulate before playback
	// resumes after the buffer ran dry. Absorbs network jitter at the cost
	// of added latency. Default 150 ms.
	PlaybackPreroll time.Duration
}

func (c *Config) applyDefaults() {
	if c.OutputChannels == 0 {
		c.OutputChannels = 1
	}
	if c.WireRate == 0 {
		c.WireRate = 16000
	}
	if c.ChunkInterval == 0 {
		c.ChunkInterval = 100 * time.Millisecond
	}
	if c.CaptureBuffer == 0 {
		c.CaptureBuffer = 2 * time.Second
	}
	if c.PlaybackBuffer == 0 {
		c.PlaybackBuffer = 5 * time.Second
	}
	if c.PlaybackPreroll == 0 {
		c.PlaybackPreroll = 150 * time.Millisecond
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.CaptureRate <= 0 {
		errs = append(errs, errors.New("pipeline: CaptureRate must be positive"))
	}
	if c.OutputRate <= 0 {
		errs = append(errs, errors.New("pipeline: OutputRate must be positive"))
	}
	if c.OutputChannels < 1 {
		errs = append(errs, errors.New("pipeline: OutputChannels must be at least 1"))
	}
	if c.WireRate <= 0 {
		errs = append(errs, errors.New("pipeline: WireRate must be positive"))
	}
	if c.ChunkInterval < 10*time.Millisecond {
		errs = append(errs, errors.New("pipeline: ChunkInterval must be at least 10ms"))
	}
	return errors.Join(errs...)
}

func samplesFor(d time.Duration, rate int) int {
	return int(d.Seconds() * float64(rate))
}

// Pipeline connects a capture device, a streaming session, and an output
// device. Create one with [New]; it is safe for concurrent use.
type Pipeline struct {
	cfg     Config
	sender  Sender
	metrics *observe.Metrics

	capture  *audio.Ring[float32]
	playback *audio.Ring[float32]

	prerollSamples int

	// volume is the playback multiplier, stored as math.Float64bits.
	// Lowered during barge-in so the agent ducks under the user.
	volume atomic.Uint64

	// prerolling is true while playback holds silence waiting for the
	// buffer to refill past the preroll threshold.
	prerolling atomic.Bool

	// Outbound scratch buffers, reused across ticks. Guarded by outMu since
	// RunOutbound is the only writer but Flush may race with it.
	outMu     sync.Mutex
	drainBuf  []float32
	wireBuf   []float32
	encodeBuf []byte

	// Playback scratch, owned by the single output pull goroutine.
	monoBuf []float32
}

// New creates a Pipeline. sender may be nil for configurations that never
// run the outbound half, or be bound later with [Pipeline.SetSender].
// metrics may be nil, in which case the package default instrument set is
// used.
func New(cfg Config, sender Sender, metrics *observe.Metrics) (*Pipeline, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	p := &Pipeline{
		cfg:            cfg,
		sender:         sender,
		metrics:        metrics,
		capture:        audio.NewRing[float32](samplesFor(cfg.CaptureBuffer, cfg.CaptureRate)),
		playback:       audio.NewRing[float32](samplesFor(cfg.PlaybackBuffer, cfg.OutputRate)),
		prerollSamples: samplesFor(cfg.PlaybackPreroll, cfg.OutputRate),
	}
	p.volume.Store(math.Float64bits(1.0))
	p.prerolling.Store(true)
	return p, nil
}

// PushCapture appends microphone samples to the capture ring. Intended as
// the capture device push callback; it never blocks. When the ring is full
// the oldest samples are overwritten.
func (p *Pipeline) PushCapture(samples []float32) {
	p.capture.Write(samples)
}

// SetSender binds the outbound session. Sessions live one conversation, so
// a fresh one is bound each time a conversation starts.
func (p *Pipeline) SetSender(s Sender) {
	p.outMu.Lock()
	p.sender = s
	p.outMu.Unlock()
}

// CaptureBuffered returns the number of samples waiting in the capture ring.
func (p *Pipeline) CaptureBuffered() int { return p.capture.Available() }

// PlaybackBuffered returns the number of samples waiting in the playback ring.
func (p *Pipeline) PlaybackBuffered() int { return p.playback.Available() }

// RunOutbound drains the capture ring every ChunkInterval, transcodes to
// wire format, and hands chunks to the session. It returns when ctx is
// cancelled. Chunks rejected because the session is not active are dropped
// silently; any other send error is logged and the chunk dropped.
func (p *Pipeline) RunOutbound(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ChunkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// Flush immediately drains whatever capture audio has accumulated and sends
// it as one chunk. Called on every outbound tick and once more during
// shutdown so trailing speech is not lost.
func (p *Pipeline) Flush(ctx context.Context) {
	p.outMu.Lock()
	defer p.outMu.Unlock()

	if p.sender == nil {
		return
	}
	avail := p.capture.Available()
	if avail == 0 {
		return
	}
	start := time.Now()

	p.drainBuf = growFloat(p.drainBuf, avail)
	n := p.capture.Read(p.drainBuf[:avail])
	if n == 0 {
		return
	}

	wireLen := audio.ResampleLen(n, p.cfg.CaptureRate, p.cfg.WireRate)
	p.wireBuf = growFloat(p.wireBuf, wireLen)
	m := audio.ResampleInto(p.wireBuf[:wireLen], p.drainBuf[:n], p.cfg.CaptureRate, p.cfg.WireRate)

	p.encodeBuf = growBytes(p.encodeBuf, 2*m)
	nb := audio.Float32ToPCM16Into(p.encodeBuf, p.wireBuf[:m])

	p.metrics.ChunkEncodeDuration.Record(ctx, time.Since(start).Seconds())

	if err := p.sender.SendAudio(p.encodeBuf[:nb]); err != nil {
		if !errors.Is(err, session.ErrNotActive) {
			slog.Warn("pipeline: dropping outbound chunk", "err", err)
		}
		return
	}
	p.metrics.ChunksSent.Add(ctx, 1)
}

// RunInbound consumes agent audio chunks from audioCh, transcodes them to
// the output device rate, and writes them to the playback ring. It returns
// when ctx is cancelled or audioCh is closed.
func (p *Pipeline) RunInbound(ctx context.Context, audioCh <-chan []byte) error {
	var floatBuf, outBuf []float32

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pcm, ok := <-audioCh:
			if !ok {
				return nil
			}
			n := len(pcm) / 2
			if n == 0 {
				continue
			}
			floatBuf = growFloat(floatBuf, n)
			audio.PCM16ToFloat32Into(floatBuf[:n], pcm[:2*n])

			outLen := audio.ResampleLen(n, p.cfg.WireRate, p.cfg.OutputRate)
			outBuf = growFloat(outBuf, outLen)
			m := audio.ResampleInto(outBuf[:outLen], floatBuf[:n], p.cfg.WireRate, p.cfg.OutputRate)

			p.playback.Write(outBuf[:m])
			p.metrics.ChunksReceived.Add(ctx, 1)
			p.metrics.PlaybackBufferedSamples.Add(ctx, int64(m))
		}
	}
}

// PullPlayback fills out with interleaved playback samples. Intended as the
// output device pull callback: it never blocks and always fills out
// completely, substituting silence when the buffer is dry.
//
// After an underrun, playback stays silent until PlaybackPreroll worth of
// audio has re-accumulated, so the agent's voice resumes in one piece
// instead of stuttering sample by sample.
func (p *Pipeline) PullPlayback(out []float32) {
	need := len(out) / p.cfg.OutputChannels
	if need == 0 {
		return
	}

	if p.prerolling.Load() {
		if p.playback.Available() < p.prerollSamples {
			clear(out)
			return
		}
		p.prerolling.Store(false)
	}

	if len(p.monoBuf) < need {
		p.monoBuf = make([]float32, need)
	}
	mono := p.monoBuf[:need]

	got := p.playback.ReadBlock(mono)
	if got < need {
		p.metrics.PlaybackUnderruns.Add(context.Background(), 1)
		p.prerolling.Store(true)
	}
	p.metrics.PlaybackBufferedSamples.Add(context.Background(), -int64(got))

	vol := float32(math.Float64frombits(p.volume.Load()))
	if vol != 1.0 {
		for i := range mono {
			mono[i] *= vol
		}
	}

	audio.Duplicate(out, mono, p.cfg.OutputChannels)
}

// PlaySamples transcodes interleaved samples at an arbitrary rate and
// channel count to the output device rate and queues them for playback.
// Greeting audio and webhook replies arrive this way rather than at the
// wire rate; this path may allocate, unlike the per-chunk inbound path.
func (p *Pipeline) PlaySamples(samples []float32, rate, channels int) {
	if len(samples) == 0 || rate <= 0 || channels <= 0 {
		return
	}
	mono := samples
	if channels > 1 {
		mono = audio.Downmix(samples, channels)
	}
	out := audio.Resample(mono, rate, p.cfg.OutputRate)
	p.playback.Write(out)
	p.metrics.PlaybackBufferedSamples.Add(context.Background(), int64(len(out)))
}

// SetVolume sets the playback volume multiplier in [0, 1]. Out-of-range
// values are clamped.
func (p *Pipeline) SetVolume(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	p.volume.Store(math.Float64bits(v))
}

// Volume returns the current playback volume multiplier.
func (p *Pipeline) Volume() float64 {
	return math.Float64frombits(p.volume.Load())
}

// ClearPlayback discards all buffered agent audio and re-arms the preroll
// gate. Called on barge-in so stale agent speech does not play after the
// user interrupts.
func (p *Pipeline) ClearPlayback() {
	n := p.playback.Available()
	p.playback.Clear()
	p.prerolling.Store(true)
	if n > 0 {
		p.metrics.PlaybackBufferedSamples.Add(context.Background(), -int64(n))
	}
}

// ClearCapture discards all buffered microphone audio, for a clean start
// when a conversation begins.
func (p *Pipeline) ClearCapture() {
	p.capture.Clear()
}

func growFloat(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:cap(buf)]
}

func growBytes(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n)
	}
	return buf[:cap(buf)]
}
