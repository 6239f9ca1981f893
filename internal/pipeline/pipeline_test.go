package pipeline_test

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/pipeline"
	audiomock "github.com/voicewire/voicewire/pkg/audio/mock"
	"github.com/voicewire/voicewire/pkg/session"
)

// fakeSender records the chunks a pipeline hands to the session.
type fakeSender struct {
	mu     sync.Mutex
	chunks [][]byte
	err    error
}

func (f *fakeSender) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	f.chunks = append(f.chunks, cp)
	return nil
}

func (f *fakeSender) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.chunks))
	copy(out, f.chunks)
	return out
}

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

func testConfig() pipeline.Config {
	return pipeline.Config{
		CaptureRate:     48000,
		OutputRate:      48000,
		OutputChannels:  2,
		WireRate:        16000,
		ChunkInterval:   50 * time.Millisecond,
		PlaybackPreroll: 10 * time.Millisecond, // 480 samples at 48 kHz
	}
}

func newPipeline(t *testing.T, cfg pipeline.Config, s pipeline.Sender) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(cfg, s, testMetrics(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func constSamples(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func pcm16At(chunk []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(chunk[i*2:]))
}

func TestFlush_ResamplesAndEncodes(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	p := newPipeline(t, testConfig(), sender)

	// 480 samples at 48 kHz is 10 ms, which is 160 samples at 16 kHz.
	p.PushCapture(constSamples(480, 0.5))
	p.Flush(context.Background())

	chunks := sender.sent()
	if len(chunks) != 1 {
		t.Fatalf("sent %d chunks, want 1", len(chunks))
	}
	if got, want := len(chunks[0]), 160*2; got != want {
		t.Fatalf("chunk size = %d bytes, want %d", got, want)
	}

	// A constant signal must survive resampling and encoding.
	want := int16(math.Round(0.5 * 32767))
	for i := 0; i < 160; i++ {
		if got := pcm16At(chunks[0], i); got != want {
			t.Fatalf("sample %d = %d, want %d", i, got, want)
		}
	}
}

func TestFlush_EmptyCaptureSendsNothing(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	p := newPipeline(t, testConfig(), sender)

	p.Flush(context.Background())
	if n := len(sender.sent()); n != 0 {
		t.Errorf("sent %d chunks from empty capture, want 0", n)
	}
}

func TestFlush_InactiveSessionDropsQuietly(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{err: session.ErrNotActive}
	p := newPipeline(t, testConfig(), sender)

	p.PushCapture(constSamples(480, 0.1))
	p.Flush(context.Background())

	// The chunk is dropped and the capture buffer is not re-queued.
	if n := p.CaptureBuffered(); n != 0 {
		t.Errorf("CaptureBuffered() = %d after flush, want 0", n)
	}
}

func TestRunOutbound_TicksUntilCancelled(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	cfg := testConfig()
	cfg.ChunkInterval = 10 * time.Millisecond
	p := newPipeline(t, cfg, sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.RunOutbound(ctx) }()

	p.PushCapture(constSamples(480, 0.25))

	deadline := time.After(2 * time.Second)
	for len(sender.sent()) == 0 {
		select {
		case <-deadline:
			t.Fatal("outbound loop never sent a chunk")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("RunOutbound returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunOutbound did not return after cancel")
	}
}

func TestRunInbound_WritesPlayback(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, testConfig(), &fakeSender{})

	audioCh := make(chan []byte, 1)
	// 160 samples of PCM16 at 16 kHz is 10 ms, which is 480 samples at 48 kHz.
	pcm := make([]byte, 160*2)
	for i := 0; i < 160; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(8192)))
	}
	audioCh <- pcm
	close(audioCh)

	if err := p.RunInbound(context.Background(), audioCh); err != nil {
		t.Fatalf("RunInbound: %v", err)
	}
	if got := p.PlaybackBuffered(); got != 480 {
		t.Errorf("PlaybackBuffered() = %d, want 480", got)
	}
}

func TestPullPlayback_PrerollThenAudio(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, testConfig(), &fakeSender{})

	// Preroll threshold is 480 samples; half that must stay silent.
	pushPlayback(t, p, constSamples(240, 0.5))

	out := make([]float32, 200) // 100 frames, 2 channels
	p.PullPlayback(out)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("out[%d] = %v during preroll, want silence", i, v)
		}
	}
	if got := p.PlaybackBuffered(); got != 240 {
		t.Errorf("preroll consumed buffered audio: %d, want 240", got)
	}

	// Crossing the threshold releases playback, duplicated across channels.
	pushPlayback(t, p, constSamples(300, 0.5))
	p.PullPlayback(out)
	for i := 0; i < len(out); i += 2 {
		if out[i] != 0.5 || out[i+1] != 0.5 {
			t.Fatalf("frame %d = (%v, %v), want (0.5, 0.5)", i/2, out[i], out[i+1])
		}
	}
}

// pushPlayback routes samples through the inbound path indirectly by writing
// PCM at the output rate with WireRate == OutputRate disabled; instead it
// encodes at the wire rate so resampling is an identity when rates match.
func pushPlayback(t *testing.T, p *pipeline.Pipeline, samples []float32) {
	t.Helper()
	// Encode at the wire rate and feed through RunInbound with a closed
	// channel so the call returns once drained. The test config uses
	// 16 kHz wire and 48 kHz output, so push a third of the samples.
	n := len(samples) / 3
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := samples[i*3]
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(math.Round(float64(v)*32767))))
	}
	ch := make(chan []byte, 1)
	ch <- pcm
	close(ch)
	if err := p.RunInbound(context.Background(), ch); err != nil {
		t.Fatalf("RunInbound: %v", err)
	}
}

func TestPullPlayback_UnderrunRearmsPreroll(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OutputChannels = 1
	p := newPipeline(t, cfg, &fakeSender{})

	pushPlayback(t, p, constSamples(600, 0.5))

	// Drain past the end: the shortfall is zero-filled and preroll re-arms.
	out := make([]float32, 1024)
	p.PullPlayback(out)

	buffered := p.PlaybackBuffered()
	if buffered != 0 {
		t.Errorf("PlaybackBuffered() = %d after underrun, want 0", buffered)
	}

	// With the gate re-armed, small refills stay silent.
	pushPlayback(t, p, constSamples(60, 0.5))
	small := make([]float32, 16)
	p.PullPlayback(small)
	for i, v := range small {
		if v != 0 {
			t.Fatalf("small[%d] = %v after underrun, want silence", i, v)
		}
	}
}

func TestSetVolume_DucksPlayback(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OutputChannels = 1
	cfg.PlaybackPreroll = time.Millisecond
	p := newPipeline(t, cfg, &fakeSender{})

	pushPlayback(t, p, constSamples(600, 0.8))
	p.SetVolume(0.25)

	out := make([]float32, 64)
	p.PullPlayback(out)

	want := float32(0.8) * 0.25
	for i, v := range out {
		if diff := v - want; diff > 0.01 || diff < -0.01 {
			t.Fatalf("out[%d] = %v, want ~%v", i, v, want)
		}
	}

	if got := p.Volume(); got != 0.25 {
		t.Errorf("Volume() = %v, want 0.25", got)
	}
	p.SetVolume(3)
	if got := p.Volume(); got != 1 {
		t.Errorf("Volume() after clamp = %v, want 1", got)
	}
}

func TestClearPlayback_DiscardsAndRearms(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OutputChannels = 1
	p := newPipeline(t, cfg, &fakeSender{})

	pushPlayback(t, p, constSamples(600, 0.5))
	p.ClearPlayback()

	if got := p.PlaybackBuffered(); got != 0 {
		t.Errorf("PlaybackBuffered() = %d after clear, want 0", got)
	}

	out := make([]float32, 16)
	p.PullPlayback(out)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("out[%d] = %v after clear, want silence", i, v)
		}
	}
}

func TestOutbound_ToneCaptureDurationAccounting(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	cfg := testConfig()
	cfg.CaptureRate = 44100
	cfg.ChunkInterval = 100 * time.Millisecond
	p := newPipeline(t, cfg, sender)

	capture := audiomock.NewCapture(44100, 1)
	if err := capture.Start(context.Background(), p.PushCapture); err != nil {
		t.Fatalf("capture start: %v", err)
	}

	// Three seconds of a 440 Hz tone delivered in 100 ms slices, each
	// flushed the way the outbound ticker would. 4410 samples at 44.1 kHz
	// resample to exactly 1600 at the wire rate.
	const slice = 4410
	for i := 0; i < 30; i++ {
		capture.PushTone(440, slice)
		p.Flush(context.Background())
	}

	var total int
	for _, c := range sender.sent() {
		total += len(c)
	}
	// 3.0 s of 16 kHz PCM16 is 96000 bytes; allow one chunk of slack.
	const want, chunkBytes = 96000, 3200
	if total < want-chunkBytes || total > want+chunkBytes {
		t.Errorf("sent %d bytes of wire audio, want %d ± %d", total, want, chunkBytes)
	}

	// Ending the conversation flushes the tail and leaves the rings empty.
	p.Flush(context.Background())
	if err := capture.Stop(); err != nil {
		t.Fatalf("capture stop: %v", err)
	}
	if got := p.CaptureBuffered(); got != 0 {
		t.Errorf("CaptureBuffered() = %d after final flush, want 0", got)
	}
	if got := p.PlaybackBuffered(); got != 0 {
		t.Errorf("PlaybackBuffered() = %d, want 0", got)
	}
}

func TestNew_ValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := pipeline.New(pipeline.Config{}, &fakeSender{}, testMetrics(t))
	if err == nil {
		t.Fatal("New accepted zero config, want error")
	}
}
