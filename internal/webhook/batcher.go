package webhook

import (
	"context"
	"log/slog"
	"sync"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/vad"
)

// Poster uploads one utterance and returns the decoded reply. *Client
// satisfies it; tests substitute a fake.
type Poster interface {
	PostUtterance(ctx context.Context, wav []byte) (*Reply, error)
}

var _ Poster = (*Client)(nil)

// Batcher gates capture audio through the voice-activity detector and posts
// each completed utterance as a WAV file. Replies are delivered on
// [Batcher.Replies] for the orchestrator to play back.
//
// Feed it capture samples through [Batcher.Push] (the capture device
// callback); run [Batcher.Run] in a goroutine to drive the uploads.
type Batcher struct {
	sampleRate int
	det        *vad.Detector
	poster     Poster
	metrics    *observe.Metrics

	mu       sync.Mutex
	frameBuf []float32 // partial frame awaiting completion
	frameLen int
	history  []float32 // recent capture samples, history[0] is absolute offset base
	base     int
	keep     int // samples of history retained after trimming

	segCh    chan []float32
	replyCh  chan *Reply
	dropOnce sync.Once
}

// NewBatcher creates a Batcher around an existing detector. The detector's
// sample rate must match the samples pushed; its pre-roll and max-speech
// windows determine how much capture history is retained.
func NewBatcher(sampleRate int, det *vad.Detector, poster Poster, metrics *observe.Metrics) *Batcher {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	// Enough history for the longest possible segment plus its pre-roll,
	// with one extra second of slack for the hangover tail.
	keep := det.MaxSegmentSamples() + sampleRate

	return &Batcher{
		sampleRate: sampleRate,
		det:        det,
		poster:     poster,
		metrics:    metrics,
		frameLen:   det.FrameLen(),
		frameBuf:   make([]float32, 0, det.FrameLen()),
		history:    make([]float32, 0, 2*keep),
		keep:       keep,
		segCh:      make(chan []float32, 4),
		replyCh:    make(chan *Reply, 4),
	}
}

// Replies returns the channel delivering decoded webhook replies.
func (b *Batcher) Replies() <-chan *Reply { return b.replyCh }

// Push appends capture samples, running the detector over each completed
// frame. Completed segments are handed to the upload goroutine without
// blocking; if an upload backlog builds up, new segments are discarded.
func (b *Batcher) Push(samples []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(samples) > 0 {
		n := min(b.frameLen-len(b.frameBuf), len(samples))
		b.frameBuf = append(b.frameBuf, samples[:n]...)
		samples = samples[n:]

		if len(b.frameBuf) < b.frameLen {
			return
		}
		b.processFrame(b.frameBuf)
		b.frameBuf = b.frameBuf[:0]
	}
}

// processFrame stores the frame in history and feeds it to the detector.
// Must be called with b.mu held.
func (b *Batcher) processFrame(frame []float32) {
	b.history = append(b.history, frame...)

	evt, err := b.det.ProcessFrame(frame)
	if err != nil {
		slog.Warn("webhook: vad frame rejected", "err", err)
		return
	}

	if evt.Type == vad.SpeechEnd && evt.Segment != nil {
		b.handoffSegment(*evt.Segment)
	}

	b.trimHistory()
}

// handoffSegment copies the segment out of history and queues it for upload.
// Must be called with b.mu held.
func (b *Batcher) handoffSegment(seg vad.Segment) {
	start := seg.Start - b.base
	if start < 0 {
		// Pre-roll reaches before the retained history; clip to what we have.
		seg.Length += start
		start = 0
	}
	end := min(start+seg.Length, len(b.history))
	if end <= start {
		return
	}

	utterance := make([]float32, end-start)
	copy(utterance, b.history[start:end])

	select {
	case b.segCh <- utterance:
		// Suppress re-triggering while this utterance is in flight.
		b.det.Suppress()
	default:
		b.dropOnce.Do(func() {
			slog.Warn("webhook: upload backlog, discarding segment")
		})
		b.metrics.RecordSegment(context.Background(), "discarded")
	}
}

// trimHistory bounds the retained capture history. While Speaking the history
// is never trimmed past data a pending segment might still need, because the
// keep window covers the maximum segment plus pre-roll.
// Must be called with b.mu held.
func (b *Batcher) trimHistory() {
	if len(b.history) <= 2*b.keep {
		return
	}
	cut := len(b.history) - b.keep
	copied := copy(b.history, b.history[cut:])
	b.history = b.history[:copied]
	b.base += cut
}

// Run drives the upload loop: it WAV-encodes each queued utterance, posts
// it, and delivers the decoded reply. It returns when ctx is cancelled.
// Upload failures are logged and counted; they never stop the loop.
func (b *Batcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case utterance := <-b.segCh:
			b.upload(ctx, utterance)
		}
	}
}

func (b *Batcher) upload(ctx context.Context, utterance []float32) {
	wav, err := audio.EncodeWAV(utterance, b.sampleRate, 1)
	if err != nil {
		slog.Warn("webhook: encode utterance", "err", err)
		b.metrics.RecordSegment(ctx, "failed")
		return
	}

	reply, err := b.poster.PostUtterance(ctx, wav)
	if err != nil {
		slog.Warn("webhook: post utterance", "err", err)
		b.metrics.RecordSegment(ctx, "failed")
		return
	}
	b.metrics.RecordSegment(ctx, "sent")

	select {
	case b.replyCh <- reply:
	case <-ctx.Done():
	}
}

// Reset clears the capture history and detector state for a new conversation.
func (b *Batcher) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frameBuf = b.frameBuf[:0]
	b.history = b.history[:0]
	b.base = 0
	b.det.Reset()
}
