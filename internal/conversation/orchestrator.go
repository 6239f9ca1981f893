// Package conversation provides the top-level lifecycle orchestrator: it
// sequences greeting playback, session connection, warmup, capture start,
// and the symmetric teardown, and fans session activity out to the embedding
// application as typed events.
//
// An Orchestrator is explicitly constructed and passed by reference to its
// collaborators — there is no process-wide instance. It drives one
// conversation at a time and can be reused for the next one.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/pipeline"
	"github.com/voicewire/voicewire/internal/webhook"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/session"
	"github.com/voicewire/voicewire/pkg/vad"
)

// Error taxonomy for the orchestrator.
var (
	// ErrAlreadyActive is returned by Begin while a conversation is running
	// or transitioning. Begin is not reentrant.
	ErrAlreadyActive = errors.New("conversation: already active")

	// ErrNotActive is returned by End when no conversation is running.
	ErrNotActive = errors.New("conversation: not active")

	// ErrSessionTimeout ends a conversation that exceeded MaxDuration.
	ErrSessionTimeout = errors.New("conversation: maximum duration exceeded")
)

// Config holds the orchestrator parameters.
type Config struct {
	// GreetingSamples, GreetingRate and GreetingChannels describe an
	// optional clip played before the session connects. Empty samples skip
	// the greeting.
	GreetingSamples  []float32
	GreetingRate     int
	GreetingChannels int

	// GreetingTimeout bounds the wait for greeting playback to drain.
	// Zero derives it from the clip duration plus one second.
	GreetingTimeout time.Duration

	// WarmupDelay runs between the handshake completing and capture
	// starting, letting adaptive thresholds and jitter buffers settle.
	// Default 500 ms.
	WarmupDelay time.Duration

	// GraceDelay runs between stopping capture and disconnecting so a
	// trailing word is not truncated. Default 500 ms.
	GraceDelay time.Duration

	// MaxDuration force-ends the conversation (provider session ceilings).
	// Zero means no ceiling.
	MaxDuration time.Duration

	// DuckVolume is the playback multiplier applied while the user speaks
	// over the agent. Default 0.2.
	DuckVolume float64

	// EventBufferSize is the depth of the event channel. Default 64.
	EventBufferSize int
}

func (c *Config) applyDefaults() {
	if c.WarmupDelay == 0 {
		c.WarmupDelay = 500 * time.Millisecond
	}
	if c.GraceDelay == 0 {
		c.GraceDelay = 500 * time.Millisecond
	}
	if c.DuckVolume == 0 {
		c.DuckVolume = 0.2
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = 64
	}
}

// Deps are the collaborators an Orchestrator drives. Exactly one of
// NewSession (streaming mode) or Batcher (webhook mode) must be set.
type Deps struct {
	// Capture and Output are the audio device collaborators.
	Capture audio.CaptureDevice
	Output  audio.OutputDevice

	// Pipeline moves audio between the devices and the transport.
	Pipeline *pipeline.Pipeline

	// NewSession constructs a fresh streaming session per conversation —
	// a Session drives exactly one connection lifecycle and is not
	// reusable after Disconnect.
	NewSession func() *session.Session

	// Batcher is the webhook-mode utterance batcher.
	Batcher *webhook.Batcher

	// BargeIn, when set in streaming mode, gates the microphone: detected
	// user speech ducks playback and drops inbound agent audio so the
	// interruption is not talked over.
	BargeIn *vad.Detector

	// Metrics may be nil, in which case the package default set is used.
	Metrics *observe.Metrics
}

// lifecycle phases of the orchestrator.
type phase int

const (
	phaseIdle phase = iota
	phaseStarting
	phaseActive
	phaseStopping
)

// Orchestrator sequences conversation lifecycles. Create one with [New].
// Begin and End are safe to call from any goroutine; events are consumed
// from the single channel returned by [Orchestrator.Events].
type Orchestrator struct {
	cfg     Config
	capture audio.CaptureDevice
	output  audio.OutputDevice
	pipe    *pipeline.Pipeline
	newSess func() *session.Session
	batcher *webhook.Batcher
	det     *vad.Detector
	metrics *observe.Metrics

	events chan Event

	mu      sync.Mutex
	phase   phase
	sess    *session.Session
	cancel  context.CancelFunc
	group   *errgroup.Group
	endOnce *sync.Once

	// Capture-callback scratch, touched only from the device timing domain.
	monoBuf  []float32
	frameBuf []float32
}

// New creates an Orchestrator. It validates that the dependency set matches
// exactly one transport mode and that the pipeline is present; device
// availability is checked at Begin, per-conversation.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg.applyDefaults()

	if deps.Pipeline == nil {
		return nil, errors.New("conversation: Pipeline is required")
	}
	if (deps.NewSession == nil) == (deps.Batcher == nil) {
		return nil, errors.New("conversation: exactly one of NewSession or Batcher must be set")
	}
	if deps.BargeIn != nil && deps.NewSession == nil {
		return nil, errors.New("conversation: BargeIn requires streaming mode")
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}

	return &Orchestrator{
		cfg:     cfg,
		capture: deps.Capture,
		output:  deps.Output,
		pipe:    deps.Pipeline,
		newSess: deps.NewSession,
		batcher: deps.Batcher,
		det:     deps.BargeIn,
		metrics: deps.Metrics,
		events:  make(chan Event, cfg.EventBufferSize),
	}, nil
}

// Events returns the single-consumer event channel. When the consumer falls
// behind, the oldest buffered event is dropped in favour of the new one so
// the network and timer goroutines never block on event delivery.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Active reports whether a conversation is currently running.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase == phaseActive
}

// Begin starts a conversation: greeting playback, session connect, warmup,
// then capture. It is guarded against reentry while a conversation is active
// or transitioning. ctx bounds the startup sequence only; the conversation
// then runs until [Orchestrator.End], MaxDuration, or a terminal error.
func (o *Orchestrator) Begin(ctx context.Context) error {
	// Device availability is fatal before any state transition occurs.
	if o.capture == nil || o.output == nil {
		return audio.ErrDeviceUnavailable
	}

	o.mu.Lock()
	if o.phase != phaseIdle {
		o.mu.Unlock()
		return ErrAlreadyActive
	}
	o.phase = phaseStarting
	o.mu.Unlock()

	err := o.begin(ctx)
	if err != nil {
		o.mu.Lock()
		o.phase = phaseIdle
		o.mu.Unlock()
		o.emit(Event{Type: ErrorOccurred, Err: err})
		return err
	}
	return nil
}

func (o *Orchestrator) begin(ctx context.Context) error {
	convCtx, cancel := context.WithCancel(context.Background())

	fail := func(err error) error {
		cancel()
		o.output.Stop()
		o.pipe.ClearPlayback()
		return err
	}

	if err := o.output.Start(convCtx, o.pipe.PullPlayback); err != nil {
		cancel()
		return err
	}

	if len(o.cfg.GreetingSamples) > 0 {
		if err := o.playGreeting(ctx); err != nil {
			return fail(err)
		}
	}

	var sess *session.Session
	if o.newSess != nil {
		sess = o.newSess()
		if err := sess.Connect(ctx); err != nil {
			return fail(err)
		}
		o.pipe.SetSender(sess)
	}

	// Warmup: let the jitter buffer and adaptive noise floor settle before
	// the first user audio goes out.
	if err := sleepCtx(ctx, o.cfg.WarmupDelay); err != nil {
		if sess != nil {
			sess.Disconnect()
		}
		return fail(err)
	}

	// Fresh per-conversation state.
	o.pipe.ClearCapture()
	o.pipe.SetVolume(1)
	if o.det != nil {
		o.det.Reset()
	}
	if o.batcher != nil {
		o.batcher.Reset()
	}
	o.frameBuf = o.frameBuf[:0]

	o.mu.Lock()
	o.sess = sess
	o.mu.Unlock()

	if err := o.capture.Start(convCtx, o.pushCapture); err != nil {
		if sess != nil {
			sess.Disconnect()
		}
		o.mu.Lock()
		o.sess = nil
		o.mu.Unlock()
		return fail(err)
	}

	// Lifecycle state must be in place before the workers start: a worker
	// that hits a terminal error immediately ends the conversation through
	// it.
	g, gctx := errgroup.WithContext(convCtx)
	o.mu.Lock()
	o.phase = phaseActive
	o.cancel = cancel
	o.group = g
	o.endOnce = new(sync.Once)
	o.mu.Unlock()

	if sess != nil {
		g.Go(func() error { return o.pipe.RunOutbound(gctx) })
		g.Go(func() error { return o.pipe.RunInbound(gctx, sess.Audio()) })
		g.Go(func() error { return o.pumpSessionEvents(gctx, sess) })
	}
	if o.batcher != nil {
		g.Go(func() error { return o.batcher.Run(gctx) })
		g.Go(func() error { return o.playReplies(gctx) })
	}
	if o.cfg.MaxDuration > 0 {
		g.Go(func() error { return o.watchdog(gctx) })
	}

	o.metrics.ActiveConversations.Add(ctx, 1)
	var conversationID string
	if sess != nil {
		conversationID = sess.ConversationID()
	}
	o.emit(Event{Type: Started, ConversationID: conversationID})
	slog.Info("conversation started", "conversation_id", conversationID)
	return nil
}

// End stops the active conversation: capture stops first, a grace delay lets
// trailing speech flush, then the session disconnects and buffers clear.
// Returns ErrNotActive when no conversation is running.
func (o *Orchestrator) End(ctx context.Context) error {
	o.mu.Lock()
	if o.phase != phaseActive {
		o.mu.Unlock()
		return ErrNotActive
	}
	o.phase = phaseStopping
	o.mu.Unlock()

	o.end(ctx, nil)
	return nil
}

// end is the single teardown path. Every way a conversation can finish —
// explicit End, MaxDuration, terminal session error — converges here, and
// the per-conversation once guarantees cleanup runs exactly once.
func (o *Orchestrator) end(ctx context.Context, cause error) {
	o.mu.Lock()
	once := o.endOnce
	sess := o.sess
	cancel := o.cancel
	group := o.group
	if o.phase == phaseActive {
		o.phase = phaseStopping
	}
	o.mu.Unlock()

	if once == nil {
		return
	}

	once.Do(func() {
		if err := o.capture.Stop(); err != nil {
			slog.Warn("conversation: capture stop", "err", err)
		}

		// Grace delay so a word in flight is not cut mid-stream. Skipped
		// when the conversation is ending because of an error.
		if cause == nil {
			if err := sleepCtx(ctx, o.cfg.GraceDelay); err == nil && sess != nil {
				o.pipe.Flush(ctx)
			}
		}

		if sess != nil {
			sess.Disconnect()
			o.pipe.SetSender(nil)
		}
		cancel()
		if group != nil {
			if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("conversation: worker exit", "err", err)
			}
		}
		if sess != nil {
			// Chunks that arrived after the inbound pump stopped are still
			// buffered; the channel is closed by Disconnect, so empty it.
			audio.Drain(sess.Audio())
		}
		if err := o.output.Stop(); err != nil {
			slog.Warn("conversation: output stop", "err", err)
		}

		o.pipe.ClearPlayback()
		o.pipe.ClearCapture()
		o.pipe.SetVolume(1)
		if o.det != nil {
			o.det.Reset()
		}
		if o.batcher != nil {
			o.batcher.Reset()
		}

		o.mu.Lock()
		o.phase = phaseIdle
		o.sess = nil
		o.cancel = nil
		o.group = nil
		o.endOnce = nil
		o.mu.Unlock()

		o.metrics.ActiveConversations.Add(context.Background(), -1)
		o.emit(Event{Type: Ended, Err: cause})
		slog.Info("conversation ended", "cause", causeString(cause))
	})
}

func causeString(err error) string {
	if err == nil {
		return "requested"
	}
	return err.Error()
}

// playGreeting queues the greeting clip and waits, bounded, for the output
// device to drain it. A timeout is logged and tolerated — a half-played
// greeting is not worth aborting the conversation over.
func (o *Orchestrator) playGreeting(ctx context.Context) error {
	o.pipe.PlaySamples(o.cfg.GreetingSamples, o.cfg.GreetingRate, o.cfg.GreetingChannels)

	timeout := o.cfg.GreetingTimeout
	if timeout == 0 {
		clipLen := time.Duration(len(o.cfg.GreetingSamples)/max(o.cfg.GreetingChannels, 1)) *
			time.Second / time.Duration(max(o.cfg.GreetingRate, 1))
		timeout = clipLen + time.Second
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			slog.Warn("conversation: greeting playback did not drain in time")
			return nil
		case <-tick.C:
			if o.pipe.PlaybackBuffered() == 0 {
				return nil
			}
		}
	}
}

// pushCapture is the capture device callback: downmix to mono, then route to
// the streaming pipeline (plus the barge-in detector) or the batcher. It
// runs on the device timing domain and must not block.
func (o *Orchestrator) pushCapture(samples []float32) {
	mono := samples
	if ch := o.capture.Channels(); ch > 1 {
		n := len(samples) / ch
		if cap(o.monoBuf) < n {
			o.monoBuf = make([]float32, n)
		}
		mono = o.monoBuf[:n]
		audio.DownmixInto(mono, samples, ch)
	}

	if o.batcher != nil {
		o.batcher.Push(mono)
		return
	}

	o.pipe.PushCapture(mono)
	if o.det != nil {
		o.tapBargeIn(mono)
	}
}

// tapBargeIn feeds capture audio to the barge-in detector frame by frame and
// raises or lowers the microphone gate on speech transitions.
func (o *Orchestrator) tapBargeIn(mono []float32) {
	frameLen := o.det.FrameLen()
	for len(mono) > 0 {
		n := min(frameLen-len(o.frameBuf), len(mono))
		o.frameBuf = append(o.frameBuf, mono[:n]...)
		mono = mono[n:]
		if len(o.frameBuf) < frameLen {
			return
		}

		evt, err := o.det.ProcessFrame(o.frameBuf)
		o.frameBuf = o.frameBuf[:0]
		if err != nil {
			continue
		}

		switch evt.Type {
		case vad.SpeechStart:
			o.setBargeIn(true)
		case vad.SpeechEnd:
			o.setBargeIn(false)
		}
	}
}

// setBargeIn applies the barge-in policy: while the user speaks, inbound
// agent audio is dropped at the session and local playback is ducked, with
// the stale buffered tail discarded rather than drained.
func (o *Orchestrator) setBargeIn(active bool) {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil {
		return
	}

	sess.SetMicActive(active)
	if active {
		o.pipe.SetVolume(o.cfg.DuckVolume)
		o.pipe.ClearPlayback()
	} else {
		o.pipe.SetVolume(1)
	}
}

// pumpSessionEvents forwards session activity to the orchestrator's event
// channel and reacts to terminal failures. It returns when the session's
// event channel closes or ctx is cancelled.
func (o *Orchestrator) pumpSessionEvents(ctx context.Context, sess *session.Session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sess.Events():
			if !ok {
				return nil
			}
			switch evt.Type {
			case session.StatusChanged:
				o.emit(Event{Type: StatusChanged, State: evt.State, ConversationID: evt.ConversationID})

			case session.TranscriptReceived:
				o.emit(Event{Type: TranscriptReceived, Text: evt.Text})

			case session.AgentResponseReceived:
				o.emit(Event{Type: AgentTextReceived, Text: evt.Text})

			case session.DisconnectedUnexpectedly:
				// Reconnection is already scheduled inside the session;
				// surface the drop but keep the conversation alive.
				o.emit(Event{Type: ErrorOccurred, Err: evt.Err})
				o.metrics.RecordReconnect(ctx, "scheduled")

			case session.TerminalError:
				o.emit(Event{Type: ErrorOccurred, Err: evt.Err})
				o.metrics.RecordReconnect(ctx, "exhausted")
				// end waits on the errgroup this pump runs in, so it must
				// run outside it.
				go o.end(context.Background(), evt.Err)
				return nil
			}
		}
	}
}

// playReplies plays decoded webhook replies and surfaces undecodable ones to
// the collaborator.
func (o *Orchestrator) playReplies(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reply := <-o.batcher.Replies():
			if reply.Format == audio.FormatWAV {
				o.pipe.PlaySamples(reply.Samples, reply.SampleRate, reply.Channels)
			} else {
				o.emit(Event{Type: AgentAudioReceived, Audio: reply.Raw})
			}
		}
	}
}

// watchdog force-ends the conversation at the configured ceiling.
func (o *Orchestrator) watchdog(ctx context.Context) error {
	timer := time.NewTimer(o.cfg.MaxDuration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		slog.Info("conversation reached maximum duration", "max", o.cfg.MaxDuration)
		go o.end(context.Background(), ErrSessionTimeout)
		return nil
	}
}

// emit delivers an event without blocking. When the buffer is full the
// oldest event is dropped in favour of the new one, so a slow consumer
// loses history rather than stalling the producers.
func (o *Orchestrator) emit(evt Event) {
	for {
		select {
		case o.events <- evt:
			return
		default:
		}
		select {
		case <-o.events:
		default:
		}
	}
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
