// Package vad implements frame-level Voice Activity Detection for the
// conversation pipeline.
//
// A [Detector] is a stateful, per-stream classifier: it consumes fixed-size
// mono frames and produces Idle/Speaking transitions with pre-roll, hangover
// and a hard segment cap. Detection is synchronous by design — ProcessFrame
// returns immediately with an event, making it suitable for low-latency
// pipeline stages that gate what gets sent upstream.
//
// The detector keeps time in sample counts rather than wall-clock time, so
// its behaviour is fully deterministic for a given input stream. A single
// Detector must not be shared across goroutines.
package vad

import (
	"errors"
	"fmt"
	"time"
)

// State is the detector's speaking state.
type State int

const (
	// Idle means no active speech segment.
	Idle State = iota

	// Speaking means a speech segment is in progress.
	Speaking
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Speaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// Metric selects the per-frame energy measure.
type Metric string

const (
	// MetricRMS is the plain root-mean-square of the frame.
	MetricRMS Metric = "rms"

	// MetricSpeechBand is a frequency-weighted RMS that boosts the
	// 300–3400 Hz speech band and attenuates rumble and hiss.
	MetricSpeechBand Metric = "speech_band"
)

// IsValid reports whether m is a recognised metric.
func (m Metric) IsValid() bool {
	return m == MetricRMS || m == MetricSpeechBand
}

// ThresholdMode selects how the energy metric is compared against a gate.
type ThresholdMode string

const (
	// ThresholdFixed compares the metric against absolute start/stop levels.
	ThresholdFixed ThresholdMode = "fixed"

	// ThresholdAdaptive compares the metric against a noise floor tracked as
	// an exponential moving average while Idle, scaled by start/stop factors.
	ThresholdAdaptive ThresholdMode = "adaptive"
)

// IsValid reports whether t is a recognised threshold mode.
func (t ThresholdMode) IsValid() bool {
	return t == ThresholdFixed || t == ThresholdAdaptive
}

// EventType classifies the result of processing one frame.
type EventType int

const (
	// SilenceEvent means the detector is Idle and saw no speech onset.
	SilenceEvent EventType = iota

	// SpeechStart means this frame transitioned the detector into Speaking.
	SpeechStart

	// SpeechContinue means an active segment is still running.
	SpeechContinue

	// SpeechEnd means this frame ended the active segment, either because
	// the hangover elapsed or the segment hit its hard cap.
	SpeechEnd
)

// Segment describes a completed speech segment in sample offsets relative to
// the start of the stream. Start already includes the configured pre-roll,
// so reading Length samples from offset Start out of the capture history
// yields the utterance with its lead-in intact.
type Segment struct {
	Start  int
	Length int
}

// Event is the detection result for a single frame.
type Event struct {
	Type EventType

	// Metric is the energy value computed for the frame.
	Metric float64

	// Segment is set only on a SpeechEnd whose duration reached MinSpeech.
	// Segments shorter than MinSpeech are discarded and leave Segment nil.
	Segment *Segment
}

// Config holds the detector parameters. Durations are converted to sample
// counts at the configured rate; a zero duration keeps the documented default.
type Config struct {
	// SampleRate is the rate of the frames fed to ProcessFrame, in Hz.
	SampleRate int

	// FrameSize is the fixed duration of each frame. Default 20 ms.
	FrameSize time.Duration

	// Metric selects the energy measure. Default MetricRMS.
	Metric Metric

	// Threshold selects the gating policy. Default ThresholdAdaptive.
	Threshold ThresholdMode

	// StartLevel and StopLevel gate fixed-mode detection. Speech starts when
	// the metric reaches StartLevel and continues while it stays at or above
	// StopLevel; StopLevel < StartLevel gives hysteresis.
	// Defaults 0.02 / 0.01.
	StartLevel float64
	StopLevel  float64

	// StartFactor and StopFactor gate adaptive-mode detection relative to
	// the tracked noise floor. Defaults 3.0 / 1.5.
	StartFactor float64
	StopFactor  float64

	// NoiseFloorAlpha is the EMA coefficient for the adaptive noise floor.
	// The floor is only updated while Idle. Default 0.05.
	NoiseFloorAlpha float64

	// PreRoll is audio retained before the detected onset so the first word
	// is not clipped. Default 200 ms.
	PreRoll time.Duration

	// Hangover is the silence required to consider the utterance finished.
	// Default 700 ms.
	Hangover time.Duration

	// MinSpeech discards segments shorter than this. Default 300 ms.
	MinSpeech time.Duration

	// MaxSpeech force-completes a segment at this hard cap. Default 10 s.
	MaxSpeech time.Duration

	// Cooldown suppresses new speech onsets for this long after
	// [Detector.Suppress] is called (i.e. after a segment has been handed
	// off for sending). Default 1 s.
	Cooldown time.Duration
}

// defaults per Config field documentation.
const (
	defaultFrameSize  = 20 * time.Millisecond
	defaultStartLevel = 0.02
	defaultStopLevel  = 0.01
	defaultStartFac   = 3.0
	defaultStopFac    = 1.5
	defaultFloorAlpha = 0.05
	defaultPreRoll    = 200 * time.Millisecond
	defaultHangover   = 700 * time.Millisecond
	defaultMinSpeech  = 300 * time.Millisecond
	defaultMaxSpeech  = 10 * time.Second
	defaultCooldown   = time.Second

	// minNoiseFloor keeps the adaptive floor away from exact zero so a
	// perfectly silent stream cannot make the start gate trigger on the
	// first nonzero sample of dither.
	minNoiseFloor = 1e-5
)

// Detector is the voice-activity state machine. Create one per audio stream
// with [New]; call [Detector.Reset] when the stream restarts.
type Detector struct {
	cfg  Config
	band *bandEnergy

	frameLen int // samples per frame
	preRoll  int // samples
	hangover int
	minSeg   int
	maxSeg   int
	cooldown int

	state        State
	clock        int // total samples processed
	noiseFloor   float64
	floorPrimed  bool
	segmentStart int
	deadline     int
	lastLoud     int
	suppressTo   int
}

// New creates a Detector, applying documented defaults for zero fields and
// validating the rest.
func New(cfg Config) (*Detector, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("vad: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSize == 0 {
		cfg.FrameSize = defaultFrameSize
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricRMS
	}
	if cfg.Threshold == "" {
		cfg.Threshold = ThresholdAdaptive
	}
	if cfg.StartLevel == 0 {
		cfg.StartLevel = defaultStartLevel
	}
	if cfg.StopLevel == 0 {
		cfg.StopLevel = defaultStopLevel
	}
	if cfg.StartFactor == 0 {
		cfg.StartFactor = defaultStartFac
	}
	if cfg.StopFactor == 0 {
		cfg.StopFactor = defaultStopFac
	}
	if cfg.NoiseFloorAlpha == 0 {
		cfg.NoiseFloorAlpha = defaultFloorAlpha
	}
	if cfg.PreRoll == 0 {
		cfg.PreRoll = defaultPreRoll
	}
	if cfg.Hangover == 0 {
		cfg.Hangover = defaultHangover
	}
	if cfg.MinSpeech == 0 {
		cfg.MinSpeech = defaultMinSpeech
	}
	if cfg.MaxSpeech == 0 {
		cfg.MaxSpeech = defaultMaxSpeech
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = defaultCooldown
	}

	var errs []error
	if !cfg.Metric.IsValid() {
		errs = append(errs, fmt.Errorf("vad: unknown metric %q", cfg.Metric))
	}
	if !cfg.Threshold.IsValid() {
		errs = append(errs, fmt.Errorf("vad: unknown threshold mode %q", cfg.Threshold))
	}
	if cfg.StopLevel > cfg.StartLevel {
		errs = append(errs, fmt.Errorf("vad: stop level %v exceeds start level %v", cfg.StopLevel, cfg.StartLevel))
	}
	if cfg.StopFactor > cfg.StartFactor {
		errs = append(errs, fmt.Errorf("vad: stop factor %v exceeds start factor %v", cfg.StopFactor, cfg.StartFactor))
	}
	if cfg.NoiseFloorAlpha < 0 || cfg.NoiseFloorAlpha > 1 {
		errs = append(errs, fmt.Errorf("vad: noise floor alpha %v outside [0,1]", cfg.NoiseFloorAlpha))
	}
	if cfg.MinSpeech > cfg.MaxSpeech {
		errs = append(errs, fmt.Errorf("vad: min speech %v exceeds max speech %v", cfg.MinSpeech, cfg.MaxSpeech))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	d := &Detector{
		cfg:      cfg,
		frameLen: samplesFor(cfg.FrameSize, cfg.SampleRate),
		preRoll:  samplesFor(cfg.PreRoll, cfg.SampleRate),
		hangover: samplesFor(cfg.Hangover, cfg.SampleRate),
		minSeg:   samplesFor(cfg.MinSpeech, cfg.SampleRate),
		maxSeg:   samplesFor(cfg.MaxSpeech, cfg.SampleRate),
		cooldown: samplesFor(cfg.Cooldown, cfg.SampleRate),
	}
	if d.frameLen <= 0 {
		return nil, fmt.Errorf("vad: frame size %v too small at %d Hz", cfg.FrameSize, cfg.SampleRate)
	}
	if cfg.Metric == MetricSpeechBand {
		d.band = newBandEnergy(cfg.SampleRate)
	}
	return d, nil
}

func samplesFor(d time.Duration, rate int) int {
	return int(d * time.Duration(rate) / time.Second)
}

// FrameLen returns the exact number of samples ProcessFrame expects.
func (d *Detector) FrameLen() int { return d.frameLen }

// MaxSegmentSamples returns the longest segment the detector can emit,
// pre-roll included. Callers retaining capture history for segment
// extraction need at least this many samples.
func (d *Detector) MaxSegmentSamples() int { return d.maxSeg + d.preRoll }

// State returns the current speaking state.
func (d *Detector) State() State { return d.state }

// ProcessFrame classifies one frame and advances the detector. The frame
// must contain exactly FrameLen samples. It must not be called concurrently.
func (d *Detector) ProcessFrame(frame []float32) (Event, error) {
	if len(frame) != d.frameLen {
		return Event{}, fmt.Errorf("vad: frame must contain %d samples, got %d", d.frameLen, len(frame))
	}

	var m float64
	if d.band != nil {
		m = d.band.metric(frame)
	} else {
		m = rms(frame)
	}
	d.clock += d.frameLen
	now := d.clock

	switch d.state {
	case Idle:
		d.updateNoiseFloor(m)
		if !d.startGate(m) || now < d.suppressTo {
			return Event{Type: SilenceEvent, Metric: m}, nil
		}

		start := now - d.frameLen - d.preRoll
		if start < 0 {
			start = 0
		}
		d.state = Speaking
		d.segmentStart = start
		d.deadline = now + d.maxSeg
		d.lastLoud = now
		return Event{Type: SpeechStart, Metric: m}, nil

	case Speaking:
		if d.stopGate(m) {
			d.lastLoud = now
		}
		if now-d.lastLoud < d.hangover && now < d.deadline {
			return Event{Type: SpeechContinue, Metric: m}, nil
		}

		// Segment finished: hangover elapsed or hard cap reached. The
		// segment ends at the last loud sample, not at the end of the
		// trailing silence.
		length := d.lastLoud - d.segmentStart
		d.state = Idle
		evt := Event{Type: SpeechEnd, Metric: m}
		if length >= d.minSeg {
			evt.Segment = &Segment{Start: d.segmentStart, Length: length}
		}
		return evt, nil
	}

	return Event{}, fmt.Errorf("vad: invalid state %d", d.state)
}

// Suppress starts the cooldown window: speech onsets are ignored until it
// expires. Call it when a completed segment has been handed off for sending
// to prevent rapid-fire duplicate sends.
func (d *Detector) Suppress() {
	d.suppressTo = d.clock + d.cooldown
}

// NoiseFloor returns the current adaptive noise floor estimate. It is only
// meaningful in adaptive threshold mode.
func (d *Detector) NoiseFloor() float64 { return d.noiseFloor }

// Reset returns the detector to its initial state: Idle, zero clock, noise
// floor unprimed, filters cleared. Call it on every conversation start.
func (d *Detector) Reset() {
	d.state = Idle
	d.clock = 0
	d.noiseFloor = 0
	d.floorPrimed = false
	d.segmentStart = 0
	d.deadline = 0
	d.lastLoud = 0
	d.suppressTo = 0
	if d.band != nil {
		d.band.reset()
	}
}

// updateNoiseFloor advances the EMA. Only ever called while Idle, preserving
// the invariant that speech never drags the floor upward.
func (d *Detector) updateNoiseFloor(m float64) {
	if d.cfg.Threshold != ThresholdAdaptive {
		return
	}
	if !d.floorPrimed {
		d.noiseFloor = m
		d.floorPrimed = true
	} else {
		a := d.cfg.NoiseFloorAlpha
		d.noiseFloor = a*m + (1-a)*d.noiseFloor
	}
	if d.noiseFloor < minNoiseFloor {
		d.noiseFloor = minNoiseFloor
	}
}

func (d *Detector) startGate(m float64) bool {
	if d.cfg.Threshold == ThresholdFixed {
		return m >= d.cfg.StartLevel
	}
	return m > d.noiseFloor*d.cfg.StartFactor
}

func (d *Detector) stopGate(m float64) bool {
	if d.cfg.Threshold == ThresholdFixed {
		return m >= d.cfg.StopLevel
	}
	return m > d.noiseFloor*d.cfg.StopFactor
}
