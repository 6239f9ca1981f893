package audio

import "time"

// Frame represents a single frame of mono audio flowing through the pipeline.
// Frames are the atomic unit of audio transport — captured from input devices,
// classified by VAD, transcoded by the pipeline, and played through output
// devices. A Frame is immutable once produced; ownership moves with it.
type Frame struct {
	// Samples holds normalised mono samples in the range [-1.0, 1.0].
	Samples []float32

	// SampleRate in Hz (e.g., 44100 for a capture device, 16000 for the wire).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
