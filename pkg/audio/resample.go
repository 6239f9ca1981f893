package audio

// Linear-interpolation resampling. First-order interpolation is a deliberate
// simplicity/latency trade-off over higher-order filtering: it is accurate
// enough for speech-band content, accumulates no phase drift, and is cheap
// enough for the chunk-sized (20–250 ms) inputs the pipeline produces.

// ResampleLen returns the number of output samples Resample produces for n
// input samples converted from inRate to outRate. The length rounds up so no
// trailing input audio is dropped.
func ResampleLen(n, inRate, outRate int) int {
	if n <= 0 || inRate <= 0 || outRate <= 0 {
		return 0
	}
	if inRate == outRate {
		return n
	}
	// ceil(n * outRate / inRate)
	return int((int64(n)*int64(outRate) + int64(inRate) - 1) / int64(inRate))
}

// Resample converts mono samples from inRate to outRate using linear
// interpolation. If the rates are equal the input is copied unchanged.
func Resample(in []float32, inRate, outRate int) []float32 {
	n := ResampleLen(len(in), inRate, outRate)
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	ResampleInto(out, in, inRate, outRate)
	return out
}

// ResampleInto resamples in from inRate to outRate, writing into dst, and
// returns the number of samples written. dst must have room for
// ResampleLen(len(in), inRate, outRate) samples; if it is shorter the output
// is truncated to len(dst). It performs no allocation, so the hot send path
// can reuse one scratch buffer per stream.
func ResampleInto(dst, in []float32, inRate, outRate int) int {
	n := min(ResampleLen(len(in), inRate, outRate), len(dst))
	if n == 0 {
		return 0
	}
	if inRate == outRate {
		return copy(dst[:n], in)
	}

	// For output index i the source position is i/ratio with
	// ratio = outRate/inRate; computed as i*inRate/outRate to keep one divide.
	step := float64(inRate) / float64(outRate)
	last := len(in) - 1

	for i := range n {
		srcPos := float64(i) * step
		idx := int(srcPos)
		if idx >= last {
			dst[i] = in[last]
			continue
		}
		frac := float32(srcPos - float64(idx))
		s0 := in[idx]
		s1 := in[idx+1]
		dst[i] = s0 + (s1-s0)*frac
	}
	return n
}

// Downmix averages interleaved multi-channel samples to mono. A mono input is
// copied unchanged.
func Downmix(in []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	out := make([]float32, len(in)/channels)
	DownmixInto(out, in, channels)
	return out
}

// DownmixInto averages interleaved multi-channel samples in into mono dst and
// returns the number of mono samples written. It performs no allocation.
func DownmixInto(dst, in []float32, channels int) int {
	if channels <= 1 {
		return copy(dst, in)
	}
	frames := min(len(in)/channels, len(dst))
	inv := 1 / float32(channels)
	for i := range frames {
		var sum float32
		base := i * channels
		for ch := range channels {
			sum += in[base+ch]
		}
		dst[i] = sum * inv
	}
	return frames
}

// Duplicate spreads mono samples across an interleaved multi-channel buffer.
// dst must hold len(in)*channels samples; extra dst capacity is left untouched.
// The playback callback uses this to fan the mono signal out to every channel
// of the output device.
func Duplicate(dst, in []float32, channels int) int {
	if channels <= 1 {
		return copy(dst, in)
	}
	frames := min(len(in), len(dst)/channels)
	for i := range frames {
		base := i * channels
		for ch := range channels {
			dst[base+ch] = in[i]
		}
	}
	return frames * channels
}
