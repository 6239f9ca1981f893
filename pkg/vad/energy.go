package vad

import "math"

// rms returns the plain root-mean-square energy of one frame.
func rms(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// Speech-band weights. The 300–3400 Hz band carries the bulk of speech
// energy; sub-300 Hz rumble and supra-3400 Hz hiss are attenuated rather
// than removed so broadband speech onsets are not missed entirely.
const (
	weightLow  = 0.25
	weightMid  = 1.0
	weightHigh = 0.25

	lowCutHz  = 300
	highCutHz = 3400
)

// bandEnergy computes a frequency-weighted RMS using two cascaded one-pole
// low-pass filters to split each sample into low (<300 Hz), mid (speech
// band) and high (>3400 Hz) components. This is a cheap heuristic
// decomposition, not an FFT: the band edges are soft, which is acceptable
// because the result only feeds a threshold comparison.
//
// Filter state persists across frames so band estimates stay continuous at
// chunk boundaries.
type bandEnergy struct {
	sampleRate int
	alphaLow   float64 // one-pole coefficient for the 300 Hz corner
	alphaHigh  float64 // one-pole coefficient for the 3400 Hz corner
	lpLow      float64 // running low-pass output at 300 Hz
	lpHigh     float64 // running low-pass output at 3400 Hz
}

func newBandEnergy(sampleRate int) *bandEnergy {
	return &bandEnergy{
		sampleRate: sampleRate,
		alphaLow:   onePoleAlpha(lowCutHz, sampleRate),
		alphaHigh:  onePoleAlpha(highCutHz, sampleRate),
	}
}

// onePoleAlpha returns the smoothing coefficient for a one-pole low-pass
// filter with corner frequency fc at the given sample rate.
func onePoleAlpha(fc float64, sampleRate int) float64 {
	dt := 1 / float64(sampleRate)
	rc := 1 / (2 * math.Pi * fc)
	return dt / (rc + dt)
}

// metric returns the weighted RMS of one frame.
func (b *bandEnergy) metric(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		x := float64(s)
		b.lpLow += b.alphaLow * (x - b.lpLow)
		b.lpHigh += b.alphaHigh * (x - b.lpHigh)

		low := b.lpLow           // rumble
		mid := b.lpHigh - b.lpLow // speech band
		high := x - b.lpHigh      // hiss

		sum += weightLow*low*low + weightMid*mid*mid + weightHigh*high*high
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// reset clears the filter state.
func (b *bandEnergy) reset() {
	b.lpLow = 0
	b.lpHigh = 0
}
