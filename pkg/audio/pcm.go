package audio

import (
	"encoding/binary"
	"math"
)

// Float32ToPCM16 converts normalised float samples to little-endian signed
// 16-bit PCM. Each sample is clamped to [-1, 1], scaled by 32767 and rounded.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	Float32ToPCM16Into(out, samples)
	return out
}

// Float32ToPCM16Into converts samples into dst and returns the number of
// bytes written. dst must hold at least len(samples)*2 bytes; shorter
// destinations truncate the output to whole samples. No allocation occurs,
// so the hot send path can reuse one byte buffer per stream.
func Float32ToPCM16Into(dst []byte, samples []float32) int {
	n := min(len(samples), len(dst)/2)
	for i := range n {
		v := samples[i]
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		s := int16(math.Round(float64(v) * 32767))
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
	return n * 2
}

// PCM16ToFloat32 converts little-endian signed 16-bit PCM to normalised float
// samples by dividing by 32768. The scale is asymmetric with respect to
// Float32ToPCM16 to match common PCM convention. A trailing odd byte is
// ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	PCM16ToFloat32Into(out, pcm)
	return out
}

// PCM16ToFloat32Into converts pcm into dst and returns the number of samples
// written. No allocation occurs.
func PCM16ToFloat32Into(dst []float32, pcm []byte) int {
	n := min(len(pcm)/2, len(dst))
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		dst[i] = float32(s) / 32768.0
	}
	return n
}
