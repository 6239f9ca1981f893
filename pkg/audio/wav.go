package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFormat reports a malformed or unsupported audio payload. Decode errors
// wrap it so callers can distinguish format problems from I/O failures with
// errors.Is.
var ErrFormat = errors.New("audio: malformed or unsupported format")

const wavHeaderSize = 44

// EncodeWAV wraps interleaved samples in a canonical RIFF/WAVE container with
// a 44-byte header, audio format 1 (PCM) and 16 bits per sample.
func EncodeWAV(samples []float32, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: encode wav: sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("audio: encode wav: channel count must be positive, got %d", channels)
	}

	dataSize := len(samples) * 2
	out := make([]byte, wavHeaderSize+dataSize)

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataSize))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)        // fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)         // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	byteRate := sampleRate * channels * 2
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(channels*2)) // block align
	binary.LittleEndian.PutUint16(out[34:36], 16)                 // bits per sample

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataSize))

	Float32ToPCM16Into(out[wavHeaderSize:], samples)
	return out, nil
}

// DecodeWAV parses a RIFF/WAVE container and returns its interleaved samples,
// sample rate and channel count. Chunks other than "fmt " and "data" are
// skipped by their declared size, so containers with LIST/INFO metadata
// decode fine. Returns an error wrapping [ErrFormat] if the RIFF/WAVE magic
// is absent, the audio format is not PCM, or the bit depth is not 16.
func DecodeWAV(data []byte) (samples []float32, sampleRate, channels int, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("%w: missing RIFF/WAVE magic", ErrFormat)
	}

	var (
		haveFmt  bool
		haveData bool
		pcm      []byte
	)

	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			return nil, 0, 0, fmt.Errorf("%w: chunk %q overruns container", ErrFormat, id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, fmt.Errorf("%w: fmt chunk too short", ErrFormat)
			}
			audioFormat := binary.LittleEndian.Uint16(data[body : body+2])
			if audioFormat != 1 {
				return nil, 0, 0, fmt.Errorf("%w: audio format %d (want PCM)", ErrFormat, audioFormat)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if bits != 16 {
				return nil, 0, 0, fmt.Errorf("%w: %d bits per sample (want 16)", ErrFormat, bits)
			}
			haveFmt = true

		case "data":
			pcm = data[body : body+size]
			haveData = true
		}

		// Chunk bodies are word-aligned; odd sizes carry a pad byte.
		pos = body + size + size%2
	}

	if !haveFmt || !haveData {
		return nil, 0, 0, fmt.Errorf("%w: missing fmt or data chunk", ErrFormat)
	}
	if channels <= 0 || sampleRate <= 0 {
		return nil, 0, 0, fmt.Errorf("%w: fmt declares %d channels at %d Hz", ErrFormat, channels, sampleRate)
	}

	return PCM16ToFloat32(pcm), sampleRate, channels, nil
}

// ByteFormat identifies the container format of an audio payload.
type ByteFormat int

const (
	// FormatUnknown means the payload matched no known magic bytes.
	FormatUnknown ByteFormat = iota

	// FormatWAV is a RIFF/WAVE container.
	FormatWAV

	// FormatMP3 is an MPEG audio stream (ID3-tagged or bare frame sync).
	FormatMP3
)

// String returns the human-readable name of the format.
func (f ByteFormat) String() string {
	switch f {
	case FormatWAV:
		return "WAV"
	case FormatMP3:
		return "MP3"
	default:
		return "UNKNOWN"
	}
}

// DetectFormat sniffs the container format from the leading magic bytes
// rather than trusting any declared content type. RIFF maps to WAV; an ID3
// tag or an MPEG frame sync (0xFF 0xEx/0xFx) maps to MP3.
func DetectFormat(data []byte) ByteFormat {
	if len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		return FormatWAV
	}
	if len(data) >= 3 && string(data[0:3]) == "ID3" {
		return FormatMP3
	}
	if len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0 {
		return FormatMP3
	}
	return FormatUnknown
}
