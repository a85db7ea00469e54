// Package codec converts call audio between G.711 μ-law at 8kHz and linear
// 16-bit PCM at arbitrary sample rates.
//
// All functions are pure. The only stateful types are Resampler and
// Converter, which carry the interpolation phase from one chunk to the next
// so that a call's audio does not drift.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/zaf/g711"
)

// ErrMalformedAudio is returned when a payload cannot be interpreted as the
// expected codec input, e.g. a linear PCM buffer with an odd byte length.
// Callers drop the offending frame and keep the session alive.
var ErrMalformedAudio = errors.New("codec: malformed audio")

// bytesPerSample is the width of a linear PCM sample on the wire.
const bytesPerSample = 2

// DecodeMulaw expands μ-law bytes into linear 16-bit samples, one sample per byte.
func DecodeMulaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = g711.DecodeUlawFrame(b)
	}
	return out
}

// EncodeMulaw compands linear 16-bit samples into μ-law, one byte per sample.
func EncodeMulaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		// g711 negates negative samples before clipping.
		if s == math.MinInt16 {
			s = -math.MaxInt16
		}
		out[i] = g711.EncodeUlawFrame(s)
	}
	return out
}

// PCM16FromBytes interprets data as little-endian signed 16-bit samples.
func PCM16FromBytes(data []byte) ([]int16, error) {
	if len(data)%bytesPerSample != 0 {
		return nil, fmt.Errorf("%w: pcm16 buffer length %d is not a multiple of %d",
			ErrMalformedAudio, len(data), bytesPerSample)
	}
	out := make([]int16, len(data)/bytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*bytesPerSample:])) //nolint:gosec // PCM16 reinterpretation
	}
	return out, nil
}

// PCM16ToBytes serializes samples as little-endian signed 16-bit PCM.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(s)) //nolint:gosec // PCM16 reinterpretation
	}
	return out
}
