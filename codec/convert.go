package codec

import (
	"fmt"
)

// Converter transcodes one direction of a call from src to dst. It holds the
// resampler phase for that direction and must not be shared between streams.
type Converter struct {
	src Format
	dst Format
	rs  SampleResampler
}

// NewConverter builds a converter between two formats. No resampler is
// allocated when the sample rates match.
func NewConverter(src, dst Format, quality Quality) (*Converter, error) {
	c := &Converter{src: src, dst: dst}
	if src.SampleRate == dst.SampleRate {
		return c, nil
	}

	var err error
	switch quality {
	case QualityHigh:
		c.rs, err = NewHighQualityResampler(src.SampleRate, dst.SampleRate)
	default:
		c.rs, err = NewResampler(src.SampleRate, dst.SampleRate)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Src returns the input format.
func (c *Converter) Src() Format { return c.src }

// Dst returns the output format.
func (c *Converter) Dst() Format { return c.dst }

// Passthrough reports whether Convert returns its input unchanged.
func (c *Converter) Passthrough() bool { return c.src == c.dst }

// Convert transcodes the next chunk. Malformed input returns an error wrapping
// ErrMalformedAudio and leaves the resampler phase untouched.
func (c *Converter) Convert(data []byte) ([]byte, error) {
	if c.Passthrough() {
		return data, nil
	}

	var samples []int16
	switch c.src.Encoding {
	case EncodingMulaw:
		samples = DecodeMulaw(data)
	case EncodingPCM:
		var err error
		if samples, err = PCM16FromBytes(data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unsupported source encoding %q", ErrMalformedAudio, c.src.Encoding)
	}

	if c.rs != nil {
		var err error
		if samples, err = c.rs.Process(samples); err != nil {
			return nil, err
		}
	}

	if c.dst.Encoding == EncodingMulaw {
		return EncodeMulaw(samples), nil
	}
	return PCM16ToBytes(samples), nil
}

// MulawToPCM16k decodes 8kHz μ-law and upsamples it to 16kHz linear PCM bytes.
// It is the stateless one-shot form of a Mulaw8k to PCM16k Converter: every
// call starts a fresh phase and the final sample is held at the end.
func MulawToPCM16k(data []byte) []byte {
	return PCM16ToBytes(resampleOnce(DecodeMulaw(data), Mulaw8k.SampleRate, PCM16k.SampleRate))
}

// PCM16kToMulaw downsamples 16kHz linear PCM bytes to 8kHz and compands them to
// μ-law. Like MulawToPCM16k it is the stateless one-shot form of a Converter.
func PCM16kToMulaw(data []byte) ([]byte, error) {
	samples, err := PCM16FromBytes(data)
	if err != nil {
		return nil, err
	}
	return EncodeMulaw(resampleOnce(samples, PCM16k.SampleRate, Mulaw8k.SampleRate)), nil
}
