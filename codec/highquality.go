package codec

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Quality selects the resampling algorithm used by a Converter.
type Quality string

const (
	// QualityLinear is the phase-continuous linear Resampler. It is the default.
	QualityLinear Quality = "linear"

	// QualityHigh is a polyphase resampler with anti-aliasing. Its output
	// length per chunk depends on the filter delay.
	QualityHigh Quality = "high"
)

// ParseQuality maps a config value to a Quality. Empty selects QualityLinear.
func ParseQuality(s string) (Quality, error) {
	switch Quality(s) {
	case "", QualityLinear:
		return QualityLinear, nil
	case QualityHigh:
		return QualityHigh, nil
	default:
		return "", fmt.Errorf("codec: unknown resampler quality %q", s)
	}
}

// highQualityResampler adapts go-audio-resampling to SampleResampler.
type highQualityResampler struct {
	r resampling.Resampler
}

// NewHighQualityResampler creates a mono polyphase resampler from srcRate to dstRate.
func NewHighQualityResampler(srcRate, dstRate int) (SampleResampler, error) {
	config := &resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	}
	r, err := resampling.New(config)
	if err != nil {
		return nil, fmt.Errorf("codec: failed to create resampler: %w", err)
	}
	return &highQualityResampler{r: r}, nil
}

// Process resamples the next chunk of the stream.
func (h *highQualityResampler) Process(in []int16) ([]int16, error) {
	input := make([]float64, len(in))
	for i, s := range in {
		input[i] = float64(s) / 32768.0
	}

	output, err := h.r.Process(input)
	if err != nil {
		return nil, fmt.Errorf("codec: resample error: %w", err)
	}

	out := make([]int16, len(output))
	for i, s := range output {
		switch {
		case s >= 1.0:
			out[i] = 32767
		case s < -1.0:
			out[i] = -32768
		default:
			out[i] = int16(s * 32767.0)
		}
	}
	return out, nil
}
