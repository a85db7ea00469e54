package codec

import (
	"fmt"
)

// SampleResampler converts a stream of mono 16-bit samples from one rate to
// another, one chunk at a time.
type SampleResampler interface {
	Process(in []int16) ([]int16, error)
}

// Resampler is a linear-interpolation resampler that keeps its phase across
// chunks. Positions are tracked as exact integer fractions, so no error
// accumulates however a stream is split into chunks.
//
// An output position that falls between the last sample of a chunk and the
// first sample of the next is held back and emitted by the next Process call,
// interpolated across the boundary. Output therefore trails
// round(totalIn * dst / src) by at most ceil(dst / src) samples until Flush.
//
// A Resampler is not safe for concurrent use.
type Resampler struct {
	srcRate  int64
	dstRate  int64
	inTotal  int64
	outTotal int64
	prev     int16
}

// NewResampler creates a linear resampler from srcRate to dstRate.
func NewResampler(srcRate, dstRate int) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("codec: invalid sample rates: from=%d, to=%d", srcRate, dstRate)
	}
	return &Resampler{srcRate: int64(srcRate), dstRate: int64(dstRate)}, nil
}

// Process resamples the next chunk of the stream. It never fails; the error
// satisfies SampleResampler.
func (r *Resampler) Process(in []int16) ([]int16, error) {
	return r.process(in), nil
}

func (r *Resampler) process(in []int16) []int16 {
	n := int64(len(in))
	if n == 0 {
		return []int16{}
	}

	newIn := r.inTotal + n
	target := roundDiv(newIn*r.dstRate, r.srcRate)
	out := make([]int16, 0, max(target-r.outTotal, 0))

	pos := r.outTotal
	for ; pos < target; pos++ {
		num := pos * r.srcRate
		idx := num / r.dstRate
		rem := num % r.dstRate
		if rem != 0 && idx+1 >= newIn {
			// Needs the first sample of the next chunk.
			break
		}

		s0 := int64(r.sampleAt(in, idx-r.inTotal))
		s1 := s0
		if rem != 0 {
			s1 = int64(r.sampleAt(in, idx+1-r.inTotal))
		}
		out = append(out, int16(s0+(s1-s0)*rem/r.dstRate))
	}

	r.inTotal = newIn
	r.outTotal = pos
	r.prev = in[n-1]
	return out
}

// Flush emits the positions still waiting for input past the end of the
// stream, holding the final sample. After Flush the total output length is
// round(totalIn * dst / src).
func (r *Resampler) Flush() []int16 {
	target := roundDiv(r.inTotal*r.dstRate, r.srcRate)
	if target <= r.outTotal {
		return nil
	}
	out := make([]int16, target-r.outTotal)
	for i := range out {
		out[i] = r.prev
	}
	r.outTotal = target
	return out
}

// sampleAt returns the sample at chunk-relative index i. Index -1 resolves to
// the last sample of the previous chunk; indices past the end hold the final
// sample.
func (r *Resampler) sampleAt(in []int16, i int64) int16 {
	switch {
	case i < 0:
		return r.prev
	case i >= int64(len(in)):
		return in[len(in)-1]
	default:
		return in[i]
	}
}

// Resample converts a complete sample sequence from srcRate to dstRate using
// linear interpolation. The output has round(len(samples) * dstRate / srcRate)
// samples.
func Resample(samples []int16, srcRate, dstRate int) ([]int16, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("codec: invalid sample rates: from=%d, to=%d", srcRate, dstRate)
	}
	return resampleOnce(samples, srcRate, dstRate), nil
}

// resampleOnce resamples a complete sequence. Rates must be positive.
func resampleOnce(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate == dstRate {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	}
	r := &Resampler{srcRate: int64(srcRate), dstRate: int64(dstRate)}
	return append(r.process(samples), r.Flush()...)
}

// roundDiv returns num/den rounded half up, for non-negative operands.
func roundDiv(num, den int64) int64 {
	return (2*num + den) / (2 * den)
}
