package codec

import (
	"math"
	"math/bits"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quantStep is the μ-law quantization step for the segment holding x.
func quantStep(x int16) int {
	v := int(x)
	if v < 0 {
		v = -v
	}
	if v > 32635 {
		v = 32635
	}
	v += 0x84
	seg := bits.Len(uint(v)) - 8
	return 1 << (seg + 3)
}

func TestMulawRoundTripWithinOneStep(t *testing.T) {
	for x := math.MinInt16; x <= math.MaxInt16; x++ {
		in := int16(x)
		out := DecodeMulaw(EncodeMulaw([]int16{in}))[0]

		diff := int(in) - int(out)
		if diff < 0 {
			diff = -diff
		}
		if diff > quantStep(in) {
			t.Fatalf("sample %d decoded to %d: error %d exceeds step %d", in, out, diff, quantStep(in))
		}
	}
}

func TestMulawLengths(t *testing.T) {
	assert.Len(t, DecodeMulaw(make([]byte, 160)), 160)
	assert.Len(t, EncodeMulaw(make([]int16, 33)), 33)
	assert.Empty(t, DecodeMulaw(nil))
}

func TestMulawSilence(t *testing.T) {
	assert.Equal(t, []int16{0}, DecodeMulaw([]byte{0xFF}))
}

func TestPCM16FromBytes_OddLength(t *testing.T) {
	_, err := PCM16FromBytes(make([]byte, 101))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedAudio)
}

func TestPCM16BytesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	got, err := PCM16FromBytes(PCM16ToBytes(in))
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestResample_LengthLaw(t *testing.T) {
	pairs := [][2]int{{8000, 16000}, {16000, 8000}}
	for _, p := range pairs {
		for n := 0; n <= 500; n++ {
			out, err := Resample(make([]int16, n), p[0], p[1])
			require.NoError(t, err)

			want := int(math.Round(float64(n) * float64(p[1]) / float64(p[0])))
			if len(out) != want {
				t.Fatalf("%d->%d n=%d: got %d samples, want %d", p[0], p[1], n, len(out), want)
			}
		}
	}
}

func TestResample_Interpolation(t *testing.T) {
	up, err := Resample([]int16{0, 100, 200}, 8000, 16000)
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 50, 100, 150, 200, 200}, up)

	down, err := Resample([]int16{0, 10, 20, 30}, 16000, 8000)
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 20}, down)
}

func TestResample_InvalidRates(t *testing.T) {
	_, err := Resample([]int16{1, 2}, 0, 16000)
	assert.Error(t, err)

	_, err = NewResampler(8000, -1)
	assert.Error(t, err)
}

func TestResampler_ChunkedMatchesOneShot(t *testing.T) {
	all := []int16{0, 10, 20, 30, 40, 50, 60, 70}

	r, err := NewResampler(16000, 8000)
	require.NoError(t, err)

	var got []int16
	for _, chunk := range [][]int16{all[:5], all[5:6], all[6:]} {
		out, err := r.Process(chunk)
		require.NoError(t, err)
		got = append(got, out...)
	}

	want, err := Resample(all, 16000, 8000)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, []int16{0, 20, 40, 60}, got)
}

func TestResampler_ChunkedUpsampleMatchesOneShot(t *testing.T) {
	all := make([]int16, 320)
	for i := range all {
		all[i] = int16(i * 100)
	}

	r, err := NewResampler(8000, 16000)
	require.NoError(t, err)

	first, err := r.Process(all[:160])
	require.NoError(t, err)
	assert.Len(t, first, 319)

	second, err := r.Process(all[160:])
	require.NoError(t, err)
	got := append(append(first, second...), r.Flush()...)

	want, err := Resample(all, 8000, 16000)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, []int16{15900, 15950, 16000}, got[318:321])
}

func TestResampler_FlushHoldsLastSample(t *testing.T) {
	r, err := NewResampler(8000, 16000)
	require.NoError(t, err)

	out, err := r.Process([]int16{0, 100})
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 50, 100}, out)
	assert.Equal(t, []int16{100}, r.Flush())
	assert.Empty(t, r.Flush())
}

func TestResampler_BoundedDrift(t *testing.T) {
	sizes := []int{161, 159, 7, 1, 320, 333, 2, 99}
	for _, rates := range [][2]int{{16000, 8000}, {8000, 16000}, {24000, 8000}, {8000, 22050}} {
		r, err := NewResampler(rates[0], rates[1])
		require.NoError(t, err)

		ratio := float64(rates[1]) / float64(rates[0])
		lag := math.Max(0.5, ratio)

		totalIn, totalOut := 0, 0
		for i := 0; i < 200; i++ {
			n := sizes[i%len(sizes)]
			out, err := r.Process(make([]int16, n))
			require.NoError(t, err)
			totalIn += n
			totalOut += len(out)

			ideal := float64(totalIn) * ratio
			assert.LessOrEqual(t, float64(totalOut)-ideal, 0.5,
				"%d->%d ran ahead after %d samples", rates[0], rates[1], totalIn)
			assert.Less(t, ideal-float64(totalOut), lag+1e-9,
				"%d->%d fell behind after %d samples", rates[0], rates[1], totalIn)
		}

		totalOut += len(r.Flush())
		assert.Equal(t, int(math.Round(float64(totalIn)*ratio)), totalOut)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		want    Format
		wantErr bool
	}{
		{name: "ulaw_8000", want: Mulaw8k},
		{name: "pcm_16000", want: PCM16k},
		{name: "pcm_44100", want: Format{Encoding: EncodingPCM, SampleRate: 44100}},
		{name: "mp3_44100_128", wantErr: true},
		{name: "pcm", wantErr: true},
		{name: "opus_48000", wantErr: true},
		{name: "pcm_0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFormat(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.name, got.String())
		})
	}
}

func TestParseQuality(t *testing.T) {
	q, err := ParseQuality("")
	require.NoError(t, err)
	assert.Equal(t, QualityLinear, q)

	q, err = ParseQuality("high")
	require.NoError(t, err)
	assert.Equal(t, QualityHigh, q)

	_, err = ParseQuality("ultra")
	assert.Error(t, err)
}

func TestConverter_Passthrough(t *testing.T) {
	c, err := NewConverter(Mulaw8k, Mulaw8k, QualityLinear)
	require.NoError(t, err)
	assert.True(t, c.Passthrough())

	in := []byte{1, 2, 3}
	out, err := c.Convert(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestConverter_MulawToPCM16k(t *testing.T) {
	c, err := NewConverter(Mulaw8k, PCM16k, QualityLinear)
	require.NoError(t, err)

	in := EncodeMulaw(make([]int16, 160))
	out, err := c.Convert(in)
	require.NoError(t, err)
	assert.Len(t, out, 319*2)
	assert.Equal(t, MulawToPCM16k(in)[:319*2], out)

	// The held-back position is emitted with the next chunk.
	out, err = c.Convert(in)
	require.NoError(t, err)
	assert.Len(t, out, 320*2)
}

func TestConverter_PCM16kToMulaw(t *testing.T) {
	c, err := NewConverter(PCM16k, Mulaw8k, QualityLinear)
	require.NoError(t, err)

	in := PCM16ToBytes(make([]int16, 320))
	out, err := c.Convert(in)
	require.NoError(t, err)
	assert.Len(t, out, 160)

	direct, err := PCM16kToMulaw(in)
	require.NoError(t, err)
	assert.Equal(t, direct, out)
}

func TestConverter_MalformedDoesNotAdvancePhase(t *testing.T) {
	c, err := NewConverter(PCM16k, Mulaw8k, QualityLinear)
	require.NoError(t, err)

	_, err = c.Convert(make([]byte, 3))
	assert.ErrorIs(t, err, ErrMalformedAudio)

	out, err := c.Convert(PCM16ToBytes(make([]int16, 2)))
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestPCM16kToMulaw_Malformed(t *testing.T) {
	_, err := PCM16kToMulaw([]byte{1})
	assert.ErrorIs(t, err, ErrMalformedAudio)
}

func TestHighQualityResampler(t *testing.T) {
	r, err := NewHighQualityResampler(16000, 8000)
	require.NoError(t, err)

	_, err = r.Process(make([]int16, 320))
	assert.NoError(t, err)
}
