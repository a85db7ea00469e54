package codec

import (
	"fmt"
	"strconv"
	"strings"

	bridge "github.com/agentplexus/omnivoice-bridge"
)

// Encoding is the sample encoding of an audio format.
type Encoding string

const (
	EncodingMulaw Encoding = "ulaw"
	EncodingPCM   Encoding = "pcm"
)

// Format is a mono audio format as named by the agent protocol, e.g. "pcm_16000".
type Format struct {
	Encoding   Encoding
	SampleRate int
}

// Well-known formats.
var (
	// Mulaw8k is the Twilio Media Streams format.
	Mulaw8k = Format{Encoding: EncodingMulaw, SampleRate: bridge.TelephonySampleRate}

	// PCM16k is linear 16-bit PCM at 16kHz.
	PCM16k = Format{Encoding: EncodingPCM, SampleRate: 16000}
)

// ParseFormat parses names such as "ulaw_8000" or "pcm_24000".
func ParseFormat(name string) (Format, error) {
	i := strings.LastIndexByte(name, '_')
	if i <= 0 {
		return Format{}, fmt.Errorf("codec: unknown audio format %q", name)
	}

	rate, err := strconv.Atoi(name[i+1:])
	if err != nil || rate <= 0 {
		return Format{}, fmt.Errorf("codec: invalid sample rate in audio format %q", name)
	}

	var enc Encoding
	switch name[:i] {
	case "ulaw", "mulaw":
		enc = EncodingMulaw
	case "pcm":
		enc = EncodingPCM
	default:
		return Format{}, fmt.Errorf("codec: unsupported encoding in audio format %q", name)
	}

	return Format{Encoding: enc, SampleRate: rate}, nil
}

// String returns the protocol name of the format.
func (f Format) String() string {
	return fmt.Sprintf("%s_%d", f.Encoding, f.SampleRate)
}
