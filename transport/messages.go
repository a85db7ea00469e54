package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/agentplexus/omnivoice-bridge/codec"
	"github.com/agentplexus/omnivoice-bridge/frame"
)

// errIgnoredEvent is returned by parseMessage for events the bridge does not use.
var errIgnoredEvent = errors.New("transport: ignored event")

// Twilio Media Streams message types.
type mediaMessage struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
	Start          *startMessage `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markMessage  `json:"mark,omitempty"`
	Stop           *stopMessage  `json:"stop,omitempty"`
	DTMF           *dtmfMessage  `json:"dtmf,omitempty"`
}

type startMessage struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64 μ-law
}

type markMessage struct {
	Name string `json:"name"`
}

type stopMessage struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type dtmfMessage struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// parseMessage converts one inbound text message into a frame.
func parseMessage(data []byte) (frame.Frame, error) {
	var msg mediaMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("transport: decode message: %w", err)
	}

	switch msg.Event {
	case "connected":
		return frame.Control{
			Kind:   frame.KindConnected,
			Fields: map[string]string{"protocol": msg.Protocol, "version": msg.Version},
		}, nil

	case "start":
		if msg.Start == nil {
			return nil, fmt.Errorf("transport: start event without start payload")
		}
		streamSID := msg.Start.StreamSID
		if streamSID == "" {
			streamSID = msg.StreamSID
		}
		if streamSID == "" {
			return nil, fmt.Errorf("transport: start event without streamSid")
		}
		return frame.Control{
			Kind: frame.KindStart,
			Fields: map[string]string{
				frame.FieldStreamSID:  streamSID,
				frame.FieldCallSID:    msg.Start.CallSID,
				frame.FieldAccountSID: msg.Start.AccountSID,
				frame.FieldEncoding:   msg.Start.MediaFormat.Encoding,
				frame.FieldSampleRate: strconv.Itoa(msg.Start.MediaFormat.SampleRate),
			},
			Params: msg.Start.CustomParams,
		}, nil

	case "media":
		if msg.Media == nil {
			return nil, fmt.Errorf("transport: media event without media payload")
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", codec.ErrMalformedAudio, err)
		}
		seq, _ := strconv.ParseInt(msg.Media.Chunk, 10, 64)
		return frame.Audio{Payload: audio, Seq: seq}, nil

	case "stop":
		fields := map[string]string{frame.FieldStreamSID: msg.StreamSID}
		if msg.Stop != nil {
			fields[frame.FieldCallSID] = msg.Stop.CallSID
			fields[frame.FieldAccountSID] = msg.Stop.AccountSID
		}
		return frame.Control{Kind: frame.KindStop, Fields: fields}, nil

	case "mark":
		name := ""
		if msg.Mark != nil {
			name = msg.Mark.Name
		}
		return frame.Control{
			Kind:   frame.KindMark,
			Fields: map[string]string{frame.FieldStreamSID: msg.StreamSID, frame.FieldName: name},
		}, nil

	case "dtmf":
		if msg.DTMF == nil {
			return nil, fmt.Errorf("transport: dtmf event without dtmf payload")
		}
		return frame.Control{
			Kind:   frame.KindDTMF,
			Fields: map[string]string{frame.FieldStreamSID: msg.StreamSID, frame.FieldDigit: msg.DTMF.Digit},
		}, nil
	}

	return nil, fmt.Errorf("%w: %q", errIgnoredEvent, msg.Event)
}

// encodeFrame serializes an outbound frame for the stream identified by streamSID.
func encodeFrame(streamSID string, f frame.Frame) ([]byte, error) {
	var msg mediaMessage
	switch v := f.(type) {
	case frame.Audio:
		msg = mediaMessage{
			Event:     "media",
			StreamSID: streamSID,
			Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(v.Payload)},
		}
	case frame.Control:
		switch v.Kind {
		case frame.KindMark:
			msg = mediaMessage{Event: "mark", StreamSID: streamSID, Mark: &markMessage{Name: v.Field(frame.FieldName)}}
		case frame.KindClear:
			msg = mediaMessage{Event: "clear", StreamSID: streamSID}
		default:
			return nil, fmt.Errorf("%w: %s", frame.ErrUnsupportedFrame, v)
		}
	default:
		return nil, fmt.Errorf("%w: %T", frame.ErrUnsupportedFrame, f)
	}
	return json.Marshal(msg)
}
