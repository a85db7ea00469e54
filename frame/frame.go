// Package frame defines the units of data exchanged with the telephony and
// agent connections, and the adapter contract both connections implement.
package frame

import (
	"errors"
	"fmt"
)

// Adapter errors.
var (
	// ErrConnectionClosed is returned by Send on an adapter that is not open.
	// Callers tear the session down rather than retry.
	ErrConnectionClosed = errors.New("frame: connection closed")

	// ErrUpstreamProtocol reports a protocol-level failure of the remote side.
	ErrUpstreamProtocol = errors.New("frame: upstream protocol error")

	// ErrHandlerRegistered is returned when a second handler is registered.
	ErrHandlerRegistered = errors.New("frame: handler already registered")

	// ErrUnsupportedFrame is returned when an adapter cannot serialize a frame.
	ErrUnsupportedFrame = errors.New("frame: unsupported frame")
)

// Kind names a control event.
type Kind string

// Telephony control events.
const (
	KindConnected Kind = "connected"
	KindStart     Kind = "start"
	KindStop      Kind = "stop"
	KindMark      Kind = "mark"
	KindDTMF      Kind = "dtmf"
	KindClear     Kind = "clear"
)

// Agent control events.
const (
	KindReady         Kind = "ready"
	KindTranscript    Kind = "user_transcript"
	KindAgentResponse Kind = "agent_response"
	KindInterruption  Kind = "interruption"
)

// Well-known control fields.
const (
	FieldStreamSID      = "streamSid"
	FieldCallSID        = "callSid"
	FieldAccountSID     = "accountSid"
	FieldEncoding       = "encoding"
	FieldSampleRate     = "sampleRate"
	FieldName           = "name"
	FieldDigit          = "digit"
	FieldText           = "text"
	FieldConversationID = "conversation_id"
	FieldInputFormat    = "user_input_audio_format"
	FieldOutputFormat   = "agent_output_audio_format"
)

// Frame is either a Control or an Audio value.
type Frame interface {
	frame()
}

// Control is a control event. Fields carry the event's scalar attributes and
// Params the provider's free-form custom parameters, if any.
type Control struct {
	Kind   Kind
	Fields map[string]string
	Params map[string]string
}

func (Control) frame() {}

// Field returns a field value or "".
func (c Control) Field(name string) string {
	return c.Fields[name]
}

func (c Control) String() string {
	return fmt.Sprintf("control(%s)", c.Kind)
}

// Audio is one chunk of encoded audio. The encoding is implied by the side of
// the connection the chunk travels on. Seq is informational.
type Audio struct {
	Payload []byte
	Seq     int64
}

func (Audio) frame() {}

func (a Audio) String() string {
	return fmt.Sprintf("audio(%d bytes)", len(a.Payload))
}

// Adapter is the uniform surface over one external stream.
//
// OnFrame registers the single consumer of inbound frames; frames are
// delivered in arrival order. OnClosed fires exactly once, with nil on a
// graceful close or the failure otherwise; registering it after the fact
// fires it immediately. Close is idempotent.
type Adapter interface {
	Send(f Frame) error
	OnFrame(handler func(Frame)) error
	OnClosed(handler func(error)) error
	Close() error
}
