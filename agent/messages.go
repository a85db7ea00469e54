package agent

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentplexus/omnivoice-bridge/codec"
	"github.com/agentplexus/omnivoice-bridge/frame"
)

// errIgnoredMessage is returned by toFrame for message types the bridge does not use.
var errIgnoredMessage = errors.New("agent: ignored message")

// Outbound message types.
const (
	typeInitiation = "conversation_initiation_client_data"
	typePong       = "pong"
)

// Inbound message types.
const (
	typeMetadata      = "conversation_initiation_metadata"
	typeAudio         = "audio"
	typeTranscript    = "user_transcript"
	typeAgentResponse = "agent_response"
	typeInterruption  = "interruption"
	typePing          = "ping"
)

type initiationMessage struct {
	Type             string            `json:"type"`
	ConfigOverride   *configOverride   `json:"conversation_config_override,omitempty"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

type configOverride struct {
	Agent *agentOverride `json:"agent,omitempty"`
	Audio *audioOverride `json:"audio,omitempty"`
	TTS   *ttsOverride   `json:"tts,omitempty"`
}

type agentOverride struct {
	Language string `json:"language,omitempty"`
}

type audioOverride struct {
	InputFormat  string `json:"input_format"`
	OutputFormat string `json:"output_format"`
}

type ttsOverride struct {
	OutputFormat string `json:"output_format"`
}

type userAudioMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

type serverMessage struct {
	Type string `json:"type"`

	Metadata *struct {
		ConversationID    string `json:"conversation_id"`
		AgentOutputFormat string `json:"agent_output_audio_format"`
		UserInputFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	Audio *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int64  `json:"event_id"`
	} `json:"audio_event,omitempty"`

	Transcript *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	AgentResponse *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	Interruption *struct {
		EventID int64 `json:"event_id"`
	} `json:"interruption_event,omitempty"`

	Ping *struct {
		EventID int64 `json:"event_id"`
		PingMs  int64 `json:"ping_ms"`
	} `json:"ping_event,omitempty"`
}

// newInitiation builds the first message sent after the handshake. An empty
// audioFormat leaves format negotiation to the agent's own configuration.
func newInitiation(audioFormat, language string, vars map[string]string) initiationMessage {
	msg := initiationMessage{Type: typeInitiation}
	if len(vars) > 0 {
		msg.DynamicVariables = vars
	}
	if audioFormat == "" && language == "" {
		return msg
	}

	override := &configOverride{}
	if audioFormat != "" {
		override.Audio = &audioOverride{InputFormat: audioFormat, OutputFormat: audioFormat}
		override.TTS = &ttsOverride{OutputFormat: audioFormat}
	}
	if language != "" {
		override.Agent = &agentOverride{Language: language}
	}
	msg.ConfigOverride = override
	return msg
}

func decodeServerMessage(data []byte) (serverMessage, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("agent: decode message: %w", err)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("agent: message without type")
	}
	return msg, nil
}

// toFrame converts an inbound message into a frame.
func (m serverMessage) toFrame() (frame.Frame, error) {
	switch m.Type {
	case typeMetadata:
		if m.Metadata == nil {
			return nil, fmt.Errorf("agent: %s without event payload", m.Type)
		}
		return frame.Control{
			Kind: frame.KindReady,
			Fields: map[string]string{
				frame.FieldConversationID: m.Metadata.ConversationID,
				frame.FieldInputFormat:    m.Metadata.UserInputFormat,
				frame.FieldOutputFormat:   m.Metadata.AgentOutputFormat,
			},
		}, nil

	case typeAudio:
		if m.Audio == nil {
			return nil, fmt.Errorf("agent: %s without event payload", m.Type)
		}
		audio, err := base64.StdEncoding.DecodeString(m.Audio.AudioBase64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", codec.ErrMalformedAudio, err)
		}
		return frame.Audio{Payload: audio, Seq: m.Audio.EventID}, nil

	case typeTranscript:
		text := ""
		if m.Transcript != nil {
			text = m.Transcript.UserTranscript
		}
		return frame.Control{Kind: frame.KindTranscript, Fields: map[string]string{frame.FieldText: text}}, nil

	case typeAgentResponse:
		text := ""
		if m.AgentResponse != nil {
			text = m.AgentResponse.AgentResponse
		}
		return frame.Control{Kind: frame.KindAgentResponse, Fields: map[string]string{frame.FieldText: text}}, nil

	case typeInterruption:
		return frame.Control{Kind: frame.KindInterruption}, nil
	}

	return nil, fmt.Errorf("%w: %q", errIgnoredMessage, m.Type)
}

// encodeFrame serializes an outbound frame. Only audio is sent to the agent.
func encodeFrame(f frame.Frame) ([]byte, error) {
	a, ok := f.(frame.Audio)
	if !ok {
		return nil, fmt.Errorf("%w: %v", frame.ErrUnsupportedFrame, f)
	}
	return json.Marshal(userAudioMessage{UserAudioChunk: base64.StdEncoding.EncodeToString(a.Payload)})
}
