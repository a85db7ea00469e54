// Package bridge relays real-time call audio between Twilio Media Streams and an
// ElevenLabs Conversational AI agent.
//
// The relay is made of small packages:
//   - codec: G.711 u-law companding and sample-rate conversion
//   - transport: the Twilio Media Streams connection adapter
//   - agent: the ElevenLabs Conversational AI connection adapter
//   - session: the per-call state machine and the process-wide session registry
//   - twiml, callsystem: the webhook and call-origination collaborators
//
// # Environment Variables
//
//	TWILIO_ACCOUNT_SID  - Your Twilio Account SID
//	TWILIO_AUTH_TOKEN   - Your Twilio Auth Token
//	TWILIO_PHONE_NUMBER - Caller ID used for outbound calls
//	ELEVENLABS_AGENT_ID - Conversational AI agent ID
//	ELEVENLABS_API_KEY  - ElevenLabs API key
//
// # Quick Start
//
//	omnivoice-bridge serve --config bridge.yaml
//	omnivoice-bridge call +15551234567
package bridge

// Version is the relay version.
const Version = "0.1.0"

// Provider names used in logs and metrics labels.
const (
	ProviderTwilio     = "twilio"
	ProviderElevenLabs = "elevenlabs"
)

// Twilio API constants.
const (
	// DefaultAPIBaseURL is the Twilio REST API base URL.
	DefaultAPIBaseURL = "https://api.twilio.com/2010-04-01"

	// DefaultMediaPath is the HTTP path Twilio opens the Media Stream WebSocket on.
	DefaultMediaPath = "/media-stream"

	// DefaultVoicePath is the webhook path returning call-control TwiML.
	DefaultVoicePath = "/voice"
)

// ElevenLabs API constants.
const (
	// DefaultAgentURL is the Conversational AI WebSocket endpoint.
	DefaultAgentURL = "wss://api.elevenlabs.io/v1/convai/conversation"

	// APIKeyHeader carries the ElevenLabs API key on the WebSocket handshake.
	APIKeyHeader = "xi-api-key"
)

// Audio constants for Media Streams.
const (
	// AudioEncodingMulaw is the μ-law encoding Twilio uses on Media Streams (8-bit, 8kHz).
	AudioEncodingMulaw = "audio/x-mulaw"

	// TelephonySampleRate is the sample rate of Twilio Media Streams audio.
	TelephonySampleRate = 8000
)
