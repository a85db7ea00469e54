package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/omnivoice-bridge/frame"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

type handshake struct {
	agentID string
	apiKey  string
}

// fakeAgent is a Conversational AI endpoint that records what it receives.
type fakeAgent struct {
	srv        *httptest.Server
	handshakes chan handshake
	conns      chan *websocket.Conn
	received   chan []byte
	pings      chan struct{}
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()

	fa := &fakeAgent{
		handshakes: make(chan handshake, 1),
		conns:      make(chan *websocket.Conn, 1),
		received:   make(chan []byte, 32),
		pings:      make(chan struct{}, 32),
	}
	fa.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fa.handshakes <- handshake{agentID: r.URL.Query().Get("agent_id"), apiKey: r.Header.Get("xi-api-key")}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.SetPingHandler(func(data string) error {
			select {
			case fa.pings <- struct{}{}:
			default:
			}
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
		fa.conns <- conn

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fa.received <- data
		}
	}))
	t.Cleanup(fa.srv.Close)
	return fa
}

func (fa *fakeAgent) url() string {
	return "ws" + strings.TrimPrefix(fa.srv.URL, "http")
}

func (fa *fakeAgent) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fa.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("agent connection not accepted")
		return nil
	}
}

func (fa *fakeAgent) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-fa.received:
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("agent received nothing")
		return nil
	}
}

func dial(t *testing.T, fa *fakeAgent, cfg Config, vars map[string]string) *Conn {
	t.Helper()
	cfg.URL = fa.url()
	if cfg.AgentID == "" {
		cfg.AgentID = "agent-1"
	}
	cfg.APIKey = "key-1"

	d, err := NewDialer(cfg)
	require.NoError(t, err)

	c, err := d.Dial(context.Background(), vars)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextFrame(t *testing.T, frames <-chan frame.Frame) frame.Frame {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestNewDialer_RequiresCredentials(t *testing.T) {
	_, err := NewDialer(Config{APIKey: "k"})
	assert.Error(t, err)

	_, err = NewDialer(Config{AgentID: "a"})
	assert.Error(t, err)

	d, err := NewDialer(Config{AgentID: "a", APIKey: "k"})
	require.NoError(t, err)
	assert.Contains(t, d.endpoint.String(), "wss://api.elevenlabs.io/v1/convai/conversation?agent_id=a")
}

func TestDial_SendsCredentialsAndInitiation(t *testing.T) {
	fa := newFakeAgent(t)
	dial(t, fa, Config{AgentID: "agent-7"}, nil)

	hs := <-fa.handshakes
	assert.Equal(t, "agent-7", hs.agentID)
	assert.Equal(t, "key-1", hs.apiKey)

	msg := fa.next(t)
	assert.Equal(t, "conversation_initiation_client_data", msg["type"])
	assert.NotContains(t, msg, "conversation_config_override")
}

func TestDial_AudioOverride(t *testing.T) {
	fa := newFakeAgent(t)
	dial(t, fa, Config{AudioFormat: "ulaw_8000", Language: "en"}, map[string]string{"call_sid": "CA1"})

	msg := fa.next(t)
	override := msg["conversation_config_override"].(map[string]any)
	audio := override["audio"].(map[string]any)
	assert.Equal(t, "ulaw_8000", audio["input_format"])
	assert.Equal(t, "ulaw_8000", audio["output_format"])
	assert.Equal(t, "ulaw_8000", override["tts"].(map[string]any)["output_format"])
	assert.Equal(t, "en", override["agent"].(map[string]any)["language"])
	assert.Equal(t, "CA1", msg["dynamic_variables"].(map[string]any)["call_sid"])
}

func TestDial_RejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d, err := NewDialer(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), AgentID: "a", APIKey: "k"})
	require.NoError(t, err)

	_, err = d.Dial(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestConn_InboundFrames(t *testing.T) {
	fa := newFakeAgent(t)
	c := dial(t, fa, Config{}, nil)
	server := fa.conn(t)
	fa.next(t)

	frames := make(chan frame.Frame, 16)
	require.NoError(t, c.OnFrame(func(f frame.Frame) { frames <- f }))

	pcm := []byte{1, 0, 2, 0}
	messages := []string{
		`{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"conv1","agent_output_audio_format":"pcm_16000","user_input_audio_format":"pcm_16000"}}`,
		`{"type":"audio","audio_event":{"audio_base_64":"` + base64.StdEncoding.EncodeToString(pcm) + `","event_id":3}}`,
		`{"type":"vad_score","vad_score_event":{"vad_score":0.9}}`,
		`{"type":"user_transcript","user_transcription_event":{"user_transcript":"hello"}}`,
		`{"type":"agent_response","agent_response_event":{"agent_response":"hi there"}}`,
		`{"type":"interruption","interruption_event":{"event_id":4}}`,
	}
	for _, m := range messages {
		require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(m)))
	}

	ready := nextFrame(t, frames).(frame.Control)
	assert.Equal(t, frame.KindReady, ready.Kind)
	assert.Equal(t, "pcm_16000", ready.Field(frame.FieldInputFormat))
	assert.Equal(t, "pcm_16000", ready.Field(frame.FieldOutputFormat))
	assert.Equal(t, "conv1", ready.Field(frame.FieldConversationID))

	audio := nextFrame(t, frames).(frame.Audio)
	assert.Equal(t, pcm, audio.Payload)
	assert.Equal(t, int64(3), audio.Seq)

	transcript := nextFrame(t, frames).(frame.Control)
	assert.Equal(t, frame.KindTranscript, transcript.Kind)
	assert.Equal(t, "hello", transcript.Field(frame.FieldText))

	response := nextFrame(t, frames).(frame.Control)
	assert.Equal(t, frame.KindAgentResponse, response.Kind)
	assert.Equal(t, "hi there", response.Field(frame.FieldText))

	assert.Equal(t, frame.KindInterruption, nextFrame(t, frames).(frame.Control).Kind)
}

func TestConn_AnswersPing(t *testing.T) {
	fa := newFakeAgent(t)
	c := dial(t, fa, Config{}, nil)
	server := fa.conn(t)
	fa.next(t)

	frames := make(chan frame.Frame, 4)
	require.NoError(t, c.OnFrame(func(f frame.Frame) { frames <- f }))

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","ping_event":{"event_id":42,"ping_ms":5}}`)))

	msg := fa.next(t)
	assert.Equal(t, "pong", msg["type"])
	assert.Equal(t, float64(42), msg["event_id"])
	assert.Empty(t, frames)
}

func TestConn_SendAudio(t *testing.T) {
	fa := newFakeAgent(t)
	c := dial(t, fa, Config{}, nil)
	fa.next(t)

	require.NoError(t, c.Send(frame.Audio{Payload: []byte{9, 8, 7}}))
	msg := fa.next(t)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{9, 8, 7}), msg["user_audio_chunk"])

	assert.ErrorIs(t, c.Send(frame.Control{Kind: frame.KindClear}), frame.ErrUnsupportedFrame)
}

func TestConn_KeepAlive(t *testing.T) {
	fa := newFakeAgent(t)
	dial(t, fa, Config{KeepAliveInterval: 20 * time.Millisecond}, nil)
	fa.next(t)

	select {
	case <-fa.pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no keep-alive ping received")
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	fa := newFakeAgent(t)
	c := dial(t, fa, Config{}, nil)

	closed := make(chan error, 2)
	require.NoError(t, c.OnClosed(func(err error) { closed <- err }))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Len(t, closed, 1)
	assert.NoError(t, <-closed)

	assert.ErrorIs(t, c.Send(frame.Audio{Payload: []byte{1}}), frame.ErrConnectionClosed)
}

func TestConn_RemoteErrorClosesWithProtocolError(t *testing.T) {
	fa := newFakeAgent(t)
	c := dial(t, fa, Config{}, nil)
	server := fa.conn(t)

	closed := make(chan error, 1)
	require.NoError(t, c.OnClosed(func(err error) { closed <- err }))
	require.NoError(t, c.OnFrame(func(frame.Frame) {}))

	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom")
	require.NoError(t, server.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, frame.ErrUpstreamProtocol)
	case <-time.After(2 * time.Second):
		t.Fatal("close handler not called")
	}
}

func TestNewInitiation(t *testing.T) {
	msg := newInitiation("", "", nil)
	assert.Nil(t, msg.ConfigOverride)
	assert.Nil(t, msg.DynamicVariables)

	msg = newInitiation("", "fr", nil)
	require.NotNil(t, msg.ConfigOverride)
	assert.Nil(t, msg.ConfigOverride.Audio)
	assert.Equal(t, "fr", msg.ConfigOverride.Agent.Language)
}
