package twiml

import (
	"encoding/xml"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectStream(t *testing.T) {
	doc, err := ConnectStream(StreamOptions{
		Greeting:  DefaultGreeting,
		Voice:     "Polly.Joanna",
		StreamURL: "wss://bridge.example.com/media-stream",
		Parameters: map[string]string{
			"caller": "+15551112222",
			"agent":  "support",
		},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(doc, xml.Header))

	var resp Response
	require.NoError(t, xml.Unmarshal([]byte(doc), &resp))
	require.NotNil(t, resp.Say)
	assert.Equal(t, DefaultGreeting, resp.Say.Text)
	assert.Equal(t, "Polly.Joanna", resp.Say.Voice)
	require.NotNil(t, resp.Connect)
	assert.Equal(t, "wss://bridge.example.com/media-stream", resp.Connect.Stream.URL)
	assert.Equal(t, []Parameter{
		{Name: "agent", Value: "support"},
		{Name: "caller", Value: "+15551112222"},
	}, resp.Connect.Stream.Parameters)

	// Say must come before Connect.
	assert.Less(t, strings.Index(doc, "<Say"), strings.Index(doc, "<Connect>"))
}

func TestConnectStream_EscapesGreeting(t *testing.T) {
	doc, err := ConnectStream(StreamOptions{
		Greeting:  `Tom & Jerry <say "hi">`,
		StreamURL: "wss://h/media-stream",
	})
	require.NoError(t, err)
	assert.Contains(t, doc, "Tom &amp; Jerry &lt;say")
	assert.NotContains(t, doc, "<say")
}

func TestConnectStream_NoGreeting(t *testing.T) {
	doc, err := ConnectStream(StreamOptions{StreamURL: "wss://h/media-stream"})
	require.NoError(t, err)
	assert.NotContains(t, doc, "<Say")
	assert.NotContains(t, doc, "<Parameter")
}

func TestConnectStream_RequiresURL(t *testing.T) {
	_, err := ConnectStream(StreamOptions{Greeting: "hi"})
	assert.Error(t, err)
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		name      string
		publicURL string
		host      string
		want      string
	}{
		{name: "from host", host: "abc.ngrok.app", want: "wss://abc.ngrok.app/media-stream"},
		{name: "https public", publicURL: "https://abc.ngrok.app/", want: "wss://abc.ngrok.app/media-stream"},
		{name: "http public", publicURL: "http://localhost:3000", want: "ws://localhost:3000/media-stream"},
		{name: "public with prefix", publicURL: "https://example.com/relay", want: "wss://example.com/relay/media-stream"},
		{name: "unparseable falls back", publicURL: "::", host: "h", want: "wss://h/media-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StreamURL(tt.publicURL, tt.host, "/media-stream"))
		})
	}
}

func TestSignature(t *testing.T) {
	params := url.Values{
		"CallSid": {"CA1234567890ABCDE"},
		"From":    {"+14158675310"},
		"To":      {"+18005551212"},
	}
	fullURL := "https://example.com/voice"

	sig := Signature("token", fullURL, params)
	assert.NotEmpty(t, sig)
	assert.True(t, ValidSignature("token", sig, fullURL, params))

	assert.False(t, ValidSignature("other", sig, fullURL, params))
	assert.False(t, ValidSignature("token", sig, fullURL+"?x=1", params))
	assert.False(t, ValidSignature("token", "", fullURL, params))

	tampered := url.Values{"CallSid": {"CA1234567890ABCDE"}, "From": {"+1"}, "To": {"+18005551212"}}
	assert.False(t, ValidSignature("token", sig, fullURL, tampered))
}

func TestSignature_ParameterOrderIndependent(t *testing.T) {
	a := url.Values{}
	a.Add("To", "+1")
	a.Add("From", "+2")
	b := url.Values{}
	b.Add("From", "+2")
	b.Add("To", "+1")
	assert.Equal(t, Signature("t", "https://x/voice", a), Signature("t", "https://x/voice", b))
}

func TestValidateRequest(t *testing.T) {
	form := url.Values{"CallSid": {"CA1"}, "From": {"+15551112222"}}
	sig := Signature("token", "https://abc.ngrok.app/voice", form)

	r := httptest.NewRequest("POST", "/voice", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set(SignatureHeader, sig)
	require.NoError(t, r.ParseForm())

	assert.True(t, ValidateRequest(r, "token", "https://abc.ngrok.app"))
	assert.False(t, ValidateRequest(r, "token", "https://elsewhere.example"))
}

func TestRequestURL(t *testing.T) {
	r := httptest.NewRequest("POST", "http://internal:3000/voice?x=1", nil)
	assert.Equal(t, "http://internal:3000/voice?x=1", RequestURL(r, ""))

	r.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https://internal:3000/voice?x=1", RequestURL(r, ""))
	assert.Equal(t, "https://pub.example/voice?x=1", RequestURL(r, "https://pub.example/"))
}
