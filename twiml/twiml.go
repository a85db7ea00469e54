// Package twiml builds the call-control documents Twilio fetches from the
// voice webhook and validates that webhook requests come from Twilio.
package twiml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ContentType is the response content type for TwiML documents.
const ContentType = "text/xml"

// DefaultGreeting is spoken before the media stream opens.
const DefaultGreeting = "Hello! This is your AI voice agent. Let me connect you."

// Response is the TwiML <Response> root.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Say     *Say     `xml:"Say,omitempty"`
	Connect *Connect `xml:"Connect,omitempty"`
}

// Say represents a TwiML <Say> element.
type Say struct {
	Voice    string `xml:"voice,attr,omitempty"`
	Language string `xml:"language,attr,omitempty"`
	Text     string `xml:",chardata"`
}

// Connect represents a TwiML <Connect> element.
type Connect struct {
	Stream Stream `xml:"Stream"`
}

// Stream represents a bidirectional Media Stream.
type Stream struct {
	URL        string      `xml:"url,attr"`
	Name       string      `xml:"name,attr,omitempty"`
	Parameters []Parameter `xml:"Parameter"`
}

// Parameter is a custom parameter delivered in the stream's start message.
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamOptions configures a ConnectStream document.
type StreamOptions struct {
	// Greeting is spoken first. Empty skips the <Say>.
	Greeting string
	Voice    string
	Language string

	// StreamURL is the wss:// URL of the media stream endpoint.
	StreamURL string

	// Parameters become <Parameter> children of <Stream>.
	Parameters map[string]string
}

// ConnectStream returns a document that speaks the greeting and then
// connects the call to a bidirectional media stream.
func ConnectStream(opts StreamOptions) (string, error) {
	if opts.StreamURL == "" {
		return "", errors.New("twiml: stream URL is required")
	}

	resp := Response{
		Connect: &Connect{Stream: Stream{URL: opts.StreamURL}},
	}
	if opts.Greeting != "" {
		resp.Say = &Say{
			Voice:    opts.Voice,
			Language: opts.Language,
			Text:     opts.Greeting,
		}
	}

	names := make([]string, 0, len(opts.Parameters))
	for name := range opts.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		resp.Connect.Stream.Parameters = append(resp.Connect.Stream.Parameters,
			Parameter{Name: name, Value: opts.Parameters[name]})
	}

	xmlBytes, err := xml.MarshalIndent(resp, "", "    ")
	if err != nil {
		return "", fmt.Errorf("twiml: %w", err)
	}
	return xml.Header + string(xmlBytes), nil
}

// StreamURL returns the media stream URL for path. With a public base URL
// its scheme is switched to the WebSocket equivalent; otherwise the URL is
// built from the request host.
func StreamURL(publicURL, host, path string) string {
	if publicURL == "" {
		return "wss://" + host + path
	}

	u, err := url.Parse(strings.TrimRight(publicURL, "/"))
	if err != nil || u.Host == "" {
		return "wss://" + host + path
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path += path
	return u.String()
}
