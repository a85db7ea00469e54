package twiml

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

// Signature computes Twilio's request signature: base64 HMAC-SHA1 over the
// full request URL followed by each POST parameter name and value, sorted by
// name.
func Signature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidSignature reports whether signature matches the request.
func ValidSignature(authToken, signature, fullURL string, params url.Values) bool {
	if signature == "" || authToken == "" {
		return false
	}
	expected := Signature(authToken, fullURL, params)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// RequestURL reconstructs the URL Twilio requested. Behind a tunnel the
// public base URL is authoritative.
func RequestURL(r *http.Request, publicURL string) string {
	if publicURL != "" {
		return strings.TrimRight(publicURL, "/") + r.URL.RequestURI()
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// ValidateRequest checks the signature of a parsed webhook request.
// r.ParseForm must have been called.
func ValidateRequest(r *http.Request, authToken, publicURL string) bool {
	return ValidSignature(authToken, r.Header.Get(SignatureHeader), RequestURL(r, publicURL), r.PostForm)
}
