// Package client is a small Twilio REST client covering the call resources
// the bridge uses.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	bridge "github.com/agentplexus/omnivoice-bridge"
)

// ErrMissingCredentials is returned by New without an account SID or auth token.
var ErrMissingCredentials = errors.New("client: twilio account SID and auth token are required")

// Client is a Twilio API client.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// Config configures the Twilio client.
type Config struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a Twilio client.
func New(cfg Config) (*Client, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrMissingCredentials
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = bridge.DefaultAPIBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// AccountSID returns the account SID.
func (c *Client) AccountSID() string {
	return c.accountSID
}

// Call is a Twilio call resource.
type Call struct {
	SID         string `json:"sid"`
	AccountSID  string `json:"account_sid"`
	To          string `json:"to"`
	From        string `json:"from"`
	Status      string `json:"status"`
	Direction   string `json:"direction"`
	Duration    string `json:"duration"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	AnsweredBy  string `json:"answered_by"`
	DateCreated string `json:"date_created"`
}

// CallParams are the parameters of an outbound call. Exactly one of URL and
// Twiml should be set.
type CallParams struct {
	To             string
	From           string
	URL            string // webhook returning call-control TwiML
	Twiml          string // inline TwiML
	StatusCallback string
	Timeout        int // ring timeout in seconds
}

// CreateCall places an outbound call.
func (c *Client) CreateCall(ctx context.Context, params CallParams) (*Call, error) {
	if params.To == "" || params.From == "" {
		return nil, errors.New("client: call requires To and From")
	}

	data := url.Values{}
	data.Set("To", params.To)
	data.Set("From", params.From)
	if params.URL != "" {
		data.Set("Url", params.URL)
	}
	if params.Twiml != "" {
		data.Set("Twiml", params.Twiml)
	}
	if params.StatusCallback != "" {
		data.Set("StatusCallback", params.StatusCallback)
	}
	if params.Timeout > 0 {
		data.Set("Timeout", strconv.Itoa(params.Timeout))
	}

	var call Call
	if err := c.post(ctx, c.callsURL(""), data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCall fetches a call by SID.
func (c *Client) GetCall(ctx context.Context, callSID string) (*Call, error) {
	var call Call
	if err := c.get(ctx, c.callsURL(callSID), &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// HangupCall completes an in-progress call.
func (c *Client) HangupCall(ctx context.Context, callSID string) (*Call, error) {
	data := url.Values{}
	data.Set("Status", "completed")

	var call Call
	if err := c.post(ctx, c.callsURL(callSID), data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// PhoneNumber is an incoming phone number owned by the account.
type PhoneNumber struct {
	SID          string `json:"sid"`
	PhoneNumber  string `json:"phone_number"`
	FriendlyName string `json:"friendly_name"`
	VoiceURL     string `json:"voice_url"`
}

// ListPhoneNumbers returns the account's incoming phone numbers.
func (c *Client) ListPhoneNumbers(ctx context.Context) ([]PhoneNumber, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/IncomingPhoneNumbers.json", c.baseURL, c.accountSID)

	var list struct {
		PhoneNumbers []PhoneNumber `json:"incoming_phone_numbers"`
	}
	if err := c.get(ctx, endpoint, &list); err != nil {
		return nil, err
	}
	return list.PhoneNumbers, nil
}

func (c *Client) callsURL(callSID string) string {
	if callSID == "" {
		return fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	}
	return fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, url.PathEscape(callSID))
}

// Error is a Twilio API error response.
type Error struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("twilio error %d (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// IsNotFound reports whether err is a Twilio 404.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) get(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, endpoint string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, result)
}

// do executes an authenticated request and decodes the JSON response.
func (c *Client) do(req *http.Request, result any) error {
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("twilio response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		if apiErr.Status == 0 {
			apiErr.Status = resp.StatusCode
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
