package regulatory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Payload is the outbound regulatory submission. Date and time are
// separate local fields as the endpoint requires.
type Payload struct {
	SiteCode  string  `json:"siteCode"`
	Date      string  `json:"date"` // 2006-01-02, local
	Time      string  `json:"time"` // 15:04:05, local
	Totalizer int64   `json:"totalizer"`
	Flow      float64 `json:"flow"`
	Level     float64 `json:"level"`
}

// Result is the endpoint's machine-readable outcome. Code and
// Description are persisted verbatim against the submission item.
type Result struct {
	Code        string
	Description string
	Accepted    bool
}

// ErrRejected marks a remote validation failure; it is terminal, not
// retried.
var ErrRejected = errors.New("regulatory: submission rejected")

// Client submits measurements to the regulatory endpoint.
type Client struct {
	baseURL  string
	token    string
	client   *http.Client
	location *time.Location
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

// WithLocation sets the timezone used for local date/time fields.
func WithLocation(loc *time.Location) ClientOption {
	return func(c *Client) {
		if loc != nil {
			c.location = loc
		}
	}
}

// NewClient constructs a regulatory client.
func NewClient(baseURL, token string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("regulatory: empty base url")
	}
	client := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		client:   &http.Client{Timeout: 15 * time.Second},
		location: time.Local,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// BuildPayload renders a submission payload with local date/time
// fields from the measurement instant.
func (c *Client) BuildPayload(siteCode string, measuredAt time.Time, totalizer int64, flow, level float64) Payload {
	local := measuredAt.In(c.location)
	return Payload{
		SiteCode:  siteCode,
		Date:      local.Format("2006-01-02"),
		Time:      local.Format("15:04:05"),
		Totalizer: totalizer,
		Flow:      flow,
		Level:     level,
	}
}

type submitResponse struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// Submit delivers one payload. A transport failure returns an error
// with an empty result; a remote validation failure returns the
// verbatim code/description wrapped in ErrRejected.
func (c *Client) Submit(ctx context.Context, payload Payload) (Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/measurements", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	// 5xx is a transport-class failure and retried; 2xx carries a
	// machine-readable verdict; 4xx is a rejected submission.
	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("regulatory: http %d", resp.StatusCode)
	}

	var decoded submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		if resp.StatusCode >= 300 {
			return Result{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode)}, ErrRejected
		}
		return Result{}, fmt.Errorf("regulatory: decode response: %w", err)
	}

	result := Result{Code: decoded.Code, Description: decoded.Description}
	if resp.StatusCode < 300 && strings.EqualFold(decoded.Code, "OK") {
		result.Accepted = true
		return result, nil
	}
	return result, ErrRejected
}
