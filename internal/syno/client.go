// Package syno talks to the Synology DSM web API: session lifecycle
// (login, device tokens, liveness) and reverse-proxy rule CRUD. The DSM
// API is a single entry endpoint addressed by api/method/version query
// parameters; responses carry a top-level success flag with either data
// or a coded error.
package syno

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/synoproxy/synoproxy/internal/brand"
	"github.com/synoproxy/synoproxy/internal/metrics"
)

const entryPath = "/webapi/entry.cgi"

// Client is the low-level DSM API transport.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithTimeout sets the HTTP client timeout. Upstream calls must stay
// bounded so an unreachable NAS cannot hang request handlers.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithInsecureTLS accepts self-signed certificates. NAS appliances
// commonly serve DSM with a self-signed cert on the LAN.
func WithInsecureTLS() ClientOption {
	return func(c *Client) {
		c.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client (used by tests).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a DSM API client for the given base URL
// (e.g. https://nas.local:5001).
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope is the DSM response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *envelopeError  `json:"error"`
}

type envelopeError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Errors  json.RawMessage `json:"errors"`
}

// Get issues a GET to the entry endpoint with the given query parameters
// and decodes data into out (which may be nil).
func (c *Client) Get(ctx context.Context, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, params, nil, out)
}

// PostForm issues a POST with query parameters and a form-encoded body.
// DSM write operations expect the payload form-encoded, with the rule
// itself embedded as a JSON string field.
func (c *Client) PostForm(ctx context.Context, params url.Values, form url.Values, out any) error {
	return c.do(ctx, http.MethodPost, params, form, out)
}

func (c *Client) do(ctx context.Context, method string, params url.Values, form url.Values, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "success"
		switch {
		case errors.Is(err, ErrUpstreamUnavailable):
			outcome = "unavailable"
		case err != nil:
			outcome = "error"
		}
		metrics.Get().RecordUpstream(params.Get("method"), outcome, time.Since(start).Seconds())
	}()

	u := c.baseURL + entryPath + "?" + params.Encode()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", brand.UserAgent())
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("%w: malformed response: %v", ErrUpstreamUnavailable, err)
	}

	if !env.Success {
		apiErr := &APIError{}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			if apiErr.Message == "" && len(env.Error.Errors) > 0 {
				apiErr.Message = string(env.Error.Errors)
			}
		}
		return apiErr
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: decoding data: %v", ErrUpstreamUnavailable, err)
		}
	}
	return nil
}
