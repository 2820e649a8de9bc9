package queryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ragchat/pkg/domain"
)

const queryPath = "/query"

// TokenSigner issues bearer tokens for outbound calls.
type TokenSigner interface {
	Sign(audience string) (string, error)
}

// Client calls the question-answering service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     TokenSigner
	audience   string
}

// APIError represents a query service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout overrides the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithServiceToken signs every request with a service token for audience.
func WithServiceToken(signer TokenSigner, audience string) Option {
	return func(c *Client) {
		c.signer = signer
		c.audience = strings.TrimSpace(audience)
	}
}

// NewClient constructs a query service client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Query posts the question and decodes the service response. Transport
// failures and non-2xx statuses are returned as errors; a decoded response
// with Success=false is returned as-is.
func (c *Client) Query(ctx context.Context, in domain.QueryRequest) (domain.QueryResponse, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return domain.QueryResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+queryPath, bytes.NewReader(data))
	if err != nil {
		return domain.QueryResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.addAuthHeader(req); err != nil {
		return domain.QueryResponse{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.QueryResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = errResp.Detail
		}
		if msg == "" {
			msg = resp.Status
		}
		return domain.QueryResponse{}, &APIError{Status: resp.StatusCode, Message: msg}
	}
	var out domain.QueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.QueryResponse{}, fmt.Errorf("decode query response: %w", err)
	}
	return out, nil
}

func (c *Client) addAuthHeader(req *http.Request) error {
	if c.signer == nil {
		return nil
	}
	token, err := c.signer.Sign(c.audience)
	if err != nil {
		return fmt.Errorf("sign service token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
