package interpreter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// Result is the structured interpretation returned by the provider.
type Result struct {
	Summary string   `json:"summary"`
	Symbols []string `json:"symbols"`
	Mood    string   `json:"mood"`
}

// Client calls the interpretation provider's HTTP API. The provider is a
// black box: prompt construction and response shaping happen on its side.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(endpoint, apiKey string, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if an endpoint is set.
func (c *Client) Configured() bool {
	return c.endpoint != ""
}

type interpretRequest struct {
	Text   string `json:"text"`
	Class  string `json:"class"`
	Locale string `json:"locale"`
}

// Interpret requests an interpretation for the dream text. One retry on
// transient failure; a second failure surfaces to the caller so nothing is
// billed for it.
func (c *Client) Interpret(ctx context.Context, text, class, locale string) (*Result, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("interpreter not configured: missing endpoint")
	}

	var result *Result
	backoff := retry.WithMaxRetries(1, retry.NewConstant(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := c.interpretOnce(ctx, text, class, locale)
		if err != nil {
			return retry.RetryableError(err)
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) interpretOnce(ctx context.Context, text, class, locale string) (*Result, error) {
	body, err := json.Marshal(interpretRequest{Text: text, Class: class, Locale: locale})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call interpreter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("interpreter API error: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.Summary == "" {
		return nil, fmt.Errorf("interpreter returned empty summary")
	}
	return &result, nil
}
