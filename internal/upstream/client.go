// Package upstream forwards chat completion requests to the provider.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/eduardmaghakyan/semcache/internal/model"
)

// requestTimeout bounds a single upstream call.
const requestTimeout = 60 * time.Second

// Client speaks the OpenAI-compatible chat completions API. One Client (and
// its pooled http.Client) is shared by all requests; never construct one per
// request.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates an upstream provider client.
func NewClient(baseURL, apiKey string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
	}
}

// Complete POSTs the raw request body to the provider and returns the raw
// response body plus its parsed form. The body is not reshaped; fields the
// proxy does not interpret pass through unchanged. Network failures,
// timeouts, and non-2xx statuses are transport errors.
func (c *Client) Complete(ctx context.Context, body []byte) ([]byte, *model.ChatResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, nil, fmt.Errorf("upstream error (status %d): %s", resp.StatusCode, string(respBody))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}

	var chatResp model.ChatResponse
	if err := json.Unmarshal(raw, &chatResp); err != nil {
		return nil, nil, fmt.Errorf("decoding response: %w", err)
	}

	return raw, &chatResp, nil
}
