// Package qdrant is a REST client for the semantic cache tier.
package qdrant

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Payload is the data stored alongside each vector.
type Payload struct {
	Fingerprint string          `json:"fingerprint"`
	Response    json.RawMessage `json:"response"`
	CreatedAt   int64           `json:"created_at"`
}

// Client is a REST client for Qdrant. The underlying http.Client pools
// connections and is shared by all callers.
type Client struct {
	baseURL    string
	apiKey     string
	collection string
	client     *http.Client
}

// New creates a Qdrant client and idempotently creates the collection with
// the given vector size under cosine distance. Construction fails if the
// collection cannot be ensured; the adapter is usable immediately afterwards.
func New(ctx context.Context, baseURL, apiKey, collection string, vectorSize int) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		collection: collection,
		client:     &http.Client{Transport: transport},
	}
	if err := c.ensureCollection(ctx, vectorSize); err != nil {
		return nil, err
	}
	return c, nil
}

// ensureCollection creates the collection if it doesn't exist.
func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return fmt.Errorf("marshaling collection config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/collections/"+c.collection, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("creating collection request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("creating collection: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// 200 = created, 409 = already exists — both are fine.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("unexpected status creating collection: %d", resp.StatusCode)
	}
	return nil
}

type searchRequest struct {
	Vector      []float32 `json:"vector"`
	Limit       int       `json:"limit"`
	ScoreThresh float32   `json:"score_threshold"`
	WithPayload bool      `json:"with_payload"`
}

type searchResponse struct {
	Result []searchResultRaw `json:"result"`
}

type searchResultRaw struct {
	Score   float32         `json:"score"`
	Payload json.RawMessage `json:"payload"`
}

// Search returns the cached response blob of the nearest point whose cosine
// score is at least threshold. The second return is false when no point
// clears the threshold.
func (c *Client) Search(ctx context.Context, vector []float32, threshold float32) ([]byte, bool, error) {
	body := searchRequest{
		Vector:      vector,
		Limit:       1,
		ScoreThresh: threshold,
		WithPayload: true,
	}

	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return nil, false, fmt.Errorf("marshaling search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/collections/"+c.collection+"/points/search", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, false, fmt.Errorf("creating search request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("searching qdrant: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, false, fmt.Errorf("qdrant search error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, false, fmt.Errorf("decoding search response: %w", err)
	}

	for _, r := range sr.Result {
		var payload Payload
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			continue
		}
		if len(payload.Response) == 0 {
			continue
		}
		return payload.Response, true, nil
	}
	return nil, false, nil
}

type upsertRequest struct {
	Points []point `json:"points"`
}

type point struct {
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector"`
	Payload *Payload  `json:"payload"`
}

// Upsert stores a new point carrying the fingerprint and response blob.
// Point IDs are random UUIDs; duplicate fingerprints produce additional
// points, which nearest-neighbour search tolerates.
func (c *Client) Upsert(ctx context.Context, fingerprint string, vector []float32, response []byte) error {
	body := upsertRequest{
		Points: []point{
			{
				ID:     uuid.NewString(),
				Vector: vector,
				Payload: &Payload{
					Fingerprint: fingerprint,
					Response:    json.RawMessage(response),
					CreatedAt:   time.Now().Unix(),
				},
			},
		},
	}

	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return fmt.Errorf("marshaling upsert request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/collections/"+c.collection+"/points", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("creating upsert request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("upserting to qdrant: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qdrant upsert error (status %d)", resp.StatusCode)
	}
	return nil
}

// Healthy reports whether the collection listing endpoint answers.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/collections", nil)
	if err != nil {
		return false
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
}
