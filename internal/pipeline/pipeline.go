// Package pipeline orchestrates the two cache tiers and the upstream call
// for each chat completion request.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/eduardmaghakyan/semcache/internal/embedding"
	"github.com/eduardmaghakyan/semcache/internal/fingerprint"
	"github.com/eduardmaghakyan/semcache/internal/metrics"
	"github.com/eduardmaghakyan/semcache/internal/model"
)

// ExactStore is the exact cache tier. A missing key is (nil, false, nil);
// errors are transient and never fail a request.
type ExactStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// VectorStore is the semantic cache tier.
type VectorStore interface {
	Search(ctx context.Context, vector []float32, threshold float32) ([]byte, bool, error)
	Upsert(ctx context.Context, fingerprint string, vector []float32, response []byte) error
}

// Embedder produces the fixed-dimension embedding of a prompt.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Upstream forwards a request to the provider.
type Upstream interface {
	Complete(ctx context.Context, body []byte) ([]byte, *model.ChatResponse, error)
}

// Config carries the pipeline's tunables.
type Config struct {
	Threshold  float32       // semantic-tier score threshold
	DefaultTTL time.Duration // exact-tier TTL, also used for promotions
	HotTTL     time.Duration // exact-tier TTL when temperature > 0.7
}

// Pipeline coordinates the tiers for one request at a time. All fields are
// shared adapter handles, safe for concurrent use.
type Pipeline struct {
	exact    ExactStore
	vector   VectorStore
	embedder Embedder
	upstream Upstream
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
}

// New creates a Pipeline.
func New(exact ExactStore, vector VectorStore, embedder Embedder, upstream Upstream, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Pipeline {
	return &Pipeline{
		exact:    exact,
		vector:   vector,
		embedder: embedder,
		upstream: upstream,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
}

// Handle serves one request: exact probe, semantic probe, then upstream, with
// dual write-back on miss. Tiers are probed cheapest-first. Cache and
// embedding failures are logged and tolerated; only upstream transport errors
// and an undecodable upstream response surface to the caller.
func (p *Pipeline) Handle(ctx context.Context, req *model.ProxyRequest) (*model.ProxyResponse, error) {
	key := fingerprint.Key(&req.ChatRequest)

	if !req.BypassCache {
		if resp := p.probeExact(ctx, req, key); resp != nil {
			return resp, nil
		}
	}

	// The embedding is computed once, even when reads are bypassed, so the
	// vector write-back after the upstream call can reuse it.
	emb := p.embed(ctx, req)

	if !req.BypassCache && emb != nil {
		if resp := p.probeSemantic(ctx, req, key, emb); resp != nil {
			return resp, nil
		}
	}

	raw, parsed, err := p.upstream.Complete(ctx, req.Raw)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}

	ttl := p.writeBackTTL(req)
	if err := p.exact.Set(ctx, key, raw, ttl); err != nil {
		p.logger.Warn("exact cache write failed", "error", err, "request_id", req.RequestID)
	}
	if emb != nil {
		if err := p.vector.Upsert(ctx, key, emb, raw); err != nil {
			p.logger.Warn("vector cache write failed", "error", err, "request_id", req.RequestID)
		}
	}
	p.metrics.RecordMiss(uint64(parsed.Usage.TotalTokens))

	status := model.StatusMiss
	if req.BypassCache {
		status = model.StatusBypass
	}
	return &model.ProxyResponse{
		Body:        raw,
		Usage:       parsed.Usage,
		Model:       parsed.Model,
		CacheStatus: status,
	}, nil
}

// probeExact returns a response when the exact tier holds a usable entry.
func (p *Pipeline) probeExact(ctx context.Context, req *model.ProxyRequest, key string) *model.ProxyResponse {
	blob, found, err := p.exact.Get(ctx, key)
	if err != nil {
		p.logger.Warn("exact cache read failed", "error", err, "request_id", req.RequestID)
		return nil
	}
	if !found {
		return nil
	}

	parsed, err := decodeBlob(blob)
	if err != nil {
		p.logger.Warn("cached blob undecodable, treating as miss", "error", err, "request_id", req.RequestID)
		return nil
	}

	p.metrics.RecordExactHit()
	return &model.ProxyResponse{
		Body:        blob,
		Usage:       parsed.Usage,
		Model:       parsed.Model,
		CacheStatus: model.StatusExact,
	}
}

// embed returns the prompt embedding, or nil when the service fails. A nil
// embedding skips the semantic tier entirely, reads and writes both.
func (p *Pipeline) embed(ctx context.Context, req *model.ProxyRequest) []float32 {
	text := embedding.PromptText(req.ChatRequest.Messages)
	emb, err := p.embedder.Embed(ctx, text)
	if err != nil {
		p.logger.Warn("embedding failed, skipping semantic tier", "error", err, "request_id", req.RequestID)
		return nil
	}
	return emb
}

// probeSemantic returns a response when a stored point clears the score
// threshold. Hits are promoted into the exact tier at the default TTL; the
// per-request TTL override applies only to miss write-backs.
func (p *Pipeline) probeSemantic(ctx context.Context, req *model.ProxyRequest, key string, emb []float32) *model.ProxyResponse {
	blob, found, err := p.vector.Search(ctx, emb, p.cfg.Threshold)
	if err != nil {
		p.logger.Warn("vector search failed", "error", err, "request_id", req.RequestID)
		return nil
	}
	if !found {
		return nil
	}

	parsed, err := decodeBlob(blob)
	if err != nil {
		p.logger.Warn("semantic blob undecodable, treating as miss", "error", err, "request_id", req.RequestID)
		return nil
	}

	p.metrics.RecordSemanticHit(uint64(parsed.Usage.TotalTokens))

	if err := p.exact.Set(ctx, key, blob, p.cfg.DefaultTTL); err != nil {
		p.logger.Warn("promotion to exact tier failed", "error", err, "request_id", req.RequestID)
	}

	return &model.ProxyResponse{
		Body:        blob,
		Usage:       parsed.Usage,
		Model:       parsed.Model,
		CacheStatus: model.StatusSemantic,
	}
}

// writeBackTTL picks the exact-tier TTL for a miss write-back: the header
// override when present, the hot TTL for high-temperature requests, the
// default otherwise.
func (p *Pipeline) writeBackTTL(req *model.ProxyRequest) time.Duration {
	if req.TTLOverride != nil {
		return *req.TTLOverride
	}
	if req.ChatRequest.Temperature != nil && *req.ChatRequest.Temperature > 0.7 {
		return p.cfg.HotTTL
	}
	return p.cfg.DefaultTTL
}

func decodeBlob(blob []byte) (*model.ChatResponse, error) {
	var resp model.ChatResponse
	if err := json.Unmarshal(blob, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("cached response has no choices")
	}
	return &resp, nil
}
