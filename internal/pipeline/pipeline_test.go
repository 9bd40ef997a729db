package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/eduardmaghakyan/semcache/internal/fingerprint"
	"github.com/eduardmaghakyan/semcache/internal/metrics"
	"github.com/eduardmaghakyan/semcache/internal/model"
)

func ptrFloat(f float64) *float64 { return &f }

func responseBlob(id string, totalTokens int) []byte {
	resp := model.ChatResponse{
		ID:    id,
		Model: "llama-3.1-8b-instant",
		Choices: []model.Choice{
			{Index: 0, Message: model.Message{Role: "assistant", Content: "answer"}, FinishReason: "stop"},
		},
		Usage: model.Usage{PromptTokens: 2, CompletionTokens: totalTokens - 2, TotalTokens: totalTokens},
	}
	blob, _ := json.Marshal(resp)
	return blob
}

type fakeExact struct {
	mu       sync.Mutex
	data     map[string][]byte
	ttls     map[string]time.Duration
	getCalls int
	setCalls int
	getErr   error
	setErr   error
}

func newFakeExact() *fakeExact {
	return &fakeExact{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeExact) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	blob, ok := f.data[key]
	return blob, ok, nil
}

func (f *fakeExact) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if f.setErr != nil {
		return f.setErr
	}
	f.data[key] = value
	f.ttls[key] = ttl
	return nil
}

type fakeVector struct {
	mu          sync.Mutex
	hit         []byte
	searchCalls int
	upsertCalls int
	searchErr   error
	upsertErr   error
	lastVector  []float32
}

func (f *fakeVector) Search(ctx context.Context, vector []float32, threshold float32) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	if f.searchErr != nil {
		return nil, false, f.searchErr
	}
	if f.hit == nil {
		return nil, false, nil
	}
	return f.hit, true, nil
}

func (f *fakeVector) Upsert(ctx context.Context, fp string, vector []float32, response []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	f.lastVector = vector
	return f.upsertErr
}

type fakeEmbedder struct {
	calls int
	err   error
	vec   []float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

type fakeUpstream struct {
	calls int
	err   error
	body  []byte
}

func (f *fakeUpstream) Complete(ctx context.Context, body []byte) ([]byte, *model.ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	var parsed model.ChatResponse
	if err := json.Unmarshal(f.body, &parsed); err != nil {
		return nil, nil, fmt.Errorf("decoding response: %w", err)
	}
	return f.body, &parsed, nil
}

type fixture struct {
	exact    *fakeExact
	vector   *fakeVector
	embedder *fakeEmbedder
	upstream *fakeUpstream
	metrics  *metrics.Metrics
	pipe     *Pipeline
}

func newFixture() *fixture {
	f := &fixture{
		exact:    newFakeExact(),
		vector:   &fakeVector{},
		embedder: &fakeEmbedder{vec: []float32{0.1, 0.2, 0.3}},
		upstream: &fakeUpstream{body: responseBlob("chatcmpl-up", 22)},
		metrics:  metrics.New(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.pipe = New(f.exact, f.vector, f.embedder, f.upstream, f.metrics, logger, Config{
		Threshold:  0.90,
		DefaultTTL: 24 * time.Hour,
		HotTTL:     time.Hour,
	})
	return f
}

func request(content string, temp *float64) *model.ProxyRequest {
	chatReq := model.ChatRequest{
		Model:       "llama-3.1-8b-instant",
		Messages:    []model.Message{{Role: "user", Content: content}},
		Temperature: temp,
	}
	raw, _ := json.Marshal(chatReq)
	return &model.ProxyRequest{ChatRequest: chatReq, Raw: raw}
}

func TestHandle_ExactHitShortCircuits(t *testing.T) {
	f := newFixture()
	req := request("ping", ptrFloat(0))
	key := fingerprint.Key(&req.ChatRequest)
	blob := responseBlob("chatcmpl-cached", 15)
	f.exact.data[key] = blob

	resp, err := f.pipe.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.CacheStatus != model.StatusExact {
		t.Errorf("status = %s, want EXACT", resp.CacheStatus)
	}
	if string(resp.Body) != string(blob) {
		t.Error("cached body not returned verbatim")
	}
	if f.embedder.calls != 0 || f.vector.searchCalls != 0 || f.upstream.calls != 0 {
		t.Errorf("exact hit should not touch other peers: embed=%d search=%d upstream=%d",
			f.embedder.calls, f.vector.searchCalls, f.upstream.calls)
	}

	snap := f.metrics.Snapshot()
	if snap.ExactHits != 1 || snap.TotalRequests != 1 {
		t.Errorf("metrics: %+v", snap)
	}
}

func TestHandle_SemanticHitPromotesAtDefaultTTL(t *testing.T) {
	f := newFixture()
	blob := responseBlob("chatcmpl-sem", 15)
	f.vector.hit = blob

	ttl := 42 * time.Second
	req := request("hello", ptrFloat(0))
	req.TTLOverride = &ttl // must not affect promotion

	resp, err := f.pipe.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.CacheStatus != model.StatusSemantic {
		t.Errorf("status = %s, want SEMANTIC", resp.CacheStatus)
	}
	if f.embedder.calls != 1 || f.vector.searchCalls != 1 || f.upstream.calls != 0 {
		t.Errorf("calls: embed=%d search=%d upstream=%d", f.embedder.calls, f.vector.searchCalls, f.upstream.calls)
	}
	if f.exact.setCalls != 1 {
		t.Fatalf("expected one write-through, got %d", f.exact.setCalls)
	}

	key := fingerprint.Key(&req.ChatRequest)
	if string(f.exact.data[key]) != string(blob) {
		t.Error("promoted blob differs from semantic blob")
	}
	if f.exact.ttls[key] != 24*time.Hour {
		t.Errorf("promotion TTL = %v, want default 24h", f.exact.ttls[key])
	}

	snap := f.metrics.Snapshot()
	if snap.SemanticHits != 1 || snap.TokensSaved != 15 {
		t.Errorf("metrics: %+v", snap)
	}
}

func TestHandle_MissWritesBothTiersAndReusesEmbedding(t *testing.T) {
	f := newFixture()
	req := request("ping", ptrFloat(0))

	resp, err := f.pipe.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.CacheStatus != model.StatusMiss {
		t.Errorf("status = %s, want MISS", resp.CacheStatus)
	}
	if f.upstream.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", f.upstream.calls)
	}
	if f.embedder.calls != 1 {
		t.Errorf("embedding computed %d times, want exactly 1", f.embedder.calls)
	}
	if f.exact.setCalls != 1 || f.vector.upsertCalls != 1 {
		t.Errorf("write-backs: exact=%d vector=%d", f.exact.setCalls, f.vector.upsertCalls)
	}
	if len(f.vector.lastVector) != len(f.embedder.vec) {
		t.Error("upsert did not reuse the probe embedding")
	}

	snap := f.metrics.Snapshot()
	if snap.Misses != 1 || snap.TokensUsed != 22 {
		t.Errorf("metrics: %+v", snap)
	}
}

func TestHandle_ColdMissThenWarmHit(t *testing.T) {
	f := newFixture()

	first, err := f.pipe.Handle(context.Background(), request("ping", ptrFloat(0)))
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := f.pipe.Handle(context.Background(), request("ping", ptrFloat(0)))
	if err != nil {
		t.Fatalf("second call: %v", err)
	}

	if string(first.Body) != string(second.Body) {
		t.Error("warm hit returned a different body")
	}
	if f.upstream.calls != 1 {
		t.Errorf("upstream called %d times, want 1", f.upstream.calls)
	}

	snap := f.metrics.Snapshot()
	if snap.Misses != 1 || snap.ExactHits != 1 || snap.TotalRequests != 2 {
		t.Errorf("metrics: %+v", snap)
	}
}

func TestHandle_BypassSkipsReadsKeepsWrites(t *testing.T) {
	f := newFixture()
	req := request("ping", ptrFloat(0))
	key := fingerprint.Key(&req.ChatRequest)
	f.exact.data[key] = responseBlob("chatcmpl-stale", 9)
	f.vector.hit = responseBlob("chatcmpl-stale", 9)

	req.BypassCache = true
	resp, err := f.pipe.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.CacheStatus != model.StatusBypass {
		t.Errorf("status = %s, want BYPASS", resp.CacheStatus)
	}
	if f.exact.getCalls != 0 || f.vector.searchCalls != 0 {
		t.Errorf("reads not skipped: get=%d search=%d", f.exact.getCalls, f.vector.searchCalls)
	}
	if f.upstream.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", f.upstream.calls)
	}
	if f.exact.setCalls != 1 || f.vector.upsertCalls != 1 {
		t.Errorf("writes skipped: set=%d upsert=%d", f.exact.setCalls, f.vector.upsertCalls)
	}
	if string(f.exact.data[key]) != string(f.upstream.body) {
		t.Error("bypass write-back did not refresh the exact entry")
	}

	snap := f.metrics.Snapshot()
	if snap.Misses != 1 {
		t.Errorf("bypass should record a miss: %+v", snap)
	}
}

func TestHandle_TTLOverrideWinsOverTemperature(t *testing.T) {
	f := newFixture()
	req := request("ping", ptrFloat(2.0))
	ttl := 42 * time.Second
	req.TTLOverride = &ttl

	if _, err := f.pipe.Handle(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key := fingerprint.Key(&req.ChatRequest)
	if f.exact.ttls[key] != 42*time.Second {
		t.Errorf("ttl = %v, want 42s", f.exact.ttls[key])
	}
}

func TestHandle_TemperatureSelectsTTL(t *testing.T) {
	tests := []struct {
		name string
		temp *float64
		want time.Duration
	}{
		{"high temperature", ptrFloat(0.9), time.Hour},
		{"boundary temperature", ptrFloat(0.7), 24 * time.Hour},
		{"low temperature", ptrFloat(0.0), 24 * time.Hour},
		{"no temperature", nil, 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := request("ping", tt.temp)
			if _, err := f.pipe.Handle(context.Background(), req); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			key := fingerprint.Key(&req.ChatRequest)
			if f.exact.ttls[key] != tt.want {
				t.Errorf("ttl = %v, want %v", f.exact.ttls[key], tt.want)
			}
		})
	}
}

func TestHandle_ExactTransientErrorTolerated(t *testing.T) {
	f := newFixture()
	f.exact.getErr = errors.New("connection refused")

	resp, err := f.pipe.Handle(context.Background(), request("ping", ptrFloat(0)))
	if err != nil {
		t.Fatalf("transient store error must not fail the request: %v", err)
	}
	if resp.CacheStatus != model.StatusMiss {
		t.Errorf("status = %s, want MISS", resp.CacheStatus)
	}
	if f.upstream.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", f.upstream.calls)
	}
	if f.metrics.Snapshot().Misses != 1 {
		t.Errorf("metrics: %+v", f.metrics.Snapshot())
	}
}

func TestHandle_EmbeddingFailureSkipsSemanticTierEntirely(t *testing.T) {
	f := newFixture()
	f.embedder.err = errors.New("model not loaded")
	f.vector.hit = responseBlob("chatcmpl-sem", 10)

	resp, err := f.pipe.Handle(context.Background(), request("ping", ptrFloat(0)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.vector.searchCalls != 0 {
		t.Error("semantic probe should be skipped without an embedding")
	}
	if f.vector.upsertCalls != 0 {
		t.Error("vector write-back should be skipped without an embedding")
	}
	if f.exact.setCalls != 1 {
		t.Error("exact write-back should still happen")
	}
	if resp.CacheStatus != model.StatusMiss {
		t.Errorf("status = %s, want MISS", resp.CacheStatus)
	}
}

func TestHandle_SearchErrorTolerated(t *testing.T) {
	f := newFixture()
	f.vector.searchErr = errors.New("qdrant down")

	if _, err := f.pipe.Handle(context.Background(), request("ping", ptrFloat(0))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.upstream.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", f.upstream.calls)
	}
}

func TestHandle_WriteBackFailuresTolerated(t *testing.T) {
	f := newFixture()
	f.exact.setErr = errors.New("redis down")
	f.vector.upsertErr = errors.New("qdrant down")

	resp, err := f.pipe.Handle(context.Background(), request("ping", ptrFloat(0)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != string(f.upstream.body) {
		t.Error("response should come through despite failed write-backs")
	}
	if f.metrics.Snapshot().Misses != 1 {
		t.Errorf("metrics: %+v", f.metrics.Snapshot())
	}
}

func TestHandle_UndecodableCachedBlobTreatedAsMiss(t *testing.T) {
	f := newFixture()
	req := request("ping", ptrFloat(0))
	key := fingerprint.Key(&req.ChatRequest)
	f.exact.data[key] = []byte("corrupted{{{")

	resp, err := f.pipe.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.CacheStatus != model.StatusMiss {
		t.Errorf("status = %s, want MISS", resp.CacheStatus)
	}
	if f.upstream.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", f.upstream.calls)
	}
	snap := f.metrics.Snapshot()
	if snap.ExactHits != 0 || snap.Misses != 1 {
		t.Errorf("metrics: %+v", snap)
	}
}

func TestHandle_UpstreamFailureLeavesCountersUntouched(t *testing.T) {
	f := newFixture()
	f.upstream.err = errors.New("upstream error (status 502)")

	_, err := f.pipe.Handle(context.Background(), request("ping", ptrFloat(0)))
	if err == nil {
		t.Fatal("expected upstream failure to surface")
	}

	// Counters only move on success paths; a failed request is invisible to
	// the hit/miss accounting.
	snap := f.metrics.Snapshot()
	if snap.TotalRequests != 0 {
		t.Errorf("metrics moved on failure: %+v", snap)
	}
	if f.exact.setCalls != 0 || f.vector.upsertCalls != 0 {
		t.Error("no write-back should happen without an upstream response")
	}
}
