package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/eduardmaghakyan/semcache/internal/metrics"
	"github.com/eduardmaghakyan/semcache/internal/model"
	"github.com/eduardmaghakyan/semcache/internal/pipeline"
	"github.com/eduardmaghakyan/semcache/internal/pricing"
	"github.com/eduardmaghakyan/semcache/internal/reqlog"
	"github.com/eduardmaghakyan/semcache/internal/tokenizer"
)

// probeTimeout bounds each health probe during fan-out.
const probeTimeout = 2 * time.Second

// Prober is a cheap liveness check on a downstream service.
type Prober interface {
	Healthy(ctx context.Context) bool
}

// Flusher is the administrative view of the exact tier.
type Flusher interface {
	Prober
	FlushAll(ctx context.Context) (int64, error)
}

// Handler serves the proxy and admin endpoints.
type Handler struct {
	pipeline  *pipeline.Pipeline
	metrics   *metrics.Metrics
	exact     Flusher
	vector    Prober
	embedder  Prober
	counter   *tokenizer.Counter
	requests  *reqlog.Logger
	logger    *slog.Logger
	costModel string
}

// NewHandler creates a request handler. requests may be nil to disable the
// plain-text request log.
func NewHandler(p *pipeline.Pipeline, m *metrics.Metrics, exact Flusher, vector, embedder Prober, counter *tokenizer.Counter, requests *reqlog.Logger, logger *slog.Logger, costModel string) *Handler {
	return &Handler{
		pipeline:  p,
		metrics:   m,
		exact:     exact,
		vector:    vector,
		embedder:  embedder,
		counter:   counter,
		requests:  requests,
		logger:    logger,
		costModel: costModel,
	}
}

// RegisterRoutes registers all HTTP routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /metrics", h.handleMetrics)
	mux.HandleFunc("GET /admin/stats", h.handleStats)
	mux.HandleFunc("POST /admin/clear-cache", h.handleClearCache)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "Failed to read request body: "+err.Error())
		return
	}

	var chatReq model.ChatRequest
	if err := json.Unmarshal(raw, &chatReq); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "Failed to parse request body: "+err.Error())
		return
	}
	if chatReq.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if len(chatReq.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	proxyReq := &model.ProxyRequest{
		ChatRequest: chatReq,
		Raw:         raw,
		RequestID:   GetRequestID(r.Context()),
		ReceivedAt:  time.Now(),
		BypassCache: strings.EqualFold(r.Header.Get("x-bypass-cache"), "true"),
		TTLOverride: parseTTLHeader(r, h.logger),
	}

	resp, err := h.pipeline.Handle(r.Context(), proxyReq)
	if err != nil {
		h.logger.Error("pipeline error", "error", err, "request_id", proxyReq.RequestID)
		writeError(w, http.StatusInternalServerError, "upstream_error", err.Error())
		return
	}

	inputEstimate := h.counter.CountMessages(chatReq.Model, chatReq.Messages)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", resp.CacheStatus)
	w.Header().Set("X-Tokens-Input", strconv.Itoa(inputEstimate))
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Error("failed to write response", "error", err, "request_id", proxyReq.RequestID)
	}

	h.logRequest(resp)
}

// logRequest appends the plain-text audit line. Cache hits cost nothing; only
// misses spend upstream tokens.
func (h *Handler) logRequest(resp *model.ProxyResponse) {
	var cost float64
	if resp.CacheStatus == model.StatusMiss || resp.CacheStatus == model.StatusBypass {
		cost = pricing.Cost(resp.Model, uint64(resp.Usage.TotalTokens))
	}
	h.requests.Log(resp.CacheStatus, resp.Model, uint64(resp.Usage.TotalTokens), cost)
}

// parseTTLHeader reads x-cache-ttl in seconds. Malformed values are logged
// and ignored rather than failing the request.
func parseTTLHeader(r *http.Request, logger *slog.Logger) *time.Duration {
	v := r.Header.Get("x-cache-ttl")
	if v == "" {
		return nil
	}
	secs, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		logger.Warn("ignoring malformed x-cache-ttl header", "value", v, "error", err)
		return nil
	}
	d := time.Duration(secs) * time.Second
	return &d
}

type serviceStatus struct {
	Redis      string `json:"redis"`
	Qdrant     string `json:"qdrant"`
	Embeddings string `json:"embeddings"`
}

func (s serviceStatus) allUp() bool {
	return s.Redis == "up" && s.Qdrant == "up" && s.Embeddings == "up"
}

// probeServices fans out to the three downstream health checks concurrently.
func (h *Handler) probeServices(ctx context.Context) serviceStatus {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var status serviceStatus
	var wg sync.WaitGroup
	probe := func(dst *string, p Prober) {
		defer wg.Done()
		*dst = "down"
		if p.Healthy(ctx) {
			*dst = "up"
		}
	}
	wg.Add(3)
	go probe(&status.Redis, h.exact)
	go probe(&status.Qdrant, h.vector)
	go probe(&status.Embeddings, h.embedder)
	wg.Wait()
	return status
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := h.probeServices(r.Context())

	overall := "healthy"
	code := http.StatusOK
	if !services.allUp() {
		overall = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":    overall,
		"services":  services,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type costAnalysis struct {
	Model        string  `json:"model"`
	KnownPricing bool    `json:"known_pricing"`
	CostSavedUSD float64 `json:"cost_saved_usd"`
	CostSpentUSD float64 `json:"cost_spent_usd"`
}

// analyzeCost converts the aggregate token counters to dollars using the
// configured cost model's blended price. Unknown models fall back to the
// default price with a warning.
func (h *Handler) analyzeCost(snap metrics.Snapshot) costAnalysis {
	price, known := pricing.Lookup(h.costModel)
	if !known {
		h.logger.Warn("cost model missing from price table, using default price", "model", h.costModel)
	}
	perToken := price.PerToken()
	return costAnalysis{
		Model:        h.costModel,
		KnownPricing: known,
		CostSavedUSD: float64(snap.TokensSaved) * perToken,
		CostSpentUSD: float64(snap.TokensUsed) * perToken,
	}
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := h.metrics.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics":       snap,
		"hit_rate":      snap.HitRate(),
		"cost_analysis": h.analyzeCost(snap),
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := h.metrics.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics":   snap,
		"hit_rate":  snap.HitRate(),
		"services":  h.probeServices(r.Context()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleClearCache flushes the exact tier only. The vector tier is long-lived
// associative memory and is deliberately left alone.
func (h *Handler) handleClearCache(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.exact.FlushAll(r.Context())
	if err != nil {
		h.logger.Error("cache flush failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}
	h.logger.Info("exact cache flushed", "deleted", deleted)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": fmt.Sprintf("cleared %d cached entries", deleted),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{
			Message: message,
			Type:    errType,
		},
	})
}
