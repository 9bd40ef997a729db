// Command mockserver fakes the upstream provider and the embedding service
// for local end-to-end runs against a real Redis and Qdrant.
package main

import (
	"crypto/sha256"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/eduardmaghakyan/semcache/internal/model"
)

var (
	port      int
	embedPort int
	latency   time.Duration
	dimension int
)

func main() {
	flag.IntVar(&port, "port", 9999, "mock provider listen port")
	flag.IntVar(&embedPort, "embed-port", 8000, "mock embedding service listen port")
	flag.DurationVar(&latency, "latency", 50*time.Millisecond, "simulated provider latency")
	flag.IntVar(&dimension, "dim", 384, "embedding dimension")
	flag.Parse()

	go serveEmbeddings()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", handleChat)
	mux.HandleFunc("GET /health", handleHealth)

	addr := fmt.Sprintf(":%d", port)
	log.Printf("mock provider listening on %s (latency=%v)", addr, latency)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req model.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	reqModel := req.Model
	if reqModel == "" {
		reqModel = "llama-3.1-8b-instant"
	}

	time.Sleep(latency)

	resp := model.ChatResponse{
		ID:      "mock-completion-001",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   reqModel,
		Choices: []model.Choice{
			{
				Index:        0,
				Message:      model.Message{Role: "assistant", Content: "This is a mock response from the semcache mock server."},
				FinishReason: "stop",
			},
		},
		Usage: model.Usage{
			PromptTokens:     10,
			CompletionTokens: 12,
			TotalTokens:      22,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func serveEmbeddings() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /embed", handleEmbed)
	mux.HandleFunc("GET /health", handleHealth)

	addr := fmt.Sprintf(":%d", embedPort)
	log.Printf("mock embedding service listening on %s (dim=%d)", addr, dimension)
	log.Fatal(http.ListenAndServe(addr, mux))
}

// handleEmbed returns a deterministic unit vector derived from the text hash,
// so identical prompts are identical points and distinct prompts rarely
// collide.
func handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	sum := sha256.Sum256([]byte(req.Text))
	vec := make([]float64, dimension)
	var norm float64
	for i := range vec {
		b := sum[i%len(sum)]
		vec[i] = float64(int(b)-128) / 128.0
		norm += vec[i] * vec[i]
	}
	norm = math.Sqrt(norm)

	out := make([]float32, dimension)
	for i := range vec {
		out[i] = float32(vec[i] / norm)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"embedding": out})
}
