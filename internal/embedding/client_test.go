package embedding

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/eduardmaghakyan/semcache/internal/model"
)

func vector(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(i) / float32(n)
	}
	return v
}

func TestEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Text != "user: hello" {
			t.Errorf("unexpected text: %q", req.Text)
		}
		json.NewEncoder(w).Encode(embedResponse{Embedding: vector(384)})
	}))
	defer server.Close()

	client := NewClient(server.URL, 384)
	emb, err := client.Embed(context.Background(), "user: hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(emb) != 384 {
		t.Fatalf("expected 384 dimensions, got %d", len(emb))
	}
}

func TestEmbed_WrongDimension(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embedding: vector(3)})
	}))
	defer server.Close()

	client := NewClient(server.URL, 384)
	_, err := client.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error for wrong-length vector")
	}
	if !strings.Contains(err.Error(), "384") {
		t.Errorf("error should name the expected dimension: %v", err)
	}
}

func TestEmbed_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("model not loaded"))
	}))
	defer server.Close()

	client := NewClient(server.URL, 384)
	if _, err := client.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))

	client := NewClient(server.URL, 384)
	if !client.Healthy(context.Background()) {
		t.Error("expected healthy")
	}

	server.Close()
	if client.Healthy(context.Background()) {
		t.Error("expected unhealthy after shutdown")
	}
}

func TestPromptText(t *testing.T) {
	messages := []model.Message{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "What is Rust?"},
	}

	got := PromptText(messages)
	want := "system: Be brief.\nuser: What is Rust?"
	if got != want {
		t.Errorf("PromptText = %q, want %q", got, want)
	}
}

func TestPromptText_PreservesVerbatimContent(t *testing.T) {
	// Unlike the fingerprint, the embedding text keeps case and whitespace.
	messages := []model.Message{{Role: "USER", Content: "  Hello  "}}
	if got := PromptText(messages); got != "USER:   Hello  " {
		t.Errorf("PromptText = %q", got)
	}
}
