package model

import (
	"time"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest holds the fields of an OpenAI-style chat completion request
// that the proxy interprets. The client's raw body is forwarded upstream
// verbatim, so fields outside this set pass through untouched.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatResponse mirrors the OpenAI chat completions response. It is used for
// accounting (usage extraction) and by the mock server; cached bodies are
// stored and returned as raw bytes so unrecognized fields round-trip.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// ProxyRequest wraps a ChatRequest with proxy-specific metadata.
type ProxyRequest struct {
	ChatRequest ChatRequest
	Raw         []byte // verbatim client body, forwarded upstream on miss
	RequestID   string
	ReceivedAt  time.Time
	BypassCache bool           // x-bypass-cache: skip cache reads, keep writes
	TTLOverride *time.Duration // x-cache-ttl: exact-tier TTL for miss write-back
}

// Cache statuses reported in the X-Cache response header.
const (
	StatusExact    = "EXACT"
	StatusSemantic = "SEMANTIC"
	StatusMiss     = "MISS"
	StatusBypass   = "BYPASS"
)

// ProxyResponse wraps a chat completion body with proxy-specific metadata.
type ProxyResponse struct {
	Body        []byte // verbatim chat-completion JSON returned to the client
	Usage       Usage
	Model       string
	CacheStatus string
}

// ErrorResponse represents an OpenAI-compatible error.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail holds error information.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}
