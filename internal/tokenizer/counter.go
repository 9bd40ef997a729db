// Package tokenizer estimates prompt token counts.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/eduardmaghakyan/semcache/internal/model"
)

// Counter estimates token counts for chat messages. Encodings are loaded
// lazily and cached; the zero cost path falls back to a len/4 heuristic for
// models without a known encoding.
type Counter struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewCounter creates a new token counter.
func NewCounter() *Counter {
	return &Counter{
		encodings: make(map[string]*tiktoken.Tiktoken),
	}
}

// modelEncoding maps model prefixes to tiktoken encoding names. Llama-family
// models have no tiktoken encoding; cl100k_base is close enough for an
// operational estimate.
var modelEncoding = map[string]string{
	"gpt-4o":  "o200k_base",
	"gpt-4.1": "o200k_base",
	"o1":      "o200k_base",
	"o3":      "o200k_base",
	"llama":   "cl100k_base",
	"mixtral": "cl100k_base",
	"gemma":   "cl100k_base",
}

func encodingForModel(modelName string) string {
	for prefix, enc := range modelEncoding {
		if strings.HasPrefix(modelName, prefix) {
			return enc
		}
	}
	return ""
}

func (c *Counter) getEncoding(modelName string) *tiktoken.Tiktoken {
	encName := encodingForModel(modelName)
	if encName == "" {
		return nil
	}

	c.mu.RLock()
	enc, ok := c.encodings[encName]
	c.mu.RUnlock()
	if ok {
		return enc
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if enc, ok := c.encodings[encName]; ok {
		return enc
	}

	enc, err := tiktoken.GetEncoding(encName)
	if err != nil {
		return nil
	}
	c.encodings[encName] = enc
	return enc
}

// CountMessages estimates the token count for a slice of messages, including
// per-message chat framing overhead.
func (c *Counter) CountMessages(modelName string, messages []model.Message) int {
	enc := c.getEncoding(modelName)
	if enc == nil {
		return c.fallbackCount(messages)
	}

	tokensPerMessage := 3 // every message follows <|im_start|>{role}\n{content}<|im_end|>\n
	tokens := 0
	for _, msg := range messages {
		tokens += tokensPerMessage
		tokens += len(enc.Encode(msg.Role, nil, nil))
		tokens += len(enc.Encode(msg.Content, nil, nil))
	}
	tokens += 3 // every reply is primed with <|im_start|>assistant<|message|>
	return tokens
}

func (c *Counter) fallbackCount(messages []model.Message) int {
	total := 0
	for _, msg := range messages {
		total += len(msg.Content) / 4
	}
	return total
}
