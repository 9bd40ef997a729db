// Package fingerprint derives the exact-tier cache key for a chat request.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/eduardmaghakyan/semcache/internal/model"
)

// Key computes a deterministic cache key from the cache-relevant fields of a
// request. Message content and roles are trimmed and lowercased so that
// whitespace and casing variations collapse to the same key, while message
// order, model, temperature and max_tokens all remain significant.
//
// The key has the shape cache:exact:<sha256-hex>:<model>.
func Key(req *model.ChatRequest) string {
	parts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		content := strings.ToLower(strings.TrimSpace(m.Content))
		parts = append(parts, strings.ToLower(m.Role)+":"+content)
	}
	messages := strings.Join(parts, "|")

	modelName := strings.ToLower(strings.TrimSpace(req.Model))

	temp := "temp:none"
	if req.Temperature != nil {
		temp = "temp:" + strconv.FormatFloat(*req.Temperature, 'f', -1, 64)
	}

	tokens := "tokens:none"
	if req.MaxTokens != nil {
		tokens = "tokens:" + strconv.Itoa(*req.MaxTokens)
	}

	var sb strings.Builder
	sb.Grow(len(messages) + len(modelName) + len(temp) + len(tokens) + 16)
	sb.WriteString(messages)
	sb.WriteString("|model:")
	sb.WriteString(modelName)
	sb.WriteByte('|')
	sb.WriteString(temp)
	sb.WriteByte('|')
	sb.WriteString(tokens)

	sum := sha256.Sum256([]byte(sb.String()))
	return "cache:exact:" + hex.EncodeToString(sum[:]) + ":" + modelName
}
