// Package pricing estimates request cost from published per-model prices.
// Figures are operational estimates, not billing.
package pricing

// Price holds USD prices per million tokens.
type Price struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// prices maps model names to their per-1M-token pricing.
var prices = map[string]Price{
	"llama-3.1-8b-instant":     {InputPerMTok: 0.05, OutputPerMTok: 0.08},
	"llama-3.3-70b-versatile":  {InputPerMTok: 0.59, OutputPerMTok: 0.79},
	"mixtral-8x7b-32768":       {InputPerMTok: 0.24, OutputPerMTok: 0.24},
	"gemma2-9b-it":             {InputPerMTok: 0.20, OutputPerMTok: 0.20},
	"gpt-4o":                   {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":              {InputPerMTok: 0.15, OutputPerMTok: 0.60},
}

// DefaultPrice is used for models missing from the table. Roughly $0.001 per
// 1K tokens blended, matching a mid-range hosted model.
var DefaultPrice = Price{InputPerMTok: 1.00, OutputPerMTok: 1.00}

// Lookup returns the price entry for a model. The second return is false when
// the model is unknown and DefaultPrice was substituted.
func Lookup(model string) (Price, bool) {
	if p, ok := prices[model]; ok {
		return p, true
	}
	return DefaultPrice, false
}

// PerToken returns the blended USD price per single token, averaging input
// and output prices 50/50. Token counters aggregate prompt and completion
// tokens together, so the blend is applied uniformly.
func (p Price) PerToken() float64 {
	return (p.InputPerMTok + p.OutputPerMTok) / 2 / 1_000_000
}

// Cost returns the estimated USD cost of the given token count under the
// model's blended price. Unknown models use DefaultPrice.
func Cost(model string, tokens uint64) float64 {
	p, _ := Lookup(model)
	return float64(tokens) * p.PerToken()
}
