// Package pricing computes the dollar cost of model token usage.
package pricing

import (
	"math"

	"github.com/ashita-ai/shiki/internal/model"
)

// ModelPrice holds USD prices per one million tokens.
type ModelPrice struct {
	PromptPerMillion     float64
	CompletionPerMillion float64
}

// Table maps model names to prices. Models absent from the table cost zero;
// unpriced usage is still recorded so it can be backfilled when a price lands.
type Table map[string]ModelPrice

// DefaultTable is the shipped price list.
func DefaultTable() Table {
	return Table{
		"gpt-4.1":      {PromptPerMillion: 2.00, CompletionPerMillion: 8.00},
		"gpt-4.1-mini": {PromptPerMillion: 0.40, CompletionPerMillion: 1.60},
		"gpt-4.1-nano": {PromptPerMillion: 0.10, CompletionPerMillion: 0.40},
	}
}

// Cost returns the cost in USD for the given usage, rounded half-up to
// 8 decimal places. Unknown models cost 0.
func (t Table) Cost(modelName string, usage model.Usage) float64 {
	price, ok := t[modelName]
	if !ok {
		return 0
	}
	cost := float64(usage.PromptTokens)/1e6*price.PromptPerMillion +
		float64(usage.CompletionTokens)/1e6*price.CompletionPerMillion
	return round8(cost)
}

// Priced reports whether the model has a price entry.
func (t Table) Priced(modelName string) bool {
	_, ok := t[modelName]
	return ok
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
