package llm

import (
	"strings"

	"github.com/ternarybob/taskforge/internal/common"
)

// ModelPrice is USD per million tokens
type ModelPrice struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// PricingTable maps model names to prices. Unknown models cost nothing.
type PricingTable map[string]ModelPrice

// DefaultPricing returns list prices for the configured default models
func DefaultPricing() PricingTable {
	return NewPricingTable(common.NewDefaultConfig().Pricing)
}

// NewPricingTable maps the [pricing.<model>] sections
func NewPricingTable(config map[string]common.PricingConfig) PricingTable {
	table := make(PricingTable, len(config))
	for model, price := range config {
		table[strings.ToLower(model)] = ModelPrice{
			InputPerMillion:  price.InputPerMillion,
			OutputPerMillion: price.OutputPerMillion,
		}
	}
	return table
}

// Lookup resolves model exactly, then by longest known prefix so dated
// model versions ("gemini-2.5-flash-001") pick up the family price.
func (t PricingTable) Lookup(model string) (ModelPrice, bool) {
	model = strings.ToLower(model)
	if price, ok := t[model]; ok {
		return price, true
	}

	best := ""
	for name := range t {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return ModelPrice{}, false
	}
	return t[best], true
}

// Cost returns the USD cost of a call
func (t PricingTable) Cost(model string, inputTokens, outputTokens int) float64 {
	price, ok := t.Lookup(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*price.InputPerMillion + float64(outputTokens)/1e6*price.OutputPerMillion
}
