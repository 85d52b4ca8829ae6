package inference

import (
	"math"
	"strings"
)

// Price is a per-million-token price in USD.
type Price struct {
	InputPerMTok  float64 `yaml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok" json:"output_per_mtok"`
}

// Pricing maps model names to prices. Lookups match the longest model-name
// prefix, so dated snapshots ("gpt-4o-2024-08-06") use the family price.
type Pricing map[string]Price

// DefaultPricing is the list price table the binary ships with.
func DefaultPricing() Pricing {
	return Pricing{
		"gpt-4o":           {2.50, 10.00},
		"gpt-4o-mini":      {0.15, 0.60},
		"gpt-4.1":          {2.00, 8.00},
		"gpt-4.1-mini":     {0.40, 1.60},
		"gemini-1.5-pro":   {1.25, 5.00},
		"gemini-1.5-flash": {0.075, 0.30},
		"gemini-2.0-flash": {0.10, 0.40},
	}
}

// Cost returns the USD cost of a call, 0 for unknown models.
func (p Pricing) Cost(model string, inputTokens, outputTokens int) float64 {
	price, ok := p.lookup(model)
	if !ok {
		return 0
	}
	usd := float64(inputTokens)/1e6*price.InputPerMTok + float64(outputTokens)/1e6*price.OutputPerMTok
	return math.Round(usd*1e6) / 1e6
}

func (p Pricing) lookup(model string) (Price, bool) {
	model = strings.ToLower(model)
	best, bestLen := Price{}, -1
	for name, price := range p {
		if strings.HasPrefix(model, name) && len(name) > bestLen {
			best, bestLen = price, len(name)
		}
	}
	return best, bestLen >= 0
}

// Convert turns a USD amount into currency using rates (units of currency
// per USD). USD and unknown currencies return ok=false for the latter.
func Convert(usd float64, currency string, rates map[string]float64) (float64, bool) {
	currency = strings.ToUpper(currency)
	if currency == "" || currency == "USD" {
		return usd, true
	}
	r, ok := rates[currency]
	if !ok || r <= 0 {
		return usd, false
	}
	return math.Round(usd*r*1e6) / 1e6, true
}
