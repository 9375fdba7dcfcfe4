package providers

// Price is USD per 1K tokens.
type Price struct {
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

// Cost returns the USD cost of a call.
func (p Price) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
}

// PriceTable maps model names to prices.
type PriceTable map[string]Price

// fallbackPrice applies to models nobody priced.
var fallbackPrice = Price{InputPer1K: 0.001, OutputPer1K: 0.001}

// DefaultPrices are list prices for the models the built-in wizards use.
var DefaultPrices = PriceTable{
	"gpt-4o":                    {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":               {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4-turbo":               {InputPer1K: 0.01, OutputPer1K: 0.03},
	"claude-sonnet-4-20250514":  {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku-20241022": {InputPer1K: 0.001, OutputPer1K: 0.005},
	"claude-opus-4-20250514":    {InputPer1K: 0.015, OutputPer1K: 0.075},
}

// Lookup returns the model's price or the generic fallback.
func (t PriceTable) Lookup(model string) Price {
	if p, ok := t[model]; ok {
		return p
	}
	return fallbackPrice
}
