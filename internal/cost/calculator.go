// Package cost prices LLM token usage so stage logs carry a dollar figure.
package cost

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    map[string]ModelRate `yaml:"openai" mapstructure:"openai"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Calculator computes costs for provider usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Call computes the cost of one completion call. Unknown provider/model
// combinations price at zero rather than guessing.
func (c *Calculator) Call(provider, model string, inputTokens, outputTokens int64) float64 {
	var rate ModelRate
	var ok bool
	switch provider {
	case "anthropic":
		rate, ok = c.rates.Anthropic[model]
	case "openai":
		rate, ok = c.rates.OpenAI[model]
	}
	if !ok {
		return 0
	}
	return (float64(inputTokens)/1e6)*rate.Input + (float64(outputTokens)/1e6)*rate.Output
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
			"claude-opus-4-6":            {Input: 15.00, Output: 75.00},
		},
		OpenAI: map[string]ModelRate{
			"gpt-5":      {Input: 1.25, Output: 10.00},
			"gpt-5-mini": {Input: 0.25, Output: 2.00},
			"o4-mini":    {Input: 1.10, Output: 4.40},
		},
	}
}
