package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCall_Anthropic(t *testing.T) {
	c := NewCalculator(DefaultRates())

	// 1M input + 1M output at sonnet rates
	got := c.Call("anthropic", "claude-sonnet-4-5-20250929", 1_000_000, 1_000_000)
	assert.InDelta(t, 18.00, got, 1e-9)
}

func TestCall_OpenAI(t *testing.T) {
	c := NewCalculator(DefaultRates())

	got := c.Call("openai", "gpt-5-mini", 2_000_000, 500_000)
	assert.InDelta(t, 0.25*2+2.00*0.5, got, 1e-9)
}

func TestCall_UnknownModelIsFree(t *testing.T) {
	c := NewCalculator(DefaultRates())

	assert.Zero(t, c.Call("anthropic", "claude-unknown", 1000, 1000))
	assert.Zero(t, c.Call("mistral", "mistral-large", 1000, 1000))
}

func TestCall_ZeroUsage(t *testing.T) {
	c := NewCalculator(DefaultRates())
	assert.Zero(t, c.Call("anthropic", "claude-opus-4-6", 0, 0))
}
