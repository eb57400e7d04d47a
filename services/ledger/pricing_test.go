package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/govplane/govplane/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateTable_Cost(t *testing.T) {
	rates := DefaultRateTable()

	// gpt-4: $30 per 1M input, $60 per 1M output
	cost := rates.Cost("openai", "gpt-4", models.TokenUsage{
		InputTokens:  1_000_000,
		OutputTokens: 500_000,
	})
	assert.InDelta(t, 60.0, cost, 1e-9)
}

func TestRateTable_UnknownModelFallsBack(t *testing.T) {
	rates := DefaultRateTable()

	// Default rate: $1 input, $2 output per 1M; staleness must not block
	cost := rates.Cost("openai", "gpt-5-preview", models.TokenUsage{
		InputTokens:  2_000_000,
		OutputTokens: 1_000_000,
	})
	assert.InDelta(t, 4.0, cost, 1e-9)
}

func TestRateTable_AnthropicPricing(t *testing.T) {
	rates := DefaultRateTable()
	r := rates.Rate("anthropic", "claude-3-haiku")
	assert.Equal(t, 0.25, r.InputPrice)
	assert.Equal(t, 1.25, r.OutputPrice)
}

func TestLoadRateTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rates.yaml")
	content := `
default:
  input_price: 0.5
  output_price: 1.0
rates:
  - provider: openai
    model: gpt-4
    input_price: 25.0
    output_price: 50.0
  - provider: mistral
    model: mistral-large
    input_price: 4.0
    output_price: 12.0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	rates, err := LoadRateTable(path)
	require.NoError(t, err)

	// Override applies
	assert.Equal(t, 25.0, rates.Rate("openai", "gpt-4").InputPrice)
	// New entry applies
	assert.Equal(t, 12.0, rates.Rate("mistral", "mistral-large").OutputPrice)
	// Built-in entry untouched by the file survives
	assert.Equal(t, 15.0, rates.Rate("anthropic", "claude-3-opus").InputPrice)
	// Default overridden
	assert.Equal(t, 0.5, rates.Rate("nobody", "unknown").InputPrice)
}

func TestLoadRateTable_MissingFile(t *testing.T) {
	_, err := LoadRateTable("/nonexistent/rates.yaml")
	assert.Error(t, err)
}

func TestLoadRateTable_IncompleteEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rates.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rates:\n  - model: gpt-4\n"), 0o644))

	_, err := LoadRateTable(path)
	assert.Error(t, err)
}
