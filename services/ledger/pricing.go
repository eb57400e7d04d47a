package ledger

import (
	"fmt"
	"os"

	"github.com/govplane/govplane/models"
	"gopkg.in/yaml.v3"
)

// ModelRate holds per-million-token prices for one (provider, model) pair
type ModelRate struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	InputPrice  float64 `yaml:"input_price"`
	OutputPrice float64 `yaml:"output_price"`
}

// RateTable prices requests per (provider, model). Unknown models fall
// back to the default rate rather than erroring, so a stale pricing
// table never blocks requests.
type RateTable struct {
	rates       map[string]ModelRate
	defaultRate ModelRate
}

// rateFile is the YAML shape of an external pricing table
type rateFile struct {
	Default ModelRate   `yaml:"default"`
	Rates   []ModelRate `yaml:"rates"`
}

// DefaultRateTable returns the built-in pricing table
func DefaultRateTable() *RateTable {
	t := &RateTable{
		rates:       make(map[string]ModelRate),
		defaultRate: ModelRate{InputPrice: 1.0, OutputPrice: 2.0},
	}
	for _, r := range []ModelRate{
		{Provider: "openai", Model: "gpt-4", InputPrice: 30.0, OutputPrice: 60.0},
		{Provider: "openai", Model: "gpt-4-turbo", InputPrice: 10.0, OutputPrice: 30.0},
		{Provider: "openai", Model: "gpt-3.5-turbo", InputPrice: 0.5, OutputPrice: 1.5},
		{Provider: "anthropic", Model: "claude-3-opus", InputPrice: 15.0, OutputPrice: 75.0},
		{Provider: "anthropic", Model: "claude-3-sonnet", InputPrice: 3.0, OutputPrice: 15.0},
		{Provider: "anthropic", Model: "claude-3-haiku", InputPrice: 0.25, OutputPrice: 1.25},
	} {
		t.rates[rateKey(r.Provider, r.Model)] = r
	}
	return t
}

// LoadRateTable reads a pricing table from a YAML file. Entries extend
// and override the built-in defaults.
func LoadRateTable(path string) (*RateTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate table: %w", err)
	}

	var file rateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rate table: %w", err)
	}

	t := DefaultRateTable()
	if file.Default.InputPrice > 0 || file.Default.OutputPrice > 0 {
		t.defaultRate = file.Default
	}
	for _, r := range file.Rates {
		if r.Provider == "" || r.Model == "" {
			return nil, fmt.Errorf("rate entry missing provider or model")
		}
		t.rates[rateKey(r.Provider, r.Model)] = r
	}
	return t, nil
}

// Rate returns the price for a (provider, model) pair, falling back to
// the default rate when unknown
func (t *RateTable) Rate(provider, model string) ModelRate {
	if r, ok := t.rates[rateKey(provider, model)]; ok {
		return r
	}
	return t.defaultRate
}

// Cost computes the metered cost for the given token usage
func (t *RateTable) Cost(provider, model string, usage models.TokenUsage) float64 {
	r := t.Rate(provider, model)
	inputCost := (float64(usage.InputTokens) / 1_000_000.0) * r.InputPrice
	outputCost := (float64(usage.OutputTokens) / 1_000_000.0) * r.OutputPrice
	return inputCost + outputCost
}

// EstimateCost prices an anticipated token split before the provider
// responds
func (t *RateTable) EstimateCost(provider, model string, inputTokens, outputTokens int64) float64 {
	return t.Cost(provider, model, models.TokenUsage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
}

func rateKey(provider, model string) string {
	return provider + "/" + model
}
