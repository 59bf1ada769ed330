package pricing

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"costguardian/internal/apperr"
)

// Rate prices one model in integer nano-USD per token. Integer rates keep
// per-record costs and their sums exact; nothing is rounded before display.
type Rate struct {
	InputNanosPerToken  int64
	OutputNanosPerToken int64
}

// Table maps model identifiers to rates. Unknown models fail closed with an
// unknown_model error unless an explicit fallback rate is configured; there
// is deliberately no silent zero-cost path.
type Table struct {
	rates    map[string]Rate
	fallback *Rate
}

// NewTable builds a table from explicit rates and an optional fallback.
func NewTable(rates map[string]Rate, fallback *Rate) *Table {
	copied := make(map[string]Rate, len(rates))
	for model, rate := range rates {
		copied[model] = rate
	}
	return &Table{rates: copied, fallback: fallback}
}

// Default returns the built-in rate table. It covers the models the probe
// uses out of the box and carries no fallback.
func Default() *Table {
	return NewTable(map[string]Rate{
		// USD per 1M tokens: input 0.15, output 0.60
		"gpt-4o-mini":            {InputNanosPerToken: 150, OutputNanosPerToken: 600},
		"gpt-4o-mini-2024-07-18": {InputNanosPerToken: 150, OutputNanosPerToken: 600},
		// USD per 1M tokens: input 2.50, output 10.00
		"gpt-4o": {InputNanosPerToken: 2_500, OutputNanosPerToken: 10_000},
	}, nil)
}

// Estimate returns the cost of a single call in nano-USD.
func (t *Table) Estimate(model string, promptTokens, completionTokens int64) (int64, error) {
	if promptTokens < 0 || completionTokens < 0 {
		return 0, apperr.Validation("token counts must be non-negative")
	}

	rate, ok := t.rates[model]
	if !ok {
		if t.fallback == nil {
			return 0, apperr.UnknownModel(model)
		}
		rate = *t.fallback
	}

	return promptTokens*rate.InputNanosPerToken + completionTokens*rate.OutputNanosPerToken, nil
}

// HasModel reports whether the table prices the model explicitly.
func (t *Table) HasModel(model string) bool {
	_, ok := t.rates[model]
	return ok
}

// fileRate is one pricing entry as written in the YAML table. Rates are
// given in USD per one million tokens, the unit providers publish.
type fileRate struct {
	USDPerMillionInput  float64 `yaml:"usd_per_million_input"`
	USDPerMillionOutput float64 `yaml:"usd_per_million_output"`
}

type fileTable struct {
	Models  map[string]fileRate `yaml:"models"`
	Default *fileRate           `yaml:"default"`
}

// LoadFile reads a rate table from a YAML file. The presence of a `default`
// entry is the explicit opt-in for pricing unknown models.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing table: %w", err)
	}

	var ft fileTable
	if err := yaml.Unmarshal(data, &ft); err != nil {
		return nil, fmt.Errorf("failed to parse pricing table: %w", err)
	}
	if len(ft.Models) == 0 && ft.Default == nil {
		return nil, fmt.Errorf("pricing table %s defines no models", path)
	}

	rates := make(map[string]Rate, len(ft.Models))
	for model, fr := range ft.Models {
		rate, err := fr.toRate()
		if err != nil {
			return nil, fmt.Errorf("pricing for model %q: %w", model, err)
		}
		rates[model] = rate
	}

	var fallback *Rate
	if ft.Default != nil {
		rate, err := ft.Default.toRate()
		if err != nil {
			return nil, fmt.Errorf("default pricing: %w", err)
		}
		fallback = &rate
	}

	return NewTable(rates, fallback), nil
}

func (fr fileRate) toRate() (Rate, error) {
	in, err := usdPerMillionToNanos(fr.USDPerMillionInput)
	if err != nil {
		return Rate{}, err
	}
	out, err := usdPerMillionToNanos(fr.USDPerMillionOutput)
	if err != nil {
		return Rate{}, err
	}
	return Rate{InputNanosPerToken: in, OutputNanosPerToken: out}, nil
}

// usdPerMillionToNanos converts USD per 1M tokens to nano-USD per token.
// The two units differ by exactly 1e3, so published prices with up to three
// decimal places convert without loss.
func usdPerMillionToNanos(usdPerMillion float64) (int64, error) {
	if usdPerMillion < 0 {
		return 0, fmt.Errorf("rate must be non-negative")
	}
	nanos := math.Round(usdPerMillion * 1_000)
	if math.Abs(nanos-usdPerMillion*1_000) > 1e-6 {
		return 0, fmt.Errorf("rate %v has sub-nano precision", usdPerMillion)
	}
	return int64(nanos), nil
}
