package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costguardian/internal/apperr"
	"costguardian/internal/models"
)

func TestEstimate_KnownModel(t *testing.T) {
	table := Default()

	// gpt-4o-mini at $0.15/M input and $0.60/M output:
	// 100*150 + 50*600 = 45000 nano-USD = $0.000045 exactly.
	cost, err := table.Estimate("gpt-4o-mini", 100, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(45_000), cost)
	assert.Equal(t, "0.000045", models.FormatUSD(cost))
}

func TestEstimate_ZeroTokens(t *testing.T) {
	table := Default()

	cost, err := table.Estimate("gpt-4o", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cost)
}

func TestEstimate_UnknownModelFailsClosed(t *testing.T) {
	table := Default()

	_, err := table.Estimate("some-new-model", 10, 10)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindUnknownModel))
}

func TestEstimate_FallbackPricesUnknownModels(t *testing.T) {
	table := NewTable(map[string]Rate{
		"known": {InputNanosPerToken: 100, OutputNanosPerToken: 200},
	}, &Rate{InputNanosPerToken: 1_000, OutputNanosPerToken: 2_000})

	cost, err := table.Estimate("anything-else", 10, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(10*1_000+5*2_000), cost)

	// Explicit entries still win over the fallback.
	cost, err = table.Estimate("known", 10, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(10*100+5*200), cost)
}

func TestEstimate_NegativeTokensRejected(t *testing.T) {
	table := Default()

	_, err := table.Estimate("gpt-4o-mini", -1, 10)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestEstimate_SumOfPartsEqualsWhole(t *testing.T) {
	table := Default()

	// Splitting a workload across submissions must never change the total.
	whole, err := table.Estimate("gpt-4o", 1_000_003, 999_999)
	require.NoError(t, err)

	a, err := table.Estimate("gpt-4o", 1_000_000, 500_000)
	require.NoError(t, err)
	b, err := table.Estimate("gpt-4o", 3, 499_999)
	require.NoError(t, err)
	assert.Equal(t, whole, a+b)
}

func writePricingFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writePricingFile(t, `
models:
  gpt-4o-mini:
    usd_per_million_input: 0.15
    usd_per_million_output: 0.60
  custom-model:
    usd_per_million_input: 1.25
    usd_per_million_output: 5
`)

	table, err := LoadFile(path)
	require.NoError(t, err)

	assert.True(t, table.HasModel("gpt-4o-mini"))
	assert.True(t, table.HasModel("custom-model"))

	cost, err := table.Estimate("gpt-4o-mini", 100, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(45_000), cost)

	cost, err = table.Estimate("custom-model", 1_000_000, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1_250_000_000), cost) // $1.25 exactly

	// No default entry means unknown models still fail closed.
	_, err = table.Estimate("unlisted", 1, 1)
	assert.True(t, apperr.IsKind(err, apperr.KindUnknownModel))
}

func TestLoadFile_DefaultEntry(t *testing.T) {
	path := writePricingFile(t, `
models:
  gpt-4o:
    usd_per_million_input: 2.5
    usd_per_million_output: 10
default:
  usd_per_million_input: 1
  usd_per_million_output: 2
`)

	table, err := LoadFile(path)
	require.NoError(t, err)

	cost, err := table.Estimate("never-heard-of-it", 1_000, 1_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000*1_000+1_000*2_000), cost)
}

func TestLoadFile_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("empty table", func(t *testing.T) {
		path := writePricingFile(t, "models: {}\n")
		_, err := LoadFile(path)
		assert.Error(t, err)
	})

	t.Run("negative rate", func(t *testing.T) {
		path := writePricingFile(t, `
models:
  bad:
    usd_per_million_input: -1
    usd_per_million_output: 1
`)
		_, err := LoadFile(path)
		assert.Error(t, err)
	})

	t.Run("sub-nano precision", func(t *testing.T) {
		path := writePricingFile(t, `
models:
  bad:
    usd_per_million_input: 0.0001234
    usd_per_million_output: 1
`)
		_, err := LoadFile(path)
		assert.Error(t, err)
	})
}
