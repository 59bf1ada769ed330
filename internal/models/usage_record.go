package models

import (
	"fmt"
	"math"
	"time"
)

// NanosPerUSD is the fixed-point scale for cost values: costs are carried as
// integer nano-USD so that per-record values and aggregate sums stay exact.
// Conversion to a decimal happens only at display time.
const NanosPerUSD = 1_000_000_000

// UsageRecord is an immutable usage fact. It is created once by the ingestion
// pipeline and never mutated; the whole log can only be cleared by reset.
type UsageRecord struct {
	ID               int64     `db:"id" json:"id"`
	Identity         string    `db:"identity" json:"identity"`
	Model            string    `db:"model" json:"model"`
	PromptTokens     int64     `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int64     `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int64     `db:"total_tokens" json:"total_tokens"`
	CostNanos        int64     `db:"cost_nanos" json:"-"`
	Timestamp        time.Time `db:"-" json:"timestamp"`
}

// CostUSD returns the display form of the record cost. Rounding to a float
// is acceptable here because it never feeds back into aggregation.
func (r *UsageRecord) CostUSD() float64 {
	return float64(r.CostNanos) / NanosPerUSD
}

// UsageSubmission is the caller-supplied part of a usage record. The caller
// total is never trusted; the store recomputes it from the two counts.
type UsageSubmission struct {
	Identity         string    `json:"identity"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	Timestamp        time.Time `json:"timestamp,omitempty"`
}

// UsageFilter narrows query and aggregate operations.
type UsageFilter struct {
	Identity string
	Model    string
	Since    time.Time
	Until    time.Time

	// AfterID and Limit page through large histories without materializing
	// the whole log. Zero Limit means the repository default.
	AfterID int64
	Limit   int
}

// UsageAggregate is computed over exactly the rows a Query with the same
// filter would return.
type UsageAggregate struct {
	RowCount              int64 `db:"row_count" json:"row_count"`
	TotalPromptTokens     int64 `db:"total_prompt_tokens" json:"total_prompt_tokens"`
	TotalCompletionTokens int64 `db:"total_completion_tokens" json:"total_completion_tokens"`
	TotalTokens           int64 `db:"total_tokens" json:"total_tokens"`
	TotalCostNanos        int64 `db:"total_cost_nanos" json:"-"`
}

// TotalCostUSD returns the display form of the aggregate cost.
func (a *UsageAggregate) TotalCostUSD() float64 {
	return float64(a.TotalCostNanos) / NanosPerUSD
}

// FormatUSD renders a nano-USD amount as a decimal string without float
// drift, e.g. 45000 -> "0.000045".
func FormatUSD(nanos int64) string {
	sign := ""
	if nanos < 0 {
		sign = "-"
		nanos = -nanos
	}
	whole := nanos / NanosPerUSD
	frac := nanos % NanosPerUSD
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	s := fmt.Sprintf("%09d", frac)
	for len(s) > 1 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	return fmt.Sprintf("%s%d.%s", sign, whole, s)
}

// Validate checks the caller-controlled fields of a submission.
func (s *UsageSubmission) Validate() error {
	if s.Model == "" {
		return fmt.Errorf("model is required")
	}
	if s.PromptTokens < 0 || s.CompletionTokens < 0 {
		return fmt.Errorf("token counts must be non-negative")
	}
	if s.PromptTokens > math.MaxInt64-s.CompletionTokens {
		return fmt.Errorf("token counts overflow")
	}
	return nil
}
