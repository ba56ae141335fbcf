package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Market identifies a monitored prediction market. The registry is built
// once from configuration and never mutated afterwards.
type Market struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

// Threshold is a named sum cutoff used to classify observations.
type Threshold struct {
	Name  string
	Value decimal.Decimal
}

// NewThreshold parses a configured cutoff value. The value is kept as a
// decimal so classifications near a boundary are never flipped by float
// rounding.
func NewThreshold(name, value string) (Threshold, error) {
	if name == "" {
		return Threshold{}, fmt.Errorf("threshold name is required")
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Threshold{}, fmt.Errorf("threshold %s: invalid value %q: %w", name, value, err)
	}
	if !d.IsPositive() {
		return Threshold{}, fmt.Errorf("threshold %s: value must be positive, got %s", name, d)
	}
	return Threshold{Name: name, Value: d}, nil
}

// Column returns the persisted column label for this cutoff, e.g. "Below_1.00".
func (t Threshold) Column() string {
	if t.Value.Exponent() < -2 {
		return "Below_" + t.Value.String()
	}
	return "Below_" + t.Value.StringFixed(2)
}

// ThresholdSet is the ordered list of cutoffs shared read-only by all
// evaluations.
type ThresholdSet []Threshold

// NewThresholdSet validates the configured cutoffs and preserves their order.
func NewThresholdSet(cutoffs []Threshold) (ThresholdSet, error) {
	if len(cutoffs) == 0 {
		return nil, fmt.Errorf("at least one threshold is required")
	}
	seen := make(map[string]struct{}, len(cutoffs))
	for _, t := range cutoffs {
		if _, ok := seen[t.Name]; ok {
			return nil, fmt.Errorf("duplicate threshold name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return ThresholdSet(cutoffs), nil
}

// Columns returns the classification column labels in configured order.
func (ts ThresholdSet) Columns() []string {
	cols := make([]string, 0, len(ts))
	for _, t := range ts {
		cols = append(cols, t.Column())
	}
	return cols
}
