package config

import "math"

// TriageWeights is the weight set behind the priority score: a weighted sum
// over severity, asset criticality, corroboration signal, and FP clearance
// (1 - historical false-positive rate). The four weights must sum to 1.0.
// The Analyst's calibration batch publishes updated weights to the learnings
// index; Triage reads those at runtime and falls back to these defaults.
type TriageWeights struct {
	Severity         float64 `json:"severity"`
	AssetCriticality float64 `json:"asset_criticality"`
	Corroboration    float64 `json:"corroboration"`
	FPClearance      float64 `json:"fp_clearance"`
}

// DefaultTriageWeights returns the built-in weight set.
func DefaultTriageWeights() TriageWeights {
	return TriageWeights{
		Severity:         0.35,
		AssetCriticality: 0.30,
		Corroboration:    0.20,
		FPClearance:      0.15,
	}
}

// Valid reports whether the weights are non-negative and sum to 1.0 within
// floating-point tolerance.
func (w TriageWeights) Valid() bool {
	if w.Severity < 0 || w.AssetCriticality < 0 || w.Corroboration < 0 || w.FPClearance < 0 {
		return false
	}
	sum := w.Severity + w.AssetCriticality + w.Corroboration + w.FPClearance
	return math.Abs(sum-1.0) < 1e-6
}
