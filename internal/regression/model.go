// Package regression fits the numeric models behind price and build-time
// estimates: a standardising scaler followed by either ordinary least squares or
// a gradient-boosted ensemble of shallow regression trees.
package regression

import (
	"errors"
	"fmt"
)

// Family selects the model behind the scaler.
type Family string

const (
	FamilyLinear   Family = "linear"
	FamilyEnsemble Family = "gradient_boosting"
)

// ErrNoSamples is returned when fitting on an empty training set.
var ErrNoSamples = errors.New("no training samples")

// Model is a fitted pipeline. Once returned by Fit it is never mutated, so it is
// safe to share between goroutines.
type Model struct {
	Family   Family    `json:"family"`
	Scaler   Scaler    `json:"scaler"`
	Linear   *Linear   `json:"linear,omitempty"`
	Ensemble *Ensemble `json:"ensemble,omitempty"`
}

// Fit trains a pipeline of the given family on rows X and targets y.
func Fit(family Family, X [][]float64, y []float64) (*Model, error) {
	if len(X) == 0 {
		return nil, ErrNoSamples
	}
	if len(X) != len(y) {
		return nil, fmt.Errorf("fit: %d rows but %d targets", len(X), len(y))
	}

	scaler := FitScaler(X)
	scaled := scaler.TransformAll(X)

	m := &Model{Family: family, Scaler: scaler}
	switch family {
	case FamilyLinear:
		lin, err := FitLinear(scaled, y)
		if err != nil {
			return nil, err
		}
		m.Linear = lin
	case FamilyEnsemble:
		m.Ensemble = FitEnsemble(scaled, y, DefaultEnsembleParams())
	default:
		return nil, fmt.Errorf("fit: unknown model family %q", family)
	}
	return m, nil
}

// Predict returns the raw (unclamped) model output for one row.
func (m *Model) Predict(row []float64) float64 {
	x := m.Scaler.Transform(row)
	switch {
	case m.Linear != nil:
		return m.Linear.Predict(x)
	case m.Ensemble != nil:
		return m.Ensemble.Predict(x)
	default:
		return 0
	}
}

// PredictAll predicts every row.
func (m *Model) PredictAll(X [][]float64) []float64 {
	out := make([]float64, len(X))
	for i, row := range X {
		out[i] = m.Predict(row)
	}
	return out
}
