package regression

import "gonum.org/v1/gonum/stat"

// Scaler standardises columns to zero mean and unit variance. Constant columns
// keep a scale of 1 so they map to 0.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitScaler learns per-column population mean and standard deviation.
func FitScaler(X [][]float64) Scaler {
	cols := len(X[0])
	s := Scaler{Mean: make([]float64, cols), Scale: make([]float64, cols)}
	col := make([]float64, len(X))
	for j := 0; j < cols; j++ {
		for i, row := range X {
			col[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		s.Mean[j] = mean
		if std == 0 {
			std = 1
		}
		s.Scale[j] = std
	}
	return s
}

// Transform standardises one row into a new slice.
func (s Scaler) Transform(row []float64) []float64 {
	out := make([]float64, len(s.Mean))
	for j := range s.Mean {
		var v float64
		if j < len(row) {
			v = row[j]
		}
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out
}

// TransformAll standardises every row.
func (s Scaler) TransformAll(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = s.Transform(row)
	}
	return out
}
