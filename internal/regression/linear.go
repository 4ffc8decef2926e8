package regression

import (
	"errors"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// rcond is the relative singular-value cutoff used to decide the rank of the
// design matrix.
const rcond = 1e-12

// Linear is an ordinary least-squares fit with intercept.
type Linear struct {
	Intercept float64   `json:"intercept"`
	Coef      []float64 `json:"coef"`
}

// FitLinear solves min ||Xw + b - y|| on standardised X. Rank-deficient systems
// (fewer samples than features, constant columns) get the minimum-norm solution.
func FitLinear(X [][]float64, y []float64) (*Linear, error) {
	n, p := len(X), len(X[0])

	xMean := make([]float64, p)
	for _, row := range X {
		floats.Add(xMean, row)
	}
	floats.Scale(1/float64(n), xMean)
	yMean := floats.Sum(y) / float64(n)

	data := make([]float64, 0, n*p)
	for _, row := range X {
		for j, v := range row {
			data = append(data, v-xMean[j])
		}
	}
	centered := make([]float64, n)
	for i, v := range y {
		centered[i] = v - yMean
	}

	coef := make([]float64, p)
	var svd mat.SVD
	if !svd.Factorize(mat.NewDense(n, p, data), mat.SVDThin) {
		return nil, errors.New("fit linear: singular value decomposition failed")
	}
	if rank := svd.Rank(rcond); rank > 0 {
		var w mat.VecDense
		svd.SolveVecTo(&w, mat.NewVecDense(n, centered), rank)
		for j := 0; j < p; j++ {
			coef[j] = w.AtVec(j)
		}
	}

	return &Linear{
		Intercept: yMean - floats.Dot(xMean, coef),
		Coef:      coef,
	}, nil
}

// Predict evaluates the fitted hyperplane.
func (l *Linear) Predict(x []float64) float64 {
	return l.Intercept + floats.Dot(l.Coef, x)
}
