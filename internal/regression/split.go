package regression

import (
	"math"
	"math/rand/v2"
)

// Seed fixes the hold-out shuffle so repeated trainings on the same data report
// the same error.
const Seed = 42

// TrainTestSplit shuffles row indices deterministically and holds out
// ceil(testFraction*n) of them.
func TrainTestSplit(n int, testFraction float64, seed uint64) (train, test []int) {
	perm := rand.New(rand.NewPCG(seed, 0)).Perm(n)
	nTest := int(math.Ceil(testFraction * float64(n)))
	if nTest >= n {
		nTest = n - 1
	}
	return perm[nTest:], perm[:nTest]
}

// Subset picks rows and targets by index.
func Subset(X [][]float64, y []float64, idx []int) ([][]float64, []float64) {
	xs := make([][]float64, len(idx))
	ys := make([]float64, len(idx))
	for k, i := range idx {
		xs[k] = X[i]
		ys[k] = y[i]
	}
	return xs, ys
}

// MeanAbsoluteError compares targets with predictions.
func MeanAbsoluteError(y, pred []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	var sum float64
	for i := range y {
		sum += math.Abs(y[i] - pred[i])
	}
	return sum / float64(len(y))
}
