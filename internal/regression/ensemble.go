package regression

import (
	"sort"

	"gonum.org/v1/gonum/floats"
)

// EnsembleParams configures gradient boosting with squared loss.
type EnsembleParams struct {
	Estimators   int
	LearningRate float64
	MaxDepth     int
	MinLeaf      int
}

// DefaultEnsembleParams mirrors the settings the quotes were calibrated with:
// 100 depth-3 trees at learning rate 0.1.
func DefaultEnsembleParams() EnsembleParams {
	return EnsembleParams{Estimators: 100, LearningRate: 0.1, MaxDepth: 3, MinLeaf: 1}
}

// Ensemble is a fitted gradient-boosted tree model.
type Ensemble struct {
	Init         float64 `json:"init"`
	LearningRate float64 `json:"learning_rate"`
	Trees        []Tree  `json:"trees"`
}

// Tree is a binary regression tree stored as a flat node slice; node 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is either a split (Leaf false) or a leaf carrying Value.
type Node struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
}

// FitEnsemble boosts trees on the residuals of the running prediction.
// Fitting is deterministic: ties between equally good splits keep the first
// feature and the lowest threshold.
func FitEnsemble(X [][]float64, y []float64, p EnsembleParams) *Ensemble {
	n := len(X)
	e := &Ensemble{
		Init:         floats.Sum(y) / float64(n),
		LearningRate: p.LearningRate,
		Trees:        make([]Tree, 0, p.Estimators),
	}

	pred := make([]float64, n)
	for i := range pred {
		pred[i] = e.Init
	}
	residual := make([]float64, n)
	idx := make([]int, n)

	for t := 0; t < p.Estimators; t++ {
		for i := range residual {
			residual[i] = y[i] - pred[i]
			idx[i] = i
		}
		b := treeBuilder{X: X, y: residual, params: p}
		b.build(idx, 0)
		tree := Tree{Nodes: b.nodes}
		for i, row := range X {
			pred[i] += p.LearningRate * tree.Predict(row)
		}
		e.Trees = append(e.Trees, tree)
	}
	return e
}

// Predict sums the shrunken tree outputs on top of the initial constant.
func (e *Ensemble) Predict(x []float64) float64 {
	out := e.Init
	for i := range e.Trees {
		out += e.LearningRate * e.Trees[i].Predict(x)
	}
	return out
}

// Predict walks the tree from the root to a leaf.
func (t *Tree) Predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

type treeBuilder struct {
	X      [][]float64
	y      []float64
	params EnsembleParams
	nodes  []Node
}

type split struct {
	feature   int
	threshold float64
	gain      float64
	pos       int // rows [0,pos) of the sorted order go left
	order     []int
}

// build appends the subtree for rows idx and returns its node index.
func (b *treeBuilder) build(idx []int, depth int) int {
	self := len(b.nodes)
	b.nodes = append(b.nodes, Node{})

	var sum float64
	for _, i := range idx {
		sum += b.y[i]
	}
	mean := sum / float64(len(idx))

	if depth >= b.params.MaxDepth || len(idx) < 2*b.params.MinLeaf {
		b.nodes[self] = Node{Leaf: true, Value: mean}
		return self
	}

	best, ok := b.bestSplit(idx, sum)
	if !ok {
		b.nodes[self] = Node{Leaf: true, Value: mean}
		return self
	}

	left := append([]int(nil), best.order[:best.pos]...)
	right := append([]int(nil), best.order[best.pos:]...)
	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[self] = Node{Feature: best.feature, Threshold: best.threshold, Left: l, Right: r}
	return self
}

// bestSplit maximises the reduction of squared error over all features and
// all thresholds between distinct adjacent values.
func (b *treeBuilder) bestSplit(idx []int, total float64) (split, bool) {
	n := float64(len(idx))
	parent := total * total / n
	var best split
	found := false

	for f := range b.X[idx[0]] {
		order := append([]int(nil), idx...)
		sort.SliceStable(order, func(a, c int) bool { return b.X[order[a]][f] < b.X[order[c]][f] })

		var left float64
		for pos := 1; pos < len(order); pos++ {
			left += b.y[order[pos-1]]
			lo, hi := b.X[order[pos-1]][f], b.X[order[pos]][f]
			if lo == hi {
				continue
			}
			if pos < b.params.MinLeaf || len(order)-pos < b.params.MinLeaf {
				continue
			}
			nl := float64(pos)
			right := total - left
			gain := left*left/nl + right*right/(n-nl) - parent
			if gain > best.gain+1e-12 {
				best = split{feature: f, threshold: (lo + hi) / 2, gain: gain, pos: pos, order: order}
				found = true
			}
		}
	}
	return best, found
}
