package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
)

// IsolationForest is a seeded Isolation Forest. The same seed and the same
// data always produce the same trees.
type IsolationForest struct {
	trees      []*IsolationTree
	numTrees   int
	sampleSize int
	maxDepth   int
	rng        *rand.Rand
}

type IsolationTree struct {
	root *TreeNode
}

type TreeNode struct {
	splitFeature int
	splitValue   float64
	left         *TreeNode
	right        *TreeNode
	size         int
}

func (n *TreeNode) isLeaf() bool { return n.left == nil && n.right == nil }

// NewIsolationForest creates an unfitted forest. sampleSize caps the
// per-tree subsample; it is reduced to the data size at fit time.
func NewIsolationForest(numTrees, sampleSize int, seed uint64) *IsolationForest {
	return &IsolationForest{
		numTrees:   numTrees,
		sampleSize: sampleSize,
		rng:        rand.New(rand.NewPCG(seed, seed)),
	}
}

// Fit builds every tree from subsamples drawn without replacement.
func (iforest *IsolationForest) Fit(ctx context.Context, data [][]float64) error {
	if len(data) == 0 {
		return fmt.Errorf("no training data provided")
	}
	if iforest.numTrees <= 0 {
		return fmt.Errorf("tree count must be positive, got %d", iforest.numTrees)
	}
	width := len(data[0])
	for i, row := range data {
		if len(row) != width || width == 0 {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), width)
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("row %d has a non-finite feature", i)
			}
		}
	}

	psi := iforest.sampleSize
	if psi <= 0 || psi > len(data) {
		psi = len(data)
	}
	iforest.sampleSize = psi
	iforest.maxDepth = int(math.Ceil(math.Log2(float64(psi))))

	iforest.trees = make([]*IsolationTree, 0, iforest.numTrees)
	for i := 0; i < iforest.numTrees; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		sample := iforest.sampleData(data, psi)
		iforest.trees = append(iforest.trees, &IsolationTree{root: iforest.buildTree(sample, 0)})
	}
	return nil
}

// Score returns 2^(-E[h(x)]/c(psi)). Values near 1 are anomalous, values
// well below 0.5 are normal.
func (iforest *IsolationForest) Score(sample []float64) float64 {
	if len(iforest.trees) == 0 {
		return 0.0
	}

	avgPathLength := 0.0
	for _, tree := range iforest.trees {
		avgPathLength += pathLength(tree.root, sample, 0)
	}
	avgPathLength /= float64(len(iforest.trees))

	c := averagePathLength(iforest.sampleSize)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -avgPathLength/c)
}

func (iforest *IsolationForest) buildTree(data [][]float64, depth int) *TreeNode {
	if len(data) <= 1 || depth >= iforest.maxDepth {
		return &TreeNode{size: len(data)}
	}

	// only features that still vary can split this node
	var splittable []int
	for f := range data[0] {
		if lo, hi := getFeatureRange(data, f); lo < hi {
			splittable = append(splittable, f)
		}
	}
	if len(splittable) == 0 {
		return &TreeNode{size: len(data)}
	}

	featureIdx := splittable[iforest.rng.IntN(len(splittable))]
	minVal, maxVal := getFeatureRange(data, featureIdx)
	splitValue := minVal + iforest.rng.Float64()*(maxVal-minVal)

	var leftData, rightData [][]float64
	for _, sample := range data {
		if sample[featureIdx] < splitValue {
			leftData = append(leftData, sample)
		} else {
			rightData = append(rightData, sample)
		}
	}

	return &TreeNode{
		splitFeature: featureIdx,
		splitValue:   splitValue,
		size:         len(data),
		left:         iforest.buildTree(leftData, depth+1),
		right:        iforest.buildTree(rightData, depth+1),
	}
}

func pathLength(node *TreeNode, sample []float64, currentDepth int) float64 {
	if node.isLeaf() {
		return float64(currentDepth) + averagePathLength(node.size)
	}
	if sample[node.splitFeature] < node.splitValue {
		return pathLength(node.left, sample, currentDepth+1)
	}
	return pathLength(node.right, sample, currentDepth+1)
}

// sampleData draws n distinct rows.
func (iforest *IsolationForest) sampleData(data [][]float64, n int) [][]float64 {
	if n >= len(data) {
		return data
	}
	perm := iforest.rng.Perm(len(data))
	sample := make([][]float64, n)
	for i := 0; i < n; i++ {
		sample[i] = data[perm[i]]
	}
	return sample
}

func getFeatureRange(data [][]float64, featureIdx int) (float64, float64) {
	lo, hi := data[0][featureIdx], data[0][featureIdx]
	for _, sample := range data[1:] {
		lo = math.Min(lo, sample[featureIdx])
		hi = math.Max(hi, sample[featureIdx])
	}
	return lo, hi
}

// averagePathLength is c(n), the mean unsuccessful-search depth of a BST
// with n nodes.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	const eulerGamma = 0.5772156649
	return 2.0*(math.Log(float64(n-1))+eulerGamma) - 2.0*float64(n-1)/float64(n)
}
