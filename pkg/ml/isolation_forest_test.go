package ml

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(0))
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.InDelta(t, 10.24, averagePathLength(256), 0.01)
}

func TestIsolationForestFitValidates(t *testing.T) {
	ctx := context.Background()
	f := NewIsolationForest(10, 256, 1)

	assert.Error(t, f.Fit(ctx, nil))
	assert.Error(t, f.Fit(ctx, [][]float64{{1, 2}, {3}}))
	assert.Error(t, f.Fit(ctx, [][]float64{{1, math.NaN()}, {3, 4}}))
	assert.Error(t, NewIsolationForest(0, 256, 1).Fit(ctx, [][]float64{{1}}))
}

func TestIsolationForestSubsampleAndDepth(t *testing.T) {
	data := make([][]float64, 300)
	for i := range data {
		data[i] = []float64{float64(i), float64(i % 7)}
	}
	f := NewIsolationForest(5, 256, 42)
	require.NoError(t, f.Fit(context.Background(), data))

	assert.Len(t, f.trees, 5)
	assert.Equal(t, 256, f.sampleSize)
	assert.Equal(t, 8, f.maxDepth)
	for _, tree := range f.trees {
		assert.Equal(t, 256, tree.root.size)
	}

	small := NewIsolationForest(5, 256, 42)
	require.NoError(t, small.Fit(context.Background(), data[:20]))
	assert.Equal(t, 20, small.sampleSize)
	assert.Equal(t, 5, small.maxDepth)
}

func TestIsolationForestScoresOutlierHigher(t *testing.T) {
	data := make([][]float64, 0, 41)
	for i := 0; i < 40; i++ {
		data = append(data, []float64{float64(100 + i), float64(200 + i)})
	}
	data = append(data, []float64{100000, 100000})

	f := NewIsolationForest(100, 256, 42)
	require.NoError(t, f.Fit(context.Background(), data))

	outlier := f.Score(data[40])
	inlier := f.Score(data[20])
	assert.Greater(t, outlier, inlier)
	assert.Greater(t, outlier, 0.5)
}
