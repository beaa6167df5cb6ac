package fid

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randomFeatures(rng *rand.Rand, n, dim int, shift float64) *mat.Dense {
	data := make([]float64, n*dim)
	for ii := range data {
		data[ii] = rng.NormFloat64() + shift
	}
	return mat.NewDense(n, dim, data)
}

func TestDistanceIdentical(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	a := randomFeatures(rng, 50, 8, 0)
	d, err := Distance(a, a)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, d, 1e-6)

	// Fewer samples than dimensions: singular covariance, still ~0.
	b := randomFeatures(rng, 5, 16, 0)
	d, err = Distance(b, b)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, d, 1e-6)
}

func TestDistanceShift(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	a := randomFeatures(rng, 40, 6, 0)
	var shifted mat.Dense
	shifted.Apply(func(_, _ int, v float64) float64 { return v + 0.5 }, a)
	// Same covariance: only the means contribute, 6 * 0.5².
	d, err := Distance(a, &shifted)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, d, 1e-6)

	// Symmetric.
	dBack, err := Distance(&shifted, a)
	require.NoError(t, err)
	assert.InDelta(t, d, dBack, 1e-6)

	// Farther distributions have larger distances.
	far := randomFeatures(rng, 40, 6, 3)
	near := randomFeatures(rng, 40, 6, 0.1)
	dFar, err := Distance(a, far)
	require.NoError(t, err)
	dNear, err := Distance(a, near)
	require.NoError(t, err)
	assert.Greater(t, dFar, dNear)
}

func TestDistanceErrors(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	_, err := Distance(randomFeatures(rng, 1, 4, 0), randomFeatures(rng, 10, 4, 0))
	require.True(t, errors.Is(err, ErrTooFewSamples))
	_, err = Distance(randomFeatures(rng, 10, 4, 0), randomFeatures(rng, 10, 5, 0))
	require.Error(t, err)
	_, err = DistanceFromRows(nil, nil)
	require.True(t, errors.Is(err, ErrTooFewSamples))
}

func TestPooledPixels(t *testing.T) {
	// Two images: constant 0.5 and constant -1.
	values := make([]float32, 2*8*12*3)
	for ii := range values[:8*12*3] {
		values[ii] = 0.5
	}
	for ii := 8 * 12 * 3; ii < len(values); ii++ {
		values[ii] = -1
	}
	images := tensors.FromFlatDataAndDimensions(values, 2, 8, 12, 3)
	features, err := DefaultPooledPixels.Extract(images)
	require.NoError(t, err)
	require.Len(t, features, 2)
	require.Len(t, features[0], 4*4*3)
	for _, v := range features[0] {
		assert.InDelta(t, 0.5, v, 1e-6)
	}
	for _, v := range features[1] {
		assert.InDelta(t, -1.0, v, 1e-6)
	}
}

func randomImages(rng *rand.Rand, n, height, width int) *tensors.Tensor {
	values := make([]float32, n*height*width*3)
	for ii := range values {
		values[ii] = rng.Float32()*2 - 1
	}
	return tensors.FromFlatDataAndDimensions(values, n, height, width, 3)
}

func TestEvaluator(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	ev := NewEvaluator(DefaultPooledPixels, 16, 20)
	real := randomImages(rng, 6, 30, 40)
	d, err := ev.Evaluate(real, real)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, d, 1e-4)

	dark := tensors.FromFlatDataAndDimensions(make([]float32, 6*30*40*3), 6, 30, 40, 3)
	d, err = ev.Evaluate(real, dark)
	require.NoError(t, err)
	assert.Greater(t, d, 0.0)

	_, err = ev.Evaluate(randomImages(rng, 1, 30, 40), randomImages(rng, 1, 30, 40))
	require.True(t, errors.Is(err, ErrTooFewSamples))
}

func TestAccumulator(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 10))
	acc := NewEvaluator(DefaultPooledPixels, 0, 0).NewAccumulator()
	_, err := acc.Distance()
	require.True(t, errors.Is(err, ErrTooFewSamples))
	for range 3 {
		batch := randomImages(rng, 1, 12, 16)
		require.NoError(t, acc.Add(batch, batch))
	}
	assert.Equal(t, 3, acc.Len())
	d, err := acc.Distance()
	require.NoError(t, err)
	assert.InDelta(t, 0.0, d, 1e-4)
}
