package inceptionv3

import (
	"flag"
	"path/filepath"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chekfung/James-TompGAN/internal/gantest"
)

var flagWeightsDir = flag.String("inception_dir", "", "Directory with the unpacked InceptionV3 weights. Tests using them are skipped if empty.")

func TestKerasName(t *testing.T) {
	assert.Equal(t, filepath.Join("conv2d_3", "conv2d_3", "kernel:0"), kerasName("conv2d", 3, "kernel:0"))
}

func TestCheckWeights(t *testing.T) {
	err := CheckWeights(t.TempDir())
	require.Error(t, err)
	_, err = New(t.TempDir())
	require.Error(t, err)
}

func TestPreprocessImage(t *testing.T) {
	backend := gantest.Backend()
	outputs := context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
		small := Ones(g, shapes.Make(dtypes.Float32, 2, 30, 40, 4))
		large := Ones(g, shapes.Make(dtypes.Float32, 1, 96, 128, 3))
		return []*Node{PreprocessImage(small), PreprocessImage(large)}
	})
	// Aspect ratio preserved: 30x40 scaled by 2.5.
	assert.Equal(t, []int{2, 75, 100, 3}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{1, 96, 128, 3}, outputs[1].Shape().Dimensions)
	for _, v := range tensors.MustCopyFlatData[float32](outputs[0]) {
		require.InDelta(t, 1.0, v, 1e-5)
	}
}

func TestExtractor(t *testing.T) {
	if *flagWeightsDir == "" {
		t.Skip("no --inception_dir given")
	}
	extractor, err := NewExtractor(gantest.Backend(), *flagWeightsDir)
	require.NoError(t, err)
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 3, 96, 128, 3))
	embeddings, err := extractor.Extract(images)
	require.NoError(t, err)
	require.Len(t, embeddings, 3)
	assert.Len(t, embeddings[0], EmbeddingSize)
	// Identical images, identical embeddings.
	assert.InDeltaSlice(t, embeddings[0], embeddings[2], 1e-4)
}
