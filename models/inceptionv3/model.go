// Package inceptionv3 runs a frozen, pre-trained InceptionV3 (Keras weights) as a feature extractor.
//
// It provides the 2048-dimensional pooled embeddings used by the Fréchet Inception Distance, and
// a list of intermediate activations usable as perceptual features by the generator loss.
//
// The weights are not downloaded: they must be unpacked beforehand (one tensor file per Keras weight, as
// written by GoMLX's hdf5 unpacking tool) under "<baseDir>/gomlx_weights".
package inceptionv3

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

const (
	// Scope where the frozen weights are created, relative to the root scope.
	Scope = "inceptionv3"

	// UnpackedWeightsName is the subdirectory of baseDir holding the unpacked weights.
	UnpackedWeightsName = "gomlx_weights"

	// EmbeddingSize is the size of the pooled embedding returned by Model.Embeddings.
	EmbeddingSize = 2048

	// batchNormEpsilon used by the Keras model.
	batchNormEpsilon = 0.001
)

// Model builds the InceptionV3 computation with weights read from a base directory.
type Model struct {
	baseDir string
}

// New returns a Model reading its weights from baseDir. It checks that the unpacked weights are there.
func New(baseDir string) (*Model, error) {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return nil, err
	}
	if err := CheckWeights(baseDir); err != nil {
		return nil, err
	}
	return &Model{baseDir: baseDir}, nil
}

// CheckWeights returns an error if baseDir doesn't hold the unpacked InceptionV3 weights.
func CheckWeights(baseDir string) error {
	first := filepath.Join(baseDir, UnpackedWeightsName, kerasName("conv2d", 1, "kernel:0"))
	if _, err := os.Stat(first); err != nil {
		return errors.Wrapf(err, "InceptionV3 weights not found in %q (expected unpacked weights in %q)",
			baseDir, filepath.Join(baseDir, UnpackedWeightsName))
	}
	return nil
}

// kerasName is the path of a weight within the unpacked directory. Keras layer numbers start at 1.
func kerasName(layer string, index int, weight string) string {
	name := fmt.Sprintf("%s_%d", layer, index)
	return filepath.Join(name, name, weight)
}

// Embeddings returns the global-average-pooled activations of the last block, shaped [batch_size, 2048].
// Images must be channels-last, with values in [-1, 1].
func (m *Model) Embeddings(ctx *context.Context, images *Node) *Node {
	trunk := m.build(ctx, images)
	x := trunk[len(trunk)-1]
	return ReduceMean(x, 1, 2)
}

// PerceptualFeatures returns the activations after the stem, the first and the last mixed blocks.
// Its signature matches spade.FeatureFn.
func (m *Model) PerceptualFeatures(ctx *context.Context, images *Node) []*Node {
	trunk := m.build(ctx, images)
	return []*Node{trunk[0], trunk[1], trunk[len(trunk)-1]}
}

// build returns the output of the stem followed by the output of each of the 11 mixed blocks.
// The order of the convolutions matches the order in which Keras created (and numbered) them.
func (m *Model) build(ctx *context.Context, images *Node) []*Node {
	images.AssertRank(4)
	b := &builder{
		ctx:        ctx.InAbsPath(context.ScopeSeparator + Scope).Checked(false),
		g:          images.Graph(),
		weightsDir: filepath.Join(m.baseDir, UnpackedWeightsName),
	}
	x := PreprocessImage(images)

	// Stem.
	x = b.conv(x, 32, 3, 3, 2, false)
	x = b.conv(x, 32, 3, 3, 1, false)
	x = b.conv(x, 64, 3, 3, 1, true)
	x = MaxPool(x).Window(3).Strides(2).NoPadding().Done()
	x = b.conv(x, 80, 1, 1, 1, false)
	x = b.conv(x, 192, 3, 3, 1, false)
	x = MaxPool(x).Window(3).Strides(2).NoPadding().Done()
	outputs := []*Node{x}

	for _, poolChannels := range []int{32, 64, 64} {
		x = b.mixed35(x, poolChannels)
		outputs = append(outputs, x)
	}
	x = b.reduction17(x)
	outputs = append(outputs, x)
	for _, channels := range []int{128, 160, 160, 192} {
		x = b.mixed17(x, channels)
		outputs = append(outputs, x)
	}
	x = b.reduction8(x)
	outputs = append(outputs, x)
	for range 2 {
		x = b.mixed8(x)
		outputs = append(outputs, x)
	}
	return outputs
}

// builder reads the Keras weights in creation order.
type builder struct {
	ctx        *context.Context
	g          *Graph
	weightsDir string
	numConvs   int
}

func concat(nodes ...*Node) *Node { return Concatenate(nodes, -1) }

func avgPoolSame(x *Node) *Node { return MeanPool(x).Window(3).Strides(1).PadSame().Done() }

// mixed35 is a mixed block at the 35x35 resolution (for 299x299 inputs).
func (b *builder) mixed35(x *Node, poolChannels int) *Node {
	branch1x1 := b.conv(x, 64, 1, 1, 1, true)
	branch5x5 := b.conv(x, 48, 1, 1, 1, true)
	branch5x5 = b.conv(branch5x5, 64, 5, 5, 1, true)
	branch3x3 := b.conv(x, 64, 1, 1, 1, true)
	branch3x3 = b.conv(branch3x3, 96, 3, 3, 1, true)
	branch3x3 = b.conv(branch3x3, 96, 3, 3, 1, true)
	branchPool := b.conv(avgPoolSame(x), poolChannels, 1, 1, 1, true)
	return concat(branch1x1, branch5x5, branch3x3, branchPool)
}

func (b *builder) reduction17(x *Node) *Node {
	branch3x3 := b.conv(x, 384, 3, 3, 2, false)
	branchDbl := b.conv(x, 64, 1, 1, 1, true)
	branchDbl = b.conv(branchDbl, 96, 3, 3, 1, true)
	branchDbl = b.conv(branchDbl, 96, 3, 3, 2, false)
	branchPool := MaxPool(x).Window(3).Strides(2).NoPadding().Done()
	return concat(branch3x3, branchDbl, branchPool)
}

// mixed17 is a mixed block with factorized 7x7 convolutions, at the 17x17 resolution.
func (b *builder) mixed17(x *Node, channels int) *Node {
	branch1x1 := b.conv(x, 192, 1, 1, 1, true)
	branch7x7 := b.conv(x, channels, 1, 1, 1, true)
	branch7x7 = b.conv(branch7x7, channels, 1, 7, 1, true)
	branch7x7 = b.conv(branch7x7, 192, 7, 1, 1, true)
	branchDbl := b.conv(x, channels, 1, 1, 1, true)
	branchDbl = b.conv(branchDbl, channels, 7, 1, 1, true)
	branchDbl = b.conv(branchDbl, channels, 1, 7, 1, true)
	branchDbl = b.conv(branchDbl, channels, 7, 1, 1, true)
	branchDbl = b.conv(branchDbl, 192, 1, 7, 1, true)
	branchPool := b.conv(avgPoolSame(x), 192, 1, 1, 1, true)
	return concat(branch1x1, branch7x7, branchDbl, branchPool)
}

func (b *builder) reduction8(x *Node) *Node {
	branch3x3 := b.conv(x, 192, 1, 1, 1, true)
	branch3x3 = b.conv(branch3x3, 320, 3, 3, 2, false)
	branch7x7 := b.conv(x, 192, 1, 1, 1, true)
	branch7x7 = b.conv(branch7x7, 192, 1, 7, 1, true)
	branch7x7 = b.conv(branch7x7, 192, 7, 1, 1, true)
	branch7x7 = b.conv(branch7x7, 192, 3, 3, 2, false)
	branchPool := MaxPool(x).Window(3).Strides(2).NoPadding().Done()
	return concat(branch3x3, branch7x7, branchPool)
}

// mixed8 is a mixed block with expanded filter banks, at the 8x8 resolution.
func (b *builder) mixed8(x *Node) *Node {
	branch1x1 := b.conv(x, 320, 1, 1, 1, true)
	branch3x3 := b.conv(x, 384, 1, 1, 1, true)
	branch3x3 = concat(
		b.conv(branch3x3, 384, 1, 3, 1, true),
		b.conv(branch3x3, 384, 3, 1, 1, true))
	branchDbl := b.conv(x, 448, 1, 1, 1, true)
	branchDbl = b.conv(branchDbl, 384, 3, 3, 1, true)
	branchDbl = concat(
		b.conv(branchDbl, 384, 1, 3, 1, true),
		b.conv(branchDbl, 384, 3, 1, 1, true))
	branchPool := b.conv(avgPoolSame(x), 192, 1, 1, 1, true)
	return concat(branch1x1, branch3x3, branchDbl, branchPool)
}

// conv is a convolution without bias, followed by a frozen batch normalization without scale and a ReLU.
func (b *builder) conv(x *Node, channels, kernelHeight, kernelWidth, stride int, padSame bool) *Node {
	b.numConvs++
	idx := b.numConvs
	kernel := b.weight(fmt.Sprintf("conv2d_%d", idx), "kernel", kerasName("conv2d", idx, "kernel:0"))
	if dims := kernel.Shape().Dimensions; dims[0] != kernelHeight || dims[1] != kernelWidth || dims[3] != channels {
		exceptions.Panicf("inceptionv3: conv2d_%d weights shaped %s, expected a %dx%d kernel with %d channels",
			idx, kernel.Shape(), kernelHeight, kernelWidth, channels)
	}
	convolve := Convolve(x, kernel).Strides(stride)
	if padSame {
		convolve = convolve.PadSame()
	} else {
		convolve = convolve.NoPadding()
	}
	x = convolve.Done()

	bnScope := fmt.Sprintf("batch_normalization_%d", idx)
	mean := b.weight(bnScope, "mean", kerasName("batch_normalization", idx, "moving_mean:0"))
	variance := b.weight(bnScope, "variance", kerasName("batch_normalization", idx, "moving_variance:0"))
	offset := b.weight(bnScope, "offset", kerasName("batch_normalization", idx, "beta:0"))
	x = Mul(Sub(x, perChannel(mean)), perChannel(Rsqrt(AddScalar(variance, batchNormEpsilon))))
	x = Add(x, perChannel(offset))
	return activations.Relu(x)
}

// weight returns the graph node of a frozen variable, loading its value from the unpacked weights
// the first time it is used.
func (b *builder) weight(scope, name, fileName string) *Node {
	ctx := b.ctx.In(scope)
	if v := ctx.GetVariableByScopeAndName(ctx.Scope(), name); v != nil {
		return v.ValueGraph(b.g)
	}
	value, err := tensors.Load(filepath.Join(b.weightsDir, fileName))
	if err != nil {
		panic(errors.WithMessagef(err, "inceptionv3: loading weights for %s/%s", ctx.Scope(), name))
	}
	v := ctx.VariableWithValue(name, value).SetTrainable(false)
	return v.ValueGraph(b.g)
}

// perChannel reshapes a [channels] vector to broadcast over channels-last images.
func perChannel(v *Node) *Node {
	return Reshape(v, 1, 1, 1, v.Shape().Dimensions[0])
}
