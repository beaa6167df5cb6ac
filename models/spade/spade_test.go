package spade

import (
	"fmt"
	"math"
	"strings"
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

const (
	testHeight = 30
	testWidth  = 40
)

func TestGeneratorShape(t *testing.T) {
	backend := gantest.Backend()
	ctx := gantest.SmallContext(testHeight, testWidth)
	gen := NewGenerator(ctx)
	for _, segSize := range [][2]int{{15, 20}, {30, 40}, {60, 80}} {
		t.Run(fmt.Sprintf("%dx%d", segSize[0], segSize[1]), func(t *testing.T) {
			output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				noise := AddScalar(MulScalar(ctx.RandomUniform(g, shapes.Make(dtypes.Float32, 2, gen.ZDim)), 2), -1)
				segmap := AddScalar(MulScalar(ctx.RandomUniform(g, shapes.Make(dtypes.Float32, 2, segSize[0], segSize[1], 3)), 2), -1)
				return gen.Forward(ctx, noise, segmap)
			})
			require.NoError(t, output.Shape().Check(dtypes.Float32, 2, testHeight, testWidth, 3))
			for _, v := range tensors.MustCopyFlatData[float32](output) {
				require.True(t, v >= -1 && v <= 1, "generated value %g out of [-1, 1]", v)
			}
		})
	}
}

func TestDiscriminatorShape(t *testing.T) {
	backend := gantest.Backend()
	ctx := gantest.SmallContext(testHeight, testWidth)
	disc := NewDiscriminator(ctx)
	scores := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		images := Zeros(g, shapes.Make(dtypes.Float32, 3, testHeight, testWidth, 3))
		segmap := Ones(g, shapes.Make(dtypes.Float32, 3, 15, 20, 3))
		return disc.Forward(ctx, images, segmap)
	})
	dims := scores.Shape().Dimensions
	require.Len(t, dims, 4)
	assert.Equal(t, 3, dims[0])
	assert.Equal(t, 1, dims[3])
	for _, v := range tensors.MustCopyFlatData[float32](scores) {
		require.True(t, v > 0 && v < 1)
	}
}

func TestParametersSeparated(t *testing.T) {
	backend := gantest.Backend()
	ctx := gantest.SmallContext(testHeight, testWidth)
	gen, disc := NewGenerator(ctx), NewDiscriminator(ctx)
	_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		noise := Zeros(g, shapes.Make(dtypes.Float32, 1, gen.ZDim))
		segmap := Zeros(g, shapes.Make(dtypes.Float32, 1, testHeight, testWidth, 3))
		fake := gen.Forward(ctx, noise, segmap)
		// Discriminator called twice: variables are shared.
		realScore := disc.Forward(ctx, segmap, segmap)
		fakeScore := disc.Forward(ctx, fake, segmap)
		return Add(ReduceAllMean(realScore), ReduceAllMean(fakeScore))
	})

	genParams := Parameters(ctx, gen)
	discParams := Parameters(ctx, disc)
	require.NotEmpty(t, genParams)
	require.NotEmpty(t, discParams)
	for _, v := range genParams {
		assert.True(t, strings.HasPrefix(v.Scope(), "/"+GeneratorScope), "variable %s", v.ParameterName())
	}
	for _, v := range discParams {
		assert.True(t, strings.HasPrefix(v.Scope(), "/"+DiscriminatorScope), "variable %s", v.ParameterName())
	}
	numTrainable := 0
	for v := range ctx.IterVariables() {
		if v.Trainable {
			numTrainable++
		}
	}
	assert.Equal(t, numTrainable, len(genParams)+len(discParams))
}

// lossOf evaluates the discriminator loss on constant scores.
func lossOf(ganLoss string, realScore, fakeScore float32) float32 {
	ctx := context.New()
	ctx.SetParam("gan_loss", ganLoss)
	loss := context.MustExecOnce(gantest.Backend(), ctx, func(ctx *context.Context, g *Graph) *Node {
		real := Const(g, [][]float32{{realScore, realScore}})
		fake := Const(g, [][]float32{{fakeScore, fakeScore}})
		return DiscriminatorLoss(ctx, real, fake)
	})
	return tensors.ToScalar[float32](loss)
}

func TestDiscriminatorLoss(t *testing.T) {
	for _, ganLoss := range []string{"bce", "hinge"} {
		t.Run(ganLoss, func(t *testing.T) {
			previous := lossOf(ganLoss, 0.5, 0.5)
			assert.GreaterOrEqual(t, previous, float32(0))
			// Moving real scores towards 1 and fake scores towards 0 never increases the loss.
			for _, step := range []float32{0.6, 0.75, 0.9, 0.99} {
				loss := lossOf(ganLoss, step, 1-step)
				assert.GreaterOrEqual(t, loss, float32(0))
				assert.LessOrEqual(t, loss, previous, "loss at real=%g", step)
				previous = loss
			}
			// Saturated scores stay finite.
			saturated := float64(lossOf(ganLoss, 0, 1))
			assert.False(t, math.IsInf(saturated, 0) || math.IsNaN(saturated))
		})
	}
}

func TestGeneratorLossTerms(t *testing.T) {
	backend := gantest.Backend()
	eval := func(terms string, lambdaL1 float64) float32 {
		ctx := context.New()
		ctx.SetParams(map[string]any{"gan_loss_terms": terms, "lambda_l1": lambdaL1, "lambda_vgg": 1.0})
		return tensors.ToScalar[float32](context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			fakeScore := Const(g, [][]float32{{0.5}})
			generated := Zeros(g, shapes.Make(dtypes.Float32, 1, 8, 8, 3))
			real := Ones(g, shapes.Make(dtypes.Float32, 1, 8, 8, 3))
			return GeneratorLoss(ctx, fakeScore, generated, real, PyramidFeatures)
		}))
	}
	adversarial := eval("adversarial", 0)
	assert.InDelta(t, 0.6931, adversarial, 1e-3) // -log(0.5)
	// 4 pyramid levels, each at mean distance 1.
	assert.InDelta(t, adversarial+4, eval("full", 0), 1e-3)
	assert.InDelta(t, adversarial+4+0.5, eval("full", 0.5), 1e-3)
}

func TestPyramidFeatures(t *testing.T) {
	features := context.MustExecOnceN(gantest.Backend(), context.New(), func(ctx *context.Context, g *Graph) []*Node {
		return PyramidFeatures(ctx, Ones(g, shapes.Make(dtypes.Float32, 2, 30, 40, 3)))
	})
	require.Len(t, features, 4)
	assert.Equal(t, []int{2, 15, 20, 3}, features[1].Shape().Dimensions)
	assert.Equal(t, []int{2, 3, 5, 3}, features[3].Shape().Dimensions)
}
