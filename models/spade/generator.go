package spade

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
)

// GeneratorScope is the scope of the generator variables.
const GeneratorScope = "generator"

// minChannels is the smallest number of channels of a generator stage.
const minChannels = 16

// Generator synthesizes images from latent noise and a segmentation map.
// It implements Model.
type Generator struct {
	Height, Width int
	ZDim          int
	BaseChannels  int
	NumBlocks     int
	SpadeHidden   int
	DType         dtypes.DType
}

// NewGenerator creates a Generator configured from the hyperparameters in ctx.
func NewGenerator(ctx *context.Context) *Generator {
	return &Generator{
		Height:       context.GetParamOr(ctx, "image_height", 96),
		Width:        context.GetParamOr(ctx, "image_width", 128),
		ZDim:         context.GetParamOr(ctx, "z_dim", 64),
		BaseChannels: context.GetParamOr(ctx, "gen_base_channels", 256),
		NumBlocks:    context.GetParamOr(ctx, "gen_num_blocks", 4),
		SpadeHidden:  context.GetParamOr(ctx, "spade_hidden", 64),
		DType:        dtypeParam(ctx),
	}
}

// Scope implements Model.
func (gen *Generator) Scope() string { return GeneratorScope }

// String implements fmt.Stringer.
func (gen *Generator) String() string {
	return fmt.Sprintf("SPADE generator (%dx%d, z_dim=%d, %d blocks from %d channels)",
		gen.Height, gen.Width, gen.ZDim, gen.NumBlocks, gen.BaseChannels)
}

// Forward implements Model: inputs are the noise, shaped [batch_size, z_dim], and the segmentation
// map, shaped [batch_size, height, width, 3] of any spatial resolution.
//
// It returns the generated images shaped [batch_size, gen.Height, gen.Width, 3], in [-1, 1].
func (gen *Generator) Forward(ctx *context.Context, inputs ...*Node) *Node {
	noise, segmap := inputs[0], inputs[1]
	noise.AssertRank(2)
	segmap.AssertRank(4)
	ctx = ModelContext(ctx, gen)
	noise = ConvertDType(noise, gen.DType)
	segmap = ConvertDType(segmap, gen.DType)
	batchSize := noise.Shape().Dimensions[0]

	// Initial spatial size: upsampling NumBlocks times must reach at least (Height, Width).
	scale := 1 << gen.NumBlocks
	h0 := (gen.Height + scale - 1) / scale
	w0 := (gen.Width + scale - 1) / scale

	x := layers.Dense(ctx.In("projection"), noise, true, h0*w0*gen.BaseChannels)
	x = Reshape(x, batchSize, h0, w0, gen.BaseChannels)
	channels := gen.BaseChannels
	for block := range gen.NumBlocks {
		outChannels := max(channels/2, minChannels)
		dims := x.Shape().Dimensions
		x = Interpolate(x, NoInterpolation, 2*dims[1], 2*dims[2], NoInterpolation).Nearest().Done()
		x = gen.residualBlock(ctx.Inf("%03d-spade_block", block), x, segmap, outChannels)
		channels = outChannels
	}

	x = gen.spadeNorm(ctx.In("final_spade"), x, segmap)
	x = activations.LeakyReluWithAlpha(x, 0.2)
	x = layers.Convolution(ctx.In("to_rgb"), x).Channels(3).KernelSize(3).PadSame().Done()
	x = Tanh(x)
	// Bilinear interpolation is a convex combination, so values stay in [-1, 1].
	return resizeTo(x, gen.Height, gen.Width, false)
}

// residualBlock is a SPADE residual block: two SPADE-normalized convolutions plus a (learned if the
// number of channels changes) shortcut.
func (gen *Generator) residualBlock(ctx *context.Context, x, segmap *Node, outChannels int) *Node {
	inChannels := x.Shape().Dimensions[3]
	midChannels := min(inChannels, outChannels)

	shortcut := x
	if inChannels != outChannels {
		shortcut = gen.spadeNorm(ctx.In("shortcut_spade"), x, segmap)
		shortcut = layers.Convolution(ctx.In("shortcut_conv"), shortcut).
			Channels(outChannels).KernelSize(1).UseBias(false).Done()
	}

	dx := gen.spadeNorm(ctx.In("spade_0"), x, segmap)
	dx = activations.LeakyReluWithAlpha(dx, 0.2)
	dx = layers.Convolution(ctx.In("conv_0"), dx).Channels(midChannels).KernelSize(3).PadSame().Done()
	dx = gen.spadeNorm(ctx.In("spade_1"), dx, segmap)
	dx = activations.LeakyReluWithAlpha(dx, 0.2)
	dx = layers.Convolution(ctx.In("conv_1"), dx).Channels(outChannels).KernelSize(3).PadSame().Done()
	return Add(shortcut, dx)
}

// spadeNorm is the spatially-adaptive normalization: x is normalized per example and channel
// (no learned affine), then modulated by gamma and beta maps computed from the segmentation map
// resized to x's resolution.
func (gen *Generator) spadeNorm(ctx *context.Context, x, segmap *Node) *Node {
	dims := x.Shape().Dimensions
	channels := dims[3]
	normalized := InstanceNormalize(x, 1e-5)

	seg := resizeTo(segmap, dims[1], dims[2], true)
	hidden := layers.Convolution(ctx.In("shared"), seg).Channels(gen.SpadeHidden).KernelSize(3).PadSame().Done()
	hidden = activations.Relu(hidden)
	gamma := layers.Convolution(ctx.In("gamma"), hidden).Channels(channels).KernelSize(3).PadSame().Done()
	beta := layers.Convolution(ctx.In("beta"), hidden).Channels(channels).KernelSize(3).PadSame().Done()
	return Add(Mul(normalized, OnePlus(gamma)), beta)
}

// InstanceNormalize normalizes the channels-last x over its spatial axes, for each example and channel.
func InstanceNormalize(x *Node, epsilon float64) *Node {
	mean := ReduceAndKeep(x, ReduceMean, 1, 2)
	centered := Sub(x, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, 1, 2)
	return Div(centered, Sqrt(AddScalar(variance, epsilon)))
}

func dtypeParam(ctx *context.Context) dtypes.DType {
	dtype, err := dtypes.DTypeString(context.GetParamOr(ctx, "dtype", "float32"))
	if err != nil {
		return dtypes.Float32
	}
	return dtype
}
