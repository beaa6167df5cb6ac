package spade

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
)

// DiscriminatorScope is the scope of the discriminator variables.
const DiscriminatorScope = "discriminator"

// Discriminator scores (image, segmentation map) pairs with a realism probability per patch.
// Real and generated images go through the same computation. It implements Model.
type Discriminator struct {
	BaseChannels int
	NumLayers    int
	DType        dtypes.DType
}

// NewDiscriminator creates a Discriminator configured from the hyperparameters in ctx.
func NewDiscriminator(ctx *context.Context) *Discriminator {
	return &Discriminator{
		BaseChannels: context.GetParamOr(ctx, "disc_base_channels", 32),
		NumLayers:    context.GetParamOr(ctx, "disc_num_layers", 3),
		DType:        dtypeParam(ctx),
	}
}

// Scope implements Model.
func (disc *Discriminator) Scope() string { return DiscriminatorScope }

// String implements fmt.Stringer.
func (disc *Discriminator) String() string {
	return fmt.Sprintf("PatchGAN discriminator (%d layers from %d channels)", disc.NumLayers, disc.BaseChannels)
}

// Forward implements Model: inputs are the images and the segmentation maps, both channels-last.
// The segmentation map is resized to the image resolution.
//
// It returns scores shaped [batch_size, patches_height, patches_width, 1] in (0, 1).
func (disc *Discriminator) Forward(ctx *context.Context, inputs ...*Node) *Node {
	images, segmap := inputs[0], inputs[1]
	images.AssertRank(4)
	segmap.AssertRank(4)
	ctx = ModelContext(ctx, disc)
	images = ConvertDType(images, disc.DType)
	segmap = ConvertDType(segmap, disc.DType)
	dims := images.Shape().Dimensions
	segmap = resizeTo(segmap, dims[1], dims[2], true)

	x := Concatenate([]*Node{images, segmap}, -1)
	channels := disc.BaseChannels
	for layer := range disc.NumLayers {
		layerCtx := ctx.Inf("%03d-down", layer)
		x = layers.Convolution(layerCtx, x).Channels(channels).KernelSize(4).Strides(2).PadSame().Done()
		if layer > 0 {
			x = layers.LayerNormalization(layerCtx, x, -1).Done()
		}
		x = activations.LeakyReluWithAlpha(x, 0.2)
		channels *= 2
	}
	logits := layers.Convolution(ctx.In("scores"), x).Channels(1).KernelSize(1).Done()
	return Sigmoid(logits)
}
