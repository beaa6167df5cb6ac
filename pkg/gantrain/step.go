package gantrain

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/chekfung/James-TompGAN/models/spade"
)

// StepResult holds the host values of one training or evaluation step.
type StepResult struct {
	GenLoss, DiscLoss float64

	// Generated images, float32 shaped [batch_size, height, width, 3] in [-1, 1].
	// The caller owns it.
	Generated *tensors.Tensor

	// GenUpdated and DiscUpdated report whether each model was updated. They are always false for evaluation steps.
	GenUpdated, DiscUpdated bool
}

// Finite returns whether both losses are finite.
func (r StepResult) Finite() bool {
	return isFinite(r.GenLoss) && isFinite(r.DiscLoss)
}

// noise returns latent noise shaped [batchSize, zDim], uniform in [-1, 1).
func (t *Trainer) noise(ctx *context.Context, g *Graph, batchSize int) *Node {
	uniform := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, batchSize, t.zDim))
	return AddScalar(MulScalar(uniform, 2), -1)
}

// forward builds the generator and both discriminator calls, and the two losses.
func (t *Trainer) forward(ctx *context.Context, images, segmaps *Node) (generated, genLoss, discLoss *Node) {
	batchSize := images.Shape().Dimensions[0]
	generated = t.gen.Forward(ctx, t.noise(ctx, images.Graph(), batchSize), segmaps)
	realScore := t.disc.Forward(ctx, images, segmaps)
	fakeScore := t.disc.Forward(ctx, generated, segmaps)
	genLoss = spade.GeneratorLoss(ctx, fakeScore, generated, images, t.cfg.Perceptual)
	discLoss = spade.DiscriminatorLoss(ctx, realScore, fakeScore)
	return
}

// stepGraph builds one training step. It returns the generator loss, the discriminator loss (both as float64),
// the generated images (float32) and whether the generator and the discriminator were updated.
func (t *Trainer) stepGraph(ctx *context.Context, images, segmaps *Node) []*Node {
	g := images.Graph()
	optimizers.IncrementGlobalStepGraph(ctx, g, dtypes.Int64)
	generated, genLoss, discLoss := t.forward(ctx, images, segmaps)

	// Gradients of both models are taken before any variable is updated.
	genVars, genValues := modelValues(ctx, g, t.gen)
	discVars, discValues := modelValues(ctx, g, t.disc)
	genGrads := Gradient(genLoss, genValues...)
	discGrads := Gradient(discLoss, discValues...)
	genFinite := allFinite(genLoss, genGrads)
	discFinite := allFinite(discLoss, discGrads)
	t.genOpt.updateGraph(ctx, g, genVars, genValues, genGrads, genFinite)
	t.discOpt.updateGraph(ctx, g, discVars, discValues, discGrads, discFinite)

	return []*Node{
		ConvertDType(genLoss, dtypes.Float64),
		ConvertDType(discLoss, dtypes.Float64),
		ConvertDType(generated, dtypes.Float32),
		genFinite,
		discFinite,
	}
}

// evalGraph builds the same computation as stepGraph, without any update.
func (t *Trainer) evalGraph(ctx *context.Context, images, segmaps *Node) []*Node {
	generated, genLoss, discLoss := t.forward(ctx, images, segmaps)
	return []*Node{
		ConvertDType(genLoss, dtypes.Float64),
		ConvertDType(discLoss, dtypes.Float64),
		ConvertDType(generated, dtypes.Float32),
	}
}

// modelValues returns the trainable variables of the model and their value nodes in g.
func modelValues(ctx *context.Context, g *Graph, m spade.Model) ([]*context.Variable, []*Node) {
	vars := spade.Parameters(ctx, m)
	values := make([]*Node, len(vars))
	for ii, v := range vars {
		values[ii] = v.ValueGraph(g)
	}
	return vars, values
}

// allFinite returns a boolean scalar, true if loss and all gradients are finite.
func allFinite(loss *Node, grads []*Node) *Node {
	finite := IsFinite(loss)
	for _, grad := range grads {
		finite = LogicalAnd(finite, LogicalAll(IsFinite(grad)))
	}
	return finite
}

// Step executes one training step on a batch of images and segmentation maps.
func (t *Trainer) Step(images, segmaps *tensors.Tensor) (StepResult, error) {
	outputs, err := t.stepExec.Exec(images, segmaps)
	if err != nil {
		return StepResult{}, errors.WithMessage(err, "gantrain: executing training step")
	}
	return StepResult{
		GenLoss:     tensors.ToScalar[float64](outputs[0]),
		DiscLoss:    tensors.ToScalar[float64](outputs[1]),
		Generated:   outputs[2],
		GenUpdated:  tensors.ToScalar[bool](outputs[3]),
		DiscUpdated: tensors.ToScalar[bool](outputs[4]),
	}, nil
}

// Eval generates images from fresh noise and computes both losses, without updating any variable.
func (t *Trainer) Eval(images, segmaps *tensors.Tensor) (StepResult, error) {
	outputs, err := t.evalExec.Exec(images, segmaps)
	if err != nil {
		return StepResult{}, errors.WithMessage(err, "gantrain: executing evaluation step")
	}
	return StepResult{
		GenLoss:   tensors.ToScalar[float64](outputs[0]),
		DiscLoss:  tensors.ToScalar[float64](outputs[1]),
		Generated: outputs[2],
	}, nil
}
