package spade

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// logEpsilon bounds the argument of StableLog away from 0.
const logEpsilon = 1e-5

// FeatureFn extracts a list of feature maps from images (channels-last, in [-1, 1]) with a fixed
// (non-trainable) network. It is used by the perceptual term of the generator loss.
type FeatureFn func(ctx *context.Context, images *Node) []*Node

// StableLog is log(max(x, 1e-5)).
func StableLog(x *Node) *Node {
	return Log(MaxScalar(x, logEpsilon))
}

// lossType returns the "gan_loss" hyperparameter: "bce" or "hinge".
func lossType(ctx *context.Context) string {
	return context.GetParamOr(ctx, "gan_loss", "bce")
}

// DiscriminatorLoss is the adversarial loss of the discriminator, given its scores (probabilities
// in (0, 1)) on real and on generated pairs. It is always >= 0, and decreases as realScore -> 1
// and fakeScore -> 0.
//
// The hyperparameter "gan_loss" selects binary cross-entropy ("bce", the default) or "hinge".
func DiscriminatorLoss(ctx *context.Context, realScore, fakeScore *Node) *Node {
	switch lossType(ctx) {
	case "hinge":
		// Scores mapped to [-1, 1] before the hinge.
		realTerm := ReduceAllMean(activations.Relu(OneMinus(toSigned(realScore))))
		fakeTerm := ReduceAllMean(activations.Relu(OnePlus(toSigned(fakeScore))))
		return Add(realTerm, fakeTerm)
	case "bce":
		realTerm := Neg(ReduceAllMean(StableLog(realScore)))
		fakeTerm := Neg(ReduceAllMean(StableLog(OneMinus(fakeScore))))
		return Add(realTerm, fakeTerm)
	}
	exceptions.Panicf("unknown gan_loss %q", lossType(ctx))
	return nil
}

// AdversarialGeneratorLoss rewards the generator for discriminator scores close to "real".
func AdversarialGeneratorLoss(ctx *context.Context, fakeScore *Node) *Node {
	if lossType(ctx) == "hinge" {
		return Neg(ReduceAllMean(toSigned(fakeScore)))
	}
	return Neg(ReduceAllMean(StableLog(fakeScore)))
}

// GeneratorLoss is the generator loss given the discriminator scores on the generated images,
// the generated and the real images:
//
//   - the adversarial term (see AdversarialGeneratorLoss);
//   - plus "lambda_vgg" times the mean absolute difference of the features extracted by perceptual;
//   - plus "lambda_l1" times the mean absolute difference of the images, if "lambda_l1" > 0.
//
// If the hyperparameter "gan_loss_terms" is "adversarial", only the adversarial term is used.
// The perceptual term is skipped if perceptual is nil.
func GeneratorLoss(ctx *context.Context, fakeScore, generated, real *Node, perceptual FeatureFn) *Node {
	loss := AdversarialGeneratorLoss(ctx, fakeScore)
	if context.GetParamOr(ctx, "gan_loss_terms", "full") == "adversarial" {
		return loss
	}
	real = ConvertDType(real, generated.DType())
	if lambda := context.GetParamOr(ctx, "lambda_vgg", 1.0); lambda > 0 && perceptual != nil {
		loss = Add(loss, MulScalar(PerceptualDistance(ctx, generated, real, perceptual), lambda))
	}
	if lambda := context.GetParamOr(ctx, "lambda_l1", 0.0); lambda > 0 {
		loss = Add(loss, MulScalar(ReduceAllMean(Abs(Sub(generated, real))), lambda))
	}
	return loss
}

// PerceptualDistance is the sum over feature maps of the mean absolute difference between the features
// of generated and real images. Gradients don't flow to the real images' features.
func PerceptualDistance(ctx *context.Context, generated, real *Node, perceptual FeatureFn) *Node {
	genFeatures := perceptual(ctx, generated)
	realFeatures := perceptual(ctx, real)
	var total *Node
	for ii, genFeature := range genFeatures {
		diff := ReduceAllMean(Abs(Sub(genFeature, StopGradient(realFeatures[ii]))))
		if total == nil {
			total = diff
		} else {
			total = Add(total, diff)
		}
	}
	if total == nil {
		return ScalarZero(generated.Graph(), generated.DType())
	}
	return total
}

// PyramidFeatures is a FeatureFn without weights: the images mean-pooled at 4 scales (1, 1/2, 1/4, 1/8).
// It is used for the perceptual term when no pretrained network is configured.
func PyramidFeatures(_ *context.Context, images *Node) []*Node {
	features := []*Node{images}
	x := images
	for range 3 {
		dims := x.Shape().Dimensions
		if dims[1] < 2 || dims[2] < 2 {
			break
		}
		x = MeanPool(x).Window(2).Strides(2).NoPadding().Done()
		features = append(features, x)
	}
	return features
}

// toSigned maps probabilities in [0, 1] to [-1, 1].
func toSigned(score *Node) *Node {
	return AddScalar(MulScalar(score, 2), -1)
}
