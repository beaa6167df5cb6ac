// Package spade implements the SPADE generator and the conditional PatchGAN discriminator used to
// synthesize landscape photos from segmentation maps, along with their losses.
//
// Both models build their variables under their own absolute scope ("/generator" and "/discriminator"),
// so the training loop can compute gradients and apply updates separately for each of them.
//
// Images and segmentation maps are channels-last: [batch_size, height, width, 3], with values in [-1, 1].
package spade

import (
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Model is what the training loop needs from the generator and the discriminator.
type Model interface {
	// Scope under which the model creates its variables, relative to the root scope.
	Scope() string

	// Forward builds the model computation. Calling it more than once on the same graph
	// reuses the same variables.
	Forward(ctx *context.Context, inputs ...*Node) *Node
}

// ModelContext returns ctx moved to the model's absolute scope, unchecked so the model can be
// called several times in the same graph (the discriminator is called for real and for fake images).
func ModelContext(ctx *context.Context, m Model) *context.Context {
	return ctx.InAbsPath(context.ScopeSeparator + m.Scope()).Checked(false)
}

// Parameters returns the trainable variables of the model, sorted by their parameter name.
// The model must have been built at least once (see Model.Forward).
func Parameters(ctx *context.Context, m Model) []*context.Variable {
	var params []*context.Variable
	for v := range ModelContext(ctx, m).IterVariablesInScope() {
		if v.Trainable {
			params = append(params, v)
		}
	}
	slices.SortFunc(params, func(a, b *context.Variable) int {
		switch {
		case a.ParameterName() < b.ParameterName():
			return -1
		case a.ParameterName() > b.ParameterName():
			return 1
		}
		return 0
	})
	return params
}

// resizeTo resizes the spatial axes of the channels-last x to height x width.
// Nearest neighbour keeps segmentation map classes from being blended.
func resizeTo(x *Node, height, width int, nearest bool) *Node {
	dims := x.Shape().Dimensions
	if dims[1] == height && dims[2] == width {
		return x
	}
	interp := Interpolate(x, NoInterpolation, height, width, NoInterpolation)
	if nearest {
		interp = interp.Nearest()
	} else {
		interp = interp.Bilinear()
	}
	return interp.Done()
}
