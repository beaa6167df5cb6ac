package gantrain

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gopjrt/dtypes"
)

// OptimizersScope is the root scope of the optimizer state. Each model gets its own sub-scope,
// named after the model scope.
const OptimizersScope = "optimizers"

const (
	stepVarName         = "adam_step"
	learningRateVarName = "learning_rate"
)

// adam is an Adam optimizer for the variables of one model. Its step counter, learning rate and moments
// are stored under "/optimizers/<model scope>", so two instances never share state.
type adam struct {
	modelScope   string
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
}

// newAdam creates the optimizer for the model with the given scope, with hyperparameters
// "adam_beta1", "adam_beta2", "adam_epsilon" and the learning rate in learningRateKey.
func newAdam(ctx *context.Context, modelScope, learningRateKey string, defaultLearningRate float64) *adam {
	return &adam{
		modelScope:   modelScope,
		learningRate: context.GetParamOr(ctx, learningRateKey, defaultLearningRate),
		beta1:        context.GetParamOr(ctx, "adam_beta1", 0.0),
		beta2:        context.GetParamOr(ctx, "adam_beta2", 0.999),
		epsilon:      context.GetParamOr(ctx, "adam_epsilon", 1e-7),
	}
}

// scopePath of the optimizer state.
func (o *adam) scopePath() string {
	return context.ScopeSeparator + OptimizersScope + context.ScopeSeparator + o.modelScope
}

func (o *adam) context(ctx *context.Context) *context.Context {
	return ctx.InAbsPath(o.scopePath()).Checked(false)
}

// learningRateVar returns the learning rate used by the last update, creating it if needed.
func (o *adam) learningRateVar(ctx *context.Context, dtype dtypes.DType) *context.Variable {
	return o.context(ctx).VariableWithValue(learningRateVarName, shapes.CastAsDType(o.learningRate, dtype)).SetTrainable(false)
}

// stepVar returns the number of updates applied so far, creating it if needed.
func (o *adam) stepVar(ctx *context.Context) *context.Variable {
	return o.context(ctx).VariableWithValue(stepVarName, int64(0)).SetTrainable(false)
}

// updateGraph updates the variables vars, given their current values and their gradients, if apply
// (a boolean scalar) is true. Otherwise, variables and optimizer state are left unchanged.
//
// values must be the nodes the gradients were computed against: they are the values before any update.
func (o *adam) updateGraph(ctx *context.Context, g *Graph, vars []*context.Variable, values, grads []*Node, apply *Node) {
	if len(vars) != len(grads) || len(vars) != len(values) {
		exceptions.Panicf("adam(%q): %d variables, %d values and %d gradients", o.modelScope, len(vars), len(values), len(grads))
	}
	if len(vars) == 0 {
		exceptions.Panicf("adam(%q): no trainable variables to update", o.modelScope)
	}
	dtype := values[0].DType()

	stepVar := o.stepVar(ctx)
	oldStep := stepVar.ValueGraph(g)
	newStep := AddScalar(oldStep, 1)
	stepVar.SetValueGraph(Where(apply, newStep, oldStep))
	step := ConvertDType(newStep, dtype)

	// The hyperparameter wins over a restored value: the variable only records the rate last used.
	lrVar := o.learningRateVar(ctx, dtype)
	learningRate := Scalar(g, dtype, o.learningRate)
	lrVar.SetValueGraph(ConvertDType(learningRate, lrVar.DType()))
	beta1 := Scalar(g, dtype, o.beta1)
	beta2 := Scalar(g, dtype, o.beta2)
	epsilon := Scalar(g, dtype, o.epsilon)
	debiasTermBeta1 := Reciprocal(OneMinus(Pow(beta1, step)))
	debiasTermBeta2 := Reciprocal(OneMinus(Pow(beta2, step)))

	for ii, v := range vars {
		m1Var, m2Var := o.momentVariables(ctx, v, dtype)
		oldM1, oldM2 := m1Var.ValueGraph(g), m2Var.ValueGraph(g)
		grad := grads[ii]
		if grad.DType() != dtype {
			grad = ConvertDType(grad, dtype)
		}
		m1 := Add(Mul(beta1, oldM1), Mul(OneMinus(beta1), grad))
		m2 := Add(Mul(beta2, oldM2), Mul(OneMinus(beta2), Square(grad)))
		stepDirection := Div(
			Mul(learningRate, Mul(m1, debiasTermBeta1)),
			Add(Sqrt(Mul(m2, debiasTermBeta2)), epsilon))
		value := values[ii]
		updated := Sub(value, ConvertDType(stepDirection, value.DType()))

		m1Var.SetValueGraph(Where(apply, m1, oldM1))
		m2Var.SetValueGraph(Where(apply, m2, oldM2))
		v.SetValueGraph(Where(apply, updated, value))
	}
}

// momentVariables returns the 1st and 2nd moments of the trainable variable, creating them (zero initialized)
// if needed. They mirror the variable scope under the optimizer scope.
func (o *adam) momentVariables(ctx *context.Context, trainable *context.Variable, dtype dtypes.DType) (m1, m2 *context.Variable) {
	scopePath := OptimizersScope + trainable.Scope()
	if trainable.Scope() == context.RootScope {
		scopePath = OptimizersScope + context.ScopeSeparator + o.modelScope
	}
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	momentsCtx := ctx.InAbsPath(context.ScopeSeparator + scopePath).Checked(false).WithInitializer(initializers.Zero)
	m1 = momentsCtx.VariableWithShape(fmt.Sprintf("%s_1st_moment", trainable.Name()), shape).SetTrainable(false)
	m2 = momentsCtx.VariableWithShape(fmt.Sprintf("%s_2nd_moment", trainable.Name()), shape).SetTrainable(false)
	return
}
