/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package optimizers

import (
	"math"

	"github.com/gomlx/exceptions"

	"github.com/yousufmo/symtrace/types/shapes"
	"github.com/yousufmo/symtrace/types/tensors"
	"github.com/yousufmo/symtrace/types/xmaps"
)

// InitGroup collects the parameters of group that have gradients, lazily
// creating their per-parameter state, and extends the given lists in place:
// paramsWithGrad, grads, expAvgs, expAvgSqs and steps grow by one entry per
// parameter with a gradient.
//
// The returned value depends only on dtype properties of the parameters (never
// on tensor contents): whether any parameter needs a float16 upcast during the
// update. Callers may treat it as a compile-time constant.
func (o *Optimizer) InitGroup(group *ParamGroup,
	paramsWithGrad, grads, expAvgs, expAvgSqs, steps *[]*tensors.Tensor) (needsUpcast bool) {
	for _, param := range group.Params() {
		if param.Grad == nil {
			continue
		}
		o.validateParam(param)
		state, found := o.State.GetOk(param)
		if !found {
			state = xmaps.New[string, any]()
			state.Set(StateStep, tensors.FromScalar(int64(0)))
			state.Set(StateExpAvg, tensors.ZerosLike(param))
			state.Set(StateExpAvgSq, tensors.ZerosLike(param))
			o.State.Set(param, state)
		}
		if param.DType() == shapes.Float16 {
			needsUpcast = true
		}
		expAvg, _ := state.GetOk(StateExpAvg)
		expAvgSq, _ := state.GetOk(StateExpAvgSq)
		step, _ := state.GetOk(StateStep)
		*paramsWithGrad = append(*paramsWithGrad, param)
		*grads = append(*grads, param.Grad)
		*expAvgs = append(*expAvgs, expAvg.(*tensors.Tensor))
		*expAvgSqs = append(*expAvgSqs, expAvgSq.(*tensors.Tensor))
		*steps = append(*steps, step.(*tensors.Tensor))
	}
	return
}

// validateParam fails fast on dtype mismatches between a parameter, its
// gradient and its state tensors, before any update math runs.
func (o *Optimizer) validateParam(param *tensors.Tensor) {
	param.AssertValid()
	if !param.DType().IsFloat() {
		exceptions.Panicf("optimizers: parameter %s has non-float dtype %s, cannot optimize", param, param.DType())
	}
	if param.Grad.DType() != param.DType() {
		exceptions.Panicf("optimizers: gradient dtype %s does not match parameter dtype %s",
			param.Grad.DType(), param.DType())
	}
	if !param.Grad.Shape().Equal(param.Shape()) {
		exceptions.Panicf("optimizers: gradient shape %s does not match parameter shape %s",
			param.Grad.Shape(), param.Shape())
	}
	if state, found := o.State.GetOk(param); found {
		for _, key := range []string{StateExpAvg, StateExpAvgSq} {
			value, _ := state.GetOk(key)
			stateT := value.(*tensors.Tensor)
			if stateT.DType() != param.DType() {
				exceptions.Panicf("optimizers: state %q dtype %s does not match parameter dtype %s",
					key, stateT.DType(), param.DType())
			}
		}
	}
}

// Step runs one Adam update over all parameter groups.
//
// If closure is non-nil it is invoked first to re-evaluate the loss, and its
// result is returned. Otherwise Step returns 0.
func (o *Optimizer) Step(closure func() float64) float64 {
	var loss float64
	if closure != nil {
		loss = closure()
	}
	for _, group := range o.ParamGroups {
		var paramsWithGrad, grads, expAvgs, expAvgSqs, steps []*tensors.Tensor
		o.InitGroup(group, &paramsWithGrad, &grads, &expAvgs, &expAvgSqs, &steps)
		lr := group.FloatOption(ParamLearningRate, o.lr)
		weightDecay := group.FloatOption(ParamWeightDecay, 0)
		for ii, param := range paramsWithGrad {
			o.updateParam(param, grads[ii], expAvgs[ii], expAvgSqs[ii], steps[ii], lr, weightDecay)
		}
	}
	return loss
}

// updateParam applies one Adam update to a single parameter.
func (o *Optimizer) updateParam(param, grad, expAvg, expAvgSq, step *tensors.Tensor, lr, weightDecay float64) {
	stepData := tensors.MutableFlatData[int64](step)
	stepData[0]++
	t := float64(stepData[0])

	biasCorr1 := 1 - math.Pow(o.beta1, t)
	biasCorr2 := 1 - math.Pow(o.beta2, t)

	values := param.FlatFloat64()
	gradValues := grad.FlatFloat64()
	m := expAvg.FlatFloat64()
	v := expAvgSq.FlatFloat64()
	for ii := range values {
		g := gradValues[ii]
		if weightDecay != 0 {
			g += weightDecay * values[ii]
		}
		m[ii] = o.beta1*m[ii] + (1-o.beta1)*g
		v[ii] = o.beta2*v[ii] + (1-o.beta2)*g*g
		mHat := m[ii] / biasCorr1
		vHat := v[ii] / biasCorr2
		values[ii] -= lr * mHat / (math.Sqrt(vHat) + o.epsilon)
	}
	param.SetFlatFloat64(values)
	expAvg.SetFlatFloat64(m)
	expAvgSq.SetFlatFloat64(v)
}
