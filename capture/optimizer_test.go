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

package capture_test

import (
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/yousufmo/symtrace/capture"
	"github.com/yousufmo/symtrace/optimizers"
	"github.com/yousufmo/symtrace/sources"
	"github.com/yousufmo/symtrace/types/tensors"
)

func paramWithGrad(values []float32) *tensors.Tensor {
	param := tensors.FromFlat(values, len(values))
	param.RequiresGrad = true
	param.Grad = tensors.Zeros(param.Shape())
	return param
}

// buildGroupArg wraps one parameter group the way a traced frame would have:
// reached through <optSource>.ParamGroups[idx].
func buildGroupArg(tx *capture.Translator, optSource sources.Source, opt *optimizers.Optimizer, idx int) capture.Value {
	src := sources.Index(sources.Attr(optSource, "ParamGroups"), idx)
	return capture.NewBuilder(tx, src).Build(opt.ParamGroups[idx])
}

func emptyLists() []capture.Value {
	lists := make([]capture.Value, 5)
	for ii := range lists {
		lists[ii] = &capture.ListValue{}
	}
	return lists
}

func TestInitGroupFastPath(t *testing.T) {
	p1 := paramWithGrad([]float32{1, 2})
	p2 := tensors.FromFlat([]float32{3}, 1) // No gradient: stays out of every list.
	opt := optimizers.Adam().Done(optimizers.NewParamGroup(p1, p2))

	tx := capture.NewTranslator()
	src := sources.Local("opt")
	ot := capture.NewOptimizerTracker(tx, src, opt)
	require.True(t, p1.IsStatic(), "tracked parameters are pinned immediately")

	args := append([]capture.Value{buildGroupArg(tx, src, opt, 0)}, emptyLists()...)
	result, handled, err := ot.CallMethod(capture.MethodInitGroup, args, nil)
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, false, result.Concrete(), "no float16 parameters, no upcast")

	// The symbolic lists mirror the in-place extension done concretely, with
	// structural sources for every discovered tensor.
	paramsList := args[1].(*capture.ListValue)
	require.Len(t, paramsList.Items, 1)
	require.Equal(t, "opt.ParamGroups[0][params][0]", paramsList.Items[0].Source().String())
	gradsList := args[2].(*capture.ListValue)
	require.Equal(t, "opt.ParamGroups[0][params][0].grad", gradsList.Items[0].Source().String())
	expAvgList := args[3].(*capture.ListValue)
	require.Equal(t, "opt.State[opt.State.keys()[0]][exp_avg]", expAvgList.Items[0].Source().String())
	stepsList := args[5].(*capture.ListValue)
	require.Equal(t, "opt.State[opt.State.keys()[0]][step]", stepsList.Items[0].Source().String())

	// Pinned static names: the parameter plus its three state tensors. The
	// gradient rides on the parameter's path and needs no pin of its own.
	require.Len(t, ot.StaticTensorNames(), 4)
	require.Equal(t, 1, tx.Output().NumParameters())
	require.Equal(t, 5, tx.Output().NumBuffers(), "p2, the gradient and the three state tensors")

	// The installed guards re-resolve against the live optimizer.
	root := tx.GuardRoot(opt)
	require.True(t, tx.Guards().Evaluate(root))

	gradSrc := sources.Grad(sources.Index(sources.Index(sources.Index(sources.Attr(src, "ParamGroups"), 0), "params"), 0))
	require.Same(t, p1.Grad, must.M1(gradSrc.Resolve(root)))

	p1.RequiresGrad = false
	require.False(t, tx.Guards().Evaluate(root))
	p1.RequiresGrad = true
	require.True(t, tx.Guards().Evaluate(root))

	// A gradient appearing on the parameter guarded as gradient-free is a
	// metadata change: the trace must be invalidated.
	p2.Grad = tensors.Zeros(p2.Shape())
	require.False(t, tx.Guards().Evaluate(root))
	p2.Grad = nil
	require.True(t, tx.Guards().Evaluate(root))

	// A second interception reuses the mapping: no new guards, no new pins.
	guardsBefore := tx.Guards().Len()
	args2 := append([]capture.Value{buildGroupArg(tx, src, opt, 0)}, emptyLists()...)
	_, handled, err = ot.CallMethod(capture.MethodInitGroup, args2, nil)
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, guardsBefore, tx.Guards().Len())
	require.Len(t, ot.StaticTensorNames(), 4)
}

func TestInitGroupFallbackLeavesNoTrace(t *testing.T) {
	p1 := paramWithGrad([]float32{1})
	opt := optimizers.Adam().Done(optimizers.NewParamGroup(p1))

	tx := capture.NewTranslator()
	src := sources.Local("opt")
	ot := capture.NewOptimizerTracker(tx, src, opt)

	groupArg := buildGroupArg(tx, src, opt, 0)
	guardsBefore := tx.Guards().Len()
	buffersBefore := tx.Output().NumBuffers()
	parametersBefore := tx.Output().NumParameters()

	// One list short: the arguments cannot be mapped back to concrete values.
	args := []capture.Value{groupArg, &capture.ListValue{}, &capture.ListValue{}, &capture.ListValue{}, &capture.ListValue{}}
	result, handled, err := ot.CallMethod(capture.MethodInitGroup, args, nil)
	require.NoError(t, err, "a recoverable fast-path failure is not an error")
	require.False(t, handled)
	require.Nil(t, result)

	// Nothing speculative survived the fallback.
	require.Equal(t, guardsBefore, tx.Guards().Len())
	require.Equal(t, buffersBefore, tx.Output().NumBuffers())
	require.Equal(t, parametersBefore, tx.Output().NumParameters())
	require.Empty(t, tx.Events())
	require.Equal(t, 0, opt.State.Len(), "concrete execution never started")

	// The caller now traces the call normally; the recorded trace must be
	// indistinguishable from one where no fast path was ever attempted.
	tx.TraceCall("InitGroup", args, nil)

	tx2 := capture.NewTranslator()
	args2 := []capture.Value{buildGroupArg(tx2, src, opt, 0), &capture.ListValue{}, &capture.ListValue{}, &capture.ListValue{}, &capture.ListValue{}}
	tx2.TraceCall("InitGroup", args2, nil)
	require.Empty(t, cmp.Diff(tx2.Events(), tx.Events()))
}

func TestInitGroupGuardInstallRollback(t *testing.T) {
	p1 := paramWithGrad([]float32{1})
	opt := optimizers.Adam().Done(optimizers.NewParamGroup(p1))
	opt.Step(nil) // Materialize the per-parameter state.

	// A state entry no wrapper exists for aborts guard installation midway,
	// after some guards and registrations already happened.
	state, found := opt.State.GetOk(p1)
	require.True(t, found)
	state.Set("scratch", make(chan int))

	tx := capture.NewTranslator()
	src := sources.Local("opt")
	ot := capture.NewOptimizerTracker(tx, src, opt)
	groupArg := buildGroupArg(tx, src, opt, 0)
	guardsBefore := tx.Guards().Len()
	buffersBefore := tx.Output().NumBuffers()
	parametersBefore := tx.Output().NumParameters()

	args := append([]capture.Value{groupArg}, emptyLists()...)
	result, handled, err := ot.CallMethod(capture.MethodInitGroup, args, nil)
	require.NoError(t, err)
	require.False(t, handled)
	require.Nil(t, result)

	require.Equal(t, guardsBefore, tx.Guards().Len())
	require.Equal(t, buffersBefore, tx.Output().NumBuffers())
	require.Equal(t, parametersBefore, tx.Output().NumParameters())
	require.Empty(t, tx.Events())
}

func TestStepClosureRejection(t *testing.T) {
	p1 := paramWithGrad([]float32{1})
	opt := optimizers.Adam().Done(optimizers.NewParamGroup(p1))
	tx := capture.NewTranslator()
	ot := capture.NewOptimizerTracker(tx, sources.Local("opt"), opt)

	closure := capture.Sourceless(func() float64 { return 0 })
	_, handled, err := ot.CallMethod(capture.MethodStep, nil, map[string]capture.Value{"closure": closure})
	require.False(t, handled)
	var unsupported *capture.UnsupportedError
	require.True(t, errors.As(err, &unsupported))
	require.Contains(t, err.Error(), "closure")

	// A positional closure is rejected the same way.
	_, handled, err = ot.CallMethod(capture.MethodStep, []capture.Value{closure}, nil)
	require.False(t, handled)
	require.True(t, errors.As(err, &unsupported))

	// A constant (nil) closure is harmless: the call is traced normally.
	_, handled, err = ot.CallMethod(capture.MethodStep, nil, map[string]capture.Value{"closure": capture.Constant(nil)})
	require.NoError(t, err)
	require.False(t, handled)

	// Unknown methods are not intercepted at all.
	_, handled, err = ot.CallMethod("ZeroGrad", nil, nil)
	require.NoError(t, err)
	require.False(t, handled)
}

func TestFinalizerEvictsStaticTensors(t *testing.T) {
	tx := capture.NewTranslator()
	var names []string

	// Scoped so the optimizer becomes collectable once the function returns:
	// only the artifact tables and the guard registry survive, and neither
	// holds a strong reference to the optimizer itself.
	func() {
		p1 := paramWithGrad([]float32{1, 2})
		p2 := tensors.FromFlat([]float32{3}, 1)
		opt := optimizers.Adam().Done(optimizers.NewParamGroup(p1, p2))
		src := sources.Local("opt")
		ot := capture.NewOptimizerTracker(tx, src, opt)

		args := append([]capture.Value{buildGroupArg(tx, src, opt, 0)}, emptyLists()...)
		_, handled, err := ot.CallMethod(capture.MethodInitGroup, args, nil)
		require.NoError(t, err)
		require.True(t, handled)

		names = slices.Clone(ot.StaticTensorNames())
		tx.Output().Compile() // Arms the lifecycle cleanup.
	}()

	require.Len(t, names, 4)
	for _, name := range names {
		_, inBuffers := tx.Output().Buffer(name)
		_, inParameters := tx.Output().Parameter(name)
		require.True(t, inBuffers || inParameters, "pinned name %q must be registered", name)
	}

	// Once the optimizer is collected, every pinned static tensor is evicted.
	// The plain buffer registrations (p2 and the gradient) remain.
	require.Eventually(t, func() bool {
		runtime.GC()
		return tx.Output().NumParameters() == 0 && tx.Output().NumBuffers() == 2
	}, 5*time.Second, 10*time.Millisecond, "cleanup must evict the pinned tensors")
}

func TestFinalizerEvictsLaterPinnedTensors(t *testing.T) {
	tx := capture.NewTranslator()
	var names []string

	func() {
		p1 := paramWithGrad([]float32{1})
		p2 := paramWithGrad([]float32{2})
		opt := optimizers.Adam().Done(optimizers.NewParamGroup(p1), optimizers.NewParamGroup(p2))
		src := sources.Local("opt")
		ot := capture.NewOptimizerTracker(tx, src, opt)

		args := append([]capture.Value{buildGroupArg(tx, src, opt, 0)}, emptyLists()...)
		_, handled, err := ot.CallMethod(capture.MethodInitGroup, args, nil)
		require.NoError(t, err)
		require.True(t, handled)
		firstPins := len(ot.StaticTensorNames())

		// The second group is intercepted after the cleanup was armed; its
		// parameter and its freshly created state tensors get pinned too.
		args = append([]capture.Value{buildGroupArg(tx, src, opt, 1)}, emptyLists()...)
		_, handled, err = ot.CallMethod(capture.MethodInitGroup, args, nil)
		require.NoError(t, err)
		require.True(t, handled)

		names = ot.StaticTensorNames()
		require.Greater(t, len(names), firstPins)
		tx.Output().Compile()
	}()

	require.Len(t, names, 8, "2 parameters and 2x3 state tensors")
	for _, name := range names {
		_, inBuffers := tx.Output().Buffer(name)
		_, inParameters := tx.Output().Parameter(name)
		require.True(t, inBuffers || inParameters, "pinned name %q must be registered", name)
	}

	// Every pinned name is evicted, including the ones from the second
	// interception. The two plain gradient buffers remain.
	require.Eventually(t, func() bool {
		runtime.GC()
		return tx.Output().NumParameters() == 0 && tx.Output().NumBuffers() == 2
	}, 5*time.Second, 10*time.Millisecond, "cleanup must evict all pinned tensors")
}

func TestAliasedGradientKeepsCanonicalSource(t *testing.T) {
	p1 := paramWithGrad([]float32{1})
	opt := optimizers.Adam().Done(optimizers.NewParamGroup(p1))
	opt.Step(nil) // Materialize the per-parameter state.

	// Alias: the gradient now is one of the state tensors.
	state, found := opt.State.GetOk(p1)
	require.True(t, found)
	expAvgAny, _ := state.GetOk(optimizers.StateExpAvg)
	p1.Grad = expAvgAny.(*tensors.Tensor)

	tx := capture.NewTranslator()
	src := sources.Local("opt")
	ot := capture.NewOptimizerTracker(tx, src, opt)
	args := append([]capture.Value{buildGroupArg(tx, src, opt, 0)}, emptyLists()...)
	_, handled, err := ot.CallMethod(capture.MethodInitGroup, args, nil)
	require.NoError(t, err)
	require.True(t, handled)

	// Both appearances of the aliased tensor share one canonical source; no
	// global weak-reference slot was allocated for it.
	gradsList := args[2].(*capture.ListValue)
	expAvgList := args[3].(*capture.ListValue)
	require.Equal(t, "opt.ParamGroups[0][params][0].grad", gradsList.Items[0].Source().String())
	require.Equal(t, gradsList.Items[0].Source().String(), expAvgList.Items[0].Source().String())
	for _, name := range ot.StaticTensorNames() {
		require.NotContains(t, name, capture.GlobalTensorKeyPrefix)
	}
	require.Len(t, ot.StaticTensorNames(), 3, "parameter, exp_avg_sq and step")

	require.True(t, tx.Guards().Evaluate(tx.GuardRoot(opt)))
}
