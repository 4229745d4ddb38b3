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

package capture

import (
	"runtime"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/yousufmo/symtrace/guards"
	"github.com/yousufmo/symtrace/optimizers"
	"github.com/yousufmo/symtrace/sources"
	"github.com/yousufmo/symtrace/types/tensors"
	"github.com/yousufmo/symtrace/types/xmaps"
)

// Method names the tracker intercepts on a tracked optimizer.
const (
	// MethodInitGroup initializes one parameter group: expensive and
	// side-effect heavy, executed concretely instead of traced.
	MethodInitGroup = "InitGroup"

	// MethodStep takes one optimization step. Intercepted only to reject
	// non-constant closure arguments.
	MethodStep = "Step"
)

// GlobalTensorKeyPrefix prefixes global weak-reference slots allocated for
// tensors discovered with no structural path from the optimizer.
const GlobalTensorKeyPrefix = "__tensor"

const globalOptimizerPrefix = "__optimizer"

// OptimizerTracker is the stateful-call fast path for a tracked optimizer: it
// detects invocations of the known expensive methods, executes them directly
// on concrete values, then reconciles the results back into the traced program
// by (re)discovering sources and wrapping newly created or mutated tensors.
//
// One tracker shadows one concrete optimizer for one compilation pass.
type OptimizerTracker struct {
	tx     *Translator
	source sources.Source
	opt    *optimizers.Optimizer

	// gradToSource and tensorToSource are populated exactly once by
	// mapSourcesAndInstallGuards; afterwards they grow only by appending newly
	// discovered tensors.
	gradToSource   map[*tensors.Tensor]sources.Source
	tensorToSource map[*tensors.Tensor]sources.Source

	// pins are the artifact table keys pinned for repeated-invocation reuse.
	// Shared with the GC-driven cleanup, which must also see names pinned by
	// interceptions that happen after the cleanup was armed.
	pins *pinnedNames

	mapped       bool
	finalizerSet bool
}

// pinnedNames holds pinned artifact table keys in discovery order. It is
// allocated apart from the tracker and mutex protected: the cleanup reads it at
// collection time, and must not keep the tracker (and through it the
// optimizer) reachable.
type pinnedNames struct {
	mu    sync.Mutex
	names []string
	seen  map[string]struct{}
}

func newPinnedNames() *pinnedNames {
	return &pinnedNames{seen: make(map[string]struct{})}
}

func (p *pinnedNames) add(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, found := p.seen[name]; found {
		return
	}
	p.seen[name] = struct{}{}
	p.names = append(p.names, name)
}

func (p *pinnedNames) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.names)
}

// NewOptimizerTracker starts tracking opt, reachable through source from the
// traced frame. All parameters are immediately marked with static addresses
// and every group is switched to capturable mode.
func NewOptimizerTracker(tx *Translator, source sources.Source, opt *optimizers.Optimizer) *OptimizerTracker {
	if tx == nil || source == nil || opt == nil {
		exceptions.Panicf("capture.NewOptimizerTracker requires a translator, a source and an optimizer")
	}
	for _, group := range opt.ParamGroups {
		group.Set(optimizers.ParamCapturable, true)
		for _, param := range group.Params() {
			param.MarkStatic()
		}
	}
	return &OptimizerTracker{
		tx:             tx,
		source:         source,
		opt:            opt,
		gradToSource:   make(map[*tensors.Tensor]sources.Source),
		tensorToSource: make(map[*tensors.Tensor]sources.Source),
		pins:           newPinnedNames(),
	}
}

// Source returns the access path of the tracked optimizer.
func (ot *OptimizerTracker) Source() sources.Source { return ot.source }

// StaticTensorNames returns a copy of the artifact table keys pinned so far,
// in discovery order.
func (ot *OptimizerTracker) StaticTensorNames() []string { return ot.pins.snapshot() }

// CallMethod intercepts an invocation of name on the tracked optimizer.
//
// For MethodInitGroup it attempts the fast path: concrete execution plus
// source/guard reconciliation. Recoverable failures (argument mapping, guard
// installation) roll back all speculative state and return handled=false, so
// the caller traces the call normally. For MethodStep a non-constant closure
// argument returns an UnsupportedError: that call site cannot be compiled.
// Any other method returns handled=false.
func (ot *OptimizerTracker) CallMethod(name string, args []Value, kwargs map[string]Value) (result Value, handled bool, err error) {
	switch name {
	case MethodInitGroup:
		cp := ot.tx.checkpoint()
		thrown := exceptions.TryCatch[error](func() {
			result = ot.fastInitGroup(args, kwargs)
		})
		if thrown == nil {
			return result, true, nil
		}
		var fpe *FastPathError
		if !errors.As(thrown, &fpe) {
			panic(thrown)
		}
		ot.tx.rollback(cp)
		klog.V(1).Infof("capture: %s.%s fast path aborted (%s), falling back to full tracing: %s",
			ot.source, name, fpe.Phase, fpe.Reason)
		return nil, false, nil

	case MethodStep:
		if closure, found := kwargs["closure"]; found && !isConstant(closure) {
			return nil, false, &UnsupportedError{Reason: "optimizer step with closure"}
		}
		if len(args) == 1 && !isConstant(args[0]) {
			return nil, false, &UnsupportedError{Reason: "optimizer step with closure"}
		}
		return nil, false, nil
	}
	return nil, false, nil
}

func isConstant(v Value) bool {
	_, ok := v.(*ConstantValue)
	return ok
}

// fastInitGroup runs the fast path for one InitGroup call: map arguments to
// concrete values, execute the real method, reconcile sources and guards,
// rewrite mutated list arguments, stash a weak reference to the optimizer (to
// invalidate the artifact if it dies) and arm the finalizer.
//
// The return value of the concrete method depends only on dtype/layout
// properties of the inputs, never on tensor contents, so reifying it as a
// constant cannot cause a silently wrong specialization: a metadata change
// fails a guard and triggers recompilation instead.
func (ot *OptimizerTracker) fastInitGroup(args []Value, kwargs map[string]Value) Value {
	group, lists := ot.concreteInitGroupArgs(args, kwargs)
	ret := ot.opt.InitGroup(group, lists[0], lists[1], lists[2], lists[3], lists[4])

	ot.mapSourcesAndInstallGuards()
	ot.updateListArgs(args, lists)

	StoreGlobalWeakRefByID(ot.tx, globalOptimizerPrefix, ot.opt)
	ot.createFinalizer()

	return Constant(ret)
}

// concreteInitGroupArgs converts symbolic arguments back to the concrete
// values InitGroup expects. Supported shapes: constants, empty ordered
// sequences, and a keyed sub-container whose source is structurally one
// element of the optimizer's own ParamGroups attribute. Anything else aborts
// the fast path.
func (ot *OptimizerTracker) concreteInitGroupArgs(args []Value, kwargs map[string]Value) (*optimizers.ParamGroup, [5]*[]*tensors.Tensor) {
	if len(kwargs) != 0 {
		throwFastPath(PhaseArgMapping, "InitGroup does not take keyword arguments, got %d", len(kwargs))
	}
	if len(args) != 6 {
		throwFastPath(PhaseArgMapping, "InitGroup takes a group and 5 lists, got %d arguments", len(args))
	}
	group := ot.concreteParamGroup(args[0])
	var lists [5]*[]*tensors.Tensor
	for ii, arg := range args[1:] {
		lists[ii] = ot.concreteEmptyList(arg)
	}
	return group, lists
}

func (ot *OptimizerTracker) concreteParamGroup(arg Value) *optimizers.ParamGroup {
	dict, ok := arg.(*DictValue)
	if !ok {
		throwFastPath(PhaseArgMapping, "expected a param-group container, got %T", arg)
	}
	idx, ok := ot.paramGroupIndex(dict.Source())
	if !ok {
		throwFastPath(PhaseArgMapping, "container source %s is not an element of %s.ParamGroups", dict.Source(), ot.source)
	}
	if idx >= len(ot.opt.ParamGroups) {
		throwFastPath(PhaseArgMapping, "param group index %d out of range", idx)
	}
	return ot.opt.ParamGroups[idx]
}

// paramGroupIndex recognizes, structurally and not by value, a source of the
// form <optimizer>.ParamGroups[i].
func (ot *OptimizerTracker) paramGroupIndex(src sources.Source) (int, bool) {
	indexSource, ok := src.(*sources.IndexSource)
	if !ok {
		return 0, false
	}
	attrSource, ok := indexSource.Base.(*sources.AttrSource)
	if !ok || attrSource.Name != "ParamGroups" || !sources.Equal(attrSource.Base, ot.source) {
		return 0, false
	}
	idx, ok := indexSource.Key.(int)
	return idx, ok
}

func (ot *OptimizerTracker) concreteEmptyList(arg Value) *[]*tensors.Tensor {
	list, ok := arg.(*ListValue)
	if !ok || len(list.Items) != 0 {
		throwFastPath(PhaseArgMapping, "expected an empty ordered sequence, got %T", arg)
	}
	return &[]*tensors.Tensor{}
}

// mapSourcesAndInstallGuards reconciles the optimizer's internal state into
// symbolic form. Tracing InitGroup itself is expensive, but its guards are
// still required, so they are installed manually here: every tensor in the
// state dict is marked static-address first (the builder relies on the
// annotation), then ParamGroups and State are recursively wrapped, populating
// gradToSource and tensorToSource. Runs at most once per tracked optimizer
// per compilation.
func (ot *OptimizerTracker) mapSourcesAndInstallGuards() {
	if ot.mapped {
		return
	}
	gradTo := make(map[*tensors.Tensor]sources.Source)
	tensorTo := make(map[*tensors.Tensor]sources.Source)

	ot.opt.State.Range(func(_ *tensors.Tensor, perParam *xmaps.Ordered[string, any]) bool {
		perParam.Range(func(_ string, value any) bool {
			if t, ok := value.(*tensors.Tensor); ok {
				t.MarkStatic()
			}
			return true
		})
		return true
	})

	groupsSource := sources.Attr(ot.source, "ParamGroups")
	groupsVT := NewBuilder(ot.tx, groupsSource).Build(ot.opt.ParamGroups)
	stateSource := sources.Attr(ot.source, "State")
	_ = NewBuilder(ot.tx, stateSource).Build(ot.opt.State)

	groupsList, ok := groupsVT.(*ListValue)
	if !ok {
		throwFastPath(PhaseGuardInstall, "wrapping ParamGroups produced %T, expected an ordered sequence", groupsVT)
	}
	for gIdx, group := range ot.opt.ParamGroups {
		groupVT, ok := groupsList.Items[gIdx].(*DictValue)
		if !ok {
			throwFastPath(PhaseGuardInstall, "wrapping param group %d produced %T, expected a keyed container", gIdx, groupsList.Items[gIdx])
		}
		paramsVT, found := groupVT.Item(optimizers.ParamsKey)
		if !found {
			throwFastPath(PhaseGuardInstall, "param group %d has no %q entry", gIdx, optimizers.ParamsKey)
		}
		paramsList := paramsVT.(*ListValue)
		for pIdx, param := range group.Params() {
			paramSource := paramsList.Items[pIdx].Source()
			tensorTo[param] = paramSource
			gradSource := sources.Grad(paramSource)
			if param.Grad != nil {
				gradTo[param.Grad] = gradSource
			} else {
				ot.tx.Guards().Install(gradSource, guards.ConstantMatch{Want: nil})
			}
		}
	}

	// Walk the state dict once more to capture tensors reachable only through
	// it; these feed the finalizer's static-name set.
	ordinal := 0
	ot.opt.State.Range(func(_ *tensors.Tensor, perParam *xmaps.Ordered[string, any]) bool {
		entrySource := sources.Index(stateSource, sources.DictKey(stateSource, ordinal))
		perParam.Range(func(key string, value any) bool {
			t, ok := value.(*tensors.Tensor)
			if !ok {
				return true
			}
			if _, found := gradTo[t]; found {
				return true
			}
			if _, found := tensorTo[t]; found {
				return true
			}
			tensorTo[t] = sources.Index(entrySource, key)
			return true
		})
		ordinal++
		return true
	})

	ot.gradToSource = gradTo
	ot.tensorToSource = tensorTo
	ot.mapped = true
}

// wrapTensor wraps a state tensor discovered during list-argument rewriting.
// A source already mapped for the tensor is reused — a tensor reachable both
// as a gradient and as state must keep one canonical source, not gain a fresh
// global slot. Only when the tensor appears in neither map is a global
// weak-reference slot allocated for it.
func (ot *OptimizerTracker) wrapTensor(t *tensors.Tensor) Value {
	if src, found := ot.tensorToSource[t]; found {
		t.MarkStatic()
		builder := NewBuilder(ot.tx, src)
		ot.addStaticName(builder.Name())
		return builder.Build(t)
	}
	if src, found := ot.gradToSource[t]; found {
		return NewBuilder(ot.tx, src).Build(t)
	}
	t.MarkStatic()
	name := StoreGlobalWeakRefByID(ot.tx, GlobalTensorKeyPrefix, t)
	src := sources.GlobalWeakRef(name)
	if t.Grad == nil {
		// Not traced further: the global binding only needs identity.
		ot.tx.Guards().Install(src, guards.ConstantMatch{Want: t})
	}
	builder := NewBuilder(ot.tx, src)
	ot.addStaticName(builder.Name())
	ot.tensorToSource[t] = src
	return builder.Build(t)
}

func (ot *OptimizerTracker) addStaticName(name string) { ot.pins.add(name) }

// updateListArgs mirrors, on the symbolic arguments, the in-place list
// extension done by the concrete execution: for every mutable ordered
// sequence argument, freshly wrapped handles are appended for the elements the
// concrete method added.
func (ot *OptimizerTracker) updateListArgs(args []Value, lists [5]*[]*tensors.Tensor) {
	listIdx := 0
	for _, arg := range args {
		list, ok := arg.(*ListValue)
		if !ok {
			continue
		}
		if listIdx >= len(lists) {
			break
		}
		concrete := *lists[listIdx]
		listIdx++
		for jj := len(list.Items); jj < len(concrete); jj++ {
			var elem any = concrete[jj]
			if t, ok := elem.(*tensors.Tensor); ok && t != nil {
				list.Items = append(list.Items, ot.wrapTensor(t))
			} else if list.Source() != nil {
				list.Items = append(list.Items, NewBuilder(ot.tx, sources.Index(list.Source(), jj)).Build(elem))
			} else {
				list.Items = append(list.Items, Sourceless(elem))
			}
		}
	}
}

// createFinalizer arms the lifecycle hook: once the artifact compiles, a
// cleanup keyed on the concrete optimizer is registered with the runtime. When
// the optimizer becomes unreachable the cleanup evicts every pinned static
// name from the artifact's buffer and parameter tables and clears the shared
// flattened-parameter cache. The pin set is read at collection time, so names
// pinned by interceptions after the hook was armed are evicted too. It runs at
// most once, on a runtime-supplied goroutine, must not acquire tracing locks
// and must not panic. The cleanup captures only the shared pin set, never the
// tracker or the optimizer, or neither would ever be collected.
func (ot *OptimizerTracker) createFinalizer() {
	if ot.finalizerSet {
		return
	}
	ot.finalizerSet = true
	pins := ot.pins
	opt := ot.opt
	ot.tx.Output().AddGraphFinalizer(func(artifact *OutputGraph) {
		runtime.AddCleanup(opt, func(g *OutputGraph) {
			defer func() {
				if r := recover(); r != nil {
					klog.Errorf("capture: static-buffer cleanup failed (ignored): %v", r)
				}
			}()
			names := pins.snapshot()
			g.RemoveStatic(names...)
			g.ClearParamsFlat()
			klog.V(1).Infof("capture: optimizer collected, evicted %d static tensors", len(names))
		}, artifact)
	})
}
