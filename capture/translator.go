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

// Package capture implements symbolic graph capture for calls into stateful,
// mutable objects: it replays side-effecting methods against concrete values
// while recording provenance (sources) for every tensor touched, installs
// guards so a previously compiled trace is invalidated when those tensors'
// identity or metadata change, and patches the resulting artifact with
// weak-referenced static buffers that are torn down when the source object
// dies.
//
// The entry point is the Translator, which owns one in-flight compilation:
// its guard registry, the artifact under construction (OutputGraph), the
// global weak-reference table for discovered values, and the recorded
// instruction trace. Tracing is single-threaded and cooperative; only the
// lifecycle cleanup in OptimizerTracker runs asynchronously.
package capture

import (
	"fmt"
	"reflect"
	"slices"
	"weak"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/yousufmo/symtrace/guards"
	"github.com/yousufmo/symtrace/types/xmaps"
)

// Translator owns a single in-flight compilation pass. It is not safe for
// concurrent use: all tracing operations run synchronously on one goroutine.
type Translator struct {
	id       string
	registry *guards.Registry
	output   *OutputGraph

	// globalRefs maps generated slot names to weak getters of discovered
	// values. Ownership of the referents stays with the training loop.
	globalRefs *xmaps.Ordered[string, func() any]
	refsByAddr map[uintptr]string

	events []TraceEvent
}

// NewTranslator creates a Translator for one compilation pass.
func NewTranslator() *Translator {
	return &Translator{
		id:         uuid.NewString(),
		registry:   guards.New(),
		output:     NewOutputGraph(),
		globalRefs: xmaps.New[string, func() any](),
		refsByAddr: make(map[uintptr]string),
	}
}

// ID returns the unique id of this compilation pass, used in diagnostics.
func (tx *Translator) ID() string { return tx.id }

// Guards returns the guard registry of this compilation.
func (tx *Translator) Guards() *guards.Registry { return tx.registry }

// Output returns the artifact under construction.
func (tx *Translator) Output() *OutputGraph { return tx.output }

// StoreGlobalWeakRefByID stashes a weak reference to value under a generated
// slot name and returns the name. Storing the same object again returns the
// existing slot.
func StoreGlobalWeakRefByID[T any](tx *Translator, prefix string, value *T) string {
	addr := reflect.ValueOf(value).Pointer()
	if name, found := tx.refsByAddr[addr]; found {
		return name
	}
	name := fmt.Sprintf("%s_%x", prefix, addr)
	ptr := weak.Make(value)
	tx.globalRefs.Set(name, func() any {
		if v := ptr.Value(); v != nil {
			return v
		}
		return nil
	})
	tx.refsByAddr[addr] = name
	klog.V(2).Infof("capture[%s]: stashed global weak ref %q", tx.id, name)
	return name
}

// ResolveGlobalWeakRef returns the live value stashed under name, or false if
// the slot does not exist or its referent was collected.
// Together with GuardRoot it implements sources.GlobalResolver.
func (tx *Translator) ResolveGlobalWeakRef(name string) (any, bool) {
	getter, found := tx.globalRefs.GetOk(name)
	if !found {
		return nil, false
	}
	value := getter()
	if value == nil {
		return nil, false
	}
	return value, true
}

// guardRoot bundles a fresh concrete root object with the translator's global
// weak-reference table, so both structural sources and global-slot sources can
// be re-resolved during guard evaluation.
type guardRoot struct {
	object any
	tx     *Translator
}

// RootObject implements sources.RootHolder.
func (r guardRoot) RootObject() any { return r.object }

// ResolveGlobalWeakRef implements sources.GlobalResolver.
func (r guardRoot) ResolveGlobalWeakRef(name string) (any, bool) {
	return r.tx.ResolveGlobalWeakRef(name)
}

// GuardRoot wraps a fresh concrete root object for guard evaluation:
// tx.Guards().Evaluate(tx.GuardRoot(obj)).
func (tx *Translator) GuardRoot(object any) any {
	return guardRoot{object: object, tx: tx}
}

// TraceEvent is one recorded instruction of the symbolic trace.
type TraceEvent struct {
	// Target is the method or operation being traced.
	Target string

	// Args are canonical descriptions of the arguments: the source path for
	// sourced values, the printed constant otherwise.
	Args []string

	// Kwargs are the keyword arguments, same encoding as Args.
	Kwargs map[string]string
}

func describeValue(v Value) string {
	if v == nil {
		return "<nil>"
	}
	if src := v.Source(); src != nil {
		return src.String()
	}
	return fmt.Sprintf("const:%v", v.Concrete())
}

// TraceCall records a full symbolic trace of a method call — the path taken
// when no fast path applies or when a fast path fell back. It returns an
// opaque sourceless handle for the call's result.
func (tx *Translator) TraceCall(target string, args []Value, kwargs map[string]Value) Value {
	event := TraceEvent{Target: target}
	for _, arg := range args {
		event.Args = append(event.Args, describeValue(arg))
	}
	if len(kwargs) > 0 {
		event.Kwargs = make(map[string]string, len(kwargs))
		for key, arg := range kwargs {
			event.Kwargs[key] = describeValue(arg)
		}
	}
	tx.events = append(tx.events, event)
	klog.V(2).Infof("capture[%s]: traced call to %s", tx.id, target)
	return &ObjectValue{}
}

// Events returns the recorded trace so far. The slice is owned by the
// Translator, don't modify it.
func (tx *Translator) Events() []TraceEvent { return tx.events }

// checkpoint captures the translator state before a speculative fast path.
type checkpoint struct {
	guardsMark  int
	outputMark  int
	globalsMark int
	eventsMark  int
}

func (tx *Translator) checkpoint() checkpoint {
	return checkpoint{
		guardsMark:  tx.registry.Checkpoint(),
		outputMark:  tx.output.checkpoint(),
		globalsMark: tx.globalRefs.Len(),
		eventsMark:  len(tx.events),
	}
}

// rollback undoes every mutation made after the checkpoint: installed guards,
// artifact registrations, stashed global refs and trace events. No partial
// state from an aborted fast path may leak into the trace.
func (tx *Translator) rollback(cp checkpoint) {
	tx.registry.Rollback(cp.guardsMark)
	tx.output.rollback(cp.outputMark)
	removed := slices.Clone(tx.globalRefs.Keys()[cp.globalsMark:])
	for _, name := range removed {
		tx.globalRefs.Delete(name)
		for addr, refName := range tx.refsByAddr {
			if refName == name {
				delete(tx.refsByAddr, addr)
				break
			}
		}
	}
	tx.events = tx.events[:cp.eventsMark]
}
