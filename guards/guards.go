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

// Package guards implements the guard registry: the set of predicates that must
// still hold for a compiled artifact to be reused.
//
// Each guard pairs a sources.Source (how to reach a value from a fresh root)
// with a Predicate (what must be true of the value found there). Guards are
// append-only and deduplicated on the (source, predicate) pair, so re-wrapping
// the same value through the same source is idempotent while a different
// predicate at the same source still installs.
//
// Evaluation re-resolves every guarded source against a fresh concrete root and
// short-circuits on the first failure. Predicates are deterministic and
// side-effect free; a source that no longer resolves counts as a failed guard.
package guards

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"

	"github.com/yousufmo/symtrace/sources"
	"github.com/yousufmo/symtrace/types/shapes"
	"github.com/yousufmo/symtrace/types/tensors"
)

// Predicate is a deterministic, side-effect-free check over a resolved value.
type Predicate interface {
	// Kind identifies the predicate type, used in diagnostics.
	Kind() string

	// Key is the deduplication key: it embeds the captured value or metadata,
	// so only an identical predicate at the same source is a duplicate.
	Key() string

	// Check returns whether the predicate holds for value.
	Check(value any) bool
}

// ConstantMatch holds when the resolved value is still the value captured at
// compile time: pointer identity for pointers, equality for scalars and
// strings, and nil-ness for nil.
type ConstantMatch struct {
	Want any
}

// Kind implements Predicate.
func (p ConstantMatch) Kind() string { return "constant-match" }

// Key implements Predicate.
func (p ConstantMatch) Key() string {
	if p.Want == nil {
		return "constant-match(nil)"
	}
	wantV := reflect.ValueOf(p.Want)
	if wantV.Kind() == reflect.Pointer {
		return fmt.Sprintf("constant-match(%T@0x%x)", p.Want, wantV.Pointer())
	}
	return fmt.Sprintf("constant-match(%T=%v)", p.Want, p.Want)
}

// Check implements Predicate.
func (p ConstantMatch) Check(value any) bool {
	if p.Want == nil || value == nil {
		return p.Want == nil && value == nil
	}
	wantV := reflect.ValueOf(p.Want)
	if wantV.Kind() == reflect.Pointer {
		gotV := reflect.ValueOf(value)
		return gotV.Kind() == reflect.Pointer && wantV.Pointer() == gotV.Pointer()
	}
	return p.Want == value
}

// TensorMatch holds when the resolved value is the same tensor object, with the
// same shape, dtype and requires-grad mark it had at compile time. Contents may
// change freely, metadata and identity may not.
type TensorMatch struct {
	want         *tensors.Tensor
	shape        shapes.Shape
	requiresGrad bool
}

// NewTensorMatch captures the identity and metadata of t.
func NewTensorMatch(t *tensors.Tensor) TensorMatch {
	t.AssertValid()
	return TensorMatch{want: t, shape: t.Shape(), requiresGrad: t.RequiresGrad}
}

// Kind implements Predicate.
func (p TensorMatch) Kind() string { return "tensor-match" }

// Key implements Predicate.
func (p TensorMatch) Key() string {
	return fmt.Sprintf("tensor-match(%p,%s,grad=%t)", p.want, p.shape, p.requiresGrad)
}

// Check implements Predicate.
func (p TensorMatch) Check(value any) bool {
	t, ok := value.(*tensors.Tensor)
	if !ok || t != p.want {
		return false
	}
	return t.Shape().Equal(p.shape) && t.RequiresGrad == p.requiresGrad
}

// Guard pairs a source with the predicate that must hold at it.
type Guard struct {
	Source    sources.Source
	Predicate Predicate
}

func (g Guard) key() string {
	return g.Source.String() + "|" + g.Predicate.Key()
}

// String implements stringer.
func (g Guard) String() string {
	return fmt.Sprintf("%s(%s)", g.Predicate.Kind(), g.Source)
}

// Registry is the append-only set of guards for one compiled artifact.
//
// It is owned by a single in-flight compilation; no concurrent mutation is
// supported.
type Registry struct {
	guards []Guard
	index  map[string]struct{}
}

// New creates an empty guard registry.
func New() *Registry {
	return &Registry{index: make(map[string]struct{})}
}

// Install registers a guard for source. Re-installing an identical guard (same
// source, same predicate content) is a no-op.
func (r *Registry) Install(source sources.Source, predicate Predicate) {
	g := Guard{Source: source, Predicate: predicate}
	key := g.key()
	if _, found := r.index[key]; found {
		return
	}
	r.index[key] = struct{}{}
	r.guards = append(r.guards, g)
	klog.V(2).Infof("guards: installed %s", g)
}

// Checkpoint returns a mark of the current registry size, usable with
// Rollback to undo speculative installations.
func (r *Registry) Checkpoint() int { return len(r.guards) }

// Rollback removes every guard installed after the given checkpoint. It exists
// so an aborted fast path leaks no partial state; committed guards remain
// append-only.
func (r *Registry) Rollback(mark int) {
	if mark >= len(r.guards) {
		return
	}
	for _, g := range r.guards[mark:] {
		delete(r.index, g.key())
	}
	r.guards = r.guards[:mark]
}

// Len returns the number of installed guards.
func (r *Registry) Len() int { return len(r.guards) }

// Guards returns the installed guards in installation order. The returned
// slice is owned by the registry, don't modify it.
func (r *Registry) Guards() []Guard { return r.guards }

// Evaluate re-resolves every guarded source against root and applies its
// predicate. It returns true iff all guards pass. Evaluation short-circuits on
// the first failure and has no observable side effects.
func (r *Registry) Evaluate(root any) bool {
	for _, g := range r.guards {
		value, err := g.Source.Resolve(root)
		if err != nil {
			klog.V(1).Infof("guards: %s failed to resolve: %v", g, err)
			return false
		}
		if !g.Predicate.Check(value) {
			klog.V(1).Infof("guards: %s failed", g)
			return false
		}
	}
	return true
}

// String implements stringer, listing the installed guard keys sorted.
func (r *Registry) String() string {
	keys := maps.Keys(r.index)
	sort.Strings(keys)
	return fmt.Sprintf("guards.Registry{%s}", strings.Join(keys, ", "))
}
