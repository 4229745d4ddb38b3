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
	"reflect"

	"github.com/yousufmo/symtrace/guards"
	"github.com/yousufmo/symtrace/optimizers"
	"github.com/yousufmo/symtrace/sources"
	"github.com/yousufmo/symtrace/types/tensors"
	"github.com/yousufmo/symtrace/types/xmaps"
)

// Builder converts a concrete runtime value plus its Source into a tracked
// symbolic handle, installing guards as a side effect.
//
// Wrapping is eager: containers wrap every element before returning, because
// guard installation for elements must happen now — a deferred wrap would let
// guards escape installation if the container is only partially inspected
// later.
type Builder struct {
	tx     *Translator
	source sources.Source
}

// NewBuilder creates a Builder that wraps values reached through source.
func NewBuilder(tx *Translator, source sources.Source) *Builder {
	return &Builder{tx: tx, source: source}
}

// Name returns the artifact table key the built value would be registered
// under.
func (b *Builder) Name() string {
	return b.tx.Output().KeyName(b.source.String())
}

// Build wraps value into a tracked handle. Unsupported value types throw a
// recoverable guard-installation failure, caught by the fast path.
func (b *Builder) Build(value any) Value {
	switch v := value.(type) {
	case nil:
		return b.buildConstant(nil)
	case bool, int, int64, float32, float64, string:
		return b.buildConstant(v)
	case *tensors.Tensor:
		return b.buildTensor(v)
	case []*tensors.Tensor:
		items := make([]Value, 0, len(v))
		for ii, t := range v {
			items = append(items, NewBuilder(b.tx, sources.Index(b.source, ii)).Build(t))
		}
		return &ListValue{source: b.source, Items: items}
	case []any:
		items := make([]Value, 0, len(v))
		for ii, elem := range v {
			items = append(items, NewBuilder(b.tx, sources.Index(b.source, ii)).Build(elem))
		}
		return &ListValue{source: b.source, Items: items}
	case []*optimizers.ParamGroup:
		items := make([]Value, 0, len(v))
		for ii, group := range v {
			items = append(items, NewBuilder(b.tx, sources.Index(b.source, ii)).Build(group))
		}
		return &ListValue{source: b.source, Items: items}
	case *optimizers.ParamGroup:
		return b.buildStringDict(v.Ordered)
	case *xmaps.Ordered[string, any]:
		return b.buildStringDict(v)
	case *optimizers.StateMap:
		return b.buildStateDict(v)
	}
	if reflect.ValueOf(value).Kind() == reflect.Pointer {
		// Opaque user object: guard its identity, don't descend.
		b.tx.Guards().Install(b.source, guards.ConstantMatch{Want: value})
		return &ObjectValue{source: b.source, value: value}
	}
	throwFastPath(PhaseGuardInstall, "cannot wrap value of type %T reached via %s", value, b.source)
	return nil
}

func (b *Builder) buildConstant(value any) Value {
	b.tx.Guards().Install(b.source, guards.ConstantMatch{Want: value})
	return &ConstantValue{source: b.source, value: value}
}

// buildTensor registers the tensor in the artifact's tables under the mangled
// source path — parameters if it participates in autograd, buffers otherwise —
// and installs a tensor-match guard on its identity and metadata.
func (b *Builder) buildTensor(t *tensors.Tensor) Value {
	b.tx.Guards().Install(b.source, guards.NewTensorMatch(t))
	name := b.Name()
	if t.RequiresGrad {
		b.tx.Output().RegisterParameter(name, t)
	} else {
		b.tx.Output().RegisterBuffer(name, t)
	}
	return &TensorValue{source: b.source, tensor: t, Name: name}
}

func (b *Builder) buildStringDict(m *xmaps.Ordered[string, any]) Value {
	items := xmaps.New[string, Value]()
	m.Range(func(key string, value any) bool {
		items.Set(key, NewBuilder(b.tx, sources.Index(b.source, key)).Build(value))
		return true
	})
	return &DictValue{source: b.source, items: items}
}

// buildStateDict wraps the per-parameter state dictionary. Its keys are tensor
// objects with no printable form of their own, so each entry is addressed via
// the ordinal of its key: base[base.keys()[ordinal]].
func (b *Builder) buildStateDict(state *optimizers.StateMap) Value {
	items := xmaps.New[string, Value]()
	ordinal := 0
	state.Range(func(param *tensors.Tensor, perParam *xmaps.Ordered[string, any]) bool {
		entrySource := sources.Index(b.source, sources.DictKey(b.source, ordinal))
		items.Set(entrySource.String(), NewBuilder(b.tx, entrySource).Build(perParam))
		ordinal++
		return true
	})
	return &DictValue{source: b.source, items: items}
}
