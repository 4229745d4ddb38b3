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
	"fmt"

	"github.com/yousufmo/symtrace/sources"
	"github.com/yousufmo/symtrace/types/tensors"
	"github.com/yousufmo/symtrace/types/xmaps"
)

// Value is a tracked symbolic handle wrapping a concrete runtime value.
//
// Source may return nil: a "sourceless" value is freshly materialized and has
// no stable provenance, so no guard can (or needs to) be installed for it.
type Value interface {
	// Source returns how the concrete value was reached from the root, or nil.
	Source() sources.Source

	// Concrete returns the underlying runtime value.
	Concrete() any
}

// ConstantValue wraps a scalar, string or nil. Its concrete value is reified
// into the trace directly.
type ConstantValue struct {
	source sources.Source
	value  any
}

// Constant creates a sourceless constant handle.
func Constant(value any) *ConstantValue {
	return &ConstantValue{value: value}
}

// Source implements Value.
func (v *ConstantValue) Source() sources.Source { return v.source }

// Concrete implements Value.
func (v *ConstantValue) Concrete() any { return v.value }

// String implements stringer.
func (v *ConstantValue) String() string { return fmt.Sprintf("Constant(%v)", v.value) }

// ListValue wraps an ordered sequence. Items are wrapped eagerly; the fast
// path may append to Items to mirror in-place extension done by concrete
// execution.
type ListValue struct {
	source sources.Source
	Items  []Value
}

// Source implements Value.
func (v *ListValue) Source() sources.Source { return v.source }

// Concrete implements Value.
func (v *ListValue) Concrete() any {
	items := make([]any, len(v.Items))
	for ii, item := range v.Items {
		items[ii] = item.Concrete()
	}
	return items
}

// DictValue wraps a keyed, insertion-ordered container. Entries are wrapped
// eagerly at construction.
type DictValue struct {
	source sources.Source
	items  *xmaps.Ordered[string, Value]
}

// Source implements Value.
func (v *DictValue) Source() sources.Source { return v.source }

// Concrete implements Value.
func (v *DictValue) Concrete() any {
	concrete := xmaps.New[string, any]()
	v.items.Range(func(key string, item Value) bool {
		concrete.Set(key, item.Concrete())
		return true
	})
	return concrete
}

// Item returns the wrapped entry under key.
func (v *DictValue) Item(key string) (Value, bool) {
	return v.items.GetOk(key)
}

// Len returns the number of entries.
func (v *DictValue) Len() int { return v.items.Len() }

// TensorValue wraps a concrete tensor. Name is the key under which the tensor
// was registered in the artifact's buffer or parameter table, empty for
// sourceless tensors.
type TensorValue struct {
	source sources.Source
	tensor *tensors.Tensor

	// Name of the artifact table entry backing this tensor, if any.
	Name string
}

// Source implements Value.
func (v *TensorValue) Source() sources.Source { return v.source }

// Concrete implements Value.
func (v *TensorValue) Concrete() any { return v.tensor }

// Tensor returns the wrapped tensor.
func (v *TensorValue) Tensor() *tensors.Tensor { return v.tensor }

// ObjectValue wraps a user-defined object the tracer treats opaquely.
type ObjectValue struct {
	source sources.Source
	value  any
}

// Source implements Value.
func (v *ObjectValue) Source() sources.Source { return v.source }

// Concrete implements Value.
func (v *ObjectValue) Concrete() any { return v.value }

// Sourceless wraps a freshly materialized value with no stable provenance.
// No guards are installed for it.
func Sourceless(value any) Value {
	switch value.(type) {
	case nil, bool, int, int64, float32, float64, string:
		return Constant(value)
	}
	if t, ok := value.(*tensors.Tensor); ok {
		return &TensorValue{tensor: t}
	}
	return &ObjectValue{value: value}
}
