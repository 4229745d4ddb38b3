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

// Package tensors implements a concrete, in-memory tensor: a flat data buffer
// plus a shapes.Shape, an optional gradient and a requires-grad mark.
//
// Tensors here are the concrete values the tracing subsystem operates on.
// Their identity (the *Tensor pointer) matters: guards compare identity and
// metadata, and tensors can be marked with a static address so a compiled
// artifact may pin and reuse their buffers across invocations.
package tensors

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
	"github.com/yousufmo/symtrace/types/shapes"
)

// Tensor is a concrete tensor value.
//
// Grad and RequiresGrad are exported because access paths (sources.Source)
// resolve them by attribute name, the same way they resolve any other field.
type Tensor struct {
	shape shapes.Shape
	data  any // one of []float16.Float16, []float32, []float64, []int32, []int64

	// Grad holds the gradient accumulated for this tensor, or nil.
	Grad *Tensor

	// RequiresGrad marks the tensor as participating in autograd.
	RequiresGrad bool

	staticAddress bool
}

// Supported are the Go element types tensors can be built from directly.
// Float16 tensors are created via Zeros and filled with SetFlatFloat64.
type Supported interface {
	float32 | float64 | int32 | int64
}

func dtypeOf(data any) shapes.DType {
	switch data.(type) {
	case []float16.Float16:
		return shapes.Float16
	case []float32:
		return shapes.Float32
	case []float64:
		return shapes.Float64
	case []int32:
		return shapes.Int32
	case []int64:
		return shapes.Int64
	}
	return shapes.InvalidDType
}

// FromFlat creates a tensor from a flat slice of values and its dimensions.
// An empty dimensions list creates a scalar, in which case data must have
// exactly one element.
func FromFlat[T Supported](data []T, dimensions ...int) *Tensor {
	var dtype shapes.DType
	switch any(data).(type) {
	case []float32:
		dtype = shapes.Float32
	case []float64:
		dtype = shapes.Float64
	case []int32:
		dtype = shapes.Int32
	case []int64:
		dtype = shapes.Int64
	}
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlat: %d values given for shape %s, which requires %d", len(data), shape, shape.Size())
	}
	return &Tensor{shape: shape, data: data}
}

// FromScalar creates a rank-0 tensor holding one value.
func FromScalar[T Supported](value T) *Tensor {
	return FromFlat([]T{value})
}

// Zeros creates a zero-initialized tensor of the given shape.
func Zeros(shape shapes.Shape) *Tensor {
	t := &Tensor{shape: shape}
	size := shape.Size()
	switch shape.DType {
	case shapes.Float16:
		t.data = make([]float16.Float16, size)
	case shapes.Float32:
		t.data = make([]float32, size)
	case shapes.Float64:
		t.data = make([]float64, size)
	case shapes.Int32:
		t.data = make([]int32, size)
	case shapes.Int64:
		t.data = make([]int64, size)
	default:
		exceptions.Panicf("tensors.Zeros: unsupported dtype in shape %s", shape)
	}
	return t
}

// ZerosLike creates a zero-initialized tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	t.AssertValid()
	return Zeros(t.shape)
}

// AssertValid panics if the tensor is nil or has no data.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("tensors.Tensor is nil")
	}
	if t.data == nil || !t.shape.Ok() {
		exceptions.Panicf("tensors.Tensor has no associated data or shape")
	}
}

// Shape of the tensor. It implements shapes.HasShape.
func (t *Tensor) Shape() shapes.Shape {
	t.AssertValid()
	return t.shape
}

// DType of the tensor elements.
func (t *Tensor) DType() shapes.DType {
	t.AssertValid()
	return t.shape.DType
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	t.AssertValid()
	return t.shape.Size()
}

// MarkStatic pins the tensor's address: backends may bake the buffer location
// into a compiled artifact and reuse it across invocations.
func (t *Tensor) MarkStatic() {
	t.AssertValid()
	t.staticAddress = true
}

// IsStatic returns whether the tensor was marked with a static address.
func (t *Tensor) IsStatic() bool {
	return t != nil && t.staticAddress
}

// FlatFloat64 returns a fresh slice with all elements converted to float64.
// It panics for non-float tensors.
func (t *Tensor) FlatFloat64() []float64 {
	t.AssertValid()
	switch data := t.data.(type) {
	case []float16.Float16:
		flat := make([]float64, len(data))
		for ii, v := range data {
			flat[ii] = float64(v.Float32())
		}
		return flat
	case []float32:
		flat := make([]float64, len(data))
		for ii, v := range data {
			flat[ii] = float64(v)
		}
		return flat
	case []float64:
		flat := make([]float64, len(data))
		copy(flat, data)
		return flat
	}
	exceptions.Panicf("Tensor.FlatFloat64: tensor has dtype %s, not a float type", t.DType())
	return nil
}

// SetFlatFloat64 overwrites the tensor contents with values, converting to the
// tensor's dtype. It panics for non-float tensors or on a size mismatch.
func (t *Tensor) SetFlatFloat64(values []float64) {
	t.AssertValid()
	if len(values) != t.Size() {
		exceptions.Panicf("Tensor.SetFlatFloat64: %d values given for shape %s, which requires %d",
			len(values), t.shape, t.Size())
	}
	switch data := t.data.(type) {
	case []float16.Float16:
		for ii, v := range values {
			data[ii] = float16.Fromfloat32(float32(v))
		}
	case []float32:
		for ii, v := range values {
			data[ii] = float32(v)
		}
	case []float64:
		copy(data, values)
	default:
		exceptions.Panicf("Tensor.SetFlatFloat64: tensor has dtype %s, not a float type", t.DType())
	}
}

// ConstFlatData returns the underlying flat data slice, typed T, for reading.
// The returned slice must not be modified. The tensor's dtype must match T
// exactly.
func ConstFlatData[T Supported](t *Tensor) []T {
	return flatData[T](t, "ConstFlatData")
}

// MutableFlatData returns the underlying flat data slice, typed T, for
// in-place mutation. The tensor's dtype must match T exactly.
func MutableFlatData[T Supported](t *Tensor) []T {
	return flatData[T](t, "MutableFlatData")
}

func flatData[T Supported](t *Tensor, caller string) []T {
	t.AssertValid()
	data, ok := t.data.([]T)
	if !ok {
		exceptions.Panicf("tensors.%s[%T] is incompatible with tensor's dtype %s", caller, data, t.DType())
	}
	return data
}

// Memory returns the bytes used to store the tensor data.
func (t *Tensor) Memory() uintptr {
	t.AssertValid()
	return t.shape.Memory()
}

// String implements stringer: the shape plus the humanized memory footprint.
func (t *Tensor) String() string {
	if t == nil || t.data == nil {
		return "Tensor(nil)"
	}
	return fmt.Sprintf("Tensor%s (%s)", t.shape, humanize.Bytes(uint64(t.Memory())))
}
