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

// Package sources defines Source, a composable descriptor of how a runtime value
// was reached from a root object: attribute access, indexing into an ordered or
// keyed container, the N-th key of an insertion-ordered map, a gradient access,
// or a global weak-reference slot for values that were discovered rather than
// derived.
//
// Sources are immutable and structurally comparable: two sources denote the same
// access path if and only if their String() forms are equal. That canonical form
// is what the guards package uses to deduplicate guard installation, and what the
// capture package uses to recognize values it has already wrapped.
//
// A Source can be re-resolved against a fresh root object with Resolve, which is
// how previously installed guards are re-checked before a compiled artifact is
// reused.
package sources

import (
	"fmt"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Source describes an access path from a root object to a value.
//
// Implementations are immutable. String returns the canonical form of the path
// and defines equality: Equal(a, b) iff a.String() == b.String(). Resolve walks
// the path again on a fresh root and returns the value currently reachable
// through it, or an error if the path no longer resolves.
type Source interface {
	fmt.Stringer

	// Resolve re-walks the access path against root and returns the value found.
	Resolve(root any) (any, error)
}

// Equal returns whether two sources denote the same access path.
func Equal(a, b Source) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}

// GlobalResolver is implemented by roots that own a table of global
// weak-reference slots. GlobalWeakRefSource can only be resolved against such a
// root.
type GlobalResolver interface {
	// ResolveGlobalWeakRef returns the value stashed under name, or false if the
	// slot does not exist or its referent has been collected.
	ResolveGlobalWeakRef(name string) (any, bool)
}

// RootHolder is implemented by guard-evaluation roots that bundle the traced
// object with other lookup tables (e.g. the global weak-reference table). A
// LocalSource resolves through it to the traced object itself.
type RootHolder interface {
	// RootObject returns the traced object the access paths start from.
	RootObject() any
}

// OrderedKeys is implemented by keyed containers with a stable insertion order,
// allowing DictKeySource to address the N-th key.
type OrderedKeys interface {
	// KeyAt returns the ordinal-th key in insertion order.
	KeyAt(ordinal int) (any, bool)
}

// LocalSource is the root of an access path: the traced object itself. The name
// is used only for diagnostics and the canonical form.
type LocalSource struct {
	Name string
}

// Local creates the root Source for the object known under the given local name.
func Local(name string) *LocalSource {
	if name == "" {
		exceptions.Panicf("sources.Local requires a non-empty name")
	}
	return &LocalSource{Name: name}
}

// String implements Source.
func (s *LocalSource) String() string { return s.Name }

// Resolve implements Source: the root resolves to itself, unwrapping a
// RootHolder if the caller bundled the object with lookup tables.
func (s *LocalSource) Resolve(root any) (any, error) {
	if holder, ok := root.(RootHolder); ok {
		root = holder.RootObject()
	}
	if root == nil {
		return nil, errors.Errorf("cannot resolve %s: root object is nil", s)
	}
	return root, nil
}

// AttrSource addresses an attribute (an exported field) of the value reached by
// Base.
type AttrSource struct {
	Base Source
	Name string
}

// Attr creates a Source addressing the attribute name of base.
func Attr(base Source, name string) *AttrSource {
	if base == nil {
		exceptions.Panicf("sources.Attr(%q) requires a non-nil base source", name)
	}
	if name == "" {
		exceptions.Panicf("sources.Attr on %s requires a non-empty attribute name", base)
	}
	return &AttrSource{Base: base, Name: name}
}

// String implements Source.
func (s *AttrSource) String() string { return fmt.Sprintf("%s.%s", s.Base, s.Name) }

// Resolve implements Source.
func (s *AttrSource) Resolve(root any) (any, error) {
	base, err := s.Base.Resolve(root)
	if err != nil {
		return nil, err
	}
	return resolveField(base, s.Name, s)
}

// IndexSource addresses one element of an ordered or keyed container reached by
// Base. The Key may itself be a Source (e.g. a DictKeySource), in which case it
// is resolved against the same root before indexing.
type IndexSource struct {
	Base Source
	Key  any
}

// Index creates a Source addressing the element of base under key. Key must be
// an integer (for slices), a string (for keyed containers) or a Source resolving
// to the actual key object.
func Index(base Source, key any) *IndexSource {
	if base == nil {
		exceptions.Panicf("sources.Index(%v) requires a non-nil base source", key)
	}
	switch key.(type) {
	case int, string, Source:
	default:
		exceptions.Panicf("sources.Index on %s: unsupported key type %T", base, key)
	}
	return &IndexSource{Base: base, Key: key}
}

// String implements Source.
func (s *IndexSource) String() string {
	if keySource, ok := s.Key.(Source); ok {
		return fmt.Sprintf("%s[%s]", s.Base, keySource)
	}
	return fmt.Sprintf("%s[%v]", s.Base, s.Key)
}

// Resolve implements Source.
func (s *IndexSource) Resolve(root any) (any, error) {
	base, err := s.Base.Resolve(root)
	if err != nil {
		return nil, err
	}
	key := s.Key
	if keySource, ok := key.(Source); ok {
		key, err = keySource.Resolve(root)
		if err != nil {
			return nil, err
		}
	}
	return resolveIndex(base, key, s)
}

// DictKeySource addresses the ordinal-th key (not value) of an insertion-ordered
// keyed container reached by Base. It exists so a key that is itself an object
// (e.g. a tensor keying per-parameter state) can be used to build an
// IndexSource without a stable printable form of its own.
type DictKeySource struct {
	Base    Source
	Ordinal int
}

// DictKey creates a Source addressing the ordinal-th key of the ordered keyed
// container at base.
func DictKey(base Source, ordinal int) *DictKeySource {
	if base == nil {
		exceptions.Panicf("sources.DictKey(%d) requires a non-nil base source", ordinal)
	}
	if ordinal < 0 {
		exceptions.Panicf("sources.DictKey on %s requires a non-negative ordinal, got %d", base, ordinal)
	}
	return &DictKeySource{Base: base, Ordinal: ordinal}
}

// String implements Source.
func (s *DictKeySource) String() string { return fmt.Sprintf("%s.keys()[%d]", s.Base, s.Ordinal) }

// Resolve implements Source.
func (s *DictKeySource) Resolve(root any) (any, error) {
	base, err := s.Base.Resolve(root)
	if err != nil {
		return nil, err
	}
	ordered, ok := base.(OrderedKeys)
	if !ok {
		return nil, errors.Errorf("cannot resolve %s: %T does not expose insertion-ordered keys", s, base)
	}
	key, ok := ordered.KeyAt(s.Ordinal)
	if !ok {
		return nil, errors.Errorf("cannot resolve %s: container has no key at ordinal %d", s, s.Ordinal)
	}
	return key, nil
}

// GradSource addresses the gradient of the tensor-like value reached by Base.
// It is a distinct variant (instead of an AttrSource) because gradients get
// different guard treatment: a nil gradient is guarded with a constant match
// rather than a tensor match.
type GradSource struct {
	Base Source
}

// Grad creates a Source addressing the gradient of the value at base.
func Grad(base Source) *GradSource {
	if base == nil {
		exceptions.Panicf("sources.Grad requires a non-nil base source")
	}
	return &GradSource{Base: base}
}

// String implements Source.
func (s *GradSource) String() string { return fmt.Sprintf("%s.grad", s.Base) }

// Resolve implements Source.
func (s *GradSource) Resolve(root any) (any, error) {
	base, err := s.Base.Resolve(root)
	if err != nil {
		return nil, err
	}
	value, err := resolveField(base, "Grad", s)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// GlobalWeakRefSource addresses a value with no structural path from the root:
// it was discovered during tracing and stashed under a generated name in the
// root's global weak-reference table.
type GlobalWeakRefSource struct {
	Name string
}

// GlobalWeakRef creates a Source addressing the global weak-reference slot name.
func GlobalWeakRef(name string) *GlobalWeakRefSource {
	if name == "" {
		exceptions.Panicf("sources.GlobalWeakRef requires a non-empty slot name")
	}
	return &GlobalWeakRefSource{Name: name}
}

// String implements Source.
func (s *GlobalWeakRefSource) String() string { return fmt.Sprintf("G[%s]", s.Name) }

// Resolve implements Source. The root must implement GlobalResolver.
func (s *GlobalWeakRefSource) Resolve(root any) (any, error) {
	resolver, ok := root.(GlobalResolver)
	if !ok {
		return nil, errors.Errorf("cannot resolve %s: root of type %T holds no global weak-reference table", s, root)
	}
	value, ok := resolver.ResolveGlobalWeakRef(s.Name)
	if !ok {
		return nil, errors.Errorf("cannot resolve %s: slot is empty or its referent was collected", s)
	}
	return value, nil
}

// resolveField reads the exported field name from obj, which must be a struct
// or a pointer to one. A nil pointer field resolves to untyped nil, so a
// constant-match guard against nil keeps working after re-resolution.
func resolveField(obj any, name string, src Source) (any, error) {
	v := reflect.ValueOf(obj)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, errors.Errorf("cannot resolve %s: nil object on the path", src)
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, errors.Errorf("cannot resolve %s: %T has no attributes", src, obj)
	}
	field := v.FieldByName(name)
	if !field.IsValid() {
		return nil, errors.Errorf("cannot resolve %s: %T has no field %q", src, obj, name)
	}
	if field.Kind() == reflect.Pointer && field.IsNil() {
		return nil, nil
	}
	return field.Interface(), nil
}

// resolveIndex indexes obj, a slice/array (integer key), map (string key) or an
// arbitrary keyed container implementing Getter.
func resolveIndex(obj, key any, src Source) (any, error) {
	if getter, ok := obj.(Getter); ok {
		value, found := getter.Get(key)
		if !found {
			return nil, errors.Errorf("cannot resolve %s: key %v not present", src, key)
		}
		return value, nil
	}
	v := reflect.ValueOf(obj)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		i, ok := key.(int)
		if !ok {
			return nil, errors.Errorf("cannot resolve %s: slice requires an integer key, got %T", src, key)
		}
		if i < 0 || i >= v.Len() {
			return nil, errors.Errorf("cannot resolve %s: index %d out of range (len=%d)", src, i, v.Len())
		}
		return v.Index(i).Interface(), nil
	case reflect.Map:
		kv := reflect.ValueOf(key)
		if !kv.IsValid() || !kv.Type().AssignableTo(v.Type().Key()) {
			return nil, errors.Errorf("cannot resolve %s: key type %T does not index %T", src, key, obj)
		}
		elem := v.MapIndex(kv)
		if !elem.IsValid() {
			return nil, errors.Errorf("cannot resolve %s: key %v not present", src, key)
		}
		return elem.Interface(), nil
	default:
		return nil, errors.Errorf("cannot resolve %s: %T is not an indexable container", src, obj)
	}
}

// Getter is implemented by keyed containers that resolve their own keys, e.g.
// the insertion-ordered maps used for optimizer state.
type Getter interface {
	Get(key any) (any, bool)
}
