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
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"github.com/yousufmo/symtrace/types/tensors"
)

// OutputGraph is the compiled artifact under construction: the named buffer
// and parameter tables the trace refers to, a shared cache of flattened
// parameters, and the finalizer hooks to be armed once compilation completes.
//
// The tables are mutex protected because static-buffer eviction runs on a
// GC-driven goroutine (see OptimizerTracker's finalizer), asynchronously
// relative to normal control flow.
type OutputGraph struct {
	mu         sync.Mutex
	buffers    map[string]*tensors.Tensor
	parameters map[string]*tensors.Tensor
	paramsFlat []*tensors.Tensor

	// journal records registration order, so a speculative fast path can be
	// rolled back without leaking entries.
	journal []journalEntry

	finalizers []func(*OutputGraph)
	compiled   bool
}

type journalEntry struct {
	name        string
	isParameter bool
}

// NewOutputGraph creates an empty artifact.
func NewOutputGraph() *OutputGraph {
	return &OutputGraph{
		buffers:    make(map[string]*tensors.Tensor),
		parameters: make(map[string]*tensors.Tensor),
	}
}

// KeyName mangles a source path into an identifier-safe table key.
func (g *OutputGraph) KeyName(path string) string {
	var sb strings.Builder
	sb.Grow(len(path))
	for _, r := range path {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// RegisterBuffer stores t in the buffer table under name. Registering the same
// name again is a no-op.
func (g *OutputGraph) RegisterBuffer(name string, t *tensors.Tensor) {
	g.register(name, t, false)
}

// RegisterParameter stores t in the parameter table under name. Registering
// the same name again is a no-op.
func (g *OutputGraph) RegisterParameter(name string, t *tensors.Tensor) {
	g.register(name, t, true)
}

func (g *OutputGraph) register(name string, t *tensors.Tensor, isParameter bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	table := g.buffers
	if isParameter {
		table = g.parameters
	}
	if _, found := table[name]; found {
		return
	}
	table[name] = t
	g.journal = append(g.journal, journalEntry{name: name, isParameter: isParameter})
	g.paramsFlat = nil
}

// Buffer returns the buffer registered under name.
func (g *OutputGraph) Buffer(name string) (*tensors.Tensor, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, found := g.buffers[name]
	return t, found
}

// Parameter returns the parameter registered under name.
func (g *OutputGraph) Parameter(name string) (*tensors.Tensor, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, found := g.parameters[name]
	return t, found
}

// NumBuffers returns the size of the buffer table.
func (g *OutputGraph) NumBuffers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buffers)
}

// NumParameters returns the size of the parameter table.
func (g *OutputGraph) NumParameters() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.parameters)
}

// ParamsFlat returns the shared flattened list of all registered parameters
// and buffers, in registration order. It is built lazily and cached until
// cleared or invalidated by new registrations.
func (g *OutputGraph) ParamsFlat() []*tensors.Tensor {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paramsFlat == nil {
		for _, entry := range g.journal {
			table := g.buffers
			if entry.isParameter {
				table = g.parameters
			}
			if t, found := table[entry.name]; found {
				g.paramsFlat = append(g.paramsFlat, t)
			}
		}
	}
	return g.paramsFlat
}

// ClearParamsFlat drops the flattened-parameter cache.
func (g *OutputGraph) ClearParamsFlat() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paramsFlat = nil
}

// RemoveStatic evicts the named entries from both the buffer and parameter
// tables, tolerating already-absent names, and drops the flattened cache.
func (g *OutputGraph) RemoveStatic(names ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, name := range names {
		delete(g.buffers, name)
		delete(g.parameters, name)
	}
	g.paramsFlat = nil
}

// AddGraphFinalizer registers fn to be invoked once when the artifact
// compilation completes, typically to arm lifecycle hooks.
func (g *OutputGraph) AddGraphFinalizer(fn func(*OutputGraph)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finalizers = append(g.finalizers, fn)
}

// Compile marks the artifact as complete and runs the registered finalizer
// initializers exactly once.
func (g *OutputGraph) Compile() {
	g.mu.Lock()
	if g.compiled {
		g.mu.Unlock()
		return
	}
	g.compiled = true
	finalizers := g.finalizers
	g.finalizers = nil
	g.mu.Unlock()

	for _, fn := range finalizers {
		fn(g)
	}
	klog.V(1).Infof("capture: artifact compiled with %d parameters, %d buffers",
		g.NumParameters(), g.NumBuffers())
}

// checkpoint marks the current registration state, so a speculative fast path
// can roll back registrations it made.
func (g *OutputGraph) checkpoint() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.journal)
}

// rollback removes every registration made after the given checkpoint.
func (g *OutputGraph) rollback(mark int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if mark >= len(g.journal) {
		return
	}
	for _, entry := range g.journal[mark:] {
		if entry.isParameter {
			delete(g.parameters, entry.name)
		} else {
			delete(g.buffers, entry.name)
		}
	}
	g.journal = g.journal[:mark]
	g.paramsFlat = nil
}
