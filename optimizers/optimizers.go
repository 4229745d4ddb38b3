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

// Package optimizers implements eager, stateful optimizers operating on
// concrete tensors.
//
// An Optimizer owns parameter groups and a lazily created per-parameter state
// dictionary. Its InitGroup method is deliberately side-effect heavy: it
// extends caller-provided lists in place and materializes state tensors on
// first use. That is exactly the kind of method a symbolic tracer cannot
// inline cheaply, which is why the capture package intercepts it and runs it
// on concrete values instead.
//
// Both ParamGroups and State use insertion-ordered maps (types/xmaps), so
// access paths like "the N-th key of the state dict" stay stable across
// executions.
package optimizers

import (
	"github.com/gomlx/exceptions"

	"github.com/yousufmo/symtrace/types/tensors"
	"github.com/yousufmo/symtrace/types/xmaps"
)

// Option keys recognized in a ParamGroup.
const (
	// ParamLearningRate is the per-group learning rate, a float64.
	ParamLearningRate = "lr"

	// ParamCapturable marks a group whose step may be captured into a compiled
	// artifact. Set by the tracer when it takes over a group.
	ParamCapturable = "capturable"

	// ParamWeightDecay is the per-group L2 penalty, a float64.
	ParamWeightDecay = "weight_decay"
)

// State keys created per parameter.
const (
	StateStep     = "step"
	StateExpAvg   = "exp_avg"
	StateExpAvgSq = "exp_avg_sq"
)

// ParamGroup is one group of parameters sharing hyperparameter options. It is
// a keyed, insertion-ordered container: the "params" entry holds the tensors,
// every other entry is an option (see the Param* constants).
type ParamGroup struct {
	*xmaps.Ordered[string, any]
}

// ParamsKey is the reserved group entry holding the parameter tensors.
const ParamsKey = "params"

// NewParamGroup creates a group with the given parameters and default options.
func NewParamGroup(params ...*tensors.Tensor) *ParamGroup {
	g := &ParamGroup{Ordered: xmaps.New[string, any]()}
	g.Set(ParamsKey, params)
	g.Set(ParamLearningRate, 1e-3)
	g.Set(ParamWeightDecay, 0.0)
	return g
}

// WithOption sets a group option, returning the group so calls can be cascaded.
func (g *ParamGroup) WithOption(key string, value any) *ParamGroup {
	if key == ParamsKey {
		exceptions.Panicf("ParamGroup.WithOption: %q is reserved for the parameter tensors", ParamsKey)
	}
	g.Set(key, value)
	return g
}

// Params returns the group's parameter tensors.
func (g *ParamGroup) Params() []*tensors.Tensor {
	value, found := g.GetOk(ParamsKey)
	if !found {
		return nil
	}
	return value.([]*tensors.Tensor)
}

// FloatOption returns the float64 option under key, or defaultValue if unset.
func (g *ParamGroup) FloatOption(key string, defaultValue float64) float64 {
	value, found := g.GetOk(key)
	if !found {
		return defaultValue
	}
	f, ok := value.(float64)
	if !ok {
		exceptions.Panicf("ParamGroup option %q holds %T, expected float64", key, value)
	}
	return f
}

// StateMap is the per-parameter state dictionary: parameter tensor to its
// named state tensors, both insertion ordered.
type StateMap = xmaps.Ordered[*tensors.Tensor, *xmaps.Ordered[string, any]]

// Optimizer is an eager Adam optimizer over concrete tensors.
//
// ParamGroups and State are exported fields: the tracing subsystem addresses
// them by attribute name when building access paths.
type Optimizer struct {
	ParamGroups []*ParamGroup
	State       *StateMap

	lr, beta1, beta2, epsilon float64
}

// Config configures and builds an Optimizer. Create it with Adam, set options
// and call Done.
type Config struct {
	lr, beta1, beta2, epsilon float64
}

// AdamDefaultLearningRate is used if no learning rate is configured.
const AdamDefaultLearningRate = 1e-3

// Adam returns a configuration for an Adam optimizer, which can be further
// configured. Call Done when finished.
func Adam() *Config {
	return &Config{lr: AdamDefaultLearningRate, beta1: 0.9, beta2: 0.999, epsilon: 1e-8}
}

// LearningRate sets the default learning rate. Groups can override it with the
// ParamLearningRate option.
func (c *Config) LearningRate(lr float64) *Config {
	c.lr = lr
	return c
}

// Betas sets the exponential decay rates of the first and second moment
// estimates.
func (c *Config) Betas(beta1, beta2 float64) *Config {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon sets the denominator stabilizer.
func (c *Config) Epsilon(epsilon float64) *Config {
	c.epsilon = epsilon
	return c
}

// Done builds the Optimizer with the given parameter groups.
func (c *Config) Done(groups ...*ParamGroup) *Optimizer {
	if len(groups) == 0 {
		exceptions.Panicf("optimizers.Adam().Done() requires at least one parameter group")
	}
	for _, g := range groups {
		if _, found := g.GetOk(ParamLearningRate); !found {
			g.Set(ParamLearningRate, c.lr)
		}
	}
	return &Optimizer{
		ParamGroups: groups,
		State:       xmaps.New[*tensors.Tensor, *xmaps.Ordered[string, any]](),
		lr:          c.lr,
		beta1:       c.beta1,
		beta2:       c.beta2,
		epsilon:     c.epsilon,
	}
}
