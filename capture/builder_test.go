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
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/yousufmo/symtrace/capture"
	"github.com/yousufmo/symtrace/sources"
	"github.com/yousufmo/symtrace/types/tensors"
	"github.com/yousufmo/symtrace/types/xmaps"
)

func TestBuildConstantsAndGuards(t *testing.T) {
	tx := capture.NewTranslator()
	local := sources.Local("frame")

	v := capture.NewBuilder(tx, sources.Attr(local, "LR")).Build(0.1)
	require.Equal(t, 0.1, v.Concrete())
	require.Equal(t, "frame.LR", v.Source().String())
	require.Equal(t, 1, tx.Guards().Len())

	// Wrapping the same path with the same value again installs nothing new.
	capture.NewBuilder(tx, sources.Attr(local, "LR")).Build(0.1)
	require.Equal(t, 1, tx.Guards().Len())
}

func TestBuildTensorRegistersTables(t *testing.T) {
	tx := capture.NewTranslator()
	local := sources.Local("frame")

	param := tensors.FromFlat([]float32{1, 2}, 2)
	param.RequiresGrad = true
	buffer := tensors.FromFlat([]float32{3}, 1)

	pv := capture.NewBuilder(tx, sources.Attr(local, "W")).Build(param)
	bv := capture.NewBuilder(tx, sources.Attr(local, "RunningMean")).Build(buffer)

	pt, ok := pv.(*capture.TensorValue)
	require.True(t, ok)
	require.Same(t, param, pt.Tensor())
	require.Equal(t, "frame_W", pt.Name)
	got, found := tx.Output().Parameter("frame_W")
	require.True(t, found)
	require.Same(t, param, got)

	bt := bv.(*capture.TensorValue)
	require.Equal(t, "frame_RunningMean", bt.Name)
	_, found = tx.Output().Buffer("frame_RunningMean")
	require.True(t, found)

	require.Equal(t, 1, tx.Output().NumParameters())
	require.Equal(t, 1, tx.Output().NumBuffers())

	// Re-wrapping is idempotent on tables and guards.
	guardsBefore := tx.Guards().Len()
	again := capture.NewBuilder(tx, sources.Attr(local, "W")).Build(param).(*capture.TensorValue)
	require.Equal(t, pt.Name, again.Name)
	require.Equal(t, guardsBefore, tx.Guards().Len())
	require.Equal(t, 1, tx.Output().NumParameters())
}

func TestBuildContainersAreEager(t *testing.T) {
	tx := capture.NewTranslator()
	local := sources.Local("frame")

	inner := tensors.FromFlat([]float32{1}, 1)
	list := capture.NewBuilder(tx, sources.Attr(local, "Args")).Build([]any{int64(7), "mode", inner})
	lv, ok := list.(*capture.ListValue)
	require.True(t, ok)
	require.Len(t, lv.Items, 3)
	require.Equal(t, "frame.Args[2]", lv.Items[2].Source().String())
	// One guard per element, installed at wrap time, not lazily.
	require.Equal(t, 3, tx.Guards().Len())

	opts := xmaps.New[string, any]()
	opts.Set("momentum", 0.9)
	opts.Set("nesterov", true)
	dict := capture.NewBuilder(tx, sources.Attr(local, "Opts")).Build(opts)
	dv := dict.(*capture.DictValue)
	require.Equal(t, 2, dv.Len())
	item, found := dv.Item("momentum")
	require.True(t, found)
	require.Equal(t, "frame.Opts[momentum]", item.Source().String())
	require.Equal(t, 5, tx.Guards().Len())
}

func TestBuildUnsupportedTypeThrows(t *testing.T) {
	tx := capture.NewTranslator()
	thrown := exceptions.TryCatch[error](func() {
		capture.NewBuilder(tx, sources.Local("frame")).Build(make(chan int))
	})
	require.Error(t, thrown)
	var fpe *capture.FastPathError
	require.True(t, errors.As(thrown, &fpe))
	require.Equal(t, capture.PhaseGuardInstall, fpe.Phase)
}

func TestSourceless(t *testing.T) {
	require.IsType(t, &capture.ConstantValue{}, capture.Sourceless(3.5))
	require.Nil(t, capture.Sourceless("x").Source())

	tv := capture.Sourceless(tensors.FromFlat([]float32{1}, 1))
	require.IsType(t, &capture.TensorValue{}, tv)
	require.Empty(t, tv.(*capture.TensorValue).Name)

	require.IsType(t, &capture.ObjectValue{}, capture.Sourceless(struct{ X int }{1}))
}
