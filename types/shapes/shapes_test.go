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

package shapes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Shape{}
	require.False(t, invalidShape.Ok())

	shape0 := Scalar(Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))
	require.Equal(t, "(float32)[4 3 2]", shape1.String())

	shape2 := Make(Float16, 8)
	require.Equal(t, 16, int(shape2.Memory()))

	require.Panics(t, func() { Make(Float32, 3, 0) })
}

func TestShapeEqual(t *testing.T) {
	require.True(t, Make(Float32, 2, 2).Equal(Make(Float32, 2, 2)))
	require.False(t, Make(Float32, 2, 2).Equal(Make(Float64, 2, 2)))
	require.False(t, Make(Float32, 2, 2).Equal(Make(Float32, 2)))
	require.True(t, Scalar(Int64).Equal(Scalar(Int64)))
}

func TestDType(t *testing.T) {
	require.True(t, Float16.IsFloat())
	require.True(t, Float64.IsFloat())
	require.False(t, Int32.IsFloat())
	require.Equal(t, "float16", Float16.String())
	require.Panics(t, func() { InvalidDType.Memory() })
}
