// Copyright The ChunkMem Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimAllocatorEnforcesCapacity(t *testing.T) {
	a := NewSimAllocator(map[Device]int64{DeviceGPU: 2 << 20})

	b1, err := a.Alloc(DeviceGPU, 1<<20)
	require.NoError(t, err)
	_, err = a.Alloc(DeviceGPU, 1<<20)
	require.NoError(t, err)
	_, err = a.Alloc(DeviceGPU, 1)
	require.ErrorIs(t, err, ErrCapacity)

	require.NoError(t, a.Free(b1))
	_, err = a.Alloc(DeviceGPU, 1<<20)
	require.NoError(t, err)

	usage, err := a.Usage(DeviceGPU)
	require.NoError(t, err)
	require.Equal(t, int64(2<<20), usage.Used)
	require.Equal(t, int64(0), usage.Free())
}

func TestDoubleFreeIsRejected(t *testing.T) {
	a := NewSimAllocator(map[Device]int64{DeviceGPU: 1 << 20})

	b, err := a.Alloc(DeviceGPU, 1<<20)
	require.NoError(t, err)
	require.NoError(t, a.Free(b))
	require.ErrorIs(t, a.Free(b), ErrFreedBuffer)
}

func TestCopyAcrossTiers(t *testing.T) {
	a := NewSimAllocator(map[Device]int64{DeviceGPU: 1 << 20, DeviceCPU: 1 << 20})

	src, err := a.Alloc(DeviceGPU, 1024)
	require.NoError(t, err)
	dst, err := a.Alloc(DeviceCPU, 1024)
	require.NoError(t, err)

	data := src.Float32s()
	for i := range data {
		data[i] = float32(i)
	}

	require.NoError(t, a.Copy(dst, src))
	for i, v := range dst.Float32s() {
		require.Equal(t, float32(i), v)
	}

	small, err := a.Alloc(DeviceCPU, 512)
	require.NoError(t, err)
	require.ErrorIs(t, a.Copy(small, src), ErrInvalidSize)
}

func TestDeviceParsing(t *testing.T) {
	d, err := ParseDevice("gpu")
	require.NoError(t, err)
	require.Equal(t, DeviceGPU, d)

	_, err = ParseDevice("tpu")
	require.ErrorIs(t, err, ErrInvalidDevice)

	require.Equal(t, DeviceCPU, DeviceGPU.Opposite())
	require.Equal(t, DeviceGPU, DeviceCPU.Opposite())
}

func TestUsageHeadroom(t *testing.T) {
	u := Usage{Capacity: 1 << 30, Used: 768 << 20}
	require.Equal(t, int64(256<<20), u.Free())
	require.InDelta(t, 0.25, u.Headroom(), 1e-9)
	require.Zero(t, Usage{}.Headroom())
}
