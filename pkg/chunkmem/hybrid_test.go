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

package chunkmem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tensormesh/chunkmem/pkg/mem"
)

func TestHybridSplitCoversPayloadExactly(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc)
	require.NoError(t, err)

	id, err := m.RegisterTensor([]int{1000}, Float32, KindOptimState, GroupID(0))
	require.NoError(t, err)

	for _, ratio := range []float64{0, 0.3, 0.5, 0.77, 1} {
		device, host, err := m.HybridSplit(id, ratio)
		require.NoError(t, err)

		// contiguous, disjoint, together exactly the payload
		require.Equal(t, mem.DeviceGPU, device.Device)
		require.Equal(t, mem.DeviceCPU, host.Device)
		require.Equal(t, device.Offset+device.Extent, host.Offset)
		require.Equal(t, int64(1000*4), device.Extent+host.Extent)
		require.Zero(t, device.Extent%4)
		require.Zero(t, host.Extent%4)
	}

	_, _, err = m.HybridSplit(id, 1.5)
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestHybridSplitRejectsNonOptimizerPayloads(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc)
	require.NoError(t, err)

	id, err := m.RegisterTensor([]int{16}, Float32, KindParam, GroupID(0))
	require.NoError(t, err)

	_, _, err = m.HybridSplit(id, 0.5)
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestRunHybridUpdateCompletesBothHalves(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc)
	require.NoError(t, err)

	id, err := m.RegisterTensor([]int{1024}, Float32, KindOptimState, GroupID(0))
	require.NoError(t, err)

	device, host, err := m.HybridSplit(id, 0.5)
	require.NoError(t, err)

	res, err := m.Resolve(id)
	require.NoError(t, err)
	data := res.Float32s(1024 * 4)

	err = RunHybridUpdate(device, host, func(r SubRange) error {
		lo := (r.Offset - res.Offset) / 4
		for i := lo; i < lo+r.Extent/4; i++ {
			data[i] += 1
		}
		return nil
	})
	require.NoError(t, err)

	// the barrier guarantees both halves are visible here
	for i, v := range data {
		require.Equal(t, float32(1), v, "element %d", i)
	}
}
