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

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tensormesh/chunkmem/pkg/mem"
)

func TestRegisterPacksPayloadsIntoChunks(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc, WithChunkSize(1<<18))
	require.NoError(t, err)

	// four 64k payloads fill one 256k chunk exactly, the fifth opens a
	// second chunk
	var ids []PayloadID
	for i := 0; i < 5; i++ {
		id, err := m.RegisterTensor([]int{128, 128}, Float32, KindParam, GroupID(0))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Len(t, m.GroupChunks(KindParam, GroupID(0)), 2)

	h0, err := m.PayloadChunk(ids[0])
	require.NoError(t, err)
	h3, err := m.PayloadChunk(ids[3])
	require.NoError(t, err)
	h4, err := m.PayloadChunk(ids[4])
	require.NoError(t, err)
	require.Equal(t, h0, h3)
	require.NotEqual(t, h0, h4)

	// payload extents are disjoint and contiguous within the chunk
	for i := 0; i < 4; i++ {
		res, err := m.Resolve(ids[i])
		require.NoError(t, err)
		require.Equal(t, int64(i)*(128*128*4), res.Offset)
	}
}

func TestRegisterOversizedTensorGetsOwnChunk(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc, WithChunkSize(1<<18))
	require.NoError(t, err)

	id, err := m.RegisterTensor([]int{512, 512}, Float32, KindParam, GroupID(0))
	require.NoError(t, err)

	h, err := m.PayloadChunk(id)
	require.NoError(t, err)
	require.Equal(t, int64(1<<20), m.ChunkViews()[h].Capacity)
}

func TestRegisterLinearTiles(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc)
	require.NoError(t, err)

	ids, err := m.RegisterLinear(256, 256, Float32, GroupID(0), 2, 2)
	require.NoError(t, err)
	require.Len(t, ids, 4)

	for _, id := range ids {
		res, err := m.Resolve(id)
		require.NoError(t, err)
		require.Len(t, res.Float32s(128*128*4), 128*128)
	}

	_, err = m.RegisterLinear(256, 256, Float32, GroupID(0), 3, 2)
	require.ErrorIs(t, err, ErrInvalidPayload)
	_, err = m.RegisterLinear(256, 256, Float32, GroupID(0), 0, 1)
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestResolveAfterReleaseFails(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc)
	require.NoError(t, err)

	id, err := m.RegisterTensor([]int{16}, Float32, KindParam, GroupID(0))
	require.NoError(t, err)
	h, err := m.PayloadChunk(id)
	require.NoError(t, err)

	require.NoError(t, m.RetireTensor(id))
	require.NoError(t, m.Release(h))

	_, err = m.Resolve(id)
	require.ErrorIs(t, err, ErrInvalidPayload)
	_, err = m.AccessTensor(id)
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestInitParamsIsReproducible(t *testing.T) {
	values := func(seed int64) []float32 {
		alloc := newTestAllocator(1<<30, 1<<30)
		m, err := NewManager(alloc)
		require.NoError(t, err)

		id, err := m.RegisterTensor([]int{64, 64}, Float32, KindParam, GroupID(0))
		require.NoError(t, err)
		require.NoError(t, m.InitParams(seed, false))

		res, err := m.Resolve(id)
		require.NoError(t, err)
		return append([]float32(nil), res.Float32s(64*64*4)...)
	}

	require.Empty(t, cmp.Diff(values(42), values(42)))
	require.NotEmpty(t, cmp.Diff(values(42), values(43)))
}

func TestInitParamsReleasesRemoteChunks(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc, WithChunkSize(1<<18), WithWorld(0, 2))
	require.NoError(t, err)

	// four full chunks of parameters
	for i := 0; i < 16; i++ {
		_, err := m.RegisterTensor([]int{128, 128}, Float32, KindParam, GroupID(0))
		require.NoError(t, err)
	}

	handles := m.GroupChunks(KindParam, GroupID(0))
	require.Len(t, handles, 4)

	require.NoError(t, m.InitParams(42, true))

	for i, h := range handles {
		status, err := m.Query(h)
		require.NoError(t, err)
		if i%2 == 0 {
			require.NotEqual(t, StatusReleased, status, "chunk %d owned by rank 0", i)
		} else {
			require.Equal(t, StatusReleased, status, "chunk %d owned by rank 1", i)
		}
	}
}

func TestReleaseKindReleasesGradients(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc, WithCache(NewCache(2, alloc)))
	require.NoError(t, err)

	pid, err := m.RegisterTensor([]int{64, 64}, Float32, KindParam, GroupID(0))
	require.NoError(t, err)
	gid, err := m.RegisterTensor([]int{64, 64}, Float32, KindGrad, GroupID(0))
	require.NoError(t, err)

	require.NoError(t, m.ReleaseKind(KindGrad))

	_, err = m.Resolve(gid)
	require.ErrorIs(t, err, ErrInvalidPayload)
	_, err = m.Resolve(pid)
	require.NoError(t, err)

	// a fresh gradient registration recycles the released chunk buffer
	_, err = m.RegisterTensor([]int{64, 64}, Float32, KindGrad, GroupID(0))
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Stats().CacheHits)
}

func TestGroupViewsSkipReleasedChunks(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc)
	require.NoError(t, err)

	_, err = m.RegisterTensor([]int{64, 64}, Float32, KindGrad, GroupID(0))
	require.NoError(t, err)

	views, err := m.GroupViews(KindGrad, GroupID(0))
	require.NoError(t, err)
	require.Len(t, views, 1)

	require.NoError(t, m.ReleaseKind(KindGrad))

	views, err = m.GroupViews(KindGrad, GroupID(0))
	require.NoError(t, err)
	require.Empty(t, views)
}

func TestPlacementForKinds(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc,
		WithHostEmbedding(true), WithActivationOffload(true))
	require.NoError(t, err)

	kinds := map[ChunkKind]mem.Device{
		KindParam:      mem.DeviceGPU,
		KindGrad:       mem.DeviceGPU,
		KindOptimState: mem.DeviceCPU,
		KindEmbedding:  mem.DeviceCPU,
		KindActivation: mem.DeviceCPU,
	}
	for kind, dev := range kinds {
		id, err := m.RegisterTensor([]int{16}, Float32, kind, GroupID(1))
		require.NoError(t, err)
		res, err := m.Resolve(id)
		require.NoError(t, err)
		require.Equal(t, dev, res.Device, "kind %s", kind)
	}
}
