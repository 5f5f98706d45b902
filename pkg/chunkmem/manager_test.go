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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tensormesh/chunkmem/pkg/chunkmem/tracer"
	"github.com/tensormesh/chunkmem/pkg/mem"
)

// evictAllPolicy offers every reserved chunk on the constrained device
// as an eviction candidate.
type evictAllPolicy struct {
	started bool
}

func (p *evictAllPolicy) Name() string        { return "evict-all" }
func (p *evictAllPolicy) Description() string { return "test policy" }
func (p *evictAllPolicy) Start() error        { p.started = true; return nil }
func (p *evictAllPolicy) InWarmup() bool      { return !p.started }

func (p *evictAllPolicy) NoteAccess(h Handle, dev mem.Device, moment int64) {}

func (p *evictAllPolicy) Admit(dev mem.Device, size int64, usage mem.Usage) error {
	return nil
}

func (p *evictAllPolicy) Plan(chunks []ChunkView, snap *tracer.Snapshot) []PlacementDecision {
	return nil
}

func (p *evictAllPolicy) Evict(chunks []ChunkView, dev mem.Device, need int64, moment int64) []Handle {
	var victims []Handle
	for _, v := range chunks {
		if v.Device == dev && v.Status == StatusReserved && !v.Pinned {
			victims = append(victims, v.Handle)
		}
	}
	return victims
}

// budgetPolicy admits accelerator chunks only up to a fixed byte
// ceiling.
type budgetPolicy struct {
	evictAllPolicy
	limit int64
}

func (p *budgetPolicy) Admit(dev mem.Device, size int64, usage mem.Usage) error {
	if dev == mem.DeviceGPU && usage.Used+size > p.limit {
		return fmt.Errorf("%w: %s + %s over %s on %s", ErrPartitionBudget,
			prettySize(usage.Used), prettySize(size), prettySize(p.limit), dev)
	}
	return nil
}

func TestAllocateReleaseRecycle(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc, WithCache(NewCache(2, alloc)))
	require.NoError(t, err)

	h, err := m.Allocate(1<<20, mem.DeviceGPU)
	require.NoError(t, err)

	status, err := m.Query(h)
	require.NoError(t, err)
	require.Equal(t, StatusReserved, status)
	require.Equal(t, int64(1<<20), m.ResidentBytes(mem.DeviceGPU))

	require.NoError(t, m.Release(h))

	status, err = m.Query(h)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, status)
	require.Equal(t, int64(0), m.ResidentBytes(mem.DeviceGPU))
	require.Equal(t, 1, m.Cache().Len(mem.DeviceGPU, 1<<20))

	// same size class, must come from the cache
	_, err = m.Allocate(1<<20, mem.DeviceGPU)
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Stats().CacheHits)
	require.Equal(t, 0, m.Cache().Len(mem.DeviceGPU, 1<<20))
}

func TestRecycledBufferBacksFullChunkCapacity(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc,
		WithCache(NewCache(2, alloc)), WithChunkSize(3<<20))
	require.NoError(t, err)

	// a 3M gradient chunk, released so its buffer lands in the cache
	// under the 4M size class
	_, err = m.RegisterTensor([]int{768, 1024}, Float32, KindGrad, GroupID(0))
	require.NoError(t, err)
	require.NoError(t, m.ReleaseKind(KindGrad))

	// a 3.5M tensor gets a 4M oversized chunk of the same class; the
	// smaller cached buffer must not back it
	id, err := m.RegisterTensor([]int{896, 1024}, Float32, KindParam, GroupID(0))
	require.NoError(t, err)
	require.Zero(t, m.Stats().CacheHits)

	res, err := m.Resolve(id)
	require.NoError(t, err)
	data := res.Float32s(896 * 1024 * 4)
	require.Len(t, data, 896*1024)
	data[len(data)-1] = 1
}

func TestMoveHonorsAdmissionCeiling(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc, WithPolicy(&budgetPolicy{limit: 1 << 20}))
	require.NoError(t, err)

	h1, err := m.Allocate(1<<20, mem.DeviceCPU)
	require.NoError(t, err)
	h2, err := m.Allocate(1<<20, mem.DeviceCPU)
	require.NoError(t, err)

	require.NoError(t, m.Move(h1, mem.DeviceGPU))

	// a second chunk pulled in would exceed the ceiling
	require.ErrorIs(t, m.Move(h2, mem.DeviceGPU), ErrPartitionBudget)

	views := m.ChunkViews()
	require.Equal(t, mem.DeviceCPU, views[h2].Device)
	require.Equal(t, StatusReserved, views[h2].Status)
	require.Equal(t, int64(1<<20), m.ResidentBytes(mem.DeviceGPU))
}

func TestCacheHitHonorsAdmissionCeiling(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	cache := NewCache(2, alloc)

	buf, err := alloc.Alloc(mem.DeviceGPU, 1<<20)
	require.NoError(t, err)
	cache.Offer(buf)

	m, err := NewManager(alloc,
		WithCache(cache), WithPolicy(&budgetPolicy{limit: 0}))
	require.NoError(t, err)

	_, err = m.Allocate(1<<20, mem.DeviceGPU)
	require.ErrorIs(t, err, ErrPartitionBudget)

	// the rejected allocation must not have consumed the cached buffer
	require.Equal(t, 1, cache.Len(mem.DeviceGPU, 1<<20))
	require.Zero(t, m.Stats().CacheHits)
}

func TestReleasedHandleStaysRetired(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc)
	require.NoError(t, err)

	h, err := m.Allocate(1<<20, mem.DeviceGPU)
	require.NoError(t, err)
	require.NoError(t, m.Release(h))

	require.ErrorIs(t, m.Release(h), ErrInvalidStatus)
	require.ErrorIs(t, m.Move(h, mem.DeviceCPU), ErrInvalidStatus)
}

func TestComputeChunkNeitherMovesNorReleases(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc)
	require.NoError(t, err)

	id, err := m.RegisterTensor([]int{256, 256}, Float32, KindParam, GroupID(0))
	require.NoError(t, err)
	h, err := m.PayloadChunk(id)
	require.NoError(t, err)

	_, err = m.AccessTensor(id)
	require.NoError(t, err)

	require.ErrorIs(t, m.Move(h, mem.DeviceCPU), ErrChunkBusy)
	require.ErrorIs(t, m.Release(h), ErrChunkBusy)

	require.NoError(t, m.EndAccess(id))

	status, err := m.Query(h)
	require.NoError(t, err)
	require.Equal(t, StatusReserved, status)

	// releasable only after the payload is retired
	require.ErrorIs(t, m.Release(h), ErrActiveRefs)
	require.NoError(t, m.RetireTensor(id))
	require.NoError(t, m.Release(h))
}

func TestMoveRelocatesAndPreservesContents(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc)
	require.NoError(t, err)

	id, err := m.RegisterTensor([]int{16}, Float32, KindParam, GroupID(0))
	require.NoError(t, err)
	h, err := m.PayloadChunk(id)
	require.NoError(t, err)

	res, err := m.Resolve(id)
	require.NoError(t, err)
	require.Equal(t, mem.DeviceGPU, res.Device)
	data := res.Float32s(16 * 4)
	for i := range data {
		data[i] = float32(i)
	}

	require.NoError(t, m.Move(h, mem.DeviceCPU))
	require.Equal(t, int64(0), m.ResidentBytes(mem.DeviceGPU))

	// stale resolutions are the caller's bug; re-resolve after a move
	res, err = m.Resolve(id)
	require.NoError(t, err)
	require.Equal(t, mem.DeviceCPU, res.Device)
	data = res.Float32s(16 * 4)
	for i := range data {
		require.Equal(t, float32(i), data[i])
	}

	// moving to the current device is a no-op
	require.NoError(t, m.Move(h, mem.DeviceCPU))
	require.Equal(t, int64(1), m.Stats().Moves)
}

func TestOOMRecoveryByCachePurgeAndEviction(t *testing.T) {
	// room for exactly two chunks on the accelerator
	alloc := newTestAllocator(2<<20, 1<<30)
	policy := &evictAllPolicy{}
	m, err := NewManager(alloc,
		WithCache(NewCache(2, alloc)),
		WithPolicy(policy))
	require.NoError(t, err)

	h1, err := m.Allocate(1<<20, mem.DeviceGPU)
	require.NoError(t, err)
	_, err = m.Allocate(1<<20, mem.DeviceGPU)
	require.NoError(t, err)

	// both chunks resident, a third allocation must trigger recovery:
	// nothing cached, so the policy relocates a resident chunk
	_, err = m.Allocate(1<<20, mem.DeviceGPU)
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Stats().OOMRecoveries)

	status, err := m.Query(h1)
	require.NoError(t, err)
	require.Equal(t, StatusReserved, status)
}

func TestOOMFailsAfterBoundedRecovery(t *testing.T) {
	alloc := newTestAllocator(1<<20, 1<<20)
	m, err := NewManager(alloc)
	require.NoError(t, err)

	_, err = m.Allocate(1<<20, mem.DeviceGPU)
	require.NoError(t, err)

	_, err = m.Allocate(1<<20, mem.DeviceGPU)
	require.ErrorIs(t, err, ErrOutOfMemory)
}

func TestOOMHostFallback(t *testing.T) {
	alloc := newTestAllocator(1<<20, 1<<30)
	m, err := NewManager(alloc, WithHostFallback(true))
	require.NoError(t, err)

	_, err = m.Allocate(1<<20, mem.DeviceGPU)
	require.NoError(t, err)

	h, err := m.Allocate(1<<20, mem.DeviceGPU)
	require.NoError(t, err)
	require.Equal(t, int64(1<<20), m.ResidentBytes(mem.DeviceCPU))

	views := m.ChunkViews()
	require.Len(t, views, 2)
	require.Equal(t, mem.DeviceCPU, views[h].Device)
}

func TestQueryInvalidHandle(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc)
	require.NoError(t, err)

	_, err = m.Query(InvalidHandle)
	require.ErrorIs(t, err, ErrInvalidHandle)
	_, err = m.Query(Handle(42))
	require.ErrorIs(t, err, ErrInvalidHandle)
}

func TestMemoryDeltaEvents(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	m, err := NewManager(alloc)
	require.NoError(t, err)

	h, err := m.Allocate(1<<20, mem.DeviceGPU)
	require.NoError(t, err)
	require.NoError(t, m.Release(h))

	d := <-m.Events()
	require.Equal(t, OpAlloc, d.Op)
	require.Equal(t, int64(1<<20), d.Bytes)
	require.Equal(t, mem.DeviceGPU, d.Device)

	d = <-m.Events()
	require.Equal(t, OpRelease, d.Op)
	require.Equal(t, int64(-(1 << 20)), d.Bytes)
}
