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

func newTestAllocator(gpu, cpu int64) *mem.SimAllocator {
	return mem.NewSimAllocator(map[mem.Device]int64{
		mem.DeviceGPU: gpu,
		mem.DeviceCPU: cpu,
	})
}

func TestCacheEvictsOldestAtCapacity(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	cache := NewCache(2, alloc)

	var bufs []*mem.Buffer
	for i := 0; i < 3; i++ {
		buf, err := alloc.Alloc(mem.DeviceGPU, 1<<20)
		require.NoError(t, err)
		bufs = append(bufs, buf)
	}

	// releases of A, B, C in order: A is evicted, B and C retained
	for _, buf := range bufs {
		cache.Offer(buf)
	}

	require.Equal(t, 2, cache.Len(mem.DeviceGPU, 1<<20))

	stats := cache.Stats()
	require.Equal(t, int64(3), stats.Offered)
	require.Equal(t, int64(1), stats.Evictions)
	require.Equal(t, int64(1<<20), stats.Freed)

	buf, ok := cache.Take(mem.DeviceGPU, 1<<20)
	require.True(t, ok)
	require.Same(t, bufs[1], buf)
	buf, ok = cache.Take(mem.DeviceGPU, 1<<20)
	require.True(t, ok)
	require.Same(t, bufs[2], buf)
}

func TestCacheMissIsNotAnError(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	cache := NewCache(2, alloc)

	buf, ok := cache.Take(mem.DeviceGPU, 1<<20)
	require.False(t, ok)
	require.Nil(t, buf)
	require.Equal(t, int64(1), cache.Stats().Misses)
}

func TestCacheKeysByDeviceAndSizeClass(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	cache := NewCache(2, alloc)

	gpuBuf, err := alloc.Alloc(mem.DeviceGPU, 1<<20)
	require.NoError(t, err)
	cpuBuf, err := alloc.Alloc(mem.DeviceCPU, 1<<20)
	require.NoError(t, err)
	bigBuf, err := alloc.Alloc(mem.DeviceGPU, 4<<20)
	require.NoError(t, err)

	cache.Offer(gpuBuf)
	cache.Offer(cpuBuf)
	cache.Offer(bigBuf)

	require.Equal(t, 1, cache.Len(mem.DeviceGPU, 1<<20))
	require.Equal(t, 1, cache.Len(mem.DeviceCPU, 1<<20))
	require.Equal(t, 1, cache.Len(mem.DeviceGPU, 4<<20))

	_, ok := cache.Take(mem.DeviceCPU, 4<<20)
	require.False(t, ok)
}

func TestCacheTakeSkipsUndersizedBuffers(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	cache := NewCache(2, alloc)

	// 3M rounds up to the 4M class
	small, err := alloc.Alloc(mem.DeviceGPU, 3<<20)
	require.NoError(t, err)
	cache.Offer(small)

	// same class, but larger than the cached buffer
	buf, ok := cache.Take(mem.DeviceGPU, 7<<19)
	require.False(t, ok)
	require.Nil(t, buf)
	require.Equal(t, 1, cache.Len(mem.DeviceGPU, 3<<20))

	buf, ok = cache.Take(mem.DeviceGPU, 3<<20)
	require.True(t, ok)
	require.Same(t, small, buf)
}

func TestCacheDisabledFreesImmediately(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	cache := NewCache(0, alloc)

	buf, err := alloc.Alloc(mem.DeviceGPU, 1<<20)
	require.NoError(t, err)
	cache.Offer(buf)

	require.Equal(t, 0, cache.Len(mem.DeviceGPU, 1<<20))
	require.Equal(t, int64(1<<20), cache.Stats().Freed)

	usage, err := alloc.Usage(mem.DeviceGPU)
	require.NoError(t, err)
	require.Equal(t, int64(0), usage.Used)
}

func TestCachePurgeFreesOneDevice(t *testing.T) {
	alloc := newTestAllocator(1<<30, 1<<30)
	cache := NewCache(2, alloc)

	for _, dev := range []mem.Device{mem.DeviceGPU, mem.DeviceCPU} {
		buf, err := alloc.Alloc(dev, 1<<20)
		require.NoError(t, err)
		cache.Offer(buf)
	}

	freed := cache.Purge(mem.DeviceGPU)
	require.Equal(t, int64(1<<20), freed)
	require.Equal(t, 0, cache.Len(mem.DeviceGPU, 1<<20))
	require.Equal(t, 1, cache.Len(mem.DeviceCPU, 1<<20))
}
