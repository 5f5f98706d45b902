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
	"sync"

	"github.com/tensormesh/chunkmem/pkg/mem"
)

// DefaultCacheCapacity is the default per (device, size class) entry limit.
const DefaultCacheCapacity = 2

// cacheKey identifies one recycling queue of the cache.
type cacheKey struct {
	dev   Device
	class int64
}

// Cache is a bounded recycling pool of freed chunk buffers, keyed by
// (device, size class). It absorbs the allocate/free churn of the
// short-lived receive buffers created during remote chunk exchange.
type Cache struct {
	sync.Mutex
	capacity int
	alloc    mem.Allocator
	queues   map[cacheKey][]*mem.Buffer
	stats    CacheStats
}

// CacheStats are the running counters of a cache.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Offered   int64
	Freed     int64 // bytes physically freed by eviction or purge
}

// NewCache creates a recycling cache with the given per-key capacity.
// A zero capacity disables recycling: offered buffers are freed
// immediately.
func NewCache(capacity int, alloc mem.Allocator) *Cache {
	if capacity < 0 {
		capacity = 0
	}
	return &Cache{
		capacity: capacity,
		alloc:    alloc,
		queues:   make(map[cacheKey][]*mem.Buffer),
	}
}

// Capacity returns the per (device, size class) entry limit.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Offer hands a released buffer to the cache. If the queue for the
// buffer's (device, size class) is full, the oldest entry is
// physically freed first; the capacity is a hard ceiling.
func (c *Cache) Offer(buf *mem.Buffer) {
	if buf == nil {
		return
	}

	c.Lock()
	defer c.Unlock()

	c.stats.Offered++

	if c.capacity == 0 {
		c.free(buf)
		return
	}

	key := cacheKey{dev: buf.Device(), class: SizeClassFor(buf.Size())}
	q := c.queues[key]

	if len(q) >= c.capacity {
		oldest := q[0]
		q = q[1:]
		c.stats.Evictions++
		c.free(oldest)
		log.Debug("cache: evicted oldest %s buffer of class %s",
			key.dev, prettySize(key.class))
	}

	c.queues[key] = append(q, buf)
}

// Take dequeues the oldest buffer of the given (device, size class)
// that is large enough to back the requested capacity. Buffers of the
// same class can be smaller than the request; recycling one would let
// payloads address past the physical buffer. A lookup for a size
// class never offered is an ordinary miss, not an error.
func (c *Cache) Take(dev Device, size int64) (*mem.Buffer, bool) {
	c.Lock()
	defer c.Unlock()

	key := cacheKey{dev: dev, class: SizeClassFor(size)}
	q := c.queues[key]
	for i, buf := range q {
		if buf.Size() < size {
			continue
		}
		c.queues[key] = append(q[:i:i], q[i+1:]...)
		c.stats.Hits++
		return buf, true
	}

	c.stats.Misses++
	return nil, false
}

// Purge physically frees all cached buffers on the given device and
// returns the number of bytes freed. It is the first stage of the
// out-of-memory recovery sequence.
func (c *Cache) Purge(dev Device) int64 {
	c.Lock()
	defer c.Unlock()

	var freed int64
	for key, q := range c.queues {
		if key.dev != dev {
			continue
		}
		for _, buf := range q {
			freed += buf.Size()
			c.free(buf)
		}
		delete(c.queues, key)
	}

	if freed > 0 {
		log.Debug("cache: purged %s of cached %s buffers", prettySize(freed), dev)
	}

	return freed
}

// Len returns the number of cached entries for the given (device,
// size class).
func (c *Cache) Len(dev Device, size int64) int {
	c.Lock()
	defer c.Unlock()

	return len(c.queues[cacheKey{dev: dev, class: SizeClassFor(size)}])
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.Lock()
	defer c.Unlock()

	return c.stats
}

func (c *Cache) free(buf *mem.Buffer) {
	c.stats.Freed += buf.Size()
	if err := c.alloc.Free(buf); err != nil {
		log.Error("cache: failed to free %s buffer: %v", buf.Device(), err)
	}
}
