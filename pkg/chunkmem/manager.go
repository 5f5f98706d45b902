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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tensormesh/chunkmem/pkg/chunkmem/tracer"
	"github.com/tensormesh/chunkmem/pkg/mem"
)

// DefaultChunkSize is the default chunk capacity.
const DefaultChunkSize = 32 << 20

// defaultRecoveryAttempts caps the out-of-memory recovery loop.
const defaultRecoveryAttempts = 3

// eventChannelSize is the buffering of the memory-delta event channel.
const eventChannelSize = 64

// Manager orchestrates allocation, release and movement of chunks
// across device tiers. It consults the recycling cache before
// requesting fresh device memory and the placement policy for budget
// checks and relocation candidates.
type Manager struct {
	sync.Mutex
	alloc        mem.Allocator
	cache        *Cache
	policy       PlacementPolicy
	metronome    *tracer.Metronome
	arena        arena
	payloads     []*Payload
	groups       map[groupKey][]Handle
	resident     map[Device]int64
	chunkSize    int64
	hostFallback bool
	maxRecovery  int
	rank         int
	world        int
	hostEmbed    bool
	actOffload   bool
	events       chan MemoryDelta
	dropped      atomic.Int64
	span         trace.Tracer
	stats        Stats
}

type groupKey struct {
	kind  ChunkKind
	group GroupID
}

// Stats are the running counters of a manager.
type Stats struct {
	Allocs        int64
	CacheHits     int64
	Releases      int64
	Moves         int64
	OOMRecoveries int64
}

// ManagerOption is an opaque option for a Manager.
type ManagerOption func(*Manager) error

// WithCache is an option to attach a recycling cache to the manager.
func WithCache(c *Cache) ManagerOption {
	return func(m *Manager) error {
		m.cache = c
		return nil
	}
}

// WithPolicy is an option to attach a placement policy to the manager.
func WithPolicy(p PlacementPolicy) ManagerOption {
	return func(m *Manager) error {
		if p == nil {
			return fmt.Errorf("nil placement policy")
		}
		m.policy = p
		return nil
	}
}

// WithMetronome is an option to share an operator-boundary clock with
// the manager.
func WithMetronome(mt *tracer.Metronome) ManagerOption {
	return func(m *Manager) error {
		m.metronome = mt
		return nil
	}
}

// WithChunkSize is an option to set the default chunk capacity.
func WithChunkSize(size int64) ManagerOption {
	return func(m *Manager) error {
		if size <= 0 {
			return fmt.Errorf("non-positive chunk size %d", size)
		}
		m.chunkSize = size
		return nil
	}
}

// WithHostFallback is an option to enable falling back to the host
// tier when accelerator allocation fails after recovery.
func WithHostFallback(enabled bool) ManagerOption {
	return func(m *Manager) error {
		m.hostFallback = enabled
		return nil
	}
}

// WithWorld is an option to set the rank of this process and the
// number of participating processes.
func WithWorld(rank, world int) ManagerOption {
	return func(m *Manager) error {
		if world < 1 || rank < 0 || rank >= world {
			return fmt.Errorf("invalid rank %d of world %d", rank, world)
		}
		m.rank = rank
		m.world = world
		return nil
	}
}

// WithHostEmbedding is an option to place embedding payloads on the
// host tier, shrinking the minimum accelerator chunk footprint.
func WithHostEmbedding(enabled bool) ManagerOption {
	return func(m *Manager) error {
		m.hostEmbed = enabled
		return nil
	}
}

// WithActivationOffload is an option to offload checkpointed
// activation payloads to the host tier.
func WithActivationOffload(enabled bool) ManagerOption {
	return func(m *Manager) error {
		m.actOffload = enabled
		return nil
	}
}

// NewManager creates a manager over the given device allocator and
// configures it with the given options.
func NewManager(alloc mem.Allocator, options ...ManagerOption) (*Manager, error) {
	m := &Manager{
		alloc:       alloc,
		groups:      make(map[groupKey][]Handle),
		resident:    make(map[Device]int64),
		chunkSize:   DefaultChunkSize,
		maxRecovery: defaultRecoveryAttempts,
		world:       1,
		events:      make(chan MemoryDelta, eventChannelSize),
		span:        otel.Tracer("chunkmem"),
	}

	for _, o := range options {
		if err := o(m); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	if m.cache == nil {
		m.cache = NewCache(0, alloc)
	}
	if m.metronome == nil {
		m.metronome = tracer.NewMetronome()
	}

	return m, nil
}

// Cache returns the recycling cache of the manager.
func (m *Manager) Cache() *Cache {
	return m.cache
}

// Policy returns the placement policy of the manager, if any.
func (m *Manager) Policy() PlacementPolicy {
	return m.policy
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	m.Lock()
	defer m.Unlock()
	return m.stats
}

// ResidentBytes returns the chunk-resident bytes on the given device.
func (m *Manager) ResidentBytes(dev Device) int64 {
	m.Lock()
	defer m.Unlock()
	return m.resident[dev]
}

// Allocate allocates a chunk of the given capacity on the given
// device tier. The recycling cache is consulted first; a recycled
// buffer is re-tagged Reserved. On a miss fresh device memory is
// requested, running the bounded recovery sequence before failing
// with ErrOutOfMemory.
func (m *Manager) Allocate(capacity int64, dev Device) (Handle, error) {
	_, span := m.span.Start(context.Background(), "chunkmem.Allocate",
		trace.WithAttributes(
			attribute.Int64("capacity", capacity),
			attribute.String("device", dev.String())))
	defer span.End()

	m.Lock()
	defer m.Unlock()

	c, err := m.allocateLocked(capacity, dev, KindParam, GroupID(-1))
	if err != nil {
		return InvalidHandle, err
	}

	return c.handle, nil
}

// Release marks the chunk Released and hands its buffer to the
// recycling cache rather than freeing it immediately.
func (m *Manager) Release(h Handle) error {
	m.Lock()
	defer m.Unlock()

	return m.releaseLocked(h)
}

// Move relocates a chunk to the given device tier. It is rejected
// with ErrChunkBusy while the chunk is referenced by compute, and
// with ErrMoveConflict while another move is outstanding.
func (m *Manager) Move(h Handle, target Device) error {
	_, span := m.span.Start(context.Background(), "chunkmem.Move",
		trace.WithAttributes(
			attribute.Int("chunk", int(h)),
			attribute.String("target", target.String())))
	defer span.End()

	m.Lock()
	defer m.Unlock()

	return m.moveLocked(h, target)
}

// Query returns the lifecycle status of the given chunk.
func (m *Manager) Query(h Handle) (ChunkStatus, error) {
	m.Lock()
	defer m.Unlock()

	c, err := m.arena.get(h)
	if err != nil {
		return 0, err
	}

	return c.status, nil
}

// ChunkViews returns read-only views of all chunks for policy
// decisions.
func (m *Manager) ChunkViews() []ChunkView {
	m.Lock()
	defer m.Unlock()

	return m.chunkViewsLocked()
}

// RunPlacementEpoch asks the placement policy for a rebalancing plan
// against the given usage snapshot and applies it. Chunks referenced
// by in-flight compute are skipped; the rest are relocated per the
// latest decision.
func (m *Manager) RunPlacementEpoch(snap *tracer.Snapshot) error {
	if m.policy == nil {
		return nil
	}

	m.Lock()
	defer m.Unlock()

	var errs *multierror.Error
	for _, d := range m.policy.Plan(m.chunkViewsLocked(), snap) {
		c, err := m.arena.get(d.Chunk)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if c.status == StatusCompute || c.status == StatusMovePending {
			continue
		}
		log.Debug("placement epoch: %s", d)
		if err := m.moveLocked(d.Chunk, d.Target); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

func (m *Manager) chunkViewsLocked() []ChunkView {
	views := make([]ChunkView, 0, len(m.arena.chunks))
	m.arena.foreach(func(c *Chunk) bool {
		views = append(views, ChunkView{
			Handle:     c.handle,
			Device:     c.device,
			Status:     c.status,
			Kind:       c.kind,
			Capacity:   c.capacity,
			Used:       c.used,
			Pinned:     c.pinned,
			Created:    c.created,
			LastAccess: c.accessed,
		})
		return ForeachMore
	})
	return views
}

func (m *Manager) allocateLocked(capacity int64, dev Device, kind ChunkKind, group GroupID) (*Chunk, error) {
	m.stats.Allocs++

	// admission applies to recycled buffers too, they count against
	// the device budget the same as fresh ones
	if err := m.admitLocked(capacity, dev); err != nil {
		if m.hostFallback && dev != mem.DeviceCPU {
			log.Info("%v, placing %s chunk on %s instead",
				err, prettySize(capacity), mem.DeviceCPU)
			return m.allocateLocked(capacity, mem.DeviceCPU, kind, group)
		}
		return nil, err
	}

	// recycled buffers are re-tagged Reserved without touching the
	// device allocator
	if buf, ok := m.cache.Take(dev, capacity); ok {
		m.stats.CacheHits++
		c := newChunk(InvalidHandle, capacity, dev, kind, group, buf)
		if err := c.setStatus(StatusReserved); err != nil {
			return nil, err
		}
		m.arena.add(c)
		m.resident[dev] += capacity
		m.emitDelta(dev, capacity, OpRecycle, c.handle)
		log.Debug("allocated %s from cache", c)
		return c, nil
	}

	buf, err := m.allocWithRecovery(capacity, dev)
	if err != nil {
		return nil, err
	}

	c := newChunk(InvalidHandle, capacity, buf.Device(), kind, group, buf)
	if err := c.setStatus(StatusReserved); err != nil {
		return nil, err
	}
	m.arena.add(c)
	m.resident[buf.Device()] += capacity
	m.emitDelta(buf.Device(), capacity, OpAlloc, c.handle)
	log.Debug("allocated fresh %s", c)

	return c, nil
}

func (m *Manager) admitLocked(capacity int64, dev Device) error {
	if m.policy == nil {
		return nil
	}

	u, err := m.alloc.Usage(dev)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInternalError, err)
	}
	u.Used = m.resident[dev]

	return m.policy.Admit(dev, capacity, u)
}

// allocWithRecovery requests fresh device memory, running the bounded
// recovery sequence on failure: cache eviction, then policy-driven
// chunk relocation, then host-tier fallback if configured. Recovery
// attempts are capped to avoid infinite retry loops.
func (m *Manager) allocWithRecovery(capacity int64, dev Device) (*mem.Buffer, error) {
	buf, err := m.alloc.Alloc(dev, capacity)
	if err == nil {
		return buf, nil
	}

	m.stats.OOMRecoveries++
	errs := multierror.Append(nil, err)
	log.Info("%s allocation of %s failed, starting recovery", dev, prettySize(capacity))

	for attempt := 1; attempt <= m.maxRecovery; attempt++ {
		if freed := m.cache.Purge(dev); freed > 0 {
			if buf, err = m.alloc.Alloc(dev, capacity); err == nil {
				log.Info("recovered by cache eviction (attempt %d)", attempt)
				return buf, nil
			}
			errs = multierror.Append(errs, err)
		}

		if m.policy != nil {
			moved := false
			victims := m.policy.Evict(m.chunkViewsLocked(), dev, capacity, m.metronome.Moment())
			for _, h := range victims {
				if err := m.moveLocked(h, dev.Opposite()); err != nil {
					errs = multierror.Append(errs, err)
					continue
				}
				moved = true
			}
			if moved {
				if buf, err = m.alloc.Alloc(dev, capacity); err == nil {
					log.Info("recovered by relocating %d chunks (attempt %d)",
						len(victims), attempt)
					return buf, nil
				}
				errs = multierror.Append(errs, err)
				continue
			}
		}

		break
	}

	if m.hostFallback && dev != mem.DeviceCPU {
		if buf, err = m.alloc.Alloc(mem.DeviceCPU, capacity); err == nil {
			log.Warn("recovered %s allocation on host tier", prettySize(capacity))
			return buf, nil
		}
		errs = multierror.Append(errs, err)
	}

	return nil, fmt.Errorf("%w: %s on %s: %v",
		ErrOutOfMemory, prettySize(capacity), dev, errs.ErrorOrNil())
}

func (m *Manager) releaseLocked(h Handle) error {
	c, err := m.arena.get(h)
	if err != nil {
		return err
	}

	if c.status == StatusCompute {
		return fmt.Errorf("%w: can't release %s", ErrChunkBusy, c)
	}
	if c.status == StatusMovePending {
		return fmt.Errorf("%w: can't release %s", ErrMoveConflict, c)
	}
	if !c.allRetired() {
		return fmt.Errorf("%w: can't release %s", ErrActiveRefs, c)
	}

	if err := c.setStatus(StatusReleased); err != nil {
		return err
	}

	m.stats.Releases++
	m.resident[c.device] -= c.capacity
	m.emitDelta(c.device, -c.capacity, OpRelease, c.handle)
	m.cache.Offer(c.buf)
	c.buf = nil

	log.Debug("released %s", c)

	return nil
}

func (m *Manager) moveLocked(h Handle, target Device) error {
	c, err := m.arena.get(h)
	if err != nil {
		return err
	}

	if c.status == StatusCompute {
		return fmt.Errorf("%w: can't move %s", ErrChunkBusy, c)
	}
	if c.status == StatusMovePending {
		return fmt.Errorf("%w: can't move %s", ErrMoveConflict, c)
	}
	if c.device == target {
		return nil
	}

	// a relocation is an allocation on the target device and must pass
	// the same admission check
	if err := m.admitLocked(c.capacity, target); err != nil {
		return err
	}

	prior := c.status
	if err := c.setStatus(StatusMovePending); err != nil {
		return err
	}

	started := time.Now()
	dst, err := m.alloc.Alloc(target, c.capacity)
	if err != nil {
		_ = c.setStatus(prior)
		return fmt.Errorf("%w: move of %s to %s: %v", ErrOutOfMemory, c, target, err)
	}

	if err := m.alloc.Copy(dst, c.buf); err != nil {
		_ = m.alloc.Free(dst)
		_ = c.setStatus(prior)
		return fmt.Errorf("%w: move of %s to %s: %v", ErrInternalError, c, target, err)
	}

	src := c.device
	if err := m.alloc.Free(c.buf); err != nil {
		log.Error("failed to free source buffer of %s: %v", c, err)
	}

	c.buf = dst
	c.device = target
	if err := c.setStatus(prior); err != nil {
		return err
	}

	m.stats.Moves++
	m.resident[src] -= c.capacity
	m.resident[target] += c.capacity
	m.emitDelta(src, -c.capacity, OpMoveOut, c.handle)
	m.emitDelta(target, c.capacity, OpMoveIn, c.handle)

	log.Debug("moved %s from %s in %v", c, src, time.Since(started))

	return nil
}
