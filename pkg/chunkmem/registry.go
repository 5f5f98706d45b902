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
	"math"
	"math/rand"

	"github.com/tensormesh/chunkmem/pkg/mem"
)

// Resolution locates a payload for compute dispatch. Payload devices
// may change between operations, so the compute layer must resolve a
// payload before every operation touching it.
type Resolution struct {
	Device Device
	Buffer *mem.Buffer
	Offset int64
}

// Float32s returns the payload contents viewed as float32 elements.
func (r Resolution) Float32s(extent int64) []float32 {
	return r.Buffer.Float32s()[r.Offset/4 : (r.Offset+extent)/4]
}

// RegisterTensor registers a tensor of the given shape, element type
// and kind with the manager, packing it into a chunk of its (kind,
// group) with room, or creating a new chunk when none has any.
func (m *Manager) RegisterTensor(shape []int, dtype DType, kind ChunkKind, group GroupID) (PayloadID, error) {
	m.Lock()
	defer m.Unlock()

	return m.registerLocked(shape, dtype, kind, group)
}

// RegisterLinear registers a linear layer's parameter tensor of shape
// [out, in], split into inSplits x outSplits independently placed
// sub-tensors. With 1x1 splits it is equivalent to RegisterTensor.
func (m *Manager) RegisterLinear(out, in int, dtype DType, group GroupID, inSplits, outSplits int) ([]PayloadID, error) {
	if inSplits < 1 || outSplits < 1 {
		return nil, fmt.Errorf("%w: invalid %dx%d linear splits",
			ErrInvalidPayload, inSplits, outSplits)
	}
	if out%outSplits != 0 || in%inSplits != 0 {
		return nil, fmt.Errorf("%w: [%d, %d] linear not divisible into %dx%d tiles",
			ErrInvalidPayload, out, in, outSplits, inSplits)
	}

	m.Lock()
	defer m.Unlock()

	tile := []int{out / outSplits, in / inSplits}
	ids := make([]PayloadID, 0, inSplits*outSplits)
	for i := 0; i < outSplits; i++ {
		for j := 0; j < inSplits; j++ {
			id, err := m.registerLocked(tile, dtype, KindParam, group)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}

	return ids, nil
}

// Resolve locates the given payload for compute dispatch.
func (m *Manager) Resolve(id PayloadID) (Resolution, error) {
	m.Lock()
	defer m.Unlock()

	p, c, err := m.payloadLocked(id)
	if err != nil {
		return Resolution{}, err
	}

	if c.status == StatusReleased || c.buf == nil {
		return Resolution{}, fmt.Errorf("%w: %s resolved after release", ErrInvalidPayload, p)
	}

	return Resolution{Device: c.device, Buffer: c.buf, Offset: p.offset}, nil
}

// PayloadChunk returns the handle of the chunk holding the given
// payload.
func (m *Manager) PayloadChunk(id PayloadID) (Handle, error) {
	m.Lock()
	defer m.Unlock()

	p, _, err := m.payloadLocked(id)
	if err != nil {
		return InvalidHandle, err
	}

	return p.chunk, nil
}

// AccessTensor resolves the given payload and marks its chunk
// Compute for the duration of the operation. The chunk can neither
// move nor be released until the matching EndAccess.
func (m *Manager) AccessTensor(id PayloadID) (Resolution, error) {
	m.Lock()
	defer m.Unlock()

	p, c, err := m.payloadLocked(id)
	if err != nil {
		return Resolution{}, err
	}

	switch c.status {
	case StatusMovePending:
		return Resolution{}, fmt.Errorf("%w: access to %s", ErrMoveConflict, p)
	case StatusReleased:
		return Resolution{}, fmt.Errorf("%w: %s accessed after release", ErrInvalidPayload, p)
	case StatusCompute:
		// additional payload of an already referenced chunk
	default:
		if err := c.setStatus(StatusCompute); err != nil {
			return Resolution{}, err
		}
	}

	p.inCompute = true
	c.active++
	c.touch()

	if m.policy != nil {
		m.policy.NoteAccess(c.handle, c.device, m.metronome.Moment())
	}

	return Resolution{Device: c.device, Buffer: c.buf, Offset: p.offset}, nil
}

// EndAccess retires the compute reference of the given payload. The
// chunk returns to Reserved once its last in-flight reference ends.
func (m *Manager) EndAccess(id PayloadID) error {
	m.Lock()
	defer m.Unlock()

	p, c, err := m.payloadLocked(id)
	if err != nil {
		return err
	}

	if !p.inCompute {
		return fmt.Errorf("%w: %s not in compute", ErrInvalidPayload, p)
	}

	p.inCompute = false
	c.active--
	if c.active == 0 {
		return c.setStatus(StatusReserved)
	}

	return nil
}

// RetireTensor retires the payload reference for good. A chunk is
// releasable only once all of its payloads have been retired.
func (m *Manager) RetireTensor(id PayloadID) error {
	m.Lock()
	defer m.Unlock()

	p, c, err := m.payloadLocked(id)
	if err != nil {
		return err
	}

	if p.inCompute {
		return fmt.Errorf("%w: can't retire %s", ErrChunkBusy, p)
	}

	p.retired = true
	if c.allRetired() && c.status == StatusReserved {
		return c.setStatus(StatusFree)
	}

	return nil
}

// ReleaseKind retires and releases all chunks of the given kind, e.g.
// gradients at the end of a training step.
func (m *Manager) ReleaseKind(kind ChunkKind) error {
	m.Lock()
	defer m.Unlock()

	var err error
	m.arena.foreach(func(c *Chunk) bool {
		if c.kind != kind || c.status == StatusReleased {
			return ForeachMore
		}
		for _, p := range c.payloads {
			p.retired = true
		}
		if c.status == StatusReserved {
			if err = c.setStatus(StatusFree); err != nil {
				return ForeachDone
			}
		}
		if err = m.releaseLocked(c.handle); err != nil {
			return ForeachDone
		}
		return ForeachMore
	})

	return err
}

// GroupChunks returns the chunks of the given (kind, group) in
// creation order.
func (m *Manager) GroupChunks(kind ChunkKind, group GroupID) []Handle {
	m.Lock()
	defer m.Unlock()

	return append([]Handle(nil), m.groups[groupKey{kind: kind, group: group}]...)
}

// GroupViews returns the element views of the live chunks of the
// given (kind, group) in creation order, for the communication
// scheduler. Released chunks are skipped. The views alias live chunk
// memory; the chunks must stay resident for the duration of the
// exchange.
func (m *Manager) GroupViews(kind ChunkKind, group GroupID) ([][]float32, error) {
	m.Lock()
	defer m.Unlock()

	handles := m.groups[groupKey{kind: kind, group: group}]
	views := make([][]float32, 0, len(handles))
	for _, h := range handles {
		c, err := m.arena.get(h)
		if err != nil {
			return nil, err
		}
		if c.status == StatusReleased || c.buf == nil {
			continue
		}
		views = append(views, c.buf.Float32s())
	}

	return views, nil
}

// ChunkOwner returns the rank owning the authoritative data of the
// given chunk, its intra-group offset.
func (m *Manager) ChunkOwner(h Handle) (int, error) {
	m.Lock()
	defer m.Unlock()

	c, err := m.arena.get(h)
	if err != nil {
		return 0, err
	}

	return c.comm, nil
}

// InitParams deterministically initializes all parameter payloads
// from the given seed, in registration order. With releaseRemote set,
// chunks owned by other ranks are released right after initialization;
// since every rank consumes the identical random stream in the
// identical order, distributed initialization is bit-identical to a
// single-process run with the same seed.
func (m *Manager) InitParams(seed int64, releaseRemote bool) error {
	m.Lock()
	defer m.Unlock()

	rng := rand.New(rand.NewSource(seed))

	for _, p := range m.payloads {
		if p.kind != KindParam && p.kind != KindEmbedding {
			continue
		}
		c, err := m.arena.get(p.chunk)
		if err != nil {
			return err
		}
		data := c.buf.Float32s()[p.offset/4 : (p.offset+p.extent)/4]
		scale := float32(math.Sqrt(2.0 / float64(numel(p.shape))))
		for i := range data {
			data[i] = float32(rng.NormFloat64()) * scale
		}
	}

	if !releaseRemote || m.world == 1 {
		return nil
	}

	for key, handles := range m.groups {
		if key.kind != KindParam && key.kind != KindEmbedding {
			continue
		}
		for i, h := range handles {
			if i%m.world == m.rank {
				continue
			}
			c, err := m.arena.get(h)
			if err != nil {
				return err
			}
			for _, p := range c.payloads {
				p.retired = true
			}
			if c.status == StatusReserved {
				if err := c.setStatus(StatusFree); err != nil {
					return err
				}
			}
			if err := m.releaseLocked(h); err != nil {
				return err
			}
		}
	}

	return nil
}

func (m *Manager) registerLocked(shape []int, dtype DType, kind ChunkKind, group GroupID) (PayloadID, error) {
	extent := numel(shape) * dtype.Size()
	if extent <= 0 {
		return InvalidPayload, fmt.Errorf("%w: empty shape %v", ErrInvalidPayload, shape)
	}

	p := &Payload{
		id:     PayloadID(len(m.payloads)),
		chunk:  InvalidHandle,
		extent: extent,
		shape:  append([]int(nil), shape...),
		dtype:  dtype,
		kind:   kind,
		group:  group,
	}

	dev := m.placementFor(kind)
	c, err := m.groupChunkWithRoom(kind, group, dev, extent)
	if err != nil {
		return InvalidPayload, err
	}

	if err := c.addPayload(p); err != nil {
		return InvalidPayload, err
	}

	p.commOffset = c.comm
	m.payloads = append(m.payloads, p)

	return p.id, nil
}

// placementFor picks the initial device tier for a payload kind.
func (m *Manager) placementFor(kind ChunkKind) Device {
	switch kind {
	case KindEmbedding:
		if m.hostEmbed {
			return mem.DeviceCPU
		}
	case KindActivation:
		if m.actOffload {
			return mem.DeviceCPU
		}
	case KindOptimState:
		return mem.DeviceCPU
	}
	return mem.DeviceGPU
}

func (m *Manager) groupChunkWithRoom(kind ChunkKind, group GroupID, dev Device, extent int64) (*Chunk, error) {
	key := groupKey{kind: kind, group: group}

	for _, h := range m.groups[key] {
		c, err := m.arena.get(h)
		if err != nil {
			return nil, err
		}
		if c.status == StatusReleased || c.status == StatusMovePending {
			continue
		}
		if c.device == dev && c.Free() >= extent {
			return c, nil
		}
	}

	capacity := m.chunkSize
	if extent > capacity {
		capacity = SizeClassFor(extent)
	}

	c, err := m.allocateLocked(capacity, dev, kind, group)
	if err != nil {
		return nil, err
	}

	c.comm = len(m.groups[key]) % m.world
	m.groups[key] = append(m.groups[key], c.handle)

	return c, nil
}

func (m *Manager) payloadLocked(id PayloadID) (*Payload, *Chunk, error) {
	if id < 0 || int(id) >= len(m.payloads) {
		return nil, nil, fmt.Errorf("%w: #%d", ErrInvalidPayload, id)
	}
	p := m.payloads[id]
	c, err := m.arena.get(p.chunk)
	if err != nil {
		return nil, nil, err
	}
	return p, c, nil
}
