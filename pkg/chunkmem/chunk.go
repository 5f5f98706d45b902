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
	"time"

	"github.com/tensormesh/chunkmem/pkg/mem"
)

// Chunk is a fixed-capacity contiguous memory region holding one or
// more tensor payloads. It is the unit of allocation, movement and
// communication.
type Chunk struct {
	handle   Handle
	capacity int64
	device   Device
	status   ChunkStatus
	kind     ChunkKind
	group    GroupID
	comm     int
	payloads []*Payload
	used     int64
	active   int
	pinned   bool
	created  int64
	accessed int64
	buf      *mem.Buffer
}

// PayloadID is the opaque identity of a payload within a manager.
type PayloadID int

// InvalidPayload is the payload ID of no payload.
const InvalidPayload PayloadID = -1

// Payload is a tensor's memory view inside a chunk.
type Payload struct {
	id         PayloadID
	chunk      Handle
	offset     int64
	extent     int64
	shape      []int
	dtype      DType
	kind       ChunkKind
	group      GroupID
	commOffset int
	inCompute  bool
	retired    bool
}

const (
	// ForeachDone as a return value terminates iteration by a Foreach* function.
	ForeachDone = false
	// ForeachMore as a return value continues iteration by a Foreach* function.
	ForeachMore = !ForeachDone
)

func newChunk(handle Handle, capacity int64, dev Device, kind ChunkKind, group GroupID, buf *mem.Buffer) *Chunk {
	now := time.Now().UnixNano()
	return &Chunk{
		handle:   handle,
		capacity: capacity,
		device:   dev,
		status:   StatusFree,
		kind:     kind,
		group:    group,
		created:  now,
		accessed: now,
		buf:      buf,
	}
}

// Handle returns the handle of the chunk.
func (c *Chunk) Handle() Handle {
	return c.handle
}

// Capacity returns the capacity of the chunk in bytes.
func (c *Chunk) Capacity() int64 {
	return c.capacity
}

// Device returns the device tier the chunk currently resides on.
func (c *Chunk) Device() Device {
	return c.device
}

// Status returns the current lifecycle status of the chunk.
func (c *Chunk) Status() ChunkStatus {
	return c.status
}

// Kind returns the kind of tensor data the chunk holds.
func (c *Chunk) Kind() ChunkKind {
	return c.kind
}

// Group returns the communication group of the chunk.
func (c *Chunk) Group() GroupID {
	return c.group
}

// CommOffset returns the intra-group offset of the chunk, the rank
// owning its authoritative data.
func (c *Chunk) CommOffset() int {
	return c.comm
}

// Used returns the number of bytes covered by payloads in the chunk.
func (c *Chunk) Used() int64 {
	return c.used
}

// Free returns the number of bytes still available for payloads.
func (c *Chunk) Free() int64 {
	return c.capacity - c.used
}

// Pinned returns whether the chunk is pinned to its current device.
// Pinned chunks are never picked for eviction or relocation.
func (c *Chunk) Pinned() bool {
	return c.pinned
}

// Pin pins the chunk to its current device.
func (c *Chunk) Pin() {
	c.pinned = true
}

// Unpin unpins the chunk.
func (c *Chunk) Unpin() {
	c.pinned = false
}

// Created returns the creation timestamp of the chunk.
func (c *Chunk) Created() int64 {
	return c.created
}

// LastAccess returns the timestamp of the most recent payload access.
func (c *Chunk) LastAccess() int64 {
	return c.accessed
}

// Buffer returns the backing buffer of the chunk.
func (c *Chunk) Buffer() *mem.Buffer {
	return c.buf
}

// String returns a string representation of the chunk.
func (c *Chunk) String() string {
	return fmt.Sprintf("%s chunk<#%d, %s on %s, %s/%s used>",
		c.kind, c.handle, c.status, c.device,
		prettySize(c.used), prettySize(c.capacity))
}

// setStatus transitions the chunk to the given status, enforcing
// sequential per-chunk transition rules.
func (c *Chunk) setStatus(to ChunkStatus) error {
	if !c.status.CanTransition(to) {
		return fmt.Errorf("%w: %s: %s -> %s", ErrInvalidStatus, c, c.status, to)
	}
	c.status = to
	return nil
}

// addPayload attaches a payload to the chunk at the current fill
// offset. The sum of payload extents never exceeds chunk capacity.
func (c *Chunk) addPayload(p *Payload) error {
	if c.used+p.extent > c.capacity {
		return fmt.Errorf("%w: %s: payload of %d bytes at offset %d",
			ErrChunkOverflow, c, p.extent, c.used)
	}

	p.chunk = c.handle
	p.offset = c.used
	c.payloads = append(c.payloads, p)
	c.used += p.extent

	if c.status == StatusFree {
		return c.setStatus(StatusReserved)
	}

	return nil
}

// allRetired returns true once every payload of the chunk has been
// retired. Only then may the chunk be released.
func (c *Chunk) allRetired() bool {
	for _, p := range c.payloads {
		if !p.retired {
			return false
		}
	}
	return true
}

// touch records a payload access for recency based placement.
func (c *Chunk) touch() {
	c.accessed = time.Now().UnixNano()
}

// ID returns the payload ID.
func (p *Payload) ID() PayloadID {
	return p.id
}

// Chunk returns the handle of the owning chunk.
func (p *Payload) Chunk() Handle {
	return p.chunk
}

// Offset returns the byte offset of the payload inside its chunk.
func (p *Payload) Offset() int64 {
	return p.offset
}

// Extent returns the byte extent of the payload.
func (p *Payload) Extent() int64 {
	return p.extent
}

// Shape returns the tensor shape of the payload.
func (p *Payload) Shape() []int {
	return p.shape
}

// DType returns the element type of the payload.
func (p *Payload) DType() DType {
	return p.dtype
}

// Kind returns the kind of tensor data the payload holds.
func (p *Payload) Kind() ChunkKind {
	return p.kind
}

// Group returns the communication group of the payload.
func (p *Payload) Group() GroupID {
	return p.group
}

// CommOffset returns the intra-group offset of the payload's chunk,
// the rank owning its authoritative data.
func (p *Payload) CommOffset() int {
	return p.commOffset
}

// Retired returns whether the payload reference has been retired.
func (p *Payload) Retired() bool {
	return p.retired
}

// String returns a string representation of the payload.
func (p *Payload) String() string {
	return fmt.Sprintf("%s payload<#%d, chunk #%d@%d, %v %s>",
		p.kind, p.id, p.chunk, p.offset, p.shape, p.dtype)
}

// numel returns the number of elements described by the shape.
func numel(shape []int) int64 {
	n := int64(1)
	for _, dim := range shape {
		n *= int64(dim)
	}
	return n
}

// arena is the chunk store of a manager, indexed by handle.
type arena struct {
	chunks []*Chunk
}

func (a *arena) add(c *Chunk) Handle {
	c.handle = Handle(len(a.chunks))
	a.chunks = append(a.chunks, c)
	return c.handle
}

func (a *arena) get(h Handle) (*Chunk, error) {
	if h < 0 || int(h) >= len(a.chunks) {
		return nil, fmt.Errorf("%w: #%d", ErrInvalidHandle, h)
	}
	return a.chunks[h], nil
}

// foreach calls the given function for each chunk in creation order.
// It stops iterating early if the function returns false.
func (a *arena) foreach(fn func(*Chunk) bool) {
	for _, c := range a.chunks {
		if !fn(c) {
			return
		}
	}
}
