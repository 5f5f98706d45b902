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
	"fmt"
	"sync"
	"unsafe"
)

// Buffer is a contiguous memory region on a single device tier.
type Buffer struct {
	dev   Device
	data  []byte
	freed bool
}

// Device returns the device tier the buffer resides on.
func (b *Buffer) Device() Device {
	return b.dev
}

// Size returns the size of the buffer in bytes.
func (b *Buffer) Size() int64 {
	return int64(len(b.data))
}

// Bytes returns the raw byte contents of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Float32s returns the buffer contents viewed as float32 elements.
// The buffer size must be a multiple of 4 bytes.
func (b *Buffer) Float32s() []float32 {
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b.data[0])), len(b.data)/4)
}

// Pointer returns the raw base pointer of the buffer for compute dispatch.
func (b *Buffer) Pointer() unsafe.Pointer {
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&b.data[0])
}

// Usage is a snapshot of the memory counters of one device tier.
type Usage struct {
	Device   Device
	Capacity int64
	Used     int64
}

// Free returns the number of free bytes in the usage snapshot.
func (u Usage) Free() int64 {
	return u.Capacity - u.Used
}

// Headroom returns free capacity as a fraction of total capacity.
func (u Usage) Headroom() float64 {
	if u.Capacity <= 0 {
		return 0
	}
	return float64(u.Free()) / float64(u.Capacity)
}

// Allocator is the device memory capability consumed from the
// underlying compute layer.
type Allocator interface {
	// Alloc allocates a buffer of the given size on the given device tier.
	Alloc(dev Device, size int64) (*Buffer, error)
	// Free releases the given buffer back to its device tier.
	Free(b *Buffer) error
	// Copy copies buffer contents, possibly across tiers.
	Copy(dst, src *Buffer) error
	// Usage reads the memory counters of the given device tier.
	Usage(dev Device) (Usage, error)
}

// SimAllocator is a host-simulated allocator for both device tiers. It
// stands in for the real accelerator runtime in tests and the demo
// daemon, with per-tier capacity enforcement and usage counters.
type SimAllocator struct {
	sync.Mutex
	capacity map[Device]int64
	used     map[Device]int64
}

var _ Allocator = &SimAllocator{}

// NewSimAllocator creates a simulated allocator with the given
// per-tier capacities.
func NewSimAllocator(capacities map[Device]int64) *SimAllocator {
	a := &SimAllocator{
		capacity: make(map[Device]int64),
		used:     make(map[Device]int64),
	}
	for dev, capa := range capacities {
		a.capacity[dev] = capa
	}
	return a
}

// Alloc allocates a buffer of the given size on the given device tier.
func (a *SimAllocator) Alloc(dev Device, size int64) (*Buffer, error) {
	if !dev.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDevice, dev)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	a.Lock()
	defer a.Unlock()

	if capa, ok := a.capacity[dev]; ok && a.used[dev]+size > capa {
		return nil, fmt.Errorf("%w: %s needs %d bytes, %d free",
			ErrCapacity, dev, size, capa-a.used[dev])
	}

	a.used[dev] += size

	return &Buffer{dev: dev, data: make([]byte, size)}, nil
}

// Free releases the given buffer back to its device tier.
func (a *SimAllocator) Free(b *Buffer) error {
	if b == nil {
		return nil
	}

	a.Lock()
	defer a.Unlock()

	if b.freed {
		return fmt.Errorf("%w: %s buffer of %d bytes", ErrFreedBuffer, b.dev, b.Size())
	}

	b.freed = true
	a.used[b.dev] -= b.Size()

	return nil
}

// Copy copies buffer contents, possibly across tiers.
func (a *SimAllocator) Copy(dst, src *Buffer) error {
	if dst.Size() < src.Size() {
		return fmt.Errorf("%w: copy of %d bytes into %d byte buffer",
			ErrInvalidSize, src.Size(), dst.Size())
	}

	copy(dst.data, src.data)

	return nil
}

// Usage reads the memory counters of the given device tier.
func (a *SimAllocator) Usage(dev Device) (Usage, error) {
	if !dev.IsValid() {
		return Usage{}, fmt.Errorf("%w: %d", ErrInvalidDevice, dev)
	}

	a.Lock()
	defer a.Unlock()

	return Usage{
		Device:   dev,
		Capacity: a.capacity[dev],
		Used:     a.used[dev],
	}, nil
}
