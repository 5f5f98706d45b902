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

package comm

import (
	"sync"

	"github.com/tensormesh/chunkmem/pkg/mem"
)

// BufferPool provides the scratch buffers of a scheduler. It tracks
// outstanding and peak scratch bytes, the quantity the two scheduling
// modes trade against communication overlap.
type BufferPool struct {
	sync.Mutex
	alloc       mem.Allocator
	dev         mem.Device
	outstanding int64
	peak        int64
}

// NewBufferPool creates a scratch buffer pool over the given allocator
// and device tier.
func NewBufferPool(alloc mem.Allocator, dev mem.Device) *BufferPool {
	return &BufferPool{alloc: alloc, dev: dev}
}

// Get allocates a scratch buffer of the given size.
func (p *BufferPool) Get(size int64) (*mem.Buffer, error) {
	buf, err := p.alloc.Alloc(p.dev, size)
	if err != nil {
		return nil, err
	}

	p.Lock()
	p.outstanding += size
	if p.outstanding > p.peak {
		p.peak = p.outstanding
	}
	p.Unlock()

	return buf, nil
}

// Put releases a scratch buffer back to the allocator.
func (p *BufferPool) Put(buf *mem.Buffer) {
	if buf == nil {
		return
	}

	size := buf.Size()
	if err := p.alloc.Free(buf); err != nil {
		log.Error("failed to free %d byte scratch buffer: %v", size, err)
		return
	}

	p.Lock()
	p.outstanding -= size
	p.Unlock()
}

// Peak returns the highest number of scratch bytes held at once.
func (p *BufferPool) Peak() int64 {
	p.Lock()
	defer p.Unlock()
	return p.peak
}

// Outstanding returns the number of scratch bytes currently held.
func (p *BufferPool) Outstanding() int64 {
	p.Lock()
	defer p.Unlock()
	return p.outstanding
}
