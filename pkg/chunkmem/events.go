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
	"time"

	"github.com/tensormesh/chunkmem/pkg/chunkmem/tracer"
)

// MemoryOp labels the manager operation that caused a memory delta.
type MemoryOp string

const (
	OpAlloc   MemoryOp = "alloc"
	OpRecycle MemoryOp = "recycle"
	OpRelease MemoryOp = "release"
	OpMoveOut MemoryOp = "move-out"
	OpMoveIn  MemoryOp = "move-in"
)

// MemoryDelta is a chunk-residency change event. Every allocate,
// release and move emits one; the tracer consumes them for exact,
// non-sampled accounting.
type MemoryDelta struct {
	Device Device
	Bytes  int64
	Op     MemoryOp
	Chunk  Handle
	When   time.Time
}

// Events returns the memory-delta event channel of the manager.
func (m *Manager) Events() <-chan MemoryDelta {
	return m.events
}

// DroppedEvents returns the number of events dropped because the
// event channel was full.
func (m *Manager) DroppedEvents() int64 {
	return m.dropped.Load()
}

// emitDelta sends a memory-delta event without ever blocking the
// manager's critical path.
func (m *Manager) emitDelta(dev Device, bytes int64, op MemoryOp, h Handle) {
	d := MemoryDelta{
		Device: dev,
		Bytes:  bytes,
		Op:     op,
		Chunk:  h,
		When:   time.Now(),
	}

	select {
	case m.events <- d:
	default:
		m.dropped.Add(1)
		evtlog.Warn("event channel full, dropped %s delta of %s on %s",
			d.Op, prettySize(d.Bytes), d.Device)
	}
}

// PumpEvents feeds manager memory-delta events into the given tracer
// until the stop channel closes. It is typically run on its own
// goroutine.
func PumpEvents(t *tracer.Tracer, events <-chan MemoryDelta, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case d, ok := <-events:
			if !ok {
				return
			}
			t.Account(d.Device, d.Bytes)
		}
	}
}
