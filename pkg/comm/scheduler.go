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
	"context"
	"fmt"
	"unsafe"
)

// Scheduler runs the reduce and redistribution phases of one chunk
// group. group[i] is the rank-local element view of chunk i; chunk i
// is owned by rank i modulo world size. Accumulation always runs in
// ascending rank order, so results are bit-identical across modes and
// runs.
type Scheduler interface {
	// Mode returns the communication mode of the scheduler.
	Mode() Mode
	// ReduceScatter sums each chunk of the group across ranks, leaving
	// the result on the chunk's owner.
	ReduceScatter(ctx context.Context, group [][]float32) error
	// AllGather redistributes each owned chunk of the group to all
	// ranks. The visit callback, if non-nil, runs after each chunk is
	// in place, before the next one arrives.
	AllGather(ctx context.Context, group [][]float32, visit func(chunk int)) error
	// Pool returns the scratch buffer pool of the scheduler.
	Pool() *BufferPool
}

// NewScheduler creates a scheduler of the given negotiated mode over
// the given transport and scratch pool.
func NewScheduler(mode Mode, t Transport, pool *BufferPool) (Scheduler, error) {
	switch mode {
	case Collective:
		return &collective{t: t, pool: pool}, nil
	case MemorySaving:
		return &memSaving{t: t, pool: pool}, nil
	}

	return nil, fmt.Errorf("comm: unknown communication mode %d", mode)
}

// checkGroup verifies the group covers the world and its chunk views
// agree in length.
func checkGroup(group [][]float32, world int) error {
	if len(group) == 0 || len(group)%world != 0 {
		return fmt.Errorf("%w: %d chunks for world %d", ErrInvalidGroup, len(group), world)
	}
	for i, chunk := range group {
		if len(chunk) != len(group[0]) {
			return fmt.Errorf("%w: chunk %d has %d elements, chunk 0 has %d",
				ErrInvalidGroup, i, len(chunk), len(group[0]))
		}
	}
	return nil
}

// accumulate adds the received chunk into the local one elementwise.
func accumulate(into []float32, data []byte) error {
	recv := float32view(data)
	if len(recv) != len(into) {
		return fmt.Errorf("%w: received %d elements, expected %d",
			ErrInvalidGroup, len(recv), len(into))
	}
	for i, v := range recv {
		into[i] += v
	}
	return nil
}

func float32view(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), len(data)/4)
}

func byteview(xs []float32) []byte {
	if len(xs) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&xs[0])), len(xs)*4)
}
