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
)

// memSaving reduces chunks one at a time and broadcasts them
// sequentially. A single scratch buffer is reused for every peer
// contribution, capping scratch memory at one chunk regardless of
// group and world size, at the cost of serializing the exchange.
type memSaving struct {
	t    Transport
	pool *BufferPool
}

// Mode returns the communication mode of the scheduler.
func (s *memSaving) Mode() Mode {
	return MemorySaving
}

// Pool returns the scratch buffer pool of the scheduler.
func (s *memSaving) Pool() *BufferPool {
	return s.pool
}

// ReduceScatter sums each chunk of the group across ranks, leaving the
// result on the chunk's owner. Each owner accumulates peer
// contributions pairwise in ascending rank order, so the result is
// bit-identical run to run.
func (s *memSaving) ReduceScatter(ctx context.Context, group [][]float32) error {
	rank, world := s.t.Rank(), s.t.World()
	if err := checkGroup(group, world); err != nil {
		return err
	}
	if world == 1 {
		return nil
	}

	scratch, err := s.pool.Get(int64(len(group[0]) * 4))
	if err != nil {
		return fmt.Errorf("comm: reduce scratch: %w", err)
	}
	defer s.pool.Put(scratch)

	for i, chunk := range group {
		owner := i % world

		if owner != rank {
			if err := s.t.Send(ctx, owner, byteview(chunk)); err != nil {
				return fmt.Errorf("comm: reduce of chunk %d to rank %d: %w", i, owner, err)
			}
			continue
		}

		for peer := 0; peer < world; peer++ {
			if peer == rank {
				continue
			}
			data, err := s.t.Recv(ctx, peer)
			if err != nil {
				return fmt.Errorf("comm: reduce of chunk %d from rank %d: %w", i, peer, err)
			}
			copy(scratch.Bytes(), data)
			if err := accumulate(chunk, scratch.Bytes()[:len(data)]); err != nil {
				return err
			}
		}
	}

	return nil
}

// AllGather redistributes each owned chunk of the group to all ranks,
// one chunk at a time. The visit callback runs after each chunk is in
// place and before the next broadcast starts, so the caller can
// consume and release chunks as they arrive.
func (s *memSaving) AllGather(ctx context.Context, group [][]float32, visit func(chunk int)) error {
	rank, world := s.t.Rank(), s.t.World()
	if err := checkGroup(group, world); err != nil {
		return err
	}

	for i, chunk := range group {
		owner := i % world

		switch {
		case world == 1:
			// nothing to exchange

		case owner == rank:
			for peer := 0; peer < world; peer++ {
				if peer == rank {
					continue
				}
				if err := s.t.Send(ctx, peer, byteview(chunk)); err != nil {
					return fmt.Errorf("comm: broadcast of chunk %d to rank %d: %w", i, peer, err)
				}
			}

		default:
			data, err := s.t.Recv(ctx, owner)
			if err != nil {
				return fmt.Errorf("comm: broadcast of chunk %d from rank %d: %w", i, owner, err)
			}
			copy(byteview(chunk), data)
		}

		if visit != nil {
			visit(i)
		}
	}

	return nil
}
