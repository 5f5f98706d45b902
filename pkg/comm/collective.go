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

	"github.com/hashicorp/go-multierror"

	"github.com/tensormesh/chunkmem/pkg/mem"
)

// collective reduces and redistributes whole chunk groups at once. All
// peer contributions of a group are held in scratch simultaneously, so
// scratch memory scales with the number of ranks.
type collective struct {
	t    Transport
	pool *BufferPool
}

// Mode returns the communication mode of the scheduler.
func (s *collective) Mode() Mode {
	return Collective
}

// Pool returns the scratch buffer pool of the scheduler.
func (s *collective) Pool() *BufferPool {
	return s.pool
}

// ReduceScatter sums each chunk of the group across ranks, leaving the
// result on the chunk's owner. Contributions are accumulated in
// ascending rank order once all of them have arrived.
func (s *collective) ReduceScatter(ctx context.Context, group [][]float32) error {
	rank, world := s.t.Rank(), s.t.World()
	if err := checkGroup(group, world); err != nil {
		return err
	}
	if world == 1 {
		return nil
	}

	sendErr := make(chan error, 1)
	go func() {
		var errs *multierror.Error
		for i, chunk := range group {
			if owner := i % world; owner != rank {
				if err := s.t.Send(ctx, owner, byteview(chunk)); err != nil {
					errs = multierror.Append(errs, err)
				}
			}
		}
		sendErr <- errs.ErrorOrNil()
	}()

	// one scratch buffer per peer contribution of every owned chunk,
	// all held at once
	scratch := map[int]map[int]*mem.Buffer{}
	defer func() {
		for _, peers := range scratch {
			for _, buf := range peers {
				s.pool.Put(buf)
			}
		}
	}()

	var errs *multierror.Error
	for peer := 0; peer < world; peer++ {
		if peer == rank {
			continue
		}
		for i := range group {
			if i%world != rank {
				continue
			}
			data, err := s.t.Recv(ctx, peer)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			buf, err := s.pool.Get(int64(len(data)))
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			copy(buf.Bytes(), data)
			if scratch[i] == nil {
				scratch[i] = map[int]*mem.Buffer{}
			}
			scratch[i][peer] = buf
		}
	}

	for i := range group {
		if i%world != rank {
			continue
		}
		for peer := 0; peer < world; peer++ {
			buf, ok := scratch[i][peer]
			if !ok {
				continue
			}
			if err := accumulate(group[i], buf.Bytes()); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	if err := <-sendErr; err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

// AllGather redistributes each owned chunk of the group to all ranks.
func (s *collective) AllGather(ctx context.Context, group [][]float32, visit func(chunk int)) error {
	rank, world := s.t.Rank(), s.t.World()
	if err := checkGroup(group, world); err != nil {
		return err
	}

	var errs *multierror.Error
	if world > 1 {
		sendErr := make(chan error, 1)
		go func() {
			var errs *multierror.Error
			for i, chunk := range group {
				if i%world != rank {
					continue
				}
				for peer := 0; peer < world; peer++ {
					if peer == rank {
						continue
					}
					if err := s.t.Send(ctx, peer, byteview(chunk)); err != nil {
						errs = multierror.Append(errs, err)
					}
				}
			}
			sendErr <- errs.ErrorOrNil()
		}()

		for peer := 0; peer < world; peer++ {
			if peer == rank {
				continue
			}
			for i := range group {
				if i%world != peer {
					continue
				}
				data, err := s.t.Recv(ctx, peer)
				if err != nil {
					errs = multierror.Append(errs, err)
					continue
				}
				copy(byteview(group[i]), data)
			}
		}

		if err := <-sendErr; err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if visit != nil {
		for i := range group {
			visit(i)
		}
	}

	return errs.ErrorOrNil()
}
