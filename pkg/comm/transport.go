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
	"sync"
)

// Transport is the point-to-point exchange capability the schedulers
// are built on. It is consumed from the underlying runtime; the
// in-process Hub implementation below serves tests and the demo
// daemon.
type Transport interface {
	// Rank returns the rank of this endpoint.
	Rank() int
	// World returns the number of participating ranks.
	World() int
	// Send delivers the given bytes to the peer rank.
	Send(ctx context.Context, to int, data []byte) error
	// Recv receives the next message from the peer rank.
	Recv(ctx context.Context, from int) ([]byte, error)
}

// linkBuffering is the per-link message buffering of a Hub.
const linkBuffering = 4

// Hub is an in-process transport fabric connecting one goroutine per
// rank over buffered channels.
type Hub struct {
	world  int
	links  []chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewHub creates a hub for the given world size.
func NewHub(world int) (*Hub, error) {
	if world < 1 {
		return nil, fmt.Errorf("%w: world size %d", ErrInvalidRank, world)
	}

	h := &Hub{
		world:  world,
		links:  make([]chan []byte, world*world),
		closed: make(chan struct{}),
	}
	for i := range h.links {
		h.links[i] = make(chan []byte, linkBuffering)
	}

	return h, nil
}

// Close shuts the hub down, failing all pending operations.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.closed) })
}

// Endpoint returns the transport endpoint of the given rank.
func (h *Hub) Endpoint(rank int) (Transport, error) {
	if rank < 0 || rank >= h.world {
		return nil, fmt.Errorf("%w: rank %d of world %d", ErrInvalidRank, rank, h.world)
	}

	return &endpoint{hub: h, rank: rank}, nil
}

type endpoint struct {
	hub  *Hub
	rank int
}

func (e *endpoint) Rank() int {
	return e.rank
}

func (e *endpoint) World() int {
	return e.hub.world
}

// link returns the channel carrying messages from one rank to another.
func (h *Hub) link(from, to int) chan []byte {
	return h.links[from*h.world+to]
}

func (e *endpoint) Send(ctx context.Context, to int, data []byte) error {
	if to < 0 || to >= e.hub.world {
		return fmt.Errorf("%w: send to rank %d of world %d", ErrInvalidRank, to, e.hub.world)
	}

	select {
	case e.hub.link(e.rank, to) <- data:
		return nil
	case <-e.hub.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *endpoint) Recv(ctx context.Context, from int) ([]byte, error) {
	if from < 0 || from >= e.hub.world {
		return nil, fmt.Errorf("%w: receive from rank %d of world %d", ErrInvalidRank, from, e.hub.world)
	}

	select {
	case data := <-e.hub.link(from, e.rank):
		return data, nil
	case <-e.hub.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Negotiate agrees on the communication mode with every peer before
// any payload is exchanged. Each rank announces its configured mode to
// all peers; any disagreement is fatal for the run.
func Negotiate(ctx context.Context, t Transport, mode Mode) error {
	rank, world := t.Rank(), t.World()

	for peer := 0; peer < world; peer++ {
		if peer == rank {
			continue
		}
		if err := t.Send(ctx, peer, []byte{byte(mode)}); err != nil {
			return fmt.Errorf("comm: mode announcement to rank %d: %w", peer, err)
		}
	}

	for peer := 0; peer < world; peer++ {
		if peer == rank {
			continue
		}
		data, err := t.Recv(ctx, peer)
		if err != nil {
			return fmt.Errorf("comm: mode announcement from rank %d: %w", peer, err)
		}
		if len(data) != 1 {
			return fmt.Errorf("%w: malformed announcement from rank %d", ErrModeMismatch, peer)
		}
		if Mode(data[0]) != mode {
			return fmt.Errorf("%w: rank %d runs %s, rank %d runs %s",
				ErrModeMismatch, rank, mode, peer, Mode(data[0]))
		}
	}

	log.Info("rank %d/%d negotiated %s communication", rank, world, mode)

	return nil
}
