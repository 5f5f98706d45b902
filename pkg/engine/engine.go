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

// Package engine assembles a configured chunk memory manager: device
// allocator, recycling cache, placement policy, memory tracer, event
// pump, placement epochs and the communication scheduler, with a
// single Start/Stop lifecycle.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tensormesh/chunkmem/pkg/chunkmem"
	"github.com/tensormesh/chunkmem/pkg/chunkmem/partition"
	"github.com/tensormesh/chunkmem/pkg/chunkmem/tracer"
	"github.com/tensormesh/chunkmem/pkg/comm"
	"github.com/tensormesh/chunkmem/pkg/config"
	logger "github.com/tensormesh/chunkmem/pkg/log"
	"github.com/tensormesh/chunkmem/pkg/mem"
)

var log = logger.Get("engine")

// Engine ties the components of one rank together.
type Engine struct {
	cfg       *config.Config
	alloc     mem.Allocator
	metronome *tracer.Metronome
	policy    chunkmem.PlacementPolicy
	mgr       *chunkmem.Manager
	trc       *tracer.Tracer
	transport comm.Transport
	sched     comm.Scheduler

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New assembles an engine from the given configuration, device
// allocator and transport. A nil transport disables the communication
// scheduler; it is only valid for a single-rank world.
func New(cfg *config.Config, alloc mem.Allocator, transport comm.Transport) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil && cfg.World > 1 {
		return nil, fmt.Errorf("engine: no transport for world of %d ranks", cfg.World)
	}

	e := &Engine{
		cfg:       cfg,
		alloc:     alloc,
		metronome: tracer.NewMetronome(),
		stop:      make(chan struct{}),
	}

	var err error
	if e.policy, err = e.newPolicy(); err != nil {
		return nil, err
	}

	topts := []tracer.Option{tracer.WithMetronome(e.metronome)}
	if cfg.Monitor.Async {
		topts = append(topts, tracer.WithAsyncSampling(cfg.Monitor.Interval.Duration))
	}
	if e.trc, err = tracer.NewTracer(alloc, topts...); err != nil {
		return nil, err
	}

	mopts := []chunkmem.ManagerOption{
		chunkmem.WithChunkSize(cfg.ChunkSize.Value()),
		chunkmem.WithMetronome(e.metronome),
		chunkmem.WithPolicy(e.policy),
		chunkmem.WithWorld(cfg.Rank, cfg.World),
		chunkmem.WithHostFallback(cfg.Partition.HostFallback),
		chunkmem.WithHostEmbedding(cfg.Model.HostEmbedding),
		chunkmem.WithActivationOffload(cfg.Model.ActivationOffload),
	}
	if cfg.Cache.Enable {
		mopts = append(mopts, chunkmem.WithCache(
			chunkmem.NewCache(cfg.Cache.Capacity, alloc)))
	}
	if e.mgr, err = chunkmem.NewManager(alloc, mopts...); err != nil {
		return nil, err
	}

	if transport != nil {
		e.transport = transport
		pool := comm.NewBufferPool(alloc, mem.DeviceGPU)
		if e.sched, err = comm.NewScheduler(cfg.Communication.Mode, transport, pool); err != nil {
			return nil, err
		}
	}

	return e, nil
}

func (e *Engine) newPolicy() (chunkmem.PlacementPolicy, error) {
	if e.cfg.Partition.Static {
		return partition.NewStatic(e.cfg.Partition.WarmupDeviceRatio)
	}

	return partition.NewDynamic(e.metronome,
		partition.WithHeadroomThresholds(
			e.cfg.Partition.HeadroomEvict, e.cfg.Partition.HeadroomAmple))
}

// Manager returns the chunk memory manager of the engine.
func (e *Engine) Manager() *chunkmem.Manager {
	return e.mgr
}

// Tracer returns the memory tracer of the engine.
func (e *Engine) Tracer() *tracer.Tracer {
	return e.trc
}

// Metronome returns the shared operator-boundary clock.
func (e *Engine) Metronome() *tracer.Metronome {
	return e.metronome
}

// Policy returns the placement policy of the engine.
func (e *Engine) Policy() chunkmem.PlacementPolicy {
	return e.policy
}

// Scheduler returns the communication scheduler, nil without a
// transport.
func (e *Engine) Scheduler() comm.Scheduler {
	return e.sched
}

// Start negotiates the communication mode with all peers, then starts
// the tracer, the event pump and the placement epoch loop. A mode
// mismatch between ranks is fatal.
func (e *Engine) Start(ctx context.Context) error {
	if e.transport != nil && e.cfg.World > 1 {
		if err := comm.Negotiate(ctx, e.transport, e.cfg.Communication.Mode); err != nil {
			return err
		}
	}

	e.trc.Start()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		chunkmem.PumpEvents(e.trc, e.mgr.Events(), e.stop)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.placementLoop()
	}()

	log.Info("rank %d/%d started: %s policy, %s sampling",
		e.cfg.Rank, e.cfg.World, e.policy.Name(), e.trc.Mode())

	return nil
}

// Stop stops the placement loop, the event pump and the tracer.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
	e.trc.Stop()
}

// EndWarmup transitions the placement policy to its steady state after
// the first full measurement pass and freezes the metronome's step
// length.
func (e *Engine) EndWarmup() error {
	e.metronome.EndWarmup()
	return e.policy.Start()
}

// placementLoop periodically asks the policy for a rebalancing plan
// against the latest usage snapshot and applies it.
func (e *Engine) placementLoop() {
	ticker := time.NewTicker(e.cfg.Partition.EpochPeriod.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if err := e.mgr.RunPlacementEpoch(e.trc.Snapshot()); err != nil {
				log.Error("placement epoch failed: %v", err)
			}
		}
	}
}
