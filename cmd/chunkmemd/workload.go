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

package main

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tensormesh/chunkmem/pkg/chunkmem"
	"github.com/tensormesh/chunkmem/pkg/comm"
	"github.com/tensormesh/chunkmem/pkg/config"
	"github.com/tensormesh/chunkmem/pkg/engine"
	"github.com/tensormesh/chunkmem/pkg/mem"
)

// Synthetic model dimensions, small enough to run comfortably on the
// simulated tiers.
const (
	vocabSize    = 1024
	hiddenSize   = 256
	layerCount   = 4
	learningRate = 0.01
	momentum     = 0.9
)

const modelGroup = chunkmem.GroupID(0)

// workload is the per-rank training simulation.
type workload struct {
	cfg    *config.Config
	alloc  *mem.SimAllocator
	engine *engine.Engine

	params []chunkmem.PayloadID
	optim  []chunkmem.PayloadID
	shapes [][]int
}

func newWorkload(cfg *config.Config, t comm.Transport) (*workload, error) {
	alloc := mem.NewSimAllocator(map[mem.Device]int64{
		mem.DeviceGPU: cfg.DeviceCapacity.Value(),
		mem.DeviceCPU: cfg.HostCapacity.Value(),
	})

	e, err := engine.New(cfg, alloc, t)
	if err != nil {
		return nil, err
	}

	return &workload{cfg: cfg, alloc: alloc, engine: e}, nil
}

func (w *workload) close() {
	w.engine.Stop()
}

// buildModel registers an embedding plus a stack of linear layers,
// with parallel optimizer state, and initializes the parameters
// reproducibly. Every rank registers the identical model in the
// identical order.
func (w *workload) buildModel() error {
	mgr := w.engine.Manager()

	id, err := mgr.RegisterTensor([]int{vocabSize, hiddenSize},
		chunkmem.Float32, chunkmem.KindEmbedding, modelGroup)
	if err != nil {
		return err
	}
	w.params = append(w.params, id)
	w.shapes = append(w.shapes, []int{vocabSize, hiddenSize})

	for layer := 0; layer < layerCount; layer++ {
		shape := []int{hiddenSize, hiddenSize}
		if w.cfg.Model.TiledLinear && w.cfg.Model.TileSplits > 1 {
			n := w.cfg.Model.TileSplits
			ids, err := mgr.RegisterLinear(hiddenSize, hiddenSize,
				chunkmem.Float32, modelGroup, n, n)
			if err != nil {
				return err
			}
			tile := []int{hiddenSize / n, hiddenSize / n}
			for _, id := range ids {
				w.params = append(w.params, id)
				w.shapes = append(w.shapes, tile)
			}
			continue
		}

		id, err := mgr.RegisterTensor(shape, chunkmem.Float32,
			chunkmem.KindParam, modelGroup)
		if err != nil {
			return err
		}
		w.params = append(w.params, id)
		w.shapes = append(w.shapes, shape)
	}

	for _, shape := range w.shapes {
		id, err := mgr.RegisterTensor(shape, chunkmem.Float32,
			chunkmem.KindOptimState, modelGroup)
		if err != nil {
			return err
		}
		w.optim = append(w.optim, id)
	}

	return mgr.InitParams(w.cfg.Model.Seed, w.cfg.Model.ReleaseRemoteAfterInit)
}

// step simulates one training step: forward and backward over every
// parameter, gradient reduction, optimizer update on owned chunks and
// parameter redistribution.
func (w *workload) step(ctx context.Context, step int) error {
	mgr := w.engine.Manager()
	trc := w.engine.Tracer()

	grads := make([]chunkmem.PayloadID, 0, len(w.params))
	for _, shape := range w.shapes {
		id, err := mgr.RegisterTensor(shape, chunkmem.Float32,
			chunkmem.KindGrad, modelGroup)
		if err != nil {
			return errors.Wrap(err, "gradient registration")
		}
		grads = append(grads, id)
	}

	for i, param := range w.params {
		trc.OperatorBoundary()

		pres, err := mgr.AccessTensor(param)
		if err != nil {
			if errors.Is(err, chunkmem.ErrInvalidPayload) {
				// released non-owned parameter chunk
				continue
			}
			return errors.Wrap(err, "parameter access")
		}
		gres, err := mgr.AccessTensor(grads[i])
		if err != nil {
			return errors.Wrap(err, "gradient access")
		}

		extent := int64(w.shapes[i][0]*w.shapes[i][1]) * 4
		pdata := pres.Float32s(extent)
		gdata := gres.Float32s(extent)
		for j := range gdata {
			gdata[j] = pdata[j] * learningRate
		}

		if err := mgr.EndAccess(grads[i]); err != nil {
			return err
		}
		if err := mgr.EndAccess(param); err != nil {
			return err
		}
	}

	if err := w.reduceGradients(ctx); err != nil {
		return err
	}
	if err := w.updateOwnedChunks(grads); err != nil {
		return err
	}
	if err := w.redistributeParams(ctx); err != nil {
		return err
	}

	if err := mgr.ReleaseKind(chunkmem.KindGrad); err != nil {
		return errors.Wrap(err, "gradient release")
	}

	if step == 0 {
		if err := w.engine.EndWarmup(); err != nil {
			return err
		}
	}
	w.engine.Metronome().ResetStep()

	return nil
}

func (w *workload) reduceGradients(ctx context.Context) error {
	sched := w.engine.Scheduler()
	if sched == nil || w.cfg.World == 1 {
		return nil
	}

	views, err := w.engine.Manager().GroupViews(chunkmem.KindGrad, modelGroup)
	if err != nil {
		return err
	}
	if len(views)%w.cfg.World != 0 {
		// partial trailing group, reduced next step
		return nil
	}

	return sched.ReduceScatter(ctx, views)
}

// updateOwnedChunks applies a momentum SGD update to every parameter
// payload held by a chunk this rank owns, splitting the optimizer
// state between the tiers when hybrid placement is enabled.
func (w *workload) updateOwnedChunks(grads []chunkmem.PayloadID) error {
	mgr := w.engine.Manager()

	for i, param := range w.params {
		h, err := mgr.PayloadChunk(param)
		if err != nil {
			return err
		}
		owner, err := mgr.ChunkOwner(h)
		if err != nil {
			return err
		}
		if w.cfg.World > 1 && owner != w.cfg.Rank {
			continue
		}

		if err := w.updatePayload(i, grads[i]); err != nil {
			if errors.Is(err, chunkmem.ErrInvalidPayload) {
				continue
			}
			return err
		}
	}

	return nil
}

func (w *workload) updatePayload(i int, grad chunkmem.PayloadID) error {
	mgr := w.engine.Manager()
	extent := int64(w.shapes[i][0]*w.shapes[i][1]) * 4

	pres, err := mgr.Resolve(w.params[i])
	if err != nil {
		return err
	}
	mres, err := mgr.Resolve(w.optim[i])
	if err != nil {
		return err
	}
	gres, err := mgr.Resolve(grad)
	if err != nil {
		return err
	}

	pdata := pres.Float32s(extent)
	mdata := mres.Float32s(extent)
	gdata := gres.Float32s(extent)

	update := func(r chunkmem.SubRange) error {
		lo := (r.Offset - mres.Offset) / 4
		hi := lo + r.Extent/4
		for j := lo; j < hi; j++ {
			mdata[j] = momentum*mdata[j] + gdata[j]
			pdata[j] -= learningRate * mdata[j]
		}
		return nil
	}

	if !w.cfg.Optimizer.Hybrid {
		return update(chunkmem.SubRange{
			Device: mres.Device, Offset: mres.Offset, Extent: extent,
		})
	}

	device, host, err := mgr.HybridSplit(w.optim[i], w.cfg.Optimizer.DeviceRatio)
	if err != nil {
		return err
	}

	return chunkmem.RunHybridUpdate(device, host, update)
}

func (w *workload) report() {
	var (
		mgr   = w.engine.Manager()
		stats = mgr.Stats()
		cache = mgr.Cache().Stats()
	)

	log.Info("rank %d: %d allocs (%d cache hits), %d releases, %d moves, %d OOM recoveries",
		w.cfg.Rank, stats.Allocs, stats.CacheHits, stats.Releases,
		stats.Moves, stats.OOMRecoveries)
	log.Info("rank %d: cache %d hits / %d misses / %d evictions",
		w.cfg.Rank, cache.Hits, cache.Misses, cache.Evictions)
	for _, dev := range mem.Devices() {
		log.Info("rank %d: %s resident %s", w.cfg.Rank, dev,
			chunkmem.HumanReadableSize(mgr.ResidentBytes(dev)))
	}
	if sched := w.engine.Scheduler(); sched != nil {
		log.Info("rank %d: %s communication, peak scratch %s",
			w.cfg.Rank, sched.Mode(),
			chunkmem.HumanReadableSize(sched.Pool().Peak()))
	}
}

func (w *workload) redistributeParams(ctx context.Context) error {
	sched := w.engine.Scheduler()
	if sched == nil || w.cfg.World == 1 {
		return nil
	}
	// released non-owned parameter chunks have no buffer to gather into
	if w.cfg.Model.ReleaseRemoteAfterInit {
		return nil
	}

	views, err := w.engine.Manager().GroupViews(chunkmem.KindParam, modelGroup)
	if err != nil {
		return err
	}
	if len(views)%w.cfg.World != 0 {
		return nil
	}

	return sched.AllGather(ctx, views, func(chunk int) {
		log.Debug("rank %d: parameter chunk %d redistributed", w.cfg.Rank, chunk)
	})
}
