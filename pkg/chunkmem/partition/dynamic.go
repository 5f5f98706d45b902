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

package partition

import (
	"fmt"
	"slices"
	"time"

	"github.com/tensormesh/chunkmem/pkg/chunkmem"
	"github.com/tensormesh/chunkmem/pkg/chunkmem/tracer"
	"github.com/tensormesh/chunkmem/pkg/mem"
)

const (
	// DefaultHeadroomThreshold is the accelerator headroom fraction
	// below which the dynamic policy evicts chunks to the host tier.
	DefaultHeadroomThreshold = 0.2
	// DefaultAmpleHeadroom is the accelerator headroom fraction above
	// which the dynamic policy opportunistically pulls chunks in.
	DefaultAmpleHeadroom = 0.4
)

// Dynamic is the continuously rebalancing placement policy. At each
// placement epoch it ranks chunks by next expected access (from the
// warmup trace, falling back to recency) and by device headroom, and
// moves chunks off the constrained tier until headroom clears the
// configured threshold, or onto it when headroom is ample. This is a
// heuristic, not an optimal solver; ties break by chunk creation
// order, oldest first.
type Dynamic struct {
	base
	threshold float64
	ample     float64
	metronome *tracer.Metronome
	accesses  map[accessKey][]int64
}

type accessKey struct {
	chunk chunkmem.Handle
	dev   mem.Device
}

var _ chunkmem.PlacementPolicy = &Dynamic{}

// DynamicOption is an opaque option for a Dynamic policy.
type DynamicOption func(*Dynamic) error

// WithHeadroomThresholds is an option to set the eviction and
// opportunistic pull-in headroom thresholds.
func WithHeadroomThresholds(evict, ample float64) DynamicOption {
	return func(p *Dynamic) error {
		if evict <= 0 || evict >= 1 || ample <= evict || ample > 1 {
			return fmt.Errorf("invalid headroom thresholds %v/%v", evict, ample)
		}
		p.threshold = evict
		p.ample = ample
		return nil
	}
}

// NewDynamic creates a dynamic placement policy sharing the given
// metronome with the tracer.
func NewDynamic(m *tracer.Metronome, options ...DynamicOption) (*Dynamic, error) {
	p := &Dynamic{
		threshold: DefaultHeadroomThreshold,
		ample:     DefaultAmpleHeadroom,
		metronome: m,
		accesses:  make(map[accessKey][]int64),
	}

	for _, o := range options {
		if err := o(p); err != nil {
			return nil, fmt.Errorf("dynamic policy: failed to apply option: %w", err)
		}
	}

	return p, nil
}

// Name gets the well-known name of this policy.
func (p *Dynamic) Name() string {
	return "dynamic"
}

// Description gives a verbose description about the policy implementation.
func (p *Dynamic) Description() string {
	return "continuous rebalancing by access recency and device headroom"
}

// Start ends the warmup phase after the first full measurement pass.
func (p *Dynamic) Start() error {
	if err := p.endWarmup(); err != nil {
		return err
	}

	log.Info("'%s' policy entering steady state with %d access traces",
		p.Name(), len(p.accesses))

	return nil
}

// NoteAccess records a chunk access. Traces are only collected during
// the warmup phase; afterwards they predict each chunk's next use.
func (p *Dynamic) NoteAccess(h chunkmem.Handle, dev mem.Device, moment int64) {
	if !p.InWarmup() {
		return
	}

	p.Lock()
	defer p.Unlock()

	key := accessKey{chunk: h, dev: dev}
	p.accesses[key] = append(p.accesses[key], moment)
}

// Admit never rejects an allocation; the dynamic policy relies on
// relocation instead of a fixed budget.
func (p *Dynamic) Admit(dev mem.Device, size int64, usage mem.Usage) error {
	return nil
}

// Plan produces placement decisions for one epoch from the tracer's
// most recent headroom estimate.
func (p *Dynamic) Plan(chunks []chunkmem.ChunkView, snap *tracer.Snapshot) []chunkmem.PlacementDecision {
	if snap == nil || p.InWarmup() {
		return nil
	}

	var (
		gpu      = mem.DeviceGPU
		usage    = snap.Usage[gpu]
		headroom = usage.Headroom()
		moment   = p.metronome.Moment()
	)

	switch {
	case headroom < p.threshold:
		// constrained: push the least useful chunks out until the
		// projected headroom clears the threshold
		need := int64(p.threshold*float64(usage.Capacity)) - usage.Free()
		return p.decisions(p.rankEvictable(chunks, gpu, moment), mem.DeviceCPU, need)

	case headroom > p.ample:
		// ample: pull the soonest needed host chunks in, keeping the
		// projected headroom above the eviction threshold
		room := usage.Free() - int64(p.threshold*float64(usage.Capacity))
		return p.decisions(p.rankPullable(chunks, mem.DeviceCPU, moment), gpu, room)
	}

	return nil
}

// Evict picks chunks to relocate off the given device to make the
// given room, farthest next use first.
func (p *Dynamic) Evict(chunks []chunkmem.ChunkView, dev mem.Device, need int64, moment int64) []chunkmem.Handle {
	var (
		picked []chunkmem.Handle
		freed  int64
	)

	for _, v := range p.rankEvictable(chunks, dev, moment) {
		picked = append(picked, v.Handle)
		freed += v.Capacity
		if freed >= need {
			return picked
		}
	}

	log.Warn("%s still needs %s, only %s of movable chunks found",
		dev, prettySize(need-freed), prettySize(freed))

	return picked
}

// nextUsedMoment predicts the next moment the chunk is needed on the
// device. During warmup every chunk has the same priority. A chunk
// never traced on the device is pushed out as far as possible.
func (p *Dynamic) nextUsedMoment(h chunkmem.Handle, dev mem.Device, moment int64) int64 {
	if p.InWarmup() {
		return 0
	}

	p.Lock()
	moments := p.accesses[accessKey{chunk: h, dev: dev}]
	p.Unlock()

	total := p.metronome.TotalMoments()
	if len(moments) == 0 {
		return 2 * total
	}

	for _, m := range moments {
		if m > moment {
			return m
		}
	}

	// wraps around into the next step
	return total + moments[0]
}

func (p *Dynamic) rankEvictable(chunks []chunkmem.ChunkView, dev mem.Device, moment int64) []chunkmem.ChunkView {
	var views []chunkmem.ChunkView
	for _, v := range chunks {
		if v.Device != dev || v.Pinned {
			continue
		}
		if v.Status != chunkmem.StatusReserved && v.Status != chunkmem.StatusFree {
			continue
		}
		views = append(views, v)
	}

	// farthest next use first, then least recently used, then oldest
	slices.SortFunc(views, func(v1, v2 chunkmem.ChunkView) int {
		if diff := p.nextUsedMoment(v2.Handle, dev, moment) - p.nextUsedMoment(v1.Handle, dev, moment); diff != 0 {
			return int(diff)
		}
		if diff := v1.LastAccess - v2.LastAccess; diff != 0 {
			return int(diff)
		}
		return int(v1.Created - v2.Created)
	})

	return views
}

func (p *Dynamic) rankPullable(chunks []chunkmem.ChunkView, dev mem.Device, moment int64) []chunkmem.ChunkView {
	var views []chunkmem.ChunkView
	for _, v := range chunks {
		if v.Device != dev || v.Pinned {
			continue
		}
		if v.Status != chunkmem.StatusReserved {
			continue
		}
		views = append(views, v)
	}

	// soonest next use on the accelerator first
	slices.SortFunc(views, func(v1, v2 chunkmem.ChunkView) int {
		if diff := p.nextUsedMoment(v1.Handle, mem.DeviceGPU, moment) - p.nextUsedMoment(v2.Handle, mem.DeviceGPU, moment); diff != 0 {
			return int(diff)
		}
		return int(v1.Created - v2.Created)
	})

	return views
}

func (p *Dynamic) decisions(views []chunkmem.ChunkView, target mem.Device, budget int64) []chunkmem.PlacementDecision {
	var (
		decisions []chunkmem.PlacementDecision
		moved     int64
		now       = time.Now()
	)

	for _, v := range views {
		if moved >= budget {
			break
		}
		decisions = append(decisions, chunkmem.PlacementDecision{
			Chunk:     v.Handle,
			Target:    target,
			Timestamp: now,
			Policy:    p.Name(),
		})
		moved += v.Capacity
	}

	return decisions
}

func prettySize(v int64) string {
	return chunkmem.HumanReadableSize(v)
}
