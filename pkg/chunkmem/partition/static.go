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

	"github.com/tensormesh/chunkmem/pkg/chunkmem"
	"github.com/tensormesh/chunkmem/pkg/chunkmem/tracer"
	"github.com/tensormesh/chunkmem/pkg/mem"
)

// DefaultDeviceRatio is the default accelerator memory ceiling of the
// static policy, as a fraction of device capacity.
const DefaultDeviceRatio = 0.8

// Static is the fixed-partition placement policy. During warmup it
// admits accelerator allocations up to a configured fraction of the
// device capacity and places the rest on the host. After warmup no
// chunks move; allocations over the ceiling fail with a partition
// budget error and the caller falls back to the host tier.
type Static struct {
	base
	ratio float64
}

var _ chunkmem.PlacementPolicy = &Static{}

// NewStatic creates a static placement policy with the given
// accelerator memory ratio.
func NewStatic(ratio float64) (*Static, error) {
	if ratio <= 0 || ratio > 1 {
		return nil, fmt.Errorf("static policy: invalid device ratio %v", ratio)
	}

	return &Static{ratio: ratio}, nil
}

// Name gets the well-known name of this policy.
func (p *Static) Name() string {
	return "static"
}

// Description gives a verbose description about the policy implementation.
func (p *Static) Description() string {
	return "fixed accelerator memory ceiling, no relocation after warmup"
}

// Start ends the warmup phase, freezing the placement.
func (p *Static) Start() error {
	if err := p.endWarmup(); err != nil {
		return err
	}

	log.Info("'%s' policy entering steady state, device ratio %v frozen",
		p.Name(), p.ratio)

	return nil
}

// NoteAccess is a no-op, the static policy keeps no access traces.
func (p *Static) NoteAccess(h chunkmem.Handle, dev mem.Device, moment int64) {
}

// Admit checks the allocation against the fixed accelerator ceiling.
// Host allocations are always admitted.
func (p *Static) Admit(dev mem.Device, size int64, usage mem.Usage) error {
	if dev != mem.DeviceGPU {
		return nil
	}

	limit := int64(p.ratio * float64(usage.Capacity))
	if usage.Used+size > limit {
		return fmt.Errorf("%w: %s + %s exceeds %s ceiling %s",
			chunkmem.ErrPartitionBudget, prettySize(usage.Used),
			prettySize(size), dev, prettySize(limit))
	}

	return nil
}

// Plan never relocates chunks; the partition is fixed for the run.
func (p *Static) Plan(chunks []chunkmem.ChunkView, snap *tracer.Snapshot) []chunkmem.PlacementDecision {
	return nil
}

// Evict returns no candidates. Under the static policy out-of-memory
// recovery proceeds directly to the host fallback.
func (p *Static) Evict(chunks []chunkmem.ChunkView, dev mem.Device, need int64, moment int64) []chunkmem.Handle {
	return nil
}
