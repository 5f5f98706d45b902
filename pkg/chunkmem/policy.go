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
	"github.com/tensormesh/chunkmem/pkg/chunkmem/tracer"
	"github.com/tensormesh/chunkmem/pkg/mem"
)

// ChunkView is the read-only view of a chunk exposed to placement
// policies.
type ChunkView struct {
	Handle     Handle
	Device     Device
	Status     ChunkStatus
	Kind       ChunkKind
	Capacity   int64
	Used       int64
	Pinned     bool
	Created    int64
	LastAccess int64
}

// PlacementPolicy is the decision making interface the manager
// consults for chunk placement. Backends are selected once at
// configuration time and never switched mid-run.
type PlacementPolicy interface {
	// Name gets the well-known name of this policy.
	Name() string
	// Description gives a verbose description about the policy implementation.
	Description() string
	// Start ends the warmup phase of the policy after the first full
	// measurement pass. The transition is irreversible for the run.
	Start() error
	// InWarmup returns whether the policy is still in its warmup phase.
	InWarmup() bool
	// NoteAccess records a chunk access for recency and next-use tracking.
	NoteAccess(h Handle, dev Device, moment int64)
	// Admit checks whether a fresh allocation of the given size on the
	// given device would violate the policy's placement budget.
	Admit(dev Device, size int64, usage mem.Usage) error
	// Plan produces placement decisions for one placement epoch, using
	// the tracer's most recent headroom estimate.
	Plan(chunks []ChunkView, snap *tracer.Snapshot) []PlacementDecision
	// Evict picks chunks to relocate off the given device to make the
	// given room, for out-of-memory recovery. The returned chunks are
	// ordered most-evictable first.
	Evict(chunks []ChunkView, dev Device, need int64, moment int64) []Handle
}
