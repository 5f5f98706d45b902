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

// Package partition implements the placement policy backends of the
// chunk memory manager. A backend is selected once at configuration
// time: Dynamic continuously rebalances chunks between tiers from the
// tracer's headroom estimates, Static fixes an accelerator memory
// ceiling during warmup and never moves chunks afterwards.
package partition

import (
	"fmt"
	"sync"

	logger "github.com/tensormesh/chunkmem/pkg/log"
)

var log = logger.Get("partition")

// State represents the lifecycle of a policy backend.
type State int

const (
	// StateWarmup is the initial measurement phase.
	StateWarmup State = iota
	// StateSteady is the post-warmup steady state. The transition
	// occurs once and is irreversible for the run.
	StateSteady
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateWarmup:
		return "Warmup"
	case StateSteady:
		return "SteadyState"
	}
	return fmt.Sprintf("%%!(partition:Bad-State %d)", s)
}

// ErrAlreadyStarted is returned by Start on a policy already in
// steady state.
var ErrAlreadyStarted = fmt.Errorf("partition: warmup already ended")

// base carries the warmup state machine shared by the backends.
type base struct {
	sync.Mutex
	state State
}

// InWarmup returns whether the policy is still in its warmup phase.
func (b *base) InWarmup() bool {
	b.Lock()
	defer b.Unlock()
	return b.state == StateWarmup
}

// State returns the lifecycle state of the policy.
func (b *base) State() State {
	b.Lock()
	defer b.Unlock()
	return b.state
}

func (b *base) endWarmup() error {
	b.Lock()
	defer b.Unlock()

	if b.state != StateWarmup {
		return ErrAlreadyStarted
	}
	b.state = StateSteady

	return nil
}
