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

package tracer

import "sync/atomic"

// Metronome is the operator-boundary clock of a training run. Each
// compute operator advances it by one moment. The first full pass over
// the model is the warmup phase; ending warmup freezes the total
// moment count used to predict future chunk accesses.
type Metronome struct {
	moment atomic.Int64
	total  atomic.Int64
	warmup atomic.Bool
}

// NewMetronome returns a metronome in the warmup phase.
func NewMetronome() *Metronome {
	m := &Metronome{}
	m.warmup.Store(true)
	return m
}

// Tick advances the metronome by one moment and returns the new moment.
func (m *Metronome) Tick() int64 {
	return m.moment.Add(1)
}

// Moment returns the current moment.
func (m *Metronome) Moment() int64 {
	return m.moment.Load()
}

// IsWarmup returns whether the run is still in its warmup phase.
func (m *Metronome) IsWarmup() bool {
	return m.warmup.Load()
}

// EndWarmup ends the warmup phase, freezing the total moment count of
// one full pass. The transition is irreversible for the run.
func (m *Metronome) EndWarmup() {
	if m.warmup.CompareAndSwap(true, false) {
		m.total.Store(m.moment.Load())
	}
}

// TotalMoments returns the moment count of one full pass, zero while
// still in warmup.
func (m *Metronome) TotalMoments() int64 {
	return m.total.Load()
}

// ResetStep rewinds the moment counter at a step boundary, keeping the
// frozen total intact.
func (m *Metronome) ResetStep() {
	m.moment.Store(0)
}
