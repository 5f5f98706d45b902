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

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logger "github.com/tensormesh/chunkmem/pkg/log"
	"github.com/tensormesh/chunkmem/pkg/mem"
)

var log = logger.Get("tracer")

// Mode selects the sampling strategy of a tracer.
type Mode int

const (
	// Synchronous sampling takes a sample at every operator boundary.
	Synchronous Mode = iota
	// Asynchronous sampling polls memory counters from a background
	// goroutine at a fixed interval.
	Asynchronous
)

// String returns a string representation of the sampling mode.
func (m Mode) String() string {
	switch m {
	case Synchronous:
		return "synchronous"
	case Asynchronous:
		return "asynchronous"
	}
	return fmt.Sprintf("%%!(tracer:Bad-Mode %d)", m)
}

// DefaultInterval is the default asynchronous sampling interval.
const DefaultInterval = 10 * time.Millisecond

// historyLimit caps the retained sample history.
const historyLimit = 4096

// Source provides read-only access to per-device memory counters.
// mem.Allocator satisfies it.
type Source interface {
	Usage(dev mem.Device) (mem.Usage, error)
}

// Snapshot is an immutable usage-stats value produced by the tracer.
// The latest snapshot is the sole input the dynamic partition policy
// uses for its decisions.
type Snapshot struct {
	Time   time.Time
	Moment int64
	Usage  map[mem.Device]mem.Usage
}

// Headroom returns free capacity as a fraction of total capacity on
// the given device tier.
func (s *Snapshot) Headroom(dev mem.Device) float64 {
	if s == nil {
		return 0
	}
	return s.Usage[dev].Headroom()
}

// Used returns the used bytes on the given device tier.
func (s *Snapshot) Used(dev mem.Device) int64 {
	if s == nil {
		return 0
	}
	return s.Usage[dev].Used
}

// Free returns the free bytes on the given device tier.
func (s *Snapshot) Free(dev mem.Device) int64 {
	if s == nil {
		return 0
	}
	return s.Usage[dev].Free()
}

// Tracer produces a time series of per-device memory usage. It never
// takes an exclusive lock on chunk state and never blocks the
// manager's critical path: the latest snapshot is published by
// atomically swapping an immutable value.
type Tracer struct {
	source    Source
	metronome *Metronome
	mode      Mode
	interval  time.Duration
	snap      atomic.Pointer[Snapshot]
	degraded  atomic.Bool
	accounted [2]atomic.Int64 // event-driven accounting, indexed by device

	historyMu sync.Mutex
	history   []Snapshot

	started  atomic.Bool
	stopOnce sync.Once
	doneOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option is an opaque option for a Tracer.
type Option func(*Tracer) error

// WithAsyncSampling selects asynchronous sampling with the given
// polling interval.
func WithAsyncSampling(interval time.Duration) Option {
	return func(t *Tracer) error {
		if interval <= 0 {
			return fmt.Errorf("non-positive sampling interval %v", interval)
		}
		t.mode = Asynchronous
		t.interval = interval
		return nil
	}
}

// WithMetronome attaches an externally shared metronome.
func WithMetronome(m *Metronome) Option {
	return func(t *Tracer) error {
		t.metronome = m
		return nil
	}
}

// NewTracer creates a tracer over the given counter source. The
// default sampling mode is synchronous.
func NewTracer(source Source, options ...Option) (*Tracer, error) {
	t := &Tracer{
		source:   source,
		mode:     Synchronous,
		interval: DefaultInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, o := range options {
		if err := o(t); err != nil {
			return nil, fmt.Errorf("tracer: failed to apply option: %w", err)
		}
	}

	if t.metronome == nil {
		t.metronome = NewMetronome()
	}

	t.sample()

	return t, nil
}

// Mode returns the effective sampling mode, accounting for
// degradation of asynchronous sampling.
func (t *Tracer) Mode() Mode {
	if t.degraded.Load() {
		return Synchronous
	}
	return t.mode
}

// Degraded returns whether asynchronous sampling has fallen back to
// synchronous sampling after a counter read failure.
func (t *Tracer) Degraded() bool {
	return t.degraded.Load()
}

// Metronome returns the operator-boundary clock of the tracer.
func (t *Tracer) Metronome() *Metronome {
	return t.metronome
}

// Start launches the background sampler in asynchronous mode. It is a
// no-op in synchronous mode.
func (t *Tracer) Start() {
	t.started.Store(true)

	if t.mode != Asynchronous {
		t.doneOnce.Do(func() { close(t.done) })
		return
	}

	log.Info("starting %s sampler with %v interval", t.mode, t.interval)

	go func() {
		defer t.doneOnce.Do(func() { close(t.done) })
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				if !t.sample() {
					// degrade to operator-boundary sampling
					return
				}
			}
		}
	}()
}

// Stop stops the background sampler, if any. It is safe on a tracer
// that was never started.
func (t *Tracer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	if !t.started.Load() {
		t.doneOnce.Do(func() { close(t.done) })
	}
	<-t.done
}

// OperatorBoundary is the synchronous sampling hook. The compute
// layer calls it immediately before and after each operation that may
// alter memory usage. It also advances the metronome.
func (t *Tracer) OperatorBoundary() {
	t.metronome.Tick()
	if t.Mode() == Synchronous {
		t.sample()
	}
}

// Snapshot returns the most recent usage snapshot. Asynchronous
// samples may be stale by up to one interval.
func (t *Tracer) Snapshot() *Snapshot {
	return t.snap.Load()
}

// Account applies a memory-delta event emitted by the manager. This
// event-driven accounting complements sampling and is exact even
// between samples.
func (t *Tracer) Account(dev mem.Device, delta int64) {
	if int(dev) >= 0 && int(dev) < len(t.accounted) {
		t.accounted[dev].Add(delta)
	}
}

// Accounted returns the net accounted bytes for the given device.
func (t *Tracer) Accounted(dev mem.Device) int64 {
	if int(dev) < 0 || int(dev) >= len(t.accounted) {
		return 0
	}
	return t.accounted[dev].Load()
}

// AverageUsage returns the mean sampled usage of the given device
// over the retained history.
func (t *Tracer) AverageUsage(dev mem.Device) float64 {
	t.historyMu.Lock()
	defer t.historyMu.Unlock()

	if len(t.history) == 0 {
		return 0
	}

	var sum int64
	for _, s := range t.history {
		sum += s.Usage[dev].Used
	}
	return float64(sum) / float64(len(t.history))
}

// sample reads the memory counters and publishes a fresh snapshot.
// It returns false if a counter read failed, in which case the tracer
// degrades to synchronous sampling instead of aborting.
func (t *Tracer) sample() bool {
	usage := make(map[mem.Device]mem.Usage, 2)
	for _, dev := range mem.Devices() {
		u, err := t.source.Usage(dev)
		if err != nil {
			if t.mode == Asynchronous && t.degraded.CompareAndSwap(false, true) {
				log.Warn("counter read failed (%v), falling back to %s sampling",
					err, Synchronous)
			}
			return false
		}
		usage[dev] = u
	}

	snap := &Snapshot{
		Time:   time.Now(),
		Moment: t.metronome.Moment(),
		Usage:  usage,
	}
	t.snap.Store(snap)

	t.historyMu.Lock()
	if len(t.history) >= historyLimit {
		t.history = t.history[len(t.history)/2:]
	}
	t.history = append(t.history, *snap)
	t.historyMu.Unlock()

	return true
}
