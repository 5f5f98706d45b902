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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tensormesh/chunkmem/pkg/mem"
)

// fakeSource is a settable counter source that can be made to fail.
type fakeSource struct {
	sync.Mutex
	used map[mem.Device]int64
	fail bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{used: map[mem.Device]int64{}}
}

func (s *fakeSource) set(dev mem.Device, used int64) {
	s.Lock()
	defer s.Unlock()
	s.used[dev] = used
}

func (s *fakeSource) setFail(fail bool) {
	s.Lock()
	defer s.Unlock()
	s.fail = fail
}

func (s *fakeSource) Usage(dev mem.Device) (mem.Usage, error) {
	s.Lock()
	defer s.Unlock()

	if s.fail {
		return mem.Usage{}, fmt.Errorf("counter read failed")
	}
	return mem.Usage{Device: dev, Capacity: 1 << 30, Used: s.used[dev]}, nil
}

func TestSynchronousSamplingAtOperatorBoundaries(t *testing.T) {
	source := newFakeSource()
	trc, err := NewTracer(source)
	require.NoError(t, err)
	trc.Start()
	defer trc.Stop()

	require.Equal(t, Synchronous, trc.Mode())

	source.set(mem.DeviceGPU, 512<<20)
	trc.OperatorBoundary()

	snap := trc.Snapshot()
	require.NotNil(t, snap)
	require.Equal(t, int64(512<<20), snap.Used(mem.DeviceGPU))
	require.Equal(t, int64(1), snap.Moment)

	// between boundaries the snapshot stays put
	source.set(mem.DeviceGPU, 256<<20)
	require.Equal(t, int64(512<<20), trc.Snapshot().Used(mem.DeviceGPU))

	trc.OperatorBoundary()
	require.Equal(t, int64(256<<20), trc.Snapshot().Used(mem.DeviceGPU))
}

func TestAsynchronousSamplingConverges(t *testing.T) {
	source := newFakeSource()
	trc, err := NewTracer(source, WithAsyncSampling(time.Millisecond))
	require.NoError(t, err)
	trc.Start()
	defer trc.Stop()

	require.Equal(t, Asynchronous, trc.Mode())

	source.set(mem.DeviceGPU, 128<<20)
	require.Eventually(t, func() bool {
		return trc.Snapshot().Used(mem.DeviceGPU) == 128<<20
	}, time.Second, time.Millisecond)

	// async boundaries only tick the metronome
	moment := trc.Metronome().Moment()
	trc.OperatorBoundary()
	require.Equal(t, moment+1, trc.Metronome().Moment())
}

func TestStopWithoutStartReturns(t *testing.T) {
	source := newFakeSource()
	trc, err := NewTracer(source, WithAsyncSampling(time.Millisecond))
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		trc.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a tracer that was never started")
	}
}

func TestAsynchronousDegradesToSynchronous(t *testing.T) {
	source := newFakeSource()
	trc, err := NewTracer(source, WithAsyncSampling(time.Millisecond))
	require.NoError(t, err)
	trc.Start()
	defer trc.Stop()

	source.setFail(true)
	require.Eventually(t, trc.Degraded, time.Second, time.Millisecond)
	require.Equal(t, Synchronous, trc.Mode())

	// degraded tracers sample at operator boundaries again
	source.setFail(false)
	source.set(mem.DeviceGPU, 64<<20)
	trc.OperatorBoundary()
	require.Equal(t, int64(64<<20), trc.Snapshot().Used(mem.DeviceGPU))
}

func TestSnapshotIsImmutable(t *testing.T) {
	source := newFakeSource()
	source.set(mem.DeviceGPU, 1<<20)
	trc, err := NewTracer(source)
	require.NoError(t, err)

	before := trc.Snapshot()
	saved := *before

	source.set(mem.DeviceGPU, 2<<20)
	trc.OperatorBoundary()

	require.Empty(t, cmp.Diff(saved.Usage, before.Usage))
	require.NotSame(t, before, trc.Snapshot())
}

func TestEventAccounting(t *testing.T) {
	source := newFakeSource()
	trc, err := NewTracer(source)
	require.NoError(t, err)

	trc.Account(mem.DeviceGPU, 1<<20)
	trc.Account(mem.DeviceGPU, 1<<20)
	trc.Account(mem.DeviceGPU, -(1 << 20))
	trc.Account(mem.DeviceCPU, 1<<10)

	require.Equal(t, int64(1<<20), trc.Accounted(mem.DeviceGPU))
	require.Equal(t, int64(1<<10), trc.Accounted(mem.DeviceCPU))
}

func TestMetronome(t *testing.T) {
	m := NewMetronome()
	require.True(t, m.IsWarmup())
	require.Zero(t, m.TotalMoments())

	for i := 0; i < 5; i++ {
		m.Tick()
	}
	require.Equal(t, int64(5), m.Moment())

	m.EndWarmup()
	require.False(t, m.IsWarmup())
	require.Equal(t, int64(5), m.TotalMoments())

	// the frozen total survives further ticks and step resets
	m.Tick()
	m.EndWarmup()
	require.Equal(t, int64(5), m.TotalMoments())

	m.ResetStep()
	require.Zero(t, m.Moment())
	require.Equal(t, int64(5), m.TotalMoments())
}

func TestAverageUsage(t *testing.T) {
	source := newFakeSource()
	trc, err := NewTracer(source)
	require.NoError(t, err)

	source.set(mem.DeviceGPU, 2<<20)
	trc.OperatorBoundary()
	source.set(mem.DeviceGPU, 4<<20)
	trc.OperatorBoundary()

	// samples: 0 (initial), 2M, 4M
	require.Equal(t, float64(2<<20), trc.AverageUsage(mem.DeviceGPU))
}

func TestSamplingModesAgreeOnSteadyStateAverage(t *testing.T) {
	source := newFakeSource()
	source.set(mem.DeviceGPU, 512<<20)

	syncTrc, err := NewTracer(source)
	require.NoError(t, err)
	syncTrc.Start()
	defer syncTrc.Stop()
	for i := 0; i < 16; i++ {
		syncTrc.OperatorBoundary()
	}

	asyncTrc, err := NewTracer(source, WithAsyncSampling(time.Millisecond))
	require.NoError(t, err)
	asyncTrc.Start()
	require.Eventually(t, func() bool {
		return asyncTrc.Snapshot().Used(mem.DeviceGPU) == 512<<20
	}, time.Second, time.Millisecond)
	asyncTrc.Stop()

	// under steady-state usage both modes settle on the same average
	require.InDelta(t, syncTrc.AverageUsage(mem.DeviceGPU),
		asyncTrc.AverageUsage(mem.DeviceGPU), float64(1<<20))
}
