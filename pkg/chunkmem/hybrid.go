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
	"fmt"
	"sync"

	"github.com/tensormesh/chunkmem/pkg/mem"
)

// SubRange is one contiguous piece of a hybrid-placed payload.
type SubRange struct {
	Device Device
	Offset int64
	Extent int64
}

// String returns a string representation of the sub-range.
func (r SubRange) String() string {
	return fmt.Sprintf("%s[%d:%d]", r.Device, r.Offset, r.Offset+r.Extent)
}

// HybridSplit splits an optimizer-state payload into two contiguous,
// non-overlapping sub-ranges: the leading one on the accelerator, the
// trailing one on the host. Their union exactly covers the payload
// extent. deviceRatio is the fraction of the extent kept on the
// accelerator; the split is aligned down to the element size.
func (m *Manager) HybridSplit(id PayloadID, deviceRatio float64) (device, host SubRange, err error) {
	if deviceRatio < 0 || deviceRatio > 1 {
		return SubRange{}, SubRange{}, fmt.Errorf("%w: hybrid device ratio %v out of [0, 1]",
			ErrInvalidPayload, deviceRatio)
	}

	m.Lock()
	defer m.Unlock()

	p, _, err := m.payloadLocked(id)
	if err != nil {
		return SubRange{}, SubRange{}, err
	}
	if p.kind != KindOptimState {
		return SubRange{}, SubRange{}, fmt.Errorf("%w: hybrid split of %s payload",
			ErrInvalidPayload, p.kind)
	}

	elem := p.dtype.Size()
	cut := (int64(deviceRatio*float64(p.extent)) / elem) * elem

	device = SubRange{Device: mem.DeviceGPU, Offset: p.offset, Extent: cut}
	host = SubRange{Device: mem.DeviceCPU, Offset: p.offset + cut, Extent: p.extent - cut}

	return device, host, nil
}

// UpdateFn applies an optimizer update to one sub-range on the device
// owning it.
type UpdateFn func(r SubRange) error

// RunHybridUpdate executes the update of both sub-ranges, each routed
// to the device owning it, and synchronizes before returning so both
// updates are visible to the next training step.
func RunHybridUpdate(device, host SubRange, update UpdateFn) error {
	var (
		wg      sync.WaitGroup
		hostErr error
	)

	if host.Extent > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hostErr = update(host)
		}()
	}

	var devErr error
	if device.Extent > 0 {
		devErr = update(device)
	}

	wg.Wait()

	if devErr != nil {
		return devErr
	}
	return hostErr
}
