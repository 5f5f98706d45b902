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

package mem

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Device represents the known device memory tiers.
type Device int

const (
	DeviceCPU Device = iota // host memory tier
	DeviceGPU               // accelerator memory tier
)

var (
	deviceToString = map[Device]string{
		DeviceCPU: "CPU",
		DeviceGPU: "GPU",
	}
	stringToDevice = map[string]Device{
		"CPU": DeviceCPU,
		"GPU": DeviceGPU,
	}
)

// Devices lists all known device tiers.
func Devices() []Device {
	return []Device{DeviceCPU, DeviceGPU}
}

// ParseDevice parses the given string into a device tier.
func ParseDevice(str string) (Device, error) {
	if d, ok := stringToDevice[strings.ToUpper(str)]; ok {
		return d, nil
	}

	return 0, fmt.Errorf("%w: %q", ErrInvalidDevice, str)
}

// MustParseDevice parses the given string into a device tier.
// It panicks on failure.
func MustParseDevice(str string) Device {
	d, err := ParseDevice(str)
	if err == nil {
		return d
	}

	panic(err)
}

// IsValid returns true if the device tier is valid/known.
func (d Device) IsValid() bool {
	_, ok := deviceToString[d]
	return ok
}

// Opposite returns the other device tier. Chunks evicted from one
// tier land on the opposite one.
func (d Device) Opposite() Device {
	if d == DeviceGPU {
		return DeviceCPU
	}
	return DeviceGPU
}

// String returns a string representation of the device tier.
func (d Device) String() string {
	if str, ok := deviceToString[d]; ok {
		return str
	}

	return fmt.Sprintf("%%!(mem:Bad-Device %d)", d)
}

// MarshalJSON is the json.Marshaller for Device.
func (d Device) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON is the json.Unmarshaller for Device.
func (d *Device) UnmarshalJSON(data []byte) error {
	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDevice, err)
	}

	parsed, ok := stringToDevice[strings.ToUpper(str)]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidDevice, str)
	}

	*d = parsed
	return nil
}
