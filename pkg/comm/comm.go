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

// Package comm implements the chunk communication schedulers. A group
// of chunks is reduced and redistributed across ranks either with
// grouped collectives, trading peak scratch memory for overlap, or
// with the memory-saving sequential schedule, which caps scratch at a
// single chunk. The mode is negotiated once at initialization; a
// mismatch between ranks is fatal before any payload is exchanged.
package comm

import (
	"fmt"
	"strings"

	logger "github.com/tensormesh/chunkmem/pkg/log"
)

var log = logger.Get("comm")

// Mode selects the communication schedule for a run.
type Mode int

const (
	// Collective reduces and redistributes a whole chunk group with
	// grouped collectives. Scratch memory peaks at one chunk per group
	// member.
	Collective Mode = iota
	// MemorySaving reduces chunks one at a time in rank order and
	// broadcasts them sequentially. Scratch memory peaks at a single
	// chunk regardless of group size.
	MemorySaving
)

var (
	modeToString = map[Mode]string{
		Collective:   "collective",
		MemorySaving: "memory-saving",
	}
	stringToMode = map[string]Mode{
		"collective":    Collective,
		"memory-saving": MemorySaving,
	}
)

// ParseMode parses the given string into a communication mode.
func ParseMode(str string) (Mode, error) {
	if m, ok := stringToMode[strings.ToLower(str)]; ok {
		return m, nil
	}

	return 0, fmt.Errorf("comm: unknown communication mode %q", str)
}

// String returns a string representation of the mode.
func (m Mode) String() string {
	if str, ok := modeToString[m]; ok {
		return str
	}

	return fmt.Sprintf("%%!(comm:Bad-Mode %d)", m)
}

// MarshalJSON is the json.Marshaller for Mode.
func (m Mode) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON is the json.Unmarshaller for Mode.
func (m *Mode) UnmarshalJSON(data []byte) error {
	str := strings.Trim(string(data), `"`)
	parsed, err := ParseMode(str)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
