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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tensormesh/chunkmem/pkg/mem"
)

type (
	// Device is the device tier a chunk resides on.
	Device = mem.Device
)

// Handle is the opaque identity of a chunk within a manager.
type Handle int

// InvalidHandle is the handle of no chunk.
const InvalidHandle Handle = -1

// GroupID identifies the communication group a chunk belongs to.
type GroupID int

// ChunkStatus represents the lifecycle states of a chunk.
type ChunkStatus int

const (
	StatusFree        ChunkStatus = iota // allocated, no payloads attached
	StatusReserved                       // holds payloads, not referenced by compute
	StatusCompute                        // referenced by in-flight compute
	StatusMovePending                    // cross-tier copy in progress
	StatusReleased                       // buffer handed back, handle retired
)

var statusToString = map[ChunkStatus]string{
	StatusFree:        "Free",
	StatusReserved:    "Reserved",
	StatusCompute:     "Compute",
	StatusMovePending: "MovePending",
	StatusReleased:    "Released",
}

// String returns a string representation of the chunk status.
func (s ChunkStatus) String() string {
	if str, ok := statusToString[s]; ok {
		return str
	}

	return fmt.Sprintf("%%!(chunkmem:Bad-Status %d)", s)
}

// validTransitions lists the allowed sequential status transitions
// per chunk. A chunk in Compute may neither move nor be released.
var validTransitions = map[ChunkStatus][]ChunkStatus{
	StatusFree:        {StatusReserved, StatusMovePending, StatusReleased},
	StatusReserved:    {StatusFree, StatusCompute, StatusMovePending, StatusReleased},
	StatusCompute:     {StatusReserved},
	StatusMovePending: {StatusFree, StatusReserved},
	StatusReleased:    {},
}

// CanTransition returns true if the status may transition to the given one.
func (s ChunkStatus) CanTransition(to ChunkStatus) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ChunkKind represents the kinds of tensor data a chunk can hold.
type ChunkKind int

const (
	KindParam      ChunkKind = iota // model weights
	KindGrad                        // gradients, released at end of step
	KindOptimState                  // optimizer state
	KindActivation                  // checkpointed activations
	KindEmbedding                   // embedding weights, host-placeable
)

var (
	kindToString = map[ChunkKind]string{
		KindParam:      "param",
		KindGrad:       "grad",
		KindOptimState: "optim-state",
		KindActivation: "activation",
		KindEmbedding:  "embedding",
	}
	stringToKind = map[string]ChunkKind{
		"param":       KindParam,
		"grad":        KindGrad,
		"optim-state": KindOptimState,
		"activation":  KindActivation,
		"embedding":   KindEmbedding,
	}
)

// ParseKind parses the given string into a chunk kind.
func ParseKind(str string) (ChunkKind, error) {
	if k, ok := stringToKind[strings.ToLower(str)]; ok {
		return k, nil
	}

	return 0, fmt.Errorf("%w: unknown chunk kind %q", ErrInternalError, str)
}

// String returns a string representation of the chunk kind.
func (k ChunkKind) String() string {
	if str, ok := kindToString[k]; ok {
		return str
	}

	return fmt.Sprintf("%%!(chunkmem:Bad-Kind %d)", k)
}

// MarshalJSON is the json.Marshaller for ChunkKind.
func (k ChunkKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON is the json.Unmarshaller for ChunkKind.
func (k *ChunkKind) UnmarshalJSON(data []byte) error {
	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	parsed, err := ParseKind(str)
	if err != nil {
		return err
	}

	*k = parsed
	return nil
}

// DType represents the element type of a tensor payload.
type DType int

const (
	Float16 DType = iota
	Float32
)

// Size returns the element size of the dtype in bytes.
func (t DType) Size() int64 {
	switch t {
	case Float16:
		return 2
	case Float32:
		return 4
	}
	return 0
}

// String returns a string representation of the dtype.
func (t DType) String() string {
	switch t {
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	}
	return fmt.Sprintf("%%!(chunkmem:Bad-DType %d)", t)
}

// minSizeClass is the smallest recycling size class.
const minSizeClass = 64 << 10

// SizeClassFor buckets the given capacity into its recycling size
// class, the next power of two at or above the capacity.
func SizeClassFor(size int64) int64 {
	class := int64(minSizeClass)
	for class < size {
		class <<= 1
	}
	return class
}

// PlacementDecision is a partition policy verdict for one chunk.
type PlacementDecision struct {
	Chunk     Handle
	Target    Device
	Timestamp time.Time
	Policy    string
}

// String returns a string representation of the placement decision.
func (d PlacementDecision) String() string {
	return fmt.Sprintf("move chunk #%d to %s (by %s)", d.Chunk, d.Target, d.Policy)
}
