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

import "fmt"

var (
	ErrOutOfMemory     = fmt.Errorf("chunkmem: out of device memory")
	ErrChunkBusy       = fmt.Errorf("chunkmem: chunk busy in compute")
	ErrMoveConflict    = fmt.Errorf("chunkmem: chunk move already in flight")
	ErrPartitionBudget = fmt.Errorf("chunkmem: partition budget exceeded")
	ErrInvalidHandle   = fmt.Errorf("chunkmem: invalid chunk handle")
	ErrInvalidPayload  = fmt.Errorf("chunkmem: invalid payload handle")
	ErrInvalidStatus   = fmt.Errorf("chunkmem: invalid chunk status transition")
	ErrChunkOverflow   = fmt.Errorf("chunkmem: payload extents exceed chunk capacity")
	ErrActiveRefs      = fmt.Errorf("chunkmem: chunk has unretired payload references")
	ErrFailedOption    = fmt.Errorf("chunkmem: failed to apply option")
	ErrInternalError   = fmt.Errorf("chunkmem: internal error")
)
