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

import "fmt"

var (
	ErrInvalidDevice = fmt.Errorf("mem: invalid device tier")
	ErrInvalidSize   = fmt.Errorf("mem: invalid allocation size")
	ErrCapacity      = fmt.Errorf("mem: insufficient device memory")
	ErrFreedBuffer   = fmt.Errorf("mem: buffer already freed")
	ErrCounterRead   = fmt.Errorf("mem: failed to read memory counters")
)
