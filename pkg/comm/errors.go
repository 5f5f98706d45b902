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

package comm

import "fmt"

var (
	// ErrModeMismatch is returned by Negotiate when peers disagree on
	// the communication mode.
	ErrModeMismatch = fmt.Errorf("comm: communication mode mismatch")
	// ErrInvalidRank is returned when a rank is outside the world.
	ErrInvalidRank = fmt.Errorf("comm: invalid rank")
	// ErrInvalidGroup is returned when a chunk group does not match
	// the world size or its buffers disagree in length.
	ErrInvalidGroup = fmt.Errorf("comm: invalid chunk group")
	// ErrClosed is returned on operations over a closed transport.
	ErrClosed = fmt.Errorf("comm: transport closed")
)
