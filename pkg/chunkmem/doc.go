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

// Package chunkmem implements chunk-based tensor memory management
// for large-model training across heterogeneous memory tiers.
//
// Tensors are packed as payloads into fixed-capacity chunks, the unit
// of allocation, movement and communication. The Manager decides at
// runtime where each chunk physically resides, consulting a bounded
// recycling cache before requesting fresh device memory and a
// placement policy for budgets and relocation. Every allocate,
// release and move emits a memory-delta event consumed by the runtime
// memory tracer, whose headroom estimates in turn drive dynamic
// placement decisions.
//
// The overall flow is
//
//	tracer -> placement policy -> manager <-> cache -> comm scheduler
//
// with the compute layer above resolving payload locations before
// every operation, and device allocation and collective transfer
// primitives provided as capabilities from below.
package chunkmem
