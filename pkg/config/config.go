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

// Package config defines the run configuration of the chunk memory
// manager, loaded from YAML. Unknown fields are rejected; omitted
// fields get their documented defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/tensormesh/chunkmem/pkg/comm"
)

// Defaults for omitted configuration fields.
const (
	DefaultChunkSize       = "32Mi"
	DefaultCacheCapacity   = 2
	DefaultDeviceRatio     = 0.8
	DefaultMonitorInterval = 10 * time.Millisecond
	DefaultHybridRatio     = 0.5
	DefaultPlacementPeriod = 250 * time.Millisecond
	DefaultHeadroomEvict   = 0.2
	DefaultHeadroomAmple   = 0.4
)

// Config is the run configuration of the chunk memory manager.
type Config struct {
	// ChunkSize is the capacity of every chunk.
	ChunkSize resource.Quantity `json:"chunkSize,omitempty"`
	// DeviceCapacity caps the simulated accelerator tier.
	DeviceCapacity resource.Quantity `json:"deviceCapacity,omitempty"`
	// HostCapacity caps the simulated host tier.
	HostCapacity resource.Quantity `json:"hostCapacity,omitempty"`

	// Rank is the rank of this process, World the number of ranks.
	Rank  int `json:"rank"`
	World int `json:"world,omitempty"`

	// Cache configures the chunk recycling cache.
	Cache CacheConfig `json:"cache,omitempty"`
	// Partition selects and tunes the placement policy.
	Partition PartitionConfig `json:"partition,omitempty"`
	// Monitor configures the runtime memory tracer.
	Monitor MonitorConfig `json:"monitor,omitempty"`
	// Communication configures the chunk communication scheduler.
	Communication CommConfig `json:"communication,omitempty"`
	// Optimizer configures hybrid optimizer state placement.
	Optimizer OptimizerConfig `json:"optimizer,omitempty"`
	// Model configures model-level placement features.
	Model ModelConfig `json:"model,omitempty"`
}

// CacheConfig configures the chunk recycling cache.
type CacheConfig struct {
	// Enable turns the recycling cache on.
	Enable bool `json:"enable"`
	// Capacity is the number of retained buffers per device and size
	// class.
	Capacity int `json:"capacity,omitempty"`
}

// PartitionConfig selects and tunes the placement policy.
type PartitionConfig struct {
	// Static selects the fixed-partition policy over the dynamic one.
	Static bool `json:"static,omitempty"`
	// WarmupDeviceRatio is the accelerator memory ceiling of the
	// static policy, as a fraction of device capacity.
	WarmupDeviceRatio float64 `json:"warmupDeviceRatio,omitempty"`
	// HeadroomEvict is the headroom fraction below which the dynamic
	// policy evicts, HeadroomAmple the fraction above which it pulls
	// chunks back in.
	HeadroomEvict float64 `json:"headroomEvict,omitempty"`
	HeadroomAmple float64 `json:"headroomAmple,omitempty"`
	// EpochPeriod is the placement epoch period.
	EpochPeriod metav1.Duration `json:"epochPeriod,omitempty"`
	// HostFallback enables falling back to the host tier when the
	// accelerator budget or memory is exhausted.
	HostFallback bool `json:"hostFallback,omitempty"`
}

// MonitorConfig configures the runtime memory tracer.
type MonitorConfig struct {
	// Async samples memory counters on a background ticker instead of
	// at operator boundaries.
	Async bool `json:"async,omitempty"`
	// Interval is the async sampling interval.
	Interval metav1.Duration `json:"interval,omitempty"`
}

// CommConfig configures the chunk communication scheduler.
type CommConfig struct {
	// Mode is the communication schedule, negotiated across ranks.
	Mode comm.Mode `json:"mode,omitempty"`
}

// OptimizerConfig configures hybrid optimizer state placement.
type OptimizerConfig struct {
	// Hybrid splits optimizer state chunks into device and host
	// sub-ranges updated concurrently.
	Hybrid bool `json:"hybrid,omitempty"`
	// DeviceRatio is the fraction of each split chunk updated on the
	// accelerator.
	DeviceRatio float64 `json:"deviceRatio,omitempty"`
}

// ModelConfig configures model-level placement features.
type ModelConfig struct {
	// Checkpointing marks activation checkpointing as enabled in the
	// surrounding training loop.
	Checkpointing bool `json:"checkpointing,omitempty"`
	// ActivationOffload offloads checkpointed activations to the host
	// tier. Requires Checkpointing.
	ActivationOffload bool `json:"activationOffload,omitempty"`
	// HostEmbedding places embedding weights on the host tier.
	HostEmbedding bool `json:"hostEmbedding,omitempty"`
	// TiledLinear registers large linear layers as tiles.
	TiledLinear bool `json:"tiledLinear,omitempty"`
	// TileSplits is the number of tiles per dimension for tiled
	// linear registration.
	TileSplits int `json:"tileSplits,omitempty"`
	// ReleaseRemoteAfterInit releases non-owned chunks after
	// reproducible initialization.
	ReleaseRemoteAfterInit bool `json:"releaseRemoteAfterInit,omitempty"`
	// Seed seeds reproducible parameter initialization.
	Seed int64 `json:"seed,omitempty"`
}

// Default returns the default configuration for a single-rank run.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Read reads and validates a configuration from the given file.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %q: %w", path, err)
	}

	return Parse(data)
}

// Parse parses and validates a configuration from the given YAML data.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse configuration: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *Config) setDefaults() {
	if cfg.ChunkSize.IsZero() {
		cfg.ChunkSize = resource.MustParse(DefaultChunkSize)
	}
	if cfg.World == 0 {
		cfg.World = 1
	}
	if cfg.Cache.Enable && cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = DefaultCacheCapacity
	}
	if cfg.Partition.WarmupDeviceRatio == 0 {
		cfg.Partition.WarmupDeviceRatio = DefaultDeviceRatio
	}
	if cfg.Partition.HeadroomEvict == 0 {
		cfg.Partition.HeadroomEvict = DefaultHeadroomEvict
	}
	if cfg.Partition.HeadroomAmple == 0 {
		cfg.Partition.HeadroomAmple = DefaultHeadroomAmple
	}
	if cfg.Partition.EpochPeriod.Duration == 0 {
		cfg.Partition.EpochPeriod = metav1.Duration{Duration: DefaultPlacementPeriod}
	}
	if cfg.Monitor.Interval.Duration == 0 {
		cfg.Monitor.Interval = metav1.Duration{Duration: DefaultMonitorInterval}
	}
	if cfg.Optimizer.DeviceRatio == 0 {
		cfg.Optimizer.DeviceRatio = DefaultHybridRatio
	}
	if cfg.Model.TileSplits == 0 {
		cfg.Model.TileSplits = 1
	}
}

// Validate checks the configuration for inconsistencies.
func (cfg *Config) Validate() error {
	if cfg.ChunkSize.Value() <= 0 {
		return fmt.Errorf("config: non-positive chunk size %s", cfg.ChunkSize.String())
	}
	if cfg.World < 1 {
		return fmt.Errorf("config: invalid world size %d", cfg.World)
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.World {
		return fmt.Errorf("config: invalid rank %d of world %d", cfg.Rank, cfg.World)
	}
	if cfg.Cache.Capacity < 0 {
		return fmt.Errorf("config: negative cache capacity %d", cfg.Cache.Capacity)
	}
	if r := cfg.Partition.WarmupDeviceRatio; r <= 0 || r > 1 {
		return fmt.Errorf("config: invalid warmup device ratio %v", r)
	}
	if e, a := cfg.Partition.HeadroomEvict, cfg.Partition.HeadroomAmple; e <= 0 || e >= 1 || a <= e || a > 1 {
		return fmt.Errorf("config: invalid headroom thresholds %v/%v", e, a)
	}
	if cfg.Monitor.Interval.Duration <= 0 {
		return fmt.Errorf("config: non-positive monitor interval %v", cfg.Monitor.Interval.Duration)
	}
	if r := cfg.Optimizer.DeviceRatio; cfg.Optimizer.Hybrid && (r < 0 || r > 1) {
		return fmt.Errorf("config: invalid hybrid device ratio %v", r)
	}
	if cfg.Model.ActivationOffload && !cfg.Model.Checkpointing {
		return fmt.Errorf("config: activation offload requires checkpointing")
	}
	if cfg.Model.TiledLinear && cfg.Model.TileSplits < 1 {
		return fmt.Errorf("config: invalid tile splits %d", cfg.Model.TileSplits)
	}

	return nil
}
