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

// chunkmemd runs a multi-rank training simulation over the chunk
// memory manager, with all ranks as goroutines connected by an
// in-process transport. It exercises allocation, recycling, placement,
// reduction and redistribution, and exports prometheus metrics.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/tensormesh/chunkmem/pkg/chunkmem"
	"github.com/tensormesh/chunkmem/pkg/comm"
	"github.com/tensormesh/chunkmem/pkg/config"
	logger "github.com/tensormesh/chunkmem/pkg/log"
)

var log = logger.Get("chunkmemd")

func main() {
	var (
		configFile  = flag.String("config", "", "configuration file to read")
		metricsAddr = flag.String("metrics-addr", ":8891", "address to serve prometheus metrics on")
		steps       = flag.Int("steps", 8, "number of training steps to simulate")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *debug {
		logger.EnableDebug("*")
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatal("%v", err)
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *steps); err != nil {
		log.Fatal("%v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		cfg.World = 2
		cfg.ChunkSize = resource.MustParse("256Ki")
		cfg.Cache.Enable = true
		cfg.Cache.Capacity = config.DefaultCacheCapacity
		cfg.Partition.HostFallback = true
		cfg.DeviceCapacity = resource.MustParse("64Mi")
		cfg.HostCapacity = resource.MustParse("256Mi")
		return cfg, nil
	}

	cfg, err := config.Read(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}

	return cfg, nil
}

// run simulates every rank of the world in-process, each rank on its
// own goroutine with its own allocator and engine.
func run(ctx context.Context, cfg *config.Config, steps int) error {
	hub, err := comm.NewHub(cfg.World)
	if err != nil {
		return errors.Wrap(err, "failed to create transport hub")
	}
	defer hub.Close()

	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < cfg.World; rank++ {
		rankCfg := *cfg
		rankCfg.Rank = rank

		endpoint, err := hub.Endpoint(rank)
		if err != nil {
			return errors.Wrapf(err, "failed to create endpoint for rank %d", rank)
		}

		g.Go(func() error {
			return runRank(ctx, &rankCfg, endpoint, steps)
		})
	}

	return g.Wait()
}

func runRank(ctx context.Context, cfg *config.Config, t comm.Transport, steps int) error {
	w, err := newWorkload(cfg, t)
	if err != nil {
		return errors.Wrapf(err, "rank %d: failed to set up workload", cfg.Rank)
	}
	defer w.close()

	if err := w.engine.Start(ctx); err != nil {
		return errors.Wrapf(err, "rank %d: failed to start engine", cfg.Rank)
	}

	if cfg.Rank == 0 {
		if err := chunkmem.NewCollector(w.engine.Manager()).Register(); err != nil {
			log.Warn("failed to register metrics collector: %v", err)
		}
	}

	if err := w.buildModel(); err != nil {
		return errors.Wrapf(err, "rank %d: failed to build model", cfg.Rank)
	}

	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.step(ctx, step); err != nil {
			return errors.Wrapf(err, "rank %d: step %d failed", cfg.Rank, step)
		}
	}

	w.report()

	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("serving prometheus metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server failed: %v", err)
	}
}
