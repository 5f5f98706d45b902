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
	"math"
	"strconv"
	"strings"

	logger "github.com/tensormesh/chunkmem/pkg/log"
)

var (
	log    = logger.Get("chunkmem")
	evtlog = logger.Get("chunkmem-events")
)

// DumpState logs the chunks and per-device residency of the manager.
func (m *Manager) DumpState() {
	if !log.DebugEnabled() {
		return
	}

	m.Lock()
	defer m.Unlock()

	if len(m.arena.chunks) == 0 {
		log.Debug("no chunks")
		return
	}

	for dev, bytes := range m.resident {
		log.Debug("%s resident: %s", dev, prettySize(bytes))
	}

	log.Debug("chunks:")
	m.arena.foreach(func(c *Chunk) bool {
		log.Debug("  - %s", c)
		for _, p := range c.payloads {
			log.Debug("      %s", p)
		}
		return ForeachMore
	})
}

// HumanReadableSize returns the given size as a human-readable string.
func HumanReadableSize(size int64) string {
	if size < 0 {
		return "-" + HumanReadableSize(-size)
	}

	if size >= 1024 {
		units := []string{"k", "M", "G", "T"}

		for i, d := 0, int64(1024); i < len(units); i, d = i+1, d<<10 {
			if val := size / d; 1 <= val && val < 1024 {
				if fval := float64(size) / float64(d); math.Floor(fval) != fval {
					return strings.TrimRight(fmt.Sprintf("%.3f", fval), "0") + units[i]
				} else {
					return fmt.Sprintf("%d%s", val, units[i])
				}
			}
		}
	}

	return strconv.FormatInt(size, 10)
}

func prettySize(v int64) string {
	return HumanReadableSize(v)
}
