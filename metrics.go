// Copyright 2026 Lumen Bio, Inc.
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

package tilevec

import "github.com/prometheus/client_golang/prometheus"

var (
	tilesProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lumenbio",
			Subsystem: "tilevec",
			Name:      "tiles_processed_total",
			Help:      "The total number of tiles successfully embedded.",
		},
	)
	tilesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lumenbio",
			Subsystem: "tilevec",
			Name:      "tiles_failed_total",
			Help:      "The total number of tiles skipped after a failure.",
		},
		[]string{"stage"}, // decode, inference
	)
	shardsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lumenbio",
			Subsystem: "tilevec",
			Name:      "shards_written_total",
			Help:      "The total number of shard artifact pairs persisted.",
		},
	)
)

func init() {
	prometheus.MustRegister(tilesProcessed)
	prometheus.MustRegister(tilesFailed)
	prometheus.MustRegister(shardsWritten)
}
