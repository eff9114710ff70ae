// Copyright 2020 The Matrix.org Foundation C.I.C.
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

package state

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	prometheus.MustRegister(
		resolveStateDurations, stateResolutionErrors, blockedStateKeys,
	)
}

var resolveStateDurations = prometheus.NewSummaryVec(
	prometheus.SummaryOpts{
		Namespace: "fedcore",
		Subsystem: "roomserver",
		Name:      "resolve_state_duration_microseconds",
		Help:      "How long it takes to resolve a state event against the current state",
	},
	// Takes two labels:
	//   algorithm:
	//      The state resolution algorithm of the room version.
	//   outcome:
	//      "no_conflict" if nothing held the key yet, "resolved" if the
	//      candidate was resolved against the holder and "failure" if
	//      resolution failed.
	[]string{"algorithm", "outcome"},
)

var stateResolutionErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fedcore",
		Subsystem: "roomserver",
		Name:      "state_resolution_errors_total",
		Help:      "Number of state resolutions that could not pick a winner",
	},
	[]string{"kind"},
)

var blockedStateKeys = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fedcore",
		Subsystem: "roomserver",
		Name:      "blocked_state_keys",
		Help:      "Number of state keys that wait for an operator after a failed resolution",
	},
)

type resolveMetrics struct {
	algorithm string
	startTime time.Time
}

func (c *resolveMetrics) stop(outcome string) {
	resolveStateDurations.WithLabelValues(c.algorithm, outcome).Observe(
		float64(time.Since(c.startTime).Microseconds()),
	)
}
