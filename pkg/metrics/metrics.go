// Copyright 2025 The sockbridge Authors
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

// package metrics provides Prometheus metrics for the socket bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	// EventsTotal counts socket events forwarded by the poll driver, by type.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockbridge_events_total",
		Help: "The total number of socket events forwarded to actors.",
	},
		[]string{"type"},
	)

	// DeliveryDroppedTotal counts envelopes released because the destination
	// actor could not accept them.
	DeliveryDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockbridge_delivery_dropped_total",
		Help: "The total number of socket messages dropped on delivery failure.",
	})

	// UnknownEventsTotal counts events with a type the poll driver does not know.
	UnknownEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockbridge_unknown_events_total",
		Help: "The total number of socket events with an unknown type.",
	})

	// OrphansClosedTotal counts sockets closed because their owner was gone.
	OrphansClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockbridge_orphans_closed_total",
		Help: "The total number of sockets closed after their owner disappeared.",
	})

	// OrphansDroppedTotal counts close requests lost because the orphan queue
	// was full.
	OrphansDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockbridge_orphans_dropped_total",
		Help: "The total number of orphan close requests dropped on a full queue.",
	})

	// PollersRunning is the number of poller goroutines currently running.
	PollersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sockbridge_pollers_running",
		Help: "The number of socket server pollers currently running.",
	})

	// InstancesRegistered is the number of pool instances (default excluded).
	InstancesRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sockbridge_instances_registered",
		Help: "The number of socket servers registered in the pool.",
	})

	// ActorsAlive is the current actor population.
	ActorsAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sockbridge_actors_alive",
		Help: "The number of live actors.",
	})

	// SupervisorRestartsTotal is a counter for the total number of supervisor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockbridge_supervisor_restarts_total",
		Help: "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Infof("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
