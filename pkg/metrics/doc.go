/*
Package metrics provides Prometheus metrics collection and exposition for
the codedj datastore engine and its scraper coordinator.

The package defines and registers all codedj metrics using the Prometheus
client library, giving observability into datastore growth, append/index
throughput, update queue depth, credential pool exhaustion, and git fetch
behavior. Metrics are exposed via an HTTP handler; the codedj CLI serves
it on its own listener only when --metrics-addr is given.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Datastore: projects, substore records      │          │
	│  │  Append/Index: throughput, latency          │          │
	│  │  Queue/Coordinator: depth, busy workers      │          │
	│  │  Credentials: exhaustion, wait, remaining    │          │
	│  │  Git: fetch duration, retries, commits       │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Timer helper                       │          │
	│  │  - NewTimer / ObserveDuration(Vec)           │          │
	│  └──────────────────────────────────────────────┘         │
	└────────────────────────────────────────────────────────────┘

# Usage

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProjectUpdateDuration)
	// ... perform the update ...

codedj's CLI mounts metrics.Handler() on its own mux and listens on
--metrics-addr only when that flag is passed; by default nothing listens.
*/
package metrics
