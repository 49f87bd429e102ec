// Package metrics exposes Prometheus instrumentation for the stream supervisor.
//
// Metrics are served at /metrics:
//
//	camstream_reconciles_total                     reconciliation passes
//	camstream_stream_launches_total{profile}       processes started
//	camstream_stream_exits_total{code}             non-zero exits of current processes
//	camstream_stream_launch_failures_total         attempts where no profile could start
//	camstream_streams{state}                       entries per state
//	camstream_generation                           current supervisor generation
//	camstream_circuit_breaker_state{name}          0=closed, 1=half-open, 2=open
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/camwall/camstream/internal/types"
)

const namespace = "camstream"

var (
	Reconciles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciles_total",
		Help:      "Total number of reconciliation passes",
	})

	Launches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_launches_total",
		Help:      "Total number of transcoder processes started",
	}, []string{"profile"})

	Exits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_exits_total",
		Help:      "Total number of non-zero transcoder exits",
	}, []string{"code"})

	LaunchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_launch_failures_total",
		Help:      "Total number of attempts where no profile could be started",
	})

	Streams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "streams",
		Help:      "Number of stream entries per state",
	}, []string{"state"})

	Generation = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "generation",
		Help:      "Current supervisor generation",
	})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})
)

var states = []types.StreamState{types.StateStarting, types.StateRunning, types.StateRestarting, types.StateStopped}

// ObserveEvent updates counters from a supervisor event.
func ObserveEvent(ev types.StreamEvent) {
	switch ev.Type {
	case types.EventGeneration:
		Generation.Set(float64(ev.Generation))
	case types.EventReconciled:
		Reconciles.Inc()
	case types.EventStarted:
		Launches.WithLabelValues(string(ev.Profile)).Inc()
	case types.EventExited:
		Exits.WithLabelValues(strconv.Itoa(ev.ExitCode)).Inc()
	case types.EventLaunchFailed:
		LaunchFailures.Inc()
	}
}

// UpdateStreams sets the per-state gauge from a status snapshot.
func UpdateStreams(statuses []types.StreamStatus) {
	counts := make(map[types.StreamState]int, len(states))
	for _, s := range statuses {
		counts[s.State]++
	}
	for _, st := range states {
		Streams.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
