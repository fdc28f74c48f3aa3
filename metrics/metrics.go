// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the pipeline.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or go out of the system: requests, files, tests, api calls.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AQMDropTotal counts packets dropped by AQM, by reason
	// ("control_law" for CoDel's timed-interval drop, "drop_all" for
	// packets the FQ scheduler prunes from its largest flow on overload).
	AQMDropTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcpkern_aqm_drop_total",
			Help: "The total number of packets dropped by AQM, by reason.",
		}, []string{"reason"})

	// AQMSojournHistogram tracks the sojourn time (seconds) of packets
	// leaving an AQM instance via dequeue.
	AQMSojournHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "tcpkern_aqm_sojourn_seconds",
			Help: "AQM packet sojourn time distribution (seconds).",
			Buckets: []float64{
				0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
				0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
			},
		},
	)

	// FQBacklogHistogram tracks the aggregate backlog (bytes) across all
	// flows in an FQ scheduler, sampled at each enqueue.
	FQBacklogHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tcpkern_fq_backlog_bytes_histogram",
			Help:    "FQ aggregate backlog distribution (bytes).",
			Buckets: prometheus.ExponentialBuckets(1500, 2, 16),
		},
	)

	// FQActiveFlowsGauge tracks the number of flows linked into an FQ
	// scheduler's newq or oldq.
	FQActiveFlowsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tcpkern_fq_active_flows",
			Help: "Number of FQ flows linked into newq or oldq.",
		},
	)

	// CCCwndHistogram tracks congestion-window samples (segments) taken
	// once per flow per collector tick, labeled by algorithm name.
	CCCwndHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tcpkern_cc_cwnd_segments_histogram",
			Help:    "Congestion window distribution (segments), by algorithm.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 20),
		},
		[]string{"algorithm"})

	// FlowEventTotal counts flow lifecycle notifications published on
	// the event socket, labeled by event ("active", "idle", "congested").
	FlowEventTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcpkern_flow_event_total",
			Help: "The total number of flow lifecycle events published, by kind.",
		}, []string{"event"})

	// CCEventTotal counts congestion-control state transitions, labeled
	// by algorithm and event ("ndupack", "ecn", "rto", "rto_err",
	// "post_recovery").
	CCEventTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcpkern_cc_event_total",
			Help: "The total number of congestion-control events, by algorithm and kind.",
		}, []string{"algorithm", "event"})

	// AESKATFailureTotal counts FIPS-197 known-answer self-check
	// failures observed at startup; it should always read zero, and
	// exists so a regression in the bitsliced cipher surfaces as an
	// alert rather than silent corruption.
	AESKATFailureTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcpkern_aes_kat_failure_total",
			Help: "Number of AES known-answer self-check failures observed at startup.",
		},
	)

	// ErrorCount measures the number of errors.
	// Provides metrics:
	//    tcpkern_error_total
	// Example usage:
	//    metrics.ErrorCount.With(prometheus.Labels{"type": "foobar"}).Inc()
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcpkern_error_total",
			Help: "The total number of errors encountered.",
		}, []string{"type"})

	// NewFileCount counts the number of snapshot archive files written.
	//
	// Provides metrics:
	//   tcpkern_new_file_total
	// Example usage:
	//   metrics.NewFileCount.Inc()
	NewFileCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcpkern_new_file_total",
			Help: "Number of snapshot archive files created.",
		},
	)

	// SnapshotCount counts the total number of snapshots collected
	// across all flows.
	SnapshotCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcpkern_snapshot_total",
			Help: "Number of snapshots taken.",
		},
	)
)

// init() prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the exact
// time this occurs (and whether this occurs at all in a given context) can be
// opaque.
func init() {
	log.Println("Prometheus metrics in tcpkern/metrics are registered.")
}
