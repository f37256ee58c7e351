// Package metrics exposes Prometheus counters/gauges for the measurement
// engine, plus a cheap local snapshot for non-Prometheus deployments.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/crusader-labs/lull/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus series.
var (
	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lull_streams_active",
		Help: "Current number of open bulk-transfer streams across all tests.",
	})
	BytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lull_bytes_total",
		Help: "Total bytes transferred by bulk streams.",
	}, []string{"direction"})
	PingsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lull_pings_sent_total",
		Help: "Total pings sent on the latency channel.",
	})
	PingsLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lull_pings_lost_total",
		Help: "Total pings never matched with a reply.",
	})
	ServerOverloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lull_server_overload_total",
		Help: "Total times the server signalled overload to a client.",
	})
	ClientsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lull_clients_active",
		Help: "Current number of in-flight tests on the server.",
	})
	ClientsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lull_clients_rejected_total",
		Help: "Total client connection attempts rejected (e.g. max-clients).",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lull_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lull_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// StartHTTP serves Prometheus metrics at /metrics and a readiness probe at
// /ready on addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters so logging doesn't need to scrape Prometheus.
var (
	localBytesDown uint64
	localBytesUp   uint64
	localPingsSent uint64
	localPingsLost uint64
	localOverloads uint64
	localErrors    uint64
	localClients   uint64
	localStreams   uint64
	localRejected  uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	BytesDown uint64
	BytesUp   uint64
	PingsSent uint64
	PingsLost uint64
	Overloads uint64
	Errors    uint64
	Clients   uint64
	Streams   uint64
	Rejected  uint64
}

func Snap() Snapshot {
	return Snapshot{
		BytesDown: atomic.LoadUint64(&localBytesDown),
		BytesUp:   atomic.LoadUint64(&localBytesUp),
		PingsSent: atomic.LoadUint64(&localPingsSent),
		PingsLost: atomic.LoadUint64(&localPingsLost),
		Overloads: atomic.LoadUint64(&localOverloads),
		Errors:    atomic.LoadUint64(&localErrors),
		Clients:   atomic.LoadUint64(&localClients),
		Streams:   atomic.LoadUint64(&localStreams),
		Rejected:  atomic.LoadUint64(&localRejected),
	}
}

func AddBytes(download bool, n int) {
	if download {
		BytesTotal.WithLabelValues("download").Add(float64(n))
		atomic.AddUint64(&localBytesDown, uint64(n))
		return
	}
	BytesTotal.WithLabelValues("upload").Add(float64(n))
	atomic.AddUint64(&localBytesUp, uint64(n))
}

func IncPingsSent() {
	PingsSent.Inc()
	atomic.AddUint64(&localPingsSent, 1)
}

func IncPingsLost() {
	PingsLost.Inc()
	atomic.AddUint64(&localPingsLost, 1)
}

func IncServerOverload() {
	ServerOverloads.Inc()
	atomic.AddUint64(&localOverloads, 1)
}

func SetStreamsActive(n int) {
	StreamsActive.Set(float64(n))
	atomic.StoreUint64(&localStreams, uint64(n))
}

func SetClientsActive(n int) {
	ClientsActive.Set(float64(n))
	atomic.StoreUint64(&localClients, uint64(n))
}

func IncClientsRejected() {
	ClientsRejected.Inc()
	atomic.AddUint64(&localRejected, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers error label
// series so the first real error doesn't pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		"connect_failed", "peer_closed", "io_error", "protocol_violation",
		"peer_version_too_new", "timeout", "server_overloaded",
		"load_termination_timeout", "aborted", "other",
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
