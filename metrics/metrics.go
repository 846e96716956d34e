package metrics

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"

	"github.com/go-chi/chi"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dvsetup/dvsetup/common/log"
)

var (
	// PrivateMetrics about the internal world (go process, protocol, containers)
	PrivateMetrics = prometheus.NewRegistry()

	// ProtocolMessages counts coordination messages by direction and kind
	ProtocolMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "protocol_messages",
		Help: "Number of coordination messages sent and received",
	}, []string{"direction", "kind"})
	// ProtocolRetries counts retransmissions triggered by receive timeouts
	ProtocolRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "protocol_retries",
		Help: "Number of retransmissions after a receive timeout",
	}, []string{"role", "state"})
	// ProtocolState exposes the current state of the coordination state machine
	ProtocolState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "protocol_state",
		Help: "Current state of the coordination protocol, per role",
	}, []string{"role"})
	// ConnectedPeers is the number of distinct peers seen by the readiness monitor
	ConnectedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "connected_peers",
		Help: "Number of distinct connected peers while waiting for quorum",
	})
	// ContainerRuns counts container runs by outcome
	ContainerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "container_runs",
		Help: "Number of ceremony containers run, by outcome",
	}, []string{"outcome"})
	// PhaseDuration records how long each ceremony phase took
	PhaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "phase_duration_seconds",
		Help:    "Duration of ceremony phases",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
	}, []string{"phase", "outcome"})

	bindOnce sync.Once
)

func bindMetrics() {
	bindOnce.Do(func() {
		// The private go-level metrics live in private.
		PrivateMetrics.MustRegister(prometheus.NewGoCollector())
		PrivateMetrics.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

		PrivateMetrics.MustRegister(
			ProtocolMessages,
			ProtocolRetries,
			ProtocolState,
			ConnectedPeers,
			ContainerRuns,
			PhaseDuration,
		)
	})
}

// Start starts a prometheus metrics server with debug endpoints. The node
// api is mounted under /api. pprof and api may be nil.
func Start(metricsBind string, pprof, api http.Handler, l log.Logger) (net.Listener, error) {
	l = l.Named("metrics")
	bindMetrics()

	lis, err := net.Listen("tcp", metricsBind)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	l.Debugw("private listener started", "at", lis.Addr().String())

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))
	if pprof != nil {
		r.Mount("/debug/pprof", pprof)
	}
	if api != nil {
		r.Mount("/api", api)
	}
	r.Get("/debug/gc", func(w http.ResponseWriter, req *http.Request) {
		runtime.GC()
		fmt.Fprintf(w, "GC run complete")
	})

	s := http.Server{Handler: handlers.CombinedLoggingHandler(&logWriter{l}, r)}
	go func() {
		l.Warnw("listen finished", "err", s.Serve(lis))
	}()
	return lis, nil
}

// logWriter turns access log lines into debug statements.
type logWriter struct {
	l log.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.l.Debugw("http", "access", strings.TrimSpace(string(p)))
	return len(p), nil
}
