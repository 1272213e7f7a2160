package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the watchdog's prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	launches       *prometheus.CounterVec
	exits          *prometheus.CounterVec
	launchFailures *prometheus.CounterVec
	binaryEvents   *prometheus.CounterVec
	state          *prometheus.GaugeVec
	uptime         prometheus.Gauge
	started        time.Time
}

// NewMetrics creates and registers the watchdog collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		launches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_launch_total",
				Help: "Child launches, by whether the restart flag was passed.",
			},
			[]string{"restart"},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_child_exit_total",
				Help: "Child exits, by classification.",
			},
			[]string{"class"},
		),
		launchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_launch_failure_total",
				Help: "Launch attempts that never started a child.",
			},
			[]string{"reason"},
		),
		binaryEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_binary_event_total",
				Help: "Filesystem events on the monitored executable.",
			},
			[]string{"op"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "watchdog_state",
				Help: "1 for the supervisor's current state, 0 otherwise.",
			},
			[]string{"state"},
		),
		uptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "watchdog_uptime_seconds",
				Help: "Watchdog uptime in seconds.",
			},
		),
		started: time.Now(),
	}
	m.registry.MustRegister(
		m.launches, m.exits, m.launchFailures, m.binaryEvents, m.state, m.uptime,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the registry for scraping and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) launched(restart bool) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(strconv.FormatBool(restart)).Inc()
}

func (m *Metrics) exited(class ExitClass) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(class.String()).Inc()
}

func (m *Metrics) launchFailed(err error) {
	if m == nil {
		return
	}
	reason := "spawn_failed"
	if errors.Is(err, ErrBinaryMissing) {
		reason = "binary_missing"
	}
	m.launchFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) binaryEvent(op string) {
	if m == nil {
		return
	}
	m.binaryEvents.WithLabelValues(op).Inc()
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	for _, st := range States {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) refreshUptime() {
	if m == nil {
		return
	}
	m.uptime.Set(time.Since(m.started).Seconds())
}

// StatusServer serves /metrics, /healthz and /status.
type StatusServer struct {
	server  *http.Server
	metrics *Metrics
	logger  *slog.Logger
}

// NewStatusServer wires the endpoints for sup on addr.
func NewStatusServer(addr string, sup *Supervisor, metrics *Metrics, logger *slog.Logger) *StatusServer {
	if logger == nil {
		logger = discardLogger()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sup.Status())
	})
	return &StatusServer{
		server:  &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		metrics: metrics,
		logger:  logger,
	}
}

// Handler returns the endpoint mux.
func (s *StatusServer) Handler() http.Handler {
	return s.server.Handler
}

// Run listens until ctx is cancelled, then shuts the server down.
func (s *StatusServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("Metrics and status endpoints listening", "addr", ln.Addr().String())

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			s.metrics.refreshUptime()
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Status server shutdown error", "error", err)
		return err
	}
	s.logger.Info("Status server shut down cleanly")
	return nil
}
