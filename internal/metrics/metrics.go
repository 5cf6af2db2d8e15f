// Package metrics exposes warden counters in the prometheus format.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warden"

// Backup results
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Metrics holds every counter updated by warden. The zero value is not
// usable, use New. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	serverStarts      prometheus.Counter
	unexpectedExits   prometheus.Counter
	forcedKills       prometheus.Counter
	backups           *prometheus.CounterVec
	commands          *prometheus.CounterVec
	remoteRejected    prometheus.Counter
	remoteDropped     prometheus.Counter
	remoteFailures    prometheus.Counter
	serverRunning     prometheus.Gauge
	lastBackupSeconds prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		serverStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_starts_total",
			Help:      "Number of server processes started.",
		}),
		unexpectedExits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_unexpected_exits_total",
			Help:      "Number of server processes which died without being asked to.",
		}),
		forcedKills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_forced_kills_total",
			Help:      "Number of server processes killed after the stop timeout.",
		}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Number of backups by result.",
		}, []string{"result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Number of dispatched commands by kind.",
		}, []string{"kind"}),
		remoteRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_rejected_total",
			Help:      "Number of remote chat messages from unauthorized senders.",
		}),
		remoteDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_dropped_lines_total",
			Help:      "Number of console lines not relayed to the remote chat.",
		}),
		remoteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_delivery_failures_total",
			Help:      "Number of failed remote chat deliveries.",
		}),
		serverRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_running",
			Help:      "1 while a server process is supervised.",
		}),
		lastBackupSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_backup_duration_seconds",
			Help:      "Duration of the last backup cycle including the server stop.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.serverStarts,
		m.unexpectedExits,
		m.forcedKills,
		m.backups,
		m.commands,
		m.remoteRejected,
		m.remoteDropped,
		m.remoteFailures,
		m.serverRunning,
		m.lastBackupSeconds,
	)
	return m
}

func (m *Metrics) ServerStarted() {
	if m == nil {
		return
	}
	m.serverStarts.Inc()
	m.serverRunning.Set(1)
}

func (m *Metrics) ServerStopped() {
	if m == nil {
		return
	}
	m.serverRunning.Set(0)
}

func (m *Metrics) UnexpectedExit() {
	if m == nil {
		return
	}
	m.unexpectedExits.Inc()
	m.serverRunning.Set(0)
}

func (m *Metrics) ForcedKill() {
	if m == nil {
		return
	}
	m.forcedKills.Inc()
}

func (m *Metrics) Backup(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.backups.WithLabelValues(result).Inc()
	m.lastBackupSeconds.Set(d.Seconds())
}

func (m *Metrics) Command(kind string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind).Inc()
}

func (m *Metrics) RemoteRejected() {
	if m == nil {
		return
	}
	m.remoteRejected.Inc()
}

func (m *Metrics) RemoteDropped() {
	if m == nil {
		return
	}
	m.remoteDropped.Inc()
}

func (m *Metrics) RemoteFailure() {
	if m == nil {
		return
	}
	m.remoteFailures.Inc()
}

// Registry returns the underlying registry, mostly useful for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server serves /metrics on a listen address.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr, use Serve to start accepting.
func (m *Metrics) Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln: ln,
	}, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until Shutdown.
func (s *Server) Serve(ctx context.Context) error {
	slog.DebugContext(ctx, "serving metrics", "addr", s.Addr())
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
