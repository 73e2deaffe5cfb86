// Package metrics exposes scheduler activity as Prometheus metrics.
//
// A Collector is attached to the scheduler as an observer. Metrics live on
// the collector's own registry, served by Handler or Server at /metrics.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/idleload/internal/incremental"
)

const namespace = "idleload"

// Collector holds the Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	unitsLoaded   prometheus.Counter
	unitsSkipped  prometheus.Counter
	interruptions prometheus.Counter
	loadErrors    prometheus.Counter
	busy          prometheus.Counter
	loadDuration  prometheus.Histogram
	queueLength   prometheus.Gauge
	state         *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry. Go runtime and
// process collectors are registered alongside.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		unitsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_loaded_total",
			Help:      "Units loaded by the deferred scheduler.",
		}),
		unitsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_skipped_total",
			Help:      "Queued units that were already loaded when their turn came.",
		}),
		interruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "load_interruptions_total",
			Help:      "Loads abandoned because user input arrived.",
		}),
		loadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "load_errors_total",
			Help:      "Loads that failed.",
		}),
		busy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "busy_total",
			Help:      "Turns skipped because the user was not idle long enough.",
		}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_duration_seconds",
			Help:      "Time spent loading a unit.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Units waiting in the deferred queue.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_state",
			Help:      "1 for the scheduler's current state, 0 otherwise.",
		}, []string{"state"}),
	}

	c.registry.MustRegister(
		c.unitsLoaded,
		c.unitsSkipped,
		c.interruptions,
		c.loadErrors,
		c.busy,
		c.loadDuration,
		c.queueLength,
		c.state,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.setState(incremental.StateIdle)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Observe records a scheduler event. It has the incremental.Observer
// signature.
func (c *Collector) Observe(ev incremental.Event) {
	switch ev.Kind {
	case incremental.EventEnqueued:
		c.queueLength.Set(float64(ev.Remaining))
	case incremental.EventSkipped:
		c.unitsSkipped.Inc()
		c.queueLength.Set(float64(ev.Remaining))
	case incremental.EventAttempt:
		c.setState(incremental.StateRunning)
	case incremental.EventLoaded:
		c.unitsLoaded.Inc()
		c.loadDuration.Observe(ev.Duration.Seconds())
		c.queueLength.Set(float64(ev.Remaining))
		c.setState(incremental.StateScheduled)
	case incremental.EventInterrupted:
		c.interruptions.Inc()
		c.queueLength.Set(float64(ev.Remaining + 1))
		c.setState(incremental.StateScheduled)
	case incremental.EventBusy:
		c.busy.Inc()
	case incremental.EventError:
		c.loadErrors.Inc()
	case incremental.EventAborted:
		c.queueLength.Set(0)
		c.setState(incremental.StateAborted)
	case incremental.EventDrained:
		c.queueLength.Set(0)
		c.setState(incremental.StateDrained)
	}
}

func (c *Collector) setState(current incremental.State) {
	for _, s := range []incremental.State{
		incremental.StateIdle,
		incremental.StateScheduled,
		incremental.StateRunning,
		incremental.StateDrained,
		incremental.StateAborted,
	} {
		v := 0.0
		if s == current {
			v = 1
		}
		c.state.WithLabelValues(s.String()).Set(v)
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Server serves /metrics on an address.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr and returns a server ready to Serve.
func Listen(addr string, c *Collector) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln: ln,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until the server is shut down. It returns nil after a clean
// Shutdown.
func (s *Server) Serve() error {
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
