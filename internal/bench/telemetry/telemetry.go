// Package telemetry exports the last completed phase as Prometheus gauges.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wesleyorama2/blkload/internal/bench/metrics"
	"github.com/wesleyorama2/blkload/internal/bench/sweep"
)

const namespace = "blkload"

// Exporter is a sweep.Sink that updates gauges before handing each row to
// the wrapped sink.
type Exporter struct {
	next sweep.Sink
	reg  *prometheus.Registry

	phases    prometheus.Counter
	target    prometheus.Gauge
	achieved  prometheus.Gauge
	mean      prometheus.Gauge
	max       prometheus.Gauge
	missed    prometheus.Gauge
	quantiles *prometheus.GaugeVec
}

// New returns an exporter forwarding to next, which may be nil.
func New(next sweep.Sink) *Exporter {
	e := &Exporter{
		next: next,
		reg:  prometheus.NewRegistry(),
		phases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phases_total",
			Help:      "Number of completed phases.",
		}),
		target: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_target_iops",
			Help:      "Requested aggregate rate of the last phase.",
		}),
		achieved: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_achieved_iops",
			Help:      "Achieved aggregate rate of the last phase.",
		}),
		mean: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_latency_mean_microseconds",
			Help:      "Mean read latency of the last phase.",
		}),
		max: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_latency_max_microseconds",
			Help:      "Largest read latency of the last phase.",
		}),
		missed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_missed_sends",
			Help:      "Late send opportunities in the last measure window.",
		}),
		quantiles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_latency_microseconds",
			Help:      "Read latency percentiles of the last phase.",
		}, []string{"percentile"}),
	}
	e.reg.MustRegister(e.phases, e.target, e.achieved, e.mean, e.max, e.missed, e.quantiles)
	return e
}

// Header implements sweep.Sink.
func (e *Exporter) Header() {
	if e.next != nil {
		e.next.Header()
	}
}

// Row implements sweep.Sink.
func (e *Exporter) Row(s metrics.Summary) {
	e.phases.Inc()
	e.target.Set(float64(s.Target))
	e.achieved.Set(float64(s.IOPS))
	e.mean.Set(float64(s.Mean))
	e.max.Set(float64(s.Max))
	e.missed.Set(float64(s.Missed))
	for i, v := range s.Percentiles {
		if i < len(metrics.Ladder) {
			e.quantiles.WithLabelValues(percentileLabel(metrics.Ladder[i])).Set(float64(v))
		}
	}
	if e.next != nil {
		e.next.Row(s)
	}
}

func percentileLabel(p int) string {
	return "p" + strconv.Itoa(p)
}

// Handler serves the exporter's registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (e *Exporter) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("metrics endpoint listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
