// Package metrics exports pipeline counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultNamespace = "healthflow"

// Observer records ingestion, consumer and transfer activity. A nil *Observer
// is valid and records nothing.
type Observer struct {
	accepted      *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	writeDuration *prometheus.HistogramVec
	uploads       *prometheus.CounterVec
	sessions      prometheus.Gauge
}

// New registers the pipeline collectors on reg. Collectors already registered
// under the same name are reused.
func New(namespace string, reg prometheus.Registerer) (*Observer, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	accepted, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingestions_accepted_total",
		Help:      "Payloads accepted and published by an ingestion front door.",
	}, []string{"source"}))
	if err != nil {
		return nil, err
	}
	rejected, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingestions_rejected_total",
		Help:      "Payloads refused before publish.",
	}, []string{"source", "reason"}))
	if err != nil {
		return nil, err
	}
	outcomes, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consumer_outcomes_total",
		Help:      "Storage consumer message outcomes.",
	}, []string{"source", "outcome"}))
	if err != nil {
		return nil, err
	}
	writeDuration, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "backend_write_duration_seconds",
		Help:      "Latency of storage backend writes.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}
	uploads, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sftp_uploads_total",
		Help:      "SFTP uploads by terminal state.",
	}, []string{"state"}))
	if err != nil {
		return nil, err
	}
	sessions, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sftp_sessions_active",
		Help:      "Live SFTP sessions.",
	}))
	if err != nil {
		return nil, err
	}

	return &Observer{
		accepted:      accepted,
		rejected:      rejected,
		outcomes:      outcomes,
		writeDuration: writeDuration,
		uploads:       uploads,
		sessions:      sessions,
	}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

func (o *Observer) Accepted(source string) {
	if o == nil {
		return
	}
	o.accepted.WithLabelValues(source).Inc()
}

func (o *Observer) Rejected(source, reason string) {
	if o == nil {
		return
	}
	o.rejected.WithLabelValues(source, reason).Inc()
}

// Outcome counts one terminal consumer decision.
func (o *Observer) Outcome(source, outcome string) {
	if o == nil {
		return
	}
	o.outcomes.WithLabelValues(source, outcome).Inc()
}

func (o *Observer) ObserveWrite(d time.Duration, err error) {
	if o == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.writeDuration.WithLabelValues(result).Observe(d.Seconds())
}

// Upload counts an SFTP upload reaching a terminal state.
func (o *Observer) Upload(state string) {
	if o == nil {
		return
	}
	o.uploads.WithLabelValues(state).Inc()
}

func (o *Observer) SessionOpened() {
	if o == nil {
		return
	}
	o.sessions.Inc()
}

func (o *Observer) SessionClosed() {
	if o == nil {
		return
	}
	o.sessions.Dec()
}

// Serve exposes g on addr under /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logr *zap.Logger) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logr.Error("metrics server shutdown failed", zap.Error(err))
		}
	}()

	logr.Info("metrics server starting", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
