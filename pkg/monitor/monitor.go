// Package monitor exports the training progress of a GauGAN run as Prometheus metrics.
//
// A nil *Monitor is valid and does nothing, so the training and sampling loops can be used
// without metrics.
package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

const (
	namespace = "gaugan"

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Monitor holds the metrics of one run, registered in its own registry.
type Monitor struct {
	registry *prometheus.Registry

	epoch            prometheus.Gauge
	losses           *prometheus.GaugeVec // label "model": "generator" or "discriminator".
	fid              prometheus.Gauge
	steps            *prometheus.CounterVec // label "status": "ok", "non_finite".
	skippedBatches   prometheus.Counter
	metricFailures   prometheus.Counter
	checkpointsSaved prometheus.Counter
	stepDuration     prometheus.Histogram
}

// New creates a Monitor with the run id as a constant label.
func New(runID string) *Monitor {
	constLabels := prometheus.Labels{"run_id": runID}
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "epoch", ConstLabels: constLabels,
			Help: "Index of the epoch being trained",
		}),
		losses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "loss", ConstLabels: constLabels,
			Help: "Loss of the last training step",
		}, []string{"model"}),
		fid: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fid", ConstLabels: constLabels,
			Help: "Last evaluated Fréchet distance between real and generated images",
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "steps_total", ConstLabels: constLabels,
			Help: "Training steps executed",
		}, []string{"status"}),
		skippedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "skipped_batches_total", ConstLabels: constLabels,
			Help: "Batches skipped because of data errors",
		}),
		metricFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fid_failures_total", ConstLabels: constLabels,
			Help: "Quality metric evaluations that failed and were excluded from the averages",
		}),
		checkpointsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoints_saved_total", ConstLabels: constLabels,
			Help: "Checkpoints committed",
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "step_duration_seconds", ConstLabels: constLabels,
			Help:    "Duration of a training step, including the host transfers",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
	}
	m.registry.MustRegister(m.epoch, m.losses, m.fid, m.steps, m.skippedBatches, m.metricFailures,
		m.checkpointsSaved, m.stepDuration)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Registry returns the registry holding the run metrics.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve serves "/metrics" on addr until ctx is done.
func (m *Monitor) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			klog.Warningf("metrics server shutdown: %+v", err)
		}
	}()
	klog.Infof("Serving metrics on http://%s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "serving metrics on %q", addr)
	}
	return nil
}

// StartEpoch records the epoch being trained.
func (m *Monitor) StartEpoch(epoch int) {
	if m == nil {
		return
	}
	m.epoch.Set(float64(epoch))
}

// ObserveStep records the outcome of one training step.
func (m *Monitor) ObserveStep(genLoss, discLoss float64, finite bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.Observe(elapsed.Seconds())
	if !finite {
		m.steps.WithLabelValues("non_finite").Inc()
		return
	}
	m.steps.WithLabelValues("ok").Inc()
	m.losses.WithLabelValues("generator").Set(genLoss)
	m.losses.WithLabelValues("discriminator").Set(discLoss)
}

// ObserveFID records a quality metric evaluation. Failed evaluations are counted with err != nil.
func (m *Monitor) ObserveFID(value float64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.metricFailures.Inc()
		return
	}
	m.fid.Set(value)
}

// SkippedBatch counts a batch dropped because of a data error.
func (m *Monitor) SkippedBatch() {
	if m == nil {
		return
	}
	m.skippedBatches.Inc()
}

// CheckpointSaved counts a committed checkpoint.
func (m *Monitor) CheckpointSaved() {
	if m == nil {
		return
	}
	m.checkpointsSaved.Inc()
}
