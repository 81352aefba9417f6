// Package metrics is the per-job metrics sink. Every method is fire-and-forget:
// it never blocks on I/O and never returns an error to the caller.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives per-job outcomes.
type Sink interface {
	RecordSuccess(jobID string)
	RecordFailure(jobID string)
	RecordExecutionTime(jobID string, d time.Duration)
}

// FireRecorder is optionally implemented by a Sink to count job-level fire outcomes.
type FireRecorder interface {
	RecordFire(jobID string, outcome string)
}

// TriggerGauge is optionally implemented by a Sink to expose the live trigger count.
type TriggerGauge interface {
	SetTriggers(n int)
}

// Fire outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

type Nop struct{}

func (Nop) RecordSuccess(string)                      {}
func (Nop) RecordFailure(string)                      {}
func (Nop) RecordExecutionTime(string, time.Duration) {}

// Prometheus keeps its collectors on a private registry so tests and
// multiple instances never collide on the global one.
type Prometheus struct {
	reg      *prometheus.Registry
	success  *prometheus.CounterVec
	failure  *prometheus.CounterVec
	execTime *prometheus.HistogramVec
	fires    *prometheus.CounterVec
	triggers prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	p := &Prometheus{
		reg: reg,
		success: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cronpulse",
			Name:      "job_success_total",
			Help:      "Successful execution slots per job.",
		}, []string{"job_id"}),
		failure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cronpulse",
			Name:      "job_failure_total",
			Help:      "Failed execution slots per job.",
		}, []string{"job_id"}),
		execTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cronpulse",
			Name:      "job_execution_seconds",
			Help:      "End-to-end fire duration per job, from fire start until every slot finished.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"job_id"}),
		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cronpulse",
			Name:      "job_fires_total",
			Help:      "Fires per job by aggregate outcome.",
		}, []string{"job_id", "outcome"}),
		triggers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cronpulse",
			Name:      "triggers",
			Help:      "Triggers currently registered with the cron engine.",
		}),
	}
	reg.MustRegister(
		p.success, p.failure, p.execTime, p.fires, p.triggers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prometheus) RecordSuccess(jobID string) { p.success.WithLabelValues(jobID).Inc() }
func (p *Prometheus) RecordFailure(jobID string) { p.failure.WithLabelValues(jobID).Inc() }

func (p *Prometheus) RecordExecutionTime(jobID string, d time.Duration) {
	p.execTime.WithLabelValues(jobID).Observe(d.Seconds())
}

func (p *Prometheus) RecordFire(jobID string, outcome string) {
	p.fires.WithLabelValues(jobID, outcome).Inc()
}

func (p *Prometheus) SetTriggers(n int) { p.triggers.Set(float64(n)) }

// Forget drops every series of a removed job.
func (p *Prometheus) Forget(jobID string) {
	p.success.DeleteLabelValues(jobID)
	p.failure.DeleteLabelValues(jobID)
	p.execTime.DeleteLabelValues(jobID)
	p.fires.DeletePartialMatch(prometheus.Labels{"job_id": jobID})
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}
