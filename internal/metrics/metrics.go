// Package metrics 提供生成流程的 prometheus 指标。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 提交来源
const (
	KindSubmit = "submit"
	KindRetry  = "retry"
	KindRepeat = "repeat"
)

// Metrics 所有方法对 nil 接收者安全
type Metrics struct {
	registry *prometheus.Registry

	submissions        *prometheus.CounterVec
	outcomes           *prometheus.CounterVec
	maskUploads        *prometheus.CounterVec
	generationDuration prometheus.Histogram
	inFlight           prometheus.Gauge
	workspaces         prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "purepale_submissions_total",
			Help: "Generation submissions, partitioned by origin.",
		}, []string{"kind"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "purepale_generation_outcomes_total",
			Help: "Resolved ledger entries, partitioned by final status.",
		}, []string{"status"}),
		maskUploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "purepale_mask_uploads_total",
			Help: "Freehand mask uploads, partitioned by result.",
		}, []string{"result"}),
		generationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "purepale_generation_duration_seconds",
			Help:    "Time from submission to resolution.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "purepale_generations_in_flight",
			Help: "Submissions waiting for the backend.",
		}),
		workspaces: f.NewGauge(prometheus.GaugeOpts{
			Name: "purepale_workspaces",
			Help: "Live workspaces held in memory.",
		}),
	}
}

func (m *Metrics) Submitted(kind string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(kind).Inc()
	m.inFlight.Inc()
}

func (m *Metrics) Resolved(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(status).Inc()
	m.generationDuration.Observe(elapsed.Seconds())
	m.inFlight.Dec()
}

func (m *Metrics) MaskUpload(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.maskUploads.WithLabelValues(result).Inc()
}

func (m *Metrics) SetWorkspaces(n int) {
	if m == nil {
		return
	}
	m.workspaces.Set(float64(n))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
