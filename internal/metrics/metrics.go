package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"request-governor/internal/service"
)

var healthStates = []service.Health{service.HealthHealthy, service.HealthDegraded, service.HealthDisabled}

// Registry holds the governor's Prometheus collectors. It implements
// service.Observer.
type Registry struct {
	reg *prometheus.Registry

	Requests *prometheus.CounterVec

	outcomes   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	waits      *prometheus.HistogramVec
	rejections *prometheus.CounterVec
	ceiling    *prometheus.GaugeVec
	confidence *prometheus.GaugeVec
	health     *prometheus.GaugeVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_http_requests_total",
			Help: "Inbound HTTP requests served by the governor.",
		}, []string{"method", "route", "code"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_upstream_calls_total",
			Help: "Dispatched upstream calls by outcome class.",
		}, []string{"endpoint", "class"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "governor_upstream_latency_seconds",
			Help:    "Latency of dispatched upstream calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		waits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "governor_admission_wait_seconds",
			Help:    "Delays imposed before admitting a call.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"endpoint"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_rejections_total",
			Help: "Calls refused without reaching the upstream.",
		}, []string{"endpoint", "reason"}),
		ceiling: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "governor_endpoint_ceiling",
			Help: "Learned requests-per-window ceiling.",
		}, []string{"endpoint"}),
		confidence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "governor_endpoint_confidence",
			Help: "Confidence in the learned ceiling.",
		}, []string{"endpoint"}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "governor_endpoint_health",
			Help: "1 for the endpoint's current health state, 0 otherwise.",
		}, []string{"endpoint", "state"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.Requests, r.outcomes, r.latency, r.waits, r.rejections,
		r.ceiling, r.confidence, r.health,
	)
	return r
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// ObserveRequest counts an inbound HTTP request.
func (r *Registry) ObserveRequest(method, route string, code int) {
	r.Requests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}

func (r *Registry) ObserveOutcome(ep service.Endpoint, o service.RequestOutcome) {
	r.outcomes.WithLabelValues(o.Endpoint, string(o.Class)).Inc()
	r.latency.WithLabelValues(o.Endpoint).Observe(o.Latency.Seconds())
	r.ObserveEndpoint(ep)
}

func (r *Registry) ObserveWait(endpoint string, wait time.Duration) {
	r.waits.WithLabelValues(endpoint).Observe(wait.Seconds())
}

func (r *Registry) ObserveRejection(endpoint, reason string) {
	r.rejections.WithLabelValues(endpoint, reason).Inc()
}

// ObserveEndpoint publishes an endpoint's learned state.
func (r *Registry) ObserveEndpoint(ep service.Endpoint) {
	r.ceiling.WithLabelValues(ep.ID).Set(ep.Ceiling)
	r.confidence.WithLabelValues(ep.ID).Set(ep.Confidence)
	for _, s := range healthStates {
		v := 0.0
		if ep.Health == s {
			v = 1
		}
		r.health.WithLabelValues(ep.ID, string(s)).Set(v)
	}
}
