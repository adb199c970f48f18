// Package metrics exposes controller health as Prometheus series. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "beerery"

type Metrics struct {
	reg *prometheus.Registry

	iterationDuration prometheus.Histogram
	overruns          prometheus.Counter
	reloads           *prometheus.CounterVec
	sensorFailures    *prometheus.CounterVec
	inputValue        *prometheus.GaugeVec
	outputDuty        *prometheus.GaugeVec
	outputConnected   *prometheus.GaugeVec
	telemetryDrops    *prometheus.CounterVec
	telemetryErrors   *prometheus.CounterVec
	programStep       *prometheus.GaugeVec

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers every series on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		iterationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "iteration_duration_seconds",
			Help:      "Time between the starts of consecutive control iterations.",
			Buckets:   []float64{0.5, 1, 2, 4, 5, 6, 8, 10, 15, 30},
		}),
		overruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iteration_overruns_total",
			Help:      "Iterations that took longer than the sample time.",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reloads by result.",
		}, []string{"result"}),
		sensorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_failures_total",
			Help:      "Failed input samples by input name.",
		}, []string{"input"}),
		inputValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "input_temperature",
			Help:      "Last sampled value by input name and units.",
		}, []string{"input", "units"}),
		outputDuty: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_duty_percent",
			Help:      "Last computed duty cycle by output name.",
		}, []string{"output"}),
		outputConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_connected",
			Help:      "1 while the output holds its pin.",
		}, []string{"output"}),
		telemetryDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_dropped_total",
			Help:      "Records dropped because a sink queue was full.",
		}, []string{"sink"}),
		telemetryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_errors_total",
			Help:      "Records a sink failed to write.",
		}, []string{"sink"}),
		programStep: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "program_step",
			Help:      "Current step index by program name, -1 when finished.",
		}, []string{"program"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.iterationDuration,
		m.overruns,
		m.reloads,
		m.sensorFailures,
		m.inputValue,
		m.outputDuty,
		m.outputConnected,
		m.telemetryDrops,
		m.telemetryErrors,
		m.programStep,
		m.httpRequestsTotal,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

func (m *Metrics) Iteration(elapsed time.Duration, overrun bool) {
	if m == nil || elapsed <= 0 {
		return
	}
	m.iterationDuration.Observe(elapsed.Seconds())
	if overrun {
		m.overruns.Inc()
	}
}

func (m *Metrics) Reload(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reloads.WithLabelValues(result).Inc()
}

func (m *Metrics) SensorFailure(input string) {
	if m == nil {
		return
	}
	m.sensorFailures.WithLabelValues(input).Inc()
}

func (m *Metrics) InputValue(input, units string, v float64) {
	if m == nil {
		return
	}
	m.inputValue.WithLabelValues(input, units).Set(v)
}

func (m *Metrics) OutputDuty(output string, duty float64) {
	if m == nil {
		return
	}
	m.outputDuty.WithLabelValues(output).Set(duty)
}

func (m *Metrics) OutputConnected(output string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.outputConnected.WithLabelValues(output).Set(v)
}

// ForgetOutput removes the series of an output that left the configuration.
func (m *Metrics) ForgetOutput(output string) {
	if m == nil {
		return
	}
	m.outputDuty.DeleteLabelValues(output)
	m.outputConnected.DeleteLabelValues(output)
}

func (m *Metrics) TelemetryDrop(sink string) {
	if m == nil {
		return
	}
	m.telemetryDrops.WithLabelValues(sink).Inc()
}

func (m *Metrics) TelemetryError(sink string) {
	if m == nil {
		return
	}
	m.telemetryErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) ProgramStep(program string, step int) {
	if m == nil {
		return
	}
	m.programStep.WithLabelValues(program).Set(float64(step))
}
