package observability

import (
	"github.com/Zhima-Mochi/directpay/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/directpay/internal/observability"
)

type provider struct {
	tracer  observability.Tracer
	logger  observability.Logger
	metrics observability.Metrics
}

type registeredMetrics struct {
	counters   map[observability.MetricKey]observability.Counter
	histograms map[observability.MetricKey]observability.Histogram
}

func (m *registeredMetrics) Counter(name observability.MetricKey) observability.Counter {
	if m == nil || m.counters == nil {
		return observability.NopCounter()
	}
	if c, ok := m.counters[name]; ok && c != nil {
		return c
	}
	return observability.NopCounter()
}

func (m *registeredMetrics) Histogram(name observability.MetricKey) observability.Histogram {
	if m == nil || m.histograms == nil {
		return observability.NopHistogram()
	}
	if h, ok := m.histograms[name]; ok && h != nil {
		return h
	}
	return observability.NopHistogram()
}

// New assembles an Observability provider backed by the supplied tracer, logger, and metric instruments.
func New(
	tracer observability.Tracer,
	logger observability.Logger,
	counters map[observability.MetricKey]observability.Counter,
	histograms map[observability.MetricKey]observability.Histogram,
) observability.Observability {
	if tracer == nil {
		tracer = observability.NopTracer()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	var metrics observability.Metrics = observability.NopMetrics()
	if len(counters) > 0 || len(histograms) > 0 {
		m := &registeredMetrics{
			counters:   make(map[observability.MetricKey]observability.Counter, len(counters)),
			histograms: make(map[observability.MetricKey]observability.Histogram, len(histograms)),
		}
		for k, v := range counters {
			if v == nil {
				continue
			}
			m.counters[k] = v
		}
		for k, v := range histograms {
			if v == nil {
				continue
			}
			m.histograms[k] = v
		}
		metrics = m
	}

	return &provider{
		tracer:  tracer,
		logger:  logger,
		metrics: metrics,
	}
}

func (p *provider) Tracer() observability.Tracer {
	return p.tracer
}

func (p *provider) Logger() observability.Logger {
	return p.logger
}

func (p *provider) Metrics() observability.Metrics {
	if p.metrics == nil {
		return observability.NopMetrics()
	}
	return p.metrics
}

type counterSpec struct {
	help   string
	labels []string
}

type histogramSpec struct {
	help    string
	buckets []float64
	labels  []string
}

var standardCounters = map[observability.MetricKey]counterSpec{
	observability.MUsecaseRequests:  {"Total number of use case invocations.", []string{"use_case", "outcome"}},
	observability.MHTTPRequests:     {"Total number of HTTP requests.", []string{"method", "route", "status"}},
	observability.MExternalRequests: {"Total number of payment gateway calls.", []string{"peer", "endpoint", "outcome"}},
	observability.MReconciliations:  {"Reconciliation attempts by outcome.", []string{"outcome"}},
	observability.MEventsRelayed:    {"Payment events relayed to the broker.", []string{"event", "outcome"}},
}

var gatewayBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

var standardHistograms = map[observability.MetricKey]histogramSpec{
	observability.MUsecaseDuration:         {"Duration of use case execution in seconds.", nil, []string{"use_case"}},
	observability.MHTTPRequestDuration:     {"Duration of HTTP requests in seconds.", nil, []string{"method", "route", "status"}},
	observability.MExternalRequestDuration: {"Duration of payment gateway calls in seconds.", gatewayBuckets, []string{"peer", "endpoint"}},
}

// Standard registers every instrument the service emits and assembles the provider.
func Standard(tracer observability.Tracer, logger observability.Logger, reg prometrics.Registry) observability.Observability {
	counters := make(map[observability.MetricKey]observability.Counter, len(standardCounters))
	for key, def := range standardCounters {
		counters[key] = reg.Counter(string(key), def.help, def.labels...)
	}
	histograms := make(map[observability.MetricKey]observability.Histogram, len(standardHistograms))
	for key, def := range standardHistograms {
		histograms[key] = reg.Histogram(string(key), def.help, def.buckets, def.labels...)
	}
	return New(tracer, logger, counters, histograms)
}
