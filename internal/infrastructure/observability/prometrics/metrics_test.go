package prometrics

import (
	"strings"
	"testing"

	"github.com/Zhima-Mochi/directpay/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CounterIsRegisteredOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New("directpay", "", WithRegisterer(reg))

	c := r.Counter("usecase_requests_total", "Use case invocations.", "use_case", "outcome")
	c.Add(1, observability.L("use_case", "Authorize"), observability.L("outcome", "success"))
	again := r.Counter("usecase_requests_total", "Use case invocations.", "use_case", "outcome")
	again.Bind(observability.L("use_case", "Authorize"), observability.L("outcome", "success")).Add(2)

	expected := `
# HELP directpay_usecase_requests_total Use case invocations.
# TYPE directpay_usecase_requests_total counter
directpay_usecase_requests_total{outcome="success",use_case="Authorize"} 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "directpay_usecase_requests_total"))
}

func TestRegistry_Histogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New("directpay", "gateway", WithRegisterer(reg))

	h := r.Histogram("external_request_duration_seconds", "Gateway latency.", nil, "peer", "endpoint")
	h.Observe(0.2, observability.L("peer", "stripe"), observability.L("endpoint", "capture"))
	h.Bind(observability.L("peer", "stripe"), observability.L("endpoint", "capture")).Observe(0.4)

	count, err := testutil.GatherAndCount(reg, "directpay_gateway_external_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
