package httppresentation

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	appidem "github.com/Zhima-Mochi/directpay/internal/application/idempotency"
	apppay "github.com/Zhima-Mochi/directpay/internal/application/payment"
	gatewayinfra "github.com/Zhima-Mochi/directpay/internal/infrastructure/gateway"
	"github.com/Zhima-Mochi/directpay/internal/infrastructure/gateway/simulator"
	"github.com/Zhima-Mochi/directpay/internal/infrastructure/id"
	"github.com/Zhima-Mochi/directpay/internal/infrastructure/memory"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, *simulator.Processor) {
	t.Helper()
	sim := simulator.New()
	sim.SetSuccessRate(1)
	registry := gatewayinfra.NewRegistry(simulator.Name)
	registry.Register(sim)

	guard := appidem.NewGuard(memory.NewReservationStore(), "test", nil)
	orch := apppay.NewOrchestrator(memory.NewLedgerStore(), guard, registry, id.NewUUIDGenerator(), nil, apppay.Config{}, nil)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	return NewHandler(orch, nil, nil, WithMetricsHandler(metrics)).Router(), sim
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeOperation(t *testing.T, rec *httptest.ResponseRecorder) operationResponse {
	t.Helper()
	var out operationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAuthorizeCaptureCredit(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/accounts/acct-1/payments/authorizations",
		map[string]any{"external_key": "order-1", "amount": "100.00", "currency": "usd"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	auth := decodeOperation(t, rec)
	assert.Equal(t, "SUCCESS", auth.Outcome)
	require.NotNil(t, auth.Payment)
	assert.Equal(t, "AUTH_SUCCESS", auth.Payment.State)
	assert.Equal(t, "USD", auth.Payment.Currency)
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))

	paymentPath := "/api/v1/accounts/acct-1/payments/" + auth.Payment.ID
	rec = doJSON(t, r, http.MethodPost, paymentPath+"/captures", map[string]any{"amount": "60"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	capture := decodeOperation(t, rec)
	assert.Equal(t, "CAPTURED", capture.Payment.State)
	assert.Equal(t, "60", capture.Payment.AmountCaptured.String())

	rec = doJSON(t, r, http.MethodPost, paymentPath+"/credits", map[string]any{"amount": "20"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, r, http.MethodPost, paymentPath+"/credits", map[string]any{"amount": "50"})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	rejected := decodeOperation(t, rec)
	assert.Equal(t, "REJECTED", rejected.Outcome)
	require.NotNil(t, rejected.Error)
	assert.Equal(t, "INVALID_STATE", rejected.Error.Kind)
}

func TestCreateReplayReturnsOK(t *testing.T) {
	r, _ := newTestRouter(t)
	body := map[string]any{"external_key": "order-2", "amount": "10"}

	first := doJSON(t, r, http.MethodPost, "/api/v1/accounts/acct-1/payments/purchases", body)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := doJSON(t, r, http.MethodPost, "/api/v1/accounts/acct-1/payments/purchases", body)
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())

	a, b := decodeOperation(t, first), decodeOperation(t, second)
	assert.True(t, b.Replayed)
	assert.Equal(t, a.Payment.ID, b.Payment.ID)
	assert.Equal(t, a.Transaction.ID, b.Transaction.ID)
}

func TestVoidAcceptsEmptyChunkedBody(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/api/v1/accounts/acct-1/payments/authorizations",
		map[string]any{"external_key": "order-3", "amount": "10"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	auth := decodeOperation(t, rec)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts/acct-1/payments/"+auth.Payment.ID+"/voids", strings.NewReader(""))
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "VOIDED", decodeOperation(t, rec).Payment.State)
}

func TestStatusMapping(t *testing.T) {
	r, _ := newTestRouter(t)

	t.Run("validation", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodPost, "/api/v1/accounts/acct-1/payments/authorizations",
			map[string]any{"external_key": "order-3", "amount": "0"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodPost, "/api/v1/accounts/acct-1/payments/authorizations",
			map[string]any{"amount": "5"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("not found", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodPost, "/api/v1/accounts/acct-1/payments/missing/voids", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("declined", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodPost, "/api/v1/accounts/acct-1/payments/authorizations",
			map[string]any{
				"external_key": "order-4",
				"amount":       "5",
				"properties":   map[string]string{simulator.PropertyOutcome: "decline"},
			})
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		out := decodeOperation(t, rec)
		require.NotNil(t, out.Error)
		assert.Equal(t, "GATEWAY_DECLINED", out.Error.Kind)
		assert.NotEmpty(t, out.Error.Code)
	})

	t.Run("transient", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodPost, "/api/v1/accounts/acct-1/payments/authorizations",
			map[string]any{
				"external_key": "order-5",
				"amount":       "5",
				"properties":   map[string]string{simulator.PropertyOutcome: "unreachable"},
			})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("indeterminate", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodPost, "/api/v1/accounts/acct-1/payments/authorizations",
			map[string]any{
				"external_key": "order-6",
				"amount":       "5",
				"properties":   map[string]string{simulator.PropertyOutcome: "timeout"},
			})
		assert.Equal(t, http.StatusAccepted, rec.Code)
		out := decodeOperation(t, rec)
		assert.Equal(t, "INDETERMINATE", out.Outcome)
		assert.Equal(t, "UNKNOWN", out.Transaction.Status)

		rec = doJSON(t, r, http.MethodPost, "/api/v1/accounts/acct-1/payments/"+out.Payment.ID+"/voids", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, retryAfterSeconds, rec.Header().Get("Retry-After"))
	})
}

func TestReadEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/api/v1/accounts/acct-7/payments/authorizations",
		map[string]any{"external_key": "order-7", "amount": "12.50"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeOperation(t, rec)

	rec = doJSON(t, r, http.MethodGet, "/api/v1/payments/"+created.Payment.ID+"?with_plugin_info=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got paymentDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.Payment.ID, got.ID)
	require.NotNil(t, got.PluginInfo)
	assert.Equal(t, simulator.Name, got.PluginInfo.PluginName)
	assert.Equal(t, "SUCCESS", got.PluginInfo.Status)
	assert.Len(t, got.Transactions, 1)

	rec = doJSON(t, r, http.MethodGet, "/api/v1/payments/"+created.Payment.ID+"?account_id=someone-else", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/api/v1/accounts/acct-7/payments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Payments []paymentDTO `json:"payments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Payments, 1)
	assert.Nil(t, list.Payments[0].PluginInfo)

	rec = doJSON(t, r, http.MethodGet, "/api/v1/accounts/acct-7/payments?with_plugin_info=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = doJSON(t, r, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "metrics")
}
