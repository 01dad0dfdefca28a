package stripe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	domgateway "github.com/Zhima-Mochi/directpay/internal/domain/gateway"
	"github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlugin(t *testing.T, handler http.HandlerFunc) *Plugin {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := New(Config{SecretKey: "sk_test_123", BaseURL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	return p
}

func amount(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestAuthorize_ManualCaptureIntent(t *testing.T) {
	p := newTestPlugin(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "acct-1:AUTHORIZE:ext-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "manual", r.PostForm.Get("capture_method"))
		assert.Equal(t, "1050", r.PostForm.Get("amount"))
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		assert.Equal(t, "acct-1:AUTHORIZE:ext-1", r.PostForm.Get("metadata[idempotency_key]"))
		writeJSON(w, http.StatusOK, `{"id":"pi_1","object":"payment_intent","status":"requires_capture","amount":1050}`)
	})

	res, err := p.Authorize(context.Background(), domgateway.Request{
		Operation:      payment.OpAuthorize,
		PaymentID:      "pay-1",
		TransactionID:  "txn-1",
		Amount:         amount("10.50"),
		Currency:       "USD",
		IdempotencyKey: "acct-1:AUTHORIZE:ext-1",
	})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, res.Status)
	assert.Equal(t, "pi_1", res.ProcessorReference)
	assert.NotEmpty(t, res.RawResponse)
}

func TestPurchase_CardDeclined(t *testing.T) {
	p := newTestPlugin(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusPaymentRequired,
			`{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}`)
	})

	res, err := p.Purchase(context.Background(), domgateway.Request{
		Operation: payment.OpPurchase, Amount: amount("5"), Currency: "USD", IdempotencyKey: "k",
	})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, res.Status)
	assert.Equal(t, "insufficient_funds", res.ErrorCode)
}

func TestPurchase_ServerErrorIsUnknown(t *testing.T) {
	p := newTestPlugin(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"error":{"type":"api_error","message":"boom"}}`)
	})

	res, err := p.Purchase(context.Background(), domgateway.Request{
		Operation: payment.OpPurchase, Amount: amount("5"), Currency: "USD", IdempotencyKey: "k",
	})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusUnknown, res.Status)
}

func TestPurchase_RateLimitedIsNotAttempted(t *testing.T) {
	p := newTestPlugin(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, `{"error":{"type":"invalid_request_error","code":"rate_limit","message":"slow down"}}`)
	})

	res, err := p.Purchase(context.Background(), domgateway.Request{
		Operation: payment.OpPurchase, Amount: amount("5"), Currency: "USD", IdempotencyKey: "k",
	})
	require.Error(t, err)
	assert.True(t, domgateway.NotAttemptedError(err))
	assert.True(t, domgateway.Normalize(res, err).NotAttempted())
}

func TestCapture_PartialAmount(t *testing.T) {
	p := newTestPlugin(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "/v1/payment_intents/pi_1/capture", r.URL.Path)
		assert.Equal(t, "6000", r.PostForm.Get("amount_to_capture"))
		writeJSON(w, http.StatusOK, `{"id":"pi_1","object":"payment_intent","status":"succeeded"}`)
	})

	res, err := p.Capture(context.Background(), domgateway.Request{
		Operation: payment.OpCapture, Amount: amount("60"), Currency: "USD",
		IdempotencyKey: "k-cap", ProcessorReference: "pi_1",
	})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, res.Status)
	// Stripe releases the uncaptured remainder after the first capture
	assert.False(t, domgateway.SupportsMultipleCaptures(p))
}

func TestQueryStatus_RefundFoundByIdempotencyKey(t *testing.T) {
	p := newTestPlugin(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		assert.Equal(t, "pi_1", r.URL.Query().Get("payment_intent"))
		writeJSON(w, http.StatusOK, `{"object":"list","url":"/v1/refunds","has_more":false,"data":[
			{"id":"re_other","object":"refund","status":"succeeded","metadata":{"idempotency_key":"other"}},
			{"id":"re_1","object":"refund","status":"succeeded","metadata":{"idempotency_key":"k-credit"}}]}`)
	})

	res, err := p.QueryStatus(context.Background(), domgateway.StatusQuery{
		Operation: payment.OpCredit, IdempotencyKey: "k-credit", ProcessorReference: "pi_1",
	})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, res.Status)
	assert.Equal(t, "re_1", res.ProcessorReference)
}

func TestQueryStatus_SearchMissIsUnknown(t *testing.T) {
	p := newTestPlugin(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents/search", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("query"), "k-auth")
		writeJSON(w, http.StatusOK, `{"object":"search_result","url":"/v1/payment_intents/search","has_more":false,"data":[]}`)
	})

	res, err := p.QueryStatus(context.Background(), domgateway.StatusQuery{
		Operation: payment.OpAuthorize, IdempotencyKey: "k-auth",
	})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusUnknown, res.Status)
}

func TestQueryStatus_CaptureNotApplied(t *testing.T) {
	p := newTestPlugin(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents/pi_1", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"id":"pi_1","object":"payment_intent","status":"requires_capture"}`)
	})

	res, err := p.QueryStatus(context.Background(), domgateway.StatusQuery{
		Operation: payment.OpCapture, IdempotencyKey: "k-cap", ProcessorReference: "pi_1",
	})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, res.Status)
	assert.Equal(t, "not_captured", res.ErrorCode)
}

func TestToMinor(t *testing.T) {
	v, err := toMinor(amount("12.34"), "usd")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), v)

	v, err = toMinor(amount("500"), "JPY")
	require.NoError(t, err)
	assert.Equal(t, int64(500), v)

	_, err = toMinor(amount("1.005"), "USD")
	assert.True(t, domgateway.NotAttemptedError(err))

	_, err = New(Config{})
	assert.Error(t, err)
}
