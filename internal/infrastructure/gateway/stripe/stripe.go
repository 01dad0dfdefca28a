// Package stripe connects the payment core to Stripe PaymentIntents and Refunds.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	domgateway "github.com/Zhima-Mochi/directpay/internal/domain/gateway"
	"github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

const (
	Name = "stripe"

	// PropertyPaymentMethod selects the payment method attached on creation.
	PropertyPaymentMethod = "stripe.payment_method"

	metadataIdempotencyKey = "idempotency_key"
	metadataPaymentID      = "payment_id"
	metadataTransactionID  = "transaction_id"
)

// Config holds the client settings. BaseURL and HTTPClient are optional.
type Config struct {
	SecretKey            string
	BaseURL              string
	HTTPClient           *http.Client
	Logger               stripeapi.LeveledLoggerInterface
	DefaultPaymentMethod string
}

type Plugin struct {
	api           *client.API
	paymentMethod string
}

var (
	_ domgateway.Authorizer    = (*Plugin)(nil)
	_ domgateway.Capturer      = (*Plugin)(nil)
	_ domgateway.Purchaser     = (*Plugin)(nil)
	_ domgateway.Voider        = (*Plugin)(nil)
	_ domgateway.Crediter      = (*Plugin)(nil)
	_ domgateway.StatusQuerier = (*Plugin)(nil)
)

func New(cfg Config) (*Plugin, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe: secret key is required")
	}
	backendCfg := &stripeapi.BackendConfig{
		// Retries would reuse the idempotency key anyway; the core owns retry policy.
		MaxNetworkRetries: stripeapi.Int64(0),
		HTTPClient:        cfg.HTTPClient,
		LeveledLogger:     cfg.Logger,
	}
	if backendCfg.LeveledLogger == nil {
		backendCfg.LeveledLogger = &stripeapi.LeveledLogger{Level: stripeapi.LevelError}
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripeapi.String(cfg.BaseURL)
	}
	backends := &stripeapi.Backends{
		API:     stripeapi.GetBackendWithConfig(stripeapi.APIBackend, backendCfg),
		Connect: stripeapi.GetBackendWithConfig(stripeapi.ConnectBackend, backendCfg),
		Uploads: stripeapi.GetBackendWithConfig(stripeapi.UploadsBackend, backendCfg),
	}
	pm := cfg.DefaultPaymentMethod
	if pm == "" {
		pm = "pm_card_visa"
	}
	return &Plugin{api: client.New(cfg.SecretKey, backends), paymentMethod: pm}, nil
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Authorize(ctx context.Context, req domgateway.Request) (domgateway.Result, error) {
	return p.createIntent(ctx, req, stripeapi.PaymentIntentCaptureMethodManual)
}

func (p *Plugin) Purchase(ctx context.Context, req domgateway.Request) (domgateway.Result, error) {
	return p.createIntent(ctx, req, stripeapi.PaymentIntentCaptureMethodAutomatic)
}

func (p *Plugin) createIntent(ctx context.Context, req domgateway.Request, method stripeapi.PaymentIntentCaptureMethod) (domgateway.Result, error) {
	minor, err := toMinor(req.Amount, req.Currency)
	if err != nil {
		return domgateway.Result{}, err
	}
	pm := req.Properties[PropertyPaymentMethod]
	if pm == "" {
		pm = p.paymentMethod
	}
	params := &stripeapi.PaymentIntentParams{
		Amount:             stripeapi.Int64(minor),
		Currency:           stripeapi.String(strings.ToLower(req.Currency)),
		CaptureMethod:      stripeapi.String(string(method)),
		Confirm:            stripeapi.Bool(true),
		PaymentMethod:      stripeapi.String(pm),
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	tag(&params.Params, req.IdempotencyKey, req.PaymentID, req.TransactionID)

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return fromError(err)
	}
	return intentResult(req.Operation, pi), nil
}

func (p *Plugin) Capture(ctx context.Context, req domgateway.Request) (domgateway.Result, error) {
	params := &stripeapi.PaymentIntentCaptureParams{}
	if req.Amount != nil {
		minor, err := toMinor(req.Amount, req.Currency)
		if err != nil {
			return domgateway.Result{}, err
		}
		params.AmountToCapture = stripeapi.Int64(minor)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := p.api.PaymentIntents.Capture(req.ProcessorReference, params)
	if err != nil {
		return fromError(err)
	}
	return intentResult(req.Operation, pi), nil
}

func (p *Plugin) Void(ctx context.Context, req domgateway.Request) (domgateway.Result, error) {
	params := &stripeapi.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := p.api.PaymentIntents.Cancel(req.ProcessorReference, params)
	if err != nil {
		return fromError(err)
	}
	return intentResult(req.Operation, pi), nil
}

func (p *Plugin) Credit(ctx context.Context, req domgateway.Request) (domgateway.Result, error) {
	params := &stripeapi.RefundParams{PaymentIntent: stripeapi.String(req.ProcessorReference)}
	if req.Amount != nil {
		minor, err := toMinor(req.Amount, req.Currency)
		if err != nil {
			return domgateway.Result{}, err
		}
		params.Amount = stripeapi.Int64(minor)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	tag(&params.Params, req.IdempotencyKey, req.PaymentID, req.TransactionID)

	re, err := p.api.Refunds.New(params)
	if err != nil {
		return fromError(err)
	}
	return refundResult(re), nil
}

// QueryStatus resolves an earlier attempt. Creation attempts without a reference are
// found by the idempotency key stored in metadata; refunds by listing the intent's refunds.
func (p *Plugin) QueryStatus(ctx context.Context, q domgateway.StatusQuery) (domgateway.Result, error) {
	switch q.Operation {
	case payment.OpCredit:
		return p.queryRefund(ctx, q)
	case payment.OpAuthorize, payment.OpPurchase:
		if q.ProcessorReference == "" {
			return p.searchIntent(ctx, q)
		}
	}
	if q.ProcessorReference == "" {
		return unknown("missing_reference", "no processor reference to look up"), nil
	}

	params := &stripeapi.PaymentIntentParams{}
	params.Context = ctx
	pi, err := p.api.PaymentIntents.Get(q.ProcessorReference, params)
	if err != nil {
		return fromError(err)
	}

	switch q.Operation {
	case payment.OpCapture:
		switch pi.Status {
		case stripeapi.PaymentIntentStatusSucceeded:
			return intentResult(q.Operation, pi), nil
		case stripeapi.PaymentIntentStatusRequiresCapture, stripeapi.PaymentIntentStatusCanceled:
			return failed(pi, "not_captured", "intent was not captured"), nil
		}
		return unknown(string(pi.Status), "capture still in progress"), nil
	case payment.OpVoid:
		switch pi.Status {
		case stripeapi.PaymentIntentStatusCanceled:
			return intentResult(q.Operation, pi), nil
		case stripeapi.PaymentIntentStatusRequiresCapture, stripeapi.PaymentIntentStatusSucceeded:
			return failed(pi, "not_canceled", "intent was not canceled"), nil
		}
		return unknown(string(pi.Status), "cancellation still in progress"), nil
	}
	return intentResult(q.Operation, pi), nil
}

func (p *Plugin) searchIntent(ctx context.Context, q domgateway.StatusQuery) (domgateway.Result, error) {
	params := &stripeapi.PaymentIntentSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataIdempotencyKey, q.IdempotencyKey)
	params.Context = ctx

	it := p.api.PaymentIntents.Search(params)
	if it.Next() {
		return intentResult(q.Operation, it.PaymentIntent()), nil
	}
	if err := it.Err(); err != nil {
		return fromError(err)
	}
	// Search is eventually consistent, so absence is not proof.
	return unknown("not_found", "no intent carries this idempotency key"), nil
}

func (p *Plugin) queryRefund(ctx context.Context, q domgateway.StatusQuery) (domgateway.Result, error) {
	if strings.HasPrefix(q.ProcessorReference, "re_") {
		params := &stripeapi.RefundParams{}
		params.Context = ctx
		re, err := p.api.Refunds.Get(q.ProcessorReference, params)
		if err != nil {
			return fromError(err)
		}
		return refundResult(re), nil
	}
	if q.ProcessorReference == "" {
		return unknown("missing_reference", "no processor reference to look up"), nil
	}

	params := &stripeapi.RefundListParams{PaymentIntent: stripeapi.String(q.ProcessorReference)}
	params.Context = ctx
	it := p.api.Refunds.List(params)
	for it.Next() {
		re := it.Refund()
		if re.Metadata[metadataIdempotencyKey] == q.IdempotencyKey {
			return refundResult(re), nil
		}
	}
	if err := it.Err(); err != nil {
		return fromError(err)
	}
	return domgateway.Result{
		Status:       payment.StatusFailed,
		ErrorCode:    "no_such_refund",
		ErrorMessage: "intent has no refund for this idempotency key",
	}, nil
}

func intentResult(op payment.OperationType, pi *stripeapi.PaymentIntent) domgateway.Result {
	switch pi.Status {
	case stripeapi.PaymentIntentStatusSucceeded:
		return succeeded(pi.ID, pi)
	case stripeapi.PaymentIntentStatusRequiresCapture:
		switch op {
		case payment.OpAuthorize:
			return succeeded(pi.ID, pi)
		case payment.OpVoid:
			return failed(pi, "not_canceled", "intent still requires capture")
		}
		return unknown(string(pi.Status), "intent still requires capture")
	case stripeapi.PaymentIntentStatusCanceled:
		if op == payment.OpVoid {
			return succeeded(pi.ID, pi)
		}
		return failed(pi, "canceled", "intent was canceled")
	case stripeapi.PaymentIntentStatusRequiresPaymentMethod, stripeapi.PaymentIntentStatusRequiresAction:
		code, msg := string(pi.Status), "payment requires customer action"
		if pi.LastPaymentError != nil {
			code, msg = declineCode(pi.LastPaymentError), pi.LastPaymentError.Msg
		}
		return failed(pi, code, msg)
	}
	return unknown(string(pi.Status), "intent is still processing")
}

func refundResult(re *stripeapi.Refund) domgateway.Result {
	raw, _ := json.Marshal(re)
	res := domgateway.Result{ProcessorReference: re.ID, RawResponse: raw}
	switch re.Status {
	case stripeapi.RefundStatusSucceeded:
		res.Status = payment.StatusSuccess
	case stripeapi.RefundStatusFailed, stripeapi.RefundStatusCanceled:
		res.Status = payment.StatusFailed
		res.ErrorCode = string(re.FailureReason)
		if res.ErrorCode == "" {
			res.ErrorCode = string(re.Status)
		}
	default:
		res.Status = payment.StatusUnknown
		res.ErrorCode = string(re.Status)
	}
	return res
}

// fromError maps a Stripe API error onto the three-valued outcome.
func fromError(err error) (domgateway.Result, error) {
	var se *stripeapi.Error
	if !errors.As(err, &se) {
		return domgateway.Result{}, err
	}
	raw, _ := json.Marshal(se)
	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests:
		return domgateway.Result{}, fmt.Errorf("stripe: %w: %s", domgateway.ErrNotAttempted, se.Msg)
	case se.Type == stripeapi.ErrorTypeCard:
		return domgateway.Result{
			Status: payment.StatusFailed, ErrorCode: declineCode(se), ErrorMessage: se.Msg, RawResponse: raw,
		}, nil
	case se.Type == stripeapi.ErrorTypeInvalidRequest && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 &&
		se.HTTPStatusCode != http.StatusConflict:
		return domgateway.Result{
			Status: payment.StatusFailed, ErrorCode: string(se.Code), ErrorMessage: se.Msg, RawResponse: raw,
		}, nil
	}
	return domgateway.Result{
		Status: payment.StatusUnknown, ErrorCode: string(se.Type), ErrorMessage: se.Msg, RawResponse: raw,
	}, nil
}

func declineCode(se *stripeapi.Error) string {
	if se.DeclineCode != "" {
		return string(se.DeclineCode)
	}
	if se.Code != "" {
		return string(se.Code)
	}
	return string(se.Type)
}

func succeeded(ref string, v any) domgateway.Result {
	raw, _ := json.Marshal(v)
	return domgateway.Result{Status: payment.StatusSuccess, ProcessorReference: ref, RawResponse: raw}
}

func failed(pi *stripeapi.PaymentIntent, code, msg string) domgateway.Result {
	raw, _ := json.Marshal(pi)
	return domgateway.Result{
		Status:             payment.StatusFailed,
		ProcessorReference: pi.ID,
		ErrorCode:          code,
		ErrorMessage:       msg,
		RawResponse:        raw,
	}
}

func unknown(code, msg string) domgateway.Result {
	return domgateway.Result{Status: payment.StatusUnknown, ErrorCode: code, ErrorMessage: msg}
}

func tag(params *stripeapi.Params, key, paymentID, transactionID string) {
	params.AddMetadata(metadataIdempotencyKey, key)
	params.AddMetadata(metadataPaymentID, paymentID)
	params.AddMetadata(metadataTransactionID, transactionID)
}

var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true, "KRW": true,
	"MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true, "VUV": true, "XAF": true,
	"XOF": true, "XPF": true,
}

// toMinor converts an amount to the currency's smallest unit.
func toMinor(amount *decimal.Decimal, currency string) (int64, error) {
	if amount == nil {
		return 0, fmt.Errorf("stripe: %w: amount is required", domgateway.ErrNotAttempted)
	}
	exp := int32(2)
	if zeroDecimal[strings.ToUpper(currency)] {
		exp = 0
	}
	minor := amount.Shift(exp)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("stripe: %w: %s has more precision than %s allows", domgateway.ErrNotAttempted, amount, currency)
	}
	return minor.IntPart(), nil
}
