// Package simulator is a sandbox processor. It decides outcomes at random with a
// configurable success rate, deduplicates by idempotency key the way real processors
// do, and answers status lookups for anything it has recorded.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	domgateway "github.com/Zhima-Mochi/directpay/internal/domain/gateway"
	"github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	Name = "simulator"

	// PropertyOutcome forces an outcome: "success", "decline", "timeout" or "unreachable".
	PropertyOutcome = "simulator.outcome"

	defaultSuccessRate = 0.7
)

var errSimulatedTimeout = fmt.Errorf("simulator: response lost: %w", context.DeadlineExceeded)

type intent struct {
	currency   string
	authorized decimal.Decimal
	captured   decimal.Decimal
	refunded   decimal.Decimal
	voided     bool
}

type Processor struct {
	mu           sync.Mutex
	random       *rand.Rand
	successRate  float64
	unknownRate  float64
	latency      time.Duration
	unreachable  bool
	lookupOnline bool
	byKey        map[string]domgateway.Result
	intents      map[string]*intent
}

var (
	_ domgateway.Authorizer    = (*Processor)(nil)
	_ domgateway.Capturer      = (*Processor)(nil)
	_ domgateway.Purchaser     = (*Processor)(nil)
	_ domgateway.Voider        = (*Processor)(nil)
	_ domgateway.Crediter      = (*Processor)(nil)
	_ domgateway.StatusQuerier = (*Processor)(nil)
)

func New() *Processor {
	return &Processor{
		random:       rand.New(rand.NewSource(time.Now().UnixNano())),
		successRate:  defaultSuccessRate,
		lookupOnline: true,
		byKey:        make(map[string]domgateway.Result),
		intents:      make(map[string]*intent),
	}
}

func (p *Processor) Name() string { return Name }

// MultipleCaptures reports that intents accept partial captures until the authorization is used up.
func (p *Processor) MultipleCaptures() bool { return true }

// SetSuccessRate adjusts the approval probability.
func (p *Processor) SetSuccessRate(rate float64) {
	p.mu.Lock()
	p.successRate = clamp(rate)
	p.mu.Unlock()
}

// SetUnknownRate sets the probability that a committed result is lost on the way back.
func (p *Processor) SetUnknownRate(rate float64) {
	p.mu.Lock()
	p.unknownRate = clamp(rate)
	p.mu.Unlock()
}

// SetLatency delays every response. The outcome is committed before the delay.
func (p *Processor) SetLatency(d time.Duration) {
	p.mu.Lock()
	p.latency = d
	p.mu.Unlock()
}

// SetUnreachable makes calls fail before reaching the processor.
func (p *Processor) SetUnreachable(v bool) {
	p.mu.Lock()
	p.unreachable = v
	p.mu.Unlock()
}

// SetStatusLookup toggles the status lookup endpoint.
func (p *Processor) SetStatusLookup(online bool) {
	p.mu.Lock()
	p.lookupOnline = online
	p.mu.Unlock()
}

func (p *Processor) Authorize(ctx context.Context, req domgateway.Request) (domgateway.Result, error) {
	return p.handle(ctx, req, func(amount decimal.Decimal) domgateway.Result {
		ref := "sim_pi_" + uuid.NewString()
		p.intents[ref] = &intent{currency: req.Currency, authorized: amount}
		return approved(ref, req, amount)
	})
}

func (p *Processor) Purchase(ctx context.Context, req domgateway.Request) (domgateway.Result, error) {
	return p.handle(ctx, req, func(amount decimal.Decimal) domgateway.Result {
		ref := "sim_pi_" + uuid.NewString()
		p.intents[ref] = &intent{currency: req.Currency, authorized: amount, captured: amount}
		return approved(ref, req, amount)
	})
}

func (p *Processor) Capture(ctx context.Context, req domgateway.Request) (domgateway.Result, error) {
	return p.handle(ctx, req, func(amount decimal.Decimal) domgateway.Result {
		in, ok := p.intents[req.ProcessorReference]
		switch {
		case !ok:
			return declined(req, "no_such_payment", "unknown processor reference")
		case in.voided:
			return declined(req, "payment_voided", "authorization was voided")
		case amount.GreaterThan(in.authorized.Sub(in.captured)):
			return declined(req, "amount_too_large", "capture exceeds authorization")
		}
		in.captured = in.captured.Add(amount)
		return approved(req.ProcessorReference, req, amount)
	})
}

func (p *Processor) Void(ctx context.Context, req domgateway.Request) (domgateway.Result, error) {
	return p.handle(ctx, req, func(decimal.Decimal) domgateway.Result {
		in, ok := p.intents[req.ProcessorReference]
		switch {
		case !ok:
			return declined(req, "no_such_payment", "unknown processor reference")
		case in.captured.IsPositive():
			return declined(req, "already_captured", "captured payments must be refunded")
		}
		in.voided = true
		return approved(req.ProcessorReference, req, decimal.Zero)
	})
}

func (p *Processor) Credit(ctx context.Context, req domgateway.Request) (domgateway.Result, error) {
	return p.handle(ctx, req, func(amount decimal.Decimal) domgateway.Result {
		in, ok := p.intents[req.ProcessorReference]
		switch {
		case !ok:
			return declined(req, "no_such_payment", "unknown processor reference")
		case amount.GreaterThan(in.captured.Sub(in.refunded)):
			return declined(req, "amount_too_large", "refund exceeds captured amount")
		}
		in.refunded = in.refunded.Add(amount)
		return approved("sim_re_"+uuid.NewString(), req, amount)
	})
}

// QueryStatus returns the recorded result for the attempt's idempotency key. An attempt the
// processor never recorded is reported FAILED, since the simulator records before answering.
func (p *Processor) QueryStatus(ctx context.Context, q domgateway.StatusQuery) (domgateway.Result, error) {
	if err := ctx.Err(); err != nil {
		return domgateway.Result{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lookupOnline {
		return domgateway.Result{Status: payment.StatusUnknown, ErrorCode: "lookup_unavailable"}, nil
	}
	if res, ok := p.byKey[q.IdempotencyKey]; ok {
		return res, nil
	}
	return domgateway.Result{
		Status:       payment.StatusFailed,
		ErrorCode:    "no_such_request",
		ErrorMessage: "processor has no record of this request",
	}, nil
}

// handle applies dedupe, forced outcomes and random declines around an operation.
func (p *Processor) handle(ctx context.Context, req domgateway.Request, apply func(decimal.Decimal) domgateway.Result) (domgateway.Result, error) {
	forced := req.Properties[PropertyOutcome]

	p.mu.Lock()
	if p.unreachable || forced == "unreachable" {
		p.mu.Unlock()
		return domgateway.Result{}, fmt.Errorf("simulator: %w", domgateway.ErrNotAttempted)
	}
	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		return domgateway.Result{}, fmt.Errorf("simulator: %w: %w", domgateway.ErrNotAttempted, err)
	}

	res, seen := p.byKey[req.IdempotencyKey]
	if !seen {
		amount := decimal.Zero
		if req.Amount != nil {
			amount = *req.Amount
		}
		approve := p.random.Float64() <= p.successRate
		switch forced {
		case "success", "timeout":
			approve = true
		case "decline":
			approve = false
		}
		if approve {
			res = apply(amount)
		} else {
			res = declined(req, "card_declined", "the card was declined")
		}
		if req.IdempotencyKey != "" {
			p.byKey[req.IdempotencyKey] = res
		}
	}
	lost := forced == "timeout" || (!seen && forced == "" && p.random.Float64() < p.unknownRate)
	latency := p.latency
	p.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domgateway.Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	if lost {
		return domgateway.Result{}, errSimulatedTimeout
	}
	return res, nil
}

type response struct {
	Operation string `json:"operation"`
	Status    string `json:"status"`
	Reference string `json:"reference,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Currency  string `json:"currency,omitempty"`
	Code      string `json:"code,omitempty"`
}

func approved(ref string, req domgateway.Request, amount decimal.Decimal) domgateway.Result {
	raw, _ := json.Marshal(response{
		Operation: string(req.Operation), Status: "approved", Reference: ref,
		Amount: amount.String(), Currency: req.Currency,
	})
	return domgateway.Result{Status: payment.StatusSuccess, ProcessorReference: ref, RawResponse: raw}
}

func declined(req domgateway.Request, code, message string) domgateway.Result {
	raw, _ := json.Marshal(response{Operation: string(req.Operation), Status: "declined", Code: code})
	return domgateway.Result{
		Status:       payment.StatusFailed,
		ErrorCode:    code,
		ErrorMessage: message,
		RawResponse:  raw,
	}
}

func clamp(rate float64) float64 {
	if rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}
