package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	dom "github.com/Zhima-Mochi/directpay/internal/domain/idempotency"
	"github.com/Zhima-Mochi/directpay/internal/observability"
	"github.com/Zhima-Mochi/directpay/internal/observability/logctx"
)

const (
	componentGuard     = "idempotency_guard"
	defaultCompleteTTL = 24 * time.Hour
)

// Decision is the answer to a reservation request.
type Decision int

const (
	Admitted Decision = iota
	AlreadyCompleted
	InFlight
)

func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case AlreadyCompleted:
		return "already_completed"
	case InFlight:
		return "in_flight"
	}
	return "unknown"
}

// Reservation carries the decision and, unless admitted, the existing record.
type Reservation struct {
	Decision Decision
	Record   *dom.Record
}

// Guard deduplicates operations by key and serializes work per payment.
type Guard struct {
	store       dom.Store
	owner       string
	completeTTL time.Duration
	now         func() time.Time
	log         observability.Logger
}

type Option func(*Guard)

// WithCompletedTTL bounds how long completed outcomes are replayed from the guard.
func WithCompletedTTL(ttl time.Duration) Option {
	return func(g *Guard) { g.completeTTL = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func NewGuard(store dom.Store, owner string, logger observability.Logger, opts ...Option) *Guard {
	if logger == nil {
		logger = observability.NopLogger()
	}
	g := &Guard{
		store:       store,
		owner:       owner,
		completeTTL: defaultCompleteTTL,
		now:         time.Now,
		log:         logger.With(observability.F("component", componentGuard)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Reserve writes an IN_FLIGHT record for key unless one already exists.
func (g *Guard) Reserve(ctx context.Context, key dom.Key) (Reservation, error) {
	return g.reserve(ctx, key, dom.KindOperation)
}

func (g *Guard) reserve(ctx context.Context, key dom.Key, kind dom.Kind) (Reservation, error) {
	now := g.now().UTC()
	existing, ok, err := g.store.Reserve(ctx, dom.Record{
		Key:       key.String(),
		Kind:      kind,
		State:     dom.StateInFlight,
		Owner:     g.owner,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	if ok {
		return Reservation{Decision: Admitted}, nil
	}
	if existing.State == dom.StateCompleted {
		return Reservation{Decision: AlreadyCompleted, Record: existing}, nil
	}
	return Reservation{Decision: InFlight, Record: existing}, nil
}

// Bind ties the reservation to the transaction recorded before the gateway call,
// so a crash after the call is detectable.
func (g *Guard) Bind(ctx context.Context, key dom.Key, paymentID, transactionID string) error {
	if err := g.store.Bind(ctx, key.String(), paymentID, transactionID); err != nil {
		return fmt.Errorf("bind %s: %w", key, err)
	}
	return nil
}

// Release completes the reservation with its final outcome.
func (g *Guard) Release(ctx context.Context, key dom.Key, outcome dom.Outcome) error {
	if err := g.store.Complete(ctx, key.String(), outcome, g.completeTTL); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// Abandon drops a reservation whose operation provably never reached the gateway.
func (g *Guard) Abandon(ctx context.Context, key dom.Key) {
	if err := g.store.Delete(ctx, key.String()); err != nil {
		logctx.FromOr(ctx, g.log).Warn("reservation_abandon_failed",
			observability.F("key", key.String()),
			observability.F("error", err.Error()),
		)
	}
}

// Lookup returns the current record for key.
func (g *Guard) Lookup(ctx context.Context, key dom.Key) (*dom.Record, error) {
	return g.store.Get(ctx, key.String())
}

// AcquirePayment takes the per-payment slot. The returned release func is safe to call once.
func (g *Guard) AcquirePayment(ctx context.Context, accountID, paymentID string) (func(), bool, error) {
	key := dom.SlotKey(accountID, paymentID)
	res, err := g.reserve(ctx, key, dom.KindSlot)
	if err != nil {
		return nil, false, err
	}
	if res.Decision != Admitted {
		return nil, false, nil
	}
	return func() {
		// the caller's context may be done by now; the slot must still be freed
		if err := g.store.Delete(context.WithoutCancel(ctx), key.String()); err != nil {
			logctx.FromOr(ctx, g.log).Error("payment_slot_release_failed",
				observability.F("key", key.String()),
				observability.F("error", err.Error()),
			)
		}
	}, true, nil
}

// Stale lists in-flight reservations created before cutoff.
func (g *Guard) Stale(ctx context.Context, cutoff time.Time) ([]dom.Record, error) {
	recs, err := g.store.ListInFlight(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list in-flight reservations: %w", err)
	}
	return recs, nil
}

// Drop removes a raw record by its stored key.
func (g *Guard) Drop(ctx context.Context, rawKey string) error {
	if err := g.store.Delete(ctx, rawKey); err != nil && !errors.Is(err, dom.ErrNotFound) {
		return err
	}
	return nil
}

// Settle completes a raw record by its stored key.
func (g *Guard) Settle(ctx context.Context, rawKey string, outcome dom.Outcome) error {
	return g.store.Complete(ctx, rawKey, outcome, g.completeTTL)
}
