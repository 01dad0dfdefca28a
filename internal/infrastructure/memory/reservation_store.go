package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Zhima-Mochi/directpay/internal/domain/idempotency"
)

// ReservationStore keeps idempotency reservations in process memory.
type ReservationStore struct {
	mu      sync.Mutex
	records map[string]idempotency.Record
	now     func() time.Time
}

var _ idempotency.Store = (*ReservationStore)(nil)

func NewReservationStore() *ReservationStore {
	return &ReservationStore{
		records: make(map[string]idempotency.Record),
		now:     time.Now,
	}
}

func (s *ReservationStore) Reserve(ctx context.Context, rec idempotency.Record) (*idempotency.Record, bool, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.Key]; ok && !existing.Expired(s.now()) {
		out := existing
		return &out, false, nil
	}
	s.records[rec.Key] = rec
	return nil, true, nil
}

func (s *ReservationStore) Bind(ctx context.Context, key, paymentID, transactionID string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return idempotency.ErrNotFound
	}
	if rec.State != idempotency.StateInFlight {
		return idempotency.ErrConflict
	}
	rec.PaymentID = paymentID
	rec.TransactionID = transactionID
	rec.UpdatedAt = s.now().UTC()
	s.records[key] = rec
	return nil
}

func (s *ReservationStore) Complete(ctx context.Context, key string, outcome idempotency.Outcome, ttl time.Duration) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return idempotency.ErrNotFound
	}
	now := s.now().UTC()
	o := outcome
	rec.State = idempotency.StateCompleted
	rec.Outcome = &o
	rec.PaymentID = outcome.PaymentID
	rec.TransactionID = outcome.TransactionID
	rec.UpdatedAt = now
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}
	s.records[key] = rec
	return nil
}

func (s *ReservationStore) Delete(ctx context.Context, key string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

func (s *ReservationStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.Expired(s.now()) {
		return nil, idempotency.ErrNotFound
	}
	return &rec, nil
}

func (s *ReservationStore) ListInFlight(ctx context.Context, cutoff time.Time) ([]idempotency.Record, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]idempotency.Record, 0)
	for _, rec := range s.records {
		if rec.State == idempotency.StateInFlight && rec.CreatedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}
