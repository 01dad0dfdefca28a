// Package redis shares idempotency reservations between service instances.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/directpay/internal/domain/idempotency"
	"github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/go-redis/redis/v8"
)

const (
	defaultPrefix = "directpay:idempotency:"
	maxTxRetries  = 5
	scanBatch     = 200
)

// NewClient builds a client with the service's pool and timeout settings.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
}

// ReservationStore keeps reservations as JSON values. In-flight records never
// expire on their own; completed ones carry the replay TTL.
type ReservationStore struct {
	client *redis.Client
	prefix string
}

var _ idempotency.Store = (*ReservationStore)(nil)

func NewReservationStore(client *redis.Client) *ReservationStore {
	return &ReservationStore{client: client, prefix: defaultPrefix}
}

type outcomeJSON struct {
	Status        string `json:"status"`
	PaymentID     string `json:"payment_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

type recordJSON struct {
	Key           string       `json:"key"`
	Kind          string       `json:"kind"`
	State         string       `json:"state"`
	Owner         string       `json:"owner,omitempty"`
	PaymentID     string       `json:"payment_id,omitempty"`
	TransactionID string       `json:"transaction_id,omitempty"`
	Outcome       *outcomeJSON `json:"outcome,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	ExpiresAt     time.Time    `json:"expires_at,omitempty"`
}

func encode(rec idempotency.Record) ([]byte, error) {
	w := recordJSON{
		Key: rec.Key, Kind: string(rec.Kind), State: string(rec.State), Owner: rec.Owner,
		PaymentID: rec.PaymentID, TransactionID: rec.TransactionID,
		CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt, ExpiresAt: rec.ExpiresAt,
	}
	if rec.Outcome != nil {
		w.Outcome = &outcomeJSON{
			Status: string(rec.Outcome.Status), PaymentID: rec.Outcome.PaymentID, TransactionID: rec.Outcome.TransactionID,
		}
	}
	return json.Marshal(w)
}

func decode(b []byte) (*idempotency.Record, error) {
	var w recordJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("decode reservation: %w", err)
	}
	rec := &idempotency.Record{
		Key: w.Key, Kind: idempotency.Kind(w.Kind), State: idempotency.State(w.State), Owner: w.Owner,
		PaymentID: w.PaymentID, TransactionID: w.TransactionID,
		CreatedAt: w.CreatedAt, UpdatedAt: w.UpdatedAt, ExpiresAt: w.ExpiresAt,
	}
	if w.Outcome != nil {
		rec.Outcome = &idempotency.Outcome{
			Status:        payment.TransactionStatus(w.Outcome.Status),
			PaymentID:     w.Outcome.PaymentID,
			TransactionID: w.Outcome.TransactionID,
		}
	}
	return rec, nil
}

func (s *ReservationStore) redisKey(key string) string { return s.prefix + key }

func ttlUntil(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	if d := time.Until(expiresAt); d > 0 {
		return d
	}
	return time.Millisecond
}

func (s *ReservationStore) Reserve(ctx context.Context, rec idempotency.Record) (*idempotency.Record, bool, error) {
	body, err := encode(rec)
	if err != nil {
		return nil, false, err
	}
	k := s.redisKey(rec.Key)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		ok, err := s.client.SetNX(ctx, k, body, ttlUntil(rec.ExpiresAt)).Result()
		if err != nil {
			return nil, false, err
		}
		if ok {
			return nil, true, nil
		}
		existing, err := s.Get(ctx, rec.Key)
		if errors.Is(err, idempotency.ErrNotFound) {
			// expired between SETNX and GET
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("reserve %s: key kept changing", rec.Key)
}

func (s *ReservationStore) Bind(ctx context.Context, key, paymentID, transactionID string) error {
	return s.update(ctx, key, func(rec *idempotency.Record) (time.Duration, error) {
		if rec.State != idempotency.StateInFlight {
			return 0, idempotency.ErrConflict
		}
		rec.PaymentID = paymentID
		rec.TransactionID = transactionID
		rec.UpdatedAt = time.Now().UTC()
		return redis.KeepTTL, nil
	})
}

func (s *ReservationStore) Complete(ctx context.Context, key string, outcome idempotency.Outcome, ttl time.Duration) error {
	return s.update(ctx, key, func(rec *idempotency.Record) (time.Duration, error) {
		now := time.Now().UTC()
		o := outcome
		rec.State = idempotency.StateCompleted
		rec.Outcome = &o
		rec.PaymentID = outcome.PaymentID
		rec.TransactionID = outcome.TransactionID
		rec.UpdatedAt = now
		if ttl > 0 {
			rec.ExpiresAt = now.Add(ttl)
		}
		return ttl, nil
	})
}

// update applies fn under WATCH so concurrent writers retry instead of overwriting.
func (s *ReservationStore) update(ctx context.Context, key string, fn func(*idempotency.Record) (time.Duration, error)) error {
	k := s.redisKey(key)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return idempotency.ErrNotFound
		}
		if err != nil {
			return err
		}
		rec, err := decode(raw)
		if err != nil {
			return err
		}
		ttl, err := fn(rec)
		if err != nil {
			return err
		}
		body, err := encode(*rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, body, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: %w", key, redis.TxFailedErr)
}

func (s *ReservationStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.redisKey(key)).Err()
}

func (s *ReservationStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func (s *ReservationStore) ListInFlight(ctx context.Context, cutoff time.Time) ([]idempotency.Record, error) {
	out := make([]idempotency.Record, 0)
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, err
			}
			for _, v := range values {
				str, ok := v.(string)
				if !ok {
					continue
				}
				rec, err := decode([]byte(str))
				if err != nil {
					return nil, err
				}
				if rec.State == idempotency.StateInFlight && rec.CreatedAt.Before(cutoff) {
					out = append(out, *rec)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}
