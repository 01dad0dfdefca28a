package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/Zhima-Mochi/directpay/internal/domain/payment"
)

// LedgerStore is an in-process Ledger. Each payment is guarded by the store mutex,
// so every write is atomic per payment.
type LedgerStore struct {
	mu         sync.RWMutex
	payments   map[string]*domain.Payment
	byExternal map[string]string
	byAccount  map[string][]string
}

var _ domain.Ledger = (*LedgerStore)(nil)

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		payments:   make(map[string]*domain.Payment),
		byExternal: make(map[string]string),
		byAccount:  make(map[string][]string),
	}
}

func externalIndex(accountID, externalKey string) string {
	return accountID + "\x00" + externalKey
}

func (s *LedgerStore) CreatePayment(ctx context.Context, p *domain.Payment) error {
	_ = ctx
	if p == nil || p.ID == "" {
		return fmt.Errorf("ledger store: id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[p.ID]; exists {
		return domain.ErrConflict
	}
	idx := externalIndex(p.AccountID, p.ExternalKey)
	if _, exists := s.byExternal[idx]; exists {
		return domain.ErrConflict
	}

	s.payments[p.ID] = p.Clone()
	s.byExternal[idx] = p.ID
	s.byAccount[p.AccountID] = append(s.byAccount[p.AccountID], p.ID)
	return nil
}

func (s *LedgerStore) AppendTransaction(ctx context.Context, paymentID string, txn *domain.Transaction) (*domain.Payment, error) {
	_ = ctx
	if txn == nil || txn.ID == "" {
		return nil, fmt.Errorf("ledger store: transaction id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if p.Transaction(txn.ID) != nil {
		return nil, domain.ErrConflict
	}
	if err := p.CheckAppend(txn); err != nil {
		return nil, err
	}

	stored := txn.Clone()
	stored.PaymentID = p.ID
	stored.Seq = len(p.Transactions) + 1
	p.Transactions = append(p.Transactions, stored)
	p.UpdatedAt = time.Now().UTC()

	out := p.Clone()
	out.Refresh()
	return out, nil
}

func (s *LedgerStore) UpdateTransaction(ctx context.Context, paymentID string, txn *domain.Transaction) (*domain.Payment, error) {
	_ = ctx
	if txn == nil {
		return nil, fmt.Errorf("ledger store: transaction is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	for i, existing := range p.Transactions {
		if existing.ID != txn.ID {
			continue
		}
		if existing.Status != domain.StatusPending {
			return nil, domain.ErrConflict
		}
		updated := txn.Clone()
		updated.PaymentID = existing.PaymentID
		updated.Seq = existing.Seq
		p.Transactions[i] = updated
		p.UpdatedAt = time.Now().UTC()

		out := p.Clone()
		out.Refresh()
		return out, nil
	}
	return nil, domain.ErrNotFound
}

func (s *LedgerStore) UpdatePaymentState(ctx context.Context, p *domain.Payment) error {
	_ = ctx
	if p == nil || p.ID == "" {
		return fmt.Errorf("ledger store: id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.payments[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	stored.State = p.State
	stored.AmountAuthorized = p.AmountAuthorized
	stored.AmountCaptured = p.AmountCaptured
	stored.AmountRefunded = p.AmountRefunded
	stored.ProcessorReference = p.ProcessorReference
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *LedgerStore) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return load(p), nil
}

func (s *LedgerStore) GetPaymentByExternalKey(ctx context.Context, accountID, externalKey string) (*domain.Payment, error) {
	_ = ctx
	if externalKey == "" {
		return nil, domain.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byExternal[externalIndex(accountID, externalKey)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	p, ok := s.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return load(p), nil
}

func (s *LedgerStore) ListPayments(ctx context.Context, accountID string) ([]*domain.Payment, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byAccount[accountID]
	out := make([]*domain.Payment, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.payments[id]; ok {
			out = append(out, load(p))
		}
	}
	return out, nil
}

func (s *LedgerStore) ListUnresolved(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Payment, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Payment, 0)
	for _, p := range s.payments {
		last := p.LastTransaction()
		if !last.Unresolved() || !last.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, load(p))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastTransaction().CreatedAt.Before(out[j].LastTransaction().CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// load returns a detached copy whose state is re-derived from its log.
func load(p *domain.Payment) *domain.Payment {
	out := p.Clone()
	out.Refresh()
	return out
}
