package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LedgerStore is the PostgreSQL Ledger. Appends lock the payment row, so every
// write is atomic per payment across service instances.
type LedgerStore struct {
	db *sql.DB
}

var _ domain.Ledger = (*LedgerStore)(nil)

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

const paymentColumns = `id, account_id, external_key, plugin_name, currency, state,
	amount_authorized, amount_captured, amount_refunded, processor_reference, created_at, updated_at`

const transactionColumns = `id, payment_id, seq, type, amount, currency, status, idempotency_key,
	processor_reference, gateway_error_code, gateway_error_message, raw_response,
	resolves_transaction_id, properties, created_by, created_at, completed_at`

func (s *LedgerStore) CreatePayment(ctx context.Context, p *domain.Payment) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("ledger store: id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.AccountID, p.ExternalKey, p.PluginName, p.Currency, string(p.State),
		p.AmountAuthorized, p.AmountCaptured, p.AmountRefunded, p.ProcessorReference,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	return mapError(err)
}

func (s *LedgerStore) AppendTransaction(ctx context.Context, paymentID string, txn *domain.Transaction) (*domain.Payment, error) {
	if txn == nil || txn.ID == "" {
		return nil, fmt.Errorf("ledger store: transaction id is required")
	}
	var out *domain.Payment
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := lockPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if p.Transaction(txn.ID) != nil {
			return domain.ErrConflict
		}
		if err := p.CheckAppend(txn); err != nil {
			return err
		}

		stored := txn.Clone()
		stored.PaymentID = p.ID
		stored.Seq = len(p.Transactions) + 1
		if err := insertTransaction(ctx, tx, stored); err != nil {
			return err
		}
		if err := touch(ctx, tx, p.ID); err != nil {
			return err
		}
		p.Transactions = append(p.Transactions, stored)
		p.Refresh()
		out = p
		return nil
	})
	return out, err
}

func (s *LedgerStore) UpdateTransaction(ctx context.Context, paymentID string, txn *domain.Transaction) (*domain.Payment, error) {
	if txn == nil {
		return nil, fmt.Errorf("ledger store: transaction is required")
	}
	raw, props, err := encodeJSON(txn)
	if err != nil {
		return nil, err
	}

	var out *domain.Payment
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := lockPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		existing := p.Transaction(txn.ID)
		if existing == nil {
			return domain.ErrNotFound
		}
		if existing.Status != domain.StatusPending {
			return domain.ErrConflict
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE payment_transactions
			SET status = $1, processor_reference = $2, gateway_error_code = $3, gateway_error_message = $4,
				raw_response = $5, properties = $6, completed_at = $7
			WHERE id = $8 AND payment_id = $9 AND status = 'PENDING'`,
			string(txn.Status), txn.ProcessorReference, txn.GatewayErrorCode, txn.GatewayErrorMessage,
			raw, props, nullTime(txn.CompletedAt), txn.ID, paymentID,
		)
		if err != nil {
			return err
		}
		if err := touch(ctx, tx, paymentID); err != nil {
			return err
		}

		updated := txn.Clone()
		updated.PaymentID = existing.PaymentID
		updated.Seq = existing.Seq
		for i, t := range p.Transactions {
			if t.ID == txn.ID {
				p.Transactions[i] = updated
			}
		}
		p.Refresh()
		out = p
		return nil
	})
	return out, err
}

func (s *LedgerStore) UpdatePaymentState(ctx context.Context, p *domain.Payment) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("ledger store: id is required")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET state = $1, amount_authorized = $2, amount_captured = $3, amount_refunded = $4,
			processor_reference = $5, updated_at = $6
		WHERE id = $7`,
		string(p.State), p.AmountAuthorized, p.AmountCaptured, p.AmountRefunded,
		p.ProcessorReference, time.Now().UTC(), p.ID,
	)
	if err != nil {
		return mapError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *LedgerStore) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return s.withTransactions(ctx, s.db, p)
}

func (s *LedgerStore) GetPaymentByExternalKey(ctx context.Context, accountID, externalKey string) (*domain.Payment, error) {
	if externalKey == "" {
		return nil, domain.ErrNotFound
	}
	p, err := scanPayment(s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE account_id = $1 AND external_key = $2`,
		accountID, externalKey))
	if err != nil {
		return nil, mapError(err)
	}
	return s.withTransactions(ctx, s.db, p)
}

func (s *LedgerStore) ListPayments(ctx context.Context, accountID string) ([]*domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE account_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, mapError(err)
	}
	payments, err := collectPayments(rows)
	if err != nil {
		return nil, err
	}
	return s.attachTransactions(ctx, payments)
}

func (s *LedgerStore) ListUnresolved(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixed("p", paymentColumns)+`
		FROM payments p
		JOIN LATERAL (
			SELECT t.status, t.created_at
			FROM payment_transactions t
			WHERE t.payment_id = p.id
			ORDER BY t.seq DESC
			LIMIT 1
		) last ON true
		WHERE last.status IN ('PENDING', 'UNKNOWN') AND last.created_at < $1
		ORDER BY last.created_at
		LIMIT NULLIF($2::int, 0)`,
		cutoff.UTC(), limit,
	)
	if err != nil {
		return nil, mapError(err)
	}
	payments, err := collectPayments(rows)
	if err != nil {
		return nil, err
	}
	return s.attachTransactions(ctx, payments)
}

func (s *LedgerStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit())
}

func lockPayment(ctx context.Context, tx *sql.Tx, id string) (*domain.Payment, error) {
	p, err := scanPayment(tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	txns, err := loadTransactions(ctx, tx, []string{id})
	if err != nil {
		return nil, err
	}
	p.Transactions = txns[id]
	return p, nil
}

func touch(ctx context.Context, q queryer, paymentID string) error {
	_, err := q.ExecContext(ctx, `UPDATE payments SET updated_at = $1 WHERE id = $2`, time.Now().UTC(), paymentID)
	return err
}

func (s *LedgerStore) withTransactions(ctx context.Context, q queryer, p *domain.Payment) (*domain.Payment, error) {
	txns, err := loadTransactions(ctx, q, []string{p.ID})
	if err != nil {
		return nil, mapError(err)
	}
	p.Transactions = txns[p.ID]
	p.Refresh()
	return p, nil
}

func (s *LedgerStore) attachTransactions(ctx context.Context, payments []*domain.Payment) ([]*domain.Payment, error) {
	if len(payments) == 0 {
		return payments, nil
	}
	ids := make([]string, len(payments))
	for i, p := range payments {
		ids[i] = p.ID
	}
	txns, err := loadTransactions(ctx, s.db, ids)
	if err != nil {
		return nil, mapError(err)
	}
	for _, p := range payments {
		p.Transactions = txns[p.ID]
		p.Refresh()
	}
	return payments, nil
}

func loadTransactions(ctx context.Context, q queryer, paymentIDs []string) (map[string][]*domain.Transaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE payment_id = ANY($1)
		ORDER BY payment_id, seq`, pq.Array(paymentIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]*domain.Transaction, len(paymentIDs))
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out[t.PaymentID] = append(out[t.PaymentID], t)
	}
	return out, rows.Err()
}

func insertTransaction(ctx context.Context, q queryer, t *domain.Transaction) error {
	raw, props, err := encodeJSON(t)
	if err != nil {
		return err
	}
	var amount decimal.NullDecimal
	if t.Amount != nil {
		amount = decimal.NewNullDecimal(*t.Amount)
	}
	resolves := sql.NullString{String: t.ResolvesTransactionID, Valid: t.ResolvesTransactionID != ""}

	_, err = q.ExecContext(ctx, `
		INSERT INTO payment_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		t.ID, t.PaymentID, t.Seq, string(t.Type), amount, t.Currency, string(t.Status), t.IdempotencyKey,
		t.ProcessorReference, t.GatewayErrorCode, t.GatewayErrorMessage, raw,
		resolves, props, t.CreatedBy, t.CreatedAt.UTC(), nullTime(t.CompletedAt),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var (
		p     domain.Payment
		state string
	)
	err := row.Scan(&p.ID, &p.AccountID, &p.ExternalKey, &p.PluginName, &p.Currency, &state,
		&p.AmountAuthorized, &p.AmountCaptured, &p.AmountRefunded, &p.ProcessorReference,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.State = domain.State(state)
	return &p, nil
}

func collectPayments(rows *sql.Rows) ([]*domain.Payment, error) {
	defer rows.Close()
	out := make([]*domain.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, p)
	}
	return out, mapError(rows.Err())
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		t         domain.Transaction
		typ       string
		status    string
		amount    decimal.NullDecimal
		raw       []byte
		resolves  sql.NullString
		props     []byte
		completed sql.NullTime
	)
	err := row.Scan(&t.ID, &t.PaymentID, &t.Seq, &typ, &amount, &t.Currency, &status, &t.IdempotencyKey,
		&t.ProcessorReference, &t.GatewayErrorCode, &t.GatewayErrorMessage, &raw,
		&resolves, &props, &t.CreatedBy, &t.CreatedAt, &completed)
	if err != nil {
		return nil, err
	}
	t.Type = domain.OperationType(typ)
	t.Status = domain.TransactionStatus(status)
	if amount.Valid {
		a := amount.Decimal
		t.Amount = &a
	}
	if len(raw) > 0 {
		t.RawResponse = json.RawMessage(raw)
	}
	t.ResolvesTransactionID = resolves.String
	if len(props) > 0 {
		if err := json.Unmarshal(props, &t.Properties); err != nil {
			return nil, fmt.Errorf("decode properties of %s: %w", t.ID, err)
		}
		if len(t.Properties) == 0 {
			t.Properties = nil
		}
	}
	t.CreatedAt = t.CreatedAt.UTC()
	if completed.Valid {
		ts := completed.Time.UTC()
		t.CompletedAt = &ts
	}
	return &t, nil
}

// encodeJSON returns the JSONB column values for raw_response and properties.
// They are sent as text since lib/pq encodes []byte parameters as bytea.
func encodeJSON(t *domain.Transaction) (sql.NullString, string, error) {
	var raw sql.NullString
	if len(t.RawResponse) > 0 {
		if !json.Valid(t.RawResponse) {
			return raw, "", fmt.Errorf("ledger store: raw response of %s is not JSON", t.ID)
		}
		raw = sql.NullString{String: string(t.RawResponse), Valid: true}
	}
	props := "{}"
	if len(t.Properties) > 0 {
		b, err := json.Marshal(t.Properties)
		if err != nil {
			return raw, "", err
		}
		props = string(b)
	}
	return raw, props, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", domain.ErrConflict, pqErr.Constraint)
	}
	return domain.WrapRepositoryError(err)
}
