/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Store.

PURPOSE:
  The server-grade store. Same two tables as the sqlite store; the
  difference is that ApplyChange takes a row lock (SELECT ... FOR UPDATE)
  on the instrument inside its transaction.

CROSS-PROCESS SAFETY:
  The engine's in-process lock table does not reach across processes:
  two servers sharing one database can both read the same balance before
  either writes. ApplyChange therefore rereads current_balance under the
  row lock and rejects the write with ErrConcurrencyConflict when it no
  longer matches the balance the caller validated against. The caller
  retries and revalidates against the fresh balance.

DECIMALS:
  Amounts map to NUMERIC(18,4); pgx scans them through shopspring/decimal
  string round-trips, never float64.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite: Embedded alternative
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/stored-value/ledger"
)

const uniqueViolation = "23505"

// Store implements ledger.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects, pings, and migrates.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS instruments (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		currency TEXT NOT NULL,
		original_amount NUMERIC(18,4) NOT NULL,
		current_balance NUMERIC(18,4) NOT NULL,
		status TEXT NOT NULL,
		expires_at TIMESTAMPTZ,
		never_expires BOOLEAN NOT NULL DEFAULT FALSE,
		restrictions_json JSONB,
		code TEXT,
		recipient TEXT,
		delivery_method TEXT,
		is_delivered BOOLEAN NOT NULL DEFAULT FALSE,
		source_order_id TEXT,
		source_return_id TEXT,
		issued_by TEXT,
		issue_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_instruments_code
		ON instruments(code) WHERE code IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_instruments_expiry
		ON instruments(status, never_expires, expires_at);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		instrument_id TEXT NOT NULL REFERENCES instruments(id),
		tx_type TEXT NOT NULL,
		amount NUMERIC(18,4) NOT NULL,
		balance_before NUMERIC(18,4) NOT NULL,
		balance_after NUMERIC(18,4) NOT NULL,
		order_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_instrument_created
		ON transactions(instrument_id, created_at);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// INSTRUMENT STORE
// =============================================================================

const instrumentColumns = `
	id, kind, currency, original_amount::text, current_balance::text, status,
	expires_at, never_expires, restrictions_json,
	code, recipient, delivery_method, is_delivered,
	source_order_id, source_return_id, issued_by, issue_reason,
	created_at, updated_at`

func (s *Store) CreateInstrument(ctx context.Context, inst *ledger.Instrument) error {
	var restrictions any
	if !inst.Restrictions.IsZero() {
		restrictions = inst.Restrictions
	}

	var code, recipient, deliveryMethod *string
	var isDelivered bool
	if inst.GiftCard != nil {
		code = optional(inst.GiftCard.Code)
		recipient = optional(inst.GiftCard.Recipient)
		deliveryMethod = optional(inst.GiftCard.DeliveryMethod)
		isDelivered = inst.GiftCard.IsDelivered
	}
	var sourceOrder, sourceReturn, issuedBy, issueReason *string
	if inst.StoreCredit != nil {
		sourceOrder = optional(inst.StoreCredit.SourceOrderID)
		sourceReturn = optional(inst.StoreCredit.SourceReturnID)
		issuedBy = optional(inst.StoreCredit.IssuedBy)
		issueReason = optional(inst.StoreCredit.Reason)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO instruments (
			id, kind, currency, original_amount, current_balance, status,
			expires_at, never_expires, restrictions_json,
			code, recipient, delivery_method, is_delivered,
			source_order_id, source_return_id, issued_by, issue_reason,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		string(inst.ID), string(inst.Kind), string(inst.Currency),
		inst.OriginalAmount.Value.String(), inst.CurrentBalance.Value.String(), string(inst.Status),
		inst.ExpiresAt, inst.NeverExpires, restrictions,
		code, recipient, deliveryMethod, isDelivered,
		sourceOrder, sourceReturn, issuedBy, issueReason,
		inst.CreatedAt, inst.UpdatedAt,
	)
	return err
}

func (s *Store) GetInstrument(ctx context.Context, id ledger.InstrumentID) (*ledger.Instrument, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+instrumentColumns+" FROM instruments WHERE id = $1", string(id))
	return scanInstrument(row)
}

func (s *Store) GetByCode(ctx context.Context, code string) (*ledger.Instrument, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+instrumentColumns+" FROM instruments WHERE code = $1", code)
	return scanInstrument(row)
}

func (s *Store) ListExpiring(ctx context.Context, asOf time.Time) ([]*ledger.Instrument, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+instrumentColumns+` FROM instruments
		WHERE status = $1 AND never_expires = FALSE AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY id`,
		string(ledger.StatusActive), asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ledger.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

func (s *Store) UpdateStatus(ctx context.Context, id ledger.InstrumentID, status ledger.Status) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE instruments SET status = $1, updated_at = now() WHERE id = $2",
		string(status), string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *Store) MarkDelivered(ctx context.Context, id ledger.InstrumentID) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE instruments SET is_delivered = TRUE, updated_at = now() WHERE id = $1 AND kind = $2",
		string(id), string(ledger.KindGiftCard))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

func (s *Store) Transactions(ctx context.Context, id ledger.InstrumentID) ([]ledger.Transaction, error) {
	var currencyStr string
	err := s.pool.QueryRow(ctx,
		"SELECT currency FROM instruments WHERE id = $1", string(id)).Scan(&currencyStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	currency := ledger.Currency(currencyStr)

	rows, err := s.pool.Query(ctx, `
		SELECT id, instrument_id, tx_type, amount::text, balance_before::text, balance_after::text,
		       order_id, reason, idempotency_key, created_at
		FROM transactions WHERE instrument_id = $1
		ORDER BY created_at, id`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Transaction
	for rows.Next() {
		var tx ledger.Transaction
		var txID, instID, txType, amount, before, after string
		var orderID, reason, idemKey *string
		var createdAt time.Time
		if err := rows.Scan(&txID, &instID, &txType, &amount, &before, &after,
			&orderID, &reason, &idemKey, &createdAt); err != nil {
			return nil, err
		}

		tx.ID = ledger.TransactionID(txID)
		tx.InstrumentID = ledger.InstrumentID(instID)
		tx.Type = ledger.TransactionType(txType)
		if tx.Amount, err = parseAmount(amount, currency); err != nil {
			return nil, err
		}
		if tx.BalanceBefore, err = parseAmount(before, currency); err != nil {
			return nil, err
		}
		if tx.BalanceAfter, err = parseAmount(after, currency); err != nil {
			return nil, err
		}
		tx.OrderID = deref(orderID)
		tx.Reason = deref(reason)
		tx.IdempotencyKey = deref(idemKey)
		tx.CreatedAt = createdAt
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM transactions WHERE idempotency_key = $1)", idempotencyKey).Scan(&exists)
	return exists, err
}

// ApplyChange appends the transaction and updates balance+status inside a
// database transaction, holding a FOR UPDATE lock on the instrument row
// for its duration. The stored balance must still equal tx.BalanceBefore
// under that lock, otherwise another process committed in between and the
// caller's validation is stale.
func (s *Store) ApplyChange(ctx context.Context, tx ledger.Transaction, newBalance ledger.Amount, newStatus ledger.Status) error {
	dbTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer dbTx.Rollback(ctx)

	var storedBalance string
	err = dbTx.QueryRow(ctx,
		"SELECT current_balance::text FROM instruments WHERE id = $1 FOR UPDATE",
		string(tx.InstrumentID)).Scan(&storedBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock acquisition failed: %w", err)
	}

	_, err = dbTx.Exec(ctx, `
		INSERT INTO transactions (
			id, instrument_id, tx_type, amount, balance_before, balance_after,
			order_id, reason, idempotency_key, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		string(tx.ID), string(tx.InstrumentID), string(tx.Type),
		tx.Amount.Value.String(), tx.BalanceBefore.Value.String(), tx.BalanceAfter.Value.String(),
		optional(tx.OrderID), optional(tx.Reason), optional(tx.IdempotencyKey),
		tx.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("transaction insert failed: %w", err)
	}

	stored, err := decimal.NewFromString(storedBalance)
	if err != nil {
		return fmt.Errorf("parsing stored balance %q: %w", storedBalance, err)
	}
	if !stored.Equal(tx.BalanceBefore.Value) {
		return fmt.Errorf("%w: balance on %s moved from %s to %s since it was read",
			ledger.ErrConcurrencyConflict, tx.InstrumentID, tx.BalanceBefore.Value, stored)
	}

	_, err = dbTx.Exec(ctx,
		"UPDATE instruments SET current_balance = $1, status = $2, updated_at = now() WHERE id = $3",
		newBalance.Value.String(), string(newStatus), string(tx.InstrumentID))
	if err != nil {
		return fmt.Errorf("balance update failed: %w", err)
	}

	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstrument(row rowScanner) (*ledger.Instrument, error) {
	var (
		id, kind, currency, original, balance, status    string
		expiresAt                                        *time.Time
		neverExpires, isDelivered                        bool
		restrictions                                     *ledger.Restrictions
		code, recipient, deliveryMethod                  *string
		sourceOrder, sourceReturn, issuedBy, issueReason *string
		createdAt, updatedAt                             time.Time
	)

	err := row.Scan(&id, &kind, &currency, &original, &balance, &status,
		&expiresAt, &neverExpires, &restrictions,
		&code, &recipient, &deliveryMethod, &isDelivered,
		&sourceOrder, &sourceReturn, &issuedBy, &issueReason,
		&createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cur := ledger.Currency(currency)
	inst := &ledger.Instrument{
		ID:           ledger.InstrumentID(id),
		Kind:         ledger.Kind(kind),
		Currency:     cur,
		Status:       ledger.Status(status),
		ExpiresAt:    expiresAt,
		NeverExpires: neverExpires,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}
	if restrictions != nil {
		inst.Restrictions = *restrictions
	}
	if inst.OriginalAmount, err = parseAmount(original, cur); err != nil {
		return nil, err
	}
	if inst.CurrentBalance, err = parseAmount(balance, cur); err != nil {
		return nil, err
	}
	if inst.Kind == ledger.KindGiftCard {
		inst.GiftCard = &ledger.GiftCardDetails{
			Code:           deref(code),
			Recipient:      deref(recipient),
			DeliveryMethod: deref(deliveryMethod),
			IsDelivered:    isDelivered,
		}
	}
	if inst.Kind == ledger.KindStoreCredit {
		inst.StoreCredit = &ledger.StoreCreditDetails{
			SourceOrderID:  deref(sourceOrder),
			SourceReturnID: deref(sourceReturn),
			IssuedBy:       deref(issuedBy),
			Reason:         deref(issueReason),
		}
	}
	return inst, nil
}

func parseAmount(s string, currency ledger.Currency) (ledger.Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ledger.Amount{}, fmt.Errorf("parsing stored amount %q: %w", s, err)
	}
	return ledger.Amount{Value: d, Currency: currency}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
