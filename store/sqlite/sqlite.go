/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  The embedded production store. Two tables back the engine: instruments
  (mutable current_balance and status only) and transactions (append-only,
  never updated or deleted).

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the transactions table
  - No DELETE statements on the transactions table
  - Corrections via adjustment transactions only

ATOMIC APPLY:
  ApplyChange runs the transaction insert and the balance/status update in
  one SQL transaction. Either both land or neither does.

WAL MODE:
  Opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

MONEY:
  Decimal amounts are stored as TEXT and parsed with shopspring/decimal.
  REAL would reintroduce the floating-point errors decimal exists to avoid.

TIMESTAMPS:
  Stored as fixed-width UTC TEXT (nine fractional digits) so lexical
  comparison equals chronological comparison.

USAGE:
  store, err := sqlite.New("./data/storedvalue.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/postgres: Server-grade alternative
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/stored-value/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writers; SQLite allows one at a time anyway
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and sidesteps
	// SQLITE_BUSY between pooled writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Instruments (one row per gift card / store credit)
	CREATE TABLE IF NOT EXISTS instruments (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		currency TEXT NOT NULL,
		original_amount TEXT NOT NULL,
		current_balance TEXT NOT NULL,
		status TEXT NOT NULL,
		expires_at TEXT,
		never_expires BOOLEAN NOT NULL DEFAULT FALSE,
		restrictions_json TEXT,
		code TEXT,
		recipient TEXT,
		delivery_method TEXT,
		is_delivered BOOLEAN NOT NULL DEFAULT FALSE,
		source_order_id TEXT,
		source_return_id TEXT,
		issued_by TEXT,
		issue_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_instruments_code
		ON instruments(code) WHERE code IS NOT NULL;

	-- Sweep selection (hot path for expire_due)
	CREATE INDEX IF NOT EXISTS idx_instruments_expiry
		ON instruments(status, never_expires, expires_at);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		instrument_id TEXT NOT NULL REFERENCES instruments(id),
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		order_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_instrument_created
		ON transactions(instrument_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_order
		ON transactions(order_id) WHERE order_id IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// INSTRUMENT STORE
// =============================================================================

func (s *Store) CreateInstrument(ctx context.Context, inst *ledger.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	restrictions, err := marshalRestrictions(inst.Restrictions)
	if err != nil {
		return err
	}

	var code, recipient, deliveryMethod sql.NullString
	var isDelivered bool
	if inst.GiftCard != nil {
		code = nullable(inst.GiftCard.Code)
		recipient = nullable(inst.GiftCard.Recipient)
		deliveryMethod = nullable(inst.GiftCard.DeliveryMethod)
		isDelivered = inst.GiftCard.IsDelivered
	}
	var sourceOrder, sourceReturn, issuedBy, issueReason sql.NullString
	if inst.StoreCredit != nil {
		sourceOrder = nullable(inst.StoreCredit.SourceOrderID)
		sourceReturn = nullable(inst.StoreCredit.SourceReturnID)
		issuedBy = nullable(inst.StoreCredit.IssuedBy)
		issueReason = nullable(inst.StoreCredit.Reason)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instruments (
			id, kind, currency, original_amount, current_balance, status,
			expires_at, never_expires, restrictions_json,
			code, recipient, delivery_method, is_delivered,
			source_order_id, source_return_id, issued_by, issue_reason,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(inst.ID), string(inst.Kind), string(inst.Currency),
		inst.OriginalAmount.Value.String(), inst.CurrentBalance.Value.String(), string(inst.Status),
		nullableTime(inst.ExpiresAt), inst.NeverExpires, restrictions,
		code, recipient, deliveryMethod, isDelivered,
		sourceOrder, sourceReturn, issuedBy, issueReason,
		formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt),
	)
	return err
}

const instrumentColumns = `
	id, kind, currency, original_amount, current_balance, status,
	expires_at, never_expires, restrictions_json,
	code, recipient, delivery_method, is_delivered,
	source_order_id, source_return_id, issued_by, issue_reason,
	created_at, updated_at`

func (s *Store) GetInstrument(ctx context.Context, id ledger.InstrumentID) (*ledger.Instrument, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+instrumentColumns+" FROM instruments WHERE id = ?", string(id))
	return scanInstrument(row)
}

func (s *Store) GetByCode(ctx context.Context, code string) (*ledger.Instrument, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+instrumentColumns+" FROM instruments WHERE code = ?", code)
	return scanInstrument(row)
}

func (s *Store) ListExpiring(ctx context.Context, asOf time.Time) ([]*ledger.Instrument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instrumentColumns+` FROM instruments
		WHERE status = ? AND never_expires = FALSE AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY id`,
		string(ledger.StatusActive), formatTime(asOf))
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
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE instruments SET status = ?, updated_at = ? WHERE id = ?",
		string(status), formatTime(time.Now().UTC()), string(id))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) MarkDelivered(ctx context.Context, id ledger.InstrumentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE instruments SET is_delivered = TRUE, updated_at = ? WHERE id = ? AND kind = ?",
		formatTime(time.Now().UTC()), string(id), string(ledger.KindGiftCard))
	if err != nil {
		return err
	}
	return requireRow(res)
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

func (s *Store) Transactions(ctx context.Context, id ledger.InstrumentID) ([]ledger.Transaction, error) {
	var currencyStr string
	err := s.db.QueryRowContext(ctx,
		"SELECT currency FROM instruments WHERE id = ?", string(id)).Scan(&currencyStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	currency := ledger.Currency(currencyStr)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instrument_id, tx_type, amount, balance_before, balance_after,
		       order_id, reason, idempotency_key, created_at
		FROM transactions WHERE instrument_id = ?
		ORDER BY created_at, id`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Transaction
	for rows.Next() {
		var tx ledger.Transaction
		var txID, instID, txType, amount, before, after, createdAt string
		var orderID, reason, idemKey sql.NullString
		if err := rows.Scan(&txID, &instID, &txType, &amount, &before, &after,
			&orderID, &reason, &idemKey, &createdAt); err != nil {
			return nil, err
		}

		tx.ID = ledger.TransactionID(txID)
		tx.InstrumentID = ledger.InstrumentID(instID)
		tx.Type = ledger.TransactionType(txType)
		tx.Amount, err = parseAmount(amount, currency)
		if err != nil {
			return nil, err
		}
		tx.BalanceBefore, err = parseAmount(before, currency)
		if err != nil {
			return nil, err
		}
		tx.BalanceAfter, err = parseAmount(after, currency)
		if err != nil {
			return nil, err
		}
		tx.OrderID = orderID.String
		tx.Reason = reason.String
		tx.IdempotencyKey = idemKey.String
		tx.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM transactions WHERE idempotency_key = ?", idempotencyKey).Scan(&n)
	return n > 0, err
}

// ApplyChange appends the transaction and updates balance+status in one
// SQL transaction. The stored balance must still equal tx.BalanceBefore,
// otherwise another writer (possibly another process on the same file)
// committed since the caller's read.
func (s *Store) ApplyChange(ctx context.Context, tx ledger.Transaction, newBalance ledger.Amount, newStatus ledger.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	var storedBalance string
	err = dbTx.QueryRowContext(ctx,
		"SELECT current_balance FROM instruments WHERE id = ?", string(tx.InstrumentID)).Scan(&storedBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	if err != nil {
		return err
	}

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, instrument_id, tx_type, amount, balance_before, balance_after,
			order_id, reason, idempotency_key, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID), string(tx.InstrumentID), string(tx.Type),
		tx.Amount.Value.String(), tx.BalanceBefore.Value.String(), tx.BalanceAfter.Value.String(),
		nullable(tx.OrderID), nullable(tx.Reason), nullable(tx.IdempotencyKey),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return err
	}

	stored, err := decimal.NewFromString(storedBalance)
	if err != nil {
		return fmt.Errorf("parsing stored balance %q: %w", storedBalance, err)
	}
	if !stored.Equal(tx.BalanceBefore.Value) {
		return fmt.Errorf("%w: balance on %s moved from %s to %s since it was read",
			ledger.ErrConcurrencyConflict, tx.InstrumentID, tx.BalanceBefore.Value, stored)
	}

	res, err := dbTx.ExecContext(ctx,
		"UPDATE instruments SET current_balance = ?, status = ?, updated_at = ? WHERE id = ?",
		newBalance.Value.String(), string(newStatus), formatTime(time.Now().UTC()), string(tx.InstrumentID))
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}

	return dbTx.Commit()
}

// =============================================================================
// SCAN / FORMAT HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstrument(row rowScanner) (*ledger.Instrument, error) {
	var (
		id, kind, currency, original, balance, status, createdAt, updatedAt string
		expiresAt, restrictions, code, recipient, deliveryMethod            sql.NullString
		sourceOrder, sourceReturn, issuedBy, issueReason                    sql.NullString
		neverExpires, isDelivered                                           bool
	)

	err := row.Scan(&id, &kind, &currency, &original, &balance, &status,
		&expiresAt, &neverExpires, &restrictions,
		&code, &recipient, &deliveryMethod, &isDelivered,
		&sourceOrder, &sourceReturn, &issuedBy, &issueReason,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
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
		NeverExpires: neverExpires,
	}
	if inst.OriginalAmount, err = parseAmount(original, cur); err != nil {
		return nil, err
	}
	if inst.CurrentBalance, err = parseAmount(balance, cur); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return nil, err
		}
		inst.ExpiresAt = &t
	}
	if restrictions.Valid && restrictions.String != "" {
		if err := json.Unmarshal([]byte(restrictions.String), &inst.Restrictions); err != nil {
			return nil, fmt.Errorf("decoding restrictions for %s: %w", id, err)
		}
	}
	if inst.Kind == ledger.KindGiftCard {
		inst.GiftCard = &ledger.GiftCardDetails{
			Code:           code.String,
			Recipient:      recipient.String,
			DeliveryMethod: deliveryMethod.String,
			IsDelivered:    isDelivered,
		}
	}
	if inst.Kind == ledger.KindStoreCredit {
		inst.StoreCredit = &ledger.StoreCreditDetails{
			SourceOrderID:  sourceOrder.String,
			SourceReturnID: sourceReturn.String,
			IssuedBy:       issuedBy.String,
			Reason:         issueReason.String,
		}
	}
	if inst.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if inst.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return inst, nil
}

func marshalRestrictions(r ledger.Restrictions) (sql.NullString, error) {
	if r.IsZero() {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func parseAmount(s string, currency ledger.Currency) (ledger.Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ledger.Amount{}, fmt.Errorf("parsing stored amount %q: %w", s, err)
	}
	return ledger.Amount{Value: d, Currency: currency}, nil
}

// timeFormat keeps fractional seconds fixed-width so the TEXT comparisons
// (expires_at <= ? in ListExpiring, ORDER BY created_at in Transactions)
// sort chronologically. RFC3339Nano trims trailing zeros, and a
// whole-second "...05Z" compares lexically after a fractional "...05.5Z".
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
