// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/stored-value/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	instruments  map[ledger.InstrumentID]*ledger.Instrument
	codes        map[string]ledger.InstrumentID
	transactions map[ledger.InstrumentID][]ledger.Transaction
	idempotency  map[string]bool

	// FailApply, when set, makes the next ApplyChange calls fail with the
	// given error. Lets tests exercise compensation paths.
	FailApply func(tx ledger.Transaction) error
}

func NewMemory() *Memory {
	return &Memory{
		instruments:  make(map[ledger.InstrumentID]*ledger.Instrument),
		codes:        make(map[string]ledger.InstrumentID),
		transactions: make(map[ledger.InstrumentID][]ledger.Transaction),
		idempotency:  make(map[string]bool),
	}
}

func (m *Memory) CreateInstrument(_ context.Context, inst *ledger.Instrument) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *inst
	m.instruments[inst.ID] = &cp
	if inst.GiftCard != nil && inst.GiftCard.Code != "" {
		m.codes[inst.GiftCard.Code] = inst.ID
	}
	return nil
}

func (m *Memory) GetInstrument(_ context.Context, id ledger.InstrumentID) (*ledger.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id ledger.InstrumentID) (*ledger.Instrument, error) {
	inst, ok := m.instruments[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (m *Memory) GetByCode(_ context.Context, code string) (*ledger.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.codes[code]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return m.getLocked(id)
}

func (m *Memory) ListExpiring(_ context.Context, asOf time.Time) ([]*ledger.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*ledger.Instrument
	for _, inst := range m.instruments {
		if inst.IsExpiredAsOf(asOf) {
			cp := *inst
			due = append(due, &cp)
		}
	}
	// Map iteration order is random; callers expect a stable sweep order.
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id ledger.InstrumentID, status ledger.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instruments[id]
	if !ok {
		return ledger.ErrNotFound
	}
	inst.Status = status
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) MarkDelivered(_ context.Context, id ledger.InstrumentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instruments[id]
	if !ok {
		return ledger.ErrNotFound
	}
	if inst.GiftCard == nil {
		return ledger.ErrNotFound
	}
	inst.GiftCard.IsDelivered = true
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) Transactions(_ context.Context, id ledger.InstrumentID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Transaction, len(m.transactions[id]))
	copy(result, m.transactions[id])
	return result, nil
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

// ApplyChange appends the transaction and updates balance+status under one
// mutex hold, so readers never observe one without the other.
func (m *Memory) ApplyChange(_ context.Context, tx ledger.Transaction, newBalance ledger.Amount, newStatus ledger.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailApply != nil {
		if err := m.FailApply(tx); err != nil {
			return err
		}
	}

	inst, ok := m.instruments[tx.InstrumentID]
	if !ok {
		return ledger.ErrNotFound
	}
	if tx.IdempotencyKey != "" && m.idempotency[tx.IdempotencyKey] {
		return ledger.ErrDuplicateIdempotencyKey
	}
	if !inst.CurrentBalance.Equal(tx.BalanceBefore) {
		return fmt.Errorf("%w: balance on %s moved from %s to %s since it was read",
			ledger.ErrConcurrencyConflict, tx.InstrumentID, tx.BalanceBefore, inst.CurrentBalance)
	}

	m.transactions[tx.InstrumentID] = append(m.transactions[tx.InstrumentID], tx)
	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = true
	}
	inst.CurrentBalance = newBalance
	inst.Status = newStatus
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

// Corrupt overwrites a stored balance directly, bypassing the ledger.
// Exists so integrity-verification tests can simulate out-of-band damage.
func (m *Memory) Corrupt(id ledger.InstrumentID, balance ledger.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instruments[id]; ok {
		inst.CurrentBalance = balance
	}
}
