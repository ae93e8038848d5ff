/*
locks.go - Per-instrument exclusive locks with bounded acquisition

PURPOSE:
  Serializes all balance mutations on a single instrument. Apply holds the
  instrument's lock from the balance read until the transaction is appended
  and the balance updated, so that pair is indivisible from the perspective
  of any concurrent Apply on the same instrument.

BOUNDED ACQUISITION:
  Acquire waits at most the configured timeout (or until ctx is done) and
  then fails with ErrConcurrencyConflict. Callers retry; nothing blocks
  indefinitely.

WHY NOT ONE BIG MUTEX?
  Redemption plans touch several instruments; a global mutex would serialize
  unrelated checkouts. A lock per instrument keeps independent instruments
  independent. Locks are taken one at a time and never held across
  instruments, so two overlapping plans cannot deadlock.
*/
package ledger

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// LOCK TABLE - Keyed exclusive locks
// =============================================================================

// LockTable hands out one exclusive lock per instrument id. Entries are
// reference-counted and removed when the last holder releases.
type LockTable struct {
	mu    sync.Mutex
	locks map[InstrumentID]*lockEntry
}

type lockEntry struct {
	ch   chan struct{} // holds one token when the lock is free
	refs int
}

func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[InstrumentID]*lockEntry)}
}

// Acquire takes the exclusive lock for id, waiting at most timeout.
// Returns ErrConcurrencyConflict on timeout or context cancellation.
func (lt *LockTable) Acquire(ctx context.Context, id InstrumentID, timeout time.Duration) error {
	lt.mu.Lock()
	e, ok := lt.locks[id]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		lt.locks[id] = e
	}
	e.refs++
	lt.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.ch:
		return nil
	case <-timer.C:
		lt.drop(id)
		return ErrConcurrencyConflict
	case <-ctx.Done():
		lt.drop(id)
		return ErrConcurrencyConflict
	}
}

// Release returns the lock for id. Must only be called by the holder.
func (lt *LockTable) Release(id InstrumentID) {
	lt.mu.Lock()
	e, ok := lt.locks[id]
	lt.mu.Unlock()
	if !ok {
		return
	}
	e.ch <- struct{}{}
	lt.drop(id)
}

func (lt *LockTable) drop(id InstrumentID) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	e, ok := lt.locks[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(lt.locks, id)
	}
}
