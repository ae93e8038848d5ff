/*
scheduler.go - Automated expiration sweep scheduler

PURPOSE:
  Periodically runs the expiration sweep so overdue instruments get
  written off without operator action.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs immediately on start, then on every tick
  - A partial sweep (some instruments failed) is logged and retried on
    the next tick; the sweep itself is idempotent

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(sweeper)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - sweep/sweeper.go: The sweep itself
  - handlers.go: TriggerSweep endpoint (manual sweep)
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/stored-value/sweep"
)

// SweepScheduler drives periodic expiration sweeps.
type SweepScheduler struct {
	Sweeper       *sweep.Sweeper
	Metrics       *Metrics
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(sweeper *sweep.Sweeper, metrics *Metrics) *SweepScheduler {
	return &SweepScheduler{
		Sweeper:       sweeper,
		Metrics:       metrics,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (ss *SweepScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	ss.ticker = time.NewTicker(ss.CheckInterval)
	ss.wg.Add(1)

	go ss.run()

	log.Printf("[Scheduler] Started with sweep interval: %v", ss.CheckInterval)
}

// Stop stops the scheduler.
func (ss *SweepScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker != nil {
		ss.ticker.Stop()
		close(ss.stop)
		ss.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (ss *SweepScheduler) run() {
	defer ss.wg.Done()

	// Run immediately on start
	ss.sweepOnce()

	for {
		select {
		case <-ss.ticker.C:
			ss.sweepOnce()
		case <-ss.stop:
			return
		}
	}
}

func (ss *SweepScheduler) sweepOnce() {
	now := time.Now().UTC()
	swept, err := ss.Sweeper.Sweep(context.Background(), now)
	if ss.Metrics != nil {
		ss.Metrics.Swept.Add(float64(swept))
	}
	if err != nil {
		log.Printf("[Scheduler] Sweep at %v expired %d instrument(s) with errors: %v", now, swept, err)
		return
	}
	if swept > 0 {
		log.Printf("[Scheduler] Sweep at %v expired %d instrument(s)", now, swept)
	}
}
