// Package settlement runs the clock-driven account workers: the UTC
// daily reset and the 8-hour funding charge.
package settlement

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"propfirm-engine/internal/account"
	"propfirm-engine/internal/audit"
	"propfirm-engine/internal/database"
	"propfirm-engine/internal/events"
)

// SnapshotStore persists the end-of-day account snapshots.
type SnapshotStore interface {
	InsertDailySnapshot(ctx context.Context, snap database.DailySnapshotRow) error
}

// DailyResetConfig bounds the reset worker.
type DailyResetConfig struct {
	CheckInterval time.Duration
}

// DailyResetWorker advances every account across its UTC midnight: writes
// the day's snapshot row, zeroes the daily counters and bumps the
// trading-day count for active days.
type DailyResetWorker struct {
	cfg      DailyResetConfig
	accounts *account.Manager
	store    SnapshotStore
	retry    *database.RetryQueue
	audit    *audit.Appender
	bus      *events.Bus
	logger   zerolog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex

	now func() time.Time
}

// NewDailyResetWorker wires the reset worker.
func NewDailyResetWorker(cfg DailyResetConfig, accounts *account.Manager, store SnapshotStore, retry *database.RetryQueue, auditor *audit.Appender, bus *events.Bus, logger zerolog.Logger) *DailyResetWorker {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	return &DailyResetWorker{
		cfg:      cfg,
		accounts: accounts,
		store:    store,
		retry:    retry,
		audit:    auditor,
		bus:      bus,
		logger:   logger,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// SetClock injects a clock for tests.
func (w *DailyResetWorker) SetClock(now func() time.Time) { w.now = now }

// Start launches the reset loop.
func (w *DailyResetWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.run()
	log.Printf("[SETTLEMENT] daily reset worker started (every %v)", w.cfg.CheckInterval)
}

// Stop halts the reset loop.
func (w *DailyResetWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.started = false
	close(w.stopChan)
	w.wg.Wait()
	log.Printf("[SETTLEMENT] daily reset worker stopped")
}

func (w *DailyResetWorker) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.RunOnce(context.Background())
		}
	}
}

// RunOnce resets every account whose boundary has passed. Returns how
// many accounts rolled over.
func (w *DailyResetWorker) RunOnce(ctx context.Context) int {
	now := w.now().UTC()
	resets := 0
	for _, a := range w.accounts.All() {
		if a.DailyResetAt.After(now) || !a.Status.CanTrade() {
			continue
		}
		if w.resetAccount(ctx, a.ID, now) {
			resets++
		}
	}
	if resets > 0 {
		log.Printf("[SETTLEMENT] daily reset applied to %d accounts", resets)
	}
	return resets
}

// NextMidnightUTC returns the boundary following t.
func NextMidnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

func (w *DailyResetWorker) resetAccount(ctx context.Context, accountID string, now time.Time) bool {
	var snap database.DailySnapshotRow
	err := w.accounts.WithLock(accountID, func(a *account.Account) error {
		// Re-check under the lock. Breached and expired accounts keep
		// their counters frozen for review.
		if a.DailyResetAt.After(now) || !a.Status.CanTrade() {
			return nil
		}
		snap = database.DailySnapshotRow{
			ID:              uuid.NewString(),
			AccountID:       a.ID,
			SnapshotDate:    now.Truncate(24 * time.Hour).AddDate(0, 0, -1),
			StartingBalance: a.DailyStartingBalance,
			EndingBalance:   a.CurrentBalance,
			PeakBalance:     a.PeakBalance,
			DailyPnl:        a.DailyPnl,
			Drawdown:        a.Drawdown(),
			TotalTrades:     a.TotalTrades,
			WinningTrades:   a.WinningTrades,
			LosingTrades:    a.LosingTrades,
			Volume:          a.DailyVolume,
		}
		a.ResetDaily(NextMidnightUTC(now))
		w.accounts.MarkDirty(a.ID)
		return nil
	})
	if err != nil || snap.ID == "" {
		return false
	}

	if err := w.store.InsertDailySnapshot(ctx, snap); err != nil {
		w.logger.Error().Err(err).Str("accountId", accountID).Msg("daily snapshot persist failed, queued for retry")
		if w.retry != nil {
			w.retry.Enqueue(database.RetryTask{
				Name: "daily-snapshot:" + snap.ID,
				Fn: func(ctx context.Context) error {
					return w.store.InsertDailySnapshot(ctx, snap)
				},
			})
		}
	}

	if w.audit != nil {
		w.audit.Append(accountID, audit.EventDailyReset, nil, nil, map[string]any{
			"endingBalance": snap.EndingBalance.String(),
			"dailyPnl":      snap.DailyPnl.String(),
		})
	}
	w.bus.Publish(events.Event{
		Type:      events.EventAccountUpdated,
		AccountID: accountID,
		Timestamp: now,
		Data:      map[string]any{"reason": "DAILY_RESET", "dailyPnl": snap.DailyPnl.String()},
	})
	return true
}
