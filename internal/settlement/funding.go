package settlement

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"propfirm-engine/internal/account"
	"propfirm-engine/internal/audit"
	"propfirm-engine/internal/database"
	"propfirm-engine/internal/events"
	"propfirm-engine/internal/market"
	"propfirm-engine/internal/position"
)

// FundingStore persists per-position funding accruals.
type FundingStore interface {
	UpdatePositionFunding(ctx context.Context, positionID string, accumulated decimal.Decimal, at time.Time) error
}

// FundingConfig bounds the funding worker. Rate is fractional per
// interval; longs pay it, shorts receive it.
type FundingConfig struct {
	Rate          decimal.Decimal
	Interval      time.Duration // boundary spacing, 8h in production
	CheckInterval time.Duration
}

// DefaultFundingConfig returns the production funding parameters:
// 0.01% every 8 hours at 00:00/08:00/16:00 UTC.
func DefaultFundingConfig() FundingConfig {
	return FundingConfig{
		Rate:          decimal.NewFromFloat(0.0001),
		Interval:      8 * time.Hour,
		CheckInterval: time.Minute,
	}
}

// FundingWorker charges open positions at each 8-hour boundary. A
// position is charged at most once per boundary; LastFundingAt is the
// idempotence marker.
type FundingWorker struct {
	cfg       FundingConfig
	accounts  *account.Manager
	positions *position.Manager
	store     FundingStore
	retry     *database.RetryQueue
	audit     *audit.Appender
	bus       *events.Bus
	logger    zerolog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex

	now func() time.Time
}

// NewFundingWorker wires the funding worker.
func NewFundingWorker(cfg FundingConfig, accounts *account.Manager, positions *position.Manager, store FundingStore, retry *database.RetryQueue, auditor *audit.Appender, bus *events.Bus, logger zerolog.Logger) *FundingWorker {
	if cfg.Interval <= 0 {
		cfg = DefaultFundingConfig()
	}
	return &FundingWorker{
		cfg:       cfg,
		accounts:  accounts,
		positions: positions,
		store:     store,
		retry:     retry,
		audit:     auditor,
		bus:       bus,
		logger:    logger,
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}
}

// SetClock injects a clock for tests.
func (w *FundingWorker) SetClock(now func() time.Time) { w.now = now }

// Start launches the funding loop.
func (w *FundingWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.run()
	log.Printf("[SETTLEMENT] funding worker started (rate %s per %v)", w.cfg.Rate, w.cfg.Interval)
}

// Stop halts the funding loop.
func (w *FundingWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.started = false
	close(w.stopChan)
	w.wg.Wait()
	log.Printf("[SETTLEMENT] funding worker stopped")
}

func (w *FundingWorker) run() {
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

// LastBoundary returns the most recent funding boundary at or before t.
func (w *FundingWorker) LastBoundary(t time.Time) time.Time {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.Add(t.Sub(midnight).Truncate(w.cfg.Interval))
}

// RunOnce charges every position that has crossed a boundary since its
// last charge. Returns how many positions were charged.
func (w *FundingWorker) RunOnce(ctx context.Context) int {
	boundary := w.LastBoundary(w.now())
	charged := 0
	for _, p := range w.positions.All() {
		if !p.LastFundingAt.Before(boundary) {
			continue
		}
		if w.chargePosition(ctx, p.ID, p.AccountID, boundary) {
			charged++
		}
	}
	if charged > 0 {
		log.Printf("[SETTLEMENT] funding applied to %d positions at %s", charged, boundary.Format(time.RFC3339))
	}
	return charged
}

func (w *FundingWorker) chargePosition(ctx context.Context, positionID, accountID string, boundary time.Time) bool {
	var (
		cost        decimal.Decimal
		accumulated decimal.Decimal
		applied     bool
	)
	err := w.accounts.WithLock(accountID, func(a *account.Account) error {
		p, ok := w.positions.Get(positionID)
		if !ok || !p.LastFundingAt.Before(boundary) {
			return nil
		}
		// Funding accrues on the entry notional (qty x entry price),
		// not the mark.
		cost = p.EntryValue.Mul(w.cfg.Rate)
		if p.Side == market.SideShort {
			cost = cost.Neg()
		}
		a.ApplyFunding(cost)
		accumulated = p.AccumulatedFunding.Add(cost)
		w.positions.Mutate(positionID, func(live *position.Position) {
			live.AccumulatedFunding = accumulated
			live.LastFundingAt = boundary
		})
		w.accounts.MarkDirty(a.ID)
		applied = true
		return nil
	})
	if err != nil || !applied {
		return false
	}

	if err := w.store.UpdatePositionFunding(ctx, positionID, accumulated, boundary); err != nil {
		w.logger.Error().Err(err).Str("positionId", positionID).Msg("funding persist failed, queued for retry")
		if w.retry != nil {
			w.retry.Enqueue(database.RetryTask{
				Name: "funding:" + positionID,
				Fn: func(ctx context.Context) error {
					return w.store.UpdatePositionFunding(ctx, positionID, accumulated, boundary)
				},
			})
		}
	}

	if w.audit != nil {
		w.audit.Append(accountID, audit.EventFundingApplied, &positionID, nil, map[string]any{
			"cost":     cost.String(),
			"boundary": boundary.Format(time.RFC3339),
		})
	}
	w.bus.Publish(events.Event{
		Type:      events.EventAccountUpdated,
		AccountID: accountID,
		Timestamp: boundary,
		Data:      map[string]any{"reason": "FUNDING", "cost": cost.String()},
	})
	return true
}
