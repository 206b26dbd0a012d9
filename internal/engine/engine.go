// Package engine is the composition root: it wires the feed, pricing,
// execution, risk and settlement components together and owns their
// lifecycle.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"propfirm-engine/config"
	"propfirm-engine/internal/account"
	"propfirm-engine/internal/audit"
	"propfirm-engine/internal/cache"
	"propfirm-engine/internal/database"
	"propfirm-engine/internal/events"
	"propfirm-engine/internal/executor"
	"propfirm-engine/internal/feed"
	"propfirm-engine/internal/logging"
	"propfirm-engine/internal/market"
	"propfirm-engine/internal/position"
	"propfirm-engine/internal/price"
	"propfirm-engine/internal/ratelimit"
	"propfirm-engine/internal/risk"
	"propfirm-engine/internal/settlement"
	"propfirm-engine/internal/trigger"
	"propfirm-engine/internal/ws"
)

// Engine holds every running component.
type Engine struct {
	cfg *config.Config

	db        *database.DB
	repo      *database.Repository
	retry     *database.RetryQueue
	cacheSvc  *cache.CacheService
	pricePub  *cache.PricePublisher
	limiter   *ratelimit.Limiter
	auditor   *audit.Appender
	bus       *events.Bus
	prices    *price.Engine
	feed      *feed.BinanceFeed
	accounts  *account.Manager
	positions *position.Manager
	triggers  *trigger.Engine
	exec      *executor.Executor
	checker   *risk.Checker
	daily     *settlement.DailyResetWorker
	funding   *settlement.FundingWorker
	hub       *ws.Hub
	httpSrv   *http.Server
}

// New builds the engine: connects the store of record, runs migrations,
// restores in-flight state and wires every component. Nothing is running
// until Start.
func New(cfg *config.Config) (*Engine, error) {
	e := &Engine{cfg: cfg, bus: events.NewBus()}

	db, err := database.NewDB(database.Config{
		URL:          cfg.DatabaseConfig.URL,
		QueryTimeout: cfg.DatabaseConfig.QueryTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	e.db = db

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	e.repo = database.NewRepository(db)
	e.retry = database.NewRetryQueue(1024)

	e.cacheSvc = cache.NewCacheService(cfg.RedisConfig)
	e.pricePub = cache.NewPricePublisher(e.cacheSvc)
	e.limiter = ratelimit.NewLimiter(e.cacheSvc.Client(), cfg.RedisConfig.QueryTimeout)
	e.auditor = audit.NewAppender(e.repo, e.cacheSvc.Client(), audit.DefaultConfig(), logging.Component("audit"))

	e.prices = price.NewEngine(price.Config{
		DefaultSpreadBps: cfg.PricingConfig.DefaultSpreadBps,
		SymbolSpreads:    cfg.PricingConfig.SymbolSpreads,
		StaleThreshold:   time.Duration(cfg.PricingConfig.StaleThresholdMs) * time.Millisecond,
		BreakerPct:       cfg.PricingConfig.CircuitBreakerPct,
		BreakerReset:     time.Duration(cfg.PricingConfig.CircuitBreakerResetMs) * time.Millisecond,
	})
	e.feed = feed.NewBinanceFeed(cfg.FeedConfig, e.prices)

	e.accounts = account.NewManager(e.repo, account.DefaultFlushConfig())
	e.positions = position.NewManager()
	e.accounts.SetUnrealizedFn(func(accountID string) decimal.Decimal {
		total := decimal.Zero
		for _, p := range e.positions.GetByAccount(accountID) {
			total = total.Add(p.UnrealizedPnl)
		}
		return total
	})

	e.exec = executor.NewExecutor(executor.Config{
		EntryFeePct:          decimal.NewFromFloat(cfg.TradingConfig.EntryFeePct),
		ExitFeePct:           decimal.NewFromFloat(cfg.TradingConfig.ExitFeePct),
		MaintenanceMarginPct: decimal.NewFromFloat(cfg.TradingConfig.MaintenanceMarginPct),
		MaxTimestampPast:     cfg.TradingConfig.MaxTimestampPast,
		MaxTimestampFuture:   cfg.TradingConfig.MaxTimestampFuture,
		PendingSweepInterval: 30 * time.Second,
	}, e.prices, e.accounts, e.positions, nil, e.repo, e.retry, e.limiter, e.auditor, e.bus, logging.Component("executor"))

	e.triggers = trigger.NewEngine(e.exec.CloseFromTrigger, logging.Component("trigger"))
	e.exec.SetTriggers(e.triggers)

	e.checker = risk.NewChecker(risk.DefaultConfig(), e.accounts, e.positions, e.exec, e.bus, e.auditor, logging.Component("risk"))
	e.daily = settlement.NewDailyResetWorker(settlement.DailyResetConfig{}, e.accounts, e.repo, e.retry, e.auditor, e.bus, logging.Component("settlement"))
	e.funding = settlement.NewFundingWorker(settlement.DefaultFundingConfig(), e.accounts, e.positions, e.repo, e.retry, e.auditor, e.bus, logging.Component("settlement"))

	// Events are published while the owning account's lock is held, so
	// the fan-out path must not go back through Get.
	e.hub = ws.NewHub(e.bus, e.accounts.Owner)

	tokens := ws.NewTokenManager(cfg.AuthConfig.JWTSecret)
	wsSrv := ws.NewServer(e.hub, tokens, e.exec, e.limiter)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsSrv.ServeWS)
	mux.HandleFunc("/healthz", e.handleHealth)
	e.httpSrv = &http.Server{
		Addr:              cfg.ServerConfig.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Tick order matters: positions mark first so triggers and the risk
	// checker evaluate against fresh marks, then pending fills, then the
	// outward fan-outs.
	e.prices.Subscribe(e.positions)
	e.prices.Subscribe(e.triggers)
	e.prices.Subscribe(e.exec)
	e.prices.Subscribe(e.checker)
	e.prices.Subscribe(e.hub)
	e.prices.Subscribe(e.pricePub)

	if err := e.restore(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("restore: %w", err)
	}
	return e, nil
}

// restore reloads operating accounts, open positions and resting limit
// orders from the store of record.
func (e *Engine) restore(ctx context.Context) error {
	accounts, err := e.repo.LoadOperatingAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	e.accounts.Load(accounts)

	positions, err := e.repo.LoadOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	for _, p := range positions {
		e.positions.Add(p)
		e.triggers.Register(p)
	}

	pending, err := e.repo.LoadPendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("load pending orders: %w", err)
	}
	e.exec.LoadPending(pending)

	log.Printf("[ENGINE] Restored %d accounts, %d positions, %d pending orders",
		len(accounts), len(positions), len(pending))
	return nil
}

// Start launches every component and the HTTP listener. The feed comes up
// last so nothing trades against an empty book.
func (e *Engine) Start() error {
	e.retry.Start()
	e.auditor.Start()
	e.accounts.Start()
	e.exec.Start()
	e.checker.Start()
	e.daily.Start()
	e.funding.Start()
	e.pricePub.Start()
	e.hub.Start()

	go func() {
		log.Printf("[ENGINE] Listening on %s", e.cfg.ServerConfig.ListenAddr)
		if err := e.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[ENGINE] HTTP server stopped: %v", err)
		}
	}()

	e.feed.Start()
	log.Printf("[ENGINE] Started")
	return nil
}

// Stop shuts the engine down in dependency order: upstream feed first,
// then the workers, then the flush paths, then the connections.
func (e *Engine) Stop(ctx context.Context) {
	log.Printf("[ENGINE] Shutting down")

	e.feed.Stop()
	e.funding.Stop()
	e.daily.Stop()
	e.exec.Stop()
	e.checker.Stop()

	if err := e.httpSrv.Shutdown(ctx); err != nil {
		log.Printf("[ENGINE] HTTP shutdown: %v", err)
	}
	e.hub.Stop()

	e.accounts.Stop()
	e.auditor.Stop()
	e.retry.Stop()
	e.pricePub.Stop()

	e.cacheSvc.Close()
	e.db.Close()
	log.Printf("[ENGINE] Stopped")
}

// AdminBreach force-closes every position on an account and transitions it
// to breached. The operations tooling calls this for rule violations found
// outside the automated checks.
func (e *Engine) AdminBreach(ctx context.Context, accountID, detail string) error {
	closed := e.exec.CloseAllForAccount(ctx, accountID, market.CloseReasonBreach)
	if err := e.accounts.TransitionStatus(accountID, market.StatusBreached, market.BreachAdmin); err != nil {
		return err
	}
	e.auditor.Append(accountID, audit.EventAccountBreached, nil, nil, map[string]any{
		"breachType": string(market.BreachAdmin),
		"detail":     detail,
		"closed":     closed,
	})
	e.bus.Publish(events.Event{
		Type:      events.EventAccountBreached,
		AccountID: accountID,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"breachType": string(market.BreachAdmin), "detail": detail},
	})
	log.Printf("[ENGINE] Admin breach on %s: %s (%d positions closed)", accountID, detail, closed)
	return nil
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":        "ok",
		"cacheHealthy":  e.cacheSvc.IsHealthy(),
		"limiterShared": !e.limiter.Degraded(),
		"openPositions": e.positions.Count(),
		"pendingOrders": e.exec.PendingCount(),
		"sessions":      e.hub.ClientCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
