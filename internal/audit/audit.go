// Package audit appends the tamper-evident trade-event log: every event
// carries a SHA-256 hash over a canonical JSON rendering of its fields,
// and rows are batched into the store with a redis pub/sub side channel
// for live consumers.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"propfirm-engine/internal/database"
)

// Trade event types as persisted in trade_events.event_type
const (
	EventOrderPlaced          = "ORDER_PLACED"
	EventOrderFilled          = "ORDER_FILLED"
	EventPositionOpened       = "POSITION_OPENED"
	EventPositionClosed       = "POSITION_CLOSED"
	EventTPSet                = "TP_SET"
	EventTPModified           = "TP_MODIFIED"
	EventTPTriggered          = "TP_TRIGGERED"
	EventSLSet                = "SL_SET"
	EventSLModified           = "SL_MODIFIED"
	EventSLTriggered          = "SL_TRIGGERED"
	EventLiquidationWarning   = "LIQUIDATION_WARNING"
	EventLiquidationTriggered = "LIQUIDATION_TRIGGERED"
	EventOrderCancelled       = "ORDER_CANCELLED"
	EventOrderExpired         = "ORDER_EXPIRED"
	EventAccountBreached      = "ACCOUNT_BREACHED"
	EventEvaluationPassed     = "EVALUATION_PASSED"
	EventDailyReset           = "DAILY_RESET"
	EventFundingApplied       = "FUNDING_APPLIED"
	EventAdminBreach          = "ADMIN_BREACH"
)

const publishChannel = "audit:trade_events"

// hashedFields is the fixed field set the event hash covers, rendered as
// canonical JSON. Field order is part of the format.
type hashedFields struct {
	AccountID  string          `json:"accountId"`
	PositionID string          `json:"positionId"`
	TradeID    string          `json:"tradeId"`
	EventType  string          `json:"eventType"`
	Details    json.RawMessage `json:"details"`
	CreatedAt  string          `json:"createdAt"`
}

// Sink persists batches of trade events.
type Sink interface {
	InsertTradeEvents(ctx context.Context, events []database.TradeEventRow) error
}

// Config bounds the append buffer.
type Config struct {
	FlushInterval time.Duration
	MaxBuffered   int
	FlushTimeout  time.Duration
}

// DefaultConfig returns the appender defaults.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 1 * time.Second,
		MaxBuffered:   256,
		FlushTimeout:  2 * time.Second,
	}
}

// Appender buffers trade events and flushes them in batches. Appends
// never block the execution path; a full buffer flushes early.
type Appender struct {
	sink   Sink
	rdb    *redis.Client
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	buf    []database.TradeEventRow
	kick   chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
	active bool

	now func() time.Time
}

// NewAppender creates an appender. rdb may be nil (no live fan-out).
func NewAppender(sink Sink, rdb *redis.Client, cfg Config, logger zerolog.Logger) *Appender {
	if cfg.FlushInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Appender{
		sink:   sink,
		rdb:    rdb,
		cfg:    cfg,
		logger: logger,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		now:    time.Now,
	}
}

// Append records one event. Returns the stored row (with id and hash) so
// executors can reference it.
func (a *Appender) Append(accountID, eventType string, positionID, tradeID *string, details map[string]any) database.TradeEventRow {
	row := NewRow(accountID, eventType, positionID, tradeID, details, a.now())

	a.mu.Lock()
	a.buf = append(a.buf, row)
	full := len(a.buf) >= a.cfg.MaxBuffered
	a.mu.Unlock()

	if full {
		select {
		case a.kick <- struct{}{}:
		default:
		}
	}
	return row
}

// NewRow builds a hashed event row without buffering it, for callers that
// persist the row inside their own transaction.
func NewRow(accountID, eventType string, positionID, tradeID *string, details map[string]any, at time.Time) database.TradeEventRow {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		detailsJSON = []byte("{}")
	}
	row := database.TradeEventRow{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		PositionID: positionID,
		TradeID:    tradeID,
		EventType:  eventType,
		Details:    detailsJSON,
		CreatedAt:  at.UTC(),
	}
	row.EventHash = Hash(row)
	return row
}

// Hash computes the SHA-256 event hash over the canonical JSON of the
// fixed field set.
func Hash(row database.TradeEventRow) string {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	canonical, _ := json.Marshal(hashedFields{
		AccountID:  row.AccountID,
		PositionID: deref(row.PositionID),
		TradeID:    deref(row.TradeID),
		EventType:  row.EventType,
		Details:    row.Details,
		CreatedAt:  row.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Start launches the background flusher.
func (a *Appender) Start() {
	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		return
	}
	a.active = true
	a.mu.Unlock()

	a.wg.Add(1)
	go a.flushLoop()
}

// Stop flushes the buffer and stops.
func (a *Appender) Stop() {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	a.active = false
	a.mu.Unlock()

	close(a.stop)
	a.wg.Wait()
	a.Flush(context.Background())
}

func (a *Appender) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.Flush(context.Background())
		case <-a.kick:
			a.Flush(context.Background())
		}
	}
}

// Flush persists the buffered events. A failed insert puts the batch back
// at the head of the buffer.
func (a *Appender) Flush(ctx context.Context) {
	a.mu.Lock()
	if len(a.buf) == 0 {
		a.mu.Unlock()
		return
	}
	batch := a.buf
	a.buf = nil
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.FlushTimeout)
	defer cancel()

	if err := a.sink.InsertTradeEvents(ctx, batch); err != nil {
		a.logger.Error().Err(err).Int("events", len(batch)).Msg("trade event flush failed, requeueing")
		a.mu.Lock()
		a.buf = append(batch, a.buf...)
		a.mu.Unlock()
		return
	}

	if a.rdb != nil {
		for _, row := range batch {
			payload, _ := json.Marshal(map[string]any{
				"id":        row.ID,
				"accountId": row.AccountID,
				"eventType": row.EventType,
				"eventHash": row.EventHash,
			})
			if err := a.rdb.Publish(ctx, publishChannel, payload).Err(); err != nil {
				a.logger.Debug().Err(err).Msg("audit publish skipped")
				break
			}
		}
	}
}
