// Package trigger maintains the per-symbol sorted indexes of take-profit,
// stop-loss and liquidation prices and fires them against accepted ticks.
package trigger

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"propfirm-engine/internal/market"
	"propfirm-engine/internal/position"
)

// Entry is one armed trigger. Liquidation entries live in the stop-loss
// sequences with Type LIQ.
type Entry struct {
	PositionID string
	AccountID  string
	Side       market.Side
	Type       market.TriggerType
	Price      decimal.Decimal
}

// CloseFunc closes a position at the supplied exit price. A non-nil error
// leaves the trigger armed for the next tick.
type CloseFunc func(positionID string, reason market.CloseReason, exitPrice decimal.Decimal) error

// book holds the four ordered sequences for one symbol. Guarded by its own
// mutex, held across index mutation and the firing scan.
type book struct {
	mu sync.Mutex

	longTP  []Entry // ascending; fires while mid >= price
	longSL  []Entry // descending; fires while mid <= price (incl. LIQ)
	shortTP []Entry // descending; fires while mid <= price
	shortSL []Entry // ascending; fires while mid >= price (incl. LIQ)
}

// Engine indexes triggers by symbol and fires them on every accepted tick.
type Engine struct {
	mu       sync.RWMutex
	books    map[string]*book
	symbols  map[string]string // positionID -> symbol
	closeFn  CloseFunc
	logger   zerolog.Logger
}

// NewEngine creates a trigger engine that closes fired positions through
// closeFn.
func NewEngine(closeFn CloseFunc, logger zerolog.Logger) *Engine {
	return &Engine{
		books:   make(map[string]*book),
		symbols: make(map[string]string),
		closeFn: closeFn,
		logger:  logger,
	}
}

func (e *Engine) bookFor(symbol string) *book {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[symbol]
	if !ok {
		b = &book{}
		e.books[symbol] = b
	}
	return b
}

// Register arms a position's TP and SL (when set) and its liquidation
// price.
func (e *Engine) Register(p *position.Position) {
	b := e.bookFor(p.Symbol)

	e.mu.Lock()
	e.symbols[p.ID] = p.Symbol
	e.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if p.TakeProfit != nil {
		b.insert(Entry{PositionID: p.ID, AccountID: p.AccountID, Side: p.Side, Type: market.TriggerTP, Price: *p.TakeProfit})
	}
	if p.StopLoss != nil {
		b.insert(Entry{PositionID: p.ID, AccountID: p.AccountID, Side: p.Side, Type: market.TriggerSL, Price: *p.StopLoss})
	}
	b.insert(Entry{PositionID: p.ID, AccountID: p.AccountID, Side: p.Side, Type: market.TriggerLIQ, Price: p.LiquidationPrice})
}

// Deregister removes every trigger of a position.
func (e *Engine) Deregister(positionID string) {
	e.mu.Lock()
	symbol, ok := e.symbols[positionID]
	delete(e.symbols, positionID)
	e.mu.Unlock()
	if !ok {
		return
	}

	b := e.bookFor(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeAll(positionID, "")
}

// UpdateTPSL replaces a position's TP or SL entry. A nil price removes it.
func (e *Engine) UpdateTPSL(p *position.Position, typ market.TriggerType, newPrice *decimal.Decimal) {
	b := e.bookFor(p.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeAll(p.ID, typ)
	if newPrice != nil {
		b.insert(Entry{PositionID: p.ID, AccountID: p.AccountID, Side: p.Side, Type: typ, Price: *newPrice})
	}
}

// Count returns the number of armed entries for a symbol. Tests and stats.
func (e *Engine) Count(symbol string) int {
	b := e.bookFor(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.longTP) + len(b.longSL) + len(b.shortTP) + len(b.shortSL)
}

// OnPriceTick scans the symbol's sequences against the tick mid and closes
// every fired position. Satisfies price.Subscriber; rejected ticks never
// reach here. Failures leave the entry armed for the next tick.
func (e *Engine) OnPriceTick(tick market.PriceTick) {
	b := e.bookFor(tick.Symbol)

	b.mu.Lock()
	fired := b.collectFired(tick.Mid)
	b.mu.Unlock()
	if len(fired) == 0 {
		return
	}

	for _, f := range fired {
		exit := tick.ClosePrice(f.Side)
		reason := closeReason(f.Type)

		if err := e.closeFn(f.PositionID, reason, exit); err != nil {
			e.logger.Warn().
				Str("position_id", f.PositionID).
				Str("reason", string(reason)).
				Err(err).
				Msg("trigger close failed, will refire")
			continue
		}
		e.logger.Info().
			Str("position_id", f.PositionID).
			Str("symbol", tick.Symbol).
			Str("reason", string(reason)).
			Str("exit_price", exit.String()).
			Msg("trigger fired")
	}
}

// collectFired walks each sequence from the head while its predicate holds
// and resolves the LIQ-beats-SL tie per position. Caller holds b.mu.
func (b *book) collectFired(mid decimal.Decimal) []Entry {
	var raw []Entry
	scanGeq := func(list []Entry) {
		for _, en := range list {
			if mid.GreaterThanOrEqual(en.Price) {
				raw = append(raw, en)
				continue
			}
			break
		}
	}
	scanLeq := func(list []Entry) {
		for _, en := range list {
			if mid.LessThanOrEqual(en.Price) {
				raw = append(raw, en)
				continue
			}
			break
		}
	}
	scanGeq(b.longTP)
	scanLeq(b.longSL)
	scanLeq(b.shortTP)
	scanGeq(b.shortSL)
	if len(raw) == 0 {
		return nil
	}

	// One close per position; LIQ outranks SL outranks TP on the same tick.
	best := make(map[string]Entry, len(raw))
	order := make([]string, 0, len(raw))
	for _, en := range raw {
		cur, seen := best[en.PositionID]
		if !seen {
			best[en.PositionID] = en
			order = append(order, en.PositionID)
			continue
		}
		if rank(en.Type) > rank(cur.Type) {
			best[en.PositionID] = en
		}
	}
	out := make([]Entry, 0, len(best))
	for _, id := range order {
		out = append(out, best[id])
	}
	return out
}

func rank(t market.TriggerType) int {
	switch t {
	case market.TriggerLIQ:
		return 3
	case market.TriggerSL:
		return 2
	default:
		return 1
	}
}

func closeReason(t market.TriggerType) market.CloseReason {
	switch t {
	case market.TriggerTP:
		return market.CloseReasonTakeProfit
	case market.TriggerSL:
		return market.CloseReasonStopLoss
	default:
		return market.CloseReasonLiquidation
	}
}

// insert places an entry into its sequence by binary search.
func (b *book) insert(en Entry) {
	list, asc := b.listFor(en)
	var i int
	if asc {
		i = sort.Search(len(*list), func(i int) bool {
			return (*list)[i].Price.GreaterThanOrEqual(en.Price)
		})
	} else {
		i = sort.Search(len(*list), func(i int) bool {
			return (*list)[i].Price.LessThanOrEqual(en.Price)
		})
	}
	*list = append(*list, Entry{})
	copy((*list)[i+1:], (*list)[i:])
	(*list)[i] = en
}

// removeAll drops a position's entries; typ narrows to one trigger type,
// empty removes every type.
func (b *book) removeAll(positionID string, typ market.TriggerType) {
	filter := func(list []Entry) []Entry {
		out := list[:0]
		for _, en := range list {
			if en.PositionID == positionID && (typ == "" || en.Type == typ) {
				continue
			}
			out = append(out, en)
		}
		return out
	}
	b.longTP = filter(b.longTP)
	b.longSL = filter(b.longSL)
	b.shortTP = filter(b.shortTP)
	b.shortSL = filter(b.shortSL)
}

// listFor returns the sequence an entry sorts into and whether it is
// ascending.
func (b *book) listFor(en Entry) (*[]Entry, bool) {
	if en.Side == market.SideLong {
		if en.Type == market.TriggerTP {
			return &b.longTP, true
		}
		return &b.longSL, false
	}
	if en.Type == market.TriggerTP {
		return &b.shortTP, false
	}
	return &b.shortSL, true
}
