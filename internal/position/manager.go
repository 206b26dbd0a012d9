package position

import (
	"sync"

	"propfirm-engine/internal/market"
)

// Manager is the authoritative in-memory position store. The primary map
// and both secondary indexes are maintained atomically under one lock;
// no observer sees a position without its index entries.
//
// Accessors return clones. The stored positions are touched only under
// m.mu (price ticks via OnPriceTick, everything else via Mutate), so the
// manager lock is the single discipline for position fields.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]*Position
	byAccount map[string]map[string]struct{}
	bySymbol  map[string]map[string]struct{}
}

// NewManager creates an empty position manager.
func NewManager() *Manager {
	return &Manager{
		positions: make(map[string]*Position),
		byAccount: make(map[string]map[string]struct{}),
		bySymbol:  make(map[string]map[string]struct{}),
	}
}

// Add inserts a position and its index entries. The manager owns the
// pointer from here on; callers keep working copies via Get/Mutate.
func (m *Manager) Add(p *Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.positions[p.ID] = p
	if m.byAccount[p.AccountID] == nil {
		m.byAccount[p.AccountID] = make(map[string]struct{})
	}
	m.byAccount[p.AccountID][p.ID] = struct{}{}
	if m.bySymbol[p.Symbol] == nil {
		m.bySymbol[p.Symbol] = make(map[string]struct{})
	}
	m.bySymbol[p.Symbol][p.ID] = struct{}{}
}

// Remove deletes a position and its index entries. Returns false when the
// id is unknown.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return false
	}
	delete(m.positions, id)
	if set := m.byAccount[p.AccountID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byAccount, p.AccountID)
		}
	}
	if set := m.bySymbol[p.Symbol]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(m.bySymbol, p.Symbol)
		}
	}
	return true
}

// Get returns a clone of the position for an id.
func (m *Manager) Get(id string) (*Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Mutate applies fn to the stored position under the write lock. Returns
// false when the id is unknown. Fields read by the tick path may only be
// changed through here.
func (m *Manager) Mutate(id string, fn func(*Position)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return false
	}
	fn(p)
	return true
}

// GetByAccount returns clones of the open positions of one account.
func (m *Manager) GetByAccount(accountID string) []*Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byAccount[accountID]
	out := make([]*Position, 0, len(ids))
	for id := range ids {
		out = append(out, m.positions[id].Clone())
	}
	return out
}

// GetBySymbol returns clones of the open positions on one symbol.
func (m *Manager) GetBySymbol(symbol string) []*Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.bySymbol[symbol]
	out := make([]*Position, 0, len(ids))
	for id := range ids {
		out = append(out, m.positions[id].Clone())
	}
	return out
}

// All returns clones of every open position.
func (m *Manager) All() []*Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p.Clone())
	}
	return out
}

// Count returns the number of open positions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// OnPriceTick marks every position on the tick's symbol to the derived
// close price and recomputes unrealized P&L. Satisfies price.Subscriber.
func (m *Manager) OnPriceTick(tick market.PriceTick) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.bySymbol[tick.Symbol] {
		p := m.positions[id]
		mark := tick.ClosePrice(p.Side)
		p.CurrentPrice = mark
		p.UnrealizedPnl = p.PnlAt(mark, p.Quantity)
	}
}
