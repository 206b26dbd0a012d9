package account

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"propfirm-engine/internal/market"
)

var ErrAccountNotFound = errors.New("account not found")

// Persister is the write-through target for dirty accounts.
type Persister interface {
	SaveAccounts(ctx context.Context, accounts []*Account) error
}

// FlushConfig bounds the background write-through.
type FlushConfig struct {
	Interval  time.Duration // flush at least this often when dirty
	BatchSize int           // flush early past this many dirty accounts
	Timeout   time.Duration // per-flush persistence deadline
}

// DefaultFlushConfig returns the flusher defaults.
func DefaultFlushConfig() FlushConfig {
	return FlushConfig{
		Interval:  2 * time.Second,
		BatchSize: 64,
		Timeout:   2 * time.Second,
	}
}

// Manager is the authoritative in-memory account store. Every mutation
// runs inside WithLock; committed mutations mark the account dirty and a
// background flusher coalesces them into the store of record.
type Manager struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	locks    map[string]*sync.Mutex
	dirty    map[string]struct{}

	persister Persister
	flushCfg  FlushConfig

	// unrealized resolves an account's open unrealized P&L for snapshots;
	// wired to the position manager at startup.
	unrealized func(accountID string) decimal.Decimal

	flushKick chan struct{}
	stopChan  chan struct{}
	wg        sync.WaitGroup
	running   bool
}

// NewManager creates an account manager that writes through persister.
func NewManager(persister Persister, cfg FlushConfig) *Manager {
	if cfg.Interval <= 0 {
		cfg = DefaultFlushConfig()
	}
	return &Manager{
		accounts:   make(map[string]*Account),
		locks:      make(map[string]*sync.Mutex),
		dirty:      make(map[string]struct{}),
		persister:  persister,
		flushCfg:   cfg,
		unrealized: func(string) decimal.Decimal { return decimal.Zero },
		flushKick:  make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
	}
}

// SetUnrealizedFn wires the unrealized P&L resolver. Call before Start.
func (m *Manager) SetUnrealizedFn(fn func(accountID string) decimal.Decimal) {
	m.unrealized = fn
}

// Load registers accounts at startup, before any operation runs.
func (m *Manager) Load(accounts []*Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range accounts {
		m.accounts[a.ID] = a
	}
	log.Printf("[ACCOUNT] Loaded %d accounts", len(accounts))
}

// Put registers a single account (admin activation path).
func (m *Manager) Put(a *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
}

// lockFor returns the account's mutex, creating it on first use. Go
// mutexes enter starvation mode under contention, which gives the
// fairness the locking discipline requires.
func (m *Manager) lockFor(accountID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[accountID] = l
	}
	return l
}

// WithLock runs fn with exclusive ownership of the account. All mutations
// of an account and its positions pass through here.
func (m *Manager) WithLock(accountID string, fn func(a *Account) error) error {
	l := m.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	m.mu.RLock()
	a, ok := m.accounts[accountID]
	m.mu.RUnlock()
	if !ok {
		return ErrAccountNotFound
	}
	return fn(a)
}

// Get returns an eventually-consistent copy of an account. Operations that
// act on it must re-check inside WithLock.
func (m *Manager) Get(accountID string) (*Account, bool) {
	m.mu.RLock()
	a, ok := m.accounts[accountID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	l := m.lockFor(accountID)
	l.Lock()
	defer l.Unlock()
	return a.Clone(), true
}

// Owner returns the user id behind an account. UserID never changes after
// load, so this skips the per-account mutex and stays safe to call from
// inside WithLock callbacks (event fan-out routes through here).
func (m *Manager) Owner(accountID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return "", false
	}
	return a.UserID, true
}

// Snapshot returns the client-facing account view with equity folded in.
func (m *Manager) Snapshot(accountID string) (Snapshot, error) {
	var snap Snapshot
	err := m.WithLock(accountID, func(a *Account) error {
		snap = a.SnapshotWith(m.unrealized(accountID))
		return nil
	})
	return snap, err
}

// All returns copies of every loaded account.
func (m *Manager) All() []*Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a.Clone())
	}
	return out
}

// TransitionStatus moves an account to a new lifecycle state.
func (m *Manager) TransitionStatus(accountID string, status market.AccountStatus, breach market.BreachType) error {
	return m.WithLock(accountID, func(a *Account) error {
		old := a.Status
		a.Status = status
		if breach != "" {
			a.BreachType = breach
		}
		log.Printf("[ACCOUNT] %s status %s -> %s (breach=%s)", a.AccountNumber, old, status, breach)
		m.MarkDirty(accountID)
		return nil
	})
}

// MarkDirty queues the account for the next write-through flush.
func (m *Manager) MarkDirty(accountID string) {
	m.mu.Lock()
	m.dirty[accountID] = struct{}{}
	overBatch := len(m.dirty) >= m.flushCfg.BatchSize
	m.mu.Unlock()

	if overBatch {
		select {
		case m.flushKick <- struct{}{}:
		default:
		}
	}
}

// Start launches the background flusher.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.flushLoop()
	log.Printf("[ACCOUNT] Write-through flusher started (interval=%s batch=%d)", m.flushCfg.Interval, m.flushCfg.BatchSize)
}

// Stop flushes dirty accounts and stops the flusher.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
	m.Flush(context.Background())
	log.Printf("[ACCOUNT] Write-through flusher stopped")
}

func (m *Manager) flushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.flushCfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.Flush(context.Background())
		case <-m.flushKick:
			m.Flush(context.Background())
		}
	}
}

// Flush persists every dirty account, coalescing updates. Failed flushes
// re-mark the accounts dirty for the next pass.
func (m *Manager) Flush(ctx context.Context) {
	m.mu.Lock()
	if len(m.dirty) == 0 {
		m.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(m.dirty))
	for id := range m.dirty {
		ids = append(ids, id)
	}
	m.dirty = make(map[string]struct{})
	m.mu.Unlock()

	batch := make([]*Account, 0, len(ids))
	for _, id := range ids {
		l := m.lockFor(id)
		l.Lock()
		m.mu.RLock()
		if a, ok := m.accounts[id]; ok {
			batch = append(batch, a.Clone())
		}
		m.mu.RUnlock()
		l.Unlock()
	}
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, m.flushCfg.Timeout)
	defer cancel()
	if err := m.persister.SaveAccounts(ctx, batch); err != nil {
		log.Printf("[ACCOUNT] Flush of %d accounts failed, will retry: %v", len(batch), err)
		m.mu.Lock()
		for _, id := range ids {
			m.dirty[id] = struct{}{}
		}
		m.mu.Unlock()
	}
}
