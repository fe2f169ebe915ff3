package ledger

import (
	"context"
	"sync"
)

// Store persists ledger entities. Each Save must be durable when it returns;
// the caller relies on that before taking the next dependent action.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	SaveTrade(ctx context.Context, t Trade) error
	SaveOrder(ctx context.Context, o Order) error
	SaveFill(ctx context.Context, f Fill) error
	SaveBalance(ctx context.Context, b BalanceSnapshot) error
	SavePerformance(ctx context.Context, p PerformanceRecord) error
	SaveBreaker(ctx context.Context, b BreakerState) error
}

// MemoryStore keeps everything in process. Used by backtests and tests.
type MemoryStore struct {
	mu   sync.Mutex
	snap Snapshot

	// FailNext, when set, is returned (once) by the next Save call.
	FailNext error
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) fail() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

func (m *MemoryStore) Load(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copySnapshot(m.snap), nil
}

func (m *MemoryStore) SaveTrade(ctx context.Context, t Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	for i := range m.snap.Trades {
		if m.snap.Trades[i].ID == t.ID {
			m.snap.Trades[i] = t
			return nil
		}
	}
	m.snap.Trades = append(m.snap.Trades, t)
	return nil
}

func (m *MemoryStore) SaveOrder(ctx context.Context, o Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	for i := range m.snap.Orders {
		if m.snap.Orders[i].ID == o.ID {
			m.snap.Orders[i] = o
			return nil
		}
	}
	m.snap.Orders = append(m.snap.Orders, o)
	return nil
}

func (m *MemoryStore) SaveFill(ctx context.Context, f Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	m.snap.Fills = append(m.snap.Fills, f)
	return nil
}

func (m *MemoryStore) SaveBalance(ctx context.Context, b BalanceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	m.snap.Balances = append(m.snap.Balances, b.clone())
	return nil
}

func (m *MemoryStore) SavePerformance(ctx context.Context, p PerformanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	for _, have := range m.snap.Performance {
		if have.Day == p.Day && have.Account == p.Account {
			return nil
		}
	}
	m.snap.Performance = append(m.snap.Performance, p)
	return nil
}

func (m *MemoryStore) SaveBreaker(ctx context.Context, b BreakerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	m.snap.Breaker = b
	return nil
}

func copySnapshot(s Snapshot) Snapshot {
	out := Snapshot{
		Trades:      append([]Trade(nil), s.Trades...),
		Orders:      append([]Order(nil), s.Orders...),
		Fills:       append([]Fill(nil), s.Fills...),
		Performance: append([]PerformanceRecord(nil), s.Performance...),
		Breaker:     s.Breaker,
	}
	for _, b := range s.Balances {
		out.Balances = append(out.Balances, b.clone())
	}
	return out
}
