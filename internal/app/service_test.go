package app

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphaTradeSync/internal/domain"
	"alphaTradeSync/internal/histsync"
	"alphaTradeSync/internal/ingest"
	"alphaTradeSync/internal/ports"
	"alphaTradeSync/internal/reconcile"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type memLedger struct {
	mu     sync.Mutex
	lots   map[int64]*domain.Lot
	trades map[string]*domain.CompletedTrade
	fills  int
	nextID int64
}

func newMemLedger() *memLedger {
	return &memLedger{lots: make(map[int64]*domain.Lot), trades: make(map[string]*domain.CompletedTrade), nextID: 1}
}

func (m *memLedger) AppendFill(ctx context.Context, fill *domain.Fill) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills++
	return true, nil
}

func (m *memLedger) UpsertLot(ctx context.Context, lot *domain.Lot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lot.ID == 0 {
		lot.ID = m.nextID
		m.nextID++
	}
	cp := *lot
	m.lots[lot.ID] = &cp
	return nil
}

func (m *memLedger) ListOpenLots(ctx context.Context, botID, symbol string) ([]*domain.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Lot
	for _, lot := range m.lots {
		if lot.BotID == botID && (symbol == "" || lot.Symbol == symbol) && lot.IsOpen() {
			cp := *lot
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out, nil
}

func (m *memLedger) CloseLots(ctx context.Context, lots []*domain.Lot, trades []*domain.CompletedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lot := range lots {
		cp := *lot
		m.lots[lot.ID] = &cp
	}
	for _, tr := range trades {
		m.trades[tr.TradeID] = tr
	}
	return nil
}

func (m *memLedger) UpsertCompletedTrade(ctx context.Context, trade *domain.CompletedTrade) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.trades[trade.TradeID]
	m.trades[trade.TradeID] = trade
	return !exists, nil
}

func (m *memLedger) UpsertOrder(ctx context.Context, order *domain.OrderUpdate) error { return nil }

func (m *memLedger) CreateSyncStatus(ctx context.Context, botID string, syncType domain.SyncType, start, end time.Time) (int64, error) {
	return 1, nil
}

func (m *memLedger) UpdateSyncStatus(ctx context.Context, id int64, state domain.SyncStatusState, tradesSynced int, errorMessage string) error {
	return nil
}

func (m *memLedger) LastSyncTime(ctx context.Context, botID string, syncType domain.SyncType) (time.Time, error) {
	return time.Time{}, nil
}

func (m *memLedger) SyncStatistics(ctx context.Context, botID string) ([]*domain.SyncStats, error) {
	return nil, nil
}

type memCache struct {
	mu    sync.Mutex
	snaps map[string]*domain.PositionSnapshot
}

func newMemCache() *memCache { return &memCache{snaps: make(map[string]*domain.PositionSnapshot)} }

func (c *memCache) SetPosition(ctx context.Context, snap *domain.PositionSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *snap
	c.snaps[snap.BotID+":"+snap.Symbol] = &cp
	return nil
}

func (c *memCache) GetPosition(ctx context.Context, botID, symbol string) (*domain.PositionSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snaps[botID+":"+symbol], nil
}

func (c *memCache) DeletePosition(ctx context.Context, botID, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snaps, botID+":"+symbol)
	return nil
}

type stubExchange struct{}

func (s *stubExchange) ListExecutions(ctx context.Context, start, end time.Time) ([]ports.ExecutionRecord, error) {
	return nil, nil
}

func (s *stubExchange) ListClosedPnL(ctx context.Context, start, end time.Time, symbol string) ([]ports.ClosedPnLRecord, error) {
	return nil, nil
}

func (s *stubExchange) ListPositions(ctx context.Context) ([]ports.LivePosition, error) {
	return nil, nil
}

func (s *stubExchange) Ping(ctx context.Context) error { return nil }

// scriptedStream plays a fixed event sequence into the handler, then blocks
// until the context ends.
type scriptedStream struct {
	events []ports.ExecutionEvent
	played chan struct{}
}

func (s *scriptedStream) Start(ctx context.Context, handler ports.StreamHandler) error {
	for _, ev := range s.events {
		if err := handler.HandleExecution(ctx, ev); err != nil {
			return err
		}
	}
	close(s.played)
	<-ctx.Done()
	return ctx.Err()
}

func TestNewSyncService_Validation(t *testing.T) {
	_, err := NewSyncService(Config{})
	assert.Error(t, err)
}

func TestSyncService_StreamEventsFlowToLedger(t *testing.T) {
	ledger := newMemLedger()
	cache := newMemCache()
	logger := &mockLogger{}
	exchange := &stubExchange{}

	coordinator, err := reconcile.New(reconcile.Config{
		Exchange: exchange, Ledger: ledger, Cache: cache, Logger: logger,
		Bots:         []string{"momentum_001"},
		SymbolOwners: map[string]string{"BTCUSDT": "momentum_001"},
	})
	require.NoError(t, err)

	handler, err := ingest.New(ingest.Config{
		Ledger: ledger, Cache: cache, Logger: logger,
		SymbolOwners:  map[string]string{"BTCUSDT": "momentum_001"},
		RetryMinDelay: time.Millisecond,
	})
	require.NoError(t, err)

	worker, err := histsync.New(histsync.Config{
		Exchange: exchange, Ledger: ledger, Logger: logger,
		Bots:         []string{"momentum_001"},
		SymbolOwners: map[string]string{"BTCUSDT": "momentum_001"},
		Interval:     time.Hour,
	})
	require.NoError(t, err)

	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	stream := &scriptedStream{
		played: make(chan struct{}),
		events: []ports.ExecutionEvent{
			{
				Symbol: "BTCUSDT", Side: domain.SideBuy,
				OrderID: "o1", ExecID: "e1", OrderLinkID: "momentum_001:entry:1",
				ExecPrice: 60000, ExecQty: 0.5, ExecTime: t0,
			},
			{
				Symbol: "BTCUSDT", Side: domain.SideSell,
				OrderID: "o2", ExecID: "e2", OrderLinkID: "momentum_001:take_profit:2",
				ExecPrice: 61000, ExecQty: 0.5, ExecTime: t0.Add(time.Hour),
			},
		},
	}

	svc, err := NewSyncService(Config{
		Logger: logger, Coordinator: coordinator, Stream: stream,
		Handler: handler, Worker: worker,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-stream.played:
	case <-time.After(5 * time.Second):
		t.Fatal("stream events were not consumed")
	}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not shut down")
	}

	assert.Equal(t, 2, ledger.fills)
	require.Len(t, ledger.trades, 1)
	for _, tr := range ledger.trades {
		assert.InDelta(t, 500.0, tr.GrossPnL, 1e-9)
		assert.Equal(t, domain.SourceWebsocket, tr.Source)
	}
}
