// Package integration provides end-to-end integration tests for the trading system.
package integration

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Anupamvm/mCube-ai-sub004/internal/broker"
	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
	"github.com/Anupamvm/mCube-ai-sub004/internal/store"
	"github.com/Anupamvm/mCube-ai-sub004/internal/trading"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// paperRig wires a registry, executor, syncer and sqlite store around a
// single shared paper adapter, so tests can move the simulated market
// while orders flow through the full coordinator path.
type paperRig struct {
	adapter  *broker.PaperAdapter
	registry *broker.Registry
	executor *trading.Executor
	syncer   *trading.Syncer
	store    *store.SQLiteStore
	key      broker.AccountKey
}

func newPaperRig(t *testing.T) *paperRig {
	t.Helper()
	logger := zerolog.Nop()

	adapter := broker.NewPaperAdapter(decimal.Zero)
	registry := broker.NewRegistry(logger)
	registry.RegisterFactory(models.BrokerPaper, func(ctx context.Context, key broker.AccountKey) (broker.Adapter, error) {
		return adapter, nil
	})

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "integration.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	risk := trading.NewRiskChecker(trading.RiskLimits{
		MaxQuantity:   1000,
		MaxOrderValue: dec("10000000"),
	})

	return &paperRig{
		adapter:  adapter,
		registry: registry,
		executor: trading.NewExecutor(registry, risk, st, logger),
		syncer:   trading.NewSyncer(registry, st, logger),
		store:    st,
		key:      broker.AccountKey{AccountID: "INTEG1", Broker: models.BrokerPaper},
	}
}

// TestEndToEndOrderWorkflow walks an order from the coordinator through
// the registry into the paper book and out to the result store.
func TestEndToEndOrderWorkflow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rig := newPaperRig(t)
	rig.adapter.SetPrice("SBIN", dec("500"))

	// Test 1: The first order logs the account in on demand.
	result, err := rig.executor.PlaceOrder(ctx, rig.key, &models.OrderRequest{
		Symbol:          "SBIN",
		Exchange:        models.NSE,
		TransactionType: models.TransactionBuy,
		OrderType:       models.OrderTypeMarket,
		Product:         models.ProductMIS,
		Quantity:        10,
	})
	if err != nil {
		t.Fatalf("Failed to place order: %v", err)
	}
	if !result.Success {
		t.Fatalf("Order not successful: %s", result.Error)
	}
	if !strings.HasPrefix(result.OrderID, "PAPER_") {
		t.Errorf("Order ID = %q, want PAPER_ prefix", result.OrderID)
	}
	if !result.Price.Equal(dec("500")) {
		t.Errorf("Fill price = %s, want 500", result.Price)
	}

	// Test 2: The session established by that order is still live.
	var authenticated bool
	if err := rig.registry.Do(ctx, rig.key, func(a broker.Adapter) error {
		authenticated = a.IsAuthenticated()
		return nil
	}); err != nil {
		t.Fatalf("Failed to inspect adapter: %v", err)
	}
	if !authenticated {
		t.Error("Adapter should be authenticated after placing an order")
	}

	// Test 3: The fill shows up in the position book.
	positions, err := rig.syncer.Positions(ctx, rig.key)
	if err != nil {
		t.Fatalf("Failed to fetch positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("Position count = %d, want 1", len(positions))
	}
	if positions[0].Quantity != 10 {
		t.Errorf("Position quantity = %d, want 10", positions[0].Quantity)
	}
	if !positions[0].AveragePrice.Equal(dec("500")) {
		t.Errorf("Average price = %s, want 500", positions[0].AveragePrice)
	}

	// Test 4: Margin reflects the cash consumed by the fill.
	margin, err := rig.syncer.Margins(ctx, rig.key)
	if err != nil {
		t.Fatalf("Failed to fetch margins: %v", err)
	}
	if !margin.Available.Equal(dec("995000")) {
		t.Errorf("Available margin = %s, want 995000", margin.Available)
	}
	if !margin.Used.Equal(dec("5000")) {
		t.Errorf("Used margin = %s, want 5000", margin.Used)
	}

	// Test 5: The placement outcome was persisted.
	records, err := rig.store.OrderResults(ctx, store.OrderFilter{Account: rig.key.AccountID})
	if err != nil {
		t.Fatalf("Failed to query order results: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Recorded results = %d, want 1", len(records))
	}
	if records[0].Result.OrderID != result.OrderID {
		t.Errorf("Recorded order ID = %q, want %q", records[0].Result.OrderID, result.OrderID)
	}
	if !records[0].Result.Success {
		t.Error("Recorded result should be successful")
	}

	// Test 6: A full snapshot round-trips positions and margin through
	// the store.
	snap, err := rig.syncer.Snapshot(ctx, rig.key)
	if err != nil {
		t.Fatalf("Failed to snapshot account: %v", err)
	}
	if len(snap.Positions) != 1 || snap.Margin == nil {
		t.Fatalf("Snapshot incomplete: %d positions, margin %v", len(snap.Positions), snap.Margin)
	}
	stored, takenAt, err := rig.store.LatestPositions(ctx, rig.key.AccountID)
	if err != nil {
		t.Fatalf("Failed to load stored positions: %v", err)
	}
	if takenAt.IsZero() {
		t.Fatal("Stored snapshot has no timestamp")
	}
	if len(stored) != 1 || stored[0].Symbol != "SBIN" {
		t.Errorf("Stored positions = %+v, want one SBIN row", stored)
	}
	storedMargin, err := rig.store.LatestMargin(ctx, rig.key.AccountID)
	if err != nil {
		t.Fatalf("Failed to load stored margin: %v", err)
	}
	if storedMargin == nil || !storedMargin.Available.Equal(dec("995000")) {
		t.Errorf("Stored margin = %+v, want available 995000", storedMargin)
	}
}

// TestPaperTradingSimulation runs a buy, a mark-to-market move and a
// closing sell directly against the paper adapter.
func TestPaperTradingSimulation(t *testing.T) {
	ctx := context.Background()

	adapter := broker.NewPaperAdapter(decimal.Zero)
	if err := adapter.Login(ctx); err != nil {
		t.Fatalf("Failed to login: %v", err)
	}

	// Test 1: Initial state.
	margin, err := adapter.GetMargins(ctx)
	if err != nil {
		t.Fatalf("Failed to get margins: %v", err)
	}
	if !margin.Available.Equal(dec("1000000")) {
		t.Errorf("Initial balance = %s, want 1000000", margin.Available)
	}
	if !margin.Used.IsZero() {
		t.Errorf("Initial used margin = %s, want 0", margin.Used)
	}

	// Test 2: Place buy order.
	adapter.SetPrice("RELIANCE", dec("2750.50"))
	buy, err := adapter.PlaceOrder(ctx, &models.OrderRequest{
		Symbol:          "RELIANCE",
		Exchange:        models.NSE,
		TransactionType: models.TransactionBuy,
		OrderType:       models.OrderTypeMarket,
		Product:         models.ProductMIS,
		Quantity:        4,
	})
	if err != nil {
		t.Fatalf("Failed to place buy order: %v", err)
	}
	if !buy.Price.Equal(dec("2750.50")) {
		t.Errorf("Buy fill price = %s, want 2750.50", buy.Price)
	}

	// Test 3: Verify position.
	positions, err := adapter.GetPositions(ctx)
	if err != nil {
		t.Fatalf("Failed to get positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("Position count = %d, want 1", len(positions))
	}
	if positions[0].Quantity != 4 {
		t.Errorf("Position quantity = %d, want 4", positions[0].Quantity)
	}
	if !positions[0].AveragePrice.Equal(dec("2750.50")) {
		t.Errorf("Average price = %s, want 2750.50", positions[0].AveragePrice)
	}

	// Test 4: Update price and check P&L.
	adapter.SetPrice("RELIANCE", dec("2760.50"))
	positions, err = adapter.GetPositions(ctx)
	if err != nil {
		t.Fatalf("Failed to get positions after move: %v", err)
	}
	if !positions[0].UnrealizedPnL.Equal(dec("40")) {
		t.Errorf("Unrealized P&L = %s, want 40", positions[0].UnrealizedPnL)
	}

	// Test 5: Place sell order to close position.
	sell, err := adapter.PlaceOrder(ctx, &models.OrderRequest{
		Symbol:          "RELIANCE",
		Exchange:        models.NSE,
		TransactionType: models.TransactionSell,
		OrderType:       models.OrderTypeMarket,
		Product:         models.ProductMIS,
		Quantity:        4,
	})
	if err != nil {
		t.Fatalf("Failed to place sell order: %v", err)
	}
	if !sell.Price.Equal(dec("2760.50")) {
		t.Errorf("Sell fill price = %s, want 2760.50", sell.Price)
	}

	// Test 6: Verify position is closed.
	positions, err = adapter.GetPositions(ctx)
	if err != nil {
		t.Fatalf("Failed to get positions after close: %v", err)
	}
	if positions[0].Quantity != 0 {
		t.Errorf("Closed position quantity = %d, want 0", positions[0].Quantity)
	}
	if !positions[0].RealizedPnL.Equal(dec("40")) {
		t.Errorf("Realized P&L = %s, want 40", positions[0].RealizedPnL)
	}

	// Test 7: Verify balance reflects profit.
	margin, err = adapter.GetMargins(ctx)
	if err != nil {
		t.Fatalf("Failed to get margins after close: %v", err)
	}
	if !margin.Available.Equal(dec("1000040")) {
		t.Errorf("Final balance = %s, want 1000040", margin.Available)
	}
	if !margin.Used.IsZero() {
		t.Errorf("Used margin after close = %s, want 0", margin.Used)
	}
}

// TestLimitOrderLifecycle rests a limit order through the coordinator,
// fills it with a price move and checks cancel semantics on both
// resting and terminal orders.
func TestLimitOrderLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rig := newPaperRig(t)
	rig.adapter.SetPrice("INFY", dec("1500.00"))

	// Test 1: A buy limit below the market rests.
	result, err := rig.executor.PlaceOrder(ctx, rig.key, &models.OrderRequest{
		Symbol:          "INFY",
		Exchange:        models.NSE,
		TransactionType: models.TransactionBuy,
		OrderType:       models.OrderTypeLimit,
		Product:         models.ProductMIS,
		Quantity:        5,
		Price:           dec("1495.00"),
	})
	if err != nil {
		t.Fatalf("Failed to place limit order: %v", err)
	}
	status, err := rig.executor.OrderStatus(ctx, rig.key, result.OrderID)
	if err != nil {
		t.Fatalf("Failed to get order status: %v", err)
	}
	if status.State != models.OrderStateOpen {
		t.Fatalf("Resting order state = %s, want OPEN", status.State)
	}

	// Test 2: A price at the limit sweeps the order, filling at the
	// limit price rather than the sweep price.
	rig.adapter.SetPrice("INFY", dec("1494.95"))
	status, err = rig.executor.OrderStatus(ctx, rig.key, result.OrderID)
	if err != nil {
		t.Fatalf("Failed to get order status after sweep: %v", err)
	}
	if status.State != models.OrderStateComplete {
		t.Fatalf("Swept order state = %s, want COMPLETE", status.State)
	}
	if status.FilledQty != 5 {
		t.Errorf("Filled quantity = %d, want 5", status.FilledQty)
	}
	if !status.AveragePrice.Equal(dec("1495.00")) {
		t.Errorf("Fill price = %s, want 1495.00", status.AveragePrice)
	}

	// Test 3: Cancelling a filled order fails.
	if err := rig.executor.CancelOrder(ctx, rig.key, result.OrderID); err == nil {
		t.Error("Cancel of a filled order should fail")
	}

	// Test 4: Cancelling a resting order succeeds and the order stays
	// out of the book.
	resting, err := rig.executor.PlaceOrder(ctx, rig.key, &models.OrderRequest{
		Symbol:          "INFY",
		Exchange:        models.NSE,
		TransactionType: models.TransactionBuy,
		OrderType:       models.OrderTypeLimit,
		Product:         models.ProductMIS,
		Quantity:        5,
		Price:           dec("1490.00"),
	})
	if err != nil {
		t.Fatalf("Failed to place second limit order: %v", err)
	}
	if err := rig.executor.CancelOrder(ctx, rig.key, resting.OrderID); err != nil {
		t.Fatalf("Failed to cancel resting order: %v", err)
	}
	status, err = rig.executor.OrderStatus(ctx, rig.key, resting.OrderID)
	if err != nil {
		t.Fatalf("Failed to get cancelled order status: %v", err)
	}
	if status.State != models.OrderStateCancelled {
		t.Errorf("Cancelled order state = %s, want CANCELLED", status.State)
	}
	positions, err := rig.syncer.Positions(ctx, rig.key)
	if err != nil {
		t.Fatalf("Failed to fetch positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Quantity != 5 {
		t.Errorf("Book = %+v, want only the 5-share fill", positions)
	}
}

// TestMultiAccountIsolation verifies that accounts sharing a broker get
// independent adapter instances and independent stored snapshots.
func TestMultiAccountIsolation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := zerolog.Nop()
	books := map[string]*broker.PaperAdapter{
		"ACCT1": broker.NewPaperAdapter(decimal.Zero),
		"ACCT2": broker.NewPaperAdapter(decimal.Zero),
	}
	registry := broker.NewRegistry(logger)
	registry.RegisterFactory(models.BrokerPaper, func(ctx context.Context, key broker.AccountKey) (broker.Adapter, error) {
		return books[key.AccountID], nil
	})

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "isolation.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	risk := trading.NewRiskChecker(trading.RiskLimits{MaxQuantity: 1000})
	executor := trading.NewExecutor(registry, risk, st, logger)
	syncer := trading.NewSyncer(registry, st, logger)

	key1 := broker.AccountKey{AccountID: "ACCT1", Broker: models.BrokerPaper}
	key2 := broker.AccountKey{AccountID: "ACCT2", Broker: models.BrokerPaper}
	books["ACCT1"].SetPrice("SBIN", dec("500"))
	books["ACCT2"].SetPrice("SBIN", dec("500"))

	// Test 1: A fill on the first account lands in its book.
	if _, err := executor.PlaceOrder(ctx, key1, &models.OrderRequest{
		Symbol:          "SBIN",
		Exchange:        models.NSE,
		TransactionType: models.TransactionBuy,
		OrderType:       models.OrderTypeMarket,
		Product:         models.ProductMIS,
		Quantity:        10,
	}); err != nil {
		t.Fatalf("Failed to place order on ACCT1: %v", err)
	}
	positions, err := syncer.Positions(ctx, key1)
	if err != nil {
		t.Fatalf("Failed to fetch ACCT1 positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("ACCT1 position count = %d, want 1", len(positions))
	}

	// Test 2: The second account's book and cash are untouched.
	positions, err = syncer.Positions(ctx, key2)
	if err != nil {
		t.Fatalf("Failed to fetch ACCT2 positions: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("ACCT2 position count = %d, want 0", len(positions))
	}
	margin, err := syncer.Margins(ctx, key2)
	if err != nil {
		t.Fatalf("Failed to fetch ACCT2 margins: %v", err)
	}
	if !margin.Available.Equal(dec("1000000")) {
		t.Errorf("ACCT2 balance = %s, want untouched 1000000", margin.Available)
	}

	// Test 3: SnapshotAll covers both accounts and the store keeps them
	// apart. The flat account still gets a timestamped empty snapshot.
	results := syncer.SnapshotAll(ctx, []broker.AccountKey{key1, key2})
	if len(results) != 2 {
		t.Fatalf("Sync results = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("Sync failed for %s: %v", r.Key, r.Err)
		}
	}
	stored1, taken1, err := st.LatestPositions(ctx, "ACCT1")
	if err != nil {
		t.Fatalf("Failed to load ACCT1 snapshot: %v", err)
	}
	if len(stored1) != 1 || taken1.IsZero() {
		t.Errorf("ACCT1 stored snapshot = %d rows at %v, want 1 row", len(stored1), taken1)
	}
	stored2, taken2, err := st.LatestPositions(ctx, "ACCT2")
	if err != nil {
		t.Fatalf("Failed to load ACCT2 snapshot: %v", err)
	}
	if len(stored2) != 0 {
		t.Errorf("ACCT2 stored snapshot = %d rows, want 0", len(stored2))
	}
	if taken2.IsZero() {
		t.Error("ACCT2 snapshot should be timestamped even when flat")
	}
	if _, taken3, err := st.LatestPositions(ctx, "NEVER"); err != nil || !taken3.IsZero() {
		t.Errorf("Unsynced account: takenAt = %v, err = %v, want zero time", taken3, err)
	}
}

// TestConcurrentOrderPlacement hammers one account from several
// goroutines. The registry serializes access per key, so every order
// fills and the book stays consistent.
func TestConcurrentOrderPlacement(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rig := newPaperRig(t)
	rig.adapter.SetPrice("SBIN", dec("500"))

	const workers = 8
	var wg sync.WaitGroup
	resultCh := make(chan *models.OrderResult, workers)
	errCh := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := rig.executor.PlaceOrder(ctx, rig.key, &models.OrderRequest{
				Symbol:          "SBIN",
				Exchange:        models.NSE,
				TransactionType: models.TransactionBuy,
				OrderType:       models.OrderTypeMarket,
				Product:         models.ProductMIS,
				Quantity:        5,
			})
			if err != nil {
				errCh <- err
				return
			}
			resultCh <- result
		}()
	}
	wg.Wait()
	close(resultCh)
	close(errCh)

	for err := range errCh {
		t.Errorf("Concurrent placement failed: %v", err)
	}

	seen := make(map[string]bool)
	for result := range resultCh {
		if !result.Success {
			t.Errorf("Order not successful: %s", result.Error)
		}
		if seen[result.OrderID] {
			t.Errorf("Duplicate order ID %s", result.OrderID)
		}
		seen[result.OrderID] = true
	}
	if len(seen) != workers {
		t.Fatalf("Distinct orders = %d, want %d", len(seen), workers)
	}

	positions, err := rig.syncer.Positions(ctx, rig.key)
	if err != nil {
		t.Fatalf("Failed to fetch positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Quantity != workers*5 {
		t.Fatalf("Book = %+v, want one position of %d shares", positions, workers*5)
	}

	margin, err := rig.syncer.Margins(ctx, rig.key)
	if err != nil {
		t.Fatalf("Failed to fetch margins: %v", err)
	}
	if !margin.Available.Equal(dec("980000")) {
		t.Errorf("Available margin = %s, want 980000", margin.Available)
	}

	records, err := rig.store.OrderResults(ctx, store.OrderFilter{Account: rig.key.AccountID})
	if err != nil {
		t.Fatalf("Failed to query order results: %v", err)
	}
	if len(records) != workers {
		t.Errorf("Recorded results = %d, want %d", len(records), workers)
	}
}
