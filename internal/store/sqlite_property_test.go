package store

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "trade-governor/internal/errors"
	"trade-governor/internal/models"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	ledger, err := NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

var tradeSeq int64

func testTrade(symbol string, status models.TradeStatus, price float64, qty int) *models.Trade {
	n := atomic.AddInt64(&tradeSeq, 1)
	return &models.Trade{
		ID:             fmt.Sprintf("T%06d", n),
		Symbol:         symbol,
		Exchange:       models.NSE,
		Strategy:       "breakout",
		Product:        models.ProductCNC,
		Direction:      models.Long,
		Bucket:         models.BucketSwing,
		Sector:         "Banking",
		RequestedPrice: price,
		EntryPrice:     price,
		Quantity:       qty,
		StopLoss:       price * 0.98,
		Status:         status,
	}
}

// Property 1: at most one PENDING or OPEN trade per symbol
//
// Concurrent creates for the same symbol must leave exactly one active row,
// with every loser failing with ErrDuplicateOpen.
func TestProperty_OneActiveTradePerSymbol(t *testing.T) {
	ledger := newTestLedger(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	var round int64
	properties.Property("concurrent creates leave one active trade", prop.ForAll(
		func(writers int) bool {
			ctx := context.Background()
			symbol := fmt.Sprintf("SYM%d", atomic.AddInt64(&round, 1))

			var wg sync.WaitGroup
			var ok, dup int64
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := ledger.CreateTrade(ctx, testTrade(symbol, models.TradePending, 100, 1))
					switch {
					case err == nil:
						atomic.AddInt64(&ok, 1)
					case apperrors.Is(err, apperrors.ErrDuplicateOpen):
						atomic.AddInt64(&dup, 1)
					default:
						t.Logf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			active, err := ledger.FindTrades(ctx, TradeFilter{Symbol: symbol, Statuses: ActiveStatuses})
			if err != nil {
				return false
			}
			return ok == 1 && dup == int64(writers-1) && len(active) == 1
		},
		gen.IntRange(2, 8),
	))

	properties.TestingRun(t)
}

// Property 2: exposure aggregates equal the sum of active notionals
func TestProperty_ExposureMatchesActiveRows(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	statuses := []models.TradeStatus{models.TradePending, models.TradeOpen, models.TradeClosed, models.TradeRejected, models.TradeCancelled}

	properties.Property("total exposure counts only PENDING and OPEN rows", prop.ForAll(
		func(prices []float64, statusIdx []int) bool {
			ledger := newTestLedger(t)
			ctx := context.Background()

			expected := 0.0
			for i, p := range prices {
				st := statuses[statusIdx[i%len(statusIdx)]%len(statuses)]
				qty := i + 1
				tr := testTrade(fmt.Sprintf("S%d", i), st, p, qty)
				if err := ledger.CreateTrade(ctx, tr); err != nil {
					return false
				}
				if st == models.TradePending || st == models.TradeOpen {
					expected += p * float64(qty)
				}
			}

			total, err := ledger.TotalExposure(ctx)
			if err != nil {
				return false
			}
			byBucket, err := ledger.ExposureByBucket(ctx)
			if err != nil {
				return false
			}
			return math.Abs(total-expected) < 1e-6 && math.Abs(byBucket[models.BucketSwing]-expected) < 1e-6
		},
		gen.SliceOfN(6, gen.Float64Range(10, 5000)),
		gen.SliceOfN(6, gen.IntRange(0, 4)),
	))

	properties.TestingRun(t)
}

func TestUpdateTradeGuardsStatus(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	tr := testTrade("SBIN", models.TradePending, 600, 10)
	require.NoError(t, ledger.CreateTrade(ctx, tr))

	now := time.Now()
	tr.Status = models.TradeOpen
	tr.EntryPrice = 601.5
	tr.EntryTime = &now
	require.NoError(t, ledger.UpdateTrade(ctx, tr, models.TradePending))

	// A second writer still believing the trade is PENDING loses.
	stale := *tr
	stale.Status = models.TradeCancelled
	err := ledger.UpdateTrade(ctx, &stale, models.TradePending)
	assert.ErrorIs(t, err, ErrStaleTransition)

	// Terminal states never move.
	tr.Status = models.TradeClosed
	require.NoError(t, ledger.UpdateTrade(ctx, tr, models.TradeOpen))
	tr.Status = models.TradeOpen
	assert.Error(t, ledger.UpdateTrade(ctx, tr, models.TradeClosed))

	got, err := ledger.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeClosed, got.Status)
	assert.InDelta(t, 601.5, got.EntryPrice, 1e-9)
	require.NotNil(t, got.EntryTime)
}

func TestClosedTradeFreesSymbol(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	first := testTrade("TCS", models.TradeOpen, 3500, 2)
	require.NoError(t, ledger.CreateTrade(ctx, first))
	assert.ErrorIs(t, ledger.CreateTrade(ctx, testTrade("TCS", models.TradePending, 3500, 1)), apperrors.ErrDuplicateOpen)

	// REJECTED rows never collide.
	require.NoError(t, ledger.CreateTrade(ctx, testTrade("TCS", models.TradeRejected, 3500, 1)))

	first.Status = models.TradeClosed
	require.NoError(t, ledger.UpdateTrade(ctx, first, models.TradeOpen))
	require.NoError(t, ledger.CreateTrade(ctx, testTrade("TCS", models.TradePending, 3490, 1)))

	active, err := ledger.HasActiveTrade(ctx, "TCS")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestRealizedLossSince(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	now := time.Now()
	yesterday := now.Add(-30 * time.Hour)
	for i, c := range []struct {
		net  float64
		exit time.Time
	}{
		{-400, now},
		{-250, now},
		{300, now},
		{-900, yesterday},
	} {
		tr := testTrade(fmt.Sprintf("L%d", i), models.TradeClosed, 100, 1)
		tr.NetPnL = c.net
		exit := c.exit
		tr.ExitTime = &exit
		require.NoError(t, ledger.CreateTrade(ctx, tr))
	}

	since := now.Add(-time.Hour)
	loss, err := ledger.RealizedLossSince(ctx, since)
	require.NoError(t, err)
	assert.InDelta(t, 650, loss, 1e-9)

	pnl, err := ledger.RealizedPnLSince(ctx, since)
	require.NoError(t, err)
	assert.InDelta(t, -350, pnl, 1e-9)
}

func TestClosedNetPnLFollowsExitOrder(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	base := time.Now().Add(-72 * time.Hour)
	for i, net := range []float64{-500, 1200, -300} {
		tr := testTrade(fmt.Sprintf("C%d", i), models.TradeClosed, 100, 1)
		tr.NetPnL = net
		// inserted newest first
		exit := base.Add(time.Duration(3-i) * time.Hour)
		tr.ExitTime = &exit
		require.NoError(t, ledger.CreateTrade(ctx, tr))
	}
	require.NoError(t, ledger.CreateTrade(ctx, testTrade("OPEN", models.TradeOpen, 100, 1)))

	got, err := ledger.ClosedNetPnL(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{-300, 1200, -500}, got)
}

func TestNetQuantityBySymbolSignsShorts(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	long := testTrade("INFY", models.TradeOpen, 1500, 10)
	short := testTrade("ITC", models.TradeOpen, 450, 20)
	short.Direction = models.Short
	pending := testTrade("SBIN", models.TradePending, 600, 5)
	for _, tr := range []*models.Trade{long, short, pending} {
		require.NoError(t, ledger.CreateTrade(ctx, tr))
	}

	qty, err := ledger.NetQuantityBySymbol(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"INFY": 10, "ITC": -20}, qty)

	n, err := ledger.CountByStatus(ctx, models.TradeOpen)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEvents(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.RecordEvent(ctx, &models.SystemEvent{ID: "E1", Kind: "reconcile_mismatch", Symbol: "SBIN", Message: "ledger=0 broker=10"}))
	require.NoError(t, ledger.RecordEvent(ctx, &models.SystemEvent{ID: "E2", Kind: "orphan_order", Message: "x"}))

	events, err := ledger.ListEvents(ctx, "reconcile_mismatch", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "SBIN", events[0].Symbol)
}
