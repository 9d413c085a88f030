package execution

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-governor/internal/broker"
	"trade-governor/internal/cache"
	"trade-governor/internal/capital"
	"trade-governor/internal/costs"
	apperrors "trade-governor/internal/errors"
	"trade-governor/internal/governance"
	"trade-governor/internal/models"
	"trade-governor/internal/notify"
	"trade-governor/internal/risk"
	"trade-governor/internal/session"
	"trade-governor/internal/store"
)

// scriptVenue is the paper venue with scripted failures.
type scriptVenue struct {
	*broker.PaperBroker

	mu          sync.Mutex
	rejectEntry string
	failStops   bool
}

func (v *scriptVenue) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*models.Order, error) {
	v.mu.Lock()
	reject, failStops := v.rejectEntry, v.failStops
	v.mu.Unlock()

	if req.Type == models.OrderTypeLimit && reject != "" {
		return nil, apperrors.NewBrokerRejectedError("", req.Symbol, reject)
	}
	if req.Type == models.OrderTypeStopLossM && failStops {
		return nil, apperrors.Unavailable("PlaceOrder", errors.New("connection reset by peer"))
	}
	return v.PaperBroker.PlaceOrder(ctx, req)
}

func (v *scriptVenue) script(fn func(v *scriptVenue)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fn(v)
}

// flakyLedger fails trade inserts on demand.
type flakyLedger struct {
	*store.SQLiteLedger
	failCreate atomic.Bool
}

func (l *flakyLedger) CreateTrade(ctx context.Context, t *models.Trade) error {
	if l.failCreate.Load() {
		return errors.New("disk I/O error")
	}
	return l.SQLiteLedger.CreateTrade(ctx, t)
}

// alertRecorder records critical alerts and closed trades.
type alertRecorder struct {
	mu     sync.Mutex
	kinds  []string
	closed []models.Trade
}

func (a *alertRecorder) Send(ctx context.Context, n notify.Notification) error { return nil }

func (a *alertRecorder) SendCritical(ctx context.Context, kind, symbol, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, kind)
	return nil
}

func (a *alertRecorder) SendTradeClosed(ctx context.Context, trade *models.Trade) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = append(a.closed, *trade)
	return nil
}

func (a *alertRecorder) count(kind string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, k := range a.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

type harness struct {
	ctx      context.Context
	now      time.Time
	venue    *scriptVenue
	ledger   *flakyLedger
	counters *cache.MemoryCounters
	gate     *risk.Gate
	gov      *governance.Engine
	alerts   *alertRecorder
	mgr      *Manager
}

type harnessOption func(*harnessOptions)

type harnessOptions struct {
	now  time.Time
	exec Config
	risk risk.Config
	// closed is net P&L of trades closed before the manager starts
	closed []float64
}

func closedBefore(pnl ...float64) harnessOption {
	return func(o *harnessOptions) { o.closed = pnl }
}

func at(hour, minute int) harnessOption {
	return func(o *harnessOptions) {
		o.now = time.Date(2026, 10, 19, hour, minute, 0, 0, session.IndiaLocation)
	}
}

func monitorTimeout(d time.Duration) harnessOption {
	return func(o *harnessOptions) { o.exec.MonitorTimeout = d }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	o := harnessOptions{
		// Monday, inside the placement window
		now:  time.Date(2026, 10, 19, 10, 30, 0, 0, session.IndiaLocation),
		exec: DefaultConfig(),
		risk: risk.DefaultConfig(),
	}
	o.exec.MonitorInterval = 5 * time.Millisecond
	o.exec.MonitorTimeout = 2 * time.Second
	o.exec.CloseFillWait = 0
	for _, opt := range opts {
		opt(&o)
	}
	clock := func() time.Time { return o.now }

	sqlite, err := store.NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	ledger := &flakyLedger{SQLiteLedger: sqlite}
	view := NewExposureView(ledger)
	for i, pnl := range o.closed {
		exit := o.now.Add(-72*time.Hour + time.Duration(i)*time.Hour)
		require.NoError(t, sqlite.CreateTrade(context.Background(), &models.Trade{
			ID: fmt.Sprintf("HIST%02d", i), Symbol: "HDFCBANK", Exchange: models.NSE, Strategy: "swing",
			Product: models.ProductCNC, Direction: models.Long, Bucket: models.BucketSwing, Sector: "Banking",
			RequestedPrice: 1600, EntryPrice: 1600, Quantity: 10, StopLoss: 1570,
			Status: models.TradeClosed, NetPnL: pnl, ExitTime: &exit, CreatedAt: exit.Add(-time.Hour),
		}))
	}

	venue := &scriptVenue{PaperBroker: broker.NewPaperBroker(broker.PaperBrokerConfig{InitialBalance: 100000, Now: clock})}
	for _, s := range []string{"SBIN", "INFY", "ITC", "RELIANCE", "TCS"} {
		venue.UpdatePrice(s, 600)
	}

	logger := zerolog.Nop()
	calc := costs.NewCalculator(costs.DefaultRates())
	gov := governance.NewEngine(governance.DefaultConfig(), logger)
	counters := cache.NewMemoryCounters(clock)
	gate := risk.NewGate(o.risk, counters, view, calc, gov, logger, risk.WithClock(clock), risk.WithMarginSource(venue))

	ctrl := capital.NewController(capital.DefaultConfig(), view, logger)

	hours, err := session.NewHours(session.DefaultConfig())
	require.NoError(t, err)

	alerts := &alertRecorder{}
	mgr := NewManager(o.exec, Deps{
		Broker:     venue,
		Exposure:   view,
		Governance: gov,
		Capital:    ctrl,
		Risk:       gate,
		Costs:      calc,
		Hours:      hours,
		Notifier:   alerts,
		Clock:      clock,
	}, logger)
	t.Cleanup(mgr.Shutdown)

	ctx := context.Background()
	mgr.RefreshCapital(ctx)

	return &harness{
		ctx:      ctx,
		now:      o.now,
		venue:    venue,
		ledger:   ledger,
		counters: counters,
		gate:     gate,
		gov:      gov,
		alerts:   alerts,
		mgr:      mgr,
	}
}

func swingSignal(symbol string) models.Signal {
	return models.Signal{
		Symbol:    symbol,
		Direction: models.Long,
		Entry:     600,
		StopLoss:  590,
		Target:    630,
		Product:   models.ProductCNC,
	}
}

func (h *harness) trade(t *testing.T, id string) *models.Trade {
	t.Helper()
	tr, err := h.ledger.GetTrade(h.ctx, id)
	require.NoError(t, err)
	return tr
}

func (h *harness) openTrade(t *testing.T, sig models.Signal) *models.Trade {
	t.Helper()
	tr, err := h.mgr.ExecuteSignal(h.ctx, sig, "swing")
	require.NoError(t, err)
	h.mgr.Wait()
	got := h.trade(t, tr.ID)
	require.Equal(t, models.TradeOpen, got.Status)
	return got
}

func venueQty(t *testing.T, v broker.Broker, symbol string) int {
	t.Helper()
	positions, err := v.GetPositions(context.Background())
	require.NoError(t, err)
	n := 0
	for _, p := range positions {
		if p.Symbol == symbol {
			n += p.Quantity
		}
	}
	return n
}

func TestExecuteSignalFillsAndPlacesStop(t *testing.T) {
	h := newHarness(t)

	tr, err := h.mgr.ExecuteSignal(h.ctx, swingSignal("SBIN"), "swing")
	require.NoError(t, err)
	assert.Equal(t, models.TradePending, tr.Status)
	assert.NotEmpty(t, tr.EntryOrderID)
	assert.Equal(t, models.BucketSwing, tr.Bucket)
	assert.Equal(t, "Banking", tr.Sector)

	// min(risk 1000/10 = 100, layer max 16) x 1
	assert.Equal(t, 16, tr.Quantity)

	h.mgr.Wait()
	got := h.trade(t, tr.ID)
	assert.Equal(t, models.TradeOpen, got.Status)
	assert.InDelta(t, 600, got.EntryPrice, 1e-9)
	assert.NotEmpty(t, got.StopOrderID)
	require.NotNil(t, got.EntryTime)

	stop, err := h.venue.GetOrderStatus(h.ctx, got.StopOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderTypeStopLossM, stop.Type)
	assert.Equal(t, models.OrderSideSell, stop.Side)
	assert.InDelta(t, 590, stop.TriggerPrice, 1e-9)
	assert.Equal(t, models.ProductCNC, stop.Product)

	open, err := h.gate.OpenPositions(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, open)
	assert.Equal(t, 16, venueQty(t, h.venue, "SBIN"))
}

func TestConcurrentDuplicateSignals(t *testing.T) {
	h := newHarness(t)

	const n = 6
	var wg sync.WaitGroup
	var placed, dup atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.mgr.ExecuteSignal(h.ctx, swingSignal("SBIN"), "swing")
			var adm *apperrors.AdmissionError
			switch {
			case err == nil:
				placed.Add(1)
			case errors.As(err, &adm) && adm.Component == apperrors.ComponentDuplicate:
				dup.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	h.mgr.Wait()

	assert.EqualValues(t, 1, placed.Load())
	assert.EqualValues(t, n-1, dup.Load())

	active, err := h.ledger.FindTrades(h.ctx, store.TradeFilter{Symbol: "SBIN", Statuses: store.ActiveStatuses})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestConcurrentSignalsRespectOpenLimit(t *testing.T) {
	h := newHarness(t)

	symbols := []string{"SBIN", "INFY", "ITC", "RELIANCE"}
	var wg sync.WaitGroup
	var placed, rejected atomic.Int32
	for _, s := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			_, err := h.mgr.ExecuteSignal(h.ctx, swingSignal(symbol), "swing")
			switch {
			case err == nil:
				placed.Add(1)
			case apperrors.IsAdmissionRejected(err):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error for %s: %v", symbol, err)
			}
		}(s)
	}
	wg.Wait()
	h.mgr.Wait()

	assert.EqualValues(t, 2, placed.Load())
	assert.EqualValues(t, 2, rejected.Load())

	n, err := h.ledger.CountByStatus(h.ctx, models.TradeOpen)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, h.mgr.ledger.Reserved())
}

func TestSessionWindowRejects(t *testing.T) {
	h := newHarness(t, at(15, 45))

	tr, err := h.mgr.ExecuteSignal(h.ctx, swingSignal("SBIN"), "swing")
	assert.Nil(t, tr)
	var adm *apperrors.AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, apperrors.ComponentSession, adm.Component)
}

func TestCostFilterRejects(t *testing.T) {
	h := newHarness(t)

	sig := swingSignal("SBIN")
	sig.Target = 600.05
	_, err := h.mgr.ExecuteSignal(h.ctx, sig, "swing")
	assert.True(t, apperrors.IsCostFilterRejected(err), "got %v", err)
}

func TestVenueRejectionIsPersisted(t *testing.T) {
	h := newHarness(t)
	const msg = "Insufficient funds. Required margin is 9600.00 but available margin is 120.50"
	h.venue.script(func(v *scriptVenue) { v.rejectEntry = msg })

	tr, err := h.mgr.ExecuteSignal(h.ctx, swingSignal("SBIN"), "swing")
	require.True(t, apperrors.IsBrokerRejected(err), "got %v", err)
	require.NotNil(t, tr)
	assert.Equal(t, models.TradeRejected, tr.Status)

	got := h.trade(t, tr.ID)
	assert.Equal(t, models.TradeRejected, got.Status)
	assert.Equal(t, msg, got.Notes)

	// A funds rejection is retryable at an affordable size.
	h.venue.script(func(v *scriptVenue) { v.rejectEntry = "" })
	retry, err := h.mgr.ExecuteSignal(h.ctx, swingSignal("SBIN"), "swing")
	require.NoError(t, err)
	assert.LessOrEqual(t, retry.Quantity, 41)
	h.mgr.Wait()
}

func TestNonRetryableRejectionBlocksRetry(t *testing.T) {
	h := newHarness(t)
	h.venue.script(func(v *scriptVenue) { v.rejectEntry = "Trading in this instrument is not allowed" })

	_, err := h.mgr.ExecuteSignal(h.ctx, swingSignal("SBIN"), "swing")
	require.True(t, apperrors.IsBrokerRejected(err))

	h.venue.script(func(v *scriptVenue) { v.rejectEntry = "" })
	_, err = h.mgr.ExecuteSignal(h.ctx, swingSignal("SBIN"), "swing")
	var adm *apperrors.AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, apperrors.ComponentRetry, adm.Component)
	assert.Contains(t, adm.Reason, "not allowed")
}

func TestLedgerFailureCancelsEntry(t *testing.T) {
	h := newHarness(t)
	// Limit below the market rests at the venue, so it can be cancelled.
	h.venue.UpdatePrice("SBIN", 605)
	h.ledger.failCreate.Store(true)

	tr, err := h.mgr.ExecuteSignal(h.ctx, swingSignal("SBIN"), "swing")
	assert.Nil(t, tr)
	var lw *apperrors.LedgerWriteError
	require.ErrorAs(t, err, &lw)
	assert.True(t, lw.Cancelled)
	assert.False(t, apperrors.IsOrphanOrder(err))

	order, err := h.venue.GetOrderStatus(h.ctx, lw.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.Zero(t, venueQty(t, h.venue, "SBIN"))
}

func TestOrphanOrderWhenCancelFails(t *testing.T) {
	h := newHarness(t)
	// A marketable limit fills at once, so the compensating cancel fails.
	h.ledger.failCreate.Store(true)

	tr, err := h.mgr.ExecuteSignal(h.ctx, swingSignal("SBIN"), "swing")
	assert.Nil(t, tr)
	require.True(t, apperrors.IsOrphanOrder(err), "got %v", err)

	var orphan *apperrors.OrphanOrderError
	require.ErrorAs(t, err, &orphan)
	assert.Equal(t, "SBIN", orphan.Symbol)
	assert.Error(t, orphan.CancelErr)

	assert.Equal(t, 1, h.alerts.count(notify.AlertOrphanOrder))
	events, err := h.ledger.ListEvents(h.ctx, notify.AlertOrphanOrder, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, orphan.OrderID)
}

func TestStopFailureTriggersEmergencyExit(t *testing.T) {
	h := newHarness(t)
	h.venue.script(func(v *scriptVenue) { v.failStops = true })

	tr, err := h.mgr.ExecuteSignal(h.ctx, swingSignal("SBIN"), "swing")
	require.NoError(t, err)
	h.mgr.Wait()

	got := h.trade(t, tr.ID)
	assert.Equal(t, models.TradeClosed, got.Status)
	assert.Equal(t, "SL_PLACEMENT_FAILED", got.ExitReason)
	assert.Empty(t, got.StopOrderID)
	assert.Zero(t, venueQty(t, h.venue, "SBIN"))
	assert.Equal(t, 1, h.alerts.count(notify.AlertEmergencyExit))

	open, err := h.gate.OpenPositions(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, open)
}

func TestClosePositionBooksPnL(t *testing.T) {
	h := newHarness(t)
	tr := h.openTrade(t, swingSignal("SBIN"))

	h.venue.UpdatePrice("SBIN", 620)
	closed, err := h.mgr.ClosePosition(h.ctx, tr.ID, "TARGET", 0)
	require.NoError(t, err)

	assert.Equal(t, models.TradeClosed, closed.Status)
	assert.Equal(t, "TARGET", closed.ExitReason)
	assert.InDelta(t, 620, closed.ExitPrice, 1e-9)
	assert.InDelta(t, 20*float64(tr.Quantity), closed.PnL, 1e-9)
	assert.Greater(t, closed.Charges, 0.0)
	assert.InDelta(t, closed.PnL-closed.Charges, closed.NetPnL, 1e-9)

	stop, err := h.venue.GetOrderStatus(h.ctx, tr.StopOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, stop.Status)
	assert.Zero(t, venueQty(t, h.venue, "SBIN"))

	stored := h.trade(t, tr.ID)
	assert.Equal(t, models.TradeClosed, stored.Status)
	require.Len(t, h.alerts.closed, 1)

	_, err = h.mgr.ClosePosition(h.ctx, tr.ID, "TARGET", 0)
	assert.Error(t, err)
}

func TestCloseShortPosition(t *testing.T) {
	h := newHarness(t)
	sig := models.Signal{
		Symbol:    "ITC",
		Direction: models.Short,
		Entry:     600,
		StopLoss:  610,
		Target:    570,
		Product:   models.ProductMIS,
	}
	tr := h.openTrade(t, sig)
	assert.Equal(t, models.BucketIntraday, tr.Bucket)
	assert.Equal(t, -tr.Quantity, venueQty(t, h.venue, "ITC"))

	stop, err := h.venue.GetOrderStatus(h.ctx, tr.StopOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderSideBuy, stop.Side)

	h.venue.UpdatePrice("ITC", 590)
	closed, err := h.mgr.ClosePosition(h.ctx, tr.ID, "TARGET", 0)
	require.NoError(t, err)
	assert.InDelta(t, 10*float64(tr.Quantity), closed.PnL, 1e-9)
	assert.Zero(t, venueQty(t, h.venue, "ITC"))
}

func TestRestartKeepsDrawdownFromLedger(t *testing.T) {
	// peak 102000, then down to 87500: 14.2% below the peak
	h := newHarness(t, closedBefore(2000, -8000, -6500))

	snap, err := h.mgr.GetSnapshot(h.ctx)
	require.NoError(t, err)
	assert.InDelta(t, 102000, snap.PeakEquity, 1e-6)
	assert.InDelta(t, 87500, snap.CurrentEquity, 1e-6)
	assert.Equal(t, models.RiskHalted, snap.RiskMode)

	_, err = h.mgr.ExecuteSignal(h.ctx, swingSignal("SBIN"), "swing")
	var adm *apperrors.AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, apperrors.ComponentCapital, adm.Component)
	assert.Contains(t, adm.Reason, "HALTED")

	// a repeated refresh replays the same history
	h.mgr.RefreshCapital(h.ctx)
	snap, err = h.mgr.GetSnapshot(h.ctx)
	require.NoError(t, err)
	assert.InDelta(t, 102000, snap.PeakEquity, 1e-6)
	assert.InDelta(t, 87500, snap.CurrentEquity, 1e-6)
}

func TestClosedLossLowersEquity(t *testing.T) {
	h := newHarness(t, closedBefore(-500))
	tr := h.openTrade(t, swingSignal("SBIN"))

	h.venue.UpdatePrice("SBIN", 595)
	closed, err := h.mgr.ClosePosition(h.ctx, tr.ID, "MANUAL", 0)
	require.NoError(t, err)

	snap, err := h.mgr.GetSnapshot(h.ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100000-500+closed.NetPnL, snap.CurrentEquity, 1e-6)
	assert.InDelta(t, 100000, snap.PeakEquity, 1e-6)
}

func TestShortWithStopBelowEntryRejected(t *testing.T) {
	h := newHarness(t)
	sig := models.Signal{Symbol: "ITC", Direction: models.Short, Entry: 600, StopLoss: 590, Target: 570}

	_, err := h.mgr.ExecuteSignal(h.ctx, sig, "swing")
	var adm *apperrors.AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, apperrors.ComponentCapital, adm.Component)
}

func TestReconcileFlattensUnknownVenuePosition(t *testing.T) {
	h := newHarness(t)
	_, err := h.venue.PlaceOrder(h.ctx, broker.OrderRequest{
		Symbol: "TCS", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Product: models.ProductCNC, Quantity: 5,
	})
	require.NoError(t, err)

	report, err := h.mgr.Reconcile(h.ctx)
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, "TCS", report.Mismatches[0].Symbol)
	assert.Equal(t, 5, report.Mismatches[0].BrokerQty)
	assert.Equal(t, 1, report.Flattened)
	assert.Zero(t, venueQty(t, h.venue, "TCS"))
	assert.Equal(t, 1, h.alerts.count(notify.AlertReconcileMismatch))

	again, err := h.mgr.Reconcile(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Mismatches)
	assert.Zero(t, again.Flattened)
}

func TestReconcileClosesMissingLedgerPosition(t *testing.T) {
	h := newHarness(t)
	entry := h.now.Add(-time.Hour)
	ghost := &models.Trade{
		ID: "GHOST1", Symbol: "INFY", Exchange: models.NSE, Strategy: "swing", Product: models.ProductCNC,
		Direction: models.Long, Bucket: models.BucketSwing, Sector: "IT",
		RequestedPrice: 1500, EntryPrice: 1500, Quantity: 4, StopLoss: 1470,
		Status: models.TradeOpen, EntryTime: &entry,
	}
	require.NoError(t, h.ledger.CreateTrade(h.ctx, ghost))

	report, err := h.mgr.Reconcile(h.ctx)
	require.NoError(t, err)
	assert.Len(t, report.Mismatches, 1)
	assert.Equal(t, 1, report.ClosedMissing)

	got := h.trade(t, "GHOST1")
	assert.Equal(t, models.TradeClosed, got.Status)
	assert.Equal(t, "RECONCILED_MISSING", got.ExitReason)
	assert.Zero(t, got.NetPnL)

	again, err := h.mgr.Reconcile(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Mismatches)
	assert.Zero(t, again.ClosedMissing)
}

func TestReconcileResyncsOpenPositions(t *testing.T) {
	h := newHarness(t)
	h.openTrade(t, swingSignal("SBIN"))

	require.NoError(t, h.counters.Set(h.ctx, cache.KeyOpenPositions, "7", 0))

	report, err := h.mgr.Reconcile(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Mismatches)
	assert.Equal(t, 1, report.OpenTrades)

	open, err := h.gate.OpenPositions(h.ctx)
	require.NoError(t, err)
	n, err := h.ledger.CountByStatus(h.ctx, models.TradeOpen)
	require.NoError(t, err)
	assert.Equal(t, n, open)
}

func TestMonitorTimeoutLeavesPendingForReconcile(t *testing.T) {
	h := newHarness(t, monitorTimeout(40*time.Millisecond))
	h.venue.UpdatePrice("SBIN", 605)

	tr, err := h.mgr.ExecuteSignal(h.ctx, swingSignal("SBIN"), "swing")
	require.NoError(t, err)
	h.mgr.Wait()

	assert.Equal(t, models.TradePending, h.trade(t, tr.ID).Status)
	assert.Equal(t, 1, h.alerts.count(notify.AlertMonitorTimeout))

	// The limit fills later; reconciliation completes the fill path.
	h.venue.UpdatePrice("SBIN", 598)
	report, err := h.mgr.Reconcile(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Empty(t, report.Mismatches)

	got := h.trade(t, tr.ID)
	assert.Equal(t, models.TradeOpen, got.Status)
	assert.NotEmpty(t, got.StopOrderID)
	assert.Equal(t, 1, report.OpenTrades)
}

func TestFlattenIntradayClosesOnlyMIS(t *testing.T) {
	h := newHarness(t)
	swing := h.openTrade(t, swingSignal("SBIN"))

	intraday := swingSignal("RELIANCE")
	intraday.Product = models.ProductMIS
	mis := h.openTrade(t, intraday)

	n, err := h.mgr.FlattenIntraday(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, "EOD_FLATTEN", h.trade(t, mis.ID).ExitReason)
	assert.Equal(t, models.TradeOpen, h.trade(t, swing.ID).Status)
}

func TestSyncBrokerPositionsImportsOnce(t *testing.T) {
	h := newHarness(t)
	h.venue.UpdatePrice("INFY", 1500)
	_, err := h.venue.PlaceOrder(h.ctx, broker.OrderRequest{
		Symbol: "INFY", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Product: models.ProductCNC, Quantity: 10,
	})
	require.NoError(t, err)

	n, err := h.mgr.SyncBrokerPositions(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	trades, err := h.ledger.FindTrades(h.ctx, store.TradeFilter{Symbol: "INFY", Statuses: []models.TradeStatus{models.TradeOpen}})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, "broker_sync", tr.Strategy)
	assert.Equal(t, 10, tr.Quantity)
	assert.InDelta(t, 1470, tr.StopLoss, 1e-6)
	assert.InDelta(t, 1545, tr.Target, 1e-6)
	assert.InDelta(t, 300, tr.RiskAmount, 1e-6)

	again, err := h.mgr.SyncBrokerPositions(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, again)

	report, err := h.mgr.Reconcile(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Mismatches)
}

func TestShutdownStopsMonitors(t *testing.T) {
	h := newHarness(t, monitorTimeout(time.Minute))
	h.venue.UpdatePrice("SBIN", 605)

	tr, err := h.mgr.ExecuteSignal(h.ctx, swingSignal("SBIN"), "swing")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.mgr.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not stop the monitor")
	}
	assert.Equal(t, models.TradePending, h.trade(t, tr.ID).Status)
	assert.Zero(t, h.alerts.count(notify.AlertMonitorTimeout))
}

func TestValidateSignal(t *testing.T) {
	for _, tc := range []struct {
		name string
		sig  models.Signal
	}{
		{"missing symbol", models.Signal{Direction: models.Long, Entry: 100, StopLoss: 99}},
		{"zero entry", models.Signal{Symbol: "X", Direction: models.Long, StopLoss: 99}},
		{"stop equals entry", models.Signal{Symbol: "X", Direction: models.Long, Entry: 100, StopLoss: 100}},
		{"bad direction", models.Signal{Symbol: "X", Direction: "UP", Entry: 100, StopLoss: 99}},
		{"negative qty", models.Signal{Symbol: "X", Direction: models.Long, Entry: 100, StopLoss: 99, Quantity: -1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var ve *apperrors.ValidationError
			assert.ErrorAs(t, validateSignal(tc.sig), &ve)
		})
	}
	assert.NoError(t, validateSignal(models.Signal{Symbol: "X", Direction: models.Short, Entry: 100, StopLoss: 101}))
}

func TestOrderTag(t *testing.T) {
	assert.Equal(t, "short", orderTag("short"))
	id := fmt.Sprintf("%026d", 42)
	assert.Len(t, orderTag(id), 20)
	assert.Equal(t, id[6:], orderTag(id))
}
