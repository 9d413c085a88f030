// Package integration runs the governor end to end: config defaults, shared
// redis counters, the observed paper venue, the gates and the execution
// manager.
package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-governor/internal/broker"
	"trade-governor/internal/cache"
	"trade-governor/internal/capital"
	"trade-governor/internal/config"
	"trade-governor/internal/costs"
	apperrors "trade-governor/internal/errors"
	"trade-governor/internal/execution"
	"trade-governor/internal/governance"
	"trade-governor/internal/models"
	"trade-governor/internal/resilience"
	"trade-governor/internal/risk"
	"trade-governor/internal/session"
	"trade-governor/internal/store"
)

type stack struct {
	cfg      *config.Config
	ledger   *store.SQLiteLedger
	counters *cache.RedisCounters
	paper    *broker.PaperBroker
	venue    *broker.Observed
	gov      *governance.Engine
	gate     *risk.Gate
	mgr      *execution.Manager
	clock    session.Clock
}

func newStack(t *testing.T, mr *miniredis.Miniredis) *stack {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()
	now := time.Date(2026, 10, 19, 10, 30, 0, 0, session.IndiaLocation)
	clock := func() time.Time { return now }

	cfg := config.Default()
	cfg.Cache.Backend = config.CacheRedis
	cfg.Cache.Addr = mr.Addr()
	cfg.Execution.MonitorInterval = 5 * time.Millisecond
	cfg.Execution.MonitorTimeout = 2 * time.Second
	cfg.Execution.CloseFillWait = 0
	require.NoError(t, cfg.Validate())

	ledger, err := store.NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	counters, err := cache.NewRedisCounters(ctx, cfg.RedisSettings())
	require.NoError(t, err)
	t.Cleanup(func() { counters.Close() })

	paper := broker.NewPaperBroker(broker.PaperBrokerConfig{InitialBalance: cfg.Broker.PaperBalance, Now: clock})
	for _, s := range []string{"SBIN", "INFY"} {
		paper.UpdatePrice(s, 600)
	}

	gov := governance.NewEngine(cfg.GovernanceSettings(), logger)
	venue := broker.NewObserved(paper, cfg.Broker.Observed, logger, func(name string, _, to resilience.CircuitState) {
		if to == resilience.CircuitOpen {
			gov.EnterSafeMode("broker circuit " + name + " open")
		}
	})

	view := execution.NewExposureView(ledger)
	calc := costs.NewCalculator(costs.DefaultRates())
	gate := risk.NewGate(cfg.Risk, counters, view, calc, gov, logger, risk.WithClock(clock), risk.WithMarginSource(venue))
	ctrl := capital.NewController(cfg.CapitalSettings(), view, logger)
	hours, err := session.NewHours(cfg.Session)
	require.NoError(t, err)

	mgr := execution.NewManager(cfg.ExecutionSettings(), execution.Deps{
		Broker:     venue,
		Exposure:   view,
		Governance: gov,
		Capital:    ctrl,
		Risk:       gate,
		Costs:      calc,
		Hours:      hours,
		Clock:      clock,
	}, logger)
	t.Cleanup(mgr.Shutdown)
	mgr.RefreshCapital(ctx)

	return &stack{cfg: cfg, ledger: ledger, counters: counters, paper: paper, venue: venue, gov: gov, gate: gate, mgr: mgr, clock: clock}
}

func signal(symbol string) models.Signal {
	return models.Signal{
		Symbol:    symbol,
		Direction: models.Long,
		Entry:     600,
		StopLoss:  590,
		Target:    630,
		Quantity:  10,
		Product:   models.ProductCNC,
	}
}

func TestEndToEndTradeLifecycle(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := newStack(t, mr)

	trade, err := s.mgr.ExecuteSignal(ctx, signal("SBIN"), "breakout")
	require.NoError(t, err)
	s.mgr.Wait()

	opened, err := s.ledger.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.Equal(t, models.TradeOpen, opened.Status)
	// min(risk 1000/10 = 100, layer max 16)
	assert.Equal(t, 16, opened.Quantity)
	assert.NotEmpty(t, opened.StopOrderID)
	assert.Equal(t, "breakout", opened.Strategy)

	open, err := s.gate.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, open)

	report, err := s.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Mismatches)
	assert.Equal(t, 1, report.OpenTrades)

	s.paper.UpdatePrice("SBIN", 595)
	closed, err := s.mgr.ClosePosition(ctx, trade.ID, "MANUAL", 0)
	require.NoError(t, err)
	assert.Equal(t, models.TradeClosed, closed.Status)
	assert.Less(t, closed.NetPnL, 0.0)

	loss, err := s.gate.DailyLoss(ctx)
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)

	report, err = s.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Mismatches)
	assert.Equal(t, 0, report.OpenTrades)
}

func TestDefaultLimitsAdmitUnsizedSignal(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := newStack(t, mr)
	s.paper.UpdatePrice("RELIANCE", 208.93)

	sig := models.Signal{
		Symbol:    "RELIANCE",
		Direction: models.Long,
		Entry:     208.93,
		StopLoss:  204.75,
		Target:    225,
		Product:   models.ProductCNC,
	}
	trade, err := s.mgr.ExecuteSignal(ctx, sig, "breakout")
	require.NoError(t, err)
	s.mgr.Wait()

	opened, err := s.ledger.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.Equal(t, models.TradeOpen, opened.Status)
	// risk 1000/4.18 = 239 clipped to the intraday layer max of 47
	assert.Equal(t, 47, opened.Quantity)
	assert.LessOrEqual(t, opened.RiskAmount, s.cfg.Risk.MaxPerTradeRisk)
}

func TestHaltIsSharedThroughRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	engine := newStack(t, mr)
	// an operator command in another process
	operator := newStack(t, mr)

	operator.gate.HaltTrading(ctx, "operator halt")

	_, err := engine.mgr.ExecuteSignal(ctx, signal("INFY"), "")
	require.Error(t, err)
	assert.True(t, apperrors.IsAdmissionRejected(err))

	operator.gate.ResumeTrading(ctx)
	trade, err := engine.mgr.ExecuteSignal(ctx, signal("INFY"), "")
	require.NoError(t, err)
	engine.mgr.Wait()

	got, err := engine.ledger.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeOpen, got.Status)

	// the operator process sees the engine's open count
	open, err := operator.gate.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, open)
}

func TestHealthReportsCounterOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newStack(t, mr)

	h := resilience.NewHealthMonitor(2 * time.Second)
	h.RegisterComponent("ledger", resilience.DatabaseHealthCheck(s.ledger.Ping))
	h.RegisterComponent("broker", resilience.CircuitHealthCheck(s.venue.CircuitState))
	h.RegisterComponent("counters", resilience.DatabaseHealthCheck(func(ctx context.Context) error {
		_, err := s.counters.Get(ctx, cache.KeyHalted)
		if apperrors.Is(err, apperrors.ErrCacheMiss) {
			return nil
		}
		return err
	}))
	assert.NotEqual(t, resilience.HealthStatusUnhealthy, h.Check(context.Background()).Status)

	mr.Close()
	got := h.Check(context.Background())
	assert.Equal(t, resilience.HealthStatusUnhealthy, got.Status)
	require.Len(t, got.Components, 3)
	assert.Equal(t, "counters", got.Components[1].Name)
	assert.Equal(t, resilience.HealthStatusUnhealthy, got.Components[1].Status)
}
