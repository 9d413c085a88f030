// Package risk implements the per-call risk gate: halt flag, daily loss
// ceiling, consecutive-loss cooldown, open-position ceiling, per-trade
// limits, global exposure and the transaction cost filter.
package risk

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-governor/internal/cache"
	"trade-governor/internal/costs"
	apperrors "trade-governor/internal/errors"
	"trade-governor/internal/governance"
	"trade-governor/internal/logging"
	"trade-governor/internal/models"
	"trade-governor/internal/session"
)

// Config holds the risk limits. Amounts are in INR.
type Config struct {
	InitialCapital              float64       `mapstructure:"initial_capital"`
	MaxPerTradeRisk             float64       `mapstructure:"max_per_trade_risk"`
	MaxDailyLoss                float64       `mapstructure:"max_daily_loss"`
	MaxOpenTrades               int           `mapstructure:"max_open_trades"`
	MaxCapitalPerTradePct       float64       `mapstructure:"max_capital_per_trade_pct"`
	MaxExposurePct              float64       `mapstructure:"max_exposure_pct"`
	ConsecutiveLossLimit        int           `mapstructure:"consecutive_loss_limit"`
	ConsecutiveLossPauseMinutes int           `mapstructure:"consecutive_loss_pause_minutes"`
	HaltExpiry                  time.Duration `mapstructure:"halt_expiry"`
	MaxCostRatio                float64       `mapstructure:"max_cost_ratio"`
}

// DefaultConfig returns the default limits for Rs1,00,000. They admit
// anything capital.DefaultConfig sizes: 1% risk and a 30% bucket.
func DefaultConfig() Config {
	return Config{
		InitialCapital:              100000,
		MaxPerTradeRisk:             1000,
		MaxDailyLoss:                3000,
		MaxOpenTrades:               2,
		MaxCapitalPerTradePct:       30,
		MaxExposurePct:              60,
		ConsecutiveLossLimit:        3,
		ConsecutiveLossPauseMinutes: 60,
		HaltExpiry:                  24 * time.Hour,
		MaxCostRatio:                0.25,
	}
}

// Ledger is the slice of the trade ledger the gate reads.
type Ledger interface {
	CountByStatus(ctx context.Context, status models.TradeStatus) (int, error)
	RealizedLossSince(ctx context.Context, since time.Time) (float64, error)
	TotalExposure(ctx context.Context) (float64, error)
}

// MarginSource reports account margins. The broker satisfies it.
type MarginSource interface {
	GetMargins(ctx context.Context) (*models.Margins, error)
}

// HaltHook is invoked after the gate sets the halt flag.
type HaltHook func(ctx context.Context, reason string)

// Gate is the risk gate. Counter values live in the cache and are
// re-derived from the ledger on a miss.
type Gate struct {
	cfg      Config
	counters cache.Counters
	ledger   Ledger
	costs    *costs.Calculator
	gov      *governance.Engine
	margins  MarginSource
	clock    session.Clock
	logger   zerolog.Logger
	onHalt   HaltHook

	mu        sync.RWMutex
	available float64
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the wall clock.
func WithClock(c session.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithMarginSource sets where UpdateAvailableCapital reads margins from.
func WithMarginSource(m MarginSource) Option {
	return func(g *Gate) { g.margins = m }
}

// WithHaltHook registers a hook called whenever trading is halted.
func WithHaltHook(h HaltHook) Option {
	return func(g *Gate) { g.onHalt = h }
}

// NewGate creates a risk gate.
func NewGate(cfg Config, counters cache.Counters, ledger Ledger, calc *costs.Calculator, gov *governance.Engine, logger zerolog.Logger, opts ...Option) *Gate {
	g := &Gate{
		cfg:       cfg,
		counters:  counters,
		ledger:    ledger,
		costs:     calc,
		gov:       gov,
		clock:     time.Now,
		logger:    logging.WithComponent(logger, "risk"),
		available: cfg.InitialCapital,
	}
	for _, o := range opts {
		o(g)
	}
	g.logger.Info().Msg("Risk gate initialized (governance pending capital update)")
	return g
}

// Limits returns the configured limits.
func (g *Gate) Limits() Config { return g.cfg }

// AvailableCapital returns the last observed capital.
func (g *Gate) AvailableCapital() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.available
}

// MaxCapitalPerTrade is the notional ceiling for one trade.
func (g *Gate) MaxCapitalPerTrade() float64 {
	return g.cfg.MaxCapitalPerTradePct * g.AvailableCapital() / 100
}

// UpdateAvailableCapital refreshes capital from the broker, falling back to
// the configured initial capital, and feeds the governance engine. The
// first call seeds governance.
func (g *Gate) UpdateAvailableCapital(ctx context.Context) float64 {
	capital := g.cfg.InitialCapital
	if g.margins != nil {
		m, err := g.margins.GetMargins(ctx)
		switch {
		case err != nil:
			g.logger.Warn().Err(err).Float64("fallback", capital).Msg("Failed to fetch capital from broker, using fallback")
		case m.Total > 0:
			capital = m.Total
		case m.Available > 0:
			capital = m.Available
		}
	}

	g.mu.Lock()
	g.available = capital
	g.mu.Unlock()

	if g.gov != nil {
		g.gov.UpdateCapital(capital)
	}
	g.logger.Info().Float64("capital", capital).Msg("Updated available capital")
	return capital
}

func (g *Gate) reject(symbol, reason string, score float64) models.RiskCheckResult {
	logging.LogRejection(g.logger, apperrors.ComponentRisk, symbol, reason)
	return models.RiskCheckResult{Approved: false, Reason: reason, RiskScore: score}
}

// CheckTrade runs the hard limits in order. Reaching the daily loss ceiling
// also sets the halt flag so later calls fail fast.
func (g *Gate) CheckTrade(ctx context.Context, symbol string, qty int, entry, stop float64) (models.RiskCheckResult, error) {
	halted, _, err := g.IsHalted(ctx)
	if err != nil {
		return models.RiskCheckResult{}, err
	}
	if halted {
		return g.reject(symbol, "Trading is currently halted", 1.0), nil
	}

	dailyLoss, err := g.DailyLoss(ctx)
	if err != nil {
		return models.RiskCheckResult{}, err
	}
	if dailyLoss >= g.cfg.MaxDailyLoss {
		g.HaltTrading(ctx, "Daily loss limit reached")
		return g.reject(symbol, fmt.Sprintf("Daily loss limit reached: Rs%.2f", dailyLoss), 1.0), nil
	}

	streak := g.consecutiveLosses(ctx)
	if g.cfg.ConsecutiveLossLimit > 0 && streak >= g.cfg.ConsecutiveLossLimit {
		if remaining := g.pauseRemaining(ctx); remaining > 0 {
			return g.reject(symbol, fmt.Sprintf("Consecutive loss pause active: %d minutes remaining (%d losses)", remaining, streak), 0.9), nil
		}
		g.resetStreak(ctx)
		g.logger.Info().Msg("Consecutive loss pause completed, counter reset")
		streak = 0
	}

	open, err := g.OpenPositions(ctx)
	if err != nil {
		return models.RiskCheckResult{}, err
	}
	pending, err := g.ledger.CountByStatus(ctx, models.TradePending)
	if err != nil {
		return models.RiskCheckResult{}, fmt.Errorf("counting pending trades: %w", err)
	}
	if open+pending >= g.cfg.MaxOpenTrades {
		return g.reject(symbol, fmt.Sprintf("Maximum open positions reached: %d/%d", open+pending, g.cfg.MaxOpenTrades), 0.8), nil
	}

	tradeRisk := math.Abs(entry-stop) * float64(qty)
	if tradeRisk > g.cfg.MaxPerTradeRisk {
		return g.reject(symbol, fmt.Sprintf("Trade risk Rs%.2f exceeds limit Rs%.2f", tradeRisk, g.cfg.MaxPerTradeRisk), 0.85), nil
	}

	tradeCapital := entry * float64(qty)
	maxPerTrade := g.MaxCapitalPerTrade()
	if tradeCapital > maxPerTrade {
		return g.reject(symbol, fmt.Sprintf("Trade capital Rs%.2f exceeds limit Rs%.2f (%.0f%% of Rs%.2f)",
			tradeCapital, maxPerTrade, g.cfg.MaxCapitalPerTradePct, g.AvailableCapital()), 0.75), nil
	}

	exposure, err := g.ledger.TotalExposure(ctx)
	if err != nil {
		return models.RiskCheckResult{}, fmt.Errorf("reading exposure: %w", err)
	}
	maxExposure := g.cfg.MaxExposurePct * g.AvailableCapital() / 100
	if exposure+tradeCapital > maxExposure {
		return g.reject(symbol, fmt.Sprintf("Total exposure Rs%.2f exceeds limit Rs%.2f", exposure+tradeCapital, maxExposure), 0.8), nil
	}

	score := g.score(tradeRisk, tradeCapital, dailyLoss, streak)
	g.logger.Info().
		Str("symbol", symbol).
		Float64("risk", tradeRisk).
		Float64("capital", tradeCapital).
		Float64("score", score).
		Msg("Trade approved by risk gate")

	return models.RiskCheckResult{Approved: true, Reason: "All risk checks passed", RiskScore: score}, nil
}

// CheckCosts is the transaction cost filter. With a target the expected
// move is |target-entry|; without one, 1.5x the stop distance must cover
// twice the cost per share.
func (g *Gate) CheckCosts(symbol string, qty int, entry, stop, target float64) (models.RiskCheckResult, costs.Metrics) {
	if target > 0 {
		ok, reason, m := g.costs.ValidateProfitability(qty, entry, math.Abs(target-entry), g.cfg.MaxCostRatio)
		if !ok {
			return g.reject(symbol, reason, 0.9), m
		}
		g.logger.Debug().
			Str("symbol", symbol).
			Float64("expected_net", m.ExpectedNetProfit).
			Float64("cost_ratio_pct", m.CostRatioPct).
			Msg("Cost filter passed")
		return models.RiskCheckResult{Approved: true, Reason: reason}, m
	}
	if ok, reason := g.costs.StopCoversCosts(qty, entry, math.Abs(entry-stop)); !ok {
		return g.reject(symbol, reason, 0.9), costs.Metrics{}
	}
	return models.RiskCheckResult{Approved: true, Reason: "Stop distance covers costs"}, costs.Metrics{}
}

// score is a weighted utilization in [0, 1]; lower is safer.
func (g *Gate) score(tradeRisk, tradeCapital, dailyLoss float64, streak int) float64 {
	ratio := func(v, limit float64) float64 {
		if limit <= 0 {
			return 0
		}
		return v / limit
	}
	s := ratio(tradeRisk, g.cfg.MaxPerTradeRisk)*0.3 +
		ratio(tradeCapital, g.MaxCapitalPerTrade())*0.2 +
		ratio(dailyLoss, g.cfg.MaxDailyLoss)*0.3 +
		ratio(float64(streak), float64(g.cfg.ConsecutiveLossLimit))*0.2
	return math.Min(s, 1)
}

// RecordEntry counts a filled entry and remembers its deployed capital.
// The ledger row must already be OPEN: a cold open-position key is rebuilt
// from the ledger, which then includes this trade, and is not incremented.
func (g *Gate) RecordEntry(ctx context.Context, tradeID string, capitalDeployed float64) {
	if _, err := g.counters.Get(ctx, cache.KeyOpenPositions); apperrors.Is(err, apperrors.ErrCacheMiss) {
		if _, err := g.rebuildOpenPositions(ctx); err != nil {
			g.logger.Error().Err(err).Str("trade_id", tradeID).Msg("Failed to rebuild open positions")
		}
	} else if _, err := g.counters.IncrBy(ctx, cache.KeyOpenPositions, 1); err != nil {
		g.logger.Error().Err(err).Str("trade_id", tradeID).Msg("Failed to record trade entry")
	}
	key := fmt.Sprintf(cache.KeyTradeCapitalFmt, tradeID)
	if err := g.counters.Set(ctx, key, strconv.FormatFloat(capitalDeployed, 'f', 2, 64), 0); err != nil {
		g.logger.Warn().Err(err).Str("trade_id", tradeID).Msg("Failed to store trade capital")
	}
	g.logger.Info().Str("trade_id", tradeID).Float64("capital", capitalDeployed).Msg("Recorded trade entry")
}

// RecordExit updates counters for a closed trade. The ledger row must
// already be CLOSED: cold open-position and daily-loss keys are rebuilt
// from the ledger, which then reflects this trade.
func (g *Gate) RecordExit(ctx context.Context, tradeID string, pnl float64) {
	now := g.clock()

	if _, err := g.counters.Get(ctx, cache.KeyOpenPositions); apperrors.Is(err, apperrors.ErrCacheMiss) {
		if _, err := g.rebuildOpenPositions(ctx); err != nil {
			g.logger.Error().Err(err).Str("trade_id", tradeID).Msg("Failed to rebuild open positions")
		}
	} else if n, err := g.counters.IncrBy(ctx, cache.KeyOpenPositions, -1); err != nil {
		g.logger.Error().Err(err).Msg("Failed to decrement open positions")
	} else if n < 0 {
		// lost update; the count drifted below the ledger
		if _, err := g.rebuildOpenPositions(ctx); err != nil {
			g.logger.Error().Err(err).Str("trade_id", tradeID).Msg("Failed to rebuild open positions")
		}
	}

	if pnl < 0 {
		if _, err := g.counters.Get(ctx, cache.KeyDailyLoss); apperrors.Is(err, apperrors.ErrCacheMiss) {
			if _, err := g.DailyLoss(ctx); err != nil {
				g.logger.Error().Err(err).Msg("Failed to rebuild daily loss")
			}
		} else if _, err := g.counters.IncrByFloat(ctx, cache.KeyDailyLoss, -pnl); err != nil {
			g.logger.Error().Err(err).Msg("Failed to update daily loss")
		} else {
			_ = g.counters.ExpireAt(ctx, cache.KeyDailyLoss, session.NextDayBoundary(now))
		}
	}

	if pnl > 0 {
		g.resetStreak(ctx)
	} else {
		count, err := g.counters.IncrBy(ctx, cache.KeyConsecutiveLosses, 1)
		if err != nil {
			g.logger.Error().Err(err).Msg("Failed to update consecutive losses")
		} else {
			_ = g.counters.ExpireAt(ctx, cache.KeyConsecutiveLosses, now.Add(24*time.Hour))
			if g.cfg.ConsecutiveLossLimit > 0 && int(count) >= g.cfg.ConsecutiveLossLimit {
				pause := time.Duration(g.cfg.ConsecutiveLossPauseMinutes) * time.Minute
				until := now.Add(pause)
				if err := g.counters.Set(ctx, cache.KeyLossPauseUntil, until.Format(time.RFC3339Nano), pause); err != nil {
					g.logger.Error().Err(err).Msg("Failed to start loss pause")
				}
				g.logger.Warn().
					Int64("losses", count).
					Time("until", until).
					Msg("Consecutive loss limit hit, trading paused")
			}
		}
	}

	_ = g.counters.Delete(ctx, fmt.Sprintf(cache.KeyTradeCapitalFmt, tradeID))

	if pnl < 0 {
		if loss, err := g.DailyLoss(ctx); err == nil && loss >= g.cfg.MaxDailyLoss {
			g.HaltTrading(ctx, "Daily loss limit reached after trade exit")
		}
	}

	g.logger.Info().Str("trade_id", tradeID).Float64("pnl", pnl).Bool("winner", pnl > 0).Msg("Recorded trade exit")
}

// DailyLoss returns today's realized loss magnitude. A miss rebuilds the
// value from the ledger and caches it until the IST day boundary.
func (g *Gate) DailyLoss(ctx context.Context) (float64, error) {
	raw, err := g.counters.Get(ctx, cache.KeyDailyLoss)
	if err == nil {
		if v, perr := strconv.ParseFloat(raw, 64); perr == nil {
			return v, nil
		}
	} else if !apperrors.Is(err, apperrors.ErrCacheMiss) {
		g.logger.Warn().Err(err).Msg("Counter cache unavailable, reading daily loss from ledger")
	}

	now := g.clock()
	loss, err := g.ledger.RealizedLossSince(ctx, session.StartOfDay(now))
	if err != nil {
		return 0, fmt.Errorf("deriving daily loss: %w", err)
	}
	if err := g.counters.Set(ctx, cache.KeyDailyLoss, strconv.FormatFloat(loss, 'f', -1, 64), 0); err == nil {
		_ = g.counters.ExpireAt(ctx, cache.KeyDailyLoss, session.NextDayBoundary(now))
	}
	return loss, nil
}

// OpenPositions returns the OPEN trade count, deriving it from the ledger
// on a miss.
func (g *Gate) OpenPositions(ctx context.Context) (int, error) {
	raw, err := g.counters.Get(ctx, cache.KeyOpenPositions)
	if err == nil {
		if v, perr := strconv.Atoi(raw); perr == nil {
			return v, nil
		}
	} else if !apperrors.Is(err, apperrors.ErrCacheMiss) {
		g.logger.Warn().Err(err).Msg("Counter cache unavailable, counting open trades in ledger")
	}

	return g.rebuildOpenPositions(ctx)
}

// rebuildOpenPositions writes count(OPEN) from the ledger to the cache.
func (g *Gate) rebuildOpenPositions(ctx context.Context) (int, error) {
	n, err := g.ledger.CountByStatus(ctx, models.TradeOpen)
	if err != nil {
		return 0, fmt.Errorf("counting open trades: %w", err)
	}
	_ = g.counters.Set(ctx, cache.KeyOpenPositions, strconv.Itoa(n), 0)
	return n, nil
}

// ResyncOpenPositions overwrites the cached count with the ledger truth.
func (g *Gate) ResyncOpenPositions(ctx context.Context, count int) {
	if err := g.counters.Set(ctx, cache.KeyOpenPositions, strconv.Itoa(count), 0); err != nil {
		g.logger.Error().Err(err).Msg("Failed to resync open positions")
		return
	}
	g.logger.Debug().Int("open_positions", count).Msg("Open positions resynced")
}

func (g *Gate) consecutiveLosses(ctx context.Context) int {
	raw, err := g.counters.Get(ctx, cache.KeyConsecutiveLosses)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(raw)
	return n
}

// pauseRemaining returns whole minutes left in the loss pause, rounded up.
func (g *Gate) pauseRemaining(ctx context.Context) int {
	raw, err := g.counters.Get(ctx, cache.KeyLossPauseUntil)
	if err != nil {
		return 0
	}
	until, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0
	}
	now := g.clock()
	if !now.Before(until) {
		_ = g.counters.Delete(ctx, cache.KeyLossPauseUntil)
		return 0
	}
	return int(until.Sub(now).Seconds()/60) + 1
}

func (g *Gate) resetStreak(ctx context.Context) {
	if err := g.counters.Delete(ctx, cache.KeyConsecutiveLosses, cache.KeyLossPauseUntil); err != nil {
		g.logger.Error().Err(err).Msg("Failed to reset consecutive losses")
	}
}

// IsHalted reports the global halt flag and its reason.
func (g *Gate) IsHalted(ctx context.Context) (bool, string, error) {
	reason, err := g.counters.Get(ctx, cache.KeyHalted)
	switch {
	case err == nil:
		return true, reason, nil
	case apperrors.Is(err, apperrors.ErrCacheMiss):
		return false, "", nil
	}
	g.logger.Warn().Err(err).Msg("Failed to read halt flag")
	return false, "", nil
}

// HaltTrading sets the halt flag. It expires after HaltExpiry.
func (g *Gate) HaltTrading(ctx context.Context, reason string) {
	if err := g.counters.Set(ctx, cache.KeyHalted, reason, g.cfg.HaltExpiry); err != nil {
		g.logger.Error().Err(err).Msg("Failed to halt trading")
	}
	logging.LogCritical(g.logger, "trading_halted", "TRADING HALTED").Str("reason", reason).Msg("Trading halted")
	if g.onHalt != nil {
		g.onHalt(ctx, reason)
	}
}

// ResumeTrading clears the halt flag.
func (g *Gate) ResumeTrading(ctx context.Context) {
	if err := g.counters.Delete(ctx, cache.KeyHalted, cache.KeyHaltReason); err != nil {
		g.logger.Error().Err(err).Msg("Failed to resume trading")
		return
	}
	g.logger.Info().Msg("Trading resumed")
}

// ResetDailyMetrics clears the per-day counters and the halt flag.
func (g *Gate) ResetDailyMetrics(ctx context.Context) {
	if err := g.counters.Delete(ctx, cache.KeyDailyLoss, cache.KeyConsecutiveLosses, cache.KeyLossPauseUntil, cache.KeyHalted, cache.KeyHaltReason); err != nil {
		g.logger.Error().Err(err).Msg("Failed to reset daily metrics")
		return
	}
	g.logger.Info().Msg("Daily risk metrics reset")
}

// Metrics returns the current risk report.
func (g *Gate) Metrics(ctx context.Context) (models.RiskMetrics, error) {
	dailyLoss, err := g.DailyLoss(ctx)
	if err != nil {
		return models.RiskMetrics{}, err
	}
	open, err := g.OpenPositions(ctx)
	if err != nil {
		return models.RiskMetrics{}, err
	}
	exposure, err := g.ledger.TotalExposure(ctx)
	if err != nil {
		return models.RiskMetrics{}, fmt.Errorf("reading exposure: %w", err)
	}
	halted, _, _ := g.IsHalted(ctx)

	capital := g.AvailableCapital()
	m := models.RiskMetrics{
		DailyLoss:             dailyLoss,
		DailyLossLimit:        g.cfg.MaxDailyLoss,
		OpenPositions:         open,
		MaxOpenPositions:      g.cfg.MaxOpenTrades,
		ConsecutiveLosses:     g.consecutiveLosses(ctx),
		ConsecutiveLossLimit:  g.cfg.ConsecutiveLossLimit,
		CurrentExposure:       exposure,
		MaxExposure:           g.cfg.MaxExposurePct * capital / 100,
		TradingHalted:         halted,
		PauseRemainingMinutes: g.pauseRemaining(ctx),
	}
	if g.cfg.MaxDailyLoss > 0 {
		m.DailyLossUtilization = dailyLoss / g.cfg.MaxDailyLoss * 100
	}
	if capital > 0 {
		m.ExposureUtilization = exposure / capital * 100
	}
	return m, nil
}
