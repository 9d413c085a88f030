// Package governance implements the capital-layer governance engine: a
// per-layer allocation and an equity drawdown circuit breaker that outranks
// every other gate.
package governance

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-governor/internal/models"
)

// LayerParams configures one capital layer. Values are percentages.
type LayerParams struct {
	AllocationPct   float64 `mapstructure:"allocation_pct"`
	RiskPerTradePct float64 `mapstructure:"risk_per_trade_pct"`
	MaxDrawdownPct  float64 `mapstructure:"max_drawdown_pct"`
}

// Config holds governance limits. Percentages are of total capital.
type Config struct {
	MaxSingleStockPct   float64 `mapstructure:"max_single_stock_pct"`
	MaxTotalExposurePct float64 `mapstructure:"max_total_exposure_pct"`
	ReduceDrawdownPct   float64 `mapstructure:"reduce_drawdown_pct"`
	FreezeDrawdownPct   float64 `mapstructure:"freeze_drawdown_pct"`
	HaltDrawdownPct     float64 `mapstructure:"halt_drawdown_pct"`
	ReducedMultiplier   float64 `mapstructure:"reduced_multiplier"`
	HighVolMultiplier   float64 `mapstructure:"high_vol_multiplier"`
	AssumedStopPct      float64 `mapstructure:"assumed_stop_pct"`

	Layers map[models.Layer]LayerParams `mapstructure:"-"`
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		MaxSingleStockPct:   25,
		MaxTotalExposurePct: 40,
		ReduceDrawdownPct:   10,
		FreezeDrawdownPct:   15,
		HaltDrawdownPct:     20,
		ReducedMultiplier:   0.5,
		HighVolMultiplier:   0.7,
		AssumedStopPct:      2,
		Layers:              DefaultLayers(),
	}
}

// DefaultLayers returns the four standard layers.
func DefaultLayers() map[models.Layer]LayerParams {
	return map[models.Layer]LayerParams{
		models.LayerIntraday:  {AllocationPct: 25, RiskPerTradePct: 0.8, MaxDrawdownPct: 5},
		models.LayerWeekly:    {AllocationPct: 30, RiskPerTradePct: 1.5, MaxDrawdownPct: 8},
		models.LayerMonthly:   {AllocationPct: 25, RiskPerTradePct: 2.0, MaxDrawdownPct: 10},
		models.LayerQuarterly: {AllocationPct: 20, RiskPerTradePct: 3.0, MaxDrawdownPct: 12},
	}
}

// LayerForBucket maps a capital admission bucket to the governance layer
// that funds it.
func LayerForBucket(b models.Bucket) models.Layer {
	switch b {
	case models.BucketIntraday:
		return models.LayerIntraday
	case models.BucketMidTerm:
		return models.LayerMonthly
	case models.BucketDividend:
		return models.LayerQuarterly
	}
	return models.LayerWeekly
}

// Engine is the governance engine. It is constructed unseeded and starts
// tracking drawdown only once real capital has been observed, so a cold
// start never reports a false 100% drawdown.
type Engine struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	seeded    bool
	capital   float64 // capital at seed time; fixes layer allocation amounts
	current   float64
	peak      float64
	drawdown  float64
	mode      models.SystemMode
	reason    string
	regime    models.MarketRegime
	layers    map[models.Layer]*models.LayerAllocation
	updatedAt time.Time
}

// NewEngine creates an unseeded engine.
func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	if cfg.Layers == nil {
		cfg.Layers = DefaultLayers()
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger.With().Str("component", "governance").Logger(),
		now:    time.Now,
		mode:   models.ModeActive,
		regime: models.MarketTrending,
		layers: make(map[models.Layer]*models.LayerAllocation),
	}
	for layer, p := range cfg.Layers {
		e.layers[layer] = &models.LayerAllocation{
			Layer:           layer,
			AllocationPct:   p.AllocationPct,
			RiskPerTradePct: p.RiskPerTradePct,
			MaxDrawdownPct:  p.MaxDrawdownPct,
			Active:          true,
		}
	}
	return e
}

// Seeded reports whether real capital has been observed.
func (e *Engine) Seeded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seeded
}

// seed must be called with mu held.
func (e *Engine) seed(capital float64) {
	e.seeded = true
	e.capital = capital
	e.current = capital
	e.peak = capital
	e.drawdown = 0
	for _, l := range e.layers {
		l.AllocationAmount = l.AllocationPct / 100 * capital
	}
	e.updatedAt = e.now()

	ev := e.logger.Info().Float64("capital", capital)
	for _, layer := range models.AllLayers {
		if l, ok := e.layers[layer]; ok {
			ev = ev.Float64(string(layer), l.AllocationAmount)
		}
	}
	ev.Msg("Governance seeded with observed capital")
}

// UpdateCapital records an equity observation. The first positive
// observation seeds the engine. Later observations advance the monotonic
// peak and may ratchet the mode toward FROZEN or HALTED; they never relax it.
func (e *Engine) UpdateCapital(equity float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.seeded {
		if equity <= 0 {
			e.logger.Warn().Float64("equity", equity).Msg("Ignoring non-positive capital before seeding")
			return
		}
		e.seed(equity)
		return
	}

	e.current = equity
	if equity > e.peak {
		e.peak = equity
	}
	e.drawdown = (e.peak - equity) * 100 / e.peak
	e.updatedAt = e.now()

	switch {
	case e.drawdown >= e.cfg.HaltDrawdownPct:
		e.ratchet(models.ModeHalted, fmt.Sprintf("Drawdown %.1f%% >= %.0f%% threshold. Manual review required.", e.drawdown, e.cfg.HaltDrawdownPct))
	case e.drawdown >= e.cfg.FreezeDrawdownPct:
		e.ratchet(models.ModeFrozen, fmt.Sprintf("Drawdown %.1f%% >= %.0f%% threshold. No new entries allowed.", e.drawdown, e.cfg.FreezeDrawdownPct))
	case e.drawdown >= e.cfg.ReduceDrawdownPct:
		if e.mode == models.ModeActive {
			e.logger.Warn().Float64("drawdown_pct", e.drawdown).Msg("Reducing position sizes 50%")
		}
	}
}

// ratchet moves to mode only if it is stricter. Must be called with mu held.
func (e *Engine) ratchet(mode models.SystemMode, reason string) {
	if mode.Severity() <= e.mode.Severity() {
		return
	}
	e.logger.Error().
		Str("from", string(e.mode)).
		Str("to", string(mode)).
		Float64("drawdown_pct", e.drawdown).
		Msg("SYSTEM " + string(mode) + " - " + reason)
	e.mode = mode
	e.reason = reason
}

// CheckTradeApproval checks a proposed entry against mode, layer and global
// exposure limits. currentExposure is the notional already deployed.
func (e *Engine) CheckTradeApproval(layer models.Layer, symbol string, qty int, price, currentExposure float64) (bool, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.seeded {
		return false, "Governance not seeded: no capital observed yet"
	}

	switch e.mode {
	case models.ModeHalted:
		return false, "System HALTED - Manual review required"
	case models.ModeFrozen:
		return false, fmt.Sprintf("System FROZEN - No new entries allowed (drawdown >= %.0f%%)", e.cfg.FreezeDrawdownPct)
	case models.ModeSafe:
		return false, "System in SAFE_MODE - " + e.reason
	}

	alloc, ok := e.layers[layer]
	if !ok {
		return false, fmt.Sprintf("Unknown layer %s", layer)
	}
	if !alloc.Active {
		return false, fmt.Sprintf("Layer %s is paused", layer)
	}
	if alloc.CurrentDrawdownPct >= alloc.MaxDrawdownPct {
		return false, fmt.Sprintf("Layer %s drawdown %.1f%% >= limit %.1f%%", layer, alloc.CurrentDrawdownPct, alloc.MaxDrawdownPct)
	}

	value := float64(qty) * price
	singlePct := value / e.current * 100
	if singlePct > e.cfg.MaxSingleStockPct {
		return false, fmt.Sprintf("Single stock exposure %.1f%% exceeds limit %.0f%% for %s", singlePct, e.cfg.MaxSingleStockPct, symbol)
	}

	if value > alloc.AllocationAmount {
		return false, fmt.Sprintf("Trade capital Rs%.2f exceeds layer allocation Rs%.2f", value, alloc.AllocationAmount)
	}

	after := currentExposure + value
	maxExposure := e.cfg.MaxTotalExposurePct / 100 * e.current
	if after > maxExposure {
		return false, fmt.Sprintf("Total exposure Rs%.2f would exceed limit Rs%.2f", after, maxExposure)
	}

	return true, ""
}

// LayerMaxPositionSize returns the most conservative of the layer-allocation,
// single-stock and risk-implied quantities. A paused layer returns 0.
func (e *Engine) LayerMaxPositionSize(layer models.Layer, price float64) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	alloc, ok := e.layers[layer]
	if !e.seeded || !ok || !alloc.Active || price <= 0 {
		return 0
	}

	fromLayer := int(alloc.AllocationAmount / price)
	fromStock := int(e.cfg.MaxSingleStockPct / 100 * e.current / price)
	riskAmount := alloc.AllocationAmount * alloc.RiskPerTradePct / 100
	fromRisk := int(riskAmount / (price * e.cfg.AssumedStopPct / 100))

	return min(fromLayer, fromStock, fromRisk)
}

// UpdateMarketRegime records the volatility regime. EVENT_RISK pauses the
// intraday layer until ResumeLayer is called.
func (e *Engine) UpdateMarketRegime(regime models.MarketRegime) {
	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.regime
	e.regime = regime
	if old == regime {
		return
	}
	e.logger.Info().Str("from", string(old)).Str("to", string(regime)).Msg("Market regime changed")

	switch regime {
	case models.MarketHighVolatility:
		e.logger.Warn().Msg("High volatility detected - reducing position sizes 30%")
	case models.MarketEventRisk:
		if l, ok := e.layers[models.LayerIntraday]; ok {
			l.Active = false
		}
		e.logger.Warn().Msg("Event risk detected - intraday layer suspended")
	}
}

// ResumeLayer re-activates a paused layer.
func (e *Engine) ResumeLayer(layer models.Layer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.layers[layer]; ok {
		l.Active = true
		e.logger.Info().Str("layer", string(layer)).Msg("Layer resumed")
	}
}

// UpdateLayerDrawdown records the drawdown of one layer.
func (e *Engine) UpdateLayerDrawdown(layer models.Layer, pct float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.layers[layer]; ok {
		l.CurrentDrawdownPct = pct
		if pct >= l.MaxDrawdownPct {
			e.logger.Warn().Str("layer", string(layer)).Float64("drawdown_pct", pct).Msg("Layer drawdown limit reached")
		}
	}
}

// PositionSizeMultiplier scales new position sizes.
func (e *Engine) PositionSizeMultiplier() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	switch e.mode {
	case models.ModeHalted, models.ModeFrozen, models.ModeSafe:
		return 0
	}
	if e.drawdown >= e.cfg.ReduceDrawdownPct {
		return e.cfg.ReducedMultiplier
	}
	if e.regime == models.MarketHighVolatility {
		return e.cfg.HighVolMultiplier
	}
	return 1
}

// EnterSafeMode blocks new entries while the venue is unhealthy.
func (e *Engine) EnterSafeMode(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ratchet(models.ModeSafe, reason)
}

// ExitSafeMode returns from SAFE_MODE to ACTIVE. FROZEN and HALTED are left
// untouched.
func (e *Engine) ExitSafeMode() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode == models.ModeSafe {
		e.mode = models.ModeActive
		e.reason = ""
		e.logger.Info().Msg("Leaving SAFE_MODE")
	}
}

// ManualReset is the operator path back to ACTIVE. The current equity
// becomes the new peak.
func (e *Engine) ManualReset(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.logger.Warn().Str("from", string(e.mode)).Str("reason", reason).Msg("Governance manually reset")
	e.mode = models.ModeActive
	e.reason = ""
	if e.seeded {
		e.peak = e.current
		e.drawdown = 0
	}
	e.updatedAt = e.now()
}

// Mode returns the current system mode.
func (e *Engine) Mode() models.SystemMode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// State returns a copy of the governance state.
func (e *Engine) State() models.GovernanceState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	layers := make(map[models.Layer]models.LayerAllocation, len(e.layers))
	for k, v := range e.layers {
		layers[k] = *v
	}
	return models.GovernanceState{
		Mode:          e.mode,
		Seeded:        e.seeded,
		TotalCapital:  e.capital,
		PeakEquity:    e.peak,
		CurrentEquity: e.current,
		DrawdownPct:   e.drawdown,
		Layers:        layers,
		Regime:        e.regime,
		Reason:        e.reason,
		UpdatedAt:     e.updatedAt,
	}
}

// Summary renders the state for operators.
func (e *Engine) Summary() string {
	st := e.State()
	mult := e.PositionSizeMultiplier()

	var b strings.Builder
	b.WriteString("=== GOVERNANCE STATUS ===\n")
	fmt.Fprintf(&b, "System Mode: %s\n", st.Mode)
	if !st.Seeded {
		b.WriteString("Capital: not yet observed\n")
	} else {
		fmt.Fprintf(&b, "Capital: Rs%.2f (Peak: Rs%.2f)\n", st.CurrentEquity, st.PeakEquity)
		fmt.Fprintf(&b, "Drawdown: %.2f%%\n", st.DrawdownPct)
	}
	fmt.Fprintf(&b, "Market Regime: %s\n", st.Regime)
	fmt.Fprintf(&b, "Position Multiplier: %.0f%%\n\nLayer Status:\n", mult*100)
	for _, layer := range models.AllLayers {
		l, ok := st.Layers[layer]
		if !ok {
			continue
		}
		status := "ACTIVE"
		if !l.Active {
			status = "PAUSED"
		}
		fmt.Fprintf(&b, "  %s: Rs%.2f (%.0f%%) - %s\n", layer, l.AllocationAmount, l.AllocationPct, status)
	}
	return b.String()
}
