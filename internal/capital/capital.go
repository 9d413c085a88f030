// Package capital implements the capital admission controller: per-trade
// risk sizing clipped by cash reserve, strategy bucket and sector caps.
package capital

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-governor/internal/models"
)

// ExposureSource aggregates deployed notional. The ledger satisfies it.
type ExposureSource interface {
	TotalExposure(ctx context.Context) (float64, error)
	ExposureByBucket(ctx context.Context) (map[models.Bucket]float64, error)
	ExposureBySector(ctx context.Context) (map[string]float64, error)
}

// Config holds the admission rules. Percentages are of total capital.
type Config struct {
	TotalCapital      float64 `mapstructure:"total_capital"`
	RiskPerTradePct   float64 `mapstructure:"risk_per_trade_pct"`
	CashReservePct    float64 `mapstructure:"cash_reserve_pct"`
	SectorCapPct      float64 `mapstructure:"sector_cap_pct"`
	DrawdownReducePct float64 `mapstructure:"drawdown_reduce_pct"`
	DrawdownBlockPct  float64 `mapstructure:"drawdown_block_pct"`
	ReducedRiskFactor float64 `mapstructure:"reduced_risk_factor"`

	BucketCaps        map[models.Bucket]float64                          `mapstructure:"-"`
	RegimeMultipliers map[models.CapitalRegime]map[models.Bucket]float64 `mapstructure:"-"`
	Regime            models.CapitalRegime                               `mapstructure:"regime"`
	SectorOverrides   map[string]string                                  `mapstructure:"sector_overrides"`
}

// DefaultConfig returns the default admission rules for Rs1,00,000.
func DefaultConfig() Config {
	return Config{
		TotalCapital:      100000,
		RiskPerTradePct:   1,
		CashReservePct:    10,
		SectorCapPct:      30,
		DrawdownReducePct: 8,
		DrawdownBlockPct:  12,
		ReducedRiskFactor: 0.5,
		BucketCaps:        DefaultBucketCaps(),
		RegimeMultipliers: DefaultRegimeMultipliers(),
		Regime:            models.RegimeBull,
	}
}

// DefaultBucketCaps returns the base cap per bucket.
func DefaultBucketCaps() map[models.Bucket]float64 {
	return map[models.Bucket]float64{
		models.BucketDividend: 30,
		models.BucketSwing:    30,
		models.BucketMidTerm:  30,
		models.BucketIntraday: 10,
	}
}

// DefaultRegimeMultipliers returns the regime scaling of bucket caps.
func DefaultRegimeMultipliers() map[models.CapitalRegime]map[models.Bucket]float64 {
	return map[models.CapitalRegime]map[models.Bucket]float64{
		models.RegimeBull: {
			models.BucketDividend: 1, models.BucketSwing: 1, models.BucketMidTerm: 1, models.BucketIntraday: 1,
		},
		models.RegimeBear: {
			models.BucketDividend: 0.5, models.BucketSwing: 0.5, models.BucketMidTerm: 0.5, models.BucketIntraday: 0.5,
		},
		models.RegimeSideways: {
			models.BucketDividend: 1, models.BucketSwing: 1, models.BucketMidTerm: 1, models.BucketIntraday: 0.5,
		},
		models.RegimeNeutral: {
			models.BucketDividend: 1, models.BucketSwing: 0.75, models.BucketMidTerm: 0.75, models.BucketIntraday: 0.25,
		},
	}
}

// BucketFor maps a strategy name and product to a bucket. Dividend plays
// win over product; intraday product wins over horizon keywords.
func BucketFor(strategy string, product models.ProductType) models.Bucket {
	name := strings.ToLower(strategy)
	if strings.Contains(name, "dividend") || strings.Contains(name, "dre") {
		return models.BucketDividend
	}
	if product == models.ProductMIS {
		return models.BucketIntraday
	}
	if strings.Contains(name, "mid") || strings.Contains(name, "medium") {
		return models.BucketMidTerm
	}
	return models.BucketSwing
}

// Request is one admission request.
type Request struct {
	Symbol           string
	Entry            float64
	StopLoss         float64
	Strategy         string
	Product          models.ProductType
	ProposedQuantity int
}

// Controller is the capital admission controller.
type Controller struct {
	cfg      Config
	exposure ExposureSource
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	regime   models.CapitalRegime
	peak     float64
	current  float64
	realized float64
}

// NewController creates a controller reading exposure from src.
func NewController(cfg Config, src ExposureSource, logger zerolog.Logger) *Controller {
	if cfg.BucketCaps == nil {
		cfg.BucketCaps = DefaultBucketCaps()
	}
	if cfg.RegimeMultipliers == nil {
		cfg.RegimeMultipliers = DefaultRegimeMultipliers()
	}
	c := &Controller{
		cfg:      cfg,
		exposure: src,
		logger:   logger.With().Str("component", "capital").Logger(),
		now:      time.Now,
		peak:     cfg.TotalCapital,
		current:  cfg.TotalCapital,
	}
	c.regime = c.normalizeRegime(cfg.Regime)
	c.logger.Info().
		Float64("capital", cfg.TotalCapital).
		Str("regime", string(c.regime)).
		Msg("Capital admission controller initialized")
	return c
}

func (c *Controller) normalizeRegime(r models.CapitalRegime) models.CapitalRegime {
	if _, ok := c.cfg.RegimeMultipliers[r]; ok {
		return r
	}
	return models.RegimeNeutral
}

// SetRegime updates the market regime. Unknown regimes become NEUTRAL.
func (c *Controller) SetRegime(r models.CapitalRegime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.regime
	c.regime = c.normalizeRegime(r)
	if prev != c.regime {
		c.logger.Info().Str("from", string(prev)).Str("to", string(c.regime)).Msg("Regime updated")
	}
}

// Regime returns the active regime.
func (c *Controller) Regime() models.CapitalRegime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.regime
}

// UpdateEquity refreshes current equity from P&L and advances the peak.
func (c *Controller) UpdateEquity(unrealized, realized float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.realized = realized
	c.current = c.cfg.TotalCapital + realized + unrealized
	if c.current > c.peak {
		c.peak = c.current
	}
}

// Equity returns peak and current equity.
func (c *Controller) Equity() (peak, current float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peak, c.current
}

func (c *Controller) drawdownPct() float64 {
	if c.peak <= 0 {
		return 0
	}
	dd := (c.peak - c.current) * 100 / c.peak
	if dd < 0 {
		return 0
	}
	return dd
}

func (c *Controller) riskMode(dd float64) models.RiskMode {
	switch {
	case dd >= c.cfg.DrawdownBlockPct:
		return models.RiskHalted
	case dd >= c.cfg.DrawdownReducePct:
		return models.RiskReduced
	}
	return models.RiskNormal
}

// effectiveBucketCapPct is the bucket cap after the regime multiplier.
func (c *Controller) effectiveBucketCapPct(bucket models.Bucket, regime models.CapitalRegime) float64 {
	base, ok := c.cfg.BucketCaps[bucket]
	if !ok {
		base = 30
	}
	mults, ok := c.cfg.RegimeMultipliers[regime]
	if !ok {
		mults = c.cfg.RegimeMultipliers[models.RegimeNeutral]
	}
	m, ok := mults[bucket]
	if !ok {
		m = 1
	}
	return base * m
}

// Approve sizes and gates one entry. Each cap clips the quantity left by
// the previous step: risk, then cash reserve, then bucket, then sector.
func (c *Controller) Approve(ctx context.Context, req Request) (models.TradeApproval, error) {
	c.mu.RLock()
	dd := c.drawdownPct()
	regime := c.regime
	c.mu.RUnlock()

	capital := c.cfg.TotalCapital
	sector := SectorOf(req.Symbol, c.cfg.SectorOverrides)
	bucket := BucketFor(req.Strategy, req.Product)
	mode := c.riskMode(dd)

	reject := func(reason string) (models.TradeApproval, error) {
		c.logger.Info().Str("symbol", req.Symbol).Str("reason", reason).Msg("Capital admission rejected")
		return models.TradeApproval{
			Approved: false,
			Reason:   reason,
			RiskMode: mode,
			Bucket:   bucket,
			Sector:   sector,
		}, nil
	}

	if mode == models.RiskHalted {
		return reject(fmt.Sprintf("Trading HALTED - portfolio drawdown %.1f%% >= %.0f%% threshold", dd, c.cfg.DrawdownBlockPct))
	}

	risk := capital * c.cfg.RiskPerTradePct / 100
	if mode == models.RiskReduced {
		risk *= c.cfg.ReducedRiskFactor
	}

	stopDist := req.Entry - req.StopLoss
	if stopDist <= 0 {
		return reject(fmt.Sprintf("Invalid stop loss - stop Rs%.2f must be strictly below entry Rs%.2f", req.StopLoss, req.Entry))
	}

	qty := int(risk / stopDist)
	if qty < 1 {
		return reject(fmt.Sprintf("Position too small - Rs%.0f risk / Rs%.2f stop = %.2f shares (< 1)", risk, stopDist, risk/stopDist))
	}
	value := float64(qty) * req.Entry

	// Cash reserve
	openExp, err := c.exposure.TotalExposure(ctx)
	if err != nil {
		return models.TradeApproval{}, fmt.Errorf("reading total exposure: %w", err)
	}
	cash := max(0, capital-openExp)
	minCash := capital * c.cfg.CashReservePct / 100
	if cash-value < minCash {
		deploy := cash - minCash
		if deploy <= 0 {
			return reject(fmt.Sprintf("Cash reserve floor hit - available Rs%.0f, reserve min Rs%.0f", cash, minCash))
		}
		qty = int(deploy / req.Entry)
		value = float64(qty) * req.Entry
		if qty < 1 {
			return reject("Cash reserve floor clips position below 1 share")
		}
	}

	// Strategy bucket
	byBucket, err := c.exposure.ExposureByBucket(ctx)
	if err != nil {
		return models.TradeApproval{}, fmt.Errorf("reading bucket exposure: %w", err)
	}
	capPct := c.effectiveBucketCapPct(bucket, regime)
	capVal := capital * capPct / 100
	bucketExp := byBucket[bucket]
	if bucketExp+value > capVal {
		qty = int(max(0, capVal-bucketExp) / req.Entry)
		value = float64(qty) * req.Entry
		if qty < 1 {
			return reject(fmt.Sprintf("Strategy bucket '%s' cap %.0f%% (Rs%.0f) reached - currently Rs%.0f deployed", bucket, capPct, capVal, bucketExp))
		}
	}

	// Sector
	bySector, err := c.exposure.ExposureBySector(ctx)
	if err != nil {
		return models.TradeApproval{}, fmt.Errorf("reading sector exposure: %w", err)
	}
	secCap := capital * c.cfg.SectorCapPct / 100
	secExp := bySector[sector]
	if secExp+value > secCap {
		qty = int(max(0, secCap-secExp) / req.Entry)
		value = float64(qty) * req.Entry
		if qty < 1 {
			return reject(fmt.Sprintf("Sector '%s' %.0f%% cap (Rs%.0f) reached - currently Rs%.0f deployed", sector, c.cfg.SectorCapPct, secCap, secExp))
		}
	}

	c.logger.Info().
		Str("symbol", req.Symbol).
		Int("qty", qty).
		Int("proposed_qty", req.ProposedQuantity).
		Float64("value", value).
		Float64("risk", risk).
		Str("mode", string(mode)).
		Str("bucket", string(bucket)).
		Str("sector", sector).
		Msg("Capital admission approved")

	return models.TradeApproval{
		Approved:         true,
		Reason:           fmt.Sprintf("Approved - qty %d, risk Rs%.0f, mode %s, bucket %s, sector %s", qty, risk, mode, bucket, sector),
		AdjustedQuantity: qty,
		RiskPerTrade:     risk,
		RiskMode:         mode,
		Bucket:           bucket,
		Sector:           sector,
	}, nil
}

// Snapshot computes the portfolio aggregate from the exposure source.
func (c *Controller) Snapshot(ctx context.Context) (models.PortfolioSnapshot, error) {
	total, err := c.exposure.TotalExposure(ctx)
	if err != nil {
		return models.PortfolioSnapshot{}, fmt.Errorf("reading total exposure: %w", err)
	}
	byBucket, err := c.exposure.ExposureByBucket(ctx)
	if err != nil {
		return models.PortfolioSnapshot{}, fmt.Errorf("reading bucket exposure: %w", err)
	}
	bySector, err := c.exposure.ExposureBySector(ctx)
	if err != nil {
		return models.PortfolioSnapshot{}, fmt.Errorf("reading sector exposure: %w", err)
	}

	strategy := make(map[models.Bucket]float64, len(models.AllBuckets))
	for _, b := range models.AllBuckets {
		strategy[b] = byBucket[b]
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	capital := c.cfg.TotalCapital
	dd := c.drawdownPct()
	exposurePct := 0.0
	if capital > 0 {
		exposurePct = total / capital * 100
	}
	return models.PortfolioSnapshot{
		TotalCapital:     capital,
		CashAvailable:    max(0, capital-total),
		TotalExposure:    total,
		ExposurePct:      exposurePct,
		PeakEquity:       c.peak,
		CurrentEquity:    c.current,
		DrawdownPct:      dd,
		RiskMode:         c.riskMode(dd),
		StrategyExposure: strategy,
		SectorExposure:   bySector,
		Regime:           c.regime,
		UpdatedAt:        c.now().UTC(),
	}, nil
}
