package models

import "time"

// Bucket is a strategy capital partition used by capital admission.
type Bucket string

const (
	BucketDividend Bucket = "DIVIDEND"
	BucketSwing    Bucket = "SWING"
	BucketMidTerm  Bucket = "MID_TERM"
	BucketIntraday Bucket = "INTRADAY"
)

// AllBuckets lists every bucket in reporting order.
var AllBuckets = []Bucket{BucketDividend, BucketSwing, BucketMidTerm, BucketIntraday}

// RiskMode is the capital admission sizing mode.
type RiskMode string

const (
	RiskNormal  RiskMode = "NORMAL"
	RiskReduced RiskMode = "REDUCED"
	RiskHalted  RiskMode = "HALTED"
)

// CapitalRegime is the coarse market direction scaling bucket caps.
type CapitalRegime string

const (
	RegimeBull     CapitalRegime = "BULL"
	RegimeBear     CapitalRegime = "BEAR"
	RegimeSideways CapitalRegime = "SIDEWAYS"
	RegimeNeutral  CapitalRegime = "NEUTRAL"
)

// SystemMode is the governance circuit breaker state.
type SystemMode string

const (
	ModeActive SystemMode = "ACTIVE"
	ModeSafe   SystemMode = "SAFE_MODE"
	ModeFrozen SystemMode = "FROZEN"
	ModeHalted SystemMode = "HALTED"
)

// Severity orders modes so that transitions can only ratchet upward.
func (m SystemMode) Severity() int {
	switch m {
	case ModeSafe:
		return 1
	case ModeFrozen:
		return 2
	case ModeHalted:
		return 3
	}
	return 0
}

// Layer is a governance capital layer.
type Layer string

const (
	LayerIntraday  Layer = "L1_INTRADAY"
	LayerWeekly    Layer = "L2_WEEKLY"
	LayerMonthly   Layer = "L3_MONTHLY"
	LayerQuarterly Layer = "L4_QUARTERLY"
)

// AllLayers lists the governance layers in order.
var AllLayers = []Layer{LayerIntraday, LayerWeekly, LayerMonthly, LayerQuarterly}

// MarketRegime is the volatility classification used by governance.
type MarketRegime string

const (
	MarketTrending       MarketRegime = "TRENDING"
	MarketRanging        MarketRegime = "RANGING"
	MarketHighVolatility MarketRegime = "HIGH_VOLATILITY"
	MarketEventRisk      MarketRegime = "EVENT_RISK"
)

// TradeApproval is the transient capital admission verdict.
type TradeApproval struct {
	Approved         bool
	Reason           string
	AdjustedQuantity int
	RiskPerTrade     float64
	RiskMode         RiskMode
	Bucket           Bucket
	Sector           string
}

// RiskCheckResult is the transient risk gate verdict.
type RiskCheckResult struct {
	Approved  bool
	Reason    string
	RiskScore float64
}

// PortfolioSnapshot is a point-in-time aggregate computed from the ledger.
type PortfolioSnapshot struct {
	TotalCapital     float64            `json:"total_capital"`
	CashAvailable    float64            `json:"cash_available"`
	TotalExposure    float64            `json:"total_exposure"`
	ExposurePct      float64            `json:"exposure_pct"`
	PeakEquity       float64            `json:"peak_equity"`
	CurrentEquity    float64            `json:"current_equity"`
	DrawdownPct      float64            `json:"drawdown_pct"`
	RiskMode         RiskMode           `json:"risk_mode"`
	StrategyExposure map[Bucket]float64 `json:"strategy_exposure"`
	SectorExposure   map[string]float64 `json:"sector_exposure"`
	Regime           CapitalRegime      `json:"regime"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// LayerAllocation is one governance layer's parameters and state.
type LayerAllocation struct {
	Layer              Layer   `json:"layer"`
	AllocationPct      float64 `json:"allocation_pct"`
	AllocationAmount   float64 `json:"allocation_amount"`
	RiskPerTradePct    float64 `json:"risk_per_trade_pct"`
	MaxDrawdownPct     float64 `json:"max_drawdown_pct"`
	CurrentDrawdownPct float64 `json:"current_drawdown_pct"`
	Active             bool    `json:"active"`
}

// GovernanceState is a copy of the governance engine state.
type GovernanceState struct {
	Mode          SystemMode                `json:"mode"`
	Seeded        bool                      `json:"seeded"`
	TotalCapital  float64                   `json:"total_capital"`
	PeakEquity    float64                   `json:"peak_equity"`
	CurrentEquity float64                   `json:"current_equity"`
	DrawdownPct   float64                   `json:"drawdown_pct"`
	Layers        map[Layer]LayerAllocation `json:"layers"`
	Regime        MarketRegime              `json:"regime"`
	Reason        string                    `json:"reason,omitempty"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

// RiskMetrics is the risk gate report exposed to callers.
type RiskMetrics struct {
	DailyLoss             float64 `json:"daily_loss"`
	DailyLossLimit        float64 `json:"daily_loss_limit"`
	DailyLossUtilization  float64 `json:"daily_loss_utilization"`
	OpenPositions         int     `json:"open_positions"`
	MaxOpenPositions      int     `json:"max_open_positions"`
	ConsecutiveLosses     int     `json:"consecutive_losses"`
	ConsecutiveLossLimit  int     `json:"consecutive_loss_limit"`
	CurrentExposure       float64 `json:"current_exposure"`
	MaxExposure           float64 `json:"max_exposure"`
	ExposureUtilization   float64 `json:"exposure_utilization"`
	TradingHalted         bool    `json:"trading_halted"`
	PauseRemainingMinutes int     `json:"pause_remaining_minutes"`
}

// SystemEvent is an audit row for critical conditions.
type SystemEvent struct {
	ID        string
	Kind      string
	Symbol    string
	Message   string
	CreatedAt time.Time
}
