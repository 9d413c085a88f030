package governance

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-governor/internal/models"
)

func seededEngine(capital float64) *Engine {
	e := NewEngine(DefaultConfig(), zerolog.Nop())
	e.UpdateCapital(capital)
	return e
}

func TestColdStartDoesNotAlarm(t *testing.T) {
	e := NewEngine(DefaultConfig(), zerolog.Nop())
	assert.False(t, e.Seeded())

	ok, reason := e.CheckTradeApproval(models.LayerWeekly, "SBIN", 1, 100, 0)
	assert.False(t, ok)
	assert.Contains(t, reason, "not seeded")
	assert.Equal(t, 0, e.LayerMaxPositionSize(models.LayerWeekly, 100))

	e.UpdateCapital(0)
	assert.False(t, e.Seeded())

	e.UpdateCapital(100000)
	st := e.State()
	assert.True(t, st.Seeded)
	assert.Equal(t, models.ModeActive, st.Mode)
	assert.Zero(t, st.DrawdownPct)
	assert.InDelta(t, 30000, st.Layers[models.LayerWeekly].AllocationAmount, 1e-9)
}

func TestDrawdownThresholds(t *testing.T) {
	e := seededEngine(100000)

	e.UpdateCapital(90000)
	assert.Equal(t, models.ModeActive, e.Mode())
	assert.Equal(t, 0.5, e.PositionSizeMultiplier())

	e.UpdateCapital(85000)
	assert.Equal(t, models.ModeFrozen, e.Mode())
	assert.Zero(t, e.PositionSizeMultiplier())
	ok, reason := e.CheckTradeApproval(models.LayerWeekly, "SBIN", 1, 100, 0)
	assert.False(t, ok)
	assert.Contains(t, reason, "FROZEN")

	// Recovery never demotes automatically.
	e.UpdateCapital(99000)
	assert.Equal(t, models.ModeFrozen, e.Mode())

	e.UpdateCapital(79000)
	assert.Equal(t, models.ModeHalted, e.Mode())
	ok, reason = e.CheckTradeApproval(models.LayerWeekly, "SBIN", 1, 100, 0)
	assert.False(t, ok)
	assert.Equal(t, "System HALTED - Manual review required", reason)

	e.ManualReset("reviewed")
	assert.Equal(t, models.ModeActive, e.Mode())
	assert.InDelta(t, 79000, e.State().PeakEquity, 1e-9)
}

func TestCheckTradeApprovalOrder(t *testing.T) {
	e := seededEngine(100000)

	// 30% of capital in one name breaches the single-stock cap before the
	// layer allocation is considered.
	ok, reason := e.CheckTradeApproval(models.LayerWeekly, "TCS", 10, 3000, 0)
	assert.False(t, ok)
	assert.Contains(t, reason, "Single stock exposure")

	// 24000 fits the 25% single-stock cap but not the 20000 quarterly layer.
	ok, reason = e.CheckTradeApproval(models.LayerQuarterly, "TCS", 8, 3000, 0)
	assert.False(t, ok)
	assert.Contains(t, reason, "layer allocation")

	ok, reason = e.CheckTradeApproval(models.LayerWeekly, "TCS", 5, 3000, 30000)
	assert.False(t, ok)
	assert.Contains(t, reason, "Total exposure")

	ok, _ = e.CheckTradeApproval(models.LayerWeekly, "TCS", 5, 3000, 20000)
	assert.True(t, ok)

	e.UpdateLayerDrawdown(models.LayerWeekly, 8)
	ok, reason = e.CheckTradeApproval(models.LayerWeekly, "TCS", 1, 3000, 0)
	assert.False(t, ok)
	assert.Contains(t, reason, "drawdown")
}

func TestLayerMaxPositionSize(t *testing.T) {
	e := seededEngine(100000)

	// Weekly: alloc 30000 -> 150, stock cap 25000 -> 125,
	// risk 450 / (200*0.02) -> 112.
	assert.Equal(t, 112, e.LayerMaxPositionSize(models.LayerWeekly, 200))

	// Intraday: alloc 25000 -> 125, stock 125, risk 200 / 4 -> 50.
	assert.Equal(t, 50, e.LayerMaxPositionSize(models.LayerIntraday, 200))
}

func TestEventRiskPausesIntraday(t *testing.T) {
	e := seededEngine(100000)

	e.UpdateMarketRegime(models.MarketHighVolatility)
	assert.Equal(t, 0.7, e.PositionSizeMultiplier())

	e.UpdateMarketRegime(models.MarketEventRisk)
	assert.Equal(t, 0, e.LayerMaxPositionSize(models.LayerIntraday, 100))
	ok, reason := e.CheckTradeApproval(models.LayerIntraday, "SBIN", 1, 100, 0)
	assert.False(t, ok)
	assert.Contains(t, reason, "paused")

	// Other layers keep trading.
	ok, _ = e.CheckTradeApproval(models.LayerWeekly, "SBIN", 1, 100, 0)
	assert.True(t, ok)

	e.ResumeLayer(models.LayerIntraday)
	ok, _ = e.CheckTradeApproval(models.LayerIntraday, "SBIN", 1, 100, 0)
	assert.True(t, ok)
}

func TestSafeMode(t *testing.T) {
	e := seededEngine(100000)
	e.EnterSafeMode("broker circuit open")
	ok, reason := e.CheckTradeApproval(models.LayerWeekly, "SBIN", 1, 100, 0)
	assert.False(t, ok)
	assert.Contains(t, reason, "SAFE_MODE")

	e.ExitSafeMode()
	assert.Equal(t, models.ModeActive, e.Mode())

	// SAFE_MODE never overrides a stricter state, and leaving it does not
	// clear FROZEN.
	e.UpdateCapital(84000)
	e.EnterSafeMode("again")
	e.ExitSafeMode()
	assert.Equal(t, models.ModeFrozen, e.Mode())
}

func TestSummary(t *testing.T) {
	e := seededEngine(100000)
	s := e.Summary()
	require.Contains(t, s, "System Mode: ACTIVE")
	assert.Contains(t, s, "L1_INTRADAY: Rs25000.00 (25%) - ACTIVE")
}

func TestLayerForBucket(t *testing.T) {
	assert.Equal(t, models.LayerIntraday, LayerForBucket(models.BucketIntraday))
	assert.Equal(t, models.LayerWeekly, LayerForBucket(models.BucketSwing))
	assert.Equal(t, models.LayerMonthly, LayerForBucket(models.BucketMidTerm))
	assert.Equal(t, models.LayerQuarterly, LayerForBucket(models.BucketDividend))
}

// Property: the mode severity never decreases across any equity path, and
// the peak is monotonic.
func TestProperty_ModeRatchet(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("mode only ratchets upward and peak never falls", prop.ForAll(
		func(path []float64) bool {
			e := seededEngine(100000)
			prevSeverity := 0
			prevPeak := 100000.0
			for _, eq := range path {
				e.UpdateCapital(eq)
				st := e.State()
				if st.Mode.Severity() < prevSeverity || st.PeakEquity < prevPeak {
					return false
				}
				prevSeverity = st.Mode.Severity()
				prevPeak = st.PeakEquity
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(50000, 150000)),
	))

	properties.TestingRun(t)
}
