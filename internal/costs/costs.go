// Package costs models round-trip transaction charges for NSE equity trades.
package costs

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trade-governor/internal/models"
)

// Rates is a broker rate card. Percentages are fractions of value.
type Rates struct {
	BrokerageFlatPerSide decimal.Decimal
	BrokeragePct         decimal.Decimal
	IGST                 decimal.Decimal
	STTSell              decimal.Decimal
	ExchangeCharges      decimal.Decimal
	SEBIFees             decimal.Decimal
	StampDutyBuy         decimal.Decimal
	IPFT                 decimal.Decimal
}

// DefaultRates returns the discount-broker intraday equity rate card.
func DefaultRates() Rates {
	return Rates{
		BrokerageFlatPerSide: decimal.NewFromInt(1),
		BrokeragePct:         decimal.RequireFromString("0.0001"),
		IGST:                 decimal.RequireFromString("0.18"),
		STTSell:              decimal.RequireFromString("0.00025"),
		ExchangeCharges:      decimal.RequireFromString("0.0000325"),
		SEBIFees:             decimal.RequireFromString("0.0000001"),
		StampDutyBuy:         decimal.RequireFromString("0.00003"),
		IPFT:                 decimal.RequireFromString("0.000001"),
	}
}

// Breakdown is the itemised round-trip charge. Each item is rounded to paise.
type Breakdown struct {
	Brokerage       decimal.Decimal
	IGST            decimal.Decimal
	STT             decimal.Decimal
	ExchangeCharges decimal.Decimal
	SEBIFees        decimal.Decimal
	StampDuty       decimal.Decimal
	IPFT            decimal.Decimal
}

// Total is the sum of all items.
func (b Breakdown) Total() decimal.Decimal {
	return b.Brokerage.Add(b.IGST).Add(b.STT).Add(b.ExchangeCharges).
		Add(b.SEBIFees).Add(b.StampDuty).Add(b.IPFT)
}

// TotalFloat is Total as float64.
func (b Breakdown) TotalFloat() float64 {
	return b.Total().InexactFloat64()
}

// Map returns the breakdown keyed by item name.
func (b Breakdown) Map() map[string]float64 {
	return map[string]float64{
		"brokerage":        b.Brokerage.InexactFloat64(),
		"igst":             b.IGST.InexactFloat64(),
		"stt":              b.STT.InexactFloat64(),
		"exchange_charges": b.ExchangeCharges.InexactFloat64(),
		"sebi_fees":        b.SEBIFees.InexactFloat64(),
		"stamp_duty":       b.StampDuty.InexactFloat64(),
		"ipft":             b.IPFT.InexactFloat64(),
		"total":            b.TotalFloat(),
	}
}

// Metrics describes a profitability check.
type Metrics struct {
	TotalCost           float64            `json:"total_cost"`
	CostPerShare        float64            `json:"cost_per_share"`
	ExpectedGrossProfit float64            `json:"expected_gross_profit"`
	ExpectedNetProfit   float64            `json:"expected_net_profit"`
	CostRatioPct        float64            `json:"cost_ratio"`
	BreakevenMove       float64            `json:"breakeven_move"`
	RequiredMove2x      float64            `json:"required_move_2x"`
	Breakdown           map[string]float64 `json:"cost_breakdown"`
}

// Calculator computes transaction costs from a rate card.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a calculator with the given rate card.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Calculate returns the round-trip charges for buying qty at entry and
// selling at exit. An exit of zero means exit at entry.
func (c *Calculator) Calculate(qty int, entry, exit float64) Breakdown {
	if exit == 0 {
		exit = entry
	}
	q := decimal.NewFromInt(int64(qty))
	buy := q.Mul(decimal.NewFromFloat(entry))
	sell := q.Mul(decimal.NewFromFloat(exit))
	turnover := buy.Add(sell)

	brokerage := decimal.Min(c.rates.BrokerageFlatPerSide, buy.Mul(c.rates.BrokeragePct)).
		Add(decimal.Min(c.rates.BrokerageFlatPerSide, sell.Mul(c.rates.BrokeragePct)))
	exchange := turnover.Mul(c.rates.ExchangeCharges)
	sebi := turnover.Mul(c.rates.SEBIFees)
	ipft := turnover.Mul(c.rates.IPFT)
	igst := brokerage.Add(exchange).Add(sebi).Add(ipft).Mul(c.rates.IGST)

	return Breakdown{
		Brokerage:       brokerage.Round(2),
		IGST:            igst.Round(2),
		STT:             sell.Mul(c.rates.STTSell).Round(2),
		ExchangeCharges: exchange.Round(2),
		SEBIFees:        sebi.Round(2),
		StampDuty:       buy.Mul(c.rates.StampDutyBuy).Round(2),
		IPFT:            ipft.Round(2),
	}
}

// CostPerShare is the round-trip charge per share at exit == entry, rounded
// to paise.
func (c *Calculator) CostPerShare(qty int, entry float64) float64 {
	if qty <= 0 {
		return 0
	}
	return c.Calculate(qty, entry, entry).Total().Div(decimal.NewFromInt(int64(qty))).Round(2).InexactFloat64()
}

// MinimumRequiredMove is the per-share move needed to clear costs buffer
// times over.
func (c *Calculator) MinimumRequiredMove(qty int, entry, buffer float64) float64 {
	return decimal.NewFromFloat(c.CostPerShare(qty, entry)).Mul(decimal.NewFromFloat(buffer)).Round(2).InexactFloat64()
}

// BreakevenPrice is the exit price at which net P&L is zero.
func (c *Calculator) BreakevenPrice(qty int, entry float64, dir models.Direction) float64 {
	cps := decimal.NewFromFloat(c.CostPerShare(qty, entry))
	e := decimal.NewFromFloat(entry)
	if dir == models.Short {
		return e.Sub(cps).Round(2).InexactFloat64()
	}
	return e.Add(cps).Round(2).InexactFloat64()
}

// ValidateProfitability rejects a trade whose expected move cannot pay for
// its round trip. maxCostRatio is a fraction of expected gross profit.
func (c *Calculator) ValidateProfitability(qty int, entry, expectedMove, maxCostRatio float64) (bool, string, Metrics) {
	if qty <= 0 {
		return false, "Quantity must be positive", Metrics{}
	}

	b := c.Calculate(qty, entry, entry)
	total := b.Total()
	q := decimal.NewFromInt(int64(qty))
	cps := total.Div(q)
	gross := decimal.NewFromFloat(expectedMove).Mul(q)
	net := gross.Sub(total)

	if !gross.IsPositive() {
		return false, "Expected move is zero or negative", Metrics{}
	}

	ratio := total.Div(gross)
	m := Metrics{
		TotalCost:           total.InexactFloat64(),
		CostPerShare:        cps.Round(2).InexactFloat64(),
		ExpectedGrossProfit: gross.Round(2).InexactFloat64(),
		ExpectedNetProfit:   net.Round(2).InexactFloat64(),
		CostRatioPct:        ratio.Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64(),
		BreakevenMove:       cps.Round(2).InexactFloat64(),
		RequiredMove2x:      cps.Mul(decimal.NewFromInt(2)).Round(2).InexactFloat64(),
		Breakdown:           b.Map(),
	}

	if !net.IsPositive() {
		return false, fmt.Sprintf("Net profit negative: Rs%.2f after Rs%.2f costs", m.ExpectedNetProfit, m.TotalCost), m
	}
	if ratio.GreaterThan(decimal.NewFromFloat(maxCostRatio)) {
		return false, fmt.Sprintf("Cost ratio too high: %.1f%% (max %.0f%%). Costs Rs%.2f vs expected profit Rs%.2f",
			m.CostRatioPct, maxCostRatio*100, m.TotalCost, m.ExpectedGrossProfit), m
	}
	if decimal.NewFromFloat(expectedMove).LessThan(cps.Mul(decimal.NewFromInt(2))) {
		return false, fmt.Sprintf("Expected move Rs%.2f < 2x cost Rs%.2f", expectedMove, m.RequiredMove2x), m
	}

	return true, fmt.Sprintf("Trade viable: %.1f%% cost ratio, Rs%.2f net expected", m.CostRatioPct, m.ExpectedNetProfit), m
}

// StopCoversCosts is the filter used when a signal carries no target: a
// move of 1.5x the stop distance must cover twice the cost per share.
func (c *Calculator) StopCoversCosts(qty int, entry, stopDistance float64) (bool, string) {
	cps := c.CostPerShare(qty, entry)
	move := stopDistance * 1.5
	if move < cps*2 {
		return false, fmt.Sprintf("Stop distance too tight for costs: expected move Rs%.2f < 2x cost Rs%.2f", move, cps*2)
	}
	return true, ""
}
