package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"trade-governor/internal/broker"
	"trade-governor/internal/capital"
	apperrors "trade-governor/internal/errors"
	"trade-governor/internal/logging"
	"trade-governor/internal/metrics"
	"trade-governor/internal/models"
	"trade-governor/internal/notify"
	"trade-governor/internal/session"
	"trade-governor/internal/store"
	"trade-governor/internal/trace"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Checked       int                              `json:"checked"`
	Mismatches    []*apperrors.ReconciliationError `json:"mismatches,omitempty"`
	Flattened     int                              `json:"flattened"`
	ClosedMissing int                              `json:"closed_missing"`
	Expired       int                              `json:"expired"`
	OpenTrades    int                              `json:"open_trades"`
}

// Reconcile compares per-symbol signed quantity over OPEN ledger rows with
// the venue's positions. Unexpected live venue positions are flattened and
// OPEN rows the venue no longer holds are closed out, so a second pass with
// no trading in between finds nothing to correct. It always ends by
// resyncing the risk gate's open position count to the ledger.
func (m *Manager) Reconcile(ctx context.Context) (report ReconcileReport, err error) {
	ctx, span := trace.StartSpan(ctx, "execution.Reconcile", attribute.String("venue", m.broker.Name()))
	defer func() { trace.End(span, err) }()

	expired, err := m.ExpirePending(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Pending trade expiry incomplete")
	}
	report.Expired = expired

	// Venue first: anything that fills after this snapshot shows up in the
	// ledger as newer than asOf.
	asOf := m.clock()
	positions, err := m.broker.GetPositions(ctx)
	if err != nil {
		return report, fmt.Errorf("reading venue positions: %w", err)
	}
	ledgerQty, err := m.ledger.NetQuantityBySymbol(ctx)
	if err != nil {
		return report, fmt.Errorf("reading ledger positions: %w", err)
	}

	venueQty := make(map[string]int)
	venuePos := make(map[string]models.Position)
	for _, p := range positions {
		venueQty[p.Symbol] += p.Quantity
		if p.Quantity != 0 {
			venuePos[p.Symbol] = p
		}
	}

	symbols := make(map[string]struct{}, len(ledgerQty)+len(venueQty))
	for s := range ledgerQty {
		symbols[s] = struct{}{}
	}
	for s := range venueQty {
		symbols[s] = struct{}{}
	}
	ordered := make([]string, 0, len(symbols))
	for s := range symbols {
		ordered = append(ordered, s)
	}
	sort.Strings(ordered)

	for _, symbol := range ordered {
		report.Checked++
		if ledgerQty[symbol] == venueQty[symbol] {
			continue
		}
		m.reconcileSymbol(ctx, symbol, venuePos[symbol], venueQty[symbol], asOf, &report)
	}

	open, err := m.ledger.CountByStatus(ctx, models.TradeOpen)
	if err != nil {
		return report, fmt.Errorf("counting open trades: %w", err)
	}
	m.risk.ResyncOpenPositions(ctx, open)
	metrics.OpenPositions.Set(float64(open))
	report.OpenTrades = open

	m.logger.Info().
		Int("checked", report.Checked).
		Int("mismatches", len(report.Mismatches)).
		Int("flattened", report.Flattened).
		Int("closed_missing", report.ClosedMissing).
		Int("expired", report.Expired).
		Int("open", open).
		Msg("Reconciliation complete")
	return report, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// reconcileSymbol re-reads the ledger for one drifting symbol under its
// lock and applies the correction.
func (m *Manager) reconcileSymbol(ctx context.Context, symbol string, pos models.Position, vq int, asOf time.Time, report *ReconcileReport) {
	unlock := m.lockSymbol(symbol)
	defer unlock()

	active, err := m.ledger.FindTrades(ctx, store.TradeFilter{Symbol: symbol, Statuses: store.ActiveStatuses})
	if err != nil {
		m.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to re-read ledger for reconciliation")
		return
	}
	lq := 0
	for _, t := range active {
		if t.Status == models.TradePending {
			m.logger.Debug().Str("symbol", symbol).Str("trade_id", t.ID).Msg("Entry in flight, skipping reconciliation")
			return
		}
		lq += t.SignedQuantity()
	}
	if lq == vq {
		return
	}
	if m.flattenInFlight(ctx, symbol) {
		m.logger.Info().Str("symbol", symbol).Msg("Emergency flatten still working, skipping")
		return
	}

	mismatch := &apperrors.ReconciliationError{Symbol: symbol, LedgerQty: lq, BrokerQty: vq}
	report.Mismatches = append(report.Mismatches, mismatch)
	metrics.ReconcileMismatches.Inc()
	m.critical(ctx, notify.AlertReconcileMismatch, symbol, mismatch.Error())

	switch {
	case lq == 0:
		if err := m.flatten(ctx, pos, vq); err != nil {
			m.logger.Error().Err(err).Str("symbol", symbol).Msg("Emergency flatten failed")
			return
		}
		report.Flattened++
	case vq == 0:
		n, err := m.closeMissing(ctx, active, asOf)
		if err != nil {
			m.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to close out missing position")
		}
		report.ClosedMissing += n
	case (lq > 0) == (vq > 0) && abs(vq) > abs(lq):
		if err := m.flatten(ctx, pos, vq-lq); err != nil {
			m.logger.Error().Err(err).Str("symbol", symbol).Msg("Emergency flatten of excess failed")
			return
		}
		report.Flattened++
	default:
		// Venue holds less than the ledger, or the other side. Nothing
		// automatic is safe.
		m.logger.Warn().Str("symbol", symbol).Int("ledger", lq).Int("venue", vq).Msg("Mismatch left for operator")
	}
}

// flatten sends an opposite market order for qty of the venue position.
func (m *Manager) flatten(ctx context.Context, pos models.Position, qty int) error {
	side := models.OrderSideSell
	if qty < 0 {
		side = models.OrderSideBuy
	}
	product := pos.Product
	if product == "" {
		product = m.cfg.DefaultProduct
	}
	order, err := m.broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   pos.Symbol,
		Exchange: pos.Exchange,
		Side:     side,
		Type:     models.OrderTypeMarket,
		Product:  product,
		Quantity: abs(qty),
		Price:    pos.LTP,
	})
	if err != nil {
		metrics.Orders.WithLabelValues("flatten", "error").Inc()
		return err
	}
	metrics.Orders.WithLabelValues("flatten", "placed").Inc()
	if !order.Status.Terminal() {
		m.monMu.Lock()
		m.flattening[pos.Symbol] = order.ID
		m.monMu.Unlock()
	}
	m.critical(ctx, notify.AlertEmergencyExit, pos.Symbol,
		fmt.Sprintf("emergency flatten %s %d via order %s", side, abs(qty), order.ID))
	return nil
}

// flattenInFlight reports whether an earlier flatten order for symbol is
// still working at the venue.
func (m *Manager) flattenInFlight(ctx context.Context, symbol string) bool {
	m.monMu.Lock()
	orderID, ok := m.flattening[symbol]
	m.monMu.Unlock()
	if !ok {
		return false
	}
	order, err := m.broker.GetOrderStatus(ctx, orderID)
	if err == nil && order.Status.Terminal() {
		m.monMu.Lock()
		delete(m.flattening, symbol)
		m.monMu.Unlock()
		return false
	}
	return true
}

// closeMissing marks OPEN trades CLOSED when the venue holds no position.
// Trades opened after the venue snapshot are left alone. The exit price is
// unknown; P&L is recorded as zero.
func (m *Manager) closeMissing(ctx context.Context, trades []models.Trade, asOf time.Time) (int, error) {
	now := m.clock()
	closed := 0
	var errs []error
	for i := range trades {
		t := trades[i]
		if t.Status != models.TradeOpen || (t.EntryTime != nil && t.EntryTime.After(asOf)) {
			continue
		}
		t.Status = models.TradeClosed
		t.ExitReason = "RECONCILED_MISSING"
		t.ExitTime = &now
		t.PnL, t.Charges, t.NetPnL = 0, 0, 0
		t.Notes = "closed at the venue without a ledger exit; P&L unknown"
		if err := m.ledger.UpdateTrade(ctx, &t, models.TradeOpen); err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
	}
	return closed, errors.Join(errs...)
}

// ExpirePending resolves PENDING trades no monitor is watching, for
// example after a monitor timeout or a restart. A filled entry goes
// through the normal fill path; a dead one is closed out.
func (m *Manager) ExpirePending(ctx context.Context) (int, error) {
	pending, err := m.ledger.FindTrades(ctx, store.TradeFilter{Statuses: []models.TradeStatus{models.TradePending}})
	if err != nil {
		return 0, fmt.Errorf("reading pending trades: %w", err)
	}

	resolved := 0
	var errs []error
	for i := range pending {
		t := pending[i]
		if m.isMonitored(t.ID) {
			continue
		}
		logger := logging.WithTradeID(logging.WithSymbol(m.logger, t.Symbol), t.ID)

		if t.EntryOrderID == "" {
			t.Status = models.TradeCancelled
			t.Notes = "no venue order recorded"
			if err := m.ledger.UpdateTrade(ctx, &t, models.TradePending); err != nil {
				errs = append(errs, err)
				continue
			}
			resolved++
			continue
		}

		order, err := m.broker.GetOrderStatus(ctx, t.EntryOrderID)
		if err != nil {
			errs = append(errs, fmt.Errorf("trade %s: %w", t.ID, err))
			continue
		}
		if m.applyEntryStatus(ctx, &t, order, logger) {
			resolved++
		}
	}
	return resolved, errors.Join(errs...)
}

// FlattenIntraday closes every OPEN MIS trade with reason EOD_FLATTEN.
func (m *Manager) FlattenIntraday(ctx context.Context) (int, error) {
	trades, err := m.ledger.FindTrades(ctx, store.TradeFilter{
		Statuses: []models.TradeStatus{models.TradeOpen},
		Product:  models.ProductMIS,
	})
	if err != nil {
		return 0, fmt.Errorf("reading intraday trades: %w", err)
	}
	closed := 0
	var errs []error
	for _, t := range trades {
		if _, err := m.ClosePosition(ctx, t.ID, "EOD_FLATTEN", 0); err != nil {
			errs = append(errs, fmt.Errorf("trade %s: %w", t.ID, err))
			continue
		}
		closed++
	}
	if closed > 0 {
		m.logger.Info().Int("closed", closed).Msg("Intraday positions flattened")
	}
	return closed, errors.Join(errs...)
}

// SyncBrokerPositions imports venue positions that have no active ledger
// trade as OPEN trades with a 2% stop and a 3% target.
func (m *Manager) SyncBrokerPositions(ctx context.Context) (int, error) {
	positions, err := m.broker.GetPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading venue positions: %w", err)
	}

	now := m.clock()
	imported := 0
	var errs []error
	for _, p := range positions {
		if p.Quantity == 0 || p.AveragePrice <= 0 {
			continue
		}
		active, err := m.ledger.FindTrades(ctx, store.TradeFilter{Symbol: p.Symbol, Statuses: store.ActiveStatuses, Limit: 1})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(active) > 0 {
			if active[0].SignedQuantity() != p.Quantity {
				m.logger.Warn().
					Str("symbol", p.Symbol).
					Int("ledger", active[0].SignedQuantity()).
					Int("venue", p.Quantity).
					Msg("Venue quantity differs from ledger, left for reconciliation")
			}
			continue
		}

		t := importedTrade(p, m.cfg.DefaultProduct, now)
		if err := m.ledger.CreateTrade(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("importing %s: %w", p.Symbol, err))
			continue
		}
		imported++
		m.logger.Info().
			Str("symbol", t.Symbol).
			Str("direction", string(t.Direction)).
			Int("qty", t.Quantity).
			Float64("avg", t.EntryPrice).
			Msg("Imported venue position")
	}

	if imported > 0 {
		if open, err := m.ledger.CountByStatus(ctx, models.TradeOpen); err == nil {
			m.risk.ResyncOpenPositions(ctx, open)
			metrics.OpenPositions.Set(float64(open))
		}
	}
	return imported, errors.Join(errs...)
}

func importedTrade(p models.Position, defProduct models.ProductType, now time.Time) *models.Trade {
	dir := models.Long
	stopMult, targetMult := 0.98, 1.03
	if p.Quantity < 0 {
		dir = models.Short
		stopMult, targetMult = 1.02, 0.97
	}
	product := p.Product
	if product == "" {
		product = defProduct
	}
	exchange := p.Exchange
	if exchange == "" {
		exchange = models.NSE
	}
	qty := abs(p.Quantity)
	const strategy = "broker_sync"
	return &models.Trade{
		ID:             ulid.Make().String(),
		Symbol:         p.Symbol,
		Exchange:       exchange,
		Strategy:       strategy,
		Product:        product,
		Direction:      dir,
		Bucket:         capital.BucketFor(strategy, product),
		Sector:         capital.SectorOf(p.Symbol, nil),
		RequestedPrice: p.AveragePrice,
		EntryPrice:     p.AveragePrice,
		Quantity:       qty,
		StopLoss:       p.AveragePrice * stopMult,
		Target:         p.AveragePrice * targetMult,
		RiskAmount:     float64(qty) * p.AveragePrice * 0.02,
		Status:         models.TradeOpen,
		EntryOrderID:   "SYNC_" + p.Symbol,
		Notes:          "imported from venue positions",
		EntryTime:      &now,
		CreatedAt:      now,
	}
}

// Run drives the periodic work until ctx ends: reconciliation every
// ReconcileInterval and the intraday flatten once per day when the session
// says so.
func (m *Manager) Run(ctx context.Context) error {
	reconcile := time.NewTicker(m.cfg.ReconcileInterval)
	defer reconcile.Stop()
	watch := time.NewTicker(time.Minute)
	defer watch.Stop()

	var flattenedOn time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconcile.C:
			m.RefreshCapital(ctx)
			if _, err := m.Reconcile(ctx); err != nil {
				m.logger.Error().Err(err).Msg("Reconciliation failed")
			}
			if _, err := m.GetRiskMetrics(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to refresh risk metrics")
			}
		case <-watch.C:
			now := m.clock()
			if m.hours == nil || !m.hours.ShouldFlatten(now) {
				continue
			}
			day := session.StartOfDay(now)
			if day.Equal(flattenedOn) {
				continue
			}
			if _, err := m.FlattenIntraday(ctx); err != nil {
				m.logger.Error().Err(err).Msg("Intraday flatten incomplete")
				continue
			}
			flattenedOn = day
		}
	}
}
