package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
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

// Rejection messages containing any of these block a new attempt on the
// same symbol for the rest of the day.
var nonRetryable = []string{
	"invalid symbol",
	"market closed",
	"not allowed",
	"circuit breaker",
	"banned",
	"suspended",
	"quantity limit",
	"freeze quantity",
}

// ExecuteSignal runs a signal through the admission pipeline and, if every
// gate approves, places the entry order and starts its fill monitor.
//
// It returns a nil trade and a typed error for every gate rejection, a
// REJECTED trade and a BrokerRejectedError when the venue refuses the
// order, and a PENDING trade on success.
func (m *Manager) ExecuteSignal(ctx context.Context, sig models.Signal, strategy string) (trade *models.Trade, err error) {
	sig = m.normalize(sig, strategy)

	ctx, span := trace.StartSpan(ctx, "execution.ExecuteSignal",
		attribute.String("symbol", sig.Symbol),
		attribute.String("strategy", sig.Strategy),
		attribute.String("direction", string(sig.Direction)),
	)
	defer func() {
		trace.End(span, err)
		metrics.Signals.WithLabelValues(outcome(err)).Inc()
	}()

	if err := validateSignal(sig); err != nil {
		return nil, err
	}
	logger := logging.WithSymbol(logging.WithSpan(ctx, m.logger), sig.Symbol)

	if m.hours != nil {
		if ok, reason := m.hours.CanPlaceEntry(m.clock()); !ok {
			return nil, m.reject(logger, apperrors.ComponentSession, sig.Symbol, reason)
		}
	}

	unlock := m.lockSymbol(sig.Symbol)
	defer unlock()

	if err := m.checkDuplicate(ctx, sig.Symbol, logger); err != nil {
		return nil, err
	}

	affordable, err := m.analyzeRejection(ctx, sig, logger)
	if err != nil {
		return nil, err
	}

	proposed := sig.Quantity
	if affordable > 0 {
		proposed = affordable
	}
	if proposed <= 0 {
		proposed = max(1, int(m.risk.Limits().MaxPerTradeRisk/sig.StopDistance()))
	}
	if sig.Quantity <= 0 || affordable > 0 {
		// derived sizes stay inside the layer allocation
		if layerMax := m.gov.LayerMaxPositionSize(m.cfg.Layer, sig.Entry); layerMax > 0 {
			proposed = min(proposed, layerMax)
		}
	}

	if res, cm := m.risk.CheckCosts(sig.Symbol, proposed, sig.Entry, sig.StopLoss, sig.Target); !res.Approved {
		logging.LogRejection(logger, apperrors.ComponentCost, sig.Symbol, res.Reason)
		metrics.Rejections.WithLabelValues(apperrors.ComponentCost).Inc()
		return nil, apperrors.NewCostFilterError(res.Reason, cm.CostRatioPct)
	}

	m.admission.Lock()
	trade, err = m.admit(ctx, sig, proposed, affordable, logger)
	if err != nil {
		m.admission.Unlock()
		return nil, err
	}
	m.ledger.reserve(trade.ID, reservation{bucket: trade.Bucket, sector: trade.Sector, notional: trade.Notional()})
	m.admission.Unlock()
	defer m.ledger.release(trade.ID)

	return m.placeEntry(ctx, trade, logger)
}

func (m *Manager) normalize(sig models.Signal, strategy string) models.Signal {
	sig.Symbol = strings.ToUpper(strings.TrimSpace(sig.Symbol))
	if strategy != "" {
		sig.Strategy = strategy
	}
	if sig.Strategy == "" {
		sig.Strategy = "manual"
	}
	if sig.Exchange == "" {
		sig.Exchange = m.cfg.Exchange
	}
	if sig.Direction == "" {
		sig.Direction = models.Long
	}
	sig.Product = models.ParseProduct(string(sig.Product), m.cfg.DefaultProduct)
	return sig
}

func validateSignal(sig models.Signal) error {
	switch {
	case sig.Symbol == "":
		return apperrors.NewValidationError("symbol", sig.Symbol, "symbol is required")
	case sig.Entry <= 0:
		return apperrors.NewValidationError("entry", sig.Entry, "entry price must be positive")
	case sig.StopLoss <= 0:
		return apperrors.NewValidationError("stop_loss", sig.StopLoss, "stop loss must be positive")
	case sig.Quantity < 0:
		return apperrors.NewValidationError("quantity", sig.Quantity, "quantity cannot be negative")
	case sig.Direction != models.Long && sig.Direction != models.Short:
		return apperrors.NewValidationError("direction", sig.Direction, "direction must be LONG or SHORT")
	case sig.StopDistance() == 0:
		return apperrors.NewValidationError("stop_loss", sig.StopLoss, "stop loss equals entry")
	}
	return nil
}

func (m *Manager) reject(logger zerolog.Logger, component, symbol, reason string) error {
	logging.LogRejection(logger, component, symbol, reason)
	metrics.Rejections.WithLabelValues(component).Inc()
	return apperrors.NewAdmissionError(component, reason)
}

func (m *Manager) checkDuplicate(ctx context.Context, symbol string, logger zerolog.Logger) error {
	active, err := m.ledger.FindTrades(ctx, store.TradeFilter{Symbol: symbol, Statuses: store.ActiveStatuses, Limit: 1})
	if err != nil {
		return fmt.Errorf("checking active trades for %s: %w", symbol, err)
	}
	if len(active) == 0 {
		return nil
	}
	return m.reject(logger, apperrors.ComponentDuplicate, symbol,
		fmt.Sprintf("Position already exists for %s (ID: %s, Status: %s)", symbol, active[0].ID, active[0].Status))
}

// analyzeRejection looks at today's latest venue rejection for the symbol.
// A funds rejection returns the quantity still affordable; a non-retryable
// one rejects the signal. Zero means no adjustment.
func (m *Manager) analyzeRejection(ctx context.Context, sig models.Signal, logger zerolog.Logger) (int, error) {
	last, err := m.ledger.LatestTrade(ctx, sig.Symbol, models.TradeRejected)
	if err != nil {
		return 0, fmt.Errorf("reading rejection history for %s: %w", sig.Symbol, err)
	}
	if last == nil || last.CreatedAt.Before(session.StartOfDay(m.clock())) {
		return 0, nil
	}

	reason := strings.ToLower(last.Notes)
	if strings.Contains(reason, "insufficient funds") || strings.Contains(reason, "balance") {
		available := m.risk.UpdateAvailableCapital(ctx)
		fromCash := int(available * 0.9 / sig.Entry)
		fromLimit := int(m.risk.MaxCapitalPerTrade() / sig.Entry)
		qty := min(fromCash, fromLimit)
		if qty < 1 {
			return 0, m.reject(logger, apperrors.ComponentRetry, sig.Symbol,
				fmt.Sprintf("Cannot afford even 1 share of %s @ Rs%.2f (available Rs%.2f)", sig.Symbol, sig.Entry, available))
		}
		logger.Info().
			Int("requested", sig.Quantity).
			Int("affordable", qty).
			Float64("available", available).
			Msg("Previous order rejected for funds, quantity adjusted")
		return qty, nil
	}

	for _, kw := range nonRetryable {
		if strings.Contains(reason, kw) {
			return 0, m.reject(logger, apperrors.ComponentRetry, sig.Symbol, "Non-retryable rejection: "+last.Notes)
		}
	}
	logger.Info().Str("previous", last.ID).Str("reason", last.Notes).Msg("Retry allowed after rejection")
	return 0, nil
}

// admit runs governance, capital admission, the risk gate and final sizing.
// It must be called with the admission lock held.
func (m *Manager) admit(ctx context.Context, sig models.Signal, proposed, affordable int, logger zerolog.Logger) (*models.Trade, error) {
	exposure, err := m.ledger.TotalExposure(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading exposure: %w", err)
	}
	if ok, reason := m.gov.CheckTradeApproval(m.cfg.Layer, sig.Symbol, proposed, sig.Entry, exposure); !ok {
		return nil, m.reject(logger, apperrors.ComponentGovernance, sig.Symbol, reason)
	}

	// Capital admission sizes longs off entry - stop. Shorts are sized off
	// the same distance measured the other way.
	stop := sig.StopLoss
	if sig.Direction == models.Short {
		if sig.StopLoss <= sig.Entry {
			return nil, m.reject(logger, apperrors.ComponentCapital, sig.Symbol,
				fmt.Sprintf("Invalid stop loss - stop Rs%.2f must be strictly above entry Rs%.2f for a short", sig.StopLoss, sig.Entry))
		}
		stop = sig.Entry - sig.StopDistance()
	}
	approval, err := m.capital.Approve(ctx, capital.Request{
		Symbol:           sig.Symbol,
		Entry:            sig.Entry,
		StopLoss:         stop,
		Strategy:         sig.Strategy,
		Product:          sig.Product,
		ProposedQuantity: proposed,
	})
	if err != nil {
		return nil, fmt.Errorf("capital admission: %w", err)
	}
	if !approval.Approved {
		return nil, m.reject(logger, apperrors.ComponentCapital, sig.Symbol, approval.Reason)
	}
	admitted := approval.AdjustedQuantity
	if affordable > 0 {
		admitted = min(admitted, affordable)
	}

	verdict, err := m.risk.CheckTrade(ctx, sig.Symbol, admitted, sig.Entry, sig.StopLoss)
	if err != nil {
		return nil, fmt.Errorf("risk gate: %w", err)
	}
	if !verdict.Approved {
		return nil, m.reject(logger, apperrors.ComponentRisk, sig.Symbol, verdict.Reason)
	}

	stopDist := sig.StopDistance()
	riskQty := int(m.risk.Limits().MaxPerTradeRisk / stopDist)
	layerMax := m.gov.LayerMaxPositionSize(m.cfg.Layer, sig.Entry)
	mult := m.gov.PositionSizeMultiplier()
	qty := int(float64(min(riskQty, layerMax)) * mult)
	qty = max(1, min(qty, admitted))

	logger.Info().
		Int("proposed", proposed).
		Int("admitted", admitted).
		Int("risk_qty", riskQty).
		Int("layer_max", layerMax).
		Float64("multiplier", mult).
		Int("final", qty).
		Str("mode", string(approval.RiskMode)).
		Msg("Position sized")

	return &models.Trade{
		ID:             ulid.Make().String(),
		Symbol:         sig.Symbol,
		Exchange:       sig.Exchange,
		Strategy:       sig.Strategy,
		Product:        sig.Product,
		Direction:      sig.Direction,
		Bucket:         approval.Bucket,
		Sector:         approval.Sector,
		RequestedPrice: sig.Entry,
		EntryPrice:     sig.Entry,
		Quantity:       qty,
		StopLoss:       sig.StopLoss,
		Target:         sig.Target,
		RiskAmount:     stopDist * float64(qty),
		Status:         models.TradePending,
		CreatedAt:      m.clock(),
	}, nil
}

// placeEntry sends the entry order and records the outcome in the ledger.
func (m *Manager) placeEntry(ctx context.Context, trade *models.Trade, logger zerolog.Logger) (*models.Trade, error) {
	logger = logging.WithTradeID(logger, trade.ID)
	req := broker.OrderRequest{
		Symbol:   trade.Symbol,
		Exchange: trade.Exchange,
		Side:     trade.Direction.EntrySide(),
		Type:     m.cfg.OrderType,
		Product:  trade.Product,
		Quantity: trade.Quantity,
		Tag:      orderTag(trade.ID),
	}
	if req.Type == models.OrderTypeLimit {
		req.Price = trade.RequestedPrice
	}

	order, err := m.broker.PlaceOrder(ctx, req)
	if err != nil && apperrors.IsBrokerUnavailable(err) {
		// The order may have reached the venue anyway.
		if found := m.findTagged(ctx, req.Tag); found != nil {
			logger.Warn().Err(err).Str("order_id", found.ID).Msg("Entry placement timed out but the venue has the order")
			order, err = found, nil
		}
	}

	// Past this point the venue may hold an order; ledger writes must not
	// be abandoned with the caller's context.
	ctx = context.WithoutCancel(ctx)

	var rejected *apperrors.BrokerRejectedError
	switch {
	case apperrors.As(err, &rejected):
		return m.persistRejected(ctx, trade, rejected.OrderID, rejected.Message, err, logger)
	case err != nil:
		metrics.Orders.WithLabelValues("entry", "error").Inc()
		logger.Error().Err(err).Msg("Entry placement failed")
		return nil, fmt.Errorf("placing entry for %s: %w", trade.Symbol, err)
	case order.Status == models.OrderStatusRejected:
		return m.persistRejected(ctx, trade, order.ID, order.Message,
			apperrors.NewBrokerRejectedError(order.ID, trade.Symbol, order.Message), logger)
	}

	trade.EntryOrderID = order.ID
	if err := m.ledger.CreateTrade(ctx, trade); err != nil {
		return nil, m.compensate(ctx, trade, order.ID, err, logger)
	}

	metrics.Orders.WithLabelValues("entry", "placed").Inc()
	logging.LogOrder(logger, order.ID, trade.Symbol, string(trade.Direction.EntrySide()), string(order.Status))
	logger.Info().
		Int("qty", trade.Quantity).
		Float64("entry", trade.RequestedPrice).
		Float64("stop", trade.StopLoss).
		Str("bucket", string(trade.Bucket)).
		Msg("Entry order placed")

	m.startMonitor(trade)
	out := *trade
	return &out, nil
}

// findTagged looks for an order carrying tag in the venue's order book.
func (m *Manager) findTagged(ctx context.Context, tag string) *models.Order {
	orders, err := m.broker.GetOrders(ctx)
	if err != nil {
		return nil
	}
	for i := range orders {
		if orders[i].Tag == tag {
			return &orders[i]
		}
	}
	return nil
}

func (m *Manager) persistRejected(ctx context.Context, trade *models.Trade, orderID, message string, cause error, logger zerolog.Logger) (*models.Trade, error) {
	metrics.Orders.WithLabelValues("entry", "rejected").Inc()
	trade.Status = models.TradeRejected
	trade.EntryOrderID = orderID
	trade.Notes = message
	if err := m.ledger.CreateTrade(ctx, trade); err != nil {
		logger.Error().Err(err).Msg("Failed to record venue rejection")
	}
	logger.Warn().Str("order_id", orderID).Str("reason", message).Msg("Entry rejected by venue")
	out := *trade
	return &out, cause
}

// compensate handles a ledger failure after the venue accepted the entry:
// the order is cancelled, and if that fails too it is an orphan.
func (m *Manager) compensate(ctx context.Context, trade *models.Trade, orderID string, ledgerErr error, logger zerolog.Logger) error {
	cancelErr := m.broker.CancelOrder(ctx, orderID)
	if cancelErr == nil {
		metrics.Orders.WithLabelValues("entry", "compensated").Inc()
		logging.LogCritical(logger, "ledger_write_failed", "ledger write failed, entry cancelled").
			Err(ledgerErr).
			Str("order_id", orderID).
			Msg("Entry cancelled after ledger failure")
		return &apperrors.LedgerWriteError{OrderID: orderID, Symbol: trade.Symbol, Cancelled: true, Err: ledgerErr}
	}

	metrics.Orders.WithLabelValues("entry", "orphaned").Inc()
	m.critical(ctx, notify.AlertOrphanOrder, trade.Symbol,
		fmt.Sprintf("order %s has no ledger record and could not be cancelled: ledger: %v; cancel: %v", orderID, ledgerErr, cancelErr))
	return &apperrors.OrphanOrderError{OrderID: orderID, Symbol: trade.Symbol, LedgerErr: ledgerErr, CancelErr: cancelErr}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "placed"
	case apperrors.IsAdmissionRejected(err), apperrors.IsCostFilterRejected(err):
		return "rejected"
	case apperrors.IsBrokerRejected(err):
		return "venue_rejected"
	case apperrors.IsBrokerUnavailable(err):
		return "unavailable"
	case apperrors.IsOrphanOrder(err):
		return "orphaned"
	}
	return "error"
}
