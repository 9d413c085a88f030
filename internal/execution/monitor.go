package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"trade-governor/internal/broker"
	"trade-governor/internal/logging"
	"trade-governor/internal/metrics"
	"trade-governor/internal/models"
	"trade-governor/internal/notify"
	"trade-governor/internal/store"
)

// startMonitor watches a PENDING trade's entry order until it reaches a
// terminal venue status or the monitor times out.
func (m *Manager) startMonitor(trade *models.Trade) {
	m.monMu.Lock()
	if _, running := m.monitoring[trade.ID]; running {
		m.monMu.Unlock()
		return
	}
	m.monitoring[trade.ID] = struct{}{}
	m.monMu.Unlock()

	t := *trade
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.monMu.Lock()
			delete(m.monitoring, t.ID)
			m.monMu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				logging.LogCritical(m.logger, "monitor_panic", "order monitor crashed").
					Str("trade_id", t.ID).
					Interface("panic", r).
					Msg("Order monitor recovered from panic")
			}
		}()
		m.monitor(&t)
	}()
}

func (m *Manager) isMonitored(tradeID string) bool {
	m.monMu.Lock()
	defer m.monMu.Unlock()
	_, ok := m.monitoring[tradeID]
	return ok
}

func (m *Manager) monitor(trade *models.Trade) {
	ctx, cancel := context.WithTimeout(m.base, m.cfg.MonitorTimeout)
	defer cancel()

	logger := logging.WithOrderID(logging.WithTradeID(logging.WithSymbol(m.logger, trade.Symbol), trade.ID), trade.EntryOrderID)
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				metrics.MonitorTimeouts.Inc()
				m.critical(context.WithoutCancel(ctx), notify.AlertMonitorTimeout, trade.Symbol,
					fmt.Sprintf("entry order %s for trade %s not terminal after %s, left PENDING", trade.EntryOrderID, trade.ID, m.cfg.MonitorTimeout))
			} else {
				logger.Info().Msg("Order monitor stopped, trade left PENDING")
			}
			return
		case <-ticker.C:
		}

		order, err := m.broker.GetOrderStatus(ctx, trade.EntryOrderID)
		if err != nil {
			logger.Warn().Err(err).Msg("Order status check failed")
			continue
		}
		if done := m.applyEntryStatus(context.WithoutCancel(ctx), trade, order, logger); done {
			return
		}
	}
}

// applyEntryStatus moves a PENDING trade according to its entry order and
// reports whether the order reached a terminal status.
func (m *Manager) applyEntryStatus(ctx context.Context, trade *models.Trade, order *models.Order, logger zerolog.Logger) bool {
	switch order.Status {
	case models.OrderStatusComplete:
		m.completeEntry(ctx, trade, order, logger)
		return true
	case models.OrderStatusCancelled, models.OrderStatusRejected:
		next := models.TradeCancelled
		if order.Status == models.OrderStatusRejected {
			next = models.TradeRejected
		}
		t := *trade
		t.Status = next
		if order.Message != "" {
			t.Notes = order.Message
		}
		if err := m.ledger.UpdateTrade(ctx, &t, models.TradePending); err != nil {
			if !errors.Is(err, store.ErrStaleTransition) {
				logger.Error().Err(err).Msg("Failed to record entry outcome")
			}
			return true
		}
		*trade = t
		metrics.Orders.WithLabelValues("entry", string(order.Status)).Inc()
		logging.LogOrder(logger, order.ID, trade.Symbol, string(order.Side), string(order.Status))
		return true
	}
	return false
}

// completeEntry records the fill, counts the entry with the risk gate and
// protects the position with a stop.
func (m *Manager) completeEntry(ctx context.Context, trade *models.Trade, order *models.Order, logger zerolog.Logger) {
	now := m.clock()
	t := *trade
	t.Status = models.TradeOpen
	if order.AveragePrice > 0 {
		t.EntryPrice = order.AveragePrice
	}
	if order.FilledQty > 0 {
		t.Quantity = order.FilledQty
	}
	t.RiskAmount = math.Abs(t.EntryPrice-t.StopLoss) * float64(t.Quantity)
	t.EntryTime = &now

	// PENDING -> OPEN and the open count move together under the admission
	// lock, or a concurrent gate check could count the trade as neither.
	m.admission.Lock()
	err := m.ledger.UpdateTrade(ctx, &t, models.TradePending)
	if err == nil {
		m.risk.RecordEntry(ctx, t.ID, t.Notional())
	}
	m.admission.Unlock()
	if err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			logger.Debug().Msg("Entry fill already recorded")
			return
		}
		logger.Error().Err(err).Msg("Failed to record entry fill")
		return
	}
	*trade = t

	metrics.Orders.WithLabelValues("entry", "filled").Inc()
	metrics.Slippage.Observe(math.Abs(t.EntryPrice-t.RequestedPrice) * float64(t.Quantity))
	logging.LogFill(logger, t.ID, t.Symbol, t.Quantity, t.RequestedPrice, t.EntryPrice)

	if err := m.placeStop(ctx, trade, logger); err != nil {
		m.critical(ctx, notify.AlertEmergencyExit, t.Symbol,
			fmt.Sprintf("stop placement failed for trade %s: %v; exiting at market", t.ID, err))
		if _, cerr := m.ClosePosition(ctx, t.ID, "SL_PLACEMENT_FAILED", 0); cerr != nil {
			logging.LogCritical(logger, "emergency_exit_failed", "unprotected position").
				Err(cerr).
				Msg("Emergency exit failed, position has no stop")
		}
	}
}

// placeStop places the protective SL-M order and records its id.
func (m *Manager) placeStop(ctx context.Context, trade *models.Trade, logger zerolog.Logger) error {
	order, err := m.broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:       trade.Symbol,
		Exchange:     trade.Exchange,
		Side:         trade.Direction.ExitSide(),
		Type:         models.OrderTypeStopLossM,
		Product:      trade.Product,
		Quantity:     trade.Quantity,
		TriggerPrice: trade.StopLoss,
		Tag:          orderTag(trade.ID),
	})
	if err != nil {
		metrics.Orders.WithLabelValues("stop", "error").Inc()
		return err
	}
	if order.Status == models.OrderStatusRejected {
		metrics.Orders.WithLabelValues("stop", "rejected").Inc()
		return fmt.Errorf("stop order %s rejected: %s", order.ID, order.Message)
	}

	t := *trade
	t.StopOrderID = order.ID
	if err := m.ledger.UpdateTrade(ctx, &t, models.TradeOpen); err != nil {
		// The stop is live at the venue; only the ledger pointer is missing.
		logger.Error().Err(err).Str("stop_order_id", order.ID).Msg("Failed to record stop order")
		return nil
	}
	*trade = t

	metrics.Orders.WithLabelValues("stop", "placed").Inc()
	logging.LogOrder(logger, order.ID, trade.Symbol, string(order.Side), string(order.Status))
	return nil
}
