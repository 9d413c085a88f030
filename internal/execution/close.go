package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"trade-governor/internal/broker"
	apperrors "trade-governor/internal/errors"
	"trade-governor/internal/logging"
	"trade-governor/internal/metrics"
	"trade-governor/internal/models"
	"trade-governor/internal/trace"
)

// ClosePosition exits an OPEN trade at market. exitPrice, when positive, is
// the fallback price used if the venue does not confirm the fill; otherwise
// the last quote is used. The closed trade is returned.
func (m *Manager) ClosePosition(ctx context.Context, tradeID, reason string, exitPrice float64) (closed *models.Trade, err error) {
	ctx, span := trace.StartSpan(ctx, "execution.ClosePosition",
		attribute.String("trade_id", tradeID),
		attribute.String("reason", reason),
	)
	defer func() { trace.End(span, err) }()

	trade, err := m.ledger.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	unlock := m.lockSymbol(trade.Symbol)
	defer unlock()

	// Re-read under the lock; another close may have won.
	trade, err = m.ledger.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status != models.TradeOpen {
		return nil, fmt.Errorf("trade %s is %s, not OPEN: %w", tradeID, trade.Status, apperrors.ErrPositionNotFound)
	}

	logger := logging.WithTradeID(logging.WithSymbol(logging.WithSpan(ctx, m.logger), trade.Symbol), trade.ID)
	ctx = context.WithoutCancel(ctx)

	stopFilled, stopPrice := m.cancelStop(ctx, trade, logger)
	if stopFilled {
		// The stop already took us out; record that instead of exiting twice.
		return m.finishClose(ctx, trade, trade.StopOrderID, stopPrice, "STOP_LOSS", logger)
	}

	fallback := exitPrice
	if fallback <= 0 {
		if q, qerr := m.broker.GetQuote(ctx, trade.Symbol); qerr == nil && q.LTP > 0 {
			fallback = q.LTP
		} else {
			logger.Warn().Err(qerr).Msg("No quote for exit, falling back to entry price")
			fallback = trade.EntryPrice
		}
	}

	order, err := m.broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   trade.Symbol,
		Exchange: trade.Exchange,
		Side:     trade.Direction.ExitSide(),
		Type:     models.OrderTypeMarket,
		Product:  trade.Product,
		Quantity: trade.Quantity,
		// paper venue fill hint; dropped for the live venue
		Price: fallback,
		Tag:   orderTag(trade.ID),
	})
	if err != nil {
		metrics.Orders.WithLabelValues("exit", "error").Inc()
		logging.LogCritical(logger, "exit_failed", "exit order failed").Err(err).Str("reason", reason).Msg("Exit order failed")
		if trade.StopOrderID != "" {
			if serr := m.placeStop(ctx, trade, logger); serr != nil {
				logging.LogCritical(logger, "stop_restore_failed", "unprotected position").Err(serr).Msg("Could not restore stop after failed exit")
			}
		}
		return nil, fmt.Errorf("placing exit for %s: %w", trade.Symbol, err)
	}
	metrics.Orders.WithLabelValues("exit", "placed").Inc()
	logging.LogOrder(logger, order.ID, trade.Symbol, string(order.Side), string(order.Status))

	price := fallback
	if filled := m.awaitFill(ctx, order.ID); filled != nil {
		price = filled.AveragePrice
	} else {
		logger.Warn().Str("order_id", order.ID).Float64("fallback", fallback).Msg("Exit fill not confirmed, using fallback price")
	}

	return m.finishClose(ctx, trade, order.ID, price, reason, logger)
}

// cancelStop cancels the trade's stop order. If the cancel fails because the
// stop already executed, it reports the stop's fill price.
func (m *Manager) cancelStop(ctx context.Context, trade *models.Trade, logger zerolog.Logger) (bool, float64) {
	if trade.StopOrderID == "" {
		return false, 0
	}
	err := m.broker.CancelOrder(ctx, trade.StopOrderID)
	if err == nil {
		metrics.Orders.WithLabelValues("stop", "cancelled").Inc()
		return false, 0
	}
	logger.Warn().Err(err).Str("stop_order_id", trade.StopOrderID).Msg("Failed to cancel stop order, continuing close")

	order, serr := m.broker.GetOrderStatus(ctx, trade.StopOrderID)
	if serr == nil && order.Status == models.OrderStatusComplete && order.AveragePrice > 0 {
		return true, order.AveragePrice
	}
	return false, 0
}

// awaitFill waits CloseFillWait and returns the order if it completed.
func (m *Manager) awaitFill(ctx context.Context, orderID string) *models.Order {
	if m.cfg.CloseFillWait > 0 {
		select {
		case <-time.After(m.cfg.CloseFillWait):
		case <-m.base.Done():
		}
	}
	order, err := m.broker.GetOrderStatus(ctx, orderID)
	if err != nil || order.Status != models.OrderStatusComplete || order.AveragePrice <= 0 {
		return nil
	}
	return order
}

// finishClose books the exit: P&L by direction, charges from the cost
// model, CLOSED in the ledger, then the risk gate, capital equity and
// alerts.
func (m *Manager) finishClose(ctx context.Context, trade *models.Trade, orderID string, price float64, reason string, logger zerolog.Logger) (*models.Trade, error) {
	now := m.clock()
	t := *trade
	t.Status = models.TradeClosed
	t.ExitOrderID = orderID
	t.ExitPrice = price
	t.ExitReason = reason
	t.ExitTime = &now
	t.PnL = (price - t.EntryPrice) * float64(t.SignedQuantity())

	buy, sell := t.EntryPrice, price
	if t.Direction == models.Short {
		buy, sell = price, t.EntryPrice
	}
	t.Charges = m.costs.Calculate(t.Quantity, buy, sell).TotalFloat()
	t.NetPnL = t.PnL - t.Charges

	if err := m.ledger.UpdateTrade(ctx, &t, models.TradeOpen); err != nil {
		logging.LogCritical(logger, "ledger_write_failed", "position exited but ledger not updated").
			Err(err).
			Str("exit_order_id", orderID).
			Float64("exit_price", price).
			Msg("Failed to record exit")
		return nil, fmt.Errorf("recording exit for trade %s: %w", t.ID, err)
	}

	m.risk.RecordExit(ctx, t.ID, t.NetPnL)
	m.addRealized(ctx)

	result := "loss"
	if t.NetPnL > 0 {
		result = "win"
	}
	metrics.TradesClosed.WithLabelValues(result).Inc()
	logger.Info().
		Str("reason", reason).
		Float64("entry", t.EntryPrice).
		Float64("exit", price).
		Float64("pnl", t.PnL).
		Float64("charges", t.Charges).
		Float64("net_pnl", t.NetPnL).
		Msg("Position closed")

	if err := m.notifier.SendTradeClosed(ctx, &t); err != nil {
		logger.Warn().Err(err).Msg("Failed to send trade notification")
	}
	return &t, nil
}
