package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "trade-governor/internal/errors"
	"trade-governor/internal/models"
)

func newPaper(balance float64) *PaperBroker {
	fixed := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return NewPaperBroker(PaperBrokerConfig{InitialBalance: balance, Now: func() time.Time { return fixed }})
}

func marketBuy(symbol string, qty int) OrderRequest {
	return OrderRequest{Symbol: symbol, Exchange: models.NSE, Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Product: models.ProductCNC, Quantity: qty}
}

func TestPaperMarketOrderFillsAtLastPrice(t *testing.T) {
	ctx := context.Background()
	p := newPaper(100000)
	p.UpdatePrice("SBIN", 600)

	order, err := p.PlaceOrder(ctx, marketBuy("SBIN", 10))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusComplete, order.Status)
	assert.Equal(t, 10, order.FilledQty)
	assert.InDelta(t, 600, order.AveragePrice, 1e-9)

	positions, err := p.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 10, positions[0].Quantity)

	margins, err := p.GetMargins(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 94000, margins.Available, 1e-9)
	assert.InDelta(t, 100000, margins.Total, 1e-9)

	p.UpdatePrice("SBIN", 610)
	margins, err = p.GetMargins(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100100, margins.Total, 1e-9)
}

func TestPaperMarketOrderWithoutPriceRejected(t *testing.T) {
	p := newPaper(100000)
	_, err := p.PlaceOrder(context.Background(), marketBuy("UNKNOWN", 1))
	assert.True(t, apperrors.IsBrokerRejected(err))
}

func TestPaperInsufficientFunds(t *testing.T) {
	p := newPaper(1000)
	p.UpdatePrice("TCS", 3500)
	_, err := p.PlaceOrder(context.Background(), marketBuy("TCS", 1))
	require.Error(t, err)
	assert.True(t, apperrors.IsBrokerRejected(err))
	assert.Contains(t, err.Error(), "Insufficient funds")
}

func TestPaperStopTriggersOnCross(t *testing.T) {
	ctx := context.Background()
	p := newPaper(100000)
	p.UpdatePrice("INFY", 1500)
	_, err := p.PlaceOrder(ctx, marketBuy("INFY", 5))
	require.NoError(t, err)

	stop, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "INFY", Exchange: models.NSE, Side: models.OrderSideSell,
		Type: models.OrderTypeStopLossM, Product: models.ProductCNC, Quantity: 5, TriggerPrice: 1470,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusTriggerPending, stop.Status)

	p.UpdatePrice("INFY", 1480)
	got, err := p.GetOrderStatus(ctx, stop.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusTriggerPending, got.Status)

	p.UpdatePrice("INFY", 1465)
	got, err = p.GetOrderStatus(ctx, stop.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusComplete, got.Status)
	assert.InDelta(t, 1465, got.AveragePrice, 1e-9)

	positions, err := p.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaperCancelTerminalOrderRejected(t *testing.T) {
	ctx := context.Background()
	p := newPaper(100000)
	p.UpdatePrice("SBIN", 600)

	filled, err := p.PlaceOrder(ctx, marketBuy("SBIN", 1))
	require.NoError(t, err)
	assert.True(t, apperrors.IsBrokerRejected(p.CancelOrder(ctx, filled.ID)))

	resting, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "SBIN", Exchange: models.NSE, Side: models.OrderSideBuy,
		Type: models.OrderTypeLimit, Product: models.ProductCNC, Quantity: 1, Price: 590,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOpen, resting.Status)
	require.NoError(t, p.CancelOrder(ctx, resting.ID))

	got, err := p.GetOrderStatus(ctx, resting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)

	assert.Error(t, p.CancelOrder(ctx, "missing"))
}

func TestPaperShortAveragesAndCovers(t *testing.T) {
	ctx := context.Background()
	p := newPaper(100000)
	p.UpdatePrice("ITC", 450)

	sell := OrderRequest{Symbol: "ITC", Exchange: models.NSE, Side: models.OrderSideSell, Type: models.OrderTypeMarket, Product: models.ProductMIS, Quantity: 10}
	_, err := p.PlaceOrder(ctx, sell)
	require.NoError(t, err)
	p.UpdatePrice("ITC", 460)
	_, err = p.PlaceOrder(ctx, sell)
	require.NoError(t, err)

	positions, err := p.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, -20, positions[0].Quantity)
	assert.InDelta(t, 455, positions[0].AveragePrice, 1e-9)

	cover := sell
	cover.Side = models.OrderSideBuy
	cover.Quantity = 20
	_, err = p.PlaceOrder(ctx, cover)
	require.NoError(t, err)

	positions, err = p.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}
