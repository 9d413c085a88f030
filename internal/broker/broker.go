// Package broker provides the broker capability interface and its venue
// implementations.
package broker

import (
	"context"
	"fmt"

	"trade-governor/internal/models"
)

// Broker is the capability set the execution core consumes. Every method
// is fallible and latent. A PlaceOrder that fails with an unavailable error
// may still have reached the venue; callers re-query rather than assume.
type Broker interface {
	Name() string

	// Connect establishes or verifies a session.
	Connect(ctx context.Context) error

	// Orders
	PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error)
	ModifyOrder(ctx context.Context, orderID string, req OrderRequest) error
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (*models.Order, error)
	GetOrders(ctx context.Context) ([]models.Order, error)

	// Portfolio
	GetPositions(ctx context.Context) ([]models.Position, error)
	GetMargins(ctx context.Context) (*models.Margins, error)

	// Market data
	GetQuote(ctx context.Context, symbol string) (*models.Quote, error)
}

// OrderRequest is the input to PlaceOrder and ModifyOrder.
type OrderRequest struct {
	Symbol       string
	Exchange     models.Exchange
	Side         models.OrderSide
	Type         models.OrderType
	Product      models.ProductType
	Quantity     int
	Price        float64
	TriggerPrice float64
	Validity     string
	Tag          string
}

// Validate checks the request against venue constraints.
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Side != models.OrderSideBuy && r.Side != models.OrderSideSell {
		return fmt.Errorf("invalid side %q", r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", r.Quantity)
	}
	switch r.Type {
	case models.OrderTypeMarket:
	case models.OrderTypeLimit:
		if r.Price <= 0 {
			return fmt.Errorf("limit order requires a price")
		}
	case models.OrderTypeStopLoss:
		if r.Price <= 0 || r.TriggerPrice <= 0 {
			return fmt.Errorf("SL order requires price and trigger price")
		}
	case models.OrderTypeStopLossM:
		if r.TriggerPrice <= 0 {
			return fmt.Errorf("SL-M order requires a trigger price")
		}
	default:
		return fmt.Errorf("invalid order type %q", r.Type)
	}
	switch r.Product {
	case models.ProductMIS, models.ProductCNC, models.ProductNRML:
	default:
		return fmt.Errorf("invalid product %q", r.Product)
	}
	if r.Validity != "" && r.Validity != "DAY" && r.Validity != "IOC" {
		return fmt.Errorf("invalid validity %q", r.Validity)
	}
	return nil
}

// instrumentKey is the exchange-qualified symbol used by quote endpoints.
func instrumentKey(exchange models.Exchange, symbol string) string {
	if exchange == "" {
		exchange = models.NSE
	}
	return fmt.Sprintf("%s:%s", exchange, symbol)
}
