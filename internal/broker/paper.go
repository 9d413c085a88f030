package broker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	apperrors "trade-governor/internal/errors"
	"trade-governor/internal/models"
)

// PaperBroker simulates a venue in memory. Market orders fill immediately
// at the last known price, marketable limits fill at the limit, and stop
// orders wait in TRIGGER PENDING until UpdatePrice crosses the trigger.
type PaperBroker struct {
	// Optional live source for quotes
	dataBroker Broker
	now        func() time.Time

	mu        sync.RWMutex
	cash      float64
	positions map[string]*models.Position
	orders    map[string]*models.Order
	prices    map[string]float64
}

// PaperBrokerConfig holds configuration for paper broker.
type PaperBrokerConfig struct {
	DataBroker     Broker
	InitialBalance float64
	Now            func() time.Time
}

var _ Broker = (*PaperBroker)(nil)

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperBrokerConfig) *PaperBroker {
	balance := cfg.InitialBalance
	if balance == 0 {
		balance = 100000
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &PaperBroker{
		dataBroker: cfg.DataBroker,
		now:        now,
		cash:       balance,
		positions:  make(map[string]*models.Position),
		orders:     make(map[string]*models.Order),
		prices:     make(map[string]float64),
	}
}

// Name returns the venue name.
func (p *PaperBroker) Name() string { return "paper" }

// Connect is a no-op for paper trading.
func (p *PaperBroker) Connect(ctx context.Context) error { return nil }

// UpdatePrice sets the last traded price and fires any stop orders it
// crosses.
func (p *PaperBroker) UpdatePrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price

	for _, o := range p.orders {
		if o.Symbol != symbol || o.Status.Terminal() {
			continue
		}
		switch o.Type {
		case models.OrderTypeStopLossM, models.OrderTypeStopLoss:
			hit := (o.Side == models.OrderSideSell && price <= o.TriggerPrice) ||
				(o.Side == models.OrderSideBuy && price >= o.TriggerPrice)
			if hit {
				p.fill(o, price)
			}
		case models.OrderTypeLimit:
			if p.marketable(o.Side, o.Price, price) {
				p.fill(o, o.Price)
			}
		}
	}
}

func (p *PaperBroker) marketable(side models.OrderSide, limit, ltp float64) bool {
	if ltp == 0 {
		return true
	}
	if side == models.OrderSideBuy {
		return ltp <= limit
	}
	return ltp >= limit
}

// lastPrice must be called without mu held.
func (p *PaperBroker) lastPrice(ctx context.Context, exchange models.Exchange, symbol string) float64 {
	p.mu.RLock()
	price := p.prices[symbol]
	p.mu.RUnlock()
	if price > 0 || p.dataBroker == nil {
		return price
	}
	q, err := p.dataBroker.GetQuote(ctx, instrumentKey(exchange, symbol))
	if err != nil {
		return 0
	}
	p.mu.Lock()
	p.prices[symbol] = q.LTP
	p.mu.Unlock()
	return q.LTP
}

// PlaceOrder simulates order placement.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, apperrors.NewBrokerRejectedError("", req.Symbol, err.Error())
	}

	ltp := p.lastPrice(ctx, req.Exchange, req.Symbol)

	p.mu.Lock()
	defer p.mu.Unlock()

	order := &models.Order{
		ID:           "PAPER-" + ulid.Make().String(),
		Symbol:       req.Symbol,
		Exchange:     req.Exchange,
		Side:         req.Side,
		Type:         req.Type,
		Product:      req.Product,
		Quantity:     req.Quantity,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Validity:     req.Validity,
		Tag:          req.Tag,
		Status:       models.OrderStatusOpen,
		PlacedAt:     p.now(),
	}

	var execPrice float64
	switch req.Type {
	case models.OrderTypeMarket:
		execPrice = ltp
		if execPrice == 0 {
			execPrice = req.Price
		}
		if execPrice == 0 {
			return nil, apperrors.NewBrokerRejectedError("", req.Symbol, "No market price available for "+req.Symbol)
		}
	case models.OrderTypeLimit:
		if p.marketable(req.Side, req.Price, ltp) {
			execPrice = req.Price
		}
	case models.OrderTypeStopLoss, models.OrderTypeStopLossM:
		order.Status = models.OrderStatusTriggerPending
	}

	if execPrice > 0 && req.Side == models.OrderSideBuy && p.opensExposure(req) {
		need := execPrice * float64(req.Quantity)
		if p.cash < need {
			return nil, apperrors.NewBrokerRejectedError("", req.Symbol,
				fmt.Sprintf("Insufficient funds. Required margin is %.2f but available margin is %.2f", need, p.cash))
		}
	}

	p.orders[order.ID] = order
	if execPrice > 0 {
		p.fill(order, execPrice)
	}

	out := *order
	return &out, nil
}

// opensExposure reports whether a buy adds to a long rather than covering
// a short. Must be called with mu held.
func (p *PaperBroker) opensExposure(req OrderRequest) bool {
	pos, ok := p.positions[positionKey(req.Symbol, req.Product)]
	return !ok || pos.Quantity >= 0
}

// fill must be called with mu held.
func (p *PaperBroker) fill(o *models.Order, price float64) {
	o.Status = models.OrderStatusComplete
	o.FilledQty = o.Quantity
	o.AveragePrice = price
	o.Message = "Paper fill"

	value := price * float64(o.Quantity)
	if o.Side == models.OrderSideBuy {
		p.cash -= value
	} else {
		p.cash += value
	}
	p.applyFill(o.Symbol, o.Exchange, o.Product, o.Side, o.Quantity, price)
}

func positionKey(symbol string, product models.ProductType) string {
	return symbol + ":" + string(product)
}

// applyFill must be called with mu held.
func (p *PaperBroker) applyFill(symbol string, exchange models.Exchange, product models.ProductType, side models.OrderSide, qty int, price float64) {
	key := positionKey(symbol, product)
	pos, ok := p.positions[key]
	if !ok {
		pos = &models.Position{Symbol: symbol, Exchange: exchange, Product: product, Multiplier: 1}
		p.positions[key] = pos
	}

	delta := qty
	if side == models.OrderSideSell {
		delta = -qty
	}
	prev := pos.Quantity
	next := prev + delta

	switch {
	case next == 0:
		delete(p.positions, key)
		return
	case prev == 0 || (prev > 0) != (next > 0):
		// new position or flipped through zero
		pos.AveragePrice = price
	case (prev > 0) == (delta > 0):
		// adding to the same side
		pos.AveragePrice = (pos.AveragePrice*math.Abs(float64(prev)) + price*float64(qty)) / math.Abs(float64(next))
	}
	pos.Quantity = next
	pos.LTP = price
}

// ModifyOrder simulates order modification.
func (p *PaperBroker) ModifyOrder(ctx context.Context, orderID string, req OrderRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("order not found: %s", orderID)
	}
	if o.Status.Terminal() {
		return apperrors.NewBrokerRejectedError(orderID, o.Symbol, fmt.Sprintf("cannot modify order with status %s", o.Status))
	}
	if req.Quantity > 0 {
		o.Quantity = req.Quantity
	}
	o.Price = req.Price
	o.TriggerPrice = req.TriggerPrice
	return nil
}

// CancelOrder simulates order cancellation.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("order not found: %s", orderID)
	}
	if o.Status.Terminal() {
		return apperrors.NewBrokerRejectedError(orderID, o.Symbol, fmt.Sprintf("cannot cancel order with status %s", o.Status))
	}
	o.Status = models.OrderStatusCancelled
	return nil
}

// GetOrderStatus returns the latest state of one order.
func (p *PaperBroker) GetOrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	o, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order not found: %s", orderID)
	}
	out := *o
	return &out, nil
}

// GetOrders returns all paper orders.
func (p *PaperBroker) GetOrders(ctx context.Context) ([]models.Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	orders := make([]models.Order, 0, len(p.orders))
	for _, o := range p.orders {
		orders = append(orders, *o)
	}
	return orders, nil
}

// GetPositions returns simulated positions marked to the last price.
func (p *PaperBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	positions := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out := *pos
		if price := p.prices[pos.Symbol]; price > 0 {
			out.LTP = price
		}
		out.Value = out.LTP * float64(out.Quantity)
		out.PnL = (out.LTP - out.AveragePrice) * float64(out.Quantity)
		if out.AveragePrice > 0 {
			out.PnLPercent = (out.LTP - out.AveragePrice) / out.AveragePrice * 100
		}
		positions = append(positions, out)
	}
	return positions, nil
}

// GetMargins returns simulated margins. Total is cash plus marked
// position value.
func (p *PaperBroker) GetMargins(ctx context.Context) (*models.Margins, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var used, marked float64
	for _, pos := range p.positions {
		price := pos.LTP
		if ltp := p.prices[pos.Symbol]; ltp > 0 {
			price = ltp
		}
		used += math.Abs(pos.AveragePrice * float64(pos.Quantity))
		marked += price * float64(pos.Quantity)
	}
	return &models.Margins{
		Available: p.cash,
		Used:      used,
		Total:     p.cash + marked,
	}, nil
}

// GetQuote returns the last known price, or the data broker's quote.
func (p *PaperBroker) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	p.mu.RLock()
	price, ok := p.prices[symbol]
	p.mu.RUnlock()
	if ok && price > 0 {
		return &models.Quote{Symbol: symbol, LTP: price, Timestamp: p.now()}, nil
	}
	if p.dataBroker != nil {
		q, err := p.dataBroker.GetQuote(ctx, instrumentKey(models.NSE, symbol))
		if err != nil {
			return nil, err
		}
		p.UpdatePrice(symbol, q.LTP)
		return q, nil
	}
	return nil, fmt.Errorf("no price for %s", symbol)
}
