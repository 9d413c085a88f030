package models

import "time"

// OrderStatus is the venue-reported order status.
type OrderStatus string

const (
	OrderStatusOpen           OrderStatus = "OPEN"
	OrderStatusPending        OrderStatus = "PENDING"
	OrderStatusTriggerPending OrderStatus = "TRIGGER PENDING"
	OrderStatusComplete       OrderStatus = "COMPLETE"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
	OrderStatusRejected       OrderStatus = "REJECTED"
)

// Terminal reports whether the venue will not change the order again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusComplete, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Order represents a trading order.
type Order struct {
	ID           string
	Symbol       string
	Exchange     Exchange
	Side         OrderSide
	Type         OrderType
	Product      ProductType
	Quantity     int
	Price        float64
	TriggerPrice float64
	Validity     string // DAY, IOC
	Tag          string
	Status       OrderStatus
	Message      string
	FilledQty    int
	AveragePrice float64
	PlacedAt     time.Time
}

// Position represents an open trading position at the venue. Quantity is
// signed: negative for short positions.
type Position struct {
	Symbol       string
	Exchange     Exchange
	Product      ProductType
	Quantity     int
	AveragePrice float64
	LTP          float64
	PnL          float64
	PnLPercent   float64
	Value        float64
	Multiplier   int
}

// Margins represents margin details.
type Margins struct {
	Available float64
	Used      float64
	Total     float64
}
