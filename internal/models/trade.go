package models

import "time"

// TradeStatus is the ledger lifecycle state of a trade.
type TradeStatus string

const (
	TradePending   TradeStatus = "PENDING"
	TradeOpen      TradeStatus = "OPEN"
	TradeClosed    TradeStatus = "CLOSED"
	TradeCancelled TradeStatus = "CANCELLED"
	TradeRejected  TradeStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed.
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeClosed, TradeCancelled, TradeRejected:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows s -> next.
func (s TradeStatus) CanTransition(next TradeStatus) bool {
	switch s {
	case TradePending:
		return next == TradeOpen || next == TradeCancelled || next == TradeRejected || next == TradeClosed
	case TradeOpen:
		return next == TradeClosed
	}
	return false
}

// Direction is the position direction of a trade.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// EntrySide returns the order side that opens a position in direction d.
func (d Direction) EntrySide() OrderSide {
	if d == Short {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide returns the order side that closes a position in direction d.
func (d Direction) ExitSide() OrderSide {
	return d.EntrySide().Opposite()
}

// Sign is +1 for long and -1 for short.
func (d Direction) Sign() int {
	if d == Short {
		return -1
	}
	return 1
}

// Trade is one ledger row per position attempt.
type Trade struct {
	ID             string
	Symbol         string
	Exchange       Exchange
	Strategy       string
	Product        ProductType
	Direction      Direction
	Bucket         Bucket
	Sector         string
	RequestedPrice float64
	EntryPrice     float64
	Quantity       int
	StopLoss       float64
	Target         float64
	RiskAmount     float64
	Status         TradeStatus
	EntryOrderID   string
	StopOrderID    string
	ExitOrderID    string
	ExitPrice      float64
	ExitReason     string
	PnL            float64
	Charges        float64
	NetPnL         float64
	Notes          string
	EntryTime      *time.Time
	ExitTime       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Notional returns entry price times quantity.
func (t *Trade) Notional() float64 {
	return t.EntryPrice * float64(t.Quantity)
}

// SignedQuantity returns quantity signed by direction.
func (t *Trade) SignedQuantity() int {
	return t.Direction.Sign() * t.Quantity
}

// Signal is a trade request from a signal generator.
type Signal struct {
	Symbol    string      `yaml:"symbol" json:"symbol"`
	Exchange  Exchange    `yaml:"exchange" json:"exchange,omitempty"`
	Direction Direction   `yaml:"direction" json:"direction"`
	Entry     float64     `yaml:"entry" json:"entry"`
	StopLoss  float64     `yaml:"stop_loss" json:"stop_loss"`
	Target    float64     `yaml:"target" json:"target,omitempty"`
	Quantity  int         `yaml:"quantity" json:"quantity,omitempty"`
	Product   ProductType `yaml:"product" json:"product,omitempty"`
	Strategy  string      `yaml:"strategy" json:"strategy,omitempty"`
}

// StopDistance returns |entry - stop|.
func (s Signal) StopDistance() float64 {
	d := s.Entry - s.StopLoss
	if d < 0 {
		return -d
	}
	return d
}
