// Package store provides the persistent trade ledger.
package store

import (
	"context"
	"errors"
	"time"

	"trade-governor/internal/models"
)

// ErrStaleTransition is returned when a guarded update finds the trade in a
// different status than expected. Another writer got there first.
var ErrStaleTransition = errors.New("trade status changed concurrently")

// Ledger is the durable store of trade records and the source of truth for
// exposure. Implementations must give read-after-write consistency.
type Ledger interface {
	// Trades
	CreateTrade(ctx context.Context, trade *models.Trade) error
	GetTrade(ctx context.Context, id string) (*models.Trade, error)
	UpdateTrade(ctx context.Context, trade *models.Trade, expected models.TradeStatus) error
	FindTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error)
	LatestTrade(ctx context.Context, symbol string, status models.TradeStatus) (*models.Trade, error)
	HasActiveTrade(ctx context.Context, symbol string) (bool, error)
	CountByStatus(ctx context.Context, status models.TradeStatus) (int, error)

	// Aggregates over OPEN and PENDING trades
	TotalExposure(ctx context.Context) (float64, error)
	ExposureByBucket(ctx context.Context) (map[models.Bucket]float64, error)
	ExposureBySector(ctx context.Context) (map[string]float64, error)

	// Aggregates over OPEN trades
	NetQuantityBySymbol(ctx context.Context) (map[string]int, error)

	// RealizedLossSince returns the magnitude of losses on trades closed at
	// or after since.
	RealizedLossSince(ctx context.Context, since time.Time) (float64, error)
	RealizedPnLSince(ctx context.Context, since time.Time) (float64, error)
	// ClosedNetPnL returns net P&L of every closed trade in exit order.
	ClosedNetPnL(ctx context.Context) ([]float64, error)

	// Events
	RecordEvent(ctx context.Context, event *models.SystemEvent) error
	ListEvents(ctx context.Context, kind string, limit int) ([]models.SystemEvent, error)

	// Lifecycle
	Close() error
}

// TradeFilter represents filters for querying trades.
type TradeFilter struct {
	Symbol      string
	Statuses    []models.TradeStatus
	Product     models.ProductType
	Strategy    string
	ClosedSince time.Time
	Limit       int
}

// ActiveStatuses are the statuses that count toward exposure and the
// one-active-trade-per-symbol rule.
var ActiveStatuses = []models.TradeStatus{models.TradePending, models.TradeOpen}
