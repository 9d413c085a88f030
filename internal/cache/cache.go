// Package cache provides the fast counter cache used by the risk gate.
//
// Every value held here is derivable from the ledger. Lost updates are
// tolerated: a miss makes the caller recompute from the ledger.
package cache

import (
	"context"
	"time"
)

// Well-known keys.
const (
	KeyDailyLoss         = "risk:daily_loss"
	KeyOpenPositions     = "risk:open_positions"
	KeyConsecutiveLosses = "risk:consecutive_losses"
	KeyLossPauseUntil    = "risk:loss_pause_until"
	KeyHalted            = "risk:trading_halted"
	KeyHaltReason        = "risk:halt_reason"
	KeyTradeCapitalFmt   = "risk:trade_capital:%s"
)

// Counters is the counter cache capability.
type Counters interface {
	// Get returns the raw value. Missing keys return errors.ErrCacheMiss.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)
	ExpireAt(ctx context.Context, key string, at time.Time) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}
