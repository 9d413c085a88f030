package execution

import (
	"context"
	"sync"

	"trade-governor/internal/models"
	"trade-governor/internal/store"
)

// reservation is notional that has passed admission but has no ledger row
// yet.
type reservation struct {
	bucket   models.Bucket
	sector   string
	notional float64
}

// ExposureView is the ledger as seen by the admission gates: persisted
// PENDING and OPEN rows plus in-flight reservations.
type ExposureView struct {
	store.Ledger

	mu       sync.Mutex
	reserved map[string]reservation
}

// NewExposureView wraps a ledger.
func NewExposureView(ledger store.Ledger) *ExposureView {
	return &ExposureView{Ledger: ledger, reserved: make(map[string]reservation)}
}

func (v *ExposureView) reserve(tradeID string, r reservation) {
	v.mu.Lock()
	v.reserved[tradeID] = r
	v.mu.Unlock()
}

func (v *ExposureView) release(tradeID string) {
	v.mu.Lock()
	delete(v.reserved, tradeID)
	v.mu.Unlock()
}

// Reserved returns the in-flight notional.
func (v *ExposureView) Reserved() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	total := 0.0
	for _, r := range v.reserved {
		total += r.notional
	}
	return total
}

// CountByStatus counts reservations as PENDING.
func (v *ExposureView) CountByStatus(ctx context.Context, status models.TradeStatus) (int, error) {
	n, err := v.Ledger.CountByStatus(ctx, status)
	if err != nil || status != models.TradePending {
		return n, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return n + len(v.reserved), nil
}

// TotalExposure is ledger exposure plus reservations.
func (v *ExposureView) TotalExposure(ctx context.Context) (float64, error) {
	total, err := v.Ledger.TotalExposure(ctx)
	if err != nil {
		return 0, err
	}
	return total + v.Reserved(), nil
}

// ExposureByBucket is ledger bucket exposure plus reservations.
func (v *ExposureView) ExposureByBucket(ctx context.Context) (map[models.Bucket]float64, error) {
	out, err := v.Ledger.ExposureByBucket(ctx)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = make(map[models.Bucket]float64)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range v.reserved {
		out[r.bucket] += r.notional
	}
	return out, nil
}

// ExposureBySector is ledger sector exposure plus reservations.
func (v *ExposureView) ExposureBySector(ctx context.Context) (map[string]float64, error) {
	out, err := v.Ledger.ExposureBySector(ctx)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = make(map[string]float64)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range v.reserved {
		out[r.sector] += r.notional
	}
	return out, nil
}
