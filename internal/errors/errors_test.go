package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	adm := Wrap(NewAdmissionError(ComponentCapital, "HALTED: drawdown 12.00%"), "execute signal")
	assert.True(t, IsAdmissionRejected(adm))
	assert.False(t, IsCostFilterRejected(adm))

	cost := fmt.Errorf("signal: %w", NewCostFilterError("Net profit negative", 140))
	assert.True(t, IsCostFilterRejected(cost))

	rej := Wrapf(NewBrokerRejectedError("X1", "SBIN", "RMS: margin exceeds"), "place %s", "SBIN")
	assert.True(t, IsBrokerRejected(rej))
	assert.False(t, IsBrokerUnavailable(rej))

	un := Unavailable("PlaceOrder", context.DeadlineExceeded)
	assert.True(t, IsBrokerUnavailable(un))

	orphan := &OrphanOrderError{OrderID: "X2", Symbol: "TCS", LedgerErr: ErrDatabaseError, CancelErr: ErrBrokerUnavailable}
	assert.True(t, IsOrphanOrder(orphan))
	assert.True(t, Is(orphan, ErrDatabaseError))
	assert.Contains(t, orphan.Error(), "MANUAL INTERVENTION REQUIRED")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "x"))
	assert.Nil(t, Wrapf(nil, "x %d", 1))
}
