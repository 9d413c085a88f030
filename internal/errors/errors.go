// Package errors provides the error taxonomy used across the decision and
// execution core.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrMarketClosed      = errors.New("market is closed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrTradeNotFound     = errors.New("trade not found")
	ErrPositionNotFound  = errors.New("position not found")
	ErrDuplicateOpen     = errors.New("open or pending trade already exists for symbol")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrDatabaseError     = errors.New("database error")
	ErrCacheMiss         = errors.New("cache miss")

	// ErrBrokerUnavailable marks timeouts, network faults and an open
	// circuit. No trade row is created; the caller may resubmit the signal.
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// Admission components.
const (
	ComponentSession    = "session"
	ComponentDuplicate  = "duplicate"
	ComponentRetry      = "retry"
	ComponentCost       = "cost"
	ComponentGovernance = "governance"
	ComponentCapital    = "capital"
	ComponentRisk       = "risk"
	ComponentSizing     = "sizing"
)

// AdmissionError is an expected rejection by one of the gates. It is never
// retried automatically.
type AdmissionError struct {
	Component string
	Reason    string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected [%s]: %s", e.Component, e.Reason)
}

// NewAdmissionError creates a new AdmissionError.
func NewAdmissionError(component, reason string) *AdmissionError {
	return &AdmissionError{Component: component, Reason: reason}
}

// CostFilterError rejects a signal that is not economically viable after
// transaction costs.
type CostFilterError struct {
	Reason    string
	CostRatio float64
}

func (e *CostFilterError) Error() string {
	return fmt.Sprintf("cost filter rejected: %s (cost ratio %.2f%%)", e.Reason, e.CostRatio)
}

// NewCostFilterError creates a new CostFilterError.
func NewCostFilterError(reason string, costRatio float64) *CostFilterError {
	return &CostFilterError{Reason: reason, CostRatio: costRatio}
}

// BrokerError represents an error from the broker API.
type BrokerError struct {
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code, message string, err error) *BrokerError {
	return &BrokerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Unavailable wraps err as a broker availability failure.
func Unavailable(op string, err error) *BrokerError {
	return NewBrokerError(op, "venue unreachable", fmt.Errorf("%w: %v", ErrBrokerUnavailable, err))
}

// BrokerRejectedError is a venue rejection. The message is kept verbatim.
type BrokerRejectedError struct {
	OrderID string
	Symbol  string
	Message string
}

func (e *BrokerRejectedError) Error() string {
	return fmt.Sprintf("broker rejected order [%s] %s: %s", e.OrderID, e.Symbol, e.Message)
}

// NewBrokerRejectedError creates a new BrokerRejectedError.
func NewBrokerRejectedError(orderID, symbol, message string) *BrokerRejectedError {
	return &BrokerRejectedError{OrderID: orderID, Symbol: symbol, Message: message}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID string
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// LedgerWriteError is a ledger failure after the venue accepted an order.
// Cancelled reports whether the compensating cancel succeeded.
type LedgerWriteError struct {
	OrderID   string
	Symbol    string
	Cancelled bool
	Err       error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("ledger write failed for broker order %s (%s), cancelled=%t: %v", e.OrderID, e.Symbol, e.Cancelled, e.Err)
}

func (e *LedgerWriteError) Unwrap() error {
	return e.Err
}

// OrphanOrderError is the one fatal condition: an order exists at the
// broker with no local record and could not be cancelled.
type OrphanOrderError struct {
	OrderID   string
	Symbol    string
	LedgerErr error
	CancelErr error
}

func (e *OrphanOrderError) Error() string {
	return fmt.Sprintf("MANUAL INTERVENTION REQUIRED: broker order %s (%s) has no ledger record: ledger: %v; cancel: %v",
		e.OrderID, e.Symbol, e.LedgerErr, e.CancelErr)
}

func (e *OrphanOrderError) Unwrap() error {
	return e.LedgerErr
}

// ReconciliationError describes drift between ledger and venue quantity.
type ReconciliationError struct {
	Symbol    string
	LedgerQty int
	BrokerQty int
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation mismatch %s: ledger=%d broker=%d", e.Symbol, e.LedgerQty, e.BrokerQty)
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// RiskError represents a risk management error.
type RiskError struct {
	Rule    string
	Current float64
	Limit   float64
	Message string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk violation [%s]: %s (current: %.2f, limit: %.2f)", e.Rule, e.Message, e.Current, e.Limit)
}

// NewRiskError creates a new RiskError.
func NewRiskError(rule string, current, limit float64, message string) *RiskError {
	return &RiskError{
		Rule:    rule,
		Current: current,
		Limit:   limit,
		Message: message,
	}
}

// IsAdmissionRejected reports whether err is a gate rejection.
func IsAdmissionRejected(err error) bool {
	var ae *AdmissionError
	return errors.As(err, &ae)
}

// IsCostFilterRejected reports whether err came from the cost filter.
func IsCostFilterRejected(err error) bool {
	var ce *CostFilterError
	return errors.As(err, &ce)
}

// IsBrokerRejected reports whether err is a venue rejection.
func IsBrokerRejected(err error) bool {
	var be *BrokerRejectedError
	return errors.As(err, &be)
}

// IsBrokerUnavailable reports whether err is a venue availability failure.
func IsBrokerUnavailable(err error) bool {
	return errors.Is(err, ErrBrokerUnavailable)
}

// IsOrphanOrder reports whether err is the fatal orphaned-order condition.
func IsOrphanOrder(err error) bool {
	var oe *OrphanOrderError
	return errors.As(err, &oe)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
