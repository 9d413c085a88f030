package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	apperrors "trade-governor/internal/errors"
	"trade-governor/internal/logging"
	"trade-governor/internal/metrics"
	"trade-governor/internal/models"
	"trade-governor/internal/resilience"
	"trade-governor/internal/trace"
)

// ObservedConfig configures the decorator.
type ObservedConfig struct {
	CallTimeout time.Duration                   `mapstructure:"call_timeout"`
	Circuit     resilience.CircuitBreakerConfig `mapstructure:"circuit"`
	Retry       resilience.RetryPolicy          `mapstructure:"retry"`
}

// DefaultObservedConfig returns a 10s call timeout with the default breaker
// and retry policy.
func DefaultObservedConfig() ObservedConfig {
	return ObservedConfig{
		CallTimeout: 10 * time.Second,
		Circuit:     resilience.DefaultCircuitBreakerConfig(),
		Retry:       resilience.DefaultRetryPolicy(),
	}
}

// Observed wraps a Broker with a per-call timeout, a circuit breaker, spans,
// latency metrics and retries for idempotent calls. PlaceOrder and
// ModifyOrder are never retried.
type Observed struct {
	inner   Broker
	cb      *resilience.CircuitBreaker
	retry   resilience.RetryPolicy
	timeout time.Duration
	logger  zerolog.Logger
}

var _ Broker = (*Observed)(nil)

// NewObserved wraps inner. onChange, if set, is told about breaker
// transitions after they are logged.
func NewObserved(inner Broker, cfg ObservedConfig, logger zerolog.Logger, onChange resilience.StateChangeFunc, opts ...resilience.CircuitOption) *Observed {
	o := &Observed{
		inner:   inner,
		retry:   cfg.Retry,
		timeout: cfg.CallTimeout,
		logger:  logging.WithComponent(logger, "broker"),
	}
	o.retry.Retryable = retryable

	notify := func(name string, from, to resilience.CircuitState) {
		ev := o.logger.Warn()
		if to == resilience.CircuitOpen {
			ev = logging.LogCritical(o.logger, "circuit_open", "broker circuit opened")
		}
		ev.Str("circuit", name).Str("from", string(from)).Str("to", string(to)).Msg("Broker circuit state changed")
		if onChange != nil {
			onChange(name, from, to)
		}
	}
	all := append([]resilience.CircuitOption{
		resilience.WithFailurePredicate(apperrors.IsBrokerUnavailable),
		resilience.WithStateChange(notify),
	}, opts...)
	o.cb = resilience.NewCircuitBreaker(inner.Name(), cfg.Circuit, all...)
	return o
}

// retryable excludes an open circuit; another attempt would be refused too.
func retryable(err error) bool {
	return apperrors.IsBrokerUnavailable(err) && !errors.Is(err, resilience.ErrCircuitOpen)
}

// Inner returns the wrapped venue.
func (o *Observed) Inner() Broker { return o.inner }

// CircuitState returns the breaker state.
func (o *Observed) CircuitState() resilience.CircuitState { return o.cb.State() }

// ResetCircuit closes the breaker.
func (o *Observed) ResetCircuit() { o.cb.Reset() }

// Name returns the wrapped venue's name.
func (o *Observed) Name() string { return o.inner.Name() }

type result[T any] struct {
	v   T
	err error
}

// bounded runs fn with the call timeout. A venue call that ignores ctx is
// abandoned on timeout and reported unavailable; it may still land.
func bounded[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(cctx)
		done <- result[T]{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && !apperrors.IsBrokerUnavailable(r.err) {
			return zero, apperrors.Unavailable(op, r.err)
		}
		return r.v, r.err
	case <-cctx.Done():
		return zero, apperrors.Unavailable(op, cctx.Err())
	}
}

func call[T any](ctx context.Context, o *Observed, op string, idempotent bool, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := trace.StartSpan(ctx, "broker."+op, attribute.String("venue", o.inner.Name()))
	start := time.Now()

	attempt := func(ctx context.Context) (T, error) {
		v, err := resilience.ExecuteWithResult(ctx, o.cb, func(ctx context.Context) (T, error) {
			return bounded(ctx, o.timeout, op, fn)
		})
		if errors.Is(err, resilience.ErrCircuitOpen) && !apperrors.IsBrokerUnavailable(err) {
			err = apperrors.NewBrokerError(op, "circuit open", fmt.Errorf("%w: %w", apperrors.ErrBrokerUnavailable, err))
		}
		return v, err
	}

	var v T
	var err error
	if idempotent {
		v, err = resilience.Retry(ctx, o.retry, attempt)
	} else {
		v, err = attempt(ctx)
	}

	metrics.ObserveBroker(op, start)
	logging.LogAPICall(o.logger, op, time.Since(start), err)
	trace.End(span, err)
	return v, err
}

func (o *Observed) Connect(ctx context.Context) error {
	_, err := call(ctx, o, "Connect", true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.inner.Connect(ctx)
	})
	return err
}

func (o *Observed) PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	return call(ctx, o, "PlaceOrder", false, func(ctx context.Context) (*models.Order, error) {
		return o.inner.PlaceOrder(ctx, req)
	})
}

func (o *Observed) ModifyOrder(ctx context.Context, orderID string, req OrderRequest) error {
	_, err := call(ctx, o, "ModifyOrder", false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.inner.ModifyOrder(ctx, orderID, req)
	})
	return err
}

// CancelOrder is retried: cancelling twice is harmless.
func (o *Observed) CancelOrder(ctx context.Context, orderID string) error {
	_, err := call(ctx, o, "CancelOrder", true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.inner.CancelOrder(ctx, orderID)
	})
	return err
}

func (o *Observed) GetOrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	return call(ctx, o, "GetOrderStatus", true, func(ctx context.Context) (*models.Order, error) {
		return o.inner.GetOrderStatus(ctx, orderID)
	})
}

func (o *Observed) GetOrders(ctx context.Context) ([]models.Order, error) {
	return call(ctx, o, "GetOrders", true, o.inner.GetOrders)
}

func (o *Observed) GetPositions(ctx context.Context) ([]models.Position, error) {
	return call(ctx, o, "GetPositions", true, o.inner.GetPositions)
}

func (o *Observed) GetMargins(ctx context.Context) (*models.Margins, error) {
	return call(ctx, o, "GetMargins", true, o.inner.GetMargins)
}

func (o *Observed) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	return call(ctx, o, "GetQuote", true, func(ctx context.Context) (*models.Quote, error) {
		return o.inner.GetQuote(ctx, symbol)
	})
}
