// Package metrics exposes Prometheus collectors for the trading core.
//
// Collectors are registered in init() and served by Handler() at /metrics:
//   - governor_signals_total{outcome}        signals by outcome (opened|rejected|failed)
//   - governor_rejections_total{component}   rejections by gate
//   - governor_orders_total{kind,status}     venue orders (entry|stop|exit)
//   - governor_trades_closed_total{result}   closed trades (win|loss)
//   - governor_open_positions                OPEN trades
//   - governor_daily_loss_inr                realized loss today
//   - governor_drawdown_pct                  portfolio drawdown
//   - governor_exposure_inr                  OPEN+PENDING notional
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_signals_total",
			Help: "Signals processed by outcome",
		},
		[]string{"outcome"},
	)

	Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_rejections_total",
			Help: "Signal rejections by component",
		},
		[]string{"component"},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_orders_total",
			Help: "Orders sent to the venue by kind and resulting status",
		},
		[]string{"kind", "status"},
	)

	TradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_trades_closed_total",
			Help: "Closed trades by result",
		},
		[]string{"result"},
	)

	ReconcileMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "governor_reconcile_mismatches_total",
			Help: "Per-symbol quantity mismatches found by reconciliation",
		},
	)

	MonitorTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "governor_monitor_timeouts_total",
			Help: "Entry monitors that gave up before a terminal status",
		},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "governor_open_positions",
			Help: "Trades in OPEN status",
		},
	)

	DailyLoss = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "governor_daily_loss_inr",
			Help: "Realized loss for the trading day in INR",
		},
	)

	Drawdown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "governor_drawdown_pct",
			Help: "Portfolio drawdown from peak equity",
		},
	)

	Exposure = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "governor_exposure_inr",
			Help: "Notional of OPEN and PENDING trades in INR",
		},
	)

	// Absolute difference between requested and filled price times quantity.
	Slippage = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "governor_slippage_inr",
			Help:    "Entry and exit slippage in INR",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	BrokerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "governor_broker_latency_seconds",
			Help:    "Broker call latency by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(Signals, Rejections, Orders, TradesClosed)
	prometheus.MustRegister(ReconcileMismatches, MonitorTimeouts)
	prometheus.MustRegister(OpenPositions, DailyLoss, Drawdown, Exposure)
	prometheus.MustRegister(Slippage, BrokerLatency)
}

// Handler serves the default registry in the text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveBroker records one broker call.
func ObserveBroker(op string, start time.Time) {
	BrokerLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Serve starts the /metrics endpoint, plus /healthz when health is non-nil.
// It returns the server so the caller can shut it down.
func Serve(addr string, health http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	if health != nil {
		mux.Handle("/healthz", health)
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
