// Package execution is the order execution state machine: it runs a signal
// through the admission gates, places the entry, monitors the fill, places
// the protective stop, closes positions and reconciles the ledger against
// the venue.
package execution

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"trade-governor/internal/broker"
	"trade-governor/internal/capital"
	"trade-governor/internal/costs"
	"trade-governor/internal/governance"
	"trade-governor/internal/logging"
	"trade-governor/internal/metrics"
	"trade-governor/internal/models"
	"trade-governor/internal/notify"
	"trade-governor/internal/risk"
	"trade-governor/internal/session"
)

// Config holds execution timings and order defaults.
type Config struct {
	MonitorInterval   time.Duration      `mapstructure:"monitor_interval"`
	MonitorTimeout    time.Duration      `mapstructure:"monitor_timeout"`
	CloseFillWait     time.Duration      `mapstructure:"close_fill_wait"`
	ReconcileInterval time.Duration      `mapstructure:"reconcile_interval"`
	OrderType         models.OrderType   `mapstructure:"order_type"`
	DefaultProduct    models.ProductType `mapstructure:"default_product"`
	Exchange          models.Exchange    `mapstructure:"exchange"`

	// Governance layer entries are sized against.
	Layer models.Layer `mapstructure:"-"`
}

// DefaultConfig returns the default execution settings.
func DefaultConfig() Config {
	return Config{
		MonitorInterval:   time.Second,
		MonitorTimeout:    60 * time.Second,
		CloseFillWait:     2 * time.Second,
		ReconcileInterval: 10 * time.Minute,
		OrderType:         models.OrderTypeLimit,
		DefaultProduct:    models.ProductCNC,
		Exchange:          models.NSE,
		Layer:             models.LayerIntraday,
	}
}

// Deps are the collaborators a Manager drives. Capital and Risk must read
// exposure through Exposure.
type Deps struct {
	Broker     broker.Broker
	Exposure   *ExposureView
	Governance *governance.Engine
	Capital    *capital.Controller
	Risk       *risk.Gate
	Costs      *costs.Calculator
	Hours      *session.Hours
	Notifier   notify.Notifier
	Clock      session.Clock
}

// Manager owns the trade lifecycle. Every trade transition goes through the
// ledger first; the venue is told only after admission and the ledger is
// updated from what the venue reports.
type Manager struct {
	cfg      Config
	broker   broker.Broker
	ledger   *ExposureView
	gov      *governance.Engine
	capital  *capital.Controller
	risk     *risk.Gate
	costs    *costs.Calculator
	hours    *session.Hours
	notifier notify.Notifier
	clock    session.Clock
	logger   zerolog.Logger

	// admission serializes the gate checks so concurrent signals see each
	// other's reservations.
	admission sync.Mutex

	symMu   sync.Mutex
	symbols map[string]*sync.Mutex

	monMu      sync.Mutex
	monitoring map[string]struct{}
	// flattening maps symbol to an emergency flatten order not yet terminal
	flattening map[string]string

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(cfg Config, deps Deps, logger zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = def.MonitorInterval
	}
	if cfg.MonitorTimeout <= 0 {
		cfg.MonitorTimeout = def.MonitorTimeout
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	if cfg.OrderType == "" {
		cfg.OrderType = def.OrderType
	}
	if cfg.DefaultProduct == "" {
		cfg.DefaultProduct = def.DefaultProduct
	}
	if cfg.Exchange == "" {
		cfg.Exchange = def.Exchange
	}
	if cfg.Layer == "" {
		cfg.Layer = def.Layer
	}

	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewNoOpNotifier()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	calc := deps.Costs
	if calc == nil {
		calc = costs.NewCalculator(costs.DefaultRates())
	}

	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		broker:     deps.Broker,
		ledger:     deps.Exposure,
		gov:        deps.Governance,
		capital:    deps.Capital,
		risk:       deps.Risk,
		costs:      calc,
		hours:      deps.Hours,
		notifier:   notifier,
		clock:      clock,
		logger:     logging.WithComponent(logger, "execution"),
		symbols:    make(map[string]*sync.Mutex),
		monitoring: make(map[string]struct{}),
		flattening: make(map[string]string),
		base:       base,
		cancel:     cancel,
	}
}

// lockSymbol serializes work on one symbol and returns the unlock func.
func (m *Manager) lockSymbol(symbol string) func() {
	m.symMu.Lock()
	mu, ok := m.symbols[symbol]
	if !ok {
		mu = &sync.Mutex{}
		m.symbols[symbol] = mu
	}
	m.symMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Wait blocks until every running monitor has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown cancels running monitors and waits for them. Trades they were
// watching stay PENDING for reconciliation.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

// GetRiskMetrics returns the risk gate report and refreshes the gauges.
func (m *Manager) GetRiskMetrics(ctx context.Context) (models.RiskMetrics, error) {
	rm, err := m.risk.Metrics(ctx)
	if err != nil {
		return models.RiskMetrics{}, err
	}
	metrics.DailyLoss.Set(rm.DailyLoss)
	metrics.OpenPositions.Set(float64(rm.OpenPositions))
	metrics.Exposure.Set(rm.CurrentExposure)
	return rm, nil
}

// GetSnapshot returns the capital admission portfolio snapshot.
func (m *Manager) GetSnapshot(ctx context.Context) (models.PortfolioSnapshot, error) {
	snap, err := m.capital.Snapshot(ctx)
	if err != nil {
		return models.PortfolioSnapshot{}, err
	}
	metrics.Drawdown.Set(snap.DrawdownPct)
	return snap, nil
}

// GovernanceState returns a copy of the governance state.
func (m *Manager) GovernanceState() models.GovernanceState {
	return m.gov.State()
}

// RefreshCapital pulls margins from the venue and feeds governance, and
// replays closed P&L from the ledger into capital equity.
func (m *Manager) RefreshCapital(ctx context.Context) float64 {
	if err := m.restoreEquity(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to restore equity from ledger")
	}
	return m.risk.UpdateAvailableCapital(ctx)
}

// restoreEquity walks the running realized P&L of every closed trade so the
// equity peak and the drawdown survive a restart.
func (m *Manager) restoreEquity(ctx context.Context) error {
	closed, err := m.ledger.ClosedNetPnL(ctx)
	if err != nil {
		return err
	}
	var realized float64
	for _, pnl := range closed {
		realized += pnl
		m.capital.UpdateEquity(0, realized)
	}
	return nil
}

// addRealized pushes the ledger's realized P&L into capital equity. The
// closing trade must already be recorded.
func (m *Manager) addRealized(ctx context.Context) {
	realized, err := m.ledger.RealizedPnLSince(ctx, time.Time{})
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to read realized P&L")
		return
	}
	m.capital.UpdateEquity(0, realized)
}

// critical logs an operator-level anomaly, records it in the event log and
// fans it out to the alert channels.
func (m *Manager) critical(ctx context.Context, kind, symbol, message string) {
	logging.LogCritical(m.logger, kind, message).Str("symbol", symbol).Msg(message)

	event := &models.SystemEvent{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Symbol:    symbol,
		Message:   message,
		CreatedAt: m.clock(),
	}
	if err := m.ledger.RecordEvent(ctx, event); err != nil {
		m.logger.Error().Err(err).Str("kind", kind).Msg("Failed to record system event")
	}
	if err := m.notifier.SendCritical(ctx, kind, symbol, message); err != nil {
		m.logger.Warn().Err(err).Str("kind", kind).Msg("Failed to send alert")
	}
}

// orderTag is the venue tag for a trade: the last 20 characters of its id,
// the most Kite accepts.
func orderTag(tradeID string) string {
	if len(tradeID) <= 20 {
		return tradeID
	}
	return tradeID[len(tradeID)-20:]
}
