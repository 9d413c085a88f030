package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"trade-governor/internal/broker"
	"trade-governor/internal/cache"
	"trade-governor/internal/capital"
	"trade-governor/internal/config"
	"trade-governor/internal/costs"
	apperrors "trade-governor/internal/errors"
	"trade-governor/internal/execution"
	"trade-governor/internal/governance"
	"trade-governor/internal/models"
	"trade-governor/internal/notify"
	"trade-governor/internal/resilience"
	"trade-governor/internal/risk"
	"trade-governor/internal/session"
	"trade-governor/internal/store"
)

// Engine is the wired decision and execution core.
type Engine struct {
	Ledger   *store.SQLiteLedger
	Counters cache.Counters
	Venue    *broker.Observed
	Gov      *governance.Engine
	Capital  *capital.Controller
	Risk     *risk.Gate
	Manager  *execution.Manager
	Notifier notify.Notifier
}

// newEngine opens the ledger and counter cache, connects the venue and wires
// the gates into an execution manager.
func newEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{Notifier: notify.New(cfg.Notifications)}

	ledger, err := store.NewSQLiteLedger(cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	e.Ledger = ledger

	switch cfg.Cache.Backend {
	case config.CacheRedis:
		rc, err := cache.NewRedisCounters(ctx, cfg.RedisSettings())
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("connecting counter cache: %w", err)
		}
		e.Counters = rc
	default:
		e.Counters = cache.NewMemoryCounters(time.Now)
	}

	e.Gov = governance.NewEngine(cfg.GovernanceSettings(), logger)

	venue, err := newVenue(ctx, cfg, logger)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Venue = broker.NewObserved(venue, cfg.Broker.Observed, logger, e.circuitChanged)

	hours, err := session.NewHours(cfg.Session)
	if err != nil {
		e.Close()
		return nil, err
	}

	view := execution.NewExposureView(ledger)
	calc := costs.NewCalculator(costs.DefaultRates())
	e.Risk = risk.NewGate(cfg.Risk, e.Counters, view, calc, e.Gov, logger,
		risk.WithMarginSource(e.Venue),
		risk.WithHaltHook(func(ctx context.Context, reason string) {
			if err := e.Notifier.SendCritical(ctx, notify.AlertTradingHalted, "", reason); err != nil {
				logger.Warn().Err(err).Msg("Failed to send halt alert")
			}
		}),
	)
	e.Capital = capital.NewController(cfg.CapitalSettings(), view, logger)

	e.Manager = execution.NewManager(cfg.ExecutionSettings(), execution.Deps{
		Broker:     e.Venue,
		Exposure:   view,
		Governance: e.Gov,
		Capital:    e.Capital,
		Risk:       e.Risk,
		Costs:      calc,
		Hours:      hours,
		Notifier:   e.Notifier,
	}, logger)
	return e, nil
}

// newVenue returns the paper venue, quoting from Kite when a session is
// available, or the live Kite venue.
func newVenue(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (broker.Broker, error) {
	var kite *broker.ZerodhaBroker
	if cfg.Credentials.Kite.APIKey != "" {
		kite = broker.NewZerodhaBroker(cfg.KiteSettings())
	}

	if cfg.IsPaperMode() {
		pc := broker.PaperBrokerConfig{InitialBalance: cfg.Broker.PaperBalance}
		if kite != nil && kite.IsAuthenticated() {
			pc.DataBroker = kite
			logger.Debug().Msg("Paper venue quoting from Kite")
		}
		logger.Warn().Msg("Paper venue state is in-memory and does not persist between invocations")
		return broker.NewPaperBroker(pc), nil
	}

	if kite == nil {
		return nil, fmt.Errorf("live mode requires Kite credentials")
	}
	if err := kite.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to Kite: %w (run 'trader login' to create a session)", err)
	}
	return kite, nil
}

// circuitChanged drives governance SAFE_MODE from the venue circuit.
func (e *Engine) circuitChanged(name string, from, to resilience.CircuitState) {
	switch to {
	case resilience.CircuitOpen:
		e.Gov.EnterSafeMode(fmt.Sprintf("broker circuit %s open", name))
		_ = e.Notifier.SendCritical(context.Background(), notify.AlertCircuitOpen, "",
			fmt.Sprintf("broker circuit %s opened (was %s); new entries blocked", name, from))
	case resilience.CircuitClosed:
		e.Gov.ExitSafeMode()
	}
}

// Health registers probes for the ledger, counter cache, venue circuit and
// governance mode.
func (e *Engine) Health() *resilience.HealthMonitor {
	h := resilience.NewHealthMonitor(5 * time.Second)
	h.RegisterComponent("ledger", resilience.DatabaseHealthCheck(e.Ledger.Ping))
	h.RegisterComponent("counters", resilience.DatabaseHealthCheck(func(ctx context.Context) error {
		_, err := e.Counters.Get(ctx, cache.KeyOpenPositions)
		if errors.Is(err, apperrors.ErrCacheMiss) {
			return nil
		}
		return err
	}))
	h.RegisterComponent("broker", resilience.CircuitHealthCheck(e.Venue.CircuitState))
	h.RegisterComponent("governance", func(ctx context.Context) resilience.ComponentHealth {
		switch mode := e.Gov.Mode(); mode {
		case models.ModeHalted:
			return resilience.ComponentHealth{Status: resilience.HealthStatusUnhealthy, Message: string(mode)}
		case models.ModeActive:
			return resilience.ComponentHealth{Status: resilience.HealthStatusHealthy, Message: string(mode)}
		default:
			return resilience.ComponentHealth{Status: resilience.HealthStatusDegraded, Message: string(mode)}
		}
	})
	return h
}

// Close stops background work and releases the ledger and cache.
func (e *Engine) Close() {
	if e.Manager != nil {
		e.Manager.Shutdown()
	}
	if e.Counters != nil {
		_ = e.Counters.Close()
	}
	if e.Ledger != nil {
		_ = e.Ledger.Close()
	}
}
