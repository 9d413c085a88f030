// Package cli provides the command-line interface for the governor.
package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"trade-governor/internal/config"
	"trade-governor/internal/logging"
	"trade-governor/pkg/utils"
)

// Version information, set with -ldflags.
var (
	Version   = "dev"
	BuildDate = "unknown"
)

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	eng *Engine
}

// engine builds the core on first use; read-only commands never touch the
// venue.
func (a *App) engine(ctx context.Context) (*Engine, error) {
	if a.eng != nil {
		return a.eng, nil
	}
	eng, err := newEngine(ctx, a.Config, a.Logger)
	if err != nil {
		return nil, err
	}
	a.eng = eng
	return eng, nil
}

// Close releases the engine if one was built.
func (a *App) Close() {
	if a.eng != nil {
		a.eng.Close()
		a.eng = nil
	}
}

// Execute runs the CLI.
func Execute(ctx context.Context) error {
	app := &App{Logger: logging.NewLogger()}
	defer app.Close()
	return NewRootCmd(app).ExecuteContext(ctx)
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "Trade Governor - capital governance and order execution for NSE equities",
		Long: `Trade Governor admits trade signals through governance, capital and risk
gates, places them with Zerodha Kite (or a paper venue), protects fills with
stop orders and keeps the trade ledger reconciled with the broker.

Use 'trader help <command>' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if app.Config == nil {
				dir, _ := cmd.Flags().GetString("config")
				cfg, err := config.Load(dir)
				if err != nil {
					return err
				}
				app.Config = cfg
				app.Logger = logging.NewLoggerWithConfig(cfg.LogSettings())
			}

			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/trade-governor)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newLoginCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newSignalCmd(app))
	rootCmd.AddCommand(newCloseCmd(app))
	addAdminCommands(rootCmd, app)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// no config needed
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("Trade Governor v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": app.Config.Dir(), "ledger": app.Config.Ledger.Path})
			}
			output.Println(app.Config.Dir())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	exec := cfg.ExecutionSettings()

	output.Bold("General")
	output.Printf("  Mode:             %s\n", cfg.Mode)
	output.Printf("  Ledger:           %s\n", cfg.Ledger.Path)
	output.Printf("  Cache:            %s\n", cfg.Cache.Backend)
	output.Printf("  Metrics:          %s\n", cfg.Metrics.Listen)
	output.Println()

	output.Bold("Capital")
	output.Printf("  Total Capital:    %s\n", utils.FormatINR(cfg.Capital.TotalCapital))
	output.Printf("  Risk per Trade:   %.2f%%\n", cfg.Capital.RiskPerTradePct)
	output.Printf("  Cash Reserve:     %.1f%%\n", cfg.Capital.CashReservePct)
	output.Printf("  Sector Cap:       %.1f%%\n", cfg.Capital.SectorCapPct)
	output.Printf("  Regime:           %s\n", cfg.CapitalSettings().Regime)
	output.Println()

	output.Bold("Risk")
	output.Printf("  Max Trade Risk:   %s\n", utils.FormatINR(cfg.Risk.MaxPerTradeRisk))
	output.Printf("  Max Daily Loss:   %s\n", utils.FormatINR(cfg.Risk.MaxDailyLoss))
	output.Printf("  Max Open Trades:  %d\n", cfg.Risk.MaxOpenTrades)
	output.Printf("  Max Exposure:     %.0f%%\n", cfg.Risk.MaxExposurePct)
	output.Println()

	output.Bold("Governance")
	output.Printf("  Layer:            %s\n", exec.Layer)
	output.Printf("  Single Stock:     %.0f%%\n", cfg.Governance.MaxSingleStockPct)
	output.Printf("  Total Exposure:   %.0f%%\n", cfg.Governance.MaxTotalExposurePct)
	output.Println()

	output.Bold("Execution")
	output.Printf("  Order Type:       %s\n", exec.OrderType)
	output.Printf("  Default Product:  %s\n", exec.DefaultProduct)
	output.Printf("  Monitor:          every %s for %s\n", exec.MonitorInterval, exec.MonitorTimeout)
	output.Printf("  Reconcile:        every %s\n", exec.ReconcileInterval)
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:          %v\n", cfg.Notifications.Enabled)
	output.Printf("  Webhook:          %v\n", cfg.Notifications.Webhook.Enabled)
	output.Printf("  Telegram:         %v\n", cfg.Notifications.Telegram.Enabled)
	output.Printf("  Kite API key:     %s\n", mask(cfg.Credentials.Kite.APIKey))
}

func mask(secret string) string {
	if secret == "" {
		return "(not set)"
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:2] + "****" + secret[len(secret)-2:]
}

// requireEngine builds the engine or returns a command error.
func requireEngine(cmd *cobra.Command, app *App) (*Engine, error) {
	eng, err := app.engine(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("starting engine: %w", err)
	}
	return eng, nil
}
