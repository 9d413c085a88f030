package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"trade-governor/internal/config"
	"trade-governor/internal/execution"
	"trade-governor/internal/models"
	"trade-governor/internal/store"
	"trade-governor/pkg/utils"
)

func addAdminCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newReconcileCmd(app))
	rootCmd.AddCommand(newHaltCmd(app))
	rootCmd.AddCommand(newResumeCmd(app))
	rootCmd.AddCommand(newResetDailyCmd(app))
	rootCmd.AddCommand(newResetGovernanceCmd(app))
	rootCmd.AddCommand(newSyncPositionsCmd(app))
}

func newStatusCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show risk, portfolio and governance state",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "metrics",
		Short: "Show risk gate metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			eng, err := requireEngine(cmd, app)
			if err != nil {
				return err
			}
			eng.Manager.RefreshCapital(cmd.Context())
			m, err := eng.Manager.GetRiskMetrics(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(m)
			}

			output.Bold("Risk")
			if m.TradingHalted {
				output.Error("  TRADING HALTED")
			}
			output.Printf("  Daily Loss:       %s / %s (%s)\n", utils.FormatINR(m.DailyLoss), utils.FormatINR(m.DailyLossLimit), pct(m.DailyLossUtilization))
			output.Printf("  Open Positions:   %d / %d\n", m.OpenPositions, m.MaxOpenPositions)
			output.Printf("  Loss Streak:      %d / %d\n", m.ConsecutiveLosses, m.ConsecutiveLossLimit)
			output.Printf("  Exposure:         %s / %s (%s)\n", utils.FormatINR(m.CurrentExposure), utils.FormatINR(m.MaxExposure), pct(m.ExposureUtilization))
			if m.PauseRemainingMinutes > 0 {
				output.Warning("  Paused for %d more minutes", m.PauseRemainingMinutes)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "snapshot",
		Short: "Show the portfolio snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			eng, err := requireEngine(cmd, app)
			if err != nil {
				return err
			}
			eng.Manager.RefreshCapital(cmd.Context())
			s, err := eng.Manager.GetSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(s)
			}

			output.Bold("Portfolio (%s, %s regime)", s.RiskMode, s.Regime)
			output.Printf("  Capital:          %s\n", utils.FormatINR(s.TotalCapital))
			output.Printf("  Cash Available:   %s\n", utils.FormatINR(s.CashAvailable))
			output.Printf("  Exposure:         %s (%s)\n", utils.FormatINR(s.TotalExposure), pct(s.ExposurePct))
			output.Printf("  Equity:           %s (peak %s)\n", utils.FormatINR(s.CurrentEquity), utils.FormatINR(s.PeakEquity))
			output.Printf("  Drawdown:         %s\n", pct(s.DrawdownPct))
			output.Println()

			table := NewTable(output, "Bucket", "Exposure")
			for _, b := range sortedKeys(s.StrategyExposure) {
				table.AddRow(string(b), utils.FormatINR(s.StrategyExposure[b]))
			}
			table.Render()
			if len(s.SectorExposure) > 0 {
				output.Println()
				table = NewTable(output, "Sector", "Exposure")
				for _, sec := range sortedKeys(s.SectorExposure) {
					table.AddRow(sec, utils.FormatINR(s.SectorExposure[sec]))
				}
				table.Render()
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "governance",
		Short: "Show governance mode and layer allocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			eng, err := requireEngine(cmd, app)
			if err != nil {
				return err
			}
			eng.Manager.RefreshCapital(cmd.Context())
			state := eng.Manager.GovernanceState()
			if output.IsJSON() {
				return output.JSON(state)
			}

			output.Bold("Governance: %s", state.Mode)
			if state.Reason != "" {
				output.Dim("  %s", state.Reason)
			}
			output.Printf("  Capital:   %s  Equity: %s  Drawdown: %s\n",
				utils.FormatINR(state.TotalCapital), utils.FormatINR(state.CurrentEquity), pct(state.DrawdownPct))
			output.Printf("  Regime:    %s\n", state.Regime)
			output.Println()

			table := NewTable(output, "Layer", "Alloc %", "Allocation", "Risk/Trade", "Max DD", "DD")
			for _, l := range sortedKeys(state.Layers) {
				a := state.Layers[l]
				table.AddRow(string(l),
					fmt.Sprintf("%.0f%%", a.AllocationPct),
					utils.FormatCompact(a.AllocationAmount),
					fmt.Sprintf("%.2f%%", a.RiskPerTradePct),
					fmt.Sprintf("%.1f%%", a.MaxDrawdownPct),
					fmt.Sprintf("%.2f%%", a.CurrentDrawdownPct))
			}
			table.Render()
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Probe the ledger, counter cache, broker circuit and governance",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			eng, err := requireEngine(cmd, app)
			if err != nil {
				return err
			}
			health := eng.Health().Check(cmd.Context())
			if output.IsJSON() {
				return output.JSON(health)
			}

			output.Bold("Health: %s (up %s)", health.Status, health.Uptime)
			table := NewTable(output, "Component", "Status", "Latency", "Message")
			for _, c := range health.Components {
				table.AddRow(c.Name, string(c.Status), c.Latency.Round(time.Microsecond).String(), c.Message)
			}
			table.Render()
			return nil
		},
	})

	trades := &cobra.Command{
		Use:   "trades",
		Short: "List trades from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			all, _ := cmd.Flags().GetBool("all")
			limit, _ := cmd.Flags().GetInt("limit")
			symbol, _ := cmd.Flags().GetString("symbol")

			eng, err := requireEngine(cmd, app)
			if err != nil {
				return err
			}
			filter := store.TradeFilter{Symbol: strings.ToUpper(symbol), Limit: limit}
			if !all {
				filter.Statuses = []models.TradeStatus{models.TradePending, models.TradeOpen}
			}
			list, err := eng.Ledger.FindTrades(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				views := make([]map[string]interface{}, 0, len(list))
				for i := range list {
					views = append(views, tradeView(&list[i]))
				}
				return output.JSON(views)
			}
			if len(list) == 0 {
				output.Dim("No trades")
				return nil
			}

			table := NewTable(output, "ID", "Symbol", "Dir", "Qty", "Entry", "Stop", "Status", "Net P&L", "Created")
			for _, t := range list {
				pnl := "-"
				if t.Status == models.TradeClosed {
					pnl = output.FormatPnL(t.NetPnL)
				}
				table.AddRow(TruncateString(t.ID, 12), t.Symbol, string(t.Direction),
					utils.FormatQty(t.Quantity), FormatPrice(t.EntryPrice), FormatPrice(t.StopLoss),
					string(t.Status), pnl, FormatDateTime(t.CreatedAt))
			}
			table.Render()
			return nil
		},
	}
	trades.Flags().Bool("all", false, "include closed, cancelled and rejected trades")
	trades.Flags().Int("limit", 50, "maximum rows")
	trades.Flags().String("symbol", "", "filter by symbol")
	cmd.AddCommand(trades)

	events := &cobra.Command{
		Use:   "events",
		Short: "List critical system events",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			kind, _ := cmd.Flags().GetString("kind")
			limit, _ := cmd.Flags().GetInt("limit")

			eng, err := requireEngine(cmd, app)
			if err != nil {
				return err
			}
			list, err := eng.Ledger.ListEvents(cmd.Context(), strings.ToUpper(kind), limit)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(list)
			}
			table := NewTable(output, "Time", "Kind", "Symbol", "Message")
			for _, e := range list {
				table.AddRow(FormatDateTime(e.CreatedAt), e.Kind, e.Symbol, TruncateString(e.Message, 60))
			}
			table.Render()
			return nil
		},
	}
	events.Flags().String("kind", "", "filter by event kind")
	events.Flags().Int("limit", 20, "maximum rows")
	cmd.AddCommand(events)

	return cmd
}

func newReconcileCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile the ledger with broker positions",
		Long: `Compare net quantity per symbol between OPEN ledger trades and broker
positions. Unknown broker positions are flattened, ledger trades the broker no
longer holds are closed and stale PENDING entries are expired.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			eng, err := requireEngine(cmd, app)
			if err != nil {
				return err
			}
			eng.Manager.RefreshCapital(cmd.Context())
			report, err := eng.Manager.Reconcile(cmd.Context())
			if err != nil {
				output.Error("Reconciliation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(report)
			}
			printReconcile(output, report)
			return nil
		},
	}
}

func printReconcile(output *Output, r execution.ReconcileReport) {
	if len(r.Mismatches) == 0 && r.Flattened == 0 && r.ClosedMissing == 0 && r.Expired == 0 {
		output.Success("✓ Ledger matches broker (%d symbols, %d open trades)", r.Checked, r.OpenTrades)
		return
	}
	output.Warning("Reconciled %d symbols: %d mismatches, %d flattened, %d closed, %d expired",
		r.Checked, len(r.Mismatches), r.Flattened, r.ClosedMissing, r.Expired)
	if len(r.Mismatches) > 0 {
		table := NewTable(output, "Symbol", "Ledger", "Broker")
		for _, m := range r.Mismatches {
			table.AddRow(m.Symbol, fmt.Sprintf("%d", m.LedgerQty), fmt.Sprintf("%d", m.BrokerQty))
		}
		table.Render()
	}
	output.Printf("  Open trades: %d\n", r.OpenTrades)
}

func newHaltCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "halt",
		Short: "Halt new entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			reason, _ := cmd.Flags().GetString("reason")
			eng, err := requireEngine(cmd, app)
			if err != nil {
				return err
			}
			warnLocalCache(output, app)
			eng.Risk.HaltTrading(cmd.Context(), reason)
			output.Warning("Trading halted: %s", reason)
			return nil
		},
	}
	cmd.Flags().String("reason", "manual halt", "reason recorded with the halt")
	return cmd
}

func newResumeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Clear a trading halt",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			eng, err := requireEngine(cmd, app)
			if err != nil {
				return err
			}
			warnLocalCache(output, app)
			eng.Risk.ResumeTrading(cmd.Context())
			output.Success("✓ Trading resumed")
			return nil
		},
	}
}

func newResetDailyCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-daily",
		Short: "Reset daily loss, loss streak and halt",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			eng, err := requireEngine(cmd, app)
			if err != nil {
				return err
			}
			warnLocalCache(output, app)
			eng.Risk.ResetDailyMetrics(cmd.Context())
			output.Success("✓ Daily risk metrics reset")
			return nil
		},
	}
}

func newResetGovernanceCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-governance",
		Short: "Return governance to NORMAL mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			reason, _ := cmd.Flags().GetString("reason")
			eng, err := requireEngine(cmd, app)
			if err != nil {
				return err
			}
			eng.Manager.RefreshCapital(cmd.Context())
			eng.Gov.ManualReset(reason)
			output.Success("✓ %s", eng.Gov.Summary())
			return nil
		},
	}
	cmd.Flags().String("reason", "manual reset", "reason recorded with the reset")
	return cmd
}

func newSyncPositionsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-positions",
		Short: "Import broker positions the ledger does not know",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			eng, err := requireEngine(cmd, app)
			if err != nil {
				return err
			}
			eng.Manager.RefreshCapital(cmd.Context())
			n, err := eng.Manager.SyncBrokerPositions(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]int{"imported": n})
			}
			output.Success("✓ Imported %d positions", n)
			return nil
		},
	}
}

// warnLocalCache flags one-shot admin commands whose counters die with the
// process.
func warnLocalCache(output *Output, app *App) {
	if app.Config.Cache.Backend != config.CacheRedis {
		output.Warning("Cache backend is %q: this only affects this process. Use the redis backend to share state with 'trader run'.", app.Config.Cache.Backend)
	}
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func pct(v float64) string {
	return fmt.Sprintf("%.1f%%", v)
}
