package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"trade-governor/internal/models"
)

func newSignalCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Submit a trade signal",
		Long: `Submit a single trade signal through the governance, capital and risk
gates. When admitted, the entry is placed and monitored until it fills (a stop
order is then placed) or the monitor times out.`,
		Example: `  trader signal --symbol SBIN --entry 600 --stop 590 --target 630
  trader signal --symbol ITC --side sell --entry 450 --stop 458 --product MIS
  trader signal --file signal.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			sig, err := signalFromFlags(cmd)
			if err != nil {
				return err
			}
			strategy, _ := cmd.Flags().GetString("strategy")

			eng, err := requireEngine(cmd, app)
			if err != nil {
				return err
			}
			eng.Manager.RefreshCapital(ctx)

			trade, err := eng.Manager.ExecuteSignal(ctx, sig, strategy)
			if err != nil {
				if output.IsJSON() {
					_ = output.JSON(map[string]string{"symbol": sig.Symbol, "error": err.Error()})
				} else {
					output.Error("✗ %s: %v", sig.Symbol, err)
				}
				return err
			}

			// Monitors run in the background; let this one settle.
			eng.Manager.Wait()
			if latest, err := eng.Ledger.GetTrade(ctx, trade.ID); err == nil {
				trade = latest
			}

			if output.IsJSON() {
				return output.JSON(tradeView(trade))
			}
			printTrade(output, trade)
			return nil
		},
	}

	cmd.Flags().StringP("symbol", "s", "", "trading symbol")
	cmd.Flags().String("side", "long", "buy/long or sell/short")
	cmd.Flags().Float64("entry", 0, "entry price")
	cmd.Flags().Float64("stop", 0, "stop-loss price")
	cmd.Flags().Float64("target", 0, "target price (used by the cost filter)")
	cmd.Flags().IntP("qty", "q", 0, "quantity (0 sizes from the risk limits)")
	cmd.Flags().String("product", "", "MIS, CNC or NRML (default from config)")
	cmd.Flags().String("exchange", "", "NSE or BSE (default from config)")
	cmd.Flags().String("strategy", "", "strategy name")
	cmd.Flags().StringP("file", "f", "", "read the signal from a YAML/JSON file")
	return cmd
}

func newCloseCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <trade-id>",
		Short: "Close an open trade",
		Long: `Close an OPEN trade: cancel its stop order, place a market exit and
book the P&L. When the stop has already filled, the trade is booked at the
stop fill instead.`,
		Example: `  trader close 01JAB3XYZ...
  trader close 01JAB3XYZ... --reason TARGET --price 631.5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			reason, _ := cmd.Flags().GetString("reason")
			price, _ := cmd.Flags().GetFloat64("price")

			eng, err := requireEngine(cmd, app)
			if err != nil {
				return err
			}

			trade, err := eng.Manager.ClosePosition(cmd.Context(), args[0], strings.ToUpper(reason), price)
			if err != nil {
				output.Error("Failed to close %s: %v", args[0], err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(tradeView(trade))
			}
			output.Success("✓ Closed %s %s @ %s (%s)", trade.Symbol, trade.ID, FormatPrice(trade.ExitPrice), trade.ExitReason)
			output.Printf("  P&L: %s  Charges: %s  Net: %s\n",
				output.FormatPnL(trade.PnL), FormatPrice(trade.Charges), output.FormatPnL(trade.NetPnL))
			return nil
		},
	}

	cmd.Flags().String("reason", "MANUAL", "exit reason recorded on the trade")
	cmd.Flags().Float64("price", 0, "exit price hint when the venue has no fill")
	return cmd
}

func signalFromFlags(cmd *cobra.Command) (models.Signal, error) {
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		sigs, err := readSignalFile(path)
		if err != nil {
			return models.Signal{}, err
		}
		if len(sigs) != 1 {
			return models.Signal{}, fmt.Errorf("%s holds %d signals; use 'trader run --signals' for batches", path, len(sigs))
		}
		sig := sigs[0]
		if d, ok := parseDirection(string(sig.Direction)); ok {
			sig.Direction = d
		}
		return sig, nil
	}

	symbol, _ := cmd.Flags().GetString("symbol")
	if symbol == "" {
		return models.Signal{}, fmt.Errorf("--symbol or --file is required")
	}
	side, _ := cmd.Flags().GetString("side")
	dir, ok := parseDirection(side)
	if !ok {
		return models.Signal{}, fmt.Errorf("invalid side %q: use buy, sell, long or short", side)
	}

	sig := models.Signal{Symbol: symbol, Direction: dir}
	sig.Entry, _ = cmd.Flags().GetFloat64("entry")
	sig.StopLoss, _ = cmd.Flags().GetFloat64("stop")
	sig.Target, _ = cmd.Flags().GetFloat64("target")
	sig.Quantity, _ = cmd.Flags().GetInt("qty")
	product, _ := cmd.Flags().GetString("product")
	sig.Product = models.ProductType(strings.ToUpper(product))
	exchange, _ := cmd.Flags().GetString("exchange")
	sig.Exchange = models.Exchange(strings.ToUpper(exchange))
	return sig, nil
}

func parseDirection(s string) (models.Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "buy", "long":
		return models.Long, true
	case "sell", "short":
		return models.Short, true
	}
	return "", false
}

func tradeView(t *models.Trade) map[string]interface{} {
	v := map[string]interface{}{
		"id":          t.ID,
		"symbol":      t.Symbol,
		"direction":   t.Direction,
		"product":     t.Product,
		"bucket":      t.Bucket,
		"status":      t.Status,
		"quantity":    t.Quantity,
		"entry_price": t.EntryPrice,
		"stop_loss":   t.StopLoss,
		"target":      t.Target,
		"risk_amount": t.RiskAmount,
	}
	if t.Status == models.TradeClosed {
		v["exit_price"] = t.ExitPrice
		v["exit_reason"] = t.ExitReason
		v["pnl"] = t.PnL
		v["charges"] = t.Charges
		v["net_pnl"] = t.NetPnL
	}
	if t.Notes != "" {
		v["notes"] = t.Notes
	}
	return v
}

func printTrade(output *Output, t *models.Trade) {
	switch t.Status {
	case models.TradeOpen:
		output.Success("✓ %s %s %d filled @ %s", t.Direction, t.Symbol, t.Quantity, FormatPrice(t.EntryPrice))
	case models.TradePending:
		output.Warning("… %s %s %d pending @ %s (left for reconciliation)", t.Direction, t.Symbol, t.Quantity, FormatPrice(t.RequestedPrice))
	default:
		output.Warning("%s %s %s", t.Symbol, t.Status, t.Notes)
	}
	output.Printf("  Trade:   %s\n", t.ID)
	output.Printf("  Bucket:  %s  Product: %s\n", t.Bucket, t.Product)
	output.Printf("  Stop:    %s  Target: %s\n", FormatPrice(t.StopLoss), FormatPrice(t.Target))
	output.Printf("  Risk:    %s\n", FormatPrice(t.RiskAmount))
}
