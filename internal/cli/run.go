package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	apperrors "trade-governor/internal/errors"
	"trade-governor/internal/metrics"
	"trade-governor/internal/models"
	"trade-governor/internal/trace"
	"trade-governor/pkg/utils"
)

func newRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the governor loop",
		Long: `Run the governor: reconcile with the broker, then keep reconciling,
expiring stale entries and flattening intraday positions at the cutoff until
interrupted.

Signals can be fed from a YAML/JSON file (--signals) and/or streamed on stdin
(--stdin), one signal object per line.`,
		Example: `  trader run
  trader run --signals signals.yaml
  my-scanner | trader run --stdin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tc := app.Config.Trace
			tc.Version = Version
			if err := trace.Init(tc); err != nil {
				return fmt.Errorf("starting tracer: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = trace.Shutdown(sctx)
			}()

			eng, err := requireEngine(cmd, app)
			if err != nil {
				return err
			}

			if addr := app.Config.Metrics.Listen; addr != "" {
				srv := metrics.Serve(addr, eng.Health().HealthHTTPHandler())
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
				app.Logger.Info().Str("addr", addr).Msg("Metrics endpoint listening")
			}

			capital := eng.Manager.RefreshCapital(ctx)
			report, err := eng.Manager.Reconcile(ctx)
			if err != nil {
				app.Logger.Warn().Err(err).Msg("Initial reconcile failed")
			} else {
				printReconcile(output, report)
			}
			output.Info("Governor running (%s mode, capital %s). Ctrl+C to stop.", app.Config.Mode, utils.FormatINR(capital))

			done := make(chan error, 1)
			go func() { done <- eng.Manager.Run(ctx) }()

			strategy, _ := cmd.Flags().GetString("strategy")
			if path, _ := cmd.Flags().GetString("signals"); path != "" {
				sigs, err := readSignalFile(path)
				if err != nil {
					return err
				}
				for _, sig := range sigs {
					submitSignal(ctx, app, eng, output, sig, strategy)
				}
			}
			if useStdin, _ := cmd.Flags().GetBool("stdin"); useStdin {
				go streamSignals(ctx, os.Stdin, func(sig models.Signal) {
					submitSignal(ctx, app, eng, output, sig, strategy)
				}, func(err error) {
					output.Warning("Skipping signal: %v", err)
				})
			}

			err = <-done
			eng.Manager.Wait()
			output.Info("Governor stopped")
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().String("signals", "", "YAML or JSON file of signals to submit at startup")
	cmd.Flags().Bool("stdin", false, "read signals from stdin, one object per line")
	cmd.Flags().String("strategy", "", "default strategy name for signals without one")
	return cmd
}

func submitSignal(ctx context.Context, app *App, eng *Engine, output *Output, sig models.Signal, strategy string) {
	if d, ok := parseDirection(string(sig.Direction)); ok {
		sig.Direction = d
	}
	trade, err := eng.Manager.ExecuteSignal(ctx, sig, strategy)
	switch {
	case err == nil:
		output.Success("✓ %s %s %d @ %s submitted (%s)", trade.Direction, trade.Symbol, trade.Quantity, FormatPrice(trade.RequestedPrice), trade.ID)
	case apperrors.IsAdmissionRejected(err), apperrors.IsCostFilterRejected(err), apperrors.IsBrokerRejected(err):
		output.Warning("✗ %s rejected: %v", sig.Symbol, err)
	default:
		app.Logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("Signal failed")
		output.Error("✗ %s failed: %v", sig.Symbol, err)
	}
}

// signalFile accepts either a bare list or a document with a signals key.
type signalFile struct {
	Signals []models.Signal `yaml:"signals"`
}

func readSignalFile(path string) ([]models.Signal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signals: %w", err)
	}
	return parseSignals(data)
}

// parseSignals decodes YAML; JSON documents parse as YAML too.
func parseSignals(data []byte) ([]models.Signal, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var list []models.Signal
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var doc signalFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing signals: %w", err)
	}
	if doc.Signals == nil {
		var one models.Signal
		if err := yaml.Unmarshal(data, &one); err != nil || one.Symbol == "" {
			return nil, fmt.Errorf("parsing signals: no signals found")
		}
		return []models.Signal{one}, nil
	}
	return doc.Signals, nil
}

// streamSignals reads one signal per line until r is exhausted or ctx ends.
func streamSignals(ctx context.Context, r io.Reader, submit func(models.Signal), bad func(error)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var sig models.Signal
		if err := yaml.Unmarshal([]byte(line), &sig); err != nil {
			bad(fmt.Errorf("%q: %w", line, err))
			continue
		}
		submit(sig)
	}
	if err := scanner.Err(); err != nil {
		bad(err)
	}
}
