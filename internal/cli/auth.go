package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"trade-governor/internal/broker"
)

func newLoginCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Login to Zerodha Kite Connect",
		Long: `Login to Zerodha Kite Connect.

Prints the Kite login URL. After logging in, Kite redirects with a
request_token; pass it with --token or paste it at the prompt. The access
token is saved for the rest of the trading day.`,
		Example: `  trader login
  trader login --token=<request_token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			if app.Config.Credentials.Kite.APIKey == "" {
				output.Error("Kite API key not configured. Please check your credentials.toml")
				return fmt.Errorf("broker not configured")
			}
			kite := broker.NewZerodhaBroker(app.Config.KiteSettings())

			if kite.IsAuthenticated() {
				if err := kite.Connect(ctx); err == nil {
					output.Success("✓ Already logged in")
					return nil
				}
				output.Warning("Saved session is no longer valid, logging in again")
			}

			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				output.Info("Open this URL and complete login:")
				output.Println(kite.GetLoginURL())
				output.Println()
				output.Printf("Paste the request_token from the redirect URL: ")

				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil {
					return fmt.Errorf("reading request token: %w", err)
				}
				token = strings.TrimSpace(line)
			}
			if token == "" {
				return fmt.Errorf("no request token given")
			}

			if err := kite.CompleteLogin(ctx, token); err != nil {
				output.Error("Login failed: %v", err)
				return err
			}
			if err := kite.Connect(ctx); err != nil {
				return fmt.Errorf("verifying session: %w", err)
			}
			output.Success("✓ Login successful!")
			return nil
		},
	}

	cmd.Flags().String("token", "", "request token from the Kite redirect")
	return cmd
}
