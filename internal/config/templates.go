package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Trade Governor Configuration

# Trading mode: "live" or "paper"
mode = "paper"

[capital]
# Account capital used for sizing and bucket caps (INR)
total_capital = 100000.0
# Risk per trade as percentage of capital
risk_per_trade_pct = 1.0
# Capital kept aside, never deployed
cash_reserve_pct = 10.0
# Maximum exposure per sector
sector_cap_pct = 30.0
# Drawdown at which risk per trade is reduced, and at which entries stop
drawdown_reduce_pct = 8.0
drawdown_block_pct = 12.0
reduced_risk_factor = 0.5
# Market regime: BULL, BEAR, SIDEWAYS, NEUTRAL
regime = "BULL"

[capital.bucket_caps]
DIVIDEND = 30.0
SWING = 30.0
MID_TERM = 30.0
INTRADAY = 10.0

[capital.sector_overrides]
# SYMBOL = "Sector"

[risk]
# Capital base when the broker reports no margins. Defaults to
# capital.total_capital.
# initial_capital = 100000.0
# Maximum loss per trade (INR). Defaults to the capital admission risk
# (total_capital x risk_per_trade_pct) and must not be below it.
# max_per_trade_risk = 1000.0
# Daily loss that halts trading (INR)
max_daily_loss = 3000.0
max_open_trades = 2
max_capital_per_trade_pct = 30.0
max_exposure_pct = 60.0
consecutive_loss_limit = 3
consecutive_loss_pause_minutes = 60
halt_expiry = "24h"
# Maximum round-trip cost as a fraction of expected profit
max_cost_ratio = 0.25

[governance]
# Layer entries are sized against: INTRADAY, WEEKLY, MONTHLY, QUARTERLY
layer = "INTRADAY"
max_single_stock_pct = 25.0
max_total_exposure_pct = 40.0
reduce_drawdown_pct = 10.0
freeze_drawdown_pct = 15.0
halt_drawdown_pct = 20.0
reduced_multiplier = 0.5
high_vol_multiplier = 0.7
assumed_stop_pct = 2.0

[session]
# Times are IST, HH:MM
market_open = "09:15"
market_close = "15:30"
placement_start = "09:15"
placement_end = "15:20"
opening_noise_end = "09:30"
primary_start = "09:45"
primary_end = "11:30"
lunch_start = "12:00"
lunch_end = "13:15"
secondary_start = "13:45"
secondary_end = "14:45"
no_new_trades_after = "15:00"
flatten_by = "15:20"
enforce_quality_windows = false
# Exchange holidays, YYYY-MM-DD
# holidays = ["2026-11-09"]

[execution]
monitor_interval = "1s"
monitor_timeout = "60s"
close_fill_wait = "2s"
reconcile_interval = "10m"
# LIMIT or MARKET entries
order_type = "LIMIT"
default_product = "CNC"
exchange = "NSE"

[broker]
# Starting cash for the paper venue
paper_balance = 100000.0

[broker.observed]
call_timeout = "10s"

[broker.observed.circuit]
failure_threshold = 5
success_threshold = 2
open_timeout = "30s"

[broker.observed.retry]
max_attempts = 3
initial_delay = "200ms"
max_delay = "5s"
backoff_factor = 2.0

[cache]
# Counter store: "memory" or "redis"
backend = "memory"
addr = "localhost:6379"
db = 0
prefix = "governor:"

[ledger]
# Defaults to ledger.db in the config directory
path = ""

[metrics]
listen = ":9108"

[trace]
enabled = false
pretty = false

[logging]
level = "info"
console = true
file = true
max_size = 100
max_backups = 7
max_age = 30

[notifications]
enabled = false
# Notification level: all, trades_only, errors_only
level = "all"

[notifications.webhook]
enabled = false
url = ""

[notifications.telegram]
enabled = false
chat_id = ""
`

const credentialsTemplate = `# Trade Governor Credentials
# WARNING: Keep this file secure! Do not commit to version control.

[kite]
api_key = ""
api_secret = ""
access_token = ""
user_id = ""

[redis]
password = ""

[telegram]
bot_token = ""
`

func writeTemplate(configDir, name, template string, perm os.FileMode) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(template), perm); err != nil {
		return fmt.Errorf("writing %s template: %w", name, err)
	}
	return nil
}
