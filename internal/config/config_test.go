package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-governor/internal/models"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"KITE_API_KEY", "KITE_API_SECRET", "KITE_ACCESS_TOKEN", "TRADING_MODE", "REDIS_ADDR", "LEDGER_PATH"} {
		t.Setenv(k, "")
	}
}

func TestLoadCreatesTemplates(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	for _, name := range []string{"config.toml", "credentials.toml"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	info, err := os.Stat(filepath.Join(dir, "credentials.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	def := Default()
	assert.True(t, cfg.IsPaperMode())
	assert.Equal(t, def.Capital.Config.TotalCapital, cfg.Capital.TotalCapital)
	assert.Equal(t, def.Risk, cfg.Risk)
	assert.Equal(t, def.Session, cfg.Session)
	assert.Equal(t, def.Execution.MonitorTimeout, cfg.Execution.MonitorTimeout)
	assert.Equal(t, def.Broker.Observed.Circuit, cfg.Broker.Observed.Circuit)
	assert.Equal(t, def.Broker.Observed.Retry.MaxDelay, cfg.Broker.Observed.Retry.MaxDelay)
	assert.Equal(t, CacheMemory, cfg.Cache.Backend)
	assert.Equal(t, filepath.Join(dir, "ledger.db"), cfg.Ledger.Path)
	assert.Equal(t, dir, cfg.Dir())

	caps := cfg.CapitalSettings().BucketCaps
	assert.InDelta(t, 10, caps[models.BucketIntraday], 1e-9)
	assert.InDelta(t, 30, caps[models.BucketSwing], 1e-9)
	assert.Equal(t, models.LayerIntraday, cfg.ExecutionSettings().Layer)

	// A second load reads the template it wrote.
	again, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.Risk, again.Risk)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
mode = "paper"

[capital]
total_capital = 250000.0
regime = "bear"

[capital.bucket_caps]
INTRADAY = 15.0

[capital.regime_multipliers.BEAR]
SWING = 0.25

[capital.sector_overrides]
ZOMATO = "Consumer"

[risk]
max_open_trades = 4
halt_expiry = "12h"

[governance]
layer = "weekly"

[governance.layers.L2_WEEKLY]
allocation_pct = 40.0
risk_per_trade_pct = 1.0
max_drawdown_pct = 6.0

[execution]
order_type = "MARKET"
monitor_interval = "500ms"

[cache]
backend = "redis"
addr = "redis:6379"
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "credentials.toml"), []byte(`
[kite]
api_key = "key"
[redis]
password = "hunter2"
[telegram]
bot_token = "bot"
`), 0600))

	cfg, err := Load(dir)
	require.NoError(t, err)

	capCfg := cfg.CapitalSettings()
	assert.InDelta(t, 250000, capCfg.TotalCapital, 1e-9)
	assert.Equal(t, models.RegimeBear, capCfg.Regime)
	assert.InDelta(t, 15, capCfg.BucketCaps[models.BucketIntraday], 1e-9)
	assert.InDelta(t, 30, capCfg.BucketCaps[models.BucketDividend], 1e-9)
	assert.InDelta(t, 0.25, capCfg.RegimeMultipliers[models.RegimeBear][models.BucketSwing], 1e-9)
	assert.Equal(t, "Consumer", capCfg.SectorOverrides["ZOMATO"])

	assert.Equal(t, 4, cfg.Risk.MaxOpenTrades)
	assert.Equal(t, 12*time.Hour, cfg.Risk.HaltExpiry)
	// unset risk limits follow [capital]
	assert.InDelta(t, 250000, cfg.Risk.InitialCapital, 1e-9)
	assert.InDelta(t, 2500, cfg.Risk.MaxPerTradeRisk, 1e-9)

	gov := cfg.GovernanceSettings()
	assert.InDelta(t, 40, gov.Layers[models.LayerWeekly].AllocationPct, 1e-9)
	assert.InDelta(t, 25, gov.Layers[models.LayerIntraday].AllocationPct, 1e-9)

	exec := cfg.ExecutionSettings()
	assert.Equal(t, models.LayerWeekly, exec.Layer)
	assert.Equal(t, models.OrderTypeMarket, exec.OrderType)
	assert.Equal(t, 500*time.Millisecond, exec.MonitorInterval)

	redis := cfg.RedisSettings()
	assert.Equal(t, "redis:6379", redis.Addr)
	assert.Equal(t, "hunter2", redis.Password)
	assert.Equal(t, "bot", cfg.Notifications.Telegram.BotToken)
	assert.Equal(t, "key", cfg.KiteSettings().APIKey)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("KITE_API_KEY", "env-key")
	t.Setenv("KITE_ACCESS_TOKEN", "env-token")
	t.Setenv("TRADING_MODE", "LIVE")
	t.Setenv("REDIS_ADDR", "10.0.0.5:6379")
	t.Setenv("LEDGER_PATH", "/var/lib/governor/ledger.db")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.False(t, cfg.IsPaperMode())
	assert.Equal(t, "env-key", cfg.KiteSettings().APIKey)
	assert.Equal(t, "env-token", cfg.KiteSettings().AccessToken)
	assert.Equal(t, CacheRedis, cfg.Cache.Backend)
	assert.Equal(t, "10.0.0.5:6379", cfg.Cache.Addr)
	assert.Equal(t, "/var/lib/governor/ledger.db", cfg.Ledger.Path)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown mode", func(c *Config) { c.Mode = "sandbox" }},
		{"live without key", func(c *Config) { c.Mode = ModeLive }},
		{"zero capital", func(c *Config) { c.Capital.TotalCapital = 0 }},
		{"negative initial capital", func(c *Config) { c.Risk.InitialCapital = -1 }},
		{"trade risk below admission risk", func(c *Config) { c.Risk.MaxPerTradeRisk = 400 }},
		{"percent above 100", func(c *Config) { c.Risk.MaxExposurePct = 120 }},
		{"negative percent", func(c *Config) { c.Capital.SectorCapPct = -5 }},
		{"bucket cap above 100", func(c *Config) { c.Capital.Buckets = map[string]float64{"swing": 150} }},
		{"unknown bucket", func(c *Config) { c.Capital.Buckets = map[string]float64{"crypto": 10} }},
		{"unknown regime", func(c *Config) {
			c.Capital.Multipliers = map[string]map[string]float64{"euphoric": {"swing": 1}}
		}},
		{"zero monitor interval", func(c *Config) { c.Execution.MonitorInterval = 0 }},
		{"timeout below interval", func(c *Config) { c.Execution.MonitorTimeout = time.Millisecond }},
		{"stop order type", func(c *Config) { c.Execution.OrderType = models.OrderTypeStopLossM }},
		{"unknown layer", func(c *Config) { c.Governance.Layer = "HOURLY" }},
		{"unknown cache", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"redis without addr", func(c *Config) { c.Cache.Backend = CacheRedis; c.Cache.Addr = "" }},
		{"bad session time", func(c *Config) { c.Session.MarketOpen = "9am" }},
	}

	require.NoError(t, Default().Validate())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseLayer(t *testing.T) {
	for in, want := range map[string]models.Layer{
		"INTRADAY":     models.LayerIntraday,
		"intraday":     models.LayerIntraday,
		"L2_WEEKLY":    models.LayerWeekly,
		" monthly ":    models.LayerMonthly,
		"l4_quarterly": models.LayerQuarterly,
	} {
		got, err := ParseLayer(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLayer("DAILY")
	assert.Error(t, err)
}
