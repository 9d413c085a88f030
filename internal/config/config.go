// Package config provides configuration management for the governor.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"trade-governor/internal/broker"
	"trade-governor/internal/cache"
	"trade-governor/internal/capital"
	"trade-governor/internal/execution"
	"trade-governor/internal/governance"
	"trade-governor/internal/logging"
	"trade-governor/internal/models"
	"trade-governor/internal/notify"
	"trade-governor/internal/risk"
	"trade-governor/internal/session"
	"trade-governor/internal/trace"
)

// Trading modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Mode          string           `mapstructure:"mode"` // "live", "paper"
	Capital       CapitalConfig    `mapstructure:"capital"`
	Risk          risk.Config      `mapstructure:"risk"`
	Governance    GovernanceConfig `mapstructure:"governance"`
	Session       session.Config   `mapstructure:"session"`
	Execution     execution.Config `mapstructure:"execution"`
	Broker        BrokerConfig     `mapstructure:"broker"`
	Cache         CacheConfig      `mapstructure:"cache"`
	Ledger        LedgerConfig     `mapstructure:"ledger"`
	Metrics       MetricsConfig    `mapstructure:"metrics"`
	Trace         trace.Config     `mapstructure:"trace"`
	Notifications notify.Config    `mapstructure:"notifications"`
	Logging       LoggingConfig    `mapstructure:"logging"`
	Credentials   Credentials      `mapstructure:"-" json:"-"` // Loaded separately

	dir string
}

// CapitalConfig is capital.Config plus the bucket and regime tables, which
// TOML keys as strings.
type CapitalConfig struct {
	capital.Config `mapstructure:",squash"`

	Buckets     map[string]float64            `mapstructure:"bucket_caps"`
	Multipliers map[string]map[string]float64 `mapstructure:"regime_multipliers"`
}

// GovernanceConfig is governance.Config plus the layer entries are sized
// against.
type GovernanceConfig struct {
	governance.Config `mapstructure:",squash"`

	Layer     string                            `mapstructure:"layer"`
	LayerPcts map[string]governance.LayerParams `mapstructure:"layers"`
}

// BrokerConfig holds venue settings.
type BrokerConfig struct {
	PaperBalance float64               `mapstructure:"paper_balance"`
	TokenPath    string                `mapstructure:"token_path"`
	Observed     broker.ObservedConfig `mapstructure:"observed"`
}

// CacheConfig selects the counter store.
type CacheConfig struct {
	Backend string `mapstructure:"backend"` // memory, redis
	Addr    string `mapstructure:"addr"`
	DB      int    `mapstructure:"db"`
	Prefix  string `mapstructure:"prefix"`
}

// LedgerConfig locates the SQLite trade ledger.
type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig holds the Prometheus listener.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// LoggingConfig mirrors logging.LogConfig.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// Credentials holds secrets loaded from credentials.toml.
type Credentials struct {
	Kite     KiteCredentials     `mapstructure:"kite"`
	Redis    RedisCredentials    `mapstructure:"redis"`
	Telegram TelegramCredentials `mapstructure:"telegram"`
}

// KiteCredentials holds Kite Connect API credentials.
type KiteCredentials struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	AccessToken string `mapstructure:"access_token"`
	UserID      string `mapstructure:"user_id"`
}

// RedisCredentials holds the counter cache password.
type RedisCredentials struct {
	Password string `mapstructure:"password"`
}

// TelegramCredentials holds the alert bot token.
type TelegramCredentials struct {
	BotToken string `mapstructure:"bot_token"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/trade-governor"
	}
	return filepath.Join(home, ".config", "trade-governor")
}

// Default returns the configuration used when a key is absent from
// config.toml.
func Default() *Config {
	lc := logging.DefaultLogConfig()
	return &Config{
		Mode:       ModePaper,
		Capital:    CapitalConfig{Config: capital.DefaultConfig()},
		Risk:       risk.DefaultConfig(),
		Governance: GovernanceConfig{Config: governance.DefaultConfig(), Layer: "INTRADAY"},
		Session:    session.DefaultConfig(),
		Execution:  execution.DefaultConfig(),
		Broker: BrokerConfig{
			PaperBalance: 100000,
			Observed:     broker.DefaultObservedConfig(),
		},
		Cache:   CacheConfig{Backend: CacheMemory, Addr: "localhost:6379", Prefix: "governor:"},
		Metrics: MetricsConfig{Listen: ":9108"},
		Logging: LoggingConfig{
			Level:      lc.Level,
			Console:    lc.Console,
			File:       lc.File,
			FilePath:   lc.FilePath,
			MaxSize:    lc.MaxSize,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAge,
		},
	}
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. Missing files
// are created from templates and then read.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env is optional
	_ = godotenv.Load()

	cfg := Default()
	cfg.dir = configDir
	// Left out of config.toml, these follow [capital].
	cfg.Risk.InitialCapital = 0
	cfg.Risk.MaxPerTradeRisk = 0

	if err := loadFile(configDir, "config", configTemplate, 0644, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}
	if err := loadFile(configDir, "credentials", credentialsTemplate, 0600, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.applyCredentials()
	cfg.deriveRiskLimits()

	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = filepath.Join(configDir, "ledger.db")
	}
	if cfg.Broker.TokenPath == "" {
		cfg.Broker.TokenPath = filepath.Join(configDir, "kite_session.json")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func loadFile(configDir, name, template string, perm os.FileMode, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		if err := writeTemplate(configDir, name, template, perm); err != nil {
			return err
		}
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}
	return v.Unmarshal(target)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.Kite.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		cfg.Credentials.Kite.APISecret = v
	}
	if v := os.Getenv("KITE_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Kite.AccessToken = v
	}
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.Addr = v
		cfg.Cache.Backend = CacheRedis
	}
	if v := os.Getenv("LEDGER_PATH"); v != "" {
		cfg.Ledger.Path = v
	}
}

// deriveRiskLimits fills the risk gate's capital base and per-trade risk
// cap from [capital] when they are unset.
func (c *Config) deriveRiskLimits() {
	if c.Risk.InitialCapital == 0 {
		c.Risk.InitialCapital = c.Capital.TotalCapital
	}
	if c.Risk.MaxPerTradeRisk == 0 {
		c.Risk.MaxPerTradeRisk = c.Capital.TotalCapital * c.Capital.RiskPerTradePct / 100
	}
}

func (c *Config) applyCredentials() {
	if c.Credentials.Telegram.BotToken != "" {
		c.Notifications.Telegram.BotToken = c.Credentials.Telegram.BotToken
	}
}

// Dir returns the directory the configuration was loaded from.
func (c *Config) Dir() string {
	return c.dir
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Mode != ModePaper && c.Mode != ModeLive {
		return fmt.Errorf("invalid trading mode: %s (must be 'live' or 'paper')", c.Mode)
	}
	if c.Mode == ModeLive && c.Credentials.Kite.APIKey == "" {
		return errors.New("live mode requires kite api_key")
	}

	if c.Capital.TotalCapital <= 0 {
		return errors.New("capital.total_capital must be positive")
	}
	if c.Risk.InitialCapital <= 0 {
		return errors.New("risk.initial_capital must be positive")
	}
	if sized := c.Capital.TotalCapital * c.Capital.RiskPerTradePct / 100; c.Risk.MaxPerTradeRisk < sized {
		return fmt.Errorf("risk.max_per_trade_risk Rs%.2f is below the capital risk per trade Rs%.2f; risk-sized entries would be rejected",
			c.Risk.MaxPerTradeRisk, sized)
	}

	pcts := map[string]float64{
		"capital.risk_per_trade_pct":        c.Capital.RiskPerTradePct,
		"capital.cash_reserve_pct":          c.Capital.CashReservePct,
		"capital.sector_cap_pct":            c.Capital.SectorCapPct,
		"capital.drawdown_reduce_pct":       c.Capital.DrawdownReducePct,
		"capital.drawdown_block_pct":        c.Capital.DrawdownBlockPct,
		"risk.max_capital_per_trade_pct":    c.Risk.MaxCapitalPerTradePct,
		"risk.max_exposure_pct":             c.Risk.MaxExposurePct,
		"governance.max_single_stock_pct":   c.Governance.MaxSingleStockPct,
		"governance.max_total_exposure_pct": c.Governance.MaxTotalExposurePct,
		"governance.freeze_drawdown_pct":    c.Governance.FreezeDrawdownPct,
		"governance.halt_drawdown_pct":      c.Governance.HaltDrawdownPct,
	}
	for bucket, pct := range c.Capital.Buckets {
		pcts["capital.bucket_caps."+bucket] = pct
	}
	for name, pct := range pcts {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("%s must be between 0 and 100 (got %.2f)", name, pct)
		}
	}

	if c.Execution.MonitorInterval <= 0 {
		return errors.New("execution.monitor_interval must be positive")
	}
	if c.Execution.MonitorTimeout < c.Execution.MonitorInterval {
		return errors.New("execution.monitor_timeout must not be shorter than monitor_interval")
	}
	switch c.Execution.OrderType {
	case models.OrderTypeLimit, models.OrderTypeMarket:
	default:
		return fmt.Errorf("execution.order_type must be LIMIT or MARKET (got %s)", c.Execution.OrderType)
	}

	if _, err := ParseLayer(c.Governance.Layer); err != nil {
		return err
	}
	for name, mult := range c.Capital.Multipliers {
		switch models.CapitalRegime(strings.ToUpper(name)) {
		case models.RegimeBull, models.RegimeBear, models.RegimeSideways, models.RegimeNeutral:
		default:
			return fmt.Errorf("unknown regime %q in capital.regime_multipliers", name)
		}
		for b := range mult {
			if !knownBucket(b) {
				return fmt.Errorf("unknown bucket %q in capital.regime_multipliers.%s", b, name)
			}
		}
	}
	for b := range c.Capital.Buckets {
		if !knownBucket(b) {
			return fmt.Errorf("unknown bucket %q in capital.bucket_caps", b)
		}
	}

	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.Addr == "" {
			return errors.New("cache.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend: %s (must be 'memory' or 'redis')", c.Cache.Backend)
	}

	if _, err := session.NewHours(c.Session); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Mode == ModePaper
}

func knownBucket(name string) bool {
	for _, b := range models.AllBuckets {
		if string(b) == strings.ToUpper(name) {
			return true
		}
	}
	return false
}

// ParseLayer accepts a layer by full name (L1_INTRADAY) or short name
// (INTRADAY).
func ParseLayer(s string) (models.Layer, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for _, l := range []models.Layer{models.LayerIntraday, models.LayerWeekly, models.LayerMonthly, models.LayerQuarterly} {
		if up == string(l) || strings.HasSuffix(string(l), "_"+up) {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown governance layer: %s", s)
}

// CapitalSettings returns the capital controller configuration with the
// TOML tables folded in over the defaults.
func (c *Config) CapitalSettings() capital.Config {
	out := c.Capital.Config
	out.BucketCaps = capital.DefaultBucketCaps()
	for b, pct := range c.Capital.Buckets {
		out.BucketCaps[models.Bucket(strings.ToUpper(b))] = pct
	}
	out.RegimeMultipliers = capital.DefaultRegimeMultipliers()
	for regime, table := range c.Capital.Multipliers {
		r := models.CapitalRegime(strings.ToUpper(regime))
		if out.RegimeMultipliers[r] == nil {
			out.RegimeMultipliers[r] = make(map[models.Bucket]float64)
		}
		for b, m := range table {
			out.RegimeMultipliers[r][models.Bucket(strings.ToUpper(b))] = m
		}
	}
	out.Regime = models.CapitalRegime(strings.ToUpper(string(out.Regime)))
	// viper lowercases keys; symbols are upper case.
	if len(c.Capital.SectorOverrides) > 0 {
		out.SectorOverrides = make(map[string]string, len(c.Capital.SectorOverrides))
		for sym, sector := range c.Capital.SectorOverrides {
			out.SectorOverrides[strings.ToUpper(sym)] = sector
		}
	}
	return out
}

// GovernanceSettings returns the governance configuration with layer
// overrides applied.
func (c *Config) GovernanceSettings() governance.Config {
	out := c.Governance.Config
	out.Layers = governance.DefaultLayers()
	for name, params := range c.Governance.LayerPcts {
		l, err := ParseLayer(name)
		if err != nil {
			continue
		}
		out.Layers[l] = params
	}
	return out
}

// ExecutionSettings returns the execution configuration with its layer.
func (c *Config) ExecutionSettings() execution.Config {
	out := c.Execution
	out.Layer, _ = ParseLayer(c.Governance.Layer)
	return out
}

// LogSettings converts the logging section.
func (c *Config) LogSettings() logging.LogConfig {
	return logging.LogConfig{
		Level:      c.Logging.Level,
		Console:    c.Logging.Console,
		File:       c.Logging.File,
		FilePath:   c.Logging.FilePath,
		MaxSize:    c.Logging.MaxSize,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAge,
	}
}

// RedisSettings returns the counter cache connection settings.
func (c *Config) RedisSettings() cache.RedisConfig {
	return cache.RedisConfig{
		Addr:     c.Cache.Addr,
		Password: c.Credentials.Redis.Password,
		DB:       c.Cache.DB,
		Prefix:   c.Cache.Prefix,
	}
}

// KiteSettings returns the live venue settings.
func (c *Config) KiteSettings() broker.ZerodhaConfig {
	return broker.ZerodhaConfig{
		APIKey:      c.Credentials.Kite.APIKey,
		APISecret:   c.Credentials.Kite.APISecret,
		AccessToken: c.Credentials.Kite.AccessToken,
		UserID:      c.Credentials.Kite.UserID,
		TokenPath:   c.Broker.TokenPath,
	}
}
