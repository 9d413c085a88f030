// Package notify fans critical alerts out to operator channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"trade-governor/internal/models"
	"trade-governor/pkg/utils"
)

// Alert kinds raised by the execution core.
const (
	AlertOrphanOrder       = "orphan_order"
	AlertReconcileMismatch = "reconcile_mismatch"
	AlertEmergencyExit     = "emergency_exit"
	AlertTradingHalted     = "trading_halted"
	AlertCircuitOpen       = "circuit_open"
	AlertMonitorTimeout    = "monitor_timeout"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	SendCritical(ctx context.Context, kind, symbol, message string) error
	SendTradeClosed(ctx context.Context, trade *models.Trade) error
}

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationTrade    NotificationType = "trade"
	NotificationCritical NotificationType = "critical"
	NotificationInfo     NotificationType = "info"
)

// NotificationLevel represents the notification level filter.
type NotificationLevel string

const (
	LevelAll          NotificationLevel = "all"
	LevelTradesOnly   NotificationLevel = "trades_only"
	LevelCriticalOnly NotificationLevel = "critical_only"
)

// Config holds notification configuration.
type Config struct {
	Enabled  bool           `mapstructure:"enabled"`
	Level    string         `mapstructure:"level"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token" json:"-"`
	ChatID   string `mapstructure:"chat_id"`
	// BaseURL overrides the Bot API host.
	BaseURL string `mapstructure:"base_url"`
}

// New returns a MultiNotifier for cfg, or a NoOpNotifier when disabled.
func New(cfg Config) Notifier {
	if !cfg.Enabled {
		return NewNoOpNotifier()
	}
	return NewMultiNotifier(cfg)
}

// MultiNotifier sends notifications to multiple channels.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	mu       sync.RWMutex
}

// NewMultiNotifier creates a new MultiNotifier with the given configuration.
func NewMultiNotifier(cfg Config) *MultiNotifier {
	mn := &MultiNotifier{
		channels: make([]NotificationChannel, 0),
		level:    NotificationLevel(cfg.Level),
	}

	if mn.level == "" {
		mn.level = LevelAll
	}

	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook))
	}
	if cfg.Telegram.Enabled {
		mn.channels = append(mn.channels, NewTelegramNotifier(cfg.Telegram))
	}

	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

func (mn *MultiNotifier) shouldSend(notifType NotificationType) bool {
	switch mn.level {
	case LevelTradesOnly:
		return notifType == NotificationTrade || notifType == NotificationCritical
	case LevelCriticalOnly:
		return notifType == NotificationCritical
	default:
		return true
	}
}

// Send sends a notification to all enabled channels. Every channel is
// attempted; failures are joined.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if ch.IsEnabled() {
			if err := ch.Send(ctx, n); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SendCritical sends an operator alert.
func (mn *MultiNotifier) SendCritical(ctx context.Context, kind, symbol, message string) error {
	title := "CRITICAL: " + strings.ToUpper(strings.ReplaceAll(kind, "_", " "))
	if symbol != "" {
		title += " " + symbol
	}
	return mn.Send(ctx, Notification{
		Type:    NotificationCritical,
		Title:   title,
		Message: message,
		Data: map[string]interface{}{
			"kind":   kind,
			"symbol": symbol,
		},
	})
}

// SendTradeClosed sends a closed-trade summary.
func (mn *MultiNotifier) SendTradeClosed(ctx context.Context, trade *models.Trade) error {
	title := fmt.Sprintf("Trade Closed: %s %s", trade.Direction, trade.Symbol)
	message := fmt.Sprintf(
		"Quantity: %s\nEntry: %s\nExit: %s\nCharges: %s\nNet P&L: %s\nReason: %s",
		utils.FormatQty(trade.Quantity),
		utils.FormatINR(trade.EntryPrice),
		utils.FormatINR(trade.ExitPrice),
		utils.FormatINR(trade.Charges),
		utils.FormatPnL(trade.NetPnL),
		trade.ExitReason,
	)

	return mn.Send(ctx, Notification{
		Type:    NotificationTrade,
		Title:   title,
		Message: message,
		Data: map[string]interface{}{
			"trade_id":    trade.ID,
			"symbol":      trade.Symbol,
			"direction":   trade.Direction,
			"quantity":    trade.Quantity,
			"entry_price": trade.EntryPrice,
			"exit_price":  trade.ExitPrice,
			"net_pnl":     trade.NetPnL,
			"exit_reason": trade.ExitReason,
		},
	})
}

// WebhookNotifier sends notifications via HTTP webhook.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

// Send posts the notification as JSON.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	if !w.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "TradeGovernor/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// TelegramNotifier sends notifications via Telegram bot.
type TelegramNotifier struct {
	baseURL  string
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// NewTelegramNotifier creates a new TelegramNotifier.
func NewTelegramNotifier(cfg TelegramConfig) *TelegramNotifier {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		baseURL:  strings.TrimRight(base, "/"),
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the name of the notifier.
func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// IsEnabled returns whether the notifier is enabled.
func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

// Send sends a notification via Telegram.
func (t *TelegramNotifier) Send(ctx context.Context, n Notification) error {
	if !t.enabled {
		return nil
	}

	// HTML parse mode
	text := fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(n.Title), escapeHTML(n.Message))

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating telegram request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// NoOpNotifier drops everything. Used when notifications are disabled.
type NoOpNotifier struct{}

// NewNoOpNotifier creates a new NoOpNotifier.
func NewNoOpNotifier() *NoOpNotifier {
	return &NoOpNotifier{}
}

func (n *NoOpNotifier) Send(ctx context.Context, notif Notification) error { return nil }

func (n *NoOpNotifier) SendCritical(ctx context.Context, kind, symbol, message string) error {
	return nil
}

func (n *NoOpNotifier) SendTradeClosed(ctx context.Context, trade *models.Trade) error { return nil }
