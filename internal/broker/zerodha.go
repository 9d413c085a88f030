package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "trade-governor/internal/errors"
	"trade-governor/internal/models"
)

// ZerodhaBroker implements Broker over Kite Connect.
type ZerodhaBroker struct {
	client        *kiteconnect.Client
	apiKey        string
	apiSecret     string
	userID        string
	accessToken   string
	tokenPath     string
	authenticated bool
	mu            sync.RWMutex
}

// ZerodhaConfig holds configuration for Zerodha broker.
type ZerodhaConfig struct {
	APIKey      string
	APISecret   string
	AccessToken string
	UserID      string
	TokenPath   string
}

var _ Broker = (*ZerodhaBroker)(nil)

// NewZerodhaBroker creates a new Zerodha broker. An access token in cfg
// wins over a saved session.
func NewZerodhaBroker(cfg ZerodhaConfig) *ZerodhaBroker {
	client := kiteconnect.New(cfg.APIKey)

	tokenPath := cfg.TokenPath
	if tokenPath == "" {
		homeDir, _ := os.UserHomeDir()
		tokenPath = filepath.Join(homeDir, ".config", "trade-governor", "session.json")
	}

	zb := &ZerodhaBroker{
		client:    client,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		userID:    cfg.UserID,
		tokenPath: tokenPath,
	}

	if cfg.AccessToken != "" {
		zb.setToken(cfg.AccessToken)
	} else {
		_ = zb.loadSession()
	}
	return zb
}

// sessionData represents persisted session data.
type sessionData struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Name returns the venue name.
func (z *ZerodhaBroker) Name() string { return "zerodha" }

func (z *ZerodhaBroker) setToken(token string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.accessToken = token
	z.authenticated = true
	z.client.SetAccessToken(token)
}

// Connect verifies the session with a profile call.
func (z *ZerodhaBroker) Connect(ctx context.Context) error {
	if !z.IsAuthenticated() {
		return fmt.Errorf("%w: visit %s and complete login", apperrors.ErrNotAuthenticated, z.client.GetLoginURL())
	}
	if _, err := z.client.GetUserProfile(); err != nil {
		z.mu.Lock()
		z.authenticated = false
		z.mu.Unlock()
		return classify("Connect", "", "", err)
	}
	return nil
}

// CompleteLogin exchanges a request token for an access token and saves it.
func (z *ZerodhaBroker) CompleteLogin(ctx context.Context, requestToken string) error {
	session, err := z.client.GenerateSession(requestToken, z.apiSecret)
	if err != nil {
		return fmt.Errorf("failed to generate session: %w", err)
	}
	z.setToken(session.AccessToken)
	return z.saveSession(session.AccessToken)
}

// IsAuthenticated returns whether the broker holds a session.
func (z *ZerodhaBroker) IsAuthenticated() bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.authenticated
}

// GetLoginURL returns the Kite login URL.
func (z *ZerodhaBroker) GetLoginURL() string {
	return z.client.GetLoginURL()
}

func (z *ZerodhaBroker) loadSession() error {
	data, err := os.ReadFile(z.tokenPath)
	if err != nil {
		return err
	}

	var session sessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return err
	}

	// Kite tokens expire at 6 AM IST the next day
	if time.Now().After(session.ExpiresAt) {
		return fmt.Errorf("session expired")
	}

	z.setToken(session.AccessToken)
	return nil
}

func (z *ZerodhaBroker) saveSession(accessToken string) error {
	if err := os.MkdirAll(filepath.Dir(z.tokenPath), 0700); err != nil {
		return err
	}

	loc, _ := time.LoadLocation("Asia/Kolkata")
	now := time.Now().In(loc)
	session := sessionData{
		AccessToken: accessToken,
		UserID:      z.userID,
		ExpiresAt:   time.Date(now.Year(), now.Month(), now.Day()+1, 6, 0, 0, 0, loc),
	}

	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return os.WriteFile(z.tokenPath, data, 0600)
}

// classify maps a Kite client error onto the error taxonomy: network and
// server faults are unavailable, order and input exceptions are rejections.
func classify(op, orderID, symbol string, err error) error {
	var kerr kiteconnect.Error
	if errors.As(err, &kerr) {
		switch kerr.ErrorType {
		case kiteconnect.OrderError, kiteconnect.InputError:
			return apperrors.NewBrokerRejectedError(orderID, symbol, kerr.Message)
		case kiteconnect.TokenError:
			return fmt.Errorf("%s: %w: %s", op, apperrors.ErrNotAuthenticated, kerr.Message)
		case kiteconnect.NetworkError:
			return apperrors.Unavailable(op, err)
		}
		if kerr.Code >= 500 || kerr.Code == 429 {
			return apperrors.Unavailable(op, err)
		}
		return apperrors.NewBrokerError(kerr.ErrorType, kerr.Message, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Unavailable(op, err)
	}
	return apperrors.NewBrokerError("unknown", op+" failed", err)
}

func (z *ZerodhaBroker) requireSession() error {
	if !z.IsAuthenticated() {
		return apperrors.ErrNotAuthenticated
	}
	return nil
}

func orderParams(req OrderRequest) kiteconnect.OrderParams {
	exchange := req.Exchange
	if exchange == "" {
		exchange = models.NSE
	}
	p := kiteconnect.OrderParams{
		Exchange:        string(exchange),
		Tradingsymbol:   req.Symbol,
		TransactionType: string(req.Side),
		OrderType:       string(req.Type),
		Product:         string(req.Product),
		Quantity:        req.Quantity,
		Price:           req.Price,
		TriggerPrice:    req.TriggerPrice,
		Validity:        req.Validity,
		Tag:             req.Tag,
	}
	if p.Validity == "" {
		p.Validity = "DAY"
	}
	// Kite refuses a price on market and SL-M orders.
	if req.Type == models.OrderTypeMarket || req.Type == models.OrderTypeStopLossM {
		p.Price = 0
	}
	return p
}

// PlaceOrder places a regular order. Kite acknowledges with an id only;
// the returned order is OPEN until GetOrderStatus reports otherwise.
func (z *ZerodhaBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	if err := z.requireSession(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.NewBrokerRejectedError("", req.Symbol, err.Error())
	}

	resp, err := z.client.PlaceOrder(kiteconnect.VarietyRegular, orderParams(req))
	if err != nil {
		return nil, classify("PlaceOrder", "", req.Symbol, err)
	}

	return &models.Order{
		ID:           resp.OrderID,
		Symbol:       req.Symbol,
		Exchange:     req.Exchange,
		Side:         req.Side,
		Type:         req.Type,
		Product:      req.Product,
		Quantity:     req.Quantity,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Validity:     req.Validity,
		Tag:          req.Tag,
		Status:       models.OrderStatusOpen,
		PlacedAt:     time.Now(),
	}, nil
}

// ModifyOrder modifies an open order.
func (z *ZerodhaBroker) ModifyOrder(ctx context.Context, orderID string, req OrderRequest) error {
	if err := z.requireSession(); err != nil {
		return err
	}
	if _, err := z.client.ModifyOrder(kiteconnect.VarietyRegular, orderID, orderParams(req)); err != nil {
		return classify("ModifyOrder", orderID, req.Symbol, err)
	}
	return nil
}

// CancelOrder cancels an open order.
func (z *ZerodhaBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := z.requireSession(); err != nil {
		return err
	}
	if _, err := z.client.CancelOrder(kiteconnect.VarietyRegular, orderID, nil); err != nil {
		return classify("CancelOrder", orderID, "", err)
	}
	return nil
}

func toOrder(o kiteconnect.Order) models.Order {
	return models.Order{
		ID:           o.OrderID,
		Symbol:       o.TradingSymbol,
		Exchange:     models.Exchange(o.Exchange),
		Side:         models.OrderSide(o.TransactionType),
		Type:         models.OrderType(o.OrderType),
		Product:      models.ProductType(o.Product),
		Quantity:     int(o.Quantity),
		Price:        o.Price,
		TriggerPrice: o.TriggerPrice,
		Validity:     o.Validity,
		Tag:          o.Tag,
		Status:       models.OrderStatus(o.Status),
		Message:      o.StatusMessage,
		FilledQty:    int(o.FilledQuantity),
		AveragePrice: o.AveragePrice,
		PlacedAt:     o.OrderTimestamp.Time,
	}
}

// GetOrderStatus returns the latest entry of the order's history.
func (z *ZerodhaBroker) GetOrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	if err := z.requireSession(); err != nil {
		return nil, err
	}
	history, err := z.client.GetOrderHistory(orderID)
	if err != nil {
		return nil, classify("GetOrderStatus", orderID, "", err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("order not found: %s", orderID)
	}
	o := toOrder(history[len(history)-1])
	return &o, nil
}

// GetOrders fetches all orders for the day.
func (z *ZerodhaBroker) GetOrders(ctx context.Context) ([]models.Order, error) {
	if err := z.requireSession(); err != nil {
		return nil, err
	}
	orders, err := z.client.GetOrders()
	if err != nil {
		return nil, classify("GetOrders", "", "", err)
	}
	result := make([]models.Order, len(orders))
	for i, o := range orders {
		result[i] = toOrder(o)
	}
	return result, nil
}

// GetPositions fetches net positions with non-zero quantity.
func (z *ZerodhaBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	if err := z.requireSession(); err != nil {
		return nil, err
	}
	positions, err := z.client.GetPositions()
	if err != nil {
		return nil, classify("GetPositions", "", "", err)
	}

	result := make([]models.Position, 0, len(positions.Net))
	for _, p := range positions.Net {
		if p.Quantity == 0 {
			continue
		}
		mult := p.Multiplier
		if mult == 0 {
			mult = 1
		}
		pnlPercent := 0.0
		if p.AveragePrice > 0 {
			pnlPercent = (p.LastPrice - p.AveragePrice) / p.AveragePrice * 100
		}
		result = append(result, models.Position{
			Symbol:       p.Tradingsymbol,
			Exchange:     models.Exchange(p.Exchange),
			Product:      models.ProductType(p.Product),
			Quantity:     int(p.Quantity),
			AveragePrice: p.AveragePrice,
			LTP:          p.LastPrice,
			PnL:          p.PnL,
			PnLPercent:   pnlPercent,
			Value:        p.LastPrice * float64(p.Quantity) * float64(mult),
			Multiplier:   int(mult),
		})
	}
	return result, nil
}

// GetMargins fetches equity segment margins.
func (z *ZerodhaBroker) GetMargins(ctx context.Context) (*models.Margins, error) {
	if err := z.requireSession(); err != nil {
		return nil, err
	}
	margins, err := z.client.GetUserMargins()
	if err != nil {
		return nil, classify("GetMargins", "", "", err)
	}
	eq := margins.Equity
	return &models.Margins{
		Available: eq.Available.Cash + eq.Available.Collateral,
		Used:      eq.Used.Debits,
		Total:     eq.Net,
	}, nil
}

// GetQuote fetches a quote. symbol may be bare or exchange-qualified.
func (z *ZerodhaBroker) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	if err := z.requireSession(); err != nil {
		return nil, err
	}
	key := symbol
	if !strings.Contains(symbol, ":") {
		key = instrumentKey(models.NSE, symbol)
	}

	quotes, err := z.client.GetQuote(key)
	if err != nil {
		return nil, classify("GetQuote", "", symbol, err)
	}
	q, ok := quotes[key]
	if !ok {
		return nil, fmt.Errorf("quote not found for symbol: %s", key)
	}

	changePct := 0.0
	if q.OHLC.Close > 0 {
		changePct = q.NetChange / q.OHLC.Close * 100
	}
	return &models.Quote{
		Symbol:        symbol,
		LTP:           q.LastPrice,
		Open:          q.OHLC.Open,
		High:          q.OHLC.High,
		Low:           q.OHLC.Low,
		Close:         q.OHLC.Close,
		Volume:        int64(q.Volume),
		Change:        q.NetChange,
		ChangePercent: changePct,
		Timestamp:     q.LastTradeTime.Time,
	}, nil
}
