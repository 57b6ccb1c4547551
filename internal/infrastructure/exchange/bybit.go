package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"github.com/vitos/futures_guard/internal/domain"
	"go.uber.org/zap"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"

	exchangeName = "bybit"
	settleCoin   = "USDT"
)

// BybitAdapter talks to the Bybit v5 API for USDT linear perpetuals.
type BybitAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
	logger    *zap.Logger

	mu        sync.Mutex
	wsConn    *websocket.Conn
	callbacks []func(symbol string, price float64)
}

var _ domain.Broker = (*BybitAdapter)(nil)

func NewBybitAdapter(apiKey, apiSecret, baseURL, wsURL string, logger *zap.Logger) *BybitAdapter {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BybitAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   strings.TrimRight(baseURL, "/"),
		wsURL:     wsURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
	}
}

// --- REST API ---

func (b *BybitAdapter) sign(params string, timestamp int64, recvWindow int) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

// envelope is the common v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, payload map[string]interface{}) (json.RawMessage, error) {
	timestamp := time.Now().UnixMilli()
	recvWindow := 5000

	var body []byte
	var paramsStr string

	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if method == http.MethodGet {
		// GET signs the raw query string
		if idx := strings.Index(path, "?"); idx != -1 {
			paramsStr = path[idx+1:]
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", b.sign(paramsStr, timestamp, recvWindow))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", string(respBody))
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if env.RetCode != 0 {
		return nil, &APIError{Code: env.RetCode, Message: env.RetMsg}
	}
	return env.Result, nil
}

// APIError is a non-zero retCode returned by Bybit.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit error %d: %s", e.Code, e.Message)
}

func (b *BybitAdapter) GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	raw, err := b.sendRequest(ctx, http.MethodGet, "/v5/account/wallet-balance?accountType=UNIFIED", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			TotalWalletBalance    string `json:"totalWalletBalance"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			TotalInitialMargin    string `json:"totalInitialMargin"`
			TotalPerpUPL          string `json:"totalPerpUPL"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("wallet balance: empty account list")
	}

	acc := result.List[0]
	return &domain.AccountSnapshot{
		WalletBalance:    parseFloat(acc.TotalWalletBalance),
		AvailableBalance: parseFloat(acc.TotalAvailableBalance),
		MarginUsed:       parseFloat(acc.TotalInitialMargin),
		UnrealizedPnL:    parseFloat(acc.TotalPerpUPL),
	}, nil
}

// GetOpenPositions lists every non-flat linear position. Rows that cannot
// be parsed are skipped and logged rather than failing the whole call.
func (b *BybitAdapter) GetOpenPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	raw, err := b.sendRequest(ctx, http.MethodGet, "/v5/position/list?category=linear&settleCoin="+settleCoin, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			Leverage      string `json:"leverage"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}

	positions := make([]domain.BrokerPosition, 0, len(result.List))
	for _, p := range result.List {
		size, err := strconv.ParseFloat(p.Size, 64)
		if err != nil || p.Symbol == "" {
			b.logger.Warn("Skipping malformed position row", zap.String("symbol", p.Symbol), zap.String("size", p.Size))
			continue
		}
		if size == 0 {
			continue
		}
		if p.Side == "Sell" {
			size = -size
		}
		lev, _ := strconv.ParseFloat(p.Leverage, 64)

		positions = append(positions, domain.BrokerPosition{
			Exchange:       exchangeName,
			Symbol:         p.Symbol,
			SignedQuantity: size,
			EntryPrice:     parseFloat(p.AvgPrice),
			MarkPrice:      parseFloat(p.MarkPrice),
			UnrealizedPnL:  parseFloat(p.UnrealisedPnl),
			Leverage:       int(lev),
		})
	}
	return positions, nil
}

func (b *BybitAdapter) GetOpenOrders(ctx context.Context) ([]domain.Order, error) {
	raw, err := b.sendRequest(ctx, http.MethodGet, "/v5/order/realtime?category=linear&settleCoin="+settleCoin, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			Qty         string `json:"qty"`
			Price       string `json:"price"`
			ReduceOnly  bool   `json:"reduceOnly"`
			OrderStatus string `json:"orderStatus"`
			CreatedTime string `json:"createdTime"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(result.List))
	for _, o := range result.List {
		ms, _ := strconv.ParseInt(o.CreatedTime, 10, 64)
		orders = append(orders, domain.Order{
			ID:         o.OrderID,
			Exchange:   exchangeName,
			Symbol:     o.Symbol,
			Side:       sideFromBybit(o.Side),
			Quantity:   parseFloat(o.Qty),
			Price:      parseFloat(o.Price),
			ReduceOnly: o.ReduceOnly,
			Status:     o.OrderStatus,
			CreatedAt:  time.UnixMilli(ms),
		})
	}
	return orders, nil
}

func (b *BybitAdapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*domain.Order, error) {
	return b.placeOrder(ctx, symbol, side, quantity, false)
}

func (b *BybitAdapter) PlaceReduceOnlyMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*domain.Order, error) {
	return b.placeOrder(ctx, symbol, side, quantity, true)
}

func (b *BybitAdapter) placeOrder(ctx context.Context, symbol string, side domain.Side, quantity float64, reduceOnly bool) (*domain.Order, error) {
	if symbol == "" || quantity <= 0 {
		return nil, fmt.Errorf("order %s qty=%v: %w", symbol, quantity, domain.ErrInvalidInput)
	}

	payload := map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"side":        sideToBybit(side),
		"orderType":   "Market",
		"qty":         FormatQuantity(quantity),
		"timeInForce": "IOC",
	}
	if reduceOnly {
		payload["reduceOnly"] = true
	}

	raw, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/create", payload)
	if err != nil {
		return nil, err
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}

	b.logger.Info("Order placed",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("qty", quantity),
		zap.Bool("reduce_only", reduceOnly),
		zap.String("order_id", result.OrderID))

	return &domain.Order{
		ID:         result.OrderID,
		Exchange:   exchangeName,
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		ReduceOnly: reduceOnly,
		Status:     "New",
		CreatedAt:  time.Now(),
	}, nil
}

func (b *BybitAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	payload := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
	}
	_, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/cancel-all", payload)
	return err
}

// leverageNotModified is returned when the requested leverage is already set.
const leverageNotModified = 110043

func (b *BybitAdapter) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	payload := map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	_, err := b.sendRequest(ctx, http.MethodPost, "/v5/position/set-leverage", payload)
	if apiErr, ok := err.(*APIError); ok && apiErr.Code == leverageNotModified {
		return nil
	}
	return err
}

// --- WebSocket ---

// OnPriceUpdate registers a callback for ticker prices.
func (b *BybitAdapter) OnPriceUpdate(callback func(symbol string, price float64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, callback)
}

// StreamTickers keeps a public ticker subscription alive until ctx is done,
// reconnecting with exponential backoff when the connection drops.
func (b *BybitAdapter) StreamTickers(ctx context.Context, symbols []string) {
	if len(symbols) == 0 {
		return
	}
	bo := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}

	for {
		err := b.streamOnce(ctx, symbols)
		if ctx.Err() != nil {
			return
		}
		wait := bo.Duration()
		b.logger.Warn("Ticker stream disconnected", zap.Error(err), zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (b *BybitAdapter) streamOnce(ctx context.Context, symbols []string) error {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.wsConn = c
	b.mu.Unlock()

	defer func() {
		c.Close()
		b.mu.Lock()
		b.wsConn = nil
		b.mu.Unlock()
	}()

	// unblock ReadMessage on shutdown
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	args := make([]string, len(symbols))
	for i, s := range symbols {
		args[i] = "tickers." + s
	}
	if err := c.WriteJSON(map[string]interface{}{"op": "subscribe", "args": args}); err != nil {
		return err
	}

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			return err
		}
		symbol, price, ok := parseTicker(message)
		if !ok {
			continue
		}

		b.mu.Lock()
		callbacks := make([]func(string, float64), len(b.callbacks))
		copy(callbacks, b.callbacks)
		b.mu.Unlock()

		for _, cb := range callbacks {
			cb(symbol, price)
		}
	}
}

// parseTicker extracts a price from a tickers.* frame. Delta frames may omit
// lastPrice, in which case markPrice is used.
func parseTicker(message []byte) (string, float64, bool) {
	var event struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			MarkPrice string `json:"markPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		return "", 0, false
	}
	if !strings.HasPrefix(event.Topic, "tickers.") {
		return "", 0, false
	}

	symbol := strings.TrimPrefix(event.Topic, "tickers.")
	price := parseFloat(event.Data.LastPrice)
	if price <= 0 {
		price = parseFloat(event.Data.MarkPrice)
	}
	if price <= 0 {
		return "", 0, false
	}
	return symbol, price, true
}

// --- helpers ---

// FormatQuantity renders a quantity without float noise or trailing zeros.
func FormatQuantity(qty float64) string {
	return decimal.NewFromFloat(qty).String()
}

func sideToBybit(s domain.Side) string {
	if s == domain.SideShort {
		return "Sell"
	}
	return "Buy"
}

func sideFromBybit(s string) domain.Side {
	if s == "Sell" {
		return domain.SideShort
	}
	return domain.SideLong
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
