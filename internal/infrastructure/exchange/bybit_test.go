package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/futures_guard/internal/domain"
	"go.uber.org/zap/zaptest"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *BybitAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBybitAdapter("key", "secret", srv.URL, "", zaptest.NewLogger(t))
}

func TestBybit_GetAccountSnapshot(t *testing.T) {
	b := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/account/wallet-balance", r.URL.Path)
		assert.Equal(t, "UNIFIED", r.URL.Query().Get("accountType"))
		assert.NotEmpty(t, r.Header.Get("X-BAPI-SIGN"))
		io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{
			"totalWalletBalance":"1000.5","totalAvailableBalance":"400","totalInitialMargin":"600.5","totalPerpUPL":"-12.25"}]}}`)
	})

	snap, err := b.GetAccountSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1000.5, snap.WalletBalance)
	assert.Equal(t, 400.0, snap.AvailableBalance)
	assert.Equal(t, 600.5, snap.MarginUsed)
	assert.Equal(t, -12.25, snap.UnrealizedPnL)
}

func TestBybit_GetOpenPositionsSignsAndSkipsBadRows(t *testing.T) {
	b := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "linear", r.URL.Query().Get("category"))
		io.WriteString(w, `{"retCode":0,"result":{"list":[
			{"symbol":"BTCUSDT","side":"Buy","size":"0.5","avgPrice":"60000","markPrice":"61000","leverage":"10"},
			{"symbol":"ETHUSDT","side":"Sell","size":"2","avgPrice":"3000","markPrice":"2900","leverage":"5"},
			{"symbol":"SOLUSDT","side":"","size":"0","avgPrice":"0"},
			{"symbol":"XRPUSDT","side":"Buy","size":"garbage"}
		]}}`)
	})

	positions, err := b.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)

	net := domain.NetQuantities(positions)
	assert.Equal(t, 0.5, net["BTCUSDT"])
	assert.Equal(t, -2.0, net["ETHUSDT"])
	assert.Equal(t, 10, positions[0].Leverage)
}

func TestBybit_ReduceOnlyOrderPayload(t *testing.T) {
	var body map[string]interface{}
	b := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v5/order/create", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		io.WriteString(w, `{"retCode":0,"result":{"orderId":"abc-1"}}`)
	})

	order, err := b.PlaceReduceOnlyMarketOrder(context.Background(), "BTCUSDT", domain.SideShort, 0.001)
	require.NoError(t, err)
	assert.Equal(t, "abc-1", order.ID)
	assert.True(t, order.ReduceOnly)

	assert.Equal(t, "Sell", body["side"])
	assert.Equal(t, "0.001", body["qty"])
	assert.Equal(t, true, body["reduceOnly"])
	assert.Equal(t, "Market", body["orderType"])
}

func TestBybit_APIErrorsAreTyped(t *testing.T) {
	b := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"retCode":10001,"retMsg":"params error","result":{}}`)
	})

	err := b.CancelAllOrders(context.Background(), "BTCUSDT")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 10001, apiErr.Code)
}

func TestBybit_ChangeLeverageIgnoresNotModified(t *testing.T) {
	b := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"retCode":110043,"retMsg":"leverage not modified","result":{}}`)
	})

	assert.NoError(t, b.ChangeLeverage(context.Background(), "BTCUSDT", 10))
}

func TestBybit_RejectsNonPositiveQuantity(t *testing.T) {
	b := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := b.PlaceMarketOrder(context.Background(), "BTCUSDT", domain.SideLong, 0)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestParseTicker(t *testing.T) {
	symbol, price, ok := parseTicker([]byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","data":{"symbol":"BTCUSDT","lastPrice":"61000.5"}}`))
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", symbol)
	assert.Equal(t, 61000.5, price)

	_, price, ok = parseTicker([]byte(`{"topic":"tickers.ETHUSDT","type":"delta","data":{"markPrice":"3001"}}`))
	require.True(t, ok)
	assert.Equal(t, 3001.0, price)

	_, _, ok = parseTicker([]byte(`{"op":"subscribe","success":true}`))
	assert.False(t, ok)
}

func TestFormatQuantity(t *testing.T) {
	assert.Equal(t, "0.001", FormatQuantity(0.001))
	assert.Equal(t, "1.25", FormatQuantity(1.2500))
	assert.Equal(t, "12", FormatQuantity(12.0))
}
