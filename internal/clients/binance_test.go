package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/martibooks/internal/domain"
	"github.com/vadiminshakov/martibooks/pkg/retrier"
)

func newBinanceServer(t *testing.T, routes map[string]string) *Binance {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":-1,"msg":"unexpected path"}`))
			return
		}
		if r.URL.Path == "/api/v3/ticker/price" && r.URL.Query().Get("symbol") == "ZZZUSDT" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	client := NewBinanceClient("key", "secret")
	client.BaseURL = srv.URL

	return NewBinance(client, []domain.Pair{domain.NewPair("BTC", "USDT")}, zap.NewNop())
}

func TestBinance_GetBalances(t *testing.T) {
	b := newBinanceServer(t, map[string]string{
		"/api/v3/account": `{"balances":[
			{"asset":"BTC","free":"0.5","locked":"0.1"},
			{"asset":"ETH","free":"0.00000000","locked":"0.00000000"},
			{"asset":"USDT","free":"1000","locked":"0"}]}`,
	})

	balances, err := b.GetBalances(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "BTC", balances[0].Asset)
	assert.True(t, balances[0].Total.Equal(decimal.RequireFromString("0.6")))
	assert.True(t, balances[0].Reserved.Equal(decimal.RequireFromString("0.1")))
}

func TestBinance_GetTradeHistory(t *testing.T) {
	b := newBinanceServer(t, map[string]string{
		"/api/v3/myTrades": `[{"id":7,"symbol":"BTCUSDT","orderId":42,"price":"20000.5","qty":"0.1",
			"quoteQty":"2000.05","commission":"0.0001","commissionAsset":"BNB","time":1717243200000,
			"isBuyer":true,"isMaker":false,"isBestMatch":true}]`,
		"/api/v3/order": `{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"marti-dca-17"}`,
	})

	trades, err := b.GetTradeHistory(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 1)

	tr := trades[0]
	assert.Equal(t, "BTCUSDT-7", tr.ID)
	assert.Equal(t, "42", tr.OrderID)
	assert.Equal(t, "marti-dca-17", tr.ClientOrderID)
	assert.Equal(t, "BUY", tr.Side)
	assert.Equal(t, "20000.5", tr.Price)
	assert.Equal(t, "BNB", tr.FeeAsset)
	assert.Equal(t, time.UnixMilli(1717243200000).UTC(), tr.Time)

	// order lookups are cached
	assert.Len(t, b.clientOrders, 1)
}

// newMyTradesServer serves myTrades like Binance does: the latest page without fromId,
// ids from fromId otherwise, and day-long startTime/endTime windows.
func newMyTradesServer(t *testing.T, trades []*binance.TradeV3) *Binance {
	t.Helper()
	json := jsoniter.ConfigCompatibleWithStandardLibrary
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/api/v3/order" {
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"marti-dca-1"}`))
			return
		}
		q := r.URL.Query()
		param := func(name string) (int64, bool) {
			v, err := strconv.ParseInt(q.Get(name), 10, 64)
			return v, err == nil
		}
		limit := 500
		if l, ok := param("limit"); ok {
			limit = int(l)
		}

		var page []*binance.TradeV3
		fromID, hasFrom := param("fromId")
		start, hasStart := param("startTime")
		end, hasEnd := param("endTime")
		switch {
		case hasFrom:
			for _, tr := range trades {
				if tr.ID >= fromID && len(page) < limit {
					page = append(page, tr)
				}
			}
		case hasStart && hasEnd:
			if end-start > (24 * time.Hour).Milliseconds() {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"code":-1127,"msg":"More than 24 hours between startTime and endTime."}`))
				return
			}
			for _, tr := range trades {
				if tr.Time >= start && tr.Time <= end && len(page) < limit {
					page = append(page, tr)
				}
			}
		default:
			page = trades
			if len(page) > limit {
				page = page[len(page)-limit:]
			}
		}
		data, err := json.Marshal(page)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)

	client := NewBinanceClient("key", "secret")
	client.BaseURL = srv.URL

	return NewBinance(client, []domain.Pair{domain.NewPair("BTC", "USDT")}, zap.NewNop())
}

func TestBinance_GetTradeHistoryPagesFullHistory(t *testing.T) {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	trades := make([]*binance.TradeV3, 0, 2000)
	for id := int64(1); id <= 2000; id++ {
		trades = append(trades, &binance.TradeV3{
			ID: id, Symbol: "BTCUSDT", OrderID: 42, Price: "20000", Quantity: "0.001",
			Commission: "0", CommissionAsset: "USDT", IsBuyer: true,
			Time: base.Add(time.Duration(id) * time.Minute).UnixMilli(),
		})
	}

	tests := []struct {
		name    string
		since   time.Time
		want    int
		firstID string
	}{
		{"from the first trade", time.Time{}, 2000, "BTCUSDT-1"},
		{"since mid history", base.Add(1501 * time.Minute), 500, "BTCUSDT-1501"},
		{"since days before the first trade", base.Add(-5 * 24 * time.Hour), 2000, "BTCUSDT-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newMyTradesServer(t, trades)
			b.now = func() time.Time { return base.Add(3 * 24 * time.Hour) }

			got, err := b.GetTradeHistory(context.Background(), tt.since)
			require.NoError(t, err)
			require.Len(t, got, tt.want)
			assert.Equal(t, tt.firstID, got[0].ID)
			assert.Equal(t, "BTCUSDT-2000", got[len(got)-1].ID)
			assert.Equal(t, "marti-dca-1", got[0].ClientOrderID)
		})
	}
}

func TestBinance_GetTradeHistoryNothingSince(t *testing.T) {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	b := newMyTradesServer(t, []*binance.TradeV3{{ID: 1, Symbol: "BTCUSDT", OrderID: 42, Time: base.UnixMilli()}})
	b.now = func() time.Time { return base.Add(48 * time.Hour) }

	got, err := b.GetTradeHistory(context.Background(), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBinance_GetCashLedgerEntries(t *testing.T) {
	b := newBinanceServer(t, map[string]string{
		"/sapi/v1/capital/deposit/hisrec": `[
			{"amount":"100","coin":"USDT","network":"TRX","status":1,"txId":"tx-1","insertTime":1717243200000},
			{"amount":"5","coin":"USDT","network":"TRX","status":0,"txId":"tx-2","insertTime":1717243300000}]`,
		"/sapi/v1/capital/withdraw/history": `[
			{"id":"w-1","amount":"0.01","transactionFee":"0.0005","coin":"BTC","status":6,"applyTime":"2024-06-01 12:00:00"}]`,
	})

	flows, err := b.GetCashLedgerEntries(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, flows, 2)

	assert.Equal(t, "deposit-tx-1", flows[0].ID)
	assert.Equal(t, domain.CashFlowDeposit, flows[0].Type)
	assert.True(t, flows[0].Amount.Equal(decimal.NewFromInt(100)))

	assert.Equal(t, "withdrawal-w-1", flows[1].ID)
	assert.True(t, flows[1].Amount.Equal(decimal.RequireFromString("-0.0105")))
	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), flows[1].Time)
	require.NoError(t, flows[1].Validate())
}

func TestBinance_PriceFeed(t *testing.T) {
	b := newBinanceServer(t, map[string]string{
		"/api/v3/ticker/price": `[{"symbol":"BTCUSDT","price":"65000.10"}]`,
		"/api/v3/exchangeInfo": `{"symbols":[{"symbol":"BTCUSDT","baseAsset":"BTC","quoteAsset":"USDT",
			"baseAssetPrecision":8,"quotePrecision":8,"filters":[
			{"filterType":"PRICE_FILTER","minPrice":"0.01","maxPrice":"1000000","tickSize":"0.01000000"},
			{"filterType":"LOT_SIZE","minQty":"0.00001","maxQty":"9000","stepSize":"0.00001000"}]}]}`,
	})
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return at }

	price, err := b.GetLatestPrice(context.Background(), domain.NewPair("BTC", "USDT"))
	require.NoError(t, err)
	assert.True(t, price.Value.Equal(decimal.RequireFromString("65000.1")))
	assert.Equal(t, at, price.Time)

	_, err = b.GetLatestPrice(context.Background(), domain.NewPair("ZZZ", "USDT"))
	assert.ErrorIs(t, err, domain.ErrPairNotFound)

	md, err := b.GetPairMetadata(context.Background(), domain.NewPair("BTC", "USDT"))
	require.NoError(t, err)
	assert.Equal(t, domain.PairMetadata{PriceDecimals: 2, VolumeDecimals: 5}, md)

	_, err = b.GetPairMetadata(context.Background(), domain.NewPair("ETH", "USDT"))
	assert.ErrorIs(t, err, domain.ErrPairNotFound)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rejected api key", errors.Wrap(&common.APIError{Code: -2015, Message: "Invalid API-key, IP, or permissions for action."}, "failed to get binance account balance"), false},
		{"malformed api key", &common.APIError{Code: -2014, Message: "API-key format invalid."}, false},
		{"bad signature", &common.APIError{Code: -1022}, false},
		{"unknown symbol", errors.Wrap(domain.ErrPairNotFound, "ZZZUSDT"), false},
		{"rate limited", &common.APIError{Code: -1003, Message: "Too many requests."}, true},
		{"network", errors.New("connection reset by peer"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestBinance_RejectedKeyIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`))
	}))
	t.Cleanup(srv.Close)
	client := NewBinanceClient("key", "secret")
	client.BaseURL = srv.URL
	b := NewBinance(client, nil, zap.NewNop())

	r := retrier.New(retrier.WithMaxRetries(3), retrier.WithInitialInterval(time.Millisecond), retrier.WithRetryIf(Retryable))
	_, err := retrier.DoWithData(r, context.Background(), b.GetBalances)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestStepDecimals(t *testing.T) {
	tests := map[string]int32{
		"0.01000000":  2,
		"0.00001000":  5,
		"1.00000000":  0,
		"10.00000000": 0,
		"":            0,
	}
	for step, want := range tests {
		assert.Equal(t, want, stepDecimals(step), step)
	}
}
