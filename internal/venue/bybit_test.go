package venue

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/quarve/tickstream-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBybitStreamURL(t *testing.T) {
	b := NewBybit(testLogger())

	tests := []struct {
		market models.MarketType
		want   string
	}{
		{models.MarketSpot, "wss://stream.bybit.com/v5/public/spot"},
		{models.MarketUSDTFutures, "wss://stream.bybit.com/v5/public/linear"},
		{models.MarketUSDCFutures, "wss://stream.bybit.com/v5/public/linear"},
		{models.MarketCoinFutures, "wss://stream.bybit.com/v5/public/inverse"},
	}
	for _, tt := range tests {
		got, err := b.StreamURL(tt.market, nil)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestBybitSubscribeFramesChunked(t *testing.T) {
	b := NewBybit(testLogger())

	symbols := make([]string, 25)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%dUSDT", i)
	}

	frames, err := b.SubscribeFrames(models.MarketSpot, symbols)
	require.NoError(t, err)
	require.Len(t, frames, 3, "25 topics chunk into 10/10/5")

	var sub bybitSubscribe
	require.NoError(t, json.Unmarshal(frames[0], &sub))
	assert.Equal(t, "subscribe", sub.Op)
	assert.Len(t, sub.Args, 10)
	assert.Equal(t, "publicTrade.SYM0USDT", sub.Args[0])

	require.NoError(t, json.Unmarshal(frames[2], &sub))
	assert.Len(t, sub.Args, 5)
}

func TestBybitPingFrame(t *testing.T) {
	b := NewBybit(testLogger())

	frame, ok := b.PingFrame()
	require.True(t, ok)
	assert.JSONEq(t, `{"op":"ping"}`, string(frame))
}

func TestBybitParseControlFrames(t *testing.T) {
	b := NewBybit(testLogger())

	msg, err := b.ParseMessage(models.MarketUSDTFutures, []byte(`{"op":"pong","req_id":"1"}`))
	require.NoError(t, err)
	assert.Equal(t, KindPong, msg.Kind)

	// Spot echoes the ping op with ret_msg pong.
	msg, err = b.ParseMessage(models.MarketSpot, []byte(`{"success":true,"ret_msg":"pong","op":"ping","conn_id":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, KindPong, msg.Kind)

	msg, err = b.ParseMessage(models.MarketSpot, []byte(`{"success":true,"ret_msg":"subscribe","op":"subscribe","conn_id":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, KindSubscribeAck, msg.Kind)

	msg, err = b.ParseMessage(models.MarketSpot, []byte(`{"success":false,"ret_msg":"args error","op":"subscribe"}`))
	require.NoError(t, err)
	require.Equal(t, KindError, msg.Kind)
	require.NotNil(t, msg.Err)
	assert.Equal(t, "args error", msg.Err.Msg)
}

func TestBybitParseTrades(t *testing.T) {
	b := NewBybit(testLogger())
	raw := []byte(`{
		"topic":"publicTrade.BTCUSDT",
		"type":"snapshot",
		"ts":1700000000200,
		"data":[
			{"T":1700000000100,"s":"BTCUSDT","S":"Buy","v":"0.005","p":"42000.10","i":"trade-1","BT":false},
			{"T":1700000000150,"s":"BTCUSDT","S":"Sell","v":"0.010","p":"41999.90","i":"trade-2","BT":false}
		]
	}`)

	msg, err := b.ParseMessage(models.MarketSpot, raw)
	require.NoError(t, err)
	require.Equal(t, KindTrade, msg.Kind)
	require.Len(t, msg.Trades, 2)

	first := msg.Trades[0]
	assert.Equal(t, NameBybit, first.Venue)
	assert.Equal(t, "BTCUSDT", first.Symbol)
	assert.Equal(t, models.SideBuy, first.Side)
	assert.Equal(t, 42000.10, first.Price)
	assert.Equal(t, 0.005, first.Size)
	assert.Equal(t, "trade-1", first.TradeID)
	assert.Equal(t, time.UnixMilli(1700000000100).UTC(), first.Timestamp)

	assert.Equal(t, models.SideSell, msg.Trades[1].Side)
}

func TestBybitParseOrderBook(t *testing.T) {
	b := NewBybit(testLogger())
	raw := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1700000000200,"data":{}}`)

	msg, err := b.ParseMessage(models.MarketSpot, raw)
	require.NoError(t, err)
	assert.Equal(t, KindOrderBook, msg.Kind)
}

func TestBybitParseInvalidTrade(t *testing.T) {
	b := NewBybit(testLogger())
	raw := []byte(`{"topic":"publicTrade.BTCUSDT","data":[{"T":1700000000100,"s":"BTCUSDT","S":"Buy","v":"zero","p":"42000.10"}]}`)

	_, err := b.ParseMessage(models.MarketSpot, raw)
	assert.Error(t, err)
}

func TestBybitFetchTradesFiltersWindow(t *testing.T) {
	from := time.UnixMilli(1700000000000).UTC()
	to := from.Add(time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/recent-trade", r.URL.Path)
		assert.Equal(t, "spot", r.URL.Query().Get("category"))
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "60", r.URL.Query().Get("limit"), "spot pages clamp to 60")

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[
			{"execId":"before","symbol":"BTCUSDT","price":"41000","size":"1","side":"Buy","time":"%d"},
			{"execId":"inside","symbol":"BTCUSDT","price":"42000","size":"2","side":"Sell","time":"%d"},
			{"execId":"at-to","symbol":"BTCUSDT","price":"43000","size":"3","side":"Buy","time":"%d"}
		]}}`, from.Add(-time.Minute).UnixMilli(), from.Add(30*time.Minute).UnixMilli(), to.UnixMilli())
	}))
	defer srv.Close()

	b := NewBybit(testLogger())
	b.RESTBase = srv.URL

	trades, err := b.FetchTrades(context.Background(), models.MarketSpot, "btcusdt", from, to, 500)
	require.NoError(t, err)
	require.Len(t, trades, 1, "only the in-window print survives the filter")
	assert.Equal(t, "inside", trades[0].TradeID)
	assert.Equal(t, models.SideSell, trades[0].Side)
}

func TestBybitFetchTradesRetCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"retCode":10006,"retMsg":"Too many visits!","result":{}}`))
	}))
	defer srv.Close()

	b := NewBybit(testLogger())
	b.RESTBase = srv.URL

	_, err := b.FetchTrades(context.Background(), models.MarketUSDTFutures, "BTCUSDT", time.Now().Add(-time.Hour), time.Now(), 100)
	require.Error(t, err)

	ve, ok := AsError(err)
	require.True(t, ok)
	assert.True(t, ve.Throttle())
	assert.Equal(t, 10006, ve.Code)
}

func TestBybitUnsupportedMarketRejected(t *testing.T) {
	b := NewBybit(testLogger())

	_, err := b.StreamURL(models.MarketType("options"), nil)
	assert.Error(t, err)
}
