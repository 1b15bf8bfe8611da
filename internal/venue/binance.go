package venue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/quarve/tickstream-go/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// NameBinance is the config name for the Binance adapter.
const NameBinance = "binance"

const binanceMaxPageLimit = 1000

// Binance speaks the Binance spot and futures protocols. Spot streams use
// the @trade channel; both futures classes use @aggTrade. History comes from
// the aggTrades REST endpoint, which accepts explicit time windows.
type Binance struct {
	// RESTBase overrides the per-market REST endpoint. Tests point this at a
	// local server.
	RESTBase string

	httpClient *http.Client
	validate   *validator.Validate
	logger     *logrus.Logger
}

func NewBinance(logger *logrus.Logger) *Binance {
	return &Binance{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		validate:   validator.New(),
		logger:     logger,
	}
}

func (b *Binance) Name() string { return NameBinance }

// StreamURL returns the combined-stream endpoint. Subscriptions are sent as
// frames, so symbols do not appear in the URL.
func (b *Binance) StreamURL(market models.MarketType, _ []string) (string, error) {
	switch market {
	case models.MarketSpot:
		return "wss://stream.binance.com:9443/stream", nil
	case models.MarketUSDTFutures:
		return "wss://fstream.binance.com/stream", nil
	case models.MarketCoinFutures:
		return "wss://dstream.binance.com/stream", nil
	default:
		return "", fmt.Errorf("binance does not list %s markets", market)
	}
}

type binanceSubscribe struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// SubscribeFrames builds one batched SUBSCRIBE frame covering every symbol.
func (b *Binance) SubscribeFrames(market models.MarketType, symbols []string) ([][]byte, error) {
	suffix := "@aggTrade"
	if market == models.MarketSpot {
		suffix = "@trade"
	}

	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		params = append(params, strings.ToLower(s)+suffix)
	}

	frame, err := json.Marshal(binanceSubscribe{
		Method: "SUBSCRIBE",
		Params: params,
		ID:     time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build subscribe frame: %w", err)
	}
	return [][]byte{frame}, nil
}

// PingFrame is not needed: Binance servers send protocol-level pings and the
// websocket library answers them.
func (b *Binance) PingFrame() ([]byte, bool) { return nil, false }

type binanceAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type binanceFrame struct {
	Stream string           `json:"stream"`
	Data   json.RawMessage  `json:"data"`
	Result json.RawMessage  `json:"result"`
	ID     *int64           `json:"id"`
	Error  *binanceAPIError `json:"error"`
}

type binanceStreamTrade struct {
	Event   string `json:"e" validate:"required"`
	Symbol  string `json:"s" validate:"required"`
	TradeID int64  `json:"t"`
	AggID   int64  `json:"a"`
	Price   string `json:"p" validate:"required,numeric"`
	Qty     string `json:"q" validate:"required,numeric"`
	Time    int64  `json:"T" validate:"required,gt=0"`
	IsMaker bool   `json:"m"`
}

// ParseMessage decodes one inbound frame. Frames from the combined endpoint
// arrive wrapped in {"stream","data"}; command responses carry "id".
func (b *Binance) ParseMessage(market models.MarketType, raw []byte) (Message, error) {
	var frame binanceFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Message{}, fmt.Errorf("invalid binance frame: %w", err)
	}

	if frame.Error != nil {
		return Message{Kind: KindError, Err: &Error{
			Venue: NameBinance,
			Code:  frame.Error.Code,
			Msg:   frame.Error.Msg,
		}}, nil
	}
	if frame.ID != nil {
		// SUBSCRIBE acks carry a null result and the request id.
		return Message{Kind: KindSubscribeAck}, nil
	}

	payload := frame.Data
	if len(payload) == 0 {
		// Raw /ws endpoint delivers events without the wrapper.
		payload = raw
	}

	var probe struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return Message{}, fmt.Errorf("invalid binance payload: %w", err)
	}

	switch probe.Event {
	case "trade", "aggTrade":
		trade, err := b.parseStreamTrade(market, payload)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindTrade, Trades: []models.Trade{trade}}, nil
	case "depthUpdate":
		return Message{Kind: KindOrderBook}, nil
	case "":
		return Message{Kind: KindUnknown}, nil
	default:
		return Message{Kind: KindUnknown}, nil
	}
}

func (b *Binance) parseStreamTrade(market models.MarketType, payload []byte) (models.Trade, error) {
	var t binanceStreamTrade
	if err := json.Unmarshal(payload, &t); err != nil {
		return models.Trade{}, fmt.Errorf("invalid binance trade payload: %w", err)
	}
	if err := b.validate.Struct(&t); err != nil {
		return models.Trade{}, fmt.Errorf("binance trade validation failed: %w", err)
	}

	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return models.Trade{}, fmt.Errorf("invalid binance trade price: %w", err)
	}
	qty, err := decimal.NewFromString(t.Qty)
	if err != nil {
		return models.Trade{}, fmt.Errorf("invalid binance trade quantity: %w", err)
	}

	tradeID := t.TradeID
	if t.Event == "aggTrade" {
		tradeID = t.AggID
	}

	return models.Trade{
		Venue:     NameBinance,
		Symbol:    strings.ToUpper(t.Symbol),
		Market:    market,
		Price:     price.InexactFloat64(),
		Size:      qty.InexactFloat64(),
		Side:      binanceSide(t.IsMaker),
		Timestamp: time.UnixMilli(t.Time).UTC(),
		TradeID:   strconv.FormatInt(tradeID, 10),
	}, nil
}

// binanceSide maps the maker flag to the taker side: when the buyer is the
// maker, the taker sold.
func binanceSide(buyerIsMaker bool) models.Side {
	if buyerIsMaker {
		return models.SideSell
	}
	return models.SideBuy
}

type binanceAggTrade struct {
	AggID   int64  `json:"a"`
	Price   string `json:"p" validate:"required,numeric"`
	Qty     string `json:"q" validate:"required,numeric"`
	Time    int64  `json:"T" validate:"required,gt=0"`
	IsMaker bool   `json:"m"`
}

// FetchTrades pages the aggTrades endpoint for one [from, to) window.
func (b *Binance) FetchTrades(ctx context.Context, market models.MarketType, symbol string, from, to time.Time, limit int) ([]models.Trade, error) {
	base, path, err := b.restEndpoint(market)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > binanceMaxPageLimit {
		limit = binanceMaxPageLimit
	}

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("startTime", strconv.FormatInt(from.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(to.UnixMilli()-1, 10))
	params.Set("limit", strconv.Itoa(limit))

	var raw []binanceAggTrade
	if err := b.getJSON(ctx, base+path+"?"+params.Encode(), &raw); err != nil {
		return nil, err
	}

	trades := make([]models.Trade, 0, len(raw))
	for _, at := range raw {
		if err := b.validate.Struct(&at); err != nil {
			b.logger.WithError(err).WithField("venue", NameBinance).Warn("Skipping malformed historical trade")
			continue
		}
		price, err := decimal.NewFromString(at.Price)
		if err != nil {
			b.logger.WithError(err).WithField("venue", NameBinance).Warn("Skipping historical trade with bad price")
			continue
		}
		qty, err := decimal.NewFromString(at.Qty)
		if err != nil {
			b.logger.WithError(err).WithField("venue", NameBinance).Warn("Skipping historical trade with bad quantity")
			continue
		}

		trades = append(trades, models.Trade{
			Venue:     NameBinance,
			Symbol:    strings.ToUpper(symbol),
			Market:    market,
			Price:     price.InexactFloat64(),
			Size:      qty.InexactFloat64(),
			Side:      binanceSide(at.IsMaker),
			Timestamp: time.UnixMilli(at.Time).UTC(),
			TradeID:   strconv.FormatInt(at.AggID, 10),
		})
	}
	return trades, nil
}

func (b *Binance) restEndpoint(market models.MarketType) (base, path string, err error) {
	switch market {
	case models.MarketSpot:
		base, path = "https://api.binance.com", "/api/v3/aggTrades"
	case models.MarketUSDTFutures:
		base, path = "https://fapi.binance.com", "/fapi/v1/aggTrades"
	case models.MarketCoinFutures:
		base, path = "https://dapi.binance.com", "/dapi/v1/aggTrades"
	default:
		return "", "", fmt.Errorf("binance does not list %s markets", market)
	}
	if b.RESTBase != "" {
		base = b.RESTBase
	}
	return base, path, nil
}

func (b *Binance) getJSON(ctx context.Context, rawURL string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		venueErr := &Error{
			Venue:  NameBinance,
			Status: resp.StatusCode,
			Msg:    http.StatusText(resp.StatusCode),
		}
		var apiErr binanceAPIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			venueErr.Code = apiErr.Code
			venueErr.Msg = apiErr.Msg
		}
		return venueErr
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
