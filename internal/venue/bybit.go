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

// NameBybit is the config name for the Bybit adapter.
const NameBybit = "bybit"

// Bybit v5 caps subscribe args per request and recent-trade page sizes per
// category.
const (
	bybitMaxSubscribeArgs = 10
	bybitMaxSpotLimit     = 60
	bybitMaxLimit         = 1000
)

// Bybit speaks the Bybit v5 public protocol. All markets stream publicTrade
// topics; history comes from the recent-trade endpoint, which only reaches a
// short distance into the past, so older backfill windows come back empty.
type Bybit struct {
	// RESTBase overrides the REST endpoint. Tests point this at a local
	// server.
	RESTBase string

	httpClient *http.Client
	validate   *validator.Validate
	logger     *logrus.Logger
}

func NewBybit(logger *logrus.Logger) *Bybit {
	return &Bybit{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		validate:   validator.New(),
		logger:     logger,
	}
}

func (b *Bybit) Name() string { return NameBybit }

// category maps our market classes onto Bybit's. USDC-margined contracts
// trade in the linear category alongside USDT pairs.
func bybitCategory(market models.MarketType) (string, error) {
	switch market {
	case models.MarketSpot:
		return "spot", nil
	case models.MarketUSDTFutures, models.MarketUSDCFutures:
		return "linear", nil
	case models.MarketCoinFutures:
		return "inverse", nil
	default:
		return "", fmt.Errorf("bybit does not list %s markets", market)
	}
}

func (b *Bybit) StreamURL(market models.MarketType, _ []string) (string, error) {
	category, err := bybitCategory(market)
	if err != nil {
		return "", err
	}
	return "wss://stream.bybit.com/v5/public/" + category, nil
}

type bybitSubscribe struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// SubscribeFrames chunks topics into batches the venue accepts per request.
func (b *Bybit) SubscribeFrames(_ models.MarketType, symbols []string) ([][]byte, error) {
	topics := make([]string, 0, len(symbols))
	for _, s := range symbols {
		topics = append(topics, "publicTrade."+strings.ToUpper(s))
	}

	var frames [][]byte
	for start := 0; start < len(topics); start += bybitMaxSubscribeArgs {
		end := start + bybitMaxSubscribeArgs
		if end > len(topics) {
			end = len(topics)
		}
		frame, err := json.Marshal(bybitSubscribe{Op: "subscribe", Args: topics[start:end]})
		if err != nil {
			return nil, fmt.Errorf("failed to build subscribe frame: %w", err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// PingFrame returns the app-level keepalive Bybit requires; the server does
// not send protocol pings.
func (b *Bybit) PingFrame() ([]byte, bool) {
	return []byte(`{"op":"ping"}`), true
}

type bybitFrame struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

type bybitStreamTrade struct {
	Time    int64  `json:"T" validate:"required,gt=0"`
	Symbol  string `json:"s" validate:"required"`
	Side    string `json:"S" validate:"required"`
	Size    string `json:"v" validate:"required,numeric"`
	Price   string `json:"p" validate:"required,numeric"`
	TradeID string `json:"i"`
}

// ParseMessage decodes one inbound frame. publicTrade pushes carry an array
// of prints which all map to trades.
func (b *Bybit) ParseMessage(market models.MarketType, raw []byte) (Message, error) {
	var frame bybitFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Message{}, fmt.Errorf("invalid bybit frame: %w", err)
	}

	// Keepalive responses: linear/inverse answer {"op":"pong"}, spot echoes
	// {"op":"ping","ret_msg":"pong"}.
	if frame.Op == "pong" || frame.RetMsg == "pong" {
		return Message{Kind: KindPong}, nil
	}

	if frame.Success != nil {
		if *frame.Success {
			return Message{Kind: KindSubscribeAck}, nil
		}
		return Message{Kind: KindError, Err: &Error{
			Venue: NameBybit,
			Msg:   frame.RetMsg,
		}}, nil
	}

	switch {
	case strings.HasPrefix(frame.Topic, "publicTrade."):
		trades, err := b.parseStreamTrades(market, frame.Data)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindTrade, Trades: trades}, nil
	case strings.HasPrefix(frame.Topic, "orderbook."):
		return Message{Kind: KindOrderBook}, nil
	default:
		return Message{Kind: KindUnknown}, nil
	}
}

func (b *Bybit) parseStreamTrades(market models.MarketType, data json.RawMessage) ([]models.Trade, error) {
	var raw []bybitStreamTrade
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid bybit trade payload: %w", err)
	}

	trades := make([]models.Trade, 0, len(raw))
	for _, t := range raw {
		if err := b.validate.Struct(&t); err != nil {
			return nil, fmt.Errorf("bybit trade validation failed: %w", err)
		}
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			return nil, fmt.Errorf("invalid bybit trade price: %w", err)
		}
		size, err := decimal.NewFromString(t.Size)
		if err != nil {
			return nil, fmt.Errorf("invalid bybit trade size: %w", err)
		}

		trades = append(trades, models.Trade{
			Venue:     NameBybit,
			Symbol:    strings.ToUpper(t.Symbol),
			Market:    market,
			Price:     price.InexactFloat64(),
			Size:      size.InexactFloat64(),
			Side:      bybitSide(t.Side),
			Timestamp: time.UnixMilli(t.Time).UTC(),
			TradeID:   t.TradeID,
		})
	}
	return trades, nil
}

func bybitSide(s string) models.Side {
	if strings.EqualFold(s, "sell") {
		return models.SideSell
	}
	return models.SideBuy
}

type bybitRestTrade struct {
	ExecID string `json:"execId"`
	Symbol string `json:"symbol" validate:"required"`
	Price  string `json:"price" validate:"required,numeric"`
	Size   string `json:"size" validate:"required,numeric"`
	Side   string `json:"side" validate:"required"`
	Time   string `json:"time" validate:"required,numeric"`
}

type bybitRestResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category string           `json:"category"`
		List     []bybitRestTrade `json:"list"`
	} `json:"result"`
}

// FetchTrades pulls the recent-trade page and filters it into [from, to).
// Bybit v5 exposes no time-ranged public trade history, so windows older
// than the page come back empty and the backfill cursor just walks past
// them.
func (b *Bybit) FetchTrades(ctx context.Context, market models.MarketType, symbol string, from, to time.Time, limit int) ([]models.Trade, error) {
	category, err := bybitCategory(market)
	if err != nil {
		return nil, err
	}

	maxLimit := bybitMaxLimit
	if category == "spot" {
		maxLimit = bybitMaxSpotLimit
	}
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}

	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("limit", strconv.Itoa(limit))

	base := "https://api.bybit.com"
	if b.RESTBase != "" {
		base = b.RESTBase
	}

	var resp bybitRestResponse
	if err := b.getJSON(ctx, base+"/v5/market/recent-trade?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return nil, &Error{Venue: NameBybit, Code: resp.RetCode, Msg: resp.RetMsg}
	}

	trades := make([]models.Trade, 0, len(resp.Result.List))
	for _, t := range resp.Result.List {
		if err := b.validate.Struct(&t); err != nil {
			b.logger.WithError(err).WithField("venue", NameBybit).Warn("Skipping malformed historical trade")
			continue
		}
		ms, err := strconv.ParseInt(t.Time, 10, 64)
		if err != nil {
			b.logger.WithError(err).WithField("venue", NameBybit).Warn("Skipping historical trade with bad timestamp")
			continue
		}
		ts := time.UnixMilli(ms).UTC()
		if ts.Before(from) || !ts.Before(to) {
			continue
		}

		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			b.logger.WithError(err).WithField("venue", NameBybit).Warn("Skipping historical trade with bad price")
			continue
		}
		size, err := decimal.NewFromString(t.Size)
		if err != nil {
			b.logger.WithError(err).WithField("venue", NameBybit).Warn("Skipping historical trade with bad size")
			continue
		}

		trades = append(trades, models.Trade{
			Venue:     NameBybit,
			Symbol:    strings.ToUpper(t.Symbol),
			Market:    market,
			Price:     price.InexactFloat64(),
			Size:      size.InexactFloat64(),
			Side:      bybitSide(t.Side),
			Timestamp: ts,
			TradeID:   t.ExecID,
		})
	}
	return trades, nil
}

func (b *Bybit) getJSON(ctx context.Context, rawURL string, result interface{}) error {
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
			Venue:  NameBybit,
			Status: resp.StatusCode,
			Msg:    http.StatusText(resp.StatusCode),
		}
		var apiErr bybitRestResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.RetCode != 0 {
			venueErr.Code = apiErr.RetCode
			venueErr.Msg = apiErr.RetMsg
		}
		return venueErr
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
