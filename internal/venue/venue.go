package venue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quarve/tickstream-go/internal/models"
	"github.com/sirupsen/logrus"
)

// MessageKind discriminates frames arriving on a venue stream.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindSubscribeAck
	KindTrade
	KindOrderBook
	KindPong
	KindError
)

func (k MessageKind) String() string {
	switch k {
	case KindSubscribeAck:
		return "subscribe_ack"
	case KindTrade:
		return "trade"
	case KindOrderBook:
		return "orderbook"
	case KindPong:
		return "pong"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is one decoded stream frame. Trade frames can carry several prints
// because some venues batch them into a single push.
type Message struct {
	Kind   MessageKind
	Trades []models.Trade
	Err    *Error
}

// Adapter describes one venue's stream protocol: where to connect, what to
// send to subscribe, and how to decode inbound frames. Implementations must
// be safe for concurrent use; one adapter instance is shared by all
// connections to its venue.
type Adapter interface {
	Name() string
	StreamURL(market models.MarketType, symbols []string) (string, error)
	SubscribeFrames(market models.MarketType, symbols []string) ([][]byte, error)
	ParseMessage(market models.MarketType, raw []byte) (Message, error)
	// PingFrame returns the application-level keepalive frame for venues
	// that require one. ok=false means protocol-level pings suffice.
	PingFrame() (frame []byte, ok bool)
}

// HistoryClient fetches historical trades over REST for backfill. Calls
// return trades with timestamps inside [from, to); venues whose history
// endpoints cannot reach that far back return an empty slice.
type HistoryClient interface {
	Name() string
	FetchTrades(ctx context.Context, market models.MarketType, symbol string, from, to time.Time, limit int) ([]models.Trade, error)
}

// New returns the stream adapter for a configured venue name.
func New(name string, logger *logrus.Logger) (Adapter, error) {
	switch strings.ToLower(name) {
	case NameBinance:
		return NewBinance(logger), nil
	case NameBybit:
		return NewBybit(logger), nil
	default:
		return nil, fmt.Errorf("unsupported venue: %q", name)
	}
}

// NewHistory returns the backfill history client for a configured venue name.
func NewHistory(name string, logger *logrus.Logger) (HistoryClient, error) {
	switch strings.ToLower(name) {
	case NameBinance:
		return NewBinance(logger), nil
	case NameBybit:
		return NewBybit(logger), nil
	default:
		return nil, fmt.Errorf("unsupported venue: %q", name)
	}
}
