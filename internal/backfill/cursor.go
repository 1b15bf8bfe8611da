package backfill

import (
	"fmt"
	"time"

	"github.com/quarve/tickstream-go/internal/models"
)

// Cursor tracks how far back one (venue, market, symbol) walk has reached.
// Current moves backward monotonically toward Target. Started anchors the
// walk so the progress percentage survives restarts.
type Cursor struct {
	Symbol   string            `json:"symbol"`
	Market   models.MarketType `json:"market"`
	Started  time.Time         `json:"started"`
	Current  time.Time         `json:"current"`
	Target   time.Time         `json:"target"`
	Progress float64           `json:"progress"`
}

// CursorKey is the state-store key for one backfill task.
func CursorKey(venueName string, market models.MarketType, symbol string) string {
	return fmt.Sprintf("backfill:cursor:%s:%s:%s", venueName, market, symbol)
}

// Done reports whether the walk reached the historical horizon.
func (c Cursor) Done() bool {
	return !c.Current.After(c.Target)
}

func (c Cursor) progressPct() float64 {
	span := c.Started.Sub(c.Target)
	if span <= 0 {
		return 100
	}
	pct := float64(c.Started.Sub(c.Current)) / float64(span) * 100
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	default:
		return pct
	}
}
