package venue

import (
	"errors"
	"fmt"
)

// Error is a classified venue rejection. Status carries the HTTP status for
// REST failures; Code carries the venue's own error code when present.
type Error struct {
	Venue  string `json:"venue"`
	Status int    `json:"status,omitempty"`
	Code   int    `json:"code,omitempty"`
	Msg    string `json:"msg"`
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: code %d: %s", e.Venue, e.Code, e.Msg)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Venue, e.Status, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Venue, e.Msg)
}

// Throttle reports whether the venue was rate limiting us. Binance signals
// with HTTP 429/418 or code -1003, Bybit with retCode 10006. The adaptive
// limiter keys off this via its Throttler interface.
func (e *Error) Throttle() bool {
	switch e.Status {
	case 418, 429:
		return true
	}
	switch e.Code {
	case -1003, 10006:
		return true
	}
	return false
}

// Auth reports whether the rejection is a credential problem. Auth failures
// are permanent until an operator fixes the keys, so callers stop retrying
// instead of burning request budget.
func (e *Error) Auth() bool {
	switch e.Status {
	case 401, 403:
		return true
	}
	switch e.Code {
	case -2014, -2015, 10003, 10004:
		return true
	}
	return false
}

// IsAuth reports whether err is a venue auth failure.
func IsAuth(err error) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.Auth()
}

// AsError extracts a venue error from err when one is present.
func AsError(err error) (*Error, bool) {
	var ve *Error
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
