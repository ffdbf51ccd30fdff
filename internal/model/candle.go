package model

import (
	"encoding/json"
	"time"
)

// Candle is a 1-minute OHLC bar delivered by the upstream provider
// (message code 1505). Bars arrive ready-made; this process never
// aggregates ticks into candles itself.
type Candle struct {
	Segment      Segment   `json:"segment"`
	Token        uint32    `json:"token"`
	TS           time.Time `json:"ts"` // bar start time (UTC, minute-aligned)
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	Close        float64   `json:"close"`
	Volume       int64     `json:"volume"`
	OpenInterest int64     `json:"oi,omitempty"`
}

// Key returns the instrument's composite key.
func (c *Candle) Key() CompositeKey {
	return MakeKey(c.Segment, c.Token)
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
