package model

import (
	"encoding/json"
	"time"
)

// ── Validity flags ──
// Exchange broadcasts are narrow: one frame carries depth, another the
// last trade, another only OI. A zero field therefore means "not in
// this frame" unless its flag is set. Flags, not values, are the source
// of truth for every merge decision downstream.

// TickFlags is a bitmask of fields a MarketTick actually carries.
type TickFlags uint32

const (
	FlagLTP TickFlags = 1 << iota
	FlagLTQ
	FlagVolume
	FlagOHLC
	FlagPrevClose
	FlagATP
	FlagBid
	FlagAsk
	FlagDepth
	FlagOI
	FlagOIExtremes
	FlagTotals
	FlagTotalTrades
	FlagCircuit
	FlagLastUpdateTime
)

// Has reports whether every flag in mask is set.
func (f TickFlags) Has(mask TickFlags) bool { return f&mask == mask }

// Set returns f with mask added.
func (f TickFlags) Set(mask TickFlags) TickFlags { return f | mask }

// PacketClass classifies what a decoded frame fundamentally carried.
type PacketClass uint8

const (
	ClassUnknown PacketClass = iota
	ClassTrade
	ClassDepth
	ClassTouchline
	ClassOIOnly
	ClassCircuit
	ClassFullSnapshot
)

var packetClassNames = [...]string{"UNKNOWN", "TRADE", "DEPTH", "TOUCHLINE", "OI", "CIRCUIT", "SNAPSHOT"}

func (c PacketClass) String() string {
	if int(c) < len(packetClassNames) {
		return packetClassNames[c]
	}
	return "UNKNOWN"
}

// Priority ranks frames for dashboarding only; the data path treats all
// frames alike.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"LOW", "NORMAL", "HIGH", "CRITICAL"}

func (p Priority) String() string {
	if int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return "LOW"
}

// DepthLevel is one price level of the order book.
type DepthLevel struct {
	Price  float64 `json:"price"`
	Qty    int64   `json:"qty"`
	Orders int32   `json:"orders"`
}

// MarketTick is the normalized record every source (NSE/BSE multicast,
// upstream WebSocket) decodes into. Prices are rupees (exchange paise
// already divided by 100). Fields without their validity flag set are
// zero sentinels, not values.
type MarketTick struct {
	Segment Segment `json:"segment"`
	Token   uint32  `json:"token"`

	LTP float64 `json:"ltp"`
	// Open/High/Low travel under FlagOHLC, PrevClose under its own
	// flag: BSE broadcasts the official close on its own (2014).
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	PrevClose float64 `json:"prev_close"`
	ATP       float64 `json:"atp"`

	Volume      int64 `json:"volume"`
	LTQ         int64 `json:"ltq"`
	TotalTrades int64 `json:"total_trades"`

	OpenInterest int64 `json:"oi"`
	OIChange     int64 `json:"oi_change"`
	OIDayHigh    int64 `json:"oi_day_high"`
	OIDayLow     int64 `json:"oi_day_low"`

	Bids [5]DepthLevel `json:"bids"`
	Asks [5]DepthLevel `json:"asks"`

	TotalBuyQty  float64 `json:"total_buy_qty"`
	TotalSellQty float64 `json:"total_sell_qty"`

	UpperCircuit float64 `json:"upper_circuit,omitempty"`
	LowerCircuit float64 `json:"lower_circuit,omitempty"`

	// LastUpdateTime is the exchange's own timestamp (epoch seconds).
	LastUpdateTime int64 `json:"last_update_time"`

	Flags    TickFlags   `json:"flags"`
	Class    PacketClass `json:"class"`
	Priority Priority    `json:"priority"`

	// Lifecycle timestamps, microseconds since epoch. Zero = stage not
	// reached (or not measured on this path).
	TsUDPRecv    int64 `json:"ts_udp_recv,omitempty"`
	TsParsed     int64 `json:"ts_parsed,omitempty"`
	TsEmitted    int64 `json:"ts_emitted,omitempty"`
	TsFedHandler int64 `json:"ts_fed_handler,omitempty"`
	TsViewUpdate int64 `json:"ts_view_update,omitempty"`
}

// Key returns the instrument's composite key.
func (t *MarketTick) Key() CompositeKey {
	return MakeKey(t.Segment, t.Token)
}

// BestBid returns the top-of-book bid level.
func (t *MarketTick) BestBid() DepthLevel { return t.Bids[0] }

// BestAsk returns the top-of-book ask level.
func (t *MarketTick) BestAsk() DepthLevel { return t.Asks[0] }

// JSON returns the JSON-encoded tick (ignoring errors for hot-path usage).
func (t *MarketTick) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}

// NowMicros is the lifecycle-timestamp clock.
func NowMicros() int64 {
	return time.Now().UnixMicro()
}
