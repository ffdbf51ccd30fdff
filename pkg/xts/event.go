package xts

import (
	"encoding/json"
	"fmt"
	"time"

	"mdplane-v1/internal/model"
)

// wireLevel is one price level as the provider encodes it.
type wireLevel struct {
	Size        int64   `json:"Size"`
	Price       float64 `json:"Price"`
	TotalOrders int32   `json:"TotalOrders"`
}

// wireTouchline is the nested quote block on 1501/1512 events and REST
// quote snapshots. LastTradedQunatity is the provider's spelling; some
// gateways fix it, so both keys are read.
type wireTouchline struct {
	LastTradedPrice    float64 `json:"LastTradedPrice"`
	LastTradedQty      int64   `json:"LastTradedQunatity"`
	LastTradedQtyFixed int64   `json:"LastTradedQuantity"`
	TotalBuyQuantity   float64 `json:"TotalBuyQuantity"`
	TotalSellQuantity  float64 `json:"TotalSellQuantity"`
	TotalTradedQty     int64   `json:"TotalTradedQuantity"`
	AverageTradedPrice float64 `json:"AverageTradedPrice"`
	Open               float64 `json:"Open"`
	High               float64 `json:"High"`
	Low                float64 `json:"Low"`
	Close              float64 `json:"Close"`
	TotalTrades        int64   `json:"TotalTrades"`
	OpenInterest       int64   `json:"OpenInterest"`
	LastUpdateTime     int64   `json:"LastUpdateTime"`

	BidInfo *wireLevel `json:"BidInfo"`
	AskInfo *wireLevel `json:"AskInfo"`
}

// wireEvent is one feed message. Field population depends on the
// message code; flat fields mirror Touchline for gateways that skip the
// nesting.
type wireEvent struct {
	MessageCode          int   `json:"MessageCode"`
	ExchangeSegment      int   `json:"ExchangeSegment"`
	ExchangeInstrumentID int64 `json:"ExchangeInstrumentID"`

	Touchline *wireTouchline `json:"Touchline"`

	// 1502 depth
	Bids []wireLevel `json:"Bids"`
	Asks []wireLevel `json:"Asks"`

	// flat fallback and 1505 candle fields
	LastTradedPrice float64 `json:"LastTradedPrice"`
	LastTradedQty   int64   `json:"LastTradedQunatity"`
	Open            float64 `json:"Open"`
	High            float64 `json:"High"`
	Low             float64 `json:"Low"`
	Close           float64 `json:"Close"`
	BarTime         int64   `json:"BarTime"`
	BarVolume       int64   `json:"BarVolume"`
	OpenInterest    int64   `json:"OpenInterest"`
	LastUpdateTime  int64   `json:"LastUpdateTime"`
}

// DecodeEvent parses one feed message or quote snapshot. Exactly one of
// tick/candle is non-nil on success.
func DecodeEvent(data []byte) (*model.MarketTick, *model.Candle, error) {
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, nil, fmt.Errorf("decode event: %w", err)
	}
	if ev.ExchangeInstrumentID <= 0 {
		return nil, nil, fmt.Errorf("decode event: missing instrument id")
	}
	seg := model.Segment(ev.ExchangeSegment)
	token := uint32(ev.ExchangeInstrumentID)

	if ev.MessageCode == CodeCandle {
		c := &model.Candle{
			Segment:      seg,
			Token:        token,
			TS:           time.Unix(ev.BarTime, 0).UTC(),
			Open:         ev.Open,
			High:         ev.High,
			Low:          ev.Low,
			Close:        ev.Close,
			Volume:       ev.BarVolume,
			OpenInterest: ev.OpenInterest,
		}
		return nil, c, nil
	}

	t := &model.MarketTick{Segment: seg, Token: token}

	tl := ev.Touchline
	if tl == nil {
		tl = &wireTouchline{
			LastTradedPrice: ev.LastTradedPrice,
			LastTradedQty:   ev.LastTradedQty,
			Open:            ev.Open,
			High:            ev.High,
			Low:             ev.Low,
			Close:           ev.Close,
			OpenInterest:    ev.OpenInterest,
			LastUpdateTime:  ev.LastUpdateTime,
		}
	}

	if tl.LastTradedPrice > 0 {
		t.LTP = tl.LastTradedPrice
		t.Flags = t.Flags.Set(model.FlagLTP)
	}
	ltq := tl.LastTradedQty
	if ltq == 0 {
		ltq = tl.LastTradedQtyFixed
	}
	if ltq != 0 {
		t.LTQ = ltq
		t.Flags = t.Flags.Set(model.FlagLTQ)
	}
	if tl.TotalTradedQty > 0 {
		t.Volume = tl.TotalTradedQty
		t.Flags = t.Flags.Set(model.FlagVolume)
	}
	if tl.Open != 0 || tl.High != 0 || tl.Low != 0 {
		t.Open, t.High, t.Low = tl.Open, tl.High, tl.Low
		t.Flags = t.Flags.Set(model.FlagOHLC)
	}
	if tl.Close != 0 {
		t.PrevClose = tl.Close
		t.Flags = t.Flags.Set(model.FlagPrevClose)
	}
	if tl.AverageTradedPrice > 0 {
		t.ATP = tl.AverageTradedPrice
		t.Flags = t.Flags.Set(model.FlagATP)
	}
	if tl.TotalTrades > 0 {
		t.TotalTrades = tl.TotalTrades
		t.Flags = t.Flags.Set(model.FlagTotalTrades)
	}
	if tl.TotalBuyQuantity > 0 || tl.TotalSellQuantity > 0 {
		t.TotalBuyQty, t.TotalSellQty = tl.TotalBuyQuantity, tl.TotalSellQuantity
		t.Flags = t.Flags.Set(model.FlagTotals)
	}
	if tl.OpenInterest > 0 {
		t.OpenInterest = tl.OpenInterest
		t.Flags = t.Flags.Set(model.FlagOI)
	}
	if tl.LastUpdateTime > 0 {
		t.LastUpdateTime = tl.LastUpdateTime
		t.Flags = t.Flags.Set(model.FlagLastUpdateTime)
	}
	if tl.BidInfo != nil && tl.BidInfo.Price > 0 {
		t.Bids[0] = model.DepthLevel{Price: tl.BidInfo.Price, Qty: tl.BidInfo.Size, Orders: tl.BidInfo.TotalOrders}
		t.Flags = t.Flags.Set(model.FlagBid)
	}
	if tl.AskInfo != nil && tl.AskInfo.Price > 0 {
		t.Asks[0] = model.DepthLevel{Price: tl.AskInfo.Price, Qty: tl.AskInfo.Size, Orders: tl.AskInfo.TotalOrders}
		t.Flags = t.Flags.Set(model.FlagAsk)
	}

	if len(ev.Bids) > 0 || len(ev.Asks) > 0 {
		for i := 0; i < len(ev.Bids) && i < len(t.Bids); i++ {
			t.Bids[i] = model.DepthLevel{Price: ev.Bids[i].Price, Qty: ev.Bids[i].Size, Orders: ev.Bids[i].TotalOrders}
		}
		for i := 0; i < len(ev.Asks) && i < len(t.Asks); i++ {
			t.Asks[i] = model.DepthLevel{Price: ev.Asks[i].Price, Qty: ev.Asks[i].Size, Orders: ev.Asks[i].TotalOrders}
		}
		if len(ev.Bids) > 0 {
			t.Flags = t.Flags.Set(model.FlagBid)
		}
		if len(ev.Asks) > 0 {
			t.Flags = t.Flags.Set(model.FlagAsk)
		}
		t.Flags = t.Flags.Set(model.FlagDepth)
	}

	switch ev.MessageCode {
	case CodeDepth:
		t.Class = model.ClassDepth
		t.Priority = model.PriorityCritical
	case CodeLTP:
		t.Class = model.ClassTrade
		t.Priority = model.PriorityHigh
	case CodeTouchline:
		t.Class = model.ClassTouchline
		t.Priority = model.PriorityCritical
	default:
		t.Class = model.ClassTouchline
		t.Priority = model.PriorityNormal
	}
	return t, nil, nil
}
