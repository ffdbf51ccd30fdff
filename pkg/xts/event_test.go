package xts

import (
	"testing"
	"time"

	"mdplane-v1/internal/model"
)

func TestDecodeTouchlineEvent(t *testing.T) {
	data := []byte(`{
		"MessageCode":1501,"ExchangeSegment":2,"ExchangeInstrumentID":49508,
		"Touchline":{
			"LastTradedPrice":251.35,"LastTradedQunatity":75,
			"TotalTradedQuantity":1912500,"AverageTradedPrice":250.11,
			"TotalBuyQuantity":405000,"TotalSellQuantity":382500,
			"Open":248,"High":252.8,"Low":247.05,"Close":249.6,
			"OpenInterest":5643000,"LastUpdateTime":1411646234,
			"BidInfo":{"Size":150,"Price":251.3,"TotalOrders":4},
			"AskInfo":{"Size":75,"Price":251.4,"TotalOrders":2}
		}
	}`)

	tick, candle, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if candle != nil {
		t.Fatal("touchline decoded as candle")
	}
	if tick.Segment != model.NSEFO || tick.Token != 49508 {
		t.Fatalf("instrument = %v/%d", tick.Segment, tick.Token)
	}
	if tick.LTP != 251.35 || tick.LTQ != 75 || tick.Volume != 1912500 || tick.ATP != 250.11 {
		t.Errorf("trade fields = %v/%v/%v/%v", tick.LTP, tick.LTQ, tick.Volume, tick.ATP)
	}
	if tick.Open != 248 || tick.High != 252.8 || tick.Low != 247.05 || tick.PrevClose != 249.6 {
		t.Errorf("ohlc = %v/%v/%v/%v", tick.Open, tick.High, tick.Low, tick.PrevClose)
	}
	if tick.OpenInterest != 5643000 {
		t.Errorf("oi = %v", tick.OpenInterest)
	}
	if tick.Bids[0].Price != 251.3 || tick.Bids[0].Qty != 150 || tick.Asks[0].Orders != 2 {
		t.Errorf("top of book = %+v / %+v", tick.Bids[0], tick.Asks[0])
	}
	want := model.FlagLTP | model.FlagLTQ | model.FlagVolume | model.FlagOHLC |
		model.FlagPrevClose | model.FlagATP | model.FlagTotals | model.FlagOI |
		model.FlagLastUpdateTime | model.FlagBid | model.FlagAsk
	if tick.Flags != want {
		t.Errorf("flags = %v, want %v", tick.Flags, want)
	}
	if tick.Class != model.ClassTouchline || tick.Priority != model.PriorityCritical {
		t.Errorf("class/priority = %v/%v", tick.Class, tick.Priority)
	}
}

func TestDecodeDepthEvent(t *testing.T) {
	data := []byte(`{
		"MessageCode":1502,"ExchangeSegment":1,"ExchangeInstrumentID":2885,
		"Bids":[
			{"Size":100,"Price":604.1,"TotalOrders":3},
			{"Size":200,"Price":604.0,"TotalOrders":5},
			{"Size":50,"Price":603.9,"TotalOrders":1},
			{"Size":75,"Price":603.8,"TotalOrders":2},
			{"Size":10,"Price":603.7,"TotalOrders":1}
		],
		"Asks":[
			{"Size":120,"Price":604.3,"TotalOrders":2},
			{"Size":90,"Price":604.4,"TotalOrders":4}
		]
	}`)

	tick, _, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if tick.Class != model.ClassDepth {
		t.Fatalf("class = %v, want depth", tick.Class)
	}
	if tick.Bids[4].Price != 603.7 || tick.Asks[1].Price != 604.4 || tick.Asks[2].Price != 0 {
		t.Errorf("levels = %+v / %+v", tick.Bids, tick.Asks)
	}
	if !tick.Flags.Has(model.FlagBid | model.FlagAsk | model.FlagDepth) {
		t.Errorf("flags = %v", tick.Flags)
	}
	if tick.Flags.Has(model.FlagLTP) {
		t.Error("depth event claimed an LTP")
	}
}

func TestDecodeCandleEvent(t *testing.T) {
	data := []byte(`{
		"MessageCode":1505,"ExchangeSegment":2,"ExchangeInstrumentID":35042,
		"BarTime":1723690800,"Open":101,"High":102.5,"Low":100.75,"Close":102,
		"BarVolume":18000,"OpenInterest":240500
	}`)

	tick, candle, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if tick != nil {
		t.Fatal("candle decoded as tick")
	}
	if candle.Token != 35042 || candle.Segment != model.NSEFO {
		t.Fatalf("instrument = %v/%d", candle.Segment, candle.Token)
	}
	if !candle.TS.Equal(time.Unix(1723690800, 0).UTC()) {
		t.Errorf("bar time = %v", candle.TS)
	}
	if candle.Close != 102 || candle.Volume != 18000 || candle.OpenInterest != 240500 {
		t.Errorf("bar = %+v", candle)
	}
}

func TestDecodeFlatLTPEvent(t *testing.T) {
	data := []byte(`{
		"MessageCode":1512,"ExchangeSegment":1,"ExchangeInstrumentID":11536,
		"LastTradedPrice":432.1,"LastTradedQunatity":5,"LastUpdateTime":1411646240
	}`)

	tick, _, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if tick.LTP != 432.1 || tick.LTQ != 5 {
		t.Errorf("ltp/ltq = %v/%v", tick.LTP, tick.LTQ)
	}
	if tick.Class != model.ClassTrade {
		t.Errorf("class = %v, want trade", tick.Class)
	}
	if tick.Flags.Has(model.FlagOHLC) {
		t.Error("flat LTP event claimed OHLC")
	}
}

func TestDecodeRejectsBadEvents(t *testing.T) {
	if _, _, err := DecodeEvent([]byte(`{"MessageCode":1501}`)); err == nil {
		t.Error("event without instrument id decoded")
	}
	if _, _, err := DecodeEvent([]byte(`{not json`)); err == nil {
		t.Error("malformed JSON decoded")
	}
}
