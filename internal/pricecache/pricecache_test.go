package pricecache

import (
	"testing"
	"time"

	"mdplane-v1/internal/model"
)

func tradeTick(seg model.Segment, token uint32) *model.MarketTick {
	return &model.MarketTick{
		Segment:        seg,
		Token:          token,
		LTP:            101.5,
		LTQ:            25,
		Volume:         1000,
		Open:           99, High: 103, Low: 98.5,
		PrevClose:      100,
		ATP:            100.7,
		LastUpdateTime: 1700000000,
		Flags: model.FlagLTP | model.FlagLTQ | model.FlagVolume |
			model.FlagOHLC | model.FlagPrevClose | model.FlagATP |
			model.FlagLastUpdateTime,
		Class: model.ClassTouchline,
	}
}

func depthTick(seg model.Segment, token uint32) *model.MarketTick {
	t := &model.MarketTick{
		Segment: seg,
		Token:   token,
		Flags:   model.FlagBid | model.FlagAsk | model.FlagDepth,
		Class:   model.ClassDepth,
	}
	for i := range t.Bids {
		t.Bids[i] = model.DepthLevel{Price: 101 - float64(i)*0.05, Qty: int64(10 * (i + 1)), Orders: 2}
		t.Asks[i] = model.DepthLevel{Price: 101.1 + float64(i)*0.05, Qty: int64(5 * (i + 1)), Orders: 1}
	}
	return t
}

func TestUpdateMergesDepthOverTrade(t *testing.T) {
	c := New(nil)

	c.Update(tradeTick(model.NSEFO, 49508))
	merged := c.Update(depthTick(model.NSEFO, 49508))

	if merged.LTP != 101.5 {
		t.Fatalf("merged LTP = %v, want last trade 101.5", merged.LTP)
	}
	if merged.Open != 99 || merged.High != 103 || merged.Low != 98.5 {
		t.Errorf("merged OHL = %v/%v/%v, want 99/103/98.5", merged.Open, merged.High, merged.Low)
	}
	if merged.Bids[0].Price != 101 || merged.Asks[0].Price != 101.1 {
		t.Errorf("merged top of book = %v/%v, want 101/101.1", merged.Bids[0].Price, merged.Asks[0].Price)
	}
	want := model.FlagLTP | model.FlagOHLC | model.FlagBid | model.FlagAsk | model.FlagDepth
	if !merged.Flags.Has(want) {
		t.Errorf("merged flags = %v, want union containing %v", merged.Flags, want)
	}
}

func TestNarrowUpdateNeverErasesState(t *testing.T) {
	c := New(nil)
	c.Update(tradeTick(model.NSECM, 2885))

	// Ticker-style frame: real trade, no OHLC or depth on the wire.
	c.Update(&model.MarketTick{
		Segment: model.NSECM, Token: 2885,
		LTP: 102, Volume: 40,
		Flags: model.FlagLTP,
		Class: model.ClassTrade,
	})

	got, ok := c.Get(model.NSECM, 2885)
	if !ok {
		t.Fatal("instrument missing after updates")
	}
	if got.LTP != 102 {
		t.Errorf("LTP = %v, want 102", got.LTP)
	}
	if got.Open != 99 || got.High != 103 || got.Low != 98.5 || got.PrevClose != 100 {
		t.Errorf("OHLC erased by narrow update: %v/%v/%v/%v", got.Open, got.High, got.Low, got.PrevClose)
	}
	if got.LTQ != 25 || got.ATP != 100.7 {
		t.Errorf("trade context erased: ltq=%v atp=%v", got.LTQ, got.ATP)
	}
}

func TestVolumeIsMonotone(t *testing.T) {
	c := New(nil)
	c.Update(tradeTick(model.NSECM, 11536))

	c.Update(&model.MarketTick{
		Segment: model.NSECM, Token: 11536,
		LTP: 101, Volume: 400,
		Flags: model.FlagLTP | model.FlagVolume,
	})

	got, _ := c.Get(model.NSECM, 11536)
	if got.Volume != 1000 {
		t.Fatalf("volume = %d after lower report, want 1000", got.Volume)
	}

	c.Update(&model.MarketTick{
		Segment: model.NSECM, Token: 11536,
		LTP: 101, Volume: 1600,
		Flags: model.FlagLTP | model.FlagVolume,
	})
	got, _ = c.Get(model.NSECM, 11536)
	if got.Volume != 1600 {
		t.Fatalf("volume = %d, want 1600", got.Volume)
	}
}

func TestOpenInterestOnlyWhenPositive(t *testing.T) {
	c := New(nil)
	c.Update(&model.MarketTick{
		Segment: model.NSEFO, Token: 35042,
		OpenInterest: 5200, OIChange: 120,
		Flags: model.FlagOI,
	})
	c.Update(&model.MarketTick{
		Segment: model.NSEFO, Token: 35042,
		LTP: 250, OpenInterest: 0,
		Flags: model.FlagLTP,
	})

	got, _ := c.Get(model.NSEFO, 35042)
	if got.OpenInterest != 5200 || got.OIChange != 120 {
		t.Fatalf("OI = %d/%d, want 5200/120 preserved", got.OpenInterest, got.OIChange)
	}
	if got.LTP != 250 {
		t.Fatalf("LTP = %v, want 250", got.LTP)
	}
}

func TestPrevCloseAloneLeavesOHLC(t *testing.T) {
	c := New(nil)
	c.Update(tradeTick(model.BSECM, 500325))

	// Close-price broadcast carries only the settlement value.
	c.Update(&model.MarketTick{
		Segment: model.BSECM, Token: 500325,
		PrevClose: 104.25,
		Flags:     model.FlagPrevClose,
	})

	got, _ := c.Get(model.BSECM, 500325)
	if got.PrevClose != 104.25 {
		t.Fatalf("prevClose = %v, want 104.25", got.PrevClose)
	}
	if got.Open != 99 || got.High != 103 || got.Low != 98.5 {
		t.Errorf("OHLC disturbed by close broadcast: %v/%v/%v", got.Open, got.High, got.Low)
	}
}

func TestCallbackSeesMergedTick(t *testing.T) {
	c := New(nil)

	var last model.MarketTick
	calls := 0
	c.SetOnUpdate(func(t *model.MarketTick) {
		last = *t
		calls++
	})

	c.Update(tradeTick(model.NSEFO, 49508))
	c.Update(depthTick(model.NSEFO, 49508))

	if calls != 2 {
		t.Fatalf("callback ran %d times, want 2", calls)
	}
	if last.LTP != 101.5 {
		t.Errorf("depth-only update delivered LTP %v, want merged 101.5", last.LTP)
	}
	if last.Bids[0].Qty != 10 {
		t.Errorf("depth missing from merged callback tick: %+v", last.Bids[0])
	}
}

func TestSameTokenDifferentSegments(t *testing.T) {
	c := New(nil)
	c.Update(&model.MarketTick{Segment: model.NSECM, Token: 3045, LTP: 600, Flags: model.FlagLTP})
	c.Update(&model.MarketTick{Segment: model.BSECM, Token: 3045, LTP: 601.5, Flags: model.FlagLTP})

	nse, _ := c.Get(model.NSECM, 3045)
	bse, _ := c.Get(model.BSECM, 3045)
	if nse.LTP != 600 || bse.LTP != 601.5 {
		t.Fatalf("segments bled: nse=%v bse=%v", nse.LTP, bse.LTP)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
}

func TestGetReturnsCopy(t *testing.T) {
	c := New(nil)
	c.Update(tradeTick(model.NSECM, 2885))

	got, _ := c.Get(model.NSECM, 2885)
	got.LTP = 9999

	again, _ := c.Get(model.NSECM, 2885)
	if again.LTP != 101.5 {
		t.Fatalf("cache mutated through returned copy: LTP = %v", again.LTP)
	}
}

func TestGetMiss(t *testing.T) {
	c := New(nil)
	if _, ok := c.Get(model.NSEFO, 1); ok {
		t.Fatal("Get reported a hit on an empty cache")
	}
}

func TestUpdateCircuitCreatesEntry(t *testing.T) {
	c := New(nil)
	c.UpdateCircuit(&model.CircuitLimitTick{
		Segment: model.NSECM, Token: 14366,
		UpperCircuit: 110, LowerCircuit: 90,
	})

	got, ok := c.Get(model.NSECM, 14366)
	if !ok {
		t.Fatal("circuit broadcast did not create an entry")
	}
	if got.UpperCircuit != 110 || got.LowerCircuit != 90 {
		t.Fatalf("bands = %v/%v, want 110/90", got.UpperCircuit, got.LowerCircuit)
	}
	if !got.Flags.Has(model.FlagCircuit) {
		t.Fatal("FlagCircuit not set")
	}

	c.Update(&model.MarketTick{Segment: model.NSECM, Token: 14366, LTP: 95, Flags: model.FlagLTP})
	got, _ = c.Get(model.NSECM, 14366)
	if got.UpperCircuit != 110 || got.LTP != 95 {
		t.Fatalf("bands and trade did not merge: %v/%v", got.UpperCircuit, got.LTP)
	}
}

func TestClearStale(t *testing.T) {
	c := New(nil)
	c.Update(tradeTick(model.NSECM, 1))
	c.Update(tradeTick(model.NSECM, 2))

	// Age the first entry past any realistic cutoff.
	sh := c.shardFor(model.MakeKey(model.NSECM, 1))
	sh.mu.Lock()
	sh.m[model.MakeKey(model.NSECM, 1)].ts -= int64(time.Hour / time.Microsecond)
	sh.mu.Unlock()

	removed := c.ClearStale(15 * time.Second)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := c.Get(model.NSECM, 1); ok {
		t.Error("stale entry survived the sweep")
	}
	if _, ok := c.Get(model.NSECM, 2); !ok {
		t.Error("fresh entry was swept")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}
