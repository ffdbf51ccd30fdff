// Package pricecache holds the authoritative last-known state of every
// instrument the process has seen ticks for. Exchange packets are
// narrow: one carries depth, another the last trade, another only OI.
// The cache merges them field-by-field so a snapshot query or a newly
// opened view always gets the full current picture, and a narrow
// update can never erase previously learned state.
package pricecache

import (
	"sync"
	"sync/atomic"
	"time"

	"mdplane-v1/internal/metrics"
	"mdplane-v1/internal/model"
)

const numShards = 64

type entry struct {
	tick model.MarketTick
	ts   int64 // micros at last update
}

type shard struct {
	mu sync.RWMutex
	m  map[model.CompositeKey]*entry
}

// Cache is the process-wide price store, sharded to keep writer locks
// off unrelated tokens.
type Cache struct {
	shards [numShards]shard
	size   atomic.Int64
	mtr    *metrics.Metrics

	onUpdate func(*model.MarketTick)
}

// New builds an empty cache. mtr may be nil.
func New(mtr *metrics.Metrics) *Cache {
	c := &Cache{mtr: mtr}
	for i := range c.shards {
		c.shards[i].m = make(map[model.CompositeKey]*entry)
	}
	return c
}

// SetOnUpdate registers the per-update callback, invoked synchronously
// after every merge with a copy of the merged tick. Must be set before
// ticks flow.
func (c *Cache) SetOnUpdate(fn func(*model.MarketTick)) {
	c.onUpdate = fn
}

func (c *Cache) shardFor(key model.CompositeKey) *shard {
	return &c.shards[uint64(key)&(numShards-1)]
}

// Update merges one incoming tick and returns a copy of the merged
// state. Merge rules:
//
//   - a field travels when its validity flag is set;
//   - trade fields additionally travel when the packet carries a real
//     trade (ltp > 0) and the incoming value is nonzero, which covers
//     sources that populate values without flags;
//   - volume is a monotone max, the session total never shrinks;
//   - open interest is copied only when positive.
//
// The per-update callback sees the merged tick, so a depth-only packet
// delivered to a chart still carries the last known LTP.
func (c *Cache) Update(in *model.MarketTick) *model.MarketTick {
	key := in.Key()
	sh := c.shardFor(key)

	sh.mu.Lock()
	e, ok := sh.m[key]
	if !ok {
		e = &entry{tick: *in}
		if e.tick.Volume < 0 {
			e.tick.Volume = 0
		}
		sh.m[key] = e
		c.size.Add(1)
	} else {
		merge(&e.tick, in)
	}
	e.ts = model.NowMicros()
	merged := e.tick
	sh.mu.Unlock()

	if c.mtr != nil {
		c.mtr.CacheSize.Set(float64(c.size.Load()))
	}
	if c.onUpdate != nil {
		c.onUpdate(&merged)
	}
	return &merged
}

func merge(dst, in *model.MarketTick) {
	trade := in.LTP > 0

	if in.Flags.Has(model.FlagLTP) || trade {
		if in.LTP > 0 {
			dst.LTP = in.LTP
		}
	}
	if in.Flags.Has(model.FlagLTQ) || (trade && in.LTQ != 0) {
		dst.LTQ = in.LTQ
	}
	if in.Flags.Has(model.FlagVolume) || (trade && in.Volume != 0) {
		if in.Volume > dst.Volume {
			dst.Volume = in.Volume
		}
	}
	if in.Flags.Has(model.FlagOHLC) || (trade && (in.Open != 0 || in.High != 0 || in.Low != 0)) {
		dst.Open, dst.High, dst.Low = in.Open, in.High, in.Low
	}
	if in.Flags.Has(model.FlagPrevClose) || (trade && in.PrevClose != 0) {
		dst.PrevClose = in.PrevClose
	}
	if in.Flags.Has(model.FlagATP) || (trade && in.ATP != 0) {
		dst.ATP = in.ATP
	}
	if in.Flags.Has(model.FlagLastUpdateTime) || (trade && in.LastUpdateTime != 0) {
		dst.LastUpdateTime = in.LastUpdateTime
	}
	if in.Flags.Has(model.FlagTotalTrades) || (trade && in.TotalTrades != 0) {
		dst.TotalTrades = in.TotalTrades
	}

	if in.Flags.Has(model.FlagBid) || in.Flags.Has(model.FlagDepth) {
		dst.Bids = in.Bids
	}
	if in.Flags.Has(model.FlagAsk) || in.Flags.Has(model.FlagDepth) {
		dst.Asks = in.Asks
	}
	if in.Flags.Has(model.FlagTotals) {
		dst.TotalBuyQty, dst.TotalSellQty = in.TotalBuyQty, in.TotalSellQty
	}

	if in.OpenInterest > 0 {
		dst.OpenInterest = in.OpenInterest
		dst.OIChange = in.OIChange
	}
	if in.Flags.Has(model.FlagOIExtremes) {
		dst.OIDayHigh, dst.OIDayLow = in.OIDayHigh, in.OIDayLow
	}
	if in.Flags.Has(model.FlagCircuit) {
		dst.UpperCircuit, dst.LowerCircuit = in.UpperCircuit, in.LowerCircuit
	}

	dst.Flags |= in.Flags
	dst.Class = in.Class
	dst.Priority = in.Priority
	dst.TsUDPRecv = in.TsUDPRecv
	dst.TsParsed = in.TsParsed
	dst.TsEmitted = in.TsEmitted
	dst.TsFedHandler = in.TsFedHandler
	dst.TsViewUpdate = in.TsViewUpdate
}

// UpdateCircuit merges an exchange price-band broadcast. Unknown
// instruments get a fresh entry so the bands are not lost before the
// first tick.
func (c *Cache) UpdateCircuit(ct *model.CircuitLimitTick) {
	key := ct.Key()
	sh := c.shardFor(key)

	sh.mu.Lock()
	e, ok := sh.m[key]
	if !ok {
		e = &entry{tick: model.MarketTick{Segment: ct.Segment, Token: ct.Token}}
		sh.m[key] = e
		c.size.Add(1)
	}
	e.tick.UpperCircuit = ct.UpperCircuit
	e.tick.LowerCircuit = ct.LowerCircuit
	e.tick.Flags = e.tick.Flags.Set(model.FlagCircuit)
	e.ts = model.NowMicros()
	sh.mu.Unlock()
}

// Get returns a copy of the current merged state for one instrument.
func (c *Cache) Get(seg model.Segment, token uint32) (model.MarketTick, bool) {
	key := model.MakeKey(seg, token)
	sh := c.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	if !ok {
		sh.mu.RUnlock()
		return model.MarketTick{}, false
	}
	t := e.tick
	sh.mu.RUnlock()
	return t, true
}

// Len returns the number of cached instruments.
func (c *Cache) Len() int {
	return int(c.size.Load())
}

// ClearStale removes every entry older than maxAge and returns how many
// were dropped.
func (c *Cache) ClearStale(maxAge time.Duration) int {
	cutoff := model.NowMicros() - maxAge.Microseconds()
	removed := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for key, e := range sh.m {
			if e.ts < cutoff {
				delete(sh.m, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		c.size.Add(int64(-removed))
		if c.mtr != nil {
			c.mtr.StaleEvicted.Add(float64(removed))
			c.mtr.CacheSize.Set(float64(c.size.Load()))
		}
	}
	return removed
}
