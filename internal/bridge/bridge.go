// Package bridge mirrors local subscription interest to the upstream
// provider. It owns the pending queue, the per-segment LRU of active
// upstream subscriptions, the REST rate window and the rate-limit
// cooldown. Under HYBRID mode the bridge is dormant for touchline and
// depth interest (multicast already carries everything); candle
// subscriptions go upstream in both modes because only the provider
// aggregates bars.
package bridge

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mdplane-v1/internal/metrics"
	"mdplane-v1/internal/model"
	"mdplane-v1/pkg/xts"
)

// ErrClientNotSet is returned when an operation needs the upstream
// client before one was configured.
var ErrClientNotSet = errors.New("bridge: upstream client not set")

// Mode selects how much local interest is mirrored upstream.
type Mode int32

const (
	// ModeHybrid keeps the bridge dormant: multicast is primary and
	// only candle subscriptions reach the provider.
	ModeHybrid Mode = iota
	// ModeWSOnly mirrors every local subscribe upstream.
	ModeWSOnly
)

func (m Mode) String() string {
	if m == ModeWSOnly {
		return "WS_ONLY"
	}
	return "HYBRID"
}

// Upstream is the provider surface the bridge drives. *xts.Client
// satisfies it; tests plug in fakes.
type Upstream interface {
	Subscribe(ctx context.Context, instruments []xts.Instrument, messageCode int) error
	Unsubscribe(ctx context.Context, instruments []xts.Instrument, messageCode int) error
}

// Config bounds the bridge's upstream usage.
type Config struct {
	GlobalCap          int           // max active subscriptions across segments
	MaxRestCallsPerSec int           // REST calls per rolling 1s window
	BatchSize          int           // tokens per pump pass
	BatchInterval      time.Duration // pump period
	Cooldown           time.Duration // pause after a rate-limit reply
	MaxRetries         int           // re-enqueue budget per token
	DefaultMessageCode int           // 1501 unless a caller overrides
}

// DefaultConfig returns the provider-documented limits.
func DefaultConfig() Config {
	return Config{
		GlobalCap:          1000,
		MaxRestCallsPerSec: 10,
		BatchSize:          50,
		BatchInterval:      200 * time.Millisecond,
		Cooldown:           5 * time.Second,
		MaxRetries:         3,
		DefaultMessageCode: xts.CodeTouchline,
	}
}

type pendingSub struct {
	token       uint32
	segment     model.Segment
	messageCode int
	retryCount  int
	queuedAt    time.Time
}

// segmentState tracks one exchange segment's upstream footprint.
// lruOrder holds only active tokens, oldest first; pending tokens are
// in pendingSet and the queue until the provider acknowledges them.
type segmentState struct {
	lruOrder   []uint32
	activeSet  map[uint32]struct{}
	pendingSet map[uint32]struct{}
	candleSet  map[uint32]struct{}
}

func newSegmentState() *segmentState {
	return &segmentState{
		activeSet:  make(map[uint32]struct{}),
		pendingSet: make(map[uint32]struct{}),
		candleSet:  make(map[uint32]struct{}),
	}
}

func (s *segmentState) touch(token uint32) {
	for i, t := range s.lruOrder {
		if t == token {
			s.lruOrder = append(s.lruOrder[:i], s.lruOrder[i+1:]...)
			break
		}
	}
	s.lruOrder = append(s.lruOrder, token)
}

func (s *segmentState) activate(token uint32) {
	if _, ok := s.activeSet[token]; !ok {
		s.activeSet[token] = struct{}{}
	}
	s.touch(token)
	delete(s.pendingSet, token)
}

func (s *segmentState) remove(token uint32) {
	delete(s.activeSet, token)
	delete(s.pendingSet, token)
	for i, t := range s.lruOrder {
		if t == token {
			s.lruOrder = append(s.lruOrder[:i], s.lruOrder[i+1:]...)
			return
		}
	}
}

// evictOldest pops the LRU head. Pending tokens never appear in
// lruOrder, so eviction cannot race an unacknowledged subscribe.
func (s *segmentState) evictOldest() (uint32, bool) {
	if len(s.lruOrder) == 0 {
		return 0, false
	}
	oldest := s.lruOrder[0]
	s.lruOrder = s.lruOrder[1:]
	delete(s.activeSet, oldest)
	return oldest, true
}

// Stats is a point-in-time bridge snapshot.
type Stats struct {
	Active        int
	Pending       int
	Capacity      int
	RestCalls     int64
	RestFailed    int64
	RateLimitHits int64
	TotalEvicted  int64
	InCooldown    bool
}

// Bridge mirrors subscriptions upstream. Entry points never block on
// the network; the pump goroutine issues the REST calls with the state
// mutex released.
type Bridge struct {
	cfg    Config
	client Upstream
	mtr    *metrics.Metrics

	mode atomic.Int32

	// Callbacks, set before Start.
	OnRateLimit func(cooldown time.Duration)
	OnEvicted   func(count int, seg model.Segment)
	OnStats     func(model.SubscriptionStats)

	mu            sync.Mutex
	segments      map[model.Segment]*segmentState
	queue         []pendingSub
	callsInWindow int
	windowStart   time.Time
	cooldownUntil time.Time

	restCalls     atomic.Int64
	restFailed    atomic.Int64
	rateLimitHits atomic.Int64
	totalEvicted  atomic.Int64

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a dormant bridge in HYBRID mode. client may be nil until
// SetClient; mtr may be nil.
func New(cfg Config, client Upstream, mtr *metrics.Metrics) *Bridge {
	if cfg.GlobalCap <= 0 {
		cfg.GlobalCap = DefaultConfig().GlobalCap
	}
	if cfg.MaxRestCallsPerSec <= 0 {
		cfg.MaxRestCallsPerSec = DefaultConfig().MaxRestCallsPerSec
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = DefaultConfig().BatchInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.DefaultMessageCode == 0 {
		cfg.DefaultMessageCode = xts.CodeTouchline
	}
	b := &Bridge{
		cfg:      cfg,
		client:   client,
		mtr:      mtr,
		segments: make(map[model.Segment]*segmentState),
	}
	if mtr != nil {
		mtr.SubsCapacity.Set(float64(cfg.GlobalCap))
	}
	return b
}

// SetClient installs the upstream client.
func (b *Bridge) SetClient(client Upstream) {
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
}

// SetMode switches the mirroring mode. State is kept across switches;
// the connection manager clears it explicitly on migration.
func (b *Bridge) SetMode(m Mode) {
	old := Mode(b.mode.Swap(int32(m)))
	if old != m {
		log.Printf("[bridge] mode %s -> %s", old, m)
	}
}

// CurrentMode returns the mirroring mode.
func (b *Bridge) CurrentMode() Mode { return Mode(b.mode.Load()) }

// Start launches the pump loop.
func (b *Bridge) Start() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.wg.Add(1)
	go b.pumpLoop(b.stopCh)
}

// Stop halts the pump loop. Queued work stays queued.
func (b *Bridge) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	b.wg.Wait()
}

func (b *Bridge) pumpLoop(stop <-chan struct{}) {
	defer b.wg.Done()
	t := time.NewTicker(b.cfg.BatchInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			b.pumpOnce(time.Now())
		}
	}
}

func (b *Bridge) segState(seg model.Segment) *segmentState {
	st, ok := b.segments[seg]
	if !ok {
		st = newSegmentState()
		b.segments[seg] = st
	}
	return st
}

func (b *Bridge) totalActiveLocked() int {
	n := 0
	for _, st := range b.segments {
		n += len(st.activeSet)
	}
	return n
}

func (b *Bridge) totalPendingLocked() int {
	n := 0
	for _, st := range b.segments {
		n += len(st.pendingSet)
	}
	return n
}

// RequestSubscribe records interest in one instrument. No-op in HYBRID
// mode. Known tokens are touched to the LRU back; new ones queue for
// the pump. messageCode 0 means the default.
func (b *Bridge) RequestSubscribe(token uint32, seg model.Segment, messageCode int) {
	if b.CurrentMode() == ModeHybrid {
		return
	}
	if messageCode == 0 {
		messageCode = b.cfg.DefaultMessageCode
	}

	b.mu.Lock()
	st := b.segState(seg)
	if _, ok := st.activeSet[token]; ok {
		st.touch(token)
		b.mu.Unlock()
		return
	}
	if _, ok := st.pendingSet[token]; ok {
		b.mu.Unlock()
		return
	}
	st.pendingSet[token] = struct{}{}
	b.queue = append(b.queue, pendingSub{
		token:       token,
		segment:     seg,
		messageCode: messageCode,
		queuedAt:    time.Now(),
	})
	b.mu.Unlock()

	b.publishStats()
}

// RequestUnsubscribe withdraws interest. Active tokens get an async
// single-token upstream unsubscribe; pending ones are just cancelled.
func (b *Bridge) RequestUnsubscribe(token uint32, seg model.Segment, messageCode int) {
	if b.CurrentMode() == ModeHybrid {
		return
	}
	if messageCode == 0 {
		messageCode = b.cfg.DefaultMessageCode
	}

	b.mu.Lock()
	st, ok := b.segments[seg]
	if !ok {
		b.mu.Unlock()
		return
	}
	_, wasActive := st.activeSet[token]
	st.remove(token)
	client := b.client
	b.mu.Unlock()

	if wasActive && client != nil {
		go func() {
			inst := []xts.Instrument{{ExchangeSegment: int(seg), ExchangeInstrumentID: int64(token)}}
			if err := client.Unsubscribe(context.Background(), inst, messageCode); err != nil {
				log.Printf("[bridge] unsubscribe %v/%d: %v", seg, token, err)
			}
		}()
	}
	b.publishStats()
}

// group is one REST subscribe call's worth of queue entries.
type group struct {
	segment     model.Segment
	messageCode int
	subs        []pendingSub
}

type groupKey struct {
	segment     model.Segment
	messageCode int
}

// pumpOnce drains one batch from the pending queue and returns the
// number of REST subscribe calls issued. The pump loop drives it every
// BatchInterval; tests call it directly with a synthetic clock.
func (b *Bridge) pumpOnce(now time.Time) int {
	if b.CurrentMode() == ModeHybrid {
		return 0
	}

	b.mu.Lock()
	if now.Before(b.cooldownUntil) {
		b.mu.Unlock()
		return 0
	}
	if b.mtr != nil {
		b.mtr.CooldownState.Set(0)
	}
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return 0
	}
	if b.client == nil {
		b.mu.Unlock()
		log.Printf("[bridge] pump: %v", ErrClientNotSet)
		return 0
	}

	// Rolling 1s window.
	if now.Sub(b.windowStart) >= time.Second {
		b.windowStart = now
		b.callsInWindow = 0
	}
	if b.callsInWindow >= b.cfg.MaxRestCallsPerSec {
		b.mu.Unlock()
		return 0
	}

	// Capacity; evict before subscribing when full.
	remaining := b.cfg.GlobalCap - b.totalActiveLocked()
	var evicted map[model.Segment][]uint32
	if remaining <= 0 {
		needed := b.cfg.BatchSize
		if len(b.queue) < needed {
			needed = len(b.queue)
		}
		evicted = b.evictLocked(needed)
		remaining = b.cfg.GlobalCap - b.totalActiveLocked()
	}
	if remaining <= 0 {
		b.mu.Unlock()
		b.issueEvictionUnsubscribes(evicted)
		log.Printf("[bridge] at capacity and nothing evictable, queue stalled (%d waiting)", b.QueueLen())
		return 0
	}

	maxDequeue := b.cfg.BatchSize
	if remaining < maxDequeue {
		maxDequeue = remaining
	}

	// Dequeue FIFO, grouped by (segment, messageCode). Entries whose
	// token was cancelled or already activated are dropped.
	var order []groupKey
	groups := make(map[groupKey]*group)
	dequeued := 0
	for len(b.queue) > 0 && dequeued < maxDequeue {
		ps := b.queue[0]
		b.queue = b.queue[1:]

		st := b.segState(ps.segment)
		if _, ok := st.pendingSet[ps.token]; !ok {
			continue
		}
		if _, ok := st.activeSet[ps.token]; ok {
			delete(st.pendingSet, ps.token)
			continue
		}

		k := groupKey{ps.segment, ps.messageCode}
		g, ok := groups[k]
		if !ok {
			g = &group{segment: ps.segment, messageCode: ps.messageCode}
			groups[k] = g
			order = append(order, k)
		}
		g.subs = append(g.subs, ps)
		dequeued++
	}

	budget := b.cfg.MaxRestCallsPerSec - b.callsInWindow
	fire := order
	if len(fire) > budget {
		// Over the window budget: push the excess back to the queue
		// front in original order for the next pass.
		var back []pendingSub
		for _, k := range fire[budget:] {
			back = append(back, groups[k].subs...)
		}
		b.queue = append(back, b.queue...)
		fire = fire[:budget]
	}
	b.callsInWindow += len(fire)
	client := b.client
	b.mu.Unlock()

	b.issueEvictionUnsubscribes(evicted)

	calls := 0
	for i, k := range fire {
		g := groups[k]
		calls++
		if !b.subscribeGroup(client, g) {
			// Rate limited: abandon the rest of this pass, returning
			// unfired groups to the queue front untouched.
			b.mu.Lock()
			var back []pendingSub
			for _, rk := range fire[i+1:] {
				back = append(back, groups[rk].subs...)
			}
			b.queue = append(back, b.queue...)
			b.mu.Unlock()
			break
		}
	}

	b.publishStats()
	return calls
}

// subscribeGroup performs one REST subscribe and applies the outcome.
// Returns false when the provider rate-limited the call.
func (b *Bridge) subscribeGroup(client Upstream, g *group) bool {
	instruments := make([]xts.Instrument, len(g.subs))
	for i, ps := range g.subs {
		instruments[i] = xts.Instrument{
			ExchangeSegment:      int(g.segment),
			ExchangeInstrumentID: int64(ps.token),
		}
	}

	b.restCalls.Add(1)
	if b.mtr != nil {
		b.mtr.RestCallsMade.Inc()
	}
	err := client.Subscribe(context.Background(), instruments, g.messageCode)

	switch {
	case err == nil, errors.Is(err, xts.ErrAlreadySubscribed):
		b.mu.Lock()
		st := b.segState(g.segment)
		for _, ps := range g.subs {
			st.activate(ps.token)
		}
		b.mu.Unlock()
		log.Printf("[bridge] subscribed %d tokens on %v code=%d", len(g.subs), g.segment, g.messageCode)
		return true

	case errors.Is(err, xts.ErrRateLimited):
		b.rateLimitHits.Add(1)
		b.restFailed.Add(1)
		if b.mtr != nil {
			b.mtr.RateLimitHits.Inc()
			b.mtr.RestCallsFailed.Inc()
			b.mtr.CooldownState.Set(1)
		}
		log.Printf("[bridge] rate limited, cooling down %v", b.cfg.Cooldown)

		b.mu.Lock()
		b.cooldownUntil = time.Now().Add(b.cfg.Cooldown)
		st := b.segState(g.segment)
		for _, ps := range g.subs {
			ps.retryCount++
			if ps.retryCount > b.cfg.MaxRetries {
				st.remove(ps.token)
				continue
			}
			ps.queuedAt = time.Now()
			b.queue = append(b.queue, ps)
		}
		b.mu.Unlock()

		if b.OnRateLimit != nil {
			b.OnRateLimit(b.cfg.Cooldown)
		}
		return false

	default:
		b.restFailed.Add(1)
		if b.mtr != nil {
			b.mtr.RestCallsFailed.Inc()
		}
		log.Printf("[bridge] subscribe failed on %v: %v", g.segment, err)

		b.mu.Lock()
		st := b.segState(g.segment)
		for _, ps := range g.subs {
			ps.retryCount++
			if ps.retryCount > b.cfg.MaxRetries {
				st.remove(ps.token)
				continue
			}
			ps.queuedAt = time.Now()
			b.queue = append(b.queue, ps)
		}
		b.mu.Unlock()
		return true
	}
}

// evictLocked frees up to needed active slots, round-robin across
// segments so no single segment bears every eviction. Caller holds
// b.mu and must issue the returned unsubscribes after unlocking.
func (b *Bridge) evictLocked(needed int) map[model.Segment][]uint32 {
	segs := make([]model.Segment, 0, len(b.segments))
	for seg := range b.segments {
		segs = append(segs, seg)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })

	evicted := make(map[model.Segment][]uint32)
	freed := 0
	for freed < needed {
		any := false
		for _, seg := range segs {
			if freed >= needed {
				break
			}
			victim, ok := b.segments[seg].evictOldest()
			if !ok {
				continue
			}
			evicted[seg] = append(evicted[seg], victim)
			freed++
			any = true
		}
		if !any {
			break
		}
	}
	if freed > 0 {
		b.totalEvicted.Add(int64(freed))
		if b.mtr != nil {
			b.mtr.TokensEvicted.Add(float64(freed))
		}
		log.Printf("[bridge] evicted %d LRU tokens for new subscriptions", freed)
	}
	return evicted
}

// issueEvictionUnsubscribes tells the provider about evicted tokens,
// one async call per segment, and fires the eviction callback.
func (b *Bridge) issueEvictionUnsubscribes(evicted map[model.Segment][]uint32) {
	if len(evicted) == 0 {
		return
	}
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	for seg, tokens := range evicted {
		if b.OnEvicted != nil {
			b.OnEvicted(len(tokens), seg)
		}
		if client == nil {
			continue
		}
		instruments := make([]xts.Instrument, len(tokens))
		for i, tok := range tokens {
			instruments[i] = xts.Instrument{ExchangeSegment: int(seg), ExchangeInstrumentID: int64(tok)}
		}
		seg := seg
		go func() {
			if err := client.Unsubscribe(context.Background(), instruments, b.cfg.DefaultMessageCode); err != nil {
				log.Printf("[bridge] eviction unsubscribe on %v: %v", seg, err)
			}
		}()
	}
}

// BulkSubscribeAll subscribes a snapshot of keys, one REST call per
// segment regardless of batch size. Used by migration. Keys beyond the
// remaining capacity are dropped; the dropped count is returned for the
// caller's warning. Runs synchronously on the caller's goroutine.
func (b *Bridge) BulkSubscribeAll(ctx context.Context, keys []model.CompositeKey) (subscribed, dropped int, err error) {
	b.mu.Lock()
	client := b.client
	if client == nil {
		b.mu.Unlock()
		return 0, len(keys), ErrClientNotSet
	}

	remaining := b.cfg.GlobalCap - b.totalActiveLocked()
	if remaining < 0 {
		remaining = 0
	}
	take := keys
	if len(take) > remaining {
		dropped = len(take) - remaining
		take = take[:remaining]
	}

	bySegment := make(map[model.Segment][]uint32)
	for _, key := range take {
		seg, token := key.Segment(), key.Token()
		st := b.segState(seg)
		if _, ok := st.activeSet[token]; ok {
			st.touch(token)
			subscribed++
			continue
		}
		st.pendingSet[token] = struct{}{}
		bySegment[seg] = append(bySegment[seg], token)
	}
	b.mu.Unlock()

	segs := make([]model.Segment, 0, len(bySegment))
	for seg := range bySegment {
		segs = append(segs, seg)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })

	for _, seg := range segs {
		tokens := bySegment[seg]
		instruments := make([]xts.Instrument, len(tokens))
		for i, tok := range tokens {
			instruments[i] = xts.Instrument{ExchangeSegment: int(seg), ExchangeInstrumentID: int64(tok)}
		}

		b.restCalls.Add(1)
		if b.mtr != nil {
			b.mtr.RestCallsMade.Inc()
		}
		callErr := client.Subscribe(ctx, instruments, b.cfg.DefaultMessageCode)

		b.mu.Lock()
		st := b.segState(seg)
		switch {
		case callErr == nil, errors.Is(callErr, xts.ErrAlreadySubscribed):
			for _, tok := range tokens {
				st.activate(tok)
			}
			subscribed += len(tokens)
		case errors.Is(callErr, xts.ErrRateLimited):
			b.rateLimitHits.Add(1)
			b.restFailed.Add(1)
			if b.mtr != nil {
				b.mtr.RateLimitHits.Inc()
				b.mtr.RestCallsFailed.Inc()
				b.mtr.CooldownState.Set(1)
			}
			b.cooldownUntil = time.Now().Add(b.cfg.Cooldown)
			// Hand the segment to the pump for retry after cooldown.
			for _, tok := range tokens {
				b.queue = append(b.queue, pendingSub{
					token: tok, segment: seg,
					messageCode: b.cfg.DefaultMessageCode,
					retryCount:  1, queuedAt: time.Now(),
				})
			}
			err = callErr
		default:
			b.restFailed.Add(1)
			if b.mtr != nil {
				b.mtr.RestCallsFailed.Inc()
			}
			for _, tok := range tokens {
				delete(st.pendingSet, tok)
			}
			err = callErr
		}
		b.mu.Unlock()

		if errors.Is(callErr, xts.ErrRateLimited) && b.OnRateLimit != nil {
			b.OnRateLimit(b.cfg.Cooldown)
		}
	}

	b.publishStats()
	return subscribed, dropped, err
}

// UnsubscribeAllExceptCandles clears every tracked subscription and
// the pending queue, issuing one upstream unsubscribe per segment that
// had active tokens. The candle sets survive. Runs synchronously.
func (b *Bridge) UnsubscribeAllExceptCandles(ctx context.Context) error {
	b.mu.Lock()
	client := b.client
	toUnsub := make(map[model.Segment][]uint32)
	for seg, st := range b.segments {
		if len(st.activeSet) > 0 {
			tokens := make([]uint32, 0, len(st.activeSet))
			for tok := range st.activeSet {
				tokens = append(tokens, tok)
			}
			sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
			toUnsub[seg] = tokens
		}
		st.activeSet = make(map[uint32]struct{})
		st.pendingSet = make(map[uint32]struct{})
		st.lruOrder = nil
	}
	b.queue = nil
	b.mu.Unlock()

	log.Printf("[bridge] unsubscribing all (%d segments), candle subscriptions kept", len(toUnsub))

	var firstErr error
	if client != nil {
		segs := make([]model.Segment, 0, len(toUnsub))
		for seg := range toUnsub {
			segs = append(segs, seg)
		}
		sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })

		for _, seg := range segs {
			tokens := toUnsub[seg]
			instruments := make([]xts.Instrument, len(tokens))
			for i, tok := range tokens {
				instruments[i] = xts.Instrument{ExchangeSegment: int(seg), ExchangeInstrumentID: int64(tok)}
			}
			if err := client.Unsubscribe(ctx, instruments, b.cfg.DefaultMessageCode); err != nil {
				log.Printf("[bridge] bulk unsubscribe on %v: %v", seg, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	b.publishStats()
	return firstErr
}

// SubscribeCandles registers a 1-minute candle stream for one
// instrument. Candle subscriptions bypass the pump, the cap and the
// mode switch: bars only exist upstream.
func (b *Bridge) SubscribeCandles(ctx context.Context, token uint32, seg model.Segment) error {
	b.mu.Lock()
	client := b.client
	st := b.segState(seg)
	if _, ok := st.candleSet[token]; ok {
		b.mu.Unlock()
		return nil
	}
	st.candleSet[token] = struct{}{}
	b.mu.Unlock()

	if client == nil {
		return ErrClientNotSet
	}
	inst := []xts.Instrument{{ExchangeSegment: int(seg), ExchangeInstrumentID: int64(token)}}
	err := client.Subscribe(ctx, inst, xts.CodeCandle)
	if err != nil && !errors.Is(err, xts.ErrAlreadySubscribed) {
		b.mu.Lock()
		delete(b.segState(seg).candleSet, token)
		b.mu.Unlock()
		return err
	}
	return nil
}

// UnsubscribeCandles stops one instrument's candle stream.
func (b *Bridge) UnsubscribeCandles(ctx context.Context, token uint32, seg model.Segment) error {
	b.mu.Lock()
	client := b.client
	st := b.segState(seg)
	_, had := st.candleSet[token]
	delete(st.candleSet, token)
	b.mu.Unlock()

	if !had || client == nil {
		return nil
	}
	inst := []xts.Instrument{{ExchangeSegment: int(seg), ExchangeInstrumentID: int64(token)}}
	err := client.Unsubscribe(ctx, inst, xts.CodeCandle)
	if err != nil {
		log.Printf("[bridge] candle unsubscribe %v/%d: %v", seg, token, err)
	}
	return err
}

// IsActive reports whether a token holds an acknowledged upstream
// subscription.
func (b *Bridge) IsActive(seg model.Segment, token uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.segments[seg]
	if !ok {
		return false
	}
	_, active := st.activeSet[token]
	return active
}

// HasCandle reports whether a token has a live candle subscription.
func (b *Bridge) HasCandle(seg model.Segment, token uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.segments[seg]
	if !ok {
		return false
	}
	_, has := st.candleSet[token]
	return has
}

// IsPending reports whether a token waits in the subscribe pipeline.
func (b *Bridge) IsPending(seg model.Segment, token uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.segments[seg]
	if !ok {
		return false
	}
	_, pending := st.pendingSet[token]
	return pending
}

// QueueLen returns the pending queue length.
func (b *Bridge) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Snapshot returns current bridge counters.
func (b *Bridge) Snapshot() Stats {
	b.mu.Lock()
	s := Stats{
		Active:   b.totalActiveLocked(),
		Pending:  b.totalPendingLocked(),
		Capacity: b.cfg.GlobalCap,
	}
	s.InCooldown = time.Now().Before(b.cooldownUntil)
	b.mu.Unlock()

	s.RestCalls = b.restCalls.Load()
	s.RestFailed = b.restFailed.Load()
	s.RateLimitHits = b.rateLimitHits.Load()
	s.TotalEvicted = b.totalEvicted.Load()
	return s
}

func (b *Bridge) publishStats() {
	b.mu.Lock()
	stats := model.SubscriptionStats{
		Subscribed: b.totalActiveLocked(),
		Pending:    b.totalPendingLocked(),
		Capacity:   b.cfg.GlobalCap,
	}
	b.mu.Unlock()

	if b.mtr != nil {
		b.mtr.SetSubscriptionStats(stats)
	}
	if b.OnStats != nil {
		b.OnStats(stats)
	}
}
