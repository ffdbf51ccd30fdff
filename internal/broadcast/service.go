// Package broadcast owns the exchange multicast receivers and the
// subscription filter that decides which decoded ticks fan out to the
// rest of the process. The exchange multicasts every instrument in a
// segment; without the filter tens of thousands of ticks per second
// would hit subscribers that asked for a handful of tokens.
package broadcast

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mdplane-v1/internal/broadcast/bse"
	"mdplane-v1/internal/broadcast/nse"
	"mdplane-v1/internal/metrics"
	"mdplane-v1/internal/model"
)

const (
	defaultRingSize   = 4096
	defaultStaleAfter = 15 * time.Second
)

// Config selects the multicast groups to join, one per segment.
type Config struct {
	// Groups maps a segment to its "ip:port" multicast group. Only
	// segments with a UDP endpoint (NSE/BSE cash and derivatives) are
	// accepted.
	Groups map[model.Segment]string

	// Interface optionally pins the join to one NIC.
	Interface string

	// RingSize is the per-receiver datagram ring capacity.
	RingSize int

	// StaleAfter is how long a silent receiver stays "live" before the
	// status event declares it dead.
	StaleAfter time.Duration
}

// SegmentStats extends receiver counters with the service-level view.
type SegmentStats struct {
	ReceiverStats
	Ticks         uint64
	Filtered      uint64
	PacketsPerSec float64
	Live          bool
}

type segCounters struct {
	ticks    atomic.Uint64
	filtered atomic.Uint64
	ppsBits  atomic.Uint64
	live     atomic.Bool

	// Status-loop accumulators, touched only by statusLoop.
	prevPackets uint64
	prevErrs    uint64
	prevDrops   uint64

	// Pre-bound metric children keep label lookups off the hot path.
	promTicks    prometheus.Counter
	promFiltered prometheus.Counter
}

// Service is the process-wide coordinator for the four segment
// receivers.
type Service struct {
	cfg  Config
	mtr  *metrics.Metrics
	sink model.Sink

	mu     sync.RWMutex
	filter map[model.CompositeKey]struct{}

	receivers map[model.Segment]*Receiver
	order     []model.Segment
	counters  map[model.Segment]*segCounters

	onStatus func(segment model.Segment, active bool)
	onState  StateFn

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService builds the receivers for every configured segment. The
// sink's callbacks receive decoded data: ticks pass the subscription
// filter first, everything else (indices, circuit limits, session
// changes, IV, reference rates) is forwarded as-is.
func NewService(cfg Config, sink model.Sink, mtr *metrics.Metrics, onState StateFn) (*Service, error) {
	if cfg.RingSize <= 0 {
		cfg.RingSize = defaultRingSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}

	s := &Service{
		cfg:       cfg,
		mtr:       mtr,
		sink:      sink,
		filter:    make(map[model.CompositeKey]struct{}),
		receivers: make(map[model.Segment]*Receiver),
		counters:  make(map[model.Segment]*segCounters),
		onState:   onState,
	}

	for seg, addr := range cfg.Groups {
		endpoint, ok := model.UDPEndpointFor(seg)
		if !ok {
			return nil, fmt.Errorf("broadcast: segment %s has no UDP endpoint", seg)
		}
		c := &segCounters{}
		if mtr != nil {
			c.promTicks = mtr.TicksTotal.WithLabelValues(seg.String())
			c.promFiltered = mtr.FilteredTicks.WithLabelValues(seg.String())
		}
		s.counters[seg] = c

		parser, err := s.parserFor(seg, c)
		if err != nil {
			return nil, err
		}
		s.receivers[seg] = NewReceiver(endpoint, seg, addr, cfg.Interface, cfg.RingSize, parser, s.handleState)
		s.order = append(s.order, seg)
	}
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })
	return s, nil
}

// parserFor builds the segment's wire parser wired into the service
// sink. The frame hook caches metric children per transaction code;
// each parser runs on exactly one goroutine, so the cache needs no
// lock.
func (s *Service) parserFor(seg model.Segment, c *segCounters) (PacketParser, error) {
	var prioCounters [4]prometheus.Counter
	frameCache := make(map[uint16]prometheus.Counter)
	if s.mtr != nil {
		for p := model.PriorityLow; p <= model.PriorityCritical; p++ {
			prioCounters[p] = s.mtr.TicksByPriority.WithLabelValues(p.String())
		}
	}

	sink := &model.Sink{
		Tick: func(t *model.MarketTick) {
			if s.mtr != nil {
				prioCounters[t.Priority].Inc()
			}
			s.forwardTick(t, c)
		},
		Index:   s.sink.EmitIndex,
		Circuit: s.sink.EmitCircuit,
		Session: s.sink.EmitSession,
		IV:      s.sink.EmitIV,
		RBIRate: s.sink.EmitRBIRate,
		Frame: func(txCode uint16, prio model.Priority) {
			if s.mtr == nil {
				return
			}
			ctr, ok := frameCache[txCode]
			if !ok {
				ctr = s.mtr.FramesByTxcode.WithLabelValues(seg.String(), strconv.Itoa(int(txCode)))
				frameCache[txCode] = ctr
			}
			ctr.Inc()
		},
	}

	switch seg {
	case model.NSECM, model.NSEFO, model.NSECD:
		return nse.New(seg, sink), nil
	case model.BSECM, model.BSEFO, model.BSECD:
		return bse.New(seg, sink), nil
	}
	return nil, fmt.Errorf("broadcast: no parser for segment %s", seg)
}

// forwardTick is the hot path: one reader-locked hash probe, then the
// downstream callback. Unsubscribed tokens are counted and dropped.
func (s *Service) forwardTick(t *model.MarketTick, c *segCounters) {
	s.mu.RLock()
	_, wanted := s.filter[t.Key()]
	s.mu.RUnlock()

	if !wanted {
		c.filtered.Add(1)
		if c.promFiltered != nil {
			c.promFiltered.Inc()
		}
		return
	}
	c.ticks.Add(1)
	if c.promTicks != nil {
		c.promTicks.Inc()
	}
	t.TsEmitted = model.NowMicros()
	s.sink.EmitTick(t)
}

func (s *Service) handleState(id model.EndpointID, st model.ConnState, detail string) {
	if s.mtr != nil {
		s.mtr.SetEndpointState(id, st)
	}
	if s.onState != nil {
		s.onState(id, st, detail)
	}
}

// SetStatusFn registers the receiverStatusChanged observer. Must be
// called before Start.
func (s *Service) SetStatusFn(fn func(segment model.Segment, active bool)) {
	s.onStatus = fn
}

// Start brings up every receiver and the status sampler. Receivers
// that fail to join are reported (state transition + joined error) but
// do not stop the others.
func (s *Service) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}
	var errs []error
	for _, seg := range s.order {
		if err := s.receivers[seg].Start(); err != nil {
			log.Printf("[broadcast] %s: start failed: %v", seg, err)
			errs = append(errs, err)
		}
	}
	s.stopCh = make(chan struct{})
	s.running = true
	s.wg.Add(1)
	go s.statusLoop(s.stopCh)
	return errors.Join(errs...)
}

// Stop halts the sampler and every receiver.
func (s *Service) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	for _, seg := range s.order {
		s.receivers[seg].Stop()
	}
	s.running = false
}

// StartReceiver starts one segment's receiver.
func (s *Service) StartReceiver(seg model.Segment) error {
	r, ok := s.receivers[seg]
	if !ok {
		return fmt.Errorf("broadcast: no receiver for %s", seg)
	}
	return r.Start()
}

// StopReceiver stops one segment's receiver.
func (s *Service) StopReceiver(seg model.Segment) error {
	r, ok := s.receivers[seg]
	if !ok {
		return fmt.Errorf("broadcast: no receiver for %s", seg)
	}
	r.Stop()
	return nil
}

// RestartReceiver rejoins one segment's multicast group.
func (s *Service) RestartReceiver(seg model.Segment) error {
	r, ok := s.receivers[seg]
	if !ok {
		return fmt.Errorf("broadcast: no receiver for %s", seg)
	}
	return r.Restart()
}

// SubscribeToken admits a token's ticks through the filter.
func (s *Service) SubscribeToken(seg model.Segment, token uint32) {
	s.mu.Lock()
	s.filter[model.MakeKey(seg, token)] = struct{}{}
	s.mu.Unlock()
}

// UnsubscribeToken removes a token from the filter.
func (s *Service) UnsubscribeToken(seg model.Segment, token uint32) {
	s.mu.Lock()
	delete(s.filter, model.MakeKey(seg, token))
	s.mu.Unlock()
}

// ShouldEmit reports whether a key currently passes the filter.
func (s *Service) ShouldEmit(key model.CompositeKey) bool {
	s.mu.RLock()
	_, ok := s.filter[key]
	s.mu.RUnlock()
	return ok
}

// FilterSize returns the number of admitted keys.
func (s *Service) FilterSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.filter)
}

// Stats snapshots every segment in a stable order.
func (s *Service) Stats() []SegmentStats {
	out := make([]SegmentStats, 0, len(s.order))
	for _, seg := range s.order {
		st, _ := s.StatsFor(seg)
		out = append(out, st)
	}
	return out
}

// StatsFor snapshots one segment.
func (s *Service) StatsFor(seg model.Segment) (SegmentStats, bool) {
	r, ok := s.receivers[seg]
	if !ok {
		return SegmentStats{}, false
	}
	c := s.counters[seg]
	return SegmentStats{
		ReceiverStats: r.Stats(),
		Ticks:         c.ticks.Load(),
		Filtered:      c.filtered.Load(),
		PacketsPerSec: math.Float64frombits(c.ppsBits.Load()),
		Live:          c.live.Load(),
	}, true
}

// statusLoop samples receiver counters once a second: it feeds the
// per-segment packet metrics, computes packets/sec and flips the
// live/dead status event when a receiver goes silent or recovers.
func (s *Service) statusLoop(stop chan struct{}) {
	defer s.wg.Done()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			s.sampleOnce()
		}
	}
}

func (s *Service) sampleOnce() {
	for _, seg := range s.order {
		r := s.receivers[seg]
		c := s.counters[seg]
		st := r.Stats()

		pps := float64(st.Packets - c.prevPackets)
		c.ppsBits.Store(math.Float64bits(pps))
		if s.mtr != nil {
			label := seg.String()
			s.mtr.PacketsTotal.WithLabelValues(label).Add(pps)
			s.mtr.ParseErrors.WithLabelValues(label).Add(float64(st.ParseErrors - c.prevErrs))
			s.mtr.RingDrops.WithLabelValues(label).Add(float64(st.RingDrops - c.prevDrops))
		}
		c.prevPackets = st.Packets
		c.prevErrs = st.ParseErrors
		c.prevDrops = st.RingDrops

		live := r.Running() && !st.LastActivity.IsZero() &&
			time.Since(st.LastActivity) < s.cfg.StaleAfter
		if live != c.live.Load() {
			c.live.Store(live)
			if live {
				log.Printf("[broadcast] %s: receiver live", seg)
			} else {
				log.Printf("[broadcast] %s: receiver silent", seg)
			}
			if s.onStatus != nil {
				s.onStatus(seg, live)
			}
		}
	}
}
