// Package feed is the publish/subscribe hub between the tick pipeline
// and its consumers. Views, strategies and the websocket API all attach
// here; the broadcast filter and the upstream bridge learn about token
// interest from the same subscribe path.
package feed

import (
	"sync"

	"mdplane-v1/internal/metrics"
	"mdplane-v1/internal/model"
)

// DeliveryFn receives every merged tick for a subscribed instrument.
// It runs on the dispatching goroutine and must return quickly; it must
// not call back into the Handler.
type DeliveryFn func(*model.MarketTick)

// Handle identifies one (instrument, subscriber) registration.
type Handle struct {
	key model.CompositeKey
	id  string
}

// Key returns the instrument this handle is registered on.
func (h Handle) Key() model.CompositeKey { return h.key }

// Handler fans ticks out to subscribers. Dispatch is synchronous and
// lock-scoped, so a slow subscriber stalls the pipeline; consumers that
// need buffering bring their own channel.
type Handler struct {
	mu   sync.RWMutex
	subs map[model.CompositeKey]map[string]DeliveryFn
	byID map[string]map[model.CompositeKey]struct{}

	onFirst []func(model.CompositeKey)
	onLast  []func(model.CompositeKey)

	mtr *metrics.Metrics
}

// NewHandler builds an empty hub. mtr may be nil.
func NewHandler(mtr *metrics.Metrics) *Handler {
	return &Handler{
		subs: make(map[model.CompositeKey]map[string]DeliveryFn),
		byID: make(map[string]map[model.CompositeKey]struct{}),
		mtr:  mtr,
	}
}

// OnFirstSubscriber registers fn to run when a key gains its first
// subscriber. Wire-up only, not safe after ticks flow.
func (h *Handler) OnFirstSubscriber(fn func(model.CompositeKey)) {
	h.onFirst = append(h.onFirst, fn)
}

// OnLastUnsubscribe registers fn to run when a key loses its last
// subscriber.
func (h *Handler) OnLastUnsubscribe(fn func(model.CompositeKey)) {
	h.onLast = append(h.onLast, fn)
}

// Subscribe registers fn for one instrument. A subscriber that calls
// Subscribe twice for the same key replaces its delivery function
// without a first-subscriber notification.
func (h *Handler) Subscribe(seg model.Segment, token uint32, subscriberID string, fn DeliveryFn) Handle {
	key := model.MakeKey(seg, token)

	h.mu.Lock()
	set, ok := h.subs[key]
	if !ok {
		set = make(map[string]DeliveryFn)
		h.subs[key] = set
	}
	first := len(set) == 0
	set[subscriberID] = fn

	keys, ok := h.byID[subscriberID]
	if !ok {
		keys = make(map[model.CompositeKey]struct{})
		h.byID[subscriberID] = keys
	}
	keys[key] = struct{}{}
	h.mu.Unlock()

	if first {
		h.notifyFirst(key)
	}
	return Handle{key: key, id: subscriberID}
}

// Unsubscribe removes one registration. Unknown handles are a no-op.
func (h *Handler) Unsubscribe(hd Handle) {
	h.mu.Lock()
	emptied := h.removeLocked(hd.key, hd.id)
	h.mu.Unlock()

	if emptied {
		h.notifyLast(hd.key)
	}
}

// UnsubscribeAll removes every registration held by subscriberID, for
// example when a websocket client disconnects.
func (h *Handler) UnsubscribeAll(subscriberID string) {
	h.mu.Lock()
	var emptied []model.CompositeKey
	for key := range h.byID[subscriberID] {
		if h.removeLocked(key, subscriberID) {
			emptied = append(emptied, key)
		}
	}
	h.mu.Unlock()

	for _, key := range emptied {
		h.notifyLast(key)
	}
}

// removeLocked deletes one registration and reports whether the key's
// set emptied. Caller holds h.mu.
func (h *Handler) removeLocked(key model.CompositeKey, id string) bool {
	set, ok := h.subs[key]
	if !ok {
		return false
	}
	if _, ok := set[id]; !ok {
		return false
	}
	delete(set, id)

	if keys := h.byID[id]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(h.byID, id)
		}
	}
	if len(set) == 0 {
		delete(h.subs, key)
		return true
	}
	return false
}

func (h *Handler) notifyFirst(key model.CompositeKey) {
	for _, fn := range h.onFirst {
		fn(key)
	}
}

func (h *Handler) notifyLast(key model.CompositeKey) {
	for _, fn := range h.onLast {
		fn(key)
	}
}

// OnTick delivers one tick to every subscriber of its key, on the
// caller's goroutine. Ticks for keys without subscribers are dropped.
func (h *Handler) OnTick(t *model.MarketTick) {
	t.TsFedHandler = model.NowMicros()
	if h.mtr != nil && t.TsUDPRecv > 0 {
		h.mtr.DispatchLatency.Observe(float64(t.TsFedHandler-t.TsUDPRecv) / 1e6)
	}

	key := t.Key()
	h.mu.RLock()
	for _, fn := range h.subs[key] {
		fn(t)
	}
	h.mu.RUnlock()
}

// ActiveTokens snapshots every key with at least one subscriber, in no
// particular order. Migration uses this to rebuild upstream state.
func (h *Handler) ActiveTokens() []model.CompositeKey {
	h.mu.RLock()
	keys := make([]model.CompositeKey, 0, len(h.subs))
	for key := range h.subs {
		keys = append(keys, key)
	}
	h.mu.RUnlock()
	return keys
}

// SubscriberCount reports how many subscribers a key currently has.
func (h *Handler) SubscriberCount(seg model.Segment, token uint32) int {
	h.mu.RLock()
	n := len(h.subs[model.MakeKey(seg, token)])
	h.mu.RUnlock()
	return n
}
