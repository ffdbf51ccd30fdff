package feed

import (
	"sort"
	"testing"

	"mdplane-v1/internal/model"
)

type notifyLog struct {
	first []model.CompositeKey
	last  []model.CompositeKey
}

func newHandlerWithLog() (*Handler, *notifyLog) {
	h := NewHandler(nil)
	nl := &notifyLog{}
	h.OnFirstSubscriber(func(k model.CompositeKey) { nl.first = append(nl.first, k) })
	h.OnLastUnsubscribe(func(k model.CompositeKey) { nl.last = append(nl.last, k) })
	return h, nl
}

func TestFirstAndLastNotifications(t *testing.T) {
	h, nl := newHandlerWithLog()
	key := model.MakeKey(model.NSEFO, 49508)

	h1 := h.Subscribe(model.NSEFO, 49508, "view-1", func(*model.MarketTick) {})
	h2 := h.Subscribe(model.NSEFO, 49508, "view-2", func(*model.MarketTick) {})

	if len(nl.first) != 1 || nl.first[0] != key {
		t.Fatalf("first notifications = %v, want exactly one for %v", nl.first, key)
	}

	h.Unsubscribe(h1)
	if len(nl.last) != 0 {
		t.Fatalf("last fired while a subscriber remains: %v", nl.last)
	}
	h.Unsubscribe(h2)
	if len(nl.last) != 1 || nl.last[0] != key {
		t.Fatalf("last notifications = %v, want exactly one for %v", nl.last, key)
	}
}

func TestResubscribeReplacesDeliveryFn(t *testing.T) {
	h, nl := newHandlerWithLog()

	got := 0
	h.Subscribe(model.NSECM, 2885, "chart", func(*model.MarketTick) { got = 1 })
	h.Subscribe(model.NSECM, 2885, "chart", func(*model.MarketTick) { got = 2 })

	if len(nl.first) != 1 {
		t.Fatalf("re-subscribe fired first-subscriber again: %v", nl.first)
	}
	h.OnTick(&model.MarketTick{Segment: model.NSECM, Token: 2885})
	if got != 2 {
		t.Fatalf("delivery fn not replaced, got marker %d", got)
	}
	if n := h.SubscriberCount(model.NSECM, 2885); n != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", n)
	}
}

func TestOnTickFanout(t *testing.T) {
	h, _ := newHandlerWithLog()

	var a, b int
	h.Subscribe(model.NSEFO, 35042, "a", func(*model.MarketTick) { a++ })
	h.Subscribe(model.NSEFO, 35042, "b", func(*model.MarketTick) { b++ })
	h.Subscribe(model.NSEFO, 40001, "a", func(*model.MarketTick) { a += 100 })

	tk := &model.MarketTick{Segment: model.NSEFO, Token: 35042, TsUDPRecv: model.NowMicros()}
	h.OnTick(tk)

	if a != 1 || b != 1 {
		t.Fatalf("fan-out counts a=%d b=%d, want 1/1", a, b)
	}
	if tk.TsFedHandler == 0 {
		t.Error("TsFedHandler not stamped")
	}

	// No subscribers for this key, delivery count unchanged.
	h.OnTick(&model.MarketTick{Segment: model.NSEFO, Token: 99999})
	if a != 1 || b != 1 {
		t.Fatalf("tick for unsubscribed key was delivered: a=%d b=%d", a, b)
	}
}

func TestUnsubscribeAll(t *testing.T) {
	h, nl := newHandlerWithLog()

	h.Subscribe(model.NSECM, 1, "ws-client", func(*model.MarketTick) {})
	h.Subscribe(model.NSECM, 2, "ws-client", func(*model.MarketTick) {})
	h.Subscribe(model.NSECM, 2, "chart", func(*model.MarketTick) {})

	h.UnsubscribeAll("ws-client")

	if len(nl.last) != 1 || nl.last[0] != model.MakeKey(model.NSECM, 1) {
		t.Fatalf("last notifications = %v, want only token 1", nl.last)
	}
	if n := h.SubscriberCount(model.NSECM, 2); n != 1 {
		t.Fatalf("shared key lost its other subscriber, count = %d", n)
	}
	if n := h.SubscriberCount(model.NSECM, 1); n != 0 {
		t.Fatalf("token 1 still has %d subscribers", n)
	}
}

func TestUnsubscribeUnknownHandle(t *testing.T) {
	h, nl := newHandlerWithLog()
	h.Unsubscribe(Handle{key: model.MakeKey(model.BSECM, 500325), id: "ghost"})
	if len(nl.last) != 0 {
		t.Fatalf("unknown handle fired notifications: %v", nl.last)
	}
}

func TestActiveTokens(t *testing.T) {
	h, _ := newHandlerWithLog()
	h.Subscribe(model.NSECM, 2885, "a", func(*model.MarketTick) {})
	h.Subscribe(model.BSECM, 500325, "a", func(*model.MarketTick) {})
	h.Subscribe(model.NSECM, 2885, "b", func(*model.MarketTick) {})

	keys := h.ActiveTokens()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	want := []model.CompositeKey{
		model.MakeKey(model.NSECM, 2885),
		model.MakeKey(model.BSECM, 500325),
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	if len(keys) != len(want) {
		t.Fatalf("ActiveTokens = %v, want %v", keys, want)
	}
	for i := range keys {
		if keys[i] != want[i] {
			t.Fatalf("ActiveTokens[%d] = %v, want %v", i, keys[i], want[i])
		}
	}
}
