package connmgr

import (
	"context"
	"strings"
	"testing"

	"mdplane-v1/internal/bridge"
	"mdplane-v1/internal/model"
)

type fakeBridge struct {
	modes  []bridge.Mode
	bulks  [][]model.CompositeKey
	unsubs int
	bulkFn func(keys []model.CompositeKey) (int, int, error)
}

func (f *fakeBridge) SetMode(m bridge.Mode) { f.modes = append(f.modes, m) }

func (f *fakeBridge) BulkSubscribeAll(_ context.Context, keys []model.CompositeKey) (int, int, error) {
	f.bulks = append(f.bulks, append([]model.CompositeKey(nil), keys...))
	if f.bulkFn != nil {
		return f.bulkFn(keys)
	}
	return len(keys), 0, nil
}

func (f *fakeBridge) UnsubscribeAllExceptCandles(context.Context) error {
	f.unsubs++
	return nil
}

type fakeTokens struct {
	keys []model.CompositeKey
}

func (f *fakeTokens) ActiveTokens() []model.CompositeKey {
	return append([]model.CompositeKey(nil), f.keys...)
}

type fakeUDP struct {
	started, stopped int
}

func (f *fakeUDP) Start() error { f.started++; return nil }
func (f *fakeUDP) Stop()        { f.stopped++ }

func key(seg model.Segment, tok uint32) model.CompositeKey { return model.MakeKey(seg, tok) }

func newTestManager(cfg Config, br SubscriptionBridge, tokens TokenSource, udp UDPControl) (*Manager, *[]string) {
	m := New(cfg, br, tokens, udp, nil)
	progress := &[]string{}
	m.OnMigrationProgress = func(msg string) { *progress = append(*progress, msg) }
	return m, progress
}

func progressContains(progress []string, want string) bool {
	for _, msg := range progress {
		if strings.Contains(msg, want) {
			return true
		}
	}
	return false
}

func TestSwitchToSameSourceIsNoOp(t *testing.T) {
	br := &fakeBridge{}
	m, _ := newTestManager(Config{InitialPrimary: model.UDPPrimary}, br, &fakeTokens{}, nil)

	before := len(br.modes)
	m.SwitchPrimarySource(model.UDPPrimary, true)

	if len(br.modes) != before {
		t.Fatalf("bridge mode touched on same-source switch: %v", br.modes)
	}
	if m.stepMigration() {
		t.Fatal("migration queued for a same-source switch")
	}
}

func TestSwitchToWSDefersMigration(t *testing.T) {
	active := []model.CompositeKey{key(model.NSECM, 2885), key(model.NSEFO, 35001)}
	br := &fakeBridge{}
	m, _ := newTestManager(Config{InitialPrimary: model.UDPPrimary, GlobalCap: 1000}, br, &fakeTokens{keys: active}, nil)

	var changed []model.PrimarySource
	m.OnPrimaryChanged = func(s model.PrimarySource) { changed = append(changed, s) }

	m.SwitchPrimarySource(model.WSPrimary, false)

	if got := m.Current(); got != model.WSPrimary {
		t.Fatalf("current source = %v, want WS", got)
	}
	if len(changed) != 1 || changed[0] != model.WSPrimary {
		t.Fatalf("primary-changed callbacks = %v", changed)
	}
	if want := []bridge.Mode{bridge.ModeHybrid, bridge.ModeWSOnly}; len(br.modes) != 2 || br.modes[0] != want[0] || br.modes[1] != want[1] {
		t.Fatalf("bridge modes = %v, want %v", br.modes, want)
	}
	// The switch itself must not subscribe anything.
	if len(br.bulks) != 0 {
		t.Fatal("bulk subscribe ran synchronously with the switch")
	}

	if !m.stepMigration() {
		t.Fatal("no migration was deferred")
	}
	if len(br.bulks) != 1 {
		t.Fatalf("bulk calls = %d, want 1", len(br.bulks))
	}
	got := br.bulks[0]
	if len(got) != len(active) {
		t.Fatalf("migrated %d keys, want %d", len(got), len(active))
	}
	for i, k := range active {
		if got[i] != k {
			t.Fatalf("migrated key[%d] = %v, want %v", i, got[i], k)
		}
	}
}

func TestMigrationUnionsIndexTokens(t *testing.T) {
	nifty := key(model.NSECM, 26000)
	sensex := key(model.BSECM, 1)
	active := []model.CompositeKey{key(model.NSECM, 2885), nifty}
	br := &fakeBridge{}
	m, _ := newTestManager(Config{
		InitialPrimary: model.UDPPrimary,
		GlobalCap:      1000,
		IndexTokens:    []model.CompositeKey{nifty, sensex},
	}, br, &fakeTokens{keys: active}, nil)

	m.SwitchPrimarySource(model.WSPrimary, false)
	m.stepMigration()

	want := []model.CompositeKey{key(model.NSECM, 2885), nifty, sensex}
	got := br.bulks[0]
	if len(got) != len(want) {
		t.Fatalf("migrated set = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("migrated key[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMigrationTruncatesOverCapacity(t *testing.T) {
	var active []model.CompositeKey
	for tok := uint32(1); tok <= 5; tok++ {
		active = append(active, key(model.NSEFO, tok))
	}
	br := &fakeBridge{}
	m, progress := newTestManager(Config{InitialPrimary: model.UDPPrimary, GlobalCap: 3}, br, &fakeTokens{keys: active}, nil)

	m.SwitchPrimarySource(model.WSPrimary, false)
	m.stepMigration()

	if len(br.bulks[0]) != 3 {
		t.Fatalf("bulk received %d keys, want 3", len(br.bulks[0]))
	}
	if !progressContains(*progress, "dropping 2") {
		t.Fatalf("no truncation warning in progress: %v", *progress)
	}
	if !progressContains(*progress, "complete") {
		t.Fatalf("migration did not complete: %v", *progress)
	}
}

func TestSecondSwitchCancelsInFlightMigration(t *testing.T) {
	br := &fakeBridge{}
	m, progress := newTestManager(Config{InitialPrimary: model.UDPPrimary, GlobalCap: 1000}, br,
		&fakeTokens{keys: []model.CompositeKey{key(model.NSECM, 11536)}}, nil)

	// The source flips back mid bulk call, as a concurrent switch would.
	br.bulkFn = func(keys []model.CompositeKey) (int, int, error) {
		m.SwitchPrimarySource(model.UDPPrimary, false)
		return len(keys), 0, nil
	}

	m.SwitchPrimarySource(model.WSPrimary, false)
	m.stepMigration()

	if !progressContains(*progress, "cancelled") {
		t.Fatalf("in-flight migration was not cancelled: %v", *progress)
	}
	if progressContains(*progress, "subscribed") {
		t.Fatalf("cancelled migration reported completion: %v", *progress)
	}

	// The replacement migration back to UDP is still queued.
	if !m.stepMigration() {
		t.Fatal("no follow-up migration queued")
	}
	if br.unsubs != 1 {
		t.Fatalf("unsubscribe-all calls = %d, want 1", br.unsubs)
	}
}

func TestSwitchToUDPClearsUpstream(t *testing.T) {
	br := &fakeBridge{}
	m, progress := newTestManager(Config{InitialPrimary: model.WSPrimary}, br, &fakeTokens{}, nil)

	m.SwitchPrimarySource(model.UDPPrimary, false)
	if !m.stepMigration() {
		t.Fatal("no migration deferred")
	}

	if br.unsubs != 1 {
		t.Fatalf("unsubscribe-all calls = %d, want 1", br.unsubs)
	}
	if len(br.bulks) != 0 {
		t.Fatal("bulk subscribe must not run on a WS to UDP switch")
	}
	if mode := br.modes[len(br.modes)-1]; mode != bridge.ModeHybrid {
		t.Fatalf("final bridge mode = %v, want hybrid", mode)
	}
	if !progressContains(*progress, "complete") {
		t.Fatalf("migration did not complete: %v", *progress)
	}
}

func TestSwitchDrivesReceiverLifecycle(t *testing.T) {
	br := &fakeBridge{}
	udp := &fakeUDP{}
	m, _ := newTestManager(Config{InitialPrimary: model.UDPPrimary}, br, &fakeTokens{}, udp)

	m.SwitchPrimarySource(model.WSPrimary, true)
	if udp.stopped != 1 {
		t.Fatalf("receiver stops = %d, want 1", udp.stopped)
	}

	m.SwitchPrimarySource(model.UDPPrimary, true)
	if udp.started != 1 {
		t.Fatalf("receiver starts = %d, want 1", udp.started)
	}

	// Without the flag the receivers are left alone.
	m.SwitchPrimarySource(model.WSPrimary, false)
	if udp.stopped != 1 || udp.started != 1 {
		t.Fatalf("receiver lifecycle touched without the flag: %+v", udp)
	}
}

func TestEndpointStateTransitions(t *testing.T) {
	m, _ := newTestManager(Config{}, nil, nil, nil)

	var seen []model.ConnState
	m.OnStateChanged = func(_ model.EndpointID, st model.ConnState, _ string) {
		seen = append(seen, st)
	}

	m.RegisterEndpoint(model.EndpointUDPNSECM, "233.1.2.5:34330")
	m.SetEndpointState(model.EndpointUDPNSECM, model.StateConnecting, "")
	m.SetEndpointState(model.EndpointUDPNSECM, model.StateConnected, "")

	snap := m.Snapshot()
	ep := snap[model.EndpointUDPNSECM]
	if ep.State != model.StateConnected {
		t.Fatalf("state = %v, want connected", ep.State)
	}
	if ep.Address != "233.1.2.5:34330" {
		t.Fatalf("address = %q", ep.Address)
	}
	if ep.ConnectedSince.IsZero() {
		t.Fatal("connectedSince not stamped")
	}

	m.SetEndpointState(model.EndpointUDPNSECM, model.StateError, "join: no such device")
	ep = m.Snapshot()[model.EndpointUDPNSECM]
	if ep.State != model.StateError || ep.ErrorMessage != "join: no such device" {
		t.Fatalf("error transition not recorded: %+v", ep)
	}

	want := []model.ConnState{model.StateConnecting, model.StateConnected, model.StateError}
	if len(seen) != len(want) {
		t.Fatalf("state callbacks = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("state callback[%d] = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestFeedStateFnTargetsMarketDataWS(t *testing.T) {
	m, _ := newTestManager(Config{}, nil, nil, nil)

	m.FeedStateFn()(model.StateReconnecting, "read: connection reset")

	ep := m.Snapshot()[model.EndpointMarketDataWS]
	if ep.State != model.StateReconnecting {
		t.Fatalf("marketdata WS state = %v, want reconnecting", ep.State)
	}
}

func TestActivityAccounting(t *testing.T) {
	m, _ := newTestManager(Config{}, nil, nil, nil)

	m.RecordActivity(model.EndpointUDPNSEFO, 7)
	m.RecordActivity(model.EndpointUDPNSEFO, 13)

	ep := m.Snapshot()[model.EndpointUDPNSEFO]
	if ep.TotalPackets != 20 {
		t.Fatalf("total packets = %d, want 20", ep.TotalPackets)
	}
	if ep.LastActivity.IsZero() {
		t.Fatal("lastActivity not stamped")
	}
}
