package broadcast

import (
	"encoding/binary"
	"net"
	"strings"
	"testing"
	"time"

	"mdplane-v1/internal/model"
)

// tickerPacket frames one NSE 7202 ticker record as a full datagram.
func tickerPacket(token uint32, ltpPaise int32) []byte {
	msg := make([]byte, 68)
	binary.BigEndian.PutUint16(msg[10:], 7202)
	binary.BigEndian.PutUint16(msg[38:], 68)
	binary.BigEndian.PutUint16(msg[40:], 1)
	binary.BigEndian.PutUint32(msg[42:], token)
	binary.BigEndian.PutUint32(msg[48:], uint32(ltpPaise))

	pkt := make([]byte, 14, 14+len(msg))
	binary.BigEndian.PutUint16(pkt[2:], 1)
	return append(pkt, msg...)
}

func sessionPacket(txCode uint16) []byte {
	msg := make([]byte, 40)
	binary.BigEndian.PutUint16(msg[10:], txCode)
	binary.BigEndian.PutUint16(msg[38:], 40)

	pkt := make([]byte, 14, 14+len(msg))
	binary.BigEndian.PutUint16(pkt[2:], 1)
	return append(pkt, msg...)
}

func testConfig() Config {
	return Config{Groups: map[model.Segment]string{
		model.NSECM: "239.60.60.1:10980",
		model.NSEFO: "239.60.60.21:10980",
	}}
}

func TestSubscriptionFilter(t *testing.T) {
	svc, err := NewService(testConfig(), model.Sink{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	key := model.MakeKey(model.NSEFO, 49508)
	if svc.ShouldEmit(key) {
		t.Fatal("fresh filter must be empty")
	}

	svc.SubscribeToken(model.NSEFO, 49508)
	if !svc.ShouldEmit(key) {
		t.Fatal("subscribed key must pass")
	}
	if svc.FilterSize() != 1 {
		t.Fatalf("size = %d", svc.FilterSize())
	}

	// Same token number in a different segment stays filtered.
	if svc.ShouldEmit(model.MakeKey(model.NSECM, 49508)) {
		t.Fatal("same token in another segment must not pass")
	}

	svc.UnsubscribeToken(model.NSEFO, 49508)
	if svc.ShouldEmit(key) || svc.FilterSize() != 0 {
		t.Fatal("unsubscribe did not remove key")
	}
}

func TestForwardTickRespectsFilterAcrossSegments(t *testing.T) {
	var got []*model.MarketTick
	sink := model.Sink{Tick: func(tk *model.MarketTick) { got = append(got, tk) }}

	svc, err := NewService(testConfig(), sink, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	svc.SubscribeToken(model.NSEFO, 49508)

	pkt := tickerPacket(49508, 12345)
	for _, seg := range []model.Segment{model.NSECM, model.NSEFO} {
		if dec, errs := svc.receivers[seg].parser.ParsePacket(pkt, 1); dec != 1 || errs != 0 {
			t.Fatalf("%s: decoded=%d errs=%d", seg, dec, errs)
		}
	}

	if len(got) != 1 {
		t.Fatalf("forwarded %d ticks, want 1", len(got))
	}
	if got[0].Segment != model.NSEFO || got[0].Token != 49508 {
		t.Errorf("forwarded %s:%d", got[0].Segment, got[0].Token)
	}
	if got[0].TsEmitted == 0 {
		t.Error("TsEmitted not stamped on the forwarded tick")
	}

	cm, _ := svc.StatsFor(model.NSECM)
	fo, _ := svc.StatsFor(model.NSEFO)
	if cm.Filtered != 1 || cm.Ticks != 0 {
		t.Errorf("NSECM filtered/ticks = %d/%d", cm.Filtered, cm.Ticks)
	}
	if fo.Filtered != 0 || fo.Ticks != 1 {
		t.Errorf("NSEFO filtered/ticks = %d/%d", fo.Filtered, fo.Ticks)
	}
}

func TestAuxTicksBypassFilter(t *testing.T) {
	var sessions []*model.SessionStateTick
	sink := model.Sink{Session: func(st *model.SessionStateTick) { sessions = append(sessions, st) }}

	svc, err := NewService(testConfig(), sink, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	// No subscriptions at all; the market-open broadcast still flows.
	if dec, errs := svc.receivers[model.NSECM].parser.ParsePacket(sessionPacket(6511), 1); dec != 1 || errs != 0 {
		t.Fatalf("decoded=%d errs=%d", dec, errs)
	}
	if len(sessions) != 1 || sessions[0].Phase != model.PhaseContinuous {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestStatusEventFollowsActivity(t *testing.T) {
	cfg := testConfig()
	cfg.StaleAfter = 50 * time.Millisecond
	svc, err := NewService(cfg, model.Sink{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	type event struct {
		seg  model.Segment
		live bool
	}
	var events []event
	svc.SetStatusFn(func(seg model.Segment, live bool) {
		events = append(events, event{seg, live})
	})

	// Stand in for an open socket; liveness only checks non-nil.
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("loopback udp unavailable: %v", err)
	}
	defer conn.Close()

	r := svc.receivers[model.NSEFO]
	r.conn = conn
	r.packets.Add(10)
	r.lastRecv.Store(model.NowMicros())

	svc.sampleOnce()
	if len(events) != 1 || !events[0].live || events[0].seg != model.NSEFO {
		t.Fatalf("events = %+v", events)
	}
	st, _ := svc.StatsFor(model.NSEFO)
	if !st.Live || st.PacketsPerSec != 10 {
		t.Fatalf("live=%v pps=%v", st.Live, st.PacketsPerSec)
	}

	// Silence past the stale window flips the receiver dead.
	r.lastRecv.Store(time.Now().Add(-time.Second).UnixMicro())
	svc.sampleOnce()
	if len(events) != 2 || events[1].live {
		t.Fatalf("events = %+v", events)
	}

	// Idempotent: a second silent sample emits nothing new.
	svc.sampleOnce()
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	r.conn = nil
}

func TestReceiverRejectsBadAddress(t *testing.T) {
	var states []model.ConnState
	record := func(_ model.EndpointID, st model.ConnState, _ string) {
		states = append(states, st)
	}

	r := NewReceiver(model.EndpointUDPNSEFO, model.NSEFO, "10.1.2.3:9000", "", 16, nil, record)
	err := r.Start()
	if err == nil || !strings.Contains(err.Error(), "multicast") {
		t.Fatalf("err = %v", err)
	}
	if r.Running() {
		t.Fatal("failed receiver reports running")
	}
	if len(states) != 2 || states[0] != model.StateConnecting || states[1] != model.StateError {
		t.Fatalf("states = %v", states)
	}

	r2 := NewReceiver(model.EndpointUDPNSEFO, model.NSEFO, "not-an-address", "", 16, nil, nil)
	if err := r2.Start(); err == nil {
		t.Fatal("unparseable address must fail")
	}

	// Stop on a never-started receiver is a no-op.
	r2.Stop()
}

func TestServiceRejectsSegmentWithoutEndpoint(t *testing.T) {
	_, err := NewService(Config{Groups: map[model.Segment]string{
		model.MCXFO: "239.60.60.5:10980",
	}}, model.Sink{}, nil, nil)
	if err == nil {
		t.Fatal("MCXFO has no receiver endpoint and must be rejected")
	}
}

func TestReceiverControlUnknownSegment(t *testing.T) {
	svc, err := NewService(testConfig(), model.Sink{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.StartReceiver(model.BSEFO); err == nil {
		t.Error("StartReceiver on unconfigured segment must fail")
	}
	if err := svc.StopReceiver(model.BSEFO); err == nil {
		t.Error("StopReceiver on unconfigured segment must fail")
	}
	if err := svc.RestartReceiver(model.BSEFO); err == nil {
		t.Error("RestartReceiver on unconfigured segment must fail")
	}
}
