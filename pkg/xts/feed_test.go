package xts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mdplane-v1/internal/model"
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/marketdata/feed"
}

func TestFeedClientDeliversTicks(t *testing.T) {
	var gotToken atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken.Store(r.URL.Query().Get("token"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"MessageCode":1501,"ExchangeSegment":1,"ExchangeInstrumentID":2885,`+
				`"Touchline":{"LastTradedPrice":604.3}}`))
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ticks := make(chan *model.MarketTick, 1)
	fc := NewFeedClient(
		FeedConfig{URL: wsURL(srv), MinBackoff: 10 * time.Millisecond},
		func() (string, string) { return "tok-7", "u-7" },
		nil, nil,
	)
	fc.OnTick = func(tk *model.MarketTick) {
		select {
		case ticks <- tk:
		default:
		}
	}
	fc.Start()
	defer fc.Stop()

	select {
	case tk := <-ticks:
		if tk.Token != 2885 || tk.LTP != 604.3 {
			t.Fatalf("tick = %+v", tk)
		}
		if tk.TsUDPRecv == 0 || tk.TsParsed == 0 {
			t.Error("receive timestamps not stamped")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no tick within 5s")
	}
	if tok, _ := gotToken.Load().(string); tok != "tok-7" {
		t.Errorf("dial token = %q, want tok-7", tok)
	}
}

func TestFeedClientReconnects(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			conn.Close()
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"MessageCode":1512,"ExchangeSegment":1,"ExchangeInstrumentID":11536,"LastTradedPrice":432.1}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ticks := make(chan *model.MarketTick, 1)
	var sawReconnecting atomic.Bool
	fc := NewFeedClient(
		FeedConfig{URL: wsURL(srv), MinBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond},
		func() (string, string) { return "tok", "u" },
		nil, nil,
	)
	fc.OnTick = func(tk *model.MarketTick) {
		select {
		case ticks <- tk:
		default:
		}
	}
	fc.OnState = func(st model.ConnState, _ string) {
		if st == model.StateReconnecting {
			sawReconnecting.Store(true)
		}
	}
	fc.Start()
	defer fc.Stop()

	select {
	case tk := <-ticks:
		if tk.LTP != 432.1 {
			t.Fatalf("tick = %+v", tk)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no tick after reconnect within 5s")
	}
	if dials.Load() < 2 {
		t.Fatalf("dials = %d, want at least 2", dials.Load())
	}
	if !sawReconnecting.Load() {
		t.Error("Reconnecting state never reported")
	}
}

func TestFeedClientRefreshesOnUnauthorized(t *testing.T) {
	var authorized atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authorized.Load() {
			http.Error(w, "session expired", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	refreshed := make(chan struct{}, 1)
	fc := NewFeedClient(
		FeedConfig{URL: wsURL(srv), MinBackoff: 10 * time.Millisecond},
		func() (string, string) { return "stale", "u" },
		func(ctx context.Context) error {
			authorized.Store(true)
			select {
			case refreshed <- struct{}{}:
			default:
			}
			return nil
		},
		nil,
	)
	connected := make(chan struct{}, 1)
	fc.OnState = func(st model.ConnState, _ string) {
		if st == model.StateConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	}
	fc.Start()
	defer fc.Stop()

	select {
	case <-refreshed:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh hook never ran on 401")
	}
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("feed never connected after refresh")
	}
}
