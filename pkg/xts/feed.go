package xts

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mdplane-v1/internal/metrics"
	"mdplane-v1/internal/model"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultMinBackoff       = time.Second
	defaultMaxBackoff       = 30 * time.Second

	pongWait   = 75 * time.Second
	pingPeriod = 30 * time.Second
)

// FeedConfig carries the websocket feed settings.
type FeedConfig struct {
	URL string // wss://host/marketdata/feed

	HandshakeTimeout time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
}

// FeedClient consumes the provider's live JSON feed. Subscription
// management stays on the REST client; this connection only reads.
//
// Callbacks are exported fields, set before Start. They run on the read
// goroutine and must not block.
type FeedClient struct {
	cfg     FeedConfig
	session func() (token, userID string)
	refresh func(ctx context.Context) error
	mtr     *metrics.Metrics

	OnTick   func(*model.MarketTick)
	OnCandle func(*model.Candle)
	OnState  func(model.ConnState, string)

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewFeedClient builds a feed client. session yields the current REST
// session for the dial URL; refresh re-logins when the provider rejects
// the handshake as unauthorized. mtr may be nil.
func NewFeedClient(cfg FeedConfig, session func() (string, string), refresh func(ctx context.Context) error, mtr *metrics.Metrics) *FeedClient {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &FeedClient{cfg: cfg, session: session, refresh: refresh, mtr: mtr}
}

// Start launches the connect/read loop. Idempotent while running.
func (f *FeedClient) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.stop = make(chan struct{})
	f.mu.Unlock()

	f.wg.Add(1)
	go f.run()
}

// Stop tears the connection down and waits for the loop to exit.
func (f *FeedClient) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stop)
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()

	f.wg.Wait()
	f.setState(model.StateDisconnected, "stopped")
}

func (f *FeedClient) setState(st model.ConnState, detail string) {
	if f.OnState != nil {
		f.OnState(st, detail)
	}
}

func (f *FeedClient) dialURL() string {
	token, userID := f.session()
	q := url.Values{}
	q.Set("token", token)
	q.Set("userID", userID)
	q.Set("publishFormat", "JSON")
	q.Set("broadcastMode", "Full")
	return f.cfg.URL + "?" + q.Encode()
}

func (f *FeedClient) run() {
	defer f.wg.Done()

	backoff := f.cfg.MinBackoff
	connects := 0

	for {
		select {
		case <-f.stop:
			return
		default:
		}

		if connects == 0 {
			f.setState(model.StateConnecting, "dialing feed")
		} else {
			f.setState(model.StateReconnecting, "redialing feed")
			if f.mtr != nil {
				f.mtr.WSReconnects.Inc()
			}
		}

		dialer := websocket.Dialer{HandshakeTimeout: f.cfg.HandshakeTimeout}
		conn, resp, err := dialer.Dial(f.dialURL(), nil)
		if err != nil {
			detail := fmt.Sprintf("dial: %v", err)
			if resp != nil {
				detail = fmt.Sprintf("dial: %v (http %d)", err, resp.StatusCode)
				if resp.StatusCode == http.StatusUnauthorized && f.refresh != nil {
					ctx, cancel := context.WithTimeout(context.Background(), f.cfg.HandshakeTimeout)
					if rerr := f.refresh(ctx); rerr != nil {
						log.Printf("[xts] session refresh failed: %v", rerr)
					}
					cancel()
				}
			}
			f.setState(model.StateError, detail)
			connects++
			if !f.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, f.cfg.MaxBackoff)
			continue
		}

		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		connects++
		backoff = f.cfg.MinBackoff
		f.setState(model.StateConnected, "feed connected")

		f.readUntilClosed(conn)

		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()

		select {
		case <-f.stop:
			return
		default:
		}
		if !f.sleep(backoff) {
			return
		}
		backoff = nextBackoff(backoff, f.cfg.MaxBackoff)
	}
}

// sleep waits d or returns false when Stop was requested.
func (f *FeedClient) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-f.stop:
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		cur = max
	}
	return cur
}

// readUntilClosed pumps messages until the connection errors. A pinger
// goroutine keeps the provider's idle timer at bay; pongs extend our
// read deadline.
func (f *FeedClient) readUntilClosed(conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-f.stop:
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stop:
			default:
				log.Printf("[xts] feed read: %v", err)
			}
			return
		}
		recv := model.NowMicros()

		tick, candle, err := DecodeEvent(data)
		if err != nil {
			continue
		}
		switch {
		case candle != nil:
			if f.mtr != nil {
				f.mtr.WSCandlesTotal.Inc()
			}
			if f.OnCandle != nil {
				f.OnCandle(candle)
			}
		case tick != nil:
			tick.TsUDPRecv = recv
			tick.TsParsed = model.NowMicros()
			if f.mtr != nil {
				f.mtr.WSTicksTotal.Inc()
			}
			if f.OnTick != nil {
				f.OnTick(tick)
			}
		}
	}
}
