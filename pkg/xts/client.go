// Package xts is the upstream market-data provider client: REST for
// auth, subscription management and quote snapshots, websocket for the
// live feed. The REST surface is small and every call is guarded by a
// token-bucket limiter so a burst of subscription batches cannot trip
// the provider's per-second quota on its own.
package xts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mdplane-v1/internal/model"
)

// Message codes the provider understands.
const (
	CodeTouchline = 1501
	CodeDepth     = 1502
	CodeCandle    = 1505
	CodeLTP       = 1512
)

// Sentinel errors, classified from provider replies. Callers branch
// with errors.Is.
var (
	ErrRateLimited       = errors.New("xts: rate limited")
	ErrAlreadySubscribed = errors.New("xts: instrument already subscribed")
	ErrNotLoggedIn       = errors.New("xts: not logged in")
)

// errorCodeAlreadySubscribed is the provider's reply when another
// session already holds the instrument. It arrives as HTTP 400 but is
// success for our purposes.
const errorCodeAlreadySubscribed = "e-session-0002"

var routes = map[string]string{
	"auth.login":   "/auth/login",
	"subscription": "/instruments/subscription",
	"quotes":       "/instruments/quotes",
}

// Config carries the REST client settings.
type Config struct {
	AppKey    string
	SecretKey string
	Source    string // default WEBAPI
	BaseURL   string // e.g. https://host/apimarketdata

	Timeout    time.Duration // default 10s
	RatePerSec int           // outbound call budget, default 10
	Debug      bool
}

// Client talks to the provider's REST API. Safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter

	mu     sync.RWMutex
	token  string
	userID string
}

// NewClient builds a REST client. Login (or SetSession) must run before
// subscription calls.
func NewClient(cfg Config) *Client {
	if cfg.Source == "" {
		cfg.Source = "WEBAPI"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 10
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Instrument addresses one subscribable instrument in provider terms.
type Instrument struct {
	ExchangeSegment      int   `json:"exchangeSegment"`
	ExchangeInstrumentID int64 `json:"exchangeInstrumentID"`
}

// InstrumentFor converts a composite key to the provider's form.
func InstrumentFor(key model.CompositeKey) Instrument {
	return Instrument{
		ExchangeSegment:      int(key.Segment()),
		ExchangeInstrumentID: int64(key.Token()),
	}
}

// envelope is the provider's uniform response wrapper.
type envelope struct {
	Type        string          `json:"type"`
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// Login authenticates and stores the session token for later calls.
func (c *Client) Login(ctx context.Context) error {
	body := map[string]string{
		"appKey":    c.cfg.AppKey,
		"secretKey": c.cfg.SecretKey,
		"source":    c.cfg.Source,
	}
	env, status, err := c.doJSON(ctx, http.MethodPost, "auth.login", body, false)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if env.Type != "success" {
		return fmt.Errorf("login rejected (%d) %s: %s", status, env.Code, env.Description)
	}

	var res struct {
		Token  string `json:"token"`
		UserID string `json:"userID"`
	}
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return fmt.Errorf("login: decode result: %w", err)
	}
	if res.Token == "" {
		return fmt.Errorf("login: empty session token in reply")
	}

	c.mu.Lock()
	c.token, c.userID = res.Token, res.UserID
	c.mu.Unlock()
	log.Printf("[xts] login ok, user=%s", res.UserID)
	return nil
}

// SetSession installs a previously persisted session, skipping Login.
func (c *Client) SetSession(token, userID string) {
	c.mu.Lock()
	c.token, c.userID = token, userID
	c.mu.Unlock()
}

// Session returns the current session token and user id.
func (c *Client) Session() (token, userID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.userID
}

// Subscribe registers instruments upstream for one message code. The
// call is all-or-nothing on the provider side. An "already subscribed"
// reply is surfaced as ErrAlreadySubscribed so callers can treat it as
// success.
func (c *Client) Subscribe(ctx context.Context, instruments []Instrument, messageCode int) error {
	return c.subscription(ctx, http.MethodPost, instruments, messageCode)
}

// Unsubscribe removes instruments upstream for one message code.
func (c *Client) Unsubscribe(ctx context.Context, instruments []Instrument, messageCode int) error {
	return c.subscription(ctx, http.MethodPut, instruments, messageCode)
}

func (c *Client) subscription(ctx context.Context, method string, instruments []Instrument, messageCode int) error {
	if len(instruments) == 0 {
		return nil
	}
	body := map[string]any{
		"instruments":    instruments,
		"xtsMessageCode": messageCode,
	}
	env, status, err := c.doJSON(ctx, method, "subscription", body, true)
	if err != nil {
		return fmt.Errorf("subscription %s code=%d n=%d: %w", method, messageCode, len(instruments), err)
	}
	if status == http.StatusBadRequest && env.Code == errorCodeAlreadySubscribed {
		return ErrAlreadySubscribed
	}
	if status == http.StatusTooManyRequests {
		return fmt.Errorf("subscription %s: %w", method, ErrRateLimited)
	}
	if env.Type != "success" {
		return fmt.Errorf("subscription %s rejected (%d) %s: %s", method, status, env.Code, env.Description)
	}
	return nil
}

// GetQuotes fetches current snapshots for instruments. The provider
// returns each quote as a JSON string in listQuotes; they decode with
// the same event schema as the websocket feed.
func (c *Client) GetQuotes(ctx context.Context, instruments []Instrument, messageCode int) ([]model.MarketTick, error) {
	if len(instruments) == 0 {
		return nil, nil
	}
	body := map[string]any{
		"instruments":    instruments,
		"xtsMessageCode": messageCode,
		"publishFormat":  "JSON",
	}
	env, status, err := c.doJSON(ctx, http.MethodPost, "quotes", body, true)
	if err != nil {
		return nil, fmt.Errorf("quotes: %w", err)
	}
	if status == http.StatusTooManyRequests {
		return nil, fmt.Errorf("quotes: %w", ErrRateLimited)
	}
	if env.Type != "success" {
		return nil, fmt.Errorf("quotes rejected (%d) %s: %s", status, env.Code, env.Description)
	}

	var res struct {
		ListQuotes []string `json:"listQuotes"`
	}
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return nil, fmt.Errorf("quotes: decode result: %w", err)
	}

	ticks := make([]model.MarketTick, 0, len(res.ListQuotes))
	for _, q := range res.ListQuotes {
		tick, _, err := DecodeEvent([]byte(q))
		if err != nil || tick == nil {
			continue
		}
		ticks = append(ticks, *tick)
	}
	return ticks, nil
}

// doJSON performs one REST call under the rate limiter. auth attaches
// the session token; calls needing auth fail fast when no session is
// set.
func (c *Client) doJSON(ctx context.Context, method, route string, body any, auth bool) (*envelope, int, error) {
	path, ok := routes[route]
	if !ok {
		return nil, 0, fmt.Errorf("unknown route %q", route)
	}

	var token string
	if auth {
		c.mu.RLock()
		token = c.token
		c.mu.RUnlock()
		if token == "" {
			return nil, 0, ErrNotLoggedIn
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", token)
	}

	if c.cfg.Debug {
		log.Printf("[xts] %s %s body=%s", method, path, b)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if c.cfg.Debug {
		log.Printf("[xts] %s %s -> %d %s", method, path, resp.StatusCode, raw)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, resp.StatusCode, fmt.Errorf("non-JSON reply (%d): %.200s", resp.StatusCode, raw)
		}
	}
	return &env, resp.StatusCode, nil
}
