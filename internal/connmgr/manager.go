// Package connmgr tracks the six upstream/exchange endpoints, owns the
// primary-source choice and orchestrates subscription migration when it
// changes. Switching sources returns immediately; the migration itself
// runs on the manager's run loop so a caller holding locks can never
// deadlock against REST completions.
package connmgr

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"mdplane-v1/internal/bridge"
	"mdplane-v1/internal/metrics"
	"mdplane-v1/internal/model"
)

const defaultMigrationTimeout = 30 * time.Second

// SubscriptionBridge is the slice of the feed bridge the manager
// drives. *bridge.Bridge satisfies it.
type SubscriptionBridge interface {
	SetMode(bridge.Mode)
	BulkSubscribeAll(ctx context.Context, keys []model.CompositeKey) (subscribed, dropped int, err error)
	UnsubscribeAllExceptCandles(ctx context.Context) error
}

// TokenSource yields the keys with at least one live subscriber.
// *feed.Handler satisfies it.
type TokenSource interface {
	ActiveTokens() []model.CompositeKey
}

// UDPControl starts and stops the multicast receivers as a group.
// *broadcast.Service satisfies it.
type UDPControl interface {
	Start() error
	Stop()
}

// Config tunes the manager.
type Config struct {
	// InitialPrimary is the source at process start.
	InitialPrimary model.PrimarySource

	// GlobalCap bounds a migration snapshot; keys beyond it are dropped
	// with a warning before the bulk subscribe.
	GlobalCap int

	// IndexTokens are always included in a UDP to WS migration so index
	// subscribers keep flowing when multicast goes quiet.
	IndexTokens []model.CompositeKey

	// MigrationTimeout bounds one migration's REST work.
	MigrationTimeout time.Duration
}

type migrationRequest struct {
	from, to model.PrimarySource
}

// Manager is the connection/state coordinator.
type Manager struct {
	cfg    Config
	bridge SubscriptionBridge
	tokens TokenSource
	udp    UDPControl
	mtr    *metrics.Metrics

	primary  atomic.Int32
	switchMu sync.Mutex

	// Callbacks, set before Start.
	OnPrimaryChanged    func(model.PrimarySource)
	OnMigrationProgress func(string)
	OnStateChanged      func(model.EndpointID, model.ConnState, string)

	epMu       sync.RWMutex
	endpoints  [model.EndpointCount]model.EndpointStatus
	prevTotals [model.EndpointCount]uint64
	prevSample time.Time

	pendingMu sync.Mutex
	pending   *migrationRequest
	kickCh    chan struct{}

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds the manager and aligns the bridge mode with the initial
// primary source. No migration runs at construction.
func New(cfg Config, br SubscriptionBridge, tokens TokenSource, udp UDPControl, mtr *metrics.Metrics) *Manager {
	if cfg.MigrationTimeout <= 0 {
		cfg.MigrationTimeout = defaultMigrationTimeout
	}
	m := &Manager{
		cfg:        cfg,
		bridge:     br,
		tokens:     tokens,
		udp:        udp,
		mtr:        mtr,
		kickCh:     make(chan struct{}, 1),
		prevSample: time.Now(),
	}
	for i := 0; i < model.EndpointCount; i++ {
		m.endpoints[i] = model.EndpointStatus{
			ID:    model.EndpointID(i),
			Name:  model.EndpointID(i).String(),
			State: model.StateDisconnected,
		}
	}
	m.primary.Store(int32(cfg.InitialPrimary))
	if br != nil {
		br.SetMode(modeFor(cfg.InitialPrimary))
	}
	if mtr != nil {
		mtr.PrimarySource.Set(float64(cfg.InitialPrimary))
	}
	return m
}

func modeFor(s model.PrimarySource) bridge.Mode {
	if s == model.WSPrimary {
		return bridge.ModeWSOnly
	}
	return bridge.ModeHybrid
}

// Current returns the primary source.
func (m *Manager) Current() model.PrimarySource {
	return model.PrimarySource(m.primary.Load())
}

// Start launches the run loop that processes deferred migrations.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.run(m.stopCh)
}

// Stop halts the run loop. An in-flight migration finishes first.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) run(stop <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-m.kickCh:
			for m.stepMigration() {
			}
		}
	}
}

// SwitchPrimarySource flips the live data source. The call updates the
// bridge mode and the source atomically, optionally stops or starts the
// multicast receivers, then returns; the subscription migration is
// handed to the run loop. A switch while a migration is in flight
// replaces the deferred work and cancels the old migration at its next
// yield point.
func (m *Manager) SwitchPrimarySource(newSource model.PrimarySource, startStopUDP bool) {
	m.switchMu.Lock()
	cur := m.Current()
	if cur == newSource {
		m.switchMu.Unlock()
		return
	}
	if m.bridge != nil {
		m.bridge.SetMode(modeFor(newSource))
	}
	m.primary.Store(int32(newSource))
	m.switchMu.Unlock()

	log.Printf("[connmgr] primary source %s -> %s", cur, newSource)
	if m.mtr != nil {
		m.mtr.PrimarySource.Set(float64(newSource))
	}
	if m.OnPrimaryChanged != nil {
		m.OnPrimaryChanged(newSource)
	}

	if startStopUDP && m.udp != nil {
		if newSource == model.WSPrimary {
			m.udp.Stop()
		} else if err := m.udp.Start(); err != nil {
			log.Printf("[connmgr] multicast restart: %v", err)
		}
	}

	m.pendingMu.Lock()
	m.pending = &migrationRequest{from: cur, to: newSource}
	m.pendingMu.Unlock()
	select {
	case m.kickCh <- struct{}{}:
	default:
	}
}

// stepMigration runs at most one deferred migration and reports whether
// one was pending. The run loop drives it; tests call it directly.
func (m *Manager) stepMigration() bool {
	m.pendingMu.Lock()
	req := m.pending
	m.pending = nil
	m.pendingMu.Unlock()
	if req == nil {
		return false
	}
	m.migrate(*req)
	return true
}

func (m *Manager) migrate(req migrationRequest) {
	direction := "ws_to_udp"
	if req.to == model.WSPrimary {
		direction = "udp_to_ws"
	}
	m.progress(fmt.Sprintf("migration started (%s)", direction))
	start := time.Now()
	if m.mtr != nil {
		m.mtr.MigrationsTotal.WithLabelValues(direction).Inc()
	}
	defer func() {
		if m.mtr != nil {
			m.mtr.MigrationDur.Observe(time.Since(start).Seconds())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.MigrationTimeout)
	defer cancel()

	if req.to == model.WSPrimary {
		m.migrateToWS(ctx, req)
		return
	}
	m.migrateToUDP(ctx, req)
}

// cancelled reports whether the source changed under a migration.
func (m *Manager) cancelled(to model.PrimarySource) bool {
	return m.Current() != to
}

func (m *Manager) migrateToWS(ctx context.Context, req migrationRequest) {
	if m.bridge == nil {
		m.progress("migration skipped, no bridge")
		return
	}

	var active []model.CompositeKey
	if m.tokens != nil {
		active = m.tokens.ActiveTokens()
	}

	// Active keys first, then index tokens not already present.
	seen := make(map[model.CompositeKey]struct{}, len(active)+len(m.cfg.IndexTokens))
	keys := make([]model.CompositeKey, 0, len(active)+len(m.cfg.IndexTokens))
	for _, k := range active {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for _, k := range m.cfg.IndexTokens {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}

	if m.cancelled(req.to) {
		m.progress("migration cancelled")
		return
	}

	if m.cfg.GlobalCap > 0 && len(keys) > m.cfg.GlobalCap {
		dropped := len(keys) - m.cfg.GlobalCap
		keys = keys[:m.cfg.GlobalCap]
		m.progress(fmt.Sprintf("migration snapshot over capacity, dropping %d keys", dropped))
	}

	subscribed, dropped, err := m.bridge.BulkSubscribeAll(ctx, keys)
	if m.cancelled(req.to) {
		m.progress("migration cancelled")
		return
	}
	if err != nil {
		m.progress(fmt.Sprintf("migration error: %v", err))
		return
	}
	m.progress(fmt.Sprintf("migration complete, %d subscribed, %d dropped", subscribed, dropped))
}

func (m *Manager) migrateToUDP(ctx context.Context, req migrationRequest) {
	if m.bridge == nil {
		m.progress("migration skipped, no bridge")
		return
	}
	if m.cancelled(req.to) {
		m.progress("migration cancelled")
		return
	}
	if err := m.bridge.UnsubscribeAllExceptCandles(ctx); err != nil {
		m.progress(fmt.Sprintf("migration error: %v", err))
		return
	}
	m.progress("migration complete, upstream cleared, multicast primary")
}

func (m *Manager) progress(msg string) {
	log.Printf("[connmgr] %s", msg)
	if m.OnMigrationProgress != nil {
		m.OnMigrationProgress(msg)
	}
}

// RegisterEndpoint records the address an endpoint talks to.
func (m *Manager) RegisterEndpoint(id model.EndpointID, address string) {
	if int(id) >= model.EndpointCount {
		return
	}
	m.epMu.Lock()
	m.endpoints[id].Address = address
	m.epMu.Unlock()
}

// SetEndpointState applies one endpoint's state transition. The
// signature matches broadcast.StateFn so receivers report straight into
// the manager.
func (m *Manager) SetEndpointState(id model.EndpointID, st model.ConnState, detail string) {
	if int(id) >= model.EndpointCount {
		return
	}
	m.epMu.Lock()
	ep := &m.endpoints[id]
	prev := ep.State
	ep.State = st
	switch st {
	case model.StateConnected:
		ep.ConnectedSince = time.Now()
		ep.ErrorMessage = ""
	case model.StateError:
		ep.ErrorMessage = detail
	}
	m.epMu.Unlock()

	if prev != st {
		log.Printf("[connmgr] endpoint %s %s -> %s %s", id, prev, st, detail)
	}
	if m.mtr != nil {
		m.mtr.SetEndpointState(id, st)
	}
	if m.OnStateChanged != nil {
		m.OnStateChanged(id, st, detail)
	}
}

// FeedStateFn adapts the market-data WS client's state callback onto
// the endpoint table.
func (m *Manager) FeedStateFn() func(model.ConnState, string) {
	return func(st model.ConnState, detail string) {
		m.SetEndpointState(model.EndpointMarketDataWS, st, detail)
	}
}

// RecordActivity accumulates traffic against an endpoint.
func (m *Manager) RecordActivity(id model.EndpointID, packets uint64) {
	if int(id) >= model.EndpointCount {
		return
	}
	m.epMu.Lock()
	ep := &m.endpoints[id]
	ep.TotalPackets += packets
	ep.LastActivity = time.Now()
	m.epMu.Unlock()
}

// Snapshot copies the endpoint table, refreshing the packets-per-second
// figures from the totals accumulated since the previous snapshot.
func (m *Manager) Snapshot() []model.EndpointStatus {
	m.epMu.Lock()
	defer m.epMu.Unlock()

	now := time.Now()
	elapsed := now.Sub(m.prevSample).Seconds()
	out := make([]model.EndpointStatus, model.EndpointCount)
	for i := range m.endpoints {
		if elapsed >= 0.001 {
			delta := m.endpoints[i].TotalPackets - m.prevTotals[i]
			m.endpoints[i].PacketsPerSec = float64(delta) / elapsed
			m.prevTotals[i] = m.endpoints[i].TotalPackets
		}
		out[i] = m.endpoints[i]
	}
	if elapsed >= 0.001 {
		m.prevSample = now
	}
	return out
}
