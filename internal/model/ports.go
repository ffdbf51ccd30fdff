package model

import (
	"context"
	"time"
)

// ── Parser and storage ports ──
// These decouple the wire parsers and service layers from their
// consumers and from concrete storage (Redis, SQLite).

// Sink receives everything a segment parser decodes. Any callback may
// be nil. Frame fires once per inner exchange message, including codes
// that are recognized but not decoded, so receiver stats see every
// frame.
type Sink struct {
	Tick    func(*MarketTick)
	Index   func(*IndexTick)
	Circuit func(*CircuitLimitTick)
	Session func(*SessionStateTick)
	IV      func(*ImpliedVolatilityTick)
	RBIRate func(*RBIRateTick)
	Frame   func(txCode uint16, priority Priority)
}

// EmitTick forwards t if a tick consumer is attached.
func (s *Sink) EmitTick(t *MarketTick) {
	if s.Tick != nil {
		s.Tick(t)
	}
}

// EmitIndex forwards t if an index consumer is attached.
func (s *Sink) EmitIndex(t *IndexTick) {
	if s.Index != nil {
		s.Index(t)
	}
}

// EmitCircuit forwards t if a circuit-limit consumer is attached.
func (s *Sink) EmitCircuit(t *CircuitLimitTick) {
	if s.Circuit != nil {
		s.Circuit(t)
	}
}

// EmitSession forwards t if a session consumer is attached.
func (s *Sink) EmitSession(t *SessionStateTick) {
	if s.Session != nil {
		s.Session(t)
	}
}

// EmitIV forwards t if an implied-volatility consumer is attached.
func (s *Sink) EmitIV(t *ImpliedVolatilityTick) {
	if s.IV != nil {
		s.IV(t)
	}
}

// EmitRBIRate forwards t if a reference-rate consumer is attached.
func (s *Sink) EmitRBIRate(t *RBIRateTick) {
	if s.RBIRate != nil {
		s.RBIRate(t)
	}
}

// EmitFrame records one inner message for stats.
func (s *Sink) EmitFrame(txCode uint16, priority Priority) {
	if s.Frame != nil {
		s.Frame(txCode, priority)
	}
}

// SessionStore persists the upstream API session so a restart inside
// the token's lifetime can skip a fresh login.
type SessionStore interface {
	// SaveSession stores the token and user id with a TTL matching the
	// token's remaining upstream validity.
	SaveSession(ctx context.Context, token, userID string, ttl time.Duration) error

	// LoadSession returns the stored session, or "" values if absent or
	// expired.
	LoadSession(ctx context.Context) (token, userID string, err error)

	// Close releases underlying resources.
	Close() error
}

// InstrumentStore is the instrument master lookup.
type InstrumentStore interface {
	// Lookup resolves one instrument by composite key.
	Lookup(ctx context.Context, key CompositeKey) (Instrument, error)

	// IndexTokens lists the index tokens of one segment (the always-on
	// subscription set).
	IndexTokens(ctx context.Context, segment Segment) ([]uint32, error)

	// Close releases underlying resources.
	Close() error
}
