package model

// IndexTick carries one index value update (NSE 7207/7203, BSE 2012).
// NSE identifies indices by name, BSE by token; the unused field stays
// zero.
type IndexTick struct {
	Segment   Segment `json:"segment"`
	Token     uint32  `json:"token,omitempty"`
	Name      string  `json:"name,omitempty"`
	Value     float64 `json:"value"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	PrevClose float64 `json:"prev_close"`
	PctChange float64 `json:"pct_change"`
	MarketCap float64 `json:"market_cap,omitempty"`
	Advances  int32   `json:"advances,omitempty"`
	Declines  int32   `json:"declines,omitempty"`
	TsParsed  int64   `json:"ts_parsed,omitempty"`
}

// Key returns the composite key when the index is token-addressed,
// zero otherwise.
func (t *IndexTick) Key() CompositeKey {
	if t.Token == 0 {
		return 0
	}
	return MakeKey(t.Segment, t.Token)
}

// CircuitLimitTick carries exchange price bands (NSE 7220 LPP, BSE 2034).
type CircuitLimitTick struct {
	Segment      Segment `json:"segment"`
	Token        uint32  `json:"token"`
	UpperCircuit float64 `json:"upper_circuit"`
	LowerCircuit float64 `json:"lower_circuit"`
	HighExecBand float64 `json:"high_exec_band,omitempty"`
	LowExecBand  float64 `json:"low_exec_band,omitempty"`
	Halted       bool    `json:"halted,omitempty"`
	TsParsed     int64   `json:"ts_parsed,omitempty"`
}

// Key returns the instrument's composite key.
func (t *CircuitLimitTick) Key() CompositeKey {
	return MakeKey(t.Segment, t.Token)
}

// SessionPhase is the exchange trading phase for one segment.
type SessionPhase uint8

const (
	PhaseUnknown SessionPhase = iota
	PhasePreOpen
	PhaseContinuous
	PhaseAuction
	PhaseClosed
	PhasePostClose
)

var sessionPhaseNames = [...]string{"UNKNOWN", "PRE_OPEN", "CONTINUOUS", "AUCTION", "CLOSED", "POST_CLOSE"}

func (p SessionPhase) String() string {
	if int(p) < len(sessionPhaseNames) {
		return sessionPhaseNames[p]
	}
	return "UNKNOWN"
}

// SessionStateTick is a session-phase change broadcast (BSE 2002 and the
// NSE session-change family).
type SessionStateTick struct {
	Segment       Segment      `json:"segment"`
	Phase         SessionPhase `json:"phase"`
	SessionNumber int32        `json:"session_number,omitempty"`
	MarketType    uint8        `json:"market_type,omitempty"`
	Starting      bool         `json:"starting"`
	TsParsed      int64        `json:"ts_parsed,omitempty"`
}

// ImpliedVolatilityTick carries per-contract IV (BSE 2028), in percent.
type ImpliedVolatilityTick struct {
	Segment  Segment `json:"segment"`
	Token    uint32  `json:"token"`
	IV       float64 `json:"iv"`
	TsParsed int64   `json:"ts_parsed,omitempty"`
}

// Key returns the instrument's composite key.
func (t *ImpliedVolatilityTick) Key() CompositeKey {
	return MakeKey(t.Segment, t.Token)
}

// RBIRateTick is the RBI reference rate broadcast on the currency
// derivatives feed (BSE 2022).
type RBIRateTick struct {
	Segment  Segment `json:"segment"`
	AssetID  uint32  `json:"asset_id"`
	Rate     float64 `json:"rate"`
	Date     string  `json:"date"`
	TsParsed int64   `json:"ts_parsed,omitempty"`
}
