package model

// Instrument is one row of the contract master: static reference data
// for a tradeable instrument or index.
type Instrument struct {
	Segment       Segment `json:"segment"`
	Token         uint32  `json:"token"`
	TradingSymbol string  `json:"trading_symbol"`
	Name          string  `json:"name"`
	Series        string  `json:"series"` // EQ, FUT, CE, PE, IDX
	LotSize       int     `json:"lot_size"`
	TickSize      float64 `json:"tick_size"` // minimum price movement, rupees
	Expiry        string  `json:"expiry,omitempty"` // YYYY-MM-DD, derivatives only
	IsIndex       bool    `json:"is_index"`
}

// Key returns the instrument's composite key.
func (i *Instrument) Key() CompositeKey {
	return MakeKey(i.Segment, i.Token)
}
