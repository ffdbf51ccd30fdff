// Package session resolves the per-segment market phase. Exchange
// session broadcasts are authoritative when present; segments that have
// not announced anything fall back to the IST clock and holiday
// calendar, so the phase is usable from process start.
package session

import (
	"sync"
	"time"

	"mdplane-v1/internal/model"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Session boundaries in IST minutes-of-day.
const (
	preOpenStart    = 9 * 60       // 09:00
	continuousStart = 9*60 + 15    // 09:15
	continuousEnd   = 15*60 + 30   // 15:30
	postCloseEnd    = 16 * 60      // 16:00
)

// IsTradingDay reports whether t (in IST) is a weekday and not an
// exchange holiday.
func IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	wd := ist.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !IsHoliday(ist)
}

// ClockPhase derives the phase from the IST wall clock alone.
func ClockPhase(t time.Time) model.SessionPhase {
	if !IsTradingDay(t) {
		return model.PhaseClosed
	}
	ist := t.In(IST)
	hm := ist.Hour()*60 + ist.Minute()
	switch {
	case hm >= preOpenStart && hm < continuousStart:
		return model.PhasePreOpen
	case hm >= continuousStart && hm < continuousEnd:
		return model.PhaseContinuous
	case hm >= continuousEnd && hm < postCloseEnd:
		return model.PhasePostClose
	default:
		return model.PhaseClosed
	}
}

// IsMarketOpen reports whether t falls in the continuous session.
func IsMarketOpen(t time.Time) bool {
	return ClockPhase(t) == model.PhaseContinuous
}

// NextOpen returns the next continuous-session open at or after t.
func NextOpen(t time.Time) time.Time {
	ist := t.In(IST)
	day := ist
	for i := 0; i < 14; i++ {
		open := time.Date(day.Year(), day.Month(), day.Day(), 9, 15, 0, 0, IST)
		if IsTradingDay(open) && ist.Before(open) {
			return open
		}
		day = day.AddDate(0, 0, 1)
		ist = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, IST)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), 9, 15, 0, 0, IST)
}

// TodayClose returns t's calendar day close (15:30 IST).
func TodayClose(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), 15, 30, 0, 0, IST)
}

// Tracker holds the last announced phase per segment.
type Tracker struct {
	mu     sync.RWMutex
	phases map[model.Segment]model.SessionPhase

	// OnChange fires when a segment's announced phase changes. Set
	// before the first Apply.
	OnChange func(model.Segment, model.SessionPhase)
}

// NewTracker builds an empty tracker; every segment starts on the clock
// fallback.
func NewTracker() *Tracker {
	return &Tracker{phases: make(map[model.Segment]model.SessionPhase)}
}

// Apply records an exchange session broadcast. Broadcasts that do not
// map to a known phase leave the previous resolution in place.
func (tr *Tracker) Apply(st *model.SessionStateTick) {
	if st == nil || st.Phase == model.PhaseUnknown {
		return
	}
	tr.mu.Lock()
	prev, had := tr.phases[st.Segment]
	tr.phases[st.Segment] = st.Phase
	tr.mu.Unlock()

	if (!had || prev != st.Phase) && tr.OnChange != nil {
		tr.OnChange(st.Segment, st.Phase)
	}
}

// Phase resolves one segment: the announced phase when known, the IST
// clock otherwise.
func (tr *Tracker) Phase(seg model.Segment) model.SessionPhase {
	tr.mu.RLock()
	p, ok := tr.phases[seg]
	tr.mu.RUnlock()
	if ok {
		return p
	}
	return ClockPhase(time.Now())
}

// Overall returns the reference phase for health reporting (the NSE
// cash segment).
func (tr *Tracker) Overall() model.SessionPhase {
	return tr.Phase(model.NSECM)
}

// Snapshot resolves every receiver segment for the health endpoint.
func (tr *Tracker) Snapshot() map[model.Segment]model.SessionPhase {
	out := make(map[model.Segment]model.SessionPhase, 4)
	for _, seg := range []model.Segment{model.NSECM, model.NSEFO, model.BSECM, model.BSEFO} {
		out[seg] = tr.Phase(seg)
	}
	return out
}
