package session

import "time"

// NSE trading holidays for 2026, per the exchange circular. Tentative
// dates track the published list; the clock fallback only needs to be
// right on the days multicast is silent.
var holidays2026 = []struct {
	month time.Month
	day   int
}{
	{time.January, 26},  // Republic Day
	{time.February, 17}, // Mahashivratri
	{time.March, 14},    // Holi
	{time.March, 31},    // Id-ul-Fitr
	{time.April, 2},     // Ram Navami
	{time.April, 6},     // Mahavir Jayanti
	{time.April, 10},    // Good Friday
	{time.April, 14},    // Dr. Ambedkar Jayanti
	{time.May, 1},       // Maharashtra Day
	{time.June, 7},      // Bakrid
	{time.July, 6},      // Muharram
	{time.August, 15},   // Independence Day
	{time.August, 16},   // Janmashtami
	{time.September, 5}, // Milad-un-Nabi
	{time.October, 2},   // Mahatma Gandhi Jayanti
	{time.October, 20},  // Dussehra
	{time.October, 21},  // Dussehra (additional)
	{time.November, 5},  // Diwali Lakshmi Puja
	{time.November, 6},  // Diwali Balipratipada
	{time.November, 7},  // Bhai Dooj
	{time.November, 19}, // Guru Nanak Jayanti
	{time.December, 25}, // Christmas
}

var holidaySet map[string]struct{}

func init() {
	holidaySet = make(map[string]struct{}, len(holidays2026))
	for _, h := range holidays2026 {
		d := time.Date(2026, h.month, h.day, 0, 0, 0, 0, IST)
		holidaySet[d.Format("2006-01-02")] = struct{}{}
	}
}

// IsHoliday reports whether the date (in IST) is an exchange holiday.
func IsHoliday(t time.Time) bool {
	return isHoliday(t.In(IST))
}

func isHoliday(ist time.Time) bool {
	_, ok := holidaySet[ist.Format("2006-01-02")]
	return ok
}
