package hours

import (
	"sort"
	"time"
)

// Slot is a moment at which a practice can be called.
type Slot struct {
	At             time.Time `json:"at"`
	IsSprechstunde bool      `json:"is_sprechstunde"`
}

// Engine computes call slots in the practices' local time zone.
type Engine struct {
	Location *time.Location
	// HorizonDays bounds the forward scan.
	HorizonDays int
	// LeadTime is the minimum distance between now and a slot.
	LeadTime time.Duration
	// RetryGap is the minimum distance between the last attempt and a slot.
	RetryGap time.Duration
	// MinRemaining is how much of a window must be left to start a call in it.
	MinRemaining time.Duration

	clock func() time.Time
}

func NewEngine(loc *time.Location, horizonDays int) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	if horizonDays <= 0 {
		horizonDays = 14
	}
	return &Engine{
		Location:     loc,
		HorizonDays:  horizonDays,
		LeadTime:     5 * time.Minute,
		RetryGap:     2 * time.Hour,
		MinRemaining: 10 * time.Minute,
		clock:        time.Now,
	}
}

// WithClock replaces the time source.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// NextSlot returns the earliest callable moment within the horizon.
//
// Rules:
//   - never before now+LeadTime, nor before the last attempt+RetryGap;
//   - a window that already saw an attempt on that date is skipped, so
//     retries move through the week instead of hitting the same hour;
//   - on the first day with any candidate, a Sprechstunde window wins over
//     an earlier regular one;
//   - maxAttempts > 0 and len(priorAttempts) >= maxAttempts yields no slot.
//
// ok is false when nothing fits; callers must surface that, not guess.
func (e *Engine) NextSlot(s Schedule, priorAttempts []time.Time, maxAttempts int) (Slot, bool) {
	if s.Empty() {
		return Slot{}, false
	}
	if maxAttempts > 0 && len(priorAttempts) >= maxAttempts {
		return Slot{}, false
	}

	loc := e.Location
	now := e.clock().In(loc)
	earliest := now.Add(e.LeadTime)
	for _, a := range priorAttempts {
		if next := a.Add(e.RetryGap); next.After(earliest) {
			earliest = next.In(loc)
		}
	}

	byDay := map[time.Weekday][]Window{}
	for _, w := range s.Windows {
		byDay[w.Weekday] = append(byDay[w.Weekday], w)
	}
	for _, ws := range byDay {
		sort.Slice(ws, func(i, j int) bool { return ws[i].OpenMin < ws[j].OpenMin })
	}

	startDay := time.Date(earliest.Year(), earliest.Month(), earliest.Day(), 0, 0, 0, 0, loc)
	horizonEnd := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, e.HorizonDays+1)

	for day := startDay; day.Before(horizonEnd); day = day.AddDate(0, 0, 1) {
		var regular, sprech *Slot
		for _, w := range byDay[day.Weekday()] {
			open := atMinute(day, w.OpenMin)
			closeAt := atMinute(day, w.CloseMin)
			if attemptedWithin(priorAttempts, open, closeAt) {
				continue
			}
			start := open
			if earliest.After(start) {
				start = earliest
			}
			if closeAt.Sub(start) < e.MinRemaining {
				continue
			}
			slot := Slot{At: start, IsSprechstunde: w.Sprechstunde}
			if w.Sprechstunde && sprech == nil {
				sprech = &slot
			}
			if !w.Sprechstunde && regular == nil {
				regular = &slot
			}
		}
		if sprech != nil {
			return *sprech, true
		}
		if regular != nil {
			return *regular, true
		}
	}
	return Slot{}, false
}

// atMinute builds the wall-clock time on day; DST gaps resolve the way time.Date does.
func atMinute(day time.Time, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minute/60, minute%60, 0, 0, day.Location())
}

func attemptedWithin(attempts []time.Time, from, to time.Time) bool {
	for _, a := range attempts {
		if !a.Before(from) && a.Before(to) {
			return true
		}
	}
	return false
}
