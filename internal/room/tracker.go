package room

import "time"

// Cadence holds the intervals that drive polling and status checks.
type Cadence struct {
	Poll        time.Duration // Active poll interval, also the fast re-check interval
	OfflinePoll time.Duration // LowFrequency poll and check interval
	OnlineCheck time.Duration // re-check interval while Live
}

// DefaultCadence returns the stock intervals.
func DefaultCadence() Cadence {
	return Cadence{
		Poll:        5 * time.Second,
		OfflinePoll: 600 * time.Second,
		OnlineCheck: 180 * time.Second,
	}
}

// offlineStreakLimit is how many consecutive non-Live checks switch a room
// to LowFrequency.
const offlineStreakLimit = 2

// Tracker is the live/offline belief with its hysteresis counter.
// The zero value is a fresh tracker (Unknown, never checked, Active).
type Tracker struct {
	Live      Liveness
	Streak    int
	Mode      Mode
	LastCheck time.Time
}

// Order is a display-ordering request emitted on a transition.
type Order int

const (
	OrderNone Order = iota
	OrderTop
	OrderBelowLive
)

// Transition describes the effect of one status observation.
type Transition struct {
	From, To Liveness
	// Notify is set when the room crossed between Live and non-Live.
	Notify bool
	// Changed is set whenever the tri-state value changed.
	Changed bool
	Order   Order
}

// CheckInterval returns how long must elapse since the last check before
// the next one is due.
func (t Tracker) CheckInterval(c Cadence) time.Duration {
	switch {
	case t.Mode == LowFrequency:
		return c.OfflinePoll
	case t.Streak > 0 && t.Streak < offlineStreakLimit:
		return c.Poll
	case t.Live == Live:
		return c.OnlineCheck
	default:
		return c.Poll
	}
}

// CheckDue reports whether a status check should run at now.
func (t Tracker) CheckDue(now time.Time, c Cadence) bool {
	if t.LastCheck.IsZero() {
		return true
	}
	return now.Sub(t.LastCheck) >= t.CheckInterval(c)
}

// PollInterval is the sleep between poll iterations for the current mode.
func (t Tracker) PollInterval(c Cadence) time.Duration {
	if t.Mode == LowFrequency {
		return c.OfflinePoll
	}
	return c.Poll
}

// Observe folds one status result into the tracker.
func (t *Tracker) Observe(result Liveness, now time.Time) Transition {
	tr := Transition{From: t.Live, To: result, Changed: t.Live != result}
	t.LastCheck = now

	if result == Live {
		t.Streak = 0
		t.Mode = Active
		if tr.From != Live {
			tr.Notify = true
			tr.Order = OrderTop
		}
		t.Live = Live
		return tr
	}

	if t.Live == Live {
		t.Streak = 1
		tr.Notify = true
		tr.Order = OrderBelowLive
	} else {
		t.Streak++
	}
	if t.Streak >= offlineStreakLimit {
		t.Mode = LowFrequency
	}
	t.Live = result
	return tr
}
