package room

import (
	"sync"
	"time"
)

// DefaultWindow is how long a recorded event stays visible.
const DefaultWindow = 5 * time.Minute

// WithinWindow reports whether the slot timestamp ts is no older than
// window at now. Timestamps in the future qualify; unparseable ones never do.
func WithinWindow(ts string, now time.Time, window time.Duration) bool {
	t, err := time.Parse(TimeLayout, ts)
	if err != nil {
		return false
	}
	return now.Sub(t) <= window
}

// State is the mutable per-room record. Only the owning monitor writes it;
// any goroutine may read it through Snapshot.
type State struct {
	mu     sync.RWMutex
	id     string
	window time.Duration
	rule   Rule

	tracker   Tracker
	running   bool
	credAt    time.Time
	lastPoll  time.Time
	lastError string

	seen map[string]struct{}

	highTip      *Slot
	highTipCount int
	menu         *Slot
	goal         *Slot
	modelID      string

	catalog []CatalogItem
}

// NewState returns a fresh state: Unknown, Active, nothing seen.
func NewState(id string, rule Rule, window time.Duration) *State {
	if window <= 0 {
		window = DefaultWindow
	}
	return &State{
		id:     id,
		window: window,
		rule:   rule,
		seen:   make(map[string]struct{}),
	}
}

func (s *State) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *State) SetID(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func (s *State) Window() time.Duration { return s.window }

func (s *State) Rule() Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.rule
	r.CatalogSelections = append([]string(nil), s.rule.CatalogSelections...)
	return r
}

func (s *State) SetRule(r Rule) {
	s.mu.Lock()
	s.rule = r
	s.mu.Unlock()
}

// Seen reports whether a message id was already processed.
func (s *State) Seen(id string) bool {
	s.mu.RLock()
	_, ok := s.seen[id]
	s.mu.RUnlock()
	return ok
}

// Prior is the view of the current slots the classifier needs.
type Prior struct {
	HighTip *Slot
	Menu    *Slot
	Goal    *Slot
	ModelID string
}

func (s *State) Prior() Prior {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Prior{
		HighTip: s.highTip.clone(),
		Menu:    s.menu.clone(),
		Goal:    s.goal.clone(),
		ModelID: s.modelID,
	}
}

// Commit marks msgID seen and applies d in one critical section. It returns
// false without touching anything if msgID was already seen. An empty msgID
// applies d without recording anything as seen.
func (s *State) Commit(msgID string, d Delta) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msgID != "" {
		if _, ok := s.seen[msgID]; ok {
			return false
		}
		s.seen[msgID] = struct{}{}
	}
	s.applyLocked(d)
	return true
}

func (s *State) applyLocked(d Delta) {
	if d.HighTip.NewerThan(s.highTip) {
		s.highTip = d.HighTip.clone()
	}
	if d.CountHighTip {
		s.highTipCount++
	}
	if d.ClearMenu {
		s.menu = nil
	} else if d.Menu.NewerThan(s.menu) {
		s.menu = d.Menu.clone()
	}
	if d.Goal.NewerThan(s.goal) {
		s.goal = d.Goal.clone()
	}
	if d.ModelID != "" && s.modelID == "" {
		s.modelID = d.ModelID
	}
}

// Expire drops slots that fell out of the validity window. It reports
// whether anything was cleared.
func (s *State) Expire(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cleared := false
	for _, p := range []**Slot{&s.highTip, &s.menu, &s.goal} {
		if *p != nil && !WithinWindow((*p).Timestamp, now, s.window) {
			*p = nil
			cleared = true
		}
	}
	return cleared
}

func (s *State) Tracker() Tracker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracker
}

// ObserveStatus records a status check result.
func (s *State) ObserveStatus(l Liveness, now time.Time) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Observe(l, now)
}

func (s *State) CredentialAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credAt
}

func (s *State) SetCredentialAt(t time.Time) {
	s.mu.Lock()
	s.credAt = t
	s.mu.Unlock()
}

func (s *State) SetRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

// RecordPoll stores the outcome of the latest feed request.
func (s *State) RecordPoll(now time.Time, err error) {
	s.mu.Lock()
	s.lastPoll = now
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
	s.mu.Unlock()
}

func (s *State) SetCatalog(items []CatalogItem) {
	s.mu.Lock()
	s.catalog = append([]CatalogItem(nil), items...)
	s.mu.Unlock()
}

// Halt marks the state stopped: liveness goes back to Unknown, slots stay.
func (s *State) Halt() {
	s.mu.Lock()
	s.running = false
	s.tracker = Tracker{}
	s.mu.Unlock()
}

// Snapshot is a read-only copy of a room's state.
type Snapshot struct {
	ID            string        `json:"id"`
	Running       bool          `json:"running"`
	Live          Liveness      `json:"live"`
	Mode          Mode          `json:"mode"`
	OfflineStreak int           `json:"offline_streak"`
	LastCheck     time.Time     `json:"last_check,omitempty"`
	LastPoll      time.Time     `json:"last_poll,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	CredentialAt  time.Time     `json:"credential_at,omitempty"`
	HighTip       *Slot         `json:"high_tip,omitempty"`
	HighTipCount  int           `json:"high_tip_count"`
	MenuMatch     *Slot         `json:"menu_match,omitempty"`
	Goal          *Slot         `json:"goal,omitempty"`
	Active        bool          `json:"active"`
	SeenCount     int           `json:"seen_count"`
	ModelID       string        `json:"model_id,omitempty"`
	Rule          Rule          `json:"rule"`
	Catalog       []CatalogItem `json:"catalog,omitempty"`
	Order         int           `json:"order"`
}

// Snapshot copies the state. Slots outside the window at now are omitted.
func (s *State) Snapshot(now time.Time) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	visible := func(sl *Slot) *Slot {
		if sl == nil || !WithinWindow(sl.Timestamp, now, s.window) {
			return nil
		}
		return sl.clone()
	}
	snap := Snapshot{
		ID:            s.id,
		Running:       s.running,
		Live:          s.tracker.Live,
		Mode:          s.tracker.Mode,
		OfflineStreak: s.tracker.Streak,
		LastCheck:     s.tracker.LastCheck,
		LastPoll:      s.lastPoll,
		LastError:     s.lastError,
		CredentialAt:  s.credAt,
		HighTip:       visible(s.highTip),
		HighTipCount:  s.highTipCount,
		MenuMatch:     visible(s.menu),
		Goal:          visible(s.goal),
		SeenCount:     len(s.seen),
		ModelID:       s.modelID,
		Rule:          s.rule,
		Catalog:       append([]CatalogItem(nil), s.catalog...),
		Order:         -1,
	}
	snap.Rule.CatalogSelections = append([]string(nil), s.rule.CatalogSelections...)
	snap.Active = snap.HighTip != nil || snap.MenuMatch != nil || snap.Goal != nil
	return snap
}
