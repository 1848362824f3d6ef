package room

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Liveness is the tri-state belief about whether a room is broadcasting.
type Liveness int

const (
	Unknown Liveness = iota
	Live
	Offline
)

func (l Liveness) String() string {
	switch l {
	case Live:
		return "live"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

func (l Liveness) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Liveness) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "live":
		*l = Live
	case "offline":
		*l = Offline
	case "unknown", "":
		*l = Unknown
	default:
		return fmt.Errorf("invalid liveness %q", b)
	}
	return nil
}

// Mode selects the polling cadence.
type Mode int

const (
	Active Mode = iota
	LowFrequency
)

func (m Mode) String() string {
	if m == LowFrequency {
		return "low_frequency"
	}
	return "active"
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "active", "":
		*m = Active
	case "low_frequency":
		*m = LowFrequency
	default:
		return fmt.Errorf("invalid mode %q", b)
	}
	return nil
}

// DefaultThreshold is the tip amount that triggers a high-tip alert when a
// room does not configure its own.
const DefaultThreshold = 30.0

// Rule holds the per-room alert criteria.
type Rule struct {
	AmountThreshold   float64  `json:"amount_threshold"`
	CatalogSelections []string `json:"catalog_selections,omitempty"`
}

// Threshold returns the effective amount threshold.
func (r Rule) Threshold() float64 {
	if r.AmountThreshold <= 0 {
		return DefaultThreshold
	}
	return r.AmountThreshold
}

// Slot records the most recent qualifying event of one alert kind.
type Slot struct {
	Amount    float64 `json:"amount,omitempty"`
	Text      string  `json:"text,omitempty"`
	Matched   string  `json:"matched,omitempty"`
	User      string  `json:"user,omitempty"`
	Timestamp string  `json:"timestamp"` // fixed-width UTC, see TimeLayout
	MessageID string  `json:"message_id"`
}

// TimeLayout is the fixed-width UTC layout used for slot timestamps so that
// lexicographic order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// NewerThan reports whether s should replace cur. An empty stored timestamp
// always loses; otherwise s must be strictly newer.
func (s *Slot) NewerThan(cur *Slot) bool {
	if s == nil {
		return false
	}
	if cur == nil || cur.Timestamp == "" {
		return true
	}
	return s.Timestamp > cur.Timestamp
}

func (s *Slot) clone() *Slot {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// CatalogItem is one purchasable entry from a room's tip menu.
type CatalogItem struct {
	Activity string `json:"activity"`
	Price    string `json:"price"`
}

// Delta is the state change produced by classifying one message.
type Delta struct {
	HighTip      *Slot
	CountHighTip bool
	Menu         *Slot
	ClearMenu    bool
	Goal         *Slot
	ModelID      string
}

func (d Delta) Empty() bool {
	return d.HighTip == nil && !d.CountHighTip && d.Menu == nil && !d.ClearMenu && d.Goal == nil && d.ModelID == ""
}

// MarshalJSON keeps Delta readable in debug logs.
func (d Delta) MarshalJSON() ([]byte, error) {
	type alias struct {
		HighTip      *Slot  `json:"high_tip,omitempty"`
		CountHighTip bool   `json:"count_high_tip,omitempty"`
		Menu         *Slot  `json:"menu,omitempty"`
		ClearMenu    bool   `json:"clear_menu,omitempty"`
		Goal         *Slot  `json:"goal,omitempty"`
		ModelID      string `json:"model_id,omitempty"`
	}
	return json.Marshal(alias(d))
}
