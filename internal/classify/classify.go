// Package classify turns raw feed messages into typed events and decides
// which of them update a room's alert slots.
package classify

import (
	"strings"
	"time"

	"tipwatch/internal/alert"
	"tipwatch/internal/room"
)

// Event is the type assigned to a message.
type Event int

const (
	EventOther Event = iota
	EventGoal
	EventCatalogTip
	EventHighTip
	EventTip
)

func (e Event) String() string {
	switch e {
	case EventGoal:
		return "goal"
	case EventCatalogTip:
		return "catalog_tip"
	case EventHighTip:
		return "high_tip"
	case EventTip:
		return "tip"
	default:
		return "other"
	}
}

const (
	typeTip       = "tip"
	typeGoal      = "thresholdGoal"
	sourceMenu    = "tipMenu"
	sourceToy     = "interactiveToy"
	sourceDefault = ""
)

// Outcome is the result of classifying one message. Applying Delta and
// sending Alerts is left to the caller.
type Outcome struct {
	Event  Event
	Delta  room.Delta
	Alerts []alert.Alert
}

// Classifier holds the inputs that stay fixed for a room between messages.
type Classifier struct {
	RoomID string
	Rule   room.Rule
	Window time.Duration

	selections []string
}

// New normalizes the rule's catalog selections once.
func New(roomID string, rule room.Rule, window time.Duration) *Classifier {
	if window <= 0 {
		window = room.DefaultWindow
	}
	c := &Classifier{RoomID: roomID, Rule: rule, Window: window}
	for _, s := range rule.CatalogSelections {
		if n := Normalize(s); n != "" {
			c.selections = append(c.selections, n)
		}
	}
	return c
}

// Classify evaluates msg against the rule. prior is the room's current slot
// view; now is the evaluation time for the validity window.
func (c *Classifier) Classify(msg Message, prior room.Prior, now time.Time) Outcome {
	var out Outcome
	if msg.ModelID != "" && prior.ModelID == "" {
		out.Delta.ModelID = msg.ModelID
	}
	inWindow := room.WithinWindow(msg.Timestamp, now, c.Window)

	switch {
	case msg.Type == typeGoal && msg.Goal != nil && *msg.Goal == 0:
		out.Event = EventGoal
		if !inWindow {
			return out
		}
		slot := c.slot(msg)
		if slot.NewerThan(prior.Goal) {
			out.Delta.Goal = slot
			out.Alerts = append(out.Alerts, alert.FromSlot(c.RoomID, alert.KindGoal, slot, now))
		}

	case msg.Type == typeTip && msg.Source == sourceMenu && strings.TrimSpace(msg.Body) != "":
		out.Event = EventCatalogTip
		if !inWindow {
			return out
		}
		body := Normalize(msg.Body)
		for _, sel := range c.selections {
			if !MatchSelection(body, sel) {
				continue
			}
			slot := c.slot(msg)
			slot.Text = strings.TrimSpace(msg.Body)
			slot.Matched = sel
			if slot.NewerThan(prior.Menu) {
				out.Delta.Menu = slot
				out.Alerts = append(out.Alerts, alert.FromSlot(c.RoomID, alert.KindCatalog, slot, now))
			}
			return out
		}
		out.Delta.ClearMenu = prior.Menu != nil

	case msg.Type == typeTip && (msg.Source == sourceToy || msg.Source == sourceDefault) && msg.Amount >= c.Rule.Threshold():
		out.Event = EventHighTip
		slot := c.slot(msg)
		out.Alerts = append(out.Alerts, alert.FromSlot(c.RoomID, alert.KindHighTip, slot, now))
		if inWindow {
			out.Delta.CountHighTip = true
			if slot.NewerThan(prior.HighTip) {
				out.Delta.HighTip = slot
			}
		}

	case msg.Type == typeTip:
		out.Event = EventTip
	}
	return out
}

func (c *Classifier) slot(msg Message) *room.Slot {
	return &room.Slot{
		Amount:    msg.Amount,
		User:      msg.User,
		Timestamp: msg.Timestamp,
		MessageID: msg.ID,
	}
}
