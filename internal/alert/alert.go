// Package alert defines the alerts a room monitor raises and how they are
// rendered for humans.
package alert

import (
	"fmt"
	"strings"
	"time"

	"tipwatch/internal/room"
)

type Kind string

const (
	KindHighTip Kind = "high_tip"
	KindCatalog Kind = "catalog"
	KindGoal    Kind = "goal"
	KindLive    Kind = "live"
	KindOffline Kind = "offline"
	KindStatus  Kind = "status"
)

// Alert is one outbound notification.
type Alert struct {
	ID        string    `json:"id,omitempty"`
	Room      string    `json:"room"`
	Kind      Kind      `json:"kind"`
	Amount    float64   `json:"amount,omitempty"`
	Text      string    `json:"text,omitempty"`
	Matched   string    `json:"matched,omitempty"`
	User      string    `json:"user,omitempty"`
	EventTime string    `json:"event_time,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	At        time.Time `json:"at"`
}

// FromSlot builds an alert of kind k for an event slot.
func FromSlot(roomID string, k Kind, s *room.Slot, at time.Time) Alert {
	a := Alert{Room: roomID, Kind: k, At: at}
	if s != nil {
		a.Amount = s.Amount
		a.Text = s.Text
		a.Matched = s.Matched
		a.User = s.User
		a.EventTime = s.Timestamp
		a.MessageID = s.MessageID
	}
	return a
}

// FromTransition builds the status alert for a liveness change.
func FromTransition(roomID string, tr room.Transition, at time.Time) Alert {
	k := KindStatus
	switch {
	case tr.Notify && tr.To == room.Live:
		k = KindLive
	case tr.Notify:
		k = KindOffline
	}
	return Alert{Room: roomID, Kind: k, Status: tr.To.String(), At: at}
}

// DedupKey identifies an alert for suppression of repeats.
func (a Alert) DedupKey() string {
	ref := a.MessageID
	if ref == "" {
		ref = a.Status + "@" + a.At.UTC().Truncate(time.Minute).Format(time.RFC3339)
	}
	return a.Room + "|" + string(a.Kind) + "|" + ref
}

// Format renders the alert as a short plain-text message.
func (a Alert) Format() string {
	var b strings.Builder
	switch a.Kind {
	case KindHighTip:
		fmt.Fprintf(&b, "💰 %s: tip %s", a.Room, formatAmount(a.Amount))
	case KindCatalog:
		fmt.Fprintf(&b, "🎯 %s: menu item %q", a.Room, a.Text)
		if a.Matched != "" && !strings.EqualFold(a.Matched, a.Text) {
			fmt.Fprintf(&b, " (matched %q)", a.Matched)
		}
		if a.Amount > 0 {
			fmt.Fprintf(&b, " for %s", formatAmount(a.Amount))
		}
	case KindGoal:
		fmt.Fprintf(&b, "🏁 %s: goal reached", a.Room)
	case KindLive:
		fmt.Fprintf(&b, "🟢 %s is live", a.Room)
	case KindOffline:
		fmt.Fprintf(&b, "🔴 %s went offline", a.Room)
	default:
		fmt.Fprintf(&b, "⚪ %s status: %s", a.Room, a.Status)
	}
	if a.User != "" {
		fmt.Fprintf(&b, "\nfrom: %s", a.User)
	}
	if a.EventTime != "" {
		fmt.Fprintf(&b, "\nat: %s", room.DisplayTime(a.EventTime))
	}
	return b.String()
}

func formatAmount(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}
