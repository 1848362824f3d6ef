package alert

import (
	"strings"
	"testing"
	"time"

	"tipwatch/internal/room"
)

func TestFormat(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	slot := &room.Slot{Amount: 120, Text: "Rose 100", Matched: "rose 100", User: "fan", Timestamp: at.Format(room.TimeLayout), MessageID: "m1"}

	tests := []struct {
		name string
		in   Alert
		want []string
	}{
		{"high tip", FromSlot("alice", KindHighTip, slot, at), []string{"alice: tip 120", "from: fan", "03-01 20:00:00"}},
		{"catalog", FromSlot("alice", KindCatalog, slot, at), []string{`menu item "Rose 100"`, "for 120"}},
		{"live", FromTransition("alice", room.Transition{To: room.Live, Notify: true}, at), []string{"alice is live"}},
		{"offline", FromTransition("alice", room.Transition{From: room.Live, To: room.Offline, Notify: true}, at), []string{"went offline"}},
		{"status", FromTransition("alice", room.Transition{From: room.Offline, To: room.Unknown, Changed: true}, at), []string{"status: unknown"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.in.Format()
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Fatalf("Format() = %q, missing %q", got, w)
				}
			}
		})
	}
}

func TestDedupKey(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 1, 12, 0, 10, 0, time.UTC)
	a := Alert{Room: "r", Kind: KindHighTip, MessageID: "m"}
	if got := a.DedupKey(); got != "r|high_tip|m" {
		t.Fatalf("key = %q", got)
	}
	s1 := Alert{Room: "r", Kind: KindLive, Status: "live", At: at}
	s2 := Alert{Room: "r", Kind: KindLive, Status: "live", At: at.Add(20 * time.Second)}
	if s1.DedupKey() != s2.DedupKey() {
		t.Fatal("status alerts in the same minute should share a key")
	}
}
