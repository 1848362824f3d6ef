package classify

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"tipwatch/internal/alert"
	"tipwatch/internal/room"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func iso(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func mustParse(t *testing.T, raw string) Message {
	t.Helper()
	m, err := Parse(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("Parse(%s): %v", raw, err)
	}
	return m
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		raw        string
		wantID     string
		wantAmount float64
		wantUser   string
	}{
		{"numeric amount", `{"id":123,"type":"tip","createdAt":"2025-03-01T11:59:00Z","details":{"amount":50},"userData":{"username":"fan"}}`, "123", 50, "fan"},
		{"string amount", `{"id":"a1","type":"tip","details":{"amount":" 42.5 "}}`, "a1", 42.5, ""},
		{"lovense amount", `{"id":"a2","type":"tip","details":{"lovenseDetails":{"detail":{"amount":77}},"clientUserInfo":{"username":"toyfan"}}}`, "a2", 77, "toyfan"},
		{"bad amount", `{"id":"a3","type":"tip","details":{"amount":"lots"}}`, "a3", 0, ""},
		{"composite id", `{"type":"tip","createdAt":"2025-03-01T11:59:00Z","cacheId":"c9","details":{}}`, "2025-03-01T11:59:00Z_c9", 0, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := mustParse(t, tt.raw)
			if m.ID != tt.wantID || m.Amount != tt.wantAmount || m.User != tt.wantUser {
				t.Fatalf("got id=%q amount=%v user=%q", m.ID, m.Amount, m.User)
			}
		})
	}

	for _, raw := range []string{`"text"`, `{"type":5}`, `{"type":"tip"}`} {
		if _, err := Parse(json.RawMessage(raw)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Parse(%s) err = %v, want ErrMalformed", raw, err)
		}
	}
}

func TestNormalizeTimestamp(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"2025-03-01T12:00:00Z":                "2025-03-01T12:00:00.000000000Z",
		"2025-03-01T20:00:00+08:00":           "2025-03-01T12:00:00.000000000Z",
		"2025-03-01T12:00:00.123456":          "2025-03-01T12:00:00.123456000Z",
		"2025-03-01T12:00:00.123456789+00:00": "2025-03-01T12:00:00.123456789Z",
		"2025-03-01 12:00:00":                 "2025-03-01T12:00:00.000000000Z",
		"not a time":                 "",
		"":                           "",
	}
	for in, want := range tests {
		if got := NormalizeTimestamp(in); got != want {
			t.Fatalf("NormalizeTimestamp(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSubMillisecondOrdering(t *testing.T) {
	t.Parallel()

	earlier := &room.Slot{Timestamp: NormalizeTimestamp("2025-03-01T12:00:00.123456Z"), MessageID: "a"}
	later := &room.Slot{Timestamp: NormalizeTimestamp("2025-03-01T12:00:00.123789Z"), MessageID: "b"}
	if earlier.Timestamp == later.Timestamp {
		t.Fatalf("timestamps collapsed: %q", earlier.Timestamp)
	}
	if !later.NewerThan(earlier) || earlier.NewerThan(later) {
		t.Fatalf("ordering lost below 1ms: %q vs %q", earlier.Timestamp, later.Timestamp)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"🌹Rose 100代币", "rose 100代币"},
		{"  Rose   100 ", "rose 100"},
		{`玫瑰 Kiss`, "玫瑰 kiss"},
		{`🌹Rose`, "rose"},
		{"Spin~the-Wheel!!", "spin~the-wheel"},
		{"☀️ Sun ✨", "sun"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMatchSelection(t *testing.T) {
	t.Parallel()

	long := Normalize("这是一个很长很长的测试菜单项目内容用于检查短选项不会误匹配的情况好的呀")
	tests := []struct {
		name      string
		body, sel string
		want      bool
	}{
		{"decorated body", Normalize("🌹Rose 100代币"), Normalize("Rose 100"), true},
		{"equal", "kiss", "kiss", true},
		{"short selection in long body", long, Normalize("测试"), false},
		{"body inside selection", "rose", "rose 100 tokens", true},
		{"too short a share", "ab", "ab cdefghij", false},
		{"no overlap", "kiss", "dance", false},
		{"empty", "", "kiss", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := MatchSelection(tt.body, tt.sel); got != tt.want {
				t.Fatalf("MatchSelection(%q,%q) = %v", tt.body, tt.sel, got)
			}
		})
	}
}

func TestClassifyHighTip(t *testing.T) {
	t.Parallel()

	c := New("alice", room.Rule{AmountThreshold: 30}, 0)

	fresh := mustParse(t, `{"id":"m1","type":"tip","createdAt":"`+iso(now.Add(-time.Minute))+`","details":{"amount":30,"source":"interactiveToy"}}`)
	out := c.Classify(fresh, room.Prior{}, now)
	if out.Event != EventHighTip || out.Delta.HighTip == nil || !out.Delta.CountHighTip {
		t.Fatalf("fresh high tip: %+v", out)
	}
	if len(out.Alerts) != 1 || out.Alerts[0].Kind != alert.KindHighTip || out.Alerts[0].Room != "alice" {
		t.Fatalf("alerts = %+v", out.Alerts)
	}

	stale := mustParse(t, `{"id":"m2","type":"tip","createdAt":"`+iso(now.Add(-6*time.Minute))+`","details":{"amount":99}}`)
	out = c.Classify(stale, room.Prior{}, now)
	if len(out.Alerts) != 1 {
		t.Fatal("stale high tip must still alert")
	}
	if out.Delta.HighTip != nil || out.Delta.CountHighTip {
		t.Fatalf("stale high tip recorded: %+v", out.Delta)
	}

	small := mustParse(t, `{"id":"m3","type":"tip","createdAt":"`+iso(now)+`","details":{"amount":29.99}}`)
	if out := c.Classify(small, room.Prior{}, now); out.Event != EventTip || len(out.Alerts) != 0 {
		t.Fatalf("small tip: %+v", out)
	}

	menuSourced := mustParse(t, `{"id":"m4","type":"tip","createdAt":"`+iso(now)+`","details":{"amount":500,"source":"tipMenu"}}`)
	if out := c.Classify(menuSourced, room.Prior{}, now); out.Event == EventHighTip {
		t.Fatal("menu-sourced tip with empty body must not count as high tip")
	}

	prior := room.Prior{HighTip: &room.Slot{Timestamp: NormalizeTimestamp(iso(now)), MessageID: "newest"}}
	out = c.Classify(fresh, prior, now)
	if out.Delta.HighTip != nil || !out.Delta.CountHighTip {
		t.Fatalf("older in-window tip should count but not replace: %+v", out.Delta)
	}
}

func TestClassifyCatalog(t *testing.T) {
	t.Parallel()

	c := New("alice", room.Rule{CatalogSelections: []string{"Rose 100", "  "}}, 0)
	hit := mustParse(t, `{"id":"m1","type":"tip","createdAt":"`+iso(now)+`","details":{"source":"tipMenu","body":"🌹Rose 100代币","amount":100},"userData":{"username":"fan"}}`)

	out := c.Classify(hit, room.Prior{}, now)
	if out.Event != EventCatalogTip || out.Delta.Menu == nil {
		t.Fatalf("catalog hit: %+v", out)
	}
	if out.Delta.Menu.Text != "🌹Rose 100代币" || out.Delta.Menu.Matched != "rose 100" || out.Delta.Menu.User != "fan" {
		t.Fatalf("menu slot = %+v", out.Delta.Menu)
	}
	if len(out.Alerts) != 1 || out.Alerts[0].Kind != alert.KindCatalog {
		t.Fatalf("alerts = %+v", out.Alerts)
	}

	miss := mustParse(t, `{"id":"m2","type":"tip","createdAt":"`+iso(now)+`","details":{"source":"tipMenu","body":"Dance"}}`)
	out = c.Classify(miss, room.Prior{Menu: out.Delta.Menu}, now)
	if !out.Delta.ClearMenu || len(out.Alerts) != 0 {
		t.Fatalf("miss should clear: %+v", out)
	}

	stale := mustParse(t, `{"id":"m3","type":"tip","createdAt":"`+iso(now.Add(-10*time.Minute))+`","details":{"source":"tipMenu","body":"Dance"}}`)
	out = c.Classify(stale, room.Prior{Menu: &room.Slot{Timestamp: "x"}}, now)
	if out.Delta.ClearMenu {
		t.Fatal("out-of-window message must not clear the slot")
	}
}

func TestClassifyGoal(t *testing.T) {
	t.Parallel()

	c := New("alice", room.Rule{}, 0)
	done := mustParse(t, `{"id":"g1","type":"thresholdGoal","createdAt":"`+iso(now)+`","details":{"goal":0}}`)
	out := c.Classify(done, room.Prior{}, now)
	if out.Event != EventGoal || out.Delta.Goal == nil || len(out.Alerts) != 1 {
		t.Fatalf("goal: %+v", out)
	}

	pending := mustParse(t, `{"id":"g2","type":"thresholdGoal","createdAt":"`+iso(now)+`","details":{"goal":120}}`)
	if out := c.Classify(pending, room.Prior{}, now); out.Event == EventGoal {
		t.Fatal("goal with remaining amount classified as completion")
	}

	old := mustParse(t, `{"id":"g3","type":"thresholdGoal","createdAt":"`+iso(now.Add(-time.Hour))+`","details":{"goal":0}}`)
	if out := c.Classify(old, room.Prior{}, now); out.Delta.Goal != nil || len(out.Alerts) != 0 {
		t.Fatalf("old goal recorded: %+v", out)
	}
}

func TestClassifyCapturesModelID(t *testing.T) {
	t.Parallel()

	c := New("alice", room.Rule{}, 0)
	m := mustParse(t, `{"id":"x","type":"chat","modelId":12345,"details":{}}`)
	if out := c.Classify(m, room.Prior{}, now); out.Delta.ModelID != "12345" {
		t.Fatalf("model id = %q", out.Delta.ModelID)
	}
	if out := c.Classify(m, room.Prior{ModelID: "1"}, now); out.Delta.ModelID != "" {
		t.Fatal("model id overwritten")
	}
	if !strings.Contains(EventCatalogTip.String(), "catalog") {
		t.Fatal("event name")
	}
}
