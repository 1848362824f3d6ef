package classify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tipwatch/internal/room"
)

// ErrMalformed marks a message that cannot be classified.
var ErrMalformed = errors.New("classify: malformed message")

// Message is the subset of a feed message the classifier reads.
type Message struct {
	ID        string
	Type      string
	Source    string
	Body      string
	Goal      *float64
	Amount    float64
	User      string
	CreatedAt string // as received
	Timestamp string // room.TimeLayout, empty when CreatedAt does not parse
	ModelID   string
}

type wireMessage struct {
	ID        json.RawMessage `json:"id"`
	Type      string          `json:"type"`
	CreatedAt json.RawMessage `json:"createdAt"`
	CacheID   json.RawMessage `json:"cacheId"`
	ModelID   json.RawMessage `json:"modelId"`
	UserData  *struct {
		Username string `json:"username"`
	} `json:"userData"`
	Details map[string]json.RawMessage `json:"details"`
}

// Parse decodes one raw feed message.
func Parse(raw json.RawMessage) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m := Message{
		Type:      w.Type,
		CreatedAt: scalar(w.CreatedAt),
		ModelID:   scalar(w.ModelID),
	}
	m.Timestamp = NormalizeTimestamp(m.CreatedAt)

	m.ID = scalar(w.ID)
	if m.ID == "" || m.ID == "0" {
		cache := scalar(w.CacheID)
		if m.CreatedAt == "" && cache == "" {
			return Message{}, fmt.Errorf("%w: no id", ErrMalformed)
		}
		m.ID = m.CreatedAt + "_" + cache
	}

	d := w.Details
	m.Source = scalar(d["source"])
	m.Body = scalar(d["body"])
	if g, ok := number(d["goal"]); ok {
		m.Goal = &g
	}
	if raw, ok := d["amount"]; ok {
		m.Amount = amount(raw)
	} else {
		m.Amount = lovenseAmount(d)
	}

	if w.UserData != nil && w.UserData.Username != "" {
		m.User = w.UserData.Username
	} else if info := d["clientUserInfo"]; len(info) > 0 {
		var u struct {
			Username string `json:"username"`
		}
		if json.Unmarshal(info, &u) == nil {
			m.User = u.Username
		}
	}
	return m, nil
}

func lovenseAmount(d map[string]json.RawMessage) float64 {
	raw := d["lovenseDetails"]
	if len(raw) == 0 || isNull(raw) {
		raw = d["lovense_details"]
	}
	if len(raw) == 0 {
		return 0
	}
	var lov struct {
		Detail map[string]json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(raw, &lov) != nil || lov.Detail == nil {
		return 0
	}
	return amount(lov.Detail["amount"])
}

// amount reads a number or numeric string; anything else is 0.
func amount(raw json.RawMessage) float64 {
	if v, ok := number(raw); ok {
		return v
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return v
		}
	}
	return 0
}

func number(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' || isNull(raw) {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return v, true
}

// scalar renders a JSON string or number as text; other kinds give "".
func scalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || isNull(raw) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}

func isNull(raw json.RawMessage) bool { return string(bytes.TrimSpace(raw)) == "null" }

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// NormalizeTimestamp converts an ISO-8601 timestamp to room.TimeLayout in
// UTC. Values without a zone are taken as UTC. It returns "" when the value
// does not parse.
func NormalizeTimestamp(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(room.TimeLayout)
		}
	}
	return ""
}
