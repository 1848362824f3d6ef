package notifier

import (
	"time"

	"tipwatch/internal/alert"
	kit "tipwatch/internal/transport"
)

// Config controls the async alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool

	// Target is the chat that receives alert text. A zero ChatID keeps
	// alerts in history and on the bus only.
	Target kit.ChatTarget
}

type HistoryItem struct {
	At    time.Time   `json:"at"`
	Alert alert.Alert `json:"alert"`
	Sent  bool        `json:"sent"`
}

// AlertEvent is emitted on the event bus for notifier lifecycle events.
type AlertEvent struct {
	Room  string     `json:"room"`
	Kind  alert.Kind `json:"kind"`
	Key   string     `json:"key"`
	At    time.Time  `json:"at"`
	Error string     `json:"error,omitempty"`
}
