package room

import (
	"fmt"
	"time"
)

// displayZone is the fixed UTC+8 zone used in human-facing times.
var displayZone = time.FixedZone("UTC+8", 8*60*60)

// DisplayTime renders a slot timestamp in UTC+8 ("01-02 15:04:05").
// Unparseable input is returned unchanged.
func DisplayTime(ts string) string {
	t, err := time.Parse(TimeLayout, ts)
	if err != nil {
		return ts
	}
	return t.In(displayZone).Format("01-02 15:04:05")
}

// MinutesAgo renders the age of ts at now: "just now" below one minute,
// otherwise "N min ago". Future timestamps count as just now.
func MinutesAgo(ts string, now time.Time) string {
	t, err := time.Parse(TimeLayout, ts)
	if err != nil {
		return ""
	}
	m := int(now.Sub(t) / time.Minute)
	if m < 1 {
		return "just now"
	}
	return fmt.Sprintf("%d min ago", m)
}
