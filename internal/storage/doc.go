// Package storage persists the room registry, alert history and notifier
// dedup state. Two drivers exist: "file" (JSON snapshot plus JSON Lines)
// and "sqlite" (modernc.org/sqlite, no cgo).
package storage
