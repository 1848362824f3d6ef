package storage

import (
	"errors"
	"slices"
	"time"

	"tipwatch/internal/room"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
	ErrExists   = errors.New("storage: already exists")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot for rooms, JSON Lines for alerts and dedup
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RoomRecord is the persisted registry entry of one room.
type RoomRecord struct {
	ID                string             `json:"room_id"`
	AutoStart         bool               `json:"auto_start"`
	Running           bool               `json:"running"`
	AmountThreshold   float64            `json:"amount_threshold,omitempty"`
	CatalogSelections []string           `json:"catalog_selections,omitempty"`
	CatalogItems      []room.CatalogItem `json:"catalog_items,omitempty"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Rule returns the alert rule stored for the room.
func (r RoomRecord) Rule() room.Rule {
	return room.Rule{AmountThreshold: r.AmountThreshold, CatalogSelections: slices.Clone(r.CatalogSelections)}
}

func (r RoomRecord) clone() RoomRecord {
	r.CatalogSelections = slices.Clone(r.CatalogSelections)
	r.CatalogItems = slices.Clone(r.CatalogItems)
	return r
}
