package room

import (
	"slices"
	"sync"
)

// Board keeps the display order of rooms. Rooms that go live surface to
// the top; rooms that stop being live sink to just below the last live one.
type Board struct {
	mu    sync.Mutex
	order []string
	live  map[string]bool
}

func NewBoard() *Board {
	return &Board{live: make(map[string]bool)}
}

// Add appends id at the bottom if it is not on the board yet.
func (b *Board) Add(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !slices.Contains(b.order, id) {
		b.order = append(b.order, id)
	}
}

func (b *Board) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
	delete(b.live, id)
}

// Rename replaces oldID with newID in place, keeping its position.
func (b *Board) Rename(oldID, newID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.Index(b.order, oldID)
	if i < 0 {
		return
	}
	b.removeLocked(newID)
	i = slices.Index(b.order, oldID)
	b.order[i] = newID
	if b.live[oldID] {
		b.live[newID] = true
	}
	delete(b.live, oldID)
}

// Apply moves id according to o. Unknown ids are added first.
func (b *Board) Apply(id string, o Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch o {
	case OrderTop:
		b.removeLocked(id)
		b.order = slices.Insert(b.order, 0, id)
		b.live[id] = true
	case OrderBelowLive:
		b.removeLocked(id)
		delete(b.live, id)
		at := 0
		for i, other := range b.order {
			if b.live[other] {
				at = i + 1
			}
		}
		b.order = slices.Insert(b.order, at, id)
	default:
		if !slices.Contains(b.order, id) {
			b.order = append(b.order, id)
		}
	}
}

// SetNotLive clears the live mark without moving the room.
func (b *Board) SetNotLive(id string) {
	b.mu.Lock()
	delete(b.live, id)
	b.mu.Unlock()
}

func (b *Board) Order() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.order)
}

// Index returns the position of id or -1.
func (b *Board) Index(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Index(b.order, id)
}

func (b *Board) removeLocked(id string) {
	if i := slices.Index(b.order, id); i >= 0 {
		b.order = slices.Delete(b.order, i, i+1)
	}
}
