package monitor

import (
	"errors"
	"sort"
	"sync"

	"tipwatch/internal/room"
	rtsup "tipwatch/internal/runtime/supervisor"
)

var (
	ErrRoomExists  = errors.New("monitor: room id already in use")
	ErrUnknownRoom = errors.New("monitor: unknown room")
)

type entry struct {
	state *room.State
	mon   *Monitor    // nil once stopped
	task  *rtsup.Task // nil once stopped
}

func (e *entry) running() bool { return e.task != nil }

// Registry maps room ids to their state and running monitor. Stopped rooms
// keep their last state so late readers still see it.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*entry
	board *room.Board
}

func NewRegistry() *Registry {
	return &Registry{rooms: map[string]*entry{}, board: room.NewBoard()}
}

func (r *Registry) Board() *room.Board { return r.board }

func (r *Registry) get(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[id]
	return e, ok
}

// Rename moves every keyed piece of a room to newID in one step. It fails
// with ErrRoomExists when newID is taken, leaving everything under oldID.
func (r *Registry) Rename(oldID, newID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renameLocked(oldID, newID)
}

func (r *Registry) renameLocked(oldID, newID string) error {
	e, ok := r.rooms[oldID]
	if !ok {
		return ErrUnknownRoom
	}
	if _, taken := r.rooms[newID]; taken {
		return ErrRoomExists
	}
	delete(r.rooms, oldID)
	r.rooms[newID] = e
	e.state.SetID(newID)
	r.board.Rename(oldID, newID)
	return nil
}

// IDs returns all known room ids sorted by name.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Running returns the ids with a live monitor, sorted by name.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, e := range r.rooms {
		if e.running() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
