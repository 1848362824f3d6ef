package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tipwatch/internal/eventbus"
	"tipwatch/internal/room"
	rtsup "tipwatch/internal/runtime/supervisor"
	"tipwatch/internal/session"
	"tipwatch/internal/storage"
	logx "tipwatch/pkg/logx"
)

var ErrNotRunning = errors.New("monitor: room is not running")

// Deps are the collaborators shared by all monitors.
type Deps struct {
	Extractor session.Extractor
	Feed      Feed
	Sink      Sink
	Store     storage.Store // optional
	Bus       eventbus.Bus  // optional
	Metrics   *Metrics      // optional
	Logger    logx.Logger

	// OnRename is told about renames after the registry and store moved,
	// so secondary caches can follow.
	OnRename []func(oldID, newID string)
}

// Supervisor starts and stops room monitors, at most one per room id.
type Supervisor struct {
	opMu sync.Mutex // serializes Start/Stop/Remove

	mu  sync.Mutex
	cfg Config

	deps Deps
	log  logx.Logger
	reg  *Registry
	sup  *rtsup.Supervisor
	now  func() time.Time
}

// NewSupervisor binds monitors to ctx: cancelling it stops every loop
// without touching the persisted running flags.
func NewSupervisor(ctx context.Context, cfg Config, deps Deps) *Supervisor {
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "monitor.supervisor"))
	return &Supervisor{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  log,
		reg:  NewRegistry(),
		sup:  rtsup.New(ctx, rtsup.WithLogger(log), rtsup.WithCancelOnError(false)),
		now:  time.Now,
	}
}

// Apply replaces the loop timings used by monitors started afterwards.
func (s *Supervisor) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Supervisor) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Supervisor) Registry() *Registry { return s.reg }

// Runtime exposes goroutine stats of the monitor loops.
func (s *Supervisor) Runtime() rtsup.Snapshot { return s.sup.Snapshot() }

func (s *Supervisor) emit(typ, roomID string, data any) {
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Room: roomID, Time: s.now(), Data: data})
}

// Ensure registers rec without starting it. Rule fields from rec replace the
// stored ones; the stored running flag and catalog are kept.
func (s *Supervisor) Ensure(ctx context.Context, rec storage.RoomRecord) error {
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		return errors.New("room id is required")
	}
	if st := s.deps.Store; st != nil {
		prev, ok, err := st.GetRoom(ctx, rec.ID)
		if err != nil {
			return err
		}
		if ok {
			rec.Running = prev.Running
			rec.CatalogItems = prev.CatalogItems
		}
		rec.UpdatedAt = time.Time{}
		if err := st.PutRoom(ctx, rec); err != nil {
			return err
		}
	}

	s.reg.mu.Lock()
	e, ok := s.reg.rooms[rec.ID]
	if !ok {
		e = &entry{state: s.newState(rec)}
		s.reg.rooms[rec.ID] = e
	}
	s.reg.mu.Unlock()
	s.reg.board.Apply(rec.ID, room.OrderNone)
	if ok {
		e.state.SetRule(s.rule(rec))
	}
	return nil
}

func (s *Supervisor) rule(rec storage.RoomRecord) room.Rule {
	r := rec.Rule()
	if r.AmountThreshold <= 0 {
		r.AmountThreshold = s.config().DefaultThreshold
	}
	return r
}

func (s *Supervisor) newState(rec storage.RoomRecord) *room.State {
	st := room.NewState(rec.ID, s.rule(rec), s.config().Window)
	st.SetCatalog(rec.CatalogItems)
	return st
}

// Resume starts every stored room flagged auto_start or running and
// registers the rest.
func (s *Supervisor) Resume(ctx context.Context) error {
	if s.deps.Store == nil {
		return nil
	}
	recs, err := s.deps.Store.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	var errs []error
	for _, rec := range recs {
		if rec.AutoStart || rec.Running {
			errs = append(errs, s.Start(ctx, rec.ID))
			continue
		}
		s.reg.mu.Lock()
		if _, ok := s.reg.rooms[rec.ID]; !ok {
			s.reg.rooms[rec.ID] = &entry{state: s.newState(rec)}
		}
		s.reg.mu.Unlock()
		s.reg.board.Apply(rec.ID, room.OrderNone)
	}
	return errors.Join(errs...)
}

// Start launches the monitor of id with a fresh state. Starting a running
// room is a no-op.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("room id is required")
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if e, ok := s.reg.get(id); ok && e.running() {
		return nil
	}

	rec := storage.RoomRecord{ID: id}
	if st := s.deps.Store; st != nil {
		stored, ok, err := st.GetRoom(ctx, id)
		if err != nil {
			return fmt.Errorf("load room %s: %w", id, err)
		}
		if ok {
			rec = stored
		}
	}

	cfg := s.config()
	state := s.newState(rec)
	state.SetRunning(true)
	mon := newMonitor(state, cfg, s.deps.Extractor, s.deps.Feed, s.deps.Sink, s.deps.Bus, s.deps.Metrics, s.log)
	mon.onRename = s.rename
	mon.onOrder = s.order

	// rename holds reg.mu for its store move, so the check, the write and the
	// insert below cannot interleave with it
	s.reg.mu.Lock()
	// a running monitor may have renamed itself onto id while the store was read
	if cur, ok := s.reg.rooms[id]; ok && cur.running() {
		s.reg.mu.Unlock()
		return nil
	}
	// persisted before the loop exists so a rename on its first acquisition
	// moves this record
	s.persistRunning(ctx, rec, true)
	e := &entry{state: state, mon: mon}
	s.reg.rooms[id] = e
	e.task = s.sup.Spawn("monitor."+id, mon.Run)
	s.reg.mu.Unlock()
	s.reg.board.Apply(id, room.OrderNone)

	s.deps.Metrics.running(1)
	s.emit(eventbus.RoomStarted, id, nil)
	s.log.Info("room monitor started", logx.Room(id))
	return nil
}

// Stop cancels the monitor of id and waits for its loop to exit or ctx to
// end. The room keeps its slots; liveness returns to Unknown and the
// running flag is persisted as false.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopLocked(ctx, id)
}

func (s *Supervisor) stopLocked(ctx context.Context, id string) error {
	e, ok := s.reg.get(id)
	if !ok {
		return ErrUnknownRoom
	}
	s.reg.mu.Lock()
	task := e.task
	e.task, e.mon = nil, nil
	s.reg.mu.Unlock()
	if task == nil {
		return nil
	}

	task.Cancel()
	if err := task.Wait(ctx); err != nil {
		// the loop still owns the state; halt it once it has returned
		s.log.Warn("monitor did not stop in time; halting after it exits", logx.Room(id), logx.Err(err))
		go func() {
			<-task.Done()
			s.halt(e)
		}()
	} else {
		s.halt(e)
	}

	cur := e.state.ID()

	rec := storage.RoomRecord{ID: cur}
	if st := s.deps.Store; st != nil {
		if stored, ok, err := st.GetRoom(ctx, cur); err == nil && ok {
			rec = stored
		}
	}
	s.persistRunning(ctx, rec, false)
	s.emit(eventbus.RoomStopped, cur, nil)
	s.log.Info("room monitor stopped", logx.Room(cur))
	return nil
}

func (s *Supervisor) halt(e *entry) {
	e.state.Halt()
	s.reg.board.SetNotLive(e.state.ID())
	s.deps.Metrics.running(-1)
}

// Remove stops id and forgets it, including its stored record.
func (s *Supervisor) Remove(ctx context.Context, id string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.stopLocked(ctx, id); err != nil && !errors.Is(err, ErrUnknownRoom) {
		return err
	}
	s.reg.mu.Lock()
	delete(s.reg.rooms, id)
	s.reg.mu.Unlock()
	s.reg.board.Remove(id)
	if st := s.deps.Store; st != nil {
		return st.DeleteRoom(ctx, id)
	}
	return nil
}

func (s *Supervisor) persistRunning(ctx context.Context, rec storage.RoomRecord, running bool) {
	st := s.deps.Store
	if st == nil {
		return
	}
	rec.Running = running
	rec.UpdatedAt = time.Time{}
	if err := st.PutRoom(ctx, rec); err != nil {
		s.log.Warn("persist room failed", logx.Room(rec.ID), logx.Err(err))
	}
}

// RefreshCredential makes the monitor of id acquire a new credential at its
// next suspension point.
func (s *Supervisor) RefreshCredential(id string) error {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	e, ok := s.reg.rooms[id]
	if !ok {
		return ErrUnknownRoom
	}
	if e.mon == nil {
		return ErrNotRunning
	}
	e.mon.RequestRefresh()
	return nil
}

// Rename moves a room to newID: registry entry, state, display order and
// stored record with its alert history. Nothing moves on conflict.
func (s *Supervisor) Rename(ctx context.Context, oldID, newID string) error {
	newID = strings.TrimSpace(newID)
	if newID == "" || newID == oldID {
		return nil
	}
	return s.rename(ctx, oldID, newID)
}

func (s *Supervisor) rename(ctx context.Context, oldID, newID string) error {
	s.reg.mu.Lock()
	if _, ok := s.reg.rooms[oldID]; !ok {
		s.reg.mu.Unlock()
		return ErrUnknownRoom
	}
	if _, taken := s.reg.rooms[newID]; taken {
		s.reg.mu.Unlock()
		return ErrRoomExists
	}
	if st := s.deps.Store; st != nil {
		err := st.RenameRoom(ctx, oldID, newID)
		switch {
		case errors.Is(err, storage.ErrExists):
			s.reg.mu.Unlock()
			return ErrRoomExists
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			s.reg.mu.Unlock()
			return fmt.Errorf("rename stored room: %w", err)
		}
	}
	err := s.reg.renameLocked(oldID, newID)
	s.reg.mu.Unlock()
	if err != nil {
		return err
	}

	for _, fn := range s.deps.OnRename {
		fn(oldID, newID)
	}
	s.emit(eventbus.RoomRenamed, newID, map[string]string{"from": oldID, "to": newID})
	return nil
}

func (s *Supervisor) order(id string, o room.Order) {
	s.reg.board.Apply(id, o)
	s.emit(eventbus.RoomOrder, id, s.reg.board.Order())
}

// SetRule updates the alert rule of id in memory and in the store.
func (s *Supervisor) SetRule(ctx context.Context, id string, r room.Rule) error {
	e, ok := s.reg.get(id)
	if !ok {
		return ErrUnknownRoom
	}
	if r.AmountThreshold <= 0 {
		r.AmountThreshold = s.config().DefaultThreshold
	}
	e.state.SetRule(r)
	return s.updateRecord(ctx, id, func(rec *storage.RoomRecord) {
		rec.AmountThreshold = r.AmountThreshold
		rec.CatalogSelections = append([]string(nil), r.CatalogSelections...)
	})
}

// SetCatalog stores scraped menu items for id.
func (s *Supervisor) SetCatalog(ctx context.Context, id string, items []room.CatalogItem) error {
	if e, ok := s.reg.get(id); ok {
		e.state.SetCatalog(items)
	}
	s.emit(eventbus.RoomCatalog, id, len(items))
	return s.updateRecord(ctx, id, func(rec *storage.RoomRecord) {
		rec.CatalogItems = append([]room.CatalogItem(nil), items...)
	})
}

func (s *Supervisor) updateRecord(ctx context.Context, id string, fn func(*storage.RoomRecord)) error {
	st := s.deps.Store
	if st == nil {
		return nil
	}
	rec, ok, err := st.GetRoom(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		rec = storage.RoomRecord{ID: id}
	}
	fn(&rec)
	rec.UpdatedAt = time.Time{}
	return st.PutRoom(ctx, rec)
}

// Snapshot returns the state of one room.
func (s *Supervisor) Snapshot(id string) (room.Snapshot, bool) {
	e, ok := s.reg.get(id)
	if !ok {
		return room.Snapshot{}, false
	}
	snap := e.state.Snapshot(s.now())
	snap.Order = s.reg.board.Index(id)
	return snap, true
}

// Snapshots returns every known room in display order.
func (s *Supervisor) Snapshots() []room.Snapshot {
	now := s.now()
	s.reg.mu.Lock()
	states := make(map[string]*room.State, len(s.reg.rooms))
	for id, e := range s.reg.rooms {
		states[id] = e.state
	}
	s.reg.mu.Unlock()

	out := make([]room.Snapshot, 0, len(states))
	for _, id := range s.reg.board.Order() {
		st, ok := states[id]
		if !ok {
			continue
		}
		snap := st.Snapshot(now)
		snap.Order = len(out)
		out = append(out, snap)
		delete(states, id)
	}
	for _, id := range s.reg.IDs() {
		if st, ok := states[id]; ok {
			out = append(out, st.Snapshot(now))
		}
	}
	return out
}

// Running returns the ids of rooms with a live monitor.
func (s *Supervisor) Running() []string { return s.reg.Running() }

// Close stops every loop and waits until ctx ends. Persisted running flags
// are left as they are so the rooms resume on the next boot.
func (s *Supervisor) Close(ctx context.Context) error {
	err := s.sup.Stop(ctx)
	s.reg.mu.Lock()
	n := 0
	for _, e := range s.reg.rooms {
		if e.task != nil {
			e.task, e.mon = nil, nil
			e.state.Halt()
			n++
		}
	}
	s.reg.mu.Unlock()
	s.deps.Metrics.running(-float64(n))
	return err
}
