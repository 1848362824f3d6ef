package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"time"

	"tipwatch/internal/alert"
	"tipwatch/internal/classify"
	"tipwatch/internal/eventbus"
	"tipwatch/internal/feed"
	"tipwatch/internal/room"
	"tipwatch/internal/session"
	logx "tipwatch/pkg/logx"
)

// Feed is the subset of feed.Client a monitor drives.
type Feed interface {
	Fetch(ctx context.Context, roomID string, b session.Bundle) ([]json.RawMessage, error)
	CheckLive(ctx context.Context, roomID string, b session.Bundle) room.Liveness
}

// Sink receives alerts. Notify must not block on delivery.
type Sink interface {
	Notify(ctx context.Context, a alert.Alert) error
}

// Config holds the loop timings.
type Config struct {
	Cadence           room.Cadence
	Window            time.Duration
	CredentialRefresh time.Duration // idle time before a proactive refresh
	CredentialMaxAge  time.Duration
	AcquireBackoff    time.Duration
	TimeoutBackoff    time.Duration
	ErrorBackoff      time.Duration

	// DefaultThreshold applies to rooms whose rule sets no threshold.
	DefaultThreshold float64
}

func DefaultConfig() Config {
	return Config{
		Cadence:           room.DefaultCadence(),
		Window:            room.DefaultWindow,
		CredentialRefresh: 60 * time.Second,
		CredentialMaxAge:  30 * time.Minute,
		AcquireBackoff:    5 * time.Second,
		TimeoutBackoff:    3 * time.Second,
		ErrorBackoff:      5 * time.Second,
		DefaultThreshold:  room.DefaultThreshold,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Cadence.Poll <= 0 {
		c.Cadence.Poll = d.Cadence.Poll
	}
	if c.Cadence.OfflinePoll <= 0 {
		c.Cadence.OfflinePoll = d.Cadence.OfflinePoll
	}
	if c.Cadence.OnlineCheck <= 0 {
		c.Cadence.OnlineCheck = d.Cadence.OnlineCheck
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.CredentialRefresh <= 0 {
		c.CredentialRefresh = d.CredentialRefresh
	}
	if c.CredentialMaxAge <= 0 {
		c.CredentialMaxAge = d.CredentialMaxAge
	}
	if c.AcquireBackoff <= 0 {
		c.AcquireBackoff = d.AcquireBackoff
	}
	if c.TimeoutBackoff <= 0 {
		c.TimeoutBackoff = d.TimeoutBackoff
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = d.ErrorBackoff
	}
	if c.DefaultThreshold <= 0 {
		c.DefaultThreshold = d.DefaultThreshold
	}
	return c
}

// Monitor is the state machine of one room. Run is its only writer.
type Monitor struct {
	cfg     Config
	state   *room.State
	ext     session.Extractor
	feed    Feed
	sink    Sink
	bus     eventbus.Bus
	metrics *Metrics
	log     logx.Logger

	// onRename applies an identity correction to all keyed state. It
	// returns an error when the new id cannot be taken.
	onRename func(ctx context.Context, oldID, newID string) error
	onOrder  func(id string, o room.Order)

	bundle  session.Bundle
	refresh chan struct{}

	now func() time.Time
}

func newMonitor(st *room.State, cfg Config, ext session.Extractor, fd Feed, sink Sink, bus eventbus.Bus, m *Metrics, log logx.Logger) *Monitor {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		cfg:     cfg.withDefaults(),
		state:   st,
		ext:     ext,
		feed:    fd,
		sink:    sink,
		bus:     bus,
		metrics: m,
		log:     log.With(logx.String("comp", "monitor")),
		refresh: make(chan struct{}, 1),
		now:     time.Now,
	}
}

// State returns the room state the monitor writes.
func (m *Monitor) State() *room.State { return m.state }

// RequestRefresh asks the loop to acquire a new credential at its next
// suspension point.
func (m *Monitor) RequestRefresh() {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		wait := m.safeStep(ctx)
		if ctx.Err() != nil {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-m.refresh:
			t.Stop()
			m.bundle = session.Bundle{}
		case <-t.C:
		}
	}
}

// safeStep runs one iteration, turning a panic into a transient error.
func (m *Monitor) safeStep(ctx context.Context) (wait time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("monitor iteration panicked", logx.Room(m.state.ID()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			wait = m.cfg.ErrorBackoff
		}
	}()
	return m.step(ctx)
}

// step performs one loop iteration and returns the wait before the next.
func (m *Monitor) step(ctx context.Context) time.Duration {
	now := m.now()
	m.state.Expire(now)

	if !m.bundle.Valid() || m.bundle.Expired(now, m.cfg.CredentialMaxAge) {
		if err := m.acquire(ctx); err != nil {
			if ctx.Err() == nil {
				m.log.Warn("credential acquisition failed", logx.Room(m.state.ID()), logx.Err(err))
			}
			return m.cfg.AcquireBackoff
		}
	}

	id := m.state.ID()
	start := m.now()
	raws, err := m.feed.Fetch(ctx, id, m.bundle)
	took := m.now().Sub(start).Seconds()
	m.state.RecordPoll(m.now(), err)
	switch {
	case err == nil:
		m.metrics.poll("ok", took)
	case errors.Is(err, feed.ErrAuthFailure):
		m.metrics.poll("auth", took)
		m.log.Info("feed rejected credential; reacquiring", logx.Room(id), logx.Err(err))
		m.bundle = session.Bundle{}
		return 0
	case ctx.Err() != nil:
		return 0
	case feed.IsTimeout(err):
		m.metrics.poll("timeout", took)
		m.log.Debug("feed timeout", logx.Room(id), logx.Err(err))
		return m.cfg.TimeoutBackoff
	default:
		m.metrics.poll("error", took)
		m.log.Warn("feed request failed", logx.Room(id), logx.Err(err))
		return m.cfg.ErrorBackoff
	}

	fresh := m.process(ctx, raws)

	tr := m.state.Tracker()
	if fresh == 0 && tr.Mode != room.LowFrequency && m.now().Sub(m.state.CredentialAt()) > m.cfg.CredentialRefresh {
		old := m.bundle
		if err := m.acquire(ctx); err != nil {
			m.bundle = old
			m.log.Debug("proactive credential refresh failed", logx.Room(m.state.ID()), logx.Err(err))
		}
	}

	m.checkStatus(ctx)
	return m.state.Tracker().PollInterval(m.cfg.Cadence)
}

// acquire obtains a new bundle and applies an identity correction.
func (m *Monitor) acquire(ctx context.Context) error {
	id := m.state.ID()
	b, corrected, err := m.ext.Acquire(ctx, id)
	if err == nil && !b.Valid() {
		err = session.ErrNoSession
	}
	m.metrics.acquisition(err == nil)
	if err != nil {
		return err
	}
	now := m.now()
	if b.AcquiredAt.IsZero() {
		b.AcquiredAt = now
	}
	m.bundle = b
	m.state.SetCredentialAt(now)

	if corrected != "" && corrected != id && m.onRename != nil {
		if err := m.onRename(ctx, id, corrected); err != nil {
			m.log.Warn("room identity correction rejected", logx.Room(id), logx.String("corrected", corrected), logx.Err(err))
		} else {
			m.log.Info("room renamed", logx.String("from", id), logx.String("to", corrected))
		}
	}
	cur := m.state.ID()
	m.bus.Publish(eventbus.Event{Type: eventbus.RoomCredential, Room: cur, Time: now})
	m.log.Debug("credential acquired", logx.Room(cur))
	return nil
}

// process classifies unseen messages and returns how many were new.
func (m *Monitor) process(ctx context.Context, raws []json.RawMessage) int {
	if len(raws) == 0 {
		return 0
	}
	now := m.now()
	id := m.state.ID()
	cls := classify.New(id, m.state.Rule(), m.state.Window())

	fresh := 0
	for _, raw := range raws {
		msg, err := classify.Parse(raw)
		if err != nil {
			m.log.Debug("skipping malformed message", logx.Room(id), logx.Err(err))
			continue
		}
		if m.state.Seen(msg.ID) {
			continue
		}
		out := cls.Classify(msg, m.state.Prior(), now)
		if !m.state.Commit(msg.ID, out.Delta) {
			continue
		}
		fresh++
		m.metrics.message(out.Event.String())
		if !out.Delta.Empty() {
			m.log.Debug("room slots updated", logx.Room(id), logx.String("msg", msg.ID), logx.Any("delta", out.Delta))
		}
		for _, a := range out.Alerts {
			m.emit(ctx, a)
		}
	}
	return fresh
}

func (m *Monitor) checkStatus(ctx context.Context) {
	now := m.now()
	if !m.state.Tracker().CheckDue(now, m.cfg.Cadence) {
		return
	}
	id := m.state.ID()
	l := m.feed.CheckLive(ctx, id, m.bundle)
	if ctx.Err() != nil {
		return
	}
	m.metrics.statusCheck(l.String())
	tr := m.state.ObserveStatus(l, m.now())
	if !tr.Changed && !tr.Notify {
		return
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.RoomStatus, Room: id, Time: now, Data: statusEvent{
		From: tr.From.String(), To: tr.To.String(), Mode: m.state.Tracker().Mode.String(),
	}})
	m.emit(ctx, alert.FromTransition(id, tr, now))
	if tr.Order != room.OrderNone && m.onOrder != nil {
		m.onOrder(id, tr.Order)
	}
}

func (m *Monitor) emit(ctx context.Context, a alert.Alert) {
	m.metrics.alert(string(a.Kind))
	if m.sink == nil {
		return
	}
	if err := m.sink.Notify(ctx, a); err != nil {
		m.log.Debug("alert not accepted", logx.Room(a.Room), logx.String("kind", string(a.Kind)), logx.Err(err))
	}
}

type statusEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
	Mode string `json:"mode"`
}
