package session

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "tipwatch/pkg/logx"
)

// PoolOptions bounds how many extractions run at once and how often they start.
type PoolOptions struct {
	Workers    int // concurrent extractions, default 2
	RatePerMin int // launches per minute, default 12; <0 disables the limit
	Logger     logx.Logger
}

// Pool runs an Extractor with bounded concurrency and a launch rate limit.
// Callers return as soon as their context ends; the extraction itself keeps
// its slot until it finishes.
type Pool struct {
	ext Extractor
	sem chan struct{}
	lim *rate.Limiter
	log logx.Logger

	inflight atomic.Int64
	started  atomic.Uint64
	failed   atomic.Uint64
}

func NewPool(ext Extractor, opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.RatePerMin == 0 {
		opts.RatePerMin = 12
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	var lim *rate.Limiter
	if opts.RatePerMin > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMin)), opts.Workers)
	}
	return &Pool{
		ext: ext,
		sem: make(chan struct{}, opts.Workers),
		lim: lim,
		log: log.With(logx.String("comp", "session.pool")),
	}
}

type result struct {
	b         Bundle
	corrected string
	err       error
}

// Acquire implements Extractor.
func (p *Pool) Acquire(ctx context.Context, roomID string) (Bundle, string, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return Bundle{}, "", ctx.Err()
	}
	if p.lim != nil {
		if err := p.lim.Wait(ctx); err != nil {
			<-p.sem
			return Bundle{}, "", err
		}
	}

	p.inflight.Add(1)
	p.started.Add(1)
	ch := make(chan result, 1)
	go func() {
		defer func() {
			p.inflight.Add(-1)
			<-p.sem
		}()
		start := time.Now()
		b, corrected, err := p.ext.Acquire(ctx, roomID)
		if err == nil && !b.Valid() {
			err = ErrNoSession
		}
		if err != nil {
			p.failed.Add(1)
			p.log.Warn("extraction failed", logx.Room(roomID), logx.Err(err), logx.Duration("took", time.Since(start)))
		} else {
			p.log.Debug("extraction done", logx.Room(roomID), logx.Duration("took", time.Since(start)), logx.Int("cookies", len(b.Cookies)))
		}
		ch <- result{b: b, corrected: corrected, err: err}
	}()

	select {
	case r := <-ch:
		return r.b, r.corrected, r.err
	case <-ctx.Done():
		return Bundle{}, "", ctx.Err()
	}
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Inflight int64  `json:"inflight"`
	Started  uint64 `json:"started"`
	Failed   uint64 `json:"failed"`
	Workers  int    `json:"workers"`
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Inflight: p.inflight.Load(),
		Started:  p.started.Load(),
		Failed:   p.failed.Load(),
		Workers:  cap(p.sem),
	}
}
