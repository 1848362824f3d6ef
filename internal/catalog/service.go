// Package catalog scrapes and caches room tip menus.
package catalog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"tipwatch/internal/room"
	logx "tipwatch/pkg/logx"
)

// Options configures a Service.
type Options struct {
	TTL       time.Duration // default 1h
	StopWords []string
	Logger    logx.Logger
	// OnUpdate is called after every successful scrape.
	OnUpdate func(roomID string, items []room.CatalogItem)
}

// Service serves menus from cache and scrapes at most once at a time per room.
type Service struct {
	scraper Scraper
	cache   *gocache.Cache
	opts    Options
	log     logx.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(scraper Scraper, opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		scraper: scraper,
		cache:   gocache.New(opts.TTL, 2*opts.TTL),
		opts:    opts,
		log:     log.With(logx.String("comp", "catalog")),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Service) roomLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Get returns the cached menu or scrapes it.
func (s *Service) Get(ctx context.Context, roomID string) ([]room.CatalogItem, error) {
	if v, ok := s.cache.Get(roomID); ok {
		return v.([]room.CatalogItem), nil
	}
	return s.Refresh(ctx, roomID)
}

// Cached returns the cached menu without scraping.
func (s *Service) Cached(roomID string) ([]room.CatalogItem, bool) {
	v, ok := s.cache.Get(roomID)
	if !ok {
		return nil, false
	}
	return v.([]room.CatalogItem), true
}

// Refresh scrapes the menu now, replacing any cached copy. Concurrent
// callers for the same room share one scrape.
func (s *Service) Refresh(ctx context.Context, roomID string) ([]room.CatalogItem, error) {
	l := s.roomLock(roomID)
	start := time.Now()
	l.Lock()
	defer l.Unlock()

	// Someone else refreshed while we waited.
	if v, exp, ok := s.cache.GetWithExpiration(roomID); ok && exp.Add(-s.opts.TTL).After(start) {
		return v.([]room.CatalogItem), nil
	}

	page, err := s.scraper.Scrape(ctx, roomID)
	if err != nil {
		s.log.Warn("menu scrape failed", logx.Room(roomID), logx.Err(err))
		return nil, err
	}
	items := Items(page, s.opts.StopWords)
	s.cache.SetDefault(roomID, items)
	s.log.Info("menu scraped", logx.Room(roomID), logx.Int("items", len(items)), logx.Duration("took", time.Since(start)))
	if s.opts.OnUpdate != nil {
		s.opts.OnUpdate(roomID, items)
	}
	return items, nil
}

// Seed fills the cache from a stored copy without calling OnUpdate.
func (s *Service) Seed(roomID string, items []room.CatalogItem) {
	if len(items) == 0 {
		return
	}
	s.cache.SetDefault(roomID, append([]room.CatalogItem(nil), items...))
}

// Rename moves a cached menu to a new room id.
func (s *Service) Rename(oldID, newID string) {
	if v, ok := s.cache.Get(oldID); ok {
		s.cache.SetDefault(newID, v)
		s.cache.Delete(oldID)
	}
}

func jsStrings(in []string) string {
	b, _ := json.Marshal(in)
	return string(b)
}
