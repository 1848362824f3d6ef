package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tipwatch/internal/alert"
	logx "tipwatch/pkg/logx"
)

// fileStore keeps everything in memory and mirrors it to disk.
//
// Files:
//   - <prefix>.rooms.json          (registry snapshot, rewritten on change)
//   - <prefix>.alerts.jsonl        (append-only; rewritten on prune/rename)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	roomsPath string
	rooms     map[string]RoomRecord

	alertsPath string
	alertsFile *os.File
	alerts     []alert.Alert // oldest first

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:               log,
		roomsPath:         prefix + ".rooms.json",
		rooms:             map[string]RoomRecord{},
		alertsPath:        prefix + ".alerts.jsonl",
		dedupSnapshotPath: prefix + ".dedup.snapshot.json",
		dedup:             map[string]int64{},
	}

	if err := readJSON(s.roomsPath, &s.rooms); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := s.loadAlerts(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	af, err := os.OpenFile(s.alertsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.alertsFile = af

	journalPath := prefix + ".dedup.journal.jsonl"
	_ = readJSON(s.dedupSnapshotPath, &s.dedup)
	_ = replayDedupJournal(journalPath, s.dedup)
	pruneExpiredDedup(s.dedup)
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.dedupJournalFile = jf

	log.Debug("file store opened", logx.Int("rooms", len(s.rooms)), logx.Int("alerts", len(s.alerts)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.alertsFile != nil {
		errs = append(errs, s.alertsFile.Close())
		s.alertsFile = nil
	}
	if s.dedupJournalFile != nil {
		errs = append(errs, s.dedupJournalFile.Close())
		s.dedupJournalFile = nil
	}
	return errors.Join(errs...)
}

// --- rooms ---

func (s *fileStore) ListRooms(ctx context.Context) ([]RoomRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RoomRecord, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) GetRoom(ctx context.Context, id string) (RoomRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	return r.clone(), ok, nil
}

func (s *fileStore) PutRoom(ctx context.Context, r RoomRecord) error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("room id is required")
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.rooms[r.ID]
	s.rooms[r.ID] = r.clone()
	if err := s.saveRoomsLocked(); err != nil {
		if had {
			s.rooms[r.ID] = prev
		} else {
			delete(s.rooms, r.ID)
		}
		return err
	}
	return nil
}

func (s *fileStore) DeleteRoom(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.rooms[id]
	if !ok {
		return nil
	}
	delete(s.rooms, id)
	if err := s.saveRoomsLocked(); err != nil {
		s.rooms[id] = prev
		return err
	}
	return nil
}

func (s *fileStore) RenameRoom(ctx context.Context, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[oldID]
	if !ok {
		return ErrNotFound
	}
	if _, taken := s.rooms[newID]; taken {
		return ErrExists
	}
	r.ID = newID
	r.UpdatedAt = time.Now().UTC()
	s.rooms[newID] = r
	delete(s.rooms, oldID)
	if err := s.saveRoomsLocked(); err != nil {
		delete(s.rooms, newID)
		r.ID = oldID
		s.rooms[oldID] = r
		return err
	}

	moved := false
	for i := range s.alerts {
		if s.alerts[i].Room == oldID {
			s.alerts[i].Room = newID
			moved = true
		}
	}
	if moved {
		if err := s.rewriteAlertsLocked(); err != nil {
			s.log.Warn("alert history rewrite failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) saveRoomsLocked() error {
	return writeJSONAtomic(s.roomsPath, s.rooms)
}

// --- alerts ---

func (s *fileStore) loadAlerts() error {
	f, err := os.Open(s.alertsPath)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		var a alert.Alert
		if json.Unmarshal(sc.Bytes(), &a) != nil || a.Room == "" {
			continue
		}
		s.alerts = append(s.alerts, a)
	}
	return sc.Err()
}

func (s *fileStore) AppendAlert(ctx context.Context, a alert.Alert) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alertsFile == nil {
		return "", errors.New("alert log closed")
	}
	if err := json.NewEncoder(s.alertsFile).Encode(a); err != nil {
		return "", err
	}
	s.alerts = append(s.alerts, a)
	return a.ID, nil
}

func (s *fileStore) RecentAlerts(ctx context.Context, roomID string, limit int) ([]alert.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]alert.Alert, 0, min(limit, len(s.alerts)))
	for i := len(s.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		if roomID == "" || s.alerts[i].Room == roomID {
			out = append(out, s.alerts[i])
		}
	}
	return out, nil
}

func (s *fileStore) PruneAlerts(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.alerts[:0:0]
	for _, a := range s.alerts {
		if !a.At.Before(before) {
			kept = append(kept, a)
		}
	}
	n := len(s.alerts) - len(kept)
	if n == 0 {
		return 0, nil
	}
	s.alerts = kept
	return n, s.rewriteAlertsLocked()
}

func (s *fileStore) rewriteAlertsLocked() error {
	tmp := s.alertsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, a := range s.alerts {
		if err := enc.Encode(a); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if s.alertsFile != nil {
		_ = s.alertsFile.Close()
	}
	if err := os.Rename(tmp, s.alertsPath); err != nil {
		return err
	}
	s.alertsFile, err = os.OpenFile(s.alertsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	return err
}

// --- dedup ---

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = ms
	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		if err := s.compactDedupLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactDedupLocked() error {
	pruneExpiredDedup(s.dedup)
	if err := writeJSONAtomic(s.dedupSnapshotPath, s.dedup); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.dedupJournalFile.Seek(0, 2)
	return err
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if json.Unmarshal(sc.Bytes(), &r) != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}

// --- helpers ---

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
