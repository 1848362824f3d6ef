package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"tipwatch/internal/alert"
	"tipwatch/internal/room"
	logx "tipwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- rooms ---

const roomColumns = `room_id, auto_start, running, amount_threshold, catalog_selections, catalog_items, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanRoom(sc rowScanner) (RoomRecord, error) {
	var (
		r            RoomRecord
		auto, run    int
		sel, items   string
		updatedAtStr string
	)
	if err := sc.Scan(&r.ID, &auto, &run, &r.AmountThreshold, &sel, &items, &updatedAtStr); err != nil {
		return RoomRecord{}, err
	}
	r.AutoStart, r.Running = auto != 0, run != 0
	_ = json.Unmarshal([]byte(sel), &r.CatalogSelections)
	var ci []room.CatalogItem
	if json.Unmarshal([]byte(items), &ci) == nil {
		r.CatalogItems = ci
	}
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return r, nil
}

func (s *sqliteStore) ListRooms(ctx context.Context) ([]RoomRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roomColumns+` FROM rooms ORDER BY room_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoomRecord
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetRoom(ctx context.Context, id string) (RoomRecord, bool, error) {
	r, err := scanRoom(s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE room_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RoomRecord{}, false, nil
	}
	if err != nil {
		return RoomRecord{}, false, err
	}
	return r, true, nil
}

func (s *sqliteStore) PutRoom(ctx context.Context, r RoomRecord) error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("room id is required")
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	sel, _ := json.Marshal(nonNil(r.CatalogSelections))
	items, _ := json.Marshal(nonNil(r.CatalogItems))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms(`+roomColumns+`) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(room_id) DO UPDATE SET
		   auto_start=excluded.auto_start, running=excluded.running,
		   amount_threshold=excluded.amount_threshold,
		   catalog_selections=excluded.catalog_selections,
		   catalog_items=excluded.catalog_items, updated_at=excluded.updated_at`,
		r.ID, boolInt(r.AutoStart), boolInt(r.Running), r.AmountThreshold, string(sel), string(items),
		r.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteRoom(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE room_id = ?`, id)
	return err
}

func (s *sqliteStore) RenameRoom(ctx context.Context, oldID, newID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms WHERE room_id = ?`, newID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return ErrExists
	}
	res, err := tx.ExecContext(ctx, `UPDATE rooms SET room_id = ?, updated_at = ? WHERE room_id = ?`,
		newID, time.Now().UTC().Format(time.RFC3339Nano), oldID)
	if err != nil {
		return err
	}
	if c, _ := res.RowsAffected(); c == 0 {
		return ErrNotFound
	}

	// The payload copy of the room id is fixed up on read.
	if _, err := tx.ExecContext(ctx, `UPDATE alerts SET room_id = ? WHERE room_id = ?`, newID, oldID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- alerts ---

func (s *sqliteStore) AppendAlert(ctx context.Context, a alert.Alert) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alerts(id, room_id, kind, at, message_id, payload) VALUES(?,?,?,?,?,?)`,
		a.ID, a.Room, string(a.Kind), a.At.UnixMilli(), nullStr(a.MessageID), string(payload),
	)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

func (s *sqliteStore) RecentAlerts(ctx context.Context, roomID string, limit int) ([]alert.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if roomID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT room_id, payload FROM alerts ORDER BY at DESC, rowid DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT room_id, payload FROM alerts WHERE room_id = ? ORDER BY at DESC, rowid DESC LIMIT ?`, roomID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alert.Alert
	for rows.Next() {
		var rid, payload string
		if err := rows.Scan(&rid, &payload); err != nil {
			return nil, err
		}
		var a alert.Alert
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			s.log.Debug("skip unreadable alert row", logx.Err(err))
			continue
		}
		a.Room = rid
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneAlerts(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- dedup ---

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
