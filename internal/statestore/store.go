// Package statestore persists the last synchronized state of every path, pending conflicts and run history.
package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/uvcad/cadsync/internal/codec"
	"github.com/uvcad/cadsync/internal/db"
	"github.com/uvcad/cadsync/internal/provider"
)

var (
	// ErrStateStore wraps every failure to read or write the store. A run cannot plan without it.
	ErrStateStore = errors.New("state store unavailable")
	ErrNotOpen    = errors.New("state store not open")
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_state (
    path TEXT PRIMARY KEY,
    hash TEXT NOT NULL,          -- empty for a pending deletion
    synced_at TEXT NOT NULL      -- RFC3339 with nanoseconds, UTC
);

CREATE TABLE IF NOT EXISTS sync_state_locations (
    path TEXT NOT NULL REFERENCES sync_state(path) ON DELETE CASCADE,
    location TEXT NOT NULL,
    present INTEGER NOT NULL,
    hash TEXT NOT NULL,
    size INTEGER NOT NULL,
    mod_time TEXT NOT NULL,
    PRIMARY KEY (path, location)
);

CREATE TABLE IF NOT EXISTS conflicts (
    path TEXT PRIMARY KEY,
    base_hash TEXT NOT NULL,
    observations TEXT NOT NULL,  -- JSON object keyed by location
    reason TEXT NOT NULL,
    detected_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_runs (
    id TEXT PRIMARY KEY,
    host TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    status TEXT NOT NULL,
    synced INTEGER NOT NULL,
    skipped INTEGER NOT NULL,
    conflicted INTEGER NOT NULL,
    failed INTEGER NOT NULL,
    excluded TEXT NOT NULL,
    error TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at);
`

type dbSyncState struct {
	Path     string `db:"path"`
	Hash     string `db:"hash"`
	SyncedAt string `db:"synced_at"`
}

type dbLocationState struct {
	Path     string `db:"path"`
	Location string `db:"location"`
	Present  bool   `db:"present"`
	Hash     string `db:"hash"`
	Size     int64  `db:"size"`
	ModTime  string `db:"mod_time"`
}

type dbConflict struct {
	Path         string `db:"path"`
	BaseHash     string `db:"base_hash"`
	Observations string `db:"observations"`
	Reason       string `db:"reason"`
	DetectedAt   string `db:"detected_at"`
}

type dbRun struct {
	ID         string `db:"id"`
	Host       string `db:"host"`
	StartedAt  string `db:"started_at"`
	FinishedAt string `db:"finished_at"`
	Status     string `db:"status"`
	Synced     int    `db:"synced"`
	Skipped    int    `db:"skipped"`
	Conflicted int    `db:"conflicted"`
	Failed     int    `db:"failed"`
	Excluded   string `db:"excluded"`
	Error      string `db:"error"`
}

// Store is the SQLite backed state store. Writes are scoped to one path per transaction.
type Store struct {
	db     *sqlx.DB
	dbPath string
}

// New returns an unopened store. Use ":memory:" for a throwaway database.
func New(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

// Open connects and creates the schema.
func (s *Store) Open() error {
	if s.db != nil {
		return fmt.Errorf("state store already open")
	}

	conn, err := db.NewSqliteDB(db.WithPath(s.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStateStore, err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return fmt.Errorf("%w: initialize schema: %w", ErrStateStore, err)
	}

	s.db = conn
	slog.Debug("state store open", "path", s.dbPath)
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return ErrNotOpen
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		slog.Error("state store close", "error", err)
		return err
	}
	return nil
}

func (s *Store) ready() error {
	if s.db == nil {
		return fmt.Errorf("%w: %w", ErrStateStore, ErrNotOpen)
	}
	return nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStateStore, op, err)
}

// Count returns the number of tracked paths, tombstones included.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sync_state"); err != nil {
		return 0, storeErr("count", err)
	}
	return n, nil
}

// Get returns nil, nil for an unknown path.
func (s *Store) Get(ctx context.Context, path string) (*SyncState, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var row dbSyncState
	err := s.db.GetContext(ctx, &row, "SELECT path, hash, synced_at FROM sync_state WHERE path = ?", path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, storeErr("get "+path, err)
	}

	var locs []dbLocationState
	err = s.db.SelectContext(ctx, &locs, `SELECT path, location, present, hash, size, mod_time
		FROM sync_state_locations WHERE path = ?`, path)
	if err != nil {
		return nil, storeErr("get locations "+path, err)
	}

	state, err := fromRow(row)
	if err != nil {
		return nil, err
	}
	for _, l := range locs {
		if err := state.addLocation(l); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// All loads every tracked path keyed by path.
func (s *Store) All(ctx context.Context) (map[string]*SyncState, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var rows []dbSyncState
	if err := s.db.SelectContext(ctx, &rows, "SELECT path, hash, synced_at FROM sync_state"); err != nil {
		return nil, storeErr("load states", err)
	}

	states := make(map[string]*SyncState, len(rows))
	for _, row := range rows {
		st, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		states[st.Path] = st
	}

	var locs []dbLocationState
	err := s.db.SelectContext(ctx, &locs, "SELECT path, location, present, hash, size, mod_time FROM sync_state_locations")
	if err != nil {
		return nil, storeErr("load locations", err)
	}
	for _, l := range locs {
		st, ok := states[l.Path]
		if !ok {
			return nil, storeErr("load locations", fmt.Errorf("orphan location row for %q", l.Path))
		}
		if err := st.addLocation(l); err != nil {
			return nil, err
		}
	}

	return states, nil
}

// Put replaces the state of one path and its per-location baselines atomically.
func (s *Store) Put(ctx context.Context, state *SyncState) error {
	if err := s.ready(); err != nil {
		return err
	}
	if state == nil || state.Path == "" {
		return fmt.Errorf("cannot store empty state")
	}

	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `INSERT INTO sync_state (path, hash, synced_at)
			VALUES (:path, :hash, :synced_at)
			ON CONFLICT(path) DO UPDATE SET hash = excluded.hash, synced_at = excluded.synced_at`,
			dbSyncState{Path: state.Path, Hash: state.Hash, SyncedAt: formatTime(state.SyncedAt)})
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM sync_state_locations WHERE path = ?", state.Path); err != nil {
			return err
		}

		for loc, ls := range state.Locations {
			_, err := tx.NamedExecContext(ctx, `INSERT INTO sync_state_locations
				(path, location, present, hash, size, mod_time)
				VALUES (:path, :location, :present, :hash, :size, :mod_time)`,
				dbLocationState{
					Path:     state.Path,
					Location: string(loc),
					Present:  ls.Present,
					Hash:     ls.Hash,
					Size:     ls.Size,
					ModTime:  formatTime(ls.ModTime),
				})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storeErr("put "+state.Path, err)
	}

	slog.Debug("state set", "path", state.Path, "hash", shortHash(state.Hash), "locations", len(state.Locations))
	return nil
}

// Delete forgets a path. Unknown paths are not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.ready(); err != nil {
		return err
	}
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM sync_state_locations WHERE path = ?", path); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM sync_state WHERE path = ?", path)
		return err
	})
	if err != nil {
		return storeErr("delete "+path, err)
	}
	slog.Debug("state deleted", "path", path)
	return nil
}

func fromRow(row dbSyncState) (*SyncState, error) {
	syncedAt, err := parseTime(row.SyncedAt)
	if err != nil {
		return nil, storeErr("parse synced_at of "+row.Path, err)
	}
	return &SyncState{
		Path:      row.Path,
		Hash:      row.Hash,
		SyncedAt:  syncedAt,
		Locations: make(map[provider.Location]LocationState),
	}, nil
}

func (s *SyncState) addLocation(row dbLocationState) error {
	loc, err := provider.ParseLocation(row.Location)
	if err != nil {
		return storeErr("load "+row.Path, err)
	}
	modTime, err := parseTime(row.ModTime)
	if err != nil {
		return storeErr("parse mod_time of "+row.Path, err)
	}
	s.Locations[loc] = LocationState{
		Present: row.Present,
		Hash:    row.Hash,
		Size:    row.Size,
		ModTime: modTime,
	}
	return nil
}

// fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func joinLocations(locs []provider.Location) string {
	parts := make([]string, len(locs))
	for i, l := range locs {
		parts[i] = string(l)
	}
	return strings.Join(parts, ",")
}

func splitLocations(s string) []provider.Location {
	if s == "" {
		return nil
	}
	var out []provider.Location
	for _, part := range strings.Split(s, ",") {
		if loc, err := provider.ParseLocation(part); err == nil {
			out = append(out, loc)
		}
	}
	return out
}

func marshalObservations(obs map[provider.Location]LocationState) (string, error) {
	data, err := codec.Marshal(obs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
