package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"flickrtwin/internal/graph"
	"flickrtwin/pkg/logger"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps the graph in normalized SQLite tables
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger logger.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	nsid TEXT PRIMARY KEY,
	username TEXT NOT NULL DEFAULT '',
	realname TEXT NOT NULL DEFAULT '',
	buddyicon TEXT NOT NULL DEFAULT '',
	favecount INTEGER NOT NULL DEFAULT 0,
	total_pages INTEGER NOT NULL DEFAULT 0,
	pages_requested INTEGER NOT NULL DEFAULT 0,
	pages_processed INTEGER NOT NULL DEFAULT 0,
	score REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS user_faves (
	nsid TEXT NOT NULL,
	photo_id TEXT NOT NULL,
	fave_date TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (nsid, photo_id)
);

CREATE TABLE IF NOT EXISTS photos (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL DEFAULT '',
	secret TEXT NOT NULL DEFAULT '',
	server TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	favecount INTEGER NOT NULL DEFAULT 0,
	score REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS photo_faves (
	photo_id TEXT NOT NULL,
	nsid TEXT NOT NULL,
	PRIMARY KEY (photo_id, nsid)
);

CREATE TABLE IF NOT EXISTS session_ids (
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	PRIMARY KEY (kind, id)
);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_photo_faves_nsid ON photo_faves(nsid);
`

// NewSQLiteStore opens or creates the database at path
func NewSQLiteStore(path string, log logger.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path, logger: logger.OrDefault(log)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Load reads the graph back. An empty database yields nil.
func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	var savedAt string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'saved_at'`).Scan(&savedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot metadata: %w", err)
	}

	snap := normalize(&Snapshot{Version: SnapshotVersion})
	if t, err := time.Parse(time.RFC3339Nano, savedAt); err == nil {
		snap.SavedAt = t
	}

	if err := s.loadUsers(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadPhotos(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadSessionIDs(ctx, snap); err != nil {
		return nil, err
	}

	s.logger.InfoWithFields("Snapshot loaded", map[string]interface{}{
		"path":   s.path,
		"users":  len(snap.Users),
		"photos": len(snap.Photos),
	})
	return snap, nil
}

func (s *SQLiteStore) loadUsers(ctx context.Context, snap *Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT nsid, username, realname, buddyicon, favecount,
		       total_pages, pages_requested, pages_processed, score
		FROM users`)
	if err != nil {
		return fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u graph.User
		if err := rows.Scan(&u.ID, &u.Username, &u.RealName, &u.IconURL, &u.FaveCount,
			&u.TotalPages, &u.PagesRequested, &u.PagesProcessed, &u.Score); err != nil {
			return fmt.Errorf("failed to scan user: %w", err)
		}
		u.Faves = make(map[string]string)
		snap.Users[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return err
	}

	faves, err := s.db.QueryContext(ctx, `SELECT nsid, photo_id, fave_date FROM user_faves`)
	if err != nil {
		return fmt.Errorf("failed to query user favorites: %w", err)
	}
	defer faves.Close()

	for faves.Next() {
		var nsid, photoID, date string
		if err := faves.Scan(&nsid, &photoID, &date); err != nil {
			return fmt.Errorf("failed to scan user favorite: %w", err)
		}
		if u, ok := snap.Users[nsid]; ok {
			u.Faves[photoID] = date
		}
	}
	return faves.Err()
}

func (s *SQLiteStore) loadPhotos(ctx context.Context, snap *Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, secret, server, title, favecount, score FROM photos`)
	if err != nil {
		return fmt.Errorf("failed to query photos: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p graph.Photo
		if err := rows.Scan(&p.ID, &p.Owner, &p.Secret, &p.Server, &p.Title, &p.FaveCount, &p.Score); err != nil {
			return fmt.Errorf("failed to scan photo: %w", err)
		}
		p.FavedBy = graph.NewSet()
		snap.Photos[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return err
	}

	faves, err := s.db.QueryContext(ctx, `SELECT photo_id, nsid FROM photo_faves`)
	if err != nil {
		return fmt.Errorf("failed to query photo favorites: %w", err)
	}
	defer faves.Close()

	for faves.Next() {
		var photoID, nsid string
		if err := faves.Scan(&photoID, &nsid); err != nil {
			return fmt.Errorf("failed to scan photo favorite: %w", err)
		}
		if p, ok := snap.Photos[photoID]; ok {
			p.FavedBy.Add(nsid)
		}
	}
	return faves.Err()
}

func (s *SQLiteStore) loadSessionIDs(ctx context.Context, snap *Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, id FROM session_ids`)
	if err != nil {
		return fmt.Errorf("failed to query session ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return fmt.Errorf("failed to scan session id: %w", err)
		}
		if set := sessionSet(snap, kind); set != nil {
			set.Add(id)
		}
	}
	return rows.Err()
}

// Save upserts every record and replaces the edge and id tables in one
// transaction
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	snap.Version = SnapshotVersion
	snap.SavedAt = time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"user_faves", "photo_faves", "session_ids"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := s.saveUsers(ctx, tx, snap.Users); err != nil {
		return err
	}
	if err := s.savePhotos(ctx, tx, snap.Photos); err != nil {
		return err
	}
	if err := s.saveSessionIDs(ctx, tx, snap); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('saved_at', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		snap.SavedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write snapshot metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	s.logger.DebugWithFields("Snapshot saved", map[string]interface{}{
		"path":   s.path,
		"users":  len(snap.Users),
		"photos": len(snap.Photos),
	})
	return nil
}

func (s *SQLiteStore) saveUsers(ctx context.Context, tx *sql.Tx, users map[string]graph.User) error {
	userStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO users (nsid, username, realname, buddyicon, favecount,
		                   total_pages, pages_requested, pages_processed, score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(nsid) DO UPDATE SET
			username = excluded.username,
			realname = excluded.realname,
			buddyicon = excluded.buddyicon,
			favecount = excluded.favecount,
			total_pages = excluded.total_pages,
			pages_requested = excluded.pages_requested,
			pages_processed = excluded.pages_processed,
			score = excluded.score`)
	if err != nil {
		return fmt.Errorf("failed to prepare user upsert: %w", err)
	}
	defer userStmt.Close()

	faveStmt, err := tx.PrepareContext(ctx, `INSERT INTO user_faves (nsid, photo_id, fave_date) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare user favorite insert: %w", err)
	}
	defer faveStmt.Close()

	for id, u := range users {
		if _, err := userStmt.ExecContext(ctx, id, u.Username, u.RealName, u.IconURL, u.FaveCount,
			u.TotalPages, u.PagesRequested, u.PagesProcessed, u.Score); err != nil {
			return fmt.Errorf("failed to save user %s: %w", id, err)
		}
		for photoID, date := range u.Faves {
			if _, err := faveStmt.ExecContext(ctx, id, photoID, date); err != nil {
				return fmt.Errorf("failed to save favorite of user %s: %w", id, err)
			}
		}
	}
	return nil
}

func (s *SQLiteStore) savePhotos(ctx context.Context, tx *sql.Tx, photos map[string]graph.Photo) error {
	photoStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO photos (id, owner, secret, server, title, favecount, score)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner = excluded.owner,
			secret = excluded.secret,
			server = excluded.server,
			title = excluded.title,
			favecount = excluded.favecount,
			score = excluded.score`)
	if err != nil {
		return fmt.Errorf("failed to prepare photo upsert: %w", err)
	}
	defer photoStmt.Close()

	faveStmt, err := tx.PrepareContext(ctx, `INSERT INTO photo_faves (photo_id, nsid) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare photo favorite insert: %w", err)
	}
	defer faveStmt.Close()

	for id, p := range photos {
		if _, err := photoStmt.ExecContext(ctx, id, p.Owner, p.Secret, p.Server, p.Title, p.FaveCount, p.Score); err != nil {
			return fmt.Errorf("failed to save photo %s: %w", id, err)
		}
		for nsid := range p.FavedBy {
			if _, err := faveStmt.ExecContext(ctx, id, nsid); err != nil {
				return fmt.Errorf("failed to save favorite of photo %s: %w", id, err)
			}
		}
	}
	return nil
}

func (s *SQLiteStore) saveSessionIDs(ctx context.Context, tx *sql.Tx, snap *Snapshot) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO session_ids (kind, id) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare session id insert: %w", err)
	}
	defer stmt.Close()

	for _, kind := range sessionKinds {
		for id := range sessionSet(snap, kind) {
			if _, err := stmt.ExecContext(ctx, kind, id); err != nil {
				return fmt.Errorf("failed to save %s id %s: %w", kind, id, err)
			}
		}
	}
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var sessionKinds = []string{"processed", "excluded", "hidden"}

func sessionSet(snap *Snapshot, kind string) graph.Set {
	switch kind {
	case "processed":
		return snap.Processed
	case "excluded":
		return snap.Excluded
	case "hidden":
		return snap.Hidden
	}
	return nil
}
