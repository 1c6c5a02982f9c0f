package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flickrtwin/internal/graph"
	"flickrtwin/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps the graph in PostgreSQL, one row per user, photo and
// favorite edge
type PostgresStore struct {
	db     *pgxpool.Pool
	logger logger.Logger
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS flickr_users (
		nsid TEXT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		realname TEXT NOT NULL DEFAULT '',
		buddyicon TEXT NOT NULL DEFAULT '',
		favecount INTEGER NOT NULL DEFAULT 0,
		total_pages INTEGER NOT NULL DEFAULT 0,
		pages_requested INTEGER NOT NULL DEFAULT 0,
		pages_processed INTEGER NOT NULL DEFAULT 0,
		score DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS flickr_user_faves (
		nsid TEXT NOT NULL,
		photo_id TEXT NOT NULL,
		fave_date TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (nsid, photo_id)
	)`,
	`CREATE TABLE IF NOT EXISTS flickr_photos (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL DEFAULT '',
		secret TEXT NOT NULL DEFAULT '',
		server TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		favecount INTEGER NOT NULL DEFAULT 0,
		score DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS flickr_photo_faves (
		photo_id TEXT NOT NULL,
		nsid TEXT NOT NULL,
		PRIMARY KEY (photo_id, nsid)
	)`,
	`CREATE TABLE IF NOT EXISTS flickr_session_ids (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		PRIMARY KEY (kind, id)
	)`,
	`CREATE TABLE IF NOT EXISTS flickr_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// NewPostgresStore connects to dsn and creates the schema
func NewPostgresStore(ctx context.Context, dsn string, log logger.Logger) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}

	s := &PostgresStore{db: db, logger: logger.OrDefault(log)}
	for _, stmt := range postgresSchema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return s, nil
}

// Load reads the graph back. An empty database yields nil.
func (s *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	var savedAt string
	err := s.db.QueryRow(ctx, `SELECT value FROM flickr_meta WHERE key = 'saved_at'`).Scan(&savedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot metadata: %w", err)
	}

	snap := normalize(&Snapshot{Version: SnapshotVersion})
	if t, err := time.Parse(time.RFC3339Nano, savedAt); err == nil {
		snap.SavedAt = t
	}

	rows, err := s.db.Query(ctx, `
		SELECT nsid, username, realname, buddyicon, favecount,
		       total_pages, pages_requested, pages_processed, score
		FROM flickr_users`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	for rows.Next() {
		var u graph.User
		if err := rows.Scan(&u.ID, &u.Username, &u.RealName, &u.IconURL, &u.FaveCount,
			&u.TotalPages, &u.PagesRequested, &u.PagesProcessed, &u.Score); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		u.Faves = make(map[string]string)
		snap.Users[u.ID] = u
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(ctx, `SELECT nsid, photo_id, fave_date FROM flickr_user_faves`)
	if err != nil {
		return nil, fmt.Errorf("failed to query user favorites: %w", err)
	}
	for rows.Next() {
		var nsid, photoID, date string
		if err := rows.Scan(&nsid, &photoID, &date); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan user favorite: %w", err)
		}
		if u, ok := snap.Users[nsid]; ok {
			u.Faves[photoID] = date
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(ctx, `SELECT id, owner, secret, server, title, favecount, score FROM flickr_photos`)
	if err != nil {
		return nil, fmt.Errorf("failed to query photos: %w", err)
	}
	for rows.Next() {
		var p graph.Photo
		if err := rows.Scan(&p.ID, &p.Owner, &p.Secret, &p.Server, &p.Title, &p.FaveCount, &p.Score); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan photo: %w", err)
		}
		p.FavedBy = graph.NewSet()
		snap.Photos[p.ID] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(ctx, `SELECT photo_id, nsid FROM flickr_photo_faves`)
	if err != nil {
		return nil, fmt.Errorf("failed to query photo favorites: %w", err)
	}
	for rows.Next() {
		var photoID, nsid string
		if err := rows.Scan(&photoID, &nsid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan photo favorite: %w", err)
		}
		if p, ok := snap.Photos[photoID]; ok {
			p.FavedBy.Add(nsid)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(ctx, `SELECT kind, id FROM flickr_session_ids`)
	if err != nil {
		return nil, fmt.Errorf("failed to query session ids: %w", err)
	}
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		if set := sessionSet(snap, kind); set != nil {
			set.Add(id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.logger.InfoWithFields("Snapshot loaded", map[string]interface{}{
		"users":  len(snap.Users),
		"photos": len(snap.Photos),
	})
	return snap, nil
}

// Save writes the snapshot within a single transaction, batching the row
// upserts
func (s *PostgresStore) Save(ctx context.Context, snap *Snapshot) error {
	snap.Version = SnapshotVersion
	snap.SavedAt = time.Now()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM flickr_user_faves`)
	batch.Queue(`DELETE FROM flickr_photo_faves`)
	batch.Queue(`DELETE FROM flickr_session_ids`)

	for id, u := range snap.Users {
		batch.Queue(`INSERT INTO flickr_users (nsid, username, realname, buddyicon, favecount,
		                                       total_pages, pages_requested, pages_processed, score)
		             VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		             ON CONFLICT (nsid) DO UPDATE SET
		               username = EXCLUDED.username, realname = EXCLUDED.realname,
		               buddyicon = EXCLUDED.buddyicon, favecount = EXCLUDED.favecount,
		               total_pages = EXCLUDED.total_pages, pages_requested = EXCLUDED.pages_requested,
		               pages_processed = EXCLUDED.pages_processed, score = EXCLUDED.score`,
			id, u.Username, u.RealName, u.IconURL, u.FaveCount,
			u.TotalPages, u.PagesRequested, u.PagesProcessed, u.Score)
		for photoID, date := range u.Faves {
			batch.Queue(`INSERT INTO flickr_user_faves (nsid, photo_id, fave_date) VALUES ($1, $2, $3)`,
				id, photoID, date)
		}
	}

	for id, p := range snap.Photos {
		batch.Queue(`INSERT INTO flickr_photos (id, owner, secret, server, title, favecount, score)
		             VALUES ($1, $2, $3, $4, $5, $6, $7)
		             ON CONFLICT (id) DO UPDATE SET
		               owner = EXCLUDED.owner, secret = EXCLUDED.secret, server = EXCLUDED.server,
		               title = EXCLUDED.title, favecount = EXCLUDED.favecount, score = EXCLUDED.score`,
			id, p.Owner, p.Secret, p.Server, p.Title, p.FaveCount, p.Score)
		for nsid := range p.FavedBy {
			batch.Queue(`INSERT INTO flickr_photo_faves (photo_id, nsid) VALUES ($1, $2)`, id, nsid)
		}
	}

	for _, kind := range sessionKinds {
		for id := range sessionSet(snap, kind) {
			batch.Queue(`INSERT INTO flickr_session_ids (kind, id) VALUES ($1, $2)`, kind, id)
		}
	}

	batch.Queue(`INSERT INTO flickr_meta (key, value) VALUES ('saved_at', $1)
	             ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		snap.SavedAt.Format(time.RFC3339Nano))

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	s.logger.DebugWithFields("Snapshot saved", map[string]interface{}{
		"users":  len(snap.Users),
		"photos": len(snap.Photos),
	})
	return nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
