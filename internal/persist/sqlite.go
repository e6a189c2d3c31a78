/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tileboard/internal/domain"
	applog "tileboard/internal/log"
	"tileboard/internal/version"

	"github.com/google/uuid"

	// Pure-Go SQLite driver (CGO-free)
	_ "modernc.org/sqlite"
)

// sqliteSchemaVersion tracks the local revisions schema.
// Bump this when you perform breaking schema changes and add migrations.
const sqliteSchemaVersion = 2

// language=SQL
// dialect=SQLite
const insertRevisionSQL = `INSERT INTO revisions(id, name, ts, size, body) VALUES (?, ?, ?, ?, ?)`

// language=SQL
// dialect=SQLite
const selectLatestRevisionSQL = `SELECT body FROM revisions WHERE name = ? ORDER BY seq DESC LIMIT 1`

// language=SQL
// dialect=SQLite
const selectRevisionSQL = `SELECT body FROM revisions WHERE name = ? AND id = ?`

// language=SQL
// dialect=SQLite
const listRevisionsSQL = `SELECT id, ts, size FROM revisions WHERE name = ? ORDER BY seq DESC LIMIT ?`

// language=SQL
// dialect=SQLite
const pruneRevisionsSQL = `DELETE FROM revisions WHERE name = ? AND seq NOT IN (
	SELECT seq FROM revisions WHERE name = ? ORDER BY seq DESC LIMIT ?
)`

// revisionTimeFormat is fixed width so stored stamps compare as strings.
const revisionTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Revision describes one saved copy of a document.
type Revision struct {
	ID      string    `json:"id"`
	SavedAt time.Time `json:"saved_at"`
	Size    int       `json:"size"`
}

// SQLite keeps every saved document as a revision in a local database file.
// The newest revision is the one FetchInitial returns.
type SQLite struct {
	db   *sql.DB
	path string
	name string
	now  func() time.Time
}

// OpenSQLite opens (or creates) the revisions database at path, enables WAL
// mode and brings the schema up to date. name selects the document.
func OpenSQLite(ctx context.Context, path, name string) (*SQLite, error) {
	l := applog.WithOperation(applog.WithComponent("persist"), "sqlite_open").With(slog.String("path", path))
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if strings.TrimSpace(name) == "" {
		name = "index"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		l.Error("create database dir failed", slog.Any("err", err))
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	db, err := OpenDB(ctx, path)
	if err != nil {
		l.Error("sqlite open failed", slog.Any("err", err))
		return nil, err
	}
	if err := ensureRevisionsSchema(ctx, db); err != nil {
		_ = db.Close()
		l.Error("ensure schema failed", slog.Any("err", err))
		return nil, err
	}
	if err := migrateRevisions(ctx, db); err != nil {
		_ = db.Close()
		l.Error("run migrations failed", slog.Any("err", err))
		return nil, err
	}
	l.Debug("revisions store ready")
	return &SQLite{db: db, path: path, name: name, now: time.Now}, nil
}

// OpenDB opens a WAL-mode SQLite database with a meta/version table. It is
// shared by the revisions store and the thumbnail cache.
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	// Use a URI with a busy timeout. Convert to forward slashes for SQLite URI.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer for embedded usage.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := ensureMetaAndVersion(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func ensureMetaAndVersion(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS version (
			id          INTEGER PRIMARY KEY CHECK(id=1),
			schema      INTEGER NOT NULL,
			app         TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	appv := version.String()
	var cur int
	err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&cur)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// A fresh database starts at schema 1; migrations take it from there.
		if _, err := db.ExecContext(ctx, `INSERT INTO version (id, schema, app, created_at, updated_at) VALUES(1, 1, ?, ?, ?)`, appv, now, now); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read version: %w", err)
	default:
		if _, err := db.ExecContext(ctx, `UPDATE version SET app=?, updated_at=? WHERE id=1`, appv, now); err != nil {
			return fmt.Errorf("update version: %w", err)
		}
	}
	return nil
}

func ensureRevisionsSchema(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS revisions (
			seq   INTEGER PRIMARY KEY,
			id    TEXT    NOT NULL UNIQUE,
			name  TEXT    NOT NULL,
			ts    TEXT    NOT NULL,
			body  BLOB    NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_revisions_name_ts ON revisions(name, ts);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure revisions schema: %w", err)
		}
	}
	return nil
}

// migrateRevisions applies incremental schema migrations up to sqliteSchemaVersion.
func migrateRevisions(ctx context.Context, db *sql.DB) error {
	var cur int
	if err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&cur); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for cur < sqliteSchemaVersion {
		next := cur + 1
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", next, err)
		}
		var stmts []string
		switch next {
		case 2:
			// size column lets listings skip reading bodies
			stmts = []string{
				`ALTER TABLE revisions ADD COLUMN size INTEGER NOT NULL DEFAULT 0;`,
				`UPDATE revisions SET size = length(body);`,
			}
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d stmt failed: %w", next, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE version SET schema=?, updated_at=? WHERE id=1`, next, time.Now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d update version: %w", next, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d commit: %w", next, err)
		}
		cur = next
	}
	return nil
}

func (s *SQLite) Name() string { return "sqlite" }

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// FetchInitial returns the newest revision.
func (s *SQLite) FetchInitial(ctx context.Context) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, selectLatestRevisionSQL, s.name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no saved revision of %q in %s", domain.ErrNotFound, s.name, s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("read latest revision: %w", err)
	}
	return body, nil
}

// Persist stores raw as a new revision.
func (s *SQLite) Persist(ctx context.Context, raw []byte) error {
	_, err := s.Save(ctx, raw)
	return err
}

// Save stores raw as a new revision and returns its metadata.
func (s *SQLite) Save(ctx context.Context, raw []byte) (Revision, error) {
	rev := Revision{ID: uuid.NewString(), SavedAt: s.now().UTC(), Size: len(raw)}
	if _, err := s.db.ExecContext(ctx, insertRevisionSQL, rev.ID, s.name, rev.SavedAt.Format(revisionTimeFormat), rev.Size, raw); err != nil {
		return Revision{}, wrapPersist(fmt.Errorf("insert revision: %w", err))
	}
	return rev, nil
}

// Revisions returns up to limit most recent revisions, newest first.
func (s *SQLite) Revisions(ctx context.Context, limit int) ([]Revision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, listRevisionsSQL, s.name, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Revision
	for rows.Next() {
		var (
			r     Revision
			tsStr string
		)
		if err := rows.Scan(&r.ID, &tsStr, &r.Size); err != nil {
			return nil, err
		}
		r.SavedAt, _ = time.Parse(time.RFC3339Nano, tsStr)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Revision returns the body of one revision.
func (s *SQLite) Revision(ctx context.Context, id string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, selectRevisionSQL, s.name, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: revision %s", domain.ErrNotFound, id)
	}
	return body, err
}

// Prune keeps at most keep revisions and deletes older ones.
func (s *SQLite) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, pruneRevisionsSQL, s.name, s.name, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }
