/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package thumbs

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

	applog "tileboard/internal/log"
	"tileboard/internal/persist"
)

const (
	// CacheDirName holds per-workspace derived data.
	CacheDirName  = ".tileboard"
	CacheFileName = "cache.sqlite"

	// DefaultMaxBytes caps the thumbnail cache when no cap is configured.
	DefaultMaxBytes int64 = 64 * 1024 * 1024
)

// CachePath returns the cache database path for a workspace.
func CachePath(workspace string) string {
	return filepath.Join(workspace, CacheDirName, CacheFileName)
}

// Cache stores encoded thumbnails keyed by image, width and source mtime,
// evicting least recently used rows once the byte cap is exceeded.
type Cache struct {
	db       *sql.DB
	maxBytes int64
}

// OpenCache opens (or creates) the cache database at path. The cache holds
// derived data only, so a database that fails to open or does not pass
// quick_check is moved aside and recreated empty.
func OpenCache(ctx context.Context, path string, maxBytes int64) (*Cache, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("cache path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	db, err := openCacheDB(ctx, path)
	if err != nil {
		moved := moveAside(path)
		applog.WithComponent("thumbs").Warn("rebuilding thumbnail cache", slog.String("path", path), slog.String("moved_to", moved), slog.Any("err", err))
		if db, err = openCacheDB(ctx, path); err != nil {
			return nil, err
		}
	}
	return &Cache{db: db, maxBytes: maxBytes}, nil
}

func openCacheDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := persist.OpenDB(ctx, path)
	if err != nil {
		return nil, err
	}
	var chk string
	if err := db.QueryRowContext(ctx, `PRAGMA quick_check;`).Scan(&chk); err != nil || !strings.EqualFold(strings.TrimSpace(chk), "ok") {
		_ = db.Close()
		if err == nil {
			err = fmt.Errorf("quick_check: %s", chk)
		}
		return nil, fmt.Errorf("cache integrity: %w", err)
	}
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS thumbs (
			image       TEXT    NOT NULL,
			w           INTEGER NOT NULL,
			mtime       INTEGER NOT NULL,
			blob        BLOB    NOT NULL,
			size        INTEGER NOT NULL,
			last_access TEXT    NOT NULL,
			PRIMARY KEY (image, w)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_thumbs_access ON thumbs(last_access);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ensure thumbs schema: %w", err)
		}
	}
	return db, nil
}

// moveAside renames a broken cache file and its WAL companions out of the way.
func moveAside(path string) string {
	dst := fmt.Sprintf("%s.corrupt-%s", path, time.Now().Format("20060102-150405"))
	if err := os.Rename(path, dst); err != nil {
		_ = os.Remove(path)
		dst = ""
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
	return dst
}

// Get returns the cached thumbnail when one exists for the same source mtime,
// touching its access time.
func (c *Cache) Get(ctx context.Context, image string, w int, mtime int64) ([]byte, bool, error) {
	var blob []byte
	err := c.db.QueryRowContext(ctx, `SELECT blob FROM thumbs WHERE image=? AND w=? AND mtime=?`, image, w, mtime).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query thumb: %w", err)
	}
	_, _ = c.db.ExecContext(ctx, `UPDATE thumbs SET last_access=? WHERE image=? AND w=?`, stamp(), image, w)
	return blob, true, nil
}

// Put upserts a thumbnail and enforces the byte cap.
func (c *Cache) Put(ctx context.Context, image string, w int, mtime int64, blob []byte) error {
	now := stamp()
	_, err := c.db.ExecContext(ctx, `INSERT INTO thumbs(image,w,mtime,blob,size,last_access) VALUES(?,?,?,?,?,?)
		ON CONFLICT(image,w) DO UPDATE SET mtime=excluded.mtime, blob=excluded.blob, size=excluded.size, last_access=excluded.last_access`,
		image, w, mtime, blob, len(blob), now)
	if err != nil {
		return fmt.Errorf("upsert thumb: %w", err)
	}
	return c.evictToFit(ctx)
}

// Invalidate drops every cached width of image.
func (c *Cache) Invalidate(ctx context.Context, image string) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM thumbs WHERE image=?`, image)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TotalBytes returns the bytes held by the cache.
func (c *Cache) TotalBytes(ctx context.Context) (int64, error) {
	var total int64
	err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size),0) FROM thumbs`).Scan(&total)
	return total, err
}

// Close closes the database.
func (c *Cache) Close() error { return c.db.Close() }

// evictToFit deletes least recently used rows until the total fits the cap.
func (c *Cache) evictToFit(ctx context.Context) error {
	total, err := c.TotalBytes(ctx)
	if err != nil {
		return fmt.Errorf("sum thumbs size: %w", err)
	}
	if total <= c.maxBytes {
		return nil
	}
	rows, err := c.db.QueryContext(ctx, `SELECT image, w, size FROM thumbs ORDER BY last_access ASC`)
	if err != nil {
		return fmt.Errorf("select victims: %w", err)
	}
	type key struct {
		image string
		w     int
	}
	var victims []key
	cur := total
	for rows.Next() && cur > c.maxBytes {
		var k key
		var sz int64
		if err := rows.Scan(&k.image, &k.w, &sz); err != nil {
			_ = rows.Close()
			return err
		}
		victims = append(victims, k)
		cur -= sz
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	// Close the cursor before writing; the pool holds a single connection.
	if err := rows.Close(); err != nil {
		return err
	}
	for _, v := range victims {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM thumbs WHERE image=? AND w=?`, v.image, v.w); err != nil {
			return fmt.Errorf("evict delete: %w", err)
		}
	}
	return nil
}

// stamp is fixed-width so access times order lexicographically.
func stamp() string { return time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z") }
