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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tileboard/internal/board"
	"tileboard/internal/domain"
	applog "tileboard/internal/log"
)

const (
	// OriginalFileName is the hand-maintained source document.
	OriginalFileName = "index.json"
	// UpdatedFileName receives every save and wins over the original on load.
	UpdatedFileName = "index_updated.json"
	BackupsDirName  = "backups"

	// DefaultKeepBackups bounds the number of timestamped backups kept per workspace.
	DefaultKeepBackups = 20

	backupStamp = "20060102-150405.000"
)

// File stores documents in a workspace directory.
type File struct {
	Dir         string
	KeepBackups int
}

// NewFile returns a file adapter rooted at dir.
func NewFile(dir string) *File {
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	return &File{Dir: dir, KeepBackups: DefaultKeepBackups}
}

func (f *File) Name() string { return "file" }

// UpdatedPath returns the path saves are written to.
func (f *File) UpdatedPath() string { return filepath.Join(f.Dir, UpdatedFileName) }

// OriginalPath returns the path of the original document.
func (f *File) OriginalPath() string { return filepath.Join(f.Dir, OriginalFileName) }

// FetchInitial reads index_updated.json when present, else index.json.
// An updated document that fails validation is replaced by the latest backup,
// then by the original.
func (f *File) FetchInitial(ctx context.Context) ([]byte, error) {
	l := applog.WithOperation(applog.WithComponent("persist"), "file_fetch").With(slog.String("dir", f.Dir))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.UpdatedPath())
	switch {
	case err == nil:
		verr := board.Validate(raw)
		if verr == nil {
			return raw, nil
		}
		l.Warn("updated document unreadable, trying backups", slog.Any("err", verr))
		b, berr := f.latestBackup()
		if berr == nil {
			return b, nil
		}
		l.Debug("no usable backup", slog.Any("err", berr))
	case !errors.Is(err, fs.ErrNotExist):
		l.Warn("read updated document failed", slog.Any("err", err))
	}
	raw, err = os.ReadFile(f.OriginalPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: expected %s or %s in %s", domain.ErrNotFound, UpdatedFileName, OriginalFileName, f.Dir)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.OriginalPath(), err)
	}
	return raw, nil
}

// Persist writes raw to index_updated.json with transactional semantics and
// a timestamped backup of the previous updated document (if present).
// The original index.json is never touched.
func (f *File) Persist(ctx context.Context, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return wrapPersist(err)
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return wrapPersist(fmt.Errorf("create workspace: %w", err))
	}
	target := f.UpdatedPath()
	if _, statErr := os.Stat(target); statErr == nil {
		bdir := filepath.Join(f.Dir, BackupsDirName)
		bname := fmt.Sprintf("%s.%s.bak", UpdatedFileName, time.Now().Format(backupStamp))
		if cerr := copyFile(target, filepath.Join(bdir, bname)); cerr != nil {
			return wrapPersist(fmt.Errorf("backup current document: %w", cerr))
		}
		f.pruneBackups()
	}
	if err := WriteAtomic(target, raw); err != nil {
		return wrapPersist(err)
	}
	return nil
}

// Backups lists backup files, newest first.
func (f *File) Backups() ([]string, error) {
	bdir := filepath.Join(f.Dir, BackupsDirName)
	ents, err := os.ReadDir(bdir)
	if err != nil {
		return nil, fmt.Errorf("read backups dir: %w", err)
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if strings.HasPrefix(name, UpdatedFileName+".") && strings.HasSuffix(name, ".bak") {
			out = append(out, filepath.Join(bdir, name))
		}
	}
	// timestamp in name yields lexicographic order
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

func (f *File) latestBackup() ([]byte, error) {
	candidates, err := f.Backups()
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		b, err := os.ReadFile(c)
		if err != nil {
			continue
		}
		if board.Validate(b) == nil {
			return b, nil
		}
	}
	return nil, errors.New("no usable backups found")
}

func (f *File) pruneBackups() {
	if f.KeepBackups <= 0 {
		return
	}
	all, err := f.Backups()
	if err != nil || len(all) <= f.KeepBackups {
		return
	}
	for _, old := range all[f.KeepBackups:] {
		_ = os.Remove(old)
	}
}

// WriteAtomic writes data to a temp file next to path, syncs it and renames
// it over path.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure dir: %w", err)
	}
	temp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d-%d", filepath.Base(path), os.Getpid(), rand.Int()))
	if werr := writeFileSync(temp, data); werr != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("write temp file: %w", werr)
	}
	// On Windows, replace by removing destination first if needed
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
	if rerr := os.Rename(temp, path); rerr != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), rerr)
	}
	return nil
}

// writeFileSync writes data to a file, ensures it is flushed to disk.
func writeFileSync(path string, data []byte) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// copyFile copies a file from src to dst (overwrites dst if exists).
func copyFile(src, dst string) (err error) {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sf.Close(); err == nil {
			err = cerr
		}
	}()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	df, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := df.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := io.Copy(df, sf); err != nil {
		return err
	}
	return df.Sync()
}
