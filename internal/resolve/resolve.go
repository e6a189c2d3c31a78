/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package resolve maps image identifiers to displayable asset paths.
// Known extensions come from a static table; everything else is guessed as
// jpg and the presentation layer retries the alternate extension on failure.
package resolve

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"tileboard/internal/domain"

	"github.com/xeipuuv/gojsonschema"
)

const (
	ExtJPG = "jpg"
	ExtPNG = "png"

	// DefaultExt is the first guess for identifiers missing from the table.
	DefaultExt = ExtJPG
	// AssetDir is the URL path prefix assets are addressed under.
	AssetDir = "images"
	// TableFileName is the conventional name of the extension table document.
	TableFileName = "extensions_map.json"
)

//go:embed extensions.schema.json
var tableSchema []byte

// Table maps image identifiers to a known extension. Entries are never mutated
// in place; a rescan builds a new table.
type Table map[domain.ImageID]string

// LoadTable parses and validates an extension table document.
func LoadTable(raw []byte) (Table, error) {
	res, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(tableSchema), gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: extension table: %v", domain.ErrMalformedDocument, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: extension table: %s", domain.ErrMalformedDocument, strings.Join(msgs, "; "))
	}
	t := Table{}
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("%w: extension table: %v", domain.ErrMalformedDocument, err)
	}
	return t, nil
}

// ReadTable loads the table at path. A missing file yields an empty table.
func ReadTable(path string) (Table, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read extension table: %w", err)
	}
	return LoadTable(b)
}

// Marshal renders the table as indented JSON with sorted keys.
func (t Table) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ScanDir probes dir for <id>.jpg and <id>.png files and records which one
// exists. When both exist jpg wins.
func ScanDir(dir string) (Table, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan images dir: %w", err)
	}
	t := Table{}
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		id, ext, ok := SplitAsset(e.Name())
		if !ok {
			continue
		}
		if cur, seen := t[id]; seen && cur == ExtJPG {
			continue
		}
		t[id] = ext
	}
	return t, nil
}

// SplitAsset splits a file name like "image12.png" into identifier and a
// normalized extension. Only jpg/jpeg/png are recognized.
func SplitAsset(name string) (domain.ImageID, string, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if base == "" {
		return "", "", false
	}
	switch ext {
	case "jpg", "jpeg":
		return domain.ImageID(base), ExtJPG, true
	case "png":
		return domain.ImageID(base), ExtPNG, true
	default:
		return "", "", false
	}
}

// Resolver resolves identifiers against a swappable table. Safe for concurrent use.
type Resolver struct {
	mu    sync.RWMutex
	table Table
}

// New returns a resolver over t; a nil table means every identifier is guessed.
func New(t Table) *Resolver {
	if t == nil {
		t = Table{}
	}
	return &Resolver{table: t}
}

// Replace swaps the table atomically.
func (r *Resolver) Replace(t Table) {
	if t == nil {
		t = Table{}
	}
	r.mu.Lock()
	r.table = t
	r.mu.Unlock()
}

// Ext returns the extension for id and whether it came from the table.
func (r *Resolver) Ext(id domain.ImageID) (string, bool) {
	r.mu.RLock()
	ext, ok := r.table[id]
	r.mu.RUnlock()
	if ok && ext != "" {
		return ext, true
	}
	return DefaultExt, false
}

// Resolve returns images/<id>.<ext>. It never fails.
func (r *Resolver) Resolve(id domain.ImageID) string {
	ext, _ := r.Ext(id)
	return path.Join(AssetDir, string(id)+"."+ext)
}

// Len returns the number of table entries.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table)
}

// Known lists the identifiers in the table in sorted order.
func (r *Resolver) Known() []domain.ImageID {
	r.mu.RLock()
	out := make([]domain.ImageID, 0, len(r.table))
	for id := range r.table {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Alternate swaps the jpg/png extension of p, for the load-failure fallback.
// Paths with any other extension are returned unchanged.
func Alternate(p string) string {
	ext := path.Ext(p)
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return strings.TrimSuffix(p, ext) + "." + ExtPNG
	case ".png":
		return strings.TrimSuffix(p, ext) + "." + ExtJPG
	default:
		return p
	}
}
