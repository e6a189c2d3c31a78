/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package export

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tileboard/internal/domain"
	"tileboard/internal/render"
)

// Archive entry names.
const (
	ArchiveDocument = "index_updated.json"
	ArchiveBoard    = "board.json"
	ArchiveMissing  = "MISSING.txt"
)

// WriteArchive packages the board as a ZIP: the document itself, the
// display tree, and every image copied under blocks/<block>/ with a
// zero-padded position prefix so that file order matches the board.
// Images loc cannot find are listed in MISSING.txt instead.
func WriteArchive(tree render.Tree, doc []byte, loc Locator, w io.Writer) error {
	zw := zip.NewWriter(w)
	now := time.Now()
	if err := addZipFile(zw, ArchiveDocument, doc, now); err != nil {
		return fmt.Errorf("zip add document: %w", err)
	}
	board, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return fmt.Errorf("encode board: %w", err)
	}
	if err := addZipFile(zw, ArchiveBoard, board, now); err != nil {
		return fmt.Errorf("zip add board: %w", err)
	}

	var missing []string
	for _, sec := range tree.Blocks {
		pad := padWidth(len(sec.Tiles))
		for _, tile := range sec.Tiles {
			if loc == nil {
				missing = append(missing, string(sec.ID)+"/"+string(tile.Image))
				continue
			}
			src, fi, err := loc.Source(tile.Image)
			if errors.Is(err, domain.ErrImageNotFound) {
				missing = append(missing, string(sec.ID)+"/"+string(tile.Image))
				continue
			}
			if err != nil {
				return err
			}
			name := fmt.Sprintf("blocks/%s/%0*d-%s", safeName(string(sec.ID)), pad, tile.Index+1, filepath.Base(src))
			if err := addZipFromDisk(zw, name, src, fi.ModTime()); err != nil {
				return fmt.Errorf("zip add %s: %w", tile.Image, err)
			}
		}
	}
	if len(missing) > 0 {
		body := strings.Join(missing, "\n") + "\n"
		if err := addZipFile(zw, ArchiveMissing, []byte(body), now); err != nil {
			return fmt.Errorf("zip add missing list: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zip: %w", err)
	}
	return nil
}

func padWidth(n int) int {
	switch {
	case n >= 1000:
		return 4
	case n >= 100:
		return 3
	default:
		return 2
	}
}

// safeName keeps block identifiers usable as a single path element.
func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_" + s
	}
	return s
}

func addZipFile(zw *zip.Writer, name string, data []byte, mod time.Time) error {
	fh := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: mod}
	w, err := zw.CreateHeader(fh)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func addZipFromDisk(zw *zip.Writer, name, src string, mod time.Time) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	// images are already compressed
	fh := &zip.FileHeader{Name: name, Method: zip.Store, Modified: mod}
	w, err := zw.CreateHeader(fh)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
