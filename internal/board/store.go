/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package board holds the live block collection, its load-time snapshot and
// the mutations users apply to it: reorder, add, remove and reset.
//
// A Store is not safe for concurrent use. The session package owns one Store
// per running board and serializes every command through it.
package board

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"tileboard/internal/domain"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed document.schema.json
var documentSchema []byte

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(documentSchema))
})

// Validate checks raw against the document schema: a non-empty object whose
// values are arrays of strings. Failures wrap domain.ErrMalformedDocument.
func Validate(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty input", domain.ErrMalformedDocument)
	}
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile document schema: %w", err)
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(trimmed))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedDocument, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", domain.ErrMalformedDocument, strings.Join(msgs, "; "))
	}
	return nil
}

// Parse validates raw and decodes it into a Collection, rejecting image
// identifiers that appear more than once in the document.
func Parse(raw []byte) (domain.Collection, error) {
	if err := Validate(raw); err != nil {
		return domain.Collection{}, err
	}
	var c domain.Collection
	if err := json.Unmarshal(raw, &c); err != nil {
		return domain.Collection{}, err
	}
	if err := checkUnique(c); err != nil {
		return domain.Collection{}, err
	}
	return c, nil
}

func checkUnique(c domain.Collection) error {
	seen := make(map[domain.ImageID]domain.BlockID, c.Total())
	for _, id := range c.Order {
		for _, img := range c.Blocks[id] {
			if prev, ok := seen[img]; ok {
				return fmt.Errorf("%w: image %q in block %q already placed in block %q", domain.ErrMalformedDocument, img, id, prev)
			}
			seen[img] = id
		}
	}
	return nil
}

// Store keeps the live collection and the snapshot taken at load time.
type Store struct {
	live     domain.Collection
	snapshot domain.Collection
	loaded   bool
}

// New returns an empty, unloaded store.
func New() *Store { return &Store{} }

// Load parses raw and makes it the live collection. The snapshot used by
// Reset is an independent deep copy.
func (s *Store) Load(raw []byte) (domain.Collection, error) {
	c, err := Parse(raw)
	if err != nil {
		return domain.Collection{}, err
	}
	s.install(c)
	return c.Clone(), nil
}

// LoadCollection installs an already parsed collection.
func (s *Store) LoadCollection(c domain.Collection) error {
	if c.Len() == 0 {
		return fmt.Errorf("%w: document has no blocks", domain.ErrMalformedDocument)
	}
	if err := checkUnique(c); err != nil {
		return err
	}
	s.install(c.Clone())
	return nil
}

func (s *Store) install(c domain.Collection) {
	s.live = c
	s.snapshot = c.Clone()
	s.loaded = true
}

// Loaded reports whether a document has been loaded.
func (s *Store) Loaded() bool { return s.loaded }

// Collection returns a copy of the live collection.
func (s *Store) Collection() domain.Collection { return s.live.Clone() }

// Snapshot returns a copy of the load-time snapshot.
func (s *Store) Snapshot() domain.Collection { return s.snapshot.Clone() }

// Replace swaps the live collection wholesale, keeping the snapshot.
// It is used to restore undo history states.
func (s *Store) Replace(c domain.Collection) error {
	if !s.loaded {
		return domain.ErrNotLoaded
	}
	s.live = c.Clone()
	return nil
}

// Reset restores the live collection to the load-time snapshot.
func (s *Store) Reset() error {
	if !s.loaded {
		return domain.ErrNotLoaded
	}
	s.live = s.snapshot.Clone()
	return nil
}

// Serialize renders the live collection as indented JSON. Block keys keep the
// order of the loaded document; numeric sorting is a display concern only.
func (s *Store) Serialize() ([]byte, error) {
	if !s.loaded {
		return nil, domain.ErrNotLoaded
	}
	return Encode(s.live)
}

// Encode renders a collection in the canonical persisted form.
func Encode(c domain.Collection) ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return append(data, '\n'), nil
}

// AddImage appends image to the end of block.
func (s *Store) AddImage(block domain.BlockID, image domain.ImageID) error {
	if !s.loaded {
		return domain.ErrNotLoaded
	}
	imgs, ok := s.live.Blocks[block]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownBlock, block)
	}
	if strings.TrimSpace(string(image)) == "" {
		return fmt.Errorf("%w: empty image identifier", domain.ErrMalformedDocument)
	}
	if at, _, found := s.live.Find(image); found {
		return fmt.Errorf("%w: %q is in block %q", domain.ErrDuplicateImage, image, at)
	}
	s.live.Blocks[block] = append(imgs, image)
	return nil
}

// RemoveImage removes the first occurrence of image from block.
// A missing image is reported as domain.ErrImageNotFound, not ignored.
func (s *Store) RemoveImage(block domain.BlockID, image domain.ImageID) error {
	if !s.loaded {
		return domain.ErrNotLoaded
	}
	imgs, ok := s.live.Blocks[block]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownBlock, block)
	}
	for i, img := range imgs {
		if img == image {
			s.live.Blocks[block] = append(imgs[:i:i], imgs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %q in block %q", domain.ErrImageNotFound, image, block)
}

// Stats returns the block and image counts of the live collection.
func (s *Store) Stats() (blocks int, images int) {
	return s.live.Len(), s.live.Total()
}
