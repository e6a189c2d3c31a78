/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package render derives the display tree of a board from its collection.
// Project is pure and rebuilds the whole tree on every call.
package render

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"tileboard/internal/domain"
)

// PathResolver resolves an image identifier to a displayable path.
type PathResolver interface {
	Resolve(id domain.ImageID) string
}

// Tile is one image within a section.
type Tile struct {
	Image domain.ImageID `json:"image"`
	Path  string         `json:"path"`
	Index int            `json:"index"`
	Label string         `json:"label"`
}

// Section is one block of the board.
type Section struct {
	ID    domain.BlockID `json:"id"`
	Title string         `json:"title"`
	Count int            `json:"count"`
	Tiles []Tile         `json:"tiles"`
}

// Tree is the full display tree.
type Tree struct {
	Blocks []Section `json:"blocks"`
	Total  int       `json:"total"`
}

// Project builds the display tree of c. Sections are sorted by the numeric
// value of their identifier; non-numeric identifiers follow in string order.
func Project(c domain.Collection, r PathResolver) Tree {
	keys := SortedKeys(c)
	tree := Tree{Blocks: make([]Section, 0, len(keys))}
	for _, id := range keys {
		imgs := c.Blocks[id]
		sec := Section{
			ID:    id,
			Title: string(id),
			Count: len(imgs),
			Tiles: make([]Tile, len(imgs)),
		}
		for i, img := range imgs {
			sec.Tiles[i] = Tile{Image: img, Path: r.Resolve(img), Index: i, Label: Label(img)}
		}
		tree.Blocks = append(tree.Blocks, sec)
		tree.Total += len(imgs)
	}
	return tree
}

// SortedKeys returns the block identifiers of c in display order.
func SortedKeys(c domain.Collection) []domain.BlockID {
	keys := make([]domain.BlockID, 0, len(c.Blocks))
	for id := range c.Blocks {
		keys = append(keys, id)
	}
	sort.SliceStable(keys, func(i, j int) bool { return Less(keys[i], keys[j]) })
	return keys
}

// Less orders block identifiers numerically where possible.
func Less(a, b domain.BlockID) bool {
	na, aok := numeric(a)
	nb, bok := numeric(b)
	switch {
	case aok && bok:
		if na != nb {
			return na < nb
		}
		return a < b
	case aok:
		return true
	case bok:
		return false
	default:
		return a < b
	}
}

func numeric(id domain.BlockID) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(string(id)), 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// Label is the short caption under a tile: the trailing digits of the
// identifier ("image115" -> "115"), or the whole identifier when it has none.
func Label(id domain.ImageID) string {
	s := string(id)
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == len(s) {
		return s
	}
	return s[i:]
}

// Find returns the section with the given identifier.
func (t Tree) Find(id domain.BlockID) (Section, bool) {
	for _, s := range t.Blocks {
		if s.ID == id {
			return s, true
		}
	}
	return Section{}, false
}
