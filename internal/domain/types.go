/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package domain

// This file defines the core data model shared by the board, the projection
// and the persistence adapters.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// BlockID names a block. Conventionally an integer in string form.
type BlockID string

// ImageID is an opaque image token, unique within a document.
type ImageID string

// Collection maps block identifiers to ordered image sequences.
// Order records the block key order of the document it was parsed from;
// it is what serialization follows. Display order is decided elsewhere.
type Collection struct {
	Order  []BlockID
	Blocks map[BlockID][]ImageID
}

// NewCollection returns an empty collection ready for use.
func NewCollection() Collection {
	return Collection{Blocks: map[BlockID][]ImageID{}}
}

// Set adds or replaces a block, appending its key to Order when new.
func (c *Collection) Set(id BlockID, images []ImageID) {
	if c.Blocks == nil {
		c.Blocks = map[BlockID][]ImageID{}
	}
	if _, ok := c.Blocks[id]; !ok {
		c.Order = append(c.Order, id)
	}
	c.Blocks[id] = images
}

// Has reports whether the block exists.
func (c Collection) Has(id BlockID) bool {
	_, ok := c.Blocks[id]
	return ok
}

// Keys returns the block identifiers in document order.
func (c Collection) Keys() []BlockID { return append([]BlockID(nil), c.Order...) }

// Len returns the number of blocks.
func (c Collection) Len() int { return len(c.Order) }

// Total returns the number of image identifiers across all blocks.
func (c Collection) Total() int {
	n := 0
	for _, imgs := range c.Blocks {
		n += len(imgs)
	}
	return n
}

// Find returns the block and position holding image, if any.
func (c Collection) Find(image ImageID) (BlockID, int, bool) {
	for _, id := range c.Order {
		for i, img := range c.Blocks[id] {
			if img == image {
				return id, i, true
			}
		}
	}
	return "", -1, false
}

// Clone returns a deep copy sharing no slices or maps with c.
func (c Collection) Clone() Collection {
	out := Collection{
		Order:  append([]BlockID(nil), c.Order...),
		Blocks: make(map[BlockID][]ImageID, len(c.Blocks)),
	}
	for k, v := range c.Blocks {
		cp := make([]ImageID, len(v))
		copy(cp, v)
		out.Blocks[k] = cp
	}
	return out
}

// Equal reports whether both collections hold the same key order and image sequences.
func (c Collection) Equal(o Collection) bool {
	if len(c.Order) != len(o.Order) || len(c.Blocks) != len(o.Blocks) {
		return false
	}
	for i := range c.Order {
		if c.Order[i] != o.Order[i] {
			return false
		}
	}
	for k, v := range c.Blocks {
		w, ok := o.Blocks[k]
		if !ok || len(v) != len(w) {
			return false
		}
		for i := range v {
			if v[i] != w[i] {
				return false
			}
		}
	}
	return true
}

// MarshalJSON writes the collection as a JSON object following Order.
func (c Collection) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range c.Order {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(string(id))
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		imgs := c.Blocks[id]
		if imgs == nil {
			imgs = []ImageID{}
		}
		v, err := json.Marshal(imgs)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses a JSON object of string arrays, keeping key order.
// Structural problems are reported as ErrMalformedDocument.
func (c *Collection) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("%w: top-level value must be an object", ErrMalformedDocument)
	}
	out := NewCollection()
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}
		key, _ := kt.(string)
		var imgs []ImageID
		if err := dec.Decode(&imgs); err != nil || imgs == nil {
			return fmt.Errorf("%w: block %q: value must be an array of strings", ErrMalformedDocument, key)
		}
		if out.Has(BlockID(key)) {
			return fmt.Errorf("%w: block %q appears twice", ErrMalformedDocument, key)
		}
		out.Set(BlockID(key), imgs)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data after document", ErrMalformedDocument)
	}
	*c = out
	return nil
}
