/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package board

import (
	"errors"
	"testing"

	"tileboard/internal/domain"

	"github.com/google/go-cmp/cmp"
)

func mustLoad(t *testing.T, raw string) *Store {
	t.Helper()
	s := New()
	if _, err := s.Load([]byte(raw)); err != nil {
		t.Fatalf("Load(%s) error: %v", raw, err)
	}
	return s
}

func blocks(s *Store) map[domain.BlockID][]domain.ImageID { return s.Collection().Blocks }

func TestLoadRejectsMalformed(t *testing.T) {
	for _, raw := range []string{`[]`, `null`, `{}`, ``, `   `, `{"1": "a"}`, `{"1": [1]}`, `{"1": ["a"], "2": ["a"]}`, `{not json`} {
		s := New()
		_, err := s.Load([]byte(raw))
		if !errors.Is(err, domain.ErrMalformedDocument) {
			t.Fatalf("Load(%q) err = %v, want ErrMalformedDocument", raw, err)
		}
		if s.Loaded() {
			t.Fatalf("Load(%q) should leave store unloaded", raw)
		}
	}
}

func TestLoadAcceptsSingleBlock(t *testing.T) {
	s := mustLoad(t, `{"1": ["a","b"]}`)
	nb, ni := s.Stats()
	if nb != 1 || ni != 2 {
		t.Fatalf("Stats() = %d blocks %d images, want 1 and 2", nb, ni)
	}
}

func TestLoadSerializeRoundTrip(t *testing.T) {
	raw := "{\n  \"3\": [\n    \"image205\",\n    \"image204\"\n  ],\n  \"2\": [\n    \"image115\"\n  ],\n  \"10\": []\n}\n"
	s := mustLoad(t, raw)
	out, err := s.Serialize()
	if err != nil {
		t.Fatalf("Serialize error: %v", err)
	}
	if diff := cmp.Diff(raw, string(out)); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSerializeBeforeLoad(t *testing.T) {
	if _, err := New().Serialize(); !errors.Is(err, domain.ErrNotLoaded) {
		t.Fatalf("Serialize err = %v, want ErrNotLoaded", err)
	}
}

func TestResetBeforeLoad(t *testing.T) {
	if err := New().Reset(); !errors.Is(err, domain.ErrNotLoaded) {
		t.Fatalf("Reset err = %v, want ErrNotLoaded", err)
	}
}

func TestResetRestoresSnapshotAndIsIdempotent(t *testing.T) {
	s := mustLoad(t, `{"1": ["a","b","c"], "2": ["d"]}`)
	want := s.Collection()

	if err := s.Move("1", 0, "2", 1); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if err := s.AddImage("2", "e"); err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	if err := s.RemoveImage("1", "c"); err != nil {
		t.Fatalf("RemoveImage: %v", err)
	}
	if s.Collection().Equal(want) {
		t.Fatalf("mutations had no effect")
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if diff := cmp.Diff(want, s.Collection()); diff != "" {
		t.Fatalf("after reset (-want +got):\n%s", diff)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("second Reset: %v", err)
	}
	if diff := cmp.Diff(want, s.Collection()); diff != "" {
		t.Fatalf("after second reset (-want +got):\n%s", diff)
	}
}

func TestSnapshotIndependentOfLive(t *testing.T) {
	s := mustLoad(t, `{"1": ["a","b"]}`)
	if err := s.Move("1", 0, "1", 5); err != nil {
		t.Fatalf("Move: %v", err)
	}
	snap := s.Snapshot()
	if diff := cmp.Diff([]domain.ImageID{"a", "b"}, snap.Blocks["1"]); diff != "" {
		t.Fatalf("snapshot observed live mutation:\n%s", diff)
	}
	// mutating a returned copy must not reach the store either
	c := s.Collection()
	c.Blocks["1"][0] = "zzz"
	if blocks(s)["1"][0] == "zzz" {
		t.Fatalf("Collection() leaked internal slice")
	}
}

func TestAddImage(t *testing.T) {
	s := mustLoad(t, `{"1": ["a"], "2": ["b"]}`)
	if err := s.AddImage("1", "c"); err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	if diff := cmp.Diff([]domain.ImageID{"a", "c"}, blocks(s)["1"]); diff != "" {
		t.Fatalf("block 1 (-want +got):\n%s", diff)
	}
}

func TestAddImageUnknownBlock(t *testing.T) {
	s := mustLoad(t, `{"1": ["a"]}`)
	before := s.Collection()
	err := s.AddImage("doesNotExist", "image1")
	if !errors.Is(err, domain.ErrUnknownBlock) {
		t.Fatalf("AddImage err = %v, want ErrUnknownBlock", err)
	}
	if diff := cmp.Diff(before, s.Collection()); diff != "" {
		t.Fatalf("collection changed (-want +got):\n%s", diff)
	}
}

func TestAddImageDuplicate(t *testing.T) {
	s := mustLoad(t, `{"1": ["a"], "2": []}`)
	if err := s.AddImage("2", "a"); !errors.Is(err, domain.ErrDuplicateImage) {
		t.Fatalf("AddImage err = %v, want ErrDuplicateImage", err)
	}
}

func TestRemoveImage(t *testing.T) {
	s := mustLoad(t, `{"1": ["a","b","c"]}`)
	if err := s.RemoveImage("1", "b"); err != nil {
		t.Fatalf("RemoveImage: %v", err)
	}
	if diff := cmp.Diff([]domain.ImageID{"a", "c"}, blocks(s)["1"]); diff != "" {
		t.Fatalf("block 1 (-want +got):\n%s", diff)
	}
	if err := s.RemoveImage("1", "b"); !errors.Is(err, domain.ErrImageNotFound) {
		t.Fatalf("second RemoveImage err = %v, want ErrImageNotFound", err)
	}
	if err := s.RemoveImage("9", "a"); !errors.Is(err, domain.ErrUnknownBlock) {
		t.Fatalf("RemoveImage unknown block err = %v", err)
	}
	if got := len(blocks(s)["1"]); got != 2 {
		t.Fatalf("failed removals changed the block: len %d", got)
	}
}

func TestReplaceKeepsSnapshot(t *testing.T) {
	s := mustLoad(t, `{"1": ["a","b"]}`)
	c := s.Collection()
	c.Blocks["1"] = []domain.ImageID{"b", "a"}
	if err := s.Replace(c); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if blocks(s)["1"][0] != "b" || s.Snapshot().Blocks["1"][0] != "a" {
		t.Fatalf("Replace touched the snapshot or did not apply")
	}
	if err := New().Replace(c); !errors.Is(err, domain.ErrNotLoaded) {
		t.Fatalf("Replace on empty store err = %v", err)
	}
}
