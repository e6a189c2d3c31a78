/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCollectionKeepsKeyOrder(t *testing.T) {
	raw := `{"10":["a"],"2":["b","c"],"x":[]}`
	var c Collection
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff([]BlockID{"10", "2", "x"}, c.Order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	out, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != raw {
		t.Fatalf("round trip = %s, want %s", out, raw)
	}
}

func TestCollectionUnmarshalRejectsBadShapes(t *testing.T) {
	for _, raw := range []string{
		`[]`,
		`"str"`,
		`{"1": "a"}`,
		`{"1": [1, 2]}`,
		`{"1": null}`,
		`{"1": ["a"], "1": ["b"]}`,
		`{"1": ["a"]} {}`,
	} {
		var c Collection
		err := c.UnmarshalJSON([]byte(raw))
		if !errors.Is(err, ErrMalformedDocument) {
			t.Fatalf("UnmarshalJSON(%s) err = %v, want ErrMalformedDocument", raw, err)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	c := NewCollection()
	c.Set("1", []ImageID{"a", "b"})
	cp := c.Clone()
	cp.Blocks["1"][0] = "z"
	cp.Set("2", []ImageID{"q"})
	if c.Blocks["1"][0] != "a" {
		t.Fatalf("clone shares slice with original")
	}
	if c.Has("2") || len(c.Order) != 1 {
		t.Fatalf("clone shares map or order with original")
	}
	if c.Equal(cp) {
		t.Fatalf("Equal should report the difference")
	}
}

func TestTotalAndFind(t *testing.T) {
	c := NewCollection()
	c.Set("1", []ImageID{"a", "b"})
	c.Set("2", []ImageID{"c"})
	if c.Total() != 3 || c.Len() != 2 {
		t.Fatalf("Total=%d Len=%d", c.Total(), c.Len())
	}
	b, i, ok := c.Find("c")
	if !ok || b != "2" || i != 0 {
		t.Fatalf("Find(c) = %q %d %v", b, i, ok)
	}
	if _, _, ok := c.Find("nope"); ok {
		t.Fatalf("Find(nope) should miss")
	}
}
