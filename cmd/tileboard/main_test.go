/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"

	"tileboard/internal/persist"
	"tileboard/internal/resolve"
)

func workspace(t *testing.T) string {
	t.Helper()
	keyring.MockInit()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	doc := `{"1":["a","b"],"2":["c"]}`
	if err := os.WriteFile(filepath.Join(dir, persist.OriginalFileName), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestMoveCommandSaves(t *testing.T) {
	dir := workspace(t)
	if code := run([]string{"tileboard", "move", dir, "1", "0", "2", "1"}); code != 0 {
		t.Fatalf("move exit = %d", code)
	}
	saved, err := os.ReadFile(filepath.Join(dir, persist.UpdatedFileName))
	if err != nil {
		t.Fatalf("updated document missing: %v", err)
	}
	compact := strings.Join(strings.Fields(string(saved)), "")
	if compact != `{"1":["b"],"2":["c","a"]}` {
		t.Fatalf("saved = %s", compact)
	}

	if code := run([]string{"tileboard", "reset", dir}); code != 0 {
		t.Fatalf("reset exit = %d", code)
	}
	saved, _ = os.ReadFile(filepath.Join(dir, persist.UpdatedFileName))
	if compact := strings.Join(strings.Fields(string(saved)), ""); compact != `{"1":["a","b"],"2":["c"]}` {
		t.Fatalf("after reset = %s", compact)
	}
}

func TestRejectedMoveLeavesFilesAlone(t *testing.T) {
	dir := workspace(t)
	if code := run([]string{"tileboard", "move", dir, "1", "5", "2", "0"}); code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if _, err := os.Stat(filepath.Join(dir, persist.UpdatedFileName)); !os.IsNotExist(err) {
		t.Fatalf("nothing should have been saved: %v", err)
	}
	if code := run([]string{"tileboard", "move", dir, "1", "x", "2", "0"}); code != 2 {
		t.Fatalf("non-numeric index exit = %d, want 2", code)
	}
}

func TestMutationsNeverSaveTheDemoBoard(t *testing.T) {
	dir := workspace(t)
	if err := os.WriteFile(filepath.Join(dir, persist.OriginalFileName), []byte(`{"1":["a","b"],}`), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{
		{"tileboard", "move", dir, "2", "0", "3", "0"},
		{"tileboard", "add", dir, "1", "z"},
		{"tileboard", "remove", dir, "1", "a"},
	} {
		if code := run(args); code != 1 {
			t.Fatalf("%s exit = %d, want 1", args[1], code)
		}
	}
	if err := os.Remove(filepath.Join(dir, persist.OriginalFileName)); err != nil {
		t.Fatal(err)
	}
	if code := run([]string{"tileboard", "move", dir, "1", "0", "1", "0"}); code != 1 {
		t.Fatalf("move without document exit = %d, want 1", code)
	}
	if _, err := os.Stat(filepath.Join(dir, persist.UpdatedFileName)); !os.IsNotExist(err) {
		t.Fatalf("nothing should have been saved: %v", err)
	}
}

func TestScanValidateAndExport(t *testing.T) {
	dir := workspace(t)
	images := filepath.Join(dir, resolve.AssetDir)
	if err := os.MkdirAll(images, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, n := range []string{"a.png", "c.jpg"} {
		if err := os.WriteFile(filepath.Join(images, n), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if code := run([]string{"tileboard", "scan", dir}); code != 0 {
		t.Fatalf("scan exit = %d", code)
	}
	tbl, err := resolve.ReadTable(filepath.Join(dir, resolve.TableFileName))
	if err != nil || tbl["a"] != resolve.ExtPNG || tbl["c"] != resolve.ExtJPG {
		t.Fatalf("table = %v, %v", tbl, err)
	}

	if code := run([]string{"tileboard", "validate", filepath.Join(dir, persist.OriginalFileName)}); code != 0 {
		t.Fatalf("validate exit = %d", code)
	}
	bad := filepath.Join(dir, "bad.json")
	_ = os.WriteFile(bad, []byte(`{"1":["a"],"2":["a"]}`), 0o644)
	if code := run([]string{"tileboard", "validate", bad}); code != 1 {
		t.Fatalf("validate duplicate exit = %d, want 1", code)
	}

	out := filepath.Join(dir, "out", "board.zip")
	if code := run([]string{"tileboard", "export", dir, out}); code != 0 {
		t.Fatalf("export exit = %d", code)
	}
	if fi, err := os.Stat(out); err != nil || fi.Size() == 0 {
		t.Fatalf("export output: %v", err)
	}
	if code := run([]string{"tileboard", "export", dir, filepath.Join(dir, "board.txt")}); code != 1 {
		t.Fatalf("export with unknown format exit = %d, want 1", code)
	}
}

func TestUnknownCommand(t *testing.T) {
	workspace(t)
	if code := run([]string{"tileboard", "frobnicate"}); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if code := run([]string{"tileboard", "version"}); code != 0 {
		t.Fatalf("version exit = %d", code)
	}
}
