/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package crash turns a top-level panic into a report file and an emergency
// copy of the board document, then exits non-zero.
package crash

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	applog "tileboard/internal/log"
	"tileboard/internal/persist"
	"tileboard/internal/version"
)

// exitFn is used to allow testing of Recover without terminating the test process.
var exitFn = os.Exit

// Uploader receives the serialized report; *telemetry.Client implements it.
type Uploader interface {
	UploadCrash(report []byte)
}

// Target describes what to save when the process crashes. All fields are optional.
type Target struct {
	// Dir is the workspace; reports and the autosave go to Dir/backups.
	Dir string
	// Document returns the current board document.
	Document func() ([]byte, error)
	Uploader Uploader
}

// Recover captures a panic, logs it with a stacktrace, writes a report file
// and autosaves the current document when one is available.
//
// Usage: defer crash.Recover(target)
func Recover(t *Target) {
	r := recover()
	if r == nil {
		return
	}
	l := applog.WithComponent("crash")
	stack := debug.Stack()
	l.Error("panic recovered", slog.Any("panic", r), slog.String("stack", string(stack)))

	reportPath, report, err := writeReport(t, r, stack)
	if err != nil {
		l.Error("write crash report failed", slog.Any("err", err))
	}
	if path, err := autosave(t); err != nil {
		l.Error("autosave crash snapshot failed", slog.Any("err", err))
	} else if path != "" {
		l.Info("autosave crash snapshot written", slog.String("path", path))
	}
	if t != nil && t.Uploader != nil {
		t.Uploader.UploadCrash(report)
	}

	if _, err := fmt.Fprintf(os.Stderr, "A fatal error occurred. A crash report was saved to: %s\n", reportPath); err != nil {
		l.Error("failed to write crash message to stderr", slog.Any("err", err))
	}
	if _, err := fmt.Fprintf(os.Stderr, "Version: %s\nOS/Arch: %s/%s\n", version.String(), runtime.GOOS, runtime.GOARCH); err != nil {
		l.Error("failed to write version info to stderr", slog.Any("err", err))
	}
	// Exit with a non-zero code to indicate failure in CLI context.
	exitFn(2)
}

func reportDir(t *Target) string {
	if t == nil || t.Dir == "" {
		return os.TempDir()
	}
	dir := filepath.Join(t.Dir, persist.BackupsDirName)
	_ = os.MkdirAll(dir, 0o755)
	return dir
}

func writeReport(t *Target, panicVal any, stack []byte) (string, []byte, error) {
	path := filepath.Join(reportDir(t), fmt.Sprintf("crash-%s.log", time.Now().Format("20060102-150405")))

	var buf bytes.Buffer
	_, _ = fmt.Fprintf(&buf, "tileboard crash report\n")
	_, _ = fmt.Fprintf(&buf, "Timestamp: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(&buf, "Version: %s\n", version.String())
	_, _ = fmt.Fprintf(&buf, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	if t != nil && t.Dir != "" {
		_, _ = fmt.Fprintf(&buf, "Workspace: %s\n", t.Dir)
	}
	_, _ = fmt.Fprintf(&buf, "\nPanic: %v\n\n", panicVal)
	_, _ = fmt.Fprintf(&buf, "Stack:\n%s\n", string(stack))

	if err := persist.WriteAtomic(path, buf.Bytes()); err != nil {
		return path, buf.Bytes(), err
	}
	return path, buf.Bytes(), nil
}

// autosave writes the current document next to the report. It never
// overwrites index_updated.json, so a half-applied state cannot replace the
// last good save.
func autosave(t *Target) (string, error) {
	if t == nil || t.Document == nil || t.Dir == "" {
		return "", nil
	}
	raw, err := t.Document()
	if err != nil {
		return "", err
	}
	path := filepath.Join(reportDir(t), fmt.Sprintf("crash-autosave-%s.json", time.Now().Format("20060102-150405")))
	return path, persist.WriteAtomic(path, raw)
}
