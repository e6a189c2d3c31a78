/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package session owns one running board: the block store, the resolver,
// the persistence adapter and the undo history. Every command runs under
// one lock, so commands apply strictly one after another, and each returns
// the freshly projected display tree with a user-facing status line.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tileboard/internal/board"
	"tileboard/internal/domain"
	applog "tileboard/internal/log"
	"tileboard/internal/persist"
	"tileboard/internal/render"
	"tileboard/internal/resolve"
	"tileboard/internal/telemetry"
	"tileboard/internal/undo"
)

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

// Level grades a status message.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Status is the transient message shown after a command.
type Status struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Result is what every command hands back to the presentation layer.
type Result struct {
	Board   render.Tree `json:"board"`
	Status  Status      `json:"status"`
	Loaded  bool        `json:"loaded"`
	Source  string      `json:"source,omitempty"`
	CanUndo bool        `json:"can_undo"`
	CanRedo bool        `json:"can_redo"`
	// AutoSaveError carries the last background save failure, if any.
	AutoSaveError string `json:"autosave_error,omitempty"`
}

// Options configures a Session. Adapter is required.
type Options struct {
	Adapter  persist.Adapter
	Resolver *resolve.Resolver
	History  undo.Config
	// AutoSave persists in the background after every mutation.
	AutoSave    bool
	SaveTimeout time.Duration
	Telemetry   telemetry.Recorder
}

// Session serializes commands against one board.
type Session struct {
	mu       sync.Mutex
	store    *board.Store
	resolver *resolve.Resolver
	adapter  persist.Adapter
	history  *undo.History
	tel      telemetry.Recorder
	log      *slog.Logger
	source   string

	saver       *persist.AutoSaver
	autoSaveErr atomic.Pointer[string]
	now         func() time.Time
}

// New creates an unloaded session.
func New(opts Options) *Session {
	s := &Session{
		store:    board.New(),
		resolver: opts.Resolver,
		adapter:  opts.Adapter,
		history:  undo.NewHistory(opts.History),
		tel:      opts.Telemetry,
		log:      applog.WithComponent("session"),
		now:      time.Now,
	}
	if s.resolver == nil {
		s.resolver = resolve.New(nil)
	}
	if s.tel == nil {
		s.tel = telemetry.Nop{}
	}
	if opts.AutoSave && opts.Adapter != nil {
		s.saver = persist.NewAutoSaver(opts.Adapter, opts.SaveTimeout, s.autoSaved)
	}
	return s
}

// Close flushes pending background saves.
func (s *Session) Close() {
	if s.saver != nil {
		s.saver.Close()
	}
}

// Resolver returns the resolver used for tile paths.
func (s *Session) Resolver() *resolve.Resolver { return s.resolver }

// Adapter returns the persistence adapter.
func (s *Session) Adapter() persist.Adapter { return s.adapter }

func (s *Session) autoSaved(err error) {
	if err == nil {
		s.autoSaveErr.Store(nil)
		return
	}
	msg := err.Error()
	s.autoSaveErr.Store(&msg)
}

// Load fetches the document from the configured source and replaces the
// board. A failed load leaves the current board untouched.
func (s *Session) Load(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := applog.WithOperation(s.log, "load").With(slog.String("adapter", s.adapter.Name()))

	fetched, err := s.fetch(ctx)
	if err != nil {
		l.Warn("load failed", slog.Any("err", err))
		s.tel.Event(telemetry.EventError, map[string]any{"op": "load", "kind": errorKind(err)})
		return s.resultLocked(LevelError, loadGuidance(err, s.adapter)), err
	}
	_, err = s.store.Load(fetched.Raw)
	if err != nil && fetched.Cause == nil {
		if fb, ok := s.adapter.(*persist.Fallback); ok && errors.Is(err, domain.ErrMalformedDocument) {
			// Passed the schema but not the stricter checks; use the secondary.
			raw, serr := fb.Secondary.FetchInitial(ctx)
			if serr == nil {
				fetched = persist.Fetched{Raw: raw, From: fb.Secondary.Name(), Cause: err}
				_, err = s.store.Load(raw)
			}
		}
	}
	if err != nil {
		l.Warn("document rejected", slog.Any("err", err))
		return s.resultLocked(LevelError, loadGuidance(err, s.adapter)), err
	}
	s.history.Clear()
	s.source = fetched.From
	blocks, images := s.store.Stats()
	s.tel.Event(telemetry.EventLoad, map[string]any{"source": fetched.From, "blocks": blocks, "images": images, "fallback": fetched.Cause != nil})
	if fetched.Cause != nil {
		l.Info("loaded fallback document", slog.String("from", fetched.From), slog.Any("cause", fetched.Cause))
		return s.resultLocked(LevelWarning, fmt.Sprintf("%s Showing the bundled demo board instead.", loadGuidance(fetched.Cause, s.adapter))), nil
	}
	l.Info("document loaded", slog.Int("blocks", blocks), slog.Int("images", images))
	return s.resultLocked(LevelSuccess, fmt.Sprintf("Loaded %d blocks with %d images from %s.", blocks, images, fetched.From)), nil
}

func (s *Session) fetch(ctx context.Context) (persist.Fetched, error) {
	if fb, ok := s.adapter.(*persist.Fallback); ok {
		return fb.Fetch(ctx)
	}
	raw, err := s.adapter.FetchInitial(ctx)
	if err != nil {
		return persist.Fetched{}, err
	}
	return persist.Fetched{Raw: raw, From: s.adapter.Name()}, nil
}

// LoadRaw replaces the board with a document supplied by the user, e.g. an
// uploaded file. source names it in status messages.
func (s *Session) LoadRaw(raw []byte, source string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if source == "" {
		source = "upload"
	}
	if _, err := s.store.Load(raw); err != nil {
		s.log.Warn("uploaded document rejected", slog.String("source", source), slog.Any("err", err))
		return s.resultLocked(LevelError, fmt.Sprintf("%s could not be loaded: %v", source, err)), err
	}
	s.history.Clear()
	s.source = source
	blocks, images := s.store.Stats()
	s.tel.Event(telemetry.EventLoad, map[string]any{"source": "upload", "blocks": blocks, "images": images})
	return s.resultLocked(LevelSuccess, fmt.Sprintf("Loaded %d blocks with %d images from %s.", blocks, images, source)), nil
}

// Save persists the current document through the adapter. A failed save
// keeps the board as it is.
func (s *Session) Save(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := applog.WithOperation(s.log, "save").With(slog.String("adapter", s.adapter.Name()))
	raw, err := s.store.Serialize()
	if err != nil {
		return s.resultLocked(LevelError, describe(err)), err
	}
	if err := s.adapter.Persist(ctx, raw); err != nil {
		if !errors.Is(err, domain.ErrPersistFailure) {
			err = fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
		}
		l.Error("save failed", slog.Any("err", err))
		s.tel.Event(telemetry.EventSave, map[string]any{"ok": false})
		return s.resultLocked(LevelError, describe(err)), err
	}
	s.autoSaveErr.Store(nil)
	l.Info("document saved", slog.Int("bytes", len(raw)))
	s.tel.Event(telemetry.EventSave, map[string]any{"ok": true})
	return s.resultLocked(LevelSuccess, fmt.Sprintf("Saved to %s.", s.adapter.Name())), nil
}

// Reset restores the board as it was loaded. It can be undone.
func (s *Session) Reset() (Result, error) {
	return s.mutate("reset", func(st *board.Store) (string, error) {
		if err := st.Reset(); err != nil {
			return "", err
		}
		s.tel.Event(telemetry.EventReset, nil)
		return "Board reset to the loaded document.", nil
	})
}

// Move relocates the image at srcIndex of srcBlock to dstIndex of dstBlock.
func (s *Session) Move(srcBlock domain.BlockID, srcIndex int, dstBlock domain.BlockID, dstIndex int) (Result, error) {
	return s.mutate("move", func(st *board.Store) (string, error) {
		if err := st.Move(srcBlock, srcIndex, dstBlock, dstIndex); err != nil {
			return "", err
		}
		s.tel.Event(telemetry.EventMove, map[string]any{"cross_block": srcBlock != dstBlock})
		if srcBlock == dstBlock {
			return fmt.Sprintf("Reordered block %s.", srcBlock), nil
		}
		return fmt.Sprintf("Moved tile from block %s to block %s.", srcBlock, dstBlock), nil
	})
}

// MoveImage relocates image, wherever it is, to dstIndex of dstBlock.
func (s *Session) MoveImage(image domain.ImageID, dstBlock domain.BlockID, dstIndex int) (Result, error) {
	return s.mutate("move", func(st *board.Store) (string, error) {
		if err := st.MoveImage(image, dstBlock, dstIndex); err != nil {
			return "", err
		}
		s.tel.Event(telemetry.EventMove, nil)
		return fmt.Sprintf("Moved %s to block %s.", image, dstBlock), nil
	})
}

// Add appends image to block.
func (s *Session) Add(block domain.BlockID, image domain.ImageID) (Result, error) {
	return s.mutate("add", func(st *board.Store) (string, error) {
		if err := st.AddImage(block, image); err != nil {
			return "", err
		}
		return fmt.Sprintf("Added %s to block %s.", image, block), nil
	})
}

// Remove deletes image from block.
func (s *Session) Remove(block domain.BlockID, image domain.ImageID) (Result, error) {
	return s.mutate("remove", func(st *board.Store) (string, error) {
		if err := st.RemoveImage(block, image); err != nil {
			return "", err
		}
		return fmt.Sprintf("Removed %s from block %s.", image, block), nil
	})
}

// Undo restores the state before the last mutation.
func (s *Session) Undo() (Result, error) {
	return s.travel(ErrNothingToUndo, s.history.Undo, "Undid %s.")
}

// Redo re-applies the last undone mutation.
func (s *Session) Redo() (Result, error) {
	return s.travel(ErrNothingToRedo, s.history.Redo, "Redid %s.")
}

func (s *Session) travel(empty error, step func(domain.Collection) (undo.Entry, bool), format string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.store.Loaded() {
		return s.resultLocked(LevelError, describe(domain.ErrNotLoaded)), domain.ErrNotLoaded
	}
	e, ok := step(s.store.Collection())
	if !ok {
		return s.resultLocked(LevelInfo, describe(empty)), empty
	}
	if err := s.store.Replace(e.State); err != nil {
		return s.resultLocked(LevelError, describe(err)), err
	}
	s.autoSaveLocked()
	return s.resultLocked(LevelSuccess, fmt.Sprintf(format, e.Label)), nil
}

// mutate runs apply under the lock, records the prior state for undo when
// the board changed, schedules an autosave and projects the result.
// A failing apply leaves the board untouched.
func (s *Session) mutate(label string, apply func(*board.Store) (string, error)) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.store.Loaded() {
		return s.resultLocked(LevelError, describe(domain.ErrNotLoaded)), domain.ErrNotLoaded
	}
	before := s.store.Collection()
	msg, err := apply(s.store)
	if err != nil {
		applog.WithOperation(s.log, label).Info("command rejected", slog.Any("err", err))
		return s.resultLocked(LevelError, describe(err)), err
	}
	if before.Equal(s.store.Collection()) {
		return s.resultLocked(LevelInfo, "Nothing changed."), nil
	}
	s.history.Record(label, before, s.now())
	s.autoSaveLocked()
	return s.resultLocked(LevelSuccess, msg), nil
}

func (s *Session) autoSaveLocked() {
	if s.saver == nil {
		return
	}
	raw, err := s.store.Serialize()
	if err != nil {
		return
	}
	s.saver.Submit(raw)
}

// Tree returns the current projection without changing anything.
func (s *Session) Tree() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.store.Loaded() {
		return s.resultLocked(LevelInfo, "No board loaded yet.")
	}
	return s.resultLocked(LevelInfo, "")
}

// Document returns the serialized live document.
func (s *Session) Document() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Serialize()
}

// Collection returns a copy of the live collection.
func (s *Session) Collection() (domain.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.store.Loaded() {
		return domain.Collection{}, domain.ErrNotLoaded
	}
	return s.store.Collection(), nil
}

func (s *Session) resultLocked(level Level, msg string) Result {
	r := Result{Status: Status{Level: level, Message: msg}, Loaded: s.store.Loaded(), Source: s.source}
	if r.Loaded {
		r.Board = render.Project(s.store.Collection(), s.resolver)
	} else {
		r.Board = render.Tree{Blocks: []render.Section{}}
	}
	u, rd := s.history.Depths()
	r.CanUndo, r.CanRedo = u > 0, rd > 0
	if p := s.autoSaveErr.Load(); p != nil {
		r.AutoSaveError = *p
	}
	return r
}
