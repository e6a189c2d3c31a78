/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package watch keeps the extension table and the thumbnail cache in step
// with the images directory.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tileboard/internal/domain"
	applog "tileboard/internal/log"
	"tileboard/internal/resolve"
)

// DefaultDebounce is how long a path must stay quiet before it is processed.
const DefaultDebounce = 300 * time.Millisecond

// Invalidator drops derived data for an image. *thumbs.Service implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, id domain.ImageID)
}

// Stats counts watcher activity.
type Stats struct {
	Events      int
	Rescans     int
	Invalidated int
	Errors      int
	LastEvent   time.Time
	LastPath    string
}

// Watcher rescans the images directory after files settle.
type Watcher struct {
	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	dir      string
	resolver *resolve.Resolver
	inv      Invalidator
	debounce time.Duration
	pending  map[string]time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	stats    Stats

	// OnRescan, when set, is called with every freshly scanned table.
	OnRescan func(resolve.Table)
}

// New creates a watcher for dir. inv may be nil.
func New(dir string, r *resolve.Resolver, inv Invalidator) (*Watcher, error) {
	if r == nil {
		return nil, errors.New("watch: resolver is required")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsw:      fsw,
		dir:      dir,
		resolver: r,
		inv:      inv,
		debounce: DefaultDebounce,
		pending:  map[string]time.Time{},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// SetDebounce changes the quiet period. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if d > 0 {
		w.debounce = d
	}
}

// Start begins watching. It does not block. Starting twice is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	if err := w.fsw.Add(w.dir); err != nil {
		w.mu.Unlock()
		return err
	}
	w.running = true
	w.mu.Unlock()
	applog.WithComponent("watch").Info("watching images", slog.String("dir", w.dir))
	go w.run(ctx)
	return nil
}

// Stop ends the event loop, waits for it and releases the OS watcher.
// It is safe to call without Start and more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	select {
	case <-w.stopCh:
		w.mu.Unlock()
		return
	default:
		close(w.stopCh)
	}
	w.mu.Unlock()
	if wasRunning {
		<-w.doneCh
	}
	if err := w.fsw.Close(); err != nil {
		applog.WithComponent("watch").Warn("close watcher", slog.Any("err", err))
	}
}

// Stats returns a copy of the activity counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Rescan rebuilds the extension table from the directory and swaps it into
// the resolver.
func (w *Watcher) Rescan() (resolve.Table, error) {
	t, err := resolve.ScanDir(w.dir)
	if err != nil {
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return nil, err
	}
	w.resolver.Replace(t)
	w.mu.Lock()
	w.stats.Rescans++
	cb := w.OnRescan
	w.mu.Unlock()
	if cb != nil {
		cb(t)
	}
	return t, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	tick := time.NewTicker(w.tickInterval())
	defer tick.Stop()
	lg := applog.WithComponent("watch")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			lg.Warn("watch error", slog.Any("err", err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-tick.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) tickInterval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	d := w.debounce / 3
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	if _, _, ok := resolve.SplitAsset(filepath.Base(ev.Name)); !ok {
		return
	}
	now := time.Now()
	w.mu.Lock()
	w.pending[ev.Name] = now
	w.stats.Events++
	w.stats.LastEvent = now
	w.stats.LastPath = ev.Name
	w.mu.Unlock()
}

// flush processes paths that have been quiet for the debounce period:
// thumbnails of the affected images are dropped and the table is rebuilt once.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for p, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			settled = append(settled, p)
			delete(w.pending, p)
		}
	}
	w.mu.Unlock()
	if len(settled) == 0 {
		return
	}
	sort.Strings(settled)
	seen := map[domain.ImageID]bool{}
	for _, p := range settled {
		id, _, _ := resolve.SplitAsset(filepath.Base(p))
		if seen[id] {
			continue
		}
		seen[id] = true
		if w.inv != nil {
			w.inv.Invalidate(ctx, id)
		}
	}
	w.mu.Lock()
	w.stats.Invalidated += len(seen)
	w.mu.Unlock()
	if _, err := w.Rescan(); err != nil {
		applog.WithComponent("watch").Warn("rescan failed", slog.Any("err", err))
		return
	}
	applog.WithComponent("watch").Debug("images rescanned", slog.Int("changed", len(seen)), slog.Int("known", w.resolver.Len()))
}
