/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package undo keeps a bounded undo/redo history of board states.
package undo

import (
	"sync"
	"time"

	"tileboard/internal/domain"
)

// Entry is one restorable board state. Label names the command that
// replaced it ("move", "add", ...).
type Entry struct {
	Label string
	State domain.Collection
	TS    time.Time
	size  int
}

// Config controls memory and depth caps and coalescing behavior.
type Config struct {
	// MaxBytes is a soft cap; older entries are pruned when exceeded.
	MaxBytes int
	// MaxDepth limits the number of undo entries kept (0 means unlimited).
	MaxDepth int
	// MinInterval coalesces entries with the same label recorded within the
	// interval: the earlier state is kept so one undo reverts the whole burst.
	// Zero disables coalescing.
	MinInterval time.Duration
}

// History is an undo/redo stack of collection states. It is safe for
// concurrent use.
type History struct {
	cfg Config
	mu  sync.Mutex
	// undo holds states to return to, newest last; redo the states undone.
	undo []Entry
	redo []Entry
	// accounting
	totalBytes int
}

// NewHistory returns an empty history.
func NewHistory(cfg Config) *History {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 16 * 1024 * 1024 // 16 MiB
	}
	return &History{cfg: cfg}
}

// Record stores before, the state a command is about to replace. Any new
// change invalidates the redo stack.
func (h *History) Record(label string, before domain.Collection, ts time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropRedoLocked()
	if n := len(h.undo); n > 0 && h.cfg.MinInterval > 0 {
		last := h.undo[n-1]
		if last.Label == label && ts.Sub(last.TS) < h.cfg.MinInterval {
			// Coalesce: keep the older state, extend the burst window.
			h.undo[n-1].TS = ts
			return
		}
	}
	e := Entry{Label: label, State: before.Clone(), TS: ts, size: estimate(before)}
	h.undo = append(h.undo, e)
	h.totalBytes += e.size
	h.enforceCapsLocked()
}

// Undo returns the state to restore and moves current onto the redo stack.
func (h *History) Undo(current domain.Collection) (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.undo) == 0 {
		return Entry{}, false
	}
	e := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	h.totalBytes -= e.size
	r := Entry{Label: e.Label, State: current.Clone(), TS: time.Now(), size: estimate(current)}
	h.redo = append(h.redo, r)
	h.totalBytes += r.size
	return e, true
}

// Redo returns the state undone last and moves current back onto the undo stack.
func (h *History) Redo(current domain.Collection) (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.redo) == 0 {
		return Entry{}, false
	}
	e := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	h.totalBytes -= e.size
	u := Entry{Label: e.Label, State: current.Clone(), TS: time.Now(), size: estimate(current)}
	h.undo = append(h.undo, u)
	h.totalBytes += u.size
	h.enforceCapsLocked()
	return e, true
}

// Clear drops all entries, e.g. after a fresh load.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.undo, h.redo = nil, nil
	h.totalBytes = 0
}

// Depths reports how many undo and redo steps are available.
func (h *History) Depths() (undo, redo int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.undo), len(h.redo)
}

// Stats returns current sizes for diagnostics.
func (h *History) Stats() (totalBytes int, entries int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totalBytes, len(h.undo) + len(h.redo)
}

func (h *History) dropRedoLocked() {
	for _, e := range h.redo {
		h.totalBytes -= e.size
	}
	h.redo = nil
}

func (h *History) enforceCapsLocked() {
	if h.cfg.MaxDepth > 0 && len(h.undo) > h.cfg.MaxDepth {
		// drop the oldest extras
		toDrop := len(h.undo) - h.cfg.MaxDepth
		for i := 0; i < toDrop; i++ {
			h.totalBytes -= h.undo[i].size
		}
		h.undo = append([]Entry{}, h.undo[toDrop:]...)
	}
	// Memory cap: prune oldest undo entries, always keeping the newest one.
	for h.totalBytes > h.cfg.MaxBytes && len(h.undo) > 1 {
		h.totalBytes -= h.undo[0].size
		h.undo = h.undo[1:]
	}
}

// estimate approximates the memory held by c's identifiers.
func estimate(c domain.Collection) int {
	n := 0
	for id, imgs := range c.Blocks {
		n += len(id)
		for _, img := range imgs {
			n += len(img)
		}
	}
	return n
}
