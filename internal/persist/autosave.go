/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	applog "tileboard/internal/log"
)

// DefaultAutoSaveQueue bounds pending autosave writes.
const DefaultAutoSaveQueue = 4

// AutoSaver persists documents in the background after each mutation.
// Submit never blocks; when the queue is full the oldest pending document is
// dropped, since a newer one supersedes it.
type AutoSaver struct {
	adapter Adapter
	timeout time.Duration
	queue   chan []byte
	// onResult is called from the worker goroutine after each attempt.
	onResult func(err error)

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewAutoSaver starts the background worker. onResult may be nil.
func NewAutoSaver(a Adapter, timeout time.Duration, onResult func(error)) *AutoSaver {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	s := &AutoSaver{
		adapter:  a,
		timeout:  timeout,
		queue:    make(chan []byte, DefaultAutoSaveQueue),
		onResult: onResult,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Submit queues raw for persisting. It reports false after Close.
func (s *AutoSaver) Submit(raw []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.queue <- raw:
			return true
		default:
		}
		select {
		case <-s.queue:
			applog.WithComponent("autosave").Debug("dropped superseded document")
		default:
		}
	}
}

func (s *AutoSaver) run() {
	defer s.wg.Done()
	l := applog.WithOperation(applog.WithComponent("autosave"), "persist").With(slog.String("adapter", s.adapter.Name()))
	for raw := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.adapter.Persist(ctx, raw)
		cancel()
		if err != nil {
			l.Warn("autosave failed", slog.Any("err", err))
		} else {
			l.Debug("autosaved", slog.Int("bytes", len(raw)))
		}
		if s.onResult != nil {
			s.onResult(err)
		}
	}
}

// Close stops accepting documents and waits until pending ones are written.
func (s *AutoSaver) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
