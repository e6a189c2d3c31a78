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
	"errors"
	"sync"
	"testing"
	"time"

	"tileboard/internal/config"
	"tileboard/internal/domain"
)

type memAdapter struct {
	mu       sync.Mutex
	doc      []byte
	fetchErr error
	saveErr  error
	saves    [][]byte
	gate     chan struct{}
}

func (m *memAdapter) Name() string { return "mem" }

func (m *memAdapter) FetchInitial(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.doc, nil
}

func (m *memAdapter) Persist(_ context.Context, raw []byte) error {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, raw)
	return m.saveErr
}

func (m *memAdapter) saved() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.saves...)
}

func TestFallbackUsesSecondaryOnNotFound(t *testing.T) {
	primary := &memAdapter{fetchErr: domain.ErrNotFound}
	fb := NewFallback(primary, Embedded())
	res, err := fb.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.From != "embedded" || !errors.Is(res.Cause, domain.ErrNotFound) {
		t.Fatalf("unexpected result: from=%s cause=%v", res.From, res.Cause)
	}
	if string(res.Raw) != string(DemoDocument()) {
		t.Fatalf("fallback should serve the demo document")
	}
}

func TestFallbackUsesSecondaryOnMalformed(t *testing.T) {
	primary := &memAdapter{doc: []byte(`{"1": "nope"}`)}
	res, err := NewFallback(primary, Embedded()).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !errors.Is(res.Cause, domain.ErrMalformedDocument) {
		t.Fatalf("cause = %v, want ErrMalformedDocument", res.Cause)
	}
}

func TestFallbackKeepsPrimaryWhenUsable(t *testing.T) {
	primary := &memAdapter{doc: []byte(docA)}
	fb := NewFallback(primary, Embedded())
	raw, err := fb.FetchInitial(context.Background())
	if err != nil || string(raw) != docA {
		t.Fatalf("FetchInitial = %s, %v", raw, err)
	}
	if err := fb.Persist(context.Background(), []byte(docB)); err != nil {
		t.Fatal(err)
	}
	if got := primary.saved(); len(got) != 1 || string(got[0]) != docB {
		t.Fatalf("persist did not reach primary: %q", got)
	}
}

func TestFallbackPropagatesOtherErrors(t *testing.T) {
	boom := errors.New("disk on fire")
	_, err := NewFallback(&memAdapter{fetchErr: boom}, Embedded()).Fetch(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestEmbeddedIsReadOnly(t *testing.T) {
	e := Embedded()
	raw, err := e.FetchInitial(context.Background())
	if err != nil || len(raw) == 0 {
		t.Fatalf("FetchInitial = %d bytes, %v", len(raw), err)
	}
	if err := e.Persist(context.Background(), raw); !errors.Is(err, domain.ErrPersistFailure) {
		t.Fatalf("Persist err = %v, want ErrPersistFailure", err)
	}
}

func TestAutoSaverPersistsAndReports(t *testing.T) {
	m := &memAdapter{}
	results := make(chan error, 4)
	s := NewAutoSaver(m, time.Second, func(err error) { results <- err })
	if !s.Submit([]byte(docA)) {
		t.Fatalf("Submit refused")
	}
	select {
	case err := <-results:
		if err != nil {
			t.Fatalf("autosave err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("autosave did not run")
	}
	s.Close()
	if s.Submit([]byte(docB)) {
		t.Fatalf("Submit after Close should be refused")
	}
	if got := m.saved(); len(got) != 1 || string(got[0]) != docA {
		t.Fatalf("saves = %q", got)
	}
}

func TestAutoSaverNeverBlocksAndKeepsNewest(t *testing.T) {
	m := &memAdapter{gate: make(chan struct{})}
	s := NewAutoSaver(m, time.Second, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			s.Submit([]byte{byte('0' + i%10)})
		}
		s.Submit([]byte("last"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Submit blocked while the adapter was stalled")
	}
	close(m.gate)
	s.Close()
	got := m.saved()
	if len(got) == 0 || string(got[len(got)-1]) != "last" {
		t.Fatalf("newest document not persisted last: %q", got)
	}
	if len(got) > DefaultAutoSaveQueue+1 {
		t.Fatalf("queue not bounded: %d saves", len(got))
	}
}

func TestAutoSaverReportsFailure(t *testing.T) {
	m := &memAdapter{saveErr: domain.ErrPersistFailure}
	results := make(chan error, 1)
	s := NewAutoSaver(m, time.Second, func(err error) { results <- err })
	defer s.Close()
	s.Submit([]byte(docA))
	select {
	case err := <-results:
		if !errors.Is(err, domain.ErrPersistFailure) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no result")
	}
}

func TestNewSelectsAdapter(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cases := []struct {
		cfg  config.SourceConfig
		want string
	}{
		{config.SourceConfig{Kind: config.SourceEmbedded}, "embedded"},
		{config.SourceConfig{Kind: config.SourceFile, Dir: dir}, "file"},
		{config.SourceConfig{Kind: config.SourceFile, Dir: dir, Fallback: true}, "file"},
		{config.SourceConfig{Kind: config.SourceHTTP, URL: "http://127.0.0.1:1/doc.json"}, "http"},
		{config.SourceConfig{Kind: config.SourceSQLite, SQLitePath: dir + "/db.sqlite"}, "sqlite"},
	}
	for _, tc := range cases {
		a, err := New(ctx, tc.cfg, "")
		if err != nil {
			t.Fatalf("New(%s): %v", tc.cfg.Kind, err)
		}
		if a.Name() != tc.want {
			t.Fatalf("New(%s).Name() = %s", tc.cfg.Kind, a.Name())
		}
		if _, wrapped := a.(*Fallback); wrapped != tc.cfg.Fallback {
			t.Fatalf("New(%s) fallback wrapping = %v", tc.cfg.Kind, wrapped)
		}
		_ = Close(a)
	}
	if _, err := New(ctx, config.SourceConfig{Kind: "carrier-pigeon"}, ""); err == nil {
		t.Fatalf("unknown kind should fail")
	}
}
