/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestClientEventAndUploadCrash(t *testing.T) {
	var mu sync.Mutex
	var events [][]byte
	var crashes [][]byte

	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		events = append(events, b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/crash", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		crashes = append(crashes, b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{OptIn: true, EventsURL: srv.URL + "/events", CrashURL: srv.URL + "/crash", Timeout: 2 * time.Second})
	defer c.Close()
	if !c.Enabled() {
		t.Fatalf("expected client to be enabled")
	}

	c.Event(EventMove, map[string]any{"cross_block": true})
	deadline := time.Now().Add(2 * time.Second)
	for {
		if sent, _ := c.Counts(); sent > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("event was not sent")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	first := events[0]
	mu.Unlock()
	var p payload
	if err := json.Unmarshal(first, &p); err != nil {
		t.Fatalf("bad event json: %v", err)
	}
	if p.Name != EventMove || p.TS == "" || p.Props["cross_block"] != true {
		t.Fatalf("unexpected payload: %+v", p)
	}

	c.UploadCrash([]byte("STACKTRACE"))
	mu.Lock()
	defer mu.Unlock()
	if len(crashes) != 1 || string(crashes[0]) != "STACKTRACE" {
		t.Fatalf("expected crash upload, got %q", crashes)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("TB_TELEMETRY_OPT_IN", "true")
	t.Setenv("TB_TELEMETRY_URL", "http://127.0.0.1:0")
	t.Setenv("TB_CRASH_UPLOAD_URL", "")
	t.Setenv("TB_TELEMETRY_TIMEOUT_MS", "100")

	cfg := FromEnv()
	if !cfg.OptIn || cfg.EventsURL == "" || cfg.Timeout != 100*time.Millisecond {
		t.Fatalf("FromEnv did not parse correctly: %+v", cfg)
	}
}

func TestDisabledAndEmptyEventName(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{OptIn: false, EventsURL: srv.URL + "/events", CrashURL: srv.URL + "/crash", Timeout: time.Second})
	defer c.Close()
	if c.Enabled() {
		t.Fatalf("expected disabled client")
	}
	c.Event("ignored", nil)
	c.UploadCrash([]byte("ignored"))

	c2 := New(Config{OptIn: true, EventsURL: srv.URL + "/events", Timeout: time.Second})
	defer c2.Close()
	c2.Event("", nil)
	c2.Flush(nil)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("expected no requests, got %d", hits)
	}
}

func TestSendErrorsAreCountedAsDropped(t *testing.T) {
	c := New(Config{
		OptIn:        true,
		EventsURL:    "http://127.0.0.1:1/events",
		CrashURL:     "http://127.0.0.1:1/crash",
		Timeout:      50 * time.Millisecond,
		DebugLogging: true,
	})
	defer c.Close()
	c.Event(EventError, map[string]any{"kind": "persist"})
	c.Flush(context.Background())
	c.UploadCrash([]byte("oops"))
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, dropped := c.Counts(); dropped > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("failed send was not counted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.Event(EventLoad, nil)
	r = New(Config{})
	r.Event(EventLoad, nil)
	r.(*Client).Close()
}
