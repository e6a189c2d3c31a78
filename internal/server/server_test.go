/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"tileboard/internal/domain"
	applog "tileboard/internal/log"
	"tileboard/internal/persist"
	"tileboard/internal/resolve"
	"tileboard/internal/session"
	"tileboard/internal/thumbs"
)

const doc = `{"10":["image10"],"2":["image1","image2"],"1":[]}`

type fixture struct {
	dir    string
	images string
	sess   *session.Session
	h      http.Handler
}

func newFixture(t *testing.T, adapter persist.Adapter) *fixture {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, persist.OriginalFileName), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	images := filepath.Join(dir, resolve.AssetDir)
	if err := os.MkdirAll(images, 0o755); err != nil {
		t.Fatal(err)
	}
	if adapter == nil {
		adapter = persist.NewFile(dir)
	}
	r := resolve.New(nil)
	sess := session.New(session.Options{Adapter: adapter, Resolver: r})
	t.Cleanup(sess.Close)
	srv := New(Options{Session: sess, Thumbs: thumbs.New(images, r, nil), ImagesDir: images})
	return &fixture{dir: dir, images: images, sess: sess, h: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) json(t *testing.T, method, path, body string) (int, session.Result) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	rec := f.do(t, method, path, rd, "application/json")
	var res session.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, res
}

func blockImages(res session.Result, id domain.BlockID) []domain.ImageID {
	for _, sec := range res.Board.Blocks {
		if sec.ID == id {
			out := []domain.ImageID{}
			for _, tile := range sec.Tiles {
				out = append(out, tile.Image)
			}
			return out
		}
	}
	return nil
}

func writePNG(t *testing.T, path string) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if path != "" {
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func TestHealthVersionAndPage(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodGet, "/healthz", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/version", nil, ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "version") {
		t.Fatalf("version = %d %s", rec.Code, rec.Body.String())
	}
	rec := f.do(t, http.MethodGet, "/", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "blocksContainer") {
		t.Fatalf("index = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/static/app.js", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("app.js = %d", rec.Code)
	}
}

func TestCommandsBeforeLoadConflict(t *testing.T) {
	f := newFixture(t, nil)
	code, res := f.json(t, http.MethodGet, "/api/board", "")
	if code != http.StatusOK || res.Loaded {
		t.Fatalf("board = %d loaded=%v", code, res.Loaded)
	}
	code, _ = f.json(t, http.MethodPost, "/api/move", `{"src_block":"2","src_index":0,"dst_block":"1","dst_index":0}`)
	if code != http.StatusConflict {
		t.Fatalf("move before load = %d, want 409", code)
	}
	if rec := f.do(t, http.MethodGet, "/api/document", nil, ""); rec.Code != http.StatusConflict {
		t.Fatalf("download before load = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/export.pdf", nil, ""); rec.Code != http.StatusConflict {
		t.Fatalf("export before load = %d", rec.Code)
	}
}

func TestMoveUndoRedoOverHTTP(t *testing.T) {
	f := newFixture(t, nil)
	code, res := f.json(t, http.MethodPost, "/api/load", "")
	if code != http.StatusOK || !res.Loaded {
		t.Fatalf("load = %d %+v", code, res.Status)
	}
	var order []domain.BlockID
	for _, sec := range res.Board.Blocks {
		order = append(order, sec.ID)
	}
	if diff := cmp.Diff([]domain.BlockID{"1", "2", "10"}, order); diff != "" {
		t.Fatalf("display order (-want +got):\n%s", diff)
	}

	code, res = f.json(t, http.MethodPost, "/api/move", `{"src_block":"2","src_index":1,"dst_block":"1","dst_index":0}`)
	if code != http.StatusOK {
		t.Fatalf("move = %d %+v", code, res.Status)
	}
	if diff := cmp.Diff([]domain.ImageID{"image2"}, blockImages(res, "1")); diff != "" {
		t.Fatalf("block 1 (-want +got):\n%s", diff)
	}
	if !res.CanUndo {
		t.Fatalf("expected undo to be available")
	}

	code, res = f.json(t, http.MethodPost, "/api/move", `{"image":"image10","dst_block":"2","dst_index":0}`)
	if code != http.StatusOK {
		t.Fatalf("move by image = %d", code)
	}
	if diff := cmp.Diff([]domain.ImageID{"image10", "image1"}, blockImages(res, "2")); diff != "" {
		t.Fatalf("block 2 (-want +got):\n%s", diff)
	}

	code, res = f.json(t, http.MethodPost, "/api/undo", "")
	if code != http.StatusOK || len(blockImages(res, "10")) != 1 {
		t.Fatalf("undo = %d", code)
	}
	code, res = f.json(t, http.MethodPost, "/api/redo", "")
	if code != http.StatusOK || len(blockImages(res, "10")) != 0 {
		t.Fatalf("redo = %d", code)
	}
	if code, _ := f.json(t, http.MethodPost, "/api/redo", ""); code != http.StatusConflict {
		t.Fatalf("redo with empty stack = %d, want 409", code)
	}
}

func TestRejectedCommandsKeepBoard(t *testing.T) {
	f := newFixture(t, nil)
	f.json(t, http.MethodPost, "/api/load", "")
	cases := []struct {
		body string
		want int
	}{
		{`{"src_block":"2","src_index":9,"dst_block":"1","dst_index":0}`, http.StatusUnprocessableEntity},
		{`{"src_block":"nope","src_index":0,"dst_block":"1","dst_index":0}`, http.StatusNotFound},
		{`{"src_block":"2","src_index":0,"dst_block":"nope","dst_index":0}`, http.StatusNotFound},
		{`{"dst_block":"1","dst_index":0}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := f.do(t, http.MethodPost, "/api/move", strings.NewReader(tc.body), "application/json")
		if rec.Code != tc.want {
			t.Fatalf("move %s = %d, want %d", tc.body, rec.Code, tc.want)
		}
	}
	_, res := f.json(t, http.MethodGet, "/api/board", "")
	if diff := cmp.Diff([]domain.ImageID{"image1", "image2"}, blockImages(res, "2")); diff != "" {
		t.Fatalf("board changed (-want +got):\n%s", diff)
	}
}

func TestSaveAndDownload(t *testing.T) {
	f := newFixture(t, nil)
	f.json(t, http.MethodPost, "/api/load", "")
	f.json(t, http.MethodPost, "/api/move", `{"src_block":"2","src_index":0,"dst_block":"2","dst_index":1}`)
	code, res := f.json(t, http.MethodPost, "/api/save", "")
	if code != http.StatusOK || res.Status.Level != session.LevelSuccess {
		t.Fatalf("save = %d %+v", code, res.Status)
	}
	saved, err := os.ReadFile(filepath.Join(f.dir, persist.UpdatedFileName))
	if err != nil {
		t.Fatalf("read saved: %v", err)
	}
	rec := f.do(t, http.MethodGet, "/api/document", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("download = %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") || !strings.Contains(cd, persist.UpdatedFileName) {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	if !bytes.Equal(rec.Body.Bytes(), saved) {
		t.Fatalf("download differs from saved file:\n%s\n%s", rec.Body.Bytes(), saved)
	}
	if !strings.Contains(string(saved), `"image2",`) {
		t.Fatalf("saved document lacks the move: %s", saved)
	}
}

func TestSaveFailureIsBadGatewayAndKeepsState(t *testing.T) {
	f := newFixture(t, persist.Embedded())
	f.json(t, http.MethodPost, "/api/load", "")
	_, before := f.json(t, http.MethodPost, "/api/move", `{"src_block":"1","src_index":0,"dst_block":"2","dst_index":0}`)
	code, res := f.json(t, http.MethodPost, "/api/save", "")
	if code != http.StatusBadGateway {
		t.Fatalf("save = %d, want 502", code)
	}
	if diff := cmp.Diff(before.Board, res.Board); diff != "" {
		t.Fatalf("board changed after failed save (-want +got):\n%s", diff)
	}
}

func TestUploadDocument(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/document", strings.NewReader(`{"1": "x"}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed upload = %d", rec.Code)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "index_updated.json")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte(`{"7":["a","b"]}`))
	_ = mw.Close()
	rec = f.do(t, http.MethodPost, "/api/document", &body, mw.FormDataContentType())
	if rec.Code != http.StatusOK {
		t.Fatalf("upload = %d %s", rec.Code, rec.Body.String())
	}
	var res session.Result
	_ = json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Source != "index_updated.json" || len(blockImages(res, "7")) != 2 {
		t.Fatalf("upload result = %+v", res)
	}
}

func TestImagesFallBackToAlternateExtension(t *testing.T) {
	f := newFixture(t, nil)
	writePNG(t, filepath.Join(f.images, "image1.png"))
	rec := f.do(t, http.MethodGet, "/images/image1.jpg", nil, "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("alternate = %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if rec := f.do(t, http.MethodGet, "/images/image9.jpg", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing image = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/images/..%2F"+persist.OriginalFileName, nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("traversal = %d", rec.Code)
	}
}

func TestThumbs(t *testing.T) {
	f := newFixture(t, nil)
	writePNG(t, filepath.Join(f.images, "image1.png"))
	rec := f.do(t, http.MethodGet, "/thumbs/image1?w=4", nil, "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("thumb = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/thumbs/nope", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing thumb = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/thumbs/image1?w=wide", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad width = %d", rec.Code)
	}
}

func TestAddWithAssetUploadAndRemove(t *testing.T) {
	f := newFixture(t, nil)
	f.json(t, http.MethodPost, "/api/load", "")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "image77.png")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write(writePNG(t, ""))
	_ = mw.Close()
	rec := f.do(t, http.MethodPost, "/api/blocks/1/images", &body, mw.FormDataContentType())
	if rec.Code != http.StatusOK {
		t.Fatalf("add = %d %s", rec.Code, rec.Body.String())
	}
	var res session.Result
	_ = json.Unmarshal(rec.Body.Bytes(), &res)
	if diff := cmp.Diff([]domain.ImageID{"image77"}, blockImages(res, "1")); diff != "" {
		t.Fatalf("block 1 (-want +got):\n%s", diff)
	}
	if got := res.Board.Blocks[0].Tiles[0].Path; got != "images/image77.png" {
		t.Fatalf("uploaded tile path = %q", got)
	}
	if _, err := os.Stat(filepath.Join(f.images, "image77.png")); err != nil {
		t.Fatalf("asset not stored: %v", err)
	}

	if code, _ := f.json(t, http.MethodPost, "/api/blocks/1/images", `{"image":"image77"}`); code != http.StatusUnprocessableEntity {
		t.Fatalf("duplicate add = %d, want 422", code)
	}
	code, res := f.json(t, http.MethodDelete, "/api/blocks/1/images/image77", "")
	if code != http.StatusOK || len(blockImages(res, "1")) != 0 {
		t.Fatalf("remove = %d", code)
	}
	if code, _ := f.json(t, http.MethodDelete, "/api/blocks/1/images/image77", ""); code != http.StatusNotFound {
		t.Fatalf("second remove = %d, want 404", code)
	}
}

func multipartImage(t *testing.T, name string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write(data)
	_ = mw.Close()
	return &body, mw.FormDataContentType()
}

func TestRejectedUploadLeavesAssetsAlone(t *testing.T) {
	f := newFixture(t, nil)
	f.json(t, http.MethodPost, "/api/load", "")
	original := []byte("ORIGINAL JPEG BYTES")
	asset := filepath.Join(f.images, "image1.jpg")
	if err := os.WriteFile(asset, original, 0o644); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		block string
		file  string
		want  int
	}{
		{"2", "image1.jpg", http.StatusUnprocessableEntity},
		{"nope", "image1.jpg", http.StatusNotFound},
		{"nope", "image55.png", http.StatusNotFound},
	}
	for _, tc := range cases {
		body, ct := multipartImage(t, tc.file, []byte("REPLACEMENT"))
		rec := f.do(t, http.MethodPost, "/api/blocks/"+tc.block+"/images", body, ct)
		if rec.Code != tc.want {
			t.Fatalf("add %s to %s = %d, want %d", tc.file, tc.block, rec.Code, tc.want)
		}
	}

	got, err := os.ReadFile(asset)
	if err != nil {
		t.Fatalf("read asset: %v", err)
	}
	if !bytes.Equal(got, original) {
		t.Fatalf("asset of a placed image was replaced: %q", got)
	}
	entries, err := os.ReadDir(f.images)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if diff := cmp.Diff([]string{"image1.jpg"}, names); diff != "" {
		t.Fatalf("images dir (-want +got):\n%s", diff)
	}
}

func TestHandlerLogsCarryRequestID(t *testing.T) {
	var logs bytes.Buffer
	applog.Init(applog.Options{Level: "debug", Format: "json", Console: &logs})
	t.Cleanup(func() { applog.Init(applog.Options{Console: &bytes.Buffer{}}) })

	f := newFixture(t, nil)
	f.json(t, http.MethodPost, "/api/load", "")
	body, ct := multipartImage(t, "image78.png", writePNG(t, ""))
	req := httptest.NewRequest(http.MethodPost, "/api/blocks/1/images", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("add = %d %s", rec.Code, rec.Body.String())
	}

	seen := map[string]bool{}
	for _, line := range bytes.Split(logs.Bytes(), []byte("\n")) {
		var m map[string]any
		if json.Unmarshal(line, &m) != nil {
			continue
		}
		if m["request_id"] == "req-42" {
			seen[m["msg"].(string)] = true
		}
	}
	for _, msg := range []string{"asset stored", "request"} {
		if !seen[msg] {
			t.Fatalf("log %q lacks request_id; got %s", msg, logs.String())
		}
	}
}

func TestExports(t *testing.T) {
	f := newFixture(t, nil)
	f.json(t, http.MethodPost, "/api/load", "")
	writePNG(t, filepath.Join(f.images, "image1.png"))
	rec := f.do(t, http.MethodGet, "/api/export.pdf?page=letter&cols=3", nil, "")
	if rec.Code != http.StatusOK || !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")) {
		t.Fatalf("pdf = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/export.pdf?page=b9", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad page = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/export.zip", nil, "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/zip" {
		t.Fatalf("zip = %d", rec.Code)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := map[error]int{
		domain.ErrMalformedDocument: http.StatusBadRequest,
		domain.ErrUnknownBlock:      http.StatusNotFound,
		domain.ErrImageNotFound:     http.StatusNotFound,
		domain.ErrIndexOutOfRange:   http.StatusUnprocessableEntity,
		domain.ErrNotLoaded:         http.StatusConflict,
		domain.ErrPersistFailure:    http.StatusBadGateway,
		session.ErrNothingToUndo:    http.StatusConflict,
		context.Canceled:            http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}
