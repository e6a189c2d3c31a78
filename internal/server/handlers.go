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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"tileboard/internal/domain"
	"tileboard/internal/export"
	"tileboard/internal/persist"
	"tileboard/internal/render"
	"tileboard/internal/resolve"
	"tileboard/internal/session"
	"tileboard/internal/thumbs"
	"tileboard/internal/version"
)

const maxCommandBytes = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// statusFor maps board errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrMalformedDocument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownBlock), errors.Is(err, domain.ErrImageNotFound), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrIndexOutOfRange), errors.Is(err, domain.ErrDuplicateImage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotLoaded), errors.Is(err, session.ErrNothingToUndo), errors.Is(err, session.ErrNothingToRedo):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPersistFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respond writes a session result. On failure the body still carries the
// unchanged board and the status message.
func respond(w http.ResponseWriter, res session.Result, err error) {
	writeJSON(w, statusFor(err), res)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxCommandBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version.String()})
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	b, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(b)
}

func (s *Server) handleBoard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Session.Tree())
}

func (s *Server) handleDownload(w http.ResponseWriter, _ *http.Request) {
	raw, err := s.opts.Session.Document()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": persist.UpdatedFileName}))
	_, _ = w.Write(raw)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	var (
		raw  []byte
		name = "upload"
		err  error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		f, hdr, ferr := r.FormFile("file")
		if ferr != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("missing file field: %w", ferr))
			return
		}
		defer func() { _ = f.Close() }()
		name = filepath.Base(hdr.Filename)
		raw, err = io.ReadAll(f)
	} else {
		raw, err = io.ReadAll(r.Body)
	}
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	res, err := s.opts.Session.LoadRaw(raw, name)
	respond(w, res, err)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Session.Load(r.Context())
	respond(w, res, err)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Session.Save(r.Context())
	respond(w, res, err)
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	res, err := s.opts.Session.Reset()
	respond(w, res, err)
}

func (s *Server) handleUndo(w http.ResponseWriter, _ *http.Request) {
	res, err := s.opts.Session.Undo()
	respond(w, res, err)
}

func (s *Server) handleRedo(w http.ResponseWriter, _ *http.Request) {
	res, err := s.opts.Session.Redo()
	respond(w, res, err)
}

// moveRequest addresses the tile either by image or by position.
type moveRequest struct {
	Image    string `json:"image,omitempty"`
	SrcBlock string `json:"src_block,omitempty"`
	SrcIndex *int   `json:"src_index,omitempty"`
	DstBlock string `json:"dst_block"`
	DstIndex int    `json:"dst_index"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var (
		res session.Result
		err error
	)
	switch {
	case req.Image != "":
		res, err = s.opts.Session.MoveImage(domain.ImageID(req.Image), domain.BlockID(req.DstBlock), req.DstIndex)
	case req.SrcIndex != nil:
		res, err = s.opts.Session.Move(domain.BlockID(req.SrcBlock), *req.SrcIndex, domain.BlockID(req.DstBlock), req.DstIndex)
	default:
		writeError(w, http.StatusBadRequest, errors.New("either image or src_block/src_index is required"))
		return
	}
	respond(w, res, err)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	block := domain.BlockID(chi.URLParam(r, "block"))
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
		up, err := s.stageAsset(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		defer up.discard()
		res, err := s.opts.Session.Add(block, up.id)
		if err != nil {
			respond(w, res, err)
			return
		}
		if err := s.commitAsset(r, up); err != nil {
			s.log.ErrorContext(r.Context(), "asset commit failed", slog.String("image", string(up.id)), slog.Any("err", err))
			res, _ = s.opts.Session.Remove(block, up.id)
			writeJSON(w, http.StatusInternalServerError, res)
			return
		}
		res.Board = s.opts.Session.Tree().Board
		respond(w, res, nil)
		return
	}
	var req struct {
		Image string `json:"image"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Image == "" {
		writeError(w, http.StatusBadRequest, errors.New("image is required"))
		return
	}
	res, err := s.opts.Session.Add(block, domain.ImageID(req.Image))
	respond(w, res, err)
}

// upload is an image received with an add command, parked under a hidden
// temporary name in ImagesDir until the add has been accepted.
type upload struct {
	id   domain.ImageID
	ext  string
	tmp  string
	size int
}

func (u *upload) discard() {
	if u.tmp != "" {
		_ = os.Remove(u.tmp)
	}
}

// stageAsset reads the "file" field into a temporary file. Nothing under an
// asset name is touched.
func (s *Server) stageAsset(r *http.Request) (*upload, error) {
	if s.opts.ImagesDir == "" {
		return nil, errors.New("no images directory configured")
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("missing file field: %w", err)
	}
	defer func() { _ = f.Close() }()
	name := filepath.Base(hdr.Filename)
	id, ext, ok := resolve.SplitAsset(name)
	if !ok {
		return nil, fmt.Errorf("unsupported image %q (want .jpg or .png)", name)
	}
	if want := r.FormValue("image"); want != "" {
		id = domain.ImageID(want)
	}
	if err := validFileName(string(id)); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.opts.ImagesDir, 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(s.opts.ImagesDir, ".upload-*")
	if err != nil {
		return nil, err
	}
	up := &upload{id: id, ext: ext, tmp: tmp.Name()}
	n, err := io.Copy(tmp, f)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		up.discard()
		return nil, err
	}
	up.size = int(n)
	return up, nil
}

// commitAsset moves a staged upload to its asset name and refreshes the
// extension table so the new tile resolves immediately.
func (s *Server) commitAsset(r *http.Request, up *upload) error {
	if err := os.Rename(up.tmp, filepath.Join(s.opts.ImagesDir, string(up.id)+"."+up.ext)); err != nil {
		return err
	}
	up.tmp = ""
	if t, err := resolve.ScanDir(s.opts.ImagesDir); err == nil {
		s.opts.Session.Resolver().Replace(t)
	} else {
		s.log.WarnContext(r.Context(), "rescan after upload failed", slog.Any("err", err))
	}
	if s.opts.Thumbs != nil {
		s.opts.Thumbs.Invalidate(r.Context(), up.id)
	}
	s.log.InfoContext(r.Context(), "asset stored", slog.String("image", string(up.id)), slog.Int("bytes", up.size))
	return nil
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Session.Remove(domain.BlockID(chi.URLParam(r, "block")), domain.ImageID(chi.URLParam(r, "image")))
	respond(w, res, err)
}

func validFileName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}

// handleImage serves an asset, trying the alternate jpg/png extension when
// the requested file is absent.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	if s.opts.ImagesDir == "" || validFileName(file) != nil {
		http.NotFound(w, r)
		return
	}
	p := filepath.Join(s.opts.ImagesDir, file)
	for _, cand := range []string{p, resolve.Alternate(p)} {
		if fi, err := os.Stat(cand); err == nil && !fi.IsDir() {
			w.Header().Set("Cache-Control", "no-cache")
			http.ServeFile(w, r, cand)
			return
		}
	}
	http.NotFound(w, r)
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	if s.opts.Thumbs == nil {
		http.NotFound(w, r)
		return
	}
	width := thumbs.DefaultWidth
	if v := r.URL.Query().Get("w"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid width %q", v))
			return
		}
		width = n
	}
	b, err := s.opts.Thumbs.Thumbnail(r.Context(), domain.ImageID(chi.URLParam(r, "image")), width)
	if err != nil {
		if thumbs.IsNotFound(err) {
			http.NotFound(w, r)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=60")
	_, _ = w.Write(b)
}

func (s *Server) locator() export.Locator {
	if s.opts.Thumbs == nil {
		return nil
	}
	return s.opts.Thumbs
}

func (s *Server) liveTree() (render.Tree, error) {
	c, err := s.opts.Session.Collection()
	if err != nil {
		return render.Tree{}, err
	}
	return render.Project(c, s.opts.Session.Resolver()), nil
}

func (s *Server) handleExportPDF(w http.ResponseWriter, r *http.Request) {
	tree, err := s.liveTree()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	q := r.URL.Query()
	page, err := export.ParsePageSize(q.Get("page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opt := export.PDFOptions{Page: page}
	if v := q.Get("cols"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 12 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid cols %q", v))
			return
		}
		opt.Columns = n
	}
	var buf bytes.Buffer
	if err := export.WritePDF(tree, s.locator(), &buf, opt); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": "board.pdf"}))
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleExportZIP(w http.ResponseWriter, _ *http.Request) {
	tree, err := s.liveTree()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	doc, err := s.opts.Session.Document()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteArchive(tree, doc, s.locator(), &buf); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": "board.zip"}))
	_, _ = w.Write(buf.Bytes())
}
