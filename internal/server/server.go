/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package server exposes the board over HTTP: the embedded drag and drop
// page, a JSON API for every board command, image and thumbnail delivery,
// and exports.
package server

import (
	"context"
	"embed"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	applog "tileboard/internal/log"
	"tileboard/internal/session"
	"tileboard/internal/thumbs"
)

//go:embed static
var staticFS embed.FS

// Defaults for Options fields left zero.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxUploadBytes = 32 << 20
)

// Options configures a Server.
type Options struct {
	Session *session.Session
	// Thumbs serves /thumbs and locates images for exports. Optional.
	Thumbs *thumbs.Service
	// ImagesDir is where /images is served from and uploads are written.
	ImagesDir      string
	RequestTimeout time.Duration
	MaxUploadBytes int64
}

// Server routes HTTP requests to the session.
type Server struct {
	opts   Options
	router chi.Router
	log    *slog.Logger
}

// New builds the router. It panics if opts.Session is nil.
func New(opts Options) *Server {
	if opts.Session == nil {
		panic("server: nil session")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	s := &Server{opts: opts, log: applog.WithComponent("server")}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/version", s.handleVersion)
	r.Get("/", s.handleIndex)
	r.Handle("/static/*", http.FileServer(http.FS(staticFS)))
	r.Get("/images/{file}", s.handleImage)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))
		r.Get("/thumbs/{image}", s.handleThumb)

		r.Route("/api", func(r chi.Router) {
			r.Get("/board", s.handleBoard)
			r.Get("/document", s.handleDownload)
			r.Post("/document", s.handleUpload)
			r.Post("/load", s.handleLoad)
			r.Post("/save", s.handleSave)
			r.Post("/reset", s.handleReset)
			r.Post("/move", s.handleMove)
			r.Post("/undo", s.handleUndo)
			r.Post("/redo", s.handleRedo)
			r.Post("/blocks/{block}/images", s.handleAdd)
			r.Delete("/blocks/{block}/images/{image}", s.handleRemove)
			r.Get("/export.pdf", s.handleExportPDF)
			r.Get("/export.zip", s.handleExportZIP)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		r = r.WithContext(applog.ContextWith(r.Context(), slog.String("request_id", middleware.GetReqID(r.Context()))))
		next.ServeHTTP(ww, r)
		level := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.log.Log(r.Context(), level, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("took", time.Since(start)),
		)
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.Info("shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
