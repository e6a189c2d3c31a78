/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package thumbs produces scaled PNG thumbnails of board images and caches
// them per workspace.
package thumbs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	// Registered decoders.
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	"tileboard/internal/domain"
	applog "tileboard/internal/log"
	"tileboard/internal/resolve"
)

const (
	DefaultWidth = 240
	MinWidth     = 16
	MaxWidth     = 1024
)

// ClampWidth bounds a requested width; zero selects DefaultWidth.
func ClampWidth(w int) int {
	switch {
	case w == 0:
		return DefaultWidth
	case w < MinWidth:
		return MinWidth
	case w > MaxWidth:
		return MaxWidth
	}
	return w
}

// Service renders thumbnails for images under ImagesDir.
type Service struct {
	ImagesDir string
	Resolver  *resolve.Resolver
	// Cache is optional; without it every request decodes the source.
	Cache *Cache

	group singleflight.Group
}

// New returns a thumbnail service. cache may be nil.
func New(imagesDir string, r *resolve.Resolver, cache *Cache) *Service {
	if r == nil {
		r = resolve.New(nil)
	}
	return &Service{ImagesDir: imagesDir, Resolver: r, Cache: cache}
}

// Source locates the file backing id: the resolved extension first, then
// the alternate one.
func (s *Service) Source(id domain.ImageID) (string, fs.FileInfo, error) {
	ext, _ := s.Resolver.Ext(id)
	primary := filepath.Join(s.ImagesDir, string(id)+"."+ext)
	for _, p := range []string{primary, resolve.Alternate(primary)} {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, fi, nil
		}
	}
	return "", nil, fmt.Errorf("%w: no file for %q in %s", domain.ErrImageNotFound, id, s.ImagesDir)
}

// Thumbnail returns a PNG of id scaled to width pixels wide. Images narrower
// than width are not upscaled.
func (s *Service) Thumbnail(ctx context.Context, id domain.ImageID, width int) ([]byte, error) {
	width = ClampWidth(width)
	src, fi, err := s.Source(id)
	if err != nil {
		return nil, err
	}
	mtime := fi.ModTime().UnixNano()
	if s.Cache != nil {
		if b, ok, err := s.Cache.Get(ctx, string(id), width, mtime); err == nil && ok {
			return b, nil
		} else if err != nil {
			applog.WithComponent("thumbs").Warn("cache read failed", slog.Any("err", err))
		}
	}
	v, err, _ := s.group.Do(flightKey(src, width, mtime), func() (any, error) {
		b, err := render(src, width)
		if err != nil {
			return nil, err
		}
		if s.Cache != nil {
			if err := s.Cache.Put(ctx, string(id), width, mtime, b); err != nil {
				applog.WithComponent("thumbs").Warn("cache write failed", slog.Any("err", err))
			}
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// flightKey identifies one render. A changed source file gets a new key, so
// callers that saw the new mtime never share a render of the old bytes.
func flightKey(src string, width int, mtime int64) string {
	return src + "@" + strconv.Itoa(width) + "@" + strconv.FormatInt(mtime, 10)
}

// Invalidate forgets cached thumbnails of id.
func (s *Service) Invalidate(ctx context.Context, id domain.ImageID) {
	if s.Cache == nil {
		return
	}
	if _, err := s.Cache.Invalidate(ctx, string(id)); err != nil {
		applog.WithComponent("thumbs").Warn("cache invalidate failed", slog.String("image", string(id)), slog.Any("err", err))
	}
}

func render(path string, width int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return encode(Scale(img, width))
}

// Scale resizes img to width keeping the aspect ratio, with CatmullRom
// resampling. It never upscales.
func Scale(img image.Image, width int) image.Image {
	b := img.Bounds()
	if b.Dx() <= width || b.Dx() == 0 {
		return img
	}
	h := b.Dy() * width / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IsNotFound reports whether err means the source image is missing.
func IsNotFound(err error) bool { return errors.Is(err, domain.ErrImageNotFound) }
