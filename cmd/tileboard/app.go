/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"tileboard/internal/config"
	applog "tileboard/internal/log"
	"tileboard/internal/persist"
	"tileboard/internal/resolve"
	"tileboard/internal/session"
	"tileboard/internal/telemetry"
	"tileboard/internal/thumbs"
	"tileboard/internal/undo"
)

// app bundles the runtime objects every command works with.
type app struct {
	cfg      config.AppConfig
	adapter  persist.Adapter
	resolver *resolve.Resolver
	thumbs   *thumbs.Service
	cache    *thumbs.Cache
	sess     *session.Session
}

type appOptions struct {
	// withCache opens the per-workspace thumbnail cache.
	withCache bool
	autoSave  bool
}

func openApp(ctx context.Context, cfg config.AppConfig, secret string, tel telemetry.Recorder, o appOptions) (*app, error) {
	l := applog.WithComponent("cli")
	ad, err := persist.New(ctx, cfg.Source, secret)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, adapter: ad, resolver: resolve.New(loadTable(cfg.Assets))}
	if o.withCache {
		c, err := thumbs.OpenCache(ctx, thumbs.CachePath(cfg.Source.Dir), cfg.Assets.ThumbCacheBytes)
		if err != nil {
			l.Warn("thumbnail cache unavailable", slog.Any("err", err))
		} else {
			a.cache = c
		}
	}
	a.thumbs = thumbs.New(cfg.Assets.ImagesDir, a.resolver, a.cache)
	a.sess = session.New(session.Options{
		Adapter:     ad,
		Resolver:    a.resolver,
		History:     undo.Config{MaxDepth: cfg.General.UndoDepth},
		AutoSave:    o.autoSave,
		SaveTimeout: cfg.Source.EffectiveTimeout(),
		Telemetry:   tel,
	})
	return a, nil
}

// loadTable reads the extension table file, or scans the images directory
// when there is none. A missing table is not an error: every identifier
// then resolves to the default extension.
func loadTable(ac config.AssetsConfig) resolve.Table {
	l := applog.WithComponent("cli")
	if ac.ExtensionTable != "" {
		t, err := resolve.ReadTable(ac.ExtensionTable)
		switch {
		case err != nil:
			l.Warn("extension table ignored", slog.String("path", ac.ExtensionTable), slog.Any("err", err))
		case len(t) > 0:
			l.Debug("extension table loaded", slog.String("path", ac.ExtensionTable), slog.Int("entries", len(t)))
			return t
		}
	}
	if ac.ScanOnStart && ac.ImagesDir != "" {
		t, err := resolve.ScanDir(ac.ImagesDir)
		if err == nil {
			return t
		}
		l.Debug("images scan skipped", slog.Any("err", err))
	}
	return nil
}

func (a *app) close() {
	if a.sess != nil {
		a.sess.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if err := persist.Close(a.adapter); err != nil {
		applog.WithComponent("cli").Warn("close adapter", slog.Any("err", err))
	}
}

// loadOrFail loads the board and prints the status line on failure.
func (a *app) loadOrFail(ctx context.Context) error {
	res, err := a.sess.Load(ctx)
	if err != nil {
		return fmt.Errorf("%s", res.Status.Message)
	}
	if res.Status.Level == session.LevelWarning {
		fmt.Fprintln(os.Stderr, "Warning:", res.Status.Message)
	}
	return nil
}
