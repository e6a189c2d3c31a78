/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package persist loads the initial block document and writes updated ones
// back. Every source implements Adapter; New picks one from configuration.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"tileboard/internal/config"
	"tileboard/internal/domain"
	applog "tileboard/internal/log"
)

// Adapter fetches the initial document and persists updated ones.
// FetchInitial returns an error wrapping domain.ErrNotFound when the source
// holds no document. Persist failures wrap domain.ErrPersistFailure.
type Adapter interface {
	Name() string
	FetchInitial(ctx context.Context) ([]byte, error)
	Persist(ctx context.Context, raw []byte) error
}

// Closer is implemented by adapters holding open resources.
type Closer interface {
	Close() error
}

// New builds the adapter selected by cfg.Kind. secret is the database
// password read from the OS keyring, if any. With cfg.Fallback set the
// adapter is wrapped so a missing or malformed document falls back to the
// bundled demo.
func New(ctx context.Context, cfg config.SourceConfig, secret string) (Adapter, error) {
	l := applog.WithOperation(applog.WithComponent("persist"), "new").With(slog.String("kind", cfg.Kind))
	var (
		a   Adapter
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case config.SourceEmbedded:
		return Embedded(), nil
	case "", config.SourceFile:
		a = NewFile(cfg.Dir)
	case config.SourceHTTP:
		a, err = NewHTTP(cfg.URL, cfg.EffectiveTimeout())
	case config.SourceSQLite:
		a, err = OpenSQLite(ctx, cfg.SQLitePath, cfg.Document)
	case config.SourcePostgres:
		a, err = OpenPostgres(ctx, cfg.PostgresURL(secret), cfg.Document)
	default:
		err = fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
	if err != nil {
		l.Error("adapter init failed", slog.Any("err", err))
		return nil, err
	}
	if cfg.Fallback {
		a = NewFallback(a, Embedded())
	}
	l.Debug("adapter ready", slog.String("adapter", a.Name()))
	return a, nil
}

// Close releases resources held by a, if it holds any.
func Close(a Adapter) error {
	if c, ok := a.(Closer); ok {
		return c.Close()
	}
	return nil
}

func persistFailure(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrPersistFailure, fmt.Sprintf(format, args...))
}

func wrapPersist(err error) error {
	if err == nil || errors.Is(err, domain.ErrPersistFailure) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
}
