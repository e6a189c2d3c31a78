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
	"log/slog"

	"tileboard/internal/board"
	"tileboard/internal/domain"
	applog "tileboard/internal/log"
)

// Fetched is the outcome of a fetch through a Fallback.
type Fetched struct {
	Raw []byte
	// From names the adapter the document came from.
	From string
	// Cause is the primary's error when the secondary served the document.
	Cause error
}

// Fallback reads from Secondary when Primary has no usable document.
// Saves always go to Primary.
type Fallback struct {
	Primary   Adapter
	Secondary Adapter
}

// NewFallback wraps primary with secondary as its fallback source.
func NewFallback(primary, secondary Adapter) *Fallback {
	return &Fallback{Primary: primary, Secondary: secondary}
}

func (f *Fallback) Name() string { return f.Primary.Name() }

// Fetch tries Primary, then Secondary when Primary reports no document or a
// malformed one. Other primary errors are returned as is.
func (f *Fallback) Fetch(ctx context.Context) (Fetched, error) {
	raw, err := f.Primary.FetchInitial(ctx)
	if err == nil {
		err = board.Validate(raw)
		if err == nil {
			return Fetched{Raw: raw, From: f.Primary.Name()}, nil
		}
	}
	if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrMalformedDocument) {
		return Fetched{}, err
	}
	applog.WithOperation(applog.WithComponent("persist"), "fallback").Warn("primary source unusable, using fallback",
		slog.String("primary", f.Primary.Name()), slog.String("secondary", f.Secondary.Name()), slog.Any("err", err))
	sraw, serr := f.Secondary.FetchInitial(ctx)
	if serr != nil {
		return Fetched{}, errors.Join(err, serr)
	}
	return Fetched{Raw: sraw, From: f.Secondary.Name(), Cause: err}, nil
}

func (f *Fallback) FetchInitial(ctx context.Context) ([]byte, error) {
	res, err := f.Fetch(ctx)
	return res.Raw, err
}

func (f *Fallback) Persist(ctx context.Context, raw []byte) error {
	return f.Primary.Persist(ctx, raw)
}

// Close closes both adapters.
func (f *Fallback) Close() error {
	return errors.Join(Close(f.Primary), Close(f.Secondary))
}
