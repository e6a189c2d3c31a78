/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package persist

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tileboard/internal/domain"
)

// maxRemoteDocument caps the size of a fetched document.
const maxRemoteDocument = 16 << 20

// HTTP fetches the document with GET and saves it with PUT on the same URL.
type HTTP struct {
	URL    string
	Token  string // optional bearer token
	client *http.Client
}

// NewHTTP creates an HTTP adapter. timeout bounds each request.
func NewHTTP(rawURL string, timeout time.Duration) (*HTTP, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("source url %q: scheme must be http or https", rawURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{URL: u.String(), client: &http.Client{Timeout: timeout}}, nil
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) do(ctx context.Context, method string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.URL, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	return h.client.Do(req)
}

// FetchInitial GETs the document. 404 and 410 map to domain.ErrNotFound.
func (h *HTTP) FetchInitial(ctx context.Context) ([]byte, error) {
	resp, err := h.do(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", domain.ErrNotFound, h.URL, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s returned %s", domain.ErrNotFound, h.URL, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("server GET %s: %s", h.URL, resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteDocument+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", h.URL, err)
	}
	if len(raw) > maxRemoteDocument {
		return nil, fmt.Errorf("%w: remote document exceeds %d bytes", domain.ErrMalformedDocument, maxRemoteDocument)
	}
	return raw, nil
}

// Persist PUTs raw. Any non-2xx status is a persist failure.
func (h *HTTP) Persist(ctx context.Context, raw []byte) error {
	resp, err := h.do(ctx, http.MethodPut, raw)
	if err != nil {
		return wrapPersist(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return persistFailure("server PUT %s: %s", h.URL, resp.Status)
	}
	return nil
}
