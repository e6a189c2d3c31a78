/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package export

import (
	"fmt"
	"strings"
)

// PageSize names a paper format for the contact sheet.
type PageSize string

const (
	PageA3     PageSize = "a3"
	PageA4     PageSize = "a4"
	PageA5     PageSize = "a5"
	PageLetter PageSize = "letter"
	PageLegal  PageSize = "legal"
)

var pageSizes = map[PageSize]string{
	PageA3:     "A3",
	PageA4:     "A4",
	PageA5:     "A5",
	PageLetter: "Letter",
	PageLegal:  "Legal",
}

// ParsePageSize accepts a page size name case-insensitively. Empty selects A4.
func ParsePageSize(name string) (PageSize, error) {
	p := PageSize(strings.ToLower(strings.TrimSpace(name)))
	if p == "" {
		return PageA4, nil
	}
	if _, ok := pageSizes[p]; !ok {
		return "", fmt.Errorf("unknown page size %q", name)
	}
	return p, nil
}

func (p PageSize) gofpdfSize() (string, error) {
	s, ok := pageSizes[p]
	if !ok {
		return "", fmt.Errorf("unknown page size %q", string(p))
	}
	return s, nil
}

// Format names an export format.
type Format string

const (
	FormatPDF Format = "pdf"
	FormatZIP Format = "zip"
)

// FormatFor picks the export format from an output file name.
func FormatFor(name string) (Format, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return FormatPDF, nil
	case strings.HasSuffix(lower, ".zip"):
		return FormatZIP, nil
	}
	return "", fmt.Errorf("unsupported export file %q (want .pdf or .zip)", name)
}
