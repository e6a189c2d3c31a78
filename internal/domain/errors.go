/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package domain

import "errors"

// Error kinds shared across packages. Callers wrap them with %w and test with errors.Is.
var (
	ErrMalformedDocument = errors.New("malformed document")
	ErrNotFound          = errors.New("document not found")
	ErrNotLoaded         = errors.New("no document loaded")
	ErrUnknownBlock      = errors.New("unknown block")
	ErrImageNotFound     = errors.New("image not found")
	ErrDuplicateImage    = errors.New("image already placed")
	ErrIndexOutOfRange   = errors.New("index out of range")
	ErrPersistFailure    = errors.New("persist failed")
)
