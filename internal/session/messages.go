/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package session

import (
	"errors"
	"fmt"

	"tileboard/internal/domain"
	"tileboard/internal/persist"
)

// describe turns an error into the message shown in the status bar.
func describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrNotLoaded):
		return "No board loaded yet. Load a document first."
	case errors.Is(err, domain.ErrUnknownBlock):
		return fmt.Sprintf("That block does not exist (%v).", err)
	case errors.Is(err, domain.ErrImageNotFound):
		return fmt.Sprintf("That image is not in the block (%v).", err)
	case errors.Is(err, domain.ErrDuplicateImage):
		return fmt.Sprintf("That image is already on the board (%v).", err)
	case errors.Is(err, domain.ErrIndexOutOfRange):
		return fmt.Sprintf("No tile at that position (%v).", err)
	case errors.Is(err, domain.ErrMalformedDocument):
		return fmt.Sprintf("The document is not a valid block map: %v", err)
	case errors.Is(err, domain.ErrPersistFailure):
		return fmt.Sprintf("Saving failed: %v. Your changes are still on the board; download the document to keep them.", err)
	case errors.Is(err, ErrNothingToUndo):
		return "Nothing to undo."
	case errors.Is(err, ErrNothingToRedo):
		return "Nothing to redo."
	default:
		return err.Error()
	}
}

// loadGuidance explains a failed load and what the user can do about it.
func loadGuidance(err error, a persist.Adapter) string {
	if fb, ok := a.(*persist.Fallback); ok {
		a = fb.Primary
	}
	hint := ""
	switch ad := a.(type) {
	case *persist.File:
		hint = fmt.Sprintf(" Place %s (or a saved %s) in %s.", persist.OriginalFileName, persist.UpdatedFileName, ad.Dir)
	case *persist.HTTP:
		hint = fmt.Sprintf(" Check that %s serves the document.", ad.URL)
	case *persist.SQLite:
		hint = fmt.Sprintf(" Save a board once to create the first revision in %s.", ad.Path())
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "No board document found." + hint
	case errors.Is(err, domain.ErrMalformedDocument):
		return fmt.Sprintf("The board document is invalid: %v.%s", err, hint)
	default:
		return fmt.Sprintf("Could not load the board: %v.%s", err, hint)
	}
}

// errorKind names err for telemetry without leaking content.
func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrMalformedDocument):
		return "malformed"
	case errors.Is(err, domain.ErrPersistFailure):
		return "persist"
	default:
		return "other"
	}
}
