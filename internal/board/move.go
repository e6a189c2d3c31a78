/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package board

import (
	"fmt"

	"tileboard/internal/domain"
)

// Move takes the image at srcIndex of srcBlock and inserts it at dstIndex of
// dstBlock. Removal happens first, so within one block dragging to the right
// lands one slot left of the original target index. A dstIndex past the end
// appends. Moving an element onto its own position is a no-op.
func (s *Store) Move(srcBlock domain.BlockID, srcIndex int, dstBlock domain.BlockID, dstIndex int) error {
	if !s.loaded {
		return domain.ErrNotLoaded
	}
	src, ok := s.live.Blocks[srcBlock]
	if !ok {
		return fmt.Errorf("%w: source %q", domain.ErrUnknownBlock, srcBlock)
	}
	if srcIndex < 0 || srcIndex >= len(src) {
		return fmt.Errorf("%w: source index %d in block %q (len %d)", domain.ErrIndexOutOfRange, srcIndex, srcBlock, len(src))
	}
	if _, ok := s.live.Blocks[dstBlock]; !ok {
		return fmt.Errorf("%w: target %q", domain.ErrUnknownBlock, dstBlock)
	}
	if dstIndex < 0 {
		return fmt.Errorf("%w: target index %d", domain.ErrIndexOutOfRange, dstIndex)
	}
	if srcBlock == dstBlock && srcIndex == dstIndex {
		return nil
	}

	img := src[srcIndex]
	s.live.Blocks[srcBlock] = append(src[:srcIndex:srcIndex], src[srcIndex+1:]...)

	dst := s.live.Blocks[dstBlock]
	if dstIndex > len(dst) {
		dstIndex = len(dst)
	}
	out := make([]domain.ImageID, 0, len(dst)+1)
	out = append(out, dst[:dstIndex]...)
	out = append(out, img)
	out = append(out, dst[dstIndex:]...)
	s.live.Blocks[dstBlock] = out
	return nil
}

// MoveImage moves image, wherever it currently sits, to dstIndex of dstBlock.
func (s *Store) MoveImage(image domain.ImageID, dstBlock domain.BlockID, dstIndex int) error {
	if !s.loaded {
		return domain.ErrNotLoaded
	}
	block, idx, ok := s.live.Find(image)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrImageNotFound, image)
	}
	return s.Move(block, idx, dstBlock, dstIndex)
}
