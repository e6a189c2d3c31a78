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
	_ "embed"
)

//go:embed demo.json
var demoDocument []byte

type embedded struct{}

// Embedded returns the read-only adapter serving the bundled demo document.
func Embedded() Adapter { return embedded{} }

// DemoDocument returns a copy of the bundled demo document.
func DemoDocument() []byte { return bytes.Clone(demoDocument) }

func (embedded) Name() string { return "embedded" }

func (embedded) FetchInitial(context.Context) ([]byte, error) { return DemoDocument(), nil }

func (embedded) Persist(context.Context, []byte) error {
	return persistFailure("the bundled demo document is read-only")
}
