// Copyright 2021 - 2022 The Teiid-Go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package buffer

import (
	"sync"

	"github.com/XuQianJin-Stars/teiid/pkg/container/types"
)

// LobIndexes returns the column positions that may carry large-object
// references, nil when the schema has none.
func LobIndexes(schema []types.Column) []int {
	var indexes []int
	for i, col := range schema {
		if col.Type.IsLob() {
			indexes = append(indexes, i)
		}
	}
	return indexes
}

// LobManager tracks the large-object references embedded in the tuples
// of one tuple buffer. Spilled tuples carry only the reference id;
// Rewrite re-links the id to the registered live reference after a
// batch is read back.
type LobManager struct {
	mu   sync.Mutex
	refs map[string]*types.Lob
}

func NewLobManager() *LobManager {
	return &LobManager{refs: make(map[string]*types.Lob)}
}

// Scan walks the LOB-bearing columns of a tuple and registers any newly
// seen resolved references.
func (lm *LobManager) Scan(lobIndexes []int, tuple []interface{}) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for _, idx := range lobIndexes {
		if idx >= len(tuple) {
			continue
		}
		lob, ok := tuple[idx].(*types.Lob)
		if !ok || !lob.Resolved() {
			continue
		}
		if _, seen := lm.refs[lob.ID]; !seen {
			lm.refs[lob.ID] = lob
		}
	}
}

// Rewrite replaces placeholder references with the registered live ones.
// Reports whether any referenced LOB is missing from the registry; the
// placeholder is left in place in that case.
func (lm *LobManager) Rewrite(lobIndexes []int, tuple []interface{}) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	missing := false
	for _, idx := range lobIndexes {
		if idx >= len(tuple) {
			continue
		}
		lob, ok := tuple[idx].(*types.Lob)
		if !ok || lob == nil {
			continue
		}
		if lob.Resolved() {
			continue
		}
		if live, seen := lm.refs[lob.ID]; seen {
			tuple[idx] = live
		} else {
			missing = true
		}
	}
	return missing
}

// Count is the number of registered references.
func (lm *LobManager) Count() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.refs)
}
