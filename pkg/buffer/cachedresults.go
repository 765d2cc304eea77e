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

	"github.com/pkg/errors"
)

// CachedResults binds a finished result buffer to a cache entry that
// can be distributed to peers. The LOB store is local only, so an entry
// whose results carry LOBs cannot be restored from a remote snapshot.
type CachedResults struct {
	mu      sync.Mutex
	id      string
	results *TupleBuffer
	hasLobs bool
}

// SetResults captures the buffer and its LOB exposure.
func (cr *CachedResults) SetResults(tb *TupleBuffer) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.results = tb
	cr.id = tb.ID()
	cr.hasLobs = tb.IsLobs()
}

func (cr *CachedResults) ID() string {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.id
}

func (cr *CachedResults) Results() *TupleBuffer {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.results
}

// Prepare publishes the results for distribution. Forward-only buffers
// cannot be re-read and are rejected.
func (cr *CachedResults) Prepare(mgr *BufferManager) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.results.ForwardOnly() {
		return errors.Errorf("cached results %s are forward only", cr.id)
	}
	mgr.DistributeTupleBuffer(cr.id, cr.results)
	return nil
}

// Restore re-binds the entry from the local registry. Returns false
// when the entry cannot be used here: its results carried LOBs and are
// not held locally, the buffer lost LOB references on a read, or the
// registry no longer has it.
func (cr *CachedResults) Restore(mgr *BufferManager) bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.results == nil {
		if cr.hasLobs {
			return false
		}
		tb := mgr.GetTupleBuffer(cr.id)
		if tb == nil {
			return false
		}
		cr.results = tb
	}
	if cr.results.LobsMissing() {
		return false
	}
	return true
}
