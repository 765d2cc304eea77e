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
	"bufio"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/XuQianJin-Stars/teiid/pkg/container/batch"
	"github.com/XuQianJin-Stars/teiid/pkg/container/types"
	"github.com/XuQianJin-Stars/teiid/pkg/logutil"
)

// ManagedBatch mediates between a tuple batch and its spill slot. The
// monitor guards the {active, inRefCache, persistent} triple. persistent
// is set once; a batch sits in its store's eviction index only while
// active is non-nil. A non-caching read takes the batch out of the index
// and uncharges it while leaving it resident.
type ManagedBatch struct {
	mu sync.Mutex

	id       uint64
	beginRow int
	store    *BatchStore

	active     *batch.Batch
	inRefCache bool
	persistent bool

	softCache    bool
	sizeEstimate int // KB
	lobMgr       *LobManager
}

func newManagedBatch(bat *batch.Batch, bs *BatchStore, softCache bool, lobMgr *LobManager) *ManagedBatch {
	mgr := bs.mgr
	mb := &ManagedBatch{
		id:        uint64(atomic.AddInt64(&mgr.batchAdded, 1)),
		beginRow:  bat.BeginRow,
		store:     bs,
		active:    bat,
		softCache: softCache,
		lobMgr:    lobMgr,
	}
	mb.sizeEstimate = bs.sizeUtil.BatchSizeKB(bat)
	logutil.Debugf("add batch %d to buffer manager with size estimate %d", mb.id, mb.sizeEstimate)
	return mb
}

func (mb *ManagedBatch) BeginRow() int {
	return mb.beginRow
}

func (mb *ManagedBatch) SizeEstimateKB() int {
	return mb.sizeEstimate
}

// SetPrefersMemory switches the demotion treatment of future persists.
func (mb *ManagedBatch) SetPrefersMemory(prefers bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.softCache = prefers
}

// addToCacheLocked charges the batch against activeBatchKB and inserts
// it into its store's eviction index. promote re-queues the store at the
// most recently used end. Callers hold the batch monitor.
func (mb *ManagedBatch) addToCacheLocked(promote bool) {
	if mb.active == nil {
		return
	}
	mb.store.mgr.addActiveBatch(mb, promote)
}

// GetBatch returns the live batch, resurrects it from the second-chance
// cache, or rematerializes it from disk under the store's compaction
// read lock. With cache true a resurrected batch is repromoted into the
// eviction index and charged again.
func (mb *ManagedBatch) GetBatch(cache bool, expected []types.T) (*batch.Batch, error) {
	mgr := mb.store.mgr
	reads := atomic.AddInt64(&mgr.readAttempts, 1)
	logutil.Debugf("store %s getting batch, attempts %d reference hits %d",
		mb.store.id, reads, atomic.LoadInt64(&mgr.referenceHit))

	mgr.touchStore(mb, cache)
	mgr.persistBatchReferences()

	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.active != nil {
		return mb.active, nil
	}
	if mb.inRefCache {
		mb.inRefCache = false
		if bat, ok := mgr.refCache.get(mb.id); ok {
			mgr.refCache.del(mb.id)
			atomic.AddInt64(&mgr.referenceHit, 1)
			if cache {
				mb.active = bat
				mb.addToCacheLocked(true)
			}
			return bat, nil
		}
	}
	count := atomic.AddInt64(&mgr.readCount, 1)
	logutil.Debugf("store %s batch %d reading from disk, total reads %d", mb.store.id, mb.id, count)
	return mb.readFromDisk(cache, expected)
}

func (mb *ManagedBatch) readFromDisk(cache bool, expected []types.T) (*batch.Batch, error) {
	bs := mb.store
	bs.compactionMu.RLock()
	defer bs.compactionMu.RUnlock()
	v, ok := bs.physical.Load(mb.id)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "invalid batch %d in store %s", mb.id, bs.id)
	}
	info := v.(*batchInfo)
	reader, err := bs.store.NewInputStream(info.offset)
	if err != nil {
		return nil, errors.Wrapf(err, "read batch %d from store %s", mb.id, bs.id)
	}
	columns := len(expected)
	if columns == 0 {
		columns = bs.columns
	}
	bat, err := batch.ReadFrame(bufio.NewReaderSize(reader, ioBufferSize), columns)
	if err != nil {
		return nil, errors.Wrapf(err, "read batch %d from store %s", mb.id, bs.id)
	}
	bat.BeginRow = mb.beginRow
	bat.StripTypes()
	if mb.lobMgr != nil {
		for _, tuple := range bat.Tuples {
			if missing := mb.lobMgr.Rewrite(bs.lobIndexes, tuple); missing {
				bs.markLobsMissing()
			}
		}
	}
	if cache {
		mb.active = bat
		mb.addToCacheLocked(true)
	}
	return bat, nil
}

// persist writes the batch to the spill file if it is not there yet and
// demotes the in-memory slot to the second-chance cache. A no-op when
// nothing is resident. On a write error the batch stays resident and
// persistent stays false, so a later pass retries.
func (mb *ManagedBatch) persist() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	bat := mb.active
	if bat == nil {
		return nil
	}
	mgr := mb.store.mgr
	if !mb.persistent {
		count := atomic.AddInt64(&mgr.writeCount, 1)
		logutil.Debugf("store %s batch %d writing to disk, total writes %d", mb.store.id, mb.id, count)
		if mb.lobMgr != nil {
			for _, tuple := range bat.Tuples {
				mb.lobMgr.Scan(mb.store.lobIndexes, tuple)
			}
		}
		if err := mb.write(bat); err != nil {
			return err
		}
		mb.persistent = true
	}
	mgr.refCache.put(mb.id, bat, int64(mb.sizeEstimate)<<10, mb.softCache)
	mb.inRefCache = true
	mb.active = nil
	return nil
}

func (mb *ManagedBatch) write(bat *batch.Batch) error {
	bs := mb.store
	bs.writeMu.Lock()
	defer bs.writeMu.Unlock()
	offset, err := bs.getOffset()
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(bs.store.NewOutputStream(), ioBufferSize)
	if err = batch.WriteFrame(w, bat, bs.mgr.spillCompress); err != nil {
		return errors.Wrapf(err, "persist batch %d to store %s", mb.id, bs.id)
	}
	if err = w.Flush(); err != nil {
		return errors.Wrapf(err, "persist batch %d to store %s", mb.id, bs.id)
	}
	length := bs.store.Length() - offset
	bs.physical.Store(mb.id, &batchInfo{offset: offset, length: length})
	logutil.Debugf("store %s batch %d written starting at %d", bs.id, mb.id, offset)
	return nil
}

// CleanupHook returns a hook that frees the eviction entry and the
// on-disk slot. It holds no strong reference to the batch, so it is safe
// to run from the owning buffer's teardown at any point of the
// lifecycle.
func (mb *ManagedBatch) CleanupHook() func() {
	mgr := mb.store.mgr
	bs := mb.store
	id := mb.id
	beginRow := mb.beginRow
	return func() {
		mgr.cleanupManagedBatch(bs, beginRow, id)
	}
}

// Remove frees the batch immediately.
func (mb *ManagedBatch) Remove() {
	mb.store.mgr.cleanupManagedBatch(mb.store, mb.beginRow, mb.id)
}

func (mb *ManagedBatch) String() string {
	return fmt.Sprintf("ManagedBatch %s %d", mb.store.id, mb.beginRow)
}
