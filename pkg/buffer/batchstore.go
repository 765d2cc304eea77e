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
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/XuQianJin-Stars/teiid/pkg/container/batch"
	"github.com/XuQianJin-Stars/teiid/pkg/logutil"
	"github.com/XuQianJin-Stars/teiid/pkg/storage"
)

type batchInfo struct {
	offset int64
	length int64
}

// BatchStore is the per-tuple-source spill backing: one append-only file
// store plus the physical map batch id -> (offset, length). Readers of
// serialized bytes hold the compaction lock shared; compaction holds it
// exclusive. Offset allocation is serialized by writeMu and takes the
// compaction lock only when it compacts. Removed batches only grow
// unusedSpace until compaction rewrites the file.
type BatchStore struct {
	id  string
	mgr *BufferManager

	// store is only swapped by compaction, under both writeMu and the
	// compaction write lock.
	store   *storage.FileStore
	writeMu sync.Mutex

	compactionMu sync.RWMutex
	physical     sync.Map // uint64 -> *batchInfo
	unusedSpace  int64

	lobIndexes []int
	lobMgr     *LobManager
	columns    int
	sizeUtil   *SizeUtility

	// lobsMissing is raised when a read-back tuple referenced a LOB the
	// local registry no longer has.
	lobsMissing int32
}

func (mgr *BufferManager) newBatchStore(id string, lobIndexes []int, columns int) (*BatchStore, error) {
	fs, err := mgr.storageMgr.CreateFileStore(id)
	if err != nil {
		return nil, errors.Wrapf(err, "create spill store %s", id)
	}
	bs := &BatchStore{
		id:         id,
		mgr:        mgr,
		store:      fs,
		lobIndexes: lobIndexes,
		columns:    columns,
		sizeUtil:   NewSizeUtility(mgr.valueCache),
	}
	if lobIndexes != nil {
		bs.lobMgr = NewLobManager()
	}
	return bs, nil
}

func (bs *BatchStore) ID() string {
	return bs.id
}

// CreateStorage opens a subordinate file store for auxiliary data.
func (bs *BatchStore) CreateStorage(prefix string) (*storage.FileStore, error) {
	return bs.mgr.CreateFileStore(bs.id + prefix)
}

// CreateManagedBatch admits a batch: it starts resident, is recorded in
// the eviction index, and one eviction pass runs before returning.
func (bs *BatchStore) CreateManagedBatch(bat *batch.Batch, softCache bool) (*ManagedBatch, error) {
	mb := newManagedBatch(bat, bs, softCache, bs.lobMgr)
	mb.mu.Lock()
	mb.addToCacheLocked(false)
	mb.mu.Unlock()
	bs.mgr.persistBatchReferences()
	return mb, nil
}

// UnusedSpace is the byte count of freed holes in the spill file.
func (bs *BatchStore) UnusedSpace() int64 {
	return atomic.LoadInt64(&bs.unusedSpace)
}

// Length is the current spill file length.
func (bs *BatchStore) Length() int64 {
	return bs.store.Length()
}

func (bs *BatchStore) shouldCompact(offset int64) bool {
	return offset > compactionThreshold && atomic.LoadInt64(&bs.unusedSpace)*4 > offset*3
}

// getOffset returns the append offset for the next spilled batch,
// compacting the file first when waste crosses the threshold. Callers
// hold writeMu.
func (bs *BatchStore) getOffset() (int64, error) {
	offset := bs.store.Length()
	if !bs.shouldCompact(offset) {
		return offset, nil
	}
	bs.compactionMu.Lock()
	defer bs.compactionMu.Unlock()
	// Retest under the lock; a concurrent pass may have run already.
	offset = bs.store.Length()
	if !bs.shouldCompact(offset) {
		return offset, nil
	}
	newStore, err := bs.mgr.CreateFileStore(bs.id)
	if err != nil {
		return 0, errors.Wrapf(err, "compact store %s", bs.id)
	}
	type liveEntry struct {
		info *batchInfo
	}
	var live []liveEntry
	bs.physical.Range(func(_, v interface{}) bool {
		live = append(live, liveEntry{info: v.(*batchInfo)})
		return true
	})
	sort.Slice(live, func(i, j int) bool {
		return live[i].info.offset < live[j].info.offset
	})
	copyBuf := make([]byte, ioBufferSize)
	for _, entry := range live {
		oldOffset := entry.info.offset
		newOffset := newStore.Length()
		remaining := entry.info.length
		for remaining > 0 {
			toCopy := int64(len(copyBuf))
			if remaining < toCopy {
				toCopy = remaining
			}
			if err = bs.store.ReadFully(oldOffset, copyBuf[:toCopy]); err != nil {
				newStore.Remove()
				return 0, errors.Wrapf(err, "compact store %s", bs.id)
			}
			if _, err = newStore.Write(copyBuf[:toCopy]); err != nil {
				newStore.Remove()
				return 0, errors.Wrapf(err, "compact store %s", bs.id)
			}
			oldOffset += toCopy
			remaining -= toCopy
		}
		entry.info.offset = newOffset
	}
	bs.store.Remove()
	bs.store = newStore
	atomic.StoreInt64(&bs.unusedSpace, 0)
	newLength := newStore.Length()
	logutil.Debugf("compacted store %s pre-size %d post-size %d", bs.id, offset, newLength)
	return newLength, nil
}

// Remove releases the spill file. The deletion itself runs on the
// cleanup pool.
func (bs *BatchStore) Remove() {
	store := bs.store
	bs.mgr.submitCleanup(func() {
		store.Remove()
	})
}

func (bs *BatchStore) markLobsMissing() {
	atomic.StoreInt32(&bs.lobsMissing, 1)
}

// LobsMissing reports whether any read-back batch lost a LOB reference.
func (bs *BatchStore) LobsMissing() bool {
	return atomic.LoadInt32(&bs.lobsMissing) != 0
}
