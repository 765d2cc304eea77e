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
	"container/list"
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"

	"github.com/XuQianJin-Stars/teiid/pkg/config"
	"github.com/XuQianJin-Stars/teiid/pkg/container/types"
	"github.com/XuQianJin-Stars/teiid/pkg/logutil"
	"github.com/XuQianJin-Stars/teiid/pkg/storage"
)

const reserveWaitInterval = 100 * time.Millisecond

// tupleBufferInfo holds the active batches of one batch store, ordered
// by begin row, plus the last read position used to bias victim
// selection to just before the cursor.
type tupleBufferInfo struct {
	id      string
	batches *btree.BTreeG[*ManagedBatch]
	// lastUsed is the begin row of the last batch read, -1 when no read
	// has been recorded since this entry was created.
	lastUsed int
}

func newTupleBufferInfo(id string) *tupleBufferInfo {
	return &tupleBufferInfo{
		id: id,
		batches: btree.NewG(8, func(a, b *ManagedBatch) bool {
			return a.beginRow < b.beginRow
		}),
		lastUsed: -1,
	}
}

// floorBefore returns the greatest batch with beginRow <= row, nil when
// none precedes it.
func (tbi *tupleBufferInfo) floorBefore(row int) *ManagedBatch {
	var found *ManagedBatch
	pivot := &ManagedBatch{beginRow: row}
	tbi.batches.DescendLessOrEqual(pivot, func(mb *ManagedBatch) bool {
		found = mb
		return false
	})
	return found
}

// storeMap is the insertion-ordered map of stores with active batches;
// the head is the least recently used store.
type storeMap struct {
	order    *list.List // of *tupleBufferInfo
	elements map[string]*list.Element
}

func newStoreMap() *storeMap {
	return &storeMap{
		order:    list.New(),
		elements: make(map[string]*list.Element),
	}
}

func (sm *storeMap) get(id string) *tupleBufferInfo {
	if el, ok := sm.elements[id]; ok {
		return el.Value.(*tupleBufferInfo)
	}
	return nil
}

func (sm *storeMap) pushBack(tbi *tupleBufferInfo) {
	sm.elements[tbi.id] = sm.order.PushBack(tbi)
}

// promote moves an existing entry to the most recently used end.
func (sm *storeMap) promote(id string) {
	if el, ok := sm.elements[id]; ok {
		sm.order.MoveToBack(el)
	}
}

func (sm *storeMap) remove(id string) {
	if el, ok := sm.elements[id]; ok {
		sm.order.Remove(el)
		delete(sm.elements, id)
	}
}

func (sm *storeMap) head() *tupleBufferInfo {
	if el := sm.order.Front(); el != nil {
		return el.Value.(*tupleBufferInfo)
	}
	return nil
}

func (sm *storeMap) len() int {
	return sm.order.Len()
}

// BufferManager tracks tuple buffers, owns the reservation pool, and
// runs eviction. Lock discipline: the admission lock serializes the
// reservation pool; the eviction lock guards the store map and
// activeBatchKB and is never held across a persist; a batch monitor may
// be held while taking the eviction lock, never the reverse.
type BufferManager struct {
	storageMgr StorageManager

	connectorBatchSize int
	processorBatchSize int
	maxReserveKB       int
	maxProcessingKB    int
	useWeakReferences  bool
	spillCompress      bool

	// Admission lock and the buffers-freed broadcast channel, swapped
	// on every release. reserveBatchKB is mutated only under mu but
	// read atomically by the eviction pass, which must not take the
	// admission lock.
	mu             sync.Mutex
	freedCh        chan struct{}
	reserveBatchKB int64

	// Eviction lock.
	evictMu       sync.Mutex
	activeBatches *storeMap
	activeBatchKB int64

	refCache   *refCache
	cleaner    *ants.Pool
	valueCache *ValueCache
	sizeUtil   *SizeUtility

	registry *registry

	tsID         int64
	batchAdded   int64
	readAttempts int64
	readCount    int64
	writeCount   int64
	referenceHit int64
}

// New builds an initialized manager over the given storage manager. The
// config is default-filled, which resolves auto-sized budgets.
func New(cfg *config.Config, sm StorageManager) (*BufferManager, error) {
	cfg.FillDefaults()
	vc := &ValueCache{}
	rc, err := newRefCache(cfg.ReferenceCacheKB, cfg.UseWeakReferences)
	if err != nil {
		return nil, err
	}
	cleaner, err := ants.NewPool(cfg.CleanupWorkers)
	if err != nil {
		rc.close()
		return nil, errors.Wrap(err, "create cleanup pool")
	}
	mgr := &BufferManager{
		storageMgr:         sm,
		connectorBatchSize: cfg.ConnectorBatchSize,
		processorBatchSize: cfg.ProcessorBatchSize,
		maxReserveKB:       cfg.MaxReserveKB,
		maxProcessingKB:    cfg.MaxProcessingKB,
		useWeakReferences:  cfg.UseWeakReferences,
		spillCompress:      cfg.SpillCompress,
		freedCh:            make(chan struct{}),
		reserveBatchKB:     int64(cfg.MaxReserveKB),
		activeBatches:      newStoreMap(),
		refCache:           rc,
		cleaner:            cleaner,
		valueCache:         vc,
		registry:           newRegistry(),
	}
	mgr.sizeUtil = NewSizeUtility(vc)
	logutil.Infof("buffer manager initialized, reserve %d KB, processing %d KB",
		cfg.MaxReserveKB, cfg.MaxProcessingKB)
	return mgr, nil
}

// Close releases the cleanup pool and the second-chance cache. Tuple
// buffers still alive keep working but lose the opportunistic cache.
func (mgr *BufferManager) Close() {
	mgr.cleaner.Release()
	mgr.refCache.close()
}

func (mgr *BufferManager) ProcessorBatchSize() int {
	return mgr.processorBatchSize
}

func (mgr *BufferManager) ConnectorBatchSize() int {
	return mgr.connectorBatchSize
}

func (mgr *BufferManager) MaxProcessingKB() int {
	return mgr.maxProcessingKB
}

func (mgr *BufferManager) MaxReserveKB() int {
	return mgr.maxReserveKB
}

// ValueCacheEnabled is the current state of the value-dedup switch.
func (mgr *BufferManager) ValueCacheEnabled() bool {
	return mgr.valueCache.Enabled()
}

func (mgr *BufferManager) BatchesAdded() int64 {
	return atomic.LoadInt64(&mgr.batchAdded)
}

func (mgr *BufferManager) ReadCount() int64 {
	return atomic.LoadInt64(&mgr.readCount)
}

func (mgr *BufferManager) WriteCount() int64 {
	return atomic.LoadInt64(&mgr.writeCount)
}

func (mgr *BufferManager) ReadAttempts() int64 {
	return atomic.LoadInt64(&mgr.readAttempts)
}

func (mgr *BufferManager) ReferenceHits() int64 {
	return atomic.LoadInt64(&mgr.referenceHit)
}

// ActiveBatchKB is the resident-batch accounting total.
func (mgr *BufferManager) ActiveBatchKB() int64 {
	return atomic.LoadInt64(&mgr.activeBatchKB)
}

func (mgr *BufferManager) nextID() string {
	return strconv.FormatInt(atomic.AddInt64(&mgr.tsID, 1)-1, 10)
}

// CreateFileStore delegates to the injected storage manager.
func (mgr *BufferManager) CreateFileStore(name string) (*storage.FileStore, error) {
	logutil.Debugf("creating file store %s", name)
	return mgr.storageMgr.CreateFileStore(name)
}

// CreateTupleBuffer allocates a fresh id, a batch store, and an open
// buffer for the given schema.
func (mgr *BufferManager) CreateTupleBuffer(schema []types.Column, group string, sourceType TupleSourceType) (*TupleBuffer, error) {
	id := mgr.nextID()
	lobIndexes := LobIndexes(schema)
	bs, err := mgr.newBatchStore(id, lobIndexes, len(schema))
	if err != nil {
		return nil, err
	}
	tb := newTupleBuffer(mgr, bs, id, schema, lobIndexes, mgr.processorBatchSize)
	logutil.Debugf("creating tuple buffer %s group %s type %d columns %d", id, group, sourceType, len(schema))
	return tb, nil
}

// CreateSTree allocates leaf and key batch stores and builds an ordered
// tree container over them.
func (mgr *BufferManager) CreateSTree(schema []types.Column, group string, keyLength int) (*STree, error) {
	id := mgr.nextID()
	lobIndexes := LobIndexes(schema)
	leafStore, err := mgr.newBatchStore(id, lobIndexes, len(schema))
	if err != nil {
		return nil, err
	}
	keyStore, err := mgr.newBatchStore(mgr.nextID(), nil, keyLength+1)
	if err != nil {
		return nil, err
	}
	logutil.Debugf("creating stree %s group %s key length %d", id, group, keyLength)
	return newSTree(mgr, leafStore, keyStore, schema, keyLength, mgr.processorBatchSize), nil
}

// GetSchemaSize is the estimated KB footprint of one full batch of the
// given schema.
func (mgr *BufferManager) GetSchemaSize(schema []types.Column) int {
	return mgr.sizeUtil.SchemaSizeKB(schema, mgr.processorBatchSize)
}

// ReserveBuffers takes countKB from the pool. WAIT mode polls the
// freed broadcast with progressive patience: the amount waited for is
// halved after each interval, so a large request degrades into taking
// whatever is available rather than stalling. FORCE always grants the
// full count. NO_WAIT grants what is free right now.
func (mgr *BufferManager) ReserveBuffers(ctx context.Context, countKB int, mode ReserveMode) (int, error) {
	logutil.Debugf("reserving buffer space %d KB mode %d", countKB, mode)
	mgr.mu.Lock()
	if mode == ReserveWait {
		waitCount := countKB
		// Never wait for more than the pool could ever hold.
		if waitCount > mgr.maxReserveKB {
			waitCount = mgr.maxReserveKB
		}
		for waitCount > 0 && int64(waitCount) > atomic.LoadInt64(&mgr.reserveBatchKB) {
			ch := mgr.freedCh
			mgr.mu.Unlock()
			select {
			case <-ch:
			case <-time.After(reserveWaitInterval):
			case <-ctx.Done():
				return 0, errors.Wrap(ErrInterrupted, ctx.Err().Error())
			}
			mgr.mu.Lock()
			waitCount /= 2
		}
	}
	granted := countKB
	free := atomic.LoadInt64(&mgr.reserveBatchKB)
	if free < int64(countKB) && mode != ReserveForce {
		granted = int(free)
		if granted < 0 {
			granted = 0
		}
	}
	atomic.AddInt64(&mgr.reserveBatchKB, -int64(granted))
	mgr.mu.Unlock()
	mgr.persistBatchReferences()
	return granted, nil
}

// ReleaseBuffers returns countKB to the pool and wakes waiters.
func (mgr *BufferManager) ReleaseBuffers(countKB int) {
	if countKB < 1 {
		return
	}
	logutil.Debugf("releasing buffer space %d KB", countKB)
	mgr.mu.Lock()
	atomic.AddInt64(&mgr.reserveBatchKB, int64(countKB))
	close(mgr.freedCh)
	mgr.freedCh = make(chan struct{})
	mgr.mu.Unlock()
}

// ReserveBatchKB is the current free pool, negative under FORCE debt.
func (mgr *BufferManager) ReserveBatchKB() int64 {
	return atomic.LoadInt64(&mgr.reserveBatchKB)
}

// addActiveBatch charges a resident batch and indexes it for eviction.
func (mgr *BufferManager) addActiveBatch(mb *ManagedBatch, promote bool) {
	mgr.evictMu.Lock()
	defer mgr.evictMu.Unlock()
	atomic.AddInt64(&mgr.activeBatchKB, int64(mb.sizeEstimate))
	tbi := mgr.activeBatches.get(mb.store.id)
	if tbi == nil {
		tbi = newTupleBufferInfo(mb.store.id)
		mgr.activeBatches.pushBack(tbi)
	} else if promote {
		mgr.activeBatches.promote(tbi.id)
	}
	if _, dup := tbi.batches.ReplaceOrInsert(mb); dup {
		logutil.Errorf("duplicate active batch at row %d in store %s", mb.beginRow, mb.store.id)
	}
}

// removeBatchLocked drops a batch from the eviction index and uncharges
// it. Callers hold the eviction lock.
func (mgr *BufferManager) removeBatchLocked(tbi *tupleBufferInfo, row int) *ManagedBatch {
	mb, ok := tbi.batches.Delete(&ManagedBatch{beginRow: row})
	if !ok {
		return nil
	}
	atomic.AddInt64(&mgr.activeBatchKB, -int64(mb.sizeEstimate))
	return mb
}

// touchStore records a read on the batch's store: the store moves to
// the most recently used end and lastUsed becomes the batch's begin
// row. A non-caching read drops the entry instead, unlinking the store
// when it empties.
func (mgr *BufferManager) touchStore(mb *ManagedBatch, cache bool) {
	mgr.evictMu.Lock()
	defer mgr.evictMu.Unlock()
	tbi := mgr.activeBatches.get(mb.store.id)
	if tbi == nil {
		return
	}
	if !cache {
		mgr.removeBatchLocked(tbi, mb.beginRow)
		if tbi.batches.Len() == 0 {
			mgr.activeBatches.remove(tbi.id)
			return
		}
	}
	tbi.lastUsed = mb.beginRow
	mgr.activeBatches.promote(tbi.id)
}

// cleanupManagedBatch is the cleanup hook body: it drops the eviction
// entry, frees the on-disk slot, and grows the store's unused space.
func (mgr *BufferManager) cleanupManagedBatch(bs *BatchStore, beginRow int, id uint64) {
	mgr.evictMu.Lock()
	if tbi := mgr.activeBatches.get(bs.id); tbi != nil {
		if mgr.removeBatchLocked(tbi, beginRow) != nil && tbi.batches.Len() == 0 {
			mgr.activeBatches.remove(tbi.id)
		}
	}
	mgr.evictMu.Unlock()
	mgr.refCache.del(id)
	if v, ok := bs.physical.LoadAndDelete(id); ok {
		atomic.AddInt64(&bs.unusedSpace, v.(*batchInfo).length)
	}
}

// persistBatchReferences is the eviction pass, run after any admission
// or read. Below pressure it only adjusts the value-cache switch; above
// it, victims are persisted one at a time with the eviction lock
// dropped across each persist.
func (mgr *BufferManager) persistBatchReferences() {
	active := atomic.LoadInt64(&mgr.activeBatchKB)
	reserve := atomic.LoadInt64(&mgr.reserveBatchKB)
	if active == 0 || active <= reserve {
		memoryCount := active + int64(mgr.maxReserveKB) - reserve
		if mgr.valueCache.Enabled() {
			if memoryCount < int64(mgr.maxReserveKB)/8 {
				mgr.valueCache.set(false)
			}
		} else if memoryCount > int64(mgr.maxReserveKB)/4 {
			mgr.valueCache.set(true)
		}
		return
	}
	for {
		var victim *ManagedBatch
		mgr.evictMu.Lock()
		active = atomic.LoadInt64(&mgr.activeBatchKB)
		reserve = atomic.LoadInt64(&mgr.reserveBatchKB)
		if active == 0 || active*5 < reserve*4 || mgr.activeBatches.len() == 0 {
			mgr.evictMu.Unlock()
			return
		}
		tbi := mgr.activeBatches.head()
		if tbi.lastUsed >= 0 {
			victim = tbi.floorBefore(tbi.lastUsed - 1)
		}
		if victim == nil {
			victim, _ = tbi.batches.Max()
		}
		if victim == nil {
			// An emptied store should have been unlinked already.
			mgr.activeBatches.remove(tbi.id)
			mgr.evictMu.Unlock()
			continue
		}
		mgr.removeBatchLocked(tbi, victim.beginRow)
		if tbi.batches.Len() == 0 {
			mgr.activeBatches.remove(tbi.id)
		}
		mgr.evictMu.Unlock()
		if err := victim.persist(); err != nil {
			// Keep the batch resident; a later pass retries and the
			// data stays readable in the meantime.
			logutil.Errorf("error persisting batch %d: %v", victim.id, err)
			victim.mu.Lock()
			victim.addToCacheLocked(false)
			victim.mu.Unlock()
			return
		}
	}
}

// submitCleanup runs fn on the background cleanup pool, inline when the
// pool is gone.
func (mgr *BufferManager) submitCleanup(fn func()) {
	if err := mgr.cleaner.Submit(fn); err != nil {
		fn()
	}
}
