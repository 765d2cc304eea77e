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

	"github.com/pkg/errors"

	"github.com/XuQianJin-Stars/teiid/pkg/container/batch"
	"github.com/XuQianJin-Stars/teiid/pkg/container/types"
)

type bufferState int

const (
	bufferOpen bufferState = iota
	bufferClosed
	bufferRemoved
)

// TupleBuffer is an ordered sequence of batches with a unique id. Rows
// are appended until Close; the buffer is then read-only until Remove
// releases every batch and the spill file.
type TupleBuffer struct {
	mu sync.Mutex

	mgr   *BufferManager
	store *BatchStore

	id         string
	schema     []types.Column
	typeTags   []types.T
	lobIndexes []int
	lobMgr     *LobManager

	batchSize int
	rowCount  int
	state     bufferState

	// batches is ordered by begin row; ranges are contiguous and
	// non-overlapping.
	batches []*ManagedBatch
	pending [][]interface{}

	prefersMemory bool
	forwardOnly   bool
}

func newTupleBuffer(mgr *BufferManager, bs *BatchStore, id string, schema []types.Column, lobIndexes []int, batchSize int) *TupleBuffer {
	tb := &TupleBuffer{
		mgr:        mgr,
		store:      bs,
		id:         id,
		schema:     schema,
		typeTags:   types.TypeTags(schema),
		lobIndexes: lobIndexes,
		batchSize:  batchSize,
	}
	tb.lobMgr = bs.lobMgr
	return tb
}

func (tb *TupleBuffer) ID() string {
	return tb.id
}

// SetID rebinds the buffer to a distributed id.
func (tb *TupleBuffer) SetID(id string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.id = id
}

func (tb *TupleBuffer) Schema() []types.Column {
	return tb.schema
}

func (tb *TupleBuffer) Types() []types.T {
	return tb.typeTags
}

func (tb *TupleBuffer) BatchSize() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.batchSize
}

// SetBatchSize adjusts the cut size; only meaningful before any row is
// appended (the restore path uses it).
func (tb *TupleBuffer) SetBatchSize(n int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.rowCount == 0 && n > 0 {
		tb.batchSize = n
	}
}

func (tb *TupleBuffer) RowCount() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.rowCount
}

func (tb *TupleBuffer) PrefersMemory() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.prefersMemory
}

// SetPrefersMemory hints that evicted batches should stay in the
// second-chance cache as long-lived entries.
func (tb *TupleBuffer) SetPrefersMemory(prefers bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.prefersMemory = prefers
	for _, mb := range tb.batches {
		mb.SetPrefersMemory(prefers)
	}
}

func (tb *TupleBuffer) ForwardOnly() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.forwardOnly
}

// SetForwardOnly marks the buffer for single-pass consumption; batches
// are released as the read cursor moves past them.
func (tb *TupleBuffer) SetForwardOnly(forwardOnly bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.forwardOnly = forwardOnly
}

// Removed reports whether the buffer has been torn down.
func (tb *TupleBuffer) Removed() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.state == bufferRemoved
}

// IsLobs reports whether the schema declares LOB-bearing columns.
func (tb *TupleBuffer) IsLobs() bool {
	return tb.lobIndexes != nil
}

// LobsMissing reports whether a read lost a LOB reference.
func (tb *TupleBuffer) LobsMissing() bool {
	return tb.store.LobsMissing()
}

// AddTuple appends one row. A managed batch is cut every batchSize
// rows.
func (tb *TupleBuffer) AddTuple(tuple []interface{}) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.state != bufferOpen {
		return errors.Wrapf(ErrClosed, "add tuple to buffer %s", tb.id)
	}
	if tb.lobMgr != nil {
		tb.lobMgr.Scan(tb.lobIndexes, tuple)
	}
	tb.pending = append(tb.pending, tuple)
	tb.rowCount++
	if len(tb.pending) >= tb.batchSize {
		return tb.flushPendingLocked()
	}
	return nil
}

// AddTupleBatch appends a pre-built batch; the restore path uses this.
// The batch's begin row is restamped to keep ranges contiguous.
func (tb *TupleBuffer) AddTupleBatch(bat *batch.Batch) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.state != bufferOpen {
		return errors.Wrapf(ErrClosed, "add batch to buffer %s", tb.id)
	}
	if len(tb.pending) > 0 {
		if err := tb.flushPendingLocked(); err != nil {
			return err
		}
	}
	bat.BeginRow = tb.rowCount + 1
	bat.StripTypes()
	if tb.lobMgr != nil {
		for _, tuple := range bat.Tuples {
			tb.lobMgr.Scan(tb.lobIndexes, tuple)
		}
	}
	tb.rowCount += bat.RowCount()
	return tb.appendManagedLocked(bat)
}

func (tb *TupleBuffer) flushPendingLocked() error {
	if len(tb.pending) == 0 {
		return nil
	}
	beginRow := tb.rowCount - len(tb.pending) + 1
	bat := batch.New(beginRow, tb.typeTags, tb.pending)
	bat.StripTypes()
	tb.pending = nil
	return tb.appendManagedLocked(bat)
}

func (tb *TupleBuffer) appendManagedLocked(bat *batch.Batch) error {
	mb, err := tb.store.CreateManagedBatch(bat, tb.prefersMemory)
	if err != nil {
		return err
	}
	tb.batches = append(tb.batches, mb)
	return nil
}

// Close flushes the remainder and freezes the buffer.
func (tb *TupleBuffer) Close() error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.state == bufferRemoved {
		return errors.Wrapf(ErrClosed, "close buffer %s", tb.id)
	}
	if tb.state == bufferClosed {
		return nil
	}
	if err := tb.flushPendingLocked(); err != nil {
		return err
	}
	tb.state = bufferClosed
	return nil
}

// GetBatch returns the batch covering the given row. Forward-only
// buffers release every batch that precedes it.
func (tb *TupleBuffer) GetBatch(row int) (*batch.Batch, error) {
	tb.mu.Lock()
	if tb.state == bufferRemoved {
		tb.mu.Unlock()
		return nil, errors.Wrapf(ErrClosed, "get batch from buffer %s", tb.id)
	}
	if row < 1 || row > tb.rowCount {
		tb.mu.Unlock()
		return nil, errors.Wrapf(ErrNotFound, "row %d of %d in buffer %s", row, tb.rowCount, tb.id)
	}
	// The tail that has not been cut into a managed batch yet.
	if pendingBegin := tb.rowCount - len(tb.pending) + 1; len(tb.pending) > 0 && row >= pendingBegin {
		bat := batch.New(pendingBegin, tb.typeTags, tb.pending)
		bat.StripTypes()
		tb.mu.Unlock()
		return bat, nil
	}
	idx := sort.Search(len(tb.batches), func(i int) bool {
		return tb.batches[i].beginRow > row
	}) - 1
	if idx < 0 {
		tb.mu.Unlock()
		return nil, errors.Wrapf(ErrNotFound, "row %d in buffer %s", row, tb.id)
	}
	mb := tb.batches[idx]
	cache := !tb.forwardOnly
	if tb.forwardOnly && idx > 0 {
		for _, prev := range tb.batches[:idx] {
			prev.Remove()
		}
		tb.batches = tb.batches[idx:]
	}
	tb.mu.Unlock()
	return mb.GetBatch(cache, tb.typeTags)
}

// Remove releases every managed batch, the spill file, and the registry
// entry. Idempotent.
func (tb *TupleBuffer) Remove() {
	tb.mu.Lock()
	if tb.state == bufferRemoved {
		tb.mu.Unlock()
		return
	}
	tb.state = bufferRemoved
	batches := tb.batches
	tb.batches = nil
	tb.pending = nil
	tb.mu.Unlock()
	for _, mb := range batches {
		hook := mb.CleanupHook()
		hook()
	}
	tb.store.Remove()
	tb.mgr.registry.drop(tb.id)
}
