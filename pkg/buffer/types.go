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

// Package buffer is the tuple-batch buffer manager: operators append
// batches to tuple buffers, admission is accounted against a global KB
// reservation pool, the coldest batches spill to per-buffer append-only
// files under pressure, and reads resurrect batches from a second-chance
// cache or from disk. Victim selection purges from the least recently
// used tuple buffer, from just before its last read point, compensating
// for the forward-scanning access pattern of query operators.
package buffer

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/XuQianJin-Stars/teiid/pkg/storage"
)

const (
	ioBufferSize = 1 << 14
	// Compaction is considered once a spill file passes 32 MiB.
	compactionThreshold = 1 << 25

	// Lifetime of a weakly cached demoted batch in the second-chance
	// cache.
	weakReferenceTTL = 30 * time.Second
)

var (
	// ErrNotFound reports a physical-map lookup for a batch that was
	// concurrently removed; under correct use this is a caller bug.
	ErrNotFound = errors.New("buffer: batch not found")
	// ErrClosed reports an operation on a removed tuple buffer.
	ErrClosed = errors.New("buffer: tuple buffer removed")
	// ErrInterrupted reports a cancelled reservation wait.
	ErrInterrupted = errors.New("buffer: reservation interrupted")
)

// ReserveMode selects the blocking behavior of ReserveBuffers.
type ReserveMode int

const (
	// ReserveWait waits while the pool is short, halving the amount it
	// waits for after each interval, then grants what is free, which
	// may be less than the request.
	ReserveWait ReserveMode = iota
	// ReserveForce always grants the full count, driving the pool
	// negative if necessary.
	ReserveForce
	// ReserveNoWait grants whatever is immediately available.
	ReserveNoWait
)

// TupleSourceType describes what a tuple buffer is created for.
type TupleSourceType int

const (
	// TupleSourceProcessor holds intermediate operator results.
	TupleSourceProcessor TupleSourceType = iota
	// TupleSourceFinal holds final or cached results.
	TupleSourceFinal
)

// StorageManager produces the file stores batches spill to.
type StorageManager interface {
	CreateFileStore(name string) (*storage.FileStore, error)
}

// ValueCache is the value-dedup switch of one buffer manager, owned by
// that manager and toggled by the eviction loop as memory pressure
// changes. SizeUtility consults it when estimating repeated-value
// columns.
type ValueCache struct {
	enabled int32
}

func (vc *ValueCache) Enabled() bool {
	return atomic.LoadInt32(&vc.enabled) != 0
}

func (vc *ValueCache) set(enabled bool) {
	var v int32
	if enabled {
		v = 1
	}
	atomic.StoreInt32(&vc.enabled, v)
}
