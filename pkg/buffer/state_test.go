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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XuQianJin-Stars/teiid/pkg/config"
)

func buildBuffer(t *testing.T, mgr *BufferManager, rows int) *TupleBuffer {
	t.Helper()
	tb, err := mgr.CreateTupleBuffer(testSchema(), "state", TupleSourceFinal)
	require.NoError(t, err)
	for i := 1; i <= rows; i++ {
		require.NoError(t, tb.AddTuple(makeTuple(i)))
	}
	require.NoError(t, tb.Close())
	mgr.AddTupleBuffer(tb)
	return tb
}

func TestStateRoundTrip(t *testing.T) {
	src := newTestManager(t, func(cfg *config.Config) {
		cfg.ProcessorBatchSize = 16
		cfg.MaxReserveKB = 128
	})
	rowCounts := []int{100, 37, 200}
	buffers := make([]*TupleBuffer, 0, len(rowCounts))
	for _, rows := range rowCounts {
		buffers = append(buffers, buildBuffer(t, src, rows))
	}

	snapshot := &bytes.Buffer{}
	require.NoError(t, src.GetState(snapshot))

	dst := newTestManager(t, func(cfg *config.Config) {
		cfg.ProcessorBatchSize = 16
		cfg.MaxReserveKB = 128
	})
	require.NoError(t, dst.SetState(bytes.NewReader(snapshot.Bytes())))

	for i, tb := range buffers {
		restored := dst.GetTupleBuffer(tb.ID())
		require.NotNil(t, restored, "buffer %s missing after restore", tb.ID())
		assert.Equal(t, tb.RowCount(), restored.RowCount())
		assert.Equal(t, tb.BatchSize(), restored.BatchSize())
		assert.Equal(t, tb.Types(), restored.Types())
		for row := 1; row <= rowCounts[i]; row++ {
			want, err := tb.GetBatch(row)
			require.NoError(t, err)
			got, err := restored.GetBatch(row)
			require.NoError(t, err)
			wantTuple, err := want.Tuple(row)
			require.NoError(t, err)
			gotTuple, err := got.Tuple(row)
			require.NoError(t, err)
			assert.Equal(t, wantTuple, gotTuple)
		}
	}
}

func TestStateSingleBuffer(t *testing.T) {
	src := newTestManager(t, func(cfg *config.Config) {
		cfg.ProcessorBatchSize = 8
	})
	tb := buildBuffer(t, src, 20)

	snapshot := &bytes.Buffer{}
	require.NoError(t, src.GetStateID(tb.ID(), snapshot))
	require.NotZero(t, snapshot.Len())

	dst := newTestManager(t, nil)
	require.NoError(t, dst.SetStateID(tb.ID(), bytes.NewReader(snapshot.Bytes())))
	restored := dst.GetTupleBuffer(tb.ID())
	require.NotNil(t, restored)
	assert.Equal(t, 20, restored.RowCount())

	// Restoring over an existing id is a no-op.
	require.NoError(t, dst.SetStateID(tb.ID(), bytes.NewReader(nil)))
}

func TestStateUnknownIDWritesNothing(t *testing.T) {
	mgr := newTestManager(t, nil)
	snapshot := &bytes.Buffer{}
	require.NoError(t, mgr.GetStateID("no-such-buffer", snapshot))
	assert.Zero(t, snapshot.Len())
}

func TestStateRestoreMissingBatch(t *testing.T) {
	src := newTestManager(t, func(cfg *config.Config) {
		cfg.ProcessorBatchSize = 8
	})
	tb := buildBuffer(t, src, 64)

	snapshot := &bytes.Buffer{}
	require.NoError(t, src.GetState(snapshot))
	// Drop the tail so a batch goes missing mid-restore.
	truncated := snapshot.Bytes()[:snapshot.Len()-snapshot.Len()/3]

	dst := newTestManager(t, nil)
	err := dst.SetState(bytes.NewReader(truncated))
	require.Error(t, err)
	assert.Nil(t, dst.GetTupleBuffer(tb.ID()), "partial buffer must be removed")
}

func TestCachedResultsRoundTrip(t *testing.T) {
	mgr := newTestManager(t, nil)
	tb := buildBuffer(t, mgr, 10)

	cr := &CachedResults{}
	cr.SetResults(tb)
	require.NoError(t, cr.Prepare(mgr))

	// A peer entry arriving with only the id re-binds from the registry.
	remote := &CachedResults{id: cr.ID()}
	assert.True(t, remote.Restore(mgr))
	assert.Equal(t, tb, remote.Results())
}

func TestCachedResultsRefusesLobs(t *testing.T) {
	mgr := newTestManager(t, nil)

	// The entry as a remote node would see it: no local results, LOBs
	// flagged, and an empty local LOB store.
	remote := &CachedResults{id: "lob-results", hasLobs: true}
	assert.False(t, remote.Restore(mgr))
}

func TestCachedResultsRejectsForwardOnly(t *testing.T) {
	mgr := newTestManager(t, nil)
	tb := buildBuffer(t, mgr, 5)
	tb.SetForwardOnly(true)

	cr := &CachedResults{}
	cr.SetResults(tb)
	assert.Error(t, cr.Prepare(mgr))
}
