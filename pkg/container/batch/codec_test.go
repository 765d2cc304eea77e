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

package batch

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XuQianJin-Stars/teiid/pkg/container/types"
)

func testTuples() [][]interface{} {
	return [][]interface{}{
		{int32(1), "alpha", 3.14, true, nil},
		{int32(2), "beta", -1.5, false, []byte{0xde, 0xad}},
		{int32(3), "", 0.0, true, &types.Lob{ID: "lob-1"}},
	}
}

func TestFrameRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		bat := New(11, nil, testTuples())
		buf := &bytes.Buffer{}
		require.NoError(t, WriteFrame(buf, bat, compress))
		assert.True(t, bat.Serialized)

		got, err := ReadFrame(buf, 5)
		require.NoError(t, err)
		assert.Equal(t, 3, got.RowCount())
		for i, tuple := range testTuples() {
			for j, want := range tuple {
				if lob, ok := want.(*types.Lob); ok {
					gotLob, ok := got.Tuples[i][j].(*types.Lob)
					require.True(t, ok)
					assert.Equal(t, lob.ID, gotLob.ID)
					assert.False(t, gotLob.Resolved())
					continue
				}
				assert.Equal(t, want, got.Tuples[i][j])
			}
		}
	}
}

func TestFramePreservedTypes(t *testing.T) {
	tags := []types.T{types.T_int32, types.T_string, types.T_float64, types.T_bool, types.T_varbinary}
	bat := New(257, tags, testTuples())
	bat.PreserveTypes()
	buf := &bytes.Buffer{}
	require.NoError(t, WriteFrame(buf, bat, false))

	// Column count intentionally unknown; the preserved header carries it.
	got, err := ReadFrame(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, tags, got.Types)
	assert.Equal(t, 257, got.BeginRow)
}

func TestFrameChecksum(t *testing.T) {
	bat := New(1, nil, testTuples())
	buf := &bytes.Buffer{}
	require.NoError(t, WriteFrame(buf, bat, false))
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xff

	_, err := ReadFrame(bytes.NewReader(raw), 5)
	assert.True(t, errors.Is(err, ErrChecksum))
}

func TestFrameTruncated(t *testing.T) {
	bat := New(1, nil, testTuples())
	buf := &bytes.Buffer{}
	require.NoError(t, WriteFrame(buf, bat, false))
	raw := buf.Bytes()

	_, err := ReadFrame(bytes.NewReader(raw[:len(raw)/2]), 5)
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestBatchRange(t *testing.T) {
	bat := New(10, nil, testTuples())
	assert.Equal(t, 12, bat.EndRow())
	assert.True(t, bat.Contains(10))
	assert.True(t, bat.Contains(12))
	assert.False(t, bat.Contains(13))

	tuple, err := bat.Tuple(11)
	require.NoError(t, err)
	assert.Equal(t, int32(2), tuple[0])

	_, err = bat.Tuple(42)
	assert.Error(t, err)
}
