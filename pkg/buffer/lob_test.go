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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/XuQianJin-Stars/teiid/pkg/container/types"
)

func TestLobIndexes(t *testing.T) {
	schema := []types.Column{
		{Name: "id", Type: types.T_int32},
		{Name: "doc", Type: types.T_clob},
		{Name: "img", Type: types.T_blob},
	}
	assert.Equal(t, []int{1, 2}, LobIndexes(schema))
	assert.Nil(t, LobIndexes(testSchema()))
}

func TestLobManagerRewrite(t *testing.T) {
	lm := NewLobManager()
	live := newResolvedLob("a")
	lm.Scan([]int{0}, []interface{}{live})
	assert.Equal(t, 1, lm.Count())

	// A deserialized placeholder is re-linked to the live reference.
	tuple := []interface{}{&types.Lob{ID: "a"}}
	assert.False(t, lm.Rewrite([]int{0}, tuple))
	assert.Same(t, live, tuple[0])

	// An unknown reference is reported and left in place.
	missing := &types.Lob{ID: "b"}
	tuple = []interface{}{missing}
	assert.True(t, lm.Rewrite([]int{0}, tuple))
	assert.Same(t, missing, tuple[0])
}
