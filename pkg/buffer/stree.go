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
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/XuQianJin-Stars/teiid/pkg/container/batch"
	"github.com/XuQianJin-Stars/teiid/pkg/container/types"
)

// STree is an ordered container over two batch stores: sorted leaf
// pages spill through the leaf store, their separator keys through the
// key store. It is built from non-descending input, the shape the sort
// phase produces.
type STree struct {
	mu sync.Mutex

	mgr       *BufferManager
	leafStore *BatchStore
	keyStore  *BatchStore

	schema    []types.Column
	typeTags  []types.T
	keyLength int
	pageSize  int

	pages       []*streePage
	pendingLeaf [][]interface{}
	pendingKeys [][]interface{}
	lastKey     []interface{}
	rowCount    int
	closed      bool
}

type streePage struct {
	firstKey []interface{}
	beginRow int
	leaf     *ManagedBatch
}

func newSTree(mgr *BufferManager, leafStore, keyStore *BatchStore, schema []types.Column, keyLength int, pageSize int) *STree {
	return &STree{
		mgr:       mgr,
		leafStore: leafStore,
		keyStore:  keyStore,
		schema:    schema,
		typeTags:  types.TypeTags(schema),
		keyLength: keyLength,
		pageSize:  pageSize,
	}
}

func (st *STree) RowCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rowCount
}

// Insert appends one tuple; keys must be non-descending.
func (st *STree) Insert(tuple []interface{}) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return errors.Wrap(ErrClosed, "insert into closed stree")
	}
	if st.lastKey != nil {
		cmp, err := compareTuples(st.lastKey, tuple, st.keyLength)
		if err != nil {
			return err
		}
		if cmp > 0 {
			return errors.Errorf("stree: out-of-order insert")
		}
	}
	st.lastKey = tuple
	st.pendingLeaf = append(st.pendingLeaf, tuple)
	st.rowCount++
	if len(st.pendingLeaf) >= st.pageSize {
		return st.sealPageLocked()
	}
	return nil
}

func (st *STree) sealPageLocked() error {
	if len(st.pendingLeaf) == 0 {
		return nil
	}
	beginRow := st.rowCount - len(st.pendingLeaf) + 1
	bat := batch.New(beginRow, st.typeTags, st.pendingLeaf)
	bat.StripTypes()
	mb, err := st.leafStore.CreateManagedBatch(bat, false)
	if err != nil {
		return err
	}
	first := st.pendingLeaf[0]
	page := &streePage{
		firstKey: first[:st.keyLength],
		beginRow: beginRow,
		leaf:     mb,
	}
	st.pendingLeaf = nil
	st.pages = append(st.pages, page)

	// Separator entry: the key columns plus the page's begin row.
	keyTuple := make([]interface{}, 0, st.keyLength+1)
	keyTuple = append(keyTuple, page.firstKey...)
	keyTuple = append(keyTuple, int32(beginRow))
	st.pendingKeys = append(st.pendingKeys, keyTuple)
	if len(st.pendingKeys) >= st.pageSize {
		return st.sealKeysLocked()
	}
	return nil
}

func (st *STree) sealKeysLocked() error {
	if len(st.pendingKeys) == 0 {
		return nil
	}
	beginRow := len(st.pages) - len(st.pendingKeys) + 1
	bat := batch.New(beginRow, nil, st.pendingKeys)
	_, err := st.keyStore.CreateManagedBatch(bat, false)
	st.pendingKeys = nil
	return err
}

// Close seals the partial pages; the tree becomes read-only.
func (st *STree) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	if err := st.sealPageLocked(); err != nil {
		return err
	}
	if err := st.sealKeysLocked(); err != nil {
		return err
	}
	st.closed = true
	return nil
}

// Find returns a tuple matching the key columns, or nil. The open page
// is searched first; otherwise only the last sealed page whose first
// key is not above the key is searched. With duplicate keys the tuple
// returned is not necessarily the earliest inserted one.
func (st *STree) Find(key []interface{}) ([]interface{}, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	// The open page is searched in memory.
	if idx, ok, err := searchTuples(st.pendingLeaf, key, st.keyLength); err != nil {
		return nil, err
	} else if ok {
		return st.pendingLeaf[idx], nil
	}
	if len(st.pages) == 0 {
		return nil, nil
	}
	pageIdx := sort.Search(len(st.pages), func(i int) bool {
		cmp, cerr := compareTuples(st.pages[i].firstKey, key, st.keyLength)
		return cerr == nil && cmp > 0
	}) - 1
	if pageIdx < 0 {
		return nil, nil
	}
	page := st.pages[pageIdx]
	bat, err := page.leaf.GetBatch(true, st.typeTags)
	if err != nil {
		return nil, err
	}
	idx, ok, err := searchTuples(bat.Tuples, key, st.keyLength)
	if err != nil || !ok {
		return nil, err
	}
	return bat.Tuples[idx], nil
}

// Remove releases both stores.
func (st *STree) Remove() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, page := range st.pages {
		page.leaf.Remove()
	}
	st.pages = nil
	st.leafStore.Remove()
	st.keyStore.Remove()
	st.closed = true
}

func searchTuples(tuples [][]interface{}, key []interface{}, keyLength int) (int, bool, error) {
	var searchErr error
	idx := sort.Search(len(tuples), func(i int) bool {
		cmp, err := compareTuples(tuples[i], key, keyLength)
		if err != nil && searchErr == nil {
			searchErr = err
		}
		return cmp >= 0
	})
	if searchErr != nil {
		return 0, false, searchErr
	}
	if idx >= len(tuples) {
		return 0, false, nil
	}
	cmp, err := compareTuples(tuples[idx], key, keyLength)
	if err != nil {
		return 0, false, err
	}
	return idx, cmp == 0, nil
}

func compareTuples(a, b []interface{}, keyLength int) (int, error) {
	for i := 0; i < keyLength && i < len(a) && i < len(b); i++ {
		cmp, err := compareValues(a[i], b[i])
		if err != nil {
			return 0, err
		}
		if cmp != 0 {
			return cmp, nil
		}
	}
	return 0, nil
}

func compareValues(a, b interface{}) (int, error) {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, nil
		case a == nil:
			return -1, nil
		default:
			return 1, nil
		}
	}
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		if !ok {
			break
		}
		switch {
		case av == bv:
			return 0, nil
		case !av:
			return -1, nil
		default:
			return 1, nil
		}
	case int8:
		if bv, ok := b.(int8); ok {
			return compareInt64(int64(av), int64(bv)), nil
		}
	case int16:
		if bv, ok := b.(int16); ok {
			return compareInt64(int64(av), int64(bv)), nil
		}
	case int32:
		if bv, ok := b.(int32); ok {
			return compareInt64(int64(av), int64(bv)), nil
		}
	case int64:
		if bv, ok := b.(int64); ok {
			return compareInt64(av, bv), nil
		}
	case float32:
		if bv, ok := b.(float32); ok {
			return compareFloat64(float64(av), float64(bv)), nil
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return compareFloat64(av, bv), nil
		}
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1, nil
			case av > bv:
				return 1, nil
			default:
				return 0, nil
			}
		}
	case []byte:
		if bv, ok := b.([]byte); ok {
			return bytes.Compare(av, bv), nil
		}
	}
	return 0, errors.Errorf("stree: incomparable values %T and %T", a, b)
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
