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
	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"

	"github.com/XuQianJin-Stars/teiid/pkg/container/batch"
)

// refCache is the second-chance cache demoted batches land in: a read
// that finds its payload here avoids disk I/O. Batches that prefer
// memory live until evicted by cost; the rest carry a short TTL so the
// cache sheds them on its own, the weak-reference behavior. With weak
// references disabled every demoted batch gets the long-lived
// treatment.
type refCache struct {
	cache   *ristretto.Cache[uint64, *batch.Batch]
	useWeak bool
}

func newRefCache(maxKB int, useWeak bool) (*refCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, *batch.Batch]{
		NumCounters: int64(maxKB)*10 + 10,
		MaxCost:     int64(maxKB) << 10,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create reference cache")
	}
	return &refCache{cache: cache, useWeak: useWeak}, nil
}

func (rc *refCache) put(id uint64, bat *batch.Batch, costBytes int64, soft bool) {
	if soft || !rc.useWeak {
		rc.cache.Set(id, bat, costBytes)
		return
	}
	rc.cache.SetWithTTL(id, bat, costBytes, weakReferenceTTL)
}

func (rc *refCache) get(id uint64) (*batch.Batch, bool) {
	return rc.cache.Get(id)
}

func (rc *refCache) del(id uint64) {
	rc.cache.Del(id)
}

// wait drains the cache's admission buffers; only tests need it.
func (rc *refCache) wait() {
	rc.cache.Wait()
}

func (rc *refCache) close() {
	rc.cache.Close()
}
