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
	"github.com/XuQianJin-Stars/teiid/pkg/container/batch"
	"github.com/XuQianJin-Stars/teiid/pkg/container/types"
)

// Row overhead: 8 bytes of slice header per column plus 36 bytes of row
// bookkeeping. The estimates need not be exact, only monotonically
// consistent so that eviction decisions are stable.
const (
	perColumnOverhead = 8
	perRowOverhead    = 36
	objectHeader      = 40
)

// SizeUtility estimates the in-memory footprint of batches. Value
// caching deduplicates equal values of the cachable types, which halves
// their estimate.
type SizeUtility struct {
	valueCache *ValueCache
}

func NewSizeUtility(vc *ValueCache) *SizeUtility {
	return &SizeUtility{valueCache: vc}
}

func typeSizeBytes(valueCacheEnabled bool, t types.T) int {
	var size int
	switch t {
	case types.T_bool, types.T_int8:
		size = 1
	case types.T_int16:
		size = 2
	case types.T_int32, types.T_float32:
		size = 4
	case types.T_int64, types.T_float64, types.T_date, types.T_time, types.T_timestamp:
		size = 8
	case types.T_decimal:
		size = 100
	case types.T_string, types.T_varbinary:
		size = 128
	case types.T_blob, types.T_clob, types.T_xml:
		// Reference only; the payload lives outside the tuple.
		size = 64
	default:
		size = 128
	}
	if valueCacheEnabled && cachableType(t) {
		size /= 2
	}
	return size
}

func cachableType(t types.T) bool {
	switch t {
	case types.T_string, types.T_decimal, types.T_varbinary:
		return true
	}
	return false
}

// SchemaSizeKB estimates a full batch of batchSize rows for the given
// schema. Returns at least 1.
func (su *SizeUtility) SchemaSizeKB(schema []types.Column, batchSize int) int {
	enabled := su.valueCache.Enabled()
	total := 0
	for _, col := range schema {
		total += typeSizeBytes(enabled, col.Type)
	}
	total += perColumnOverhead*len(schema) + perRowOverhead
	total *= batchSize
	return atLeastOneKB(total)
}

// BatchSizeKB estimates an actual batch, using real lengths for
// variable-width values. Returns at least 1.
func (su *SizeUtility) BatchSizeKB(bat *batch.Batch) int {
	enabled := su.valueCache.Enabled()
	total := 0
	for _, tuple := range bat.Tuples {
		total += perColumnOverhead*len(tuple) + perRowOverhead
		for _, v := range tuple {
			total += valueSizeBytes(enabled, v)
		}
	}
	return atLeastOneKB(total)
}

func valueSizeBytes(valueCacheEnabled bool, v interface{}) int {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		size := len(val) + objectHeader
		if valueCacheEnabled {
			size /= 2
		}
		return size
	case []byte:
		size := len(val) + objectHeader
		if valueCacheEnabled {
			size /= 2
		}
		return size
	case bool, int8:
		return 1
	case int16:
		return 2
	case int32, float32:
		return 4
	case int64, float64:
		return 8
	case *types.Lob:
		return 64
	}
	return 128
}

func atLeastOneKB(totalBytes int) int {
	kb := totalBytes / 1024
	if kb < 1 {
		return 1
	}
	return kb
}
