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
	"github.com/pkg/errors"

	"github.com/XuQianJin-Stars/teiid/pkg/container/types"
)

var (
	// ErrChecksum reports a spilled frame whose payload hash no longer
	// matches its header.
	ErrChecksum = errors.New("batch: frame checksum mismatch")
	// ErrFormat reports an undecodable payload.
	ErrFormat = errors.New("batch: malformed payload")
)

// Batch is a contiguous block of rows starting at BeginRow, each row an
// ordered sequence of typed values. Immutable once handed to a buffer.
type Batch struct {
	BeginRow int
	// Types may be stripped once the reader knows them by context.
	Types  []types.T
	Tuples [][]interface{}

	// Serialized records that the batch has hit the wire at least once.
	Serialized bool

	// preserve makes Encode carry types and begin row, the form the
	// state snapshot uses.
	preserve bool
}

func New(beginRow int, tags []types.T, tuples [][]interface{}) *Batch {
	return &Batch{
		BeginRow: beginRow,
		Types:    tags,
		Tuples:   tuples,
	}
}

func (bat *Batch) RowCount() int {
	return len(bat.Tuples)
}

// EndRow is the last row contained, BeginRow-1 for an empty batch.
func (bat *Batch) EndRow() int {
	return bat.BeginRow + len(bat.Tuples) - 1
}

func (bat *Batch) Contains(row int) bool {
	return row >= bat.BeginRow && row <= bat.EndRow()
}

// Tuple returns the row with the given absolute row number.
func (bat *Batch) Tuple(row int) ([]interface{}, error) {
	if !bat.Contains(row) {
		return nil, errors.Wrapf(ErrFormat, "row %d outside [%d, %d]", row, bat.BeginRow, bat.EndRow())
	}
	return bat.Tuples[row-bat.BeginRow], nil
}

// PreserveTypes marks the batch for self-describing serialization.
func (bat *Batch) PreserveTypes() {
	bat.preserve = true
}

// StripTypes drops the on-wire type list once it is known by context.
func (bat *Batch) StripTypes() {
	bat.Types = nil
	bat.preserve = false
}
