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
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/XuQianJin-Stars/teiid/pkg/container/batch"
	"github.com/XuQianJin-Stars/teiid/pkg/container/types"
	"github.com/XuQianJin-Stars/teiid/pkg/logutil"
)

// Snapshot envelope, repeated per buffer:
//
//	id | i32 rowCount | i32 batchSize | u16 n, n type names |
//	u8 prefersMemory | batch frames in row order
//
// Strings are uvarint length-prefixed. The stream ends at EOF before an
// id. Restoring a buffer whose batches are incomplete removes the
// partial buffer and fails.

func writeString(w io.Writer, s string) error {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(s)))
	if _, err := w.Write(tmp[:n]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r *bufio.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		return "", err
	}
	return string(p), nil
}

func writeInt32(w io.Writer, v int32) error {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	_, err := w.Write(tmp[:])
	return err
}

func readInt32(r io.Reader) (int32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(tmp[:])), nil
}

// GetState snapshots every live tuple buffer onto the stream.
func (mgr *BufferManager) GetState(w io.Writer) error {
	for _, id := range mgr.registry.ids() {
		tb := mgr.registry.get(id)
		if tb == nil {
			continue
		}
		if err := writeString(w, tb.ID()); err != nil {
			return errors.Wrap(err, "write buffer state")
		}
		if err := mgr.getTupleBufferState(w, tb); err != nil {
			return err
		}
	}
	return nil
}

// GetStateID snapshots one buffer; unknown ids write nothing.
func (mgr *BufferManager) GetStateID(id string, w io.Writer) error {
	tb := mgr.registry.get(id)
	if tb == nil {
		return nil
	}
	return mgr.getTupleBufferState(w, tb)
}

func (mgr *BufferManager) getTupleBufferState(w io.Writer, tb *TupleBuffer) error {
	if err := writeInt32(w, int32(tb.RowCount())); err != nil {
		return errors.Wrap(err, "write buffer state")
	}
	if err := writeInt32(w, int32(tb.BatchSize())); err != nil {
		return errors.Wrap(err, "write buffer state")
	}
	names := types.TypeNames(tb.Types())
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(names)))
	if _, err := w.Write(tmp[:]); err != nil {
		return errors.Wrap(err, "write buffer state")
	}
	for _, name := range names {
		if err := writeString(w, name); err != nil {
			return errors.Wrap(err, "write buffer state")
		}
	}
	prefers := byte(0)
	if tb.PrefersMemory() {
		prefers = 1
	}
	if _, err := w.Write([]byte{prefers}); err != nil {
		return errors.Wrap(err, "write buffer state")
	}
	rowCount := tb.RowCount()
	batchSize := tb.BatchSize()
	for row := 1; row <= rowCount; row += batchSize {
		bat, err := tb.GetBatch(row)
		if err != nil {
			return err
		}
		bat.Types = tb.Types()
		bat.PreserveTypes()
		err = batch.WriteFrame(w, bat, false)
		bat.StripTypes()
		if err != nil {
			return err
		}
	}
	return nil
}

// SetState restores every buffer on the stream, installing each via
// CreateTupleBuffer.
func (mgr *BufferManager) SetState(r io.Reader) error {
	br := bufio.NewReaderSize(r, ioBufferSize)
	for {
		id, err := readString(br)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "read buffer state")
		}
		if err := mgr.setTupleBufferState(id, br); err != nil {
			return err
		}
	}
}

// SetStateID restores one buffer unless it is already present.
func (mgr *BufferManager) SetStateID(id string, r io.Reader) error {
	if mgr.registry.get(id) != nil {
		return nil
	}
	return mgr.setTupleBufferState(id, bufio.NewReaderSize(r, ioBufferSize))
}

func (mgr *BufferManager) setTupleBufferState(id string, r *bufio.Reader) error {
	rowCount, err := readInt32(r)
	if err != nil {
		return errors.Wrap(err, "read buffer state")
	}
	batchSize, err := readInt32(r)
	if err != nil {
		return errors.Wrap(err, "read buffer state")
	}
	var tmp [2]byte
	if _, err = io.ReadFull(r, tmp[:]); err != nil {
		return errors.Wrap(err, "read buffer state")
	}
	n := int(binary.BigEndian.Uint16(tmp[:]))
	schema := make([]types.Column, n)
	for i := 0; i < n; i++ {
		name, err := readString(r)
		if err != nil {
			return errors.Wrap(err, "read buffer state")
		}
		t, err := types.FromName(name)
		if err != nil {
			return errors.Wrap(batch.ErrFormat, err.Error())
		}
		schema[i] = types.Column{Name: "x", Type: t}
	}
	var prefers [1]byte
	if _, err = io.ReadFull(r, prefers[:]); err != nil {
		return errors.Wrap(err, "read buffer state")
	}
	tb, err := mgr.CreateTupleBuffer(schema, "cached", TupleSourceFinal)
	if err != nil {
		return err
	}
	tb.SetBatchSize(int(batchSize))
	tb.SetID(id)
	tb.SetPrefersMemory(prefers[0] != 0)
	for row := 1; row <= int(rowCount); row += int(batchSize) {
		bat, err := batch.ReadFrame(r, n)
		if err != nil {
			tb.Remove()
			logutil.Warnf("restore of buffer %s failed at row %d: %v", id, row, err)
			return errors.Wrapf(ErrNotFound, "restore buffer %s: missing batch at row %d", id, row)
		}
		if err = tb.AddTupleBatch(bat); err != nil {
			tb.Remove()
			return err
		}
	}
	if err = tb.Close(); err != nil {
		return err
	}
	mgr.AddTupleBuffer(tb)
	return nil
}

// SetLocalAddress is part of the replicated-object surface; the buffer
// manager does not track membership.
func (mgr *BufferManager) SetLocalAddress(addr string) {
}

// DroppedMembers is part of the replicated-object surface.
func (mgr *BufferManager) DroppedMembers(addrs []string) {
}
