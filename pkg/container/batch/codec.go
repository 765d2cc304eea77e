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
	"encoding/binary"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"

	"github.com/XuQianJin-Stars/teiid/pkg/container/types"
)

// Payload layout:
//
//	u32 rowCount | u8 flags | [u16 n, n type tags] | [u32 beginRow] | values
//
// Each value is a tag byte (0 for null, otherwise the type tag) followed
// by a tag-dependent payload. Strings and byte slices are uvarint
// length-prefixed; LOB values carry only their reference id.
const (
	flagTypes    = 1 << 0
	flagBeginRow = 1 << 1
)

func tagOf(v interface{}) (types.T, error) {
	switch v.(type) {
	case bool:
		return types.T_bool, nil
	case int8:
		return types.T_int8, nil
	case int16:
		return types.T_int16, nil
	case int32:
		return types.T_int32, nil
	case int64:
		return types.T_int64, nil
	case float32:
		return types.T_float32, nil
	case float64:
		return types.T_float64, nil
	case string:
		return types.T_string, nil
	case []byte:
		return types.T_varbinary, nil
	case *types.Lob:
		return types.T_blob, nil
	}
	return types.T_any, errors.Wrapf(ErrFormat, "unsupported value type %T", v)
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putBytes(buf *bytes.Buffer, p []byte) {
	putUvarint(buf, uint64(len(p)))
	buf.Write(p)
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	if v == nil {
		buf.WriteByte(0)
		return nil
	}
	tag, err := tagOf(v)
	if err != nil {
		return err
	}
	buf.WriteByte(byte(tag))
	var tmp [8]byte
	switch val := v.(type) {
	case bool:
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int8:
		buf.WriteByte(byte(val))
	case int16:
		binary.BigEndian.PutUint16(tmp[:2], uint16(val))
		buf.Write(tmp[:2])
	case int32:
		binary.BigEndian.PutUint32(tmp[:4], uint32(val))
		buf.Write(tmp[:4])
	case int64:
		binary.BigEndian.PutUint64(tmp[:8], uint64(val))
		buf.Write(tmp[:8])
	case float32:
		binary.BigEndian.PutUint32(tmp[:4], math.Float32bits(val))
		buf.Write(tmp[:4])
	case float64:
		binary.BigEndian.PutUint64(tmp[:8], math.Float64bits(val))
		buf.Write(tmp[:8])
	case string:
		putBytes(buf, []byte(val))
	case []byte:
		putBytes(buf, val)
	case *types.Lob:
		putBytes(buf, []byte(val.ID))
	}
	return nil
}

type payloadReader struct {
	data []byte
	off  int
}

func (r *payloadReader) u8() (byte, error) {
	if r.off >= len(r.data) {
		return 0, errors.Wrap(ErrFormat, "truncated payload")
	}
	b := r.data[r.off]
	r.off++
	return b, nil
}

func (r *payloadReader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.data) {
		return nil, errors.Wrap(ErrFormat, "truncated payload")
	}
	p := r.data[r.off : r.off+n]
	r.off += n
	return p, nil
}

func (r *payloadReader) bytes() ([]byte, error) {
	v, n := binary.Uvarint(r.data[r.off:])
	if n <= 0 {
		return nil, errors.Wrap(ErrFormat, "bad length prefix")
	}
	r.off += n
	return r.take(int(v))
}

func decodeValue(r *payloadReader) (interface{}, error) {
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	if tag == 0 {
		return nil, nil
	}
	switch types.T(tag) {
	case types.T_bool:
		b, err := r.u8()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case types.T_int8:
		b, err := r.u8()
		if err != nil {
			return nil, err
		}
		return int8(b), nil
	case types.T_int16:
		p, err := r.take(2)
		if err != nil {
			return nil, err
		}
		return int16(binary.BigEndian.Uint16(p)), nil
	case types.T_int32:
		p, err := r.take(4)
		if err != nil {
			return nil, err
		}
		return int32(binary.BigEndian.Uint32(p)), nil
	case types.T_int64, types.T_date, types.T_time, types.T_timestamp:
		p, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(p)), nil
	case types.T_float32:
		p, err := r.take(4)
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(binary.BigEndian.Uint32(p)), nil
	case types.T_float64:
		p, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(p)), nil
	case types.T_string, types.T_decimal:
		p, err := r.bytes()
		if err != nil {
			return nil, err
		}
		return string(p), nil
	case types.T_varbinary:
		p, err := r.bytes()
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(p))
		copy(out, p)
		return out, nil
	case types.T_blob, types.T_clob, types.T_xml:
		p, err := r.bytes()
		if err != nil {
			return nil, err
		}
		return &types.Lob{ID: string(p)}, nil
	}
	return nil, errors.Wrapf(ErrFormat, "unknown value tag %d", tag)
}

// Encode renders the batch payload. The receiver is marked Serialized.
func (bat *Batch) Encode() ([]byte, error) {
	buf := &bytes.Buffer{}
	var tmp [8]byte
	binary.BigEndian.PutUint32(tmp[:4], uint32(len(bat.Tuples)))
	buf.Write(tmp[:4])
	flags := byte(0)
	if bat.preserve {
		flags |= flagTypes | flagBeginRow
	}
	buf.WriteByte(flags)
	if flags&flagTypes != 0 {
		binary.BigEndian.PutUint16(tmp[:2], uint16(len(bat.Types)))
		buf.Write(tmp[:2])
		for _, t := range bat.Types {
			buf.WriteByte(byte(t))
		}
	}
	if flags&flagBeginRow != 0 {
		binary.BigEndian.PutUint32(tmp[:4], uint32(bat.BeginRow))
		buf.Write(tmp[:4])
	}
	for _, tuple := range bat.Tuples {
		for _, v := range tuple {
			if err := encodeValue(buf, v); err != nil {
				return nil, err
			}
		}
	}
	bat.Serialized = true
	return buf.Bytes(), nil
}

// Decode parses a payload produced by Encode. The column count is taken
// from the type header when the payload carries types; otherwise the
// caller must supply it in columns.
func (bat *Batch) Decode(data []byte, columns int) error {
	r := &payloadReader{data: data}
	head, err := r.take(5)
	if err != nil {
		return err
	}
	rowCount := int(binary.BigEndian.Uint32(head[:4]))
	flags := head[4]
	if flags&flagTypes != 0 {
		p, err := r.take(2)
		if err != nil {
			return err
		}
		n := int(binary.BigEndian.Uint16(p))
		tags, err := r.take(n)
		if err != nil {
			return err
		}
		bat.Types = make([]types.T, n)
		for i, b := range tags {
			bat.Types[i] = types.T(b)
		}
		columns = n
	}
	if flags&flagBeginRow != 0 {
		p, err := r.take(4)
		if err != nil {
			return err
		}
		bat.BeginRow = int(binary.BigEndian.Uint32(p))
	}
	if columns <= 0 {
		return errors.Wrap(ErrFormat, "column count unknown")
	}
	bat.Tuples = make([][]interface{}, rowCount)
	for i := 0; i < rowCount; i++ {
		tuple := make([]interface{}, columns)
		for j := 0; j < columns; j++ {
			v, err := decodeValue(r)
			if err != nil {
				return err
			}
			tuple[j] = v
		}
		bat.Tuples[i] = tuple
	}
	bat.Serialized = true
	return nil
}

// Frame layout: u32 stored length | u8 flags (bit0 lz4) | u64 xxhash of
// the stored payload | payload.
const frameHeaderSize = 4 + 1 + 8

const frameCompressed = 1 << 0

// WriteFrame encodes the batch and writes one checksummed frame.
func WriteFrame(w io.Writer, bat *Batch, compress bool) error {
	payload, err := bat.Encode()
	if err != nil {
		return err
	}
	flags := byte(0)
	if compress {
		compressed := &bytes.Buffer{}
		zw := lz4.NewWriter(compressed)
		if _, err = zw.Write(payload); err != nil {
			return errors.Wrap(err, "compress frame")
		}
		if err = zw.Close(); err != nil {
			return errors.Wrap(err, "compress frame")
		}
		payload = compressed.Bytes()
		flags |= frameCompressed
	}
	var head [frameHeaderSize]byte
	binary.BigEndian.PutUint32(head[:4], uint32(len(payload)))
	head[4] = flags
	binary.BigEndian.PutUint64(head[5:], xxhash.Sum64(payload))
	if _, err = w.Write(head[:]); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if _, err = w.Write(payload); err != nil {
		return errors.Wrap(err, "write frame payload")
	}
	return nil
}

// ReadFrame reads one frame and decodes it into a fresh batch.
func ReadFrame(r io.Reader, columns int) (*Batch, error) {
	var head [frameHeaderSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errors.Wrap(err, "read frame header")
	}
	payload := make([]byte, binary.BigEndian.Uint32(head[:4]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "read frame payload")
	}
	if xxhash.Sum64(payload) != binary.BigEndian.Uint64(head[5:]) {
		return nil, ErrChecksum
	}
	if head[4]&frameCompressed != 0 {
		out := &bytes.Buffer{}
		if _, err := io.Copy(out, lz4.NewReader(bytes.NewReader(payload))); err != nil {
			return nil, errors.Wrap(ErrFormat, "decompress frame")
		}
		payload = out.Bytes()
	}
	bat := &Batch{}
	if err := bat.Decode(payload, columns); err != nil {
		return nil, err
	}
	return bat, nil
}
