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

package types

import (
	"io"

	"github.com/pkg/errors"
)

// T tags the declared type of a column.
type T uint8

const (
	T_any T = iota
	T_bool
	T_int8
	T_int16
	T_int32
	T_int64
	T_float32
	T_float64
	T_decimal
	T_date
	T_time
	T_timestamp
	T_string
	T_varbinary
	T_blob
	T_clob
	T_xml
)

var typeNames = map[T]string{
	T_any:       "object",
	T_bool:      "boolean",
	T_int8:      "byte",
	T_int16:     "short",
	T_int32:     "integer",
	T_int64:     "long",
	T_float32:   "float",
	T_float64:   "double",
	T_decimal:   "bigdecimal",
	T_date:      "date",
	T_time:      "time",
	T_timestamp: "timestamp",
	T_string:    "string",
	T_varbinary: "varbinary",
	T_blob:      "blob",
	T_clob:      "clob",
	T_xml:       "xml",
}

var namesToType = func() map[string]T {
	m := make(map[string]T, len(typeNames))
	for t, n := range typeNames {
		m[n] = t
	}
	return m
}()

func (t T) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "object"
}

// FromName maps a declared type name back to its tag.
func FromName(name string) (T, error) {
	t, ok := namesToType[name]
	if !ok {
		return T_any, errors.Errorf("unknown type name %q", name)
	}
	return t, nil
}

// IsLob reports whether values of this type live outside the tuple and
// are carried by reference.
func (t T) IsLob() bool {
	switch t {
	case T_blob, T_clob, T_xml:
		return true
	}
	return false
}

// Column describes one schema position.
type Column struct {
	Name string
	Type T
}

// TypeTags projects a schema to its tag list.
func TypeTags(schema []Column) []T {
	tags := make([]T, len(schema))
	for i, col := range schema {
		tags[i] = col.Type
	}
	return tags
}

// TypeNames maps a tag list to its declared type names, the form the
// snapshot envelope carries.
func TypeNames(tags []T) []string {
	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = t.String()
	}
	return names
}

// Lob is the in-tuple representation of a large object: an id plus,
// when locally available, the backing stream factory. A Lob read back
// from disk carries only the id until it is re-linked.
type Lob struct {
	ID     string
	Source func() (io.Reader, error)
}

// Resolved reports whether the payload is locally reachable.
func (l *Lob) Resolved() bool {
	return l != nil && l.Source != nil
}
