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

package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/XuQianJin-Stars/teiid/pkg/logutil"
)

var (
	// ErrRemoved reports use of a store whose file is already gone.
	ErrRemoved = errors.New("storage: file store removed")
)

// FileStore is an append-only byte store over one file with random
// reads. Writes go through the store's monitor; the file is created on
// first use, whether a write or a read.
type FileStore struct {
	mu      sync.Mutex
	name    string
	path    string
	file    *os.File
	length  int64
	removed bool
}

// Manager creates file stores inside one directory. Store names are
// opaque; each call gets a distinct backing file even for a repeated
// name, so a store can be rebuilt (compaction) while its predecessor
// under the same name is still being drained.
type Manager struct {
	dir string
	seq int64
}

func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create storage dir %s", dir)
	}
	return &Manager{dir: dir}, nil
}

func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) CreateFileStore(name string) (*FileStore, error) {
	seq := atomic.AddInt64(&m.seq, 1)
	return &FileStore{
		name: name,
		path: filepath.Join(m.dir, fmt.Sprintf("b_%s_%d.data", name, seq)),
	}, nil
}

func (fs *FileStore) Name() string {
	return fs.name
}

// Length is the current end of the file.
func (fs *FileStore) Length() int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.length
}

func (fs *FileStore) ensureOpen() error {
	if fs.removed {
		return errors.Wrap(ErrRemoved, fs.name)
	}
	if fs.file != nil {
		return nil
	}
	f, err := os.OpenFile(fs.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open store %s", fs.name)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "stat store %s", fs.name)
	}
	fs.file = f
	fs.length = info.Size()
	return nil
}

// Write appends to the end of the store.
func (fs *FileStore) Write(p []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureOpen(); err != nil {
		return 0, err
	}
	n, err := fs.file.WriteAt(p, fs.length)
	fs.length += int64(n)
	if err != nil {
		return n, errors.Wrapf(err, "append to store %s", fs.name)
	}
	return n, nil
}

// ReadFully fills p from the given offset, failing on a short read.
func (fs *FileStore) ReadFully(offset int64, p []byte) error {
	fs.mu.Lock()
	if err := fs.ensureOpen(); err != nil {
		fs.mu.Unlock()
		return err
	}
	f := fs.file
	fs.mu.Unlock()
	if _, err := f.ReadAt(p, offset); err != nil {
		return errors.Wrapf(err, "read %d bytes at %d from store %s", len(p), offset, fs.name)
	}
	return nil
}

// NewInputStream reads from offset to the current end of the store.
func (fs *FileStore) NewInputStream(offset int64) (io.Reader, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureOpen(); err != nil {
		return nil, err
	}
	return io.NewSectionReader(fs.file, offset, fs.length-offset), nil
}

// NewOutputStream appends to the end of the store.
func (fs *FileStore) NewOutputStream() io.Writer {
	return appendWriter{fs}
}

type appendWriter struct {
	fs *FileStore
}

func (w appendWriter) Write(p []byte) (int, error) {
	return w.fs.Write(p)
}

// Remove deletes the backing file. Idempotent.
func (fs *FileStore) Remove() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.removed {
		return
	}
	fs.removed = true
	if fs.file != nil {
		fs.file.Close()
		fs.file = nil
	}
	if err := os.Remove(fs.path); err != nil && !os.IsNotExist(err) {
		logutil.Warnf("remove store %s: %v", fs.name, err)
	}
	fs.length = 0
}
