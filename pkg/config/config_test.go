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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillDefaultsAutoSizing(t *testing.T) {
	cfg := Default().FillDefaults()
	assert.Equal(t, DefaultProcessorBatchSize, cfg.ProcessorBatchSize)
	assert.Equal(t, DefaultConnectorBatchSize, cfg.ConnectorBatchSize)
	assert.True(t, cfg.UseWeakReferences)

	memoryKB := DefaultSystemMemoryKB - 300*M/K
	assert.Greater(t, cfg.MaxReserveKB, 0)
	assert.Less(t, cfg.MaxReserveKB, memoryKB)
	// At least eight batches worth of processing room.
	assert.GreaterOrEqual(t, cfg.MaxProcessingKB, 8*cfg.ProcessorBatchSize)
	assert.Equal(t, cfg.MaxReserveKB/4, cfg.ReferenceCacheKB)
}

func TestFillDefaultsExplicitValuesKept(t *testing.T) {
	cfg := Default()
	cfg.MaxReserveKB = 64
	cfg.MaxProcessingKB = 32
	cfg.ProcessorBatchSize = 4
	cfg.FillDefaults()
	assert.Equal(t, 64, cfg.MaxReserveKB)
	assert.Equal(t, 32, cfg.MaxProcessingKB)
	assert.Equal(t, 4, cfg.ProcessorBatchSize)
}

func TestFillDefaultsIdempotent(t *testing.T) {
	cfg := Default().FillDefaults()
	reserve := cfg.MaxReserveKB
	processing := cfg.MaxProcessingKB
	cfg.FillDefaults()
	assert.Equal(t, reserve, cfg.MaxReserveKB)
	assert.Equal(t, processing, cfg.MaxProcessingKB)
}

func TestLoadToml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "buffer.toml")
	content := `
data-dir = "/tmp/spill"
processor-batch-size = 512
max-reserve-kb = 1024
spill-compress = true

[log]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/spill", cfg.DataDir)
	assert.Equal(t, 512, cfg.ProcessorBatchSize)
	assert.Equal(t, 1024, cfg.MaxReserveKB)
	assert.True(t, cfg.SpillCompress)
	assert.True(t, cfg.UseWeakReferences)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
