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

package logutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetupFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.log")
	Setup(Cfg{Level: "debug", Filename: path})
	defer Setup(Cfg{})

	Info("spill started", zap.String("store", "42"))
	Debugf("batch %d written", 7)
	require.NoError(t, GetGlobalLogger().Sync())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "spill started")
	assert.Contains(t, string(content), "batch 7 written")
}

func TestBadLevelFallsBack(t *testing.T) {
	Setup(Cfg{Level: "nonsense"})
	defer Setup(Cfg{})
	assert.NotNil(t, GetGlobalLogger())
}
