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
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/XuQianJin-Stars/teiid/pkg/logutil"
)

const (
	K = 1 << 10
	M = 1 << 20
	G = 1 << 30

	DefaultConnectorBatchSize = 256
	DefaultProcessorBatchSize = 256
	DefaultMaxActivePlans     = 20
	DefaultCleanupWorkers     = 2

	// Auto sizing falls back to this when no memory limit is configured.
	DefaultSystemMemoryKB = 2 * G / K

	// Memory held back from the reserve budget for everything that is
	// not batch data.
	systemHeadroomKB = 300 * M / K
)

// Config carries every tunable of the buffer subsystem. The zero value is
// not usable; start from Default() so that toml decoding only overrides
// what the file names.
type Config struct {
	// DataDir is where spill files are created.
	DataDir string `toml:"data-dir"`

	// ConnectorBatchSize is the row count of source-produced batches.
	ConnectorBatchSize int `toml:"connector-batch-size"`
	// ProcessorBatchSize is the row count of operator-consumed batches.
	ProcessorBatchSize int `toml:"processor-batch-size"`

	// MaxReserveKB bounds the reserve pool. Negative means auto.
	MaxReserveKB int `toml:"max-reserve-kb"`
	// MaxProcessingKB is the per-plan ceiling. Negative means auto.
	MaxProcessingKB int `toml:"max-processing-kb"`
	// MaxActivePlans is only used to auto-compute MaxProcessingKB.
	MaxActivePlans int `toml:"max-active-plans"`

	// SystemMemoryKB is the memory budget auto sizing works from.
	SystemMemoryKB int `toml:"system-memory-kb"`

	// UseWeakReferences selects short-lived second-chance cache entries
	// for demoted batches that do not prefer memory. When false every
	// demoted batch gets the long-lived treatment.
	UseWeakReferences bool `toml:"use-weak-references"`

	// ReferenceCacheKB sizes the second-chance cache. Zero means auto
	// (a quarter of the reserve pool).
	ReferenceCacheKB int `toml:"reference-cache-kb"`

	// SpillCompress writes spilled batches through lz4.
	SpillCompress bool `toml:"spill-compress"`

	// CleanupWorkers sizes the background removal pool.
	CleanupWorkers int `toml:"cleanup-workers"`

	Log logutil.Cfg `toml:"log"`
}

func Default() *Config {
	return &Config{
		ConnectorBatchSize: DefaultConnectorBatchSize,
		ProcessorBatchSize: DefaultProcessorBatchSize,
		MaxReserveKB:       -1,
		MaxProcessingKB:    -1,
		MaxActivePlans:     DefaultMaxActivePlans,
		UseWeakReferences:  true,
		CleanupWorkers:     DefaultCleanupWorkers,
	}
}

// Load reads a toml file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}
	return cfg.FillDefaults(), nil
}

// FillDefaults resolves auto-sized fields. Idempotent.
func (c *Config) FillDefaults() *Config {
	if c.ConnectorBatchSize <= 0 {
		c.ConnectorBatchSize = DefaultConnectorBatchSize
	}
	if c.ProcessorBatchSize <= 0 {
		c.ProcessorBatchSize = DefaultProcessorBatchSize
	}
	if c.MaxActivePlans <= 0 {
		c.MaxActivePlans = DefaultMaxActivePlans
	}
	if c.SystemMemoryKB <= 0 {
		c.SystemMemoryKB = DefaultSystemMemoryKB
	}
	if c.CleanupWorkers <= 0 {
		c.CleanupWorkers = DefaultCleanupWorkers
	}
	memoryKB := c.SystemMemoryKB - systemHeadroomKB
	if memoryKB < 0 {
		memoryKB = 0
	}
	if c.MaxReserveKB < 0 {
		oneGig := G / K
		reserve := 0
		if memoryKB > oneGig {
			// 75% of the memory over the first gig.
			reserve += (memoryKB - oneGig) * 3 / 4
		}
		half := memoryKB
		if half > oneGig {
			half = oneGig
		}
		reserve += half / 2
		c.MaxReserveKB = reserve
	}
	if c.MaxProcessingKB < 0 {
		auto := 8 * c.ProcessorBatchSize
		planShare := memoryKB / 10 / c.MaxActivePlans
		if planShare > auto {
			auto = planShare
		}
		c.MaxProcessingKB = auto
	}
	if c.ReferenceCacheKB <= 0 {
		c.ReferenceCacheKB = c.MaxReserveKB / 4
		if c.ReferenceCacheKB < 1 {
			c.ReferenceCacheKB = 1
		}
	}
	return c
}
