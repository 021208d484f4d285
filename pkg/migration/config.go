/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package migration

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/srediag/rawmig/internal/debuglog"
	"github.com/srediag/rawmig/pkg/stream"
)

const (
	defaultOutgoingFileMode = 0o644
	minStreamBufferSize     = 4 << 10
	maxStreamBufferSize     = 64 << 20
)

// Config is the configuration of a Backend.
type Config struct {
	// SpillDir holds the transient files of non-live dumps.
	SpillDir string `yaml:"spill_dir"`
	// MinSpillFreeBytes, when non-zero, is the free space SpillDir must have
	// before a dump starts.
	MinSpillFreeBytes uint64 `yaml:"min_spill_free_bytes"`
	// OutgoingFileMode is the permission of files created for outgoing
	// migrations to a path.
	OutgoingFileMode uint32 `yaml:"outgoing_file_mode"`
	// StreamBufferSize is the stream buffer used when no StreamFactory is given.
	StreamBufferSize int `yaml:"stream_buffer_size"`
	// LogLevel sets the debuglog level when it is between LevelTrace and
	// LevelNoPrint. Negative leaves the level alone.
	LogLevel int `yaml:"log_level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		SpillDir:         os.TempDir(),
		OutgoingFileMode: defaultOutgoingFileMode,
		StreamBufferSize: stream.DefaultBufferSize,
		LogLevel:         -1,
	}
}

// VerifyConfig checks c for values a Backend cannot work with.
func VerifyConfig(c *Config) error {
	if c == nil {
		return errors.New("migration: nil config")
	}
	if c.SpillDir == "" || !filepath.IsAbs(c.SpillDir) {
		return fmt.Errorf("migration: spill_dir must be an absolute path, got %q", c.SpillDir)
	}
	if c.OutgoingFileMode&^0o777 != 0 {
		return fmt.Errorf("migration: outgoing_file_mode %#o has bits outside 0777", c.OutgoingFileMode)
	}
	if c.StreamBufferSize < minStreamBufferSize || c.StreamBufferSize > maxStreamBufferSize {
		return fmt.Errorf("migration: stream_buffer_size must be within [%d, %d], got %d",
			minStreamBufferSize, maxStreamBufferSize, c.StreamBufferSize)
	}
	if c.LogLevel > debuglog.LevelNoPrint {
		return fmt.Errorf("migration: log_level %d is above %d", c.LogLevel, debuglog.LevelNoPrint)
	}
	return nil
}

// LoadConfig reads a YAML file on top of DefaultConfig and verifies it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("migration: read config: %w", err)
	}
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("migration: parse config %s: %w", path, err)
	}
	if err := VerifyConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}
