// Copyright 2026 The Chainwork Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads chainworkd's process configuration from a YAML
// file, decoded with gopkg.in/yaml.v3 the way the teacher's
// internal/encoding/yaml decodes documents.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is chainworkd's top-level process configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Notify NotifyConfig `yaml:"notify"`
	Worker WorkerConfig `yaml:"worker"`
	Log    LogConfig    `yaml:"log"`
}

// StoreConfig selects and parameterizes the Store adapter.
type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// NotifyConfig selects and parameterizes the NotifyFabric adapter.
type NotifyConfig struct {
	// Driver is "redis" or "memory".
	Driver string `yaml:"driver"`
	Addr   string `yaml:"addr"`
}

// WorkerConfig configures the embedded worker pool.
type WorkerConfig struct {
	Types              []string      `yaml:"types"`
	Concurrency        int           `yaml:"concurrency"`
	LeaseSeconds       int64         `yaml:"leaseSeconds"`
	RenewIntervalSecs  int64         `yaml:"renewIntervalSeconds"`
	PollIntervalSecs   int64         `yaml:"pollIntervalSeconds"`
	ReapIntervalSecs   int64         `yaml:"reapIntervalSeconds"`
	RetryInitialMillis int64         `yaml:"retryInitialMillis"`
	RetryMaxMillis     int64         `yaml:"retryMaxMillis"`
	RetryMultiplier    float64       `yaml:"retryMultiplier"`
}

// LogConfig configures the zap logger cmd/chainworkd builds.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration used when no file is
// given: in-memory store and fabric, and no worker types listed.
func Default() Config {
	return Config{
		Store:  StoreConfig{Driver: "memory"},
		Notify: NotifyConfig{Driver: "memory"},
		Worker: WorkerConfig{
			Concurrency:        4,
			LeaseSeconds:       30,
			RenewIntervalSecs:  15,
			PollIntervalSecs:   5,
			ReapIntervalSecs:   30,
			RetryInitialMillis: 1000,
			RetryMaxMillis:     100_000,
			RetryMultiplier:    2,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads and decodes a YAML configuration file at path, starting
// from Default so a file only needs to override what it cares about.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a YAML configuration document from r.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}
