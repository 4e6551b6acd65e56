// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the YAML configuration of the mbread tool.
//
// Example:
//
//	corpus: data/train.corpus
//	minibatch_size: 64
//	workers: 4
//	rank: 0
//	epoch_size: sweep
//	epochs: 2
//	rate_limit_rps: 100
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/nlpodyssey/minibatch"
	"github.com/nlpodyssey/minibatch/epoch"
)

// Config of a reading session.
type Config struct {
	// Corpus is the path of the corpus file.
	Corpus string `yaml:"corpus"`
	// HeaderSizeLimit limits the corpus header size in bytes. Zero means
	// no limit.
	HeaderSizeLimit int `yaml:"header_size_limit"`
	// MinibatchSize is the number of samples per minibatch.
	MinibatchSize int `yaml:"minibatch_size"`
	// Workers is the total number of workers sharing the corpus.
	Workers int `yaml:"workers"`
	// Rank of this worker.
	Rank int `yaml:"rank"`
	// EpochSize is the number of samples per epoch.
	EpochSize EpochSize `yaml:"epoch_size"`
	// Epochs is the number of epochs to read.
	Epochs int `yaml:"epochs"`
	// RateLimitRPS limits minibatch reads per second. Zero disables it.
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
}

// EpochSize is a number of samples, or epoch.FullSweep, written "sweep"
// in YAML.
type EpochSize int

const sweepText = "sweep"

// UnmarshalYAML decodes "sweep" or a positive integer.
func (e *EpochSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: epoch_size must be a scalar", node.Line)
	}
	if node.Value == sweepText {
		*e = epoch.FullSweep
		return nil
	}
	n, err := strconv.Atoi(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: epoch_size must be %q or an integer, got %q", node.Line, sweepText, node.Value)
	}
	*e = EpochSize(n)
	return nil
}

// MarshalYAML encodes epoch.FullSweep as "sweep".
func (e EpochSize) MarshalYAML() (any, error) {
	if e == epoch.FullSweep {
		return sweepText, nil
	}
	return int(e), nil
}

// String returns "sweep" or the number of samples.
func (e EpochSize) String() string {
	if e == epoch.FullSweep {
		return sweepText
	}
	return strconv.Itoa(int(e))
}

// Load reads, parses and validates the configuration file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	c, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}
	return c, nil
}

// Parse parses a YAML configuration, applies defaults, and validates it.
// Unknown keys are rejected.
func Parse(b []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse YAML: %w", err)
	}
	c = c.WithDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// WithDefaults returns a copy of c with zero fields set to their default.
func (c Config) WithDefaults() Config {
	if c.MinibatchSize == 0 {
		c.MinibatchSize = minibatch.DefaultMinibatchSize
	}
	if c.Workers == 0 {
		c.Workers = 1
	}
	if c.EpochSize == 0 {
		c.EpochSize = epoch.FullSweep
	}
	if c.Epochs == 0 {
		c.Epochs = 1
	}
	return c
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Corpus == "" {
		return errors.New("corpus is required")
	}
	if c.HeaderSizeLimit < 0 {
		return fmt.Errorf("invalid header_size_limit %d", c.HeaderSizeLimit)
	}
	if c.Epochs < 1 {
		return fmt.Errorf("invalid epochs %d", c.Epochs)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("invalid rate_limit_rps %g", c.RateLimitRPS)
	}
	return c.Epoch(0).Validate()
}

// Epoch returns the configuration of the epoch with the given index.
func (c Config) Epoch(index int) epoch.Config {
	return epoch.Config{
		NumberOfWorkers:         c.Workers,
		WorkerRank:              c.Rank,
		MinibatchSizeInSamples:  c.MinibatchSize,
		TotalEpochSizeInSamples: int(c.EpochSize),
		EpochIndex:              index,
	}
}
