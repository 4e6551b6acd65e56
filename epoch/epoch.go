// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package epoch defines the configuration communicated to the reader each
// time an epoch starts.
package epoch

import (
	"errors"
	"fmt"
)

// FullSweep is the TotalEpochSizeInSamples value meaning "one full sweep
// over the data source".
const FullSweep = -1

// Config is the configuration of a single epoch. It is supplied once per
// epoch and does not change for the duration of that epoch.
type Config struct {
	// NumberOfWorkers is the number of cooperating workers for the epoch.
	NumberOfWorkers int
	// WorkerRank is the rank of this worker, in [0, NumberOfWorkers).
	WorkerRank int
	// MinibatchSizeInSamples is the maximum minibatch size for the epoch.
	MinibatchSizeInSamples int
	// TotalEpochSizeInSamples is the total size of the epoch in samples,
	// or FullSweep.
	TotalEpochSizeInSamples int
	// EpochIndex is the current epoch index, starting from 0.
	EpochIndex int
}

// Validate returns an error if the configuration is not usable.
func (c Config) Validate() error {
	if c.NumberOfWorkers < 1 {
		return fmt.Errorf("invalid number of workers %d", c.NumberOfWorkers)
	}
	if c.WorkerRank < 0 || c.WorkerRank >= c.NumberOfWorkers {
		return fmt.Errorf("worker rank %d out of range [0, %d)", c.WorkerRank, c.NumberOfWorkers)
	}
	if c.MinibatchSizeInSamples < 1 {
		return fmt.Errorf("invalid minibatch size %d", c.MinibatchSizeInSamples)
	}
	if c.TotalEpochSizeInSamples != FullSweep && c.TotalEpochSizeInSamples < 1 {
		return fmt.Errorf("invalid epoch size %d", c.TotalEpochSizeInSamples)
	}
	if c.EpochIndex < 0 {
		return errors.New("negative epoch index")
	}
	return nil
}

// IsFullSweep reports whether the epoch spans exactly one sweep over the
// data source.
func (c Config) IsFullSweep() bool {
	return c.TotalEpochSizeInSamples == FullSweep
}
