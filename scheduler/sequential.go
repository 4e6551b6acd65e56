// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scheduler selects, epoch by epoch, which sequences of a data
// source go into each minibatch.
package scheduler

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/nlpodyssey/minibatch/epoch"
	"github.com/nlpodyssey/minibatch/sequence"
	"github.com/nlpodyssey/minibatch/source"
	"github.com/nlpodyssey/minibatch/stream"
)

var (
	// ErrEpochNotStarted is returned by NextSequences before StartEpoch.
	ErrEpochNotStarted = errors.New("epoch not started")
	// ErrNotFrameMode is returned when scheduling requires every sequence
	// to have exactly one sample, and the timeline does not satisfy it.
	ErrNotFrameMode = errors.New("timeline has multi-sample sequences: only frame mode is supported")
)

// Sequential is a scheduler that walks the timeline in order, without
// any randomization.
//
// Work is sharded across workers by whole chunk: a worker only picks
// sequences whose chunk ID modulo the number of workers equals its rank,
// so each chunk is read by exactly one worker. Workers are therefore not
// guaranteed to receive the same number of samples.
//
// A Sequential is not safe for concurrent use.
type Sequential struct {
	source   source.Source
	timeline sequence.Timeline

	numSequences int
	numChunks    int
	numSamples   int
	// frameMode is true iff all sequences have exactly one sample.
	frameMode bool

	started         bool
	workerRank      int
	numberOfWorkers int
	epochSize       int

	samplePositionInEpoch   int
	sweep                   int
	sequencePositionInSweep int
}

// Position is the scheduling position within the current epoch.
type Position struct {
	// Sweep is the index of the current sweep over the timeline.
	Sweep int
	// SequenceInSweep is the index of the next sequence to inspect.
	SequenceInSweep int
	// SampleInEpoch is the number of samples consumed (or skipped on
	// behalf of other workers) so far in the epoch.
	SampleInEpoch int
}

// New returns a new Sequential scheduler over src.
//
// The timeline of src is checked once with
// sequence.IsValidForSequentialScheduling; failure is reported as
// sequence.ErrInvalidTimeline.
func New(src source.Source) (*Sequential, error) {
	if src == nil {
		return nil, errors.New("nil data source")
	}
	timeline, err := src.SequenceDescriptions()
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence descriptions: %w", err)
	}
	if len(timeline) == 0 {
		return nil, fmt.Errorf("%w: no sequences", sequence.ErrInvalidTimeline)
	}
	if !sequence.IsValidForSequentialScheduling(timeline) {
		return nil, sequence.ErrInvalidTimeline
	}

	return &Sequential{
		source:       src,
		timeline:     timeline,
		numSequences: len(timeline),
		numChunks:    timeline.NumChunks(),
		numSamples:   timeline.NumSamples(),
		frameMode:    timeline.MaxSampleCount() == 1,
	}, nil
}

// Streams returns the streams of the underlying data source.
func (s *Sequential) Streams() []stream.Descriptor {
	return s.source.Streams()
}

// NumSequences returns the number of sequences in a sweep.
func (s *Sequential) NumSequences() int { return s.numSequences }

// NumChunks returns the number of chunks in a sweep.
func (s *Sequential) NumChunks() int { return s.numChunks }

// NumSamples returns the number of samples in a sweep.
func (s *Sequential) NumSamples() int { return s.numSamples }

// FrameMode reports whether every sequence has exactly one sample.
func (s *Sequential) FrameMode() bool { return s.frameMode }

// EpochSize returns the size in samples of the current epoch.
func (s *Sequential) EpochSize() int { return s.epochSize }

// Position returns the current scheduling position.
func (s *Sequential) Position() Position {
	return Position{
		Sweep:           s.sweep,
		SequenceInSweep: s.sequencePositionInSweep,
		SampleInEpoch:   s.samplePositionInEpoch,
	}
}

// StartEpoch starts a new epoch, discarding the position of the previous
// one. It also starts the epoch of the data source.
//
// An epoch with index i begins i*epochSize samples into the (repeating)
// timeline, so that consecutive epochs continue where the previous one
// ended, wrapping around into a new sweep.
//
// A failed StartEpoch leaves no epoch started.
func (s *Sequential) StartEpoch(cfg epoch.Config) error {
	s.Reset()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid epoch configuration: %w", err)
	}
	if !s.frameMode {
		return ErrNotFrameMode
	}
	if err := s.source.StartEpoch(cfg); err != nil {
		return fmt.Errorf("failed to start data source epoch: %w", err)
	}

	epochSize := cfg.TotalEpochSizeInSamples
	if cfg.IsFullSweep() {
		epochSize = s.numSamples
	}
	hi, timeframe := bits.Mul(uint(epochSize), uint(cfg.EpochIndex))
	if hi != 0 || timeframe > math.MaxInt {
		return fmt.Errorf("epoch start overflows: epoch size %d, epoch index %d", epochSize, cfg.EpochIndex)
	}

	s.workerRank = cfg.WorkerRank
	s.numberOfWorkers = cfg.NumberOfWorkers
	s.epochSize = epochSize
	s.samplePositionInEpoch = 0
	// In frame mode a sample position is also a sequence position.
	s.sweep = int(timeframe) / s.numSamples
	s.sequencePositionInSweep = int(timeframe) % s.numSamples
	s.started = true
	return nil
}

// Reset discards the current epoch. NextSequences fails with
// ErrEpochNotStarted until the next StartEpoch.
func (s *Sequential) Reset() {
	s.started = false
}

// NextSequences selects up to count sequences for this worker and returns
// them, leased from the data source, together with the end-of-epoch flag.
//
// IDs are returned in increasing timeline order within a sweep. Once the
// epoch is exhausted, the result has EndOfEpoch set; it still carries the
// sequences collected before exhaustion, if any.
func (s *Sequential) NextSequences(count int) (source.Sequences, error) {
	if !s.started {
		return source.Sequences{}, ErrEpochNotStarted
	}
	if count < 1 {
		return source.Sequences{}, fmt.Errorf("invalid sequence count %d", count)
	}

	var result source.Sequences
	ids := make([]int, 0, count)
	for len(ids) < count {
		if s.advanceToNextPositionForThisWorker() {
			result.EndOfEpoch = true
			break
		}
		desc := &s.timeline[s.sequencePositionInSweep]
		ids = append(ids, desc.ID)
		s.step(desc)
	}

	if len(ids) == 0 {
		return result, nil
	}

	lease, err := s.source.SequencesByID(ids)
	if err != nil {
		return source.Sequences{}, fmt.Errorf("failed to get sequences by id: %w", err)
	}
	result.IDs = ids
	result.Lease = lease
	return result, nil
}

// advanceToNextPositionForThisWorker skips the sequences belonging to the
// chunks of other workers, and reports whether the epoch is exhausted.
func (s *Sequential) advanceToNextPositionForThisWorker() bool {
	for s.samplePositionInEpoch < s.epochSize {
		desc := &s.timeline[s.sequencePositionInSweep]
		if desc.ChunkID%s.numberOfWorkers == s.workerRank {
			break
		}
		s.step(desc)
	}
	return s.epochSize <= s.samplePositionInEpoch
}

func (s *Sequential) step(desc *sequence.Descriptor) {
	s.samplePositionInEpoch += desc.SampleCount
	s.sequencePositionInSweep++
	if s.sequencePositionInSweep == s.numSequences {
		s.sequencePositionInSweep = 0
		s.sweep++
	}
}
