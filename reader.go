// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package minibatch assembles minibatches from a sequence data source.
//
// A Reader wires a source.Source to a sequential scheduler and a frame mode
// packer: the scheduler selects which sequences belong to the next
// minibatch for this worker, and the packer copies their payloads into
// per-stream flat buffers.
package minibatch

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nlpodyssey/minibatch/epoch"
	"github.com/nlpodyssey/minibatch/memory"
	"github.com/nlpodyssey/minibatch/packer"
	"github.com/nlpodyssey/minibatch/scheduler"
	"github.com/nlpodyssey/minibatch/source"
	"github.com/nlpodyssey/minibatch/stream"
)

// DefaultMinibatchSize is the packer capacity used when
// Options.MinibatchSize is zero.
const DefaultMinibatchSize = 256

type (
	// Minibatch is a bundle of packed samples across all streams.
	Minibatch = packer.Minibatch
	// StreamBuffer is the packed data of one stream of a Minibatch.
	StreamBuffer = packer.StreamBuffer
)

// Options for NewReader.
type Options struct {
	// MinibatchSize is the maximum number of samples per minibatch.
	// Packer buffers are sized for it once, on creation.
	MinibatchSize int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MinibatchSize == 0 {
		o.MinibatchSize = DefaultMinibatchSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Stats is a point-in-time view of what a Reader has produced. Empty
// end-of-epoch minibatches are not counted.
type Stats struct {
	Epochs int64
	// Counters for the current epoch.
	Minibatches int64
	Samples     int64
	Bytes       int64
	// Counters across all epochs.
	TotalMinibatches int64
	TotalSamples     int64
	TotalBytes       int64
}

type counters struct {
	minibatches atomic.Int64
	samples     atomic.Int64
	bytes       atomic.Int64
}

func (c *counters) record(samples, bytes int64) {
	c.minibatches.Add(1)
	c.samples.Add(samples)
	c.bytes.Add(bytes)
}

func (c *counters) reset() {
	c.minibatches.Store(0)
	c.samples.Store(0)
	c.bytes.Store(0)
}

// Reader reads minibatches from a data source.
//
// ReadMinibatch and StartEpoch must not be called concurrently. Stats can
// be called from any goroutine.
type Reader struct {
	source    source.Source
	scheduler *scheduler.Sequential
	packer    *packer.FrameMode
	logger    *slog.Logger
	epochs    atomic.Int64
	epoch     counters
	total     counters
}

// NewReader creates a new Reader over src. Packer buffers are allocated
// from provider and released by Close.
func NewReader(src source.Source, provider memory.Provider, opts Options) (*Reader, error) {
	opts = opts.withDefaults()
	if opts.MinibatchSize < 0 {
		return nil, fmt.Errorf("invalid minibatch size %d", opts.MinibatchSize)
	}

	sched, err := scheduler.New(src)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	p, err := packer.New(provider, sched, opts.MinibatchSize, src.Streams())
	if err != nil {
		return nil, fmt.Errorf("failed to create packer: %w", err)
	}

	r := &Reader{
		source:    src,
		scheduler: sched,
		packer:    p,
		logger:    opts.Logger.With("session", uuid.NewString()),
	}

	r.logger.Info("minibatch: reader created",
		"streams", len(src.Streams()),
		"sequences", sched.NumSequences(),
		"chunks", sched.NumChunks(),
		"samples", sched.NumSamples(),
		"frame_mode", sched.FrameMode(),
		"capacity", p.Capacity(),
	)
	return r, nil
}

// Streams returns the descriptors of the output streams, which are the
// streams of the data source in source order.
func (r *Reader) Streams() []stream.Descriptor {
	return r.source.Streams()
}

// StartEpoch starts a new epoch. cfg.MinibatchSizeInSamples can not be
// larger than the reader minibatch size.
func (r *Reader) StartEpoch(cfg epoch.Config) error {
	if capacity := r.packer.Capacity(); cfg.MinibatchSizeInSamples > capacity {
		r.scheduler.Reset()
		return fmt.Errorf("epoch minibatch size %d exceeds reader minibatch size %d", cfg.MinibatchSizeInSamples, capacity)
	}
	if err := r.scheduler.StartEpoch(cfg); err != nil {
		return err
	}
	if err := r.packer.SetRequestSize(cfg.MinibatchSizeInSamples); err != nil {
		r.scheduler.Reset()
		return err
	}
	r.epochs.Add(1)
	r.epoch.reset()

	r.logger.Info("minibatch: epoch started",
		"epoch_index", cfg.EpochIndex,
		"epoch_size", r.scheduler.EpochSize(),
		"minibatch_size", cfg.MinibatchSizeInSamples,
		"workers", cfg.NumberOfWorkers,
		"rank", cfg.WorkerRank,
	)
	return nil
}

// ReadMinibatch reads the next minibatch of the current epoch.
//
// The returned buffers are owned by the Reader and are overwritten by the
// next call. The last minibatch of an epoch has EndOfEpoch set; it can
// carry samples or be empty.
func (r *Reader) ReadMinibatch() (Minibatch, error) {
	mb, err := r.packer.ReadMinibatch()
	if err != nil {
		return Minibatch{}, err
	}

	var bytes int64
	for _, s := range mb.Streams {
		bytes += int64(s.ByteSize)
	}
	samples := int64(mb.NumSamples())
	if !mb.IsEmpty() {
		r.epoch.record(samples, bytes)
		r.total.record(samples, bytes)
	}

	r.logger.Debug("minibatch: minibatch read",
		"samples", samples,
		"bytes", bytes,
		"end_of_epoch", mb.EndOfEpoch,
	)
	if mb.EndOfEpoch {
		r.logger.Info("minibatch: end of epoch",
			"minibatches", r.epoch.minibatches.Load(),
			"samples", r.epoch.samples.Load(),
		)
	}
	return mb, nil
}

// Stats returns a snapshot of the reader counters.
func (r *Reader) Stats() Stats {
	return Stats{
		Epochs:           r.epochs.Load(),
		Minibatches:      r.epoch.minibatches.Load(),
		Samples:          r.epoch.samples.Load(),
		Bytes:            r.epoch.bytes.Load(),
		TotalMinibatches: r.total.minibatches.Load(),
		TotalSamples:     r.total.samples.Load(),
		TotalBytes:       r.total.bytes.Load(),
	}
}

// Close releases the packer buffers. The data source is not closed.
func (r *Reader) Close() error {
	if err := r.packer.Close(); err != nil {
		return fmt.Errorf("failed to release minibatch buffers: %w", err)
	}
	r.logger.Debug("minibatch: reader closed")
	return nil
}
