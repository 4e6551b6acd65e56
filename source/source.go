// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package source defines the data source contract consumed by the
// scheduler, together with helpers for implementing it.
//
// A data source knows a particular corpus format. It exposes the streams it
// produces, the timeline of all the sequences it can provide, and random
// access to sequence payloads by ID. Payloads are handed out through a
// Lease, which expires as soon as the next payload request is served.
package source

import (
	"github.com/nlpodyssey/minibatch/epoch"
	"github.com/nlpodyssey/minibatch/sequence"
	"github.com/nlpodyssey/minibatch/stream"
)

// Source is implemented by data sources.
type Source interface {
	// Streams describes the streams the source produces, in stream order.
	Streams() []stream.Descriptor

	// StartEpoch prepares source-internal state for a new epoch.
	// It must be idempotent across workers.
	StartEpoch(cfg epoch.Config) error

	// SequenceDescriptions returns the timeline of all sequences.
	// It is built on first request and cached for the lifetime of
	// the source.
	SequenceDescriptions() (sequence.Timeline, error)

	// SequencesByID returns the payloads of the given sequences.
	// The outer slice of the leased data is aligned with ids, the inner
	// one with stream order. The lease expires on the next call.
	SequencesByID(ids []int) (*Lease, error)

	// RequireChunk is an advisory hint that the chunk will be read soon.
	RequireChunk(chunkID int)

	// ReleaseChunk is an advisory hint that the chunk is no longer needed.
	ReleaseChunk(chunkID int)
}

// Sequences is a batch of sequences selected for one minibatch.
type Sequences struct {
	// EndOfEpoch signals that the epoch has been exhausted. It can be set
	// together with a non-empty batch (the epoch tail).
	EndOfEpoch bool
	// IDs of the selected sequences, in scheduling order.
	IDs []int
	// Lease on the payloads of IDs. It is nil if IDs is empty.
	Lease *Lease
}

// Data returns the leased payloads, or nil if the batch is empty.
func (s Sequences) Data() ([][]sequence.Data, error) {
	if len(s.IDs) == 0 || s.Lease == nil {
		return nil, nil
	}
	return s.Lease.Data()
}
