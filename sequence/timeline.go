// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sequence provides the sequence descriptors forming the timeline
// of a data source, and the payload types carrying sequence data.
package sequence

import "errors"

// ErrInvalidTimeline is returned when a timeline cannot be scheduled
// sequentially. It is a fatal corpus malformation.
var ErrInvalidTimeline = errors.New("timeline is not valid for sequential scheduling")

// Descriptor defines the main properties of a sequence, the smallest
// independently addressable unit of a corpus.
type Descriptor struct {
	// ID uniquely identifies the sequence within its source.
	ID int
	// SampleCount is the number of samples in the sequence.
	SampleCount int
	// ChunkID is the I/O chunk the sequence belongs to. How chunks are
	// defined is specific to a particular data source.
	ChunkID int
	// Valid reports whether the source could describe the sequence.
	Valid bool
}

// Timeline is the ordered list of all sequences of a data source,
// in ascending ID order.
type Timeline []Descriptor

// IsValidForSequentialScheduling reports whether the timeline only has
// valid sequences of non-zero length, with IDs incrementing from 0 by one,
// and chunk IDs that never decrease and never grow by more than one between
// consecutive sequences.
//
// It stops at the first violation and does not report which sequence
// failed.
func IsValidForSequentialScheduling(timeline Timeline) bool {
	previous := Descriptor{ID: -1, ChunkID: 0, Valid: true}
	for _, current := range timeline {
		ok := current.Valid &&
			previous.ID+1 == current.ID &&
			previous.ChunkID <= current.ChunkID &&
			current.ChunkID <= previous.ChunkID+1 &&
			current.SampleCount > 0
		if !ok {
			return false
		}
		previous = current
	}
	return true
}

// NumSamples returns the total number of samples over the whole timeline.
func (t Timeline) NumSamples() int {
	n := 0
	for _, d := range t {
		n += d.SampleCount
	}
	return n
}

// MaxSampleCount returns the largest SampleCount of the timeline,
// or 0 if the timeline is empty.
func (t Timeline) MaxSampleCount() int {
	m := 0
	for _, d := range t {
		if d.SampleCount > m {
			m = d.SampleCount
		}
	}
	return m
}

// NumChunks returns the number of chunks, assuming a timeline valid for
// sequential scheduling.
func (t Timeline) NumChunks() int {
	if len(t) == 0 {
		return 0
	}
	return t[len(t)-1].ChunkID + 1
}
