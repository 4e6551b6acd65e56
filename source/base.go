// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package source

import (
	"sync"

	"github.com/nlpodyssey/minibatch/epoch"
	"github.com/nlpodyssey/minibatch/sequence"
	"github.com/nlpodyssey/minibatch/stream"
)

// FillFunc builds the complete timeline of a data source.
type FillFunc func() (sequence.Timeline, error)

// Base provides a default implementation for a subset of the Source
// methods. It is meant to be embedded by concrete sources.
//
// The timeline is computed once, on the first SequenceDescriptions call,
// and the result (or the error) is cached for the lifetime of the Base.
// Concurrent callers all observe the completed timeline.
//
// By default StartEpoch does nothing and chunk hints are ignored, that is
// no I/O read-ahead is implemented.
type Base struct {
	Window

	streams  []stream.Descriptor
	fill     FillFunc
	once     sync.Once
	timeline sequence.Timeline
	err      error
}

// NewBase returns a new Base for the given streams and timeline builder.
func NewBase(streams []stream.Descriptor, fill FillFunc) *Base {
	s := make([]stream.Descriptor, len(streams))
	copy(s, streams)
	return &Base{streams: s, fill: fill}
}

// Streams returns a copy of the stream descriptors.
func (b *Base) Streams() []stream.Descriptor {
	s := make([]stream.Descriptor, len(b.streams))
	copy(s, b.streams)
	return s
}

// StartEpoch is a no-op.
func (b *Base) StartEpoch(epoch.Config) error { return nil }

// SequenceDescriptions returns the cached timeline, building it on first use.
func (b *Base) SequenceDescriptions() (sequence.Timeline, error) {
	b.once.Do(func() {
		b.timeline, b.err = b.fill()
	})
	return b.timeline, b.err
}

// RequireChunk is a no-op.
func (b *Base) RequireChunk(int) {}

// ReleaseChunk is a no-op.
func (b *Base) ReleaseChunk(int) {}
