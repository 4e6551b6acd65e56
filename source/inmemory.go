// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package source

import (
	"fmt"

	"github.com/nlpodyssey/minibatch/sequence"
	"github.com/nlpodyssey/minibatch/stream"
)

// InMemory is a Source serving payloads held in memory.
//
// Sequence i is assigned to chunk i / chunkSize.
type InMemory struct {
	*Base
	payloads [][]sequence.Data
}

var _ Source = &InMemory{}

// NewInMemory validates the streams and payloads, and returns a new InMemory
// source. payloads[i][j] is the payload of sequence i for stream j.
func NewInMemory(streams []stream.Descriptor, payloads [][]sequence.Data, chunkSize int) (*InMemory, error) {
	if chunkSize < 1 {
		return nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	for _, s := range streams {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}

	sampleCounts := make([]int, len(payloads))
	for i, seq := range payloads {
		if len(seq) != len(streams) {
			return nil, fmt.Errorf("sequence %d: expected %d stream payloads, actual %d", i, len(streams), len(seq))
		}
		for j, d := range seq {
			if err := sequence.CheckPayload(d, streams[j]); err != nil {
				return nil, fmt.Errorf("sequence %d: %w", i, err)
			}
			if j == 0 {
				sampleCounts[i] = d.NumSamples()
			} else if n := d.NumSamples(); n != sampleCounts[i] {
				return nil, fmt.Errorf("sequence %d: stream %q has %d samples, expected %d", i, streams[j].Name, n, sampleCounts[i])
			}
		}
	}

	fill := func() (sequence.Timeline, error) {
		tl := make(sequence.Timeline, len(payloads))
		for i := range tl {
			tl[i] = sequence.Descriptor{
				ID:          i,
				SampleCount: sampleCounts[i],
				ChunkID:     i / chunkSize,
				Valid:       true,
			}
		}
		return tl, nil
	}

	return &InMemory{
		Base:     NewBase(streams, fill),
		payloads: payloads,
	}, nil
}

// SequencesByID returns a lease on the payloads of the given sequences.
func (m *InMemory) SequencesByID(ids []int) (*Lease, error) {
	m.Expire()
	data := make([][]sequence.Data, len(ids))
	for i, id := range ids {
		if id < 0 || id >= len(m.payloads) {
			return nil, fmt.Errorf("sequence id %d out of range [0, %d)", id, len(m.payloads))
		}
		data[i] = m.payloads[id]
	}
	return m.Issue(data), nil
}
