// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sequence

import (
	"fmt"

	"github.com/nlpodyssey/minibatch/stream"
)

// Data is the payload of one sequence for one stream.
//
// It is a closed set: the only implementations are Dense and SparseRows,
// matching the stream.StorageKind of the stream the payload belongs to.
// Code dispatching on Data must use a type switch over both variants.
//
// The byte slices of a payload are views on memory owned by the data
// source. They are only readable through the source.Lease they were
// obtained from, and must not be retained past the next fetch.
type Data interface {
	// NumSamples returns how many samples the payload contains.
	NumSamples() int
	// Storage returns the storage kind the payload is encoded with.
	Storage() stream.StorageKind

	isData()
}

// Dense is a sequence payload for a stream.Dense stream. All samples are
// stored one after the other in Bytes, each with the same SampleLayout.
type Dense struct {
	Bytes        []byte
	SampleLayout stream.Shape
	Samples      int
}

// SparseRows is a sequence payload for a stream.SparseRows stream.
//
// Values holds all non-zero elements one after the other; Rows holds, for
// each sample, the row index of each of its non-zero elements, in the same
// order as Values. Indices must be unique within a sample.
type SparseRows struct {
	Values []byte
	Rows   [][]int
}

var (
	_ Data = Dense{}
	_ Data = SparseRows{}
)

func (d Dense) NumSamples() int                { return d.Samples }
func (Dense) Storage() stream.StorageKind      { return stream.Dense }
func (Dense) isData()                          {}
func (s SparseRows) NumSamples() int           { return len(s.Rows) }
func (SparseRows) Storage() stream.StorageKind { return stream.SparseRows }
func (SparseRows) isData()                     {}

// NonZeroCount returns the total number of non-zero elements over all
// samples.
func (s SparseRows) NonZeroCount() int {
	n := 0
	for _, r := range s.Rows {
		n += len(r)
	}
	return n
}

// CheckPayload verifies that d is consistent with the stream it is
// supposed to belong to.
func CheckPayload(d Data, desc stream.Descriptor) error {
	switch p := d.(type) {
	case Dense:
		if desc.Storage != stream.Dense {
			return fmt.Errorf("stream %q: dense payload for %s storage", desc.Name, desc.Storage)
		}
		size, err := desc.SampleByteSize()
		if err != nil {
			return fmt.Errorf("stream %q: %w", desc.Name, err)
		}
		if want := size * p.Samples; len(p.Bytes) != want {
			return fmt.Errorf("stream %q: dense payload has %d bytes, expected %d", desc.Name, len(p.Bytes), want)
		}
	case SparseRows:
		if desc.Storage != stream.SparseRows {
			return fmt.Errorf("stream %q: sparse payload for %s storage", desc.Name, desc.Storage)
		}
		dim, err := desc.SampleElements()
		if err != nil {
			return fmt.Errorf("stream %q: %w", desc.Name, err)
		}
		if want := p.NonZeroCount() * desc.Element.Size(); len(p.Values) != want {
			return fmt.Errorf("stream %q: sparse payload has %d value bytes, expected %d", desc.Name, len(p.Values), want)
		}
		seen := make(map[int]struct{})
		for i, rows := range p.Rows {
			if err := CheckRows(rows, dim, seen); err != nil {
				return fmt.Errorf("stream %q: sample %d: %w", desc.Name, i, err)
			}
		}
	default:
		return fmt.Errorf("stream %q: unknown payload type %T", desc.Name, d)
	}
	return nil
}

// CheckRows verifies that the row indices of one sparse sample are in
// [0, dim) and unique. seen is cleared and used as scratch space; it can
// be nil.
func CheckRows(rows []int, dim int, seen map[int]struct{}) error {
	if seen == nil {
		seen = make(map[int]struct{}, len(rows))
	} else {
		clear(seen)
	}
	for _, r := range rows {
		if r < 0 || r >= dim {
			return fmt.Errorf("row index %d out of range [0, %d)", r, dim)
		}
		if _, ok := seen[r]; ok {
			return fmt.Errorf("duplicate row index %d", r)
		}
		seen[r] = struct{}{}
	}
	return nil
}
