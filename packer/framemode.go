// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package packer assembles scheduled sequences into minibatches: per-stream
// flat buffers, ready to be consumed downstream.
package packer

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/nlpodyssey/minibatch/memory"
	"github.com/nlpodyssey/minibatch/sequence"
	"github.com/nlpodyssey/minibatch/source"
	"github.com/nlpodyssey/minibatch/stream"
)

var (
	// ErrUnsupportedStorage is returned when a stream or a payload uses a
	// storage kind the packer cannot handle.
	ErrUnsupportedStorage = errors.New("unsupported storage kind")
	// ErrUnsupportedElement is returned when a stream uses an element kind
	// the packer cannot handle.
	ErrUnsupportedElement = errors.New("unsupported element kind")
	// ErrClosed is returned when using a closed packer.
	ErrClosed = errors.New("packer is closed")
)

// Upstream provides the sequences to pack.
type Upstream interface {
	// Streams describes the streams of the provided sequences.
	Streams() []stream.Descriptor
	// NextSequences returns up to count sequences.
	NextSequences(count int) (source.Sequences, error)
}

// FrameMode packs minibatches of single-sample sequences.
//
// One buffer per output stream, large enough for a minibatch of capacity
// samples, is allocated on creation and reused by every ReadMinibatch call.
// Buffers are released by Close.
//
// A FrameMode packer is not safe for concurrent use.
type FrameMode struct {
	upstream      Upstream
	capacity      int
	requestSize   int
	inputStreams  []stream.Descriptor
	outputStreams []stream.Descriptor
	sampleSizes   []int
	buffers       []*memory.Buffer
	streams       []StreamBuffer
	layout        *Layout
	closed        bool
}

// New creates a new FrameMode packer, allocating its buffers from provider.
//
// The output streams must correspond one by one to the upstream streams,
// with the same storage, element kind and sample size.
func New(provider memory.Provider, upstream Upstream, capacity int, streams []stream.Descriptor) (*FrameMode, error) {
	if provider == nil {
		return nil, errors.New("nil memory provider")
	}
	if upstream == nil {
		return nil, errors.New("nil upstream")
	}
	if capacity < 1 {
		return nil, fmt.Errorf("invalid minibatch capacity %d", capacity)
	}

	inputs := upstream.Streams()
	if len(inputs) != len(streams) {
		return nil, fmt.Errorf("upstream has %d streams, expected %d", len(inputs), len(streams))
	}

	p := &FrameMode{
		upstream:      upstream,
		capacity:      capacity,
		requestSize:   capacity,
		inputStreams:  inputs,
		outputStreams: append([]stream.Descriptor(nil), streams...),
		sampleSizes:   make([]int, len(streams)),
		buffers:       make([]*memory.Buffer, 0, len(streams)),
		streams:       make([]StreamBuffer, len(streams)),
		layout:        &Layout{},
	}

	for j, out := range p.outputStreams {
		size, err := checkStreams(inputs[j], out)
		if err != nil {
			return nil, err
		}
		if hi, total := bits.Mul(uint(capacity), uint(size)); hi != 0 || total > math.MaxInt {
			return nil, fmt.Errorf("stream %q: buffer size overflow: capacity %d * sample size %d", out.Name, capacity, size)
		}
		p.sampleSizes[j] = size
	}

	for j, out := range p.outputStreams {
		n, _ := out.SampleElements()
		buf, err := memory.Acquire(provider, out.Element.Size(), capacity*n)
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("stream %q: %w", out.Name, err)
		}
		p.buffers = append(p.buffers, buf)
		p.streams[j].Layout = p.layout
	}
	return p, nil
}

func checkStreams(in, out stream.Descriptor) (int, error) {
	if err := out.Validate(); err != nil {
		return 0, err
	}
	switch out.Storage {
	case stream.Dense, stream.SparseRows:
	default:
		return 0, fmt.Errorf("stream %q: %w: %s", out.Name, ErrUnsupportedStorage, out.Storage)
	}
	if !out.Element.IsStreamKind() {
		return 0, fmt.Errorf("stream %q: %w: %s", out.Name, ErrUnsupportedElement, out.Element)
	}
	if in.Storage != out.Storage || in.Element != out.Element {
		return 0, fmt.Errorf("stream %q: upstream stream %q is %s/%s, expected %s/%s",
			out.Name, in.Name, in.Storage, in.Element, out.Storage, out.Element)
	}
	size, err := out.SampleByteSize()
	if err != nil {
		return 0, fmt.Errorf("stream %q: %w", out.Name, err)
	}
	inSize, err := in.SampleByteSize()
	if err != nil {
		return 0, fmt.Errorf("stream %q: %w", in.Name, err)
	}
	if inSize != size {
		return 0, fmt.Errorf("stream %q: upstream sample size %d, expected %d", out.Name, inSize, size)
	}
	return size, nil
}

// Capacity returns the maximum number of samples of a minibatch.
func (p *FrameMode) Capacity() int { return p.capacity }

// Streams returns the output stream descriptors.
func (p *FrameMode) Streams() []stream.Descriptor {
	return append([]stream.Descriptor(nil), p.outputStreams...)
}

// SetRequestSize sets how many sequences each ReadMinibatch requests,
// between 1 and the capacity. It defaults to the capacity.
func (p *FrameMode) SetRequestSize(n int) error {
	if n < 1 || n > p.capacity {
		return fmt.Errorf("minibatch size %d out of range [1, %d]", n, p.capacity)
	}
	p.requestSize = n
	return nil
}

// ReadMinibatch requests the next sequences from upstream and packs them.
//
// The returned stream buffers are only valid until the next call. If
// packing fails, no minibatch is returned at all.
func (p *FrameMode) ReadMinibatch() (Minibatch, error) {
	if p.closed {
		return Minibatch{}, ErrClosed
	}

	seqs, err := p.upstream.NextSequences(p.requestSize)
	if err != nil {
		return Minibatch{}, err
	}
	data, err := seqs.Data()
	if err != nil {
		return Minibatch{}, err
	}
	if len(data) > p.capacity {
		return Minibatch{}, fmt.Errorf("upstream returned %d sequences, capacity is %d", len(data), p.capacity)
	}

	for i, seq := range data {
		if len(seq) != len(p.buffers) {
			return Minibatch{}, fmt.Errorf("sequence %d has %d streams, expected %d", seqs.IDs[i], len(seq), len(p.buffers))
		}
		for j, d := range seq {
			if err := p.pack(j, i, d); err != nil {
				return Minibatch{}, fmt.Errorf("sequence %d: %w", seqs.IDs[i], err)
			}
		}
	}

	m := Minibatch{EndOfEpoch: seqs.EndOfEpoch}
	if len(data) == 0 {
		return m, nil
	}

	p.layout.InitAsFrameMode(len(data))
	for j := range p.streams {
		byteSize := len(data) * p.sampleSizes[j]
		p.streams[j].Data = p.buffers[j].Bytes()[:byteSize]
		p.streams[j].ByteSize = byteSize
	}
	m.Streams = append([]StreamBuffer(nil), p.streams...)
	return m, nil
}

// pack writes the payload d of stream j into minibatch slot i.
func (p *FrameMode) pack(j, i int, d sequence.Data) error {
	desc := p.inputStreams[j]
	size := p.sampleSizes[j]
	slot := p.buffers[j].Bytes()[i*size : (i+1)*size]

	switch payload := d.(type) {
	case sequence.Dense:
		if desc.Storage != stream.Dense {
			return fmt.Errorf("stream %q: %w: dense payload for %s stream", desc.Name, ErrUnsupportedStorage, desc.Storage)
		}
		if payload.Samples != 1 {
			return fmt.Errorf("stream %q: dense payload has %d samples, frame mode requires 1", desc.Name, payload.Samples)
		}
		if len(payload.Bytes) != size {
			return fmt.Errorf("stream %q: dense payload has %d bytes, expected %d", desc.Name, len(payload.Bytes), size)
		}
		copy(slot, payload.Bytes)

	case sequence.SparseRows:
		if desc.Storage != stream.SparseRows {
			return fmt.Errorf("stream %q: %w: sparse payload for %s stream", desc.Name, ErrUnsupportedStorage, desc.Storage)
		}
		if len(payload.Rows) != 1 {
			return fmt.Errorf("stream %q: sparse payload has %d samples, frame mode requires 1", desc.Name, len(payload.Rows))
		}
		elemSize := desc.Element.Size()
		rows := payload.Rows[0]
		if len(payload.Values) != len(rows)*elemSize {
			return fmt.Errorf("stream %q: sparse payload has %d value bytes for %d rows", desc.Name, len(payload.Values), len(rows))
		}
		clear(slot)
		dim := size / elemSize
		for k, row := range rows {
			if row < 0 || row >= dim {
				return fmt.Errorf("stream %q: row index %d out of range [0, %d)", desc.Name, row, dim)
			}
			offset := row * elemSize
			copy(slot[offset:offset+elemSize], payload.Values[k*elemSize:(k+1)*elemSize])
		}

	default:
		return fmt.Errorf("stream %q: %w: payload type %T", desc.Name, ErrUnsupportedStorage, d)
	}
	return nil
}

// Close releases all buffers. Calling it more than once does nothing.
func (p *FrameMode) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for _, b := range p.buffers {
		if err := b.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	p.buffers = nil
	return errors.Join(errs...)
}
