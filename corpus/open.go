// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package corpus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"slices"
	"strings"

	"github.com/nlpodyssey/minibatch/corpus/header"
	"github.com/nlpodyssey/minibatch/sequence"
	"github.com/nlpodyssey/minibatch/source"
	"github.com/nlpodyssey/minibatch/stream"
)

// Corpus is a source.Source reading sequences from a corpus file.
//
// Only the header and the sparse offsets are held in memory. Payloads are
// read on request, seeking the underlying io.ReadSeeker, into a scratch
// area which is reused by every SequencesByID call.
//
// A Corpus is not safe for concurrent use.
type Corpus struct {
	*source.Base
	rs           io.ReadSeeker
	dataOffset   int64
	metadata     header.Metadata
	numSequences int
	chunkSize    int
	streams      []streamData
	scratch      []byte
	rows         []int
	seen         map[int]struct{}
}

var _ source.Source = &Corpus{}

type streamData struct {
	desc stream.Descriptor
	// sampleSize is the byte size of a dense sample, or of one sparse value.
	sampleSize int
	// data is the dense tensor, or the values tensor of a sparse stream.
	data    header.Tensor
	rows    header.Tensor
	offsets []int
}

// Open reads from "rs" the corpus header and validates it, then loads the
// sparse offsets. It returns a new Corpus in case of success.
//
// If headerSizeLimit is set to a positive number, a header larger than
// that many bytes is rejected before being read. A value of zero, or a
// negative number, have no limiting effects.
//
// The current "seek" position of "rs" is used as a base for all further
// seek-based operations. "rs" must remain available as long as the Corpus
// is used.
func Open(rs io.ReadSeeker, headerSizeLimit int) (*Corpus, error) {
	initialOffset, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("failed to get initial offset: %w", err)
	}

	head, err := header.Read(rs, headerSizeLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus header: %w", err)
	}
	if err = head.Validate(); err != nil {
		return nil, fmt.Errorf("corpus header is invalid: %w", err)
	}

	dataOffset, err := checkedAddNonNegInt64(initialOffset, int64(head.ByteBufferOffset))
	if err != nil {
		return nil, fmt.Errorf("failed to calculate total byte-buffer offset: %w", err)
	}

	c := &Corpus{
		rs:         rs,
		dataOffset: dataOffset,
		metadata:   head.Metadata,
	}
	if err = c.interpretHeader(head); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	descs := make([]stream.Descriptor, len(c.streams))
	for i, s := range c.streams {
		descs[i] = s.desc
	}
	c.Base = source.NewBase(descs, c.timeline)
	return c, nil
}

func (c *Corpus) interpretHeader(head header.Header) error {
	format, err := head.Metadata.Get(keyFormat)
	if err != nil {
		return err
	}
	if format != Format {
		return fmt.Errorf("unsupported format %q", format)
	}
	if c.numSequences, err = head.Metadata.Int(keySequences); err != nil {
		return err
	}
	if c.chunkSize, err = head.Metadata.Int(keyChunkSize); err != nil {
		return err
	}
	if c.chunkSize < 1 {
		return fmt.Errorf("invalid chunk size %d", c.chunkSize)
	}
	names, err := head.Metadata.Get(keyStreams)
	if err != nil {
		return err
	}

	used := 0
	seen := make(map[string]bool)
	for id, name := range strings.Split(names, ",") {
		if err = checkStreamName(name); err != nil {
			return err
		}
		if seen[name] {
			return fmt.Errorf("duplicate stream name %q", name)
		}
		seen[name] = true
		s, n, err := c.interpretStream(head, id, name)
		if err != nil {
			return fmt.Errorf("stream %q: %w", name, err)
		}
		c.streams = append(c.streams, s)
		used += n
	}

	if used != len(head.Tensors) {
		for _, t := range head.Tensors.Sorted() {
			if !c.usesTensor(t.Name) {
				return fmt.Errorf("unexpected tensor %q", t.Name)
			}
		}
	}
	return nil
}

// interpretStream returns the stream found in the header, and the number
// of tensors it uses.
func (c *Corpus) interpretStream(head header.Header, id int, name string) (streamData, int, error) {
	s := streamData{desc: stream.Descriptor{Name: name, ID: id}}

	storage, err := head.Metadata.Get(storageKey(name))
	if err != nil {
		return s, 0, err
	}
	if err = s.desc.Storage.UnmarshalText([]byte(storage)); err != nil {
		return s, 0, err
	}
	layout, err := head.Metadata.Get(layoutKey(name))
	if err != nil {
		return s, 0, err
	}
	if s.desc.SampleLayout, err = stream.ParseShape(layout); err != nil {
		return s, 0, err
	}

	switch s.desc.Storage {
	case stream.Dense:
		if s.data, err = lookupTensor(head, name); err != nil {
			return s, 0, err
		}
		s.desc.Element = s.data.Element
		if err = c.checkStreamDescriptor(s.desc); err != nil {
			return s, 0, err
		}
		want := append(header.Shape{c.numSequences}, s.desc.SampleLayout...)
		if !slices.Equal(s.data.Shape, want) {
			return s, 0, fmt.Errorf("tensor %q has shape %v, expected %v", name, s.data.Shape, want)
		}
		s.sampleSize, _ = s.desc.SampleByteSize()
		return s, 1, nil

	case stream.SparseRows:
		if s.data, err = lookupTensor(head, valuesTensor(name)); err != nil {
			return s, 0, err
		}
		s.desc.Element = s.data.Element
		if err = c.checkStreamDescriptor(s.desc); err != nil {
			return s, 0, err
		}
		if len(s.data.Shape) != 1 {
			return s, 0, fmt.Errorf("tensor %q has shape %v, expected one dimension", s.data.Name, s.data.Shape)
		}
		nnz := s.data.Shape[0]
		if s.rows, err = lookupIndexTensor(head, rowsTensor(name), nnz); err != nil {
			return s, 0, err
		}
		offsets, err := lookupIndexTensor(head, offsetsTensor(name), c.numSequences+1)
		if err != nil {
			return s, 0, err
		}
		if s.offsets, err = c.readOffsets(offsets, nnz); err != nil {
			return s, 0, err
		}
		s.sampleSize = s.desc.Element.Size()
		return s, 3, nil

	default:
		return s, 0, fmt.Errorf("unsupported storage %s", s.desc.Storage)
	}
}

func (c *Corpus) checkStreamDescriptor(d stream.Descriptor) error {
	if !d.Element.IsStreamKind() {
		return fmt.Errorf("unsupported element kind %s", d.Element)
	}
	return d.Validate()
}

func (c *Corpus) usesTensor(name string) bool {
	for _, s := range c.streams {
		switch s.desc.Storage {
		case stream.Dense:
			if name == s.desc.Name {
				return true
			}
		case stream.SparseRows:
			if name == valuesTensor(s.desc.Name) || name == rowsTensor(s.desc.Name) || name == offsetsTensor(s.desc.Name) {
				return true
			}
		}
	}
	return false
}

func lookupTensor(head header.Header, name string) (header.Tensor, error) {
	t, ok := head.Tensors[name]
	if !ok {
		return header.Tensor{}, fmt.Errorf("tensor %q is missing", name)
	}
	return t, nil
}

func lookupIndexTensor(head header.Header, name string, size int) (header.Tensor, error) {
	t, err := lookupTensor(head, name)
	if err != nil {
		return t, err
	}
	if t.Element != indexKind {
		return t, fmt.Errorf("tensor %q has element kind %s, expected %s", name, t.Element, indexKind)
	}
	if len(t.Shape) != 1 || t.Shape[0] != size {
		return t, fmt.Errorf("tensor %q has shape %v, expected [%d]", name, t.Shape, size)
	}
	return t, nil
}

// readOffsets loads and checks the offsets of a sparse stream.
func (c *Corpus) readOffsets(t header.Tensor, nnz int) ([]int, error) {
	data := make([]byte, t.ByteSize())
	if err := c.readAt(t.DataOffsets.Begin, data); err != nil {
		return nil, fmt.Errorf("failed to read tensor %q: %w", t.Name, err)
	}
	offsets := decodeIndices(data, make([]int, len(data)/8))
	if offsets[0] != 0 {
		return nil, fmt.Errorf("tensor %q: first offset is %d, expected 0", t.Name, offsets[0])
	}
	for i := 1; i < len(offsets); i++ {
		if offsets[i] < offsets[i-1] {
			return nil, fmt.Errorf("tensor %q: offsets decrease at index %d", t.Name, i)
		}
	}
	if last := offsets[len(offsets)-1]; last != nnz {
		return nil, fmt.Errorf("tensor %q: last offset is %d, expected %d", t.Name, last, nnz)
	}
	return offsets, nil
}

func (c *Corpus) timeline() (sequence.Timeline, error) {
	tl := make(sequence.Timeline, c.numSequences)
	for i := range tl {
		tl[i] = sequence.Descriptor{
			ID:          i,
			SampleCount: 1,
			ChunkID:     i / c.chunkSize,
			Valid:       true,
		}
	}
	return tl, nil
}

// Metadata returns the header metadata, without copy.
func (c *Corpus) Metadata() map[string]string { return c.metadata }

// NumSequences returns the number of sequences of the corpus.
func (c *Corpus) NumSequences() int { return c.numSequences }

// ChunkSize returns the number of sequences per chunk.
func (c *Corpus) ChunkSize() int { return c.chunkSize }

// SequencesByID reads the payloads of the given sequences.
//
// The returned lease, and the payload bytes it refers to, expire on the
// next call.
func (c *Corpus) SequencesByID(ids []int) (*source.Lease, error) {
	c.Expire()

	size, nnz := 0, 0
	for _, id := range ids {
		if id < 0 || id >= c.numSequences {
			return nil, fmt.Errorf("sequence id %d out of range [0, %d)", id, c.numSequences)
		}
		for _, s := range c.streams {
			if s.offsets == nil {
				size += s.sampleSize
				continue
			}
			n := s.offsets[id+1] - s.offsets[id]
			size += n * (s.sampleSize + 8)
			nnz += n
		}
	}
	c.scratch = slices.Grow(c.scratch[:0], size)[:size]
	c.rows = slices.Grow(c.rows[:0], nnz)[:nnz]

	scratch, rows := c.scratch, c.rows
	out := make([][]sequence.Data, len(ids))
	for i, id := range ids {
		out[i] = make([]sequence.Data, len(c.streams))
		for j, s := range c.streams {
			var err error
			if out[i][j], scratch, rows, err = c.readPayload(s, id, scratch, rows); err != nil {
				return nil, fmt.Errorf("sequence %d: stream %q: %w", id, s.desc.Name, err)
			}
		}
	}
	return c.Issue(out), nil
}

// readPayload reads the payload of sequence id for stream s, taking memory
// from the head of scratch and rows. It returns the remaining memory.
func (c *Corpus) readPayload(s streamData, id int, scratch []byte, rows []int) (sequence.Data, []byte, []int, error) {
	if s.offsets == nil {
		b := scratch[:s.sampleSize:s.sampleSize]
		if err := c.readAt(s.data.DataOffsets.Begin+id*s.sampleSize, b); err != nil {
			return nil, nil, nil, err
		}
		d := sequence.Dense{Bytes: b, SampleLayout: s.desc.SampleLayout, Samples: 1}
		return d, scratch[s.sampleSize:], rows, nil
	}

	begin, n := s.offsets[id], s.offsets[id+1]-s.offsets[id]
	values := scratch[: n*s.sampleSize : n*s.sampleSize]
	if err := c.readAt(s.data.DataOffsets.Begin+begin*s.sampleSize, values); err != nil {
		return nil, nil, nil, err
	}
	scratch = scratch[len(values):]

	indices := scratch[:n*8]
	if err := c.readAt(s.rows.DataOffsets.Begin+begin*8, indices); err != nil {
		return nil, nil, nil, err
	}
	scratch = scratch[len(indices):]

	r := decodeIndices(indices, rows[:n:n])
	dim, _ := s.desc.SampleElements()
	if c.seen == nil {
		c.seen = make(map[int]struct{})
	}
	if err := sequence.CheckRows(r, dim, c.seen); err != nil {
		return nil, nil, nil, err
	}
	d := sequence.SparseRows{Values: values, Rows: [][]int{r}}
	return d, scratch, rows[n:], nil
}

// readAt reads len(b) bytes at offset "off" of the byte-buffer.
func (c *Corpus) readAt(off int, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	offset, err := checkedAddNonNegInt64(c.dataOffset, int64(off))
	if err != nil {
		return fmt.Errorf("failed to calculate data offset: %w", err)
	}
	if _, err = c.rs.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to data offset: %w", err)
	}
	if _, err = io.ReadFull(c.rs, b); err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}
	return nil
}

// decodeIndices decodes little-endian int64 values from data into dst.
func decodeIndices(data []byte, dst []int) []int {
	for i := range dst {
		dst[i] = int(int64(binary.LittleEndian.Uint64(data[i*8:])))
	}
	return dst
}

var errInt64SumOverflow = errors.New("int64 sum overflow")

func checkedAddNonNegInt64(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, errors.New("unexpected negative number")
	}
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 || sum > math.MaxInt64 {
		return 0, errInt64SumOverflow
	}
	return int64(sum), nil
}
