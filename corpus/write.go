// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package corpus

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nlpodyssey/minibatch/corpus/header"
	"github.com/nlpodyssey/minibatch/sequence"
	"github.com/nlpodyssey/minibatch/stream"
)

// Contents of a corpus to write.
type Contents struct {
	// Streams in id order. Stream IDs are ignored: Open assigns them by
	// position.
	Streams []stream.Descriptor
	// ChunkSize is the number of sequences per chunk.
	ChunkSize int
	// Sequences holds the payloads: Sequences[i][j] is the single-sample
	// payload of sequence i for stream j.
	Sequences [][]sequence.Data
	// Metadata holds additional free-form key/value pairs. Keys used by the
	// corpus layout are not allowed.
	Metadata map[string]string
}

// Write validates the contents and serializes them to "w" as a corpus file.
func Write(w io.Writer, c Contents) error {
	if err := c.validate(); err != nil {
		return err
	}
	head, err := c.header()
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	if _, err = header.Write(bw, head); err != nil {
		return fmt.Errorf("failed to write corpus header: %w", err)
	}
	for j, s := range c.Streams {
		if err = c.writeStream(bw, j, s); err != nil {
			return fmt.Errorf("failed to write data of stream %q: %w", s.Name, err)
		}
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush corpus data: %w", err)
	}
	return nil
}

func (c Contents) validate() error {
	if c.ChunkSize < 1 {
		return fmt.Errorf("invalid chunk size %d", c.ChunkSize)
	}
	if len(c.Streams) == 0 {
		return fmt.Errorf("no streams")
	}
	seen := make(map[string]bool, len(c.Streams))
	for _, s := range c.Streams {
		if err := checkStreamName(s.Name); err != nil {
			return err
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stream name %q", s.Name)
		}
		seen[s.Name] = true
		if err := s.Validate(); err != nil {
			return err
		}
		if !s.Element.IsStreamKind() {
			return fmt.Errorf("stream %q: unsupported element kind %s", s.Name, s.Element)
		}
	}
	for key := range c.Metadata {
		if isReservedKey(key) {
			return fmt.Errorf("reserved metadata key %q", key)
		}
	}
	for i, seq := range c.Sequences {
		if len(seq) != len(c.Streams) {
			return fmt.Errorf("sequence %d: expected %d stream payloads, actual %d", i, len(c.Streams), len(seq))
		}
		for j, d := range seq {
			if err := sequence.CheckPayload(d, c.Streams[j]); err != nil {
				return fmt.Errorf("sequence %d: %w", i, err)
			}
			if n := d.NumSamples(); n != 1 {
				return fmt.Errorf("sequence %d: stream %q has %d samples, expected 1", i, c.Streams[j].Name, n)
			}
		}
	}
	return nil
}

func (c Contents) header() (header.Header, error) {
	meta := header.Metadata{
		keyFormat:    Format,
		keySequences: strconv.Itoa(len(c.Sequences)),
		keyChunkSize: strconv.Itoa(c.ChunkSize),
	}
	for k, v := range c.Metadata {
		meta[k] = v
	}

	names := make([]string, len(c.Streams))
	tensors := make(header.TensorMap)
	offset := 0
	add := func(t header.Tensor, byteSize int) {
		t.DataOffsets = header.DataOffsets{Begin: offset, End: offset + byteSize}
		tensors[t.Name] = t
		offset += byteSize
	}

	n := len(c.Sequences)
	for j, s := range c.Streams {
		names[j] = s.Name
		text, _ := s.Storage.MarshalText()
		meta[storageKey(s.Name)] = string(text)
		meta[layoutKey(s.Name)] = s.SampleLayout.String()

		switch s.Storage {
		case stream.Dense:
			size, _ := s.SampleByteSize()
			shape := append(header.Shape{n}, s.SampleLayout...)
			add(header.Tensor{Name: s.Name, Element: s.Element, Shape: shape}, n*size)
		case stream.SparseRows:
			nnz := c.nonZeroCount(j)
			add(header.Tensor{Name: valuesTensor(s.Name), Element: s.Element, Shape: header.Shape{nnz}}, nnz*s.Element.Size())
			add(header.Tensor{Name: rowsTensor(s.Name), Element: indexKind, Shape: header.Shape{nnz}}, nnz*8)
			add(header.Tensor{Name: offsetsTensor(s.Name), Element: indexKind, Shape: header.Shape{n + 1}}, (n+1)*8)
		default:
			return header.Header{}, fmt.Errorf("stream %q: unsupported storage %s", s.Name, s.Storage)
		}
	}
	meta[keyStreams] = strings.Join(names, ",")

	return header.Header{Tensors: tensors, Metadata: meta}, nil
}

func (c Contents) nonZeroCount(j int) int {
	nnz := 0
	for _, seq := range c.Sequences {
		nnz += seq[j].(sequence.SparseRows).NonZeroCount()
	}
	return nnz
}

func (c Contents) writeStream(w io.Writer, j int, s stream.Descriptor) error {
	if s.Storage == stream.Dense {
		for _, seq := range c.Sequences {
			if _, err := w.Write(seq[j].(sequence.Dense).Bytes); err != nil {
				return err
			}
		}
		return nil
	}

	for _, seq := range c.Sequences {
		if _, err := w.Write(seq[j].(sequence.SparseRows).Values); err != nil {
			return err
		}
	}
	var buf [8]byte
	for _, seq := range c.Sequences {
		for _, r := range seq[j].(sequence.SparseRows).Rows[0] {
			binary.LittleEndian.PutUint64(buf[:], uint64(r))
			if _, err := w.Write(buf[:]); err != nil {
				return err
			}
		}
	}
	offset := 0
	binary.LittleEndian.PutUint64(buf[:], 0)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	for _, seq := range c.Sequences {
		offset += seq[j].(sequence.SparseRows).NonZeroCount()
		binary.LittleEndian.PutUint64(buf[:], uint64(offset))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}
