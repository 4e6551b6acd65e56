// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package header reads, validates and writes the header of a corpus file.
//
// A corpus file is a safetensors container: an 8-byte little-endian header
// size, a JSON header describing named tensors and free-form metadata,
// then the byte-buffer holding all tensor data.
package header

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/nlpodyssey/minibatch/element"
)

const metadataKey = "__metadata__"

// Header provides tensors information and metadata of a corpus file.
type Header struct {
	Tensors  TensorMap
	Metadata Metadata
	// ByteBufferOffset indicates the byte index position where the byte-buffer
	// is expected to start, relative to the beginning of the whole
	// data stream (or file).
	ByteBufferOffset int
}

// MarshalJSON serializes the Header to the safetensors JSON header object.
// ByteBufferOffset is not serialized.
func (h Header) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(h.Tensors)+1)
	if len(h.Metadata) > 0 {
		obj[metadataKey] = map[string]string(h.Metadata)
	}
	for name, t := range h.Tensors {
		obj[name] = t
	}
	return json.Marshal(obj)
}

// Metadata is a set of free-form key/value string pairs.
type Metadata map[string]string

// Get returns the value for key, or an error if it is missing.
func (m Metadata) Get(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("metadata key %q is missing", key)
	}
	return v, nil
}

// Int returns the value for key interpreted as a non-negative int.
func (m Metadata) Int(key string) (int, error) {
	v, err := m.Get(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("metadata key %q: failed to convert value %q to int: %w", key, v, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("metadata key %q: value is negative: %d", key, n)
	}
	return n, nil
}

// Tensor provides properties of a tensor, as described within the header.
type Tensor struct {
	Name        string
	Element     element.Kind
	Shape       Shape
	DataOffsets DataOffsets
}

// ByteSize returns the size in bytes of the tensor data, according to
// its DataOffsets.
func (t Tensor) ByteSize() int {
	return t.DataOffsets.End - t.DataOffsets.Begin
}

// MarshalJSON serializes the Tensor to a safetensors tensor object.
// The Name is not part of it: it is the key of the object in the header.
func (t Tensor) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		DType       element.Kind `json:"dtype"`
		Shape       Shape        `json:"shape"`
		DataOffsets DataOffsets  `json:"data_offsets"`
	}{t.Element, t.Shape, t.DataOffsets})
}

// TensorMap is a set of Tensor objects mapped by their name.
type TensorMap map[string]Tensor

// Sorted returns all tensors of the map sorted by ascending DataOffsets.
func (tm TensorMap) Sorted() []Tensor {
	if len(tm) == 0 {
		return nil
	}
	ts := make([]Tensor, 0, len(tm))
	for _, t := range tm {
		ts = append(ts, t)
	}
	slices.SortFunc(ts, func(a, b Tensor) int {
		return a.DataOffsets.Compare(b.DataOffsets)
	})
	return ts
}

// The Shape of a tensor.
type Shape []int

// MarshalJSON prevents a nil Shape to be serialized as "null",
// preferring an empty array "[]" instead.
func (s Shape) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]int(s))
}

// DataOffsets describes "[Begin, End)" byte range of the tensor's data
// within the byte-buffer. Both positions are relative to the beginning of
// the byte-buffer.
type DataOffsets struct {
	// Begin is the lower bound byte index (included).
	Begin int
	// End is the upper bound byte index (excluded).
	End int
}

// Compare orders DataOffsets by Begin, then by End.
func (a DataOffsets) Compare(b DataOffsets) int {
	return cmp.Or(cmp.Compare(a.Begin, b.Begin), cmp.Compare(a.End, b.End))
}

// MarshalJSON serializes a DataOffsets object as an array of two numbers.
func (a DataOffsets) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{a.Begin, a.End})
}
