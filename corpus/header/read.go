// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package header

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
)

// Read reads from "r" the size prefix and the JSON header of a corpus file.
// On success, exactly 8+size bytes have been consumed.
//
// A positive limit is the largest header size accepted, size prefix
// excluded. It is checked against the size prefix before any JSON is read.
// A limit of zero or less disables the check.
//
// The header is only parsed: see Header.Validate.
func Read(r io.Reader, limit int) (Header, error) {
	var prefix [8]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Header{}, fmt.Errorf("failed to read header size: %w", err)
	}
	size := binary.LittleEndian.Uint64(prefix[:])
	switch {
	case size < 2: // "{}"
		return Header{}, fmt.Errorf("header size too small: %d", size)
	case limit > 0 && size > uint64(limit):
		return Header{}, fmt.Errorf("header size %d exceeds limit %d", size, limit)
	case size > math.MaxInt-8:
		return Header{}, fmt.Errorf("header size too large: %d", size)
	}

	entries, err := decodeEntries(&io.LimitedReader{R: r, N: int64(size)})
	if err != nil {
		return Header{}, fmt.Errorf("failed to JSON-decode header: %w", err)
	}

	var h Header
	if raw, ok := entries[metadataKey]; ok {
		delete(entries, metadataKey)
		if err = json.Unmarshal(raw, &h.Metadata); err != nil {
			return Header{}, fmt.Errorf("failed to interpret header metadata: %w", err)
		}
		if len(h.Metadata) == 0 {
			h.Metadata = nil
		}
	}
	if len(entries) > 0 {
		h.Tensors = make(TensorMap, len(entries))
	}
	for _, name := range slices.Sorted(maps.Keys(entries)) {
		t, err := decodeTensor(name, entries[name])
		if err != nil {
			return Header{}, fmt.Errorf("failed to interpret header tensor %q: %w", name, err)
		}
		h.Tensors[name] = t
	}

	h.ByteBufferOffset = 8 + int(size)
	return h, nil
}

// decodeEntries decodes the top-level JSON object, and checks that only
// whitespace padding follows it up to the end of lr.
func decodeEntries(lr *io.LimitedReader) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(lr)
	var entries map[string]json.RawMessage
	if err := dec.Decode(&entries); err != nil {
		return nil, err
	}
	if entries == nil {
		return nil, errors.New("header is not a JSON object")
	}

	tail, err := io.ReadAll(io.MultiReader(dec.Buffered(), lr))
	if err != nil {
		return nil, err
	}
	if lr.N > 0 {
		return nil, fmt.Errorf("header truncated: %d bytes missing", lr.N)
	}
	if padding := len(tail) - len(bytes.TrimLeft(tail, " \t\r\n")); padding != len(tail) {
		return nil, fmt.Errorf("unexpected data at byte offset %d", dec.InputOffset()+int64(padding))
	}
	return entries, nil
}

// tensorEntry is the JSON object of one tensor. Nil fields are missing
// from the object.
type tensorEntry struct {
	DType       *string `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int   `json:"data_offsets"`
}

func decodeTensor(name string, raw json.RawMessage) (Tensor, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var e tensorEntry
	if err := dec.Decode(&e); err != nil {
		return Tensor{}, err
	}

	t := Tensor{Name: name}
	if e.DType == nil {
		return Tensor{}, errors.New(`"dtype" is missing`)
	}
	if err := t.Element.UnmarshalText([]byte(*e.DType)); err != nil {
		return Tensor{}, fmt.Errorf(`unsupported "dtype" value: %q`, *e.DType)
	}

	if e.Shape == nil {
		return Tensor{}, errors.New(`"shape" is missing`)
	}
	if i := slices.IndexFunc(e.Shape, isNegative); i >= 0 {
		return Tensor{}, fmt.Errorf(`"shape" value at index %d is negative: %d`, i, e.Shape[i])
	}
	t.Shape = Shape(e.Shape)

	switch {
	case e.DataOffsets == nil:
		return Tensor{}, errors.New(`"data_offsets" is missing`)
	case len(e.DataOffsets) != 2:
		return Tensor{}, fmt.Errorf(`bad "data_offsets" length: expected 2, actual %d`, len(e.DataOffsets))
	}
	if i := slices.IndexFunc(e.DataOffsets, isNegative); i >= 0 {
		return Tensor{}, fmt.Errorf(`"data_offsets" value at index %d is negative: %d`, i, e.DataOffsets[i])
	}
	t.DataOffsets = DataOffsets{Begin: e.DataOffsets[0], End: e.DataOffsets[1]}
	return t, nil
}

func isNegative(v int) bool { return v < 0 }
