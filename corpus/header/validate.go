// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package header

import (
	"fmt"
	"math"
	"math/bits"
)

// Validate checks the layout of the Header, returning an error if a problem
// is encountered, otherwise nil. Corpus-level rules (which tensors must be
// present, and their shapes) are not checked here.
//
// The Header is checked against the following rules:
//
//   - ByteBufferOffset must not be negative
//   - each key in Tensors must match the mapped Tensor.Name
//   - the union of DataOffsets of all Tensors must cover an entire contiguous
//     area of the byte-buffer, starting from offset 0, with no overlaps
//   - for each Tensor, the byte size described by DataOffsets must coincide
//     with the one computed from Shape and Element (an empty shape counts as
//     one scalar value)
//   - no overflow must occur during calculations at any step
func (h Header) Validate() error {
	if h.ByteBufferOffset < 0 {
		return fmt.Errorf("invalid byte-buffer offset negative value %d", h.ByteBufferOffset)
	}
	for k, t := range h.Tensors {
		if k != t.Name {
			return fmt.Errorf("tensor names mismatch: TensorMap key %q, Tensor.Name %q", k, t.Name)
		}
	}

	expectedBegin := 0
	for _, t := range h.Tensors.Sorted() {
		if err := validateTensor(t, expectedBegin); err != nil {
			return fmt.Errorf("invalid tensor %q: %w", t.Name, err)
		}
		expectedBegin = t.DataOffsets.End
	}
	return nil
}

// ByteBufferSize returns the total size of the byte-buffer described by
// the Header. It assumes the Header is valid.
func (h Header) ByteBufferSize() int {
	size := 0
	for _, t := range h.Tensors {
		size = max(size, t.DataOffsets.End)
	}
	return size
}

func validateTensor(t Tensor, expectedBegin int) error {
	if t.DataOffsets.Begin != expectedBegin {
		return fmt.Errorf("expected data-offsets begin %d, actual %d", expectedBegin, t.DataOffsets.Begin)
	}
	if t.DataOffsets.End < t.DataOffsets.Begin {
		return fmt.Errorf("expected data-offsets end >= %d (begin), actual %d", t.DataOffsets.Begin, t.DataOffsets.End)
	}

	byteSize, err := byteSizeFromShape(t)
	if err != nil {
		return err
	}
	if offSize := t.ByteSize(); offSize != byteSize {
		return fmt.Errorf("byte size computed from shape (%d) differs from data-offsets size (%d)", byteSize, offSize)
	}
	return nil
}

func byteSizeFromShape(t Tensor) (int, error) {
	if err := t.Element.Validate(); err != nil {
		return 0, err
	}

	size := uint(1)
	for _, v := range t.Shape {
		if v < 0 {
			return 0, fmt.Errorf("shape contains negative value %d", v)
		}
		var hi uint
		if hi, size = bits.Mul(size, uint(v)); hi != 0 {
			return 0, fmt.Errorf("int overflow computing tensor elements size from shape")
		}
	}

	hi, byteSize := bits.Mul(size, uint(t.Element.Size()))
	if hi != 0 {
		return 0, fmt.Errorf("int overflow computing tensor byte size from shape")
	}
	if byteSize > math.MaxInt {
		return 0, fmt.Errorf("tensor byte size computed from shape is too large for int type: %d", byteSize)
	}
	return int(byteSize), nil
}
