// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stream describes the streams a data source exposes: their name,
// identifier, storage encoding, element kind and sample layout.
package stream

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"

	"github.com/nlpodyssey/minibatch/element"
)

// StorageKind identifies how the samples of a stream are encoded.
type StorageKind uint8

const (
	// Dense samples are stored as one contiguous array of elements.
	Dense StorageKind = iota + 1
	// SparseRows samples are stored as the array of non-zero values plus,
	// per sample, the row index of each value.
	SparseRows
)

var storageKindToString = [...]string{
	Dense:      "dense",
	SparseRows: "sparse_rows",
}

// Validate returns an error if the StorageKind is not valid, otherwise nil.
func (s StorageKind) Validate() error {
	if s == 0 || s > SparseRows {
		return fmt.Errorf("invalid storage kind %d", s)
	}
	return nil
}

// String returns a string representation of a StorageKind.
func (s StorageKind) String() string {
	if err := s.Validate(); err != nil {
		return err.Error()
	}
	return storageKindToString[s]
}

// MarshalText satisfies encoding.TextMarshaler interface.
func (s StorageKind) MarshalText() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return []byte(storageKindToString[s]), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler interface.
func (s *StorageKind) UnmarshalText(text []byte) error {
	switch v := string(text); v {
	case "dense":
		*s = Dense
	case "sparse_rows":
		*s = SparseRows
	default:
		return fmt.Errorf("failed to text-unmarshal storage kind from value %q", v)
	}
	return nil
}

// Shape is the layout of a single sample, as a list of dimensions.
type Shape []int

// NumElements returns the number of elements of a sample with this shape.
// An empty shape describes a scalar (one element).
func (s Shape) NumElements() (int, error) {
	size := uint(1)
	for _, v := range s {
		if v < 0 {
			return 0, fmt.Errorf("shape contains negative value %d", v)
		}
		var hi uint
		if hi, size = bits.Mul(size, uint(v)); hi != 0 {
			return 0, errors.New("int overflow computing number of elements from shape")
		}
	}
	if size > math.MaxInt {
		return 0, fmt.Errorf("number of elements computed from shape is too large for int type: %d", size)
	}
	return int(size), nil
}

// String returns the dimensions as a comma-separated list, e.g. "3,2".
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, v := range s {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// ParseShape parses a comma-separated list of dimensions, as produced by
// Shape.String. An empty string yields an empty (scalar) shape.
func ParseShape(s string) (Shape, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Shape{}, nil
	}
	parts := strings.Split(s, ",")
	shape := make(Shape, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid shape dimension at index %d: %w", i, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("invalid shape dimension at index %d: negative value %d", i, v)
		}
		shape[i] = v
	}
	return shape, nil
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	c := make(Shape, len(s))
	copy(c, s)
	return c
}

// Descriptor describes one stream of a data source.
// It is immutable once published by the data source.
type Descriptor struct {
	// Name of the stream, unique within a source.
	Name string
	// ID of the stream, unique within a source.
	ID int
	// Storage is how samples of this stream are encoded.
	Storage StorageKind
	// Element is the kind of each element of a sample.
	Element element.Kind
	// SampleLayout is the shape of a single (dense, or densified) sample.
	SampleLayout Shape
}

// Validate reports whether the Descriptor is well formed.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return errors.New("stream name is empty")
	}
	if d.ID < 0 {
		return fmt.Errorf("stream %q: negative id %d", d.Name, d.ID)
	}
	if err := d.Storage.Validate(); err != nil {
		return fmt.Errorf("stream %q: %w", d.Name, err)
	}
	if err := d.Element.Validate(); err != nil {
		return fmt.Errorf("stream %q: %w", d.Name, err)
	}
	n, err := d.SampleLayout.NumElements()
	if err != nil {
		return fmt.Errorf("stream %q: %w", d.Name, err)
	}
	if n == 0 {
		return fmt.Errorf("stream %q: sample layout %v has no elements", d.Name, []int(d.SampleLayout))
	}
	return nil
}

// SampleElements returns the number of elements of one sample.
func (d Descriptor) SampleElements() (int, error) {
	return d.SampleLayout.NumElements()
}

// SampleByteSize returns the size in bytes of one densified sample,
// that is the number of elements of the sample layout times the
// element size.
func (d Descriptor) SampleByteSize() (int, error) {
	n, err := d.SampleLayout.NumElements()
	if err != nil {
		return 0, err
	}
	size := d.Element.Size()
	if size < 0 {
		return 0, d.Element.Validate()
	}
	hi, lo := bits.Mul(uint(n), uint(size))
	if hi != 0 || lo > math.MaxInt {
		return 0, errors.New("int overflow computing sample byte size")
	}
	return int(lo), nil
}
