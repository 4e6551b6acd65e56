// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package element defines the primitive element kinds a stream can carry.
package element

import "fmt"

// Kind identifies the type of a single element of a sample.
type Kind uint8

const (
	// Float32 represents a 32-bit (single precision) floating point element.
	Float32 Kind = iota + 1
	// Float64 represents a 64-bit (double precision) floating point element.
	Float64
	// Opaque represents a 1-byte atom. Streams of Opaque elements carry
	// blobs whose interpretation is up to the consumer.
	Opaque
	// Int64 represents a 64-bit signed integer. It is only used for index
	// data (e.g. sparse row indices) and is never a stream element kind.
	Int64
)

var (
	kindToString = [...]string{
		Float32: "F32",
		Float64: "F64",
		Opaque:  "U8",
		Int64:   "I64",
	}
	kindToSize = [...]int{
		Float32: 4,
		Float64: 8,
		Opaque:  1,
		Int64:   8,
	}
)

// Validate returns an error if the Kind is not valid, otherwise nil.
func (k Kind) Validate() error {
	if k == 0 || k > Int64 {
		return fmt.Errorf("invalid element kind %d", k)
	}
	return nil
}

// IsStreamKind reports whether k can be used as the element kind of a stream.
func (k Kind) IsStreamKind() bool {
	return k == Float32 || k == Float64 || k == Opaque
}

// String returns a string representation of a Kind.
func (k Kind) String() string {
	if err := k.Validate(); err != nil {
		return err.Error()
	}
	return kindToString[k]
}

// Size returns the size in bytes of one element of this kind,
// or -1 if the Kind value is invalid.
func (k Kind) Size() int {
	if err := k.Validate(); err != nil {
		return -1
	}
	return kindToSize[k]
}

// MarshalText satisfies encoding.TextMarshaler interface.
func (k Kind) MarshalText() ([]byte, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return []byte(kindToString[k]), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler interface.
func (k *Kind) UnmarshalText(text []byte) error {
	switch s := string(text); s {
	case "F32":
		*k = Float32
	case "F64":
		*k = Float64
	case "U8":
		*k = Opaque
	case "I64":
		*k = Int64
	default:
		return fmt.Errorf("failed to text-unmarshal element kind from value %q", s)
	}
	return nil
}
