// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memory defines how minibatch buffers are obtained and released.
package memory

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync"
	"unsafe"
)

// ErrForeignBuffer is returned when freeing a buffer the provider did not
// allocate, or already freed.
var ErrForeignBuffer = errors.New("buffer was not allocated by this provider")

// Provider allocates and frees raw buffers.
type Provider interface {
	// Alloc returns a zeroed buffer of elementSize*count bytes.
	Alloc(elementSize, count int) ([]byte, error)
	// Free releases a buffer previously returned by Alloc.
	Free(buf []byte) error
}

// Heap is a Provider backed by the Go heap. It keeps track of live
// allocations, so that mismatched frees are detected.
//
// It is safe for concurrent use.
type Heap struct {
	mu     sync.Mutex
	live   map[*byte]int
	allocs int
	frees  int
}

var _ Provider = &Heap{}

// NewHeap returns a new Heap provider.
func NewHeap() *Heap {
	return &Heap{live: make(map[*byte]int)}
}

// Alloc satisfies Provider.
func (h *Heap) Alloc(elementSize, count int) ([]byte, error) {
	if elementSize < 1 {
		return nil, fmt.Errorf("invalid element size %d", elementSize)
	}
	if count < 0 {
		return nil, fmt.Errorf("invalid element count %d", count)
	}
	n, err := byteSize(elementSize, count)
	if err != nil {
		return nil, err
	}

	// Capacity of at least one byte gives every buffer a distinct address.
	buf := make([]byte, n, max(n, 1))

	h.mu.Lock()
	defer h.mu.Unlock()
	h.live[unsafe.SliceData(buf)] = n
	h.allocs++
	return buf, nil
}

// Free satisfies Provider.
func (h *Heap) Free(buf []byte) error {
	if cap(buf) == 0 {
		return ErrForeignBuffer
	}
	key := unsafe.SliceData(buf)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.live[key]; !ok {
		return ErrForeignBuffer
	}
	delete(h.live, key)
	h.frees++
	return nil
}

// Outstanding returns the number of allocated buffers not yet freed.
func (h *Heap) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// Counts returns the total number of Alloc and Free calls served
// successfully.
func (h *Heap) Counts() (allocs, frees int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocs, h.frees
}

// Buffer is one allocation together with the provider owning it.
// Release frees it exactly once.
type Buffer struct {
	provider Provider
	data     []byte
	released bool
}

// Acquire allocates a new Buffer of elementSize*count bytes from p.
func Acquire(p Provider, elementSize, count int) (*Buffer, error) {
	want, err := byteSize(elementSize, count)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate buffer: %w", err)
	}
	data, err := p.Alloc(elementSize, count)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate buffer: %w", err)
	}
	if len(data) != want {
		_ = p.Free(data)
		return nil, fmt.Errorf("provider allocated %d bytes, expected %d", len(data), want)
	}
	return &Buffer{provider: p, data: data}, nil
}

func byteSize(elementSize, count int) (int, error) {
	if elementSize < 0 || count < 0 {
		return 0, fmt.Errorf("invalid allocation size: %d * %d", elementSize, count)
	}
	hi, n := bits.Mul(uint(elementSize), uint(count))
	if hi != 0 || n > math.MaxInt {
		return 0, fmt.Errorf("allocation size overflow: %d * %d", elementSize, count)
	}
	return int(n), nil
}

// Bytes returns the buffer memory, or nil after Release.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the size of the buffer in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	return b.released
}

// Release returns the memory to its provider. Calling it more than once
// does nothing.
func (b *Buffer) Release() error {
	if b.released {
		return nil
	}
	data := b.data
	b.data, b.released = nil, true
	if err := b.provider.Free(data); err != nil {
		return fmt.Errorf("failed to free buffer: %w", err)
	}
	return nil
}
