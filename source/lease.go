// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package source

import (
	"errors"
	"sync/atomic"

	"github.com/nlpodyssey/minibatch/sequence"
)

// ErrLeaseExpired is returned when reading payloads from a Lease after the
// data source served a newer request.
var ErrLeaseExpired = errors.New("sequence data lease expired")

// Window issues leases on payload memory owned by a data source.
// Issuing a new lease expires every lease issued before it.
//
// The zero value is ready for use.
type Window struct {
	generation atomic.Uint64
}

// Issue returns a new Lease on data, expiring all previous leases.
func (w *Window) Issue(data [][]sequence.Data) *Lease {
	return &Lease{
		window:     w,
		generation: w.generation.Add(1),
		data:       data,
	}
}

// Expire invalidates all leases issued so far, for example before the
// memory they refer to is overwritten.
func (w *Window) Expire() {
	w.generation.Add(1)
}

// Lease is a borrowed view on sequence payloads. The payload byte slices
// are owned by the data source and are only valid while the lease is.
type Lease struct {
	window     *Window
	generation uint64
	data       [][]sequence.Data
}

// Valid reports whether the lease has not expired yet.
func (l *Lease) Valid() bool {
	return l != nil && l.window != nil && l.window.generation.Load() == l.generation
}

// Len returns the number of sequences covered by the lease.
func (l *Lease) Len() int {
	if l == nil {
		return 0
	}
	return len(l.data)
}

// Data returns the leased payloads, or ErrLeaseExpired.
func (l *Lease) Data() ([][]sequence.Data, error) {
	if !l.Valid() {
		return nil, ErrLeaseExpired
	}
	return l.data, nil
}
