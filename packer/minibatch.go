// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package packer

// Layout describes how the samples of a minibatch are organized.
//
// In frame mode it only records the number of independent samples: there
// are no sequence boundaries within the minibatch.
type Layout struct {
	numSamples int
	frameMode  bool
}

// InitAsFrameMode sets the layout to n independent samples.
func (l *Layout) InitAsFrameMode(n int) {
	l.numSamples = n
	l.frameMode = true
}

// NumSamples returns the number of samples in the minibatch.
func (l *Layout) NumSamples() int { return l.numSamples }

// IsFrameMode reports whether the layout holds independent samples.
func (l *Layout) IsFrameMode() bool { return l.frameMode }

// StreamBuffer is the packed data of one stream of a minibatch.
//
// Samples are laid out one after the other, in minibatch order, each taking
// the sample byte size of the stream. Data is a view on a buffer owned by
// the packer, overwritten by the next ReadMinibatch call.
type StreamBuffer struct {
	Data     []byte
	ByteSize int
	Layout   *Layout
}

// Minibatch is a bundle of packed samples across all streams.
type Minibatch struct {
	// EndOfEpoch signals that the epoch has been exhausted.
	EndOfEpoch bool
	// Streams in output stream order. It is empty when no sequence was
	// received.
	Streams []StreamBuffer
}

// NumSamples returns the number of samples in the minibatch.
func (m Minibatch) NumSamples() int {
	if len(m.Streams) == 0 {
		return 0
	}
	return m.Streams[0].Layout.NumSamples()
}

// IsEmpty reports whether the minibatch carries no samples.
func (m Minibatch) IsEmpty() bool {
	return len(m.Streams) == 0
}
