// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package source

import (
	"errors"
	"sync"
	"testing"

	"github.com/nlpodyssey/minibatch/element"
	"github.com/nlpodyssey/minibatch/epoch"
	"github.com/nlpodyssey/minibatch/sequence"
	"github.com/nlpodyssey/minibatch/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	denseStream  = stream.Descriptor{Name: "features", ID: 0, Storage: stream.Dense, Element: element.Float32, SampleLayout: stream.Shape{2}}
	sparseStream = stream.Descriptor{Name: "labels", ID: 1, Storage: stream.SparseRows, Element: element.Float32, SampleLayout: stream.Shape{3}}
)

func makePayloads(n int) [][]sequence.Data {
	payloads := make([][]sequence.Data, n)
	for i := range payloads {
		dense := make([]byte, 8)
		dense[0] = byte(i)
		payloads[i] = []sequence.Data{
			sequence.Dense{Bytes: dense, SampleLayout: stream.Shape{2}, Samples: 1},
			sequence.SparseRows{Values: []byte{byte(i), 0, 0, 0}, Rows: [][]int{{i % 3}}},
		}
	}
	return payloads
}

func TestNewInMemory(t *testing.T) {
	t.Run("timeline", func(t *testing.T) {
		src, err := NewInMemory([]stream.Descriptor{denseStream, sparseStream}, makePayloads(5), 2)
		require.NoError(t, err)

		tl, err := src.SequenceDescriptions()
		require.NoError(t, err)
		expected := sequence.Timeline{
			{ID: 0, SampleCount: 1, ChunkID: 0, Valid: true},
			{ID: 1, SampleCount: 1, ChunkID: 0, Valid: true},
			{ID: 2, SampleCount: 1, ChunkID: 1, Valid: true},
			{ID: 3, SampleCount: 1, ChunkID: 1, Valid: true},
			{ID: 4, SampleCount: 1, ChunkID: 2, Valid: true},
		}
		assert.Equal(t, expected, tl)
		assert.True(t, sequence.IsValidForSequentialScheduling(tl))
		assert.Equal(t, []stream.Descriptor{denseStream, sparseStream}, src.Streams())
		assert.NoError(t, src.StartEpoch(epoch.Config{}))
	})

	t.Run("invalid chunk size", func(t *testing.T) {
		_, err := NewInMemory(nil, nil, 0)
		assert.EqualError(t, err, "invalid chunk size 0")
	})

	t.Run("missing stream payload", func(t *testing.T) {
		payloads := makePayloads(2)
		payloads[1] = payloads[1][:1]
		_, err := NewInMemory([]stream.Descriptor{denseStream, sparseStream}, payloads, 1)
		assert.EqualError(t, err, "sequence 1: expected 2 stream payloads, actual 1")
	})

	t.Run("storage mismatch", func(t *testing.T) {
		payloads := makePayloads(1)
		payloads[0][0], payloads[0][1] = payloads[0][1], payloads[0][0]
		_, err := NewInMemory([]stream.Descriptor{denseStream, sparseStream}, payloads, 1)
		assert.EqualError(t, err, `sequence 0: stream "features": sparse payload for dense storage`)
	})

	t.Run("sample count mismatch", func(t *testing.T) {
		payloads := makePayloads(1)
		payloads[0][1] = sequence.SparseRows{Values: make([]byte, 8), Rows: [][]int{{0}, {1}}}
		_, err := NewInMemory([]stream.Descriptor{denseStream, sparseStream}, payloads, 1)
		assert.EqualError(t, err, `sequence 0: stream "labels" has 2 samples, expected 1`)
	})

	t.Run("invalid stream", func(t *testing.T) {
		_, err := NewInMemory([]stream.Descriptor{{Name: "x"}}, nil, 1)
		assert.Error(t, err)
	})
}

func TestInMemory_SequencesByID(t *testing.T) {
	payloads := makePayloads(4)
	src, err := NewInMemory([]stream.Descriptor{denseStream, sparseStream}, payloads, 4)
	require.NoError(t, err)

	first, err := src.SequencesByID([]int{2, 0})
	require.NoError(t, err)
	assert.True(t, first.Valid())
	assert.Equal(t, 2, first.Len())

	data, err := first.Data()
	require.NoError(t, err)
	assert.Equal(t, payloads[2], data[0])
	assert.Equal(t, payloads[0], data[1])

	second, err := src.SequencesByID([]int{3})
	require.NoError(t, err)
	assert.True(t, second.Valid())
	assert.False(t, first.Valid())

	_, err = first.Data()
	assert.ErrorIs(t, err, ErrLeaseExpired)

	_, err = src.SequencesByID([]int{4})
	assert.EqualError(t, err, "sequence id 4 out of range [0, 4)")

	_, err = second.Data()
	assert.ErrorIs(t, err, ErrLeaseExpired, "a failed request still expires previous leases")
}

func TestLease(t *testing.T) {
	var l *Lease
	assert.False(t, l.Valid())
	assert.Equal(t, 0, l.Len())
	_, err := l.Data()
	assert.ErrorIs(t, err, ErrLeaseExpired)

	var w Window
	l = w.Issue(nil)
	assert.True(t, l.Valid())
	w.Expire()
	assert.False(t, l.Valid())
}

func TestSequences_Data(t *testing.T) {
	data, err := Sequences{EndOfEpoch: true}.Data()
	assert.NoError(t, err)
	assert.Nil(t, data)

	var w Window
	payloads := makePayloads(1)
	s := Sequences{IDs: []int{0}, Lease: w.Issue(payloads)}
	data, err = s.Data()
	require.NoError(t, err)
	assert.Equal(t, payloads, data)
}

func TestBase_SequenceDescriptions(t *testing.T) {
	t.Run("filled once", func(t *testing.T) {
		calls := 0
		b := NewBase(nil, func() (sequence.Timeline, error) {
			calls++
			return sequence.Timeline{{ID: 0, SampleCount: 1, Valid: true}}, nil
		})

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tl, err := b.SequenceDescriptions()
				assert.NoError(t, err)
				assert.Len(t, tl, 1)
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, calls)
	})

	t.Run("error is cached", func(t *testing.T) {
		calls := 0
		b := NewBase(nil, func() (sequence.Timeline, error) {
			calls++
			return nil, errors.New("broken corpus")
		})
		_, err := b.SequenceDescriptions()
		assert.EqualError(t, err, "broken corpus")
		_, err = b.SequenceDescriptions()
		assert.EqualError(t, err, "broken corpus")
		assert.Equal(t, 1, calls)
	})

	t.Run("streams are copied", func(t *testing.T) {
		streams := []stream.Descriptor{denseStream}
		b := NewBase(streams, nil)
		streams[0].Name = "changed"
		got := b.Streams()
		assert.Equal(t, "features", got[0].Name)
		got[0].Name = "changed again"
		assert.Equal(t, "features", b.Streams()[0].Name)
	})
}
