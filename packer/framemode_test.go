// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package packer

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/nlpodyssey/minibatch/element"
	"github.com/nlpodyssey/minibatch/epoch"
	"github.com/nlpodyssey/minibatch/memory"
	"github.com/nlpodyssey/minibatch/scheduler"
	"github.com/nlpodyssey/minibatch/sequence"
	"github.com/nlpodyssey/minibatch/source"
	"github.com/nlpodyssey/minibatch/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	featuresStream = stream.Descriptor{Name: "features", ID: 0, Storage: stream.Dense, Element: element.Float32, SampleLayout: stream.Shape{2}}
	labelsStream   = stream.Descriptor{Name: "labels", ID: 1, Storage: stream.SparseRows, Element: element.Float32, SampleLayout: stream.Shape{5}}
)

func f32(values ...float32) []byte {
	var data []byte
	for _, v := range values {
		data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
	}
	return data
}

// fakeUpstream serves a fixed list of batches, then end of epoch.
type fakeUpstream struct {
	window   source.Window
	streams  []stream.Descriptor
	batches  [][][]sequence.Data
	err      error
	requests []int
}

func (f *fakeUpstream) Streams() []stream.Descriptor { return f.streams }

func (f *fakeUpstream) NextSequences(count int) (source.Sequences, error) {
	f.requests = append(f.requests, count)
	if f.err != nil {
		return source.Sequences{}, f.err
	}
	if len(f.batches) == 0 {
		return source.Sequences{EndOfEpoch: true}, nil
	}
	data := f.batches[0]
	f.batches = f.batches[1:]
	ids := make([]int, len(data))
	for i := range ids {
		ids[i] = i
	}
	return source.Sequences{
		EndOfEpoch: len(f.batches) == 0,
		IDs:        ids,
		Lease:      f.window.Issue(data),
	}, nil
}

// failingProvider fails every allocation after the first n.
type failingProvider struct {
	*memory.Heap
	n int
}

func (p *failingProvider) Alloc(elementSize, count int) ([]byte, error) {
	if p.n == 0 {
		return nil, errors.New("out of memory")
	}
	p.n--
	return p.Heap.Alloc(elementSize, count)
}

func TestNew(t *testing.T) {
	streams := []stream.Descriptor{featuresStream, labelsStream}

	t.Run("buffers", func(t *testing.T) {
		heap := memory.NewHeap()
		p, err := New(heap, &fakeUpstream{streams: streams}, 4, streams)
		require.NoError(t, err)
		assert.Equal(t, 4, p.Capacity())
		assert.Equal(t, streams, p.Streams())
		assert.Equal(t, 2, heap.Outstanding())

		require.NoError(t, p.Close())
		require.NoError(t, p.Close())
		assert.Equal(t, 0, heap.Outstanding())
	})

	testCases := []struct {
		name    string
		up      []stream.Descriptor
		out     []stream.Descriptor
		cap     int
		target  error
		message string
	}{
		{
			name:    "invalid capacity",
			up:      streams,
			out:     streams,
			cap:     0,
			message: "invalid minibatch capacity 0",
		},
		{
			name:    "stream count mismatch",
			up:      streams[:1],
			out:     streams,
			cap:     1,
			message: "upstream has 1 streams, expected 2",
		},
		{
			name:    "index elements",
			up:      []stream.Descriptor{{Name: "idx", Storage: stream.Dense, Element: element.Int64, SampleLayout: stream.Shape{1}}},
			out:     []stream.Descriptor{{Name: "idx", Storage: stream.Dense, Element: element.Int64, SampleLayout: stream.Shape{1}}},
			cap:     1,
			target:  ErrUnsupportedElement,
			message: `stream "idx": unsupported element kind: I64`,
		},
		{
			name:    "storage mismatch",
			up:      []stream.Descriptor{labelsStream},
			out:     []stream.Descriptor{{Name: "labels", Storage: stream.Dense, Element: element.Float32, SampleLayout: stream.Shape{5}}},
			cap:     1,
			message: `stream "labels": upstream stream "labels" is sparse_rows/F32, expected dense/F32`,
		},
		{
			name:    "sample size mismatch",
			up:      []stream.Descriptor{featuresStream},
			out:     []stream.Descriptor{{Name: "features", Storage: stream.Dense, Element: element.Float32, SampleLayout: stream.Shape{3}}},
			cap:     1,
			message: `stream "features": upstream sample size 8, expected 12`,
		},
		{
			name:    "buffer size overflow",
			up:      []stream.Descriptor{featuresStream},
			out:     []stream.Descriptor{featuresStream},
			cap:     1<<62 + 1,
			message: `stream "features": buffer size overflow: capacity 4611686018427387905 * sample size 8`,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			heap := memory.NewHeap()
			_, err := New(heap, &fakeUpstream{streams: tc.up}, tc.cap, tc.out)
			require.Error(t, err)
			if tc.target != nil {
				assert.ErrorIs(t, err, tc.target)
			}
			assert.EqualError(t, err, tc.message)
			assert.Equal(t, 0, heap.Outstanding())
		})
	}

	t.Run("allocation failure releases acquired buffers", func(t *testing.T) {
		provider := &failingProvider{Heap: memory.NewHeap(), n: 1}
		_, err := New(provider, &fakeUpstream{streams: streams}, 2, streams)
		assert.ErrorContains(t, err, `stream "labels": failed to allocate buffer: out of memory`)
		assert.Equal(t, 0, provider.Outstanding())
		allocs, frees := provider.Counts()
		assert.Equal(t, 1, allocs)
		assert.Equal(t, 1, frees)
	})

	t.Run("nil arguments", func(t *testing.T) {
		_, err := New(nil, &fakeUpstream{}, 1, nil)
		assert.EqualError(t, err, "nil memory provider")
		_, err = New(memory.NewHeap(), nil, 1, nil)
		assert.EqualError(t, err, "nil upstream")
	})
}

func TestFrameMode_ReadMinibatch(t *testing.T) {
	streams := []stream.Descriptor{featuresStream, labelsStream}

	t.Run("dense and sparse", func(t *testing.T) {
		up := &fakeUpstream{
			streams: streams,
			batches: [][][]sequence.Data{{
				{
					sequence.Dense{Bytes: f32(1, 2), SampleLayout: stream.Shape{2}, Samples: 1},
					sequence.SparseRows{Values: f32(7, 9), Rows: [][]int{{0, 3}}},
				},
				{
					sequence.Dense{Bytes: f32(3, 4), SampleLayout: stream.Shape{2}, Samples: 1},
					sequence.SparseRows{Values: f32(5), Rows: [][]int{{4}}},
				},
			}},
		}
		p, err := New(memory.NewHeap(), up, 3, streams)
		require.NoError(t, err)
		defer p.Close()

		mb, err := p.ReadMinibatch()
		require.NoError(t, err)
		assert.True(t, mb.EndOfEpoch)
		require.Len(t, mb.Streams, 2)
		assert.Equal(t, 2, mb.NumSamples())
		assert.True(t, mb.Streams[0].Layout.IsFrameMode())

		assert.Equal(t, 16, mb.Streams[0].ByteSize)
		assert.Equal(t, f32(1, 2, 3, 4), mb.Streams[0].Data)

		assert.Equal(t, 40, mb.Streams[1].ByteSize)
		assert.Equal(t, f32(7, 0, 0, 9, 0, 0, 0, 0, 0, 5), mb.Streams[1].Data)
		assert.Equal(t, []int{3}, up.requests)
	})

	t.Run("sparse slot is zeroed on reuse", func(t *testing.T) {
		sparse := []stream.Descriptor{labelsStream}
		up := &fakeUpstream{
			streams: sparse,
			batches: [][][]sequence.Data{
				{{sequence.SparseRows{Values: f32(1, 1, 1), Rows: [][]int{{0, 1, 2}}}}},
				{{sequence.SparseRows{Values: f32(2), Rows: [][]int{{4}}}}},
			},
		}
		p, err := New(memory.NewHeap(), up, 1, sparse)
		require.NoError(t, err)
		defer p.Close()

		mb, err := p.ReadMinibatch()
		require.NoError(t, err)
		assert.Equal(t, f32(1, 1, 1, 0, 0), mb.Streams[0].Data)

		mb, err = p.ReadMinibatch()
		require.NoError(t, err)
		assert.Equal(t, f32(0, 0, 0, 0, 2), mb.Streams[0].Data)
	})

	t.Run("slots past the minibatch are left untouched", func(t *testing.T) {
		up := &fakeUpstream{
			streams: streams,
			batches: [][][]sequence.Data{
				{
					{sequence.Dense{Bytes: f32(1, 2), Samples: 1}, sequence.SparseRows{Values: f32(1), Rows: [][]int{{0}}}},
					{sequence.Dense{Bytes: f32(3, 4), Samples: 1}, sequence.SparseRows{Values: f32(2), Rows: [][]int{{1}}}},
					{sequence.Dense{Bytes: f32(5, 6), Samples: 1}, sequence.SparseRows{Values: f32(3), Rows: [][]int{{4}}}},
				},
				{
					{sequence.Dense{Bytes: f32(9, 9), Samples: 1}, sequence.SparseRows{Values: f32(8), Rows: [][]int{{2}}}},
				},
			},
		}
		p, err := New(memory.NewHeap(), up, 3, streams)
		require.NoError(t, err)
		defer p.Close()

		_, err = p.ReadMinibatch()
		require.NoError(t, err)
		mb, err := p.ReadMinibatch()
		require.NoError(t, err)
		assert.Equal(t, 1, mb.NumSamples())
		assert.Equal(t, f32(9, 9), mb.Streams[0].Data)
		assert.Equal(t, f32(0, 0, 8, 0, 0), mb.Streams[1].Data)

		assert.Equal(t, f32(9, 9, 3, 4, 5, 6), p.buffers[0].Bytes())
		assert.Equal(t, f32(
			0, 0, 8, 0, 0,
			0, 2, 0, 0, 0,
			0, 0, 0, 0, 3,
		), p.buffers[1].Bytes())
	})

	t.Run("empty sequence list", func(t *testing.T) {
		p, err := New(memory.NewHeap(), &fakeUpstream{streams: streams}, 2, streams)
		require.NoError(t, err)
		defer p.Close()

		mb, err := p.ReadMinibatch()
		require.NoError(t, err)
		assert.True(t, mb.EndOfEpoch)
		assert.True(t, mb.IsEmpty())
		assert.Equal(t, 0, mb.NumSamples())
	})

	invalid := []struct {
		name    string
		data    []sequence.Data
		target  error
		message string
	}{
		{
			name: "row out of range",
			data: []sequence.Data{
				sequence.Dense{Bytes: f32(1, 2), SampleLayout: stream.Shape{2}, Samples: 1},
				sequence.SparseRows{Values: f32(1), Rows: [][]int{{5}}},
			},
			message: `sequence 0: stream "labels": row index 5 out of range [0, 5)`,
		},
		{
			name: "values and rows mismatch",
			data: []sequence.Data{
				sequence.Dense{Bytes: f32(1, 2), SampleLayout: stream.Shape{2}, Samples: 1},
				sequence.SparseRows{Values: f32(1, 2), Rows: [][]int{{1}}},
			},
			message: `sequence 0: stream "labels": sparse payload has 8 value bytes for 1 rows`,
		},
		{
			name: "multi-sample sparse",
			data: []sequence.Data{
				sequence.Dense{Bytes: f32(1, 2), SampleLayout: stream.Shape{2}, Samples: 1},
				sequence.SparseRows{Values: f32(1, 2), Rows: [][]int{{1}, {2}}},
			},
			message: `sequence 0: stream "labels": sparse payload has 2 samples, frame mode requires 1`,
		},
		{
			name: "multi-sample dense",
			data: []sequence.Data{
				sequence.Dense{Bytes: f32(1, 2, 3, 4), SampleLayout: stream.Shape{2}, Samples: 2},
				sequence.SparseRows{Values: f32(1), Rows: [][]int{{1}}},
			},
			message: `sequence 0: stream "features": dense payload has 2 samples, frame mode requires 1`,
		},
		{
			name: "short dense payload",
			data: []sequence.Data{
				sequence.Dense{Bytes: f32(1), SampleLayout: stream.Shape{2}, Samples: 1},
				sequence.SparseRows{Values: f32(1), Rows: [][]int{{1}}},
			},
			message: `sequence 0: stream "features": dense payload has 4 bytes, expected 8`,
		},
		{
			name: "storage mismatch",
			data: []sequence.Data{
				sequence.SparseRows{Values: f32(1), Rows: [][]int{{1}}},
				sequence.SparseRows{Values: f32(1), Rows: [][]int{{1}}},
			},
			target:  ErrUnsupportedStorage,
			message: `sequence 0: stream "features": unsupported storage kind: sparse payload for dense stream`,
		},
		{
			name:    "missing stream",
			data:    []sequence.Data{sequence.Dense{Bytes: f32(1, 2), SampleLayout: stream.Shape{2}, Samples: 1}},
			message: "sequence 0 has 1 streams, expected 2",
		},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			up := &fakeUpstream{streams: streams, batches: [][][]sequence.Data{{tc.data}}}
			p, err := New(memory.NewHeap(), up, 1, streams)
			require.NoError(t, err)
			defer p.Close()

			mb, err := p.ReadMinibatch()
			assert.EqualError(t, err, tc.message)
			if tc.target != nil {
				assert.ErrorIs(t, err, tc.target)
			}
			assert.Equal(t, Minibatch{}, mb)
		})
	}

	t.Run("upstream error", func(t *testing.T) {
		up := &fakeUpstream{streams: streams, err: errors.New("boom")}
		p, err := New(memory.NewHeap(), up, 1, streams)
		require.NoError(t, err)
		defer p.Close()

		_, err = p.ReadMinibatch()
		assert.EqualError(t, err, "boom")
	})

	t.Run("closed", func(t *testing.T) {
		p, err := New(memory.NewHeap(), &fakeUpstream{streams: streams}, 1, streams)
		require.NoError(t, err)
		require.NoError(t, p.Close())

		_, err = p.ReadMinibatch()
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestFrameMode_SetRequestSize(t *testing.T) {
	streams := []stream.Descriptor{featuresStream}
	up := &fakeUpstream{streams: streams}
	p, err := New(memory.NewHeap(), up, 4, streams)
	require.NoError(t, err)
	defer p.Close()

	assert.EqualError(t, p.SetRequestSize(0), "minibatch size 0 out of range [1, 4]")
	assert.EqualError(t, p.SetRequestSize(5), "minibatch size 5 out of range [1, 4]")
	require.NoError(t, p.SetRequestSize(2))

	_, err = p.ReadMinibatch()
	require.NoError(t, err)
	assert.Equal(t, []int{2}, up.requests)
}

func TestFrameMode_EndToEnd(t *testing.T) {
	streams := []stream.Descriptor{featuresStream, labelsStream}
	payloads := make([][]sequence.Data, 10)
	for i := range payloads {
		payloads[i] = []sequence.Data{
			sequence.Dense{Bytes: f32(float32(i), float32(-i)), SampleLayout: stream.Shape{2}, Samples: 1},
			sequence.SparseRows{Values: f32(1), Rows: [][]int{{i % 5}}},
		}
	}
	src, err := source.NewInMemory(streams, payloads, 3)
	require.NoError(t, err)
	sched, err := scheduler.New(src)
	require.NoError(t, err)
	require.NoError(t, sched.StartEpoch(epoch.Config{
		NumberOfWorkers:         1,
		MinibatchSizeInSamples:  4,
		TotalEpochSizeInSamples: epoch.FullSweep,
	}))

	heap := memory.NewHeap()
	p, err := New(heap, sched, 4, streams)
	require.NoError(t, err)

	var sizes []int
	var flags []bool
	var features []byte
	for {
		mb, err := p.ReadMinibatch()
		require.NoError(t, err)
		sizes = append(sizes, mb.NumSamples())
		flags = append(flags, mb.EndOfEpoch)
		if !mb.IsEmpty() {
			features = append(features, mb.Streams[0].Data...)

			labels := mb.Streams[1].Data
			for i := 0; i < mb.NumSamples(); i++ {
				slot := labels[i*20 : (i+1)*20]
				nonZero := 0
				for k := 0; k < 5; k++ {
					if math.Float32frombits(binary.LittleEndian.Uint32(slot[k*4:])) != 0 {
						nonZero++
					}
				}
				assert.Equal(t, 1, nonZero)
			}
		}
		if mb.EndOfEpoch {
			break
		}
	}

	assert.Equal(t, []int{4, 4, 2}, sizes)
	assert.Equal(t, []bool{false, false, true}, flags)

	var expected []byte
	for i := 0; i < 10; i++ {
		expected = append(expected, f32(float32(i), float32(-i))...)
	}
	assert.Equal(t, expected, features)

	require.NoError(t, p.Close())
	allocs, frees := heap.Counts()
	assert.Equal(t, 2, allocs)
	assert.Equal(t, allocs, frees)
}
