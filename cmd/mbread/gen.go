// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"slices"

	"github.com/nlpodyssey/minibatch/corpus"
	"github.com/nlpodyssey/minibatch/element"
	"github.com/nlpodyssey/minibatch/sequence"
	"github.com/nlpodyssey/minibatch/stream"
)

type genOptions struct {
	sequences int
	chunkSize int
	denseDim  int
	sparseDim int
	nnz       int
	seed      uint64
}

func runGen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("gen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var out string
	var opts genOptions
	fs.StringVar(&out, "out", "", "Output corpus file path")
	fs.IntVar(&opts.sequences, "sequences", 1000, "Number of sequences")
	fs.IntVar(&opts.chunkSize, "chunk", 100, "Sequences per chunk")
	fs.IntVar(&opts.denseDim, "dense", 8, "Dimension of the dense \"features\" stream")
	fs.IntVar(&opts.sparseDim, "sparse", 16, "Dimension of the sparse \"labels\" stream")
	fs.IntVar(&opts.nnz, "nnz", 1, "Non-zero values per sparse sample")
	fs.Uint64Var(&opts.seed, "seed", 1, "Random seed")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if out == "" {
		_, _ = fmt.Fprintln(stderr, "gen requires -out")
		return 2
	}
	if opts.sequences < 0 || opts.denseDim < 1 || opts.sparseDim < 1 || opts.nnz < 0 || opts.nnz > opts.sparseDim {
		_, _ = fmt.Fprintln(stderr, "gen: invalid sizes")
		return 2
	}

	f, err := os.Create(out)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "gen failed: %s\n", err)
		return 1
	}
	if err = corpus.Write(f, generate(opts)); err != nil {
		_ = f.Close()
		_, _ = fmt.Fprintf(stderr, "gen failed: %s\n", err)
		return 1
	}
	if err = f.Close(); err != nil {
		_, _ = fmt.Fprintf(stderr, "gen failed: %s\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "wrote %d sequences to %s\n", opts.sequences, out)
	return 0
}

// generate builds a corpus of random dense features, each with nnz random
// sparse labels set to 1.
func generate(opts genOptions) corpus.Contents {
	rng := rand.New(rand.NewPCG(opts.seed, opts.seed))
	streams := []stream.Descriptor{
		{Name: "features", ID: 0, Storage: stream.Dense, Element: element.Float32, SampleLayout: stream.Shape{opts.denseDim}},
		{Name: "labels", ID: 1, Storage: stream.SparseRows, Element: element.Float32, SampleLayout: stream.Shape{opts.sparseDim}},
	}

	one := binary.LittleEndian.AppendUint32(nil, math.Float32bits(1))
	seqs := make([][]sequence.Data, opts.sequences)
	for i := range seqs {
		features := make([]byte, 0, opts.denseDim*4)
		for k := 0; k < opts.denseDim; k++ {
			features = binary.LittleEndian.AppendUint32(features, math.Float32bits(rng.Float32()))
		}
		rows := rng.Perm(opts.sparseDim)[:opts.nnz]
		slices.Sort(rows)
		values := make([]byte, 0, len(rows)*len(one))
		for range rows {
			values = append(values, one...)
		}
		seqs[i] = []sequence.Data{
			sequence.Dense{Bytes: features, SampleLayout: streams[0].SampleLayout, Samples: 1},
			sequence.SparseRows{Values: values, Rows: [][]int{rows}},
		}
	}
	return corpus.Contents{
		Streams:   streams,
		ChunkSize: opts.chunkSize,
		Sequences: seqs,
		Metadata:  map[string]string{"generator": "mbread gen"},
	}
}
