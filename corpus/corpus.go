// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package corpus implements a file based data source.
//
// A corpus file is a safetensors container holding one single-sample
// sequence per row. Header metadata describes the streams:
//
//	format                 "minibatch-corpus/1"
//	sequences              number of sequences N
//	chunk_size             sequences per chunk K; sequence i is in chunk i/K
//	streams                comma separated stream names, in id order
//	stream.<name>.storage  "dense" or "sparse_rows"
//	stream.<name>.layout   comma separated sample dimensions
//
// A dense stream is stored as tensor "<name>" of shape [N, layout...].
// A sparse stream is stored as three tensors: "<name>.values" [nnz] of the
// stream element kind, "<name>.rows" I64 [nnz] with the row index of each
// value, and "<name>.offsets" I64 [N+1], where the values of sequence i
// are those in [offsets[i], offsets[i+1]).
package corpus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nlpodyssey/minibatch/element"
)

// Format identifies the corpus layout version in the header metadata.
const Format = "minibatch-corpus/1"

const (
	keyFormat    = "format"
	keySequences = "sequences"
	keyChunkSize = "chunk_size"
	keyStreams   = "streams"
)

// ErrMalformed is returned when a corpus file does not respect the corpus
// layout.
var ErrMalformed = errors.New("malformed corpus")

// indexKind is the element kind of rows and offsets tensors.
const indexKind = element.Int64

func storageKey(stream string) string { return "stream." + stream + ".storage" }
func layoutKey(stream string) string  { return "stream." + stream + ".layout" }

func valuesTensor(stream string) string  { return stream + ".values" }
func rowsTensor(stream string) string    { return stream + ".rows" }
func offsetsTensor(stream string) string { return stream + ".offsets" }

func isReservedKey(key string) bool {
	switch key {
	case keyFormat, keySequences, keyChunkSize, keyStreams:
		return true
	}
	return strings.HasPrefix(key, "stream.")
}

func checkStreamName(name string) error {
	if name == "" {
		return errors.New("stream name is empty")
	}
	if strings.ContainsAny(name, ",. ") {
		return fmt.Errorf("invalid stream name %q", name)
	}
	return nil
}
