// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	dir := t.TempDir()
	corpusPath := filepath.Join(dir, "train.corpus")

	var stdout, stderr bytes.Buffer
	code := run([]string{"gen", "-out", corpusPath, "-sequences", "10", "-chunk", "3", "-dense", "4", "-sparse", "5", "-nnz", "2"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, "wrote 10 sequences to "+corpusPath+"\n", stdout.String())

	stdout.Reset()
	code = run([]string{"inspect", corpusPath}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	out := stdout.String()
	assert.Contains(t, out, "features")
	assert.Contains(t, out, "sparse_rows")
	assert.Contains(t, out, "sequences: 10\n")
	assert.Contains(t, out, "chunks:    4\n")
	assert.Contains(t, out, "valid:     true\n")

	configPath := filepath.Join(dir, "mbread.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("corpus: "+corpusPath+"\nminibatch_size: 4\nepochs: 2\n"), 0o600))

	stdout.Reset()
	stderr.Reset()
	code = run([]string{"read", "-config", configPath}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	assert.Equal(t, []string{
		"epoch=0 minibatch=0 samples=4 bytes=144 end_of_epoch=false",
		"epoch=0 minibatch=1 samples=4 bytes=144 end_of_epoch=false",
		"epoch=0 minibatch=2 samples=2 bytes=72 end_of_epoch=true",
		"epoch=1 minibatch=0 samples=4 bytes=144 end_of_epoch=false",
		"epoch=1 minibatch=1 samples=4 bytes=144 end_of_epoch=false",
		"epoch=1 minibatch=2 samples=2 bytes=72 end_of_epoch=true",
	}, lines)
	assert.Contains(t, stderr.String(), "minibatch: reader created")

	stdout.Reset()
	code = run([]string{"read", "-config", configPath, "-workers", "2", "-rank", "1", "-epochs", "1", "-mb", "10"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	// Rank 1 of 2 owns chunk 1 (sequences 3, 4, 5) and chunk 3 (sequence 9).
	assert.Equal(t, "epoch=0 minibatch=0 samples=4 bytes=144 end_of_epoch=true\n", stdout.String())
}

func TestRun_UsageErrors(t *testing.T) {
	testCases := []struct {
		name string
		args []string
		code int
	}{
		{"no command", nil, 2},
		{"unknown command", []string{"train"}, 2},
		{"gen without out", []string{"gen"}, 2},
		{"inspect without file", []string{"inspect"}, 2},
		{"inspect missing file", []string{"inspect", filepath.Join(t.TempDir(), "missing")}, 1},
		{"read without config", []string{"read"}, 2},
		{"read bad flag", []string{"read", "-nope"}, 2},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			assert.Equal(t, tc.code, run(tc.args, &stdout, &stderr))
		})
	}

	t.Run("help", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		assert.Equal(t, 0, run([]string{"help"}, &stdout, &stderr))
		assert.Contains(t, stdout.String(), "usage: mbread")
	})
}
