// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/nlpodyssey/minibatch/corpus"
	"github.com/nlpodyssey/minibatch/sequence"
)

func runInspect(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	headerSizeLimit := fs.Int("header-size-limit", 0, "Maximum corpus header size in bytes, 0 disables")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "inspect requires exactly one corpus file")
		return 2
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "inspect failed: %s\n", err)
		return 1
	}
	defer f.Close()

	c, err := corpus.Open(f, *headerSizeLimit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "inspect failed: %s\n", err)
		return 1
	}
	tl, err := c.SequenceDescriptions()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "inspect failed: %s\n", err)
		return 1
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTREAM\tSTORAGE\tELEMENT\tLAYOUT\tSAMPLE BYTES")
	for _, s := range c.Streams() {
		size, _ := s.SampleByteSize()
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t[%s]\t%d\n", s.ID, s.Name, s.Storage, s.Element, s.SampleLayout, size)
	}
	_ = tw.Flush()

	_, _ = fmt.Fprintf(stdout, "\nsequences: %d\nchunks:    %d\nsamples:   %d\nvalid:     %t\n",
		len(tl), tl.NumChunks(), tl.NumSamples(), sequence.IsValidForSequentialScheduling(tl))
	return 0
}
