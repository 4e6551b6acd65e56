// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/time/rate"

	"github.com/nlpodyssey/minibatch"
	"github.com/nlpodyssey/minibatch/config"
	"github.com/nlpodyssey/minibatch/corpus"
	"github.com/nlpodyssey/minibatch/memory"
)

func runRead(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML configuration file")
	workers := fs.Int("workers", 0, "Number of workers (overrides config)")
	rank := fs.Int("rank", 0, "Rank of this worker (overrides config)")
	mbSize := fs.Int("mb", 0, "Minibatch size in samples (overrides config)")
	epochs := fs.Int("epochs", 0, "Number of epochs (overrides config)")
	rps := fs.Float64("rate", 0, "Minibatch reads per second, 0 disables (overrides config)")
	verbose := fs.Bool("v", false, "Debug logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *configPath == "" {
		_, _ = fmt.Fprintln(stderr, "read requires -config")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config error: %s\n", err)
		return 2
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "workers":
			cfg.Workers = *workers
		case "rank":
			cfg.Rank = *rank
		case "mb":
			cfg.MinibatchSize = *mbSize
		case "epochs":
			cfg.Epochs = *epochs
		case "rate":
			cfg.RateLimitRPS = *rps
		}
	})
	if err = cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "config error: %s\n", err)
		return 2
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err = read(ctx, cfg, logger, stdout); err != nil {
		_, _ = fmt.Fprintf(stderr, "read failed: %s\n", err)
		return 1
	}
	return 0
}

func read(ctx context.Context, cfg config.Config, logger *slog.Logger, stdout io.Writer) error {
	f, err := os.Open(cfg.Corpus)
	if err != nil {
		return err
	}
	defer f.Close()

	c, err := corpus.Open(f, cfg.HeaderSizeLimit)
	if err != nil {
		return err
	}
	r, err := minibatch.NewReader(c, memory.NewHeap(), minibatch.Options{
		MinibatchSize: cfg.MinibatchSize,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Warn("mbread: failed to close reader", "error", err)
		}
	}()

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1)
	}

	for e := 0; e < cfg.Epochs; e++ {
		if err = r.StartEpoch(cfg.Epoch(e)); err != nil {
			return fmt.Errorf("epoch %d: %w", e, err)
		}
		for i := 0; ; i++ {
			if limiter != nil {
				if err = limiter.Wait(ctx); err != nil {
					return err
				}
			} else if err = ctx.Err(); err != nil {
				return err
			}

			mb, err := r.ReadMinibatch()
			if err != nil {
				return fmt.Errorf("epoch %d: minibatch %d: %w", e, i, err)
			}
			bytes := 0
			for _, s := range mb.Streams {
				bytes += s.ByteSize
			}
			_, _ = fmt.Fprintf(stdout, "epoch=%d minibatch=%d samples=%d bytes=%d end_of_epoch=%t\n",
				e, i, mb.NumSamples(), bytes, mb.EndOfEpoch)
			if mb.EndOfEpoch {
				break
			}
		}
	}

	s := r.Stats()
	logger.Info("mbread: done",
		"epochs", s.Epochs,
		"minibatches", s.TotalMinibatches,
		"samples", s.TotalSamples,
		"bytes", s.TotalBytes,
	)
	return nil
}
