// Copyright 2023 The NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package header

import (
	"encoding/binary"
	"fmt"
	"io"
)

var padding = [8]byte{' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}

// Write validates h, then writes to "w" its size and JSON encoding,
// padded with spaces so that the byte-buffer starts at a multiple of 8.
//
// It returns the byte-buffer offset, that is the number of bytes written.
func Write(w io.Writer, h Header) (int, error) {
	if err := h.Validate(); err != nil {
		return 0, fmt.Errorf("failed to generate a valid header: %w", err)
	}
	jsonHeader, err := h.MarshalJSON()
	if err != nil {
		return 0, fmt.Errorf("failed to JSON-encode header: %w", err)
	}

	jsonLen := len(jsonHeader)
	toAlign := (8 - jsonLen%8) % 8

	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(jsonLen+toAlign))
	if _, err = w.Write(size[:]); err != nil {
		return 0, fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err = w.Write(jsonHeader); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}
	if toAlign > 0 {
		if _, err = w.Write(padding[:toAlign]); err != nil {
			return 0, fmt.Errorf("failed to write header padding: %w", err)
		}
	}
	return 8 + jsonLen + toAlign, nil
}
