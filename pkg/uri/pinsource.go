// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-p11engine.
//
// go-p11engine is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package uri

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jeremyhahn/go-p11engine/pkg/pin"
)

const fileScheme = "file:"

// readPINSource resolves a pin-source attribute value. Both "file:/path"
// and a bare path are read; command sources ("|cmd") are rejected. Only
// the first line is used.
func readPINSource(value string) ([]byte, error) {
	decoded, err := PercentDecode(value, len(value))
	if err != nil {
		return nil, err
	}
	path := string(decoded)

	switch {
	case len(path) >= len(fileScheme) && strings.EqualFold(path[:len(fileScheme)], fileScheme):
		path = path[len(fileScheme):]
	case strings.HasPrefix(path, "|"):
		return nil, fmt.Errorf("%w: %q", ErrPINSource, path)
	}
	return ReadPINFile(path)
}

// ReadPINFile returns the first line of the file at path with the line
// terminator removed, truncated to pin.MaxLength bytes.
func ReadPINFile(path string) ([]byte, error) {
	// #nosec G304 - PIN file path is supplied by the operator
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: could not open file %s: %w", ErrPINSource, path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, pin.MaxLength+1)
	line, err := r.ReadSlice('\n')
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("%w: could not read file %s: %w", ErrPINSource, path, err)
	}

	defer pin.Zero(line)

	n := min(len(line), pin.MaxLength)
	for n > 0 && (line[n-1] == '\n' || line[n-1] == '\r') {
		n--
	}
	out := make([]byte, n)
	copy(out, line[:n])
	return out, nil
}
