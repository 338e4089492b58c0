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

// Package prompt asks the user for a token PIN.
package prompt

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jeremyhahn/go-p11engine/pkg/pin"
	"golang.org/x/term"
)

var (
	// ErrPINTooShort is returned when the entered PIN is below the minimum length.
	ErrPINTooShort = errors.New("prompt: PIN too short")

	// ErrPINTooLong is returned when the entered PIN exceeds the maximum length.
	ErrPINTooLong = errors.New("prompt: PIN too long")

	// ErrCancelled is returned when the user enters nothing or input is closed.
	ErrCancelled = errors.New("prompt: cancelled")

	// ErrNoTerminal is returned when stdin is not a terminal.
	ErrNoTerminal = errors.New("prompt: stdin is not a terminal")
)

// Prompter obtains a PIN interactively. The caller owns the returned
// slice and must zero it.
type Prompter interface {
	PromptPIN(message string, minLen, maxLen int) ([]byte, error)
}

// Func adapts a plain function to the Prompter interface.
type Func func(message string, minLen, maxLen int) ([]byte, error)

// PromptPIN calls f.
func (f Func) PromptPIN(message string, minLen, maxLen int) ([]byte, error) {
	return f(message, minLen, maxLen)
}

// Terminal reads a PIN from a terminal without echo.
type Terminal struct {
	// FD is the file descriptor to read from. Defaults to stdin.
	FD int

	// Out receives the prompt text. Defaults to stderr.
	Out io.Writer

	// ReadPassword reads a line without echo. Defaults to term.ReadPassword.
	ReadPassword func(fd int) ([]byte, error)

	// IsTerminal reports whether FD is interactive. Defaults to term.IsTerminal.
	IsTerminal func(fd int) bool
}

// NewTerminal returns a Terminal reading from stdin and writing to stderr.
func NewTerminal() *Terminal {
	return &Terminal{
		FD:           int(os.Stdin.Fd()),
		Out:          os.Stderr,
		ReadPassword: term.ReadPassword,
		IsTerminal:   term.IsTerminal,
	}
}

// PromptPIN writes message, reads the reply and checks its length.
func (t *Terminal) PromptPIN(message string, minLen, maxLen int) ([]byte, error) {
	out := t.Out
	if out == nil {
		out = os.Stderr
	}
	read := t.ReadPassword
	if read == nil {
		read = term.ReadPassword
	}
	if t.IsTerminal != nil && !t.IsTerminal(t.FD) {
		return nil, ErrNoTerminal
	}

	fmt.Fprintf(out, "%s: ", message)
	line, err := read(t.FD)
	fmt.Fprintln(out)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("prompt: failed to read PIN: %w", err)
	}
	return checkLength(line, minLen, maxLen)
}

// checkLength validates line and zeroes it on rejection.
func checkLength(line []byte, minLen, maxLen int) ([]byte, error) {
	if maxLen <= 0 || maxLen > pin.MaxLength {
		maxLen = pin.MaxLength
	}
	switch {
	case len(line) == 0:
		return nil, ErrCancelled
	case len(line) < minLen:
		pin.Zero(line)
		return nil, fmt.Errorf("%w: minimum %d characters", ErrPINTooShort, minLen)
	case len(line) > maxLen:
		pin.Zero(line)
		return nil, fmt.Errorf("%w: maximum %d characters", ErrPINTooLong, maxLen)
	}
	return line, nil
}
