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

package p11

import (
	"errors"
	"fmt"
	"os"

	"github.com/jeremyhahn/go-p11engine/pkg/logging"
)

var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("p11: invalid configuration")

	// ErrLibraryNotFound is returned when the PKCS#11 library cannot be found.
	ErrLibraryNotFound = errors.New("p11: library not found")

	// ErrLibraryLoad is returned when the library exists but cannot be loaded.
	ErrLibraryLoad = errors.New("p11: unable to load library")
)

// Config selects the PKCS#11 module to load.
type Config struct {
	// Library is the path to the PKCS#11 shared object.
	// Examples:
	//   - /usr/lib/softhsm/libsofthsm2.so (SoftHSM)
	//   - /usr/lib/x86_64-linux-gnu/opensc-pkcs11.so (OpenSC)
	//   - /usr/lib/libykcs11.so (YubiKey)
	Library string `yaml:"library" json:"library" mapstructure:"library"`

	// ReadWrite opens read/write sessions instead of read-only ones.
	ReadWrite bool `yaml:"read-write" json:"read_write" mapstructure:"read-write"`

	// Logger receives module-level warnings. Defaults to a no-op logger.
	Logger logging.Logger `yaml:"-" json:"-" mapstructure:"-"`
}

// Validate checks that the library path is set and exists.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	if c.Library == "" {
		return fmt.Errorf("%w: library path is required", ErrInvalidConfig)
	}
	if _, err := os.Stat(c.Library); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrLibraryNotFound, c.Library, err)
	}
	return nil
}
