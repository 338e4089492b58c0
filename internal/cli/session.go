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

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/jeremyhahn/go-p11engine/internal/config"
	"github.com/jeremyhahn/go-p11engine/pkg/engine"
	"github.com/jeremyhahn/go-p11engine/pkg/logging"
	"github.com/jeremyhahn/go-p11engine/pkg/metrics"
	"github.com/jeremyhahn/go-p11engine/pkg/prompt"
	"github.com/jeremyhahn/go-p11engine/pkg/token"
	"github.com/jeremyhahn/go-p11engine/pkg/token/p11"
)

// newLogger builds the slog-backed logger the configuration asks for.
func newLogger(cfg *config.Config) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewSlogAdapter(&logging.SlogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Writer: os.Stderr,
	}), nil
}

// newEngine wires an engine context over provider. The configured PIN,
// if any, is installed and its buffer destroyed.
func newEngine(cfg *config.Config, provider token.Provider, logger logging.Logger, prompter prompt.Prompter) (*engine.Context, error) {
	if cfg.Metrics.Enabled {
		metrics.Enable()
	} else {
		metrics.Disable()
	}

	var limiter *rate.Limiter
	if cfg.LoginInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.LoginInterval), 1)
	}

	ctx, err := engine.New(&engine.Config{
		Provider:     provider,
		Logger:       logger,
		Prompter:     prompter,
		ForceLogin:   cfg.ForceLogin,
		LoginLimiter: limiter,
	})
	if err != nil {
		return nil, err
	}

	buf, err := cfg.UserPIN()
	if err != nil {
		_ = ctx.Close()
		return nil, fmt.Errorf("failed to read PIN: %w", err)
	}
	if buf != nil {
		defer buf.Destroy()
		if err := buf.Use(ctx.SetPIN); err != nil {
			_ = ctx.Close()
			return nil, err
		}
	}
	return ctx, nil
}

// openEngine loads the configured module and returns a ready context.
// Closing the context closes the module.
func openEngine() (*engine.Context, error) {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	module, err := p11.New(&p11.Config{Library: cfg.Module, ReadWrite: cfg.ReadWrite, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to load module: %w", err)
	}
	ctx, err := newEngine(cfg, module, logger, prompt.NewTerminal())
	if err != nil {
		_ = module.Close()
		return nil, err
	}
	return ctx, nil
}
