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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "p11engine.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}
	return path
}

// TestLoad_Success tests successful loading of a valid config file
func TestLoad_Success(t *testing.T) {
	path := writeConfig(t, `
module: /usr/lib/softhsm/libsofthsm2.so
read_write: true
pin_file: /run/secrets/pin
force_login: true
login_interval: 2s

logging:
  level: debug
  format: json

metrics:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if cfg.Module != "/usr/lib/softhsm/libsofthsm2.so" {
		t.Errorf("Module = %v", cfg.Module)
	}
	if !cfg.ReadWrite {
		t.Error("ReadWrite = false, want true")
	}
	if cfg.PINFile != "/run/secrets/pin" {
		t.Errorf("PINFile = %v", cfg.PINFile)
	}
	if !cfg.ForceLogin {
		t.Error("ForceLogin = false, want true")
	}
	if cfg.LoginInterval != 2*time.Second {
		t.Errorf("LoginInterval = %v, want 2s", cfg.LoginInterval)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = true, want false")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "module: /lib/p11.so\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "warn" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want warn/text", cfg.Logging)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "module: [unterminated\n"))
	if err == nil || !strings.Contains(err.Error(), "failed to parse config file") {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("P11ENGINE_MODULE", "/opt/hsm/lib.so")
	t.Setenv("P11ENGINE_FORCE_LOGIN", "true")
	t.Setenv("P11ENGINE_LOGIN_INTERVAL", "500ms")
	t.Setenv("P11ENGINE_LOG_LEVEL", "error")
	t.Setenv("P11ENGINE_LOG_FORMAT", "json")

	cfg, err := Load(writeConfig(t, "module: /lib/p11.so\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Module != "/opt/hsm/lib.so" {
		t.Errorf("Module = %v", cfg.Module)
	}
	if !cfg.ForceLogin {
		t.Error("ForceLogin not overridden")
	}
	if cfg.LoginInterval != 500*time.Millisecond {
		t.Errorf("LoginInterval = %v", cfg.LoginInterval)
	}
	if cfg.Logging.Level != "error" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_InvalidEnvIgnored(t *testing.T) {
	t.Setenv("P11ENGINE_FORCE_LOGIN", "maybe")
	t.Setenv("P11ENGINE_LOGIN_INTERVAL", "soon")

	cfg, err := Load(writeConfig(t, "module: /lib/p11.so\nlogin_interval: 1s\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ForceLogin {
		t.Error("ForceLogin = true, want false")
	}
	if cfg.LoginInterval != time.Second {
		t.Errorf("LoginInterval = %v, want 1s", cfg.LoginInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing module", func(c *Config) { c.Module = "" }, "module must be specified"},
		{"pin and pin_file", func(c *Config) { c.PIN = "1234"; c.PINFile = "/pin" }, "mutually exclusive"},
		{"pin too long", func(c *Config) { c.PIN = strings.Repeat("1", 257) }, "pin exceeds"},
		{"negative interval", func(c *Config) { c.LoginInterval = -time.Second }, "login_interval"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"warning alias", func(c *Config) { c.Logging.Level = "WARNING" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Module = "/lib/p11.so"
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestUserPIN(t *testing.T) {
	cfg := Default()
	buf, err := cfg.UserPIN()
	if err != nil || buf != nil {
		t.Fatalf("UserPIN() = %v, %v, want nil, nil", buf, err)
	}

	cfg.PIN = "1234"
	buf, err = cfg.UserPIN()
	if err != nil {
		t.Fatalf("UserPIN() error = %v", err)
	}
	if buf.Len() != 4 {
		t.Errorf("Len() = %d, want 4", buf.Len())
	}
	buf.Destroy()

	path := filepath.Join(t.TempDir(), "pin")
	if err := os.WriteFile(path, []byte("87654321\nignored\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.PIN = ""
	cfg.PINFile = path
	buf, err = cfg.UserPIN()
	if err != nil {
		t.Fatalf("UserPIN() error = %v", err)
	}
	defer buf.Destroy()
	err = buf.Use(func(p []byte) error {
		if string(p) != "87654321" {
			t.Errorf("PIN = %q, want first line", p)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
