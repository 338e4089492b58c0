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
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-p11engine/internal/config"
	"github.com/jeremyhahn/go-p11engine/pkg/logging"
	"github.com/jeremyhahn/go-p11engine/pkg/prompt"
	"github.com/jeremyhahn/go-p11engine/pkg/token"
	"github.com/jeremyhahn/go-p11engine/pkg/token/mocks"
	"github.com/jeremyhahn/go-p11engine/pkg/token/p11"
)

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p11engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("module: /lib/file.so\nlogging:\n  level: info\n"), 0600))

	v := viper.New()
	v.Set("config", path)
	v.Set("force-login", true)
	v.Set("log-format", "json")

	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "/lib/file.so", cfg.Module)
	assert.True(t, cfg.ForceLogin)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadConfig_WithoutFile(t *testing.T) {
	v := viper.New()
	_, err := loadConfig(v)
	assert.ErrorContains(t, err, "module must be specified")

	v.Set("module", "/lib/p11.so")
	v.Set("login-interval", time.Second)
	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.LoginInterval)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestExecute_ReturnsCommandErrors(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.so")
	rootCmd.SetArgs([]string{"pubkey", "0102", "--module", missing})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		_ = rootCmd.PersistentFlags().Set("module", "")
	})

	err := Execute()
	require.Error(t, err)
	assert.ErrorIs(t, err, p11.ErrLibraryNotFound)
	assert.Contains(t, err.Error(), missing)
}

func TestNewEngine_InstallsConfiguredPIN(t *testing.T) {
	p := mocks.NewProvider()
	slot := p.AddSlot(0, "reader", mocks.ReadyToken("Demo"))
	p.SetUserPIN(slot.ID, "1234")
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	p.AddKey(slot.ID, []byte{1}, "k", key, true)

	cfg := config.Default()
	cfg.Module = "/lib/p11.so"
	cfg.PIN = "1234"
	cfg.LoginInterval = time.Millisecond
	cfg.Metrics.Enabled = false
	noPrompt := prompt.Func(func(string, int, int) ([]byte, error) {
		return nil, errors.New("unexpected prompt")
	})

	ctx, err := newEngine(cfg, p, logging.NewNop(), noPrompt)
	require.NoError(t, err)
	defer ctx.Close()

	priv, err := ctx.LoadPrivateKey(context.Background(), "pkcs11:token=Demo;object=k")
	require.NoError(t, err)
	assert.Equal(t, &key.PublicKey, priv.Public())
	require.Len(t, p.LoginCalls, 1)
	assert.NoError(t, p.LoginCalls[0].Error)
}

func TestNewEngine_BadPINFile(t *testing.T) {
	cfg := config.Default()
	cfg.PINFile = filepath.Join(t.TempDir(), "missing")

	p := mocks.NewProvider()
	_, err := newEngine(cfg, p, logging.NewNop(), nil)
	assert.ErrorContains(t, err, "failed to read PIN")
	assert.Equal(t, 1, p.CloseCalls)
}

func TestPrinter_Slots(t *testing.T) {
	slots := []*token.Slot{
		{ID: 0, Description: "reader 0", Token: mocks.ReadyToken("Demo")},
		{ID: 3, Description: "empty reader"},
	}

	var buf bytes.Buffer
	require.NoError(t, NewPrinter("text", &buf).PrintSlots(slots))
	assert.Contains(t, buf.String(), "[0] reader 0")
	assert.Contains(t, buf.String(), "Demo (login)")
	assert.Contains(t, buf.String(), "[3] empty reader")
	assert.Contains(t, buf.String(), "no token")

	buf.Reset()
	require.NoError(t, NewPrinter("table", &buf).PrintSlots(slots))
	assert.Contains(t, buf.String(), "DESCRIPTION")
	assert.Contains(t, buf.String(), "Demo")

	buf.Reset()
	require.NoError(t, NewPrinter("json", &buf).PrintSlots(slots))
	var out struct {
		Slots []slotView `json:"slots"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	require.Len(t, out.Slots, 2)
	assert.True(t, out.Slots[0].Present)
	assert.False(t, out.Slots[1].Present)

	assert.Error(t, NewPrinter("yaml", &buf).PrintSlots(slots))
}

func TestPrinter_PublicKey(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewPrinter("text", &buf).PrintPublicKey(&key.PublicKey))
	assert.Contains(t, buf.String(), "BEGIN PUBLIC KEY")

	buf.Reset()
	require.NoError(t, NewPrinter("json", &buf).PrintPublicKey(&key.PublicKey))
	assert.Contains(t, buf.String(), `"algorithm": "ECDSA"`)
}

func TestParseHash(t *testing.T) {
	h, err := parseHash("SHA384")
	require.NoError(t, err)
	assert.Equal(t, crypto.SHA384, h)

	_, err = parseHash("md5")
	assert.Error(t, err)
}

func TestOpts(t *testing.T) {
	assert.Equal(t, crypto.SHA256, signerOpts(crypto.SHA256, false, 0))
	pss, ok := signerOpts(crypto.SHA256, true, rsa.PSSSaltLengthEqualsHash).(*rsa.PSSOptions)
	require.True(t, ok)
	assert.Equal(t, rsa.PSSSaltLengthEqualsHash, pss.SaltLength)

	assert.Nil(t, decrypterOpts(crypto.SHA256, false))
	oaep, ok := decrypterOpts(crypto.SHA1, true).(*rsa.OAEPOptions)
	require.True(t, ok)
	assert.Equal(t, crypto.SHA1, oaep.Hash)
}
