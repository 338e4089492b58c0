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
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-p11engine/internal/config"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "p11engine",
	Short: "p11engine - PKCS#11 object lookup and token-backed crypto",
	Long: `p11engine finds certificates and keys on PKCS#11 tokens by RFC 7512 URI
or legacy identifier and runs private-key operations on the token.

Identifiers:
  pkcs11:token=Demo;object=server-key;type=private
  slot_0-id_0102
  label_server-key
  0102ab

Every flag can also be set through the environment with the P11ENGINE_
prefix, e.g. P11ENGINE_MODULE=/usr/lib/softhsm/libsofthsm2.so.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and prints any error to stderr in the
// selected output format
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		p := NewPrinter(viper.GetString("output"), os.Stderr)
		_ = p.PrintError(err) // Error printing to stderr is best-effort
	}
	return err
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (YAML)")
	flags.String("module", "", "path to the PKCS#11 module")
	flags.Bool("read-write", false, "open read/write sessions")
	flags.String("pin-file", "", "file whose first line is the user PIN")
	flags.Bool("force-login", false, "log in before every lookup")
	flags.Duration("login-interval", 0, "minimum spacing between login attempts")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text, json)")
	flags.StringP("output", "o", "text", "output format (text, json, table)")

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("P11ENGINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(slotsCmd)
	rootCmd.AddCommand(certCmd)
	rootCmd.AddCommand(pubkeyCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(decryptCmd)
}

// loadConfig reads the config file when one is named and applies every
// flag or environment variable that was set on top of it.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.Default()
	if path := v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if v.IsSet("module") {
		cfg.Module = v.GetString("module")
	}
	if v.IsSet("read-write") {
		cfg.ReadWrite = v.GetBool("read-write")
	}
	if v.IsSet("pin-file") {
		cfg.PINFile = v.GetString("pin-file")
		cfg.PIN = ""
	}
	if v.IsSet("force-login") {
		cfg.ForceLogin = v.GetBool("force-login")
	}
	if v.IsSet("login-interval") {
		cfg.LoginInterval = v.GetDuration("login-interval")
	}
	if v.IsSet("log-level") {
		cfg.Logging.Level = v.GetString("log-level")
	}
	if v.IsSet("log-format") {
		cfg.Logging.Format = v.GetString("log-format")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func printer() *Printer {
	return NewPrinter(viper.GetString("output"), os.Stdout)
}
