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
	"context"

	"github.com/spf13/cobra"
)

// slotsCmd lists the slots and their tokens
var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "List slots and tokens",
	Long:  `List every slot the module reports, with the token label and flags of each.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := openEngine()
		if err != nil {
			return err
		}
		defer ctx.Close()

		slots, err := ctx.ListSlots()
		if err != nil {
			return err
		}
		return printer().PrintSlots(slots)
	},
}

// certCmd prints a certificate
var certCmd = &cobra.Command{
	Use:   "cert <identifier>",
	Short: "Print the certificate an identifier resolves to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := openEngine()
		if err != nil {
			return err
		}
		defer ctx.Close()

		cert, err := ctx.LoadCertificate(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printer().PrintCertificate(cert)
	},
}

// pubkeyCmd prints a public key
var pubkeyCmd = &cobra.Command{
	Use:   "pubkey <identifier>",
	Short: "Print the public key an identifier resolves to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := openEngine()
		if err != nil {
			return err
		}
		defer ctx.Close()

		pub, err := ctx.LoadPublicKey(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printer().PrintPublicKey(pub)
	},
}
