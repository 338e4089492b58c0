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
	"crypto"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/jeremyhahn/go-p11engine/pkg/dispatch"
	"github.com/jeremyhahn/go-p11engine/pkg/token"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText  OutputFormat = "text"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatTable OutputFormat = "table"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

type slotView struct {
	ID           uint   `json:"id"`
	Description  string `json:"description"`
	Token        string `json:"token,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Serial       string `json:"serial,omitempty"`
	Flags        string `json:"flags"`
	Present      bool   `json:"token_present"`
}

func viewSlot(s *token.Slot) slotView {
	v := slotView{ID: s.ID, Description: s.Description, Flags: "no token"}
	if t := s.Token; t != nil {
		v.Present = true
		v.Token = t.Label
		v.Manufacturer = t.Manufacturer
		v.Model = t.Model
		v.Serial = t.SerialNumber
		v.Flags = t.Flags.String()
	}
	return v
}

// PrintSlots prints the slot listing
func (p *Printer) PrintSlots(slots []*token.Slot) error {
	views := make([]slotView, len(slots))
	for i, s := range slots {
		views[i] = viewSlot(s)
	}

	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"slots": views,
		})
	case OutputFormatTable:
		table := tablewriter.NewWriter(p.writer)
		table.SetHeader([]string{"SLOT", "DESCRIPTION", "TOKEN", "MANUFACTURER", "SERIAL", "FLAGS"})
		for _, v := range views {
			table.Append([]string{strconv.FormatUint(uint64(v.ID), 10), v.Description, v.Token, v.Manufacturer, v.Serial, v.Flags})
		}
		table.Render()
		return nil
	case OutputFormatText:
		if len(views) == 0 {
			fmt.Fprintln(p.writer, "No slots found")
			return nil
		}
		for _, v := range views {
			label := v.Token
			if !v.Present {
				label = "no token"
			} else if label == "" {
				label = "no label"
			}
			fmt.Fprintf(p.writer, "[%d] %-32s %s (%s)\n", v.ID, v.Description, label, v.Flags)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintCertificate prints a certificate in PEM format
func (p *Printer) PrintCertificate(cert *x509.Certificate) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"subject":       cert.Subject.String(),
			"issuer":        cert.Issuer.String(),
			"serial_number": cert.SerialNumber.String(),
			"not_before":    cert.NotBefore.String(),
			"not_after":     cert.NotAfter.String(),
			"dns_names":     cert.DNSNames,
		})
	case OutputFormatTable, OutputFormatText:
		return pem.Encode(p.writer, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintPublicKey prints a public key as a PKIX PEM block
func (p *Printer) PrintPublicKey(pub crypto.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("failed to encode public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}

	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"algorithm":  dispatch.AlgorithmOf(pub).String(),
			"public_key": string(pem.EncodeToMemory(block)),
		})
	case OutputFormatTable, OutputFormatText:
		return pem.Encode(p.writer, block)
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSignature prints a signature (base64 encoded)
func (p *Printer) PrintSignature(signature string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"signature": signature,
		})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, signature)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintDecryptedData prints decrypted data (base64 encoded)
func (p *Printer) PrintDecryptedData(plaintext string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"plaintext": plaintext,
		})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, plaintext)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
	default:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	}
}

// printJSON prints data as JSON
func (p *Printer) printJSON(data interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
