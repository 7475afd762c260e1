// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-psa.
//
// go-psa is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jeremyhahn/go-psa/internal/engine"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output. Binary values are hex in text mode and
// base64 in JSON.
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

// PrintKeyList prints a list of keys
func (p *Printer) PrintKeyList(keys []engine.KeyInfo) error {
	switch p.format {
	case OutputFormatJSON:
		if keys == nil {
			keys = []engine.KeyInfo{}
		}
		return p.printJSON(map[string]interface{}{"keys": keys})
	case OutputFormatText:
		if len(keys) == 0 {
			fmt.Fprintln(p.writer, "No keys found")
			return nil
		}
		fmt.Fprintf(p.writer, "%-12s %-24s %-6s %-10s %s\n", "ID", "TYPE", "BITS", "LOCATION", "ALGORITHM")
		fmt.Fprintln(p.writer, strings.Repeat("-", 72))
		for _, k := range keys {
			fmt.Fprintf(p.writer, "%-12s %-24s %-6d 0x%06x   %s\n", k.Handle, k.Type, k.Bits, k.Location, k.Algorithm)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintKeyInfo prints detailed key information
func (p *Printer) PrintKeyInfo(key engine.KeyInfo) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(key)
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Key Information:\n")
		fmt.Fprintf(p.writer, "  ID:        %s\n", key.Handle)
		fmt.Fprintf(p.writer, "  Type:      %s\n", key.Type)
		fmt.Fprintf(p.writer, "  Bits:      %d\n", key.Bits)
		fmt.Fprintf(p.writer, "  Lifetime:  %s\n", key.Lifetime)
		fmt.Fprintf(p.writer, "  Usage:     %s\n", key.Usage)
		fmt.Fprintf(p.writer, "  Algorithm: %s\n", key.Algorithm)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status":  "success",
			"message": message,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message with its PSA status name.
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status": types.StatusString(err),
			"error":  err.Error(),
		})
	default:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	}
}

// PrintBytes prints named binary values in order.
func (p *Printer) PrintBytes(fields ...Field) error {
	switch p.format {
	case OutputFormatJSON:
		out := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			out[f.Name] = f.Value
		}
		return p.printJSON(out)
	case OutputFormatText:
		if len(fields) == 1 {
			fmt.Fprintln(p.writer, hex.EncodeToString(fields[0].Value))
			return nil
		}
		for _, f := range fields {
			fmt.Fprintf(p.writer, "%s: %s\n", f.Name, hex.EncodeToString(f.Value))
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintValid reports a successful verification.
func (p *Printer) PrintValid(what string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{"valid": true})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "%s OK\n", what)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// Field is a named binary output value.
type Field struct {
	Name  string
	Value []byte
}

// printJSON prints data as JSON
func (p *Printer) printJSON(data interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
