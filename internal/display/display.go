// Package display renders mcpctl's output: text, JSON, and raw modes for
// call/list/status results, plus error formatting, following the same
// color/table conventions as the rest of the pack's CLIs.
package display

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/mcpd-project/mcpd/internal/client"
	"github.com/mcpd-project/mcpd/internal/errkind"
	"github.com/mcpd-project/mcpd/internal/protocol"
)

// Format selects how a Result is rendered to stdout.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatRaw  Format = "raw"
)

// Printer renders client results and errors in a chosen Format.
type Printer struct {
	Format  Format
	Color   bool
	Verbose bool
}

// NewPrinter builds a Printer for format, coloring output unless stdout
// isn't a color-capable terminal is something the caller already decided
// via useColor.
func NewPrinter(format Format, useColor bool) *Printer {
	return &Printer{Format: format, Color: useColor}
}

// Call prints a call result, optionally prefixed with the path taken.
func (p *Printer) Call(res client.Result) {
	p.maybePrintPath(res.Path)

	switch p.Format {
	case FormatJSON:
		fmt.Println(string(res.Raw))
	case FormatRaw:
		fmt.Println(string(res.Raw))
	default:
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, res.Raw, "", "  "); err == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(string(res.Raw))
		}
	}
}

// List prints a tools/list result as JSON under FormatJSON and as a table
// otherwise (FormatRaw included).
func (p *Printer) List(res client.Result) {
	p.maybePrintPath(res.Path)

	if p.Format == FormatJSON {
		data, _ := json.MarshalIndent(res.Tools, "", "  ")
		fmt.Println(string(data))
		return
	}

	table := tablewriter.NewTable(os.Stdout,
		tablewriter.WithHeader([]string{"Name", "Description"}),
	)
	for _, t := range res.Tools {
		table.Append([]string{t.Name, t.Description})
	}
	table.Render()
}

// Status prints a status command response.
func (p *Printer) Status(resp protocol.ControlResponse) {
	if p.Format == FormatJSON {
		data, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(data))
		return
	}

	if p.Color {
		color.Cyan("mcpd daemon status: %s", resp.Status)
	} else {
		fmt.Printf("mcpd daemon status: %s\n", resp.Status)
	}
	fmt.Printf("  servers:     %d\n", resp.ServerCount)
	table := tablewriter.NewTable(os.Stdout,
		tablewriter.WithHeader([]string{"Server", "Auto-started", "Uptime (s)"}),
	)
	autoByID := make(map[string]float64, len(resp.AutoStarted))
	for _, a := range resp.AutoStarted {
		autoByID[a.ID] = a.UptimeSeconds
	}
	for _, id := range resp.Servers {
		if uptime, ok := autoByID[id]; ok {
			table.Append([]string{id, "yes", fmt.Sprintf("%.0f", uptime)})
		} else {
			table.Append([]string{id, "no", "-"})
		}
	}
	table.Render()
}

// Error prints a classified error.
func (p *Printer) Error(err error) {
	e, ok := errkind.As(err)
	if !ok {
		e = errkind.New(errkind.ProtocolError, err.Error())
	}

	if p.Format == FormatJSON {
		data, _ := json.MarshalIndent(map[string]string{"kind": string(e.Kind), "error": e.Message}, "", "  ")
		fmt.Fprintln(os.Stderr, string(data))
		return
	}

	if p.Color {
		fmt.Fprintln(os.Stderr, color.RedString("Error [%s]: %s", e.Kind, e.Message))
		return
	}
	fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", e.Kind, e.Message)
}

func (p *Printer) maybePrintPath(path client.Path) {
	if !p.Verbose {
		return
	}
	if p.Color {
		color.New(color.Faint).Fprintf(os.Stderr, "path: %s\n", path)
		return
	}
	fmt.Fprintf(os.Stderr, "path: %s\n", path)
}
