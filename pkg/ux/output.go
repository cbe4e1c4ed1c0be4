// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the kbassistant CLI.
//
// Output is rich (colors, icons, boxes) on a terminal and plain
// tab-separated text when piped, so scripts can parse it.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// EnvOutputMode overrides terminal detection.
const EnvOutputMode = "KB_OUTPUT"

// Color palette
var (
	ColorGreen  = lipgloss.Color("#00B173") // success, titles
	ColorTeal   = lipgloss.Color("#20B9B4") // accents, borders
	ColorSlate  = lipgloss.Color("#5C6B73") // muted text
	ColorAmber  = lipgloss.Color("#F4D03F") // warnings
	ColorRed    = lipgloss.Color("#E74C3C") // errors
	ColorBright = lipgloss.Color("#E8F6F3") // highlighted values
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Value   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorGreen),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorGreen),
	Warning: lipgloss.NewStyle().Foreground(ColorAmber),
	Error:   lipgloss.NewStyle().Foreground(ColorRed),
	Value:   lipgloss.NewStyle().Foreground(ColorBright).Bold(true),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTeal).
		Padding(0, 1),
}

// =============================================================================
// Modes
// =============================================================================

// Mode selects how much styling a Printer applies.
type Mode string

const (
	// ModeRich enables colors, icons and boxes.
	ModeRich Mode = "rich"

	// ModeMinimal prints icons without colors or boxes.
	ModeMinimal Mode = "minimal"

	// ModeMachine prints plain text suitable for scripting.
	ModeMachine Mode = "machine"
)

// ParseMode converts a string to a Mode. Unknown values are ModeRich.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return ModeMinimal
	case "machine", "plain", "quiet", "q":
		return ModeMachine
	default:
		return ModeRich
	}
}

// DetectMode picks the mode for w. $KB_OUTPUT wins; otherwise a terminal
// gets ModeRich and anything else ModeMachine.
func DetectMode(w io.Writer) Mode {
	if env := os.Getenv(EnvOutputMode); env != "" {
		return ParseMode(env)
	}
	if isTerminal(w) {
		return ModeRich
	}
	return ModeMachine
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// =============================================================================
// Icons
// =============================================================================

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes styled CLI output to a single writer.
//
// # Thread Safety
//
// Not safe for concurrent use; commands print from one goroutine.
type Printer struct {
	out  io.Writer
	mode Mode
}

// NewPrinter creates a Printer. An empty mode is detected from out.
func NewPrinter(out io.Writer, mode Mode) *Printer {
	if mode == "" {
		mode = DetectMode(out)
	}
	return &Printer{out: out, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode {
	return p.mode
}

// Title prints a styled title. Machine mode prints nothing.
func (p *Printer) Title(text string) {
	if p.mode == ModeMachine {
		return
	}
	fmt.Fprintln(p.out, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.out, "OK: %s\n", text)
	case ModeMinimal:
		fmt.Fprintf(p.out, "%s %s\n", IconSuccess, text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.out, "WARN: %s\n", text)
	case ModeMinimal:
		fmt.Fprintf(p.out, "%s %s\n", IconWarning, text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error message
func (p *Printer) Error(text string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.out, "ERROR: %s\n", text)
	case ModeMinimal:
		fmt.Fprintf(p.out, "%s %s\n", IconError, text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Box prints content in a rounded box under a title.
func (p *Printer) Box(title, content string) {
	if p.mode != ModeRich {
		fmt.Fprintf(p.out, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.out, Styles.Box.Width(72).Render(Styles.Title.Render(title)+"\n"+content))
}

// FileStatus prints one processed file with its outcome.
func (p *Printer) FileStatus(path string, status Icon, detail string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.out, "%s\t%s\t%s\n", status, path, detail)
	case ModeMinimal:
		fmt.Fprintf(p.out, "%s %s %s\n", status, path, detail)
	default:
		if detail != "" {
			fmt.Fprintf(p.out, "%s %s %s\n", status.Render(), path, Styles.Muted.Render("("+detail+")"))
		} else {
			fmt.Fprintf(p.out, "%s %s\n", status.Render(), path)
		}
	}
}

// Summary prints saved/failed/total counts.
func (p *Printer) Summary(saved, failed, total int) {
	if p.mode != ModeRich {
		fmt.Fprintf(p.out, "SUMMARY: saved=%d failed=%d total=%d\n", saved, failed, total)
		return
	}
	fmt.Fprintf(p.out, "\n%s %s  %s %s  %s %s\n",
		Styles.Success.Render(fmt.Sprint(saved)), Styles.Muted.Render("saved"),
		Styles.Error.Render(fmt.Sprint(failed)), Styles.Muted.Render("failed"),
		Styles.Bold.Render(fmt.Sprint(total)), Styles.Muted.Render("total"),
	)
}
