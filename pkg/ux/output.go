// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders CLI output.
//
// A Printer writes either styled output (colors and icons through lipgloss)
// or plain, prefix-tagged lines suitable for scripts. ModeAuto picks styled
// output only when the writer is a terminal.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Brand palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles holds the shared lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconBullet  Icon = "•"
)

// Render returns the icon with its status color.
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

// Mode selects the output style.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeStyled Mode = "styled"
	ModePlain  Mode = "plain"
)

// ParseMode converts a flag value to a Mode. Empty is ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "styled", "color":
		return ModeStyled, nil
	case "plain", "machine":
		return ModePlain, nil
	default:
		return ModeAuto, fmt.Errorf("unknown output mode %q (auto, styled, plain)", s)
	}
}

// Printer writes styled or plain lines to w.
type Printer struct {
	w     io.Writer
	plain bool
}

// NewPrinter creates a Printer. ModeAuto is plain unless w is a terminal.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	plain := mode == ModePlain
	if mode == ModeAuto || mode == "" {
		plain = !isTerminal(w)
	}
	return &Printer{w: w, plain: plain}
}

// Plain reports whether the printer emits unstyled output.
func (p *Printer) Plain() bool {
	return p.plain
}

// Title prints a section heading. Plain output keeps the text.
func (p *Printer) Title(text string) {
	if p.plain {
		fmt.Fprintf(p.w, "%s\n", text)
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Success prints a line marked as healthy.
func (p *Printer) Success(text string) {
	p.status("OK", IconSuccess, Styles.Success, text)
}

// Warning prints a line marked as degraded.
func (p *Printer) Warning(text string) {
	p.status("WARN", IconWarning, Styles.Warning, text)
}

// Error prints a line marked as failing.
func (p *Printer) Error(text string) {
	p.status("ERROR", IconError, Styles.Error, text)
}

func (p *Printer) status(tag string, icon Icon, style lipgloss.Style, text string) {
	if p.plain {
		fmt.Fprintf(p.w, "%s: %s\n", tag, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", icon.Render(), style.Render(text))
}

// Item prints an indented list entry.
func (p *Printer) Item(text string) {
	if p.plain {
		fmt.Fprintf(p.w, "  %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "  %s %s\n", Styles.Muted.Render(string(IconBullet)), text)
}

// Muted prints secondary text. Plain output keeps it.
func (p *Printer) Muted(text string) {
	if p.plain {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintln(p.w, Styles.Muted.Render(text))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
