// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output for the edittrack CLI: notifications,
// stats panels and the form theme, all aware of the personality level.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Palette - field survey greens and map-ink blues
var (
	ColorAccent  = lipgloss.Color("#3FB68B") // Highlights, titles
	ColorPrimary = lipgloss.Color("#2E8C6A") // Main brand color
	ColorInk     = lipgloss.Color("#2F5D8A") // Borders
	ColorSlate   = lipgloss.Color("#4A5A63") // Muted text

	ColorSuccess = lipgloss.Color("#3FB68B")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Bold     lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style
}{
	Title:    lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Subtitle: lipgloss.NewStyle().Foreground(ColorPrimary),
	Bold:     lipgloss.NewStyle().Bold(true),
	Muted:    lipgloss.NewStyle().Foreground(ColorSlate),
	Success:  lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:  lipgloss.NewStyle().Foreground(ColorWarning),
	Error:    lipgloss.NewStyle().Foreground(ColorError),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorInk).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconInfo    Icon = "│"
	IconBullet  Icon = "•"
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
	case IconInfo:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Console writes personality-aware output. Regular output goes to out;
// machine-mode warnings and errors go to errOut.
//
// Console implements the tracking Notifier.
//
// Thread Safety:
//
//	Safe for concurrent use; lines from different goroutines never interleave.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
}

// NewConsole creates a Console. A nil errOut uses out.
func NewConsole(out, errOut io.Writer) *Console {
	if errOut == nil {
		errOut = out
	}
	return &Console{out: out, errOut: errOut}
}

var stdConsole = NewConsole(os.Stdout, os.Stderr)

// Std returns the Console on stdout and stderr.
func Std() *Console {
	return stdConsole
}

func (c *Console) write(w io.Writer, s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	_, _ = io.WriteString(w, s)
}

// Title prints a styled title
func (c *Console) Title(text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	c.write(c.out, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func (c *Console) Success(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		c.write(c.out, "OK: "+text)
	case PersonalityMinimal:
		c.write(c.out, IconSuccess.Render()+" "+text)
	default:
		c.write(c.out, IconSuccess.Render()+" "+Styles.Success.Render(text))
	}
}

// Info prints an informational message
func (c *Console) Info(text string) {
	if GetPersonality().Level == PersonalityMachine {
		c.write(c.out, "INFO: "+text)
		return
	}
	c.write(c.out, IconInfo.Render()+" "+text)
}

// Warning prints a warning message
func (c *Console) Warning(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		c.write(c.errOut, "WARN: "+text)
	case PersonalityMinimal:
		c.write(c.out, IconWarning.Render()+" "+text)
	default:
		c.write(c.out, IconWarning.Render()+" "+Styles.Warning.Render(text))
	}
}

// Critical prints an error message
func (c *Console) Critical(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		c.write(c.errOut, "ERROR: "+text)
	case PersonalityMinimal:
		c.write(c.out, IconError.Render()+" "+text)
	default:
		c.write(c.out, IconError.Render()+" "+Styles.Error.Render(text))
	}
}

// Muted prints secondary text; nothing in machine mode.
func (c *Console) Muted(text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	c.write(c.out, Styles.Muted.Render(text))
}

// Line prints text unstyled at every level.
func (c *Console) Line(text string) {
	c.write(c.out, text)
}

// Box prints text in a rounded box
func (c *Console) Box(title, content string) {
	if GetPersonality().Level == PersonalityMachine {
		c.write(c.out, fmt.Sprintf("%s: %s", title, content))
		return
	}
	c.write(c.out, Styles.Box.Width(60).Render(Styles.Title.Render(title)+"\n"+content))
}

// WarningBox prints text in a warning-styled box
func (c *Console) WarningBox(title, content string) {
	if GetPersonality().Level == PersonalityMachine {
		c.write(c.errOut, fmt.Sprintf("WARN %s: %s", title, content))
		return
	}
	c.write(c.out, Styles.WarningBox.Width(60).Render(Styles.Warning.Bold(true).Render(title)+"\n"+content))
}

// Package-level helpers on the standard Console.

func Title(text string)         { stdConsole.Title(text) }
func Success(text string)       { stdConsole.Success(text) }
func Info(text string)          { stdConsole.Info(text) }
func Warning(text string)       { stdConsole.Warning(text) }
func Error(text string)         { stdConsole.Critical(text) }
func Muted(text string)         { stdConsole.Muted(text) }
func Box(title, content string) { stdConsole.Box(title, content) }

// ProgressBar renders a simple progress bar
func ProgressBar(current, total int, width int) string {
	if GetPersonality().Level == PersonalityMachine {
		return fmt.Sprintf("%d/%d", current, total)
	}
	pct := 0.0
	if total > 0 {
		pct = float64(current) / float64(total)
	}
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	bar := Styles.Success.Render(strings.Repeat("█", filled)) +
		Styles.Muted.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %3.0f%%", bar, pct*100)
}
