// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the chatstream CLI.
package ux

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Palette - deep ocean teals
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, assistant
	ColorTealPrimary = lipgloss.Color("#20B9B4") // user
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text
	ColorWarning     = lipgloss.Color("#F4D03F") // system
	ColorError       = lipgloss.Color("#E74C3C")
)

// Styles holds lipgloss styles bound to one output. Colors are dropped
// automatically when the output is not a terminal.
type Styles struct {
	Highlight lipgloss.Style
	Muted     lipgloss.Style
	Error     lipgloss.Style

	User      lipgloss.Style
	Assistant lipgloss.Style
	System    lipgloss.Style
}

// NewStyles creates styles for w.
func NewStyles(w io.Writer) Styles {
	r := lipgloss.NewRenderer(w)
	return Styles{
		Highlight: r.NewStyle().Foreground(ColorTealBright).Bold(true),
		Muted:     r.NewStyle().Foreground(ColorSlate),
		Error:     r.NewStyle().Foreground(ColorError),
		User:      r.NewStyle().Foreground(ColorTealPrimary).Bold(true),
		Assistant: r.NewStyle().Foreground(ColorTealBright).Bold(true),
		System:    r.NewStyle().Foreground(ColorWarning).Bold(true),
	}
}

// RoleLabel renders "[role]" in the role's color.
func (s Styles) RoleLabel(role string) string {
	label := "[" + role + "]"
	switch role {
	case "user":
		return s.User.Render(label)
	case "assistant":
		return s.Assistant.Render(label)
	case "system":
		return s.System.Render(label)
	default:
		return label
	}
}
