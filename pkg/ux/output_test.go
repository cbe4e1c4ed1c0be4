// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"
)

// =============================================================================
// Mode Tests
// =============================================================================

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"":        ModeRich,
		"rich":    ModeRich,
		"MINIMAL": ModeMinimal,
		"min":     ModeMinimal,
		"machine": ModeMachine,
		"plain":   ModeMachine,
		" q ":     ModeMachine,
		"fancy":   ModeRich,
	}
	for in, want := range tests {
		if got := ParseMode(in); got != want {
			t.Errorf("ParseMode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDetectMode_BufferIsMachine(t *testing.T) {
	t.Setenv(EnvOutputMode, "")
	if got := DetectMode(&bytes.Buffer{}); got != ModeMachine {
		t.Errorf("DetectMode(buffer) = %q, want machine", got)
	}
}

func TestDetectMode_EnvOverride(t *testing.T) {
	t.Setenv(EnvOutputMode, "minimal")
	if got := DetectMode(&bytes.Buffer{}); got != ModeMinimal {
		t.Errorf("DetectMode = %q, want minimal", got)
	}
}

func TestNewPrinter_DetectsWhenEmpty(t *testing.T) {
	t.Setenv(EnvOutputMode, "")
	if p := NewPrinter(&bytes.Buffer{}, ""); p.Mode() != ModeMachine {
		t.Errorf("Mode() = %q, want machine", p.Mode())
	}
}

// =============================================================================
// Icon Tests
// =============================================================================

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending, IconArrow} {
		if !strings.Contains(icon.Render(), string(icon)) {
			t.Errorf("Render() for %q lost the glyph", icon)
		}
	}
}

// =============================================================================
// Printer Tests
// =============================================================================

func TestPrinter_MachineMode(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeMachine)

	p.Title("ignored")
	p.Success("schema ready")
	p.Warning("memory store")
	p.Error("no embedder")
	p.Box("Token", "abc")
	p.FileStatus("a.json", IconSuccess, "knowledge entry 1")
	p.Summary(1, 2, 3)

	want := "OK: schema ready\n" +
		"WARN: memory store\n" +
		"ERROR: no embedder\n" +
		"Token: abc\n" +
		"✓\ta.json\tknowledge entry 1\n" +
		"SUMMARY: saved=1 failed=2 total=3\n"
	if buf.String() != want {
		t.Errorf("output =\n%q\nwant\n%q", buf.String(), want)
	}
}

func TestPrinter_MinimalMode(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeMinimal)

	p.Success("done")
	p.FileStatus("b.log", IconError, "too large")

	out := buf.String()
	if !strings.Contains(out, "✓ done\n") {
		t.Errorf("missing success line: %q", out)
	}
	if !strings.Contains(out, "✗ b.log too large\n") {
		t.Errorf("missing file line: %q", out)
	}
}

func TestPrinter_RichMode(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeRich)

	p.Title("Knowledge base")
	p.Success("saved")
	p.FileStatus("a.json", IconSuccess, "")
	p.FileStatus("b.json", IconError, "invalid")
	p.Box("Config", "written")
	p.Summary(1, 1, 2)

	out := buf.String()
	for _, want := range []string{"Knowledge base", "saved", "a.json", "(invalid)", "Config", "written", "total"} {
		if !strings.Contains(out, want) {
			t.Errorf("rich output missing %q:\n%s", want, out)
		}
	}
}
