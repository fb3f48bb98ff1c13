// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompt

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/AleutianAI/edittrack/pkg/tracking"
)

var (
	_ UserPrompter = (*InteractivePrompter)(nil)
	_ UserPrompter = (*FormPrompter)(nil)
	_ UserPrompter = (*NonInteractivePrompter)(nil)
	_ UserPrompter = (*AutoApprovePrompter)(nil)
	_ UserPrompter = (*MockPrompter)(nil)
)

// =============================================================================
// InteractivePrompter Tests
// =============================================================================

func TestInteractivePrompter_Confirm_Yes(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"lowercase y", "y\n"},
		{"uppercase Y", "Y\n"},
		{"lowercase yes", "yes\n"},
		{"uppercase YES", "YES\n"},
		{"with spaces", "  y  \n"},
		{"no trailing newline", "yes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompter := NewInteractivePrompterWithIO(strings.NewReader(tt.input), &bytes.Buffer{})
			got, err := prompter.Confirm(context.Background(), "Resume?")
			if err != nil {
				t.Fatalf("Confirm() unexpected error: %v", err)
			}
			if !got {
				t.Errorf("Confirm() = false, want true")
			}
		})
	}
}

func TestInteractivePrompter_Confirm_No(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"lowercase n", "n\n"},
		{"no", "no\n"},
		{"empty input", "\n"},
		{"random text", "maybe\n"},
		{"EOF", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompter := NewInteractivePrompterWithIO(strings.NewReader(tt.input), &bytes.Buffer{})
			got, err := prompter.Confirm(context.Background(), "Resume?")
			if err != nil {
				t.Fatalf("Confirm() unexpected error: %v", err)
			}
			if got {
				t.Errorf("Confirm() = true, want false")
			}
		})
	}
}

func TestInteractivePrompter_Confirm_ShowsPromptAndHint(t *testing.T) {
	writer := &bytes.Buffer{}
	prompter := NewInteractivePrompterWithIO(strings.NewReader("y\n"), writer)

	_, _ = prompter.Confirm(context.Background(), tracking.ResumePrompt("roads"))

	output := writer.String()
	if !strings.Contains(output, "roads") {
		t.Errorf("prompt not displayed in output: %q", output)
	}
	if !strings.Contains(output, "[y/N]") {
		t.Errorf("hint not displayed in output: %q", output)
	}
}

func TestInteractivePrompter_Confirm_ContextCancelled(t *testing.T) {
	prompter := NewInteractivePrompterWithIO(strings.NewReader("y\n"), &bytes.Buffer{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := prompter.Confirm(ctx, "Resume?")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Confirm() error = %v, want context.Canceled", err)
	}
}

func TestInteractivePrompter_Confirm_ReadsSequentialAnswers(t *testing.T) {
	prompter := NewInteractivePrompterWithIO(strings.NewReader("y\nn\n"), &bytes.Buffer{})
	ctx := context.Background()

	first, _ := prompter.Confirm(ctx, "first?")
	second, _ := prompter.Confirm(ctx, "second?")
	if !first || second {
		t.Errorf("answers = (%v, %v), want (true, false)", first, second)
	}
}

func TestInteractivePrompter_Select(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{"first option", "1\n", 0, false},
		{"last option", "3\n", 2, false},
		{"with spaces", "  2  \n", 1, false},
		{"zero", "0\n", 0, true},
		{"too high", "5\n", 0, true},
		{"text", "abc\n", 0, true},
		{"empty", "\n", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := &bytes.Buffer{}
			prompter := NewInteractivePrompterWithIO(strings.NewReader(tt.input), writer)

			got, err := prompter.Select(context.Background(), "Choose layer:", []string{"roads", "parcels", "rivers"})
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSelection) {
					t.Errorf("Select() error = %v, want ErrInvalidSelection", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Select() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Select() = %d, want %d", got, tt.want)
			}
			if !strings.Contains(writer.String(), "2. parcels") {
				t.Errorf("options not displayed: %q", writer.String())
			}
		})
	}
}

func TestInteractivePrompter_Select_EmptyOptions(t *testing.T) {
	prompter := NewInteractivePrompterWithIO(strings.NewReader("1\n"), &bytes.Buffer{})
	if _, err := prompter.Select(context.Background(), "Choose:", nil); err == nil {
		t.Fatal("Select() expected error for empty options")
	}
}

// =============================================================================
// Non-interactive Tests
// =============================================================================

func TestNonInteractivePrompter(t *testing.T) {
	prompter := NewNonInteractivePrompter()

	_, err := prompter.Confirm(context.Background(), "Resume?")
	if !errors.Is(err, ErrNonInteractive) {
		t.Errorf("Confirm() error = %v, want ErrNonInteractive", err)
	}
	_, err = prompter.Select(context.Background(), "Choose:", []string{"A"})
	if !errors.Is(err, ErrNonInteractive) {
		t.Errorf("Select() error = %v, want ErrNonInteractive", err)
	}
	if prompter.IsInteractive() {
		t.Error("IsInteractive() = true, want false")
	}
}

func TestAutoApprovePrompter(t *testing.T) {
	prompter := NewAutoApprovePrompter()

	got, err := prompter.Confirm(context.Background(), "Resume?")
	if err != nil || !got {
		t.Errorf("Confirm() = (%v, %v), want (true, nil)", got, err)
	}
	idx, err := prompter.Select(context.Background(), "Choose:", []string{"First", "Second"})
	if err != nil || idx != 0 {
		t.Errorf("Select() = (%d, %v), want (0, nil)", idx, err)
	}
	if _, err := prompter.Select(context.Background(), "Choose:", nil); err == nil {
		t.Error("Select() expected error for empty options")
	}
}

// =============================================================================
// MockPrompter Tests
// =============================================================================

func TestMockPrompter_Confirm(t *testing.T) {
	mock := &MockPrompter{
		ConfirmFunc: func(ctx context.Context, prompt string) (bool, error) {
			return strings.Contains(prompt, "roads"), nil
		},
	}
	ctx := context.Background()

	got, err := mock.Confirm(ctx, tracking.ResumePrompt("roads"))
	if err != nil || !got {
		t.Errorf("Confirm() = (%v, %v), want (true, nil)", got, err)
	}
	got, _ = mock.Confirm(ctx, tracking.ResumePrompt("parcels"))
	if got {
		t.Error("Confirm() = true for parcels, want false")
	}

	if len(mock.Calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(mock.Calls))
	}
	if mock.Calls[0].Method != "Confirm" {
		t.Errorf("call[0] = %+v, unexpected", mock.Calls[0])
	}
}

func TestMockPrompter_Defaults(t *testing.T) {
	mock := &MockPrompter{}
	got, err := mock.Confirm(context.Background(), "x")
	if err != nil || got {
		t.Errorf("Confirm() = (%v, %v), want (false, nil)", got, err)
	}
	idx, _ := mock.Select(context.Background(), "x", []string{"a", "b"})
	if idx != 0 {
		t.Errorf("Select() = %d, want 0", idx)
	}
	if len(mock.Calls) != 2 || len(mock.Calls[1].Options) != 2 {
		t.Errorf("calls = %+v", mock.Calls)
	}
}

// =============================================================================
// Auto Tests
// =============================================================================

func TestAuto(t *testing.T) {
	if _, ok := Auto(ModeAuto, true, true).(*AutoApprovePrompter); !ok {
		t.Error("assumeYes should win over nonInteractive")
	}
	if _, ok := Auto(ModeForm, false, true).(*NonInteractivePrompter); !ok {
		t.Error("nonInteractive should give NonInteractivePrompter")
	}
	if _, ok := Auto(ModeNonInteractive, false, false).(*NonInteractivePrompter); !ok {
		t.Error("mode none should give NonInteractivePrompter")
	}
}
