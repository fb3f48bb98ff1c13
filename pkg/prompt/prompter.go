// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package prompt provides the user prompters behind the resume question.

Every prompter satisfies tracking.Prompter. The CLI picks one with Auto
based on the --yes and --non-interactive flags and whether stdin is a
terminal.

# Implementations

  - InteractivePrompter reads a y/N answer from a reader
  - FormPrompter shows a huh confirm form
  - NonInteractivePrompter refuses to ask
  - AutoApprovePrompter answers yes to everything
  - MockPrompter records calls for tests
*/
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/AleutianAI/edittrack/pkg/tracking"
	"github.com/AleutianAI/edittrack/pkg/ux"
	"github.com/charmbracelet/huh"
)

// ErrNonInteractive is returned when a prompt is needed but the session
// cannot ask the user.
var ErrNonInteractive = errors.New("prompt: user input required in non-interactive mode")

// ErrInvalidSelection is returned by Select for an out of range answer.
var ErrInvalidSelection = errors.New("prompt: invalid selection")

// UserPrompter asks the user questions.
//
// Description:
//
//	UserPrompter abstracts user interaction so commands can be tested
//	without a terminal. Confirm is what tracking.Prompter needs; Select is
//	used by commands that offer a choice.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use. Prompts are
//	serialized so two questions never interleave on the terminal.
type UserPrompter interface {
	tracking.Prompter

	// Select shows options numbered from 1 and returns the chosen index.
	Select(ctx context.Context, prompt string, options []string) (int, error)

	// IsInteractive reports whether the prompter actually asks a person.
	IsInteractive() bool
}

// =============================================================================
// InteractivePrompter
// =============================================================================

// InteractivePrompter reads answers line by line from a reader.
type InteractivePrompter struct {
	mu     sync.Mutex
	reader *bufio.Reader
	writer io.Writer
}

// NewInteractivePrompter reads from stdin and writes to stdout.
func NewInteractivePrompter() *InteractivePrompter {
	return NewInteractivePrompterWithIO(os.Stdin, os.Stdout)
}

// NewInteractivePrompterWithIO creates a prompter over the given streams.
func NewInteractivePrompterWithIO(r io.Reader, w io.Writer) *InteractivePrompter {
	return &InteractivePrompter{reader: bufio.NewReader(r), writer: w}
}

// Confirm asks a yes/no question.
//
// Description:
//
//	Prints the prompt followed by "[y/N]" and reads one line. Only "y" and
//	"yes" (any case, surrounding spaces ignored) count as yes. End of
//	input counts as no.
//
// Inputs:
//
//	ctx - Cancelling it abandons the read and returns ctx.Err().
//	prompt - The question.
//
// Outputs:
//
//	bool - The answer.
//	error - ctx.Err() on cancellation, or a read error.
func (p *InteractivePrompter) Confirm(ctx context.Context, prompt string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.writer, "%s [y/N]: ", prompt)
	line, err := p.readLine(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// Select prints numbered options and reads a 1-based choice.
func (p *InteractivePrompter) Select(ctx context.Context, prompt string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, fmt.Errorf("%w: no options", ErrInvalidSelection)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.writer, prompt)
	for i, opt := range options {
		fmt.Fprintf(p.writer, "  %d. %s\n", i+1, opt)
	}
	fmt.Fprintf(p.writer, "Enter choice [1-%d]: ", len(options))

	line, err := p.readLine(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(line))
	if convErr != nil || n < 1 || n > len(options) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSelection, strings.TrimSpace(line))
	}
	return n - 1, nil
}

// IsInteractive returns true.
func (p *InteractivePrompter) IsInteractive() bool {
	return true
}

type readResult struct {
	line string
	err  error
}

// readLine reads in a goroutine so a cancelled context is not stuck
// behind a blocking read. The goroutine finishes when the reader returns.
func (p *InteractivePrompter) readLine(ctx context.Context) (string, error) {
	ch := make(chan readResult, 1)
	go func() {
		line, err := p.reader.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		ch <- readResult{line: line, err: err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		return res.line, res.err
	}
}

// =============================================================================
// FormPrompter
// =============================================================================

// FormPrompter shows a huh confirm form styled with the CLI palette.
type FormPrompter struct {
	mu     sync.Mutex
	input  io.Reader
	output io.Writer
}

// NewFormPrompter creates a FormPrompter on the terminal. Nil streams
// mean the huh defaults.
func NewFormPrompter(input io.Reader, output io.Writer) *FormPrompter {
	return &FormPrompter{input: input, output: output}
}

func (p *FormPrompter) form(fields ...huh.Field) *huh.Form {
	f := huh.NewForm(huh.NewGroup(fields...)).WithTheme(ux.FormTheme())
	if p.input != nil {
		f = f.WithInput(p.input)
	}
	if p.output != nil {
		f = f.WithOutput(p.output)
	}
	return f
}

// Confirm shows a Yes/No form. Aborting the form (ctrl+c) counts as no.
func (p *FormPrompter) Confirm(ctx context.Context, prompt string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var answer bool
	err := p.form(
		huh.NewConfirm().
			Title("Edit tracking").
			Description(prompt).
			Affirmative("Yes").
			Negative("No").
			Value(&answer),
	).RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return answer, nil
}

// Select shows a single choice list.
func (p *FormPrompter) Select(ctx context.Context, prompt string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, fmt.Errorf("%w: no options", ErrInvalidSelection)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	opts := make([]huh.Option[int], len(options))
	for i, o := range options {
		opts[i] = huh.NewOption(o, i)
	}
	var choice int
	err := p.form(
		huh.NewSelect[int]().Title(prompt).Options(opts...).Value(&choice),
	).RunWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return choice, nil
}

// IsInteractive returns true.
func (p *FormPrompter) IsInteractive() bool {
	return true
}

// =============================================================================
// Non-interactive prompters
// =============================================================================

// NonInteractivePrompter fails every question with ErrNonInteractive.
//
// The session controller treats that error as a "no", so running with
// --non-interactive never resumes tracking on its own.
type NonInteractivePrompter struct{}

// NewNonInteractivePrompter creates a NonInteractivePrompter.
func NewNonInteractivePrompter() *NonInteractivePrompter {
	return &NonInteractivePrompter{}
}

func (p *NonInteractivePrompter) Confirm(context.Context, string) (bool, error) {
	return false, ErrNonInteractive
}

func (p *NonInteractivePrompter) Select(context.Context, string, []string) (int, error) {
	return 0, ErrNonInteractive
}

func (p *NonInteractivePrompter) IsInteractive() bool { return false }

// AutoApprovePrompter answers yes, and picks the first option.
type AutoApprovePrompter struct{}

// NewAutoApprovePrompter creates an AutoApprovePrompter.
func NewAutoApprovePrompter() *AutoApprovePrompter {
	return &AutoApprovePrompter{}
}

func (p *AutoApprovePrompter) Confirm(context.Context, string) (bool, error) {
	return true, nil
}

func (p *AutoApprovePrompter) Select(_ context.Context, _ string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, fmt.Errorf("%w: no options", ErrInvalidSelection)
	}
	return 0, nil
}

func (p *AutoApprovePrompter) IsInteractive() bool { return false }

// =============================================================================
// MockPrompter
// =============================================================================

// PromptCall records one call to a MockPrompter.
type PromptCall struct {
	Method  string
	Prompt  string
	Options []string
}

// MockPrompter is a test double. Unset funcs answer no / first option.
type MockPrompter struct {
	ConfirmFunc func(ctx context.Context, prompt string) (bool, error)
	SelectFunc  func(ctx context.Context, prompt string, options []string) (int, error)

	mu    sync.Mutex
	Calls []PromptCall
}

func (m *MockPrompter) record(c PromptCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, c)
}

func (m *MockPrompter) Confirm(ctx context.Context, prompt string) (bool, error) {
	m.record(PromptCall{Method: "Confirm", Prompt: prompt})
	if m.ConfirmFunc != nil {
		return m.ConfirmFunc(ctx, prompt)
	}
	return false, nil
}

func (m *MockPrompter) Select(ctx context.Context, prompt string, options []string) (int, error) {
	m.record(PromptCall{Method: "Select", Prompt: prompt, Options: options})
	if m.SelectFunc != nil {
		return m.SelectFunc(ctx, prompt, options)
	}
	return 0, nil
}

func (m *MockPrompter) IsInteractive() bool { return false }

// =============================================================================
// Selection
// =============================================================================

// Mode names how the CLI answers questions.
type Mode string

const (
	ModeAuto           Mode = "auto"
	ModeForm           Mode = "form"
	ModeLine           Mode = "line"
	ModeNonInteractive Mode = "none"
)

// Auto picks a prompter from the CLI flags.
//
// Description:
//
//	assumeYes wins over everything and returns an AutoApprovePrompter.
//	nonInteractive, or a session without a terminal, returns a
//	NonInteractivePrompter. Otherwise mode chooses between the huh form
//	and the plain line prompter; ModeAuto uses the form when the
//	personality is full.
func Auto(mode Mode, assumeYes, nonInteractive bool) UserPrompter {
	switch {
	case assumeYes:
		return NewAutoApprovePrompter()
	case nonInteractive, mode == ModeNonInteractive, !ux.IsInteractive():
		return NewNonInteractivePrompter()
	case mode == ModeLine:
		return NewInteractivePrompter()
	case mode == ModeForm, ux.GetPersonality().Level == ux.PersonalityFull:
		return NewFormPrompter(nil, nil)
	default:
		return NewInteractivePrompter()
	}
}
