// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracking

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// PromptOutcome is what happened on an editing-started notification.
type PromptOutcome int

const (
	PromptSkippedTracked PromptOutcome = iota
	PromptSkippedAlreadyPrompted
	PromptSkippedNoSchema
	PromptSkippedUnknownSource
	PromptSkippedGone
	PromptDeclined
	PromptAccepted
	PromptFailed
)

func (o PromptOutcome) String() string {
	switch o {
	case PromptSkippedTracked:
		return "skipped_tracked"
	case PromptSkippedAlreadyPrompted:
		return "skipped_already_prompted"
	case PromptSkippedNoSchema:
		return "skipped_no_schema"
	case PromptSkippedUnknownSource:
		return "skipped_unknown_source"
	case PromptSkippedGone:
		return "skipped_gone"
	case PromptDeclined:
		return "declined"
	case PromptAccepted:
		return "accepted"
	default:
		return "failed"
	}
}

// Prompted reports whether the user was asked.
func (o PromptOutcome) Prompted() bool {
	return o == PromptDeclined || o == PromptAccepted || o == PromptFailed
}

// SessionOptions configures a SessionController.
type SessionOptions struct {
	// Locker guards every registry decision. The Engine passes its own
	// lock. Default: a private mutex.
	Locker sync.Locker

	// Prompter asks the resume question. Default: always "no".
	Prompter Prompter

	// Lookup re-resolves a collection after the prompt returns. A false
	// result means the collection was removed meanwhile. Default: the
	// collection is assumed to still be loaded.
	Lookup func(CollectionID) (Collection, bool)

	// OnResumed runs under Locker after tracking was resumed.
	OnResumed func(c Collection, status AttachStatus)

	Observer Observer
	Logger   *slog.Logger
}

// SessionController offers to resume tracking when an edit session starts
// on a collection whose source was tracked before.
//
// Description:
//
//	At most one prompt is shown per edit session: the prompted flag is set
//	before asking and cleared only by EditingStopped. The prompt runs
//	without holding the lock, so mutations and refreshes keep flowing while
//	the user decides. After a "yes" the controller re-checks that the
//	collection is still loaded and still untracked before enabling.
//
//	Eligibility is decided by source key, never by collection id.
//
// Thread Safety:
//
//	Safe for concurrent use.
type SessionController struct {
	mu        sync.Locker
	registry  *Registry
	prompter  Prompter
	lookup    func(CollectionID) (Collection, bool)
	onResumed func(Collection, AttachStatus)
	observer  Observer
	logger    *slog.Logger
}

// NewSessionController creates a controller over registry.
func NewSessionController(registry *Registry, opts SessionOptions) *SessionController {
	if opts.Locker == nil {
		opts.Locker = &sync.Mutex{}
	}
	if opts.Prompter == nil {
		opts.Prompter = declinePrompter{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SessionController{
		mu:        opts.Locker,
		registry:  registry,
		prompter:  opts.Prompter,
		lookup:    opts.Lookup,
		onResumed: opts.OnResumed,
		observer:  opts.Observer,
		logger:    opts.Logger.With(slog.String("component", "session")),
	}
}

// ResumePrompt returns the question asked for a collection.
func ResumePrompt(name string) string {
	return fmt.Sprintf("Edit tracking was previously enabled for %q. Resume tracking for this edit session?", name)
}

// EditingStarted handles the start of an edit session on c.
//
// Description:
//
//	No-op when c is already tracked, was already prompted this session,
//	lacks the tracking schema, or its source key was never tracked.
//	Otherwise asks the user; on "yes" tracking is enabled and stamping
//	attached. The host's start-editing action is not invoked again.
//
//	Must be called without holding the Locker.
//
// Inputs:
//
//	ctx - Cancels the prompt. Cancellation counts as "no".
//	c - The collection whose edit session started.
//
// Outputs:
//
//	PromptOutcome - What happened.
//	error - Prompt or persistence failure. Never leaves partial state.
func (s *SessionController) EditingStarted(ctx context.Context, c Collection) (PromptOutcome, error) {
	outcome, err := s.gate(c)
	if outcome != PromptAccepted {
		s.finish(c, outcome)
		return outcome, err
	}

	yes, err := s.prompter.Confirm(ctx, ResumePrompt(c.Name()))
	if err != nil {
		s.logger.Warn("resume prompt failed, treated as no",
			slog.String("collection_id", string(c.ID())),
			slog.String("error", err.Error()))
		s.finish(c, PromptFailed)
		return PromptFailed, fmt.Errorf("resume prompt for %s: %w", c.Name(), err)
	}
	if !yes {
		s.finish(c, PromptDeclined)
		return PromptDeclined, nil
	}

	outcome, err = s.resume(c)
	s.finish(c, outcome)
	return outcome, err
}

// gate decides under the lock whether to ask. PromptAccepted here means
// "ask"; the prompted flag is already set.
func (s *SessionController) gate(c Collection) (PromptOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := c.ID()
	if s.registry.IsTracked(id) {
		return PromptSkippedTracked, nil
	}
	if s.registry.IsPrompted(id) {
		return PromptSkippedAlreadyPrompted, nil
	}
	if !HasSchema(c) {
		return PromptSkippedNoSchema, nil
	}
	known, err := s.registry.WasPreviouslyTracked(c.SourceKey())
	if err != nil {
		s.logger.Warn("could not read tracked sources",
			slog.String("source", c.SourceKey()),
			slog.String("error", err.Error()))
		return PromptSkippedUnknownSource, err
	}
	if !known {
		return PromptSkippedUnknownSource, nil
	}
	if !s.registry.MarkPrompted(id) {
		return PromptSkippedAlreadyPrompted, nil
	}
	return PromptAccepted, nil
}

func (s *SessionController) resume(c Collection) (PromptOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := c
	if s.lookup != nil {
		var ok bool
		if current, ok = s.lookup(c.ID()); !ok {
			return PromptSkippedGone, nil
		}
	}
	if s.registry.IsTracked(current.ID()) {
		return PromptSkippedTracked, nil
	}

	status, err := s.registry.Enable(current)
	if s.onResumed != nil {
		s.onResumed(current, status)
	}
	return PromptAccepted, err
}

func (s *SessionController) finish(c Collection, outcome PromptOutcome) {
	s.observer.RecordPrompt(outcome)
	s.logger.Debug("editing started handled",
		slog.String("collection_id", string(c.ID())),
		slog.String("outcome", outcome.String()))
}

// EditingStopped clears the prompted flag of id. This is the only place
// the flag is cleared.
func (s *SessionController) EditingStopped(id CollectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry.ClearPrompted(id)
}

type declinePrompter struct{}

func (declinePrompter) Confirm(context.Context, string) (bool, error) {
	return false, nil
}
