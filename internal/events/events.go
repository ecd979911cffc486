// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package events records control-plane state transitions for downstream
// notification consumers.
package events

import (
	"context"
	"log/slog"

	"github.com/tombee/stagehand/internal/store"
)

// Event type names. The "<subject>:<transition>" shape is part of the
// persisted record, so renaming one is a breaking change for consumers.
const (
	RunCreated   = "run:created"
	RunStarted   = "run:started"
	RunSucceeded = "run:succeeded"
	RunFailed    = "run:failed"
	RunAborted   = "run:aborted"

	StepStarted   = "step:started"
	StepSucceeded = "step:succeeded"
	StepFailed    = "step:failed"
	StepAborted   = "step:aborted"

	BuildCreated   = "build:created"
	BuildStarted   = "build:started"
	BuildSucceeded = "build:succeeded"
	BuildFailed    = "build:failed"
	BuildAborted   = "build:aborted"

	SessionLaunched = "session:launched"
	SessionStopped  = "session:stopped"
)

// RunEventType maps a run status to its event type, or "" for statuses
// that do not emit events.
func RunEventType(status store.Status) string {
	switch status {
	case store.StatusStarted:
		return RunStarted
	case store.StatusSuccess:
		return RunSucceeded
	case store.StatusFailure:
		return RunFailed
	case store.StatusAborted:
		return RunAborted
	}
	return ""
}

// StepEventType maps a step status to its event type, or "".
func StepEventType(status store.Status) string {
	switch status {
	case store.StatusStarted:
		return StepStarted
	case store.StatusSuccess:
		return StepSucceeded
	case store.StatusFailure:
		return StepFailed
	case store.StatusAborted:
		return StepAborted
	}
	return ""
}

// BuildEventType maps a build status to its event type, or "".
func BuildEventType(status store.Status) string {
	switch status {
	case store.StatusStarted:
		return BuildStarted
	case store.StatusSuccess:
		return BuildSucceeded
	case store.StatusFailure:
		return BuildFailed
	case store.StatusAborted:
		return BuildAborted
	}
	return ""
}

// Recorder appends events to the store. Recording is best-effort: a failed
// append is logged and never fails the operation that triggered it.
type Recorder struct {
	store  store.EventStore
	logger *slog.Logger
}

// NewRecorder creates a recorder.
func NewRecorder(st store.EventStore, logger *slog.Logger) *Recorder {
	return &Recorder{store: st, logger: logger}
}

// Record appends one event. Empty event types are dropped silently so
// callers can pass the Type helpers' results unchecked.
func (r *Recorder) Record(ctx context.Context, eventType string, payload map[string]any) {
	if eventType == "" {
		return
	}
	if err := r.store.AppendEvent(ctx, eventType, payload); err != nil {
		r.logger.Warn("failed to record event", "event", eventType, "error", err)
	}
}
