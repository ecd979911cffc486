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

// Package store defines the relational state the control plane manages and
// the storage interfaces it is accessed through.
//
// # Interface Hierarchy
//
// The store package uses interface segregation so components depend only on
// what they touch:
//
//   - RunStore: pipeline runs and per-step status rows
//   - BuildStore: environment image builds and built images
//   - SessionStore: interactive session rows
//   - EventStore: the append-only event log
//
// Store composes all of these plus transaction support. Mutations that must
// stay consistent with external side effects go through a Tx handed out by
// Begin; see the txn package for the two-phase pattern built on top.
package store

import (
	"context"
	"io"
	"time"
)

// Status is the shared lifecycle status for pipeline runs, step runs and
// environment image builds.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusAborted Status = "ABORTED"
)

// Terminal reports whether the status is final. Once an entity reaches a
// terminal status, further status updates are no-ops; this is the guard that
// prevents a delayed external callback from resurrecting a cancelled run.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusAborted
}

// SessionStatus is the lifecycle status of an interactive session. Sessions
// have no terminal "done" state; they are deleted once shutdown completes.
type SessionStatus string

const (
	SessionLaunching SessionStatus = "LAUNCHING"
	SessionRunning   SessionStatus = "RUNNING"
	SessionStopping  SessionStatus = "STOPPING"
)

// RunKind distinguishes interactive runs from job-triggered runs.
type RunKind string

const (
	RunKindInteractive RunKind = "interactive"
	RunKindJob         RunKind = "job"
)

// PipelineRun is one execution attempt of a pipeline.
type PipelineRun struct {
	UUID         string            `json:"uuid"`
	ProjectUUID  string            `json:"project_uuid"`
	PipelineUUID string            `json:"pipeline_uuid"`
	Kind         RunKind           `json:"kind"`
	Status       Status            `json:"status"`
	Env          map[string]string `json:"env,omitempty"` // environment-variable snapshot taken at admission
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`

	// Job-triggered runs only.
	JobUUID      string         `json:"job_uuid,omitempty"`
	BatchIndex   int            `json:"batch_index,omitempty"`    // run-batch index
	IndexInBatch int            `json:"index_in_batch,omitempty"` // intra-batch index
	GlobalIndex  int            `json:"global_index,omitempty"`   // global run index within the job
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// StepRun is the per-step status row of a pipeline run.
type StepRun struct {
	RunUUID    string     `json:"run_uuid"`
	StepUUID   string     `json:"step_uuid"`
	Status     Status     `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// BuildKey is the natural identity a build request addresses.
type BuildKey struct {
	ProjectUUID     string
	EnvironmentUUID string
}

// EnvironmentImageBuild is one build attempt of an environment image.
// Identity is (project, environment, tag); tags are strictly increasing per
// key. At most one build per key may be PENDING or STARTED at a time.
type EnvironmentImageBuild struct {
	ProjectUUID     string     `json:"project_uuid"`
	EnvironmentUUID string     `json:"environment_uuid"`
	Tag             int        `json:"tag"`
	CorrelationID   string     `json:"correlation_id"`
	Status          Status     `json:"status"`
	SourcePath      string     `json:"source_path,omitempty"`
	RequestedAt     time.Time  `json:"requested_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Key returns the build's natural key.
func (b *EnvironmentImageBuild) Key() BuildKey {
	return BuildKey{ProjectUUID: b.ProjectUUID, EnvironmentUUID: b.EnvironmentUUID}
}

// EnvironmentImage is the immutable record of a successfully built image.
// Created in the same transaction as the build's SUCCESS transition.
type EnvironmentImage struct {
	ProjectUUID     string    `json:"project_uuid"`
	EnvironmentUUID string    `json:"environment_uuid"`
	Tag             int       `json:"tag"`
	Digest          string    `json:"digest,omitempty"`
	PushedToRegistry bool     `json:"pushed_to_registry"`
	MarkedForRemoval bool     `json:"marked_for_removal"`
	CreatedAt       time.Time `json:"created_at"`
}

// SessionIdentity is the composite identity a session is addressed by.
type SessionIdentity struct {
	ProjectUUID  string
	PipelineUUID string
}

// String renders the identity the way external resources are named after it.
func (s SessionIdentity) String() string {
	return s.ProjectUUID + "/" + s.PipelineUUID
}

// InteractiveSession is the row backing a running session. At most one
// session exists per (project, pipeline).
type InteractiveSession struct {
	ProjectUUID  string            `json:"project_uuid"`
	PipelineUUID string            `json:"pipeline_uuid"`
	Status       SessionStatus     `json:"status"`
	ServicesJSON map[string]any    `json:"services,omitempty"`  // user-defined service map as launched
	ContainerIDs map[string]string `json:"container_ids,omitempty"` // service name -> pod identifier
	Endpoints    map[string]string `json:"endpoints,omitempty"` // service name -> connection endpoint
	CreatedAt    time.Time         `json:"created_at"`
}

// Identity returns the session's composite identity.
func (s *InteractiveSession) Identity() SessionIdentity {
	return SessionIdentity{ProjectUUID: s.ProjectUUID, PipelineUUID: s.PipelineUUID}
}

// Event is one append-only record of a state transition, consumed by
// downstream notification subsystems.
type Event struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// RunFilter contains filtering options for listing runs.
type RunFilter struct {
	ProjectUUID  string
	PipelineUUID string
	JobUUID      string
	Status       Status
	Limit        int
}

// RunStore holds pipeline runs and their per-step status rows.
type RunStore interface {
	// CreateRun inserts a run together with its step rows.
	CreateRun(ctx context.Context, run *PipelineRun, steps []StepRun) error

	// GetRun retrieves a run by UUID.
	GetRun(ctx context.Context, uuid string) (*PipelineRun, error)

	// ListRuns lists runs with optional filtering.
	ListRuns(ctx context.Context, filter RunFilter) ([]*PipelineRun, error)

	// UpdateRunStatus applies a guarded status transition. Returns false
	// without error when the run is already terminal (the update is a no-op).
	UpdateRunStatus(ctx context.Context, uuid string, status Status, at time.Time) (bool, error)

	// ListStepRuns retrieves the step rows of a run.
	ListStepRuns(ctx context.Context, runUUID string) ([]StepRun, error)

	// UpdateStepStatus applies a guarded per-step status transition.
	UpdateStepStatus(ctx context.Context, runUUID, stepUUID string, status Status, at time.Time) (bool, error)

	// DeleteRun deletes a run and its step rows.
	DeleteRun(ctx context.Context, uuid string) error
}

// BuildStore holds environment image builds and built images.
type BuildStore interface {
	// CreateBuild inserts a new build row.
	CreateBuild(ctx context.Context, build *EnvironmentImageBuild) error

	// GetBuild retrieves a build by its composite identity.
	GetBuild(ctx context.Context, key BuildKey, tag int) (*EnvironmentImageBuild, error)

	// ListActiveBuilds returns builds for key with status PENDING or STARTED.
	ListActiveBuilds(ctx context.Context, key BuildKey) ([]*EnvironmentImageBuild, error)

	// NextBuildTag returns 1 + the highest existing tag for key, or 1.
	// Call inside the admission transaction so concurrent requests cannot
	// allocate duplicate tags.
	NextBuildTag(ctx context.Context, key BuildKey) (int, error)

	// UpdateBuildStatus applies a guarded status transition keyed by
	// correlation ID. Returns false when the build is already terminal.
	UpdateBuildStatus(ctx context.Context, correlationID string, status Status, at time.Time) (bool, error)

	// DeleteBuilds deletes all build rows for key.
	DeleteBuilds(ctx context.Context, key BuildKey) error

	// DeleteProjectBuilds deletes all build rows for a project.
	DeleteProjectBuilds(ctx context.Context, projectUUID string) error

	// CreateImage inserts the immutable image record of a successful build.
	CreateImage(ctx context.Context, image *EnvironmentImage) error

	// LatestImage returns the highest-tag image for key.
	LatestImage(ctx context.Context, key BuildKey) (*EnvironmentImage, error)

	// CountActiveBuilds returns the number of PENDING/STARTED builds overall.
	CountActiveBuilds(ctx context.Context) (int, error)

	// CountImagesPendingPush returns the number of images not yet pushed to
	// the registry. Together with CountActiveBuilds this backs the registry
	// garbage collector's guard predicate.
	CountImagesPendingPush(ctx context.Context) (int, error)

	// MarkImagePushed flips the pushed flag for an image.
	MarkImagePushed(ctx context.Context, key BuildKey, tag int) error
}

// SessionStore holds interactive session rows.
type SessionStore interface {
	// CreateSession inserts a session row. Returns a conflict error if a
	// session already exists for the identity.
	CreateSession(ctx context.Context, session *InteractiveSession) error

	// GetSession retrieves a session by identity.
	GetSession(ctx context.Context, identity SessionIdentity) (*InteractiveSession, error)

	// UpdateSessionStatus applies a status transition. Returns false when
	// the session no longer exists.
	UpdateSessionStatus(ctx context.Context, identity SessionIdentity, status SessionStatus) (bool, error)

	// UpdateSessionRuntime records container identifiers and endpoints once
	// the launch has progressed far enough to know them.
	UpdateSessionRuntime(ctx context.Context, identity SessionIdentity, containerIDs, endpoints map[string]string) error

	// DeleteSession removes the session row. Idempotent on not-found.
	DeleteSession(ctx context.Context, identity SessionIdentity) error
}

// EventStore is the append-only event log.
type EventStore interface {
	// AppendEvent records a state transition. Fire-and-forget semantics:
	// consumers are downstream notification subsystems.
	AppendEvent(ctx context.Context, eventType string, payload map[string]any) error

	// ListEvents returns the most recent events, newest first.
	ListEvents(ctx context.Context, limit int) ([]*Event, error)
}

// Tx is a store transaction. All mutations issued through it become visible
// atomically at Commit.
type Tx interface {
	RunStore
	BuildStore
	SessionStore
	EventStore

	Commit() error
	Rollback() error
}

// Store is the full storage interface.
type Store interface {
	RunStore
	BuildStore
	SessionStore
	EventStore

	// Begin opens a transaction.
	Begin(ctx context.Context) (Tx, error)

	io.Closer
}
