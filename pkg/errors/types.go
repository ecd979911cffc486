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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid run requests, bad selectors, or constraint violations.
// Validation errors are rejected synchronously before any state is persisted.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// MalformedDefinitionError represents a pipeline definition that cannot be
// turned into a valid DAG: dangling connections or a dependency cycle.
type MalformedDefinitionError struct {
	// PipelineUUID identifies the offending definition (may be empty)
	PipelineUUID string

	// Reason explains what is wrong with the definition
	Reason string
}

// Error implements the error interface.
func (e *MalformedDefinitionError) Error() string {
	if e.PipelineUUID != "" {
		return fmt.Sprintf("malformed pipeline definition %s: %s", e.PipelineUUID, e.Reason)
	}
	return fmt.Sprintf("malformed pipeline definition: %s", e.Reason)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "session", "build")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError represents an admission conflict: the requested mutation
// collides with existing state (a session already exists for the pipeline,
// a build for the key has not been aborted yet). Callers are expected to
// treat conflicts as retryable-after-abort or as a no-op, not as failures.
type ConflictError struct {
	// Resource is the type of resource (e.g., "session", "build")
	Resource string

	// Key is the natural identity that conflicted
	Key string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s conflict for %s: %s", e.Resource, e.Key, e.Message)
	}
	return fmt.Sprintf("%s conflict for %s", e.Resource, e.Key)
}

// ImageNotFoundError indicates that a referenced environment has no built,
// resolvable image. Raised before launching sessions or runs that depend on
// the environment, including environments used only by user-defined services.
type ImageNotFoundError struct {
	// ProjectUUID scopes the environment
	ProjectUUID string

	// EnvironmentUUID is the environment lacking an image
	EnvironmentUUID string
}

// Error implements the error interface.
func (e *ImageNotFoundError) Error() string {
	return fmt.Sprintf("no built image for environment %s in project %s", e.EnvironmentUUID, e.ProjectUUID)
}

// OrchestratorError represents failures reported by the external container
// orchestrator (pod creation, namespace teardown, batch submission).
type OrchestratorError struct {
	// Op describes the orchestrator operation that failed
	Op string

	// Ref identifies the resource the operation targeted
	Ref string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *OrchestratorError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("orchestrator %s failed for %s: %v", e.Op, e.Ref, e.Cause)
	}
	return fmt.Sprintf("orchestrator %s failed: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *OrchestratorError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "batch status poll", "session launch")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
