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

// Package orchestrator abstracts the container orchestrator the control
// plane schedules work onto. The control plane only ever talks to this
// façade; backend-specific behavior stays behind it.
package orchestrator

import (
	"context"
	"fmt"
)

// NamespaceFor names the isolation namespace of a (project, pipeline)
// identity. Runs and session services of the identity share it.
func NamespaceFor(projectUUID, pipelineUUID string) string {
	return fmt.Sprintf("stagehand-%s-%s", projectUUID, pipelineUUID)
}

// Phase is the observed lifecycle phase of a step's container.
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseRunning   Phase = "Running"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// EnvVar is one environment variable. Order matters: variables are applied
// in slice order and later entries win on name collision, which is how
// system variables are kept non-overridable.
type EnvVar struct {
	Name  string
	Value string
}

// StepSpec describes one step's container within a batch.
type StepSpec struct {
	UUID       string
	Image      string
	Command    []string
	Args       []string
	WorkingDir string
	Env        []EnvVar

	// DependsOn lists the UUIDs of steps that must succeed before this
	// step's container may start. Only honored by the dag strategy.
	DependsOn []string
}

// Strategy selects how a batch maps onto orchestrator resources.
type Strategy string

const (
	// StrategyContainerSet runs every step as a container of one shared
	// pod. All containers start together, so a Running phase does not mean
	// the step is actually executing yet.
	StrategyContainerSet Strategy = "containerset"

	// StrategyDAG runs each step as its own pod, created only once all of
	// its parents have succeeded.
	StrategyDAG Strategy = "dag"
)

// BatchSpec describes one pipeline run's worth of containers.
type BatchSpec struct {
	Name      string
	Namespace string
	Strategy  Strategy
	Steps     []StepSpec
	Labels    map[string]string
}

// StepStatus is the observed state of one step.
type StepStatus struct {
	UUID    string
	Phase   Phase
	Message string
}

// BatchStatus is the observed state of a batch, keyed by step UUID.
type BatchStatus struct {
	Steps map[string]StepStatus
}

// DeploymentSpec describes a long-running service workload.
type DeploymentSpec struct {
	Name    string
	Image   string
	Command []string
	Args    []string
	Env     []EnvVar
	Ports   []int
	Labels  map[string]string

	// Binds maps host paths to container mount paths.
	Binds map[string]string
}

// ServiceSpec exposes a deployment inside its namespace.
type ServiceSpec struct {
	Name     string
	Selector map[string]string
	Ports    []int
}

// PodInfo is a summary of one pod.
type PodInfo struct {
	Name   string
	Phase  Phase
	Labels map[string]string
}

// Orchestrator is the control plane's view of the container orchestrator.
// DeleteBatch and DeleteNamespace are idempotent: deleting something that
// does not exist is not an error.
type Orchestrator interface {
	// CreateBatch submits a batch of step containers.
	CreateBatch(ctx context.Context, spec BatchSpec) error

	// BatchStatus reports the current per-step phases of a batch.
	BatchStatus(ctx context.Context, namespace, name string) (*BatchStatus, error)

	// DeleteBatch tears down every resource the batch created.
	DeleteBatch(ctx context.Context, namespace, name string) error

	// CreateNamespace creates an isolation namespace.
	CreateNamespace(ctx context.Context, name string, labels map[string]string) error

	// DeleteNamespace removes a namespace and everything in it.
	DeleteNamespace(ctx context.Context, name string) error

	// CreateDeployment creates a service workload in a namespace.
	CreateDeployment(ctx context.Context, namespace string, spec DeploymentSpec) error

	// CreateService exposes a deployment inside its namespace.
	CreateService(ctx context.Context, namespace string, spec ServiceSpec) error

	// ExecInPod runs a command in a pod's first container and returns its
	// exit code.
	ExecInPod(ctx context.Context, namespace, podName string, command []string) (int, error)

	// ListPods lists pods matching a label selector.
	ListPods(ctx context.Context, namespace, labelSelector string) ([]PodInfo, error)

	// DeletePods deletes pods matching a label selector.
	DeletePods(ctx context.Context, namespace, labelSelector string) error
}
