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

// Package fake provides an in-memory orchestrator for tests and local
// development. Step phases start Pending and are advanced explicitly with
// SetStepPhase.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tombee/stagehand/internal/orchestrator"
	"github.com/tombee/stagehand/pkg/errors"
)

var _ orchestrator.Orchestrator = (*Orchestrator)(nil)

type batch struct {
	spec   orchestrator.BatchSpec
	phases map[string]orchestrator.StepStatus
}

// Orchestrator is an in-memory orchestrator.
type Orchestrator struct {
	mu sync.Mutex

	batches     map[string]*batch // namespace/name
	namespaces  map[string]map[string]string
	deployments map[string][]orchestrator.DeploymentSpec // namespace
	services    map[string][]orchestrator.ServiceSpec    // namespace
	pods        map[string][]orchestrator.PodInfo        // namespace

	// StatusErr, when set, is returned by every BatchStatus call.
	StatusErr error

	// DeployErr, when set, is returned by every CreateDeployment call.
	DeployErr error

	// ExecExitCode is returned by ExecInPod.
	ExecExitCode int

	deletedBatches []string
}

// New creates an empty fake orchestrator.
func New() *Orchestrator {
	return &Orchestrator{
		batches:     make(map[string]*batch),
		namespaces:  make(map[string]map[string]string),
		deployments: make(map[string][]orchestrator.DeploymentSpec),
		services:    make(map[string][]orchestrator.ServiceSpec),
		pods:        make(map[string][]orchestrator.PodInfo),
	}
}

func key(namespace, name string) string {
	return namespace + "/" + name
}

// CreateBatch records the batch with every step Pending.
func (o *Orchestrator) CreateBatch(ctx context.Context, spec orchestrator.BatchSpec) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	k := key(spec.Namespace, spec.Name)
	if _, exists := o.batches[k]; exists {
		return &errors.ConflictError{Resource: "batch", Key: k, Message: "batch already exists"}
	}

	phases := make(map[string]orchestrator.StepStatus, len(spec.Steps))
	for _, step := range spec.Steps {
		phases[step.UUID] = orchestrator.StepStatus{UUID: step.UUID, Phase: orchestrator.PhasePending}
	}
	o.batches[k] = &batch{spec: spec, phases: phases}
	return nil
}

// BatchStatus returns the current phases.
func (o *Orchestrator) BatchStatus(ctx context.Context, namespace, name string) (*orchestrator.BatchStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.StatusErr != nil {
		return nil, o.StatusErr
	}

	b, ok := o.batches[key(namespace, name)]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "batch", ID: key(namespace, name)}
	}

	steps := make(map[string]orchestrator.StepStatus, len(b.phases))
	for uuid, status := range b.phases {
		steps[uuid] = status
	}
	return &orchestrator.BatchStatus{Steps: steps}, nil
}

// DeleteBatch removes the batch. Idempotent.
func (o *Orchestrator) DeleteBatch(ctx context.Context, namespace, name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	k := key(namespace, name)
	delete(o.batches, k)
	o.deletedBatches = append(o.deletedBatches, k)
	return nil
}

// SetStepPhase advances one step's observed phase.
func (o *Orchestrator) SetStepPhase(namespace, name, stepUUID string, phase orchestrator.Phase, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b, ok := o.batches[key(namespace, name)]
	if !ok {
		return
	}
	b.phases[stepUUID] = orchestrator.StepStatus{UUID: stepUUID, Phase: phase, Message: message}
}

// Batch returns the stored spec, or nil.
func (o *Orchestrator) Batch(namespace, name string) *orchestrator.BatchSpec {
	o.mu.Lock()
	defer o.mu.Unlock()

	b, ok := o.batches[key(namespace, name)]
	if !ok {
		return nil
	}
	spec := b.spec
	return &spec
}

// BatchDeleted reports whether DeleteBatch was called for the batch.
func (o *Orchestrator) BatchDeleted(namespace, name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	k := key(namespace, name)
	for _, deleted := range o.deletedBatches {
		if deleted == k {
			return true
		}
	}
	return false
}

// CreateNamespace records the namespace.
func (o *Orchestrator) CreateNamespace(ctx context.Context, name string, labels map[string]string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.namespaces[name]; exists {
		return &errors.ConflictError{Resource: "namespace", Key: name, Message: "namespace already exists"}
	}
	o.namespaces[name] = labels
	return nil
}

// DeleteNamespace removes the namespace and everything recorded in it.
// Idempotent.
func (o *Orchestrator) DeleteNamespace(ctx context.Context, name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.namespaces, name)
	delete(o.deployments, name)
	delete(o.services, name)
	delete(o.pods, name)
	return nil
}

// HasNamespace reports whether a namespace exists.
func (o *Orchestrator) HasNamespace(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.namespaces[name]
	return ok
}

// CreateDeployment records the deployment and materializes a pod for it so
// ListPods sees session services come up immediately.
func (o *Orchestrator) CreateDeployment(ctx context.Context, namespace string, spec orchestrator.DeploymentSpec) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.DeployErr != nil {
		return o.DeployErr
	}

	o.deployments[namespace] = append(o.deployments[namespace], spec)
	labels := map[string]string{"app": spec.Name}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	o.pods[namespace] = append(o.pods[namespace], orchestrator.PodInfo{
		Name:   fmt.Sprintf("%s-0", spec.Name),
		Phase:  orchestrator.PhaseRunning,
		Labels: labels,
	})
	return nil
}

// Deployments returns the deployments recorded in a namespace.
func (o *Orchestrator) Deployments(namespace string) []orchestrator.DeploymentSpec {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]orchestrator.DeploymentSpec(nil), o.deployments[namespace]...)
}

// CreateService records the service.
func (o *Orchestrator) CreateService(ctx context.Context, namespace string, spec orchestrator.ServiceSpec) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.services[namespace] = append(o.services[namespace], spec)
	return nil
}

// Services returns the services recorded in a namespace.
func (o *Orchestrator) Services(namespace string) []orchestrator.ServiceSpec {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]orchestrator.ServiceSpec(nil), o.services[namespace]...)
}

// ExecInPod returns the configured exit code.
func (o *Orchestrator) ExecInPod(ctx context.Context, namespace, podName string, command []string) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ExecExitCode, nil
}

// ListPods lists pods matching the selector. Selectors are "k=v" pairs
// joined by commas, matching the subset of label-selector syntax the
// control plane uses.
func (o *Orchestrator) ListPods(ctx context.Context, namespace, labelSelector string) ([]orchestrator.PodInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var matched []orchestrator.PodInfo
	for _, pod := range o.pods[namespace] {
		if matchesSelector(pod.Labels, labelSelector) {
			matched = append(matched, pod)
		}
	}
	return matched, nil
}

// DeletePods deletes pods matching the selector.
func (o *Orchestrator) DeletePods(ctx context.Context, namespace, labelSelector string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var kept []orchestrator.PodInfo
	for _, pod := range o.pods[namespace] {
		if !matchesSelector(pod.Labels, labelSelector) {
			kept = append(kept, pod)
		}
	}
	o.pods[namespace] = kept
	return nil
}

func matchesSelector(labels map[string]string, selector string) bool {
	if selector == "" {
		return true
	}
	for _, pair := range strings.Split(selector, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || labels[k] != v {
			return false
		}
	}
	return true
}
