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

// Package session manages interactive and job session lifecycles. A
// session is the set of long-running services a pipeline needs around its
// runs, isolated in a namespace per (project, pipeline) identity.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/stagehand/internal/events"
	"github.com/tombee/stagehand/internal/log"
	"github.com/tombee/stagehand/internal/metrics"
	"github.com/tombee/stagehand/internal/orchestrator"
	"github.com/tombee/stagehand/internal/store"
	"github.com/tombee/stagehand/internal/txn"
	"github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
)

// BasePathPlaceholder is substituted in user service commands, args, and
// environment values with the service's routing base path.
const BasePathPlaceholder = "$BASE_PATH_PREFIX"

// Internal service names.
const (
	serviceMemoryServer  = "memory-server"
	serviceSidecar       = "session-sidecar"
	serviceKernelGateway = "kernel-gateway"
	serviceIDE           = "ide"
)

// ImageResolver maps environment UUIDs to image references.
type ImageResolver interface {
	ResolveImages(ctx context.Context, projectUUID string, environmentUUIDs []string) (map[string]string, error)
}

// InternalImages are the images of the services every session carries.
type InternalImages struct {
	MemoryServer  string
	Sidecar       string
	KernelGateway string
	IDE           string
}

// Config describes one session to launch.
type Config struct {
	Type pipeline.SessionType

	// Services are the pipeline's user-defined services; they are filtered
	// by scope before deployment.
	Services map[string]pipeline.ServiceDefinition

	// StepEnvironments are the environment UUIDs the pipeline's steps
	// reference. Launch fails if any of them lacks a resolvable image.
	StepEnvironments []string

	// UserEnv is inherited by services that opt in.
	UserEnv map[string]string

	// JobParameters override inherited variables for job sessions.
	JobParameters map[string]string

	ProjectDir     string
	HostProjectDir string
	PipelinePath   string
}

// Manager owns session lifecycles.
type Manager struct {
	store    store.Store
	orch     orchestrator.Orchestrator
	executor *txn.Executor
	resolver ImageResolver
	recorder *events.Recorder
	images   InternalImages
	logger   *slog.Logger

	// Stop-during-launch wait bounds.
	launchWaitAttempts int
	launchWaitInterval time.Duration
}

// New creates a manager.
func New(st store.Store, orch orchestrator.Orchestrator, executor *txn.Executor, resolver ImageResolver, recorder *events.Recorder, images InternalImages, logger *slog.Logger) *Manager {
	return &Manager{
		store:              st,
		orch:               orch,
		executor:           executor,
		resolver:           resolver,
		recorder:           recorder,
		images:             images,
		logger:             logger,
		launchWaitAttempts: 600,
		launchWaitInterval: time.Second,
	}
}

// launchCommand creates the session row and brings its services up.
type launchCommand struct {
	m        *Manager
	identity store.SessionIdentity
	cfg      *Config
	images   map[string]string // environment uuid -> image, for user services
}

func (cmd *launchCommand) Transaction(ctx context.Context, tx store.Tx) error {
	services := make(map[string]any, len(cmd.cfg.Services))
	for name, svc := range cmd.cfg.Services {
		services[name] = svc
	}
	return tx.CreateSession(ctx, &store.InteractiveSession{
		ProjectUUID:  cmd.identity.ProjectUUID,
		PipelineUUID: cmd.identity.PipelineUUID,
		Status:       store.SessionLaunching,
		ServicesJSON: services,
	})
}

func (cmd *launchCommand) Collateral(ctx context.Context) error {
	return cmd.m.bringUp(ctx, cmd.identity, cmd.cfg, cmd.images)
}

// Revert deletes the session row. A session that never came up leaves no
// row behind, there is nothing for a stop to find.
func (cmd *launchCommand) Revert(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	if err := cmd.m.orch.DeleteNamespace(ctx, namespaceOf(cmd.identity)); err != nil {
		cmd.m.logger.Warn("failed to clean up session namespace", log.Error(err))
	}
	return cmd.m.store.DeleteSession(ctx, cmd.identity)
}

// Launch brings a session up. At most one session exists per identity; a
// second launch fails with a conflict before any resource is created.
func (m *Manager) Launch(ctx context.Context, identity store.SessionIdentity, cfg *Config) error {
	images, err := m.validateImages(ctx, identity, cfg)
	if err != nil {
		return err
	}

	cmd := &launchCommand{m: m, identity: identity, cfg: cfg, images: images}
	if err := m.executor.Execute(ctx, cmd); err != nil {
		return err
	}

	metrics.SessionStarted()
	m.recorder.Record(ctx, events.SessionLaunched, sessionPayload(identity))
	return nil
}

// validateImages resolves every environment image the session references,
// the pipeline's step environments and the user services' alike, failing
// before any state is touched.
func (m *Manager) validateImages(ctx context.Context, identity store.SessionIdentity, cfg *Config) (map[string]string, error) {
	seen := make(map[string]struct{})
	var envUUIDs []string
	add := func(envUUID string) {
		if envUUID == "" {
			return
		}
		if _, ok := seen[envUUID]; ok {
			return
		}
		seen[envUUID] = struct{}{}
		envUUIDs = append(envUUIDs, envUUID)
	}

	for _, envUUID := range cfg.StepEnvironments {
		add(envUUID)
	}
	for _, svc := range cfg.Services {
		add(svc.EnvironmentUUID())
	}
	if len(envUUIDs) == 0 {
		return map[string]string{}, nil
	}
	return m.resolver.ResolveImages(ctx, identity.ProjectUUID, envUUIDs)
}

// bringUp creates the namespace and deploys internal plus in-scope user
// services, then records runtime details and marks the session RUNNING.
func (m *Manager) bringUp(ctx context.Context, identity store.SessionIdentity, cfg *Config, images map[string]string) error {
	namespace := namespaceOf(identity)
	logger := log.WithSessionContext(m.logger, identity.ProjectUUID, identity.PipelineUUID)

	if err := m.orch.CreateNamespace(ctx, namespace, map[string]string{
		"stagehand.sh/project":  identity.ProjectUUID,
		"stagehand.sh/pipeline": identity.PipelineUUID,
	}); err != nil && !errors.IsConflict(err) {
		return err
	}

	specs, err := m.serviceSpecs(identity, cfg, images)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		group.Go(func() error {
			if err := m.orch.CreateDeployment(groupCtx, namespace, spec); err != nil {
				return err
			}
			if len(spec.Ports) == 0 {
				return nil
			}
			return m.orch.CreateService(groupCtx, namespace, orchestrator.ServiceSpec{
				Name:     spec.Name,
				Selector: map[string]string{"app": spec.Name},
				Ports:    spec.Ports,
			})
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	containerIDs, endpoints, err := m.collectRuntime(ctx, namespace, specs)
	if err != nil {
		return err
	}
	if err := m.store.UpdateSessionRuntime(ctx, identity, containerIDs, endpoints); err != nil {
		return err
	}
	if _, err := m.store.UpdateSessionStatus(ctx, identity, store.SessionRunning); err != nil {
		return err
	}

	logger.Info("session running", "services", len(specs))
	return nil
}

// serviceSpecs assembles the deployments of a session in deterministic
// order: internal services first, then user services by name.
func (m *Manager) serviceSpecs(identity store.SessionIdentity, cfg *Config, images map[string]string) ([]orchestrator.DeploymentSpec, error) {
	projectBinds := map[string]string{}
	if cfg.HostProjectDir != "" {
		projectBinds[cfg.HostProjectDir] = cfg.ProjectDir
	}

	specs := []orchestrator.DeploymentSpec{
		{Name: serviceMemoryServer, Image: m.images.MemoryServer, Binds: projectBinds},
		{Name: serviceSidecar, Image: m.images.Sidecar, Binds: projectBinds},
	}
	if cfg.Type == pipeline.SessionInteractive {
		specs = append(specs,
			orchestrator.DeploymentSpec{Name: serviceKernelGateway, Image: m.images.KernelGateway, Ports: []int{8888}, Binds: projectBinds},
			orchestrator.DeploymentSpec{Name: serviceIDE, Image: m.images.IDE, Ports: []int{8080}, Binds: projectBinds},
		)
	}

	names := make([]string, 0, len(cfg.Services))
	for name := range cfg.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		svc := cfg.Services[name]
		if !svc.InScope(string(cfg.Type)) {
			continue
		}

		image := svc.Image
		if envUUID := svc.EnvironmentUUID(); envUUID != "" {
			resolved, ok := images[envUUID]
			if !ok {
				return nil, &errors.ImageNotFoundError{ProjectUUID: identity.ProjectUUID, EnvironmentUUID: envUUID}
			}
			image = resolved
		}

		basePath := basePathOf(identity, name)
		spec := orchestrator.DeploymentSpec{
			Name:    name,
			Image:   image,
			Command: substituteAll(svc.Command, basePath),
			Args:    substituteAll(svc.Args, basePath),
			Env:     buildServiceEnv(svc, cfg, basePath),
			Ports:   svc.Ports,
			Binds:   svc.Binds,
		}
		specs = append(specs, spec)
	}

	return specs, nil
}

// buildServiceEnv layers a service's environment: declared values first,
// inherited session variables on top when the service opts in, and job
// parameters last so they always win.
func buildServiceEnv(svc pipeline.ServiceDefinition, cfg *Config, basePath string) []orchestrator.EnvVar {
	merged := make(map[string]string, len(svc.Env))
	for k, v := range svc.Env {
		merged[k] = strings.ReplaceAll(v, BasePathPlaceholder, basePath)
	}
	if svc.InheritEnv {
		for k, v := range cfg.UserEnv {
			merged[k] = v
		}
		for k, v := range cfg.JobParameters {
			merged[k] = v
		}
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	env := make([]orchestrator.EnvVar, 0, len(names))
	for _, name := range names {
		env = append(env, orchestrator.EnvVar{Name: name, Value: merged[name]})
	}
	return env
}

// collectRuntime maps each deployed service to its pod and endpoint.
func (m *Manager) collectRuntime(ctx context.Context, namespace string, specs []orchestrator.DeploymentSpec) (map[string]string, map[string]string, error) {
	containerIDs := make(map[string]string, len(specs))
	endpoints := make(map[string]string, len(specs))

	for _, spec := range specs {
		pods, err := m.orch.ListPods(ctx, namespace, "app="+spec.Name)
		if err != nil {
			return nil, nil, err
		}
		if len(pods) > 0 {
			containerIDs[spec.Name] = pods[0].Name
		}
		if len(spec.Ports) > 0 {
			endpoints[spec.Name] = fmt.Sprintf("http://%s.%s:%d", spec.Name, namespace, spec.Ports[0])
		}
	}
	return containerIDs, endpoints, nil
}

// Shutdown tears a session down. Stopping a session that does not exist is
// a no-op. A session still launching is waited on, bounded, until its pods
// are known, so teardown does not race resource creation.
func (m *Manager) Shutdown(ctx context.Context, identity store.SessionIdentity) error {
	session, err := m.store.GetSession(ctx, identity)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}

	if session.Status == store.SessionLaunching {
		m.waitForLaunch(ctx, identity)
	}

	if _, err := m.store.UpdateSessionStatus(ctx, identity, store.SessionStopping); err != nil {
		return err
	}

	if err := m.orch.DeleteNamespace(ctx, namespaceOf(identity)); err != nil {
		return err
	}
	if err := m.store.DeleteSession(ctx, identity); err != nil {
		return err
	}

	metrics.SessionStopped()
	m.recorder.Record(ctx, events.SessionStopped, sessionPayload(identity))
	return nil
}

// waitForLaunch polls until the launching session has recorded its pod
// identifiers, or the bounded wait expires.
func (m *Manager) waitForLaunch(ctx context.Context, identity store.SessionIdentity) {
	for attempt := 0; attempt < m.launchWaitAttempts; attempt++ {
		session, err := m.store.GetSession(ctx, identity)
		if err != nil || session.Status != store.SessionLaunching || len(session.ContainerIDs) > 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.launchWaitInterval):
		}
	}
	m.logger.Warn("giving up waiting for session launch", log.SessionKey, identity.String())
}

// RestartResource restarts one of a running session's services by deleting
// its pods; the deployment brings replacements up.
func (m *Manager) RestartResource(ctx context.Context, identity store.SessionIdentity, name string) error {
	session, err := m.store.GetSession(ctx, identity)
	if err != nil {
		return err
	}
	if session.Status != store.SessionRunning {
		return &errors.ConflictError{
			Resource: "session",
			Key:      identity.String(),
			Message:  fmt.Sprintf("cannot restart %s while session is %s", name, session.Status),
		}
	}
	return m.orch.DeletePods(ctx, namespaceOf(identity), "app="+name)
}

// EvictPipelineData clears the memory-server's in-flight pipeline data by
// running its eviction command inside the pod.
func (m *Manager) EvictPipelineData(ctx context.Context, identity store.SessionIdentity) error {
	session, err := m.store.GetSession(ctx, identity)
	if err != nil {
		return err
	}
	if session.Status != store.SessionRunning {
		return &errors.ConflictError{
			Resource: "session",
			Key:      identity.String(),
			Message:  fmt.Sprintf("cannot evict pipeline data while session is %s", session.Status),
		}
	}

	namespace := namespaceOf(identity)
	pods, err := m.orch.ListPods(ctx, namespace, "app="+serviceMemoryServer)
	if err != nil {
		return err
	}
	if len(pods) == 0 {
		return &errors.NotFoundError{Resource: "pod", ID: serviceMemoryServer}
	}

	code, err := m.orch.ExecInPod(ctx, namespace, pods[0].Name, []string{"memory-server", "evict", "--all"})
	if err != nil {
		return err
	}
	if code != 0 {
		return &errors.OrchestratorError{
			Op:    "exec",
			Ref:   namespace + "/" + pods[0].Name,
			Cause: fmt.Errorf("eviction exited with code %d", code),
		}
	}
	return nil
}

// WithSession launches a session, runs fn, and always tears the session
// down afterwards. Job runs use it to scope their session to the run.
func (m *Manager) WithSession(ctx context.Context, identity store.SessionIdentity, cfg *Config, fn func(ctx context.Context) error) error {
	if err := m.Launch(ctx, identity, cfg); err != nil {
		return err
	}
	defer func() {
		if err := m.Shutdown(context.WithoutCancel(ctx), identity); err != nil {
			m.logger.Error("failed to shut session down", log.SessionKey, identity.String(), log.Error(err))
		}
	}()
	return fn(ctx)
}

func namespaceOf(identity store.SessionIdentity) string {
	return orchestrator.NamespaceFor(identity.ProjectUUID, identity.PipelineUUID)
}

func basePathOf(identity store.SessionIdentity, service string) string {
	return fmt.Sprintf("/service-%s-%s-%s", service, identity.ProjectUUID, identity.PipelineUUID)
}

func substituteAll(values []string, basePath string) []string {
	if len(values) == 0 {
		return values
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ReplaceAll(v, BasePathPlaceholder, basePath)
	}
	return out
}

func sessionPayload(identity store.SessionIdentity) map[string]any {
	return map[string]any{
		"project_uuid":  identity.ProjectUUID,
		"pipeline_uuid": identity.PipelineUUID,
	}
}
