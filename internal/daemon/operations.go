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

package daemon

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/stagehand/internal/events"
	internallog "github.com/tombee/stagehand/internal/log"
	"github.com/tombee/stagehand/internal/session"
	"github.com/tombee/stagehand/internal/store"
	"github.com/tombee/stagehand/internal/taskrunner"
	"github.com/tombee/stagehand/internal/txn"
	"github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
)

// containerProjectDir is where the project directory is mounted inside step
// and service containers.
const containerProjectDir = "/project-dir"

// RunRequest describes one run submission.
type RunRequest struct {
	ProjectUUID  string
	PipelineUUID string
	Kind         store.RunKind

	// RunType selects the pipeline variant; empty means the full pipeline.
	RunType   string
	Selection []string

	// UserEnv are user-defined variables applied to every step.
	UserEnv map[string]string

	// Job-triggered runs only.
	JobUUID      string
	Parameters   map[string]any
	BatchIndex   int
	IndexInBatch int
	GlobalIndex  int
}

// SessionRequest describes one session launch.
type SessionRequest struct {
	ProjectUUID  string
	PipelineUUID string
	Type         pipeline.SessionType

	UserEnv       map[string]string
	JobParameters map[string]string
}

// admitRunCommand is the two-phase admission of a run: the row is created
// in the shared transaction and the scheduler task is only submitted once
// the commit has succeeded.
type admitRunCommand struct {
	d    *Daemon
	run  *store.PipelineRun
	step []store.StepRun
	task taskrunner.Task
}

func (cmd *admitRunCommand) Transaction(ctx context.Context, tx store.Tx) error {
	return tx.CreateRun(ctx, cmd.run, cmd.step)
}

func (cmd *admitRunCommand) Collateral(ctx context.Context) error {
	if err := cmd.d.pool.Submit(cmd.run.UUID, cmd.task); err != nil {
		return err
	}
	cmd.d.recorder.Record(ctx, events.RunCreated, map[string]any{
		"run_uuid":      cmd.run.UUID,
		"pipeline_uuid": cmd.run.PipelineUUID,
		"project_uuid":  cmd.run.ProjectUUID,
	})
	return nil
}

func (cmd *admitRunCommand) Revert(ctx context.Context) error {
	_, err := cmd.d.store.UpdateRunStatus(ctx, cmd.run.UUID, store.StatusFailure, time.Now().UTC())
	return err
}

// SubmitRun admits and starts a pipeline run.
func (d *Daemon) SubmitRun(ctx context.Context, req RunRequest) (*store.PipelineRun, error) {
	d.mu.Lock()
	draining := d.draining
	d.mu.Unlock()
	if draining {
		return nil, &errors.ConflictError{
			Resource: "run",
			Key:      req.PipelineUUID,
			Message:  "daemon is draining",
		}
	}

	entry, err := d.registry.Get(req.ProjectUUID, req.PipelineUUID)
	if err != nil {
		return nil, err
	}

	runType := req.RunType
	if runType == "" {
		runType = pipeline.RunTypeFull
	}
	selection := make(map[string]struct{}, len(req.Selection))
	for _, uuid := range req.Selection {
		selection[uuid] = struct{}{}
	}
	p, err := pipeline.Construct(entry.Definition, selection, runType)
	if err != nil {
		return nil, err
	}

	// Resolve images at admission so in-flight builds cannot change what
	// the run executes.
	envSet := make(map[string]struct{})
	envUUIDs := make([]string, 0)
	for _, step := range p.Steps() {
		if _, seen := envSet[step.EnvironmentUUID]; !seen {
			envSet[step.EnvironmentUUID] = struct{}{}
			envUUIDs = append(envUUIDs, step.EnvironmentUUID)
		}
	}
	images, err := d.builds.ResolveImages(ctx, req.ProjectUUID, envUUIDs)
	if err != nil {
		return nil, err
	}

	sessionType := pipeline.SessionNoninteractive
	if req.Kind == store.RunKindInteractive {
		sessionType = pipeline.SessionInteractive
	}
	runUUID := uuid.NewString()
	cfg := &pipeline.RunConfig{
		Backend:           d.cfg.Scheduler.Strategy,
		ProjectUUID:       req.ProjectUUID,
		ProjectDir:        containerProjectDir,
		PipelinePath:      entry.Path,
		HostProjectDir:    filepath.Join(d.cfg.Daemon.ProjectsDir, req.ProjectUUID),
		SessionUUID:       req.ProjectUUID + "-" + req.PipelineUUID,
		SessionType:       sessionType,
		EnvironmentImages: images,
		UserEnv:           req.UserEnv,
	}

	now := time.Now().UTC()
	run := &store.PipelineRun{
		UUID:         runUUID,
		ProjectUUID:  req.ProjectUUID,
		PipelineUUID: req.PipelineUUID,
		Kind:         req.Kind,
		Status:       store.StatusPending,
		Env:          req.UserEnv,
		CreatedAt:    now,
		JobUUID:      req.JobUUID,
		BatchIndex:   req.BatchIndex,
		IndexInBatch: req.IndexInBatch,
		GlobalIndex:  req.GlobalIndex,
		Parameters:   req.Parameters,
	}
	steps := make([]store.StepRun, 0, p.Len())
	for _, step := range p.Steps() {
		steps = append(steps, store.StepRun{
			RunUUID:  runUUID,
			StepUUID: step.UUID,
			Status:   store.StatusPending,
		})
	}

	task := func(ctx context.Context, token *taskrunner.Token) error {
		return d.scheduler.Execute(ctx, runUUID, p, cfg, token)
	}
	if err := d.executor.Execute(ctx, &admitRunCommand{d: d, run: run, step: steps, task: task}); err != nil {
		return nil, err
	}
	return run, nil
}

// CancelRun aborts a run. Cancelling a terminal run is a no-op. For runs
// with a live scheduler task the cooperative token drives the transitions;
// otherwise the rows are aborted directly.
func (d *Daemon) CancelRun(ctx context.Context, runUUID string) error {
	run, err := d.store.GetRun(ctx, runUUID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	if d.pool.SignalAbort(runUUID) {
		return nil
	}

	// No live task: the run never started or the daemon restarted under it.
	now := time.Now().UTC()
	stepRuns, err := d.store.ListStepRuns(ctx, runUUID)
	if err != nil {
		return err
	}
	for _, step := range stepRuns {
		applied, err := d.store.UpdateStepStatus(ctx, runUUID, step.StepUUID, store.StatusAborted, now)
		if err != nil {
			return err
		}
		if applied {
			d.recorder.Record(ctx, events.StepAborted, map[string]any{
				"run_uuid":  runUUID,
				"step_uuid": step.StepUUID,
			})
		}
	}
	applied, err := d.store.UpdateRunStatus(ctx, runUUID, store.StatusAborted, now)
	if err != nil {
		return err
	}
	if applied {
		d.recorder.Record(ctx, events.RunAborted, map[string]any{
			"run_uuid":      runUUID,
			"pipeline_uuid": run.PipelineUUID,
		})
	}
	return nil
}

// GetRun retrieves one run.
func (d *Daemon) GetRun(ctx context.Context, runUUID string) (*store.PipelineRun, error) {
	return d.store.GetRun(ctx, runUUID)
}

// ListRuns lists runs with optional filtering.
func (d *Daemon) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.PipelineRun, error) {
	return d.store.ListRuns(ctx, filter)
}

// ListStepRuns retrieves the step rows of a run.
func (d *Daemon) ListStepRuns(ctx context.Context, runUUID string) ([]store.StepRun, error) {
	return d.store.ListStepRuns(ctx, runUUID)
}

// ReportStepStatus is the callback entry point for externally observed step
// transitions. Reports against terminal steps are dropped; the return value
// says whether the transition was applied.
func (d *Daemon) ReportStepStatus(ctx context.Context, runUUID, stepUUID string, status store.Status) (bool, error) {
	applied, err := d.store.UpdateStepStatus(ctx, runUUID, stepUUID, status, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if !applied {
		d.logger.Debug("step status report dropped, step already terminal",
			slog.String(internallog.RunUUIDKey, runUUID),
			slog.String(internallog.StepUUIDKey, stepUUID))
		return false, nil
	}
	if eventType := events.StepEventType(status); eventType != "" {
		d.recorder.Record(ctx, eventType, map[string]any{
			"run_uuid":  runUUID,
			"step_uuid": stepUUID,
		})
	}
	return true, nil
}

// RequestBuild admits an environment image build, aborting any build already
// active for the same environment.
func (d *Daemon) RequestBuild(ctx context.Context, projectUUID, environmentUUID, sourcePath string) (*store.EnvironmentImageBuild, error) {
	key := store.BuildKey{ProjectUUID: projectUUID, EnvironmentUUID: environmentUUID}
	return d.builds.RequestBuild(ctx, key, sourcePath)
}

// CancelBuild aborts a build by identity. Cancelling a finished build is a
// no-op.
func (d *Daemon) CancelBuild(ctx context.Context, projectUUID, environmentUUID string, tag int) error {
	key := store.BuildKey{ProjectUUID: projectUUID, EnvironmentUUID: environmentUUID}
	build, err := d.store.GetBuild(ctx, key, tag)
	if err != nil {
		return err
	}
	return d.builds.AbortBuild(ctx, build)
}

// CanGarbageCollect reports whether registry garbage collection may run.
func (d *Daemon) CanGarbageCollect(ctx context.Context) (bool, error) {
	return d.builds.CanGarbageCollect(ctx)
}

// StartSession launches the session for a (project, pipeline) identity.
func (d *Daemon) StartSession(ctx context.Context, req SessionRequest) error {
	entry, err := d.registry.Get(req.ProjectUUID, req.PipelineUUID)
	if err != nil {
		return err
	}

	stepEnvs := make([]string, 0, len(entry.Definition.Steps))
	for _, step := range entry.Definition.Steps {
		stepEnvs = append(stepEnvs, step.Environment)
	}

	identity := store.SessionIdentity{ProjectUUID: req.ProjectUUID, PipelineUUID: req.PipelineUUID}
	return d.sessions.Launch(ctx, identity, &session.Config{
		Type:             req.Type,
		Services:         entry.Definition.Services,
		StepEnvironments: stepEnvs,
		UserEnv:          req.UserEnv,
		JobParameters:    req.JobParameters,
		ProjectDir:       containerProjectDir,
		HostProjectDir:   filepath.Join(d.cfg.Daemon.ProjectsDir, req.ProjectUUID),
		PipelinePath:     entry.Path,
	})
}

// StopSession shuts a session down. Stopping an absent session is a no-op.
func (d *Daemon) StopSession(ctx context.Context, projectUUID, pipelineUUID string) error {
	identity := store.SessionIdentity{ProjectUUID: projectUUID, PipelineUUID: pipelineUUID}
	return d.sessions.Shutdown(ctx, identity)
}

// RestartSessionService restarts one service of a running session.
func (d *Daemon) RestartSessionService(ctx context.Context, projectUUID, pipelineUUID, service string) error {
	identity := store.SessionIdentity{ProjectUUID: projectUUID, PipelineUUID: pipelineUUID}
	return d.sessions.RestartResource(ctx, identity, service)
}

// EvictSessionData clears the memory-server's pipeline data for a running
// session.
func (d *Daemon) EvictSessionData(ctx context.Context, projectUUID, pipelineUUID string) error {
	identity := store.SessionIdentity{ProjectUUID: projectUUID, PipelineUUID: pipelineUUID}
	return d.sessions.EvictPipelineData(ctx, identity)
}

// GetSession retrieves the session row for an identity.
func (d *Daemon) GetSession(ctx context.Context, projectUUID, pipelineUUID string) (*store.InteractiveSession, error) {
	return d.store.GetSession(ctx, store.SessionIdentity{ProjectUUID: projectUUID, PipelineUUID: pipelineUUID})
}

// ListEvents returns the most recent events, newest first.
func (d *Daemon) ListEvents(ctx context.Context, limit int) ([]*store.Event, error) {
	return d.store.ListEvents(ctx, limit)
}

// Pipelines lists the discovered pipeline definitions of a project.
func (d *Daemon) Pipelines(projectUUID string) []*PipelineEntry {
	return d.registry.List(projectUUID)
}

var _ txn.Command = (*admitRunCommand)(nil)
