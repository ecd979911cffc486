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

// Package builds coordinates environment image builds: admission, tag
// allocation, abort, and the image records successful builds leave behind.
// At most one build per (project, environment) is ever active.
package builds

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/stagehand/internal/events"
	"github.com/tombee/stagehand/internal/metrics"
	"github.com/tombee/stagehand/internal/store"
	"github.com/tombee/stagehand/internal/taskrunner"
	"github.com/tombee/stagehand/internal/txn"
	"github.com/tombee/stagehand/pkg/errors"
)

// Driver performs the actual image build. The build internals are outside
// the control plane; the driver is expected to honor the token by aborting
// between layers.
type Driver interface {
	Build(ctx context.Context, token *taskrunner.Token, build *store.EnvironmentImageBuild) error
}

// Coordinator owns the build lifecycle.
type Coordinator struct {
	store    store.Store
	executor *txn.Executor
	runner   taskrunner.Runner
	recorder *events.Recorder
	driver   Driver
	registry string
	logger   *slog.Logger
}

// New creates a coordinator. registry is the image registry prefix baked
// into resolved image references.
func New(st store.Store, executor *txn.Executor, runner taskrunner.Runner, recorder *events.Recorder, driver Driver, registry string, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    st,
		executor: executor,
		runner:   runner,
		recorder: recorder,
		driver:   driver,
		registry: registry,
		logger:   logger,
	}
}

// abortCommand marks one in-flight build ABORTED and tears its task down.
type abortCommand struct {
	c     *Coordinator
	build *store.EnvironmentImageBuild
}

func (cmd *abortCommand) Transaction(ctx context.Context, tx store.Tx) error {
	_, err := tx.UpdateBuildStatus(ctx, cmd.build.CorrelationID, store.StatusAborted, time.Now())
	return err
}

func (cmd *abortCommand) Collateral(ctx context.Context) error {
	// Revoke tears the task down wherever it is; the abort signal lets a
	// task that is mid-layer finish cooperatively if revoke raced it.
	cmd.c.runner.Revoke(cmd.build.CorrelationID)
	cmd.c.runner.SignalAbort(cmd.build.CorrelationID)
	cmd.c.recorder.Record(ctx, events.BuildAborted, buildPayload(cmd.build))
	return nil
}

func (cmd *abortCommand) Revert(ctx context.Context) error {
	// The build's task is already gone or going; there is nothing to
	// restore it to.
	return nil
}

// admitCommand aborts whatever is active for the key, records a new
// PENDING build, and dispatches its task.
type admitCommand struct {
	c       *Coordinator
	key     store.BuildKey
	path    string
	build   *store.EnvironmentImageBuild
	aborted []*store.EnvironmentImageBuild
}

func (cmd *admitCommand) Transaction(ctx context.Context, tx store.Tx) error {
	// Listing and aborting inside the admission transaction keeps at most
	// one active build per key under concurrent requests: the store's
	// single writer serializes admissions.
	active, err := tx.ListActiveBuilds(ctx, cmd.key)
	if err != nil {
		return errors.Wrap(err, "failed to list active builds")
	}
	for _, build := range active {
		if _, err := tx.UpdateBuildStatus(ctx, build.CorrelationID, store.StatusAborted, time.Now()); err != nil {
			return err
		}
	}
	cmd.aborted = active

	tag, err := tx.NextBuildTag(ctx, cmd.key)
	if err != nil {
		return err
	}

	cmd.build = &store.EnvironmentImageBuild{
		ProjectUUID:     cmd.key.ProjectUUID,
		EnvironmentUUID: cmd.key.EnvironmentUUID,
		Tag:             tag,
		CorrelationID:   uuid.NewString(),
		Status:          store.StatusPending,
		SourcePath:      cmd.path,
	}
	return tx.CreateBuild(ctx, cmd.build)
}

func (cmd *admitCommand) Collateral(ctx context.Context) error {
	for _, old := range cmd.aborted {
		// Revoke tears the task down wherever it is; the abort signal lets
		// a task that is mid-layer finish cooperatively if revoke raced it.
		cmd.c.runner.Revoke(old.CorrelationID)
		cmd.c.runner.SignalAbort(old.CorrelationID)
		cmd.c.recorder.Record(ctx, events.BuildAborted, buildPayload(old))
	}

	build := cmd.build
	err := cmd.c.runner.Submit(build.CorrelationID, func(taskCtx context.Context, token *taskrunner.Token) error {
		return cmd.c.runBuild(taskCtx, token, build)
	})
	if err != nil {
		return err
	}
	cmd.c.recorder.Record(ctx, events.BuildCreated, buildPayload(build))
	return nil
}

func (cmd *admitCommand) Revert(ctx context.Context) error {
	if cmd.build == nil {
		return nil
	}
	_, err := cmd.c.store.UpdateBuildStatus(ctx, cmd.build.CorrelationID, store.StatusFailure, time.Now())
	if err == nil {
		cmd.c.recorder.Record(ctx, events.BuildFailed, buildPayload(cmd.build))
	}
	return err
}

// RequestBuild admits a new build for key. Any build already active for the
// key is aborted in the same transaction, so the one-active-build invariant
// holds at every commit point.
func (c *Coordinator) RequestBuild(ctx context.Context, key store.BuildKey, sourcePath string) (*store.EnvironmentImageBuild, error) {
	admit := &admitCommand{c: c, key: key, path: sourcePath}
	if err := c.executor.Execute(ctx, admit); err != nil {
		return nil, err
	}
	return admit.build, nil
}

// AbortBuild aborts one build by correlation ID. Aborting a build that has
// already finished is a no-op.
func (c *Coordinator) AbortBuild(ctx context.Context, build *store.EnvironmentImageBuild) error {
	return c.executor.Execute(ctx, &abortCommand{c: c, build: build})
}

// runBuild is the task body: drive the build and report its outcome.
func (c *Coordinator) runBuild(ctx context.Context, token *taskrunner.Token, build *store.EnvironmentImageBuild) error {
	if _, err := c.store.UpdateBuildStatus(ctx, build.CorrelationID, store.StatusStarted, time.Now()); err != nil {
		return err
	}
	c.recorder.Record(ctx, events.BuildStarted, buildPayload(build))

	err := c.driver.Build(ctx, token, build)
	switch {
	case token.Signalled() || ctx.Err() != nil:
		return c.ReportBuildFinished(context.WithoutCancel(ctx), build, store.StatusAborted)
	case err != nil:
		c.logger.Error("build failed", "correlation_id", build.CorrelationID, "error", err)
		return c.ReportBuildFinished(ctx, build, store.StatusFailure)
	default:
		return c.ReportBuildFinished(ctx, build, store.StatusSuccess)
	}
}

// ReportBuildFinished applies a terminal status. On SUCCESS the immutable
// image record is written in the same transaction as the status change, so
// an image row never exists without its build having succeeded.
func (c *Coordinator) ReportBuildFinished(ctx context.Context, build *store.EnvironmentImageBuild, status store.Status) error {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	applied, err := tx.UpdateBuildStatus(ctx, build.CorrelationID, status, time.Now())
	if err != nil {
		tx.Rollback()
		return err
	}
	if !applied {
		// Already terminal, a racing abort won.
		return tx.Rollback()
	}

	if status == store.StatusSuccess {
		image := &store.EnvironmentImage{
			ProjectUUID:     build.ProjectUUID,
			EnvironmentUUID: build.EnvironmentUUID,
			Tag:             build.Tag,
		}
		if err := tx.CreateImage(ctx, image); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit build status")
	}

	metrics.RecordBuildFinished(string(status))
	c.recorder.Record(ctx, events.BuildEventType(status), buildPayload(build))
	return nil
}

// DeleteEnvironmentBuilds aborts anything active for key and deletes every
// build row.
func (c *Coordinator) DeleteEnvironmentBuilds(ctx context.Context, key store.BuildKey) error {
	active, err := c.store.ListActiveBuilds(ctx, key)
	if err != nil {
		return errors.Wrap(err, "failed to list active builds")
	}
	for _, build := range active {
		c.runner.Revoke(build.CorrelationID)
		c.runner.SignalAbort(build.CorrelationID)
	}
	return c.store.DeleteBuilds(ctx, key)
}

// DeleteProjectBuilds deletes every build row of a project.
func (c *Coordinator) DeleteProjectBuilds(ctx context.Context, projectUUID string) error {
	return c.store.DeleteProjectBuilds(ctx, projectUUID)
}

// CanGarbageCollect reports whether the image registry can be garbage
// collected: no build in flight and no image waiting to be pushed.
func (c *Coordinator) CanGarbageCollect(ctx context.Context) (bool, error) {
	activeBuilds, err := c.store.CountActiveBuilds(ctx)
	if err != nil {
		return false, err
	}
	if activeBuilds > 0 {
		return false, nil
	}

	pendingImages, err := c.store.CountImagesPendingPush(ctx)
	if err != nil {
		return false, err
	}
	return pendingImages == 0, nil
}

// ResolveImages maps environment UUIDs to fully qualified image references
// for a run. Every environment must have at least one successful build.
func (c *Coordinator) ResolveImages(ctx context.Context, projectUUID string, environmentUUIDs []string) (map[string]string, error) {
	images := make(map[string]string, len(environmentUUIDs))
	for _, envUUID := range environmentUUIDs {
		image, err := c.store.LatestImage(ctx, store.BuildKey{ProjectUUID: projectUUID, EnvironmentUUID: envUUID})
		if err != nil {
			if errors.IsNotFound(err) {
				return nil, &errors.ImageNotFoundError{ProjectUUID: projectUUID, EnvironmentUUID: envUUID}
			}
			return nil, err
		}
		images[envUUID] = c.ImageReference(image)
	}
	return images, nil
}

// ImageReference renders the registry reference of an image.
func (c *Coordinator) ImageReference(image *store.EnvironmentImage) string {
	return fmt.Sprintf("%s/stagehand-env-%s-%s:%d", c.registry, image.ProjectUUID, image.EnvironmentUUID, image.Tag)
}

func buildPayload(build *store.EnvironmentImageBuild) map[string]any {
	return map[string]any{
		"project_uuid":     build.ProjectUUID,
		"environment_uuid": build.EnvironmentUUID,
		"tag":              build.Tag,
		"correlation_id":   build.CorrelationID,
	}
}
