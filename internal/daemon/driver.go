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
	"fmt"
	"log/slog"
	"time"

	internallog "github.com/tombee/stagehand/internal/log"
	"github.com/tombee/stagehand/internal/orchestrator"
	"github.com/tombee/stagehand/internal/store"
	"github.com/tombee/stagehand/internal/taskrunner"
	"github.com/tombee/stagehand/pkg/errors"
)

// buildNamespace is the shared namespace builder pods run in. Builds are
// isolated by pod, not by namespace, so aborting one project's build never
// tears down another's.
const buildNamespace = "stagehand-builds"

// buildPollInterval paces builder pod status polling. Builds run for
// minutes, so this is far coarser than the run scheduler's interval.
const buildPollInterval = time.Second

// PodBuildDriver performs environment image builds by running a builder pod
// through the orchestrator. The builder image receives the build context
// and destination reference via environment variables and pushes the result
// to the registry itself; the control plane only watches the pod.
type PodBuildDriver struct {
	orch         orchestrator.Orchestrator
	builderImage string
	registry     string
	logger       *slog.Logger
}

// NewPodBuildDriver creates a driver that builds with builderImage and
// pushes to registry.
func NewPodBuildDriver(orch orchestrator.Orchestrator, builderImage, registry string, logger *slog.Logger) *PodBuildDriver {
	return &PodBuildDriver{
		orch:         orch,
		builderImage: builderImage,
		registry:     registry,
		logger:       internallog.WithComponent(logger, "build-driver"),
	}
}

// Build runs the builder pod to completion. Signalling the token aborts the
// build by deleting the pod.
func (d *PodBuildDriver) Build(ctx context.Context, token *taskrunner.Token, build *store.EnvironmentImageBuild) error {
	if err := d.orch.CreateNamespace(ctx, buildNamespace, map[string]string{"stagehand.sh/role": "builds"}); err != nil && !errors.IsConflict(err) {
		return err
	}

	destination := fmt.Sprintf("%s/stagehand-env-%s-%s:%d",
		d.registry, build.ProjectUUID, build.EnvironmentUUID, build.Tag)
	spec := orchestrator.BatchSpec{
		Name:      "build-" + build.CorrelationID,
		Namespace: buildNamespace,
		Strategy:  orchestrator.StrategyDAG,
		Steps: []orchestrator.StepSpec{{
			UUID:  build.CorrelationID,
			Image: d.builderImage,
			Env: []orchestrator.EnvVar{
				{Name: "STAGEHAND_PROJECT_UUID", Value: build.ProjectUUID},
				{Name: "STAGEHAND_ENVIRONMENT_UUID", Value: build.EnvironmentUUID},
				{Name: "STAGEHAND_BUILD_CONTEXT", Value: build.SourcePath},
				{Name: "STAGEHAND_IMAGE_DESTINATION", Value: destination},
			},
		}},
		Labels: map[string]string{
			"stagehand.sh/project":     build.ProjectUUID,
			"stagehand.sh/environment": build.EnvironmentUUID,
		},
	}

	if err := d.orch.CreateBatch(ctx, spec); err != nil {
		return err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := d.orch.DeleteBatch(cleanupCtx, spec.Namespace, spec.Name); err != nil {
			d.logger.Warn("builder pod cleanup failed",
				slog.String("batch", spec.Name),
				internallog.Error(err))
		}
	}()

	ticker := time.NewTicker(buildPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-token.Done():
			return errors.New("build aborted")
		case <-ticker.C:
		}

		status, err := d.orch.BatchStatus(ctx, spec.Namespace, spec.Name)
		if err != nil {
			d.logger.Warn("builder pod status poll failed",
				slog.String("batch", spec.Name),
				internallog.Error(err))
			continue
		}

		observed := status.Steps[build.CorrelationID]
		switch observed.Phase {
		case orchestrator.PhaseSucceeded:
			return nil
		case orchestrator.PhaseFailed:
			if observed.Message != "" {
				return fmt.Errorf("builder pod failed: %s", observed.Message)
			}
			return errors.New("builder pod failed")
		}
	}
}
