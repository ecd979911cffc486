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

package scheduler

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tombee/stagehand/internal/orchestrator"
	"github.com/tombee/stagehand/internal/store"
	"github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
)

// BackendExecutor is one strategy for mapping pipeline steps onto
// orchestrator batches and reading their status back. Backend quirks live
// inside the strategy so the scheduler's poll loop stays generic.
type BackendExecutor interface {
	// Strategy names the orchestrator strategy batches are submitted with.
	Strategy() orchestrator.Strategy

	// Interpret maps one observed step status to a stored status.
	// parentsSucceeded reports whether every parent of the step has
	// already reached SUCCESS.
	Interpret(observed orchestrator.StepStatus, parentsSucceeded bool) store.Status
}

// ContainerSetExecutor runs all steps as containers of one shared pod.
type ContainerSetExecutor struct{}

func (ContainerSetExecutor) Strategy() orchestrator.Strategy {
	return orchestrator.StrategyContainerSet
}

// Interpret gates Running on the step's parents having succeeded. In a
// shared pod every container starts at once, so a Running container whose
// parents are still working is not executing its step yet.
func (ContainerSetExecutor) Interpret(observed orchestrator.StepStatus, parentsSucceeded bool) store.Status {
	switch observed.Phase {
	case orchestrator.PhaseSucceeded:
		return store.StatusSuccess
	case orchestrator.PhaseFailed:
		return store.StatusFailure
	case orchestrator.PhaseRunning:
		if parentsSucceeded {
			return store.StatusStarted
		}
		return store.StatusPending
	default:
		return store.StatusPending
	}
}

// DAGExecutor runs each step as its own pod; the orchestrator only starts
// a pod once its parents' pods have succeeded, so phases can be taken at
// face value.
type DAGExecutor struct{}

func (DAGExecutor) Strategy() orchestrator.Strategy {
	return orchestrator.StrategyDAG
}

func (DAGExecutor) Interpret(observed orchestrator.StepStatus, parentsSucceeded bool) store.Status {
	switch observed.Phase {
	case orchestrator.PhaseSucceeded:
		return store.StatusSuccess
	case orchestrator.PhaseFailed:
		return store.StatusFailure
	case orchestrator.PhaseRunning:
		return store.StatusStarted
	default:
		return store.StatusPending
	}
}

// System environment variable names injected into every step container.
const (
	envProjectUUID  = "STAGEHAND_PROJECT_UUID"
	envPipelineUUID = "STAGEHAND_PIPELINE_UUID"
	envPipelinePath = "STAGEHAND_PIPELINE_PATH"
	envProjectDir   = "STAGEHAND_PROJECT_DIR"
	envRunUUID      = "STAGEHAND_RUN_UUID"
	envSessionUUID  = "STAGEHAND_SESSION_UUID"
	envStepUUID     = "STAGEHAND_STEP_UUID"
	envStepParams   = "STAGEHAND_STEP_PARAMETERS"
)

// buildStepEnv assembles a step's environment: user variables first in
// sorted order, system variables appended afterwards so they cannot be
// overridden.
func buildStepEnv(runUUID string, p *pipeline.Pipeline, cfg *pipeline.RunConfig, step pipeline.Step) ([]orchestrator.EnvVar, error) {
	names := make([]string, 0, len(cfg.UserEnv))
	for name := range cfg.UserEnv {
		names = append(names, name)
	}
	sort.Strings(names)

	env := make([]orchestrator.EnvVar, 0, len(names)+8)
	for _, name := range names {
		env = append(env, orchestrator.EnvVar{Name: name, Value: cfg.UserEnv[name]})
	}

	params, err := json.Marshal(step.Parameters)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal parameters of step %s", step.UUID)
	}

	env = append(env,
		orchestrator.EnvVar{Name: envProjectUUID, Value: cfg.ProjectUUID},
		orchestrator.EnvVar{Name: envPipelineUUID, Value: p.UUID},
		orchestrator.EnvVar{Name: envPipelinePath, Value: cfg.PipelinePath},
		orchestrator.EnvVar{Name: envProjectDir, Value: cfg.ProjectDir},
		orchestrator.EnvVar{Name: envRunUUID, Value: runUUID},
		orchestrator.EnvVar{Name: envSessionUUID, Value: cfg.SessionUUID},
		orchestrator.EnvVar{Name: envStepUUID, Value: step.UUID},
		orchestrator.EnvVar{Name: envStepParams, Value: string(params)},
	)
	return env, nil
}

// buildBatchSpec translates a pipeline into a batch. Every step's
// environment must have a resolved image.
func buildBatchSpec(runUUID string, p *pipeline.Pipeline, cfg *pipeline.RunConfig, strategy orchestrator.Strategy) (orchestrator.BatchSpec, error) {
	spec := orchestrator.BatchSpec{
		Name:      "run-" + runUUID,
		Namespace: orchestrator.NamespaceFor(cfg.ProjectUUID, p.UUID),
		Strategy:  strategy,
		Labels: map[string]string{
			"stagehand.sh/run":     runUUID,
			"stagehand.sh/project": cfg.ProjectUUID,
		},
		Steps: make([]orchestrator.StepSpec, 0, p.Len()),
	}

	for _, step := range p.Steps() {
		image, ok := cfg.ImageFor(step.EnvironmentUUID)
		if !ok {
			return orchestrator.BatchSpec{}, &errors.ImageNotFoundError{
				ProjectUUID:     cfg.ProjectUUID,
				EnvironmentUUID: step.EnvironmentUUID,
			}
		}

		env, err := buildStepEnv(runUUID, p, cfg, step)
		if err != nil {
			return orchestrator.BatchSpec{}, err
		}

		spec.Steps = append(spec.Steps, orchestrator.StepSpec{
			UUID:       step.UUID,
			Image:      image,
			WorkingDir: cfg.ProjectDir,
			Args:       []string{step.FilePath},
			Env:        env,
			DependsOn:  p.Parents(step.UUID),
		})
	}
	return spec, nil
}

// isImagePullError detects steps that never started because their image
// could not be pulled. Orchestrators report this as a message on a
// non-terminal phase, so it is matched by substring regardless of phase.
func isImagePullError(message string) bool {
	return strings.Contains(message, "ErrImagePull") ||
		strings.Contains(message, "ImagePullBackOff") ||
		strings.Contains(message, "InvalidImageName")
}
