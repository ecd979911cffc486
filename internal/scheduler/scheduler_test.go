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
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stagehand/internal/events"
	"github.com/tombee/stagehand/internal/log"
	"github.com/tombee/stagehand/internal/orchestrator"
	"github.com/tombee/stagehand/internal/orchestrator/fake"
	"github.com/tombee/stagehand/internal/store"
	"github.com/tombee/stagehand/internal/store/sqlite"
	"github.com/tombee/stagehand/internal/taskrunner"
	"github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
)

func chainPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(&pipeline.Definition{
		UUID: "pipe-1",
		Name: "chain",
		Steps: map[string]pipeline.StepDefinition{
			"a": {UUID: "a", FilePath: "a.py", Environment: "env-1", IncomingConnections: []string{}},
			"b": {UUID: "b", FilePath: "b.py", Environment: "env-1", IncomingConnections: []string{"a"}},
			"c": {UUID: "c", FilePath: "c.py", Environment: "env-1", IncomingConnections: []string{"b"}},
		},
	})
	require.NoError(t, err)
	return p
}

func testRunConfig(backend string) *pipeline.RunConfig {
	return &pipeline.RunConfig{
		Backend:           backend,
		ProjectUUID:       "proj-1",
		ProjectDir:        "/project",
		PipelinePath:      "pipeline.yaml",
		SessionUUID:       "sess-1",
		SessionType:       pipeline.SessionInteractive,
		EnvironmentImages: map[string]string{"env-1": "registry.local/env-1:1"},
		UserEnv:           map[string]string{"MY_VAR": "x"},
	}
}

type testHarness struct {
	store     store.Store
	orch      *fake.Orchestrator
	scheduler *Scheduler
	namespace string
	batch     string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	s, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := log.New(log.DefaultConfig())
	orch := fake.New()
	return &testHarness{
		store:     s,
		orch:      orch,
		scheduler: New(s, orch, events.NewRecorder(s, logger), logger, WithPollInterval(2*time.Millisecond)),
		namespace: orchestrator.NamespaceFor("proj-1", "pipe-1"),
		batch:     "run-run-1",
	}
}

func (h *testHarness) createRun(t *testing.T, p *pipeline.Pipeline) {
	t.Helper()
	steps := make([]store.StepRun, 0, p.Len())
	for _, step := range p.Steps() {
		steps = append(steps, store.StepRun{RunUUID: "run-1", StepUUID: step.UUID, Status: store.StatusPending})
	}
	require.NoError(t, h.store.CreateRun(context.Background(), &store.PipelineRun{
		UUID:         "run-1",
		ProjectUUID:  "proj-1",
		PipelineUUID: p.UUID,
		Kind:         store.RunKindInteractive,
		Status:       store.StatusPending,
	}, steps))
}

func (h *testHarness) stepStatus(t *testing.T, stepUUID string) store.Status {
	t.Helper()
	steps, err := h.store.ListStepRuns(context.Background(), "run-1")
	require.NoError(t, err)
	for _, step := range steps {
		if step.StepUUID == stepUUID {
			return step.Status
		}
	}
	t.Fatalf("step %s not found", stepUUID)
	return ""
}

func (h *testHarness) waitForStep(t *testing.T, stepUUID string, want store.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.stepStatus(t, stepUUID) == want
	}, 5*time.Second, 5*time.Millisecond, "step %s never reached %s", stepUUID, want)
}

func (h *testHarness) execute(t *testing.T, p *pipeline.Pipeline, cfg *pipeline.RunConfig, token *taskrunner.Token) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- h.scheduler.Execute(context.Background(), "run-1", p, cfg, token)
	}()
	require.Eventually(t, func() bool {
		return h.orch.Batch(h.namespace, h.batch) != nil
	}, 5*time.Second, 5*time.Millisecond, "batch never submitted")
	return done
}

func TestExecuteChainSucceeds(t *testing.T) {
	h := newTestHarness(t)
	p := chainPipeline(t)
	h.createRun(t, p)

	done := h.execute(t, p, testRunConfig("dag"), taskrunner.NewToken())

	for _, uuid := range []string{"a", "b", "c"} {
		h.orch.SetStepPhase(h.namespace, h.batch, uuid, orchestrator.PhaseRunning, "")
		h.waitForStep(t, uuid, store.StatusStarted)
		h.orch.SetStepPhase(h.namespace, h.batch, uuid, orchestrator.PhaseSucceeded, "")
		h.waitForStep(t, uuid, store.StatusSuccess)
	}

	require.NoError(t, <-done)
	run, err := h.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, run.Status)
	assert.True(t, h.orch.BatchDeleted(h.namespace, h.batch), "batch cleaned up")
}

func TestExecuteFailureAbortsDescendants(t *testing.T) {
	h := newTestHarness(t)
	p := chainPipeline(t)
	h.createRun(t, p)

	done := h.execute(t, p, testRunConfig("dag"), taskrunner.NewToken())

	h.orch.SetStepPhase(h.namespace, h.batch, "a", orchestrator.PhaseSucceeded, "")
	h.waitForStep(t, "a", store.StatusSuccess)
	h.orch.SetStepPhase(h.namespace, h.batch, "b", orchestrator.PhaseFailed, "exit 1")

	require.NoError(t, <-done)

	run, err := h.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailure, run.Status)
	assert.Equal(t, store.StatusSuccess, h.stepStatus(t, "a"))
	assert.Equal(t, store.StatusFailure, h.stepStatus(t, "b"))
	assert.Equal(t, store.StatusAborted, h.stepStatus(t, "c"), "descendant of failed step is aborted")
	assert.True(t, h.orch.BatchDeleted(h.namespace, h.batch))
}

func TestExecuteFailureAbortsIndependentBranch(t *testing.T) {
	h := newTestHarness(t)
	p, err := pipeline.New(&pipeline.Definition{
		UUID: "pipe-1",
		Name: "fork",
		Steps: map[string]pipeline.StepDefinition{
			"a": {UUID: "a", FilePath: "a.py", Environment: "env-1", IncomingConnections: []string{}},
			"b": {UUID: "b", FilePath: "b.py", Environment: "env-1", IncomingConnections: []string{}},
		},
	})
	require.NoError(t, err)
	h.createRun(t, p)

	done := h.execute(t, p, testRunConfig("dag"), taskrunner.NewToken())

	h.orch.SetStepPhase(h.namespace, h.batch, "b", orchestrator.PhaseRunning, "")
	h.waitForStep(t, "b", store.StatusStarted)
	h.orch.SetStepPhase(h.namespace, h.batch, "a", orchestrator.PhaseFailed, "exit 1")

	require.NoError(t, <-done)

	run, err := h.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailure, run.Status)
	assert.Equal(t, store.StatusFailure, h.stepStatus(t, "a"))
	assert.Equal(t, store.StatusAborted, h.stepStatus(t, "b"), "unfinished independent branch is aborted")
}

func TestContainerSetGatesRunningOnParents(t *testing.T) {
	h := newTestHarness(t)
	p := chainPipeline(t)
	h.createRun(t, p)

	done := h.execute(t, p, testRunConfig("containerset"), taskrunner.NewToken())

	// In a shared pod all containers report Running at once; only the
	// entry step may be treated as started.
	for _, uuid := range []string{"a", "b", "c"} {
		h.orch.SetStepPhase(h.namespace, h.batch, uuid, orchestrator.PhaseRunning, "")
	}
	h.waitForStep(t, "a", store.StatusStarted)
	assert.Equal(t, store.StatusPending, h.stepStatus(t, "b"))
	assert.Equal(t, store.StatusPending, h.stepStatus(t, "c"))

	h.orch.SetStepPhase(h.namespace, h.batch, "a", orchestrator.PhaseSucceeded, "")
	h.waitForStep(t, "b", store.StatusStarted)
	assert.Equal(t, store.StatusPending, h.stepStatus(t, "c"))

	h.orch.SetStepPhase(h.namespace, h.batch, "b", orchestrator.PhaseSucceeded, "")
	h.waitForStep(t, "c", store.StatusStarted)
	h.orch.SetStepPhase(h.namespace, h.batch, "c", orchestrator.PhaseSucceeded, "")

	require.NoError(t, <-done)
	run, err := h.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, run.Status)
}

func TestImagePullErrorFailsStep(t *testing.T) {
	h := newTestHarness(t)
	p := chainPipeline(t)
	h.createRun(t, p)

	done := h.execute(t, p, testRunConfig("dag"), taskrunner.NewToken())

	h.orch.SetStepPhase(h.namespace, h.batch, "a", orchestrator.PhasePending, "ImagePullBackOff: Back-off pulling image")

	require.NoError(t, <-done)
	run, err := h.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailure, run.Status)
	assert.Equal(t, store.StatusFailure, h.stepStatus(t, "a"))
	assert.Equal(t, store.StatusAborted, h.stepStatus(t, "b"))
	assert.Equal(t, store.StatusAborted, h.stepStatus(t, "c"))
}

func TestTokenAbortsRun(t *testing.T) {
	h := newTestHarness(t)
	p := chainPipeline(t)
	h.createRun(t, p)

	token := taskrunner.NewToken()
	done := h.execute(t, p, testRunConfig("dag"), token)

	h.orch.SetStepPhase(h.namespace, h.batch, "a", orchestrator.PhaseRunning, "")
	h.waitForStep(t, "a", store.StatusStarted)
	token.Signal()

	require.NoError(t, <-done)
	run, err := h.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusAborted, run.Status)
	assert.Equal(t, store.StatusAborted, h.stepStatus(t, "a"))
	assert.Equal(t, store.StatusAborted, h.stepStatus(t, "c"))
	assert.True(t, h.orch.BatchDeleted(h.namespace, h.batch))
}

func TestConsecutivePollErrorsFailRun(t *testing.T) {
	h := newTestHarness(t)
	p := chainPipeline(t)
	h.createRun(t, p)

	h.orch.StatusErr = errors.New("connection refused")
	err := h.scheduler.Execute(context.Background(), "run-1", p, testRunConfig("dag"), taskrunner.NewToken())
	require.Error(t, err)

	run, getErr := h.store.GetRun(context.Background(), "run-1")
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusFailure, run.Status)
}

func TestExecuteSkipsCancelledRun(t *testing.T) {
	h := newTestHarness(t)
	p := chainPipeline(t)
	h.createRun(t, p)

	_, err := h.store.UpdateRunStatus(context.Background(), "run-1", store.StatusAborted, time.Now())
	require.NoError(t, err)

	require.NoError(t, h.scheduler.Execute(context.Background(), "run-1", p, testRunConfig("dag"), taskrunner.NewToken()))
	assert.Nil(t, h.orch.Batch(h.namespace, h.batch), "no batch submitted for a cancelled run")
}

func TestExecuteMissingImageFailsRun(t *testing.T) {
	h := newTestHarness(t)
	p := chainPipeline(t)
	h.createRun(t, p)

	cfg := testRunConfig("dag")
	cfg.EnvironmentImages = map[string]string{}

	err := h.scheduler.Execute(context.Background(), "run-1", p, cfg, taskrunner.NewToken())
	var notBuilt *errors.ImageNotFoundError
	require.True(t, errors.As(err, &notBuilt))

	run, getErr := h.store.GetRun(context.Background(), "run-1")
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusFailure, run.Status)
}

func TestBuildStepEnvOrdering(t *testing.T) {
	p := chainPipeline(t)
	cfg := testRunConfig("dag")
	cfg.UserEnv = map[string]string{
		"ZEBRA":               "z",
		"ALPHA":               "a",
		"STAGEHAND_STEP_UUID": "spoofed",
	}

	step, ok := p.Get("b")
	require.True(t, ok)
	env, err := buildStepEnv("run-1", p, cfg, step)
	require.NoError(t, err)

	// User variables come first, sorted; system variables are appended
	// afterwards so the spoofed value loses.
	assert.Equal(t, "ALPHA", env[0].Name)
	var last string
	for _, v := range env {
		if v.Name == "STAGEHAND_STEP_UUID" {
			last = v.Value
		}
	}
	assert.Equal(t, "b", last)

	idxUser, idxSystem := -1, -1
	for i, v := range env {
		if v.Name == "ZEBRA" {
			idxUser = i
		}
		if v.Name == "STAGEHAND_RUN_UUID" {
			idxSystem = i
		}
	}
	assert.Less(t, idxUser, idxSystem, "system variables follow user variables")
}
