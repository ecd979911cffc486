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

// Package scheduler drives pipeline runs against the orchestrator: it
// submits a run's batch, polls step phases, propagates failures to
// descendants, and always leaves the run in a terminal status.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tombee/stagehand/internal/events"
	"github.com/tombee/stagehand/internal/log"
	"github.com/tombee/stagehand/internal/metrics"
	"github.com/tombee/stagehand/internal/orchestrator"
	"github.com/tombee/stagehand/internal/store"
	"github.com/tombee/stagehand/internal/taskrunner"
	"github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
)

const (
	defaultPollInterval = 250 * time.Millisecond

	// maxConsecutivePollErrors is how many status polls may fail in a row
	// before the run is given up on.
	maxConsecutivePollErrors = 3
)

// Scheduler executes pipeline runs.
type Scheduler struct {
	store        store.Store
	orch         orchestrator.Orchestrator
	recorder     *events.Recorder
	executors    map[string]BackendExecutor
	pollInterval time.Duration
	tracer       trace.Tracer
	logger       *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval overrides the status poll pacing.
func WithPollInterval(interval time.Duration) Option {
	return func(s *Scheduler) { s.pollInterval = interval }
}

// WithTracer enables spans around run execution.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = tracer }
}

// New creates a scheduler.
func New(st store.Store, orch orchestrator.Orchestrator, recorder *events.Recorder, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		orch:     orch,
		recorder: recorder,
		executors: map[string]BackendExecutor{
			string(orchestrator.StrategyContainerSet): ContainerSetExecutor{},
			string(orchestrator.StrategyDAG):          DAGExecutor{},
		},
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run tracks one execution's in-memory view of step statuses.
type run struct {
	uuid     string
	pipeline *pipeline.Pipeline
	cfg      *pipeline.RunConfig
	kind     string
	states   map[string]store.Status
}

// Execute drives one run to a terminal status. The token is checked every
// poll iteration; signalling it aborts the run cooperatively. Execute only
// returns an error when the run could not be brought to a terminal state
// at all.
func (s *Scheduler) Execute(ctx context.Context, runUUID string, p *pipeline.Pipeline, cfg *pipeline.RunConfig, token *taskrunner.Token) error {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "scheduler.Execute")
		defer span.End()
	}

	logger := log.WithRunContext(s.logger, runUUID, p.UUID)

	executor, ok := s.executors[cfg.Backend]
	if !ok {
		executor = ContainerSetExecutor{}
	}

	started := time.Now()
	applied, err := s.store.UpdateRunStatus(ctx, runUUID, store.StatusStarted, started)
	if err != nil {
		return errors.Wrap(err, "failed to mark run started")
	}
	if !applied {
		// Cancelled before it ever started.
		logger.Info("run already terminal, skipping execution")
		return nil
	}
	s.recorder.Record(ctx, events.RunStarted, runPayload(runUUID, p.UUID))

	r := &run{
		uuid:     runUUID,
		pipeline: p,
		cfg:      cfg,
		kind:     string(cfg.SessionType),
		states:   make(map[string]store.Status, p.Len()),
	}
	for _, step := range p.Steps() {
		r.states[step.UUID] = store.StatusPending
	}

	spec, err := buildBatchSpec(runUUID, p, cfg, executor.Strategy())
	if err != nil {
		logger.Error("failed to build batch", log.Error(err))
		s.abortRemaining(ctx, r)
		s.finish(ctx, r, store.StatusFailure, started)
		return err
	}

	if err := s.orch.CreateBatch(ctx, spec); err != nil {
		logger.Error("failed to submit batch", log.Error(err))
		s.abortRemaining(ctx, r)
		s.finish(ctx, r, store.StatusFailure, started)
		return err
	}

	// The batch is always cleaned up, whatever path the run ends on.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.orch.DeleteBatch(cleanupCtx, spec.Namespace, spec.Name); err != nil {
			logger.Warn("failed to delete batch", log.Error(err))
		}
	}()

	final, err := s.poll(ctx, r, executor, spec, token, logger)
	s.finish(ctx, r, final, started)
	return err
}

// poll watches the batch until every step is terminal or a failure ends
// the run early, and returns the run's final status.
func (s *Scheduler) poll(ctx context.Context, r *run, executor BackendExecutor, spec orchestrator.BatchSpec, token *taskrunner.Token, logger *slog.Logger) (store.Status, error) {
	limiter := rate.NewLimiter(rate.Every(s.pollInterval), 1)
	consecutiveErrors := 0

	for !s.allTerminal(r) {
		if token.Signalled() {
			logger.Info("run aborted")
			s.abortRemaining(ctx, r)
			return store.StatusAborted, nil
		}

		if err := limiter.Wait(ctx); err != nil {
			// Context cancelled; runs on a dying control plane are aborted.
			s.abortRemaining(context.WithoutCancel(ctx), r)
			return store.StatusAborted, nil
		}

		status, err := s.orch.BatchStatus(ctx, spec.Namespace, spec.Name)
		if err != nil {
			consecutiveErrors++
			metrics.RecordPollError()
			logger.Warn("status poll failed", "consecutive", consecutiveErrors, log.Error(err))
			if consecutiveErrors >= maxConsecutivePollErrors {
				s.abortRemaining(ctx, r)
				return store.StatusFailure, errors.Wrap(err, "giving up polling batch status")
			}
			continue
		}
		consecutiveErrors = 0

		s.advance(ctx, r, executor, status)

		// Fail fast: a single step failure ends the run. Everything not
		// yet terminal is aborted, independent branches included.
		if s.anyFailed(r) {
			logger.Info("step failed, aborting run")
			s.abortRemaining(ctx, r)
			return store.StatusFailure, nil
		}
	}

	if s.anyFailed(r) {
		return store.StatusFailure, nil
	}
	for _, state := range r.states {
		if state == store.StatusAborted {
			return store.StatusAborted, nil
		}
	}
	return store.StatusSuccess, nil
}

func (s *Scheduler) anyFailed(r *run) bool {
	for _, state := range r.states {
		if state == store.StatusFailure {
			return true
		}
	}
	return false
}

// advance applies one observed batch status to the run's step states.
func (s *Scheduler) advance(ctx context.Context, r *run, executor BackendExecutor, status *orchestrator.BatchStatus) {
	for _, step := range r.pipeline.Steps() {
		current := r.states[step.UUID]
		if current.Terminal() {
			continue
		}

		observed := status.Steps[step.UUID]

		var desired store.Status
		if isImagePullError(observed.Message) {
			desired = store.StatusFailure
		} else {
			desired = executor.Interpret(observed, s.parentsSucceeded(r, step.UUID))
		}

		if desired == current || desired == store.StatusPending {
			continue
		}

		s.transitionStep(ctx, r, step.UUID, desired)
		if desired == store.StatusFailure {
			s.abortDescendants(ctx, r, step.UUID)
		}
	}
}

func (s *Scheduler) parentsSucceeded(r *run, stepUUID string) bool {
	for _, parent := range r.pipeline.Parents(stepUUID) {
		if r.states[parent] != store.StatusSuccess {
			return false
		}
	}
	return true
}

// transitionStep applies one step transition to the store and local state.
func (s *Scheduler) transitionStep(ctx context.Context, r *run, stepUUID string, status store.Status) {
	applied, err := s.store.UpdateStepStatus(ctx, r.uuid, stepUUID, status, time.Now())
	if err != nil {
		metrics.RecordStoreError("UpdateStepStatus")
		s.logger.Error("failed to update step status", "step_uuid", stepUUID, log.Error(err))
		return
	}
	if !applied {
		return
	}
	r.states[stepUUID] = status
	s.recorder.Record(ctx, events.StepEventType(status), stepPayload(r.uuid, stepUUID))
}

// abortDescendants marks every non-terminal descendant of a failed step
// ABORTED so the run fails fast instead of waiting on work that can never
// become runnable.
func (s *Scheduler) abortDescendants(ctx context.Context, r *run, stepUUID string) {
	for descendant := range r.pipeline.Descendants(stepUUID) {
		if !r.states[descendant].Terminal() {
			s.transitionStep(ctx, r, descendant, store.StatusAborted)
		}
	}
}

// abortRemaining marks every non-terminal step ABORTED.
func (s *Scheduler) abortRemaining(ctx context.Context, r *run) {
	for uuid, state := range r.states {
		if !state.Terminal() {
			s.transitionStep(ctx, r, uuid, store.StatusAborted)
		}
	}
}

// finish records the run's terminal status. The guarded update makes this
// safe against a concurrent cancellation having won.
func (s *Scheduler) finish(ctx context.Context, r *run, status store.Status, started time.Time) {
	ctx = context.WithoutCancel(ctx)
	applied, err := s.store.UpdateRunStatus(ctx, r.uuid, status, time.Now())
	if err != nil {
		metrics.RecordStoreError("UpdateRunStatus")
		s.logger.Error("failed to record run status", log.RunUUIDKey, r.uuid, log.Error(err))
		return
	}
	if !applied {
		return
	}
	metrics.RecordRunFinished(r.kind, string(status), time.Since(started))
	s.recorder.Record(ctx, events.RunEventType(status), runPayload(r.uuid, r.pipeline.UUID))
}

func (s *Scheduler) allTerminal(r *run) bool {
	for _, state := range r.states {
		if !state.Terminal() {
			return false
		}
	}
	return true
}

func runPayload(runUUID, pipelineUUID string) map[string]any {
	return map[string]any{"run_uuid": runUUID, "pipeline_uuid": pipelineUUID}
}

func stepPayload(runUUID, stepUUID string) map[string]any {
	return map[string]any{"run_uuid": runUUID, "step_uuid": stepUUID}
}
