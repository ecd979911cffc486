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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/stagehand/internal/store"
	"github.com/tombee/stagehand/pkg/errors"
)

// createTestStore creates a SQLite store for testing in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := New(Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func newTestRun(uuid string) (*store.PipelineRun, []store.StepRun) {
	run := &store.PipelineRun{
		UUID:         uuid,
		ProjectUUID:  "proj-1",
		PipelineUUID: "pipe-1",
		Kind:         store.RunKindInteractive,
		Status:       store.StatusPending,
		Env:          map[string]string{"A": "1"},
	}
	steps := []store.StepRun{
		{RunUUID: uuid, StepUUID: "step-a", Status: store.StatusPending},
		{RunUUID: uuid, StepUUID: "step-b", Status: store.StatusPending},
	}
	return run, steps
}

func TestSQLiteStore_CreateRun(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	run, steps := newTestRun("run-1")
	if err := s.CreateRun(ctx, run, steps); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	retrieved, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.Status != store.StatusPending {
		t.Errorf("expected status PENDING, got %s", retrieved.Status)
	}
	if retrieved.Env["A"] != "1" {
		t.Errorf("expected env to contain A=1, got %v", retrieved.Env)
	}

	stepRows, err := s.ListStepRuns(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list step runs: %v", err)
	}
	if len(stepRows) != 2 {
		t.Fatalf("expected 2 step rows, got %d", len(stepRows))
	}
}

func TestSQLiteStore_GetRunNotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	if !errors.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestSQLiteStore_UpdateRunStatusTerminalIsSticky(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	run, steps := newTestRun("run-2")
	if err := s.CreateRun(ctx, run, steps); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	now := time.Now()
	ok, err := s.UpdateRunStatus(ctx, "run-2", store.StatusAborted, now)
	if err != nil {
		t.Fatalf("failed to abort run: %v", err)
	}
	if !ok {
		t.Fatal("expected abort transition to apply")
	}

	// A delayed success callback must not overwrite the aborted state.
	ok, err = s.UpdateRunStatus(ctx, "run-2", store.StatusSuccess, now.Add(time.Second))
	if err != nil {
		t.Fatalf("update after abort returned error: %v", err)
	}
	if ok {
		t.Fatal("expected update of terminal run to be a no-op")
	}

	retrieved, err := s.GetRun(ctx, "run-2")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.Status != store.StatusAborted {
		t.Errorf("expected status ABORTED, got %s", retrieved.Status)
	}
}

func TestSQLiteStore_UpdateRunStatusSetsTimestamps(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	run, steps := newTestRun("run-3")
	if err := s.CreateRun(ctx, run, steps); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	startAt := time.Now().Truncate(time.Second)
	if _, err := s.UpdateRunStatus(ctx, "run-3", store.StatusStarted, startAt); err != nil {
		t.Fatalf("failed to start run: %v", err)
	}
	finishAt := startAt.Add(10 * time.Second)
	if _, err := s.UpdateRunStatus(ctx, "run-3", store.StatusSuccess, finishAt); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	retrieved, err := s.GetRun(ctx, "run-3")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.StartedAt == nil || !retrieved.StartedAt.Equal(startAt) {
		t.Errorf("expected started_at %v, got %v", startAt, retrieved.StartedAt)
	}
	if retrieved.FinishedAt == nil || !retrieved.FinishedAt.Equal(finishAt) {
		t.Errorf("expected finished_at %v, got %v", finishAt, retrieved.FinishedAt)
	}
}

func TestSQLiteStore_UpdateStepStatusTerminalIsSticky(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	run, steps := newTestRun("run-4")
	if err := s.CreateRun(ctx, run, steps); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	now := time.Now()
	ok, err := s.UpdateStepStatus(ctx, "run-4", "step-a", store.StatusFailure, now)
	if err != nil || !ok {
		t.Fatalf("expected failure transition to apply, ok=%v err=%v", ok, err)
	}

	ok, err = s.UpdateStepStatus(ctx, "run-4", "step-a", store.StatusStarted, now)
	if err != nil {
		t.Fatalf("update after failure returned error: %v", err)
	}
	if ok {
		t.Fatal("expected update of terminal step to be a no-op")
	}
}

func TestSQLiteStore_ListRunsFilter(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, uuid := range []string{"run-a", "run-b"} {
		run, steps := newTestRun(uuid)
		if err := s.CreateRun(ctx, run, steps); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}
	jobRun := &store.PipelineRun{
		UUID:         "run-c",
		ProjectUUID:  "proj-2",
		PipelineUUID: "pipe-1",
		Kind:         store.RunKindJob,
		Status:       store.StatusPending,
		JobUUID:      "job-1",
	}
	if err := s.CreateRun(ctx, jobRun, nil); err != nil {
		t.Fatalf("failed to create job run: %v", err)
	}

	runs, err := s.ListRuns(ctx, store.RunFilter{ProjectUUID: "proj-1"})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("expected 2 runs for proj-1, got %d", len(runs))
	}

	runs, err = s.ListRuns(ctx, store.RunFilter{JobUUID: "job-1"})
	if err != nil {
		t.Fatalf("failed to list job runs: %v", err)
	}
	if len(runs) != 1 || runs[0].UUID != "run-c" {
		t.Errorf("expected run-c for job-1, got %v", runs)
	}
}

func TestSQLiteStore_DeleteRunCascadesSteps(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	run, steps := newTestRun("run-5")
	if err := s.CreateRun(ctx, run, steps); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if err := s.DeleteRun(ctx, "run-5"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	stepRows, err := s.ListStepRuns(ctx, "run-5")
	if err != nil {
		t.Fatalf("failed to list step runs: %v", err)
	}
	if len(stepRows) != 0 {
		t.Errorf("expected step rows to cascade, got %d", len(stepRows))
	}
}

func TestSQLiteStore_NextBuildTag(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := store.BuildKey{ProjectUUID: "proj-1", EnvironmentUUID: "env-1"}

	tag, err := s.NextBuildTag(ctx, key)
	if err != nil {
		t.Fatalf("failed to allocate tag: %v", err)
	}
	if tag != 1 {
		t.Errorf("expected first tag 1, got %d", tag)
	}

	build := &store.EnvironmentImageBuild{
		ProjectUUID:     key.ProjectUUID,
		EnvironmentUUID: key.EnvironmentUUID,
		Tag:             tag,
		CorrelationID:   "corr-1",
		Status:          store.StatusPending,
	}
	if err := s.CreateBuild(ctx, build); err != nil {
		t.Fatalf("failed to create build: %v", err)
	}

	tag, err = s.NextBuildTag(ctx, key)
	if err != nil {
		t.Fatalf("failed to allocate second tag: %v", err)
	}
	if tag != 2 {
		t.Errorf("expected second tag 2, got %d", tag)
	}

	// Tags are scoped per (project, environment).
	other := store.BuildKey{ProjectUUID: "proj-1", EnvironmentUUID: "env-2"}
	tag, err = s.NextBuildTag(ctx, other)
	if err != nil {
		t.Fatalf("failed to allocate tag for other env: %v", err)
	}
	if tag != 1 {
		t.Errorf("expected other environment to start at 1, got %d", tag)
	}
}

func TestSQLiteStore_BuildStatusByCorrelationID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := store.BuildKey{ProjectUUID: "proj-1", EnvironmentUUID: "env-1"}

	build := &store.EnvironmentImageBuild{
		ProjectUUID:     key.ProjectUUID,
		EnvironmentUUID: key.EnvironmentUUID,
		Tag:             1,
		CorrelationID:   "corr-abc",
		Status:          store.StatusPending,
	}
	if err := s.CreateBuild(ctx, build); err != nil {
		t.Fatalf("failed to create build: %v", err)
	}

	now := time.Now()
	ok, err := s.UpdateBuildStatus(ctx, "corr-abc", store.StatusAborted, now)
	if err != nil || !ok {
		t.Fatalf("expected abort to apply, ok=%v err=%v", ok, err)
	}

	// Late completion report from the build task is dropped.
	ok, err = s.UpdateBuildStatus(ctx, "corr-abc", store.StatusSuccess, now)
	if err != nil {
		t.Fatalf("update after abort returned error: %v", err)
	}
	if ok {
		t.Fatal("expected update of aborted build to be a no-op")
	}

	retrieved, err := s.GetBuild(ctx, key, 1)
	if err != nil {
		t.Fatalf("failed to get build: %v", err)
	}
	if retrieved.Status != store.StatusAborted {
		t.Errorf("expected status ABORTED, got %s", retrieved.Status)
	}
}

func TestSQLiteStore_ListActiveBuilds(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := store.BuildKey{ProjectUUID: "proj-1", EnvironmentUUID: "env-1"}

	statuses := []store.Status{store.StatusSuccess, store.StatusPending, store.StatusStarted}
	for i, status := range statuses {
		build := &store.EnvironmentImageBuild{
			ProjectUUID:     key.ProjectUUID,
			EnvironmentUUID: key.EnvironmentUUID,
			Tag:             i + 1,
			CorrelationID:   "corr-" + string(rune('a'+i)),
			Status:          status,
		}
		if err := s.CreateBuild(ctx, build); err != nil {
			t.Fatalf("failed to create build: %v", err)
		}
	}

	active, err := s.ListActiveBuilds(ctx, key)
	if err != nil {
		t.Fatalf("failed to list active builds: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active builds, got %d", len(active))
	}
	if active[0].Tag != 2 || active[1].Tag != 3 {
		t.Errorf("expected tags 2 and 3, got %d and %d", active[0].Tag, active[1].Tag)
	}
}

func TestSQLiteStore_Images(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := store.BuildKey{ProjectUUID: "proj-1", EnvironmentUUID: "env-1"}

	for tag := 1; tag <= 3; tag++ {
		image := &store.EnvironmentImage{
			ProjectUUID:     key.ProjectUUID,
			EnvironmentUUID: key.EnvironmentUUID,
			Tag:             tag,
		}
		if err := s.CreateImage(ctx, image); err != nil {
			t.Fatalf("failed to create image: %v", err)
		}
	}

	latest, err := s.LatestImage(ctx, key)
	if err != nil {
		t.Fatalf("failed to get latest image: %v", err)
	}
	if latest.Tag != 3 {
		t.Errorf("expected latest tag 3, got %d", latest.Tag)
	}

	pending, err := s.CountImagesPendingPush(ctx)
	if err != nil {
		t.Fatalf("failed to count pending images: %v", err)
	}
	if pending != 3 {
		t.Errorf("expected 3 images pending push, got %d", pending)
	}

	if err := s.MarkImagePushed(ctx, key, 3); err != nil {
		t.Fatalf("failed to mark image pushed: %v", err)
	}
	pending, err = s.CountImagesPendingPush(ctx)
	if err != nil {
		t.Fatalf("failed to count pending images: %v", err)
	}
	if pending != 2 {
		t.Errorf("expected 2 images pending push, got %d", pending)
	}
}

func TestSQLiteStore_SessionUniqueness(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	session := &store.InteractiveSession{
		ProjectUUID:  "proj-1",
		PipelineUUID: "pipe-1",
		Status:       store.SessionLaunching,
	}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	dup := &store.InteractiveSession{
		ProjectUUID:  "proj-1",
		PipelineUUID: "pipe-1",
		Status:       store.SessionLaunching,
	}
	err := s.CreateSession(ctx, dup)
	if !errors.IsConflict(err) {
		t.Fatalf("expected conflict error, got %v", err)
	}

	// A different pipeline under the same project is fine.
	other := &store.InteractiveSession{
		ProjectUUID:  "proj-1",
		PipelineUUID: "pipe-2",
		Status:       store.SessionLaunching,
	}
	if err := s.CreateSession(ctx, other); err != nil {
		t.Fatalf("failed to create session for other pipeline: %v", err)
	}
}

func TestSQLiteStore_SessionLifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	identity := store.SessionIdentity{ProjectUUID: "proj-1", PipelineUUID: "pipe-1"}

	session := &store.InteractiveSession{
		ProjectUUID:  identity.ProjectUUID,
		PipelineUUID: identity.PipelineUUID,
		Status:       store.SessionLaunching,
	}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	if err := s.UpdateSessionRuntime(ctx, identity, map[string]string{"memory-server": "pod-1"}, map[string]string{"memory-server": "http://memory-server"}); err != nil {
		t.Fatalf("failed to update runtime: %v", err)
	}
	if _, err := s.UpdateSessionStatus(ctx, identity, store.SessionRunning); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	retrieved, err := s.GetSession(ctx, identity)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if retrieved.Status != store.SessionRunning {
		t.Errorf("expected status RUNNING, got %s", retrieved.Status)
	}
	if retrieved.ContainerIDs["memory-server"] != "pod-1" {
		t.Errorf("expected container id pod-1, got %v", retrieved.ContainerIDs)
	}

	// Delete is idempotent.
	if err := s.DeleteSession(ctx, identity); err != nil {
		t.Fatalf("failed to delete session: %v", err)
	}
	if err := s.DeleteSession(ctx, identity); err != nil {
		t.Fatalf("second delete returned error: %v", err)
	}

	_, err = s.GetSession(ctx, identity)
	if !errors.IsNotFound(err) {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
}

func TestSQLiteStore_Events(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.AppendEvent(ctx, "run:started", map[string]any{"run_uuid": "run-1"}); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	events, err := s.ListEvents(ctx, 2)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ID <= events[1].ID {
		t.Errorf("expected newest first, got ids %d then %d", events[0].ID, events[1].ID)
	}
	if events[0].Payload["run_uuid"] != "run-1" {
		t.Errorf("expected payload to round-trip, got %v", events[0].Payload)
	}
}

func TestSQLiteStore_TransactionRollback(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}

	run, steps := newTestRun("run-tx")
	if err := tx.CreateRun(ctx, run, steps); err != nil {
		t.Fatalf("failed to create run in tx: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("failed to rollback: %v", err)
	}

	_, err = s.GetRun(ctx, "run-tx")
	if !errors.IsNotFound(err) {
		t.Fatalf("expected rolled-back run to be absent, got %v", err)
	}
}

func TestSQLiteStore_TransactionCommit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}

	run, steps := newTestRun("run-tx2")
	if err := tx.CreateRun(ctx, run, steps); err != nil {
		t.Fatalf("failed to create run in tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	if _, err := s.GetRun(ctx, "run-tx2"); err != nil {
		t.Fatalf("expected committed run to be visible: %v", err)
	}
}
