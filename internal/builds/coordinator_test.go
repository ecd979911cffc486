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

package builds

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stagehand/internal/events"
	"github.com/tombee/stagehand/internal/log"
	"github.com/tombee/stagehand/internal/store"
	"github.com/tombee/stagehand/internal/store/sqlite"
	"github.com/tombee/stagehand/internal/taskrunner"
	"github.com/tombee/stagehand/internal/txn"
	"github.com/tombee/stagehand/pkg/errors"
)

// blockingDriver blocks until released, revoked, or abort-signalled.
type blockingDriver struct {
	release chan struct{}
}

func (d *blockingDriver) Build(ctx context.Context, token *taskrunner.Token, build *store.EnvironmentImageBuild) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return nil
	case <-d.release:
		return nil
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, store.Store, *blockingDriver) {
	t.Helper()

	s, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := log.New(log.DefaultConfig())
	driver := &blockingDriver{release: make(chan struct{})}
	coordinator := New(
		s,
		txn.New(s, logger),
		taskrunner.NewPool(context.Background(), 4, logger),
		events.NewRecorder(s, logger),
		driver,
		"registry.local",
		logger,
	)
	return coordinator, s, driver
}

func waitForBuildStatus(t *testing.T, s store.Store, key store.BuildKey, tag int, want store.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		build, err := s.GetBuild(context.Background(), key, tag)
		return err == nil && build.Status == want
	}, 5*time.Second, 10*time.Millisecond, "build %d never reached %s", tag, want)
}

func TestRequestBuildAllocatesIncreasingTags(t *testing.T) {
	coordinator, s, driver := newTestCoordinator(t)
	ctx := context.Background()
	key := store.BuildKey{ProjectUUID: "proj-1", EnvironmentUUID: "env-1"}

	first, err := coordinator.RequestBuild(ctx, key, "")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Tag)

	second, err := coordinator.RequestBuild(ctx, key, "")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Tag)

	third, err := coordinator.RequestBuild(ctx, key, "")
	require.NoError(t, err)
	assert.Equal(t, 3, third.Tag)

	// Each admission aborted its predecessor.
	active, err := s.ListActiveBuilds(ctx, key)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 3, active[0].Tag)

	close(driver.release)
}

func TestRequestBuildAbortsActiveBuild(t *testing.T) {
	coordinator, s, _ := newTestCoordinator(t)
	ctx := context.Background()
	key := store.BuildKey{ProjectUUID: "proj-1", EnvironmentUUID: "env-1"}

	first, err := coordinator.RequestBuild(ctx, key, "")
	require.NoError(t, err)
	waitForBuildStatus(t, s, key, first.Tag, store.StatusStarted)

	second, err := coordinator.RequestBuild(ctx, key, "")
	require.NoError(t, err)
	assert.Equal(t, first.Tag+1, second.Tag)

	// The first build is aborted and stays aborted even after its task's
	// late completion report.
	waitForBuildStatus(t, s, key, first.Tag, store.StatusAborted)
	time.Sleep(50 * time.Millisecond)
	build, err := s.GetBuild(ctx, key, first.Tag)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAborted, build.Status)

	// At most one build is active for the key.
	active, err := s.ListActiveBuilds(ctx, key)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.Tag, active[0].Tag)
}

func TestConcurrentRequestsKeepOneActiveBuild(t *testing.T) {
	coordinator, s, _ := newTestCoordinator(t)
	ctx := context.Background()
	key := store.BuildKey{ProjectUUID: "proj-1", EnvironmentUUID: "env-1"}

	const requests = 20
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coordinator.RequestBuild(ctx, key, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	active, err := s.ListActiveBuilds(ctx, key)
	require.NoError(t, err)
	assert.Len(t, active, 1, "every admission aborts the previous active build")

	// Tags were allocated without duplicates.
	seen := make(map[int]bool)
	for tag := 1; tag <= requests; tag++ {
		build, err := s.GetBuild(ctx, key, tag)
		require.NoError(t, err)
		require.False(t, seen[build.Tag])
		seen[build.Tag] = true
	}
}

func TestBuildSuccessCreatesImage(t *testing.T) {
	coordinator, s, driver := newTestCoordinator(t)
	ctx := context.Background()
	key := store.BuildKey{ProjectUUID: "proj-1", EnvironmentUUID: "env-1"}

	build, err := coordinator.RequestBuild(ctx, key, "")
	require.NoError(t, err)
	waitForBuildStatus(t, s, key, build.Tag, store.StatusStarted)

	close(driver.release)
	waitForBuildStatus(t, s, key, build.Tag, store.StatusSuccess)

	image, err := s.LatestImage(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, build.Tag, image.Tag)
	assert.False(t, image.PushedToRegistry)
}

func TestAbortBuild(t *testing.T) {
	coordinator, s, _ := newTestCoordinator(t)
	ctx := context.Background()
	key := store.BuildKey{ProjectUUID: "proj-1", EnvironmentUUID: "env-1"}

	build, err := coordinator.RequestBuild(ctx, key, "")
	require.NoError(t, err)
	waitForBuildStatus(t, s, key, build.Tag, store.StatusStarted)

	require.NoError(t, coordinator.AbortBuild(ctx, build))
	waitForBuildStatus(t, s, key, build.Tag, store.StatusAborted)

	// No image row for an aborted build.
	_, err = s.LatestImage(ctx, key)
	assert.True(t, errors.IsNotFound(err))
}

func TestCanGarbageCollect(t *testing.T) {
	coordinator, s, driver := newTestCoordinator(t)
	ctx := context.Background()
	key := store.BuildKey{ProjectUUID: "proj-1", EnvironmentUUID: "env-1"}

	ok, err := coordinator.CanGarbageCollect(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "empty store is collectable")

	build, err := coordinator.RequestBuild(ctx, key, "")
	require.NoError(t, err)

	ok, err = coordinator.CanGarbageCollect(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "active build blocks collection")

	close(driver.release)
	waitForBuildStatus(t, s, key, build.Tag, store.StatusSuccess)

	ok, err = coordinator.CanGarbageCollect(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "unpushed image blocks collection")

	require.NoError(t, s.MarkImagePushed(ctx, key, build.Tag))
	ok, err = coordinator.CanGarbageCollect(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResolveImages(t *testing.T) {
	coordinator, s, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, s.CreateImage(ctx, &store.EnvironmentImage{
		ProjectUUID:     "proj-1",
		EnvironmentUUID: "env-1",
		Tag:             4,
	}))

	images, err := coordinator.ResolveImages(ctx, "proj-1", []string{"env-1"})
	require.NoError(t, err)
	assert.Equal(t, "registry.local/stagehand-env-proj-1-env-1:4", images["env-1"])

	_, err = coordinator.ResolveImages(ctx, "proj-1", []string{"env-1", "env-2"})
	var notBuilt *errors.ImageNotFoundError
	require.True(t, errors.As(err, &notBuilt))
	assert.Equal(t, "env-2", notBuilt.EnvironmentUUID)
}

func TestDeleteEnvironmentBuilds(t *testing.T) {
	coordinator, s, _ := newTestCoordinator(t)
	ctx := context.Background()
	key := store.BuildKey{ProjectUUID: "proj-1", EnvironmentUUID: "env-1"}

	build, err := coordinator.RequestBuild(ctx, key, "")
	require.NoError(t, err)
	waitForBuildStatus(t, s, key, build.Tag, store.StatusStarted)

	require.NoError(t, coordinator.DeleteEnvironmentBuilds(ctx, key))

	_, err = s.GetBuild(ctx, key, build.Tag)
	assert.True(t, errors.IsNotFound(err))
}

func TestDeleteProjectBuilds(t *testing.T) {
	coordinator, s, driver := newTestCoordinator(t)
	ctx := context.Background()
	close(driver.release)

	first := store.BuildKey{ProjectUUID: "proj-1", EnvironmentUUID: "env-1"}
	second := store.BuildKey{ProjectUUID: "proj-1", EnvironmentUUID: "env-2"}
	other := store.BuildKey{ProjectUUID: "proj-2", EnvironmentUUID: "env-1"}
	for _, key := range []store.BuildKey{first, second, other} {
		_, err := coordinator.RequestBuild(ctx, key, "")
		require.NoError(t, err)
	}

	require.NoError(t, coordinator.DeleteProjectBuilds(ctx, "proj-1"))

	_, err := s.GetBuild(ctx, first, 1)
	assert.True(t, errors.IsNotFound(err))
	_, err = s.GetBuild(ctx, second, 1)
	assert.True(t, errors.IsNotFound(err))

	// The other project's build row is untouched.
	_, err = s.GetBuild(ctx, other, 1)
	require.NoError(t, err)
}
