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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/stagehand/pkg/errors"
)

const minimalDefinition = `
uuid: pipe-1
name: minimal
steps:
  a:
    uuid: a
    file_path: a.ipynb
    environment: env-1
    incoming_connections: []
`

func writeDefinitionFile(t *testing.T, projectsDir, projectUUID, name, content string) string {
	t.Helper()
	dir := filepath.Join(projectsDir, projectUUID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name+definitionSuffix)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRegistryScan(t *testing.T) {
	projectsDir := t.TempDir()
	writeDefinitionFile(t, projectsDir, "proj-1", "main", minimalDefinition)

	r := NewRegistry(projectsDir, slog.Default())
	require.NoError(t, r.Scan())

	entry, err := r.Get("proj-1", "pipe-1")
	require.NoError(t, err)
	require.Equal(t, "main"+definitionSuffix, entry.Path)
	require.Equal(t, "minimal", entry.Definition.Name)
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry(t.TempDir(), slog.Default())
	require.NoError(t, r.Scan())

	_, err := r.Get("proj-1", "pipe-1")
	var notFound *errors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRegistrySkipsMalformedDefinition(t *testing.T) {
	projectsDir := t.TempDir()
	writeDefinitionFile(t, projectsDir, "proj-1", "good", minimalDefinition)
	writeDefinitionFile(t, projectsDir, "proj-1", "bad", "uuid: [")

	r := NewRegistry(projectsDir, slog.Default())
	require.NoError(t, r.Scan())

	require.Len(t, r.List("proj-1"), 1)
}

func TestRegistryRescanDropsDeleted(t *testing.T) {
	projectsDir := t.TempDir()
	path := writeDefinitionFile(t, projectsDir, "proj-1", "main", minimalDefinition)

	r := NewRegistry(projectsDir, slog.Default())
	require.NoError(t, r.Scan())
	require.Len(t, r.List("proj-1"), 1)

	require.NoError(t, os.Remove(path))
	require.NoError(t, r.ScanProject("proj-1"))
	require.Empty(t, r.List("proj-1"))
}

func TestWatcherPicksUpNewDefinitions(t *testing.T) {
	projectsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(projectsDir, "proj-1"), 0o755))

	r := NewRegistry(projectsDir, slog.Default())
	require.NoError(t, r.Scan())

	w, err := NewWatcher(r, slog.Default())
	require.NoError(t, err)
	w.Start(context.Background())
	defer w.Stop()

	writeDefinitionFile(t, projectsDir, "proj-1", "main", minimalDefinition)

	require.Eventually(t, func() bool {
		_, err := r.Get("proj-1", "pipe-1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatcherPicksUpNewProjects(t *testing.T) {
	projectsDir := t.TempDir()

	r := NewRegistry(projectsDir, slog.Default())
	require.NoError(t, r.Scan())

	w, err := NewWatcher(r, slog.Default())
	require.NoError(t, err)
	w.Start(context.Background())
	defer w.Stop()

	// Project directory created after the watcher started.
	writeDefinitionFile(t, projectsDir, "proj-2", "main", minimalDefinition)

	require.Eventually(t, func() bool {
		_, err := r.Get("proj-2", "pipe-1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}
