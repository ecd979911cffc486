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
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	internallog "github.com/tombee/stagehand/internal/log"
	"github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
)

// definitionSuffix marks pipeline definition files inside a project tree.
const definitionSuffix = ".pipeline.yaml"

// PipelineEntry is one discovered pipeline definition.
type PipelineEntry struct {
	ProjectUUID  string
	PipelineUUID string

	// Path is the definition file path relative to the project directory.
	Path string

	Definition *pipeline.Definition
}

// Registry indexes pipeline definitions under the projects directory.
//
// The on-disk layout is <projectsDir>/<projectUUID>/**/<name>.pipeline.yaml;
// the top-level directory name is the project UUID. The registry is rebuilt
// per project whenever the watcher observes a change, so lookups always see
// the current file contents without callers re-reading disk.
type Registry struct {
	projectsDir string
	logger      *slog.Logger

	mu      sync.RWMutex
	entries map[string]map[string]*PipelineEntry // project -> pipeline -> entry
}

// NewRegistry creates a registry over projectsDir. Call Scan before first use.
func NewRegistry(projectsDir string, logger *slog.Logger) *Registry {
	return &Registry{
		projectsDir: projectsDir,
		logger:      internallog.WithComponent(logger, "registry"),
		entries:     make(map[string]map[string]*PipelineEntry),
	}
}

// Scan rebuilds the whole index from disk.
func (r *Registry) Scan() error {
	dirs, err := os.ReadDir(r.projectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read projects dir: %w", err)
	}

	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		if err := r.ScanProject(d.Name()); err != nil {
			r.logger.Warn("project scan failed",
				slog.String(internallog.ProjectUUIDKey, d.Name()),
				internallog.Error(err))
		}
	}
	return nil
}

// ScanProject rebuilds the index for a single project. A missing project
// directory clears its entries.
func (r *Registry) ScanProject(projectUUID string) error {
	root := filepath.Join(r.projectsDir, projectUUID)
	found := make(map[string]*PipelineEntry)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), definitionSuffix) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		def, err := pipeline.ParseDefinition(data)
		if err != nil {
			// A half-saved file must not poison the rest of the project.
			r.logger.Warn("skipping malformed pipeline definition",
				slog.String("path", path),
				internallog.Error(err))
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		found[def.UUID] = &PipelineEntry{
			ProjectUUID:  projectUUID,
			PipelineUUID: def.UUID,
			Path:         rel,
			Definition:   def,
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	r.mu.Lock()
	if len(found) == 0 {
		delete(r.entries, projectUUID)
	} else {
		r.entries[projectUUID] = found
	}
	r.mu.Unlock()
	return nil
}

// Get returns the entry for a pipeline within a project.
func (r *Registry) Get(projectUUID, pipelineUUID string) (*PipelineEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.entries[projectUUID][pipelineUUID]; ok {
		return entry, nil
	}
	return nil, &errors.NotFoundError{Resource: "pipeline", ID: projectUUID + "/" + pipelineUUID}
}

// List returns all entries for a project, sorted by pipeline UUID.
func (r *Registry) List(projectUUID string) []*PipelineEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*PipelineEntry, 0, len(r.entries[projectUUID]))
	for _, entry := range r.entries[projectUUID] {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PipelineUUID < out[j].PipelineUUID })
	return out
}

// Watcher keeps a Registry current by watching the projects directory tree.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher creates a watcher over the registry's projects directory and
// every project directory below it.
func NewWatcher(registry *Registry, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		registry: registry,
		watcher:  fsw,
		logger:   internallog.WithComponent(logger, "filewatcher"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if err := fsw.Add(registry.projectsDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch projects dir: %w", err)
	}
	if dirs, err := os.ReadDir(registry.projectsDir); err == nil {
		for _, d := range dirs {
			if d.IsDir() {
				w.addProjectWatch(filepath.Join(registry.projectsDir, d.Name()))
			}
		}
	}
	return w, nil
}

// Start begins processing filesystem events.
func (w *Watcher) Start(ctx context.Context) {
	go w.eventLoop(ctx)
	w.logger.Info("projects watcher started",
		slog.String("path", w.registry.projectsDir))
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watch error", internallog.Error(err))
		}
	}
}

// handleEvent rescans the project a filesystem event belongs to. Events on
// the projects directory itself signal project creation or removal.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Chmod != 0 && event.Op&^fsnotify.Chmod == 0 {
		return
	}

	rel, err := filepath.Rel(w.registry.projectsDir, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	projectUUID := strings.Split(filepath.ToSlash(rel), "/")[0]

	// New project directories need their own watch for nested events.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addProjectWatch(event.Name)
		}
	}

	if err := w.registry.ScanProject(projectUUID); err != nil {
		w.logger.Warn("project rescan failed",
			slog.String(internallog.ProjectUUIDKey, projectUUID),
			internallog.Error(err))
		return
	}
	w.logger.Debug("project rescanned",
		slog.String(internallog.ProjectUUIDKey, projectUUID))
}

// addProjectWatch watches a project directory and its subdirectories.
func (w *Watcher) addProjectWatch(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				w.logger.Warn("failed to watch directory",
					slog.String("path", path),
					internallog.Error(err))
			}
		}
		return nil
	})
}
