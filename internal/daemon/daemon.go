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

// Package daemon wires the control plane together: storage, the build
// coordinator, the run scheduler, the session manager and the task runner
// behind one set of Go-level operations, plus the health and metrics
// endpoints.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/tombee/stagehand/internal/builds"
	"github.com/tombee/stagehand/internal/config"
	"github.com/tombee/stagehand/internal/events"
	internallog "github.com/tombee/stagehand/internal/log"
	"github.com/tombee/stagehand/internal/orchestrator"
	"github.com/tombee/stagehand/internal/orchestrator/fake"
	"github.com/tombee/stagehand/internal/orchestrator/kubernetes"
	"github.com/tombee/stagehand/internal/scheduler"
	"github.com/tombee/stagehand/internal/session"
	"github.com/tombee/stagehand/internal/store"
	"github.com/tombee/stagehand/internal/store/sqlite"
	"github.com/tombee/stagehand/internal/taskrunner"
	"github.com/tombee/stagehand/internal/txn"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon composes the control plane.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store     store.Store
	orch      orchestrator.Orchestrator
	pool      *taskrunner.Pool
	executor  *txn.Executor
	recorder  *events.Recorder
	builds    *builds.Coordinator
	scheduler *scheduler.Scheduler
	sessions  *session.Manager
	registry  *Registry
	watcher   *Watcher

	server *http.Server
	ln     net.Listener

	mu       sync.Mutex
	started  bool
	draining bool
}

// New creates a daemon from configuration.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(&internallog.Config{
		Level:  cfg.Log.Level,
		Format: internallog.Format(cfg.Log.Format),
		Output: os.Stderr,
	}), "daemon")

	if err := os.MkdirAll(cfg.Daemon.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	st, err := sqlite.New(sqlite.Config{
		Path: filepath.Join(cfg.Daemon.DataDir, "stagehand.db"),
		WAL:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	var orch orchestrator.Orchestrator
	switch cfg.Orchestrator.Backend {
	case "fake":
		orch = fake.New()
	default:
		orch, err = kubernetes.New(kubernetes.Config{Kubeconfig: cfg.Orchestrator.Kubeconfig})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to create kubernetes orchestrator: %w", err)
		}
	}

	pool := taskrunner.NewPool(context.Background(), cfg.Daemon.MaxConcurrentTasks, logger)
	executor := txn.New(st, logger)
	recorder := events.NewRecorder(st, logger)

	driver := NewPodBuildDriver(orch, cfg.Registry.BuilderImage, cfg.Registry.Address, logger)
	coordinator := builds.New(st, executor, pool, recorder, driver, cfg.Registry.Address, logger)

	sched := scheduler.New(st, orch, recorder, logger,
		scheduler.WithPollInterval(cfg.Scheduler.PollInterval),
		scheduler.WithTracer(otel.Tracer("stagehand/scheduler")))

	sessions := session.New(st, orch, executor, coordinator, recorder, session.InternalImages{
		MemoryServer:  cfg.Sessions.MemoryServerImage,
		Sidecar:       cfg.Sessions.SidecarImage,
		KernelGateway: cfg.Sessions.KernelGatewayImage,
		IDE:           cfg.Sessions.IDEImage,
	}, logger)

	return &Daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		store:     st,
		orch:      orch,
		pool:      pool,
		executor:  executor,
		recorder:  recorder,
		builds:    coordinator,
		scheduler: sched,
		sessions:  sessions,
		registry:  NewRegistry(cfg.Daemon.ProjectsDir, logger),
	}, nil
}

// Start starts the daemon and blocks until the context is cancelled or the
// HTTP server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if err := d.ScanProjects(); err != nil {
		return fmt.Errorf("failed to scan projects dir: %w", err)
	}
	if d.cfg.Daemon.ProjectsDir != "" {
		watcher, err := NewWatcher(d.registry, d.logger)
		if err != nil {
			d.logger.Warn("projects watcher unavailable, definitions load at startup only",
				internallog.Error(err))
		} else {
			d.watcher = watcher
			watcher.Start(ctx)
		}
	}

	ln, err := net.Listen("tcp", d.cfg.Daemon.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Daemon.ListenAddr, err)
	}
	d.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", d.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	d.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	d.logger.Info("stagehandd starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()),
		slog.String("backend", d.cfg.Orchestrator.Backend))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains the daemon: no new runs are admitted and active tasks get
// the drain timeout to finish before teardown proceeds regardless.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.draining = true
	d.mu.Unlock()

	d.logger.Info("graceful shutdown initiated",
		slog.Duration("drain_timeout", d.cfg.Daemon.DrainTimeout))

	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- d.pool.Wait() }()
	select {
	case <-waitCh:
		d.logger.Info("all tasks finished during drain")
	case <-time.After(d.cfg.Daemon.DrainTimeout):
		d.logger.Warn("drain timeout exceeded, shutting down with active tasks")
	case <-ctx.Done():
		d.logger.Warn("shutdown context cancelled during drain")
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Error("projects watcher shutdown error", internallog.Error(err))
		}
	}

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", internallog.Error(err))
		}
	}

	if err := d.store.Close(); err != nil {
		d.logger.Error("failed to close state store", internallog.Error(err))
	}

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
	d.logger.Info("daemon stopped")
	return nil
}

// ScanProjects loads pipeline definitions from the projects directory.
// Start does this automatically; in-process clients that never start the
// daemon call it before submitting work.
func (d *Daemon) ScanProjects() error {
	return d.registry.Scan()
}

// Close releases the daemon's resources without draining. For in-process
// clients that never started the daemon; a started daemon uses Shutdown.
func (d *Daemon) Close() error {
	return d.store.Close()
}

// handleHealth reports liveness plus build metadata.
func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": d.opts.Version,
		"commit":  d.opts.Commit,
	})
}
