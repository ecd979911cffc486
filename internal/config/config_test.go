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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if cfg.Daemon.ListenAddr != "127.0.0.1:9733" {
		t.Errorf("unexpected listen addr %q", cfg.Daemon.ListenAddr)
	}
	if cfg.Scheduler.PollInterval != 250*time.Millisecond {
		t.Errorf("unexpected poll interval %v", cfg.Scheduler.PollInterval)
	}
	if cfg.Orchestrator.Backend != "kubernetes" {
		t.Errorf("unexpected backend %q", cfg.Orchestrator.Backend)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
daemon:
  listen_addr: 0.0.0.0:9000
  max_concurrent_tasks: 4
orchestrator:
  backend: fake
scheduler:
  strategy: dag
registry:
  address: registry.local:5000
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if cfg.Daemon.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("unexpected listen addr %q", cfg.Daemon.ListenAddr)
	}
	if cfg.Daemon.MaxConcurrentTasks != 4 {
		t.Errorf("unexpected task limit %d", cfg.Daemon.MaxConcurrentTasks)
	}
	if cfg.Orchestrator.Backend != "fake" {
		t.Errorf("unexpected backend %q", cfg.Orchestrator.Backend)
	}
	if cfg.Scheduler.Strategy != "dag" {
		t.Errorf("unexpected strategy %q", cfg.Scheduler.Strategy)
	}
	if cfg.Registry.Address != "registry.local:5000" {
		t.Errorf("unexpected registry %q", cfg.Registry.Address)
	}
	// Defaults still fill the gaps.
	if cfg.Daemon.DrainTimeout != 30*time.Second {
		t.Errorf("unexpected drain timeout %v", cfg.Daemon.DrainTimeout)
	}
}

func TestLoadInvalidBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("orchestrator:\n  backend: nomad\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STAGEHAND_LISTEN_ADDR", "127.0.0.1:7000")
	t.Setenv("STAGEHAND_REGISTRY", "env-registry:5000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if cfg.Daemon.ListenAddr != "127.0.0.1:7000" {
		t.Errorf("env override ignored, got %q", cfg.Daemon.ListenAddr)
	}
	if cfg.Registry.Address != "env-registry:5000" {
		t.Errorf("env override ignored, got %q", cfg.Registry.Address)
	}
}
