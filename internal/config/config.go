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
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete daemon configuration.
type Config struct {
	Daemon       DaemonConfig       `yaml:"daemon"`
	Log          LogConfig          `yaml:"log"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Registry     RegistryConfig     `yaml:"registry"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Sessions     SessionsConfig     `yaml:"sessions"`
}

// DaemonConfig configures the daemon process.
type DaemonConfig struct {
	// ListenAddr is the address the health and metrics endpoints bind to.
	// Default: 127.0.0.1:9733
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// DataDir is the directory for the state database.
	// Default: ~/.stagehand
	DataDir string `yaml:"data_dir,omitempty"`

	// ProjectsDir is the directory holding project pipeline definitions;
	// it is watched for changes.
	ProjectsDir string `yaml:"projects_dir,omitempty"`

	// MaxConcurrentTasks limits concurrent background tasks (runs, builds,
	// session launches). Default: 16
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks,omitempty"`

	// DrainTimeout is how long shutdown waits for active runs to finish
	// before forcing teardown. Default: 30s
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level,omitempty"`

	// Format is json or text. Default: json
	Format string `yaml:"format,omitempty"`
}

// OrchestratorConfig configures the container orchestrator backend.
type OrchestratorConfig struct {
	// Backend is "kubernetes" or "fake". Default: kubernetes
	Backend string `yaml:"backend,omitempty"`

	// Kubeconfig is the path to a kubeconfig file. Empty means in-cluster.
	Kubeconfig string `yaml:"kubeconfig,omitempty"`
}

// RegistryConfig configures the image registry builds push to.
type RegistryConfig struct {
	// Address is the registry host[:port] prefixed onto image references.
	Address string `yaml:"address,omitempty"`

	// BuilderImage is the image of the pod that performs environment image
	// builds. Default: stagehand/builder:latest
	BuilderImage string `yaml:"builder_image,omitempty"`
}

// SchedulerConfig configures run execution.
type SchedulerConfig struct {
	// Strategy is "containerset" or "dag". Default: containerset
	Strategy string `yaml:"strategy,omitempty"`

	// PollInterval paces status polling. Default: 250ms
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
}

// SessionsConfig configures the images of internal session services.
type SessionsConfig struct {
	MemoryServerImage  string `yaml:"memory_server_image,omitempty"`
	SidecarImage       string `yaml:"sidecar_image,omitempty"`
	KernelGatewayImage string `yaml:"kernel_gateway_image,omitempty"`
	IDEImage           string `yaml:"ide_image,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from path, applies environment overrides and
// defaults, and validates. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STAGEHAND_LISTEN_ADDR"); v != "" {
		c.Daemon.ListenAddr = v
	}
	if v := os.Getenv("STAGEHAND_DATA_DIR"); v != "" {
		c.Daemon.DataDir = v
	}
	if v := os.Getenv("STAGEHAND_PROJECTS_DIR"); v != "" {
		c.Daemon.ProjectsDir = v
	}
	if v := os.Getenv("STAGEHAND_REGISTRY"); v != "" {
		c.Registry.Address = v
	}
	if v := os.Getenv("KUBECONFIG"); v != "" && c.Orchestrator.Kubeconfig == "" {
		c.Orchestrator.Kubeconfig = v
	}
}

func (c *Config) applyDefaults() {
	if c.Daemon.ListenAddr == "" {
		c.Daemon.ListenAddr = "127.0.0.1:9733"
	}
	if c.Daemon.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Daemon.DataDir = home + "/.stagehand"
		} else {
			c.Daemon.DataDir = ".stagehand"
		}
	}
	if c.Daemon.MaxConcurrentTasks == 0 {
		c.Daemon.MaxConcurrentTasks = 16
	}
	if c.Daemon.DrainTimeout == 0 {
		c.Daemon.DrainTimeout = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Orchestrator.Backend == "" {
		c.Orchestrator.Backend = "kubernetes"
	}
	if c.Scheduler.Strategy == "" {
		c.Scheduler.Strategy = "containerset"
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = 250 * time.Millisecond
	}
	if c.Registry.BuilderImage == "" {
		c.Registry.BuilderImage = "stagehand/builder:latest"
	}
	if c.Sessions.MemoryServerImage == "" {
		c.Sessions.MemoryServerImage = "stagehand/memory-server:latest"
	}
	if c.Sessions.SidecarImage == "" {
		c.Sessions.SidecarImage = "stagehand/session-sidecar:latest"
	}
	if c.Sessions.KernelGatewayImage == "" {
		c.Sessions.KernelGatewayImage = "stagehand/kernel-gateway:latest"
	}
	if c.Sessions.IDEImage == "" {
		c.Sessions.IDEImage = "stagehand/ide:latest"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Orchestrator.Backend {
	case "kubernetes", "fake":
	default:
		return fmt.Errorf("%w: unknown orchestrator backend %q", ErrInvalidConfig, c.Orchestrator.Backend)
	}

	switch c.Scheduler.Strategy {
	case "containerset", "dag":
	default:
		return fmt.Errorf("%w: unknown scheduler strategy %q", ErrInvalidConfig, c.Scheduler.Strategy)
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}

	if c.Scheduler.PollInterval < 10*time.Millisecond {
		return fmt.Errorf("%w: poll_interval below 10ms", ErrInvalidConfig)
	}
	return nil
}
