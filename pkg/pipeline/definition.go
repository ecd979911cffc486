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

// Package pipeline models a data pipeline as a directed acyclic graph of
// containerized steps and provides the pure graph derivations the run
// scheduler operates on: induced subgraphs and ancestor closures.
package pipeline

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tombee/stagehand/pkg/errors"
)

// Definition is the persisted shape of a pipeline. Pipelines are stored as a
// structured document and rebuilt into a Pipeline on every execution; steps
// are not long-lived domain objects.
type Definition struct {
	// UUID uniquely identifies the pipeline.
	UUID string `yaml:"uuid" json:"uuid"`

	// Name is the human-readable pipeline name.
	Name string `yaml:"name" json:"name"`

	// Steps maps step UUID to its definition.
	Steps map[string]StepDefinition `yaml:"steps" json:"steps"`

	// Parameters are free-form top-level pipeline parameters.
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	// Services are user-defined auxiliary services deployed alongside
	// sessions backing this pipeline.
	Services map[string]ServiceDefinition `yaml:"services,omitempty" json:"services,omitempty"`
}

// StepDefinition describes one node of the pipeline graph.
type StepDefinition struct {
	// UUID uniquely identifies the step within the pipeline.
	UUID string `yaml:"uuid" json:"uuid"`

	// Title is the display name of the step.
	Title string `yaml:"title,omitempty" json:"title,omitempty"`

	// FilePath is the notebook/script executed by the step, relative to the
	// pipeline directory.
	FilePath string `yaml:"file_path" json:"file_path"`

	// Environment is the UUID of the environment image the step runs in.
	Environment string `yaml:"environment" json:"environment"`

	// Parameters are opaque step parameters passed through to execution.
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	// IncomingConnections lists the UUIDs of steps this step depends on,
	// in declaration order.
	IncomingConnections []string `yaml:"incoming_connections" json:"incoming_connections"`
}

// ServiceDefinition describes a user-defined service attached to a session.
type ServiceDefinition struct {
	// Name identifies the service within the session.
	Name string `yaml:"name" json:"name"`

	// Image is either a plain container image reference or
	// "environment@<uuid>" to run the service in a project environment.
	Image string `yaml:"image" json:"image"`

	// Command overrides the image entrypoint.
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`

	// Args are appended to the command.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Scope restricts where the service is deployed: "interactive",
	// "noninteractive", or both.
	Scope []string `yaml:"scope,omitempty" json:"scope,omitempty"`

	// Ports lists container ports exposed by the service.
	Ports []int `yaml:"ports,omitempty" json:"ports,omitempty"`

	// Env are service environment variables. Values may contain the
	// $BASE_PATH_PREFIX placeholder, replaced with the service's computed
	// base path at deploy time.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// InheritEnv enables inheritance of project/pipeline environment
	// variables into the service.
	InheritEnv bool `yaml:"inherit_env,omitempty" json:"inherit_env,omitempty"`

	// Binds maps host paths to container mount paths.
	Binds map[string]string `yaml:"binds,omitempty" json:"binds,omitempty"`
}

// InScope reports whether the service should be deployed for the given
// session scope. A service with no declared scope applies to both.
func (s *ServiceDefinition) InScope(scope string) bool {
	if len(s.Scope) == 0 {
		return true
	}
	for _, sc := range s.Scope {
		if sc == scope {
			return true
		}
	}
	return false
}

// EnvironmentUUID returns the environment UUID when Image references a
// project environment, or "" for a plain image reference.
func (s *ServiceDefinition) EnvironmentUUID() string {
	const prefix = "environment@"
	if len(s.Image) > len(prefix) && s.Image[:len(prefix)] == prefix {
		return s.Image[len(prefix):]
	}
	return ""
}

// ParseDefinition parses a pipeline definition from YAML or JSON bytes.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &errors.MalformedDefinitionError{Reason: fmt.Sprintf("parse: %v", err)}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural consistency of the definition: step UUID keys
// must agree with embedded UUIDs and incoming connections must reference
// existing steps. Cycle detection happens in New, which builds the graph.
func (d *Definition) Validate() error {
	if d.UUID == "" {
		return &errors.MalformedDefinitionError{Reason: "missing pipeline uuid"}
	}
	for uuid, step := range d.Steps {
		if step.UUID != "" && step.UUID != uuid {
			return &errors.MalformedDefinitionError{
				PipelineUUID: d.UUID,
				Reason:       fmt.Sprintf("step key %s does not match step uuid %s", uuid, step.UUID),
			}
		}
		for _, conn := range step.IncomingConnections {
			if _, ok := d.Steps[conn]; !ok {
				return &errors.MalformedDefinitionError{
					PipelineUUID: d.UUID,
					Reason:       fmt.Sprintf("step %s references unknown step %s", uuid, conn),
				}
			}
		}
	}
	return nil
}
