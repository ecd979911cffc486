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

package pipeline

// SessionType distinguishes interactive sessions from the ephemeral
// noninteractive variant backing job-triggered runs.
type SessionType string

const (
	// SessionInteractive backs interactive editing: kernel gateway and IDE
	// services are deployed in addition to the internal services.
	SessionInteractive SessionType = "interactive"
	// SessionNoninteractive backs job-triggered runs; torn down after the run.
	SessionNoninteractive SessionType = "noninteractive"
)

// RunConfig is an immutable value describing how and where one execution
// happens. It is not persisted; it is built per run and passed through the
// scheduler.
type RunConfig struct {
	// Backend selects the compute backend strategy ("containerset" or "dag").
	Backend string

	// ProjectUUID scopes the run.
	ProjectUUID string

	// ProjectDir is the project directory path as seen inside containers.
	ProjectDir string

	// PipelinePath is the pipeline definition path relative to ProjectDir.
	PipelinePath string

	// HostProjectDir is the project directory path on the host, used for
	// bind mounts.
	HostProjectDir string

	// SessionUUID identifies the session whose data-passing services the
	// run's steps connect to.
	SessionUUID string

	// SessionType is the scope of the backing session.
	SessionType SessionType

	// EnvironmentImages maps environment UUID to the resolved
	// registry-relative image reference for this run. Resolved once at run
	// admission so in-flight builds cannot change the images mid-run.
	EnvironmentImages map[string]string

	// UserEnv are user-defined environment variables applied to every step.
	// System variables are appended after these and cannot be overridden.
	UserEnv map[string]string
}

// ImageFor returns the resolved image reference for an environment UUID.
func (c *RunConfig) ImageFor(environmentUUID string) (string, bool) {
	img, ok := c.EnvironmentImages[environmentUUID]
	return img, ok
}
