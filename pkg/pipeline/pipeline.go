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

import (
	"fmt"
	"sort"

	"github.com/tombee/stagehand/pkg/errors"
)

// Step is one node in a Pipeline: one unit of containerized execution with
// declared dependencies. Steps are plain values; execution logic lives in the
// scheduler, not on the step.
type Step struct {
	UUID                string
	Title               string
	FilePath            string
	EnvironmentUUID     string
	Parameters          map[string]any
	IncomingConnections []string
}

// Pipeline is a DAG of steps. The step set is held in an arena with
// index-based parent/child adjacency recomputed deterministically from
// incoming connections at construction time; there is no cached derived
// state to invalidate.
type Pipeline struct {
	UUID       string
	Name       string
	Parameters map[string]any
	Services   map[string]ServiceDefinition

	steps    []Step
	index    map[string]int
	parents  [][]int
	children [][]int
}

// Run type selectors for Construct.
const (
	// RunTypeFull runs the whole pipeline.
	RunTypeFull = "full"
	// RunTypeSelection runs exactly the selected steps.
	RunTypeSelection = "selection"
	// RunTypeIncoming runs the ancestors of the selection, excluding the
	// selection itself.
	RunTypeIncoming = "incoming"
	// RunTypeIncomingInclusive runs the selection and all of its ancestors.
	RunTypeIncomingInclusive = "incoming-inclusive"
)

// New builds a Pipeline from a definition. It fails with a
// MalformedDefinitionError if an incoming connection references a
// non-existent step or if the dependency graph contains a cycle.
func New(def *Definition) (*Pipeline, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		UUID:       def.UUID,
		Name:       def.Name,
		Parameters: def.Parameters,
		Services:   def.Services,
	}

	// Deterministic arena order: sorted step UUIDs.
	uuids := make([]string, 0, len(def.Steps))
	for uuid := range def.Steps {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)

	p.index = make(map[string]int, len(uuids))
	p.steps = make([]Step, 0, len(uuids))
	for i, uuid := range uuids {
		sd := def.Steps[uuid]
		conns := make([]string, len(sd.IncomingConnections))
		copy(conns, sd.IncomingConnections)
		p.steps = append(p.steps, Step{
			UUID:                uuid,
			Title:               sd.Title,
			FilePath:            sd.FilePath,
			EnvironmentUUID:     sd.Environment,
			Parameters:          sd.Parameters,
			IncomingConnections: conns,
		})
		p.index[uuid] = i
	}

	p.rebuildAdjacency()

	if cycle := p.findCycle(); cycle != "" {
		return nil, &errors.MalformedDefinitionError{
			PipelineUUID: def.UUID,
			Reason:       fmt.Sprintf("dependency cycle through step %s", cycle),
		}
	}

	return p, nil
}

// rebuildAdjacency recomputes parent and child index lists from the current
// step set's incoming connections.
func (p *Pipeline) rebuildAdjacency() {
	p.parents = make([][]int, len(p.steps))
	p.children = make([][]int, len(p.steps))
	for i, step := range p.steps {
		for _, conn := range step.IncomingConnections {
			j, ok := p.index[conn]
			if !ok {
				continue
			}
			p.parents[i] = append(p.parents[i], j)
			p.children[j] = append(p.children[j], i)
		}
	}
}

// findCycle runs Kahn's algorithm over the adjacency and returns the UUID of
// a step on a cycle, or "" if the graph is acyclic.
func (p *Pipeline) findCycle() string {
	indegree := make([]int, len(p.steps))
	for i := range p.steps {
		indegree[i] = len(p.parents[i])
	}

	queue := make([]int, 0, len(p.steps))
	for i, deg := range indegree {
		if deg == 0 {
			queue = append(queue, i)
		}
	}

	visited := 0
	for len(queue) > 0 {
		i := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		visited++
		for _, c := range p.children[i] {
			indegree[c]--
			if indegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}

	if visited == len(p.steps) {
		return ""
	}
	for i, deg := range indegree {
		if deg > 0 {
			return p.steps[i].UUID
		}
	}
	return ""
}

// Len returns the number of steps.
func (p *Pipeline) Len() int {
	return len(p.steps)
}

// Steps returns the steps in arena order.
func (p *Pipeline) Steps() []Step {
	out := make([]Step, len(p.steps))
	copy(out, p.steps)
	return out
}

// Get returns the step with the given UUID.
func (p *Pipeline) Get(uuid string) (Step, bool) {
	i, ok := p.index[uuid]
	if !ok {
		return Step{}, false
	}
	return p.steps[i], true
}

// Parents returns the UUIDs of the steps uuid depends on.
func (p *Pipeline) Parents(uuid string) []string {
	i, ok := p.index[uuid]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(p.parents[i]))
	for _, j := range p.parents[i] {
		out = append(out, p.steps[j].UUID)
	}
	return out
}

// Children returns the UUIDs of the steps depending on uuid.
func (p *Pipeline) Children(uuid string) []string {
	i, ok := p.index[uuid]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(p.children[i]))
	for _, j := range p.children[i] {
		out = append(out, p.steps[j].UUID)
	}
	return out
}

// EntrySteps returns the UUIDs of all parent-less steps. This is the
// traversal entry point into the graph ("pipeline start"), computed on
// demand from the current step set.
func (p *Pipeline) EntrySteps() []string {
	var out []string
	for i, step := range p.steps {
		if len(p.parents[i]) == 0 {
			out = append(out, step.UUID)
		}
	}
	return out
}

// Descendants returns the set of strict descendants of uuid: every step
// reachable by repeatedly following child edges.
func (p *Pipeline) Descendants(uuid string) map[string]struct{} {
	out := make(map[string]struct{})
	start, ok := p.index[uuid]
	if !ok {
		return out
	}
	stack := append([]int(nil), p.children[start]...)
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := out[p.steps[i].UUID]; seen {
			continue
		}
		out[p.steps[i].UUID] = struct{}{}
		stack = append(stack, p.children[i]...)
	}
	return out
}

// InducedSubgraph returns a new Pipeline containing exactly the steps in
// selection. Edges touching a dropped step are dropped with it; incoming
// connections are rewritten so every surviving edge has both endpoints in
// the result.
func (p *Pipeline) InducedSubgraph(selection map[string]struct{}) *Pipeline {
	out := &Pipeline{
		UUID:       p.UUID,
		Name:       p.Name,
		Parameters: p.Parameters,
		Services:   p.Services,
	}
	out.index = make(map[string]int)
	for _, step := range p.steps {
		if _, keep := selection[step.UUID]; !keep {
			continue
		}
		kept := step
		kept.IncomingConnections = nil
		for _, conn := range step.IncomingConnections {
			if _, ok := selection[conn]; ok {
				kept.IncomingConnections = append(kept.IncomingConnections, conn)
			}
		}
		out.index[kept.UUID] = len(out.steps)
		out.steps = append(out.steps, kept)
	}
	out.rebuildAdjacency()
	return out
}

// Ancestors returns a new Pipeline containing the transitive closure of
// parents of selection, computed with a stack-based traversal. Visitation
// order is irrelevant; only membership matters. When inclusive is false the
// seed steps themselves are excluded from the result even though they seed
// the traversal.
func (p *Pipeline) Ancestors(selection map[string]struct{}, inclusive bool) *Pipeline {
	reached := make(map[string]struct{})
	stack := make([]int, 0, len(selection))
	for uuid := range selection {
		if i, ok := p.index[uuid]; ok {
			stack = append(stack, i)
		}
	}

	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, parent := range p.parents[i] {
			uuid := p.steps[parent].UUID
			if _, seen := reached[uuid]; seen {
				continue
			}
			reached[uuid] = struct{}{}
			stack = append(stack, parent)
		}
	}

	if inclusive {
		for uuid := range selection {
			if _, ok := p.index[uuid]; ok {
				reached[uuid] = struct{}{}
			}
		}
	} else {
		// A selected step reachable as an ancestor of another selected
		// step is still excluded in non-inclusive mode.
		for uuid := range selection {
			delete(reached, uuid)
		}
	}

	return p.InducedSubgraph(reached)
}

// ConvertToSubset reduces the pipeline in place to the induced subgraph of
// selection. Adjacency is recomputed from the surviving step set.
func (p *Pipeline) ConvertToSubset(selection map[string]struct{}) {
	kept := p.steps[:0]
	for _, step := range p.steps {
		if _, ok := selection[step.UUID]; !ok {
			continue
		}
		conns := step.IncomingConnections[:0]
		for _, conn := range step.IncomingConnections {
			if _, ok := selection[conn]; ok {
				conns = append(conns, conn)
			}
		}
		step.IncomingConnections = conns
		kept = append(kept, step)
	}
	p.steps = kept
	p.index = make(map[string]int, len(p.steps))
	for i, step := range p.steps {
		p.index[step.UUID] = i
	}
	p.rebuildAdjacency()
}

// Construct builds the pipeline variant selected by runType from a
// definition. For RunTypeFull the selection is ignored.
func Construct(def *Definition, selection map[string]struct{}, runType string) (*Pipeline, error) {
	p, err := New(def)
	if err != nil {
		return nil, err
	}

	switch runType {
	case RunTypeFull:
		return p, nil
	case RunTypeSelection:
		return p.InducedSubgraph(selection), nil
	case RunTypeIncoming:
		return p.Ancestors(selection, false), nil
	case RunTypeIncomingInclusive:
		return p.Ancestors(selection, true), nil
	default:
		return nil, &errors.ValidationError{
			Field:      "run_type",
			Message:    fmt.Sprintf("unknown run type: %s", runType),
			Suggestion: "use one of: full, selection, incoming, incoming-inclusive",
		}
	}
}
