// Package graph parses and validates the task graph document: the YAML file
// that declares every task, its level, its prerequisites, and the files it
// owns.
package graph

import (
	"bytes"
	"time"

	"gopkg.in/yaml.v3"

	echerrors "github.com/echelon-run/echelon/internal/errors"
)

// FileSpec lists the glob patterns (bmatcuk/doublestar syntax) a task
// creates or modifies, plus the paths it reads for context. Two tasks at
// the same level may not declare overlapping patterns under create or
// modify; read carries no ownership and may overlap freely.
type FileSpec struct {
	Create []string `yaml:"create,omitempty"`
	Modify []string `yaml:"modify,omitempty"`
	Read   []string `yaml:"read,omitempty"`
}

// Paths returns every glob this task owns, create and modify combined.
func (f FileSpec) Paths() []string {
	out := make([]string, 0, len(f.Create)+len(f.Modify))
	out = append(out, f.Create...)
	out = append(out, f.Modify...)
	return out
}

// VerifySpec is the command run after a task's work is executed and before
// it is committed; the worker commits and reports completion only when it
// passes.
type VerifySpec struct {
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Task is one unit of work in the graph.
type Task struct {
	ID          string            `yaml:"id"`
	Title       string            `yaml:"title,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Level       int               `yaml:"level"`
	DependsOn   []string          `yaml:"depends_on,omitempty"`
	Files       FileSpec          `yaml:"files"`
	Run         []string          `yaml:"run"`
	Verify      VerifySpec        `yaml:"verify,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`
}

// Graph is the full parsed task graph document.
type Graph struct {
	Version int     `yaml:"version"`
	Tasks   []*Task `yaml:"tasks"`
}

// ByID returns the task with the given ID, or nil.
func (g *Graph) ByID(id string) *Task {
	for _, t := range g.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// MaxLevel returns the highest level value present in the graph.
func (g *Graph) MaxLevel() int {
	max := 0
	for _, t := range g.Tasks {
		if t.Level > max {
			max = t.Level
		}
	}
	return max
}

// TasksAtLevel returns tasks at the given level, in document order.
func (g *Graph) TasksAtLevel(level int) []*Task {
	var out []*Task
	for _, t := range g.Tasks {
		if t.Level == level {
			out = append(out, t)
		}
	}
	return out
}

// Parse decodes a task graph document, rejecting unknown fields so a typo'd
// field name fails loudly instead of silently defaulting.
func Parse(data []byte) (*Graph, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var g Graph
	if err := dec.Decode(&g); err != nil {
		return nil, echerrors.ErrSchemaInvalid(err.Error())
	}
	if g.Version == 0 {
		g.Version = 1
	}
	return &g, nil
}
