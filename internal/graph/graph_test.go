package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validDoc = `
version: 1
tasks:
  - id: TASK-001
    level: 0
    files:
      create: ["internal/foo.go"]
    run: ["go", "build", "./..."]
  - id: TASK-002
    level: 0
    files:
      create: ["internal/bar.go"]
    run: ["go", "build", "./..."]
  - id: TASK-003
    level: 1
    depends_on: ["TASK-001", "TASK-002"]
    files:
      modify: ["internal/foo.go"]
    run: ["go", "build", "./..."]
`

func TestParseAndValidateValidDoc(t *testing.T) {
	g, err := Parse([]byte(validDoc))
	require.NoError(t, err)
	require.NoError(t, Validate(g))

	levels := Levels(g)
	require.Len(t, levels, 2)
	require.Len(t, levels[0].Tasks, 2)
	require.Len(t, levels[1].Tasks, 1)
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	g, err := Parse([]byte(`
version: 1
tasks:
  - id: TASK-001
    level: 0
    depends_on: ["TASK-999"]
    files: {}
    run: ["true"]
`))
	require.NoError(t, err)
	require.Error(t, Validate(g))
}

func TestValidateRejectsSameLevelOwnershipOverlap(t *testing.T) {
	g, err := Parse([]byte(`
version: 1
tasks:
  - id: TASK-001
    level: 0
    files:
      create: ["internal/**/*.go"]
    run: ["true"]
  - id: TASK-002
    level: 0
    files:
      create: ["internal/foo.go"]
    run: ["true"]
`))
	require.NoError(t, err)
	require.Error(t, Validate(g))
}

func TestValidateRejectsCycle(t *testing.T) {
	g, err := Parse([]byte(`
version: 1
tasks:
  - id: TASK-001
    level: 1
    depends_on: ["TASK-002"]
    files: {}
    run: ["true"]
  - id: TASK-002
    level: 0
    depends_on: ["TASK-001"]
    files: {}
    run: ["true"]
`))
	require.NoError(t, err)
	require.Error(t, Validate(g))
}

func TestValidateRejectsHigherLevelDependency(t *testing.T) {
	g, err := Parse([]byte(`
version: 1
tasks:
  - id: TASK-001
    level: 1
    files: {}
    run: ["true"]
  - id: TASK-002
    level: 0
    depends_on: ["TASK-001"]
    files: {}
    run: ["true"]
`))
	require.NoError(t, err)
	require.Error(t, Validate(g))
}

func TestValidateAllowsOrderedSameLevelDependency(t *testing.T) {
	g, err := Parse([]byte(`
version: 1
tasks:
  - id: TASK-001
    level: 1
    files: {create: ["a.txt"]}
    run: ["true"]
  - id: TASK-002
    level: 1
    depends_on: ["TASK-001"]
    files: {create: ["b.txt"]}
    run: ["true"]
`))
	require.NoError(t, err)
	require.NoError(t, Validate(g))
}

func TestValidateRejectsSameLevelCycle(t *testing.T) {
	g, err := Parse([]byte(`
version: 1
tasks:
  - id: TASK-001
    level: 1
    depends_on: ["TASK-002"]
    files: {}
    run: ["true"]
  - id: TASK-002
    level: 1
    depends_on: ["TASK-001"]
    files: {}
    run: ["true"]
`))
	require.NoError(t, err)
	require.Error(t, Validate(g))
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`
version: 1
bogus_field: true
tasks: []
`))
	require.Error(t, err)
}
