package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageStatusIsSuccessAndTerminal(t *testing.T) {
	assert.True(t, StagePartial.IsSuccess())
	assert.True(t, StagePartial.IsTerminal())
	assert.True(t, StageDone.IsSuccess())
	assert.False(t, StagePending.IsSuccess())
	assert.False(t, StageRunning.IsTerminal())
	assert.True(t, StageError.IsTerminal())
	assert.False(t, StageError.IsSuccess())
}

func TestBuildStatusIsTerminal(t *testing.T) {
	assert.True(t, BuildCompleted.IsTerminal())
	assert.True(t, BuildCancelled.IsTerminal())
	assert.False(t, BuildRunning.IsTerminal())
	assert.False(t, BuildPending.IsTerminal())
}

func TestSetProgressMonotonicNonDecreasing(t *testing.T) {
	b := &Build{Status: BuildRunning, Progress: 10}
	b.SetProgress(5)
	assert.Equal(t, float64(10), b.Progress, "progress must never decrease")

	b.SetProgress(40)
	assert.Equal(t, float64(40), b.Progress)

	b.SetProgress(500)
	assert.Equal(t, float64(100), b.Progress, "progress must clamp to 100")
}

func TestSetProgressNoOpOnceTerminal(t *testing.T) {
	b := &Build{Status: BuildCompleted, Progress: 100}
	b.SetProgress(50)
	assert.Equal(t, float64(100), b.Progress)
}

func TestStageByID(t *testing.T) {
	b := &Build{Stages: []StageInstance{
		{StageID: "creating_specs"},
		{StageID: "creating_docs"},
	}}
	require.NotNil(t, b.StageByID("creating_docs"))
	assert.Equal(t, "creating_docs", b.StageByID("creating_docs").StageID)
	assert.Nil(t, b.StageByID("missing"))
}

func TestCloneIsIndependent(t *testing.T) {
	now := time.Now()
	b := &Build{
		ID:     "build-1",
		Status: BuildRunning,
		Stages: []StageInstance{
			{
				StageID: "coding_file",
				Events:  []StageEvent{{ID: "e1", StageID: "coding_file", Timestamp: now}},
				ErrorLog: []StageError{
					{Attempt: 1, Message: "boom", Timestamp: now},
				},
				Artifacts: []Artifact{{Type: ArtifactRepository, Name: "repo"}},
			},
		},
		Artifacts: []Artifact{{Type: ArtifactDeployment, Name: "prod"}},
		Warnings:  []string{"warn1"},
	}

	clone := b.Clone()
	require.Len(t, clone.Stages, 1)

	clone.Stages[0].Events[0].Message = "mutated"
	clone.Stages[0].ErrorLog[0].Message = "mutated"
	clone.Stages[0].Artifacts[0].Name = "mutated"
	clone.Artifacts[0].Name = "mutated"
	clone.Warnings[0] = "mutated"

	assert.Equal(t, "", b.Stages[0].Events[0].Message)
	assert.Equal(t, "boom", b.Stages[0].ErrorLog[0].Message)
	assert.Equal(t, "repo", b.Stages[0].Artifacts[0].Name)
	assert.Equal(t, "prod", b.Artifacts[0].Name)
	assert.Equal(t, "warn1", b.Warnings[0])
}

func TestCloneHandlesEmptySlices(t *testing.T) {
	b := &Build{ID: "build-2", Status: BuildPending}
	clone := b.Clone()
	assert.Equal(t, "build-2", clone.ID)
	assert.Empty(t, clone.Stages)
}
