package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-build/buildforge/internal/model"
)

func TestLoadBuiltinsRegistersCanonicalPlanInOrder(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.LoadBuiltins())

	all := r.All()
	ids := make([]string, len(all))
	for i, d := range all {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{
		"creating_specs", "creating_docs", "creating_schema", "creating_workspace",
		"creating_files", "coding_file", "running_tests", "creating_repo",
		"repo_created", "pushing_files", "deploying", "deployment_complete",
	}, ids)
}

func TestRegisterRejectsSelfDependency(t *testing.T) {
	r := New(nil)
	err := r.Register(&StageDefinition{
		ID:              "loopy",
		Dependencies:    []string{"loopy"},
		AllowedStatuses: statuses(model.StageDone),
		Timeout:         defaultTimeoutMS,
	})
	assert.Error(t, err)
}

func TestRegisterRejectsDependencyOnUnregisteredStage(t *testing.T) {
	r := New(nil)
	err := r.Register(&StageDefinition{
		ID:              "b",
		Dependencies:    []string{"a"},
		AllowedStatuses: statuses(model.StageDone),
		Timeout:         defaultTimeoutMS,
	})
	assert.Error(t, err, "a dependency must already be registered (or in the same batch)")
}

func TestFindCycleDetectsCycleWithinABatch(t *testing.T) {
	batch := map[string]*StageDefinition{
		"a": {ID: "a", Dependencies: []string{"b"}},
		"b": {ID: "b", Dependencies: []string{"c"}},
		"c": {ID: "c", Dependencies: []string{"a"}},
	}
	assert.NotEmpty(t, findCycle(batch))
}

func TestRegisterRequiresPendingInAllowedStatuses(t *testing.T) {
	r := New(nil)
	err := r.Register(&StageDefinition{
		ID:              "bad",
		AllowedStatuses: map[model.StageStatus]bool{model.StageDone: true},
		Timeout:         defaultTimeoutMS,
	})
	assert.Error(t, err)
}

func TestRegisterRequiresCompletionStatus(t *testing.T) {
	r := New(nil)
	err := r.Register(&StageDefinition{
		ID:              "bad",
		AllowedStatuses: map[model.StageStatus]bool{model.StagePending: true, model.StageError: true},
		Timeout:         defaultTimeoutMS,
	})
	assert.Error(t, err)
}

func TestRegisterMultiEventRequiresLongerTimeout(t *testing.T) {
	r := New(nil)
	err := r.Register(&StageDefinition{
		ID:                     "bad",
		SupportsMultipleEvents: true,
		AllowedStatuses:        statuses(model.StageDone),
		Timeout:                5000,
	})
	assert.Error(t, err)
}

func TestRegisterWarnsOnCriticalNonRetryable(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(&StageDefinition{
		ID:              "risky",
		AllowedStatuses: statuses(model.StageDone),
		Timeout:         defaultTimeoutMS,
		Critical:        true,
		Retryable:       false,
	}))
	assert.NotEmpty(t, r.Warnings())
}

func TestValidatePayloadRequiredAndTypes(t *testing.T) {
	r := New(nil)
	minLen := 1
	require.NoError(t, r.Register(&StageDefinition{
		ID:              "with_schema",
		AllowedStatuses: statuses(model.StageDone),
		Timeout:         defaultTimeoutMS,
		Payload: PayloadSchema{Fields: []FieldSchema{
			{Name: "projectName", Type: FieldString, Required: true, MinLen: &minLen},
			{Name: "features", Type: FieldObject},
		}},
	}))

	assert.NoError(t, r.ValidatePayload("with_schema", map[string]interface{}{
		"projectName": "Demo",
		"features":    map[string]interface{}{"auth": true},
		"extra":       "unknown fields allowed",
	}))

	assert.Error(t, r.ValidatePayload("with_schema", map[string]interface{}{}))
	assert.Error(t, r.ValidatePayload("with_schema", map[string]interface{}{"projectName": 5}))
}

func TestCanTransition(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.LoadBuiltins())
	assert.True(t, r.CanTransition("creating_specs", model.StagePending, model.StageRunning))
	assert.True(t, r.CanTransition("creating_specs", model.StageRunning, model.StageDone))
	assert.True(t, r.CanTransition("creating_specs", model.StageRunning, model.StageCancelled))
	assert.False(t, r.CanTransition("creating_specs", model.StageDone, model.StageRunning), "terminal statuses accept no further transitions")
}

func TestDependenciesIsRetryableIsCritical(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.LoadBuiltins())
	assert.Equal(t, []string{"creating_docs"}, r.Dependencies("creating_schema"))
	assert.True(t, r.IsRetryable("creating_schema"))
	assert.True(t, r.IsCritical("creating_schema"))
	assert.False(t, r.IsCritical("creating_docs"))
}

func TestInstanceForReturnsPendingInstance(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.LoadBuiltins())
	inst, err := r.InstanceFor("creating_specs")
	require.NoError(t, err)
	assert.Equal(t, model.StagePending, inst.Status)
}

func TestLoadCustomStagesAddsTenantStages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stages:
  - id: custom_lint
    label: Custom Lint
    allowedStatuses: ["DONE", "ERROR"]
    dependencies: ["creating_files"]
    retryable: true
`), 0o644))

	r := New(nil)
	require.NoError(t, r.LoadBuiltins())
	require.NoError(t, r.LoadCustomStages(path))
	assert.True(t, r.Has("custom_lint"))
	assert.Equal(t, []string{"creating_files"}, r.Dependencies("custom_lint"))
}

func TestLoadCustomStagesMissingFileIsNotError(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.LoadBuiltins())
	assert.NoError(t, r.LoadCustomStages(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestLoadCustomStagesMalformedFileLogsAndContinues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: valid: yaml: at: all:\n  - ["), 0o644))

	r := New(nil)
	require.NoError(t, r.LoadBuiltins())
	assert.NoError(t, r.LoadCustomStages(path))
}
