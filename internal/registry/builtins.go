package registry

import "github.com/apex-build/buildforge/internal/model"

const defaultTimeoutMS = 5 * 60 * 1000 // 5 min, spec §3 default

func statuses(ss ...model.StageStatus) map[model.StageStatus]bool {
	out := make(map[model.StageStatus]bool, len(ss)+1)
	out[model.StagePending] = true
	out[model.StageRunning] = true
	out[model.StageCancelled] = true
	for _, s := range ss {
		out[s] = true
	}
	return out
}

// LoadBuiltins registers the canonical build plan (spec §4.1): twelve stages
// in dependency order, from spec clarification through deployment.
func (r *Registry) LoadBuiltins() error {
	defs := []*StageDefinition{
		{
			ID:              "creating_specs",
			Label:           "Creating Specs",
			Description:     "Clarifies and normalizes the project specification.",
			AllowedStatuses: statuses(model.StageDone, model.StageFailed, model.StageError),
			Timeout:         defaultTimeoutMS,
			Retryable:       true,
			MaxRetries:      2,
			Critical:        true,
			Version:         "1",
			Category:        "planning",
		},
		{
			ID:              "creating_docs",
			Label:           "Creating Docs",
			Description:     "Drafts the product/design documentation.",
			Dependencies:    []string{"creating_specs"},
			AllowedStatuses: statuses(model.StageDone, model.StageFailed, model.StageError),
			Timeout:         defaultTimeoutMS,
			Retryable:       true,
			MaxRetries:      2,
			Version:         "1",
			Category:        "planning",
		},
		{
			ID:              "creating_schema",
			Label:           "Creating Schema",
			Description:     "Designs the data schema for the application.",
			Dependencies:    []string{"creating_docs"},
			AllowedStatuses: statuses(model.StageDone, model.StageFailed, model.StageError),
			Timeout:         defaultTimeoutMS,
			Retryable:       true,
			MaxRetries:      2,
			Critical:        true,
			Version:         "1",
			Category:        "planning",
		},
		{
			ID:              "creating_workspace",
			Label:           "Creating Workspace",
			Description:     "Provisions the working directory and project scaffold.",
			Dependencies:    []string{"creating_schema"},
			AllowedStatuses: statuses(model.StageDone, model.StageFailed, model.StageError),
			Timeout:         defaultTimeoutMS,
			Retryable:       true,
			MaxRetries:      2,
			Critical:        true,
			Version:         "1",
			Category:        "build",
		},
		{
			ID:                     "creating_files",
			Label:                  "Creating Files",
			Description:            "Generates one file per planned path.",
			Dependencies:           []string{"creating_workspace"},
			SupportsMultipleEvents: true,
			AllowedStatuses:        statuses(model.StageDone, model.StagePartial, model.StageFailed, model.StageError, model.StageCreated),
			Timeout:                defaultTimeoutMS,
			Retryable:              true,
			MaxRetries:             2,
			Version:                "1",
			Category:               "build",
		},
		{
			ID:                     "coding_file",
			Label:                  "Coding File",
			Description:            "Writes implementation code into generated files.",
			Dependencies:           []string{"creating_files"},
			SupportsMultipleEvents: true,
			AllowedStatuses:        statuses(model.StageDone, model.StagePartial, model.StageFailed, model.StageError),
			Timeout:                defaultTimeoutMS,
			Retryable:              true,
			MaxRetries:             2,
			Version:                "1",
			Category:               "build",
		},
		{
			ID:                     "running_tests",
			Label:                  "Running Tests",
			Description:            "Runs the generated test suite.",
			Dependencies:           []string{"coding_file"},
			SupportsMultipleEvents: true,
			AllowedStatuses:        statuses(model.StagePassed, model.StagePartial, model.StageFailed, model.StageError),
			Timeout:                defaultTimeoutMS,
			Retryable:              true,
			MaxRetries:             1,
			Version:                "1",
			Category:               "verify",
		},
		{
			ID:              "creating_repo",
			Label:           "Creating Repo",
			Description:     "Creates the remote source repository.",
			Dependencies:    []string{"running_tests"},
			AllowedStatuses: statuses(model.StageCreated, model.StageFailed, model.StageError),
			Timeout:         defaultTimeoutMS,
			Retryable:       true,
			MaxRetries:      2,
			Critical:        true,
			Version:         "1",
			Category:        "release",
		},
		{
			ID:              "repo_created",
			Label:           "Repo Created",
			Description:     "Confirms repository creation and captures its reference.",
			Dependencies:    []string{"creating_repo"},
			AllowedStatuses: statuses(model.StageDone, model.StageFailed, model.StageError),
			Timeout:         defaultTimeoutMS,
			Retryable:       true,
			MaxRetries:      1,
			Version:         "1",
			Category:        "release",
		},
		{
			ID:              "pushing_files",
			Label:           "Pushing Files",
			Description:     "Pushes generated files to the source repository.",
			Dependencies:    []string{"repo_created"},
			AllowedStatuses: statuses(model.StagePushed, model.StageFailed, model.StageError),
			Timeout:         defaultTimeoutMS,
			Retryable:       true,
			MaxRetries:      2,
			Critical:        true,
			Version:         "1",
			Category:        "release",
		},
		{
			ID:                     "deploying",
			Label:                  "Deploying",
			Description:            "Deploys provisioned resources, one event per resource.",
			Dependencies:           []string{"pushing_files"},
			SupportsMultipleEvents: true,
			AllowedStatuses:        statuses(model.StageDeployed, model.StagePartial, model.StageFailed, model.StageError),
			Timeout:                defaultTimeoutMS,
			Retryable:              true,
			MaxRetries:             2,
			Critical:               true,
			Version:                "1",
			Category:               "release",
		},
		{
			ID:              "deployment_complete",
			Label:           "Deployment Complete",
			Description:     "Confirms the deployment is live and reachable.",
			Dependencies:    []string{"deploying"},
			AllowedStatuses: statuses(model.StageDone, model.StageFailed, model.StageError),
			Timeout:         defaultTimeoutMS,
			Retryable:       true,
			MaxRetries:      1,
			Version:         "1",
			Category:        "release",
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range defs {
		if err := r.registerLocked(def); err != nil {
			return err
		}
	}
	return nil
}
