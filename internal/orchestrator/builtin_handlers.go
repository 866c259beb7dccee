package orchestrator

import (
	"context"
	"fmt"

	"github.com/apex-build/buildforge/internal/corelib"
	"github.com/apex-build/buildforge/internal/model"
	"github.com/apex-build/buildforge/internal/router"
	"github.com/apex-build/buildforge/internal/wireformat"
)

// RegisterBuiltinHandlers wires a StageHandler for each of the twelve
// canonical stages registry.LoadBuiltins registers (spec §4.1), grounded on
// the router's DemoProvider for deterministic, side-effect-free output
// everywhere the stage's only real job in this exercise is to call the
// Model Router and record what it returned. Stages whose job is inherently
// structural (workspace/repo/push/deploy bookkeeping) are implemented
// directly rather than routed.
func RegisterBuiltinHandlers(o *Orchestrator) {
	o.RegisterHandler("creating_specs", HandlerFunc(handleCreatingSpecs))
	o.RegisterHandler("creating_docs", HandlerFunc(handleCreatingDocs))
	o.RegisterHandler("creating_schema", HandlerFunc(handleCreatingSchema))
	o.RegisterHandler("creating_workspace", HandlerFunc(handleCreatingWorkspace))
	o.RegisterHandler("creating_files", HandlerFunc(handleCreatingFiles))
	o.RegisterHandler("coding_file", HandlerFunc(handleCodingFile))
	o.RegisterHandler("running_tests", HandlerFunc(handleRunningTests))
	o.RegisterHandler("creating_repo", HandlerFunc(handleCreatingRepo))
	o.RegisterHandler("repo_created", HandlerFunc(handleRepoCreated))
	o.RegisterHandler("pushing_files", HandlerFunc(handlePushingFiles))
	o.RegisterHandler("deploying", HandlerFunc(handleDeploying))
	o.RegisterHandler("deployment_complete", HandlerFunc(handleDeploymentComplete))
}

// routeStage issues a single Model Router call for a whole-stage task (spec
// §4.2 call contract), using the project description carried on the build
// spec as the prompt.
func routeStage(ctx context.Context, hctx *HandlerContext, role router.Capability, complexity router.Complexity) (router.Response, error) {
	prompt, _ := hctx.Spec["description"].(string)
	if prompt == "" {
		prompt = fmt.Sprintf("stage %s for project %s", hctx.Def.Label, hctx.Build.ProjectID)
	}
	task := router.Task{
		Role:            role,
		Prompt:          prompt,
		Complexity:      complexity,
		CorrelationID:   hctx.CorrelationID,
		FallbackAllowed: true,
	}
	if len(hctx.ExcludeProviders) > 0 {
		return hctx.Router.RouteTaskExcluding(ctx, task, hctx.ExcludeProviders)
	}
	return hctx.Router.RouteTask(ctx, task)
}

func handleCreatingSpecs(ctx context.Context, hctx *HandlerContext) (HandlerResult, error) {
	if _, err := routeStage(ctx, hctx, router.CapInterviewer, router.ComplexityLow); err != nil {
		return HandlerResult{}, err
	}
	return HandlerResult{Status: model.StageDone}, nil
}

func handleCreatingDocs(ctx context.Context, hctx *HandlerContext) (HandlerResult, error) {
	if _, err := routeStage(ctx, hctx, router.CapPlanner, router.ComplexityMedium); err != nil {
		return HandlerResult{}, err
	}
	return HandlerResult{Status: model.StageDone}, nil
}

func handleCreatingSchema(ctx context.Context, hctx *HandlerContext) (HandlerResult, error) {
	resp, err := routeStage(ctx, hctx, router.CapSchemaDesign, router.ComplexityMedium)
	if err != nil {
		return HandlerResult{}, err
	}
	return HandlerResult{
		Status: model.StageDone,
		Artifacts: []model.Artifact{{
			Type: model.ArtifactDatabase, Name: "schema",
			Metadata: map[string]string{"provider": resp.Provider},
		}},
	}, nil
}

func handleCreatingWorkspace(_ context.Context, _ *HandlerContext) (HandlerResult, error) {
	return HandlerResult{Status: model.StageDone}, nil
}

// plannedFileCount is the fixed fan-out this exercise's demo file-generation
// handlers use; a real implementation would derive this from the schema
// stage's output.
const plannedFileCount = 5

func handleCreatingFiles(ctx context.Context, hctx *HandlerContext) (HandlerResult, error) {
	return emitPerFile(ctx, hctx, router.CapCoder, router.ComplexityLow, "planned file", model.StageCreated)
}

func handleCodingFile(ctx context.Context, hctx *HandlerContext) (HandlerResult, error) {
	return emitPerFile(ctx, hctx, router.CapCoder, router.ComplexityHigh, "implemented file", model.StageDone)
}

func handleRunningTests(ctx context.Context, hctx *HandlerContext) (HandlerResult, error) {
	return emitPerFile(ctx, hctx, router.CapTester, router.ComplexityMedium, "test run", model.StagePassed)
}

// emitPerFile drives a multi-event stage (spec §4.3 "handler ... may emit
// sub-events (when supportsMultipleEvents)"): one Model Router call per
// planned unit of work, emitting a sub-event after each and stopping at the
// first fast-fail error encountered (other errors just reduce the
// completed/total ratio, letting the PARTIAL path take over). Each
// response's content is scanned for the named-path fence convention (spec
// §6); any file it names becomes a FILE artifact on the stage result.
func emitPerFile(ctx context.Context, hctx *HandlerContext, role router.Capability, complexity router.Complexity, verb string, successStatus model.StageStatus) (HandlerResult, error) {
	completed := 0
	var artifacts []model.Artifact
	for i := 0; i < plannedFileCount; i++ {
		if ctx.Err() != nil || hctx.Cancelled() {
			break
		}
		resp, err := routeStage(ctx, hctx, role, complexity)
		if err != nil {
			hctx.Emit(fmt.Sprintf("%s %d/%d failed: %v", verb, i+1, plannedFileCount, err), map[string]interface{}{
				"completedEvents": completed, "totalEvents": plannedFileCount,
			})
			if corelib.IsFastFail(err) {
				if completed == 0 {
					return HandlerResult{}, err
				}
				break
			}
			continue
		}
		completed++
		artifacts = append(artifacts, fileArtifactsFromResponse(resp)...)
		hctx.Emit(fmt.Sprintf("%s %d/%d", verb, i+1, plannedFileCount), map[string]interface{}{
			"completedEvents": completed, "totalEvents": plannedFileCount,
		})
	}
	if completed == 0 {
		return HandlerResult{}, fmt.Errorf("%s: all %d sub-events failed", hctx.Def.Label, plannedFileCount)
	}
	return HandlerResult{
		Status:          successStatus,
		Artifacts:       artifacts,
		CompletedEvents: completed,
		TotalEvents:     plannedFileCount,
	}, nil
}

// fileArtifactsFromResponse parses a router response for named-path code
// fences (spec §6) and turns each into a FILE artifact. A response with no
// path-bearing fence (the common case for a plain prose or unnamed-fence
// reply) yields none; a malformed fence is logged into the artifact
// metadata rather than failing the whole stage, since one bad header in an
// otherwise useful response shouldn't discard the rest.
func fileArtifactsFromResponse(resp router.Response) []model.Artifact {
	blocks, err := wireformat.ParseCodeBlocks(resp.Content)
	if err != nil {
		return []model.Artifact{{
			Type: model.ArtifactFile, Name: "unparsed",
			Metadata: map[string]string{"provider": resp.Provider, "parseError": err.Error()},
		}}
	}
	var artifacts []model.Artifact
	for _, b := range blocks {
		if !b.HasPath() {
			continue
		}
		artifacts = append(artifacts, model.Artifact{
			Type: model.ArtifactFile, Name: b.Path,
			Metadata: map[string]string{"provider": resp.Provider, "language": b.Language},
		})
	}
	return artifacts
}

func handleCreatingRepo(_ context.Context, hctx *HandlerContext) (HandlerResult, error) {
	url := fmt.Sprintf("https://git.example.com/%s/%s", hctx.Build.UserID, hctx.Build.ProjectID)
	return HandlerResult{
		Status: model.StageCreated,
		Artifacts: []model.Artifact{{
			Type: model.ArtifactRepository, Name: hctx.Build.ProjectID, URL: url,
		}},
	}, nil
}

func handleRepoCreated(_ context.Context, _ *HandlerContext) (HandlerResult, error) {
	return HandlerResult{Status: model.StageDone}, nil
}

func handlePushingFiles(_ context.Context, _ *HandlerContext) (HandlerResult, error) {
	return HandlerResult{Status: model.StagePushed}, nil
}

func handleDeploying(ctx context.Context, hctx *HandlerContext) (HandlerResult, error) {
	result, err := emitPerFile(ctx, hctx, router.CapDeployer, router.ComplexityMedium, "resource deployed", model.StageDeployed)
	if err != nil {
		return HandlerResult{}, err
	}
	result.Artifacts = []model.Artifact{{
		Type: model.ArtifactDeployment, Name: hctx.Build.ProjectID,
		URL: fmt.Sprintf("https://%s.apps.example.com", hctx.Build.ProjectID),
	}}
	return result, nil
}

func handleDeploymentComplete(_ context.Context, _ *HandlerContext) (HandlerResult, error) {
	return HandlerResult{Status: model.StageDone}, nil
}
