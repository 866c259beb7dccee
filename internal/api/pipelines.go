package api

import (
	"net/http"
	"strconv"

	"github.com/apex-build/buildforge/internal/model"
)

type createPipelineRequest struct {
	ProjectID string                 `json:"projectId"`
	UserID    string                 `json:"userId"`
	Spec      map[string]interface{} `json:"spec"`
}

// handleCreatePipeline implements "POST /pipelines" (spec §6): builds a
// fresh Build, persists its PENDING state, and kicks off execution in the
// background. The response carries the PENDING build immediately — clients
// follow progress over the Event Stream Fabric, not by polling this call.
func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req createPipelineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ProjectID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "projectId and userId are required")
		return
	}

	build, err := s.orch.NewBuild("", req.ProjectID, req.UserID, req.Spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SaveBuild(r.Context(), build); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if !s.tryAcquireBuildSlot() {
		writeError(w, http.StatusServiceUnavailable, "at MAX_CONCURRENT_BUILDS capacity, retry shortly")
		return
	}
	go func() {
		defer s.releaseBuildSlot()
		if err := s.orch.Run(detachedContext(), build); err != nil {
			s.log.Error("build run ended with error", map[string]interface{}{"build_id": build.ID, "error": err.Error()})
		}
	}()

	writeJSON(w, http.StatusAccepted, build)
}

// handleGetPipeline implements "GET /pipelines/{id}".
func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	build, err := s.store.GetBuild(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

// handleListPipelines implements "GET /pipelines?userId=...&limit=...".
func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId query parameter is required")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	builds, err := s.store.ListBuildsForUser(r.Context(), userID, limit)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, builds)
}

// handleCancelPipeline implements "POST /pipelines/{id}/cancel": flips the
// cooperative cancellation flag on the in-flight build. 409 covers both
// "already terminal" and "not currently running in this process" — a
// client can't distinguish the two from outside anyway.
func (s *Server) handleCancelPipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	build, err := s.store.GetBuild(r.Context(), id)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	if build.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "build is already in a terminal state")
		return
	}
	if !s.orch.Cancel(id) {
		writeError(w, http.StatusConflict, "build is not currently running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleRetryPipeline implements "POST /pipelines/{id}/retry": restarts a
// FAILED or CANCELLED build from scratch (the orchestrator's DAG has no
// partial-resume state, so retrying a whole build re-runs every stage,
// matching Run's own always-PENDING-seed behavior).
func (s *Server) handleRetryPipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	build, err := s.store.GetBuild(r.Context(), id)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	if build.Status != model.BuildFailed && build.Status != model.BuildCancelled {
		writeError(w, http.StatusConflict, "only a failed or cancelled build can be retried")
		return
	}

	fresh, err := s.orch.NewBuild(build.ID, build.ProjectID, build.UserID, build.Spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SaveBuild(r.Context(), fresh); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if !s.tryAcquireBuildSlot() {
		writeError(w, http.StatusServiceUnavailable, "at MAX_CONCURRENT_BUILDS capacity, retry shortly")
		return
	}
	go func() {
		defer s.releaseBuildSlot()
		if err := s.orch.Run(detachedContext(), fresh); err != nil {
			s.log.Error("build retry ended with error", map[string]interface{}{"build_id": fresh.ID, "error": err.Error()})
		}
	}()

	writeJSON(w, http.StatusAccepted, fresh)
}

type retryStageRequest struct {
	UseAlternativeModel bool `json:"useAlternativeModel"`
}

// handleRetryStage implements "POST /pipelines/{id}/stages/{stageId}/retry"
// (spec §6, optional useAlternativeModel). Only a stage that has reached a
// terminal status may be retried; the retry itself runs in the background
// and the caller follows it over the event stream, same as a full build.
func (s *Server) handleRetryStage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	stageID := r.PathValue("stageId")

	var req retryStageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	build, err := s.store.GetBuild(r.Context(), id)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	stage := build.StageByID(stageID)
	if stage == nil {
		writeError(w, http.StatusNotFound, "no such stage")
		return
	}
	if !stage.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "stage is not in a terminal state")
		return
	}

	var exclude []string
	if req.UseAlternativeModel {
		if provider := lastStageProvider(stage); provider != "" {
			exclude = []string{provider}
		}
	}

	if !s.tryAcquireBuildSlot() {
		writeError(w, http.StatusServiceUnavailable, "at MAX_CONCURRENT_BUILDS capacity, retry shortly")
		return
	}
	go func() {
		defer s.releaseBuildSlot()
		if err := s.orch.RetryStage(detachedContext(), build, stageID, exclude); err != nil {
			s.log.Error("stage retry ended with error", map[string]interface{}{
				"build_id": id, "stage_id": stageID, "error": err.Error(),
			})
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying", "stageId": stageID})
}

// lastStageProvider finds the provider that produced a stage's most recent
// artifact, the "model that failed" useAlternativeModel excludes.
func lastStageProvider(stage *model.StageInstance) string {
	for i := len(stage.Artifacts) - 1; i >= 0; i-- {
		if p := stage.Artifacts[i].Metadata["provider"]; p != "" {
			return p
		}
	}
	return ""
}

// handleDeletePipeline implements "DELETE /pipelines/{id}": only a
// terminal build's record may be removed.
func (s *Server) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	build, err := s.store.GetBuild(r.Context(), id)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	if !build.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "build must reach a terminal state before it can be deleted")
		return
	}
	if err := s.store.DeleteBuild(r.Context(), id); err != nil {
		writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
