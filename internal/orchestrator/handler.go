package orchestrator

import (
	"context"

	"github.com/apex-build/buildforge/internal/model"
	"github.com/apex-build/buildforge/internal/registry"
	"github.com/apex-build/buildforge/internal/router"
)

// HandlerContext is what executeStageWithRetry hands to a stage handler
// (spec §4.3 step 2: "build artifacts so far, spec, correlation id").
type HandlerContext struct {
	Build         *model.Build
	Stage         *model.StageInstance
	Def           *registry.StageDefinition
	Spec          map[string]interface{}
	CorrelationID string
	Attempt       int
	Router        *router.Router

	// ExcludeProviders, when non-empty, is passed through to
	// Router.RouteTaskExcluding instead of Router.RouteTask — set by a manual
	// single-stage retry that asked for an alternative model (spec §6
	// "useAlternativeModel").
	ExcludeProviders []string

	// Emit lets a multi-event handler push a sub-event before the stage
	// itself reaches a terminal status (spec §4.3 "handler ... may emit
	// sub-events (when supportsMultipleEvents)").
	Emit func(message string, details map[string]interface{})

	// Cancelled reports the cooperative-cancellation flag (spec §4.3
	// "Cancellation": "Running handlers are expected to check the flag at
	// cooperative suspension points ... between files in a multi-event
	// stage"). A handler observing true should return promptly; its result
	// is discarded either way.
	Cancelled func() bool
}

// HandlerResult is what a stage handler returns on success. Status, when
// empty, defaults to the first completion status declared in the stage's
// allowed-status set (registry order).
type HandlerResult struct {
	Status          model.StageStatus
	Artifacts       []model.Artifact
	CompletedEvents int // for multi-event stages: sub-events that succeeded
	TotalEvents     int // for multi-event stages: sub-events attempted; 0 means "unknown, assume all succeeded"
}

// StageHandler implements one stage's work (spec §4.3 step 2). It must
// return promptly on context cancellation/timeout rather than run unbounded.
type StageHandler interface {
	Handle(ctx context.Context, hctx *HandlerContext) (HandlerResult, error)
}

// HandlerFunc adapts a plain function to StageHandler.
type HandlerFunc func(ctx context.Context, hctx *HandlerContext) (HandlerResult, error)

func (f HandlerFunc) Handle(ctx context.Context, hctx *HandlerContext) (HandlerResult, error) {
	return f(ctx, hctx)
}
