// Package orchestrator implements the Pipeline Orchestrator (spec §4.3):
// drives a single build end-to-end through its stages in dependency order,
// retrying failed attempts with backoff, tracking progress, and persisting
// every state transition through a storage collaborator.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/apex-build/buildforge/internal/corelib"
	"github.com/apex-build/buildforge/internal/model"
	"github.com/apex-build/buildforge/internal/registry"
	"github.com/apex-build/buildforge/internal/router"
)

// Orchestrator is the process's driver for build execution (spec §4.3). One
// instance serves every concurrent build; per-build state lives in runState.
type Orchestrator struct {
	reg      *registry.Registry
	router   *router.Router
	storage  Storage
	events   EventSink
	log      corelib.Logger
	poolSize int
	buildTimeout time.Duration

	mu          sync.Mutex
	handlers    map[string]StageHandler
	cancelFlags map[string]*atomic.Bool
}

// New builds an Orchestrator. cfg may be nil, in which case defaults (pool
// size 1, 2h build timeout) apply.
func New(reg *registry.Registry, rtr *router.Router, storage Storage, events EventSink, cfg *corelib.Config, log corelib.ComponentLogger) *Orchestrator {
	if log == nil {
		log = corelib.NoOpLogger{}
	}
	if storage == nil {
		storage = NoOpStorage{}
	}
	if events == nil {
		events = NoOpEventSink{}
	}
	poolSize := 1
	buildTimeout := 2 * time.Hour
	if cfg != nil {
		if cfg.StagePoolSize > 0 {
			poolSize = cfg.StagePoolSize
		}
		if cfg.BuildTimeout > 0 {
			buildTimeout = cfg.BuildTimeout
		}
	}
	return &Orchestrator{
		reg:          reg,
		router:       rtr,
		storage:      storage,
		events:       events,
		log:          log.WithComponent("orchestrator"),
		poolSize:     poolSize,
		buildTimeout: buildTimeout,
		handlers:     make(map[string]StageHandler),
		cancelFlags:  make(map[string]*atomic.Bool),
	}
}

// RegisterHandler binds a StageHandler to a registered stage id. Stages
// without a registered handler fast-fail when reached.
func (o *Orchestrator) RegisterHandler(stageID string, h StageHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[stageID] = h
}

func (o *Orchestrator) handlerFor(stageID string) StageHandler {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.handlers[stageID]; ok {
		return h
	}
	return unimplementedHandler{}
}

type unimplementedHandler struct{}

func (unimplementedHandler) Handle(_ context.Context, hctx *HandlerContext) (HandlerResult, error) {
	return HandlerResult{}, fmt.Errorf("%w: no handler registered for stage %q", corelib.ErrInvalidDefinition, hctx.Def.ID)
}

// NewBuild assembles a fresh PENDING Build with one StageInstance per
// registered stage definition, in the registry's canonical order. id is
// generated if empty.
func (o *Orchestrator) NewBuild(id, projectID, userID string, spec map[string]interface{}) (*model.Build, error) {
	if id == "" {
		id = uuid.New().String()
	}
	defs := o.reg.All()
	stages := make([]model.StageInstance, 0, len(defs))
	for _, def := range defs {
		inst, err := o.reg.InstanceFor(def.ID)
		if err != nil {
			return nil, err
		}
		stages = append(stages, *inst)
	}
	return &model.Build{
		ID:        id,
		ProjectID: projectID,
		UserID:    userID,
		Status:    model.BuildPending,
		CreatedAt: time.Now(),
		Stages:    stages,
		Spec:      spec,
	}, nil
}

// Cancel flips the cancellation flag for an in-flight build (spec §4.3
// "Cancellation"). Returns false if the build isn't currently running under
// this orchestrator.
func (o *Orchestrator) Cancel(buildID string) bool {
	o.mu.Lock()
	flag, ok := o.cancelFlags[buildID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	flag.Store(true)
	return true
}

// RetryStage re-runs a single stage's handler once, outside the normal DAG
// walk (spec §6 "POST /pipelines/{id}/stages/{stageId}/retry"): a manual
// action an operator takes on a stage that's already reached a terminal
// status, not part of Run's own retry-with-backoff loop. excludeProviders,
// when non-empty, is threaded through so the handler's Model Router call
// asks for a provider other than the one that produced the failure
// ("useAlternativeModel"). build must not currently be executing under Run.
func (o *Orchestrator) RetryStage(ctx context.Context, build *model.Build, stageID string, excludeProviders []string) error {
	stage := build.StageByID(stageID)
	if stage == nil {
		return fmt.Errorf("%w: stage %s not present on build %s", corelib.ErrNotFound, stageID, build.ID)
	}
	def, err := o.reg.Get(stageID)
	if err != nil {
		return err
	}

	rs := &runState{build: build, cancelFlag: &atomic.Bool{}}
	corrID := fmt.Sprintf("%s/%s", build.ID, def.ID)
	stageCtx := corelib.WithCorrelation(ctx, corelib.Correlation{BuildID: build.ID, StageID: def.ID})

	rs.mu.Lock()
	attempt := stage.Attempts + 1
	now := time.Now()
	stage.Status = model.StageRunning
	stage.StartedAt = &now
	stage.CompletedAt = nil
	stage.TerminalErr = ""
	stage.Attempts = attempt
	rs.mu.Unlock()
	o.persist(stageCtx, build)
	o.events.Publish(build.ID, o.stageEvent(build, stage, EventStageUpdate, "stage retry started", nil))

	hctx := &HandlerContext{
		Build: build, Stage: stage, Def: def, Spec: build.Spec,
		CorrelationID: corrID, Attempt: attempt, Router: o.router,
		ExcludeProviders: excludeProviders,
		Emit: func(message string, details map[string]interface{}) {
			o.onSubEvent(rs, stage, message, details)
		},
		Cancelled: func() bool { return rs.cancelFlag.Load() },
	}

	callCtx, cancel := o.stageContext(stageCtx, def)
	result, handleErr := o.handlerFor(def.ID).Handle(callCtx, hctx)
	cancel()

	if handleErr == nil {
		o.finishStageSuccess(ctx, rs, stage, def, result)
		if build.Status == model.BuildFailed {
			rs.mu.Lock()
			build.Status = model.BuildRunning
			build.TerminalErr = ""
			rs.mu.Unlock()
			o.persist(ctx, build)
		}
		return nil
	}
	return o.failStage(ctx, rs, stage, def, attempt, handleErr)
}

// runState bundles the collaborators and mutable state shared by every
// stage worker for one Run call. Build has no mutex of its own (spec §5
// "mutated exclusively by its owning orchestrator execution context"); this
// mutex is that exclusive owner whenever poolSize > 1 lets more than one
// stage run concurrently.
type runState struct {
	build      *model.Build
	cancelFlag *atomic.Bool

	mu       sync.Mutex
	throttle progressThrottle
}

// Run drives build to a terminal status: run(buildId, spec) from spec §4.3.
// build.Status must be PENDING. The call blocks until the build reaches
// COMPLETED, FAILED, or CANCELLED.
func (o *Orchestrator) Run(ctx context.Context, build *model.Build) error {
	if build.Status != model.BuildPending {
		return fmt.Errorf("%w: build %s is %s, not PENDING", corelib.ErrInvalidStateTransition, build.ID, build.Status)
	}

	runCtx, cancel := context.WithTimeout(ctx, o.buildTimeout)
	defer cancel()

	cancelFlag := &atomic.Bool{}
	o.mu.Lock()
	o.cancelFlags[build.ID] = cancelFlag
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancelFlags, build.ID)
		o.mu.Unlock()
	}()

	rs := &runState{build: build, cancelFlag: cancelFlag}

	startedAt := time.Now()
	build.Status = model.BuildRunning
	build.StartedAt = &startedAt
	o.persist(runCtx, build)
	o.events.Publish(build.ID, o.pipelineEvent(build, EventPipelineUpdate, "build started"))

	stageIDs := make([]string, 0, len(build.Stages))
	defs := make(map[string]*registry.StageDefinition, len(build.Stages))
	for i := range build.Stages {
		def, err := o.reg.Get(build.Stages[i].StageID)
		if err != nil {
			build.Status = model.BuildFailed
			build.TerminalErr = err.Error()
			o.persist(runCtx, build)
			return fmt.Errorf("%w: %v", corelib.ErrInvalidDefinition, err)
		}
		stageIDs = append(stageIDs, build.Stages[i].StageID)
		defs[build.Stages[i].StageID] = def
	}
	dag := newStageDAG(o.reg, stageIDs)

	runErr := o.executeDAG(runCtx, rs, dag, defs)

	endTime := time.Now()
	build.CompletedAt = &endTime

	switch {
	case cancelFlag.Load() || errors.Is(runCtx.Err(), context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.Canceled):
		build.Status = model.BuildCancelled
		o.persist(ctx, build)
		o.events.Publish(build.ID, o.pipelineEvent(build, EventPipelineError, "build cancelled"))
		return corelib.ErrCancelled
	case runErr != nil:
		build.Status = model.BuildFailed
		build.TerminalErr = runErr.Error()
		o.persist(ctx, build)
		o.events.Publish(build.ID, o.pipelineEvent(build, EventPipelineError, runErr.Error()))
		return runErr
	default:
		build.Status = model.BuildCompleted
		build.SetProgress(100)
		o.persist(ctx, build)
		o.events.Publish(build.ID, o.pipelineEvent(build, EventPipelineComplete, "build completed"))
		return nil
	}
}

// executeDAG drives stages to completion with bounded parallelism (spec
// §4.3 "Ordering"), grounded on itsneelabh-gomind's WorkflowEngine.executeDAG
// worker-pool-over-channels pattern, adapted to the registry's dependency
// data instead of a YAML-defined DAG and simplified since this domain has no
// HITL interrupt path.
func (o *Orchestrator) executeDAG(ctx context.Context, rs *runState, dag *stageDAG, defs map[string]*registry.StageDefinition) error {
	poolSize := o.poolSize
	if poolSize < 1 {
		poolSize = 1
	}

	type stageTask struct{ stageID string }
	type stageResult struct {
		stageID string
		err     error
	}

	tasks := make(chan stageTask, len(defs))
	results := make(chan stageResult, len(defs))

	var wg sync.WaitGroup
	for i := 0; i < poolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				err := o.executeStageWithRetry(ctx, rs, defs[t.stageID])
				results <- stageResult{stageID: t.stageID, err: err}
			}
		}()
	}

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatched := make(map[string]bool, len(defs))
		for {
			if rs.cancelFlag.Load() || ctx.Err() != nil || dag.IsComplete() {
				return
			}
			ready := dag.ReadyNodes()
			any := false
			for _, id := range ready {
				if dispatched[id] {
					continue
				}
				dispatched[id] = true
				dag.MarkRunning(id)
				tasks <- stageTask{stageID: id} // buffered to len(defs); never blocks
				any = true
			}
			if !any {
				time.Sleep(20 * time.Millisecond)
			}
		}
	}()

	var firstErr error
resultLoop:
	for {
		if dag.IsComplete() || rs.cancelFlag.Load() {
			break resultLoop
		}
		select {
		case res := <-results:
			if res.err != nil {
				dag.MarkFailed(res.stageID)
				if firstErr == nil && o.reg.IsCritical(res.stageID) {
					firstErr = res.err
				}
			} else {
				dag.MarkDone(res.stageID)
			}
			o.emitProgress(rs, false, "", 0, 0)
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			break resultLoop
		}
	}

	<-dispatcherDone
	close(tasks)
	wg.Wait()
	o.markSkippedStages(ctx, rs, dag, defs)
	o.emitProgress(rs, true, "", 0, 0)
	return firstErr
}

// executeStageWithRetry implements spec §4.3's per-stage contract: mark
// RUNNING, invoke the handler, and on failure retry with backoff until
// attempts are exhausted or the error is fast-fail.
func (o *Orchestrator) executeStageWithRetry(ctx context.Context, rs *runState, def *registry.StageDefinition) error {
	build := rs.build
	stage := build.StageByID(def.ID)
	if stage == nil {
		return fmt.Errorf("%w: stage %s not present on build %s", corelib.ErrInvalidDefinition, def.ID, build.ID)
	}
	corrID := fmt.Sprintf("%s/%s", build.ID, def.ID)
	stageCtx := corelib.WithCorrelation(ctx, corelib.Correlation{BuildID: build.ID, StageID: def.ID})

	for attempt := 1; ; attempt++ {
		if rs.cancelFlag.Load() || ctx.Err() != nil {
			o.markCancelled(ctx, rs, stage)
			return corelib.ErrCancelled
		}

		rs.mu.Lock()
		now := time.Now()
		stage.Status = model.StageRunning
		stage.StartedAt = &now
		stage.Attempts = attempt
		rs.mu.Unlock()
		o.persist(stageCtx, build)
		o.events.Publish(build.ID, o.stageEvent(build, stage, EventStageUpdate, "stage started", nil))

		hctx := &HandlerContext{
			Build: build, Stage: stage, Def: def, Spec: build.Spec,
			CorrelationID: corrID, Attempt: attempt, Router: o.router,
			Emit: func(message string, details map[string]interface{}) {
				o.onSubEvent(rs, stage, message, details)
			},
			Cancelled: func() bool { return rs.cancelFlag.Load() },
		}

		callCtx, cancel := o.stageContext(stageCtx, def)
		result, err := o.handlerFor(def.ID).Handle(callCtx, hctx)
		cancel()

		if rs.cancelFlag.Load() {
			o.markCancelled(ctx, rs, stage)
			return corelib.ErrCancelled
		}

		if err == nil {
			o.finishStageSuccess(ctx, rs, stage, def, result)
			return nil
		}

		maxRetries := def.MaxRetries
		isFinal := attempt > maxRetries || !def.Retryable || corelib.IsFastFail(err)

		rs.mu.Lock()
		stage.ErrorLog = append(stage.ErrorLog, model.StageError{
			Attempt: attempt, MaxRetries: maxRetries, IsFinalFailure: isFinal,
			Message: err.Error(), CorrelationID: corrID, Timestamp: time.Now(),
		})
		rs.mu.Unlock()
		o.log.ErrorContext(stageCtx, "stage attempt failed", map[string]interface{}{
			"stage_id": def.ID, "attempt": attempt, "max_retries": maxRetries,
			"is_final_failure": isFinal, "error": err.Error(),
		})

		if !isFinal {
			o.persist(ctx, build)
			delay := stageBackoffDelay(attempt)
			o.events.Publish(build.ID, o.stageEvent(build, stage, EventStageUpdate, "retrying", map[string]interface{}{
				"attempt": attempt, "maxRetries": maxRetries, "delayMs": delay.Milliseconds(),
			}))
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				o.markCancelled(ctx, rs, stage)
				return corelib.ErrCancelled
			}
			continue
		}

		return o.failStage(ctx, rs, stage, def, attempt, err)
	}
}

// failStage marks a stage ERROR after its retry budget is exhausted (spec
// §4.3 step 5): a critical stage fails the build; a non-critical one
// continues with a surfaced warning. Either way this always returns a
// non-nil error - ERROR is a terminal status but not a success status (spec
// §3), so executeDAG must never mistake it for success and must mark any
// stage depending on it as failed/skipped too (spec §8 invariant 4, §4.3
// Ordering); only whether the *build* halts depends on def.Critical, which
// executeDAG's resultLoop checks separately via registry.IsCritical.
func (o *Orchestrator) failStage(ctx context.Context, rs *runState, stage *model.StageInstance, def *registry.StageDefinition, attempt int, err error) error {
	build := rs.build
	msg := corelib.UserMessage(def.Label, attempt, err)

	rs.mu.Lock()
	endTime := time.Now()
	stage.Status = model.StageError
	stage.CompletedAt = &endTime
	stage.TerminalErr = msg
	if !def.Critical {
		build.Warnings = append(build.Warnings, msg)
	}
	rs.mu.Unlock()

	o.persist(ctx, build)
	o.events.Publish(build.ID, o.stageEvent(build, stage, EventStageUpdate, msg, nil))

	return fmt.Errorf("stage %s: %w", def.Label, err)
}

// markSkippedStages gives every DAG node that skipDependentsLocked excluded
// from ever running (spec §8 invariant 4: a stage never enters RUNNING
// before every dependency reaches a terminal success status) a terminal
// model.StageInstance status, instead of leaving it stuck at PENDING forever
// once the build itself has gone terminal. FAILED is used rather than ERROR
// since the stage never attempted and produced no error of its own - it was
// excluded by a failed dependency - and FAILED is already part of every
// built-in stage's allowed-status set (registry.LoadBuiltins).
func (o *Orchestrator) markSkippedStages(ctx context.Context, rs *runState, dag *stageDAG, defs map[string]*registry.StageDefinition) {
	build := rs.build
	for id, def := range defs {
		if !dag.Skipped(id) {
			continue
		}
		stage := build.StageByID(id)
		if stage == nil || stage.Status.IsTerminal() {
			continue
		}

		rs.mu.Lock()
		endTime := time.Now()
		msg := fmt.Sprintf("stage %s skipped: a dependency failed", def.Label)
		stage.Status = model.StageFailed
		stage.CompletedAt = &endTime
		stage.TerminalErr = msg
		rs.mu.Unlock()

		o.persist(ctx, build)
		o.events.Publish(build.ID, o.stageEvent(build, stage, EventStageUpdate, msg, nil))
	}
}

// finishStageSuccess records a successful terminal status, applying the
// PARTIAL resolution (SPEC_FULL §4.3 [ADD]) when a multi-event stage
// completed only some of its expected sub-events.
func (o *Orchestrator) finishStageSuccess(ctx context.Context, rs *runState, stage *model.StageInstance, def *registry.StageDefinition, result HandlerResult) {
	build := rs.build

	rs.mu.Lock()
	endTime := time.Now()
	stage.CompletedAt = &endTime
	stage.Artifacts = append(stage.Artifacts, result.Artifacts...)
	build.Artifacts = append(build.Artifacts, result.Artifacts...)
	if result.TotalEvents > 0 {
		stage.TotalEvents = result.TotalEvents
	}

	status := result.Status
	if status == "" || !def.AllowedStatuses[status] {
		status = firstCompletionStatus(def)
	}
	if result.TotalEvents > 0 && result.CompletedEvents < result.TotalEvents {
		status = model.StagePartial
		if !def.AllowedStatuses[status] {
			status = firstCompletionStatus(def)
		}
		build.Warnings = append(build.Warnings, fmt.Sprintf("stage %s: %d/%d sub-events succeeded", def.Label, result.CompletedEvents, result.TotalEvents))
	}
	stage.Status = status
	rs.mu.Unlock()

	o.persist(ctx, build)
	o.events.Publish(build.ID, o.stageEvent(build, stage, EventStageUpdate, fmt.Sprintf("stage %s finished: %s", def.Label, status), nil))
}

// completionPriority picks the default terminal status for a stage whose
// handler didn't name one, in the order spec §3 lists completion statuses.
var completionPriority = []model.StageStatus{
	model.StageDone, model.StageCreated, model.StagePassed, model.StagePushed, model.StageDeployed, model.StagePartial,
}

func firstCompletionStatus(def *registry.StageDefinition) model.StageStatus {
	for _, s := range completionPriority {
		if def.AllowedStatuses[s] {
			return s
		}
	}
	return model.StageDone
}

// markCancelled records CANCELLED for a stage that was running when
// cancellation was observed (spec §4.3 "Cancellation"): in-flight external
// calls are allowed to finish, but their result is discarded here.
func (o *Orchestrator) markCancelled(ctx context.Context, rs *runState, stage *model.StageInstance) {
	rs.mu.Lock()
	if stage.Status.IsTerminal() {
		rs.mu.Unlock()
		return
	}
	endTime := time.Now()
	stage.Status = model.StageCancelled
	stage.CompletedAt = &endTime
	build := rs.build
	rs.mu.Unlock()

	o.persist(ctx, build)
	o.events.Publish(build.ID, o.stageEvent(build, stage, EventStageUpdate, "stage cancelled", nil))
}

// onSubEvent records one sub-event of a multi-event stage and recomputes
// progress with partial credit if the handler reports completed/total
// counts in details (spec §4.3 "Progress computation").
func (o *Orchestrator) onSubEvent(rs *runState, stage *model.StageInstance, message string, details map[string]interface{}) {
	build := rs.build
	rs.mu.Lock()
	stage.Events = append(stage.Events, model.StageEvent{
		ID: uuid.New().String(), StageID: stage.StageID, Message: message,
		Status: stage.Status, Timestamp: time.Now(), Details: details,
	})
	rs.mu.Unlock()

	o.events.Publish(build.ID, o.stageEvent(build, stage, EventStageUpdate, message, details))

	completed, total := intFromDetails(details, "completedEvents"), intFromDetails(details, "totalEvents")
	if total > 0 {
		o.emitProgress(rs, false, stage.StageID, completed, total)
	}
}

func intFromDetails(details map[string]interface{}, key string) int {
	switch v := details[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// emitProgress recomputes and, subject to the once-per-second throttle,
// publishes a pipeline_update event carrying the new progress value.
func (o *Orchestrator) emitProgress(rs *runState, force bool, activeStage string, activeCompleted, activeTotal int) {
	rs.mu.Lock()
	if !rs.throttle.allow(time.Now(), force) {
		rs.mu.Unlock()
		return
	}
	build := rs.build
	total := len(build.Stages)
	completed := 0
	for _, s := range build.Stages {
		if s.Status.IsTerminal() {
			completed++
		}
	}
	progress := computeProgress(total, completed, activeCompleted, activeTotal)
	build.SetProgress(progress)
	p := build.Progress
	rs.mu.Unlock()

	o.events.Publish(build.ID, o.pipelineEvent(build, EventPipelineUpdate, fmt.Sprintf("progress %.1f%%", p)))
}

// stageContext applies the stage definition's timeout (spec §3 "Timeout").
func (o *Orchestrator) stageContext(ctx context.Context, def *registry.StageDefinition) (context.Context, context.CancelFunc) {
	if def.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(def.Timeout)*time.Millisecond)
}

// persist writes through to the storage collaborator (spec §4.3
// "Persistence"). If ctx is already done (cancellation/timeout), it falls
// back to a short detached context so the final state still lands.
func (o *Orchestrator) persist(ctx context.Context, build *model.Build) {
	writeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := o.storage.SaveBuild(writeCtx, build); err != nil {
		o.log.Error("failed to persist build", map[string]interface{}{"build_id": build.ID, "error": err.Error()})
	}
}

func (o *Orchestrator) stageEvent(build *model.Build, stage *model.StageInstance, typ, message string, details map[string]interface{}) Event {
	return Event{
		Type: typ, PipelineID: build.ID, Stage: stage.StageID, Status: string(stage.Status),
		Message: message, Timestamp: time.Now(), Details: details,
	}
}

func (o *Orchestrator) pipelineEvent(build *model.Build, typ, message string) Event {
	return Event{Type: typ, PipelineID: build.ID, Status: string(build.Status), Message: message, Timestamp: time.Now()}
}
