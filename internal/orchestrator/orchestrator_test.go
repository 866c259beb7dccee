package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-build/buildforge/internal/corelib"
	"github.com/apex-build/buildforge/internal/model"
	"github.com/apex-build/buildforge/internal/registry"
	"github.com/apex-build/buildforge/internal/router"
)

// memStorage is an in-memory Storage collaborator that records every write,
// so tests can assert on persisted transitions, not just the in-memory Build.
type memStorage struct {
	mu    sync.Mutex
	saves []model.Build
}

func (s *memStorage) SaveBuild(_ context.Context, b *model.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, *b.Clone())
	return nil
}

func (s *memStorage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

// recordingSink captures every published event for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) ofType(typ string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// simpleHandler always succeeds with the given status.
type simpleHandler struct{ status model.StageStatus }

func (h simpleHandler) Handle(context.Context, *HandlerContext) (HandlerResult, error) {
	return HandlerResult{Status: h.status}, nil
}

// alwaysFailHandler fails every attempt with the given error.
type alwaysFailHandler struct{ err error }

func (h alwaysFailHandler) Handle(context.Context, *HandlerContext) (HandlerResult, error) {
	return HandlerResult{}, h.err
}

// partialHandler reports a multi-event stage that only completed some of
// its expected sub-events.
type partialHandler struct{ completed, total int }

func (h partialHandler) Handle(context.Context, *HandlerContext) (HandlerResult, error) {
	return HandlerResult{CompletedEvents: h.completed, TotalEvents: h.total}, nil
}

func newTestRegistry(t *testing.T, defs ...*registry.StageDefinition) *registry.Registry {
	t.Helper()
	reg := registry.New(nil)
	for _, def := range defs {
		require.NoError(t, reg.Register(def))
	}
	return reg
}

func stageDef(id string, critical, retryable bool, maxRetries int, deps ...string) *registry.StageDefinition {
	return &registry.StageDefinition{
		ID:              id,
		Label:           id,
		Dependencies:    deps,
		AllowedStatuses: map[model.StageStatus]bool{model.StagePending: true, model.StageRunning: true, model.StageCancelled: true, model.StageDone: true, model.StageError: true, model.StageFailed: true, model.StagePartial: true},
		Timeout:         2000,
		Retryable:       retryable,
		MaxRetries:      maxRetries,
		Critical:        critical,
	}
}

func newOrchestrator(reg *registry.Registry, storage Storage, events EventSink) *Orchestrator {
	rtr := router.New(nil)
	rtr.Register(router.NewDemoProvider(), router.RateLimiterConfig{MaxRequests: 1000, Window: time.Second}, router.CircuitBreakerConfig{FailureThreshold: 5, SleepWindow: time.Second, MaxSleepWindow: 10 * time.Second})
	cfg := &corelib.Config{StagePoolSize: 1, BuildTimeout: 5 * time.Second}
	return New(reg, rtr, storage, events, cfg, nil)
}

func TestRunCompletesAllStagesSuccessfully(t *testing.T) {
	reg := newTestRegistry(t, stageDef("a", false, true, 1), stageDef("b", false, true, 1, "a"))
	storage := &memStorage{}
	sink := &recordingSink{}
	o := newOrchestrator(reg, storage, sink)
	o.RegisterHandler("a", simpleHandler{status: model.StageDone})
	o.RegisterHandler("b", simpleHandler{status: model.StageDone})

	build, err := o.NewBuild("", "proj", "user", map[string]interface{}{"description": "a test app"})
	require.NoError(t, err)

	err = o.Run(context.Background(), build)
	require.NoError(t, err)
	assert.Equal(t, model.BuildCompleted, build.Status)
	assert.Equal(t, float64(100), build.Progress)
	assert.Equal(t, model.StageDone, build.StageByID("a").Status)
	assert.Equal(t, model.StageDone, build.StageByID("b").Status)
	assert.NotZero(t, storage.count())
	assert.NotEmpty(t, sink.ofType(EventPipelineComplete))
}

func TestRunFailsBuildWhenCriticalStageExhaustsRetries(t *testing.T) {
	reg := newTestRegistry(t, stageDef("a", true, true, 1))
	storage := &memStorage{}
	sink := &recordingSink{}
	o := newOrchestrator(reg, storage, sink)
	o.RegisterHandler("a", alwaysFailHandler{err: corelib.ErrServerError})

	build, err := o.NewBuild("", "proj", "user", nil)
	require.NoError(t, err)

	err = o.Run(context.Background(), build)
	require.Error(t, err)
	assert.Equal(t, model.BuildFailed, build.Status)
	assert.Equal(t, model.StageError, build.StageByID("a").Status)
	assert.Len(t, build.StageByID("a").ErrorLog, 2) // initial attempt + 1 retry
	assert.True(t, build.StageByID("a").ErrorLog[1].IsFinalFailure)
	assert.NotEmpty(t, sink.ofType(EventPipelineError))
}

func TestRunMarksNonCriticalStageErrorAndContinues(t *testing.T) {
	reg := newTestRegistry(t, stageDef("a", false, false, 0), stageDef("b", false, true, 0, "a"))
	o := newOrchestrator(reg, &memStorage{}, &recordingSink{})
	o.RegisterHandler("a", alwaysFailHandler{err: corelib.ErrServerError})
	o.RegisterHandler("b", simpleHandler{status: model.StageDone})

	build, err := o.NewBuild("", "proj", "user", nil)
	require.NoError(t, err)

	err = o.Run(context.Background(), build)
	require.NoError(t, err)
	assert.Equal(t, model.BuildCompleted, build.Status)
	assert.Equal(t, model.StageError, build.StageByID("a").Status)
	// b depends on a; a never reached a success status, so b must never run
	// (spec §8 invariant 4) - it is marked FAILED as skipped, not DONE.
	assert.Equal(t, model.StageFailed, build.StageByID("b").Status)
	assert.NotEmpty(t, build.Warnings)
}

func TestRunDoesNotRunDependentsOfFailedNonCriticalStage(t *testing.T) {
	reg := newTestRegistry(t,
		stageDef("a", false, false, 0),
		stageDef("b", false, true, 0, "a"),
	)
	o := newOrchestrator(reg, &memStorage{}, &recordingSink{})
	o.RegisterHandler("a", alwaysFailHandler{err: corelib.ErrServerError})

	var bRan atomic.Bool
	o.RegisterHandler("b", HandlerFunc(func(context.Context, *HandlerContext) (HandlerResult, error) {
		bRan.Store(true)
		return HandlerResult{Status: model.StageDone}, nil
	}))

	build, err := o.NewBuild("", "proj", "user", nil)
	require.NoError(t, err)

	err = o.Run(context.Background(), build)
	require.NoError(t, err)
	assert.False(t, bRan.Load(), "b depends on failed stage a and must never enter RUNNING")
	assert.Equal(t, model.StageFailed, build.StageByID("b").Status)
}

func TestRunHandlesPartialMultiEventStage(t *testing.T) {
	def := stageDef("a", false, true, 1)
	def.SupportsMultipleEvents = true
	def.Timeout = 60000
	def.AllowedStatuses[model.StagePartial] = true
	reg := newTestRegistry(t, def)
	o := newOrchestrator(reg, &memStorage{}, &recordingSink{})
	o.RegisterHandler("a", partialHandler{completed: 2, total: 3})

	build, err := o.NewBuild("", "proj", "user", nil)
	require.NoError(t, err)

	err = o.Run(context.Background(), build)
	require.NoError(t, err)
	assert.Equal(t, model.StagePartial, build.StageByID("a").Status)
	assert.Contains(t, build.Warnings[0], "2/3 sub-events succeeded")
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	reg := newTestRegistry(t, stageDef("a", true, true, 2))
	o := newOrchestrator(reg, &memStorage{}, &recordingSink{})

	var calls int
	o.RegisterHandler("a", HandlerFunc(func(context.Context, *HandlerContext) (HandlerResult, error) {
		calls++
		if calls < 2 {
			return HandlerResult{}, corelib.ErrServerError
		}
		return HandlerResult{Status: model.StageDone}, nil
	}))

	build, err := o.NewBuild("", "proj", "user", nil)
	require.NoError(t, err)

	err = o.Run(context.Background(), build)
	require.NoError(t, err)
	assert.Equal(t, model.BuildCompleted, build.Status)
	assert.Equal(t, 2, calls)
}

func TestRunFastFailsWithoutRetry(t *testing.T) {
	reg := newTestRegistry(t, stageDef("a", true, true, 3))
	o := newOrchestrator(reg, &memStorage{}, &recordingSink{})

	var calls int
	o.RegisterHandler("a", HandlerFunc(func(context.Context, *HandlerContext) (HandlerResult, error) {
		calls++
		return HandlerResult{}, corelib.ErrAuthentication
	}))

	build, err := o.NewBuild("", "proj", "user", nil)
	require.NoError(t, err)

	err = o.Run(context.Background(), build)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, build.StageByID("a").ErrorLog[0].IsFinalFailure)
}

// blockingHandler loops checking the cooperative-cancellation flag until
// told to stop, signalling its own start so the test can cancel mid-flight.
type blockingHandler struct {
	started chan struct{}
	once    sync.Once
}

func (h *blockingHandler) Handle(ctx context.Context, hctx *HandlerContext) (HandlerResult, error) {
	h.once.Do(func() { close(h.started) })
	for i := 0; i < 200; i++ {
		if hctx.Cancelled() || ctx.Err() != nil {
			return HandlerResult{}, errors.New("observed cancellation")
		}
		time.Sleep(2 * time.Millisecond)
	}
	return HandlerResult{Status: model.StageDone}, nil
}

func TestCancelStopsRunAndMarksBuildCancelled(t *testing.T) {
	reg := newTestRegistry(t, stageDef("a", true, true, 1))
	o := newOrchestrator(reg, &memStorage{}, &recordingSink{})
	h := &blockingHandler{started: make(chan struct{})}
	o.RegisterHandler("a", h)

	build, err := o.NewBuild("", "proj", "user", nil)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- o.Run(context.Background(), build) }()

	select {
	case <-h.started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}

	assert.True(t, o.Cancel(build.ID))

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, corelib.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after cancel")
	}
	assert.Equal(t, model.BuildCancelled, build.Status)
	assert.Equal(t, model.StageCancelled, build.StageByID("a").Status)
}

func TestNewBuildPopulatesStagesFromRegistryInDependencyOrder(t *testing.T) {
	reg := registry.New(nil)
	require.NoError(t, reg.LoadBuiltins())
	o := newOrchestrator(reg, &memStorage{}, &recordingSink{})

	build, err := o.NewBuild("", "proj", "user", nil)
	require.NoError(t, err)
	assert.Len(t, build.Stages, 12)
	assert.Equal(t, "creating_specs", build.Stages[0].StageID)
	for _, s := range build.Stages {
		assert.Equal(t, model.StagePending, s.Status)
	}
}

func TestRunRejectsNonPendingBuild(t *testing.T) {
	reg := newTestRegistry(t, stageDef("a", false, true, 0))
	o := newOrchestrator(reg, &memStorage{}, &recordingSink{})
	build, err := o.NewBuild("", "proj", "user", nil)
	require.NoError(t, err)
	build.Status = model.BuildRunning

	err = o.Run(context.Background(), build)
	assert.ErrorIs(t, err, corelib.ErrInvalidStateTransition)
}

func TestStageDAGSkipsDependentsOfFailedStage(t *testing.T) {
	reg := newTestRegistry(t,
		stageDef("a", false, false, 0),
		stageDef("b", false, true, 0, "a"),
		stageDef("c", false, true, 0, "b"),
	)
	dag := newStageDAG(reg, []string{"a", "b", "c"})

	ready := dag.ReadyNodes()
	require.Equal(t, []string{"a"}, ready)

	dag.MarkRunning("a")
	dag.MarkFailed("a")

	assert.Empty(t, dag.ReadyNodes())
	assert.True(t, dag.Skipped("b"))
	assert.True(t, dag.Skipped("c"))
	assert.True(t, dag.IsComplete())
}

func TestComputeProgressGivesPartialCreditForActiveStage(t *testing.T) {
	// 4 stages total, 2 fully done, one in-flight 1/2 sub-events complete.
	p := computeProgress(4, 2, 1, 2)
	assert.InDelta(t, 62.5, p, 0.001) // 2*25 + 0.5*25
}

func TestComputeProgressCapsAt100(t *testing.T) {
	p := computeProgress(2, 2, 0, 0)
	assert.Equal(t, float64(100), p)
}

func TestStageBackoffDelayGrowsAndRespectsCeiling(t *testing.T) {
	d1 := stageBackoffDelay(1)
	d5 := stageBackoffDelay(5)
	assert.Greater(t, d1, time.Duration(0))
	assert.LessOrEqual(t, d5, stageRetryCeiling+stageRetryCeiling/5) // ceiling + max jitter
}
