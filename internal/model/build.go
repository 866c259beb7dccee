// Package model holds the core data types shared across the build pipeline:
// Build, StageInstance, StageEvent and Artifact (spec §3).
package model

import (
	"time"
)

// BuildStatus is the overall lifecycle status of a Build.
type BuildStatus string

const (
	BuildPending   BuildStatus = "PENDING"
	BuildRunning   BuildStatus = "RUNNING"
	BuildCompleted BuildStatus = "COMPLETED"
	BuildFailed    BuildStatus = "FAILED"
	BuildCancelled BuildStatus = "CANCELLED"
)

// IsTerminal reports whether status is one a Build never leaves.
func (s BuildStatus) IsTerminal() bool {
	switch s {
	case BuildCompleted, BuildFailed, BuildCancelled:
		return true
	default:
		return false
	}
}

// StageStatus is a status a StageInstance may hold. The alphabet includes
// PARTIAL (SPEC_FULL §3, Open Question #4 resolution): a multi-event stage
// that completes some but not all of its sub-events lands here instead of
// DONE or ERROR.
type StageStatus string

const (
	StagePending   StageStatus = "PENDING"
	StageRunning   StageStatus = "RUNNING"
	StageDone      StageStatus = "DONE"
	StageCreated   StageStatus = "CREATED"
	StagePassed    StageStatus = "PASSED"
	StageFailed    StageStatus = "FAILED"
	StageError     StageStatus = "ERROR"
	StageCancelled StageStatus = "CANCELLED"
	StagePushed    StageStatus = "PUSHED"
	StageDeployed  StageStatus = "DEPLOYED"
	StagePartial   StageStatus = "PARTIAL"
)

// SuccessStatuses are terminal statuses that count as "the stage succeeded"
// for dependency-graph purposes (spec §3 invariant: "at least one completion
// status ... DONE, CREATED, PASSED, DEPLOYED", extended here with PUSHED and PARTIAL).
var SuccessStatuses = map[StageStatus]bool{
	StageDone:     true,
	StageCreated:  true,
	StagePassed:   true,
	StagePushed:   true,
	StageDeployed: true,
	StagePartial:  true,
}

// IsSuccess reports whether status represents a successful terminal state.
func (s StageStatus) IsSuccess() bool { return SuccessStatuses[s] }

// IsTerminal reports whether status is one a StageInstance never leaves.
func (s StageStatus) IsTerminal() bool {
	if s.IsSuccess() {
		return true
	}
	return s == StageError || s == StageCancelled || s == StageFailed
}

// ArtifactType enumerates the kinds of resources a stage may produce.
type ArtifactType string

const (
	ArtifactRepository ArtifactType = "REPOSITORY"
	ArtifactDeployment ArtifactType = "DEPLOYMENT"
	ArtifactS3         ArtifactType = "S3"
	ArtifactDatabase   ArtifactType = "DATABASE"
	ArtifactLambda     ArtifactType = "LAMBDA"
	ArtifactAPI        ArtifactType = "API"
	ArtifactFile       ArtifactType = "FILE"
)

// Artifact is a resource produced by a stage (spec §3).
type Artifact struct {
	Type     ArtifactType      `json:"type"`
	Name     string            `json:"name"`
	URL      string            `json:"url"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StageEvent is one sub-event within a multi-event stage (spec §3, glossary).
type StageEvent struct {
	ID        string                 `json:"id"`
	StageID   string                 `json:"stageId"`
	Message   string                 `json:"message"`
	Status    StageStatus            `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// StageError records one failed attempt at a stage, with the attempt number
// and whether it was the final attempt (spec §7 propagation policy).
type StageError struct {
	Attempt        int       `json:"attempt"`
	MaxRetries     int       `json:"maxRetries"`
	IsFinalFailure bool      `json:"isFinalFailure"`
	Message        string    `json:"message"`
	CorrelationID  string    `json:"correlationId"`
	Timestamp      time.Time `json:"timestamp"`
}

// StageInstance is a stage's runtime state within one build (spec §3).
type StageInstance struct {
	StageID      string       `json:"stageId"`
	Status       StageStatus  `json:"status"`
	StartedAt    *time.Time   `json:"startedAt,omitempty"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
	Events       []StageEvent `json:"events,omitempty"`
	Attempts     int          `json:"attempts"`
	ErrorLog     []StageError `json:"errorLog,omitempty"`
	TerminalErr  string       `json:"terminalError,omitempty"`
	Artifacts    []Artifact   `json:"artifacts,omitempty"`
	TotalEvents  int          `json:"totalEvents,omitempty"` // expected sub-event count, 0 if unknown
}

// Build is the aggregate root for one pipeline run (spec §3).
type Build struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"projectId"`
	UserID      string          `json:"userId"`
	Status      BuildStatus     `json:"status"`
	Progress    float64         `json:"progress"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Stages      []StageInstance `json:"stages"`
	Artifacts   []Artifact      `json:"artifacts,omitempty"`
	TerminalErr string          `json:"terminalError,omitempty"`
	Warnings    []string        `json:"warnings,omitempty"`
	Spec        map[string]interface{} `json:"spec"`
}

// StageByID returns a pointer to the named StageInstance, or nil.
func (b *Build) StageByID(id string) *StageInstance {
	for i := range b.Stages {
		if b.Stages[i].StageID == id {
			return &b.Stages[i]
		}
	}
	return nil
}

// SetProgress enforces the monotonic-non-decreasing invariant (spec §3, §8
// invariant 1) while the build is still PENDING/RUNNING. Only the owning
// orchestrator execution context calls this (spec §5 ownership rule), so no
// internal locking is needed here.
func (b *Build) SetProgress(p float64) {
	if b.Status.IsTerminal() {
		return
	}
	if p < b.Progress {
		return
	}
	if p > 100 {
		p = 100
	}
	b.Progress = p
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// owning orchestrator execution context (spec §5 "Build record - mutated
// exclusively by its owning orchestrator execution context").
func (b *Build) Clone() *Build {
	clone := *b
	clone.Stages = make([]StageInstance, len(b.Stages))
	copy(clone.Stages, b.Stages)
	for i := range clone.Stages {
		events := make([]StageEvent, len(b.Stages[i].Events))
		copy(events, b.Stages[i].Events)
		clone.Stages[i].Events = events

		errLog := make([]StageError, len(b.Stages[i].ErrorLog))
		copy(errLog, b.Stages[i].ErrorLog)
		clone.Stages[i].ErrorLog = errLog

		arts := make([]Artifact, len(b.Stages[i].Artifacts))
		copy(arts, b.Stages[i].Artifacts)
		clone.Stages[i].Artifacts = arts
	}
	clone.Artifacts = append([]Artifact(nil), b.Artifacts...)
	clone.Warnings = append([]string(nil), b.Warnings...)
	return &clone
}
