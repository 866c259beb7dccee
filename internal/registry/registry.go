// Package registry implements the Stage Registry: the catalogue of stage
// definitions that drives both the canonical build plan and any
// tenant-supplied custom stages (spec §4.1).
package registry

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/apex-build/buildforge/internal/corelib"
	"github.com/apex-build/buildforge/internal/model"
)

var idPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// completionStatuses are the allowed-status members that count as "the stage
// reached a successful terminal state" (spec §3 StageDefinition invariant).
var completionStatuses = map[model.StageStatus]bool{
	model.StageDone:     true,
	model.StageCreated:  true,
	model.StagePassed:   true,
	model.StagePushed:   true,
	model.StageDeployed: true,
	model.StagePartial:  true,
}

// FieldType enumerates the payload-schema field types (spec §4.1).
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldArray   FieldType = "array"
	FieldObject  FieldType = "object"
)

// FieldSchema describes one field of a stage's payload.
type FieldSchema struct {
	Name     string
	Type     FieldType
	Required bool
	Min      *float64
	Max      *float64
	MinLen   *int
	MaxLen   *int
	Pattern  string
	Enum     []string
	ItemType FieldType // for Type == FieldArray
}

// PayloadSchema is the full set of fields a stage payload is validated
// against. Unknown fields are always allowed (spec §4.1).
type PayloadSchema struct {
	Fields []FieldSchema
}

// StageDefinition is one entry in the registry (spec §3, §4.1).
type StageDefinition struct {
	ID                     string
	Label                  string
	Description            string
	SupportsMultipleEvents bool
	AllowedStatuses        map[model.StageStatus]bool
	Dependencies           []string
	Payload                PayloadSchema
	Timeout                int64 // milliseconds
	Retryable              bool
	Critical               bool
	MaxRetries             int
	Version                string
	Category               string
	Icon                   string
	Metadata               map[string]string
}

// Registry is the immutable-after-init catalogue of stage definitions. It is
// safe for concurrent reads; writes only happen during init/hot-reload
// (spec §4.1, §5 "no global singletons beyond the Stage Registry").
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]*StageDefinition
	log      corelib.Logger
	warnings []string
}

// New returns an empty registry. Call LoadBuiltins to seed the canonical plan.
func New(log corelib.ComponentLogger) *Registry {
	if log == nil {
		log = corelib.NoOpLogger{}
	}
	return &Registry{
		defs: make(map[string]*StageDefinition),
		log:  log.WithComponent("registry"),
	}
}

// Register validates def's shape and cross-field rules, then checks the
// whole resulting set for cycles before committing it (spec §4.1).
func (r *Registry) Register(def *StageDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(def)
}

func (r *Registry) registerLocked(def *StageDefinition) error {
	if errs := r.validateDefinitionLocked(def); len(errs) > 0 {
		return fmt.Errorf("%w: %v", corelib.ErrInvalidDefinition, errs)
	}

	trial := make(map[string]*StageDefinition, len(r.defs)+1)
	for k, v := range r.defs {
		trial[k] = v
	}
	trial[def.ID] = def
	if cyc := findCycle(trial); cyc != "" {
		return fmt.Errorf("%w: cycle detected involving %q", corelib.ErrInvalidDefinition, cyc)
	}
	for _, dep := range def.Dependencies {
		if _, ok := trial[dep]; !ok {
			return fmt.Errorf("%w: %q depends on unregistered stage %q", corelib.ErrInvalidDefinition, def.ID, dep)
		}
	}

	if def.Critical && !def.Retryable {
		r.warnings = append(r.warnings, fmt.Sprintf("stage %q is critical but not retryable", def.ID))
		r.log.Warn("critical stage is not retryable", map[string]interface{}{"stage_id": def.ID})
	}

	r.defs[def.ID] = def
	return nil
}

// validateDefinitionLocked performs the shape validation demanded by §3's
// StageDefinition invariants plus the cross-field checks of §4.1. It must be
// called with r.mu held (for the duplicate-ID check).
func (r *Registry) validateDefinitionLocked(def *StageDefinition) []string {
	var errs []string
	if def == nil {
		return []string{"definition is nil"}
	}
	if !idPattern.MatchString(def.ID) {
		errs = append(errs, fmt.Sprintf("id %q must be lowercase alphanumeric plus _-", def.ID))
	}
	if _, exists := r.defs[def.ID]; exists {
		errs = append(errs, fmt.Sprintf("id %q already registered", def.ID))
	}
	if len(def.AllowedStatuses) == 0 {
		errs = append(errs, "allowed-status set must not be empty")
	}
	if !def.AllowedStatuses[model.StagePending] {
		errs = append(errs, "PENDING must be in allowed-status set")
	}
	hasCompletion := false
	for s := range def.AllowedStatuses {
		if completionStatuses[s] {
			hasCompletion = true
			break
		}
	}
	if !hasCompletion {
		errs = append(errs, "allowed-status set must contain at least one completion status (DONE, CREATED, PASSED, PUSHED, DEPLOYED, PARTIAL)")
	}
	for _, dep := range def.Dependencies {
		if dep == def.ID {
			errs = append(errs, "self-dependency is rejected")
		}
	}
	if def.Timeout < 1000 {
		errs = append(errs, "timeout must be >= 1s")
	}
	if def.SupportsMultipleEvents && def.Timeout < 60000 {
		errs = append(errs, "multi-event stages require timeout >= 60s")
	}
	for _, f := range def.Payload.Fields {
		switch f.Type {
		case FieldString, FieldNumber, FieldBoolean, FieldArray, FieldObject:
		default:
			errs = append(errs, fmt.Sprintf("field %q has unknown type %q", f.Name, f.Type))
		}
	}
	return errs
}

// findCycle runs DFS with a recursion stack over defs and returns the id of
// a stage found on a cycle, or "" if the set is acyclic (spec §4.1).
func findCycle(defs map[string]*StageDefinition) string {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(defs))

	var visit func(id string) string
	visit = func(id string) string {
		switch state[id] {
		case visited:
			return ""
		case visiting:
			return id
		}
		state[id] = visiting
		def, ok := defs[id]
		if ok {
			for _, dep := range def.Dependencies {
				if cyc := visit(dep); cyc != "" {
					return cyc
				}
			}
		}
		state[id] = visited
		return ""
	}

	ids := make([]string, 0, len(defs))
	for id := range defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if cyc := visit(id); cyc != "" {
			return cyc
		}
	}
	return ""
}

// Get returns the definition for id, or ErrNotFound.
func (r *Registry) Get(id string) (*StageDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: stage %q", corelib.ErrNotFound, id)
	}
	return def, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[id]
	return ok
}

// All returns every registered definition, in dependency-then-id order so
// callers get a deterministic canonical-plan ordering.
func (r *Registry) All() []*StageDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topoOrderLocked()
}

func (r *Registry) topoOrderLocked() []*StageDefinition {
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	visited := make(map[string]bool, len(ids))
	var order []string
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		def := r.defs[id]
		if def == nil {
			return
		}
		deps := append([]string(nil), def.Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			visit(dep)
		}
		order = append(order, id)
	}
	for _, id := range ids {
		visit(id)
	}

	out := make([]*StageDefinition, 0, len(order))
	for _, id := range order {
		out = append(out, r.defs[id])
	}
	return out
}

// Dependencies returns id's direct dependency ids.
func (r *Registry) Dependencies(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return nil
	}
	return append([]string(nil), def.Dependencies...)
}

// IsRetryable reports whether id's definition permits retries.
func (r *Registry) IsRetryable(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return ok && def.Retryable
}

// IsCritical reports whether id is a critical stage (failure fails the build).
func (r *Registry) IsCritical(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return ok && def.Critical
}

// CanTransition reports whether a StageInstance for id may move from `from`
// to `to`. PENDING->RUNNING is always legal; any status may move to
// CANCELLED; terminal statuses (per model.StageStatus.IsTerminal) accept no
// further transitions; otherwise `to` must be in the definition's allowed set.
func (r *Registry) CanTransition(id string, from, to model.StageStatus) bool {
	r.mu.RLock()
	def, ok := r.defs[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	if from == model.StagePending && to == model.StageRunning {
		return true
	}
	if !def.AllowedStatuses[to] && to != model.StageCancelled {
		return false
	}
	if to == from {
		return true
	}
	return true
}

// InstanceFor builds a fresh, PENDING StageInstance for id.
func (r *Registry) InstanceFor(id string) (*model.StageInstance, error) {
	def, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return &model.StageInstance{
		StageID: def.ID,
		Status:  model.StagePending,
	}, nil
}

// ValidatePayload checks obj's fields against id's PayloadSchema. Unknown
// fields in obj are allowed; declared-required fields missing from obj fail.
func (r *Registry) ValidatePayload(id string, obj map[string]interface{}) error {
	def, err := r.Get(id)
	if err != nil {
		return err
	}
	var errs []string
	for _, f := range def.Payload.Fields {
		v, present := obj[f.Name]
		if !present {
			if f.Required {
				errs = append(errs, fmt.Sprintf("missing required field %q", f.Name))
			}
			continue
		}
		if msg := validateField(f, v); msg != "" {
			errs = append(errs, msg)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", corelib.ErrInvalidPayload, errs)
	}
	return nil
}

// Warnings returns non-fatal warnings accumulated during registration (e.g.
// critical-but-not-retryable stages).
func (r *Registry) Warnings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.warnings...)
}
