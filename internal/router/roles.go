package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/apex-build/buildforge/internal/corelib"
)

// roleKeywords maps each role to the task-type keywords it matches against
// (spec §4.2 "declared keyword similarity"). The mapping is data, kept here
// as the one place role assignment is defined.
var roleKeywords = map[Capability][]string{
	CapInterviewer:  {"clarify", "interview", "questionnaire", "spec"},
	CapPlanner:      {"plan", "doc", "design"},
	CapSchemaDesign: {"schema", "model", "database"},
	CapCoder:        {"code", "file", "implement", "generate"},
	CapTester:       {"test", "verify", "assert"},
	CapDebugger:     {"debug", "fix", "error"},
	CapReviewer:     {"review", "audit"},
	CapDeployer:     {"deploy", "release", "push"},
}

// RoleAssigner is a thin façade over Router: it maps a task type string to a
// role by keyword similarity, enforces a per-role concurrency cap, and
// routes (spec §4.2 "Agent-role assignment").
type RoleAssigner struct {
	router *Router
	caps   map[Capability]int

	mu      sync.Mutex
	inFlight map[Capability]int
}

// NewRoleAssigner builds a façade with per-role concurrency caps. A role
// absent from caps has no cap.
func NewRoleAssigner(router *Router, caps map[Capability]int) *RoleAssigner {
	return &RoleAssigner{
		router:   router,
		caps:     caps,
		inFlight: make(map[Capability]int),
	}
}

// ResolveRole maps a task-type string (e.g. "code-generation") to the role
// whose keyword list has the most substring hits; ties favor declaration
// order in roleOrder.
func ResolveRole(taskType string) (Capability, error) {
	t := strings.ToLower(taskType)
	best := Capability("")
	bestScore := 0
	for _, role := range roleOrder {
		score := 0
		for _, kw := range roleKeywords[role] {
			if strings.Contains(t, kw) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = role
		}
	}
	if bestScore == 0 {
		return "", fmt.Errorf("%w: no role matches task type %q", corelib.ErrInvalidPayload, taskType)
	}
	return best, nil
}

var roleOrder = []Capability{
	CapInterviewer, CapPlanner, CapSchemaDesign, CapCoder, CapTester, CapDebugger, CapReviewer, CapDeployer,
}

// Assign resolves taskType to a role, checks the role's concurrency cap, and
// if there's room routes the task; releases its slot when the call returns.
func (a *RoleAssigner) Assign(ctx context.Context, taskType string, task Task) (Response, error) {
	role, err := ResolveRole(taskType)
	if err != nil {
		return Response{}, err
	}
	task.Role = role

	if !a.acquire(role) {
		return Response{}, fmt.Errorf("%w: role %s at capacity, back off", corelib.ErrRateLimited, role)
	}
	defer a.release(role)

	return a.router.RouteTask(ctx, task)
}

func (a *RoleAssigner) acquire(role Capability) bool {
	limit, hasCap := a.caps[role]
	a.mu.Lock()
	defer a.mu.Unlock()
	if hasCap && a.inFlight[role] >= limit {
		return false
	}
	a.inFlight[role]++
	return true
}

func (a *RoleAssigner) release(role Capability) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inFlight[role]--
}
