package corelib

import (
	"errors"
	"fmt"
)

// Sentinel errors for the spec's error taxonomy (§7). Callers compare with
// errors.Is; handlers wrap one of these with context via BuildError.
var (
	// ErrInvalidDefinition / ErrInvalidPayload - client-side, never retried.
	ErrInvalidDefinition = errors.New("invalid stage definition")
	ErrInvalidPayload    = errors.New("invalid stage payload")

	// ErrRateLimited - transient; caller should wait retry-after then resume.
	ErrRateLimited = errors.New("rate limited")

	// ErrAuthentication - fast-fail; provider disabled for this attempt.
	ErrAuthentication = errors.New("authentication failed")

	// ErrTimeout - retryable; counts against the stage's attempt budget.
	ErrTimeout = errors.New("operation timeout")

	// ErrProviderUnavailable / ErrBadGateway / ErrServerError - retryable with backoff.
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrBadGateway          = errors.New("bad gateway")
	ErrServerError         = errors.New("server error")

	// ErrConnectionReset - retryable, no backoff penalty beyond base.
	ErrConnectionReset = errors.New("connection reset")

	// ErrFallbackExhausted - terminal for the current stage attempt.
	ErrFallbackExhausted = errors.New("all providers exhausted")

	// ErrStageTimeout - retryable unless the stage declares non-retryable.
	ErrStageTimeout = errors.New("stage timeout")

	// ErrCancelled - terminal for the build; never retried.
	ErrCancelled = errors.New("cancelled")

	// ErrStorage - read/write failure against the persistence collaborator.
	ErrStorage = errors.New("storage error")

	// ErrNotFound is a generic not-found condition (build, stage, provider, release).
	ErrNotFound = errors.New("not found")

	// ErrInvalidStateTransition guards Build/StageInstance state machines.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrCircuitOpen is returned by a provider whose breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// BuildError carries structured context about a failure: which operation,
// which correlation id, how many attempts, and whether this is the final
// failure for the stage/build. It wraps one of the sentinels above.
type BuildError struct {
	Op              string // e.g. "router.RouteTask", "orchestrator.executeStage"
	CorrelationID   string
	Attempt         int
	MaxAttempts     int
	IsFinalFailure  bool
	RecommendedNext string // "retry with alternative model" | "contact support" | ""
	Err             error
}

func (e *BuildError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *BuildError) Unwrap() error { return e.Err }

// Wrap builds a BuildError around err for operation op.
func Wrap(op string, err error) *BuildError {
	return &BuildError{Op: op, Err: err}
}

// IsRetryable classifies an error per the spec's taxonomy: fast-fail errors
// (auth, invalid definition/payload, cancelled) must never be retried;
// everything else transient is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrInvalidDefinition),
		errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrAuthentication),
		errors.Is(err, ErrCancelled):
		return false
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, ErrBadGateway),
		errors.Is(err, ErrServerError),
		errors.Is(err, ErrConnectionReset),
		errors.Is(err, ErrStageTimeout),
		errors.Is(err, ErrFallbackExhausted):
		return true
	default:
		return true
	}
}

// IsFastFail reports whether err must never be retried or fallen back on
// with the same credentials (spec §4.2 call contract).
func IsFastFail(err error) bool {
	return errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrInvalidDefinition) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrCancelled)
}

// UserMessage renders the concise, user-visible failure message format
// mandated by spec §7: "stage <label> failed after <N> attempts: <reason>".
func UserMessage(stageLabel string, attempts int, err error) string {
	return fmt.Sprintf("stage %s failed after %d attempts: %s", stageLabel, attempts, classify(err))
}

func classify(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return "authentication failed"
	case errors.Is(err, ErrRateLimited):
		return "rate limited"
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrStageTimeout):
		return "timed out"
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrBadGateway), errors.Is(err, ErrServerError):
		return "provider unavailable"
	case errors.Is(err, ErrFallbackExhausted):
		return "no provider could complete the request"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return err.Error()
	}
}

// IsRateLimited reports whether err is (or wraps) ErrRateLimited.
func IsRateLimited(err error) bool { return err != nil && errors.Is(err, ErrRateLimited) }

// IsCircuitOpen reports whether err is (or wraps) ErrCircuitOpen.
func IsCircuitOpen(err error) bool { return err != nil && errors.Is(err, ErrCircuitOpen) }

// RecommendedAction picks the advisory action surfaced alongside a failure.
func RecommendedAction(err error) string {
	switch {
	case errors.Is(err, ErrFallbackExhausted), errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrRateLimited):
		return "retry with alternative model"
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrStorage):
		return "contact support"
	default:
		return ""
	}
}
