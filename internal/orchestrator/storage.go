package orchestrator

import (
	"context"

	"github.com/apex-build/buildforge/internal/model"
)

// Storage is the persistence collaborator the orchestrator writes through at
// every state transition (spec §4.3 "Persistence": "Writes are the system of
// record; in-memory state is a cache"). internal/storage provides the
// concrete Redis/in-memory implementation; this interface keeps the
// orchestrator decoupled from it.
type Storage interface {
	SaveBuild(ctx context.Context, b *model.Build) error
}

// NoOpStorage discards writes; useful for tests that only assert on the
// in-memory Build value the caller already holds.
type NoOpStorage struct{}

func (NoOpStorage) SaveBuild(context.Context, *model.Build) error { return nil }
