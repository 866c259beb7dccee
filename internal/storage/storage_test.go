package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-build/buildforge/internal/corelib"
	"github.com/apex-build/buildforge/internal/model"
)

func TestStoreSaveAndGetBuild(t *testing.T) {
	store := New(NewMemoryProvider(0), corelib.NoOpLogger{})
	ctx := context.Background()

	b := &model.Build{ID: "b1", ProjectID: "p1", UserID: "u1", Status: model.BuildRunning, CreatedAt: time.Now()}
	require.NoError(t, store.SaveBuild(ctx, b))

	got, err := store.GetBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ProjectID)
	assert.Equal(t, model.BuildRunning, got.Status)
}

func TestStoreGetBuildNotFound(t *testing.T) {
	store := New(NewMemoryProvider(0), corelib.NoOpLogger{})
	_, err := store.GetBuild(context.Background(), "missing")
	assert.ErrorIs(t, err, corelib.ErrNotFound)
}

func TestStoreListBuildsForUserFiltersAndOrders(t *testing.T) {
	store := New(NewMemoryProvider(0), corelib.NoOpLogger{})
	ctx := context.Background()

	base := time.Now()
	for i, u := range []string{"u1", "u2", "u1"} {
		b := &model.Build{ID: string(rune('a' + i)), UserID: u, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, store.SaveBuild(ctx, b))
	}

	list, err := store.ListBuildsForUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	// Newest first.
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
}

func TestStoreDeleteBuild(t *testing.T) {
	store := New(NewMemoryProvider(0), corelib.NoOpLogger{})
	ctx := context.Background()
	b := &model.Build{ID: "b1", CreatedAt: time.Now()}
	require.NoError(t, store.SaveBuild(ctx, b))
	require.NoError(t, store.DeleteBuild(ctx, "b1"))
	_, err := store.GetBuild(ctx, "b1")
	assert.ErrorIs(t, err, corelib.ErrNotFound)
}

func TestMemoryProviderBoundedEviction(t *testing.T) {
	p := NewMemoryProvider(2)
	ctx := context.Background()
	require.NoError(t, p.Set(ctx, "a", "1", 0))
	require.NoError(t, p.Set(ctx, "b", "2", 0))
	require.NoError(t, p.Set(ctx, "c", "3", 0))

	count := 0
	for _, k := range []string{"a", "b", "c"} {
		ok, _ := p.Exists(ctx, k)
		if ok {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestMemoryProviderTTLExpiry(t *testing.T) {
	p := NewMemoryProvider(0)
	ctx := context.Background()
	require.NoError(t, p.Set(ctx, "k", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	v, err := p.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "", v)
}
